package scm

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
)

type semVer struct {
	origin  SCM
	pattern *regexp.Regexp
}

// SemVer wraps origin so that Branches yields only names fully matching
// expr, ordered by version, oldest first.  expr must contain exactly one
// capture group holding the version string, and that string must parse
// as a version.
//
// Ordering compares padded keys (see CompareVersions), so segments of
// four or more digits do not sort numerically.
func SemVer(expr string, origin SCM) (SCM, error) {
	pattern, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", expr, err)
	}
	// The wrapping group is non-capturing, so NumSubexp counts only
	// the caller's groups.
	if n := pattern.NumSubexp(); n != 1 {
		return nil, fmt.Errorf("regex %q must have exactly one capture group, has %d", expr, n)
	}
	return &semVer{origin: origin, pattern: pattern}, nil
}

func (s *semVer) Checkout(ctx context.Context, name string) (Branch, error) {
	return s.origin.Checkout(ctx, name)
}

// Branches consumes origin fully, since sorting needs every name.
func (s *semVer) Branches(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		type tagged struct {
			name, version string
		}
		var matched []tagged
		for name, err := range s.origin.Branches(ctx) {
			if err != nil {
				yield("", err)
				return
			}
			groups := s.pattern.FindStringSubmatch(name)
			if groups == nil {
				continue
			}
			if _, err := semver.NewVersion(groups[1]); err != nil {
				continue
			}
			matched = append(matched, tagged{name: name, version: groups[1]})
		}
		slices.SortStableFunc(matched, func(a, b tagged) int {
			return CompareVersions(a.version, b.version)
		})
		for _, m := range matched {
			if !yield(m.name, nil) {
				return
			}
		}
	}
}

// CompareVersions orders two dotted version strings by right-aligning
// every segment to width three and comparing the concatenations as
// strings.  "1.2.3" sorts before "1.10.0".  A segment of 1000 or more
// is wider than its slot and compares incorrectly.
func CompareVersions(a, b string) int {
	return strings.Compare(versionKey(a), versionKey(b))
}

func versionKey(version string) string {
	var b strings.Builder
	for _, seg := range strings.Split(version, ".") {
		fmt.Fprintf(&b, "%3s", seg)
	}
	return b.String()
}
