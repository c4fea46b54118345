package git

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/terrpan/pulsebuild/internal/scm"
)

const (
	logFormat  = "--pretty=format:%H %ae %cd %s"
	dateLayout = "2006-01-02 15:04:05 -0700"
)

var logLine = regexp.MustCompile(
	`^([a-f0-9]{40}) ([\w\-@.+]+) (\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} [+\-]\d{4}) ?(.*)$`,
)

// Branch is a ref inside a Repo.
type Branch struct {
	repo *Repo
	name string
}

var _ scm.Branch = (*Branch)(nil)

// Name implements scm.Branch.
func (b *Branch) Name() string { return b.name }

// SCM implements scm.Branch.
func (b *Branch) SCM() scm.SCM { return b.repo }

// Log pages through history one git log call at a time, so a consumer
// that stops after the head commit costs a single call.  Each range
// starts again from the tip of the ref.
func (b *Branch) Log(ctx context.Context) iter.Seq2[scm.Commit, error] {
	return func(yield func(scm.Commit, error) bool) {
		rev := b.name
		skipFirst := false
		for {
			want := b.repo.pageSize
			if skipFirst {
				want++
			}
			lines, err := b.page(ctx, rev, want)
			if err != nil {
				yield(nil, err)
				return
			}
			raw := len(lines)
			if skipFirst && raw > 0 {
				lines = lines[1:]
			}
			if len(lines) == 0 {
				return
			}

			var last *Commit
			for _, line := range lines {
				c, err := ParseCommit(line)
				if err != nil {
					yield(nil, err)
					return
				}
				last = c
				if !yield(c, nil) {
					return
				}
			}
			if raw < want {
				return
			}
			rev, skipFirst = last.hash, true
		}
	}
}

// page fetches up to n commits starting at rev.  A continuation page
// asks for one extra line since its first entry repeats rev.
func (b *Branch) page(ctx context.Context, rev string, n int) ([]string, error) {
	out := &bytes.Buffer{}
	err := b.repo.git(ctx, b.repo.workTree(), out,
		"log", logFormat, "--date=iso8601", "-"+strconv.Itoa(n), rev, "--")
	if err != nil {
		return nil, fmt.Errorf("git log %s: %w", rev, err)
	}
	lines := splitList(out.String())
	b.repo.logger.Debug("git log page retrieved",
		slog.String("branch", b.name),
		slog.String("rev", rev),
		slog.Int("lines", len(lines)),
	)
	return lines, nil
}

// Commit is one line of git log output.  Its timestamp is parsed on
// demand.
type Commit struct {
	hash    string
	author  string
	date    string
	Subject string
}

var _ scm.Commit = (*Commit)(nil)

// ParseCommit parses a line produced by
// `git log --pretty=format:'%H %ae %cd %s' --date=iso8601`.
func ParseCommit(line string) (*Commit, error) {
	m := logLine.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("invalid line from git: %q", line)
	}
	return &Commit{hash: m[1], author: m[2], date: m[3], Subject: m[4]}, nil
}

// ID implements scm.Commit.
func (c *Commit) ID() string { return c.hash }

// Author implements scm.Commit.
func (c *Commit) Author() string { return c.author }

// Time implements scm.Commit.
func (c *Commit) Time() (time.Time, error) {
	t, err := time.Parse(dateLayout, c.date)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q of %s: %w", c.date, scm.ShortID(c.hash), err)
	}
	return t, nil
}
