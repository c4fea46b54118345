// Package scm defines the source-control abstractions the build
// triggers consume, plus the decorators that filter, deduplicate and
// order what a repository reports.
//
// Every decorator implements the same SCM or Branch contract and owns
// the value it wraps, so pipelines are built by plain composition:
//
//	scm.Edge(scm.UnseenBranches(repo, pad))
//	scm.UnseenCommits(scm.Seasoned(30, scm.Head(scm.Checkout(repo, "main"))), pad)
//
// Sequences are lazy.  Nothing is fetched, filtered or marked seen until
// the caller ranges over the result.
package scm

import (
	"context"
	"iter"
	"time"
)

// Commit is one entry in a branch history.
type Commit interface {
	// ID uniquely identifies the commit within its branch (e.g. a hash).
	ID() string

	// Time reports when the commit was made.  Implementations that
	// parse lazily may fail here.
	Time() (time.Time, error)

	// Author is the committer's identity, typically an e-mail address.
	Author() string
}

// Branch is a named line of history owned by an SCM.
type Branch interface {
	Name() string

	// SCM returns the repository this branch belongs to.
	SCM() SCM

	// Log returns the branch history, newest first.  A non-nil error
	// terminates the sequence.  Ranging a second time restarts the
	// history only if the underlying source supports it.
	Log(ctx context.Context) iter.Seq2[Commit, error]
}

// SCM is a repository handle.
type SCM interface {
	// Checkout resolves a branch or tag by name.
	Checkout(ctx context.Context, name string) (Branch, error)

	// Branches lists branch and tag names.  A non-nil error terminates
	// the sequence.
	Branches(ctx context.Context) iter.Seq2[string, error]
}

// Notepad is the persistent set of identifiers the dedup decorators
// consult.  It is declared here, where it is consumed; stores live in
// the notepad package.
type Notepad interface {
	Contains(ctx context.Context, id string) (bool, error)
	Add(ctx context.Context, id string) error
}

// SimpleCommit is an immutable Commit value.
type SimpleCommit struct {
	Hash string
	When time.Time
	Who  string
}

var _ Commit = SimpleCommit{}

// ID implements Commit.
func (c SimpleCommit) ID() string { return c.Hash }

// Time implements Commit.
func (c SimpleCommit) Time() (time.Time, error) { return c.When, nil }

// Author implements Commit.
func (c SimpleCommit) Author() string { return c.Who }

// ShortID returns the first seven characters of a commit identifier,
// the form used in log records and announcements.
func ShortID(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}

// Collect drains a name sequence into a slice, stopping at the first
// error.
func Collect(seq iter.Seq2[string, error]) ([]string, error) {
	var out []string
	for name, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, name)
	}
	return out, nil
}
