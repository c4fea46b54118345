package scm

import (
	"context"
	"fmt"
	"iter"
)

// unseenBranches filters out branch names already recorded in a
// Notepad.
type unseenBranches struct {
	origin  SCM
	notepad Notepad
}

// UnseenBranches wraps origin so that Branches only yields names the
// notepad has not seen.  A name is marked seen the moment it is pulled
// and found unseen, not when the caller finishes iterating: abandoning
// the range early leaves the remaining names unmarked.
func UnseenBranches(origin SCM, notepad Notepad) SCM {
	return &unseenBranches{origin: origin, notepad: notepad}
}

func (u *unseenBranches) Checkout(ctx context.Context, name string) (Branch, error) {
	return u.origin.Checkout(ctx, name)
}

func (u *unseenBranches) Branches(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for name, err := range u.origin.Branches(ctx) {
			if err != nil {
				yield("", err)
				return
			}
			fresh, err := markUnseen(ctx, u.notepad, name)
			if err != nil {
				yield("", fmt.Errorf("branch %s: %w", name, err))
				return
			}
			if !fresh {
				continue
			}
			if !yield(name, nil) {
				return
			}
		}
	}
}

// unseenCommits filters out commits whose identifier is already
// recorded in a Notepad.
type unseenCommits struct {
	origin  Branch
	notepad Notepad
}

// UnseenCommits wraps origin so that Log only yields commits the
// notepad has not seen, keyed by Commit.ID.  Marking happens at pull
// time, as with UnseenBranches.
func UnseenCommits(origin Branch, notepad Notepad) Branch {
	return &unseenCommits{origin: origin, notepad: notepad}
}

func (u *unseenCommits) Name() string { return u.origin.Name() }

func (u *unseenCommits) SCM() SCM { return u.origin.SCM() }

func (u *unseenCommits) Log(ctx context.Context) iter.Seq2[Commit, error] {
	return func(yield func(Commit, error) bool) {
		for commit, err := range u.origin.Log(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			fresh, err := markUnseen(ctx, u.notepad, commit.ID())
			if err != nil {
				yield(nil, fmt.Errorf("commit %s: %w", ShortID(commit.ID()), err))
				return
			}
			if !fresh {
				continue
			}
			if !yield(commit, nil) {
				return
			}
		}
	}
}

// markUnseen reports whether id was absent from the notepad and, if so,
// records it.  The check and the add are two calls; stores that do not
// serialize them give at-least-once semantics under concurrent use.
func markUnseen(ctx context.Context, notepad Notepad, id string) (bool, error) {
	seen, err := notepad.Contains(ctx, id)
	if err != nil {
		return false, fmt.Errorf("checking notepad: %w", err)
	}
	if seen {
		return false, nil
	}
	if err := notepad.Add(ctx, id); err != nil {
		return false, fmt.Errorf("marking seen: %w", err)
	}
	return true, nil
}
