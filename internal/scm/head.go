package scm

import (
	"context"
	"iter"
)

type head struct {
	origin Branch
}

// Head wraps origin so that Log yields at most its first element, the
// branch tip.  Older history is never read.
func Head(origin Branch) Branch {
	return &head{origin: origin}
}

func (h *head) Name() string { return h.origin.Name() }

func (h *head) SCM() SCM { return h.origin.SCM() }

func (h *head) Log(ctx context.Context) iter.Seq2[Commit, error] {
	return func(yield func(Commit, error) bool) {
		for commit, err := range h.origin.Log(ctx) {
			yield(commit, err)
			return
		}
	}
}
