package scm

import (
	"context"
	"iter"
)

type edge struct {
	origin SCM
}

// Edge wraps origin so that Branches yields at most one name: the last
// one origin reports, in origin's own order.  It does not sort; put it
// on top of SemVer to get the newest release.
func Edge(origin SCM) SCM {
	return &edge{origin: origin}
}

func (e *edge) Checkout(ctx context.Context, name string) (Branch, error) {
	return e.origin.Checkout(ctx, name)
}

func (e *edge) Branches(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var (
			last  string
			found bool
		)
		for name, err := range e.origin.Branches(ctx) {
			if err != nil {
				yield("", err)
				return
			}
			last, found = name, true
		}
		if found {
			yield(last, nil)
		}
	}
}
