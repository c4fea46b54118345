package scm

import (
	"context"
	"fmt"
	"iter"
)

type checkout struct {
	origin SCM
	name   string
}

// Checkout is a Branch that resolves name against origin every time its
// log is read.  A failed checkout surfaces as the first element of the
// sequence.
func Checkout(origin SCM, name string) Branch {
	return &checkout{origin: origin, name: name}
}

func (c *checkout) Name() string { return c.name }

func (c *checkout) SCM() SCM { return c.origin }

func (c *checkout) Log(ctx context.Context) iter.Seq2[Commit, error] {
	return func(yield func(Commit, error) bool) {
		branch, err := c.origin.Checkout(ctx, c.name)
		if err != nil {
			yield(nil, fmt.Errorf("checkout %s: %w", c.name, err))
			return
		}
		for commit, err := range branch.Log(ctx) {
			if !yield(commit, err) || err != nil {
				return
			}
		}
	}
}
