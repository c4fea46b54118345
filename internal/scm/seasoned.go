package scm

import (
	"context"
	"iter"
	"time"
)

type seasoned struct {
	origin  Branch
	maximum time.Duration
	now     func() time.Time
}

// Seasoned wraps origin so that Log yields only commits made within the
// last minutes minutes, boundary inclusive.  A commit whose time cannot
// be read is dropped.
func Seasoned(minutes int, origin Branch) Branch {
	return SeasonedAt(minutes, origin, time.Now)
}

// SeasonedAt is Seasoned with an explicit clock.
func SeasonedAt(minutes int, origin Branch, now func() time.Time) Branch {
	return &seasoned{
		origin:  origin,
		maximum: time.Duration(minutes) * time.Minute,
		now:     now,
	}
}

func (s *seasoned) Name() string { return s.origin.Name() }

func (s *seasoned) SCM() SCM { return s.origin.SCM() }

func (s *seasoned) Log(ctx context.Context) iter.Seq2[Commit, error] {
	return func(yield func(Commit, error) bool) {
		current := s.now()
		for commit, err := range s.origin.Log(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			when, err := commit.Time()
			if err != nil {
				continue
			}
			if current.Sub(when) > s.maximum {
				continue
			}
			if !yield(commit, nil) {
				return
			}
		}
	}
}
