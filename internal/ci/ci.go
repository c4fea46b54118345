// Package ci turns source-control changes into builds.  OnCommit builds
// the newest commit of a branch; OnTag builds the head of every tag an
// SCM reports.  Both run a Batch and announce the outcome on a
// Billboard.
package ci

import (
	"context"
	"io"
	"time"
)

// Batch runs one build.  A non-zero exit code is a failed build, not an
// error; err is reserved for failures to run the build at all.
type Batch interface {
	Exec(ctx context.Context, args map[string]string, out io.Writer) (exitCode int, err error)
}

// Announcement is the outcome of one build.
type Announcement struct {
	Success  bool
	ExitCode int
	Branch   string
	Commit   string
	Author   string
	Duration time.Duration

	// Tail holds the last lines the build printed.
	Tail []string
}

// Billboard publishes build outcomes.
type Billboard interface {
	Announce(ctx context.Context, a Announcement) error
}

// Trigger is one pass of a build loop.
type Trigger interface {
	Pulse(ctx context.Context) error
}

// Build argument names passed to every Batch.
const (
	ArgCommit = "commit"
	ArgBranch = "branch"
	ArgAuthor = "author"
)
