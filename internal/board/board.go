// Package board publishes build outcomes: to the log, to an SNS topic or
// to a Slack webhook.  Every type implements ci.Billboard.
package board

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/terrpan/pulsebuild/internal/ci"
	"github.com/terrpan/pulsebuild/internal/scm"
)

// Multi announces on every board in turn.  All boards are tried; their
// errors are joined.
type Multi []ci.Billboard

var _ ci.Billboard = Multi(nil)

// Announce implements ci.Billboard.
func (m Multi) Announce(ctx context.Context, a ci.Announcement) error {
	var errs []error
	for _, b := range m {
		if err := b.Announce(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subject is a one-line summary such as
// "main: abc1234 by dev@example.com succeeded in 1m30s".
func Subject(a ci.Announcement) string {
	verdict := "succeeded"
	if !a.Success {
		verdict = fmt.Sprintf("failed (exit %d)", a.ExitCode)
	}
	return fmt.Sprintf("%s: %s by %s %s in %s",
		a.Branch, scm.ShortID(a.Commit), a.Author, verdict, a.Duration.Round(time.Second))
}

// Body is the subject followed by the tail of the build output.
func Body(a ci.Announcement) string {
	var b strings.Builder
	b.WriteString(Subject(a))
	b.WriteString("\n")
	if len(a.Tail) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(a.Tail, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}
