package env

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultPollInterval is the fixed wait between state checks.
const DefaultPollInterval = 15 * time.Second

// Probe checks a resource once.  done ends polling successfully; an
// error ends it with that error.
type Probe func(ctx context.Context) (done bool, err error)

// Poller repeats a Probe at a fixed interval.  The zero value polls
// every DefaultPollInterval with no attempt limit.
type Poller struct {
	// Interval between probes.  Default: DefaultPollInterval.
	Interval time.Duration

	// MaxAttempts caps the number of probes.  Zero means unbounded.
	MaxAttempts int

	// Sleep waits for d or until ctx is done.  Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// Poll runs probe until it reports done or fails.  A cancelled context
// is reported as ErrInterrupted.
func (p Poller) Poll(ctx context.Context, probe Probe) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
		done, err := probe(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%w: still not ready after %d attempts", ErrUnexpectedState, attempt)
		}
		logger.Debug("resource not ready, waiting",
			slog.Int("attempt", attempt),
			slog.Duration("interval", interval),
		)
		if err := sleep(ctx, interval); err != nil {
			return fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
	}
}

// Sleep waits for d, returning ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
