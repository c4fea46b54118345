package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/terrpan/pulsebuild/internal/ci"
	"github.com/terrpan/pulsebuild/internal/env"
)

// Arguments added to every build run by Provisioned.
const (
	ArgHost = "host"
	ArgIP   = "ip"
)

// closeTimeout bounds releasing an environment after the build context
// is gone.
const closeTimeout = 2 * time.Minute

// Provisioned runs a batch against a freshly acquired environment and
// releases it afterwards, whatever the outcome.
type Provisioned struct {
	envs   env.Environments
	batch  ci.Batch
	logger *slog.Logger
}

var _ ci.Batch = (*Provisioned)(nil)

// NewProvisioned wraps batch.
func NewProvisioned(envs env.Environments, batch ci.Batch, logger *slog.Logger) *Provisioned {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Provisioned{envs: envs, batch: batch, logger: logger}
}

// Exec acquires an environment, waits for its address and runs the
// inner batch with "host" and "ip" added to args.  The environment is
// closed on every path; a close failure is joined to the result without
// replacing the exit code.
func (p *Provisioned) Exec(ctx context.Context, args map[string]string, out io.Writer) (code int, err error) {
	e, err := p.envs.Acquire(ctx)
	if err != nil {
		return -1, fmt.Errorf("acquiring environment: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := e.Close(closeCtx); cerr != nil {
			p.logger.Error("failed to release environment", slog.String("error", cerr.Error()))
			err = errors.Join(err, fmt.Errorf("releasing environment: %w", cerr))
		}
	}()

	addr, err := e.Address(ctx)
	if err != nil {
		return -1, fmt.Errorf("waiting for environment: %w", err)
	}
	p.logger.Info("environment ready",
		slog.String("host", addr.Host),
		slog.String("ip", addr.IP.String()),
	)

	merged := maps.Clone(args)
	if merged == nil {
		merged = map[string]string{}
	}
	merged[ArgHost] = addr.String()
	merged[ArgIP] = addr.IP.String()

	return p.batch.Exec(ctx, merged, out)
}
