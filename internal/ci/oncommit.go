package ci

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/pulsebuild/internal/scm"
)

// Config wires a trigger.
type Config struct {
	Batch  Batch
	Board  Billboard
	Logger *slog.Logger

	// Output also receives the build output when set.
	Output io.Writer

	// Now is the clock used to time builds.  Default: time.Now.
	Now func() time.Time
}

func (c *Config) defaults() error {
	if c.Batch == nil {
		return errors.New("ci: batch is required")
	}
	if c.Board == nil {
		return errors.New("ci: billboard is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// builder runs the build-and-announce step shared by both triggers.
type builder struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	meters *instruments
}

func newBuilder(cfg Config) (*builder, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	return &builder{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("pulsebuild/ci"),
		meters: newInstruments(cfg.Logger),
	}, nil
}

// head builds the newest commit of branch, if any.  It reports whether a
// build ran and whether it succeeded.
func (b *builder) head(ctx context.Context, branch scm.Branch) (built, success bool, err error) {
	for commit, err := range branch.Log(ctx) {
		if err != nil {
			return false, false, fmt.Errorf("reading log of %s: %w", branch.Name(), err)
		}
		ok, err := b.build(ctx, branch.Name(), commit)
		return true, ok, err
	}
	b.logger.Debug("nothing to build", slog.String("branch", branch.Name()))
	return false, false, nil
}

func (b *builder) build(ctx context.Context, branch string, commit scm.Commit) (bool, error) {
	ctx, span := b.tracer.Start(ctx, "ci.build")
	defer span.End()
	span.SetAttributes(
		attribute.String("scm.branch", branch),
		attribute.String("scm.commit", commit.ID()),
		attribute.String("scm.author", commit.Author()),
	)

	tail := NewTail(TailLines)
	var out io.Writer = tail
	if b.cfg.Output != nil {
		out = io.MultiWriter(tail, b.cfg.Output)
	}

	args := map[string]string{
		ArgCommit: commit.ID(),
		ArgBranch: branch,
		ArgAuthor: commit.Author(),
	}

	start := b.cfg.Now()
	code, err := b.cfg.Batch.Exec(ctx, args, out)
	elapsed := b.cfg.Now().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.meters.build(ctx, resultError, branch, elapsed)
		return false, fmt.Errorf("building %s at %s: %w", branch, scm.ShortID(commit.ID()), err)
	}

	success := code == 0
	result := resultFailure
	if success {
		result = resultSuccess
	}
	b.meters.build(ctx, result, branch, elapsed)
	span.SetAttributes(attribute.Int("build.exit_code", code), attribute.Bool("build.success", success))

	b.logger.Info("build finished",
		slog.String("commit", scm.ShortID(commit.ID())),
		slog.String("author", commit.Author()),
		slog.Bool("success", success),
		slog.Duration("duration", elapsed),
		slog.String("branch", branch),
	)

	err = b.cfg.Board.Announce(ctx, Announcement{
		Success:  success,
		ExitCode: code,
		Branch:   branch,
		Commit:   commit.ID(),
		Author:   commit.Author(),
		Duration: elapsed,
		Tail:     tail.Lines(),
	})
	if err != nil {
		return success, fmt.Errorf("announcing %s: %w", scm.ShortID(commit.ID()), err)
	}
	return success, nil
}

// OnCommit builds the newest commit a branch reports.  Wrap the branch
// in scm.UnseenCommits so a commit is built once.
type OnCommit struct {
	branch scm.Branch
	b      *builder
}

// NewOnCommit returns a trigger for branch.
func NewOnCommit(branch scm.Branch, cfg Config) (*OnCommit, error) {
	if branch == nil {
		return nil, errors.New("ci: branch is required")
	}
	b, err := newBuilder(cfg)
	if err != nil {
		return nil, err
	}
	return &OnCommit{branch: branch, b: b}, nil
}

// Pulse builds at most one commit: the first the branch yields.  It
// returns false without announcing when there is nothing to build.
func (o *OnCommit) Pulse(ctx context.Context) (bool, error) {
	ctx, span := o.b.tracer.Start(ctx, "ci.OnCommit.Pulse")
	defer span.End()
	o.b.meters.pulse(ctx, "commit")

	_, success, err := o.b.head(ctx, o.branch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return success, err
}

// CommitTrigger adapts OnCommit to Trigger, dropping the build result.
type CommitTrigger struct{ *OnCommit }

var _ Trigger = CommitTrigger{}

// Pulse implements Trigger.
func (c CommitTrigger) Pulse(ctx context.Context) error {
	_, err := c.OnCommit.Pulse(ctx)
	return err
}
