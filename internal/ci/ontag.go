package ci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/codes"

	"github.com/terrpan/pulsebuild/internal/scm"
)

// OnTag builds the head commit of every name an SCM lists.  Pair it with
// scm.UnseenBranches, usually behind scm.SemVer and scm.Edge, so each
// tag is built once.
type OnTag struct {
	repo scm.SCM
	b    *builder
}

var _ Trigger = (*OnTag)(nil)

// NewOnTag returns a trigger for the names repo lists.
func NewOnTag(repo scm.SCM, cfg Config) (*OnTag, error) {
	if repo == nil {
		return nil, errors.New("ci: scm is required")
	}
	b, err := newBuilder(cfg)
	if err != nil {
		return nil, err
	}
	return &OnTag{repo: repo, b: b}, nil
}

// Pulse builds every listed tag in order.  The first error stops the
// pass; tags not reached yet are left for a later pulse, unless the
// listing already marked them seen.  Failed builds are not errors.
func (o *OnTag) Pulse(ctx context.Context) error {
	ctx, span := o.b.tracer.Start(ctx, "ci.OnTag.Pulse")
	defer span.End()
	o.b.meters.pulse(ctx, "tag")

	built := 0
	for name, err := range o.repo.Branches(ctx) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("listing tags: %w", err)
		}
		ran, _, err := o.b.head(ctx, scm.Checkout(o.repo, name))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("tag %s: %w", name, err)
		}
		if ran {
			built++
		}
	}
	o.b.logger.Debug("tag pulse finished", slog.Int("built", built))
	return nil
}
