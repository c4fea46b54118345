package board

import (
	"context"
	"log/slog"

	"github.com/terrpan/pulsebuild/internal/ci"
	"github.com/terrpan/pulsebuild/internal/scm"
)

// Log writes one record per announcement.
type Log struct {
	Logger *slog.Logger
}

var _ ci.Billboard = (*Log)(nil)

// Announce implements ci.Billboard.
func (l *Log) Announce(ctx context.Context, a ci.Announcement) error {
	level := slog.LevelInfo
	if !a.Success {
		level = slog.LevelWarn
	}
	l.Logger.LogAttrs(ctx, level, "build announced",
		slog.String("branch", a.Branch),
		slog.String("commit", scm.ShortID(a.Commit)),
		slog.String("author", a.Author),
		slog.Bool("success", a.Success),
		slog.Int("exit_code", a.ExitCode),
		slog.Duration("duration", a.Duration),
	)
	return nil
}
