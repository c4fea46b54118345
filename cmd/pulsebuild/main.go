package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/pulsebuild/internal/buildinfo"
	"github.com/terrpan/pulsebuild/internal/ci"
	"github.com/terrpan/pulsebuild/internal/config"
	"github.com/terrpan/pulsebuild/internal/health"
	"github.com/terrpan/pulsebuild/internal/otel"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pulsebuild",
	Short: "Build new commits and tags, optionally on a freshly provisioned machine",
	Long: `pulsebuild watches a git repository for new commits on a branch or new
version tags, runs a build script for each one it has not seen before,
and announces the outcome.  Builds can run locally, in a container, or
against an EC2 instance, CloudFormation stack or GCE VM created for the
build and released afterwards.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Pulse at trigger.interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx, false)
	},
}

var pulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Run a single pulse and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx, true)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	f.StringVar(&cfgPath, "config", "pulsebuild.yaml", "Path to YAML configuration file")

	f.StringVar(&flagOverrides.SCM.URL, "url", "", "Git remote to watch")
	f.StringVar(&flagOverrides.SCM.Dir, "dir", "", "Working directory for the clone")
	f.StringVar(&flagOverrides.Trigger.Mode, "mode", "", "Trigger mode (commit, tag)")
	f.StringVar(&flagOverrides.Trigger.Branch, "branch", "", "Branch watched in commit mode")
	f.DurationVar(&flagOverrides.Trigger.Interval, "interval", 0, "Time between pulses")
	f.StringVar(&flagOverrides.Batch.Script, "script", "", "Build script")

	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(runCmd, pulseCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.SCM.URL != "" {
		cfg.SCM.URL = flagOverrides.SCM.URL
	}
	if flagOverrides.SCM.Dir != "" {
		cfg.SCM.Dir = flagOverrides.SCM.Dir
	}
	if flagOverrides.Trigger.Mode != "" {
		cfg.Trigger.Mode = flagOverrides.Trigger.Mode
	}
	if flagOverrides.Trigger.Branch != "" {
		cfg.Trigger.Branch = flagOverrides.Trigger.Branch
	}
	if flagOverrides.Trigger.Interval != 0 {
		cfg.Trigger.Interval = flagOverrides.Trigger.Interval
	}
	if flagOverrides.Batch.Script != "" {
		cfg.Batch.Script = flagOverrides.Batch.Script
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context, once bool) (err error) {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Logger & telemetry
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("url", cfg.SCM.URL),
		slog.String("trigger", cfg.Trigger.Mode),
		slog.String("notepad", cfg.Notepad.Type),
		slog.String("batch", cfg.Batch.Type),
		slog.String("environment", cfg.Environment.Type),
	)

	factories := cfg.Factories(logger)

	shutdownOTel, err := otel.Setup(ctx, factories.OTel())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err = errors.Join(err, shutdownOTel(sctx))
	}()

	// ---------------------------------------------------------------
	// 3. Components
	// ---------------------------------------------------------------
	repo, err := factories.NewSCM()
	if err != nil {
		return fmt.Errorf("creating repository: %w", err)
	}

	seen, err := factories.NewNotepad()
	if err != nil {
		return fmt.Errorf("opening notepad: %w", err)
	}
	defer closeLogged(logger, "notepad", seen)

	envs, err := factories.NewEnvironments(ctx)
	if err != nil {
		return fmt.Errorf("initializing environments: %w", err)
	}
	if c, ok := envs.(io.Closer); ok {
		defer closeLogged(logger, "environments", c)
	}

	batch, err := factories.NewBatch(ctx, envs)
	if err != nil {
		return fmt.Errorf("initializing batch: %w", err)
	}

	board, err := factories.NewBoard()
	if err != nil {
		return fmt.Errorf("initializing billboard: %w", err)
	}

	trigger, err := factories.NewTrigger(repo, seen, batch, board, os.Stdout)
	if err != nil {
		return fmt.Errorf("assembling trigger: %w", err)
	}

	// ---------------------------------------------------------------
	// 4. Run
	// ---------------------------------------------------------------
	if once {
		return trigger.Pulse(ctx)
	}

	tracker := &health.Tracker{}
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Health.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/healthz", health.Handler(cfg.Trigger.Mode, tracker))
		if cfg.Health.Metrics {
			mux.Handle("/metrics", otel.MetricsHandler())
		}
		srv := &http.Server{Addr: cfg.Health.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			logger.Info("health server listening", slog.String("addr", cfg.Health.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		return loop(ctx, logger, trigger, cfg.Trigger.Interval, tracker)
	})

	if err := g.Wait(); !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down gracefully")
	return nil
}

// loop pulses immediately and then every interval.  A failed pulse is
// logged and retried on the next tick, except when ctx is done.
func loop(ctx context.Context, logger *slog.Logger, trigger ci.Trigger, interval time.Duration, tracker *health.Tracker) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := trigger.Pulse(ctx)
		tracker.Record(time.Now(), err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			logger.Error("pulse failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func closeLogged(logger *slog.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close "+what, slog.String("error", err.Error()))
	}
}
