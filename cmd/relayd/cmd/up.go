package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/plexsphere/relayd/internal/audit"
	"github.com/plexsphere/relayd/internal/config"
	"github.com/plexsphere/relayd/internal/forward"
	"github.com/plexsphere/relayd/internal/metrics"
	"github.com/plexsphere/relayd/internal/registry"
)

// drainTimeout is the maximum time sessions get to wind down on shutdown.
const drainTimeout = 30 * time.Second

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start forwarding",
	Long: "Start every redirect, multiplexer and demultiplexer in the config file and\n" +
		"forward connections until SIGINT or SIGTERM.",
	RunE: runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("relayd up: %w", err)
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		return fmt.Errorf("relayd up: %w", err)
	}
	return nil
}

// run starts everything cfg describes and blocks until ctx is cancelled or
// a background service fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting relayd", "version", buildVersion)

	store, err := registry.New(ctx, cfg.Registry, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		recorder, err = audit.NewRecorder(cfg.Audit, logger)
		if err != nil {
			return err
		}
	}

	orchs, err := config.Build(cfg, config.Deps{Metrics: m, Recorder: recorder, Registry: store}, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// Sessions are children of gctx, so they end when relayd shuts down.
	for _, o := range orchs {
		if err := o.Start(gctx); err != nil {
			closeAll(orchs, logger)
			return err
		}
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics, reg, logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})

		sampler := metrics.NewSampler(cfg.Metrics, logger, func(ctx context.Context) error {
			sessions, err := store.List(ctx)
			if err != nil {
				return err
			}
			m.SetRegistrySessions(len(sessions))
			return nil
		})
		g.Go(func() error {
			if err := sampler.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	logger.Info("relayd started", "orchestrators", len(orchs))

	<-gctx.Done()
	logger.Info("shutting down", "reason", context.Cause(gctx))

	closeAll(orchs, logger)

	drained := make(chan struct{})
	go func() {
		for _, o := range orchs {
			o.Wait()
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		logger.Warn("drain timeout exceeded, forcing exit")
	}

	err = g.Wait()
	logger.Info("relayd stopped")
	return err
}

func closeAll(orchs []*forward.Orchestrator, logger *slog.Logger) {
	for _, o := range orchs {
		if err := o.Close(); err != nil {
			logger.Error("close orchestrator failed", "orchestrator", o.Name(), "error", err)
		}
	}
}
