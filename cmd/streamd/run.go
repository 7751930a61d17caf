package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/inteca/nuxeo/pkg/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "run",
		Short:   "Start the work manager and serve metrics until interrupted",
		Example: "streamd run --config streamd.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
}

func run(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := initLogger(cfg.Logging, opts.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting streamd",
		zap.String("application", cfg.Application.Name),
		zap.String("environment", cfg.Application.Environment),
		zap.String("config", opts.configPath),
		zap.String("log_backend", cfg.Log.Backend))

	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	var server *metrics.Server
	if rt.collector != nil {
		server = metrics.NewServer(cfg.Metrics.Address, rt.collector, func() error {
			if !rt.manager.IsStarted() {
				return errors.New("work manager not started")
			}
			return nil
		}, logger)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
	}

	if err := rt.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start work manager: %w", err)
	}
	logger.Info("streamd is running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully...", zap.Stringer("signal", sig))
	case <-ctx.Done():
		logger.Info("Shutting down gracefully...", zap.Error(ctx.Err()))
	}

	if !rt.manager.Shutdown(cfg.Work.ShutdownTimeout) {
		logger.Warn("Work manager did not stop in time", zap.Duration("timeout", cfg.Work.ShutdownTimeout))
	}
	return nil
}
