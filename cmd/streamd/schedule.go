package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/inteca/nuxeo/pkg/work"
	"github.com/spf13/cobra"
)

func newScheduleCommand(opts *options) *cobra.Command {
	var (
		category string
		id       string
		message  string
	)
	c := &cobra.Command{
		Use:     "schedule",
		Short:   "Append a log work to the queue of a category",
		Example: "streamd schedule --config streamd.yaml --category default --message hello",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if id == "" {
				id = uuid.NewString()
			}
			if err := scheduleLogWork(ctx, opts, newLogWork(id, category, message)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scheduled work %s\n", id)
			return nil
		},
	}
	c.Flags().StringVar(&category, "category", work.DefaultQueueID, "work category")
	c.Flags().StringVar(&id, "id", "", "work id, random when empty")
	c.Flags().StringVarP(&message, "message", "m", "", "message logged by the work")
	return c
}

func scheduleLogWork(ctx context.Context, opts *options, w work.Work) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	cfg.Metrics.Enabled = false
	// queues are created without running their computations
	for i := range cfg.Work.Queues {
		processing := false
		cfg.Work.Queues[i].Processing = &processing
	}
	logger, err := initLogger(cfg.Logging, opts.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.manager.Start(ctx); err != nil {
		return err
	}
	defer rt.manager.Shutdown(cfg.Work.ShutdownTimeout)
	return rt.manager.Schedule(ctx, w, work.Enqueue, false)
}
