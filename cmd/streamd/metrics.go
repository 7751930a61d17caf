package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMetricsCommand(opts *options) *cobra.Command {
	var queue string
	c := &cobra.Command{
		Use:     "metrics",
		Short:   "Print the estimated size of the work queues",
		Example: "streamd metrics --config streamd.yaml --queue default",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return printMetrics(ctx, opts, queue, cmd.OutOrStdout())
		},
	}
	c.Flags().StringVarP(&queue, "queue", "q", "", "queue to report, all configured queues when empty")
	return c
}

func printMetrics(ctx context.Context, opts *options, queue string, out io.Writer) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	// a one shot command does not serve metrics
	cfg.Metrics.Enabled = false
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

	queues := []string{queue}
	if queue == "" {
		queues = queues[:0]
		for _, q := range cfg.Work.Queues {
			queues = append(queues, q.ID)
		}
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tSCHEDULED\tRUNNING\tCOMPLETED\tCANCELED")
	for _, id := range queues {
		if !rt.streams.Logs().Exists(id) {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\n", id)
			continue
		}
		m, err := rt.manager.Metrics(ctx, id)
		if err != nil {
			logger.Warn("Cannot estimate queue", zap.String("queue", id), zap.Error(err))
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", m.QueueID, m.Scheduled, m.Running, m.Completed, m.Canceled)
	}
	return w.Flush()
}
