package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "streamd.yaml"

// options shared by the sub commands
type options struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	c := &cobra.Command{
		Use:          "streamd",
		Short:        "Run stream computations and work queues on a log",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	c.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to the YAML or JSON configuration file")
	c.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level overriding the configuration (debug, info, warn, error)")

	c.AddCommand(newRunCommand(opts))
	c.AddCommand(newMetricsCommand(opts))
	c.AddCommand(newScheduleCommand(opts))
	return c
}
