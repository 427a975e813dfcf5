package main

import (
	"github.com/spf13/cobra"

	"conveyor/internal/daemonrun"
)

func newDaemonCommand(cctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Daemon process management",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var logLevel string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the conveyor daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{LogLevel: logLevel})
		},
	}
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	daemonCmd.AddCommand(runCmd)
	return daemonCmd
}
