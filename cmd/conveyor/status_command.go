package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"conveyor/internal/config"
	"conveyor/internal/preflight"
	"conveyor/internal/queue"
)

func newStatusCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system readiness and queue summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				fmt.Fprintln(out, renderSectionHeader("Directories", colorize))
				for _, result := range preflight.CheckDirectories(cfg) {
					kind := statusOK
					if !result.Passed {
						kind = statusError
					}
					fmt.Fprintln(out, renderStatusLine(result.Name, kind, result.Detail, colorize))
				}

				fmt.Fprintln(out, renderSectionHeader("Dependencies", colorize))
				for _, status := range preflight.CheckSystemDeps(cmd.Context(), cfg) {
					kind := statusOK
					message := status.Detail
					if !status.Available {
						if status.Optional {
							kind = statusWarn
							message = "optional, " + status.Detail
						} else {
							kind = statusError
						}
					}
					fmt.Fprintln(out, renderStatusLine(status.Name, kind, message, colorize))
				}

				vault := preflight.CheckKeyVault(cmd.Context(), cfg)
				kind := statusOK
				if !vault.Passed {
					kind = statusError
				}
				fmt.Fprintln(out, renderStatusLine(vault.Name, kind, vault.Detail, colorize))

				summary, err := store.Health(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderSectionHeader("Queue", colorize))
				fmt.Fprintln(out, renderTable(
					[]string{"Pending", "Processing", "Completed", "Failed", "Cancelled"},
					[][]string{{
						strconv.Itoa(summary.Pending),
						strconv.Itoa(summary.Processing),
						strconv.Itoa(summary.Completed),
						strconv.Itoa(summary.Failed),
						strconv.Itoa(summary.Cancelled),
					}},
					[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
				))
				return nil
			})
		},
	}
}
