package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conveyor/internal/config"
	"conveyor/internal/notifications"
	"conveyor/internal/queue"
	"conveyor/internal/tags"
)

func newQueueCommand(cctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manipulate the task queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	queueCmd.AddCommand(newQueueAddCommand(cctx))
	queueCmd.AddCommand(newQueueListCommand(cctx))
	queueCmd.AddCommand(newQueueShowCommand(cctx))
	queueCmd.AddCommand(newQueueCancelCommand(cctx))
	queueCmd.AddCommand(newQueueRetryCommand(cctx))
	queueCmd.AddCommand(newQueueClearCommand(cctx))
	queueCmd.AddCommand(newQueueRemoveCommand(cctx))
	queueCmd.AddCommand(newQueueHealthCommand(cctx))

	return queueCmd
}

func newQueueAddCommand(cctx *commandContext) *cobra.Command {
	var headerFlags []string
	var tagFlags []string
	var protectionFlag string
	var keyFlag string
	var ivFlag string
	var protectionHeaderFlag string
	var containerFlag string
	var modeFlag string

	cmd := &cobra.Command{
		Use:   "add <source-url> <destination>",
		Short: "Enqueue an acquisition task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scheme, ok := queue.ParseProtectionScheme(protectionFlag)
			if !ok {
				return fmt.Errorf("unknown protection scheme %q (expected none, cbc, or drm)", protectionFlag)
			}
			headers, err := parsePairs(headerFlags, ":")
			if err != nil {
				return fmt.Errorf("parse --header: %w", err)
			}
			tagValues, err := parsePairs(tagFlags, "=")
			if err != nil {
				return fmt.Errorf("parse --tag: %w", err)
			}

			req := queue.SubmitRequest{
				SourceURL:       args[0],
				DestinationPath: args[1],
				AuthHeaders:     headers,
				Protection: queue.Protection{
					Scheme:           scheme,
					Key:              keyFlag,
					IV:               ivFlag,
					ProtectionHeader: protectionHeaderFlag,
				},
				Plan: queue.ContainerPlan{
					Container: strings.TrimPrefix(strings.TrimSpace(containerFlag), "."),
					Mode:      modeFlag,
					Tags:      tags.Sanitize(tagValues),
				},
			}

			return cctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				item, err := store.NewTask(cmd.Context(), req)
				if err != nil {
					return err
				}
				if notifyErr := notifications.NewService(cfg).NotifyTaskQueued(cmd.Context(), item.DestinationPath); notifyErr != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warn: queued notification failed: %v\n", notifyErr)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued task %d (%s)\n", item.ID, item.DestinationPath)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&headerFlags, "header", nil, "Auth header as 'Name: value' (repeatable)")
	cmd.Flags().StringArrayVar(&tagFlags, "tag", nil, "Container tag as key=value (repeatable)")
	cmd.Flags().StringVar(&protectionFlag, "protection", "none", "Protection scheme: none, cbc, or drm")
	cmd.Flags().StringVar(&keyFlag, "key", "", "Base64 content key (cbc)")
	cmd.Flags().StringVar(&ivFlag, "iv", "", "Base64 initialization vector (cbc)")
	cmd.Flags().StringVar(&protectionHeaderFlag, "protection-header", "", "Opaque protection header for key resolution (drm)")
	cmd.Flags().StringVar(&containerFlag, "container", "", "Target container extension, e.g. m4a or mp4")
	cmd.Flags().StringVar(&modeFlag, "mode", "", "Remux backend override: ffmpeg or mp4box")

	return cmd
}

func newQueueListCommand(cctx *commandContext) *cobra.Command {
	var statusFlags []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := parseStatuses(statusFlags)
			if err != nil {
				return err
			}
			return cctx.withStore(func(_ *config.Config, store *queue.Store) error {
				items, err := store.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderQueueTable(items))
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&statusFlags, "status", nil, "Filter by status (repeatable)")
	return cmd
}

func newQueueShowCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the full record of one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return cctx.withStore(func(_ *config.Config, store *queue.Store) error {
				item, err := store.GetByID(cmd.Context(), id)
				if err != nil {
					return err
				}
				if item == nil {
					return fmt.Errorf("task %d not found", id)
				}
				writeTaskDetail(cmd, item)
				return nil
			})
		},
	}
}

func newQueueCancelCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id> [id...]",
		Short: "Request cancellation of tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseTaskIDs(args)
			if err != nil {
				return err
			}
			return cctx.withStore(func(_ *config.Config, store *queue.Store) error {
				for _, id := range ids {
					ok, cancelErr := store.RequestCancel(cmd.Context(), id)
					if cancelErr != nil {
						return cancelErr
					}
					if ok {
						fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for task %d\n", id)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "Task %d is not cancellable\n", id)
					}
				}
				return nil
			})
		},
	}
}

func newQueueRetryCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id...]",
		Short: "Requeue failed tasks (all of them without arguments)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseTaskIDs(args)
			if err != nil {
				return err
			}
			return cctx.withStore(func(_ *config.Config, store *queue.Store) error {
				count, retryErr := store.RetryFailed(cmd.Context(), ids...)
				if retryErr != nil {
					return retryErr
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d task(s)\n", count)
				return nil
			})
		},
	}
}

func newQueueClearCommand(cctx *commandContext) *cobra.Command {
	var completedOnly bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove finished tasks from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cctx.withStore(func(_ *config.Config, store *queue.Store) error {
				var count int64
				var err error
				if completedOnly {
					count, err = store.ClearCompleted(cmd.Context())
				} else {
					count, err = store.Clear(cmd.Context())
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d task(s)\n", count)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&completedOnly, "completed", false, "Only remove completed tasks")
	return cmd
}

func newQueueRemoveCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id> [id...]",
		Short: "Remove specific tasks from the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseTaskIDs(args)
			if err != nil {
				return err
			}
			return cctx.withStore(func(_ *config.Config, store *queue.Store) error {
				for _, id := range ids {
					removed, removeErr := store.Remove(cmd.Context(), id)
					if removeErr != nil {
						return removeErr
					}
					if removed {
						fmt.Fprintf(cmd.OutOrStdout(), "Removed task %d\n", id)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "Task %d not found\n", id)
					}
				}
				return nil
			})
		},
	}
}

func newQueueHealthCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show aggregate queue counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cctx.withStore(func(_ *config.Config, store *queue.Store) error {
				summary, err := store.Health(cmd.Context())
				if err != nil {
					return err
				}
				rows := [][]string{
					{"Total", strconv.Itoa(summary.Total)},
					{"Pending", strconv.Itoa(summary.Pending)},
					{"Processing", strconv.Itoa(summary.Processing)},
					{"Completed", strconv.Itoa(summary.Completed)},
					{"Failed", strconv.Itoa(summary.Failed)},
					{"Cancelled", strconv.Itoa(summary.Cancelled)},
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"State", "Count"},
					rows,
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}

func renderQueueTable(items []*queue.Item) string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		progress := fmt.Sprintf("%.0f%%", item.ProgressPercent)
		detail := item.ProgressMessage
		if item.Status == queue.StatusFailed && item.ErrorMessage != "" {
			detail = item.ErrorMessage
		}
		rows = append(rows, []string{
			strconv.FormatInt(item.ID, 10),
			string(item.Status),
			progress,
			item.DestinationPath,
			item.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(detail, 60),
		})
	}
	return renderTable(
		[]string{"ID", "Status", "Progress", "Destination", "Updated", "Detail"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	)
}

func writeTaskDetail(cmd *cobra.Command, item *queue.Item) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task %d (%s)\n", item.ID, item.TaskUUID)
	fmt.Fprintf(out, "  Status:       %s\n", item.Status)
	fmt.Fprintf(out, "  Source:       %s\n", item.SourceURL)
	fmt.Fprintf(out, "  Destination:  %s\n", item.DestinationPath)
	fmt.Fprintf(out, "  Progress:     %s %.0f%% %s\n", item.ProgressStage, item.ProgressPercent, item.ProgressMessage)
	fmt.Fprintf(out, "  Attempts:     %d\n", item.AttemptCount)
	if item.WorkDir != "" {
		fmt.Fprintf(out, "  Workdir:      %s\n", item.WorkDir)
	}
	if item.ErrorMessage != "" {
		fmt.Fprintf(out, "  Error:        %s\n", item.ErrorMessage)
	}
	fmt.Fprintf(out, "  Created:      %s\n", item.CreatedAt.Local().Format(time.RFC1123))
	fmt.Fprintf(out, "  Updated:      %s\n", item.UpdatedAt.Local().Format(time.RFC1123))
	if item.LastHeartbeat != nil {
		fmt.Fprintf(out, "  Heartbeat:    %s\n", item.LastHeartbeat.Local().Format(time.RFC1123))
	}
	if item.CancelRequested {
		fmt.Fprintln(out, "  Cancellation requested")
	}
}

func parseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", arg)
	}
	return id, nil
}

func parseTaskIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := parseTaskID(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseStatuses(values []string) ([]queue.Status, error) {
	statuses := make([]queue.Status, 0, len(values))
	for _, value := range values {
		status, ok := queue.ParseStatus(value)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", value)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// parsePairs splits repeated "key<sep>value" flags into a map.
func parsePairs(values []string, sep string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	pairs := make(map[string]string, len(values))
	for _, value := range values {
		key, val, found := strings.Cut(value, sep)
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if !found || key == "" {
			return nil, fmt.Errorf("malformed pair %q (expected key%svalue)", value, sep)
		}
		pairs[key] = val
	}
	return pairs, nil
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	if max <= 3 {
		return value[:max]
	}
	return value[:max-3] + "..."
}
