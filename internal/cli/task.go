package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/transport"
)

// NewTaskCommand creates the task command group.
func NewTaskCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage background tasks on a running server",
		Long: `Enqueue, inspect, retry, cancel and delete background tasks.

Every subcommand calls the server's task API (client.server) with the
configured token; task management requires an admin token by default.`,
	}
	cmd.PersistentFlags().String("server", "", "server base URL (client.server)")
	cmd.PersistentFlags().String("token", "", "bearer token (client.token)")

	cmd.AddCommand(newTaskEnqueueCommand(rootOpts))
	cmd.AddCommand(newTaskGetCommand(rootOpts))
	cmd.AddCommand(newTaskStatusCommand(rootOpts, "retry", "Reset a failed or completed task to pending", ir.TaskPending))
	cmd.AddCommand(newTaskStatusCommand(rootOpts, "cancel", "Cancel a pending or processing task", ir.TaskFailed))
	cmd.AddCommand(newTaskDeleteCommand(rootOpts))
	cmd.AddCommand(newTaskBulkCommand(rootOpts, "bulk-delete", "Delete several tasks", "/v1/tasks/bulk-delete", "deleted"))
	cmd.AddCommand(newTaskBulkCommand(rootOpts, "bulk-retry", "Retry several tasks", "/v1/tasks/bulk-retry", "retried"))

	return cmd
}

// taskRun is the body shared by the task subcommands.
type taskRun func(ctx context.Context, api *apiClient, f *OutputFormatter) error

func runTask(opts *RootOptions, cmd *cobra.Command, run taskRun) error {
	cfg, err := loadConfig(opts, cmd, clientBindings...)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts, cmd)
	formatter.VerboseLog("Using server %s", cfg.Client.Server)
	if err := run(ctx, newAPIClient(cfg.Client.Server, cfg.Client.Token), formatter); err != nil {
		return WrapExitError(ExitFailure, cmd.Name()+" failed", err)
	}
	return nil
}

func newTaskEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		payload  string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Enqueue a task",
		Long: `Enqueue a task of the given type.

Example:
  shelf task enqueue backup-database
  shelf task enqueue scan-storage --payload '{"path": "uploads"}' --priority 5`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return NewExitError(ExitCommandError, "--payload is not valid JSON")
				}
				raw = json.RawMessage(payload)
			}
			return runTask(rootOpts, cmd, func(ctx context.Context, api *apiClient, f *OutputFormatter) error {
				var task ir.Task
				req := transport.EnqueueRequest{Type: args[0], Payload: raw, Priority: priority}
				if err := api.do(ctx, "POST", "/v1/tasks", req, &task); err != nil {
					return err
				}
				return outputTask(f, task)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher runs first)")
	return cmd
}

func newTaskGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <id>",
		Short:         "Show a task",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(rootOpts, cmd, func(ctx context.Context, api *apiClient, f *OutputFormatter) error {
				var task ir.Task
				if err := api.do(ctx, "GET", "/v1/tasks/"+url.PathEscape(args[0]), nil, &task); err != nil {
					return err
				}
				return outputTask(f, task)
			})
		},
	}
}

func newTaskStatusCommand(rootOpts *RootOptions, use, short string, status ir.TaskStatus) *cobra.Command {
	return &cobra.Command{
		Use:           use + " <id>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(rootOpts, cmd, func(ctx context.Context, api *apiClient, f *OutputFormatter) error {
				var task ir.Task
				path := "/v1/tasks/" + url.PathEscape(args[0]) + "/status"
				if err := api.do(ctx, "PUT", path, transport.StatusRequest{Status: status}, &task); err != nil {
					return err
				}
				return outputTask(f, task)
			})
		},
	}
}

func newTaskDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <id>",
		Short:         "Delete a task",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(rootOpts, cmd, func(ctx context.Context, api *apiClient, f *OutputFormatter) error {
				if err := api.do(ctx, "DELETE", "/v1/tasks/"+url.PathEscape(args[0]), nil, nil); err != nil {
					return err
				}
				if f.Format == "json" {
					return f.Success(map[string]string{"deleted": args[0]})
				}
				fmt.Fprintf(f.Writer, "Deleted task %s\n", args[0])
				return nil
			})
		},
	}
}

func newTaskBulkCommand(rootOpts *RootOptions, use, short, path, verb string) *cobra.Command {
	return &cobra.Command{
		Use:           use + " <id>...",
		Short:         short,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(rootOpts, cmd, func(ctx context.Context, api *apiClient, f *OutputFormatter) error {
				var resp transport.BulkResponse
				if err := api.do(ctx, "POST", path, transport.BulkRequest{IDs: args}, &resp); err != nil {
					return err
				}
				if f.Format == "json" {
					return f.Success(resp)
				}
				message.NewPrinter(language.English).Fprintf(f.Writer, "%s %d of %d tasks\n", verb, resp.Affected, len(args))
				return nil
			})
		},
	}
}

func outputTask(f *OutputFormatter, task ir.Task) error {
	if f.Format == "json" {
		return f.Success(task)
	}
	writeTask(f.Writer, task)
	return nil
}

func writeTask(w io.Writer, task ir.Task) {
	fmt.Fprintf(w, "%s  %-16s %-10s priority=%d retries=%d\n", task.ID, task.Type, task.Status, task.Priority, task.RetryCount)
	if task.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", task.Error)
	}
}
