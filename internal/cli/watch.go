package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/reconcile"
	"github.com/roach88/shelf/internal/transport"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	File    string
	Updates int
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch [query]",
		Short: "Subscribe to a live query and print its result as it changes",
		Long: `Subscribe to a list query over the server's websocket endpoint and print
the reconciled result after the initial snapshot and after every patch.

Example:
  shelf watch '{"collection": "activity", "sort": {"field": "at", "direction": "desc"}, "limit": 20}'
  shelf watch -f tasks.yaml --updates 1 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			inline := ""
			if len(args) == 1 {
				inline = args[0]
			}
			return runWatch(opts, inline, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read the query from a JSON or YAML file")
	cmd.Flags().IntVar(&opts.Updates, "updates", 0, "exit after this many printed results (0 watches until interrupted)")
	addClientFlags(cmd)

	return cmd
}

func runWatch(opts *WatchOptions, inline string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	req, err := readQueryRequest(inline, opts.File, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query", err)
	}
	q, err := req.Build()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query", err)
	}

	cfg, err := loadConfig(opts.RootOptions, cmd, clientBindings...)
	if err != nil {
		return err
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	endpoint := liveURL(cfg.Client.Server)
	formatter.VerboseLog("Connecting to %s", endpoint)
	client, err := transport.Dial(ctx, endpoint, cfg.Client.Token)
	if err != nil {
		return WrapExitError(ExitFailure, "connect failed", err)
	}
	defer client.Close()

	r := reconcile.New(client, q)
	if err := r.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "subscribe failed", err)
	}
	defer func() {
		closeCtx := context.WithoutCancel(ctx)
		if err := r.Close(closeCtx); err != nil && !errors.Is(err, reconcile.ErrClosed) {
			formatter.VerboseLog("unsubscribe: %v", err)
		}
	}()

	printed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			if err := client.Err(); err != nil {
				return WrapExitError(ExitFailure, "connection lost", err)
			}
			return nil
		case <-r.Updates():
		}

		if err := printView(formatter, r.View()); err != nil {
			return err
		}
		printed++
		if opts.Updates > 0 && printed >= opts.Updates {
			return nil
		}
	}
}

func printView(f *OutputFormatter, view reconcile.Snapshot) error {
	if f.Format == "json" {
		return f.Success(view)
	}
	return writeView(f.Writer, view)
}

func writeView(w io.Writer, view reconcile.Snapshot) error {
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "-- %d of %d rows\n", len(view.Rows), view.Total)
	for _, row := range view.Rows {
		data, err := ir.EncodeJSON(row)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	}
	return nil
}
