package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/shelf/internal/broadcast"
	"github.com/roach88/shelf/internal/capture"
	"github.com/roach88/shelf/internal/compiler"
	"github.com/roach88/shelf/internal/config"
	"github.com/roach88/shelf/internal/rules"
	"github.com/roach88/shelf/internal/service"
	"github.com/roach88/shelf/internal/store"
	"github.com/roach88/shelf/internal/taskqueue"
	"github.com/roach88/shelf/internal/transport"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, live queries and task workers",
		Long: `Start the shelf server.

The server opens the SQLite store, compiles the rules file, and runs the
change capture pump, the broadcast router, the task workers and the HTTP
and websocket API until interrupted.

Example:
  shelf serve --addr :8080 --db ./shelf.db --rules ./rules.cue
  SHELF_AUTH_JWT_SECRET=... shelf serve -c /etc/shelf/shelf.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}

	cmd.Flags().String("addr", "", "listen address (server.addr)")
	cmd.Flags().String("db", "", "path to SQLite database (storage.path)")
	cmd.Flags().String("rules", "", "CUE rules file (rules.path)")
	cmd.Flags().Int("workers", 0, "task worker count (tasks.workers)")

	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	setupLogging(opts)

	cfg, err := loadConfig(opts, cmd,
		flagBinding{config.KeyServerAddr, "addr"},
		flagBinding{config.KeyStoragePath, "db"},
		flagBinding{config.KeyRulesPath, "rules"},
		flagBinding{config.KeyTasksWorkers, "workers"},
	)
	if err != nil {
		return err
	}

	app, err := NewApp(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer app.Close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "shelf listening on %s\n", ln.Addr())

	if err := app.Run(ctx, ln); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	return nil
}

// App is a fully wired shelf server.
type App struct {
	Config  *config.Config
	Store   *store.Store
	Rules   *compiler.Config
	Router  *broadcast.Router
	Pump    *capture.Pump
	Queue   *taskqueue.Queue
	Pool    *taskqueue.Pool
	Records *service.Records
	Server  *transport.Server
}

// NewApp opens the store and wires every component from cfg.
func NewApp(cfg *config.Config) (*App, error) {
	ruleCfg, err := compiler.LoadRulesFile(cfg.Rules.Path)
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}
	slog.Info("rules compiled", "path", cfg.Rules.Path, "collections", ruleCfg.Collections())

	st, err := store.Open(cfg.Storage.Path, store.WithDriver(cfg.Storage.Driver))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	head, err := st.Head(context.Background())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("read change log head: %w", err)
	}
	slog.Info("database ready", "path", cfg.Storage.Path, "driver", st.Driver(), "head", head)

	engine := rules.NewEngine(ruleCfg.Table())
	router := broadcast.NewRouter(st, engine,
		broadcast.WithDebounce(cfg.Broadcast.Debounce),
		broadcast.WithSchema(ruleCfg.Schema),
	)
	pump := capture.New(st, router,
		capture.WithStartAt(head),
		capture.WithPollInterval(cfg.Capture.Poll),
		capture.WithRetention(cfg.Capture.Retention),
	)
	st.OnCommit(func(int64) { pump.Notify() })

	queue := taskqueue.New(st, engine)
	registry := taskqueue.NewRegistry()
	registry.Register(taskqueue.TypeBackupDatabase, taskqueue.BackupDatabase(st, cfg.Backup.Dir, time.Now))
	registry.Register(taskqueue.TypeScanStorage, taskqueue.ScanStorage(st, cfg.Scan.Root, time.Now))
	pool := taskqueue.NewPool(queue, registry,
		taskqueue.WithWorkers(cfg.Tasks.Workers),
		taskqueue.WithPollInterval(cfg.Tasks.Poll),
	)

	if cfg.Auth.JWTSecret == "" {
		slog.Warn("auth.jwt_secret is empty; every request is anonymous")
	}
	records := service.NewRecords(st, engine, service.WithSchema(ruleCfg.Schema))
	server := transport.NewServer(records, queue, router, transport.NewAuthenticator(cfg.Auth.JWTSecret))

	return &App{
		Config:  cfg,
		Store:   st,
		Rules:   ruleCfg,
		Router:  router,
		Pump:    pump,
		Queue:   queue,
		Pool:    pool,
		Records: records,
		Server:  server,
	}, nil
}

// Run serves on ln and runs the background components until ctx is
// cancelled. A cancelled context is a clean shutdown and returns nil.
func (a *App) Run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Router.Run(gctx) })
	g.Go(func() error { return a.Pump.Run(gctx) })
	if a.Config.Tasks.Workers > 0 {
		g.Go(func() error { return a.Pool.Run(gctx) })
	}
	g.Go(func() error { return a.Server.Serve(gctx, ln) })

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := a.Router.Close(closeCtx); cerr != nil {
		slog.Error("close router", "error", cerr)
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		slog.Info("shelf stopped")
		return nil
	}
	return err
}

// Close releases the store.
func (a *App) Close() {
	if err := a.Store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
