package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/roach88/shelf/internal/compiler"
	"github.com/roach88/shelf/internal/config"
	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
	"github.com/roach88/shelf/internal/rules"
	"github.com/roach88/shelf/internal/service"
	"github.com/roach88/shelf/internal/store"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	File  string
	Local bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query [query]",
		Short: "Run a one-shot query",
		Long: `Run a get, list or count query and print the result.

The query is given inline or with --file, as JSON or YAML:

  shelf query '{"collection": "file", "sort": {"field": "size", "direction": "desc"}, "limit": 10}'
  shelf query -f recent.yaml --server https://shelf.example.com

By default the query is sent to the server (client.server) with the
configured token. With --local it runs directly against the database
(storage.path) with full access, bypassing the rules.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			inline := ""
			if len(args) == 1 {
				inline = args[0]
			}
			return runQuery(opts, inline, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read the query from a JSON or YAML file")
	cmd.Flags().BoolVar(&opts.Local, "local", false, "query the database directly instead of the server")
	addClientFlags(cmd)
	cmd.Flags().String("db", "", "path to SQLite database for --local (storage.path)")

	return cmd
}

// addClientFlags adds the flags of commands that talk to a server.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "server base URL (client.server)")
	cmd.Flags().String("token", "", "bearer token (client.token)")
}

var clientBindings = []flagBinding{
	{config.KeyClientServer, "server"},
	{config.KeyClientToken, "token"},
}

func runQuery(opts *QueryOptions, inline string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	req, err := readQueryRequest(inline, opts.File, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query", err)
	}
	q, err := req.Build()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query", err)
	}

	cfg, err := loadConfig(opts.RootOptions, cmd, append(clientBindings, flagBinding{config.KeyStoragePath, "db"})...)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var res queryir.Result
	if opts.Local {
		formatter.VerboseLog("Querying %s directly", cfg.Storage.Path)
		res, err = localQuery(ctx, cfg, q)
	} else {
		formatter.VerboseLog("Querying %s", cfg.Client.Server)
		err = newAPIClient(cfg.Client.Server, cfg.Client.Token).do(ctx, "POST", "/v1/query", q.Request(), &res)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "query failed", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(res)
	}
	return printResult(formatter.Writer, q, res)
}

// readQueryRequest decodes the inline query, the file, or stdin when the
// file is "-". YAML is a superset of JSON, so one decoder covers both.
func readQueryRequest(inline, file string, stdin io.Reader) (queryir.Request, error) {
	var data []byte
	switch {
	case inline != "" && file != "":
		return queryir.Request{}, fmt.Errorf("give the query inline or with --file, not both")
	case inline != "":
		data = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return queryir.Request{}, err
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return queryir.Request{}, err
		}
		data = b
	default:
		return queryir.Request{}, fmt.Errorf("no query given")
	}

	var req queryir.Request
	if err := yaml.Unmarshal(data, &req); err != nil {
		return queryir.Request{}, fmt.Errorf("parse query: %w", err)
	}
	return req, nil
}

func localQuery(ctx context.Context, cfg *config.Config, q *queryir.Query) (queryir.Result, error) {
	ruleCfg, err := compiler.LoadRulesFile(cfg.Rules.Path)
	if err != nil {
		return queryir.Result{}, fmt.Errorf("compile rules: %w", err)
	}
	st, err := store.Open(cfg.Storage.Path, store.WithDriver(cfg.Storage.Driver))
	if err != nil {
		return queryir.Result{}, err
	}
	defer st.Close()

	records := service.NewRecords(st, rules.NewEngine(ruleCfg.Table()), service.WithSchema(ruleCfg.Schema))
	return records.Query(ctx, ir.SystemActor, q)
}

func printResult(w io.Writer, q *queryir.Query, res queryir.Result) error {
	p := message.NewPrinter(language.English)
	if q.Mode == queryir.ModeCount {
		p.Fprintf(w, "%d rows\n", res.Total)
		return nil
	}
	for _, row := range res.Rows {
		data, err := ir.EncodeJSON(row)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	}
	p.Fprintf(w, "%d of %d rows\n", len(res.Rows), res.Total)
	return nil
}
