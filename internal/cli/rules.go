package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/shelf/internal/compiler"
	"github.com/roach88/shelf/internal/rules"
)

// CollectionSummary describes one compiled collection.
type CollectionSummary struct {
	Name       string            `json:"name"`
	Fields     []string          `json:"fields"`
	OwnerField string            `json:"ownerField,omitempty"`
	Rules      map[string]string `json:"rules"`
	Immutable  []string          `json:"immutable,omitempty"`
	Broadcast  string            `json:"broadcast"`
}

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with the CUE rules file",
	}
	cmd.AddCommand(newRulesCheckCommand(rootOpts))
	return cmd
}

func newRulesCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <rules.cue>",
		Short: "Compile a rules file and print the resulting policies",
		Long: `Compile a rules file without starting the server.

Reports the first error with its file position, or prints every collection
with its fields and effective access levels. The built-in task and
storage_stats collections are included.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesCheck(rootOpts, args[0], cmd)
		},
	}
}

func runRulesCheck(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := compiler.LoadRulesFile(path)
	if err != nil {
		var cerr *compiler.CompileError
		if errors.As(err, &cerr) {
			details := map[string]any{"field": cerr.Field}
			if cerr.Pos.IsValid() {
				details["line"] = cerr.Pos.Line()
				details["column"] = cerr.Pos.Column()
			}
			_ = formatter.Error("E001", cerr.Error(), details)
		} else {
			_ = formatter.Error("E002", err.Error(), nil)
		}
		return NewExitError(ExitFailure, "rules check failed")
	}

	summaries := summarize(cfg)
	if formatter.Format == "json" {
		return formatter.Success(summaries)
	}

	tw := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTION\tOWNER\tGET\tLIST\tCREATE\tUPDATE\tDELETE\tBROADCAST")
	for _, s := range summaries {
		owner := s.OwnerField
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", s.Name, owner,
			s.Rules["get"], s.Rules["list"], s.Rules["create"], s.Rules["update"], s.Rules["delete"], s.Broadcast)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, s := range summaries {
		if len(s.Immutable) > 0 {
			fmt.Fprintf(formatter.Writer, "%s: immutable %s\n", s.Name, strings.Join(s.Immutable, ", "))
		}
	}
	fmt.Fprintf(formatter.Writer, "OK: %d collections\n", len(summaries))
	return nil
}

func summarize(cfg *compiler.Config) []CollectionSummary {
	names := cfg.Collections()
	out := make([]CollectionSummary, 0, len(names))
	for _, name := range names {
		p := cfg.Policies[name]
		s := CollectionSummary{
			Name:       name,
			Fields:     cfg.Schema.Fields(name),
			OwnerField: p.OwnerField,
			Rules:      make(map[string]string, len(rules.Operations)),
			Immutable:  p.Immutable,
			Broadcast:  string(p.Broadcast),
		}
		for _, op := range rules.Operations {
			s.Rules[string(op)] = string(p.Level(op))
		}
		out = append(out, s)
	}
	return out
}
