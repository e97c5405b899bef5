package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/ihop/internal/config"
	"github.com/roach88/ihop/internal/dispatch"
	"github.com/roach88/ihop/internal/report"
	"github.com/roach88/ihop/internal/store"
	"github.com/roach88/ihop/internal/suite"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Dialects  []string
	Filter    string
	SetSchema bool
	FailFast  bool
	MaxFail   int
	Database  string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [cases.jsonl]",
		Short: "Run test cases against every implementation",
		Long: `Run JSON Lines test cases against every implementation and report, for each
(case, implementation) pair, whether the answers matched the expected results.

Each input line is one case: {"description", "schema", "tests": [{"description",
"instance", "valid"}]}. Cases are read from the given file, or stdin when the
file is omitted or "-". With several -D flags the cases run once per dialect.

Exit codes:
  0  - The run completed
  1  - The run was aborted
  2  - Usage error
  65 - The input cases are malformed
  66 - No test case to run
  78 - An implementation failed to start or rejected a dialect

Examples:
  ihop run -i go-jsonschema -i exec:./my-adapter cases.jsonl
  ihop run -i python-jsonschema -D 7 -D 2020-12 -k "ref" < suite.jsonl
  ihop run --roster impls.yaml -x --format json cases.jsonl`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return runRun(cmd, opts, path)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Dialects, "dialect", "D", nil,
		"dialect URI or short name such as 2020-12 or 7 (repeatable; default 2020-12)")
	cmd.Flags().StringVarP(&opts.Filter, "filter", "k", "", "only run cases whose description matches")
	cmd.Flags().BoolVarP(&opts.SetSchema, "set-schema", "S", false, "set $schema in each object schema to the dialect")
	cmd.Flags().BoolVarP(&opts.FailFast, "fail-fast", "x", false, "stop at the first failing case")
	cmd.Flags().IntVar(&opts.MaxFail, "max-fail", 0, "stop after this many failing cases")
	cmd.Flags().StringVar(&opts.Database, "db", "", "also save the report to this SQLite database")

	return cmd
}

func runRun(cmd *cobra.Command, opts *RunOptions, path string) error {
	cfg := opts.Config
	ctx := cmd.Context()

	dispatchOpts := dispatch.Options{
		SetSchema: opts.SetSchema,
		FailFast:  opts.FailFast,
		MaxFail:   opts.MaxFail,
	}
	if err := dispatchOpts.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid options", err)
	}

	dialects, err := resolveDialects(opts.Dialects)
	if err != nil {
		return err
	}

	cases, err := readCases(cmd.InOrStdin(), path, opts.Filter)
	if err != nil {
		return err
	}

	p, err := opts.startPool(ctx)
	if err != nil {
		return err
	}
	defer p.StopAll()

	r := report.New(opts.RunIDs.Generate(), p.Names())
	d, err := dispatch.New(p, r, dispatchOpts)
	if err != nil {
		return err
	}

	blocks := make([]dispatch.Block, len(dialects))
	for i, dialect := range dialects {
		blocks[i] = dispatch.Block{Dialect: dialect, Cases: cases}
	}
	slog.Info("running", "run_id", r.RunID(), "cases", len(cases), "dialects", len(dialects))
	runErr := d.Run(ctx, blocks)
	p.StopAll()

	if err := writeReport(cmd.OutOrStdout(), r, cfg.Format); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if opts.Database != "" {
		if err := saveReport(context.WithoutCancel(ctx), opts.Database, r); err != nil {
			return WrapExitError(ExitFailure, "saving report", err)
		}
	}

	if runErr != nil {
		return WrapExitError(ExitFailure, "run aborted", runErr)
	}
	if err := startFailures(p); err != nil {
		return err
	}
	if rejected := rejectedDialects(r); rejected > 0 {
		return NewExitError(ExitConfig, fmt.Sprintf("%d implementation(s) rejected a dialect", rejected))
	}
	return nil
}

func resolveDialects(names []string) ([]string, error) {
	if len(names) == 0 {
		return []string{suite.DefaultDialect}, nil
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		uri, err := suite.ResolveDialect(name)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid dialect", err)
		}
		out = append(out, uri)
	}
	return out, nil
}

// readCases loads cases from path, or from stdin when path is "-".
func readCases(stdin io.Reader, path, filter string) ([]suite.TestCase, error) {
	in := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, WrapExitError(ExitNoInput, "reading cases", err)
		}
		defer f.Close()
		in = f
	}

	cases, err := suite.LoadCases(in, suite.LoadOptions{Filter: filter})
	if err != nil {
		return nil, WrapExitError(ExitDataErr, "invalid test cases", err)
	}
	if len(cases) == 0 {
		if filter != "" {
			return nil, NewExitError(ExitNoInput, fmt.Sprintf("no test case matches %q", filter))
		}
		return nil, NewExitError(ExitNoInput, "no test cases to run")
	}
	return cases, nil
}

func writeReport(w io.Writer, r *report.Report, format string) error {
	if format == config.FormatJSON {
		return r.WriteJSON(w)
	}
	if err := r.WriteSummary(w); err != nil {
		return err
	}
	return r.WriteCases(w)
}

func saveReport(ctx context.Context, path string, r *report.Report) (err error) {
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	if err := st.SaveReport(ctx, r); err != nil {
		return err
	}
	slog.Info("report saved", "path", path, "run_id", r.RunID())
	return nil
}

func rejectedDialects(r *report.Report) int {
	n := 0
	for _, s := range r.Summaries() {
		if len(s.RejectedDialects) > 0 {
			n++
		}
	}
	return n
}
