package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/roach88/ihop/internal/report"
	"github.com/roach88/ihop/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List runs saved with run --db, or show one of them",
		Long: `Read reports saved by "ihop run --db".

Without a run ID, list every stored run with its cell and failure counts.
With a run ID, print that run's outcome counts per implementation, or the
stored report itself with --format json.

Exit codes:
  0  - Success
  2  - No --db given
  66 - The database or the run does not exist

Examples:
  ihop history --db runs.db
  ihop history --db runs.db 01920c4e-7d2a-7c3b-8f00-3a1b2c3d4e5f
  ihop history --db runs.db 01920c4e-7d2a-7c3b-8f00-3a1b2c3d4e5f --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database written by run --db (required)")

	return cmd
}

func runHistory(cmd *cobra.Command, opts *HistoryOptions, args []string) error {
	if opts.Database == "" {
		return NewExitError(ExitCommandError, "--db is required")
	}
	// Opening creates the file; reading a database that is not there is an input error.
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitNoInput, "opening database", err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitFailure, "opening database", err)
	}
	defer st.Close()

	out := &OutputFormatter{Format: opts.Config.Format, Writer: cmd.OutOrStdout()}
	if len(args) == 0 {
		return listRuns(cmd.Context(), st, out)
	}
	return showRun(cmd.Context(), st, out, args[0])
}

func listRuns(ctx context.Context, st *store.Store, out *OutputFormatter) error {
	runs, err := st.Runs(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "listing runs", err)
	}
	if runs == nil {
		runs = []store.RunInfo{}
	}
	if out.JSON() {
		return out.Success(map[string]any{"runs": runs})
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out.Writer, "No runs stored")
		return err
	}

	t := newTable(out.Writer)
	t.AppendHeader(table.Row{"Run", "Cells", "Failures", "Stopped early"})
	for _, r := range runs {
		t.AppendRow(table.Row{r.ID, r.Cells, r.Failures, r.StoppedEarly})
	}
	t.Render()
	return nil
}

func showRun(ctx context.Context, st *store.Store, out *OutputFormatter, runID string) error {
	data, err := st.Report(ctx, runID)
	if errors.Is(err, store.ErrRunNotFound) {
		return WrapExitError(ExitNoInput, "no such run", err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "loading run", err)
	}
	if out.JSON() {
		_, err := out.Writer.Write(append(data, '\n'))
		return err
	}

	tally, err := st.Tally(ctx, runID)
	if err != nil {
		return WrapExitError(ExitFailure, "loading outcomes", err)
	}
	return writeTally(out.Writer, runID, tally)
}

func writeTally(w io.Writer, runID string, tally map[string]report.Counts) error {
	if _, err := fmt.Fprintf(w, "Run %s\n", runID); err != nil {
		return err
	}

	names := make([]string, 0, len(tally))
	for name := range tally {
		names = append(names, name)
	}
	sort.Strings(names)

	t := newTable(w)
	header := table.Row{"Implementation"}
	for _, o := range report.Outcomes {
		header = append(header, o.Symbol()+" "+string(o))
	}
	t.AppendHeader(header)
	for _, name := range names {
		row := table.Row{name}
		for _, o := range report.Outcomes {
			row = append(row, tally[name][o])
		}
		t.AppendRow(row)
	}
	t.Render()
	return nil
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Header = text.FormatDefault
	return t
}
