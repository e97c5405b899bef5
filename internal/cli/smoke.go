package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ihop/internal/adapter"
	"github.com/roach88/ihop/internal/pool"
	"github.com/roach88/ihop/internal/protocol"
	"github.com/roach88/ihop/internal/report"
	"github.com/roach88/ihop/internal/suite"
)

// smokeCases are answered the same way by every dialect.
var smokeCases = []suite.TestCase{
	{
		Description: "allow-everything schema",
		Schema:      json.RawMessage(`{}`),
		Tests: []suite.Test{
			{Description: "null", Instance: json.RawMessage(`null`), Valid: true},
			{Description: "boolean", Instance: json.RawMessage(`true`), Valid: true},
			{Description: "integer", Instance: json.RawMessage(`37`), Valid: true},
			{Description: "string", Instance: json.RawMessage(`"foo"`), Valid: true},
			{Description: "array", Instance: json.RawMessage(`[]`), Valid: true},
			{Description: "object", Instance: json.RawMessage(`{}`), Valid: true},
		},
	},
	{
		Description: "allow-nothing schema",
		Schema:      json.RawMessage(`{"not":{}}`),
		Tests: []suite.Test{
			{Description: "null", Instance: json.RawMessage(`null`), Valid: false},
			{Description: "boolean", Instance: json.RawMessage(`true`), Valid: false},
			{Description: "integer", Instance: json.RawMessage(`37`), Valid: false},
			{Description: "string", Instance: json.RawMessage(`"foo"`), Valid: false},
			{Description: "array", Instance: json.RawMessage(`[]`), Valid: false},
			{Description: "object", Instance: json.RawMessage(`{}`), Valid: false},
		},
	},
}

// SmokeCase is one built-in case's result.
type SmokeCase struct {
	Description string           `json:"description"`
	Outcomes    []report.Outcome `json:"outcomes"`
	Reason      string           `json:"reason,omitempty"`
}

// Symbol is ✓ when every test matched, else the symbol of the first failure.
func (c SmokeCase) Symbol() string {
	for _, o := range c.Outcomes {
		if o != report.Matched {
			return o.Symbol()
		}
	}
	return report.Matched.Symbol()
}

// SmokeResult is one implementation's smoke check.
type SmokeResult struct {
	Implementation string      `json:"implementation"`
	Dialect        string      `json:"dialect,omitempty"`
	Cases          []SmokeCase `json:"cases,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// OK reports whether the implementation answered everything correctly.
func (r SmokeResult) OK() bool {
	if r.Error != "" {
		return false
	}
	for _, c := range r.Cases {
		if c.Symbol() != report.Matched.Symbol() {
			return false
		}
	}
	return true
}

// NewSmokeCommand creates the smoke command.
func NewSmokeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "smoke",
		Short: "Check that implementations answer two trivial cases",
		Long: `Start each implementation, select the first dialect it advertises and run
two built-in cases: a schema that accepts every instance and one that
rejects every instance.

Exit codes:
  0  - Every implementation answered correctly
  65 - An implementation answered wrongly, errored or crashed
  78 - An implementation failed to start

Examples:
  ihop smoke -i go-jsonschema
  ihop smoke -i exec:./my-adapter --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSmoke(cmd, rootOpts)
		},
	}
}

func runSmoke(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	p, err := opts.startPool(ctx)
	if err != nil {
		return err
	}
	defer p.StopAll()

	members := p.Members()
	results := make([]SmokeResult, len(members))
	var g errgroup.Group
	for i, m := range members {
		g.Go(func() error {
			results[i] = smoke(ctx, m)
			return nil
		})
	}
	_ = g.Wait() // failures are part of each result
	p.StopAll()

	if err := ctx.Err(); err != nil {
		return WrapExitError(ExitFailure, "smoke aborted", err)
	}

	failed := false
	for _, r := range results {
		if !r.OK() {
			failed = true
		}
	}

	out := &OutputFormatter{Format: opts.Config.Format, Writer: cmd.OutOrStdout()}
	if out.JSON() {
		data := map[string]any{"results": results, "failed_to_start": startFailureData(p)}
		if failed || len(p.Failures()) > 0 {
			err = out.Failed(data)
		} else {
			err = out.Success(data)
		}
	} else {
		err = writeSmokeText(out.Writer, results, p.Failures())
	}
	if err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}

	if err := startFailures(p); err != nil {
		return err
	}
	if failed {
		return NewExitError(ExitDataErr, "an implementation gave a wrong or errored answer")
	}
	return nil
}

// smoke runs the built-in cases under the member's first advertised dialect.
func smoke(ctx context.Context, m *pool.Member) SmokeResult {
	res := SmokeResult{Implementation: m.Name()}
	if len(m.Identity.Dialects) == 0 {
		res.Error = "advertises no dialects"
		return res
	}
	res.Dialect = m.Identity.Dialects[0]

	if err := m.Session.Dialect(ctx, res.Dialect); err != nil {
		res.Error = describe(err)
		return res
	}

	for i, tc := range smokeCases {
		c := SmokeCase{Description: tc.Description}
		if !m.Session.Alive() {
			c.Outcomes = report.Uniform(len(tc.Tests), report.Skipped, "").Outcomes
			c.Reason = report.ReasonDead
			res.Cases = append(res.Cases, c)
			continue
		}

		run, err := m.Session.Run(ctx, protocol.IntSeq(i+1), tc)
		var cell report.Cell
		switch {
		case err == nil && run.Errored != nil:
			cell = report.ErroredCell(len(tc.Tests), *run.Errored)
			cell.Reason = run.Errored.Message
		case err == nil:
			cell = report.Answered(tc.Expected(), run.Verdicts)
		case adapter.IsTimeout(err):
			cell = report.Uniform(len(tc.Tests), report.TimedOut, describe(err))
		default:
			cell = report.Uniform(len(tc.Tests), report.Crashed, describe(err))
		}
		c.Outcomes, c.Reason = cell.Outcomes, cell.Reason
		res.Cases = append(res.Cases, c)
	}
	return res
}

func describe(err error) string {
	var serr *adapter.SessionError
	if errors.As(err, &serr) {
		return serr.Detail()
	}
	return err.Error()
}

func startFailureData(p *pool.Pool) []map[string]string {
	out := []map[string]string{}
	for _, f := range p.Failures() {
		out = append(out, map[string]string{"implementation": f.Name, "reason": f.Reason()})
	}
	return out
}

func writeSmokeText(w io.Writer, results []SmokeResult, failures []pool.Failure) error {
	for _, r := range results {
		header := r.Implementation
		if r.Dialect != "" {
			header += " (" + r.Dialect + ")"
		}
		if _, err := fmt.Fprintln(w, header); err != nil {
			return err
		}
		if r.Error != "" {
			if _, err := fmt.Fprintf(w, "  %s %s\n", report.Crashed.Symbol(), r.Error); err != nil {
				return err
			}
		}
		for _, c := range r.Cases {
			line := fmt.Sprintf("  %s %s", c.Symbol(), c.Description)
			if c.Reason != "" {
				line += ": " + c.Reason
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
	}
	for _, f := range failures {
		if _, err := fmt.Fprintf(w, "%s\n  %s %s\n", f.Name, report.Crashed.Symbol(), f.Reason()); err != nil {
			return err
		}
		if f.Stderr != "" {
			if _, err := fmt.Fprintf(w, "  stderr:\n%s\n", indentLines(f.Stderr, "    ")); err != nil {
				return err
			}
		}
	}
	return nil
}
