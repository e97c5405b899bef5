package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/ihop/internal/pool"
	"github.com/roach88/ihop/internal/report"
)

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show what each implementation reports about itself",
		Long: `Start each implementation, print the identity it reports in its start
response, then stop it.

Exit codes:
  0  - Every implementation started
  78 - An implementation failed to start

Examples:
  ihop info -i go-jsonschema -i exec:./my-adapter
  ihop info --roster impls.yaml --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd, rootOpts)
		},
	}
}

func runInfo(cmd *cobra.Command, opts *RootOptions) error {
	p, err := opts.startPool(cmd.Context())
	if err != nil {
		return err
	}
	p.StopAll()

	out := &OutputFormatter{Format: opts.Config.Format, Writer: cmd.OutOrStdout()}
	if out.JSON() {
		identities := make(map[string]json.RawMessage, len(p.Members()))
		for _, m := range p.Members() {
			data, err := report.MarshalIdentity(m.Identity)
			if err != nil {
				return fmt.Errorf("failed to encode identity of %s: %w", m.Name(), err)
			}
			identities[m.Name()] = data
		}
		data := map[string]any{"implementations": identities, "failed_to_start": startFailureData(p)}
		if len(p.Failures()) > 0 {
			err = out.Failed(data)
		} else {
			err = out.Success(data)
		}
	} else {
		err = writeInfoText(out.Writer, p)
	}
	if err != nil {
		return fmt.Errorf("failed to write identities: %w", err)
	}
	return startFailures(p)
}

func writeInfoText(w io.Writer, p *pool.Pool) error {
	t := newTable(w)
	t.AppendHeader(table.Row{"Implementation", "Name", "Language", "Version", "Dialects", "Homepage"})
	for _, m := range p.Members() {
		id := m.Identity
		language := id.Language
		if id.LanguageVersion != "" {
			language += " " + id.LanguageVersion
		}
		t.AppendRow(table.Row{m.Name(), id.Name, language, id.Version, strings.Join(id.Dialects, "\n"), id.Homepage})
	}
	t.Render()

	for _, f := range p.Failures() {
		if _, err := fmt.Fprintf(w, "\n%s\n  %s\n", f.Name, f.Reason()); err != nil {
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

func indentLines(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
