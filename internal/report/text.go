package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/montanaflynn/stats"
)

// Latency summarizes the wall time of an implementation's run calls.
type Latency struct {
	Count  int
	Mean   time.Duration
	Median time.Duration
	P95    time.Duration
	Max    time.Duration
}

// LatencyOf computes statistics over samples. ok is false with no samples.
func LatencyOf(samples []time.Duration) (lat Latency, ok bool) {
	if len(samples) == 0 {
		return Latency{}, false
	}
	data := make(stats.Float64Data, len(samples))
	for i, d := range samples {
		data[i] = float64(d)
	}

	mean, err := stats.Mean(data)
	if err != nil {
		return Latency{}, false
	}
	median, err := stats.Median(data)
	if err != nil {
		return Latency{}, false
	}
	p95, err := stats.Percentile(data, 95)
	if err != nil {
		return Latency{}, false
	}
	maxVal, err := stats.Max(data)
	if err != nil {
		return Latency{}, false
	}

	return Latency{
		Count:  len(samples),
		Mean:   time.Duration(mean),
		Median: time.Duration(median),
		P95:    time.Duration(p95),
		Max:    time.Duration(maxVal),
	}, true
}

// WriteSummary renders the per-implementation table, followed by the failure
// reasons and stderr of implementations that did not survive the run.
func (r *Report) WriteSummary(w io.Writer) error {
	summaries := r.Summaries()

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	// Outcome names in the header must read the same as in the JSON report.
	t.Style().Format.Header = text.FormatDefault

	header := table.Row{"Implementation", "Status"}
	for _, o := range Outcomes {
		header = append(header, o.Symbol()+" "+string(o))
	}
	header = append(header, "Runs", "Mean", "Median", "P95", "Max")
	t.AppendHeader(header)

	for _, s := range summaries {
		row := table.Row{displayName(s), string(s.Status)}
		for _, o := range Outcomes {
			row = append(row, s.Counts[o])
		}
		if lat, ok := LatencyOf(s.Latencies); ok {
			row = append(row, lat.Count, round(lat.Mean), round(lat.Median), round(lat.P95), round(lat.Max))
		} else {
			row = append(row, 0, "-", "-", "-", "-")
		}
		t.AppendRow(row)
	}
	t.Render()

	if r.StoppedEarly() {
		if _, err := fmt.Fprintln(w, "Run stopped early; remaining cases were skipped."); err != nil {
			return err
		}
	}

	for _, s := range summaries {
		var notes []string
		if s.Status != StatusOK {
			notes = append(notes, fmt.Sprintf("%s: %s", s.Status, s.Reason))
		}
		if len(s.UnsupportedDialects) > 0 {
			notes = append(notes, "unsupported dialects: "+strings.Join(s.UnsupportedDialects, ", "))
		}
		if len(s.RejectedDialects) > 0 {
			notes = append(notes, "rejected dialects: "+strings.Join(s.RejectedDialects, ", "))
		}
		if len(notes) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "\n%s\n", s.Name); err != nil {
			return err
		}
		for _, n := range notes {
			if _, err := fmt.Fprintf(w, "  %s\n", n); err != nil {
				return err
			}
		}
		if s.Stderr != "" {
			if _, err := fmt.Fprintf(w, "  stderr:\n%s\n", indent(s.Stderr, "    ")); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteCases lists every failed cell, one line per test.
func (r *Report) WriteCases(w io.Writer) error {
	for _, c := range r.Cases() {
		for _, name := range r.impls {
			cell, ok := r.Cell(c.Index, name)
			if !ok || !cell.Failed() {
				continue
			}
			for i, o := range cell.Outcomes {
				if !o.Failed() {
					continue
				}
				line := fmt.Sprintf("%s %s: %s / %s (%s)", o.Symbol(), name, c.Case.Description, c.Case.Tests[i].Description, o)
				if cell.Error != nil && cell.Error.Message != "" {
					line += ": " + cell.Error.Message
				} else if cell.Reason != "" {
					line += ": " + cell.Reason
				}
				if _, err := fmt.Fprintln(w, line); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func displayName(s Summary) string {
	if s.Identity == nil || s.Identity.Version == "" {
		return s.Name
	}
	return fmt.Sprintf("%s (%s)", s.Name, s.Identity.Version)
}

func round(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond).String()
	}
	return d.Round(time.Microsecond).String()
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
