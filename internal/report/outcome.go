package report

import "github.com/roach88/ihop/internal/protocol"

// Outcome classifies one test for one implementation.
type Outcome string

const (
	Matched   Outcome = "matched"
	Disagreed Outcome = "disagreed"
	Errored   Outcome = "errored"
	TimedOut  Outcome = "timed_out"
	Crashed   Outcome = "crashed"
	Skipped   Outcome = "skipped"
)

// Outcomes lists every outcome in display order.
var Outcomes = []Outcome{Matched, Disagreed, Errored, TimedOut, Crashed, Skipped}

// Failed reports whether the outcome counts against the implementation.
func (o Outcome) Failed() bool {
	return o != Matched && o != Skipped
}

// Symbol is the one-character marker used in text output.
func (o Outcome) Symbol() string {
	switch o {
	case Matched:
		return "✓"
	case Disagreed:
		return "✗"
	case Errored:
		return "❗"
	case TimedOut:
		return "⌛"
	case Crashed:
		return "💥"
	}
	return "-"
}

// Classify compares verdicts with the oracle test by test. The slices must
// have the same length; the session guarantees it for real replies.
func Classify(expected, verdicts []bool) []Outcome {
	out := make([]Outcome, len(expected))
	for i, want := range expected {
		if verdicts[i] == want {
			out[i] = Matched
		} else {
			out[i] = Disagreed
		}
	}
	return out
}

// Cell is the result of one case for one implementation.
type Cell struct {
	Outcomes []Outcome
	// Verdicts is set only when the adapter answered the case.
	Verdicts []bool
	// Error is set when the adapter reported the case as errored.
	Error *protocol.ErrorContext
	// Reason explains outcomes the adapter did not produce itself.
	Reason string
}

// Answered builds the cell for a successful run.
func Answered(expected, verdicts []bool) Cell {
	return Cell{Outcomes: Classify(expected, verdicts), Verdicts: append([]bool(nil), verdicts...)}
}

// ErroredCell marks every one of n tests Errored.
func ErroredCell(n int, ctx protocol.ErrorContext) Cell {
	c := Uniform(n, Errored, "")
	c.Error = &ctx
	return c
}

// Uniform gives all n tests the same outcome.
func Uniform(n int, o Outcome, reason string) Cell {
	out := make([]Outcome, n)
	for i := range out {
		out[i] = o
	}
	return Cell{Outcomes: out, Reason: reason}
}

// Failed reports whether any test in the cell failed.
func (c Cell) Failed() bool {
	for _, o := range c.Outcomes {
		if o.Failed() {
			return true
		}
	}
	return false
}

// Counts tallies outcomes test by test.
type Counts map[Outcome]int

// Add tallies every outcome of c.
func (c Counts) Add(cell Cell) {
	for _, o := range cell.Outcomes {
		c[o]++
	}
}

// Total is the number of tests counted.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Failures counts outcomes that are neither Matched nor Skipped.
func (c Counts) Failures() int {
	n := 0
	for o, v := range c {
		if o.Failed() {
			n += v
		}
	}
	return n
}
