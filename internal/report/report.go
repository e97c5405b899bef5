package report

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/roach88/ihop/internal/protocol"
	"github.com/roach88/ihop/internal/suite"
)

// Reasons recorded on cells the adapter never answered.
const (
	ReasonFailedToStart = "failed to start"
	ReasonStoppedEarly  = "stopped early"
	ReasonAborted       = "run aborted"
	ReasonUnsupported   = "unsupported dialect"
	ReasonRejected      = "dialect rejected"
	ReasonDead          = "session ended earlier in the run"
	ReasonNotRun        = "not run"
)

// Status is the health of an implementation over the whole run.
type Status string

const (
	StatusOK            Status = "ok"
	StatusFailedToStart Status = "failed_to_start"
	StatusCrashed       Status = "crashed"
	StatusTimedOut      Status = "timed_out"
)

// Case is a test case as placed in the report.
type Case struct {
	Index   int
	Dialect string
	Case    suite.TestCase
}

// Summary is the per-implementation view an operator reads to tell "disagrees
// with the oracle" apart from "is broken".
type Summary struct {
	Name   string
	Status Status
	Reason string
	// Stderr is the adapter's stderr tail at the time of failure.
	Stderr              string
	Identity            *protocol.Implementation
	UnsupportedDialects []string
	RejectedDialects    []string
	Counts              Counts
	Latencies           []time.Duration
}

// Report is the outcome matrix of one run.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Report struct {
	mu sync.Mutex

	runID        string
	dialects     []string
	cases        []Case
	cells        []map[string]Cell
	impls        []string
	summaries    map[string]*Summary
	stoppedEarly bool
}

// New creates an empty report for the named implementations, in roster order.
func New(runID string, implementations []string) *Report {
	r := &Report{
		runID:     runID,
		impls:     append([]string(nil), implementations...),
		summaries: make(map[string]*Summary, len(implementations)),
	}
	for _, name := range implementations {
		r.summaries[name] = &Summary{Name: name, Status: StatusOK, Counts: Counts{}}
	}
	return r
}

// RunID identifies the run.
func (r *Report) RunID() string {
	return r.runID
}

// AddBlock appends the cases of one dialect block and returns them with their
// report indices. Indices continue across blocks.
func (r *Report) AddBlock(dialect string, cases []suite.TestCase) []Case {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !slices.Contains(r.dialects, dialect) {
		r.dialects = append(r.dialects, dialect)
	}
	out := make([]Case, len(cases))
	for i, tc := range cases {
		c := Case{Index: len(r.cases), Dialect: dialect, Case: tc}
		r.cases = append(r.cases, c)
		r.cells = append(r.cells, make(map[string]Cell, len(r.impls)))
		out[i] = c
	}
	return out
}

// Record stores the cell for (index, implementation). Each pair may be
// recorded once.
func (r *Report) Record(index int, implementation string, cell Cell) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.cases) {
		return fmt.Errorf("no case with index %d", index)
	}
	sum, ok := r.summaries[implementation]
	if !ok {
		return fmt.Errorf("unknown implementation %q", implementation)
	}
	if n := len(r.cases[index].Case.Tests); len(cell.Outcomes) != n {
		return fmt.Errorf("case %d has %d tests, cell has %d outcomes", index, n, len(cell.Outcomes))
	}
	if _, dup := r.cells[index][implementation]; dup {
		return fmt.Errorf("case %d already has a result for %q", index, implementation)
	}
	r.cells[index][implementation] = cell
	sum.Counts.Add(cell)
	return nil
}

// SetIdentity records what the implementation reported at start.
func (r *Report) SetIdentity(implementation string, identity protocol.Implementation) {
	r.withSummary(implementation, func(s *Summary) {
		s.Identity = &identity
	})
}

// MarkFailed records why an implementation stopped being usable. The first
// failure wins.
func (r *Report) MarkFailed(implementation string, status Status, reason, stderr string) {
	r.withSummary(implementation, func(s *Summary) {
		if s.Status != StatusOK {
			return
		}
		s.Status = status
		s.Reason = reason
		s.Stderr = stderr
	})
}

// MarkUnsupported notes a dialect block skipped because the implementation
// does not advertise the dialect.
func (r *Report) MarkUnsupported(implementation, dialect string) {
	r.withSummary(implementation, func(s *Summary) {
		if !slices.Contains(s.UnsupportedDialects, dialect) {
			s.UnsupportedDialects = append(s.UnsupportedDialects, dialect)
		}
	})
}

// MarkRejected notes a dialect block skipped because the adapter refused it.
func (r *Report) MarkRejected(implementation, dialect string) {
	r.withSummary(implementation, func(s *Summary) {
		if !slices.Contains(s.RejectedDialects, dialect) {
			s.RejectedDialects = append(s.RejectedDialects, dialect)
		}
	})
}

// RecordLatency adds the wall time of one answered run call.
func (r *Report) RecordLatency(implementation string, d time.Duration) {
	r.withSummary(implementation, func(s *Summary) {
		s.Latencies = append(s.Latencies, d)
	})
}

// SetStoppedEarly marks that fail-fast or max-fail cut the run short.
func (r *Report) SetStoppedEarly() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stoppedEarly = true
}

// StoppedEarly reports whether the run was cut short.
func (r *Report) StoppedEarly() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stoppedEarly
}

func (r *Report) withSummary(implementation string, fn func(*Summary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.summaries[implementation]; ok {
		fn(s)
	}
}

// Finalize fills every unrecorded cell with Skipped and the given reason and
// returns how many it filled. After Finalize the matrix is complete.
func (r *Report) Finalize(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	filled := 0
	for i, c := range r.cases {
		for _, name := range r.impls {
			if _, ok := r.cells[i][name]; ok {
				continue
			}
			cell := Uniform(len(c.Case.Tests), Skipped, reason)
			r.cells[i][name] = cell
			r.summaries[name].Counts.Add(cell)
			filled++
		}
	}
	return filled
}

// Dialects returns the dialects run, in block order.
func (r *Report) Dialects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dialects...)
}

// Cases returns every case in report order.
func (r *Report) Cases() []Case {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Case(nil), r.cases...)
}

// Implementations returns the implementation names in roster order.
func (r *Report) Implementations() []string {
	return append([]string(nil), r.impls...)
}

// Cell returns the cell for (index, implementation).
func (r *Report) Cell(index int, implementation string) (Cell, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.cells) {
		return Cell{}, false
	}
	c, ok := r.cells[index][implementation]
	return c, ok
}

// Summary returns a copy of one implementation's summary.
func (r *Report) Summary(implementation string) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.summaries[implementation]
	if !ok {
		return Summary{}, false
	}
	return copySummary(s), true
}

// Summaries returns every summary in roster order.
func (r *Report) Summaries() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Summary, len(r.impls))
	for i, name := range r.impls {
		out[i] = copySummary(r.summaries[name])
	}
	return out
}

// CellCount is the number of recorded cells.
func (r *Report) CellCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.cells {
		n += len(m)
	}
	return n
}

// Failures counts failed tests across all implementations.
func (r *Report) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.summaries {
		n += s.Counts.Failures()
	}
	return n
}

func copySummary(s *Summary) Summary {
	out := *s
	out.UnsupportedDialects = slices.Clone(s.UnsupportedDialects)
	out.RejectedDialects = slices.Clone(s.RejectedDialects)
	out.Latencies = slices.Clone(s.Latencies)
	out.Counts = make(Counts, len(s.Counts))
	for k, v := range s.Counts {
		out.Counts[k] = v
	}
	if s.Identity != nil {
		id := *s.Identity
		out.Identity = &id
	}
	return out
}
