// Package dispatch sends every case of every dialect block to every live
// session and records the outcome of each (case, implementation) pair.
//
// One goroutine drives each session, so sessions never wait on each other,
// while the cases of one session go out strictly one at a time. Cells are
// placed in the report by case index, so the order in which sessions answer
// does not matter.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/ihop/internal/adapter"
	"github.com/roach88/ihop/internal/logging"
	"github.com/roach88/ihop/internal/pool"
	"github.com/roach88/ihop/internal/protocol"
	"github.com/roach88/ihop/internal/report"
	"github.com/roach88/ihop/internal/suite"
)

// Block is an ordered run of cases under one dialect.
type Block struct {
	Dialect string
	Cases   []suite.TestCase
}

// Options tunes a dispatch.
type Options struct {
	// SetSchema stamps each object schema with the block's dialect.
	SetSchema bool
	// FailFast stops after the first failing cell.
	FailFast bool
	// MaxFail stops after this many failing cells. Zero means no limit.
	MaxFail int
	Logger  *slog.Logger
}

// Threshold is the failing-cell count that stops the run, or zero.
func (o Options) Threshold() int {
	if o.FailFast {
		return 1
	}
	return o.MaxFail
}

// Validate rejects contradictory options.
func (o Options) Validate() error {
	if o.FailFast && o.MaxFail > 0 {
		return errors.New("fail-fast and max-fail are mutually exclusive")
	}
	if o.MaxFail < 0 {
		return fmt.Errorf("max-fail must not be negative, got %d", o.MaxFail)
	}
	return nil
}

// Dispatcher fills one report from one pool.
type Dispatcher struct {
	pool   *pool.Pool
	report *report.Report
	opts   Options
	log    *slog.Logger

	failed  atomic.Int64
	stopped atomic.Bool
}

// New creates a dispatcher writing into r.
func New(p *pool.Pool, r *report.Report, opts Options) (*Dispatcher, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logging.New("dispatch")
	}
	return &Dispatcher{pool: p, report: r, opts: opts, log: log}, nil
}

// Stopped reports whether the stop policy cut the run short.
func (d *Dispatcher) Stopped() bool {
	return d.stopped.Load()
}

// Run dispatches blocks in order and completes the report: when Run returns,
// every (case, implementation) cell is recorded. A cancelled ctx kills the
// sessions, keeps the cells already collected and marks the rest Skipped.
func (d *Dispatcher) Run(ctx context.Context, blocks []Block) error {
	d.pool.Record(d.report)

	placed := make([][]report.Case, len(blocks))
	for i, b := range blocks {
		cases := b.Cases
		if d.opts.SetSchema {
			var err error
			if cases, err = withSchemaDialect(cases, b.Dialect); err != nil {
				return err
			}
		}
		placed[i] = d.report.AddBlock(b.Dialect, cases)
		if err := d.pool.RecordFailedCells(d.report, placed[i]); err != nil {
			d.log.Error("recording startup failures", "error", err)
		}
	}

	members := d.pool.Live()
	d.log.Info("dispatching", "blocks", len(blocks), "implementations", len(members))

	var g errgroup.Group
	for _, m := range members {
		g.Go(func() error {
			d.work(ctx, m, blocks, placed)
			return nil
		})
	}
	_ = g.Wait() // outcomes are recorded as cells

	if err := ctx.Err(); err != nil {
		d.pool.KillAll()
		filled := d.report.Finalize(report.ReasonAborted)
		d.log.Warn("run aborted", "unfinished_cells", filled)
		return fmt.Errorf("dispatch aborted: %w", err)
	}
	if filled := d.report.Finalize(report.ReasonNotRun); filled > 0 {
		d.log.Error("cells left unrecorded", "count", filled)
	}
	return nil
}

func withSchemaDialect(cases []suite.TestCase, dialect string) ([]suite.TestCase, error) {
	out := make([]suite.TestCase, len(cases))
	for i, tc := range cases {
		c, err := tc.WithSchemaDialect(dialect)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// work drives one session through every block.
func (d *Dispatcher) work(ctx context.Context, m *pool.Member, blocks []Block, placed [][]report.Case) {
	name := m.Name()
	log := d.log.With("implementation", name)

	for bi, b := range blocks {
		cases := placed[bi]
		switch {
		case ctx.Err() != nil:
			return
		case !m.Session.Alive():
			d.skip(name, cases, report.ReasonDead)
			continue
		case d.stopped.Load():
			d.skip(name, cases, report.ReasonStoppedEarly)
			continue
		case !m.Identity.Supports(b.Dialect):
			log.Info("dialect not advertised; skipping block", "dialect", b.Dialect)
			d.report.MarkUnsupported(name, b.Dialect)
			d.skip(name, cases, report.ReasonUnsupported)
			continue
		}

		if err := m.Session.Dialect(ctx, b.Dialect); err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case adapter.IsRejected(err):
				log.Warn("dialect rejected; skipping block", "dialect", b.Dialect)
				d.report.MarkRejected(name, b.Dialect)
				d.skip(name, cases, report.ReasonRejected)
			default:
				d.died(m, err)
				d.skip(name, cases, report.ReasonDead)
			}
			continue
		}

		for ci, c := range cases {
			if ctx.Err() != nil {
				return
			}
			if d.stopped.Load() {
				d.skip(name, cases[ci:], report.ReasonStoppedEarly)
				break
			}
			if !d.runCase(ctx, m, c) {
				if ctx.Err() != nil {
					return
				}
				d.skip(name, cases[ci+1:], report.ReasonDead)
				break
			}
		}
	}
}

// runCase sends one case and records its cell. It returns false once the
// session can take no more requests.
func (d *Dispatcher) runCase(ctx context.Context, m *pool.Member, c report.Case) bool {
	name := m.Name()
	n := len(c.Case.Tests)

	res, err := m.Session.Run(ctx, protocol.IntSeq(c.Index+1), c.Case)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		outcome := report.Crashed
		if adapter.IsTimeout(err) {
			outcome = report.TimedOut
		}
		d.record(c.Index, name, report.Uniform(n, outcome, detail(err)))
		d.died(m, err)
		return false
	}

	d.report.RecordLatency(name, res.Elapsed)
	if res.Errored != nil {
		d.record(c.Index, name, report.ErroredCell(n, *res.Errored))
	} else {
		d.record(c.Index, name, report.Answered(c.Case.Expected(), res.Verdicts))
	}
	return true
}

// died records why a session is gone. Errors that are not session failures
// are caller bugs; the session is killed so it gets no further work.
func (d *Dispatcher) died(m *pool.Member, err error) {
	var serr *adapter.SessionError
	if !errors.As(err, &serr) || !serr.Fatal() {
		d.log.Error("unexpected session error", "implementation", m.Name(), "error", err)
		m.Session.Kill()
		d.report.MarkFailed(m.Name(), report.StatusCrashed, err.Error(), m.Session.Stderr())
		return
	}
	status := report.StatusCrashed
	if m.Session.State() == adapter.StateTimedOut {
		status = report.StatusTimedOut
	}
	d.report.MarkFailed(m.Name(), status, serr.Detail(), serr.Stderr)
}

func (d *Dispatcher) record(index int, name string, cell report.Cell) {
	if err := d.report.Record(index, name, cell); err != nil {
		d.log.Error("recording cell", "implementation", name, "case", index, "error", err)
		return
	}
	if cell.Failed() {
		d.fail()
	}
}

// fail counts a failing cell against the stop threshold.
func (d *Dispatcher) fail() {
	limit := d.opts.Threshold()
	if limit <= 0 {
		return
	}
	if d.failed.Add(1) >= int64(limit) && d.stopped.CompareAndSwap(false, true) {
		d.report.SetStoppedEarly()
		d.log.Info("failure threshold reached; stopping", "threshold", limit)
	}
}

func (d *Dispatcher) skip(name string, cases []report.Case, reason string) {
	for _, c := range cases {
		if err := d.report.Record(c.Index, name, report.Uniform(len(c.Case.Tests), report.Skipped, reason)); err != nil {
			d.log.Error("recording cell", "implementation", name, "case", c.Index, "error", err)
		}
	}
}

func detail(err error) string {
	var serr *adapter.SessionError
	if errors.As(err, &serr) {
		return serr.Detail()
	}
	return err.Error()
}
