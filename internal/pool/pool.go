// Package pool launches one adapter session per roster entry and keeps the
// ones that completed the start handshake.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/ihop/internal/adapter"
	"github.com/roach88/ihop/internal/logging"
	"github.com/roach88/ihop/internal/protocol"
	"github.com/roach88/ihop/internal/report"
	"github.com/roach88/ihop/internal/roster"
)

// Options configures Start.
type Options struct {
	// Timeouts are the run-wide deadlines; roster entries may override some.
	Timeouts adapter.Timeouts
	Codec    *protocol.Codec
	Logger   *slog.Logger
	// SessionOptions are appended to every session's options.
	SessionOptions []adapter.Option
}

// Member is a session that reached Started.
type Member struct {
	Entry    roster.Entry
	Session  *adapter.Session
	Identity protocol.Implementation
}

// Name is the member's roster name.
func (m *Member) Name() string {
	return m.Entry.Name
}

// Failure is a roster entry that never became usable.
type Failure struct {
	Name   string
	Err    error
	Stderr string
}

// Reason is the failure as shown in the report.
func (f Failure) Reason() string {
	var serr *adapter.SessionError
	if errors.As(f.Err, &serr) {
		return report.ReasonFailedToStart + ": " + serr.Detail()
	}
	return report.ReasonFailedToStart + ": " + f.Err.Error()
}

// Pool holds the sessions of one run.
type Pool struct {
	log      *slog.Logger
	names    []string
	members  []*Member
	failures []Failure
}

// Start launches and starts every entry concurrently. Entries that fail to
// launch or to handshake become Failures; they never fail the call. Start
// returns an error only when ctx ends first, after killing whatever it
// launched.
func Start(ctx context.Context, entries []roster.Entry, launcher adapter.Launcher, opts Options) (*Pool, error) {
	log := opts.Logger
	if log == nil {
		log = logging.New("pool")
	}
	codec := opts.Codec
	if codec == nil {
		var err error
		if codec, err = protocol.NewCodec(); err != nil {
			return nil, err
		}
	}

	members := make([]*Member, len(entries))
	failures := make([]*Failure, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	for i, entry := range entries {
		g.Go(func() error {
			m, f := startOne(gctx, entry, launcher, codec, log, opts)
			members[i], failures[i] = m, f
			return nil
		})
	}
	_ = g.Wait() // failures are captured per entry

	p := &Pool{log: log}
	for i, e := range entries {
		p.names = append(p.names, e.Name)
		if members[i] != nil {
			p.members = append(p.members, members[i])
		}
		if failures[i] != nil {
			p.failures = append(p.failures, *failures[i])
		}
	}

	if err := ctx.Err(); err != nil {
		p.KillAll()
		return p, fmt.Errorf("starting implementations: %w", err)
	}
	log.Info("implementations started", "started", len(p.members), "failed", len(p.failures))
	return p, nil
}

func startOne(ctx context.Context, entry roster.Entry, launcher adapter.Launcher, codec *protocol.Codec, log *slog.Logger, opts Options) (*Member, *Failure) {
	transport, err := launcher.Launch(ctx, entry.Target())
	if err != nil {
		log.Warn("launch failed", "implementation", entry.Name, "error", err)
		return nil, &Failure{Name: entry.Name, Err: fmt.Errorf("launch: %w", err)}
	}

	sessionOpts := append([]adapter.Option{
		adapter.WithTimeouts(entry.Timeouts(opts.Timeouts)),
		adapter.WithCodec(codec),
		adapter.WithLogger(log),
	}, opts.SessionOptions...)
	session := adapter.NewSession(entry.Name, transport, sessionOpts...)

	begin := time.Now()
	identity, err := session.Start(ctx)
	if err != nil {
		session.Kill()
		return nil, &Failure{Name: entry.Name, Err: err, Stderr: session.Stderr()}
	}
	log.Debug("implementation ready", "implementation", entry.Name, "elapsed", time.Since(begin))
	return &Member{Entry: entry, Session: session, Identity: identity}, nil
}

// Names returns every roster name, started or not, in roster order.
func (p *Pool) Names() []string {
	return append([]string(nil), p.names...)
}

// Members returns the sessions that started, in roster order.
func (p *Pool) Members() []*Member {
	return append([]*Member(nil), p.members...)
}

// Live returns the members whose session can still take requests.
func (p *Pool) Live() []*Member {
	var out []*Member
	for _, m := range p.members {
		if m.Session.Alive() {
			out = append(out, m)
		}
	}
	return out
}

// Failures returns entries that failed to start, in roster order.
func (p *Pool) Failures() []Failure {
	return append([]Failure(nil), p.failures...)
}

// Record copies identities and startup failures into r.
func (p *Pool) Record(r *report.Report) {
	for _, m := range p.members {
		r.SetIdentity(m.Name(), m.Identity)
	}
	for _, f := range p.failures {
		r.MarkFailed(f.Name, report.StatusFailedToStart, f.Reason(), f.Stderr)
	}
}

// RecordFailedCells fills the cells of entries that failed to start with
// Crashed outcomes.
func (p *Pool) RecordFailedCells(r *report.Report, cases []report.Case) error {
	var errs []error
	for _, f := range p.failures {
		for _, c := range cases {
			cell := report.Uniform(len(c.Case.Tests), report.Crashed, report.ReasonFailedToStart)
			if err := r.Record(c.Index, f.Name, cell); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every member still alive, concurrently. Stop failures are
// logged and otherwise ignored.
func (p *Pool) StopAll() {
	var g errgroup.Group
	for _, m := range p.members {
		if !m.Session.Alive() {
			continue
		}
		g.Go(func() error {
			if err := m.Session.Stop(); err != nil {
				p.log.Warn("stop failed", "implementation", m.Name(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// KillAll kills every member's adapter without asking it to stop.
func (p *Pool) KillAll() {
	for _, m := range p.members {
		m.Session.Kill()
	}
}
