package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ihop/internal/logging"
	"github.com/roach88/ihop/internal/protocol"
	"github.com/roach88/ihop/internal/suite"
)

// State is a session's position in the IHOP state machine.
type State int

const (
	StateNotStarted State = iota
	StateStarted
	StateDialectReady
	StateStopped
	StateCrashed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarted:
		return "started"
	case StateDialectReady:
		return "dialect_ready"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	case StateTimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further request can be made in this state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCrashed || s == StateTimedOut
}

// Timeouts bounds each kind of call. Run is usually the longest since it
// covers real validation work.
type Timeouts struct {
	Start     time.Duration
	Dialect   time.Duration
	Run       time.Duration
	StopGrace time.Duration
}

// DefaultTimeouts returns the harness defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Start:     60 * time.Second,
		Dialect:   10 * time.Second,
		Run:       30 * time.Second,
		StopGrace: 3 * time.Second,
	}
}

// RunResult is an adapter's answer to one case: either one verdict per test
// or an error covering the whole case.
type RunResult struct {
	Verdicts []bool
	Errored  *protocol.ErrorContext
	Elapsed  time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithTimeouts overrides DefaultTimeouts. Zero fields keep their default.
func WithTimeouts(t Timeouts) Option {
	return func(s *Session) {
		if t.Start > 0 {
			s.timeouts.Start = t.Start
		}
		if t.Dialect > 0 {
			s.timeouts.Dialect = t.Dialect
		}
		if t.Run > 0 {
			s.timeouts.Run = t.Run
		}
		if t.StopGrace > 0 {
			s.timeouts.StopGrace = t.StopGrace
		}
	}
}

// WithLogger sets the session's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithCodec shares a codec instead of compiling one per session.
func WithCodec(c *protocol.Codec) Option {
	return func(s *Session) { s.codec = c }
}

// WithAfter replaces time.After for deadline timers.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(s *Session) { s.after = after }
}

// Session drives one adapter through the IHOP state machine.
//
// Requests are strictly sequential; a second concurrent call fails with a
// precondition error. State, Alive, Identity and Failure are safe to call
// from any goroutine.
type Session struct {
	name      string
	transport Transport
	codec     *protocol.Codec
	timeouts  Timeouts
	after     func(time.Duration) <-chan time.Time
	log       *slog.Logger

	mu       sync.Mutex
	state    State
	busy     bool
	identity *protocol.Implementation
	dialect  string
	failure  *SessionError
}

// NewSession wraps an already launched transport. No request is sent until
// Start.
func NewSession(name string, t Transport, opts ...Option) *Session {
	s := &Session{
		name:      name,
		transport: t,
		timeouts:  DefaultTimeouts(),
		after:     time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.codec == nil {
		s.codec = protocol.MustCodec()
	}
	if s.log == nil {
		s.log = logging.New("adapter")
	}
	s.log = s.log.With("implementation", name)
	return s
}

// Name is the roster name the session was created with.
func (s *Session) Name() string {
	return s.name
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Alive reports whether the session can still take requests.
func (s *Session) Alive() bool {
	return !s.State().Terminal()
}

// Identity returns what the adapter reported at start.
func (s *Session) Identity() (protocol.Implementation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return protocol.Implementation{}, false
	}
	return *s.identity, true
}

// CurrentDialect returns the dialect most recently accepted by the adapter.
func (s *Session) CurrentDialect() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialect
}

// Failure returns the error that ended the session, if it crashed or timed out.
func (s *Session) Failure() *SessionError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		return nil
	}
	f := *s.failure
	return &f
}

// Stderr returns the retained tail of the adapter's stderr.
func (s *Session) Stderr() string {
	return s.transport.Stderr()
}

// Start performs the handshake and records the adapter's identity.
func (s *Session) Start(ctx context.Context) (protocol.Implementation, error) {
	if err := s.acquire(protocol.CommandStart, StateNotStarted); err != nil {
		return protocol.Implementation{}, err
	}
	defer s.release()

	resp, err := s.call(ctx, protocol.StartRequest{Version: protocol.Version}, s.timeouts.Start)
	if err != nil {
		return protocol.Implementation{}, err
	}
	start := resp.(protocol.StartResponse)

	if start.Version != protocol.Version {
		return protocol.Implementation{}, s.fail(s.newError(KindConfig, protocol.CommandStart, nil,
			"adapter speaks IHOP version %d, harness speaks %d", start.Version, protocol.Version))
	}
	if !start.IsReady() {
		return protocol.Implementation{}, s.fail(s.newError(KindConfig, protocol.CommandStart, nil,
			"adapter reported ready: false"))
	}

	s.mu.Lock()
	identity := start.Implementation
	s.identity = &identity
	s.state = StateStarted
	s.mu.Unlock()

	s.log.Debug("adapter started",
		"adapter", identity.Name,
		"language", identity.Language,
		"version", identity.Version,
		"dialects", len(identity.Dialects))
	return identity, nil
}

// Dialect selects the dialect for subsequent runs. It may be called again to
// switch. A refusal returns a rejected error and leaves the session usable,
// but without a selected dialect.
func (s *Session) Dialect(ctx context.Context, uri string) error {
	if err := s.acquire(protocol.CommandDialect, StateStarted, StateDialectReady); err != nil {
		return err
	}
	defer s.release()

	resp, err := s.call(ctx, protocol.DialectRequest{Dialect: uri}, s.timeouts.Dialect)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !resp.(protocol.DialectResponse).OK {
		s.state = StateStarted
		s.dialect = ""
		return s.newError(KindRejected, protocol.CommandDialect, nil, "adapter refused dialect %s", uri)
	}
	s.state = StateDialectReady
	s.dialect = uri
	return nil
}

// Run sends one case and returns the adapter's verdicts in test order.
func (s *Session) Run(ctx context.Context, seq protocol.Seq, tc suite.TestCase) (RunResult, error) {
	if err := s.acquire(protocol.CommandRun, StateDialectReady); err != nil {
		return RunResult{}, err
	}
	defer s.release()

	begin := time.Now()
	resp, err := s.call(ctx, protocol.RunRequest{Seq: seq, Case: tc}, s.timeouts.Run)
	if err != nil {
		return RunResult{}, err
	}
	elapsed := time.Since(begin)

	switch r := resp.(type) {
	case protocol.RunErroredResponse:
		if !r.Seq.Equal(seq) {
			return RunResult{}, s.fail(s.newError(KindProtocol, protocol.CommandRun, nil,
				"reply seq %s does not match request seq %s", r.Seq, seq))
		}
		errCtx := r.Context
		return RunResult{Errored: &errCtx, Elapsed: elapsed}, nil

	case protocol.RunResponse:
		if !r.Seq.Equal(seq) {
			return RunResult{}, s.fail(s.newError(KindProtocol, protocol.CommandRun, nil,
				"reply seq %s does not match request seq %s", r.Seq, seq))
		}
		if len(r.Results) != len(tc.Tests) {
			return RunResult{}, s.fail(s.newError(KindProtocol, protocol.CommandRun, nil,
				"got %d results for %d tests", len(r.Results), len(tc.Tests)))
		}
		return RunResult{Verdicts: r.Verdicts(), Elapsed: elapsed}, nil
	}
	return RunResult{}, s.fail(s.newError(KindProtocol, protocol.CommandRun, nil, "unexpected reply %T", resp))
}

// Stop asks the adapter to exit and tears down its process. Sessions that
// already crashed or timed out are left alone. Stopping twice is a
// precondition error.
func (s *Session) Stop() error {
	s.mu.Lock()
	state, busy := s.state, s.busy
	switch {
	case busy:
		s.mu.Unlock()
		return s.newError(KindPrecondition, protocol.CommandStop, nil, "a request is still in flight")
	case state == StateStopped:
		s.mu.Unlock()
		return s.newError(KindPrecondition, protocol.CommandStop, nil, "session is already stopped")
	case state.Terminal():
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	s.mu.Unlock()

	if state != StateNotStarted {
		line, err := s.codec.Encode(protocol.StopRequest{})
		if err == nil {
			err = s.transport.Send(line)
		}
		if err != nil {
			s.log.Debug("stop not delivered", "error", err)
		}
	}
	if err := s.transport.Close(s.timeouts.StopGrace); err != nil {
		return fmt.Errorf("%s: stop: %w", s.name, err)
	}
	s.log.Debug("adapter stopped")
	return nil
}

// Kill ends the adapter immediately, e.g. when the run is cancelled.
// The session becomes Stopped unless it had already failed.
func (s *Session) Kill() {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = StateStopped
	}
	s.mu.Unlock()

	if err := s.transport.Kill(); err != nil {
		s.log.Debug("kill failed", "error", err)
	}
}

func (s *Session) acquire(cmd protocol.Command, allowed ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return s.newError(KindPrecondition, cmd, nil, "a request is already in flight")
	}
	for _, st := range allowed {
		if s.state == st {
			s.busy = true
			return nil
		}
	}
	return s.newError(KindPrecondition, cmd, nil, "not allowed in state %s", s.state)
}

func (s *Session) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// call sends req and waits for its reply. A reply that is already waiting
// when the deadline fires is accepted; only strictly late replies time out.
func (s *Session) call(ctx context.Context, req protocol.Request, timeout time.Duration) (protocol.Response, error) {
	cmd := req.Command()
	lines := s.transport.Lines()

	select {
	case line, ok := <-lines:
		if !ok {
			return nil, s.fail(s.newError(KindCrash, cmd, nil, "adapter exited before %s was sent", cmd))
		}
		return nil, s.fail(s.newError(KindProtocol, cmd, nil, "unsolicited output before %s: %s", cmd, quote(line)))
	default:
	}

	frame, err := s.codec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	s.log.Debug("sending", "cmd", cmd)
	if err := s.transport.Send(frame); err != nil {
		return nil, s.fail(s.newError(KindCrash, cmd, err, "adapter stopped reading its input"))
	}

	deadline := s.after(timeout)
	select {
	case line, ok := <-lines:
		return s.decode(cmd, line, ok)
	case <-deadline:
		select {
		case line, ok := <-lines:
			return s.decode(cmd, line, ok)
		default:
		}
		return nil, s.fail(s.newError(KindTimeout, cmd, nil, "no reply within %s", timeout))
	case <-ctx.Done():
		s.Kill()
		return nil, fmt.Errorf("%s: %s aborted: %w", s.name, cmd, ctx.Err())
	}
}

func (s *Session) decode(cmd protocol.Command, line []byte, ok bool) (protocol.Response, error) {
	if !ok {
		return nil, s.fail(s.newError(KindCrash, cmd, nil, "adapter exited without replying"))
	}
	resp, err := s.codec.DecodeResponse(cmd, line)
	if err != nil {
		return nil, s.fail(s.newError(KindProtocol, cmd, err, "bad reply"))
	}
	return resp, nil
}

// fail records a fatal error, moves the session to its terminal state and
// kills the adapter.
func (s *Session) fail(err *SessionError) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return err
	}
	// A start that never answers is a failed launch, not a timed-out session.
	if err.Kind == KindTimeout && err.Command != protocol.CommandStart {
		s.state = StateTimedOut
	} else {
		s.state = StateCrashed
	}
	s.failure = err
	s.mu.Unlock()

	if killErr := s.transport.Kill(); killErr != nil {
		s.log.Debug("kill failed", "error", killErr)
	}
	// Stderr is complete only once the process is gone.
	stderr := s.transport.Stderr()
	s.mu.Lock()
	err.Stderr = stderr
	s.mu.Unlock()

	s.log.Warn("adapter session failed", "kind", err.Kind, "cmd", err.Command, "error", err.Message)
	return err
}

func (s *Session) newError(kind ErrorKind, cmd protocol.Command, cause error, format string, args ...any) *SessionError {
	return &SessionError{
		Kind:           kind,
		Implementation: s.name,
		Command:        cmd,
		Message:        fmt.Sprintf(format, args...),
		Err:            cause,
	}
}

func quote(line []byte) string {
	const limit = 200
	if len(line) > limit {
		return fmt.Sprintf("%q...", line[:limit])
	}
	return fmt.Sprintf("%q", line)
}
