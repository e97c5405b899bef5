package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/ihop/internal/adapter"
	"github.com/roach88/ihop/internal/protocol"
	"github.com/roach88/ihop/internal/suite"
)

// Reply is what a scripted adapter does in answer to one request.
type Reply struct {
	// Lines are written to the harness in order.
	Lines []string
	// Exit closes the adapter's output after Lines.
	Exit bool
	// Delay postpones Lines (and Exit) without blocking the sender.
	Delay time.Duration
}

// Handler scripts an adapter. An empty Reply is silence.
type Handler func(req protocol.Request) Reply

// FakeAdapter is an in-memory adapter.Transport driven by a Handler.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeAdapter struct {
	handler Handler
	codec   *protocol.Codec
	stderr  string

	mu       sync.Mutex
	lines    chan []byte
	done     bool
	killed   bool
	closed   bool
	requests []protocol.Request
	pending  sync.WaitGroup
}

var _ adapter.Transport = (*FakeAdapter)(nil)

// NewFakeAdapter creates a fake whose replies come from h.
func NewFakeAdapter(h Handler) *FakeAdapter {
	return &FakeAdapter{
		handler: h,
		codec:   protocol.MustCodec(),
		lines:   make(chan []byte, 64),
	}
}

// WithStderr sets what Stderr reports.
func (f *FakeAdapter) WithStderr(s string) *FakeAdapter {
	f.stderr = s
	return f
}

// Send decodes the request, records it and schedules the scripted reply.
func (f *FakeAdapter) Send(line []byte) error {
	req, err := f.codec.DecodeRequest(line)
	if err != nil {
		return fmt.Errorf("fake adapter got an invalid request: %w", err)
	}

	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return errors.New("write |1: broken pipe")
	}
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	reply := f.handler(req)
	if reply.Delay > 0 {
		f.pending.Add(1)
		go func() {
			defer f.pending.Done()
			time.Sleep(reply.Delay)
			f.deliver(reply)
		}()
		return nil
	}
	f.deliver(reply)
	return nil
}

func (f *FakeAdapter) deliver(reply Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	for _, l := range reply.Lines {
		f.lines <- []byte(l)
	}
	if reply.Exit {
		f.finish()
	}
}

// finish closes the output. Callers hold f.mu.
func (f *FakeAdapter) finish() {
	if !f.done {
		f.done = true
		close(f.lines)
	}
}

// Lines implements adapter.Transport.
func (f *FakeAdapter) Lines() <-chan []byte {
	return f.lines
}

// Close implements adapter.Transport.
func (f *FakeAdapter) Close(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.finish()
	return nil
}

// Kill implements adapter.Transport.
func (f *FakeAdapter) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	f.finish()
	return nil
}

// Stderr implements adapter.Transport.
func (f *FakeAdapter) Stderr() string {
	return f.stderr
}

// Requests returns every request received so far.
func (f *FakeAdapter) Requests() []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Request(nil), f.requests...)
}

// Commands returns the command of every request received so far.
func (f *FakeAdapter) Commands() []protocol.Command {
	reqs := f.Requests()
	out := make([]protocol.Command, len(reqs))
	for i, r := range reqs {
		out[i] = r.Command()
	}
	return out
}

// Killed reports whether the harness killed the adapter.
func (f *FakeAdapter) Killed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

// Closed reports whether the harness shut the adapter down gracefully.
func (f *FakeAdapter) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Wait blocks until every delayed reply has been delivered or dropped.
func (f *FakeAdapter) Wait() {
	f.pending.Wait()
}

// FakeLauncher hands out pre-built fakes by target name.
type FakeLauncher struct {
	mu       sync.Mutex
	fakes    map[string]*FakeAdapter
	failures map[string]error
	launched []string
}

var _ adapter.Launcher = (*FakeLauncher)(nil)

// NewFakeLauncher creates an empty launcher.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{fakes: map[string]*FakeAdapter{}, failures: map[string]error{}}
}

// Add registers the fake to return for name.
func (l *FakeLauncher) Add(name string, f *FakeAdapter) *FakeLauncher {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fakes[name] = f
	return l
}

// Fail makes launching name return err.
func (l *FakeLauncher) Fail(name string, err error) *FakeLauncher {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[name] = err
	return l
}

// Fake returns the fake registered for name.
func (l *FakeLauncher) Fake(name string) *FakeAdapter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fakes[name]
}

// Launch implements adapter.Launcher.
func (l *FakeLauncher) Launch(ctx context.Context, target adapter.Target) (adapter.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, target.Name)
	if err, ok := l.failures[target.Name]; ok {
		return nil, err
	}
	f, ok := l.fakes[target.Name]
	if !ok {
		return nil, fmt.Errorf("no fake adapter registered for %q", target.Name)
	}
	return f, nil
}

// Launched returns target names in launch order.
func (l *FakeLauncher) Launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.launched...)
}

// Identity builds an implementation identity for a fake adapter.
// With no dialects it advertises every known dialect.
func Identity(name string, dialects ...string) protocol.Implementation {
	if len(dialects) == 0 {
		dialects = []string{suite.Draft2020, suite.Draft2019, suite.Draft7, suite.Draft6, suite.Draft4, suite.Draft3}
	}
	return protocol.Implementation{
		Language: "go",
		Name:     name,
		Version:  "v0.0.0-test",
		Dialects: dialects,
		Homepage: "https://example.com/" + name,
		OS:       "linux",
	}
}

// Verdict decides a conforming fake's answer for test i of a case.
type Verdict func(tc suite.TestCase, i int) bool

// AlwaysValid answers valid for every test.
func AlwaysValid(suite.TestCase, int) bool { return true }

// AlwaysInvalid answers invalid for every test.
func AlwaysInvalid(suite.TestCase, int) bool { return false }

// ByInstance answers valid iff the instance's JSON text is in valid.
func ByInstance(valid ...string) Verdict {
	set := make(map[string]bool, len(valid))
	for _, v := range valid {
		set[v] = true
	}
	return func(tc suite.TestCase, i int) bool {
		return set[string(tc.Tests[i].Instance)]
	}
}

// Conforming scripts a well-behaved adapter: it handshakes as impl, accepts
// every advertised dialect and answers runs with verdict.
func Conforming(impl protocol.Implementation, verdict Verdict) Handler {
	return func(req protocol.Request) Reply {
		switch r := req.(type) {
		case protocol.StartRequest:
			return replyJSON(protocol.StartResponse{Version: protocol.Version, Ready: ptr(true), Implementation: impl})
		case protocol.DialectRequest:
			return replyJSON(protocol.DialectResponse{OK: impl.Supports(r.Dialect)})
		case protocol.RunRequest:
			results := make([]protocol.TestResult, len(r.Case.Tests))
			for i := range r.Case.Tests {
				results[i] = protocol.TestResult{Valid: verdict(r.Case, i)}
			}
			return replyJSON(protocol.RunResponse{Seq: r.Seq, Results: results})
		case protocol.StopRequest:
			return Reply{Exit: true}
		}
		return Reply{}
	}
}

// Override replaces h's reply for the nth request (1-based) of kind cmd.
// n == 0 matches every such request.
func Override(h Handler, cmd protocol.Command, n int, reply func(req protocol.Request) Reply) Handler {
	var mu sync.Mutex
	seen := 0
	return func(req protocol.Request) Reply {
		if req.Command() != cmd {
			return h(req)
		}
		mu.Lock()
		seen++
		hit := n == 0 || seen == n
		mu.Unlock()
		if hit {
			return reply(req)
		}
		return h(req)
	}
}

// ErroredRun answers a run with an errored reply carrying message.
func ErroredRun(message string) func(protocol.Request) Reply {
	return func(req protocol.Request) Reply {
		run := req.(protocol.RunRequest)
		return replyJSON(protocol.RunErroredResponse{
			Seq:     run.Seq,
			Errored: true,
			Context: protocol.ErrorContext{Message: message, Traceback: "Traceback (most recent call last):\n  ..."},
		})
	}
}

// Exit closes the adapter's output without replying.
func Exit(protocol.Request) Reply { return Reply{Exit: true} }

// Hang never replies.
func Hang(protocol.Request) Reply { return Reply{} }

// Raw replies with the given lines verbatim.
func Raw(lines ...string) func(protocol.Request) Reply {
	return func(protocol.Request) Reply { return Reply{Lines: lines} }
}

// WrongSeq answers a run with a well-formed reply for a different seq.
func WrongSeq(req protocol.Request) Reply {
	run := req.(protocol.RunRequest)
	results := make([]protocol.TestResult, len(run.Case.Tests))
	return replyJSON(protocol.RunResponse{Seq: protocol.Seq(`{"not":` + run.Seq.String() + `}`), Results: results})
}

// ShortResults answers a run with one result fewer than there are tests.
func ShortResults(req protocol.Request) Reply {
	run := req.(protocol.RunRequest)
	n := len(run.Case.Tests) - 1
	if n < 0 {
		n = 0
	}
	return replyJSON(protocol.RunResponse{Seq: run.Seq, Results: make([]protocol.TestResult, n)})
}

// StartReply answers start with the given version and readiness.
func StartReply(impl protocol.Implementation, version int, ready bool) func(protocol.Request) Reply {
	return func(protocol.Request) Reply {
		return replyJSON(protocol.StartResponse{Version: version, Ready: &ready, Implementation: impl})
	}
}

// Delayed postpones another scripted reply.
func Delayed(d time.Duration, reply func(protocol.Request) Reply) func(protocol.Request) Reply {
	return func(req protocol.Request) Reply {
		r := reply(req)
		r.Delay = d
		return r
	}
}

func replyJSON(v any) Reply {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal reply: %v", err))
	}
	return Reply{Lines: []string{string(data)}}
}

func ptr[T any](v T) *T { return &v }
