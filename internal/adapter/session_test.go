package adapter_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ihop/internal/adapter"
	"github.com/roach88/ihop/internal/logging"
	"github.com/roach88/ihop/internal/protocol"
	"github.com/roach88/ihop/internal/suite"
	"github.com/roach88/ihop/internal/testutil"
)

func oneTestCase() suite.TestCase {
	return suite.TestCase{
		Description: "empty object",
		Schema:      json.RawMessage(`{}`),
		Tests:       []suite.Test{{Description: "anything", Instance: json.RawMessage(`{}`), Valid: true}},
	}
}

func twoTestCase() suite.TestCase {
	return suite.TestCase{
		Description: "integers",
		Schema:      json.RawMessage(`{"type":"integer"}`),
		Tests: []suite.Test{
			{Description: "int", Instance: json.RawMessage(`1`), Valid: true},
			{Description: "str", Instance: json.RawMessage(`"x"`), Valid: false},
		},
	}
}

func newSession(t *testing.T, h testutil.Handler, opts ...adapter.Option) (*adapter.Session, *testutil.FakeAdapter) {
	t.Helper()
	fake := testutil.NewFakeAdapter(h).WithStderr("BOOM!")
	opts = append([]adapter.Option{adapter.WithLogger(logging.Discard())}, opts...)
	return adapter.NewSession("fake", fake, opts...), fake
}

func readySession(t *testing.T, h testutil.Handler, opts ...adapter.Option) (*adapter.Session, *testutil.FakeAdapter) {
	t.Helper()
	s, fake := newSession(t, h, opts...)
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Dialect(context.Background(), suite.Draft2020))
	return s, fake
}

func TestSession_StartRecordsIdentity(t *testing.T) {
	impl := testutil.Identity("conforming")
	s, _ := newSession(t, testutil.Conforming(impl, testutil.AlwaysValid))
	assert.Equal(t, adapter.StateNotStarted, s.State())

	got, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, impl, got)
	assert.Equal(t, adapter.StateStarted, s.State())

	identity, ok := s.Identity()
	require.True(t, ok)
	assert.Equal(t, "conforming", identity.Name)
	assert.Nil(t, s.Failure())
}

func TestSession_StartWrongVersion(t *testing.T) {
	impl := testutil.Identity("v2")
	h := testutil.Override(testutil.Conforming(impl, testutil.AlwaysValid),
		protocol.CommandStart, 0, testutil.StartReply(impl, 2, true))
	s, fake := newSession(t, h)

	_, err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, adapter.IsConfig(err))
	assert.Equal(t, adapter.StateCrashed, s.State())
	assert.False(t, s.Alive())
	assert.True(t, fake.Killed())

	_, ok := s.Identity()
	assert.False(t, ok, "identity is only recorded for a successful handshake")
}

func TestSession_StartNotReady(t *testing.T) {
	impl := testutil.Identity("lazy")
	h := testutil.Override(testutil.Conforming(impl, testutil.AlwaysValid),
		protocol.CommandStart, 0, testutil.StartReply(impl, 1, false))
	s, _ := newSession(t, h)

	_, err := s.Start(context.Background())
	assert.True(t, adapter.IsConfig(err))
	assert.Equal(t, adapter.StateCrashed, s.State())
}

func TestSession_StartTimeoutIsCrash(t *testing.T) {
	h := testutil.Override(testutil.Conforming(testutil.Identity("slow"), testutil.AlwaysValid),
		protocol.CommandStart, 0, testutil.Hang)
	s, _ := newSession(t, h, adapter.WithAfter(testutil.Expired))

	_, err := s.Start(context.Background())
	assert.True(t, adapter.IsTimeout(err))
	assert.Equal(t, adapter.StateCrashed, s.State())
}

func TestSession_StartCrashCarriesStderr(t *testing.T) {
	h := testutil.Override(testutil.Conforming(testutil.Identity("dies"), testutil.AlwaysValid),
		protocol.CommandStart, 0, testutil.Exit)
	s, _ := newSession(t, h)

	_, err := s.Start(context.Background())
	require.True(t, adapter.IsCrash(err))
	assert.Equal(t, "BOOM!", s.Failure().Stderr)
}

// observingTransport reports what the session exposes while it kills the
// adapter after a failure.
type observingTransport struct {
	*testutil.FakeAdapter
	onKill func()
}

func (o *observingTransport) Kill() error {
	if o.onKill != nil {
		o.onKill()
	}
	return o.FakeAdapter.Kill()
}

func TestSession_FailureVisibleWithTerminalState(t *testing.T) {
	h := testutil.Override(testutil.Conforming(testutil.Identity("dies"), testutil.AlwaysValid),
		protocol.CommandRun, 0, testutil.Exit)
	transport := &observingTransport{FakeAdapter: testutil.NewFakeAdapter(h).WithStderr("BOOM!")}
	s := adapter.NewSession("fake", transport, adapter.WithLogger(logging.Discard()))

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Dialect(context.Background(), suite.Draft2020))

	var (
		stateDuringKill   adapter.State
		failureDuringKill *adapter.SessionError
	)
	transport.onKill = func() {
		stateDuringKill = s.State()
		failureDuringKill = s.Failure()
	}

	_, err = s.Run(context.Background(), protocol.IntSeq(1), oneTestCase())
	require.True(t, adapter.IsCrash(err))

	assert.Equal(t, adapter.StateCrashed, stateDuringKill)
	require.NotNil(t, failureDuringKill, "a terminal session always has its failure")
	assert.Equal(t, adapter.KindCrash, failureDuringKill.Kind)
	assert.Equal(t, "BOOM!", s.Failure().Stderr, "stderr is attached once the adapter is gone")
}

func TestSession_Preconditions(t *testing.T) {
	s, fake := newSession(t, testutil.Conforming(testutil.Identity("x"), testutil.AlwaysValid))

	err := s.Dialect(context.Background(), suite.Draft2020)
	assert.True(t, adapter.IsPrecondition(err))

	_, err = s.Run(context.Background(), protocol.IntSeq(1), oneTestCase())
	assert.True(t, adapter.IsPrecondition(err))

	_, err = s.Start(context.Background())
	require.NoError(t, err)

	_, err = s.Run(context.Background(), protocol.IntSeq(1), oneTestCase())
	assert.True(t, adapter.IsPrecondition(err), "run needs a dialect first")

	_, err = s.Start(context.Background())
	assert.True(t, adapter.IsPrecondition(err), "start is one-shot")

	assert.Equal(t, adapter.StateStarted, s.State(), "precondition errors leave the session alone")
	assert.Equal(t, []protocol.Command{protocol.CommandStart}, fake.Commands(), "nothing was sent for rejected calls")
}

func TestSession_DialectIsIdempotentAndSwitchable(t *testing.T) {
	impl := testutil.Identity("x", suite.Draft2020, suite.Draft7)
	s, _ := newSession(t, testutil.Conforming(impl, testutil.AlwaysValid))
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Dialect(context.Background(), suite.Draft2020))
	require.NoError(t, s.Dialect(context.Background(), suite.Draft2020))
	assert.Equal(t, adapter.StateDialectReady, s.State())

	require.NoError(t, s.Dialect(context.Background(), suite.Draft7))
	assert.Equal(t, suite.Draft7, s.CurrentDialect())
}

func TestSession_DialectRejectionIsNotFatal(t *testing.T) {
	impl := testutil.Identity("x", suite.Draft2020)
	s, _ := newSession(t, testutil.Conforming(impl, testutil.AlwaysValid))
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	err = s.Dialect(context.Background(), suite.Draft4)
	require.Error(t, err)
	assert.True(t, adapter.IsRejected(err))
	assert.True(t, s.Alive())
	assert.Equal(t, adapter.StateStarted, s.State())

	err = s.Dialect(context.Background(), suite.Draft4)
	assert.True(t, adapter.IsRejected(err), "same dialect, same answer")

	require.NoError(t, s.Dialect(context.Background(), suite.Draft2020))
	assert.Equal(t, adapter.StateDialectReady, s.State())
}

func TestSession_RunVerdicts(t *testing.T) {
	s, fake := readySession(t, testutil.Conforming(testutil.Identity("x"), testutil.ByInstance("1")))

	res, err := s.Run(context.Background(), protocol.IntSeq(7), twoTestCase())
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, res.Verdicts)
	assert.Nil(t, res.Errored)
	assert.Equal(t, adapter.StateDialectReady, s.State())

	reqs := fake.Requests()
	run := reqs[len(reqs)-1].(protocol.RunRequest)
	assert.True(t, run.Seq.Equal(protocol.IntSeq(7)))
}

func TestSession_RunOpaqueSeq(t *testing.T) {
	s, _ := readySession(t, testutil.Conforming(testutil.Identity("x"), testutil.AlwaysValid))

	res, err := s.Run(context.Background(), protocol.Seq(`{"case":3,"tag":"α"}`), oneTestCase())
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, res.Verdicts)
}

func TestSession_RunErroredKeepsSessionAlive(t *testing.T) {
	h := testutil.Override(testutil.Conforming(testutil.Identity("x"), testutil.AlwaysValid),
		protocol.CommandRun, 1, testutil.ErroredRun("boom"))
	s, _ := readySession(t, h)

	res, err := s.Run(context.Background(), protocol.IntSeq(1), twoTestCase())
	require.NoError(t, err)
	require.NotNil(t, res.Errored)
	assert.Equal(t, "boom", res.Errored.Message)
	assert.True(t, s.Alive())

	res, err = s.Run(context.Background(), protocol.IntSeq(2), twoTestCase())
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, res.Verdicts)
}

func TestSession_RunFatalFailures(t *testing.T) {
	tests := []struct {
		name   string
		reply  func(protocol.Request) testutil.Reply
		opts   []adapter.Option
		is     func(error) bool
		state  adapter.State
		stderr string
	}{
		{"wrong seq", testutil.WrongSeq, nil, adapter.IsProtocol, adapter.StateCrashed, "BOOM!"},
		{"short results", testutil.ShortResults, nil, adapter.IsProtocol, adapter.StateCrashed, "BOOM!"},
		{"not json", testutil.Raw("Traceback (most recent call last):"), nil, adapter.IsProtocol, adapter.StateCrashed, "BOOM!"},
		{"wrong shape", testutil.Raw(`{"seq":1,"results":[{"valid":"yes"},{"valid":true}]}`), nil, adapter.IsProtocol, adapter.StateCrashed, "BOOM!"},
		{"exit mid-run", testutil.Exit, nil, adapter.IsCrash, adapter.StateCrashed, "BOOM!"},
		{"hang", testutil.Hang, []adapter.Option{adapter.WithAfter(testutil.Expired)}, adapter.IsTimeout, adapter.StateTimedOut, "BOOM!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testutil.Override(testutil.Conforming(testutil.Identity("x"), testutil.AlwaysValid),
				protocol.CommandRun, 0, tt.reply)
			s, fake := readySession(t, h, tt.opts...)

			_, err := s.Run(context.Background(), protocol.IntSeq(1), twoTestCase())
			require.Error(t, err)
			assert.True(t, tt.is(err), "unexpected error: %v", err)
			assert.Equal(t, tt.state, s.State())
			assert.True(t, fake.Killed())
			require.NotNil(t, s.Failure())
			assert.Equal(t, tt.stderr, s.Failure().Stderr)

			_, err = s.Run(context.Background(), protocol.IntSeq(2), twoTestCase())
			assert.True(t, adapter.IsPrecondition(err), "dead sessions take no further requests")

			require.NoError(t, s.Stop(), "stopping a dead session is a no-op")
			assert.Equal(t, tt.state, s.State())
		})
	}
}

func TestSession_ReplyAtDeadlineIsAccepted(t *testing.T) {
	// The reply is queued before the (already expired) deadline is checked.
	s, _ := readySession(t, testutil.Conforming(testutil.Identity("x"), testutil.AlwaysValid),
		adapter.WithAfter(testutil.Expired))

	for i := 0; i < 50; i++ {
		res, err := s.Run(context.Background(), protocol.IntSeq(i), oneTestCase())
		require.NoError(t, err)
		assert.Equal(t, []bool{true}, res.Verdicts)
	}
}

func TestSession_LateReplyTimesOut(t *testing.T) {
	clock := testutil.NewManualClock()
	h := testutil.Override(testutil.Conforming(testutil.Identity("x"), testutil.AlwaysValid),
		protocol.CommandRun, 0, testutil.Delayed(time.Hour, testutil.Conforming(testutil.Identity("x"), testutil.AlwaysValid)))
	s, fake := readySession(t, h, adapter.WithAfter(clock.After))

	errs := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), protocol.IntSeq(1), oneTestCase())
		errs <- err
	}()

	require.Eventually(t, func() bool { return clock.Armed() == 3 }, time.Second, time.Millisecond)
	clock.Fire()

	err := <-errs
	assert.True(t, adapter.IsTimeout(err))
	assert.Equal(t, adapter.StateTimedOut, s.State())
	assert.True(t, fake.Killed())
}

func TestSession_UnsolicitedOutputIsProtocolViolation(t *testing.T) {
	impl := testutil.Identity("chatty")
	h := testutil.Override(testutil.Conforming(impl, testutil.AlwaysValid),
		protocol.CommandDialect, 0, func(protocol.Request) testutil.Reply {
			return testutil.Reply{Lines: []string{`{"ok":true}`, `{"ok":true}`}}
		})
	s, _ := readySession(t, h)

	_, err := s.Run(context.Background(), protocol.IntSeq(1), oneTestCase())
	assert.True(t, adapter.IsProtocol(err))
	assert.Equal(t, adapter.StateCrashed, s.State())
}

func TestSession_CancelKillsAdapter(t *testing.T) {
	h := testutil.Override(testutil.Conforming(testutil.Identity("x"), testutil.AlwaysValid),
		protocol.CommandRun, 0, testutil.Hang)
	s, fake := readySession(t, h, adapter.WithAfter(testutil.Never))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Run(ctx, protocol.IntSeq(1), oneTestCase())
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, fake.Killed())
	assert.Equal(t, adapter.StateStopped, s.State())
	assert.Nil(t, s.Failure(), "an aborted run is not the adapter's fault")
}

func TestSession_Stop(t *testing.T) {
	s, fake := readySession(t, testutil.Conforming(testutil.Identity("x"), testutil.AlwaysValid))

	require.NoError(t, s.Stop())
	assert.Equal(t, adapter.StateStopped, s.State())
	assert.True(t, fake.Closed())
	assert.Equal(t, protocol.CommandStop, fake.Commands()[len(fake.Commands())-1])

	err := s.Stop()
	assert.True(t, adapter.IsPrecondition(err), "stopped is terminal")

	_, err = s.Run(context.Background(), protocol.IntSeq(1), oneTestCase())
	assert.True(t, adapter.IsPrecondition(err))
}

func TestSession_StopBeforeStartSendsNothing(t *testing.T) {
	s, fake := newSession(t, testutil.Conforming(testutil.Identity("x"), testutil.AlwaysValid))

	require.NoError(t, s.Stop())
	assert.Empty(t, fake.Commands())
	assert.True(t, fake.Closed())
}

func TestSessionError_Message(t *testing.T) {
	err := &adapter.SessionError{
		Kind:           adapter.KindTimeout,
		Implementation: "slow",
		Command:        protocol.CommandRun,
		Message:        "no reply within 30s",
	}
	assert.Equal(t, "slow: timeout error during run: no reply within 30s", err.Error())
	assert.True(t, err.Fatal())
	assert.False(t, (&adapter.SessionError{Kind: adapter.KindRejected}).Fatal())
}

func TestSessionError_Detail(t *testing.T) {
	err := &adapter.SessionError{
		Kind:           adapter.KindProtocol,
		Implementation: "odd",
		Command:        protocol.CommandRun,
		Message:        "bad reply",
		Err:            assert.AnError,
	}
	assert.Equal(t, "bad reply: "+assert.AnError.Error(), err.Detail())
}
