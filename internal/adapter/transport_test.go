package adapter_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ihop/internal/adapter"
	"github.com/roach88/ihop/internal/logging"
	"github.com/roach88/ihop/internal/protocol"
	"github.com/roach88/ihop/internal/suite"
)

// fakeAdapterEnv makes the test binary act as an adapter instead of running
// tests; its value selects the behaviour.
const fakeAdapterEnv = "IHOP_TEST_FAKE_ADAPTER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeAdapterEnv); mode != "" {
		os.Exit(runFakeAdapter(mode))
	}
	os.Exit(m.Run())
}

func runFakeAdapter(mode string) int {
	if mode == "ignore-stop" {
		signal.Ignore(syscall.SIGTERM)
	}
	codec := protocol.MustCodec()
	out := bufio.NewWriter(os.Stdout)
	reply := func(v any) {
		line, _ := codec.Encode(v)
		_, _ = out.Write(line)
		_ = out.Flush()
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		req, err := codec.DecodeRequest(scanner.Bytes())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		switch r := req.(type) {
		case protocol.StartRequest:
			if mode == "crash-on-start" {
				fmt.Fprintln(os.Stderr, "BOOM!")
				return 1
			}
			reply(protocol.StartResponse{
				Version: protocol.Version,
				Implementation: protocol.Implementation{
					Language: "go",
					Name:     "helper",
					Dialects: []string{suite.Draft2020},
				},
			})
		case protocol.DialectRequest:
			reply(protocol.DialectResponse{OK: r.Dialect == suite.Draft2020})
		case protocol.RunRequest:
			results := make([]protocol.TestResult, len(r.Case.Tests))
			for i, test := range r.Case.Tests {
				results[i] = protocol.TestResult{Valid: string(test.Instance) != "null"}
			}
			reply(protocol.RunResponse{Seq: r.Seq, Results: results})
		case protocol.StopRequest:
			if mode == "ignore-stop" {
				time.Sleep(time.Hour)
			}
			return 0
		}
	}
	return 0
}

func helperTarget(mode string) adapter.Target {
	return adapter.Target{
		Name:    "helper-" + mode,
		Command: []string{os.Args[0]},
		Env:     map[string]string{fakeAdapterEnv: mode},
	}
}

func launch(t *testing.T, mode string) *adapter.Session {
	t.Helper()
	transport, err := adapter.ProcessLauncher{}.Launch(context.Background(), helperTarget(mode))
	require.NoError(t, err)
	s := adapter.NewSession(mode, transport,
		adapter.WithLogger(logging.Discard()),
		adapter.WithTimeouts(adapter.Timeouts{Start: 10 * time.Second, Run: 10 * time.Second, StopGrace: 200 * time.Millisecond}))
	t.Cleanup(s.Kill)
	return s
}

func TestProcessTransport_FullLifecycle(t *testing.T) {
	s := launch(t, "conforming")
	ctx := context.Background()

	identity, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, "helper", identity.Name)

	require.NoError(t, s.Dialect(ctx, suite.Draft2020))

	tc := suite.TestCase{
		Description: "nulls are invalid here",
		Schema:      json.RawMessage(`{"not":{"type":"null"}}`),
		Tests: []suite.Test{
			{Description: "null", Instance: json.RawMessage(`null`)},
			{Description: "object", Instance: json.RawMessage(`{"a":[1,2]}`), Valid: true},
		},
	}
	res, err := s.Run(ctx, protocol.IntSeq(1), tc)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, res.Verdicts)
	assert.Positive(t, res.Elapsed)

	require.NoError(t, s.Stop())
	assert.Equal(t, adapter.StateStopped, s.State())
}

func TestProcessTransport_CrashOnStartKeepsStderr(t *testing.T) {
	s := launch(t, "crash-on-start")

	_, err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, adapter.IsCrash(err))
	assert.Equal(t, adapter.StateCrashed, s.State())
	assert.Eventually(t, func() bool { return s.Stderr() == "BOOM!\n" }, 5*time.Second, 10*time.Millisecond)
}

func TestProcessTransport_KillsAdapterIgnoringStop(t *testing.T) {
	s := launch(t, "ignore-stop")

	_, err := s.Start(context.Background())
	require.NoError(t, err)

	begin := time.Now()
	require.NoError(t, s.Stop())
	assert.Less(t, time.Since(begin), 5*time.Second)
}

func TestProcessLauncher_Argv(t *testing.T) {
	l := adapter.ProcessLauncher{Runtime: "podman", Network: "none"}

	argv := l.Argv(adapter.Target{
		Name:  "go-jsonschema",
		Image: "ghcr.io/bowtie-json-schema/go-jsonschema",
		Env:   map[string]string{"B": "2", "A": "1"},
	})
	assert.Equal(t, []string{
		"podman", "run", "--rm", "--interactive", "--network", "none",
		"--env", "A=1", "--env", "B=2",
		"ghcr.io/bowtie-json-schema/go-jsonschema",
	}, argv)

	argv = adapter.ProcessLauncher{}.Argv(adapter.Target{Image: "img"})
	assert.Equal(t, []string{"docker", "run", "--rm", "--interactive", "img"}, argv)

	argv = l.Argv(adapter.Target{Command: []string{"./adapter", "--flag"}})
	assert.Equal(t, []string{"./adapter", "--flag"}, argv)
}

func TestStartProcess_EmptyCommand(t *testing.T) {
	_, err := adapter.StartProcess(nil, nil)
	require.Error(t, err)
}
