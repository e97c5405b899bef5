package adapter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"
)

// Transport is a line-oriented duplex channel to one adapter.
//
// Lines delivers each line the adapter writes, without its newline, and is
// closed once the adapter's output ends. A session never has more than one
// request in flight, so implementations need not buffer deeply.
type Transport interface {
	// Send writes one newline-terminated line.
	Send(line []byte) error
	// Lines is closed when the adapter's output ends.
	Lines() <-chan []byte
	// Close ends the adapter gracefully, forcing it after grace.
	Close(grace time.Duration) error
	// Kill ends the adapter immediately.
	Kill() error
	// Stderr returns the retained tail of the adapter's diagnostics.
	Stderr() string
}

// maxLine bounds a single adapter reply. Results for a case are small, but
// some adapters echo the schema back in error contexts.
const maxLine = 64 << 20

// killWait is how long Close waits for the process to be reaped after a
// forced kill.
const killWait = 750 * time.Millisecond

// ProcessTransport runs an adapter as a child process speaking on its
// stdin and stdout.
type ProcessTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan []byte
	stderr *tailBuffer

	writeMu sync.Mutex

	quit    chan struct{}
	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

// StartProcess launches argv with env appended to the harness environment.
func StartProcess(argv []string, env []string) (*ProcessTransport, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("adapter command is empty")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open adapter stdin pipe: %w", err)
	}
	// A plain os.Pipe rather than StdoutPipe: Wait must not close the read
	// side while the last reply is still being scanned.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("open adapter stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	tail := newTailBuffer(DefaultStderrTail)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	_ = stdoutW.Close()

	p := &ProcessTransport{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan []byte, 1),
		stderr: tail,
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go p.readLoop(stdout)
	go p.wait()
	return p, nil
}

func (p *ProcessTransport) readLoop(stdout io.ReadCloser) {
	defer close(p.lines)
	defer stdout.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case p.lines <- line:
		case <-p.quit:
			return
		}
	}
}

func (p *ProcessTransport) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

// Send writes line followed by a newline if line lacks one.
func (p *ProcessTransport) Send(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	if _, err := p.stdin.Write(line); err != nil {
		return fmt.Errorf("write to adapter: %w", err)
	}
	return nil
}

// Lines implements Transport.
func (p *ProcessTransport) Lines() <-chan []byte {
	return p.lines
}

// Stderr implements Transport.
func (p *ProcessTransport) Stderr() string {
	return p.stderr.String()
}

// Close closes stdin and asks the process to terminate, then kills it if it
// is still running after grace. A non-zero exit is not an error.
func (p *ProcessTransport) Close(grace time.Duration) error {
	p.shutdown()

	select {
	case <-p.exited:
		return nil
	default:
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	}
	return p.Kill()
}

func (p *ProcessTransport) shutdown() {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		close(p.quit)
	})
}

// Kill implements Transport.
func (p *ProcessTransport) Kill() error {
	p.shutdown()
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill adapter: %w", err)
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(killWait):
		return errors.New("adapter did not exit after kill")
	}
}

// Exited is closed once the process has been reaped.
func (p *ProcessTransport) Exited() <-chan struct{} {
	return p.exited
}

// ExitErr returns the process's wait error. Only valid after Exited is closed.
func (p *ProcessTransport) ExitErr() error {
	return p.waitErr
}

// Launcher turns a Target into a running Transport.
type Launcher interface {
	Launch(ctx context.Context, target Target) (Transport, error)
}

// Target describes how to run one implementation's adapter. Exactly one of
// Image or Command is set.
type Target struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
}

// ProcessLauncher starts adapters as local processes, wrapping images in a
// container runtime invocation.
type ProcessLauncher struct {
	// Runtime is the container CLI, e.g. "docker" or "podman".
	Runtime string
	// Network is passed to --network; empty leaves the runtime default.
	Network string
}

// Argv returns the command line used for target.
func (l ProcessLauncher) Argv(target Target) []string {
	if len(target.Command) > 0 {
		return append([]string(nil), target.Command...)
	}

	runtime := l.Runtime
	if runtime == "" {
		runtime = "docker"
	}
	argv := []string{runtime, "run", "--rm", "--interactive"}
	if l.Network != "" {
		argv = append(argv, "--network", l.Network)
	}
	for _, kv := range envList(target.Env) {
		argv = append(argv, "--env", kv)
	}
	return append(argv, target.Image)
}

// Launch implements Launcher. The context only bounds the launch itself;
// the adapter outlives it.
func (l ProcessLauncher) Launch(ctx context.Context, target Target) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var env []string
	if len(target.Command) > 0 {
		env = envList(target.Env)
	}
	return StartProcess(l.Argv(target), env)
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}
