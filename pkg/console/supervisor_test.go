package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc scripts a console over in-memory pipes. It prints a banner
// prompt on start and answers line-oriented commands the way msfconsole
// would, including the echo of sentinel markers.
type fakeProc struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	slowDelay time.Duration
	stubborn  bool // refuses exit and SIGTERM, dies only on Kill
	done      chan struct{}
	once      sync.Once

	signals atomic.Int32
	kills   atomic.Int32
}

func startFakeProc(p *fakeProc) *fakeProc {
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.run()
	return p
}

func newFakeProc(slowDelay time.Duration) *fakeProc {
	return startFakeProc(&fakeProc{done: make(chan struct{}), slowDelay: slowDelay})
}

func newStubbornProc() *fakeProc {
	return startFakeProc(&fakeProc{done: make(chan struct{}), stubborn: true})
}

func (p *fakeProc) run() {
	io.WriteString(p.stdoutW, "msf6 > ")
	scanner := bufio.NewScanner(p.stdinR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "version":
			io.WriteString(p.stdoutW, "Framework: 6.4.0-dev\n")
		case line == "slow":
			time.Sleep(p.slowDelay)
			io.WriteString(p.stdoutW, "late output\n")
		case line == "die":
			p.terminate()
			return
		case line == "exit":
			if p.stubborn {
				io.WriteString(p.stdoutW, "Exit blocked\n")
				continue
			}
			p.terminate()
			return
		case strings.HasPrefix(line, "echo "):
			io.WriteString(p.stdoutW, strings.TrimPrefix(line, "echo ")+"\n")
		default:
			io.WriteString(p.stdoutW, "[-] Unknown command: "+line+"\n")
		}
	}
}

func (p *fakeProc) terminate() {
	p.once.Do(func() {
		p.stdoutW.Close()
		p.stderrW.Close()
		p.stdinR.Close()
		close(p.done)
	})
}

func (p *fakeProc) Stdin() io.Writer  { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProc) Stderr() io.Reader { return p.stderrR }

func (p *fakeProc) Signal(os.Signal) error {
	p.signals.Add(1)
	if !p.stubborn {
		p.terminate()
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.kills.Add(1)
	p.terminate()
	return nil
}

func (p *fakeProc) Pid() int { return 4242 }

func (p *fakeProc) Wait() error {
	<-p.done
	return nil
}

// newFakeSupervisor wires a Supervisor to a fakeProc. The path points at
// a real binary only so executable resolution passes.
func newFakeSupervisor(t *testing.T, slowDelay time.Duration) (*Supervisor, *fakeProc) {
	t.Helper()
	s := NewSupervisor(Options{Path: "/bin/sh", StartupTimeout: 2 * time.Second})
	var proc *fakeProc
	s.startProc = func(path string, args ...string) (procIO, error) {
		proc = newFakeProc(slowDelay)
		return proc, nil
	}
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, proc
}

func TestSupervisorExecute(t *testing.T) {
	t.Parallel()

	s, _ := newFakeSupervisor(t, 0)
	out, err := s.Execute(context.Background(), "version", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Framework: 6.4.0-dev", out)

	st := s.Status()
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, 4242, st.PID)
}

func TestSupervisorSequentialCommands(t *testing.T) {
	t.Parallel()

	s, _ := newFakeSupervisor(t, 0)
	for range 3 {
		out, err := s.Execute(context.Background(), "version", 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "Framework: 6.4.0-dev", out)
	}
}

func TestSupervisorTimeoutLeavesProcessUsable(t *testing.T) {
	t.Parallel()

	s, _ := newFakeSupervisor(t, 300*time.Millisecond)

	_, err := s.Execute(context.Background(), "slow", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrCommandTimeout)
	assert.True(t, s.Running())

	// The next command waits behind the abandoned one and must not see
	// its late output.
	out, err := s.Execute(context.Background(), "version", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Framework: 6.4.0-dev", out)
	assert.NotContains(t, out, "late output")
}

func TestSupervisorProcessDeathFailsInflight(t *testing.T) {
	t.Parallel()

	s, _ := newFakeSupervisor(t, 0)
	_, err := s.Execute(context.Background(), "die", 2*time.Second)
	require.ErrorIs(t, err, ErrProcessNotRunning)

	_, err = s.Execute(context.Background(), "version", time.Second)
	assert.ErrorIs(t, err, ErrProcessNotRunning)
	assert.Equal(t, "stopped", s.Status().State)
}

func TestSupervisorStop(t *testing.T) {
	t.Parallel()

	s, proc := newFakeSupervisor(t, 0)
	require.NoError(t, s.Stop(context.Background()))

	select {
	case <-proc.done:
	default:
		t.Fatal("process still alive after Stop")
	}
	_, err := s.Execute(context.Background(), "version", time.Second)
	assert.ErrorIs(t, err, ErrProcessNotRunning)
}

func TestSupervisorStopCancelledContextEscalates(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(Options{Path: "/bin/sh", StartupTimeout: 2 * time.Second})
	var proc *fakeProc
	s.startProc = func(path string, args ...string) (procIO, error) {
		proc = newStubbornProc()
		return proc, nil
	}
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	require.NoError(t, s.Stop(ctx))
	elapsed := time.Since(start)

	// A cancelled context must skip the exit and SIGTERM grace periods
	// instead of sitting through them.
	assert.Less(t, elapsed, 2*time.Second)
	assert.EqualValues(t, 1, proc.signals.Load())
	assert.EqualValues(t, 1, proc.kills.Load())

	select {
	case <-proc.done:
	default:
		t.Fatal("process still alive after Stop")
	}
	assert.Equal(t, "stopped", s.Status().State)
}

func TestSupervisorStartTwice(t *testing.T) {
	t.Parallel()

	s, _ := newFakeSupervisor(t, 0)
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestSupervisorMissingBinary(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(Options{Path: "/nonexistent/msfconsole-test-binary"})
	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrExecutableNotFound)

	_, err = s.Execute(context.Background(), "version", time.Second)
	assert.ErrorIs(t, err, ErrProcessNotRunning)
}

func TestExtractBeforeMarker(t *testing.T) {
	t.Parallel()

	marker := "<<MSFMCP-test>>"
	tests := []struct {
		name    string
		raw     string
		want    string
		settled bool
	}{
		{
			name:    "marker absent",
			raw:     "partial output\n",
			settled: false,
		},
		{
			name:    "echoed echo line does not complete",
			raw:     "echo " + marker + "\n",
			settled: false,
		},
		{
			name:    "plain completion",
			raw:     "Framework: 6.4.0-dev\n" + marker + "\n",
			want:    "Framework: 6.4.0-dev",
			settled: true,
		},
		{
			name:    "echoed input and prompts stripped",
			raw:     "msf6 > version\nFramework: 6.4.0-dev\nmsf6 > echo " + marker + "\n" + marker + "\n",
			want:    "Framework: 6.4.0-dev",
			settled: true,
		},
		{
			name:    "marker line with prompt prefix",
			raw:     "output\nmsf6 > " + marker + "\n",
			want:    "output",
			settled: true,
		},
		{
			name:    "invalid utf8 replaced",
			raw:     "bad \xff byte\n" + marker + "\n",
			want:    "bad � byte",
			settled: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, found := extractBeforeMarker(tt.raw, marker, "version")
			assert.Equal(t, tt.settled, found)
			if tt.settled {
				assert.Equal(t, tt.want, out)
			}
		})
	}
}

func TestResolveExecutableRejectsNonExecutable(t *testing.T) {
	t.Parallel()

	path := t.TempDir() + "/plainfile"
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
	_, err := resolveExecutable(path)
	assert.True(t, errors.Is(err, ErrExecutableNotFound))
}
