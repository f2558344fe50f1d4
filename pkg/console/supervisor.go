// Package console owns the persistent msfconsole subprocess. A Supervisor
// serializes command submission over the process's stdin, detects command
// completion with per-command sentinel markers, and survives command
// timeouts without killing the process. Batch execution via one-shot
// resource scripts lives in ResourceRunner.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/msfmcp/msfmcp/pkg/audit"
	"github.com/msfmcp/msfmcp/pkg/duration"
)

// State is the supervisor lifecycle state.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateBusy
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// promptRe recognizes the console prompt at the end of accumulated output.
// Used only for the initial readiness wait; command completion relies on
// sentinel markers.
var promptRe = regexp.MustCompile(`msf\w*[^>\n]*>\s*$`)

// promptLine matches a line that is nothing but a prompt.
var promptLine = regexp.MustCompile(`^\s*msf\w*[^>\n]*>\s*$`)

// maxIdleBuffer bounds output retained while no command is in flight.
const maxIdleBuffer = 64 * 1024

// Options configures a Supervisor.
type Options struct {
	// Path to the msfconsole binary.
	Path string

	// Args passed to the binary. Defaults to quiet non-interactive flags.
	Args []string

	// StartupTimeout bounds the wait for the first prompt. Expiry degrades
	// to ready with a warning rather than failing.
	StartupTimeout time.Duration

	// QueueDepth is the pending-command queue size.
	QueueDepth int

	// Sink receives connection state transitions. May be nil.
	Sink *audit.Dispatcher
}

// response carries a finished command back to Execute.
type response struct {
	output string
	err    error
}

// request is one queued command. The collector delivers exactly once; a
// request abandoned by timeout still settles so ordering is preserved.
type request struct {
	command   string
	marker    string
	resp      chan response
	settled   chan struct{}
	abandoned atomic.Bool
	once      sync.Once
}

func newRequest(command string) *request {
	return &request{
		command: command,
		marker:  fmt.Sprintf("<<MSFMCP-%s>>", uuid.NewString()),
		resp:    make(chan response, 1),
		settled: make(chan struct{}),
	}
}

func (r *request) deliver(output string, err error) {
	r.once.Do(func() {
		r.resp <- response{output: output, err: err}
		close(r.settled)
	})
}

// Supervisor manages one external console process. At most one live
// process per instance; all command submission is serialized against it.
type Supervisor struct {
	opts      Options
	startProc func(path string, args ...string) (procIO, error)

	mu        sync.Mutex
	state     State
	proc      procIO
	startedAt time.Time

	queue    chan *request
	inflight chan *request
	chunks   chan string
	ready    chan struct{}
	died     chan struct{}
	wg       sync.WaitGroup

	readyOnce sync.Once
}

// NewSupervisor builds a supervisor. The process is not spawned until
// Start.
func NewSupervisor(opts Options) *Supervisor {
	if len(opts.Args) == 0 {
		opts.Args = []string{"-q", "-n"}
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = duration.ConsoleStartup
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 16
	}
	return &Supervisor{
		opts:      opts,
		startProc: startExecProc,
		state:     StateNotStarted,
	}
}

// Start spawns the subprocess and waits for the first prompt. A prompt
// that never arrives within StartupTimeout degrades to ready with a
// warning; the sentinel protocol does not depend on it.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotStarted && s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	path, err := resolveExecutable(s.opts.Path)
	if err != nil {
		s.setState(StateStopped)
		return err
	}

	proc, err := s.startProc(path, s.opts.Args...)
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("%w: %v", ErrProcessSpawn, err)
	}

	s.mu.Lock()
	s.proc = proc
	s.startedAt = time.Now()
	s.queue = make(chan *request, s.opts.QueueDepth)
	s.inflight = make(chan *request)
	s.chunks = make(chan string, 8)
	s.ready = make(chan struct{})
	s.died = make(chan struct{})
	s.readyOnce = sync.Once{}
	s.mu.Unlock()

	s.wg.Add(4)
	go s.pumpStdout(proc.Stdout())
	go s.pumpStderr(proc.Stderr())
	go s.collect()
	go s.drain(proc.Stdin())

	log.Printf("[console] started pid=%d path=%s", proc.Pid(), path)

	select {
	case <-s.ready:
	case <-s.died:
		return fmt.Errorf("%w: process exited during startup", ErrProcessSpawn)
	case <-time.After(s.opts.StartupTimeout):
		log.Printf("[console] no prompt within %s, continuing anyway", s.opts.StartupTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	s.setState(StateReady)
	return nil
}

// Execute queues a command and waits for its output. A zero timeout means
// the adaptive per-command budget. On timeout the process is left running
// and the command's eventual output is discarded by marker mismatch.
func (s *Supervisor) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	st := s.state
	queue, died := s.queue, s.died
	s.mu.Unlock()
	if queue == nil || st != StateReady && st != StateBusy {
		return "", fmt.Errorf("%w: state %s", ErrProcessNotRunning, st)
	}

	if timeout <= 0 {
		timeout = duration.ForCommand(command)
	}

	req := newRequest(command)
	select {
	case queue <- req:
	case <-died:
		return "", ErrProcessNotRunning
	case <-ctx.Done():
		return "", ctx.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-req.resp:
		return resp.output, resp.err
	case <-timer.C:
		req.abandoned.Store(true)
		return "", fmt.Errorf("%w after %s: %s", ErrCommandTimeout, timeout, audit.TruncateCommand(command))
	case <-ctx.Done():
		req.abandoned.Store(true)
		return "", ctx.Err()
	}
}

// Stop shuts the process down with escalation: a polite exit command, then
// SIGTERM, then SIGKILL.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateNotStarted || s.state == StateStopped || s.state == StateStopping {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateStopping)
	proc := s.proc
	s.mu.Unlock()

	// Polite phase. Dropped silently if the queue is full. A cancelled
	// context collapses the grace periods so escalation jumps straight
	// to the harder signals.
	exitReq := newRequest("exit")
	select {
	case s.queue <- exitReq:
	default:
	}
	if s.waitDied(ctx, duration.ConsoleExit) {
		_ = proc.Wait()
		return nil
	}

	log.Printf("[console] exit ignored, sending SIGTERM")
	_ = proc.Signal(syscall.SIGTERM)
	if s.waitDied(ctx, duration.TermGrace) {
		_ = proc.Wait()
		return nil
	}

	log.Printf("[console] SIGTERM ignored, killing")
	_ = proc.Kill()
	// The kill wait ignores cancellation: the reap must finish or the
	// child leaks as a zombie.
	if !s.waitDied(context.Background(), duration.TermGrace) {
		return fmt.Errorf("console process refused to die")
	}
	_ = proc.Wait()
	return nil
}

func (s *Supervisor) waitDied(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.died:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// Status reports the current lifecycle state.
type Status struct {
	State         string  `json:"state"`
	PID           int     `json:"pid,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	QueueDepth    int     `json:"queue_depth"`
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state.String()}
	if s.proc != nil && (s.state == StateReady || s.state == StateBusy) {
		st.PID = s.proc.Pid()
		st.UptimeSeconds = time.Since(s.startedAt).Seconds()
	}
	if s.queue != nil {
		st.QueueDepth = len(s.queue)
	}
	return st
}

// Running reports whether commands can currently be submitted.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady || s.state == StateBusy
}

// ---------------------------------------------------------------------------
// Background goroutines
// ---------------------------------------------------------------------------

// pumpStdout moves raw output into the collector's channel.
func (s *Supervisor) pumpStdout(r io.Reader) {
	defer s.wg.Done()
	defer close(s.chunks)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.chunks <- string(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// pumpStderr logs diagnostic lines.
func (s *Supervisor) pumpStderr(r io.Reader) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Printf("[console] stderr: %s", scanner.Text())
	}
}

// collect accumulates stdout and detects command completion. It is the
// only goroutine that touches the accumulation buffer: the in-flight
// request arrives over a channel, so there is no shared mutable state.
func (s *Supervisor) collect() {
	defer s.wg.Done()
	var buf strings.Builder
	var cur *request
	for {
		select {
		case req := <-s.inflight:
			// Anything buffered belongs to an earlier, possibly
			// abandoned command. Discard it.
			buf.Reset()
			cur = req

		case text, ok := <-s.chunks:
			if !ok {
				if cur != nil {
					cur.deliver("", ErrProcessNotRunning)
				}
				s.setState(StateStopped)
				close(s.died)
				return
			}
			buf.WriteString(text)

			if cur == nil {
				if promptRe.MatchString(buf.String()) {
					s.readyOnce.Do(func() { close(s.ready) })
				}
				if buf.Len() > maxIdleBuffer {
					tail := buf.String()[buf.Len()-maxIdleBuffer/2:]
					buf.Reset()
					buf.WriteString(tail)
				}
				continue
			}

			if out, found := extractBeforeMarker(buf.String(), cur.marker, cur.command); found {
				if cur.abandoned.Load() {
					log.Printf("[console] discarding output of abandoned command: %s", audit.TruncateCommand(cur.command))
				}
				cur.deliver(out, nil)
				cur = nil
				buf.Reset()
			}
		}
	}
}

// drain owns stdin. One command is in flight at a time; the next is not
// written until the previous settles, even if its caller already gave up.
func (s *Supervisor) drain(stdin io.Writer) {
	defer s.wg.Done()
	for {
		select {
		case <-s.died:
			s.failPending()
			return
		case req := <-s.queue:
			select {
			case s.inflight <- req:
			case <-s.died:
				req.deliver("", ErrProcessNotRunning)
				s.failPending()
				return
			}
			s.setStateRunning(StateBusy)

			if _, err := fmt.Fprintf(stdin, "%s\necho %s\n", req.command, req.marker); err != nil {
				log.Printf("[console] stdin write failed: %v", err)
				// The process is going down; the collector settles the
				// request when stdout closes.
			}

			select {
			case <-req.settled:
			case <-s.died:
			}
			s.setStateRunning(StateReady)
		}
	}
}

// failPending drains the queue after process death.
func (s *Supervisor) failPending() {
	for {
		select {
		case req := <-s.queue:
			req.deliver("", ErrProcessNotRunning)
		default:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// State + output helpers
// ---------------------------------------------------------------------------

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	s.setStateLocked(next)
	s.mu.Unlock()
}

// setStateRunning transitions only while the supervisor is live, so Busy
// and Ready never overwrite Stopping or Stopped.
func (s *Supervisor) setStateRunning(next State) {
	s.mu.Lock()
	if s.state == StateReady || s.state == StateBusy {
		s.setStateLocked(next)
	}
	s.mu.Unlock()
}

func (s *Supervisor) setStateLocked(next State) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	if s.opts.Sink != nil {
		s.opts.Sink.Dispatch(context.Background(), &audit.ConnectionEvent{
			BaseEvent: audit.NewBase(audit.EventTypeConnection, ""),
			Component: "console",
			From:      prev.String(),
			To:        next.String(),
		})
	}
}

// extractBeforeMarker looks for the sentinel line in raw output. When
// found, it returns everything before it minus echoed input and bare
// prompt lines, decoded best-effort to valid UTF-8.
func extractBeforeMarker(raw, marker, command string) (string, bool) {
	lines := strings.Split(raw, "\n")
	markerIdx := -1
	for i, line := range lines {
		if strings.TrimSpace(stripPromptPrefix(line)) == marker {
			markerIdx = i
			break
		}
	}
	if markerIdx == -1 {
		return "", false
	}

	var out []string
	for _, line := range lines[:markerIdx] {
		t := strings.TrimSpace(stripPromptPrefix(line))
		if strings.Contains(t, marker) {
			continue // echoed `echo <marker>` input
		}
		if t == command {
			continue // echoed command input
		}
		if promptLine.MatchString(line) {
			continue
		}
		out = append(out, line)
	}
	text := strings.TrimRight(strings.Join(out, "\n"), " \t\n")
	return strings.ToValidUTF8(text, "�"), true
}

var promptPrefixRe = regexp.MustCompile(`^\s*msf\w*[^>\n]*>\s?`)

func stripPromptPrefix(line string) string {
	return promptPrefixRe.ReplaceAllString(line, "")
}
