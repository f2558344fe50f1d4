// Package dispatch presents one execution API over the two Metasploit
// transports: the msfrpcd JSON-RPC daemon and the persistent msfconsole
// subprocess. Mode selection is deterministic; RPC failures fall back to
// a one-shot resource script exactly once per call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msfmcp/msfmcp/pkg/audit"
	"github.com/msfmcp/msfmcp/pkg/config"
	"github.com/msfmcp/msfmcp/pkg/console"
	"github.com/msfmcp/msfmcp/pkg/duration"
	"github.com/msfmcp/msfmcp/pkg/msfparse"
	"github.com/msfmcp/msfmcp/pkg/msfrpc"
	"github.com/msfmcp/msfmcp/pkg/security"
)

// Execution modes recorded on every result.
const (
	ModeRPC            = "rpc"
	ModeSubprocess     = "subprocess"
	ModeResourceScript = "resource_script"
	ModeRPCFallback    = "resource_script_fallback"
)

// batchThreshold is the batch size above which commands are concatenated
// into one resource script instead of run individually.
const batchThreshold = 3

// sessionKeywords force RPC mode when connected; interactive session
// state only exists on the daemon side.
var sessionKeywords = []string{"sessions", "interact", "shell", "meterpreter"}

// ErrNoTransport means neither the RPC daemon nor the subprocess console
// could service the call.
var ErrNoTransport = errors.New("no execution transport available")

// rpcTransport is the daemon-side surface the dispatcher needs.
type rpcTransport interface {
	Connected() bool
	State() string
	CreateConsole(ctx context.Context) (string, error)
	DestroyConsole(ctx context.Context, id string) error
	ExecuteConsoleCommand(ctx context.Context, id, command string, timeout time.Duration) (string, error)
}

// consoleRunner is the persistent-subprocess surface.
type consoleRunner interface {
	Running() bool
	Start(ctx context.Context) error
	Execute(ctx context.Context, command string, timeout time.Duration) (string, error)
	Status() console.Status
}

// scriptRunner executes one-shot resource scripts.
type scriptRunner interface {
	Run(ctx context.Context, commands []string, opts console.ScriptOptions) (console.ScriptResult, error)
}

var (
	_ rpcTransport  = (*msfrpc.Client)(nil)
	_ consoleRunner = (*console.Supervisor)(nil)
	_ scriptRunner  = (*console.ResourceRunner)(nil)
)

// ExecutionResult is what every execution path returns.
type ExecutionResult struct {
	Command        string                `json:"command"`
	Mode           string                `json:"mode_used"`
	Success        bool                  `json:"success"`
	Output         string                `json:"output"`
	Parsed         msfparse.ParsedOutput `json:"parsed"`
	Truncated      bool                  `json:"truncated,omitempty"`
	DurationMS     int64                 `json:"duration_ms"`
	Error          string                `json:"error,omitempty"`
	Blocked        bool                  `json:"blocked,omitempty"`
	BlockedReasons []string              `json:"blocked_reasons,omitempty"`
	ThreatLevel    string                `json:"threat_level,omitempty"`
	RiskScore      int                   `json:"risk_score,omitempty"`
}

// ExecOptions tune one execution.
type ExecOptions struct {
	Timeout   time.Duration // zero means the adaptive per-command budget
	Workspace string
	Source    string // tool or CLI entry point, for the audit trail
}

// Dispatcher routes commands. Safe for concurrent use.
type Dispatcher struct {
	cfg    *config.Config
	gate   *security.Gate
	parser *msfparse.Parser
	rpc    rpcTransport
	sup    consoleRunner
	script scriptRunner
	sink   *audit.Dispatcher

	mu       sync.Mutex
	stats    Stats
	consoles map[string]*persistentConsole

	execMu      sync.Mutex // serializes one-shot commands on the shared daemon console
	execConsole string     // lazily created, guarded by execMu
}

// New wires a dispatcher. rpc and script may be nil when that transport
// is not configured.
func New(cfg *config.Config, gate *security.Gate, rpc rpcTransport, sup consoleRunner, script scriptRunner, sink *audit.Dispatcher) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		gate:     gate,
		parser:   msfparse.New(),
		rpc:      rpc,
		sup:      sup,
		script:   script,
		sink:     sink,
		consoles: make(map[string]*persistentConsole),
	}
}

// selectMode applies the priority policy: session keywords pin RPC when
// connected, otherwise RPC when connected, otherwise the subprocess.
func (d *Dispatcher) selectMode(command string) string {
	connected := d.rpc != nil && d.rpc.Connected()
	lower := strings.ToLower(command)
	for _, kw := range sessionKeywords {
		if strings.Contains(lower, kw) && connected {
			return ModeRPC
		}
	}
	if connected {
		return ModeRPC
	}
	return ModeSubprocess
}

// ExecuteCommand validates, routes, executes, and parses one command.
func (d *Dispatcher) ExecuteCommand(ctx context.Context, command string, opts ExecOptions) *ExecutionResult {
	correlation := uuid.NewString()
	vctx := security.Context{Workspace: opts.Workspace, Source: opts.Source, Correlation: correlation}

	if !d.gate.Allow(ctx, command, vctx) {
		return d.blockedResult(command, security.Result{
			BlockedReasons: []string{"command rate limit exceeded"},
		}, "rate limit exceeded")
	}
	check := d.gate.ValidateCommand(ctx, command, vctx)
	if !check.Valid {
		d.recordStat("blocked", "", 0)
		return d.blockedResult(command, check, "command blocked by security policy")
	}
	command = check.Sanitized

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = duration.ForCommand(command)
	}
	mode := d.selectMode(command)

	if d.sink != nil {
		d.sink.Dispatch(ctx, &audit.CommandStartEvent{
			BaseEvent: audit.NewBase(audit.EventTypeCommandStart, correlation),
			Command:   audit.TruncateCommand(command),
			Mode:      mode,
			Source:    opts.Source,
		})
	}

	start := time.Now()
	output, err := d.runMode(ctx, mode, command, timeout, opts)
	if err != nil && mode == ModeRPC && d.script != nil {
		log.Printf("[dispatch] rpc execution failed (%v), falling back to resource script", err)
		mode = ModeRPCFallback
		output, err = d.runScript(ctx, []string{command}, opts, timeout)
	}
	elapsed := time.Since(start)

	res := d.finishResult(command, mode, output, err, elapsed, check)
	d.audit(ctx, correlation, res)
	return res
}

// runMode executes on the selected transport.
func (d *Dispatcher) runMode(ctx context.Context, mode, command string, timeout time.Duration, opts ExecOptions) (string, error) {
	switch mode {
	case ModeRPC:
		return d.runRPC(ctx, command, timeout)
	case ModeSubprocess:
		return d.runSubprocess(ctx, command, timeout)
	default:
		return d.runScript(ctx, []string{command}, opts, timeout)
	}
}

// runRPC executes on a lazily created daemon console that is reused
// across one-shot calls. The console's write/read cycle carries no
// correlation of its own, so concurrent commands on it would consume
// each other's output; execMu keeps one command in flight at a time,
// the same discipline the subprocess queue enforces.
func (d *Dispatcher) runRPC(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if d.rpc == nil || !d.rpc.Connected() {
		return "", msfrpc.ErrNotConnected
	}
	d.execMu.Lock()
	defer d.execMu.Unlock()

	id := d.execConsole
	if id == "" {
		created, err := d.rpc.CreateConsole(ctx)
		if err != nil {
			return "", err
		}
		d.execConsole = created
		id = created
	}

	out, err := d.rpc.ExecuteConsoleCommand(ctx, id, command, timeout)
	if err != nil && !errors.Is(err, msfrpc.ErrConsoleTimeout) {
		// The console may be gone on the daemon side; drop it so the
		// next call allocates a fresh one.
		d.execConsole = ""
	}
	return out, err
}

func (d *Dispatcher) runSubprocess(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if d.sup == nil {
		return "", ErrNoTransport
	}
	if !d.sup.Running() {
		if err := d.sup.Start(ctx); err != nil && !errors.Is(err, console.ErrAlreadyStarted) {
			return "", err
		}
	}
	return d.sup.Execute(ctx, command, timeout)
}

func (d *Dispatcher) runScript(ctx context.Context, commands []string, opts ExecOptions, timeout time.Duration) (string, error) {
	if d.script == nil {
		return "", ErrNoTransport
	}
	res, err := d.script.Run(ctx, commands, console.ScriptOptions{
		Workspace: d.workspace(opts),
		Timeout:   timeout,
	})
	if err != nil {
		return res.Output, err
	}
	if !d.gate.ValidateResult(res.ExitCode, res.Stderr) {
		return res.Output, fmt.Errorf("resource script failed with exit code %d", res.ExitCode)
	}
	return res.Output, nil
}

func (d *Dispatcher) workspace(opts ExecOptions) string {
	if opts.Workspace != "" {
		return opts.Workspace
	}
	return d.cfg.Workspace
}

// finishResult parses, truncates, and books the outcome.
func (d *Dispatcher) finishResult(command, mode, output string, err error, elapsed time.Duration, check security.Result) *ExecutionResult {
	res := &ExecutionResult{
		Command:     command,
		Mode:        mode,
		Output:      output,
		DurationMS:  elapsed.Milliseconds(),
		ThreatLevel: string(check.ThreatLevel),
		RiskScore:   check.RiskScore,
	}
	if max := d.cfg.Output.MaxBytes; max > 0 && len(res.Output) > max {
		res.Output = res.Output[:max]
		res.Truncated = true
	}
	res.Parsed = d.parser.Parse(res.Output)

	status := "success"
	switch {
	case err == nil:
		res.Success = res.Parsed.Type != msfparse.TypeError
		if !res.Success {
			status = "error"
			res.Error = res.Parsed.ErrorMessage
		}
	case errors.Is(err, console.ErrCommandTimeout) || errors.Is(err, msfrpc.ErrConsoleTimeout):
		status = "timeout"
		res.Error = err.Error()
	default:
		status = "error"
		res.Error = err.Error()
	}
	d.recordStat(status, mode, elapsed)
	return res
}

func (d *Dispatcher) blockedResult(command string, check security.Result, msg string) *ExecutionResult {
	return &ExecutionResult{
		Command:        command,
		Success:        false,
		Blocked:        true,
		Error:          msg,
		BlockedReasons: check.BlockedReasons,
		ThreatLevel:    string(check.ThreatLevel),
		RiskScore:      check.RiskScore,
	}
}

func (d *Dispatcher) audit(ctx context.Context, correlation string, res *ExecutionResult) {
	if d.sink == nil {
		return
	}
	status := "success"
	switch {
	case res.Blocked:
		status = "blocked"
	case !res.Success:
		status = "error"
	}
	d.sink.Dispatch(ctx, &audit.CommandResultEvent{
		BaseEvent:   audit.NewBase(audit.EventTypeCommandResult, correlation),
		Command:     audit.TruncateCommand(res.Command),
		Mode:        res.Mode,
		Status:      status,
		Duration:    time.Duration(res.DurationMS) * time.Millisecond,
		OutputBytes: len(res.Output),
		Error:       res.Error,
	})
}

// ExecuteBatch runs commands in order. Large batches go through a single
// resource script when one is available; that path yields one aggregate
// result for the script run (plus individual blocked results), since the
// console does not delimit per-command output in a script.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, commands []string, opts ExecOptions) []*ExecutionResult {
	if len(commands) == 0 {
		return nil
	}
	if len(commands) <= batchThreshold || d.script == nil {
		results := make([]*ExecutionResult, 0, len(commands))
		for _, cmd := range commands {
			results = append(results, d.ExecuteCommand(ctx, cmd, opts))
		}
		return results
	}

	var results []*ExecutionResult
	var allowed []string
	for _, cmd := range commands {
		check := d.gate.ValidateCommand(ctx, cmd, security.Context{Workspace: d.workspace(opts), Source: opts.Source})
		if !check.Valid {
			d.recordStat("blocked", "", 0)
			results = append(results, d.blockedResult(cmd, check, "command blocked by security policy"))
			continue
		}
		allowed = append(allowed, check.Sanitized)
	}
	if len(allowed) == 0 {
		return results
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = duration.BatchScript
	}
	start := time.Now()
	output, err := d.runScript(ctx, allowed, opts, timeout)
	res := d.finishResult(strings.Join(allowed, "; "), ModeResourceScript, output, err, time.Since(start), security.Result{Valid: true, ThreatLevel: security.ThreatLow})
	d.audit(ctx, uuid.NewString(), res)
	return append(results, res)
}
