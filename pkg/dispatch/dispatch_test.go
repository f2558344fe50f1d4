package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msfmcp/msfmcp/pkg/config"
	"github.com/msfmcp/msfmcp/pkg/console"
	"github.com/msfmcp/msfmcp/pkg/msfparse"
	"github.com/msfmcp/msfmcp/pkg/security"
)

const versionOutput = "Framework: 6.4.0-dev\nConsole  : 6.4.0\n"

// fakeRPC scripts the daemon transport.
type fakeRPC struct {
	connected bool
	outputs   map[string]string
	execErr   error
	createErr error

	executed  []string
	nextID    int
	destroyed []string
}

func (f *fakeRPC) Connected() bool { return f.connected }

func (f *fakeRPC) State() string {
	if f.connected {
		return "connected"
	}
	return "disconnected"
}

func (f *fakeRPC) CreateConsole(context.Context) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	return fmt.Sprintf("%d", f.nextID), nil
}

func (f *fakeRPC) DestroyConsole(_ context.Context, id string) error {
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeRPC) ExecuteConsoleCommand(_ context.Context, id, command string, _ time.Duration) (string, error) {
	f.executed = append(f.executed, command)
	if f.execErr != nil {
		return "", f.execErr
	}
	if out, ok := f.outputs[command]; ok {
		return out, nil
	}
	return versionOutput, nil
}

// fakeSup scripts the subprocess transport.
type fakeSup struct {
	running  bool
	startErr error
	execErr  error
	outputs  map[string]string
	executed []string
}

func (f *fakeSup) Running() bool { return f.running }

func (f *fakeSup) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeSup) Execute(_ context.Context, command string, _ time.Duration) (string, error) {
	f.executed = append(f.executed, command)
	if f.execErr != nil {
		return "", f.execErr
	}
	if out, ok := f.outputs[command]; ok {
		return out, nil
	}
	return versionOutput, nil
}

func (f *fakeSup) Status() console.Status {
	state := "stopped"
	if f.running {
		state = "ready"
	}
	return console.Status{State: state}
}

// fakeScript scripts the resource-script runner.
type fakeScript struct {
	res   console.ScriptResult
	err   error
	calls [][]string
}

func (f *fakeScript) Run(_ context.Context, commands []string, _ console.ScriptOptions) (console.ScriptResult, error) {
	f.calls = append(f.calls, commands)
	return f.res, f.err
}

func newTestDispatcher(rpc *fakeRPC, sup *fakeSup, script *fakeScript) *Dispatcher {
	cfg := config.Default()
	gate := security.NewGate(security.Policy{
		MaxCommandLength:  1000,
		CommandsPerSecond: 10000,
		MaxBurst:          10000,
		BlockedKeywords:   security.DefaultPolicy().BlockedKeywords,
	}, nil)
	var rt rpcTransport
	if rpc != nil {
		rt = rpc
	}
	var cr consoleRunner
	if sup != nil {
		cr = sup
	}
	var sr scriptRunner
	if script != nil {
		sr = script
	}
	return New(cfg, gate, rt, cr, sr, nil)
}

func TestExecuteSubprocessWhenDisconnected(t *testing.T) {
	t.Parallel()

	sup := &fakeSup{}
	d := newTestDispatcher(&fakeRPC{}, sup, nil)

	res := d.ExecuteCommand(context.Background(), "version", ExecOptions{})
	require.True(t, res.Success)
	assert.Equal(t, ModeSubprocess, res.Mode)
	assert.Equal(t, msfparse.TypeVersionInfo, res.Parsed.Type)
	assert.Equal(t, []string{"version"}, sup.executed)
	assert.True(t, sup.running) // started lazily
}

func TestExecuteRPCWhenConnected(t *testing.T) {
	t.Parallel()

	rpc := &fakeRPC{connected: true}
	sup := &fakeSup{}
	d := newTestDispatcher(rpc, sup, nil)

	res := d.ExecuteCommand(context.Background(), "version", ExecOptions{})
	require.True(t, res.Success)
	assert.Equal(t, ModeRPC, res.Mode)
	assert.Equal(t, []string{"version"}, rpc.executed)
	assert.Empty(t, sup.executed)
}

func TestExecuteRPCFallsBackToScript(t *testing.T) {
	t.Parallel()

	rpc := &fakeRPC{connected: true, execErr: errors.New("daemon went away")}
	script := &fakeScript{res: console.ScriptResult{Output: versionOutput}}
	d := newTestDispatcher(rpc, &fakeSup{}, script)

	res := d.ExecuteCommand(context.Background(), "version", ExecOptions{})
	require.True(t, res.Success)
	assert.Equal(t, ModeRPCFallback, res.Mode)
	require.Len(t, script.calls, 1)
	assert.Equal(t, []string{"version"}, script.calls[0])
}

// overlapRPC records how many commands are in flight per console id, so
// a test can prove one-shot executions never share a console concurrently.
type overlapRPC struct {
	mu       sync.Mutex
	inflight map[string]int
	overlaps int
	nextID   int
}

func (f *overlapRPC) Connected() bool { return true }
func (f *overlapRPC) State() string   { return "connected" }

func (f *overlapRPC) CreateConsole(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("%d", f.nextID), nil
}

func (f *overlapRPC) DestroyConsole(context.Context, string) error { return nil }

func (f *overlapRPC) ExecuteConsoleCommand(_ context.Context, id, _ string, _ time.Duration) (string, error) {
	f.mu.Lock()
	f.inflight[id]++
	if f.inflight[id] > 1 {
		f.overlaps++
	}
	f.mu.Unlock()

	// Hold the console long enough that unserialized callers would pile up.
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.inflight[id]--
	f.mu.Unlock()
	return versionOutput, nil
}

func TestConcurrentRPCCommandsSerializeOnSharedConsole(t *testing.T) {
	t.Parallel()

	rpc := &overlapRPC{inflight: make(map[string]int)}
	d := newTestDispatcher(nil, &fakeSup{}, nil)
	d.rpc = rpc

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := d.ExecuteCommand(context.Background(), "version", ExecOptions{})
			assert.True(t, res.Success)
			assert.Equal(t, ModeRPC, res.Mode)
		}()
	}
	wg.Wait()

	// Interleaved write/read on one daemon console cross-attributes
	// output between callers.
	assert.Zero(t, rpc.overlaps, "commands overlapped on a shared console")
	assert.Equal(t, 1, rpc.nextID, "one-shot calls should reuse one console")
}

func TestExecuteBlockedCommandNeverRuns(t *testing.T) {
	t.Parallel()

	sup := &fakeSup{}
	d := newTestDispatcher(nil, sup, nil)

	res := d.ExecuteCommand(context.Background(), "rm -rf /", ExecOptions{})
	assert.True(t, res.Blocked)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.BlockedReasons)
	assert.Empty(t, sup.executed)
}

func TestExecuteErrorOutputMarksFailure(t *testing.T) {
	t.Parallel()

	sup := &fakeSup{outputs: map[string]string{"bogus": "[-] Unknown command: bogus\n"}}
	d := newTestDispatcher(nil, sup, nil)

	res := d.ExecuteCommand(context.Background(), "bogus", ExecOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, msfparse.TypeError, res.Parsed.Type)
	assert.NotEmpty(t, res.Error)
}

func TestExecuteTruncatesOversizedOutput(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("A", 4096)
	sup := &fakeSup{outputs: map[string]string{"version": big}}
	d := newTestDispatcher(nil, sup, nil)
	d.cfg.Output.MaxBytes = 1024

	res := d.ExecuteCommand(context.Background(), "version", ExecOptions{})
	assert.True(t, res.Truncated)
	assert.Len(t, res.Output, 1024)
}

func TestSessionKeywordRequiresConnection(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(&fakeRPC{connected: true}, &fakeSup{}, nil)
	assert.Equal(t, ModeRPC, d.selectMode("sessions -l"))

	d2 := newTestDispatcher(&fakeRPC{}, &fakeSup{}, nil)
	assert.Equal(t, ModeSubprocess, d2.selectMode("sessions -l"))
}

func TestExecuteBatchSmallRunsSequentially(t *testing.T) {
	t.Parallel()

	sup := &fakeSup{}
	script := &fakeScript{}
	d := newTestDispatcher(nil, sup, script)

	results := d.ExecuteBatch(context.Background(), []string{"version", "db_status"}, ExecOptions{})
	require.Len(t, results, 2)
	assert.Equal(t, []string{"version", "db_status"}, sup.executed)
	assert.Empty(t, script.calls)
}

func TestExecuteBatchLargeUsesOneScript(t *testing.T) {
	t.Parallel()

	script := &fakeScript{res: console.ScriptResult{Output: "done\n"}}
	sup := &fakeSup{}
	d := newTestDispatcher(nil, sup, script)

	cmds := []string{"use exploit/multi/handler", "set LHOST 10.0.0.5", "set LPORT 4444", "run"}
	results := d.ExecuteBatch(context.Background(), cmds, ExecOptions{})
	require.Len(t, results, 1)
	assert.Equal(t, ModeResourceScript, results[0].Mode)
	require.Len(t, script.calls, 1)
	assert.Len(t, script.calls[0], 4)
	assert.Empty(t, sup.executed)
}

func TestExecuteBatchExcludesBlockedFromScript(t *testing.T) {
	t.Parallel()

	script := &fakeScript{res: console.ScriptResult{Output: "done\n"}}
	d := newTestDispatcher(nil, &fakeSup{}, script)

	cmds := []string{"version", "rm -rf /", "db_status", "workspace"}
	results := d.ExecuteBatch(context.Background(), cmds, ExecOptions{})
	require.Len(t, results, 2) // one blocked + one aggregate
	assert.True(t, results[0].Blocked)
	require.Len(t, script.calls, 1)
	assert.NotContains(t, script.calls[0], "rm -rf /")
	assert.Len(t, script.calls[0], 3)
}

func TestPersistentConsoleSubprocess(t *testing.T) {
	t.Parallel()

	sup := &fakeSup{}
	d := newTestDispatcher(&fakeRPC{}, sup, nil)

	info, err := d.GetPersistentConsole(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.ID, "rs_"))
	assert.Equal(t, ModeSubprocess, info.Mode)

	res, err := d.ExecuteInConsole(context.Background(), info.ID, "version", 0)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"version"}, sup.executed)

	reused, err := d.GetPersistentConsole(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reused.Commands)

	require.NoError(t, d.DestroyPersistentConsole(context.Background(), info.ID))
	_, err = d.ExecuteInConsole(context.Background(), info.ID, "version", 0)
	assert.ErrorIs(t, err, ErrConsoleNotFound)
}

func TestPersistentConsoleRPC(t *testing.T) {
	t.Parallel()

	rpc := &fakeRPC{connected: true}
	d := newTestDispatcher(rpc, &fakeSup{}, nil)

	info, err := d.GetPersistentConsole(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.ID, "rpc_"))

	_, err = d.ExecuteInConsole(context.Background(), info.ID, "use exploit/multi/handler", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"use exploit/multi/handler"}, rpc.executed)

	require.NoError(t, d.DestroyPersistentConsole(context.Background(), info.ID))
	assert.Len(t, rpc.destroyed, 1)
}

func TestPersistentConsoleUnknownID(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(nil, &fakeSup{}, nil)
	_, err := d.GetPersistentConsole(context.Background(), "rs_deadbeef")
	assert.ErrorIs(t, err, ErrConsoleNotFound)
}

func TestStatusAndStats(t *testing.T) {
	t.Parallel()

	sup := &fakeSup{outputs: map[string]string{"bogus": "[-] Unknown command: bogus\n"}}
	d := newTestDispatcher(&fakeRPC{}, sup, nil)

	d.ExecuteCommand(context.Background(), "version", ExecOptions{})
	d.ExecuteCommand(context.Background(), "version", ExecOptions{})
	d.ExecuteCommand(context.Background(), "bogus", ExecOptions{})
	d.ExecuteCommand(context.Background(), "rm -rf /", ExecOptions{})

	st := d.Status()
	assert.False(t, st.RPCConnected)
	assert.Equal(t, "ready", st.Console.State)
	assert.Equal(t, 4, st.Stats.Operations)
	assert.Equal(t, 2, st.Stats.Successes)
	assert.Equal(t, 1, st.Stats.Failures)
	assert.Equal(t, 1, st.Stats.Blocked)
	assert.InDelta(t, 2.0/3.0, st.Stats.SuccessRate, 0.001)
	assert.Equal(t, 7, st.Stats.StabilityRating)
	assert.Equal(t, 3, st.Stats.ByMode[ModeSubprocess])
}

func TestStabilityRating(t *testing.T) {
	t.Parallel()

	tests := []struct {
		executed int
		rate     float64
		want     int
	}{
		{0, 0, 10},
		{10, 1.0, 10},
		{10, 0.95, 10},
		{10, 0.5, 5},
		{10, 0.0, 1},
		{10, 0.04, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stabilityRating(tt.executed, tt.rate), "rate %v", tt.rate)
	}
}
