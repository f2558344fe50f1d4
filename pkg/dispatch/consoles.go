package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msfmcp/msfmcp/pkg/security"
)

// ErrConsoleNotFound means the persistent console id is unknown.
var ErrConsoleNotFound = errors.New("persistent console not found")

// ConsoleInfo describes one persistent console session.
type ConsoleInfo struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"` // rpc or subprocess
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	Commands  int       `json:"commands"`
}

// persistentConsole binds a public id to its backing transport. rpcID is
// empty for subprocess-backed sessions, which all share the supervisor
// and exist so callers can carry a session handle across calls.
type persistentConsole struct {
	info  ConsoleInfo
	rpcID string
}

// GetPersistentConsole creates or reuses a named console. An empty id
// allocates a new one: RPC-backed when the daemon is connected, otherwise
// a synthetic rs_<hex> id served by the subprocess.
func (d *Dispatcher) GetPersistentConsole(ctx context.Context, id string) (ConsoleInfo, error) {
	if id != "" {
		d.mu.Lock()
		defer d.mu.Unlock()
		pc, ok := d.consoles[id]
		if !ok {
			return ConsoleInfo{}, fmt.Errorf("%w: %s", ErrConsoleNotFound, id)
		}
		return pc.info, nil
	}

	pc := &persistentConsole{}
	now := time.Now().UTC()
	if d.rpc != nil && d.rpc.Connected() {
		rpcID, err := d.rpc.CreateConsole(ctx)
		if err != nil {
			return ConsoleInfo{}, err
		}
		pc.rpcID = rpcID
		pc.info = ConsoleInfo{ID: "rpc_" + rpcID, Mode: ModeRPC, CreatedAt: now, LastUsed: now}
	} else {
		if d.sup == nil {
			return ConsoleInfo{}, ErrNoTransport
		}
		hex := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		pc.info = ConsoleInfo{ID: "rs_" + hex, Mode: ModeSubprocess, CreatedAt: now, LastUsed: now}
	}

	d.mu.Lock()
	d.consoles[pc.info.ID] = pc
	d.mu.Unlock()
	return pc.info, nil
}

// ExecuteInConsole runs a command inside a persistent console so stateful
// sequences (use, set, run) share context across calls.
func (d *Dispatcher) ExecuteInConsole(ctx context.Context, id, command string, timeout time.Duration) (*ExecutionResult, error) {
	d.mu.Lock()
	pc, ok := d.consoles[id]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConsoleNotFound, id)
	}

	correlation := uuid.NewString()
	check := d.gate.ValidateCommand(ctx, command, security.Context{Source: "console:" + id, Correlation: correlation})
	if !check.Valid {
		d.recordStat("blocked", "", 0)
		return d.blockedResult(command, check, "command blocked by security policy"), nil
	}
	// A zero timeout lets the transport apply the adaptive budget.
	command = check.Sanitized

	start := time.Now()
	var output string
	var err error
	if pc.rpcID != "" {
		output, err = d.rpc.ExecuteConsoleCommand(ctx, pc.rpcID, command, timeout)
	} else {
		output, err = d.runSubprocess(ctx, command, timeout)
	}
	res := d.finishResult(command, pc.info.Mode, output, err, time.Since(start), check)
	d.audit(ctx, correlation, res)

	d.mu.Lock()
	pc.info.LastUsed = time.Now().UTC()
	pc.info.Commands++
	d.mu.Unlock()
	return res, nil
}

// DestroyPersistentConsole releases a persistent console. RPC-backed
// consoles are destroyed on the daemon; subprocess sessions just drop the
// handle.
func (d *Dispatcher) DestroyPersistentConsole(ctx context.Context, id string) error {
	d.mu.Lock()
	pc, ok := d.consoles[id]
	delete(d.consoles, id)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConsoleNotFound, id)
	}
	if pc.rpcID != "" && d.rpc != nil {
		return d.rpc.DestroyConsole(ctx, pc.rpcID)
	}
	return nil
}

// ListConsoles snapshots the live persistent consoles.
func (d *Dispatcher) ListConsoles() []ConsoleInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ConsoleInfo, 0, len(d.consoles))
	for _, pc := range d.consoles {
		out = append(out, pc.info)
	}
	return out
}
