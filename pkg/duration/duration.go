// Package duration provides canonical time constants for the entire codebase.
// This is the SINGLE SOURCE OF TRUTH for all time-based configuration.
//
// Usage:
//
//	ctx, cancel := context.WithTimeout(ctx, duration.RPCCall)
//	timeout := duration.ForCommand("search type:exploit")
//
// DO NOT use hardcoded time.Duration values like `30 * time.Second` anywhere.
// Instead, reference the appropriate constant from this package.
package duration

import (
	"strings"
	"time"
)

// ============================================================================
// CONSOLE PROCESS LIFECYCLE
// ============================================================================
//
// Use these for the persistent msfconsole subprocess.
// ============================================================================

const (
	// ConsoleStartup bounds the wait for the first msfconsole prompt (10s)
	ConsoleStartup = 10 * time.Second

	// ConsoleExit is the grace given to an `exit` command during shutdown (5s)
	ConsoleExit = 5 * time.Second

	// TermGrace is the wait after SIGTERM before escalating to SIGKILL (5s)
	TermGrace = 5 * time.Second

	// DrainPoll is the idle poll interval of the command drainer (100ms)
	DrainPoll = 100 * time.Millisecond
)

// ============================================================================
// RPC CLIENT
// ============================================================================
//
// Use these for the msfrpcd JSON-RPC transport.
// ============================================================================

const (
	// RPCCall bounds a single JSON-RPC round trip (30s)
	RPCCall = 30 * time.Second

	// RPCProbe is for cheap reachability checks (5s)
	RPCProbe = 5 * time.Second

	// RPCBusyPoll is the interval between console.read polls while the
	// remote console reports busy (250ms)
	RPCBusyPoll = 250 * time.Millisecond

	// HealthInterval is the period of the background health-check loop (30s)
	HealthInterval = 30 * time.Second

	// ReconnectDelay is the base delay between reconnection attempts (5s)
	ReconnectDelay = 5 * time.Second

	// DaemonStartup bounds the wait for a freshly spawned msfrpcd to
	// accept connections (10s)
	DaemonStartup = 10 * time.Second
)

// ============================================================================
// RETRY INTERVALS
// ============================================================================

const (
	// RetryFast is for quick retries (1s)
	RetryFast = 1 * time.Second

	// RetryStd is for standard retry delay (2s)
	RetryStd = 2 * time.Second
)

// ============================================================================
// COMMAND EXECUTION TIMEOUTS
// ============================================================================
//
// Adaptive per-command budgets. Module loading dominates most commands,
// so even trivial ones get generous defaults.
// ============================================================================

const (
	// CommandDefault is the fallback budget for unrecognized commands (75s)
	CommandDefault = 75 * time.Second

	// CommandQuick is for commands that never touch the module cache (30s)
	CommandQuick = 30 * time.Second

	// CommandSearch is for module searches (90s)
	CommandSearch = 90 * time.Second

	// CommandExploit is for exploit/run invocations (120s)
	CommandExploit = 120 * time.Second

	// PayloadGeneration bounds one msfvenom invocation (90s)
	PayloadGeneration = 90 * time.Second

	// BatchScript bounds a whole resource-script run (5min)
	BatchScript = 5 * time.Minute
)

// commandBudget pairs a command prefix with its timeout. Order matters:
// the first matching prefix wins, so more specific entries come first.
type commandBudget struct {
	prefix  string
	timeout time.Duration
}

var commandBudgets = []commandBudget{
	{"help", 45 * time.Second},
	{"db_status", CommandQuick},
	{"workspace", CommandQuick},
	{"version", CommandDefault},
	{"show", 60 * time.Second},
	{"info", CommandDefault},
	{"search", CommandSearch},
	{"use", CommandSearch},
	{"exploit", CommandExploit},
	{"run", CommandExploit},
	{"generate", CommandSearch},
}

// ForCommand returns the execution budget for a console command, matched on
// its first word. Unknown commands get CommandDefault.
func ForCommand(command string) time.Duration {
	fields := strings.Fields(strings.ToLower(command))
	if len(fields) == 0 {
		return CommandDefault
	}
	for _, b := range commandBudgets {
		if fields[0] == b.prefix {
			return b.timeout
		}
	}
	return CommandDefault
}
