// Package audit defines the audit event model and the dispatcher that routes
// events to sinks. Every command execution, security decision, and connection
// state change flows through here, decoupling the engine from the JSONL
// trail, Prometheus metrics, and OTLP traces that consume them.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies an audit event.
type EventType string

const (
	// EventTypeCommandStart marks a console command entering execution.
	EventTypeCommandStart EventType = "command_start"
	// EventTypeCommandResult marks a console command finishing.
	EventTypeCommandResult EventType = "command_result"
	// EventTypeSecurity marks a validation-gate decision.
	EventTypeSecurity EventType = "security"
	// EventTypeConnection marks a transport state transition.
	EventTypeConnection EventType = "connection"
)

// Event is the base interface for all audit events.
type Event interface {
	EventType() EventType
	Timestamp() time.Time
	CorrelationID() string
}

// BaseEvent contains common fields and is embedded in concrete events.
type BaseEvent struct {
	Type        EventType `json:"type"`
	Time        time.Time `json:"timestamp"`
	Correlation string    `json:"correlation_id,omitempty"`
}

// EventType returns the type of this event.
func (e BaseEvent) EventType() EventType { return e.Type }

// Timestamp returns when the event occurred.
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// CorrelationID links start/result pairs for one execution.
func (e BaseEvent) CorrelationID() string { return e.Correlation }

// NewBase stamps a BaseEvent with the current time. An empty correlation id
// gets a fresh UUID.
func NewBase(t EventType, correlation string) BaseEvent {
	if correlation == "" {
		correlation = uuid.NewString()
	}
	return BaseEvent{Type: t, Time: time.Now().UTC(), Correlation: correlation}
}

// maxLoggedCommand caps how much of a command the audit trail retains.
const maxLoggedCommand = 200

// TruncateCommand shortens a command for audit storage.
func TruncateCommand(command string) string {
	if len(command) <= maxLoggedCommand {
		return command
	}
	return command[:maxLoggedCommand] + "..."
}

// CommandStartEvent records a command entering execution.
type CommandStartEvent struct {
	BaseEvent
	Command string `json:"command"`
	Mode    string `json:"mode"`
	Source  string `json:"source,omitempty"` // tool or CLI entry point
}

// CommandResultEvent records a finished command.
type CommandResultEvent struct {
	BaseEvent
	Command     string        `json:"command"`
	Mode        string        `json:"mode"`
	Status      string        `json:"status"` // success, error, timeout, blocked
	Duration    time.Duration `json:"duration_ns"`
	OutputBytes int           `json:"output_bytes"`
	Error       string        `json:"error,omitempty"`
}

// SecurityEvent records a validation-gate decision. Blocked commands are
// recorded with Blocked=true rather than being silently dropped.
type SecurityEvent struct {
	BaseEvent
	Action      string   `json:"action"` // blocked, flagged, sanitized, rate_limited
	Command     string   `json:"command"`
	ThreatLevel string   `json:"threat_level"`
	RiskScore   int      `json:"risk_score"`
	Blocked     bool     `json:"blocked"`
	Reasons     []string `json:"reasons,omitempty"`
}

// ConnectionEvent records a transport state transition.
type ConnectionEvent struct {
	BaseEvent
	Component string `json:"component"` // rpc, console
	From      string `json:"from"`
	To        string `json:"to"`
	Detail    string `json:"detail,omitempty"`
}
