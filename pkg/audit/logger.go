package audit

import (
	"context"
	"log"
	"time"
)

// timeRound keeps logged durations readable.
const timeRound = time.Millisecond

// Compile-time interface check.
var _ Hook = (*LoggerHook)(nil)

// LoggerHook writes one-line event summaries to the process log (stderr).
// It is always registered so operators see activity without configuring
// any other sink.
type LoggerHook struct{}

// OnEvent logs a summary of the event.
func (LoggerHook) OnEvent(_ context.Context, event Event) error {
	switch e := event.(type) {
	case *CommandStartEvent:
		log.Printf("[audit] start mode=%s cmd=%q", e.Mode, e.Command)
	case *CommandResultEvent:
		log.Printf("[audit] result mode=%s status=%s dur=%s bytes=%d cmd=%q",
			e.Mode, e.Status, e.Duration.Round(timeRound), e.OutputBytes, e.Command)
	case *SecurityEvent:
		log.Printf("[audit] security action=%s level=%s score=%d blocked=%t cmd=%q",
			e.Action, e.ThreatLevel, e.RiskScore, e.Blocked, e.Command)
	case *ConnectionEvent:
		log.Printf("[audit] connection %s: %s -> %s %s", e.Component, e.From, e.To, e.Detail)
	}
	return nil
}

// EventTypes returns nil: the logger receives everything.
func (LoggerHook) EventTypes() []EventType { return nil }
