package security

import (
	"sync"
	"time"
)

// defaultLogCapacity caps the in-memory event log.
const defaultLogCapacity = 1000

// recentWindow bounds the "recent" statistics in Summary.
const recentWindow = time.Hour

// Event is one retained security decision.
type Event struct {
	Time        time.Time   `json:"timestamp"`
	Action      string      `json:"action"`
	Command     string      `json:"command"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	RiskScore   int         `json:"risk_score"`
	Blocked     bool        `json:"blocked"`
}

// EventLog is a fixed-capacity ring of security events. Oldest entries are
// overwritten once the capacity is reached. Safe for concurrent use.
type EventLog struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	count int
}

// NewEventLog creates a log retaining at most capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &EventLog{buf: make([]Event, capacity)}
}

// Append records one decision.
func (l *EventLog) Append(action, command string, res Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = Event{
		Time:        time.Now(),
		Action:      action,
		Command:     command,
		ThreatLevel: res.ThreatLevel,
		RiskScore:   res.RiskScore,
		Blocked:     !res.Valid,
	}
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
}

// Snapshot returns the retained events, oldest first.
func (l *EventLog) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0, l.count)
	start := l.next - l.count
	if start < 0 {
		start += len(l.buf)
	}
	for i := range l.count {
		out = append(out, l.buf[(start+i)%len(l.buf)])
	}
	return out
}

// Summary aggregates statistics over the retained events.
type Summary struct {
	TotalEvents      int                 `json:"total_events"`
	RecentEvents     int                 `json:"recent_events_1h"`
	ThreatCounts     map[ThreatLevel]int `json:"threat_level_counts"`
	BlockedCommands  int                 `json:"blocked_commands"`
	AverageRiskScore float64             `json:"average_risk_score"`
	MaxCommandLength int                 `json:"max_command_length"`
}

// Summary computes aggregate statistics. Recent counts cover the last hour.
func (l *EventLog) Summary() Summary {
	events := l.Snapshot()
	s := Summary{
		TotalEvents:  len(events),
		ThreatCounts: make(map[ThreatLevel]int),
	}
	cutoff := time.Now().Add(-recentWindow)
	var riskSum int
	for _, e := range events {
		if e.Time.Before(cutoff) {
			continue
		}
		s.RecentEvents++
		s.ThreatCounts[e.ThreatLevel]++
		riskSum += e.RiskScore
		if e.Blocked {
			s.BlockedCommands++
		}
	}
	if s.RecentEvents > 0 {
		s.AverageRiskScore = float64(riskSum) / float64(s.RecentEvents)
	}
	return s
}
