package dispatch

import (
	"math"
	"time"

	"github.com/msfmcp/msfmcp/pkg/console"
)

// Stats accumulates execution counters. Guarded by the dispatcher mutex.
type Stats struct {
	Operations    int
	Successes     int
	Failures      int
	Timeouts      int
	Blocked       int
	ByMode        map[string]int
	TotalDuration time.Duration
}

func (d *Dispatcher) recordStat(status, mode string, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stats.ByMode == nil {
		d.stats.ByMode = make(map[string]int)
	}
	d.stats.Operations++
	d.stats.TotalDuration += elapsed
	if mode != "" {
		d.stats.ByMode[mode]++
	}
	switch status {
	case "success":
		d.stats.Successes++
	case "timeout":
		d.stats.Timeouts++
		d.stats.Failures++
	case "blocked":
		d.stats.Blocked++
	default:
		d.stats.Failures++
	}
}

// StatsSnapshot is the externally visible statistics shape.
type StatsSnapshot struct {
	Operations      int            `json:"operations"`
	Successes       int            `json:"successes"`
	Failures        int            `json:"failures"`
	Timeouts        int            `json:"timeouts"`
	Blocked         int            `json:"blocked"`
	ByMode          map[string]int `json:"by_mode,omitempty"`
	SuccessRate     float64        `json:"success_rate"`
	AvgDurationMS   int64          `json:"avg_duration_ms"`
	StabilityRating int            `json:"stability_rating"` // 1 (unusable) to 10 (rock solid)
}

// Snapshot copies the counters and derives the rates.
func (s Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Operations: s.Operations,
		Successes:  s.Successes,
		Failures:   s.Failures,
		Timeouts:   s.Timeouts,
		Blocked:    s.Blocked,
	}
	if len(s.ByMode) > 0 {
		snap.ByMode = make(map[string]int, len(s.ByMode))
		for k, v := range s.ByMode {
			snap.ByMode[k] = v
		}
	}
	executed := s.Successes + s.Failures
	if executed > 0 {
		snap.SuccessRate = float64(s.Successes) / float64(executed)
		snap.AvgDurationMS = (s.TotalDuration / time.Duration(executed)).Milliseconds()
	}
	snap.StabilityRating = stabilityRating(executed, snap.SuccessRate)
	return snap
}

// stabilityRating maps the success rate to a 1..10 grade. No history
// means full marks; nothing has gone wrong yet.
func stabilityRating(executed int, successRate float64) int {
	if executed == 0 {
		return 10
	}
	rating := int(math.Round(successRate * 10))
	if rating < 1 {
		return 1
	}
	if rating > 10 {
		return 10
	}
	return rating
}

// DispatcherStatus is the full status surface for tools and the CLI.
type DispatcherStatus struct {
	RPCConnected bool           `json:"rpc_connected"`
	RPCState     string         `json:"rpc_state"`
	Console      console.Status `json:"console"`
	Consoles     int            `json:"persistent_consoles"`
	Stats        StatsSnapshot  `json:"stats"`
}

// Status snapshots the dispatcher and its transports.
func (d *Dispatcher) Status() DispatcherStatus {
	st := DispatcherStatus{RPCState: "disabled"}
	if d.rpc != nil {
		st.RPCConnected = d.rpc.Connected()
		st.RPCState = d.rpc.State()
	}
	if d.sup != nil {
		st.Console = d.sup.Status()
	}
	d.mu.Lock()
	st.Consoles = len(d.consoles)
	st.Stats = d.stats.Snapshot()
	d.mu.Unlock()
	return st
}
