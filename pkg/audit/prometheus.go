package audit

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Compile-time interface check.
var _ Hook = (*PrometheusHook)(nil)

// PrometheusHook maintains execution metrics on a private registry. It does
// not run its own server; the MCP HTTP transport mounts Handler() at
// /metrics so sync (stdio) deployments pay nothing.
type PrometheusHook struct {
	registry *prometheus.Registry

	commandsTotal   *prometheus.CounterVec
	blockedTotal    *prometheus.CounterVec
	connectionTotal *prometheus.CounterVec
	durationSeconds *prometheus.HistogramVec
}

// NewPrometheusHook creates the hook and registers its collectors.
func NewPrometheusHook() (*PrometheusHook, error) {
	h := &PrometheusHook{registry: prometheus.NewRegistry()}

	h.commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msfmcp_commands_total",
			Help: "Console commands executed, by mode and final status",
		},
		[]string{"mode", "status"},
	)

	h.blockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msfmcp_blocked_commands_total",
			Help: "Commands rejected by the security gate, by threat level",
		},
		[]string{"threat_level"},
	)

	h.connectionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msfmcp_connection_transitions_total",
			Help: "Transport state transitions, by component and new state",
		},
		[]string{"component", "to"},
	)

	h.durationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "msfmcp_command_duration_seconds",
			Help:    "Command execution time distribution",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	for _, c := range []prometheus.Collector{
		h.commandsTotal, h.blockedTotal, h.connectionTotal, h.durationSeconds,
	} {
		if err := h.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Handler returns the scrape endpoint for mounting on an HTTP mux.
func (h *PrometheusHook) Handler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// OnEvent updates metrics from audit events.
func (h *PrometheusHook) OnEvent(_ context.Context, event Event) error {
	switch e := event.(type) {
	case *CommandResultEvent:
		h.commandsTotal.WithLabelValues(e.Mode, e.Status).Inc()
		if e.Duration > 0 {
			h.durationSeconds.WithLabelValues(e.Mode).Observe(e.Duration.Seconds())
		}
	case *SecurityEvent:
		if e.Blocked {
			h.blockedTotal.WithLabelValues(e.ThreatLevel).Inc()
		}
	case *ConnectionEvent:
		h.connectionTotal.WithLabelValues(e.Component, e.To).Inc()
	}
	return nil
}

// EventTypes returns the event types this hook handles.
func (h *PrometheusHook) EventTypes() []EventType {
	return []EventType{EventTypeCommandResult, EventTypeSecurity, EventTypeConnection}
}
