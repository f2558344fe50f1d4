package audit

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusHookCountsEvents(t *testing.T) {
	t.Parallel()

	h, err := NewPrometheusHook()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.OnEvent(ctx, &CommandResultEvent{
		BaseEvent: NewBase(EventTypeCommandResult, ""),
		Mode:      "rpc",
		Status:    "success",
		Duration:  2 * time.Second,
	}))
	require.NoError(t, h.OnEvent(ctx, &SecurityEvent{
		BaseEvent:   NewBase(EventTypeSecurity, ""),
		ThreatLevel: "critical",
		Blocked:     true,
	}))

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, `msfmcp_commands_total{mode="rpc",status="success"} 1`)
	assert.Contains(t, body, `msfmcp_blocked_commands_total{threat_level="critical"} 1`)
	assert.True(t, strings.Contains(body, "msfmcp_command_duration_seconds"))
}

func TestPrometheusHookIgnoresUnblockedSecurity(t *testing.T) {
	t.Parallel()

	h, err := NewPrometheusHook()
	require.NoError(t, err)

	require.NoError(t, h.OnEvent(context.Background(), &SecurityEvent{
		BaseEvent:   NewBase(EventTypeSecurity, ""),
		ThreatLevel: "medium",
		Blocked:     false,
	}))

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.NotContains(t, rec.Body.String(), "msfmcp_blocked_commands_total{")
}
