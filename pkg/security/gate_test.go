package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate() *Gate {
	return NewGate(DefaultPolicy(), nil)
}

func TestValidateCommandAllowsNormalUse(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	res := g.ValidateCommand(context.Background(), "search type:exploit platform:windows smb", Context{})

	assert.True(t, res.Valid)
	assert.Equal(t, ThreatLow, res.ThreatLevel)
	assert.Zero(t, res.RiskScore)
	assert.Empty(t, res.BlockedReasons)
}

func TestValidateCommandBlocksDestructive(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	res := g.ValidateCommand(context.Background(), "rm -rf /", Context{})

	assert.False(t, res.Valid)
	assert.Equal(t, ThreatCritical, res.ThreatLevel)
	assert.GreaterOrEqual(t, res.RiskScore, 50)
	assert.NotEmpty(t, res.BlockedReasons)
	require.NotEmpty(t, res.Threats)
	assert.Equal(t, "system_commands", res.Threats[0].Category)
}

func TestValidateCommandIsIdempotent(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	vctx := Context{Workspace: "default"}
	first := g.ValidateCommand(context.Background(), "use exploit/windows/smb/ms17_010_eternalblue", vctx)
	second := g.ValidateCommand(context.Background(), "use exploit/windows/smb/ms17_010_eternalblue", vctx)

	assert.Equal(t, first, second)
}

func TestValidateCommandLengthLimit(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	long := make([]byte, 1001)
	for i := range long {
		long[i] = 'a'
	}
	res := g.ValidateCommand(context.Background(), string(long), Context{})

	assert.False(t, res.Valid)
	assert.Contains(t, res.BlockedReasons[0], "maximum length")
	assert.LessOrEqual(t, len(res.Sanitized), 1000)
}

func TestValidateCommandThreatScores(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		command  string
		level    ThreatLevel
		minScore int
		category string
	}{
		{"privilege escalation", "use exploit/windows/local/cve_2021_40449", ThreatHigh, 35, "privilege_escalation"},
		{"persistence", "use post/windows/manage/persistence_exe", ThreatHigh, 30, "persistence"},
		{"network exposure", "generate -p windows/shell/bind_tcp lhost=0.0.0.0", ThreatMedium, 25, "network_exposure"},
		// Gather modules trip both the escalation and exfiltration
		// categories, so the peak level is high.
		{"data exfiltration", "use post/linux/gather/enum_configs", ThreatHigh, 55, "data_exfiltration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := newTestGate()
			res := g.ValidateCommand(context.Background(), tt.command, Context{})
			assert.Equal(t, tt.level, res.ThreatLevel)
			assert.GreaterOrEqual(t, res.RiskScore, tt.minScore)
			require.NotEmpty(t, res.Threats)
			found := false
			for _, th := range res.Threats {
				if th.Category == tt.category {
					found = true
				}
			}
			assert.True(t, found, "expected category %s in %+v", tt.category, res.Threats)
		})
	}
}

func TestValidateCommandProductionWorkspaceWarning(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	res := g.ValidateCommand(context.Background(), "db_status", Context{Workspace: "production"})

	assert.True(t, res.Valid)
	assert.Equal(t, 10, res.RiskScore)
	assert.Contains(t, res.Warnings[0], "production workspace")
}

func TestValidateCommandModuleWarnings(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	res := g.ValidateCommand(context.Background(), "use post/windows/gather/hashdump", Context{})

	var warned bool
	for _, w := range res.Warnings {
		if w == "High-impact module detected: post/windows/gather/hashdump" {
			warned = true
		}
	}
	assert.True(t, warned, "warnings: %v", res.Warnings)
	assert.NotEmpty(t, res.Recommendations)
}

func TestSanitizeStripsMetacharacters(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	res := g.ValidateCommand(context.Background(), "version; ls `whoami` $(id)\x00\x1b", Context{})
	assert.Equal(t, "version ls whoami id", res.Sanitized)
}

func TestBlockedCommandStillRecorded(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	g.ValidateCommand(context.Background(), "shutdown now", Context{})

	events := g.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Blocked)
	assert.Equal(t, "blocked", last.Action)
}

func TestValidatePayload(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	res := g.ValidatePayload(context.Background(), "windows/meterpreter/reverse_tcp", map[string]string{"LHOST": "0.0.0.0"})

	assert.True(t, res.Valid)
	assert.Equal(t, ThreatHigh, res.ThreatLevel)
	assert.Equal(t, 25+25+15, res.RiskScore)
	assert.NotEmpty(t, res.Recommendations)
}

func TestValidatePayloadSpecificLHOST(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	res := g.ValidatePayload(context.Background(), "linux/x64/shell_reverse_tcp", map[string]string{"LHOST": "192.168.1.5"})

	assert.Equal(t, ThreatMedium, res.ThreatLevel)
	assert.Equal(t, 25, res.RiskScore)
}

func TestValidateResult(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	assert.True(t, g.ValidateResult(0, ""))
	assert.True(t, g.ValidateResult(0, "FATAL: ignored because rc is zero"))
	assert.True(t, g.ValidateResult(1, "some warning"))
	assert.False(t, g.ValidateResult(1, "FATAL: database connection lost"))
	assert.False(t, g.ValidateResult(2, "critical failure in module loader"))
}

func TestAllowRateLimits(t *testing.T) {
	t.Parallel()

	policy := DefaultPolicy()
	policy.CommandsPerSecond = 1
	policy.MaxBurst = 2
	g := NewGate(policy, nil)

	ctx := context.Background()
	assert.True(t, g.Allow(ctx, "version", Context{}))
	assert.True(t, g.Allow(ctx, "version", Context{}))
	assert.False(t, g.Allow(ctx, "version", Context{}), "burst exhausted")

	events := g.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "rate_limited", events[len(events)-1].Action)
}

func TestSummary(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	g.ValidateCommand(context.Background(), "version", Context{})
	g.ValidateCommand(context.Background(), "rm -rf /tmp/x", Context{})

	s := g.Summary()
	assert.Equal(t, 2, s.TotalEvents)
	assert.Equal(t, 2, s.RecentEvents)
	assert.Equal(t, 1, s.BlockedCommands)
	assert.Equal(t, 1, s.ThreatCounts[ThreatCritical])
	assert.Positive(t, s.AverageRiskScore)
	assert.Equal(t, 1000, s.MaxCommandLength)
}
