// Package security implements the validation gate every command passes
// before reaching a console or the RPC daemon. Validation is a pure
// function of (command, context): the same input always yields the same
// verdict. Decisions are recorded in a bounded in-memory event log and
// emitted to the audit dispatcher, including blocked commands.
package security

import "regexp"

// ThreatLevel grades a validation verdict.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

func (t ThreatLevel) rank() int {
	switch t {
	case ThreatCritical:
		return 3
	case ThreatHigh:
		return 2
	case ThreatMedium:
		return 1
	default:
		return 0
	}
}

// maxLevel returns the more severe of two levels.
func maxLevel(a, b ThreatLevel) ThreatLevel {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Policy parameterizes the gate. The zero value is unusable; start from
// DefaultPolicy.
type Policy struct {
	MaxCommandLength  int
	BlockedKeywords   []string // exact substring matches, case-insensitive
	CommandsPerSecond float64
	MaxBurst          int
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxCommandLength: 1000,
		BlockedKeywords: []string{
			"rm -rf", "format", "fdisk", "dd if=", "shutdown", "reboot",
			"del /f", "rmdir /s", "net user", "net localgroup",
		},
		CommandsPerSecond: 5,
		MaxBurst:          10,
	}
}

// Threat describes one matched threat pattern.
type Threat struct {
	Category string      `json:"category"`
	Pattern  string      `json:"pattern"`
	Severity ThreatLevel `json:"severity"`
}

// Result is a validation verdict. Immutable once returned.
type Result struct {
	Valid           bool        `json:"valid"`
	Sanitized       string      `json:"sanitized_command"`
	ThreatLevel     ThreatLevel `json:"threat_level"`
	RiskScore       int         `json:"risk_score"`
	Warnings        []string    `json:"warnings,omitempty"`
	BlockedReasons  []string    `json:"blocked_reasons,omitempty"`
	Recommendations []string    `json:"recommendations,omitempty"`
	Threats         []Threat    `json:"threats_detected,omitempty"`
}

// Context carries execution context into validation.
type Context struct {
	Workspace   string
	Source      string // tool or CLI entry point
	Correlation string
}

// threatCategory groups detection patterns with their scoring. Categories
// are scanned in declaration order so verdicts are deterministic.
type threatCategory struct {
	name     string
	severity ThreatLevel
	score    int
	patterns []*regexp.Regexp
}

var threatCategories = []threatCategory{
	{
		name:     "system_commands",
		severity: ThreatCritical,
		score:    40,
		patterns: compile(
			`\b(rm|del|format|fdisk|dd)\s+`,
			`\b(shutdown|reboot|halt|poweroff)\b`,
			`\b(passwd|useradd|usermod|userdel)\b`,
			`\b(chmod|chown|chgrp)\s+777`,
			`\b(wget|curl|nc|netcat)\s+.*\|\s*(sh|bash|cmd)`,
		),
	},
	{
		name:     "privilege_escalation",
		severity: ThreatHigh,
		score:    35,
		patterns: compile(
			`exploit/.*/(local|privilege)`,
			`post/.*/(gather|escalate)`,
			`auxiliary/.*/(gather|scanner).*password`,
		),
	},
	{
		name:     "persistence",
		severity: ThreatHigh,
		score:    30,
		patterns: compile(
			`post/.*/persistence`,
			`exploit/.*/persistence`,
			`auxiliary/.*/persistence`,
		),
	},
	{
		name:     "network_exposure",
		severity: ThreatMedium,
		score:    25,
		patterns: compile(
			`bind_tcp.*lhost=0\.0\.0\.0`,
			`bind_tcp.*lhost=\*`,
			`reverse_tcp.*lhost=0\.0\.0\.0`,
		),
	},
	{
		name:     "data_exfiltration",
		severity: ThreatMedium,
		score:    20,
		patterns: compile(
			`post/.*/gather`,
			`auxiliary/.*/gather`,
			`download\s+.*\.(txt|doc|pdf|xls|db|sql)`,
		),
	},
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// dangerousModules get an explicit warning on `use`.
var dangerousModules = []string{
	"exploit/multi/misc/java_jdwp_debugger",
	"exploit/windows/smb/ms17_010_eternalblue",
	"post/windows/gather/hashdump",
}

// dangerousPayloads raise payload-generation risk.
var dangerousPayloads = []string{
	"windows/exec", "linux/x86/exec", "cmd/unix/bind_netcat",
}
