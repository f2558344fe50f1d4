package security

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/time/rate"

	"github.com/msfmcp/msfmcp/pkg/audit"
)

var (
	controlChars = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)
	shellMeta    = regexp.MustCompile("[;&|`$()]")
	usePattern   = regexp.MustCompile(`use\s+(\S+)`)
)

// Gate is the validation gate. Safe for concurrent use.
type Gate struct {
	policy  Policy
	limiter *rate.Limiter
	filters []*CommandFilter
	log     *EventLog
	sink    *audit.Dispatcher
}

// NewGate builds a gate from a policy. sink may be nil.
func NewGate(policy Policy, sink *audit.Dispatcher) *Gate {
	return &Gate{
		policy:  policy,
		limiter: rate.NewLimiter(rate.Limit(policy.CommandsPerSecond), policy.MaxBurst),
		log:     NewEventLog(defaultLogCapacity),
		sink:    sink,
	}
}

// LoadFilters loads operator-supplied .tengo command filters from dir.
// Individual script failures are returned but do not prevent the rest
// from loading.
func (g *Gate) LoadFilters(dir string) []error {
	filters, errs := LoadFilterDir(dir)
	g.filters = append(g.filters, filters...)
	return errs
}

// Allow applies the command rate limit. A denied command is recorded as a
// rate_limited security event.
func (g *Gate) Allow(ctx context.Context, command string, vctx Context) bool {
	if g.limiter.Allow() {
		return true
	}
	g.record(ctx, "rate_limited", command, vctx, Result{
		Valid:       false,
		ThreatLevel: ThreatLow,
	})
	return false
}

// ValidateCommand runs the full validation ladder: sanitization, length
// check, keyword blocklist, threat patterns, module heuristics, script
// filters. The verdict is deterministic for a given (command, vctx).
func (g *Gate) ValidateCommand(ctx context.Context, command string, vctx Context) Result {
	res := Result{
		Valid:       true,
		Sanitized:   g.sanitize(command),
		ThreatLevel: ThreatLow,
	}

	if len(command) > g.policy.MaxCommandLength {
		res.Valid = false
		res.RiskScore += 20
		res.BlockedReasons = append(res.BlockedReasons,
			fmt.Sprintf("Command exceeds maximum length (%d)", g.policy.MaxCommandLength))
	}

	lower := strings.ToLower(command)
	for _, keyword := range g.policy.BlockedKeywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			res.Valid = false
			res.RiskScore += 50
			res.ThreatLevel = maxLevel(res.ThreatLevel, ThreatHigh)
			res.BlockedReasons = append(res.BlockedReasons, "Contains blocked keyword: "+keyword)
		}
	}

	for _, cat := range threatCategories {
		for _, re := range cat.patterns {
			if re.MatchString(lower) {
				res.Threats = append(res.Threats, Threat{
					Category: cat.name,
					Pattern:  re.String(),
					Severity: cat.severity,
				})
				res.RiskScore += cat.score
				res.ThreatLevel = maxLevel(res.ThreatLevel, cat.severity)
			}
		}
	}

	if vctx.Workspace == "production" {
		res.RiskScore += 10
		res.Warnings = append(res.Warnings, "Executing in production workspace")
	}

	if strings.HasPrefix(strings.TrimSpace(command), "use ") {
		g.inspectModuleUsage(command, &res)
	}

	for _, f := range g.filters {
		v := f.Inspect(command)
		if v.Score > 0 {
			res.RiskScore += v.Score
		}
		if v.Block {
			res.Valid = false
			res.ThreatLevel = maxLevel(res.ThreatLevel, ThreatHigh)
			reason := v.Reason
			if reason == "" {
				reason = "Blocked by filter " + f.Name()
			}
			res.BlockedReasons = append(res.BlockedReasons, reason)
		} else if v.Reason != "" {
			res.Warnings = append(res.Warnings, v.Reason)
		}
	}

	action := "command_execution"
	if !res.Valid {
		action = "blocked"
	}
	g.record(ctx, action, command, vctx, res)
	return res
}

// ValidatePayload assesses a payload-generation request. Payloads start at
// medium threat; binding to all interfaces or known-dangerous payload types
// raises the verdict.
func (g *Gate) ValidatePayload(ctx context.Context, payload string, options map[string]string) Result {
	res := Result{
		Valid:       true,
		Sanitized:   payload,
		ThreatLevel: ThreatMedium,
		RiskScore:   25,
	}

	for _, dangerous := range dangerousPayloads {
		if strings.Contains(payload, dangerous) {
			res.ThreatLevel = maxLevel(res.ThreatLevel, ThreatHigh)
			res.RiskScore += 30
			res.Warnings = append(res.Warnings, "Dangerous payload type detected: "+payload)
		}
	}

	switch options["LHOST"] {
	case "0.0.0.0", "*", "":
		res.ThreatLevel = maxLevel(res.ThreatLevel, ThreatHigh)
		res.RiskScore += 25
		res.Warnings = append(res.Warnings, "Payload configured to bind to all interfaces (security risk)")
		res.Recommendations = append(res.Recommendations, "Specify a specific LHOST IP address")
	}

	if strings.Contains(payload, "meterpreter") {
		res.RiskScore += 15
		res.Warnings = append(res.Warnings, "Meterpreter payload detected - ensure authorized use")
	}

	g.record(ctx, "payload_generation", "Payload: "+payload, Context{}, res)
	return res
}

// ValidateResult inspects an execution outcome. A non-zero exit code whose
// stderr carries fatal or critical markers invalidates the result.
func (g *Gate) ValidateResult(exitCode int, stderr string) bool {
	if exitCode == 0 {
		return true
	}
	lower := strings.ToLower(stderr)
	return !strings.Contains(lower, "fatal") && !strings.Contains(lower, "critical")
}

// Events returns a snapshot of the recent security events.
func (g *Gate) Events() []Event {
	return g.log.Snapshot()
}

// Summary reports aggregate statistics over the retained events.
func (g *Gate) Summary() Summary {
	s := g.log.Summary()
	s.MaxCommandLength = g.policy.MaxCommandLength
	return s
}

func (g *Gate) inspectModuleUsage(command string, res *Result) {
	m := usePattern.FindStringSubmatch(command)
	if m == nil {
		return
	}
	modulePath := m[1]
	for _, dangerous := range dangerousModules {
		if modulePath == dangerous {
			res.Warnings = append(res.Warnings, "High-impact module detected: "+modulePath)
			res.Recommendations = append(res.Recommendations, "Ensure proper authorization before using this module")
		}
	}
	if strings.Contains(modulePath, "/local/") {
		res.Warnings = append(res.Warnings, "Local exploit module - ensure target system authorization")
	}
	if strings.Contains(modulePath, "/gather/") {
		res.Warnings = append(res.Warnings, "Information gathering module - respect privacy and legal requirements")
	}
}

// sanitize strips control characters and shell metacharacters, then caps
// the length.
func (g *Gate) sanitize(command string) string {
	s := controlChars.ReplaceAllString(command, "")
	s = shellMeta.ReplaceAllString(s, "")
	if len(s) > g.policy.MaxCommandLength {
		s = s[:g.policy.MaxCommandLength]
	}
	return strings.TrimSpace(s)
}

func (g *Gate) record(ctx context.Context, action, command string, vctx Context, res Result) {
	g.log.Append(action, command, res)

	var reasons []string
	reasons = append(reasons, res.BlockedReasons...)
	reasons = append(reasons, res.Warnings...)
	g.sink.Dispatch(ctx, &audit.SecurityEvent{
		BaseEvent:   audit.NewBase(audit.EventTypeSecurity, vctx.Correlation),
		Action:      action,
		Command:     audit.TruncateCommand(command),
		ThreatLevel: string(res.ThreatLevel),
		RiskScore:   res.RiskScore,
		Blocked:     !res.Valid,
		Reasons:     reasons,
	})
}
