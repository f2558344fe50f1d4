package ui

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/msfmcp/msfmcp/pkg/dispatch"
	"github.com/msfmcp/msfmcp/pkg/health"
	"github.com/msfmcp/msfmcp/pkg/version"
)

// Global UI state
var (
	silentMode  bool
	noColorMode bool
	uiMu        sync.RWMutex
)

// SetSilent suppresses decorative output. Required on the stdio
// transport, where stdout carries the protocol and stderr is the only
// safe channel.
func SetSilent(silent bool) {
	uiMu.Lock()
	defer uiMu.Unlock()
	silentMode = silent
}

// IsSilent returns whether silent mode is enabled
func IsSilent() bool {
	uiMu.RLock()
	defer uiMu.RUnlock()
	return silentMode
}

// SetNoColor disables colored output
func SetNoColor(noColor bool) {
	uiMu.Lock()
	defer uiMu.Unlock()
	noColorMode = noColor
	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// Minimalist banner (ffuf-style box)
const miniBanner = `
________________________________________________

 %s v%s
________________________________________________`

const bannerSeparator = "________________________________________________"

// PrintBanner prints the boxed startup banner to stderr.
func PrintBanner() {
	if IsSilent() {
		return
	}
	fmt.Fprintf(os.Stderr, "%s\n", BannerStyle.Render(fmt.Sprintf(miniBanner, version.Name, version.Version)))
	fmt.Fprintln(os.Stderr)
}

// printOption prints a configuration option in ffuf/nuclei style
// Format:  :: Option              : Value
func printOption(name, value string) {
	fmt.Fprintf(os.Stderr, " :: %-20s : %s\n", ConfigLabelStyle.Render(name), ConfigValueStyle.Render(value))
}

// PrintConfigBanner prints the effective settings before serving starts.
func PrintConfigBanner(options map[string]string) {
	if IsSilent() {
		return
	}
	order := []string{
		"Transport", "Listen", "Console", "RPC", "Workspace",
		"Audit Log", "Metrics", "Tracing",
	}
	printed := make(map[string]bool)
	for _, name := range order {
		if value, ok := options[name]; ok && value != "" {
			printOption(name, value)
			printed[name] = true
		}
	}
	for name, value := range options {
		if !printed[name] && value != "" {
			printOption(name, value)
		}
	}
	fmt.Fprintf(os.Stderr, "%s\n\n", DividerStyle.Render(bannerSeparator))
}

// PrintDivider prints a stylized divider (to stderr)
func PrintDivider() {
	fmt.Fprintln(os.Stderr, DividerStyle.Render(strings.Repeat("-", 75)))
}

// PrintSection prints a section header (to stderr)
func PrintSection(title string) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, SectionStyle.Render("> "+title))
	PrintDivider()
}

// PrintSuccess prints a success message (to stderr)
func PrintSuccess(message string) {
	if IsSilent() {
		return
	}
	fmt.Fprintln(os.Stderr, SuccessStyle.Render("  [+] "+message))
}

// PrintError prints an error message (to stderr)
func PrintError(message string) {
	fmt.Fprintln(os.Stderr, FailStyle.Render("  [X] "+message))
}

// PrintWarning prints a warning message (to stderr)
func PrintWarning(message string) {
	if IsSilent() {
		return
	}
	fmt.Fprintln(os.Stderr, WarnStyle.Render("  [!] "+message))
}

// PrintInfo prints an info message (to stderr)
func PrintInfo(message string) {
	if IsSilent() {
		return
	}
	fmt.Fprintf(os.Stderr, "  %s %s\n", BracketStyle.Render("*"), message)
}

// PrintHelp prints contextual help (to stderr)
func PrintHelp(text string) {
	if IsSilent() {
		return
	}
	fmt.Fprintln(os.Stderr, HelpStyle.Render("  [i] "+text))
}

// PrintDoctorReport renders the preflight report for the doctor command.
func PrintDoctorReport(report *health.Report) {
	PrintSection("Environment Checks")
	for _, check := range report.Checks {
		status := string(check.Status)
		line := fmt.Sprintf("%s%s%s %-18s %s",
			BracketStyle.Render("["),
			CheckStyle(status).Render(strings.ToUpper(status)),
			BracketStyle.Render("]"),
			check.Name,
			ConfigValueStyle.Render(check.Detail),
		)
		fmt.Fprintln(os.Stderr, "  "+line)
	}

	PrintSection("Binaries")
	for _, bin := range []struct{ name, path string }{
		{"msfconsole", report.ConsolePath},
		{"msfvenom", report.VenomPath},
		{"msfrpcd", report.DaemonPath},
	} {
		value := bin.path
		if value == "" {
			value = FailStyle.Render("not found")
		}
		fmt.Fprintf(os.Stderr, "  %s %s\n", ConfigLabelStyle.Render(bin.name), value)
	}

	fmt.Fprintln(os.Stderr)
	if report.Healthy {
		PrintSuccess("environment is ready")
	} else {
		PrintError("environment has fatal problems; fix the FAIL checks above")
	}
}

// PrintExecutionResult renders one command execution in bracketed
// nuclei-style output, followed by the raw console output.
func PrintExecutionResult(res *dispatch.ExecutionResult) {
	var line strings.Builder

	writeBracket := func(s lipgloss.Style, text string) {
		line.WriteString(BracketStyle.Render("["))
		line.WriteString(s.Render(text))
		line.WriteString(BracketStyle.Render("] "))
	}

	switch {
	case res.Blocked:
		writeBracket(FailStyle, "blocked")
	case res.Success:
		writeBracket(SuccessStyle, "ok")
	default:
		writeBracket(FailStyle, "failed")
	}
	writeBracket(ModeStyle(res.Mode), res.Mode)
	if res.ThreatLevel != "" && res.ThreatLevel != "low" {
		writeBracket(ThreatStyle(res.ThreatLevel), res.ThreatLevel)
	}
	line.WriteString(ConfigValueStyle.Render(res.Command))
	line.WriteString(" ")
	line.WriteString(BracketStyle.Render(fmt.Sprintf("[%dms]", res.DurationMS)))
	fmt.Fprintln(os.Stderr, line.String())

	for _, reason := range res.BlockedReasons {
		PrintWarning(reason)
	}
	if res.Error != "" {
		PrintError(res.Error)
	}
	if res.Output != "" {
		fmt.Fprintln(os.Stdout, OutputStyle.Render(res.Output))
	}
	if res.Truncated {
		PrintHelp("output truncated")
	}
}

// PrintStats renders execution statistics for the status footer.
func PrintStats(snap dispatch.StatsSnapshot) {
	if IsSilent() {
		return
	}
	fmt.Fprintf(os.Stderr, "  %s %d ops, %.0f%% success, avg %dms, stability %s\n",
		BracketStyle.Render("*"),
		snap.Operations,
		snap.SuccessRate*100,
		snap.AvgDurationMS,
		RatingStyle(snap.StabilityRating).Render(fmt.Sprintf("%d/10", snap.StabilityRating)),
	)
}
