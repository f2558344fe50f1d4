package ui

import "github.com/charmbracelet/lipgloss"

// Color palette, loosely following the severity coloring of common
// security tooling.
var (
	Primary   = lipgloss.Color("#2E6FDB") // blue, brand color
	Secondary = lipgloss.Color("#00D4AA") // teal

	// Threat level colors
	Critical = lipgloss.Color("#FF0000")
	High     = lipgloss.Color("#FF6B6B")
	Medium   = lipgloss.Color("#FFD93D")
	Low      = lipgloss.Color("#6BCB77")

	// Status colors
	Success = lipgloss.Color("#00D26A")
	Warning = lipgloss.Color("#FFB800")
	Failure = lipgloss.Color("#FF3838")
	Muted   = lipgloss.Color("#6B7280")
)

// Pre-configured styles
var (
	BannerStyle = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true)

	VersionStyle = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	SectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Bold(true).
			MarginTop(1)

	ConfigLabelStyle = lipgloss.NewStyle().
				Foreground(Muted).
				Width(15)

	ConfigValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FAFAFA"))

	BracketStyle = lipgloss.NewStyle().
			Foreground(Muted)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Success).
			Bold(true)

	FailStyle = lipgloss.NewStyle().
			Foreground(Failure).
			Bold(true)

	WarnStyle = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	DividerStyle = lipgloss.NewStyle().
			Foreground(Muted)

	HelpStyle = lipgloss.NewStyle().
			Foreground(Muted).
			Italic(true)

	OutputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#D0D0D0"))
)

// ThreatStyle returns the style for a threat level string.
func ThreatStyle(level string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)
	switch level {
	case "critical":
		return base.Foreground(lipgloss.Color("#FFFFFF")).Background(Critical)
	case "high":
		return base.Foreground(High)
	case "medium":
		return base.Foreground(Medium)
	case "low":
		return base.Foreground(Low)
	default:
		return base.Foreground(Muted)
	}
}

// CheckStyle returns the style for a preflight check status.
func CheckStyle(status string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)
	switch status {
	case "ok":
		return base.Foreground(Success)
	case "warn":
		return base.Foreground(Warning)
	case "fail":
		return base.Foreground(Failure)
	default:
		return base.Foreground(Muted)
	}
}

// ModeStyle returns the style for an execution mode.
func ModeStyle(mode string) lipgloss.Style {
	base := lipgloss.NewStyle()
	switch mode {
	case "rpc":
		return base.Foreground(Secondary)
	case "subprocess":
		return base.Foreground(Primary)
	default:
		return base.Foreground(Warning)
	}
}

// RatingStyle colors a 1-10 stability rating.
func RatingStyle(rating int) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)
	switch {
	case rating >= 8:
		return base.Foreground(Success)
	case rating >= 5:
		return base.Foreground(Warning)
	default:
		return base.Foreground(Failure)
	}
}
