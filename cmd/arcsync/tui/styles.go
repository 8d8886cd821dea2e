package tui

import "github.com/charmbracelet/lipgloss"

// Shared colors.
var (
	AccentColor = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	DimColor    = lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"}
	WarnColor   = lipgloss.AdaptiveColor{Light: "#F25D94", Dark: "#F25D94"}
	GreenColor  = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
)

var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(AccentColor).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(WarnColor).
			Bold(true)

	HelpStyle = lipgloss.NewStyle().
			Foreground(DimColor)

	KeyStyle = lipgloss.NewStyle().
			Bold(true)

	ChangedStyle = lipgloss.NewStyle().
			Foreground(GreenColor).
			Bold(true)

	DimStyle = lipgloss.NewStyle().
			Foreground(DimColor)
)
