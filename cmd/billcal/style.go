package main

import "github.com/charmbracelet/lipgloss"

// Colors and styles for terminal output. lipgloss drops them when stdout is
// not a terminal.
var (
	accent = lipgloss.Color("#FF0000")
	muted  = lipgloss.Color("#666666")
	white  = lipgloss.Color("#FFFFFF")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(muted)
)
