package main

import "github.com/charmbracelet/lipgloss"

var (
	styleAnswer  = lipgloss.NewStyle().Bold(true)
	styleFailure = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleHeading = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	stylePass    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// statusStyle colors a doctor check status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "PASS":
		return stylePass
	case "WARN":
		return styleWarn
	case "FAIL":
		return styleFailure
	}
	return styleMuted
}
