// Package tui provides Bubble Tea views for the tether CLI.
//
// The TUI is opt-in (--tui) and read-only. It renders the same payloads as
// the json, table and yaml outputs and shows nothing they lack.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/tether/types"
)

// Palette. Inbound traffic is green, outbound blue, faults red.
var (
	accentColor  = lipgloss.Color("#7C3AED")
	inColor      = lipgloss.Color("#10B981")
	outColor     = lipgloss.Color("#3B82F6")
	exitColor    = lipgloss.Color("#F59E0B")
	faultColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	defaultColor = lipgloss.Color("#FFFFFF")
)

var (
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor).MarginBottom(1)
	LabelStyle = lipgloss.NewStyle().Foreground(mutedColor).Width(12)
	ValueStyle = lipgloss.NewStyle().Foreground(defaultColor)
	HelpStyle  = lipgloss.NewStyle().Foreground(mutedColor).MarginTop(1)
	// WarningStyle flags damaged transcripts (skipped records, torn tail).
	WarningStyle = lipgloss.NewStyle().Foreground(exitColor)

	// BoxStyle frames the params pane.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	// CounterStyle frames one counter of the stats view; callers set the
	// border color.
	CounterStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(14).
			Align(lipgloss.Center)
)

// DirectionStyle colors a transcript direction.
func DirectionStyle(direction string) lipgloss.Style {
	switch direction {
	case "in":
		return lipgloss.NewStyle().Foreground(inColor)
	case "out":
		return lipgloss.NewStyle().Foreground(outColor)
	default:
		return ValueStyle
	}
}

// MethodStyle highlights the reserved methods.
func MethodStyle(method string) lipgloss.Style {
	switch method {
	case types.MethodClientException:
		return lipgloss.NewStyle().Foreground(faultColor).Bold(true)
	case types.MethodExit:
		return lipgloss.NewStyle().Foreground(exitColor)
	case types.MethodClientOutput:
		return lipgloss.NewStyle().Foreground(mutedColor)
	default:
		return ValueStyle
	}
}
