package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/tether/cli/reader"
)

// methodBarWidth is the width of the per-method share bars.
const methodBarWidth = 30

// StatsModel shows transcript counters and the share of each method.
type StatsModel struct {
	stats    *reader.TranscriptStats
	bar      progress.Model
	quitting bool
}

// NewStatsModel creates a stats model. data must be a
// *reader.TranscriptStats; anything else renders an error message.
func NewStatsModel(data any) StatsModel {
	stats, _ := data.(*reader.TranscriptStats)
	return StatsModel{
		stats: stats,
		bar: progress.New(
			progress.WithSolidFill(string(accentColor)),
			progress.WithWidth(methodBarWidth),
			progress.WithoutPercentage(),
		),
	}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok && key.Matches(msg, keys.Quit) {
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}
	if m.stats == nil {
		return "Invalid data type for transcript_stats"
	}
	return m.render() + "\n" + HelpStyle.Render("q or Ctrl+C to quit")
}

func (m StatsModel) render() string {
	s := m.stats
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Transcript Statistics"))
	b.WriteString("\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		counter("Total", s.Total, accentColor),
		counter("Inbound", s.Inbound, inColor),
		counter("Outbound", s.Outbound, outColor),
		counter("Sessions", s.Sessions, mutedColor),
		counter("Corrupt", s.Corrupt, faultColor),
	))

	if len(s.Methods) == 0 || s.Total == 0 {
		return b.String()
	}
	b.WriteString("\n\n")
	b.WriteString(TitleStyle.Render("Methods"))
	b.WriteString("\n")
	for _, mc := range s.Methods {
		share := float64(mc.Count) / float64(s.Total)
		fmt.Fprintf(&b, "%s %s %s\n",
			MethodStyle(mc.Method).Width(24).Render(shorten(mc.Method, 24)),
			m.bar.ViewAs(share),
			ValueStyle.Render(fmt.Sprintf("%d (%.0f%%)", mc.Count, share*100)))
	}
	return b.String()
}

func counter(label string, value int, color lipgloss.Color) string {
	v := lipgloss.NewStyle().Bold(true).Foreground(color).Render(strconv.Itoa(value))
	l := lipgloss.NewStyle().Foreground(mutedColor).Render(label)
	return CounterStyle.BorderForeground(color).Render(lipgloss.JoinVertical(lipgloss.Center, v, l))
}

// RunStatsTUI runs the stats TUI.
func RunStatsTUI(data any) error {
	_, err := tea.NewProgram(NewStatsModel(data), tea.WithAltScreen()).Run()
	return err
}

// RenderStatsStatic renders stats without the interactive program.
func RenderStatsStatic(data any) string {
	return lipgloss.NewStyle().Padding(1, 2).Render(NewStatsModel(data).View())
}
