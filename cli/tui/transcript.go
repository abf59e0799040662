package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/tether/cli/reader"
)

const (
	defaultTableHeight = 15
	// detailLines is the space kept under the table for the params pane.
	detailLines = 10
)

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// TranscriptModel lists transcript entries in a table and shows the params
// of the selected one.
type TranscriptModel struct {
	view     *reader.TranscriptView
	table    table.Model
	width    int
	height   int
	quitting bool
}

// NewTranscriptModel creates a transcript model. data must be a
// *reader.TranscriptView; anything else renders an error message.
func NewTranscriptModel(data any) TranscriptModel {
	view, _ := data.(*reader.TranscriptView)

	columns := []table.Column{
		{Title: "Time", Width: 15},
		{Title: "Session", Width: 12},
		{Title: "Dir", Width: 4},
		{Title: "Method", Width: 24},
	}
	var rows []table.Row
	if view != nil {
		rows = make([]table.Row, 0, len(view.Entries))
		for _, e := range view.Entries {
			rows = append(rows, table.Row{
				e.Timestamp.Format("15:04:05.000000"),
				shorten(e.SessionID, 12),
				e.Direction,
				e.Method,
			})
		}
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(defaultTableHeight),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(mutedColor).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(accentColor)
	t.SetStyles(styles)

	return TranscriptModel{view: view, table: t}
}

// Init implements tea.Model.
func (m TranscriptModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m TranscriptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := msg.Height - detailLines - 4; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m TranscriptModel) View() string {
	if m.quitting {
		return ""
	}
	if m.view == nil {
		return "Invalid data type for transcript"
	}

	var b strings.Builder
	title := fmt.Sprintf("Transcript %s (%d entries)", m.view.Source, len(m.view.Entries))
	b.WriteString(TitleStyle.Render(title))
	b.WriteString("\n")
	if m.view.Corrupt > 0 || m.view.Truncated {
		b.WriteString(WarningStyle.Render(fmt.Sprintf("%d corrupt records skipped, truncated: %v", m.view.Corrupt, m.view.Truncated)))
		b.WriteString("\n")
	}

	if len(m.view.Entries) == 0 {
		b.WriteString(HelpStyle.Render("(no entries)"))
	} else {
		b.WriteString(m.table.View())
		b.WriteString("\n")
		b.WriteString(m.renderDetail(m.view.Entries[m.selected()]))
	}

	b.WriteString("\n")
	b.WriteString(HelpStyle.Render("↑/↓ to move, q or Ctrl+C to quit"))
	return b.String()
}

func (m TranscriptModel) selected() int {
	i := m.table.Cursor()
	if i < 0 {
		return 0
	}
	if i >= len(m.view.Entries) {
		return len(m.view.Entries) - 1
	}
	return i
}

func (m TranscriptModel) renderDetail(row reader.TranscriptRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Session:"), ValueStyle.Render(row.SessionID))
	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Direction:"), DirectionStyle(row.Direction).Render(row.Direction))
	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Method:"), MethodStyle(row.Method).Render(row.Method))

	params, err := json.MarshalIndent(row.Params, "", "  ")
	if err != nil {
		params = []byte(err.Error())
	}
	lines := strings.Split(string(params), "\n")
	if len(lines) > detailLines-3 {
		lines = append(lines[:detailLines-4], "...")
	}
	b.WriteString(ValueStyle.Render(strings.Join(lines, "\n")))
	return BoxStyle.Render(b.String())
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// RunTranscriptTUI runs the transcript TUI.
func RunTranscriptTUI(data any) error {
	p := tea.NewProgram(NewTranscriptModel(data), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
