package tui

import "fmt"

// View types with a TUI.
const (
	ViewTranscript      = "transcript"
	ViewTranscriptStats = "transcript_stats"
)

// Run starts the TUI for viewType.
func Run(viewType string, data any) error {
	switch viewType {
	case ViewTranscript:
		return RunTranscriptTUI(data)
	case ViewTranscriptStats:
		return RunStatsTUI(data)
	default:
		return fmt.Errorf("TUI mode is not supported for %s", viewType)
	}
}

// IsTUISupported returns true if the view type supports TUI mode.
func IsTUISupported(viewType string) bool {
	switch viewType {
	case ViewTranscript, ViewTranscriptStats:
		return true
	}
	return false
}

// SupportedTUIViews returns the view types that support TUI.
func SupportedTUIViews() []string {
	return []string{ViewTranscript, ViewTranscriptStats}
}
