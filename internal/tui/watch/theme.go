// Package watch implements the unmanned watch dashboard: the local task
// mailbox, the outbox backlog and recent dispatches, with an optional live
// feed from a collector's event stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every color used by the dashboard in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusQueued  lipgloss.Style
	StatusDead    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusDead:    lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// statusStyle maps task, dispatch and result statuses to a style and glyph.
func (t Theme) statusStyle(status string) (lipgloss.Style, string) {
	switch status {
	case "pending", "queued":
		return t.StatusQueued, "○"
	case "running", "in_progress":
		return t.StatusRunning, "◉"
	case "completed", "success":
		return t.StatusOK, "●"
	case "timeout":
		return t.StatusFailed, "◑"
	case "failed", "error":
		return t.StatusFailed, "∅"
	case "cancelled":
		return t.StatusDead, "◔"
	case "malformed":
		return t.StatusFailed, "?"
	}
	return t.Dim, "·"
}
