package watch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// CollectorState tracks the collector from /healthz polling and the stream.
type CollectorState struct {
	Enabled       bool
	Connected     bool
	Status        string
	UptimeSeconds int64
	EventsStored  int
}

func renderHeader(s Snapshot, c CollectorState, pulse Pulse, theme Theme, width int) string {
	innerWidth := width - 4

	title := fmt.Sprintf(" UNMANNED WATCH %s", theme.Highlight.Render(pulse.Frame()))
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	worker := theme.StatusQueued.Render("IDLE")
	if s.Current != nil {
		worker = theme.StatusRunning.Render("BUSY " + s.Current.TaskID)
	}
	outbox := fmt.Sprintf("Outbox: %d pending", s.OutboxPending)
	if s.OutboxFailed > 0 {
		outbox += theme.StatusFailed.Render(fmt.Sprintf(", %d failed", s.OutboxFailed))
	}
	statsLine := fmt.Sprintf(" Worker: %s  Queue: %d  %s", worker, len(s.Pending), outbox)

	lines := []string{titleLine, statsLine}
	if c.Enabled {
		lines = append(lines, collectorLine(c, pulse, theme))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func collectorLine(c CollectorState, pulse Pulse, theme Theme) string {
	status := theme.StatusOK.Render("HEALTHY")
	switch {
	case !c.Connected:
		status = theme.StatusFailed.Render("CONNECTING")
	case c.Status != "ok" && c.Status != "":
		status = theme.StatusFailed.Render("DEGRADED")
	}
	last := "never"
	if t := pulse.LastEvent(); !t.IsZero() {
		last = time.Since(t).Round(time.Second).String() + " ago"
	}
	return fmt.Sprintf(" Collector: %s  ⏱ %s  Stored: %d  Last event: %s %s",
		status,
		formatDuration(time.Duration(c.UptimeSeconds)*time.Second),
		c.EventsStored,
		last,
		pulse.Render(theme),
	)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func itoa(n int) string { return strconv.Itoa(n) }
