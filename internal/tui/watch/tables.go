package watch

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

func newTable(cols []table.Column, height int, focused bool) table.Model {
	t := table.New(
		table.WithColumns(cols),
		table.WithFocused(focused),
		table.WithHeight(height),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func newTaskTable() table.Model {
	return newTable([]table.Column{
		{Title: "ST", Width: 2},
		{Title: "Task", Width: 14},
		{Title: "Project", Width: 12},
		{Title: "State", Width: 10},
		{Title: "Age", Width: 8},
		{Title: "Instruction", Width: 40},
	}, 8, true)
}

func newHistoryTable() table.Model {
	return newTable([]table.Column{
		{Title: "ST", Width: 2},
		{Title: "Task", Width: 14},
		{Title: "Project", Width: 12},
		{Title: "Status", Width: 10},
		{Title: "Took", Width: 8},
		{Title: "Auto", Width: 4},
		{Title: "Result", Width: 40},
	}, 8, false)
}

// taskRows lists the task being worked first, then pending tasks oldest
// first, then results that have not been picked up.
func taskRows(s Snapshot, theme Theme) []table.Row {
	var rows []table.Row
	seen := make(map[string]bool)

	if ct := s.Current; ct != nil {
		_, glyph := theme.statusStyle("running")
		rows = append(rows, table.Row{glyph, ct.TaskID, ct.Project, "running", age(s.TakenAt, ct.StartedAt), oneLine(ct.Instruction)})
		seen[ct.TaskID] = true
	}
	for _, p := range s.Pending {
		if p.Err != nil {
			_, glyph := theme.statusStyle("malformed")
			rows = append(rows, table.Row{glyph, "-", "-", "malformed", age(s.TakenAt, p.ModTime), oneLine(p.Err.Error())})
			continue
		}
		if seen[p.Task.TaskID] {
			continue
		}
		seen[p.Task.TaskID] = true
		_, glyph := theme.statusStyle("pending")
		rows = append(rows, table.Row{glyph, p.Task.TaskID, p.Task.Project, "pending", age(s.TakenAt, p.ModTime), oneLine(p.Task.Instruction)})
	}
	for _, r := range s.Results {
		if seen[r.TaskID] {
			continue
		}
		_, glyph := theme.statusStyle(string(r.Status))
		text := r.ResultText()
		if r.Error != "" {
			text = r.Error
		}
		rows = append(rows, table.Row{glyph, r.TaskID, "", string(r.Status), age(s.TakenAt, r.CompletedAt), oneLine(text)})
	}
	return rows
}

func historyRows(s Snapshot, theme Theme) []table.Row {
	rows := make([]table.Row, 0, len(s.Recent))
	for _, e := range s.Recent {
		_, glyph := theme.statusStyle(e.Status)
		text := e.Result
		if !e.Success && e.LastError != "" {
			text = e.LastError
		}
		rows = append(rows, table.Row{
			glyph,
			e.TaskID,
			e.Project,
			e.Status,
			formatDuration(e.Duration),
			itoa(e.AutoResponds),
			oneLine(text),
		})
	}
	return rows
}

func age(now, then time.Time) string {
	if then.IsZero() {
		return "-"
	}
	return formatDuration(now.Sub(then))
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
