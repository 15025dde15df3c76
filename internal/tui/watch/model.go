package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bridge25/unmanned-manager/internal/events"
)

// Options configures the dashboard. CollectorURL is optional; without it the
// event stream panel stays empty.
type Options struct {
	Source       Source
	Refresh      time.Duration
	CollectorURL string
	APIKey       string
}

// Model is the BubbleTea model for the watch dashboard.
type Model struct {
	opts Options

	width  int
	height int

	snapshot  Snapshot
	collector CollectorState
	eventLog  []events.Event
	lastID    int64

	pulse Pulse
	theme Theme

	tasks   table.Model
	history table.Model

	streamEvents chan events.Event

	lastError string
}

func New(opts Options) *Model {
	if opts.Refresh <= 0 {
		opts.Refresh = 2 * time.Second
	}
	return &Model{
		opts:         opts,
		collector:    CollectorState{Enabled: opts.CollectorURL != ""},
		eventLog:     make([]events.Event, 0),
		streamEvents: make(chan events.Event, 100),
		pulse:        NewPulse(nil),
		theme:        NewDefaultTheme(),
		tasks:        newTaskTable(),
		history:      newHistoryTable(),
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		loadSnapshot(m.opts.Source),
		tea.EnterAltScreen,
	}
	if m.collector.Enabled {
		cmds = append(cmds,
			subscribeToEvents(m.opts.CollectorURL, m.opts.APIKey, 0, m.streamEvents),
			receiveNextEvent(m.streamEvents),
			func() tea.Msg { return fetchHealth(m.opts.CollectorURL) },
		)
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, loadSnapshot(m.opts.Source)
		case "tab":
			if m.tasks.Focused() {
				m.tasks.Blur()
				m.history.Focus()
			} else {
				m.history.Blur()
				m.tasks.Focus()
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.tasks.SetWidth(m.width - 6)
		m.history.SetWidth(m.width - 6)

	case snapshotMsg:
		m.snapshot = Snapshot(msg)
		m.tasks.SetRows(taskRows(m.snapshot, m.theme))
		m.history.SetRows(historyRows(m.snapshot, m.theme))
		m.pulse.Refreshed()
		m.lastError = ""
		return m, m.scheduleRefresh()

	case refreshMsg:
		m.pulse.Decay()
		return m, loadSnapshot(m.opts.Source)

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		m.pulse.Event()
		m.collector.Connected = true

		next := receiveNextEvent(m.streamEvents)
		if isStateChange(e.Type) {
			return m, tea.Batch(next, loadSnapshot(m.opts.Source))
		}
		return m, next

	case healthMsg:
		m.collector.Status = msg.Status
		m.collector.UptimeSeconds = msg.UptimeSeconds
		m.collector.EventsStored = msg.EventsStored
		m.collector.Connected = true
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.opts.CollectorURL)
		})

	case streamClosedMsg:
		m.collector.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.lastID > m.lastID {
			m.lastID = msg.lastID
		}
		// The pending receiveNextEvent keeps reading the same channel.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.opts.CollectorURL, m.opts.APIKey, m.lastID, m.streamEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, m.scheduleRefresh()
	}

	var cmd tea.Cmd
	if m.tasks.Focused() {
		m.tasks, cmd = m.tasks.Update(msg)
	} else {
		m.history, cmd = m.history.Update(msg)
	}
	return m, cmd
}

func (m Model) scheduleRefresh() tea.Cmd {
	return tea.Tick(m.opts.Refresh, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

// isStateChange reports whether an event usually means the local snapshot
// is out of date.
func isStateChange(eventType string) bool {
	switch eventType {
	case events.RunnerClaimed, events.RunnerRecovered, events.DispatchResult,
		events.DispatchTimeout, events.DispatchFailed, events.OutboxSwept:
		return true
	}
	return false
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	innerWidth := m.width - 4
	panel := func(title string, t table.Model) string {
		return m.theme.Border.Width(innerWidth).Render(
			lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render(title), t.View()),
		)
	}

	parts := []string{
		renderHeader(m.snapshot, m.collector, m.pulse, m.theme, m.width),
		panel(fmt.Sprintf("TASKS (%d pending)", len(m.snapshot.Pending)), m.tasks),
		panel("RECENT DISPATCHES", m.history),
	}
	if m.collector.Enabled {
		parts = append(parts, renderEventStream(m.eventLog, m.theme, m.width, 8))
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Refresh • [tab] Switch table • [↑/↓] Scroll"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
