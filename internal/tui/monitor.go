// Package tui renders the live monitor dashboard: a single-screen view of
// the engine's event stream with rolling counters for sagas, problems and
// workers.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cortexius/maestro/internal/events"
)

// maxVisibleEvents bounds the retained event ring.
const maxVisibleEvents = 200

// EventMsg delivers one engine event to the dashboard.
type EventMsg struct {
	Event events.Event
}

// SessionDoneMsg marks the monitored workload as settled. The dashboard
// stays open until the user quits so the final state remains readable.
type SessionDoneMsg struct {
	Success bool
	Message string
}

// Counts aggregates the event stream into headline numbers.
type Counts struct {
	Workers         int
	WorkersLost     int
	SagasCompleted  int
	SagasFailed     int
	ProblemsSolved  int
	ProblemsFailed  int
	TasksCompleted  int
	TasksFailed     int
	StepsCompleted  int
	StepsFailed     int
	Compensations   int
	StallsReported  int
}

// Model is the bubbletea model for the monitor dashboard.
type Model struct {
	spinner spinner.Model
	events  []events.Event
	counts  Counts
	width   int
	height  int
	done    bool
	success bool
	message string

	headerStyle lipgloss.Style
	statStyle   lipgloss.Style
	doneStyle   lipgloss.Style
	failStyle   lipgloss.Style
	hintStyle   lipgloss.Style
}

// NewModel creates the dashboard model.
func NewModel() Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return Model{
		spinner: sp,
		width:   80,
		height:  24,

		headerStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("62")).
			Bold(true).
			Padding(0, 1),
		statStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
		doneStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("28")).Bold(true),
		failStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		hintStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles key presses, window resizes and engine events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case EventMsg:
		m.apply(msg.Event)

	case SessionDoneMsg:
		m.done = true
		m.success = msg.Success
		m.message = msg.Message

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// apply folds one event into the ring and the counters.
func (m *Model) apply(e events.Event) {
	m.events = append(m.events, e)
	if len(m.events) > maxVisibleEvents {
		m.events = m.events[len(m.events)-maxVisibleEvents:]
	}

	switch e.Type {
	case events.WorkerRegistered:
		m.counts.Workers++
	case events.WorkerLost:
		m.counts.WorkersLost++
	case events.SagaCompleted:
		m.counts.SagasCompleted++
	case events.SagaFailed:
		m.counts.SagasFailed++
	case events.SagaStepCompleted:
		m.counts.StepsCompleted++
	case events.SagaStepFailed:
		m.counts.StepsFailed++
	case events.SagaStepCompensated, events.SagaCompensationFailed:
		m.counts.Compensations++
	case events.ProblemSolved:
		m.counts.ProblemsSolved++
	case events.ProblemFailed:
		m.counts.ProblemsFailed++
	case events.TaskCompleted:
		m.counts.TasksCompleted++
	case events.TaskFailed:
		m.counts.TasksFailed++
	case events.HealthStalled:
		m.counts.StallsReported++
	}
}

// Counts exposes the current counters, mostly for tests.
func (m Model) Counts() Counts {
	return m.counts
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder

	title := "maestro monitor"
	if m.done {
		if m.success {
			title += " " + m.doneStyle.Render("(settled)")
		} else {
			title += " " + m.failStyle.Render("(failed)")
		}
	} else {
		title += " " + m.spinner.View()
	}
	b.WriteString(m.headerStyle.Width(m.width).Render(title))
	b.WriteString("\n")

	b.WriteString(m.statStyle.Render(fmt.Sprintf(
		"workers %d (lost %d)  sagas %d ok / %d failed  problems %d solved / %d failed  tasks %d ok / %d failed",
		m.counts.Workers, m.counts.WorkersLost,
		m.counts.SagasCompleted, m.counts.SagasFailed,
		m.counts.ProblemsSolved, m.counts.ProblemsFailed,
		m.counts.TasksCompleted, m.counts.TasksFailed)))
	b.WriteString("\n\n")

	visible := m.height - 6
	if visible < 1 {
		visible = 1
	}
	start := 0
	if len(m.events) > visible {
		start = len(m.events) - visible
	}
	for _, e := range m.events[start:] {
		b.WriteString(m.renderEvent(e))
		b.WriteString("\n")
	}

	if m.done && m.message != "" {
		if m.success {
			b.WriteString(m.doneStyle.Render(m.message))
		} else {
			b.WriteString(m.failStyle.Render(m.message))
		}
		b.WriteString("\n")
	}

	b.WriteString(m.hintStyle.Render("q: quit"))
	return b.String()
}

// renderEvent styles one event line by severity.
func (m Model) renderEvent(e events.Event) string {
	ts := e.Timestamp.Format("15:04:05.000")
	line := fmt.Sprintf("%s  %-24s %s", ts, e.Type, e.Message)
	if e.Err != "" {
		line += " (" + e.Err + ")"
	}

	style := m.statStyle
	switch e.Type {
	case events.SagaCompleted, events.ProblemSolved, events.TaskCompleted, events.SagaStepCompleted:
		style = lipgloss.NewStyle().Foreground(lipgloss.Color("28"))
	case events.SagaFailed, events.ProblemFailed, events.TaskFailed,
		events.SagaStepFailed, events.SagaCompensationFailed, events.WorkerLost, events.HealthStalled:
		style = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	case events.SagaStepCompensated, events.SagaCompensated:
		style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	}
	return style.Render(truncate(line, m.width))
}

// truncate clips a line to the terminal width.
func truncate(s string, width int) string {
	if width <= 3 || len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}
