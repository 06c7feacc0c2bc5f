// Package tui is the interactive trace viewer.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vburojevic/dxw/internal/domain"
	"github.com/vburojevic/dxw/internal/trace"
)

// NotificationMsg carries one trace notification into the program
type NotificationMsg trace.Notification

// ClosedMsg is sent when the notification stream ends
type ClosedMsg struct{}

// KeyMap holds the viewer's bindings
type KeyMap struct {
	Quit  key.Binding
	Pause key.Binding
	Clear key.Binding
	Stop  key.Binding
	Top   key.Binding
}

// DefaultKeyMap returns the default bindings
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		Pause: key.NewBinding(key.WithKeys("p", " "), key.WithHelp("p", "pause")),
		Clear: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear")),
		Stop:  key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "stop trace")),
		Top:   key.NewBinding(key.WithKeys("g"), key.WithHelp("g", "follow")),
	}
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	classStyles = map[domain.EventCategory]lipgloss.Style{
		domain.CategoryQuery:       lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		domain.CategoryStorage:     lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		domain.CategoryDirectQuery: lipgloss.NewStyle().Foreground(lipgloss.Color("13")),
		domain.CategoryError:       errStyle,
	}
)

// Model is the root bubbletea model
type Model struct {
	title  string
	notes  <-chan trace.Notification
	stop   func()
	keys   KeyMap
	vp     viewport.Model
	ready  bool
	width  int
	height int

	lines    []string
	capacity int
	paused   bool
	status   string
	notice   string
	events   int
	dropped  int
	done     bool
}

// New creates the viewer. stop is called when the user asks to stop the trace.
func New(title string, notes <-chan trace.Notification, capacity int, stop func()) Model {
	if capacity <= 0 {
		capacity = 1000
	}
	return Model{
		title:    title,
		notes:    notes,
		stop:     stop,
		keys:     DefaultKeyMap(),
		capacity: capacity,
		status:   "starting",
	}
}

// Init starts reading notifications
func (m Model) Init() tea.Cmd {
	return waitForNotification(m.notes)
}

func waitForNotification(ch <-chan trace.Notification) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return ClosedMsg{}
		}
		return NotificationMsg(n)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		h := msg.Height - 3
		if h < 1 {
			h = 1
		}
		if !m.ready {
			m.vp = viewport.New(msg.Width, h)
			m.ready = true
		} else {
			m.vp.Width, m.vp.Height = msg.Width, h
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Pause):
			m.paused = !m.paused
			return m, nil
		case key.Matches(msg, m.keys.Clear):
			m.lines = nil
			m.refresh()
			return m, nil
		case key.Matches(msg, m.keys.Stop):
			if m.stop != nil && !m.done {
				m.status = "stopping"
				go m.stop()
			}
			return m, nil
		case key.Matches(msg, m.keys.Top):
			m.vp.GotoBottom()
			return m, nil
		}
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		return m, cmd

	case NotificationMsg:
		m.apply(trace.Notification(msg))
		return m, waitForNotification(m.notes)

	case ClosedMsg:
		m.done = true
		if m.status != "completed" {
			m.status = "stopped"
		}
		return m, nil
	}
	return m, nil
}

// apply folds a notification into the model
func (m *Model) apply(n trace.Notification) {
	switch n.Kind {
	case trace.KindStarted:
		m.status = "started"
	case trace.KindCompleted:
		m.status = "completed"
	case trace.KindWarning:
		m.notice = warnStyle.Render("warning: " + n.Message)
	case trace.KindError:
		m.notice = errStyle.Render("error: " + n.Message)
	case trace.KindEvent:
		m.events++
		if m.paused {
			m.dropped++
			return
		}
		m.lines = append(m.lines, formatEvent(n.Event))
		if over := len(m.lines) - m.capacity; over > 0 {
			m.lines = m.lines[over:]
		}
		m.refresh()
	}
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	follow := m.vp.AtBottom()
	m.vp.SetContent(strings.Join(m.lines, "\n"))
	if follow {
		m.vp.GotoBottom()
	}
}

func formatEvent(ev *domain.TraceEvent) string {
	style, ok := classStyles[ev.EventClass.Category()]
	if !ok {
		style = lipgloss.NewStyle()
	}
	text := strings.Join(strings.Fields(ev.TextData), " ")
	if len(text) > 200 {
		text = text[:200] + "…"
	}
	dur := ""
	if ev.Duration > 0 {
		dur = fmt.Sprintf(" %dms", ev.Duration)
	}
	return fmt.Sprintf("%5d %s%s %s", ev.Sequence, style.Render(fmt.Sprintf("%-26s", ev.EventClass)), dur, text)
}

// View renders the model
func (m Model) View() string {
	if !m.ready {
		return "initializing…"
	}
	paused := ""
	if m.paused {
		paused = fmt.Sprintf(" [paused, %d skipped]", m.dropped)
	}
	header := titleStyle.Render(m.title) + statusStyle.Render(fmt.Sprintf("  %s  %d events%s", m.status, m.events, paused))
	footer := statusStyle.Render("q quit · p pause · c clear · s stop · g follow")
	if m.notice != "" {
		footer = m.notice + "  " + footer
	}
	return header + "\n" + m.vp.View() + "\n" + footer
}

// Status returns the displayed trace status
func (m Model) Status() string { return m.status }

// Lines returns the buffered event lines
func (m Model) Lines() []string { return m.lines }
