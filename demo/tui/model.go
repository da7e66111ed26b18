package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"manimate/types"
)

// State represents the watcher's state machine
type State string

const (
	StateConnecting State = "connecting"
	StateSubmitting State = "submitting"
	StateWaiting    State = "waiting"
	StateComplete   State = "complete"
	StateTimedOut   State = "timed_out"
	StateError      State = "error"
)

// Slot is one token's position in the session
type Slot struct {
	Token  string
	Script *types.Script
}

// Options configures the watcher. With an empty Topic the watcher only
// listens; otherwise it submits the topic once the stream is connected.
type Options struct {
	ServerURL string
	ChatID    string
	UID       string
	Topic     string
}

// Model represents the TUI state
type Model struct {
	Client *Client
	Opts   Options

	State State
	Slots []Slot
	Total int
	Logs  []string
	Err   error

	ctx    context.Context
	cancel context.CancelFunc
	msgs   chan tea.Msg
	now    func() time.Time
}

// NewModel creates a new TUI model
func NewModel(opts Options) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		Client: NewClient(opts.ServerURL),
		Opts:   opts,
		State:  StateConnecting,
		ctx:    ctx,
		cancel: cancel,
		msgs:   make(chan tea.Msg, 64),
		now:    time.Now,
	}
}

// Init implements tea.Model interface
func (m Model) Init() tea.Cmd {
	return openStream(m.ctx, m.Client, m.Opts.ChatID, m.msgs)
}

// Ready returns how many slots hold a script
func (m Model) Ready() int {
	n := 0
	for _, s := range m.Slots {
		if s.Script.Ready() {
			n++
		}
	}
	return n
}

// AddLog appends a timestamped line, keeping the most recent few
func (m Model) AddLog(msg string) Model {
	line := fmt.Sprintf("[%s] %s", m.now().Format("15:04:05"), msg)
	m.Logs = append(m.Logs, line)
	if len(m.Logs) > maxLogs {
		m.Logs = m.Logs[len(m.Logs)-maxLogs:]
	}
	return m
}

// Done reports whether the session reached a terminal state
func (m Model) Done() bool {
	return m.State == StateComplete || m.State == StateTimedOut || m.State == StateError
}

// ensureSlots grows the slot list to n entries
func (m Model) ensureSlots(n int) Model {
	if n > m.Total {
		m.Total = n
	}
	for len(m.Slots) < m.Total {
		m.Slots = append(m.Slots, Slot{})
	}
	return m
}

// getStateText returns the appropriate state message
func (m Model) getStateText() string {
	switch m.State {
	case StateConnecting:
		return StatusStyle.Render(fmt.Sprintf("🔌 Connecting to session %s...", m.Opts.ChatID))
	case StateSubmitting:
		return StatusStyle.Render("📤 Submitting topic...")
	case StateWaiting:
		return StatusStyle.Render(fmt.Sprintf("⏳ Waiting for scripts (%d/%d ready)...", m.Ready(), m.Total))
	case StateComplete:
		return HighlightStyle.Render("✅ ALL SCRIPTS READY")
	case StateTimedOut:
		return WarnStyle.Render(fmt.Sprintf("⏰ Timed out with %d/%d scripts", m.Ready(), m.Total))
	case StateError:
		errMsg := "Unknown error"
		if m.Err != nil {
			errMsg = m.Err.Error()
		}
		return ErrorStyle.Render(fmt.Sprintf("❌ Error: %v", errMsg))
	default:
		return ""
	}
}
