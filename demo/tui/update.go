package tui

import (
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"manimate/types"
)

// Update implements tea.Model interface
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)
	case EventMsg:
		return m.handleEvent(msg.Event)
	case SubmittedMsg:
		return m.handleSubmitted(msg)
	case StreamClosedMsg:
		return m.handleStreamClosed(msg)
	}
	return m, nil
}

// handleKeyPress processes keyboard input
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.cancel()
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) handleEvent(ev types.Event) (tea.Model, tea.Cmd) {
	next := waitForMsg(m.msgs)

	switch ev.Type {
	case types.EventConnected:
		m = m.AddLog(ev.Message)
		if m.Opts.Topic == "" {
			m.State = StateWaiting
			return m, next
		}
		m.State = StateSubmitting
		return m, tea.Batch(next, submit(m.ctx, m.Client, m.Opts.Topic, m.Opts.UID, m.Opts.ChatID))

	case types.EventScriptReady:
		m = m.ensureSlots(max(ev.TotalScripts, ev.ScriptIndex))
		if ev.ScriptIndex >= 1 {
			m.Slots[ev.ScriptIndex-1] = Slot{Token: ev.ReadyToken, Script: ev.Data}
		}
		m.State = StateWaiting
		m = m.AddLog(fmt.Sprintf("Script %d/%d ready (%s)", ev.ScriptIndex, m.Total, scriptTitle(ev.Data)))

	case types.EventAllScriptsComplete:
		m = m.fillFrom(ev.AllTokens, ev.AllScripts)
		m.State = StateComplete
		m = m.AddLog("All scripts complete")
		m.cancel()
		return m, nil

	case types.EventGenerationTimeout:
		m = m.fillFrom(ev.AllTokens, ev.AllScripts)
		m.State = StateTimedOut
		m = m.AddLog(ev.Message)
		m.cancel()
		return m, nil
	}
	return m, next
}

// fillFrom replaces slot contents with the slot-aligned lists of a terminal event
func (m Model) fillFrom(tokens []string, scripts []*types.Script) Model {
	m = m.ensureSlots(len(tokens))
	for i, tok := range tokens {
		var s *types.Script
		if i < len(scripts) {
			s = scripts[i]
		}
		if s.Ready() {
			m.Slots[i] = Slot{Token: tok, Script: s}
		} else if m.Slots[i].Token == "" {
			m.Slots[i].Token = tok
		}
	}
	return m
}

func (m Model) handleSubmitted(msg SubmittedMsg) (tea.Model, tea.Cmd) {
	if msg.Err != nil {
		m.State = StateError
		m.Err = fmt.Errorf("submission failed: %w", msg.Err)
		m.cancel()
		return m, nil
	}
	m = m.ensureSlots(len(msg.Tokens))
	for i, tok := range msg.Tokens {
		if m.Slots[i].Token == "" {
			m.Slots[i].Token = tok
		}
	}
	if !m.Done() {
		m.State = StateWaiting
	}
	m = m.AddLog(fmt.Sprintf("Submitted, %d scripts requested", len(msg.Tokens)))
	return m, nil
}

func (m Model) handleStreamClosed(msg StreamClosedMsg) (tea.Model, tea.Cmd) {
	if m.Done() {
		return m, nil
	}
	m.State = StateError
	m.Err = msg.Err
	if m.Err == nil {
		m.Err = errors.New("event stream closed")
	}
	return m, nil
}

func scriptTitle(s *types.Script) string {
	if s == nil || s.Title == "" {
		return "untitled"
	}
	return s.Title
}
