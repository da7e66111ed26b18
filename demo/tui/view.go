package tui

import (
	"fmt"
	"strings"
)

// View implements tea.Model interface
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render(TextTitle))
	b.WriteString("\n\n")

	b.WriteString(m.getStateText())
	b.WriteString("\n\n")

	if m.Opts.Topic != "" {
		b.WriteString(InfoStyle.Render(fmt.Sprintf("📚 Topic: %s", m.Opts.Topic)))
		b.WriteString("\n\n")
	}

	if len(m.Slots) > 0 {
		b.WriteString(BoxStyle.Render(m.formatSlots()))
		b.WriteString("\n\n")
	}

	if len(m.Logs) > 0 {
		b.WriteString(InfoStyle.Render("📝 Recent Activity:"))
		b.WriteString("\n")
		for _, line := range m.Logs {
			b.WriteString(InfoStyle.Render("   " + line))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if m.Done() {
		b.WriteString(HighlightStyle.Render(TextFooterDone))
	} else {
		b.WriteString(InfoStyle.Render(TextFooterActive))
	}
	return b.String()
}

// formatSlots lists every slot with its script title or a pending marker
func (m Model) formatSlots() string {
	var b strings.Builder
	for i, s := range m.Slots {
		token := s.Token
		if token == "" {
			token = "?"
		}
		if s.Script.Ready() {
			b.WriteString(StatusStyle.Render(fmt.Sprintf("%d. ✔ %s", i+1, scriptTitle(s.Script))))
			b.WriteString(InfoStyle.Render(fmt.Sprintf("  %s, %d scenes", token, len(s.Script.Scenes))))
		} else {
			b.WriteString(InfoStyle.Render(fmt.Sprintf("%d. … %s", i+1, token)))
		}
		if i < len(m.Slots)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
