package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"manimate/types"
)

// openStream starts reading the event stream in the background and forwards
// every event to msgs. The command itself yields the first message.
func openStream(ctx context.Context, client *Client, chatID string, msgs chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		go func() {
			err := client.Stream(ctx, chatID, func(ev types.Event) {
				select {
				case msgs <- EventMsg{Event: ev}:
				case <-ctx.Done():
				}
			})
			select {
			case msgs <- StreamClosedMsg{Err: err}:
			case <-ctx.Done():
			}
		}()
		return waitForMsg(msgs)()
	}
}

// waitForMsg blocks for the next stream message
func waitForMsg(msgs <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-msgs
	}
}

// submit sends the topic once the stream is connected
func submit(ctx context.Context, client *Client, text, uid, chatID string) tea.Cmd {
	return func() tea.Msg {
		resp, err := client.Submit(ctx, text, uid, chatID)
		if err != nil {
			return SubmittedMsg{Err: err}
		}
		return SubmittedMsg{Tokens: resp.Tokens}
	}
}
