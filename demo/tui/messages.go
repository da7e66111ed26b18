package tui

import "manimate/types"

// EventMsg carries one record from the session's event stream
type EventMsg struct {
	Event types.Event
}

// StreamClosedMsg is sent when the event stream ends
type StreamClosedMsg struct {
	Err error
}

// SubmittedMsg is sent once the submission has been accepted or refused
type SubmittedMsg struct {
	Tokens []string
	Err    error
}
