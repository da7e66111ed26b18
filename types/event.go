package types

import "time"

// EventType names the records pushed to a session's event stream
type EventType string

const (
	EventConnected          EventType = "connected"
	EventScriptReady        EventType = "script_ready"
	EventAllScriptsComplete EventType = "all_scripts_complete"
	EventGenerationTimeout  EventType = "generation_timeout"
)

// Event is a single record on a session's push channel.
// Only the fields relevant to Type are populated. Completed is a pointer so
// terminal events report a zero count instead of dropping the key.
type Event struct {
	Type         EventType `json:"type"`
	SessionID    string    `json:"chatID,omitempty"`
	Message      string    `json:"message,omitempty"`
	Data         *Script   `json:"data,omitempty"`
	ReadyToken   string    `json:"readyToken,omitempty"`
	ScriptIndex  int       `json:"scriptIndex,omitempty"`
	TotalScripts int       `json:"totalScripts,omitempty"`
	AllScripts   []*Script `json:"allScripts,omitempty"`
	AllTokens    []string  `json:"allTokens,omitempty"`
	Completed    *int      `json:"completed,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
