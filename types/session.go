package types

import "time"

// SessionStatus tracks where a session's generation ended up
type SessionStatus string

const (
	SessionGenerating SessionStatus = "generating"
	SessionComplete   SessionStatus = "complete"
	SessionPartial    SessionStatus = "partial"
	SessionCancelled  SessionStatus = "cancelled"
)

// Session is one logical generation request.
// Scripts and ReadyTokens are slot-aligned with Tokens; an empty slot means
// the token at that index has not produced a script yet.
type Session struct {
	ID          string        `json:"chatID"`
	OwnerID     string        `json:"uid"`
	Topic       string        `json:"text"`
	Tokens      []string      `json:"scriptToken"`
	Scripts     []*Script     `json:"script"`
	ReadyTokens []string      `json:"readyToken"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// NewSession builds a session with one empty slot per token
func NewSession(id, ownerID, topic string, tokens []string, now time.Time) *Session {
	return &Session{
		ID:          id,
		OwnerID:     ownerID,
		Topic:       topic,
		Tokens:      append([]string(nil), tokens...),
		Scripts:     make([]*Script, len(tokens)),
		ReadyTokens: make([]string, len(tokens)),
		Status:      SessionGenerating,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Completed returns how many slots hold a script
func (s *Session) Completed() int {
	return CountReady(s.Scripts)
}

// Clone returns a deep enough copy for handing out of a store
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Tokens = append([]string(nil), s.Tokens...)
	c.Scripts = append([]*Script(nil), s.Scripts...)
	c.ReadyTokens = append([]string(nil), s.ReadyTokens...)
	return &c
}
