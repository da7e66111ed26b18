// Package push keeps the one live event channel each session may have.
package push

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"manimate/common"
	"manimate/types"
)

var (
	// ErrClosed is returned by a channel whose subscriber has gone away
	ErrClosed = errors.New("push: channel closed")
	// ErrChannelFull is returned when a subscriber is not keeping up
	ErrChannelFull = errors.New("push: channel full")
)

// Channel is one subscriber's event sink. Send must not block.
type Channel interface {
	Send(ev types.Event) error
}

type entry struct {
	mu     sync.Mutex
	ch     Channel
	connID string
	dead   bool
}

// Registry maps session ids to at most one channel each.
// Locking is per session id; sessions never contend with each other.
type Registry struct {
	entries sync.Map // session id -> *entry
	logger  arbor.ILogger
}

// NewRegistry creates an empty registry
func NewRegistry(logger arbor.ILogger) *Registry {
	if logger == nil {
		logger = common.NewNopLogger()
	}
	return &Registry{logger: logger}
}

// Subscription is a handle on one registration
type Subscription struct {
	SessionID string
	ConnID    string
	registry  *Registry
}

// Release unregisters the subscription's channel, unless another channel has
// since replaced it.
func (s *Subscription) Release() {
	if s == nil || s.registry == nil {
		return
	}
	s.registry.release(s.SessionID, s.ConnID)
}

// Active reports whether this subscription is still the session's channel.
// It turns false once replaced, released or dropped after a failed write.
func (s *Subscription) Active() bool {
	if s == nil || s.registry == nil {
		return false
	}
	v, ok := s.registry.entries.Load(s.SessionID)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.dead && e.connID == s.ConnID
}

// Register makes ch the session's channel. Any previous channel is dropped
// from the registry but not closed; it simply stops receiving events.
func (r *Registry) Register(sessionID string, ch Channel) *Subscription {
	connID := uuid.NewString()
	for {
		v, _ := r.entries.LoadOrStore(sessionID, &entry{})
		e := v.(*entry)

		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		replaced := e.ch != nil
		e.ch = ch
		e.connID = connID
		e.mu.Unlock()

		if replaced {
			r.logger.Info().Str("session", sessionID).Str("conn", connID).Msg("push channel replaced")
		} else {
			r.logger.Debug().Str("session", sessionID).Str("conn", connID).Msg("push channel registered")
		}
		return &Subscription{SessionID: sessionID, ConnID: connID, registry: r}
	}
}

// Unregister removes the session's channel. Safe to call when none exists.
func (r *Registry) Unregister(sessionID string) {
	v, ok := r.entries.Load(sessionID)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	r.kill(sessionID, e)
}

func (r *Registry) release(sessionID, connID string) {
	v, ok := r.entries.Load(sessionID)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connID != connID {
		return
	}
	r.kill(sessionID, e)
}

// kill must be called with e.mu held
func (r *Registry) kill(sessionID string, e *entry) {
	if e.dead {
		return
	}
	e.dead = true
	e.ch = nil
	r.entries.CompareAndDelete(sessionID, e)
}

// Send writes ev to the session's channel and reports whether it was delivered.
// With no channel registered the event is dropped; there is no redelivery.
// A channel that fails a write is removed.
func (r *Registry) Send(sessionID string, ev types.Event) bool {
	v, ok := r.entries.Load(sessionID)
	if !ok {
		r.logger.Debug().Str("session", sessionID).Str("event", string(ev.Type)).Msg("no push channel, event dropped")
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dead || e.ch == nil {
		return false
	}
	if err := e.ch.Send(ev); err != nil {
		r.logger.Warn().Err(err).Str("session", sessionID).Str("event", string(ev.Type)).Msg("push channel write failed, removing")
		r.kill(sessionID, e)
		return false
	}
	return true
}

// Has reports whether a channel is registered for the session
func (r *Registry) Has(sessionID string) bool {
	v, ok := r.entries.Load(sessionID)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.dead && e.ch != nil
}

// Len returns the number of registered channels
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.dead && e.ch != nil {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}
