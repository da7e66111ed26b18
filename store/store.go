// Package store persists session progress. Writes from the poll cycle are
// best-effort; callers log failures and carry on.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"manimate/types"
)

var (
	// ErrNotFound is returned when no session exists for an id
	ErrNotFound = errors.New("store: session not found")
	// ErrOwnerMismatch is returned when a session id is already held by another owner
	ErrOwnerMismatch = errors.New("store: session owned by another user")
	// ErrSlotMismatch is returned when progress does not line up with the session's tokens
	ErrSlotMismatch = errors.New("store: progress does not match token count")
)

// Store is the session state store
type Store interface {
	// Create persists a new session with one empty slot per token.
	// Repeating it for the same owner and content is a no-op; the same owner
	// with a different token set starts over.
	Create(ctx context.Context, s *types.Session) error
	// UpsertProgress merges slot-aligned progress into the session.
	// Filled slots are never cleared or replaced.
	UpsertProgress(ctx context.Context, id string, scripts []*types.Script, readyTokens []string) error
	SetStatus(ctx context.Context, id string, status types.SessionStatus) error
	Get(ctx context.Context, id string) (*types.Session, error)
}

// sameRun reports whether two sessions describe the same submission
func sameRun(a, b *types.Session) bool {
	return a.OwnerID == b.OwnerID && a.Topic == b.Topic && slices.Equal(a.Tokens, b.Tokens)
}

// checkCreate decides what Create should do given the existing record.
// It returns true when the incoming session should be written.
func checkCreate(existing, incoming *types.Session) (bool, error) {
	if existing == nil {
		return true, nil
	}
	if existing.OwnerID != incoming.OwnerID {
		return false, fmt.Errorf("%w: %s", ErrOwnerMismatch, incoming.ID)
	}
	return !sameRun(existing, incoming), nil
}

// prepare fills in the slots and timestamps of a session about to be created
func prepare(s *types.Session, now time.Time) *types.Session {
	c := s.Clone()
	n := len(c.Tokens)
	if len(c.Scripts) != n {
		c.Scripts = make([]*types.Script, n)
	}
	if len(c.ReadyTokens) != n {
		c.ReadyTokens = make([]string, n)
	}
	if c.Status == "" {
		c.Status = types.SessionGenerating
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return c
}

// applyProgress merges scripts and readyTokens into s in place and reports
// whether anything changed.
func applyProgress(s *types.Session, scripts []*types.Script, readyTokens []string, now time.Time) (bool, error) {
	n := len(s.Tokens)
	if len(scripts) != n || len(readyTokens) != n {
		return false, fmt.Errorf("%w: session %s has %d tokens, got %d scripts and %d ready tokens",
			ErrSlotMismatch, s.ID, n, len(scripts), len(readyTokens))
	}
	s.Scripts = resize(s.Scripts, n)
	s.ReadyTokens = resize(s.ReadyTokens, n)

	changed := false
	for i := range n {
		if s.Scripts[i].Ready() || !scripts[i].Ready() {
			continue
		}
		if readyTokens[i] != s.Tokens[i] {
			return false, fmt.Errorf("%w: slot %d token %q is not %q", ErrSlotMismatch, i, readyTokens[i], s.Tokens[i])
		}
		s.Scripts[i] = scripts[i]
		s.ReadyTokens[i] = readyTokens[i]
		changed = true
	}
	if changed {
		s.UpdatedAt = now
	}
	return changed, nil
}

// resize pads or truncates a slot list to n entries
func resize[T any](xs []T, n int) []T {
	if len(xs) >= n {
		return xs[:n]
	}
	return append(xs, make([]T, n-len(xs))...)
}
