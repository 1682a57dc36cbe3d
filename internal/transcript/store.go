// Package transcript defines the conversation history store used by bridge
// sessions. Each completed turn (user utterance or assistant response) is
// appended as a [Turn]; the quality gate and future summarisation read back
// recent turns per session.
package transcript

import (
	"context"
	"sync"
	"time"
)

// Turn is one completed conversational turn.
type Turn struct {
	SessionID string
	// Role is "user" or "assistant".
	Role      string
	Text      string
	Timestamp time.Time
}

// Store persists conversational turns.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append records a completed turn.
	Append(ctx context.Context, turn Turn) error

	// Recent returns up to limit most recent turns for sessionID, ordered
	// chronologically (oldest first).
	Recent(ctx context.Context, sessionID string, limit int) ([]Turn, error)

	// Close releases any resources held by the store.
	Close()
}

// nopStore discards every turn.
type nopStore struct{}

var _ Store = nopStore{}

// NewNop returns a Store that discards all writes and returns no history.
func NewNop() Store { return nopStore{} }

func (nopStore) Append(context.Context, Turn) error { return nil }
func (nopStore) Recent(context.Context, string, int) ([]Turn, error) {
	return []Turn{}, nil
}
func (nopStore) Close() {}

// History is an in-memory Store bounding the retained turns per session.
// It is the default when no durable backend is configured.
type History struct {
	mu       sync.Mutex
	maxTurns int
	turns    map[string][]Turn
}

var _ Store = (*History)(nil)

// NewHistory creates an in-memory store keeping at most maxTurns turns per
// session. maxTurns <= 0 means unbounded.
func NewHistory(maxTurns int) *History {
	return &History{
		maxTurns: maxTurns,
		turns:    make(map[string][]Turn),
	}
}

// Append implements [Store], evicting the oldest turn once the per-session
// bound is reached.
func (h *History) Append(_ context.Context, turn Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts := append(h.turns[turn.SessionID], turn)
	if h.maxTurns > 0 && len(ts) > h.maxTurns {
		ts = ts[len(ts)-h.maxTurns:]
	}
	h.turns[turn.SessionID] = ts
	return nil
}

// Recent implements [Store].
func (h *History) Recent(_ context.Context, sessionID string, limit int) ([]Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts := h.turns[sessionID]
	if limit > 0 && len(ts) > limit {
		ts = ts[len(ts)-limit:]
	}
	out := make([]Turn, len(ts))
	copy(out, ts)
	return out, nil
}

// Drop removes all retained turns for sessionID. Called on session teardown
// so memory does not grow with session churn.
func (h *History) Drop(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.turns, sessionID)
}

// Close implements [Store].
func (h *History) Close() {}
