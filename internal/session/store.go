package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sightline-voice/sightline/internal/config"
	"github.com/sightline-voice/sightline/internal/observe"
	"github.com/sightline-voice/sightline/internal/rules"
	"github.com/sightline-voice/sightline/internal/transcript"
	"github.com/sightline-voice/sightline/pkg/protocol"
	"github.com/sightline-voice/sightline/pkg/upstream"
)

// ErrSessionNotFound is returned when a session id is not in the registry.
var ErrSessionNotFound = errors.New("session: not found")

// Store is the concurrent registry of active sessions. It owns the session
// lifecycle: create on client connect, destroy on disconnect or fatal error.
// All methods are safe for concurrent use.
type Store struct {
	cfg        *config.Config
	provider   upstream.Provider
	history    transcript.Store
	metrics    *observe.Metrics
	log        *slog.Logger
	classifier IntentClassifier
	ruleSet    []rules.Rule

	mu       sync.RWMutex
	sessions map[string]*Session
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithClassifier replaces the default pattern-list visual intent classifier.
func WithClassifier(c IntentClassifier) StoreOption {
	return func(s *Store) { s.classifier = c }
}

// WithRules replaces the built-in fast-path rule set.
func WithRules(ruleSet []rules.Rule) StoreOption {
	return func(s *Store) { s.ruleSet = ruleSet }
}

// NewStore creates an empty registry.
func NewStore(cfg *config.Config, provider upstream.Provider, history transcript.Store, metrics *observe.Metrics, log *slog.Logger, opts ...StoreOption) *Store {
	st := &Store{
		cfg:        cfg,
		provider:   provider,
		history:    history,
		metrics:    metrics,
		log:        log,
		classifier: NewPatternClassifier(nil),
		ruleSet:    rules.DefaultRules(),
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Create establishes an upstream engine session, builds the Session around
// it, and registers it. The caller runs [Session.Run] and must eventually
// call [Store.Destroy].
func (st *Store) Create(ctx context.Context, client ClientSender) (*Session, error) {
	handle, err := st.provider.Connect(ctx, upstream.SessionConfig{
		Voice:             st.cfg.Upstream.Voice,
		Instructions:      st.cfg.Upstream.Instructions,
		VADThreshold:      st.cfg.Upstream.VADThreshold,
		SilenceDurationMs: st.cfg.Upstream.SilenceDurationMs,
	})
	if err != nil {
		return nil, fmt.Errorf("session: connect upstream: %w", err)
	}

	id := uuid.NewString()
	s := &Session{
		ID:       id,
		log:      st.log.With("session_id", shortID(id)),
		cfg:      st.cfg,
		metrics:  st.metrics,
		client:   client,
		upstream: handle,
		history:  st.history,
		inbox:    make(chan protocol.Envelope, inboxSize),
		internal: make(chan internalKind, 8),
		gate:     newEchoGate(st.cfg.Audio.EchoGrace()),
		turns:    newTurnMachine(),
		quality:  newQualityGate(st.cfg.Gate),
		visual:   newInjector(st.classifier),
		sched:    newInterjector(st.cfg.Interject),
		fast:     rules.NewEngine(st.ruleSet),
		mode:     protocol.ModeGeneral,
		done:     make(chan struct{}),
	}
	s.onClose = func() {
		st.metrics.ActiveSessions.Add(context.Background(), -1)
		if d, ok := st.history.(sessionDropper); ok {
			d.Drop(id)
		}
		st.forget(id)
	}

	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()

	st.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("session created")
	return s, nil
}

// Get returns the session for id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Destroy removes the session from the registry and tears it down: timers
// cancelled, upstream handle closed. Safe to call more than once.
func (st *Store) Destroy(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()

	if !ok {
		return
	}
	s.Close()
	s.log.Info("session destroyed")
}

// DestroyAll tears down every active session. Used at server shutdown.
func (st *Store) DestroyAll() {
	st.mu.Lock()
	all := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		all = append(all, s)
	}
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	if len(all) > 0 {
		st.log.Info("all sessions destroyed", "count", len(all))
	}
}

// Len returns the number of active sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// sessionDropper is implemented by history stores that hold per-session
// state worth releasing on teardown. Durable stores keep their turns and
// simply don't implement it.
type sessionDropper interface {
	Drop(sessionID string)
}

// forget removes the registry entry without tearing the session down.
// Runs from Session.Close, so the entry disappears however the session
// ends — explicit Destroy or upstream loss.
func (st *Store) forget(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// shortID trims a UUID to its first segment for log readability.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
