// Package mock provides test doubles for the upstream package interfaces.
//
// Use Provider to verify Connect calls and feed controlled engine sessions.
// Use Session to script the engine event stream and inspect which outbound
// calls the bridge made.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(upstream.Event{Type: upstream.EventResponseCreated})
package mock

import (
	"context"
	"sync"

	"github.com/sightline-voice/sightline/pkg/upstream"
)

// Compile-time assertions.
var _ upstream.Provider = (*Provider)(nil)
var _ upstream.SessionHandle = (*Session)(nil)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg upstream.SessionConfig
}

// Provider is a mock implementation of upstream.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the handle returned by Connect. If nil, Connect returns a
	// new default Session.
	Session upstream.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Credential is returned by MintCredential.
	Credential upstream.Credential

	// MintErr, if non-nil, is returned as the error from MintCredential.
	MintErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg upstream.SessionConfig) (upstream.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// MintCredential returns Credential, MintErr.
func (p *Provider) MintCredential(_ context.Context, _ upstream.SessionConfig) (upstream.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.MintErr != nil {
		return upstream.Credential{}, p.MintErr
	}
	return p.Credential, nil
}

// Session is a scriptable implementation of upstream.SessionHandle.
// Feed engine events with Emit; inspect outbound traffic via the recorded
// call slices. All methods are safe for concurrent use.
type Session struct {
	mu sync.Mutex

	events chan upstream.Event
	closed bool

	// ErrVal is returned by Err.
	ErrVal error

	// CallErr, if non-nil, is returned by every outbound call
	// (SendAudio, CreateMessage, …).
	CallErr error

	// SentAudio records every chunk passed to SendAudio.
	SentAudio [][]byte

	// Messages records every CreateMessage invocation.
	Messages []MessageCall

	// CreateResponseCalls counts CreateResponse invocations.
	CreateResponseCalls int

	// CancelResponseCalls counts CancelResponse invocations.
	CancelResponseCalls int

	// ClearInputCalls counts ClearInputAudio invocations.
	ClearInputCalls int

	// TurnDetectionUpdates records every UpdateTurnDetection invocation.
	TurnDetectionUpdates []TurnDetectionCall
}

// MessageCall records one CreateMessage invocation.
type MessageCall struct {
	Role  string
	Text  string
	Image []byte
}

// TurnDetectionCall records one UpdateTurnDetection invocation.
type TurnDetectionCall struct {
	Threshold float64
	SilenceMs int
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan upstream.Event, 64)}
}

// Emit delivers an engine event to the bridge. Panics if called after
// CloseEvents (same contract as a real closed session).
func (s *Session) Emit(evt upstream.Event) {
	s.events <- evt
}

// CloseEvents closes the event channel, simulating session termination.
// Set ErrVal before calling to simulate a failure.
func (s *Session) CloseEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CallErr != nil {
		return s.CallErr
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.SentAudio = append(s.SentAudio, buf)
	return nil
}

// ClearInputAudio records the call.
func (s *Session) ClearInputAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CallErr != nil {
		return s.CallErr
	}
	s.ClearInputCalls++
	return nil
}

// CreateMessage records the call.
func (s *Session) CreateMessage(role string, text string, image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CallErr != nil {
		return s.CallErr
	}
	s.Messages = append(s.Messages, MessageCall{Role: role, Text: text, Image: image})
	return nil
}

// CreateResponse records the call.
func (s *Session) CreateResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CallErr != nil {
		return s.CallErr
	}
	s.CreateResponseCalls++
	return nil
}

// CancelResponse records the call.
func (s *Session) CancelResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CallErr != nil {
		return s.CallErr
	}
	s.CancelResponseCalls++
	return nil
}

// UpdateTurnDetection records the call.
func (s *Session) UpdateTurnDetection(threshold float64, silenceMs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CallErr != nil {
		return s.CallErr
	}
	s.TurnDetectionUpdates = append(s.TurnDetectionUpdates, TurnDetectionCall{Threshold: threshold, SilenceMs: silenceMs})
	return nil
}

// Events returns the scripted event channel.
func (s *Session) Events() <-chan upstream.Event { return s.events }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close closes the event channel. Idempotent.
func (s *Session) Close() error {
	s.CloseEvents()
	return nil
}

// Snapshot helpers: return copies so tests can assert without racing the
// session loop.

// SentAudioCount returns the number of chunks forwarded so far.
func (s *Session) SentAudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SentAudio)
}

// ResponseCount returns the number of CreateResponse calls so far.
func (s *Session) ResponseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CreateResponseCalls
}

// CancelCount returns the number of CancelResponse calls so far.
func (s *Session) CancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CancelResponseCalls
}

// TurnDetectionCalls returns a copy of recorded UpdateTurnDetection calls.
func (s *Session) TurnDetectionCalls() []TurnDetectionCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TurnDetectionCall, len(s.TurnDetectionUpdates))
	copy(out, s.TurnDetectionUpdates)
	return out
}

// MessageCalls returns a copy of recorded CreateMessage calls.
func (s *Session) MessageCalls() []MessageCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MessageCall, len(s.Messages))
	copy(out, s.Messages)
	return out
}
