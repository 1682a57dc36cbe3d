// Package upstream defines the Provider interface for realtime multimodal
// conversation engines.
//
// An upstream engine accepts streamed audio (and optional image content) over
// a single stateful session and produces synthesised speech plus transcripts.
// The central abstraction is SessionHandle: a bidirectional handle whose
// server-side traffic is surfaced as one ordered stream of [Event] values,
// consumed by a per-session loop. Events arrive in the order the engine
// emitted them; no reordering is performed.
//
// All implementations must be safe for concurrent use.
package upstream

import (
	"context"
	"time"
)

// EventType discriminates the events an engine session can emit.
type EventType int

const (
	// EventResponseCreated signals the engine started generating a response.
	EventResponseCreated EventType = iota

	// EventResponseAudioDelta carries a chunk of synthesised PCM16 audio.
	EventResponseAudioDelta

	// EventResponseTranscriptDelta carries an incremental piece of the
	// assistant transcript.
	EventResponseTranscriptDelta

	// EventResponseTranscriptDone carries the complete assistant transcript
	// for the current response.
	EventResponseTranscriptDone

	// EventResponseDone signals the response lifecycle completed (whether
	// finished or cancelled).
	EventResponseDone

	// EventSpeechStarted signals the engine's voice-activity detector heard
	// the user start speaking.
	EventSpeechStarted

	// EventSpeechStopped signals the user stopped speaking.
	EventSpeechStopped

	// EventInputTranscript carries the finalized transcript of a user
	// utterance.
	EventInputTranscript

	// EventError carries a non-fatal engine error. Fatal errors close the
	// event channel instead; check [SessionHandle.Err] afterwards.
	EventError
)

// String returns the wire-style name of the event type.
func (t EventType) String() string {
	switch t {
	case EventResponseCreated:
		return "response.created"
	case EventResponseAudioDelta:
		return "response.audio.delta"
	case EventResponseTranscriptDelta:
		return "response.transcript.delta"
	case EventResponseTranscriptDone:
		return "response.transcript.done"
	case EventResponseDone:
		return "response.done"
	case EventSpeechStarted:
		return "speech.started"
	case EventSpeechStopped:
		return "speech.stopped"
	case EventInputTranscript:
		return "input.transcript"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one engine-originated occurrence. Exactly the fields relevant to
// Type are populated.
type Event struct {
	Type EventType

	// Audio holds decoded PCM16 data on EventResponseAudioDelta.
	Audio []byte

	// Text holds transcript content on transcript and input events.
	Text string

	// Err holds the engine error on EventError.
	Err error
}

// SessionConfig is the handshake configuration for a new engine session.
// The audio format is not configurable: PCM16 mono 24 kHz both directions.
type SessionConfig struct {
	// Voice selects the synthesised voice identity.
	Voice string

	// Instructions is the system-level behaviour prompt.
	Instructions string

	// VADThreshold tunes the engine's server-side voice-activity detector
	// (0.0–1.0). Zero means provider default.
	VADThreshold float64

	// SilenceDurationMs is how long the engine waits after speech stops
	// before finalizing the utterance. Zero means provider default.
	SilenceDurationMs int
}

// Credential is a short-lived secret that lets a client talk to the engine
// directly, bypassing the bridge for audio/video (peer-to-peer mode).
type Credential struct {
	// Value is the opaque secret to present to the engine.
	Value string

	// ExpiresAt is when the credential stops being accepted (~10 minutes
	// after issuance for known providers).
	ExpiresAt time.Time
}

// SessionHandle is an open engine session. Outbound calls must return
// quickly; inbound traffic is read from Events. All methods are safe for
// concurrent use. Callers must Close the handle when done.
type SessionHandle interface {
	// SendAudio appends a raw PCM16 chunk to the engine's input buffer.
	SendAudio(chunk []byte) error

	// ClearInputAudio discards any audio buffered on the engine that has not
	// been committed to a turn yet. Used when a response begins, so nothing
	// captured in the handoff instant is transcribed.
	ClearInputAudio() error

	// CreateMessage appends a conversation item with text and/or a compressed
	// image. Either text or image may be empty, not both.
	CreateMessage(role string, text string, image []byte) error

	// CreateResponse asks the engine to generate a response to the current
	// conversation state.
	CreateResponse() error

	// CancelResponse aborts the in-flight response and discards buffered
	// output (barge-in).
	CancelResponse() error

	// UpdateTurnDetection retunes the server-side VAD mid-session.
	UpdateTurnDetection(threshold float64, silenceMs int) error

	// Events returns the ordered stream of engine events. The channel is
	// closed when the session ends; check Err afterwards to distinguish a
	// clean close from a failure. Consumers must drain promptly.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil if it ended
	// cleanly (or is still open).
	Err() error

	// Close terminates the session and closes the Events channel.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime conversation engine.
type Provider interface {
	// Connect establishes a new engine session. The returned handle is ready
	// to accept audio once Connect returns. The caller owns the handle and
	// must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// MintCredential issues a short-lived credential for a direct
	// client↔engine session (peer-to-peer mode). Providers without such a
	// facility return an error.
	MintCredential(ctx context.Context, cfg SessionConfig) (Credential, error)
}
