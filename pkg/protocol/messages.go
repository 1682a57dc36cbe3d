// Package protocol defines the JSON message envelopes exchanged between a
// client device and the bridge over the WebSocket transport, plus the
// session modes and perception packet shared across packages.
//
// Every message is a single JSON text frame tagged by a "type" field. Binary
// payloads (audio, frames) are base64-encoded in the Data field.
package protocol

// MessageType tags an [Envelope].
type MessageType string

// Client → bridge message types.
const (
	// TypeAudio carries a base64 PCM16 chunk of microphone capture.
	TypeAudio MessageType = "audio"

	// TypeFrame carries a base64 compressed image; capture time is implicit
	// (the moment the bridge receives it).
	TypeFrame MessageType = "frame"

	// TypeSensitivity updates the proactivity dial (0.0–1.0).
	TypeSensitivity MessageType = "sensitivity"

	// TypeMode switches the session operating mode.
	TypeMode MessageType = "mode"

	// TypeUserMessage is a typed (non-spoken) user utterance.
	TypeUserMessage MessageType = "user_message"

	// TypePerception carries a structured perception packet for the
	// rule-engine fast path.
	TypePerception MessageType = "perception"

	// TypePing is the client liveness heartbeat.
	TypePing MessageType = "ping"
)

// Bridge → client message types.
const (
	// TypeSessionReady confirms the upstream handshake completed.
	TypeSessionReady MessageType = "session_ready"

	// TypeTranscript surfaces a finalized conversation turn (Role + Text).
	TypeTranscript MessageType = "transcript"

	// TypeError reports a failure requiring user awareness.
	TypeError MessageType = "error"

	// TypeMuteMic instructs the client to stop capturing microphone audio.
	TypeMuteMic MessageType = "mute_mic"

	// TypeUnmuteMic re-enables microphone capture.
	TypeUnmuteMic MessageType = "unmute_mic"

	// TypeStopAudio instructs the client to stop local playback immediately
	// (barge-in).
	TypeStopAudio MessageType = "stop_audio"

	// TypeRequestFrame asks the client for a fresh video frame.
	TypeRequestFrame MessageType = "request_frame"

	// TypePong answers a [TypePing].
	TypePong MessageType = "pong"
)

// Envelope is the wire representation of every client↔bridge message.
// Unused fields are omitted from the encoded JSON.
type Envelope struct {
	Type MessageType `json:"type"`

	// SessionID is set on session_ready and optional elsewhere.
	SessionID string `json:"session_id,omitempty"`

	// Data holds binary payloads (audio chunks, frames); base64 on the wire.
	Data []byte `json:"data,omitempty"`

	// Text holds transcript or user_message content.
	Text string `json:"text,omitempty"`

	// Role is "user" or "assistant" on transcript messages.
	Role string `json:"role,omitempty"`

	// Value holds the sensitivity setting.
	Value float64 `json:"value,omitempty"`

	// Mode holds the target mode on mode messages.
	Mode Mode `json:"mode,omitempty"`

	// Message holds the human-readable text of error messages.
	Message string `json:"message,omitempty"`

	// Perception holds the structured packet on perception messages.
	Perception *PerceptionPacket `json:"perception,omitempty"`
}

// Mode is the session operating context. It selects rule sets, response
// length ceilings, frame freshness windows, and injection behaviour.
type Mode string

const (
	ModeGeneral Mode = "general"

	// ModeDriving relies on a separate on-device perception path; the visual
	// context injector is bypassed entirely in this mode.
	ModeDriving Mode = "driving"

	ModeCooking Mode = "cooking"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeGeneral, ModeDriving, ModeCooking:
		return true
	}
	return false
}

// PerceptionPacket is structured perception data derived on-device: the
// finalized transcript of the current utterance (if any) plus scene signals
// for the active mode. It is the sole input of the rule-engine fast path and
// the confidence source for the interjection scheduler.
type PerceptionPacket struct {
	// Transcript is the finalized user utterance, empty for scene-only packets.
	Transcript string `json:"transcript,omitempty"`

	// Labels lists detected object/scene labels.
	Labels []string `json:"labels,omitempty"`

	// Signals holds named scalar signals in [0,1] (e.g. "hazard_ahead").
	Signals map[string]float64 `json:"signals,omitempty"`

	// Novelty is the raw scene-novelty score in [0,1]. Raw detector scores
	// are systematically over-confident; pass through a calibration curve
	// before comparing against decision thresholds.
	Novelty float64 `json:"novelty,omitempty"`
}
