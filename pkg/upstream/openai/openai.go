// Package openai implements the upstream.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks. Server events are
// translated into the ordered [upstream.Event] stream; automatic response
// creation is disabled in the handshake so the bridge decides when a
// response is generated.
//
// MintCredential issues ephemeral client secrets for the peer-to-peer
// transport via the provider's REST endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sightline-voice/sightline/pkg/upstream"
)

// Compile-time assertions that Provider and session satisfy the upstream
// interfaces.
var _ upstream.Provider = (*Provider)(nil)
var _ upstream.SessionHandle = (*session)(nil)

const (
	defaultModel          = "gpt-4o-realtime-preview"
	defaultBaseURL        = "wss://api.openai.com/v1/realtime"
	defaultSessionsURL    = "https://api.openai.com/v1/realtime/sessions"
	defaultEventBuf       = 256
	defaultSilenceMs      = 500
	transcriptionModel    = "whisper-1"
	credentialMintTimeout = 10 * time.Second
)

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Realtime model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSessionsURL overrides the REST endpoint used for ephemeral credential
// minting.
func WithSessionsURL(url string) Option {
	return func(p *Provider) { p.sessionsURL = url }
}

// WithHTTPClient overrides the HTTP client used for credential minting.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ──────────────────────────────────────────────────────────────────

// Provider implements upstream.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	sessionsURL string
	httpClient  *http.Client
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		baseURL:     defaultBaseURL,
		sessionsURL: defaultSessionsURL,
		httpClient:  &http.Client{Timeout: credentialMintTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Realtime session. The returned handle is ready
// to accept audio once the session.update handshake has been sent.
func (p *Provider) Connect(ctx context.Context, cfg upstream.SessionConfig) (upstream.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan upstream.Event, defaultEventBuf),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// MintCredential creates an ephemeral Realtime session via the REST API and
// returns its client secret. The secret is valid for roughly ten minutes.
func (p *Provider) MintCredential(ctx context.Context, cfg upstream.SessionConfig) (upstream.Credential, error) {
	body := map[string]any{"model": p.model}
	if cfg.Voice != "" {
		body["voice"] = cfg.Voice
	}
	if cfg.Instructions != "" {
		body["instructions"] = cfg.Instructions
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return upstream.Credential{}, fmt.Errorf("openai: marshal credential request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sessionsURL, bytes.NewReader(payload))
	if err != nil {
		return upstream.Credential{}, fmt.Errorf("openai: credential request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "realtime=v1")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return upstream.Credential{}, fmt.Errorf("openai: mint credential: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return upstream.Credential{}, fmt.Errorf("openai: mint credential: status %d: %s", resp.StatusCode, data)
	}

	var parsed struct {
		ClientSecret struct {
			Value     string `json:"value"`
			ExpiresAt int64  `json:"expires_at"`
		} `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return upstream.Credential{}, fmt.Errorf("openai: decode credential: %w", err)
	}
	if parsed.ClientSecret.Value == "" {
		return upstream.Credential{}, fmt.Errorf("openai: credential response missing client_secret")
	}

	return upstream.Credential{
		Value:     parsed.ClientSecret.Value,
		ExpiresAt: time.Unix(parsed.ClientSecret.ExpiresAt, 0),
	}, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string          `json:"voice,omitempty"`
	Instructions            string          `json:"instructions,omitempty"`
	InputAudioFormat        string          `json:"input_audio_format"`
	OutputAudioFormat       string          `json:"output_audio_format"`
	TurnDetection           *turnDetection  `json:"turn_detection,omitempty"`
	InputAudioTranscription *transcription  `json:"input_audio_transcription,omitempty"`
	Modalities              []string        `json:"modalities,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`

	// CreateResponse is always false: the bridge drives response creation
	// explicitly so it can inject visual context and enforce the single
	// in-flight response invariant.
	CreateResponse bool `json:"create_response"`
}

type transcription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// serverErrorDetail is the nested error object of a Realtime error event.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ───────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan upstream.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate sends the session.update handshake configuring voice,
// instructions, audio formats, input transcription, and server VAD with
// automatic response creation disabled.
func (s *session) sendSessionUpdate(cfg upstream.SessionConfig) error {
	silence := cfg.SilenceDurationMs
	if silence <= 0 {
		silence = defaultSilenceMs
	}
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Modalities:        []string{"audio", "text"},
		TurnDetection: &turnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VADThreshold,
			SilenceDurationMs: silence,
			CreateResponse:    false,
		},
		InputAudioTranscription: &transcription{Model: transcriptionModel},
	}
	if cfg.Voice != "" {
		params.Voice = cfg.Voice
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads server events from the WebSocket, translates them into
// upstream.Event values, and emits them in arrival order. It owns the events
// channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.created":
		s.emit(upstream.Event{Type: upstream.EventResponseCreated})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(data) == 0 {
			return
		}
		s.emit(upstream.Event{Type: upstream.EventResponseAudioDelta, Audio: data})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(upstream.Event{Type: upstream.EventResponseTranscriptDelta, Text: evt.Delta})

	case "response.audio_transcript.done":
		s.emit(upstream.Event{Type: upstream.EventResponseTranscriptDone, Text: evt.Transcript})

	case "response.done":
		s.emit(upstream.Event{Type: upstream.EventResponseDone})

	case "input_audio_buffer.speech_started":
		s.emit(upstream.Event{Type: upstream.EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		s.emit(upstream.Event{Type: upstream.EventSpeechStopped})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(upstream.Event{Type: upstream.EventInputTranscript, Text: evt.Transcript})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(upstream.Event{Type: upstream.EventError, Err: fmt.Errorf("openai: %s", msg)})
	}
}

// emit delivers an event unless the session is shutting down.
func (s *session) emit(evt upstream.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// ── SessionHandle methods ─────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 audio chunk to the engine's input buffer.
func (s *session) SendAudio(chunk []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// ClearInputAudio discards uncommitted audio buffered on the engine.
func (s *session) ClearInputAudio() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.clear"})
}

// CreateMessage appends a conversation item carrying text and/or an image.
func (s *session) CreateMessage(role string, text string, image []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if text == "" && len(image) == 0 {
		return fmt.Errorf("openai: create message: empty content")
	}

	// The Realtime API supports "user", "assistant", and "system" roles for
	// conversation items. Unknown roles are coerced to "user".
	switch role {
	case "assistant", "system":
	default:
		role = "user"
	}
	partType := "input_text"
	if role == "assistant" {
		partType = "text"
	}

	var parts []conversationPart
	if text != "" {
		parts = append(parts, conversationPart{Type: partType, Text: text})
	}
	if len(image) > 0 {
		parts = append(parts, conversationPart{
			Type:     "input_image",
			ImageURL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image),
		})
	}

	return s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{Type: "message", Role: role, Content: parts},
	})
}

// CreateResponse asks the engine to generate a response now.
func (s *session) CreateResponse() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// CancelResponse aborts the in-flight response (barge-in).
func (s *session) CancelResponse() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// UpdateTurnDetection retunes the server VAD via a partial session.update.
func (s *session) UpdateTurnDetection(threshold float64, silenceMs int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if silenceMs <= 0 {
		silenceMs = defaultSilenceMs
	}
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         threshold,
				SilenceDurationMs: silenceMs,
				CreateResponse:    false,
			},
		},
	})
}

// Events returns the ordered engine event stream.
func (s *session) Events() <-chan upstream.Event { return s.events }

// Err returns the error that terminated the session, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("openai: session closed")
	}
	return nil
}
