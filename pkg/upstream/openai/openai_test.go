package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sightline-voice/sightline/pkg/upstream"
	"github.com/sightline-voice/sightline/pkg/upstream/openai"
)

// startRealtimeServer starts an httptest server that upgrades to WebSocket
// and invokes handler with the accepted connection.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// connect dials the mock server, consumes the session.update handshake, and
// returns the session handle plus the server-side connection.
func connect(t *testing.T, cfg upstream.SessionConfig) (upstream.SessionHandle, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Hand the hijacked connection to the test; it stays open until the
		// test closes it.
		connCh <- conn
	})

	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	select {
	case conn := <-connCh:
		return sess, conn
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw the connection")
		return nil, nil
	}
}

func TestConnectRequestHeaders(t *testing.T) {
	t.Parallel()

	reqCh := make(chan *http.Request, 1)
	srv := startRealtimeServer(t, func(_ *websocket.Conn, r *http.Request) {
		reqCh <- r
	})

	p := openai.New("sk-secret",
		openai.WithBaseURL(wsURL(srv)),
		openai.WithModel("gpt-4o-realtime-test"),
	)
	sess, err := p.Connect(context.Background(), upstream.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	var r *http.Request
	select {
	case r = <-reqCh:
	case <-time.After(3 * time.Second):
		t.Fatal("no request received")
	}

	if got := r.Header.Get("Authorization"); got != "Bearer sk-secret" {
		t.Errorf("Authorization = %q", got)
	}
	if got := r.Header.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", got)
	}
	if got := r.URL.Query().Get("model"); got != "gpt-4o-realtime-test" {
		t.Errorf("model query = %q", got)
	}
}

func TestConnectSendsSessionUpdate(t *testing.T) {
	t.Parallel()

	_, conn := connect(t, upstream.SessionConfig{
		Voice:             "sage",
		Instructions:      "be terse",
		VADThreshold:      0.6,
		SilenceDurationMs: 700,
	})

	msg := readJSON(t, conn)
	if msg["type"] != "session.update" {
		t.Fatalf("first message type = %v, want session.update", msg["type"])
	}
	sess, ok := msg["session"].(map[string]any)
	if !ok {
		t.Fatalf("session field missing: %v", msg)
	}
	if sess["voice"] != "sage" {
		t.Errorf("voice = %v", sess["voice"])
	}
	if sess["instructions"] != "be terse" {
		t.Errorf("instructions = %v", sess["instructions"])
	}
	if sess["input_audio_format"] != "pcm16" || sess["output_audio_format"] != "pcm16" {
		t.Errorf("audio formats = %v / %v", sess["input_audio_format"], sess["output_audio_format"])
	}

	td, ok := sess["turn_detection"].(map[string]any)
	if !ok {
		t.Fatalf("turn_detection missing: %v", sess)
	}
	if td["type"] != "server_vad" {
		t.Errorf("turn_detection type = %v", td["type"])
	}
	if td["threshold"] != 0.6 {
		t.Errorf("threshold = %v", td["threshold"])
	}
	if td["silence_duration_ms"] != float64(700) {
		t.Errorf("silence_duration_ms = %v", td["silence_duration_ms"])
	}
	// Responses are created by the caller, never automatically by VAD.
	if td["create_response"] != false {
		t.Errorf("create_response = %v, want false", td["create_response"])
	}

	tr, ok := sess["input_audio_transcription"].(map[string]any)
	if !ok || tr["model"] != "whisper-1" {
		t.Errorf("input_audio_transcription = %v", sess["input_audio_transcription"])
	}
}

func TestSendAudioAppendsBase64(t *testing.T) {
	t.Parallel()

	sess, conn := connect(t, upstream.SessionConfig{})
	readJSON(t, conn) // session.update

	chunk := []byte{0x01, 0x02, 0x03, 0x04}
	if err := sess.SendAudio(chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := readJSON(t, conn)
	if msg["type"] != "input_audio_buffer.append" {
		t.Fatalf("type = %v", msg["type"])
	}
	decoded, err := base64.StdEncoding.DecodeString(msg["audio"].(string))
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if string(decoded) != string(chunk) {
		t.Errorf("audio = %v, want %v", decoded, chunk)
	}
}

func TestClearInputAudio(t *testing.T) {
	t.Parallel()

	sess, conn := connect(t, upstream.SessionConfig{})
	readJSON(t, conn)

	if err := sess.ClearInputAudio(); err != nil {
		t.Fatalf("ClearInputAudio: %v", err)
	}
	if msg := readJSON(t, conn); msg["type"] != "input_audio_buffer.clear" {
		t.Fatalf("type = %v", msg["type"])
	}
}

func TestCreateMessageText(t *testing.T) {
	t.Parallel()

	sess, conn := connect(t, upstream.SessionConfig{})
	readJSON(t, conn)

	if err := sess.CreateMessage("user", "hello there", nil); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	msg := readJSON(t, conn)
	if msg["type"] != "conversation.item.create" {
		t.Fatalf("type = %v", msg["type"])
	}
	item := msg["item"].(map[string]any)
	if item["type"] != "message" || item["role"] != "user" {
		t.Fatalf("item = %v", item)
	}
	content := item["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("content parts = %d, want 1", len(content))
	}
	part := content[0].(map[string]any)
	if part["type"] != "input_text" || part["text"] != "hello there" {
		t.Errorf("part = %v", part)
	}
}

func TestCreateMessageWithImage(t *testing.T) {
	t.Parallel()

	sess, conn := connect(t, upstream.SessionConfig{})
	readJSON(t, conn)

	frame := []byte{0xFF, 0xD8, 0xFF}
	if err := sess.CreateMessage("user", "", frame); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	msg := readJSON(t, conn)
	item := msg["item"].(map[string]any)
	content := item["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("content parts = %d, want 1", len(content))
	}
	part := content[0].(map[string]any)
	if part["type"] != "input_image" {
		t.Fatalf("part type = %v", part["type"])
	}
	url := part["image_url"].(string)
	const prefix = "data:image/jpeg;base64,"
	if !strings.HasPrefix(url, prefix) {
		t.Fatalf("image_url = %q", url)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, prefix))
	if err != nil {
		t.Fatalf("decode image: %v", err)
	}
	if string(decoded) != string(frame) {
		t.Errorf("image payload = %v, want %v", decoded, frame)
	}
}

func TestCreateMessageEmptyContent(t *testing.T) {
	t.Parallel()

	sess, conn := connect(t, upstream.SessionConfig{})
	readJSON(t, conn)

	if err := sess.CreateMessage("user", "", nil); err == nil {
		t.Fatal("CreateMessage with no content should fail")
	}
}

func TestCreateAndCancelResponse(t *testing.T) {
	t.Parallel()

	sess, conn := connect(t, upstream.SessionConfig{})
	readJSON(t, conn)

	if err := sess.CreateResponse(); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	if msg := readJSON(t, conn); msg["type"] != "response.create" {
		t.Fatalf("type = %v", msg["type"])
	}

	if err := sess.CancelResponse(); err != nil {
		t.Fatalf("CancelResponse: %v", err)
	}
	if msg := readJSON(t, conn); msg["type"] != "response.cancel" {
		t.Fatalf("type = %v", msg["type"])
	}
}

func TestUpdateTurnDetection(t *testing.T) {
	t.Parallel()

	sess, conn := connect(t, upstream.SessionConfig{})
	readJSON(t, conn)

	if err := sess.UpdateTurnDetection(0.8, 300); err != nil {
		t.Fatalf("UpdateTurnDetection: %v", err)
	}
	msg := readJSON(t, conn)
	if msg["type"] != "session.update" {
		t.Fatalf("type = %v", msg["type"])
	}
	td := msg["session"].(map[string]any)["turn_detection"].(map[string]any)
	if td["threshold"] != 0.8 || td["silence_duration_ms"] != float64(300) {
		t.Errorf("turn_detection = %v", td)
	}
	if td["create_response"] != false {
		t.Errorf("create_response = %v, want false", td["create_response"])
	}
}

// nextEvent pulls one event off the stream or fails the test.
func nextEvent(t *testing.T, sess upstream.SessionHandle) upstream.Event {
	t.Helper()
	select {
	case evt, ok := <-sess.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
		return upstream.Event{}
	}
}

func TestServerEventsTranslated(t *testing.T) {
	t.Parallel()

	sess, conn := connect(t, upstream.SessionConfig{})
	readJSON(t, conn)

	audio := base64.StdEncoding.EncodeToString([]byte{9, 8, 7})
	writeJSON(t, conn, map[string]any{"type": "response.created"})
	writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": audio})
	writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "The door "})
	writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done", "transcript": "The door is open."})
	writeJSON(t, conn, map[string]any{"type": "response.done"})

	if evt := nextEvent(t, sess); evt.Type != upstream.EventResponseCreated {
		t.Fatalf("event 1 = %v", evt.Type)
	}
	evt := nextEvent(t, sess)
	if evt.Type != upstream.EventResponseAudioDelta || string(evt.Audio) != string([]byte{9, 8, 7}) {
		t.Fatalf("event 2 = %v %v", evt.Type, evt.Audio)
	}
	evt = nextEvent(t, sess)
	if evt.Type != upstream.EventResponseTranscriptDelta || evt.Text != "The door " {
		t.Fatalf("event 3 = %v %q", evt.Type, evt.Text)
	}
	evt = nextEvent(t, sess)
	if evt.Type != upstream.EventResponseTranscriptDone || evt.Text != "The door is open." {
		t.Fatalf("event 4 = %v %q", evt.Type, evt.Text)
	}
	if evt := nextEvent(t, sess); evt.Type != upstream.EventResponseDone {
		t.Fatalf("event 5 = %v", evt.Type)
	}
}

func TestSpeechAndInputTranscriptEvents(t *testing.T) {
	t.Parallel()

	sess, conn := connect(t, upstream.SessionConfig{})
	readJSON(t, conn)

	writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
	writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_stopped"})
	writeJSON(t, conn, map[string]any{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": "what is this",
	})

	if evt := nextEvent(t, sess); evt.Type != upstream.EventSpeechStarted {
		t.Fatalf("event 1 = %v", evt.Type)
	}
	if evt := nextEvent(t, sess); evt.Type != upstream.EventSpeechStopped {
		t.Fatalf("event 2 = %v", evt.Type)
	}
	evt := nextEvent(t, sess)
	if evt.Type != upstream.EventInputTranscript || evt.Text != "what is this" {
		t.Fatalf("event 3 = %v %q", evt.Type, evt.Text)
	}
}

func TestErrorEvent(t *testing.T) {
	t.Parallel()

	sess, conn := connect(t, upstream.SessionConfig{})
	readJSON(t, conn)

	writeJSON(t, conn, map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "invalid_request_error", "message": "bad item"},
	})

	evt := nextEvent(t, sess)
	if evt.Type != upstream.EventError {
		t.Fatalf("event = %v", evt.Type)
	}
	if evt.Err == nil || !strings.Contains(evt.Err.Error(), "bad item") {
		t.Fatalf("err = %v", evt.Err)
	}
}

func TestUnknownEventsIgnored(t *testing.T) {
	t.Parallel()

	sess, conn := connect(t, upstream.SessionConfig{})
	readJSON(t, conn)

	writeJSON(t, conn, map[string]any{"type": "rate_limits.updated"})
	writeJSON(t, conn, map[string]any{"type": "response.created"})

	// Only the known event surfaces.
	if evt := nextEvent(t, sess); evt.Type != upstream.EventResponseCreated {
		t.Fatalf("event = %v", evt.Type)
	}
}

func TestCloseIdempotentAndClosesEvents(t *testing.T) {
	t.Parallel()

	sess, conn := connect(t, upstream.SessionConfig{})
	readJSON(t, conn)

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("expected closed events channel")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel never closed")
	}

	if err := sess.SendAudio([]byte{1}); err == nil {
		t.Fatal("SendAudio after Close should fail")
	}
}

func TestConcurrentSendAudio(t *testing.T) {
	t.Parallel()

	sess, conn := connect(t, upstream.SessionConfig{})
	readJSON(t, conn)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sess.SendAudio([]byte{1, 2})
		}()
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		if msg := readJSON(t, conn); msg["type"] != "input_audio_buffer.append" {
			t.Fatalf("message %d type = %v", i, msg["type"])
		}
	}
}

func TestConnectCancelledContext(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(_ *websocket.Conn, _ *http.Request) {})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)))
	if _, err := p.Connect(ctx, upstream.SessionConfig{}); err == nil {
		t.Fatal("Connect with cancelled context should fail")
	}
}

func TestMintCredential(t *testing.T) {
	t.Parallel()

	expires := time.Now().Add(10 * time.Minute).Unix()
	var gotBody map[string]any
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_secret": map[string]any{"value": "ek_live_abc", "expires_at": expires},
		})
	}))
	t.Cleanup(srv.Close)

	p := openai.New("sk-test", openai.WithSessionsURL(srv.URL), openai.WithModel("gpt-4o-realtime-test"))
	cred, err := p.MintCredential(context.Background(), upstream.SessionConfig{
		Voice:        "sage",
		Instructions: "be brief",
	})
	if err != nil {
		t.Fatalf("MintCredential: %v", err)
	}

	if cred.Value != "ek_live_abc" {
		t.Errorf("Value = %q", cred.Value)
	}
	if !cred.ExpiresAt.Equal(time.Unix(expires, 0)) {
		t.Errorf("ExpiresAt = %v", cred.ExpiresAt)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody["model"] != "gpt-4o-realtime-test" || gotBody["voice"] != "sage" || gotBody["instructions"] != "be brief" {
		t.Errorf("request body = %v", gotBody)
	}
}

func TestMintCredentialUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	p := openai.New("sk-test", openai.WithSessionsURL(srv.URL))
	if _, err := p.MintCredential(context.Background(), upstream.SessionConfig{}); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestMintCredentialMissingSecret(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "sess_123"})
	}))
	t.Cleanup(srv.Close)

	p := openai.New("sk-test", openai.WithSessionsURL(srv.URL))
	if _, err := p.MintCredential(context.Background(), upstream.SessionConfig{}); err == nil {
		t.Fatal("expected error when client_secret missing")
	}
}
