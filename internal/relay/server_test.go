package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/sightline-voice/sightline/internal/config"
	"github.com/sightline-voice/sightline/internal/observe"
	"github.com/sightline-voice/sightline/internal/session"
	"github.com/sightline-voice/sightline/internal/transcript"
	"github.com/sightline-voice/sightline/pkg/protocol"
	"github.com/sightline-voice/sightline/pkg/upstream"
	"github.com/sightline-voice/sightline/pkg/upstream/mock"
)

func newTestServer(t *testing.T) (*httptest.Server, *mock.Session, *mock.Provider) {
	t.Helper()

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			Voice:             "sage",
			Instructions:      "be brief",
			VADThreshold:      0.6,
			SilenceDurationMs: 700,
		},
	}
	engine := mock.NewSession()
	provider := &mock.Provider{Session: engine}
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewStore(cfg, provider, transcript.NewNop(), metrics, logger)

	srv := httptest.NewServer(NewServer(cfg, sessions, provider, logger).Handler())
	t.Cleanup(srv.Close)
	return srv, engine, provider
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/session"
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readEnvelope(t *testing.T, ctx context.Context, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return env
}

func writeEnvelope(t *testing.T, ctx context.Context, ws *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSessionOverWebSocket(t *testing.T) {
	t.Parallel()

	srv, engine, provider := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(t, ctx, srv)

	ready := readEnvelope(t, ctx, ws)
	if ready.Type != protocol.TypeSessionReady || ready.SessionID == "" {
		t.Fatalf("first envelope = %+v, want session_ready with id", ready)
	}

	// The upstream handshake used the configured voice and instructions.
	if n := len(provider.ConnectCalls); n != 1 {
		t.Fatalf("Connect calls = %d, want 1", n)
	}
	if got := provider.ConnectCalls[0].Cfg; got.Voice != "sage" || got.Instructions != "be brief" {
		t.Fatalf("Connect cfg = %+v", got)
	}
	if got := provider.ConnectCalls[0].Cfg; got.VADThreshold != 0.6 || got.SilenceDurationMs != 700 {
		t.Fatalf("Connect VAD cfg = %+v, want threshold 0.6 silence 700", got)
	}

	writeEnvelope(t, ctx, ws, protocol.Envelope{Type: protocol.TypePing})
	if env := readEnvelope(t, ctx, ws); env.Type != protocol.TypePong {
		t.Fatalf("reply = %+v, want pong", env)
	}

	writeEnvelope(t, ctx, ws, protocol.Envelope{Type: protocol.TypeAudio, Data: []byte{1, 2, 3}})
	deadline := time.Now().Add(2 * time.Second)
	for engine.SentAudioCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("audio never reached the engine")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMalformedMessageDropped(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := dial(t, ctx, srv)
	if env := readEnvelope(t, ctx, ws); env.Type != protocol.TypeSessionReady {
		t.Fatalf("first envelope = %+v, want session_ready", env)
	}

	// Garbage must not kill the session.
	if err := ws.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	writeEnvelope(t, ctx, ws, protocol.Envelope{Type: protocol.TypePing})
	if env := readEnvelope(t, ctx, ws); env.Type != protocol.TypePong {
		t.Fatalf("reply after garbage = %+v, want pong", env)
	}
}

func TestCredentialEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, provider := newTestServer(t)
	expires := time.Now().Add(10 * time.Minute).UTC().Truncate(time.Second)
	provider.Credential = upstream.Credential{Value: "ek_test_123", ExpiresAt: expires}

	resp, err := http.Post(srv.URL+"/v1/peer/credential", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body credentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Credential != "ek_test_123" || !body.ExpiresAt.Equal(expires) {
		t.Fatalf("body = %+v", body)
	}
}

func TestCredentialEndpointUpstreamFailure(t *testing.T) {
	t.Parallel()

	srv, _, provider := newTestServer(t)
	provider.MintErr = context.DeadlineExceeded

	resp, err := http.Post(srv.URL+"/v1/peer/credential", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status field = %q, want ok", body.Status)
	}
}
