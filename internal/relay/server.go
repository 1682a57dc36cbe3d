// Package relay is the network face of the bridge: it accepts client
// WebSocket connections, frames envelopes in both directions, and hands each
// connection to a session owned by the session registry. It also serves
// health, metrics, and the peer-to-peer credential endpoint.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sightline-voice/sightline/internal/config"
	"github.com/sightline-voice/sightline/internal/session"
	"github.com/sightline-voice/sightline/pkg/protocol"
	"github.com/sightline-voice/sightline/pkg/upstream"
)

// writeTimeout bounds a single envelope write toward the client.
const writeTimeout = 10 * time.Second

// Server accepts client connections and runs their sessions.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	sessions *session.Store
	provider upstream.Provider
}

// NewServer wires the relay around an existing session registry.
func NewServer(cfg *config.Config, sessions *session.Store, provider upstream.Provider, log *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		sessions: sessions,
		provider: provider,
	}
}

// Handler returns the relay's HTTP surface:
//
//	GET  /v1/session         — WebSocket upgrade; one bridge session per connection
//	POST /v1/peer/credential — mint a short-lived direct-to-engine credential
//	GET  /healthz            — liveness probe
//	GET  /metrics            — Prometheus scrape endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/session", s.handleSession)
	mux.HandleFunc("POST /v1/peer/credential", s.handleCredential)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Run serves the relay on the configured address until ctx is cancelled,
// then shuts down gracefully and destroys all sessions.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("relay listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		s.sessions.DestroyAll()
		if err != nil {
			return fmt.Errorf("relay: shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// clientConn adapts a WebSocket connection to the session's sender contract.
type clientConn struct {
	ws *websocket.Conn
}

// Send implements [session.ClientSender]. Called only from the session loop,
// so writes never interleave.
func (c *clientConn) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: marshal envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("relay: write envelope: %w", err)
	}
	return nil
}

// handleSession upgrades the connection and pumps client messages into a new
// session until either side disconnects.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept", "error", err, "remote", r.RemoteAddr)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := s.sessions.Create(ctx, &clientConn{ws: ws})
	if err != nil {
		s.log.Error("create session", "error", err)
		ws.Close(websocket.StatusInternalError, "upstream unavailable")
		return
	}
	defer s.sessions.Destroy(sess.ID)

	go sess.Run(ctx)

	// Client read loop. A malformed message is a protocol error: logged and
	// dropped, the session continues. A read failure ends the session.
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.log.Info("client disconnected", "session_id", sess.ID)
			} else if ctx.Err() == nil {
				s.log.Warn("client read", "error", err, "session_id", sess.ID)
			}
			ws.Close(websocket.StatusNormalClosure, "")
			return
		}
		if typ != websocket.MessageText {
			s.log.Warn("non-text frame dropped", "session_id", sess.ID)
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("malformed envelope dropped", "error", err, "session_id", sess.ID)
			continue
		}
		sess.Deliver(env)
	}
}

// credentialResponse is the JSON body returned by the credential endpoint.
type credentialResponse struct {
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// handleCredential mints a short-lived credential for peer-to-peer mode,
// where audio/video bypass the relay and go straight to the engine.
func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	cred, err := s.provider.MintCredential(r.Context(), upstream.SessionConfig{
		Voice:        s.cfg.Upstream.Voice,
		Instructions: s.cfg.Upstream.Instructions,
	})
	if err != nil {
		s.log.Error("mint credential", "error", err)
		http.Error(w, "credential minting failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(credentialResponse{
		Credential: cred.Value,
		ExpiresAt:  cred.ExpiresAt,
	})
}

type healthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:         "ok",
		ActiveSessions: s.sessions.Len(),
	})
}
