// Package session implements the per-session heart of the bridge: the actor
// loop that consumes client messages, upstream engine events, and internal
// timers, and drives the echo gate, turn-taking machine, visual context
// injector, rule-engine fast path, quality gate, and interjection scheduler.
//
// All mutable session state is confined to the loop goroutine. The [Store]
// registry is the only cross-session shared state.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sightline-voice/sightline/internal/config"
	"github.com/sightline-voice/sightline/internal/observe"
	"github.com/sightline-voice/sightline/internal/rules"
	"github.com/sightline-voice/sightline/internal/transcript"
	"github.com/sightline-voice/sightline/pkg/audio"
	"github.com/sightline-voice/sightline/pkg/protocol"
	"github.com/sightline-voice/sightline/pkg/upstream"
)

// ClientSender delivers envelopes to the connected client device. The relay
// connection implements it; tests substitute a recorder.
type ClientSender interface {
	Send(env protocol.Envelope) error
}

// inboxSize bounds client messages queued for the session loop. Overflow
// drops the message (protocol error semantics: log and continue).
const inboxSize = 256

// internalKind identifies a session-owned timer event.
type internalKind int

const (
	internalFrameTimeout internalKind = iota
	internalMicUnmute
)

// interjectPrompt is the synthetic turn sent when the scheduler fires.
const interjectPrompt = "Briefly comment on what you currently observe, only if it is genuinely noteworthy."

// Session is one live bridge session. Create via [Store.Create]; interact
// via [Session.Deliver] and let [Session.Run] own everything else.
type Session struct {
	ID string

	log      *slog.Logger
	cfg      *config.Config
	metrics  *observe.Metrics
	client   ClientSender
	upstream upstream.SessionHandle
	history  transcript.Store

	inbox    chan protocol.Envelope
	internal chan internalKind

	// Loop-confined state below this point.
	gate    *echoGate
	turns   *turnMachine
	quality *qualityGate
	visual  *injector
	sched   *interjector
	fast    *rules.Engine

	mode        protocol.Mode
	sensitivity float64
	speechStart bool
	rawNovelty  float64

	visualInjected    bool
	awaitingFrame     bool
	pendingFrameSince time.Time
	responseText      strings.Builder
	lastSuppressedLog uint64

	frameTimer  *time.Timer
	unmuteTimer *time.Timer

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	onClose func()
}

// Deliver hands a client envelope to the session loop. It never blocks: when
// the inbox is full the message is dropped, matching the protocol-error
// policy of log-and-continue.
func (s *Session) Deliver(env protocol.Envelope) {
	select {
	case s.inbox <- env:
	case <-s.done:
	default:
		s.log.Warn("session inbox full, dropping message", "type", env.Type)
	}
}

// Run executes the session loop until ctx is cancelled, the session is
// destroyed, or the upstream event stream ends. It must be called exactly
// once.
func (s *Session) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.client.Send(protocol.Envelope{Type: protocol.TypeSessionReady, SessionID: s.ID}); err != nil {
		s.log.Warn("send session_ready", "error", err)
	}

	ticker := time.NewTicker(s.cfg.Interject.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case env := <-s.inbox:
			s.handleClient(ctx, env)
		case evt, ok := <-s.upstream.Events():
			if !ok {
				s.handleUpstreamLost()
				return
			}
			s.handleUpstream(ctx, evt)
		case kind := <-s.internal:
			s.handleInternal(ctx, kind)
		case <-ticker.C:
			s.tickInterject(ctx)
		}
	}
}

// Close tears the session down: timers cancelled, upstream handle closed.
// Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.frameTimer != nil {
			s.frameTimer.Stop()
		}
		if s.unmuteTimer != nil {
			s.unmuteTimer.Stop()
		}
		if err := s.upstream.Close(); err != nil {
			s.log.Debug("close upstream", "error", err)
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// ─── Client events ───────────────────────────────────────────────────────────

func (s *Session) handleClient(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAudio:
		s.handleClientAudio(ctx, env.Data)
	case protocol.TypeFrame:
		s.handleClientFrame(ctx, env.Data)
	case protocol.TypeSensitivity:
		s.sensitivity = clamp01(env.Value)
		s.log.Debug("sensitivity updated", "sensitivity", s.sensitivity)
	case protocol.TypeMode:
		if !env.Mode.IsValid() {
			s.log.Warn("invalid mode, ignoring", "mode", env.Mode)
			return
		}
		s.mode = env.Mode
		s.log.Info("mode changed", "mode", s.mode)
		s.retuneTurnDetection()
	case protocol.TypeUserMessage:
		s.handleUserMessage(ctx, env.Text)
	case protocol.TypePerception:
		s.handlePerception(ctx, env.Perception)
	case protocol.TypePing:
		s.send(protocol.Envelope{Type: protocol.TypePong})
	default:
		s.log.Warn("unknown client message type, dropping", "type", env.Type)
	}
}

func (s *Session) handleClientAudio(ctx context.Context, data []byte) {
	if len(data) == 0 {
		return
	}
	now := time.Now()
	if !s.gate.allow(now) {
		s.metrics.AudioSuppressed.Add(ctx, 1)
		if n := s.gate.suppressedCount(); n-s.lastSuppressedLog >= 50 {
			s.lastSuppressedLog = n
			s.log.Debug("echo gate suppressing audio", "suppressed_total", n)
		}
		return
	}
	if err := s.upstream.SendAudio(data); err != nil {
		s.log.Warn("forward audio upstream", "error", err, "chunk", audio.Duration(len(data)))
		return
	}
	s.metrics.AudioForwarded.Add(ctx, 1)
}

func (s *Session) handleClientFrame(ctx context.Context, data []byte) {
	if len(data) == 0 {
		return
	}
	now := time.Now()
	s.visual.frames.set(data, now)
	if s.awaitingFrame {
		if s.frameTimer != nil {
			s.frameTimer.Stop()
		}
		s.completeVisualTurn(ctx, now)
	}
}

func (s *Session) handleUserMessage(ctx context.Context, text string) {
	if text == "" {
		return
	}
	s.appendTurn(ctx, "user", text)
	if err := s.upstream.CreateMessage("user", text, nil); err != nil {
		s.log.Warn("create user message upstream", "error", err)
		return
	}
	s.createResponse(ctx)
}

func (s *Session) handlePerception(ctx context.Context, pkt *protocol.PerceptionPacket) {
	if pkt == nil {
		return
	}
	if pkt.Novelty > 0 {
		s.rawNovelty = pkt.Novelty
	}

	res := s.fast.Evaluate(pkt, s.mode, time.Now())
	if !res.Triggered {
		return
	}
	s.metrics.RecordFastPathHit(ctx, res.Rule)
	s.log.Info("fast path fired", "rule", res.Rule, "skip_upstream", res.SkipUpstream)

	if res.SkipUpstream {
		// Locally synthesized: spoken through the normal output path as an
		// assistant transcript turn, no engine round trip.
		s.surfaceAssistant(ctx, res.Response)
	}
}

// ─── Upstream events ─────────────────────────────────────────────────────────

func (s *Session) handleUpstream(ctx context.Context, evt upstream.Event) {
	s.metrics.RecordUpstreamEvent(ctx, evt.Type.String())
	now := time.Now()

	switch evt.Type {
	case upstream.EventSpeechStarted:
		s.speechStart = true
		s.apply(ctx, s.turns.onSpeechStarted())
	case upstream.EventSpeechStopped:
		s.speechStart = false
		s.apply(ctx, s.turns.onSpeechStopped())
	case upstream.EventInputTranscript:
		s.handleFinalTranscript(ctx, evt.Text, now)
	case upstream.EventResponseCreated:
		s.gate.noteResponseStart()
		s.apply(ctx, s.turns.onResponseCreated(now))
	case upstream.EventResponseAudioDelta:
		if s.turns.onAudioDelta() {
			s.send(protocol.Envelope{Type: protocol.TypeAudio, Data: evt.Audio})
			s.gate.noteOutbound(now)
		}
	case upstream.EventResponseTranscriptDelta:
		s.responseText.WriteString(evt.Text)
	case upstream.EventResponseTranscriptDone:
		text := evt.Text
		if text == "" {
			text = s.responseText.String()
		}
		s.responseText.Reset()
		s.admitResponse(ctx, text, now)
	case upstream.EventResponseDone:
		s.gate.noteResponseEnd(now)
		s.visualInjected = false
		s.apply(ctx, s.turns.onResponseDone(now))
	case upstream.EventError:
		s.log.Warn("upstream error event", "error", evt.Err)
		s.send(protocol.Envelope{Type: protocol.TypeError, Message: evt.Err.Error()})
	}
}

// handleFinalTranscript runs the visual context injector on a finalized user
// utterance and drives response creation.
func (s *Session) handleFinalTranscript(ctx context.Context, text string, now time.Time) {
	if text == "" {
		return
	}
	s.appendTurn(ctx, "user", text)
	s.send(protocol.Envelope{Type: protocol.TypeTranscript, Role: "user", Text: text})

	modeCfg := s.cfg.ModeFor(s.mode)
	freshness := modeCfg.Freshness(s.cfg.Vision.Freshness())

	switch s.visual.decide(text, modeCfg.DisableVision, freshness, now) {
	case injectNone:
		s.createResponse(ctx)
	case injectNow:
		s.injectFrame(ctx, 0)
		s.createResponse(ctx)
	case injectAwaitFrame:
		s.awaitingFrame = true
		s.pendingFrameSince = now
		s.send(protocol.Envelope{Type: protocol.TypeRequestFrame})
		s.frameTimer = time.AfterFunc(s.cfg.Vision.FrameWait(), func() {
			s.postInternal(internalFrameTimeout)
		})
	}
}

// admitResponse runs the quality gate on a completed assistant utterance and
// surfaces or withholds the transcript.
func (s *Session) admitResponse(ctx context.Context, text string, now time.Time) {
	if text == "" {
		return
	}
	ok, reason := s.quality.admit(text, s.visualInjected, now)
	if !ok {
		s.metrics.RecordGateRejection(ctx, reason)
		s.log.Info("quality gate rejected response", "reason", reason, "words", len(strings.Fields(text)))
		return
	}
	s.send(protocol.Envelope{Type: protocol.TypeTranscript, Role: "assistant", Text: text})
	s.appendTurn(ctx, "assistant", text)
}

// apply executes a turn-machine decision.
func (s *Session) apply(ctx context.Context, dec turnDecision) {
	if dec.BargeIn {
		s.metrics.BargeIns.Add(ctx, 1)
		s.log.Info("barge-in", "state", s.turns.state.String())
	}
	if dec.CancelResponse {
		if err := s.upstream.CancelResponse(); err != nil {
			s.log.Warn("cancel response", "error", err)
		}
	}
	if dec.StopAudio {
		s.send(protocol.Envelope{Type: protocol.TypeStopAudio})
	}
	if dec.ClearEchoState {
		s.gate.reset()
	}
	if dec.Acknowledge != "" {
		s.surfaceAssistant(ctx, dec.Acknowledge)
	}
	if dec.ClearInputAudio {
		if err := s.upstream.ClearInputAudio(); err != nil {
			s.log.Warn("clear input audio", "error", err)
		}
	}
	if dec.MuteMic {
		// A pending unmute from the previous response must not fire while
		// this one streams.
		if s.unmuteTimer != nil {
			s.unmuteTimer.Stop()
		}
		s.send(protocol.Envelope{Type: protocol.TypeMuteMic})
	}
	if dec.ScheduleUnmute {
		if s.unmuteTimer != nil {
			s.unmuteTimer.Stop()
		}
		s.unmuteTimer = time.AfterFunc(s.cfg.Audio.UnmuteDelay(), func() {
			s.postInternal(internalMicUnmute)
		})
	}
	if dec.TurnDuration > 0 {
		s.metrics.TurnDuration.Record(ctx, dec.TurnDuration.Seconds())
	}
}

// handleUpstreamLost implements the mid-speaking drop semantics: stop client
// playback, return to idle, and let the owner tear the session down. The
// transcript is not rolled back.
func (s *Session) handleUpstreamLost() {
	s.log.Warn("upstream event stream closed", "upstream_err", s.upstream.Err())
	dec := s.turns.onUpstreamLost()
	if dec.StopAudio {
		s.send(protocol.Envelope{Type: protocol.TypeStopAudio})
	}
	s.send(protocol.Envelope{Type: protocol.TypeUnmuteMic})
	s.send(protocol.Envelope{Type: protocol.TypeError, Message: "upstream connection lost"})
	s.Close()
}

// ─── Internal timer events ───────────────────────────────────────────────────

func (s *Session) postInternal(kind internalKind) {
	select {
	case s.internal <- kind:
	case <-s.done:
	}
}

func (s *Session) handleInternal(ctx context.Context, kind internalKind) {
	switch kind {
	case internalFrameTimeout:
		if s.awaitingFrame {
			// Proceed stale-but-present rather than blocking the turn.
			s.completeVisualTurn(ctx, time.Now())
		}
	case internalMicUnmute:
		if s.turns.inFlight() {
			// The timer outraced its Stop; the newer response owns the mic
			// and reschedules the unmute itself.
			return
		}
		s.send(protocol.Envelope{Type: protocol.TypeUnmuteMic})
	}
}

// completeVisualTurn finishes a turn that waited on a fresh frame: inject
// whatever frame is available (fresh or stale) and create the response.
func (s *Session) completeVisualTurn(ctx context.Context, now time.Time) {
	s.awaitingFrame = false
	wait := now.Sub(s.pendingFrameSince)
	s.metrics.FrameWaitDuration.Record(ctx, wait.Seconds())
	s.injectFrame(ctx, wait)
	s.createResponse(ctx)
}

// injectFrame attaches the current frame, if any, to the next upstream turn.
func (s *Session) injectFrame(ctx context.Context, waited time.Duration) {
	frame, capturedAt, ok := s.visual.frames.current()
	if !ok {
		s.log.Debug("no frame available to inject", "waited", waited)
		return
	}
	if err := s.upstream.CreateMessage("user", "", frame); err != nil {
		s.log.Warn("inject frame upstream", "error", err)
		return
	}
	s.visualInjected = true
	s.log.Debug("visual context injected",
		"frame_age", time.Since(capturedAt),
		"frame_bytes", len(frame),
		"waited", waited,
	)
}

func (s *Session) createResponse(ctx context.Context) {
	if s.turns.inFlight() {
		// Single in-flight response: the open lifecycle must close first.
		s.log.Debug("response already in flight, skipping create")
		return
	}
	if err := s.upstream.CreateResponse(); err != nil {
		s.log.Warn("create response", "error", err)
	}
}

// ─── Interjection ────────────────────────────────────────────────────────────

func (s *Session) tickInterject(ctx context.Context) {
	frameAge := time.Duration(-1)
	if _, capturedAt, ok := s.visual.frames.current(); ok {
		frameAge = time.Since(capturedAt)
	}
	in := interjectInput{
		Sensitivity:      s.sensitivity,
		SpeechActive:     s.speechStart,
		ResponseInFlight: s.turns.inFlight(),
		FrameAge:         frameAge,
		RawNovelty:       s.rawNovelty,
	}
	if !s.sched.shouldFire(in, time.Now()) {
		return
	}
	s.metrics.Interjections.Add(ctx, 1)
	s.log.Info("interjection fired", "sensitivity", s.sensitivity, "novelty", s.rawNovelty)

	s.injectFrame(ctx, 0)
	if err := s.upstream.CreateMessage("user", interjectPrompt, nil); err != nil {
		s.log.Warn("create interjection message", "error", err)
		return
	}
	s.createResponse(ctx)
	s.rawNovelty = 0
}

// retuneTurnDetection pushes mode-specific VAD overrides upstream. Modes
// without overrides keep the handshake settings.
func (s *Session) retuneTurnDetection() {
	mc := s.cfg.ModeFor(s.mode)
	if mc.VADThreshold <= 0 && mc.SilenceMs <= 0 {
		return
	}
	threshold := mc.VADThreshold
	if threshold <= 0 {
		threshold = s.cfg.Upstream.VADThreshold
	}
	silence := mc.SilenceMs
	if silence <= 0 {
		silence = s.cfg.Upstream.SilenceDurationMs
	}
	if err := s.upstream.UpdateTurnDetection(threshold, silence); err != nil {
		s.log.Warn("update turn detection", "error", err)
		return
	}
	s.log.Debug("turn detection retuned", "threshold", threshold, "silence_ms", silence)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// surfaceAssistant sends a locally synthesized assistant turn to the client
// transcript and records it. Local turns bypass the quality gate: they are
// fixed strings, not engine output.
func (s *Session) surfaceAssistant(ctx context.Context, text string) {
	s.send(protocol.Envelope{Type: protocol.TypeTranscript, Role: "assistant", Text: text})
	s.appendTurn(ctx, "assistant", text)
}

func (s *Session) appendTurn(ctx context.Context, role, text string) {
	err := s.history.Append(ctx, transcript.Turn{
		SessionID: s.ID,
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.log.Warn("append transcript turn", "error", err)
	}
}

func (s *Session) send(env protocol.Envelope) {
	env.SessionID = s.ID
	if err := s.client.Send(env); err != nil {
		s.log.Debug("send to client", "error", err, "type", env.Type)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
