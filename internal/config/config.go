// Package config provides the configuration schema and loader for the
// Sightline bridge.
package config

import (
	"time"

	"github.com/sightline-voice/sightline/pkg/protocol"
)

// LogLevel controls log verbosity for the bridge.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the bridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Audio      AudioConfig      `yaml:"audio"`
	Vision     VisionConfig     `yaml:"vision"`
	Gate       GateConfig       `yaml:"gate"`
	Interject  InterjectConfig  `yaml:"interject"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Modes      []ModeConfig     `yaml:"modes"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the bridge listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// UpstreamConfig selects and configures the upstream conversation engine.
type UpstreamConfig struct {
	// Provider selects the engine implementation ("openai-realtime").
	Provider string `yaml:"provider"`

	// APIKey is the engine API key. Overridden by SIGHTLINE_UPSTREAM_API_KEY.
	APIKey string `yaml:"api_key"`

	// Model selects a specific engine model.
	Model string `yaml:"model"`

	// BaseURL overrides the engine's default WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Voice is the synthesised voice identity.
	Voice string `yaml:"voice"`

	// Instructions is the system-level behaviour prompt for every session.
	Instructions string `yaml:"instructions"`

	// VADThreshold tunes the engine's voice-activity detector (0.0–1.0).
	// Zero keeps the provider default.
	VADThreshold float64 `yaml:"vad_threshold"`

	// SilenceDurationMs is how long the engine waits after speech stops
	// before finalizing an utterance. Zero keeps the provider default.
	SilenceDurationMs int `yaml:"silence_duration_ms"`
}

// AudioConfig tunes the echo-suppression gate and mic control timing.
//
// The grace period is a wall-clock heuristic, not a correctness guarantee —
// it absorbs device audio buffering, network RTT, and speaker-to-microphone
// acoustic delay. Suppressed-chunk counts are exported for tuning.
type AudioConfig struct {
	// EchoGraceMs is the echo-suppression grace period after the last
	// outbound audio chunk or response end. Default: 2000.
	EchoGraceMs int `yaml:"echo_grace_ms"`

	// UnmuteDelayMs is how long after a response completes the client mic is
	// re-enabled, letting buffered playback finish. Default: 500.
	UnmuteDelayMs int `yaml:"unmute_delay_ms"`
}

// EchoGrace returns the grace period as a duration, applying the default.
func (a AudioConfig) EchoGrace() time.Duration {
	if a.EchoGraceMs <= 0 {
		return 2000 * time.Millisecond
	}
	return time.Duration(a.EchoGraceMs) * time.Millisecond
}

// UnmuteDelay returns the mic unmute delay, applying the default.
func (a AudioConfig) UnmuteDelay() time.Duration {
	if a.UnmuteDelayMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(a.UnmuteDelayMs) * time.Millisecond
}

// VisionConfig tunes the visual context injector.
type VisionConfig struct {
	// FreshnessMs is the maximum age of a frame eligible for injection.
	// Default: 3000. Overridable per mode.
	FreshnessMs int `yaml:"freshness_ms"`

	// FrameWaitMs is the maximum time to wait for a requested fresh frame
	// before proceeding with whatever is available. Default: 500.
	FrameWaitMs int `yaml:"frame_wait_ms"`
}

// Freshness returns the default freshness window, applying the default.
func (v VisionConfig) Freshness() time.Duration {
	if v.FreshnessMs <= 0 {
		return 3000 * time.Millisecond
	}
	return time.Duration(v.FreshnessMs) * time.Millisecond
}

// FrameWait returns the frame-request wait bound, applying the default.
func (v VisionConfig) FrameWait() time.Duration {
	if v.FrameWaitMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(v.FrameWaitMs) * time.Millisecond
}

// GateConfig tunes the response quality gate.
type GateConfig struct {
	// MinGapMs is the minimum interval between accepted responses.
	// Default: 1000.
	MinGapMs int `yaml:"min_gap_ms"`

	// DedupThreshold is the token-set similarity above which a response is
	// rejected as a near-duplicate. Default: 0.7.
	DedupThreshold float64 `yaml:"dedup_threshold"`

	// MaxWords is the word-count ceiling for ordinary turns. Default: 60.
	MaxWords int `yaml:"max_words"`

	// MaxWordsVisual is the looser ceiling when visual description is
	// expected. Default: 120.
	MaxWordsVisual int `yaml:"max_words_visual"`
}

// MinGap returns the rate-guard interval, applying the default.
func (g GateConfig) MinGap() time.Duration {
	if g.MinGapMs <= 0 {
		return 1000 * time.Millisecond
	}
	return time.Duration(g.MinGapMs) * time.Millisecond
}

// Dedup returns the duplication threshold, applying the default.
func (g GateConfig) Dedup() float64 {
	if g.DedupThreshold <= 0 {
		return 0.7
	}
	return g.DedupThreshold
}

// WordCeiling returns the word ceiling for a turn, looser when visual
// context was injected.
func (g GateConfig) WordCeiling(visual bool) int {
	if visual {
		if g.MaxWordsVisual <= 0 {
			return 120
		}
		return g.MaxWordsVisual
	}
	if g.MaxWords <= 0 {
		return 60
	}
	return g.MaxWords
}

// InterjectConfig tunes the proactive interjection scheduler.
type InterjectConfig struct {
	// IntervalMs is the evaluation period. Default: 3000.
	IntervalMs int `yaml:"interval_ms"`

	// MinSensitivity is the floor below which the scheduler never fires.
	// Default: 0.05.
	MinSensitivity float64 `yaml:"min_sensitivity"`

	// MaxFrameAgeMs is the maximum frame age for an interjection to be
	// considered. Default: 5000.
	MaxFrameAgeMs int `yaml:"max_frame_age_ms"`
}

// Interval returns the evaluation period, applying the default.
func (i InterjectConfig) Interval() time.Duration {
	if i.IntervalMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(i.IntervalMs) * time.Millisecond
}

// Floor returns the minimum sensitivity, applying the default.
func (i InterjectConfig) Floor() float64 {
	if i.MinSensitivity <= 0 {
		return 0.05
	}
	return i.MinSensitivity
}

// MaxFrameAge returns the frame-age bound, applying the default.
func (i InterjectConfig) MaxFrameAge() time.Duration {
	if i.MaxFrameAgeMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(i.MaxFrameAgeMs) * time.Millisecond
}

// TranscriptConfig configures conversation history retention.
type TranscriptConfig struct {
	// PostgresDSN is the connection string for the durable transcript store.
	// When empty, transcripts are kept in memory only.
	PostgresDSN string `yaml:"postgres_dsn"`

	// HistoryTurns bounds the in-memory transcript held per session.
	// Default: 50.
	HistoryTurns int `yaml:"history_turns"`
}

// History returns the in-memory turn bound, applying the default.
func (t TranscriptConfig) History() int {
	if t.HistoryTurns <= 0 {
		return 50
	}
	return t.HistoryTurns
}

// ModeConfig overrides per-mode behaviour.
type ModeConfig struct {
	// Name is the mode this block configures.
	Name protocol.Mode `yaml:"name"`

	// FreshnessMs overrides the frame freshness window for this mode.
	FreshnessMs int `yaml:"freshness_ms"`

	// MaxWords overrides the ordinary-turn word ceiling for this mode.
	MaxWords int `yaml:"max_words"`

	// DisableVision bypasses the visual context injector entirely. Set for
	// modes with an on-device perception path (driving).
	DisableVision bool `yaml:"disable_vision"`

	// VADThreshold overrides the voice-activity threshold for this mode
	// (noisy environments need a higher one).
	VADThreshold float64 `yaml:"vad_threshold"`

	// SilenceMs overrides the end-of-utterance silence window for this mode.
	SilenceMs int `yaml:"silence_ms"`
}

// ModeFor returns the ModeConfig for m, falling back to built-in defaults
// when the mode has no explicit block.
func (c *Config) ModeFor(m protocol.Mode) ModeConfig {
	for _, mc := range c.Modes {
		if mc.Name == m {
			return mc
		}
	}
	// Driving always bypasses the injector, configured or not.
	return ModeConfig{Name: m, DisableVision: m == protocol.ModeDriving}
}

// Freshness returns the mode's freshness window, falling back to def.
func (m ModeConfig) Freshness(def time.Duration) time.Duration {
	if m.FreshnessMs <= 0 {
		return def
	}
	return time.Duration(m.FreshnessMs) * time.Millisecond
}
