// Command sightline is the main entry point for the Sightline session bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/sightline-voice/sightline/internal/config"
	"github.com/sightline-voice/sightline/internal/observe"
	"github.com/sightline-voice/sightline/internal/relay"
	"github.com/sightline-voice/sightline/internal/session"
	"github.com/sightline-voice/sightline/internal/transcript"
	"github.com/sightline-voice/sightline/internal/transcript/postgres"
	"github.com/sightline-voice/sightline/pkg/upstream"
	"github.com/sightline-voice/sightline/pkg/upstream/openai"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	// A local .env is a convenience for development; absence is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "sightline: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sightline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sightline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("sightline starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "sightline",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Upstream engine ───────────────────────────────────────────────────────
	provider, err := buildProvider(cfg)
	if err != nil {
		slog.Error("failed to build upstream provider", "err", err)
		return 1
	}

	// ── Transcript store ──────────────────────────────────────────────────────
	history, err := buildTranscriptStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open transcript store", "err", err)
		return 1
	}
	defer history.Close()

	// ── Session registry and relay ────────────────────────────────────────────
	sessions := session.NewStore(cfg, provider, history, metrics, logger)
	server := relay.NewServer(cfg, sessions, provider, logger)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildProvider instantiates the configured upstream engine.
func buildProvider(cfg *config.Config) (upstream.Provider, error) {
	name := cfg.Upstream.Provider
	if name == "" {
		name = "openai-realtime"
	}
	switch name {
	case "openai-realtime":
		if cfg.Upstream.APIKey == "" {
			return nil, errors.New("upstream.api_key is required (or set SIGHTLINE_UPSTREAM_API_KEY)")
		}
		var opts []openai.Option
		if cfg.Upstream.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Upstream.Model))
		}
		if cfg.Upstream.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Upstream.BaseURL))
		}
		slog.Info("upstream provider created", "name", name, "model", cfg.Upstream.Model)
		return openai.New(cfg.Upstream.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown upstream provider %q", name)
	}
}

// buildTranscriptStore opens the durable Postgres store when a DSN is
// configured and falls back to bounded in-memory history otherwise.
func buildTranscriptStore(ctx context.Context, cfg *config.Config) (transcript.Store, error) {
	if dsn := cfg.Transcript.PostgresDSN; dsn != "" {
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		slog.Info("transcript store connected", "backend", "postgres")
		return store, nil
	}
	slog.Info("transcript store in memory", "turns", cfg.Transcript.History())
	return transcript.NewHistory(cfg.Transcript.History()), nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
