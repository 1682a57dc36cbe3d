package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ValidUpstreamProviders lists known upstream engine implementations.
var ValidUpstreamProviders = []string{"openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Secrets may be supplied via environment instead of the file:
// SIGHTLINE_UPSTREAM_API_KEY overrides upstream.api_key.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	if key := os.Getenv("SIGHTLINE_UPSTREAM_API_KEY"); key != "" {
		cfg.Upstream.APIKey = key
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Upstream.Provider != "" {
		known := false
		for _, name := range ValidUpstreamProviders {
			if name == cfg.Upstream.Provider {
				known = true
				break
			}
		}
		if !known {
			errs = append(errs, fmt.Errorf("upstream.provider %q is unknown; valid values: %v", cfg.Upstream.Provider, ValidUpstreamProviders))
		}
	}

	if cfg.Upstream.VADThreshold < 0 || cfg.Upstream.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("upstream.vad_threshold %.2f is out of range [0, 1]", cfg.Upstream.VADThreshold))
	}

	if cfg.Gate.DedupThreshold < 0 || cfg.Gate.DedupThreshold > 1 {
		errs = append(errs, fmt.Errorf("gate.dedup_threshold %.2f is out of range [0, 1]", cfg.Gate.DedupThreshold))
	}
	if cfg.Interject.MinSensitivity < 0 || cfg.Interject.MinSensitivity > 1 {
		errs = append(errs, fmt.Errorf("interject.min_sensitivity %.2f is out of range [0, 1]", cfg.Interject.MinSensitivity))
	}

	seen := make(map[string]int, len(cfg.Modes))
	for i, mc := range cfg.Modes {
		prefix := fmt.Sprintf("modes[%d]", i)
		if !mc.Name.IsValid() {
			errs = append(errs, fmt.Errorf("%s.name %q is invalid; valid values: general, driving, cooking", prefix, mc.Name))
			continue
		}
		if prev, ok := seen[string(mc.Name)]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of modes[%d]", prefix, mc.Name, prev))
		}
		seen[string(mc.Name)] = i
		if mc.VADThreshold < 0 || mc.VADThreshold > 1 {
			errs = append(errs, fmt.Errorf("%s.vad_threshold %.2f is out of range [0, 1]", prefix, mc.VADThreshold))
		}
	}

	return errors.Join(errs...)
}
