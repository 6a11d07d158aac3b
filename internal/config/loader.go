package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// envPrefix namespaces every Streampulse environment variable.
const envPrefix = "STREAMPULSE_"

// Load builds the service configuration: it decodes the YAML file at path
// (skipped when path is empty), overlays environment variables, fills
// defaults, and validates the result. A non-nil error is fatal; the service
// must not start on a broken configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults, and validates.
// Environment variables are not consulted, so tests can build configs from
// string literals alone.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	if err := decode(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Soft coherence issues (a degraded but runnable setup) are logged as
// warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Channel.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Channel.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("channel.timezone %q is not a loadable IANA zone: %w", cfg.Channel.Timezone, err))
		}
	}

	if !cfg.LLM.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("llm.provider %q is invalid; valid values: openai, ollama, llamacpp", cfg.LLM.Provider))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if cfg.LLM.Provider == ProviderOpenAI && cfg.Upstream.LMSURL == "" {
		errs = append(errs, errors.New("upstream.lms_url is required when llm.provider is openai"))
	}

	if cfg.Upstream.TranscriptionWSURL == "" {
		errs = append(errs, errors.New("upstream.transcription_ws_url is required"))
	}
	if cfg.Upstream.EventsWSURL == "" {
		errs = append(errs, errors.New("upstream.events_ws_url is required"))
	}
	if cfg.Upstream.ContextURL == "" {
		errs = append(errs, errors.New("upstream.context_url is required"))
	}

	// RAG degrades without these sources but the service still runs.
	if cfg.Upstream.ActivityURL == "" {
		slog.Warn("upstream.activity_url is empty; activity retrievers will be unavailable to RAG queries")
	}
	if cfg.Upstream.VocabularyURL == "" {
		slog.Warn("upstream.vocabulary_url is empty; vocabulary enrichment will be unavailable to RAG queries")
	}
	if cfg.Channel.EmotePrefix == "" {
		slog.Warn("channel.emote_prefix is empty; native emote tracking will be inactive")
	}

	for _, check := range []struct {
		name  string
		value int
	}{
		{"correlator.retention_seconds", cfg.Correlator.RetentionSeconds},
		{"correlator.buffer_max_size", cfg.Correlator.BufferMaxSize},
		{"correlator.correlation_window_seconds", cfg.Correlator.CorrelationWindowSeconds},
		{"correlator.window_seconds", cfg.Correlator.WindowSeconds},
		{"correlator.analysis_interval_seconds", cfg.Correlator.AnalysisIntervalSeconds},
		{"ws.heartbeat_seconds", cfg.WS.HeartbeatSeconds},
		{"ws.backoff_base_seconds", cfg.WS.BackoffBaseSeconds},
		{"ws.backoff_cap_seconds", cfg.WS.BackoffCapSeconds},
		{"ws.max_reconnect_attempts", cfg.WS.MaxReconnectAttempts},
		{"ws.breaker_threshold", cfg.WS.BreakerThreshold},
		{"ws.breaker_timeout_seconds", cfg.WS.BreakerTimeoutSeconds},
		{"llm.rate_limit", cfg.LLM.RateLimit},
		{"vocabulary.rate_limit", cfg.Vocabulary.RateLimit},
		{"vocabulary.cache_size", cfg.Vocabulary.CacheSize},
	} {
		if check.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", check.name, check.value))
		}
	}

	if cfg.LLM.AnalysisTemperature < 0 || cfg.LLM.AnalysisTemperature > 2 {
		errs = append(errs, fmt.Errorf("llm.analysis_temperature %.2f is out of range [0, 2]", cfg.LLM.AnalysisTemperature))
	}
	if cfg.LLM.ResponseTemperature < 0 || cfg.LLM.ResponseTemperature > 2 {
		errs = append(errs, fmt.Errorf("llm.response_temperature %.2f is out of range [0, 2]", cfg.LLM.ResponseTemperature))
	}
	if cfg.LLM.ResponseTopP < 0 || cfg.LLM.ResponseTopP > 1 {
		errs = append(errs, fmt.Errorf("llm.response_top_p %.2f is out of range [0, 1]", cfg.LLM.ResponseTopP))
	}

	return errors.Join(errs...)
}

// Location resolves the configured timezone. Call only after [Validate]
// has accepted cfg; an unloadable zone at this point is a programming error.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Channel.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
