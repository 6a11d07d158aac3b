// Package config provides the configuration schema and loader for the
// Streampulse service.
//
// Configuration is read from an optional YAML file and then overlaid with
// environment variables (prefix STREAMPULSE_). Parsing happens once in main;
// the resulting [Config] value is threaded into constructors and never
// mutated afterwards.
package config

// LogLevel controls log verbosity for the Streampulse service.
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

// LLMProvider selects the language-model backend implementation.
type LLMProvider string

const (
	// ProviderOpenAI talks to any OpenAI-compatible chat-completions
	// endpoint (LM Studio, vLLM, OpenAI itself) at upstream.lms_url.
	ProviderOpenAI LLMProvider = "openai"

	// ProviderOllama uses a local Ollama instance.
	ProviderOllama LLMProvider = "ollama"

	// ProviderLlamaCpp uses a running llama.cpp server.
	ProviderLlamaCpp LLMProvider = "llamacpp"
)

// IsValid reports whether p is a recognised LLM provider.
func (p LLMProvider) IsValid() bool {
	switch p {
	case ProviderOpenAI, ProviderOllama, ProviderLlamaCpp:
		return true
	}
	return false
}

// Config is the root configuration structure for Streampulse.
// It is typically loaded via [Load]; zero values are filled in by
// [ApplyDefaults] so a fully empty config yields a runnable local setup.
type Config struct {
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Channel    ChannelConfig    `yaml:"channel"`
	Correlator CorrelatorConfig `yaml:"correlator" envPrefix:"CORRELATOR_"`
	WS         WSConfig         `yaml:"ws" envPrefix:"WS_"`
	LLM        LLMConfig        `yaml:"llm" envPrefix:"LLM_"`
	Vocabulary VocabularyConfig `yaml:"vocabulary" envPrefix:"VOCAB_"`
	RAG        RAGConfig        `yaml:"rag" envPrefix:"RAG_"`
}

// ServerConfig holds network and logging settings for the service itself.
type ServerConfig struct {
	// ListenAddr is the TCP address the health/status/metrics/RAG-WS server
	// listens on (e.g., ":8600").
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"LOG_LEVEL"`
}

// UpstreamConfig holds the addresses of all external collaborators.
// Environment names are flat (STREAMPULSE_EVENTS_WS_URL, STREAMPULSE_LMS_URL, …).
type UpstreamConfig struct {
	// TranscriptionWSURL is the Phoenix WebSocket endpoint carrying
	// new_transcription events (topic transcription:live).
	TranscriptionWSURL string `yaml:"transcription_ws_url" env:"TRANSCRIPTION_WS_URL"`

	// EventsWSURL is the Phoenix WebSocket endpoint carrying chat and
	// viewer-interaction events (topic events:all).
	EventsWSURL string `yaml:"events_ws_url" env:"EVENTS_WS_URL"`

	// EgressWSURL is the Phoenix WebSocket endpoint the transcription
	// producer publishes submit_transcription events to. Empty disables the
	// egress client.
	EgressWSURL string `yaml:"egress_ws_url" env:"EGRESS_WS_URL"`

	// LMSURL is the base URL of the OpenAI-compatible inference server;
	// requests go to {lms_url}/v1/chat/completions.
	LMSURL string `yaml:"lms_url" env:"LMS_URL"`

	// ActivityURL is the base URL of the activity read API.
	ActivityURL string `yaml:"activity_url" env:"ACTIVITY_URL"`

	// ContextURL is the base URL of the context storage API.
	ContextURL string `yaml:"context_url" env:"CONTEXT_URL"`

	// VocabularyURL is the base URL of the community vocabulary API.
	VocabularyURL string `yaml:"vocabulary_url" env:"VOCABULARY_URL"`
}

// ChannelConfig describes the monitored channel.
type ChannelConfig struct {
	// EmotePrefix is the channel's emote name prefix; emotes starting with
	// it are counted as native emotes (e.g., "pogchamp" for pogchampHype).
	EmotePrefix string `yaml:"emote_prefix" env:"EMOTE_PREFIX"`

	// Timezone is the IANA zone session ids are computed in.
	// Default America/Los_Angeles.
	Timezone string `yaml:"timezone" env:"TIMEZONE"`

	// SourceID identifies this producer in egress submit_transcription
	// payloads.
	SourceID string `yaml:"source_id" env:"SOURCE_ID"`
}

// CorrelatorConfig tunes the stream correlator's buffers and loops.
// All periods are plain seconds to keep YAML and env values uniform.
type CorrelatorConfig struct {
	// RetentionSeconds is the max age of a buffered event. Default 120.
	RetentionSeconds int `yaml:"retention_seconds" env:"RETENTION_SECONDS"`

	// BufferMaxSize caps each of the four buffers by element count. Default 1000.
	BufferMaxSize int `yaml:"buffer_max_size" env:"BUFFER_MAX_SIZE"`

	// CorrelationWindowSeconds is the forward-looking interval after a
	// transcription within which chat is attributed to it. Default 10.
	CorrelationWindowSeconds int `yaml:"correlation_window_seconds" env:"CORRELATION_WINDOW_SECONDS"`

	// WindowSeconds is the context-window size. Default 120.
	WindowSeconds int `yaml:"window_seconds" env:"WINDOW_SECONDS"`

	// AnalysisIntervalSeconds is the periodic analysis cadence. Default 30.
	AnalysisIntervalSeconds int `yaml:"analysis_interval_seconds" env:"ANALYSIS_INTERVAL_SECONDS"`

	// AnalysisCooldownSeconds is the minimum gap between non-immediate
	// analyses. Default 10.
	AnalysisCooldownSeconds int `yaml:"analysis_cooldown_seconds" env:"ANALYSIS_COOLDOWN_SECONDS"`
}

// WSConfig tunes the resilient WebSocket client foundation shared by all
// ingest and egress edges.
type WSConfig struct {
	// HeartbeatSeconds is the heartbeat cadence. Default 30.
	HeartbeatSeconds int `yaml:"heartbeat_seconds" env:"HEARTBEAT_SECONDS"`

	// BackoffBaseSeconds is the first reconnect delay. Default 1.
	BackoffBaseSeconds int `yaml:"backoff_base_seconds" env:"BACKOFF_BASE_SECONDS"`

	// BackoffCapSeconds caps the reconnect delay. Default 60.
	BackoffCapSeconds int `yaml:"backoff_cap_seconds" env:"BACKOFF_CAP_SECONDS"`

	// MaxReconnectAttempts bounds the reconnect sequence before the client
	// gives up and enters the failed state. Default 10.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" env:"MAX_RECONNECT_ATTEMPTS"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// connect circuit breaker. Default 5.
	BreakerThreshold int `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`

	// BreakerTimeoutSeconds is how long the circuit stays open. Default 300.
	BreakerTimeoutSeconds int `yaml:"breaker_timeout_seconds" env:"BREAKER_TIMEOUT_SECONDS"`

	// InboundQueueSize bounds the decoded-frame queue per client; on
	// overflow the oldest frame is dropped. Default 1000.
	InboundQueueSize int `yaml:"inbound_queue_size" env:"INBOUND_QUEUE_SIZE"`
}

// LLMConfig tunes the language-model client.
type LLMConfig struct {
	// Provider selects the backend implementation.
	Provider LLMProvider `yaml:"provider" env:"PROVIDER"`

	// Model is the model name sent with every request.
	Model string `yaml:"model" env:"MODEL"`

	// APIKey authenticates against the inference server. Local servers
	// usually accept any non-empty value.
	APIKey string `yaml:"api_key" env:"API_KEY"`

	// RateLimit is the token-bucket capacity per RatePeriodSeconds. Default 10.
	RateLimit int `yaml:"rate_limit" env:"RATE_LIMIT"`

	// RatePeriodSeconds is the token-bucket refill period. Default 60.
	RatePeriodSeconds int `yaml:"rate_period_seconds" env:"RATE_PERIOD_SECONDS"`

	// TimeoutSeconds is the per-call ceiling. Default 30.
	TimeoutSeconds int `yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`

	// MaxRetries bounds transient (5xx) retries per request. Default 3.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`

	// AnalysisTemperature is the sampling temperature for stream analysis.
	// Default 0.7.
	AnalysisTemperature float64 `yaml:"analysis_temperature" env:"ANALYSIS_TEMPERATURE"`

	// AnalysisMaxTokens caps analysis completions. Default 800.
	AnalysisMaxTokens int `yaml:"analysis_max_tokens" env:"ANALYSIS_MAX_TOKENS"`

	// ResponseTemperature is the sampling temperature for RAG answers.
	// Default 0.8.
	ResponseTemperature float64 `yaml:"response_temperature" env:"RESPONSE_TEMPERATURE"`

	// ResponseTopP is the nucleus-sampling parameter for RAG answers.
	// Default 0.9.
	ResponseTopP float64 `yaml:"response_top_p" env:"RESPONSE_TOP_P"`

	// ResponseMaxTokens caps RAG completions. Default 500.
	ResponseMaxTokens int `yaml:"response_max_tokens" env:"RESPONSE_MAX_TOKENS"`
}

// VocabularyConfig tunes the vocabulary client's cache and rate limiter.
type VocabularyConfig struct {
	// RateLimit is the token-bucket capacity per RatePeriodSeconds. Default 100.
	RateLimit int `yaml:"rate_limit" env:"RATE_LIMIT"`

	// RatePeriodSeconds is the token-bucket refill period. Default 60.
	RatePeriodSeconds int `yaml:"rate_period_seconds" env:"RATE_PERIOD_SECONDS"`

	// RateMaxWaitSeconds is the longest a call waits for a token before
	// failing with a rate-limit error. Default 5.
	RateMaxWaitSeconds int `yaml:"rate_max_wait_seconds" env:"RATE_MAX_WAIT_SECONDS"`

	// CacheSize caps the LRU cache entry count. Default 1000.
	CacheSize int `yaml:"cache_size" env:"CACHE_SIZE"`

	// CacheTTLSeconds is the per-entry time to live. Default 300.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds" env:"CACHE_TTL_SECONDS"`
}

// RAGConfig tunes the question-answering orchestrator.
type RAGConfig struct {
	// LookbackMinutes is the default retrieval window when a query does not
	// specify one. Default 60.
	LookbackMinutes int `yaml:"lookback_minutes" env:"LOOKBACK_MINUTES"`
}

// ApplyDefaults fills every zero-valued tunable with its documented default.
// URLs and credentials are never defaulted; Validate reports when a required
// one is missing.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8600"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Channel.Timezone == "" {
		cfg.Channel.Timezone = "America/Los_Angeles"
	}
	if cfg.Channel.SourceID == "" {
		cfg.Channel.SourceID = "streampulse"
	}

	c := &cfg.Correlator
	if c.RetentionSeconds == 0 {
		c.RetentionSeconds = 120
	}
	if c.BufferMaxSize == 0 {
		c.BufferMaxSize = 1000
	}
	if c.CorrelationWindowSeconds == 0 {
		c.CorrelationWindowSeconds = 10
	}
	if c.WindowSeconds == 0 {
		c.WindowSeconds = 120
	}
	if c.AnalysisIntervalSeconds == 0 {
		c.AnalysisIntervalSeconds = 30
	}
	if c.AnalysisCooldownSeconds == 0 {
		c.AnalysisCooldownSeconds = 10
	}

	w := &cfg.WS
	if w.HeartbeatSeconds == 0 {
		w.HeartbeatSeconds = 30
	}
	if w.BackoffBaseSeconds == 0 {
		w.BackoffBaseSeconds = 1
	}
	if w.BackoffCapSeconds == 0 {
		w.BackoffCapSeconds = 60
	}
	if w.MaxReconnectAttempts == 0 {
		w.MaxReconnectAttempts = 10
	}
	if w.BreakerThreshold == 0 {
		w.BreakerThreshold = 5
	}
	if w.BreakerTimeoutSeconds == 0 {
		w.BreakerTimeoutSeconds = 300
	}
	if w.InboundQueueSize == 0 {
		w.InboundQueueSize = 1000
	}

	l := &cfg.LLM
	if l.Provider == "" {
		l.Provider = ProviderOpenAI
	}
	if l.RateLimit == 0 {
		l.RateLimit = 10
	}
	if l.RatePeriodSeconds == 0 {
		l.RatePeriodSeconds = 60
	}
	if l.TimeoutSeconds == 0 {
		l.TimeoutSeconds = 30
	}
	if l.MaxRetries == 0 {
		l.MaxRetries = 3
	}
	if l.AnalysisTemperature == 0 {
		l.AnalysisTemperature = 0.7
	}
	if l.AnalysisMaxTokens == 0 {
		l.AnalysisMaxTokens = 800
	}
	if l.ResponseTemperature == 0 {
		l.ResponseTemperature = 0.8
	}
	if l.ResponseTopP == 0 {
		l.ResponseTopP = 0.9
	}
	if l.ResponseMaxTokens == 0 {
		l.ResponseMaxTokens = 500
	}

	v := &cfg.Vocabulary
	if v.RateLimit == 0 {
		v.RateLimit = 100
	}
	if v.RatePeriodSeconds == 0 {
		v.RatePeriodSeconds = 60
	}
	if v.RateMaxWaitSeconds == 0 {
		v.RateMaxWaitSeconds = 5
	}
	if v.CacheSize == 0 {
		v.CacheSize = 1000
	}
	if v.CacheTTLSeconds == 0 {
		v.CacheTTLSeconds = 300
	}

	if cfg.RAG.LookbackMinutes == 0 {
		cfg.RAG.LookbackMinutes = 60
	}
}
