// Package analysis wraps an [llm.Provider] with the guardrails the rest of
// the service relies on: a token-bucket rate limiter, a circuit breaker, and
// a per-call timeout.
//
// Two entry points map to the two consumers. [Analyzer.AnalyzeStream] is
// called by the correlator on its periodic cadence and returns a parsed
// [types.AnalysisResult]; a malformed model reply is treated as a transient
// miss (nil result, nil error) so the correlator continues. The RAG
// orchestrator calls [Analyzer.GenerateResponse], which requests structured
// output against a fixed response schema and falls back to wrapping plain
// content when the model ignores the schema.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lurkshade/streampulse/internal/observe"
	"github.com/lurkshade/streampulse/internal/resilience"
	"github.com/lurkshade/streampulse/pkg/provider/llm"
	"github.com/lurkshade/streampulse/pkg/types"
)

// ErrRateLimited is returned when a call could not acquire a rate-limiter
// token within the per-call ceiling.
var ErrRateLimited = errors.New("llm rate limit exhausted")

// analysisSystemPrompt pins the model's reply to a single JSON object the
// correlator can decode into a [types.AnalysisResult].
const analysisSystemPrompt = `You analyze live-stream moments for the streamer's own tooling.

You receive two blocks: what the streamer recently said (SPEECH) and how the community reacted (COMMUNITY). Assess the current state of the stream.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "patterns": {
    "energy_level": <0.0-1.0>,
    "engagement_level": <0.0-1.0>,
    "community_sync": <0.0-1.0>,
    "content_focus": ["<tag>", ...],
    "mood_indicators": {"<mood>": <value>},
    "temporal_flow": "<building|steady|winding_down>"
  },
  "dynamics": {"energy_trajectory": "<rising|falling|stable>", "engagement_trajectory": "<rising|falling|stable>"},
  "sentiment": "<positive|negative|neutral|mixed>",
  "sentiment_trajectory": "<short description>",
  "topics": ["<topic>", ...],
  "context_summary": "<one or two sentences>",
  "suggested_actions": ["<suggestion>", ...],
  "momentum": {"direction": "<up|down|flat>", "strength": <0.0-1.0>}
}

Score honestly; a quiet stream is a low energy_level, not a missing field.`

// responseTypes are the values the RAG schema admits for response_type.
var responseTypes = []string{"factual", "creative", "clarification", "insufficient_data", "fallback"}

// ragResponseSchema is the structured-output contract for GenerateResponse.
var ragResponseSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"answer":        map[string]any{"type": "string"},
		"confidence":    map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"reasoning":     map[string]any{"type": "string"},
		"response_type": map[string]any{"type": "string", "enum": responseTypes},
		"suggestions":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required":             []string{"answer", "confidence", "reasoning", "response_type"},
	"additionalProperties": false,
}

// Response is the structured answer produced for the RAG path.
type Response struct {
	// Answer is the model's reply to the streamer's question.
	Answer string `json:"answer"`

	// Confidence is the model's self-assessed confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Reasoning explains how the answer follows from the retrieved data.
	Reasoning string `json:"reasoning"`

	// ResponseType classifies the answer: factual, creative, clarification,
	// insufficient_data, or fallback.
	ResponseType string `json:"response_type"`

	// Suggestions optionally lists follow-up questions worth asking.
	Suggestions []string `json:"suggestions,omitempty"`
}

// ResponseOptions overrides the configured sampling defaults for a single
// GenerateResponse call. Zero values keep the defaults.
type ResponseOptions struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Config tunes an [Analyzer]. Zero values are replaced with the documented
// defaults.
type Config struct {
	// RateLimit is the token-bucket capacity per RatePeriod. Default 10.
	RateLimit int

	// RatePeriod is the bucket refill period. Default 60s.
	RatePeriod time.Duration

	// CallTimeout bounds a single completion call, including any time spent
	// waiting for a rate-limiter token. Default 30s.
	CallTimeout time.Duration

	// AnalysisTemperature is the sampling temperature for AnalyzeStream.
	// Default 0.7.
	AnalysisTemperature float64

	// AnalysisMaxTokens caps AnalyzeStream completions. Default 800.
	AnalysisMaxTokens int

	// ResponseTemperature is the sampling temperature for GenerateResponse.
	// Default 0.8.
	ResponseTemperature float64

	// ResponseTopP is the nucleus-sampling parameter for GenerateResponse.
	// Default 0.9.
	ResponseTopP float64

	// ResponseMaxTokens caps GenerateResponse completions. Default 500.
	ResponseMaxTokens int
}

func (c *Config) applyDefaults() {
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RatePeriod <= 0 {
		c.RatePeriod = 60 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.AnalysisTemperature == 0 {
		c.AnalysisTemperature = 0.7
	}
	if c.AnalysisMaxTokens <= 0 {
		c.AnalysisMaxTokens = 800
	}
	if c.ResponseTemperature == 0 {
		c.ResponseTemperature = 0.8
	}
	if c.ResponseTopP == 0 {
		c.ResponseTopP = 0.9
	}
	if c.ResponseMaxTokens <= 0 {
		c.ResponseMaxTokens = 500
	}
}

// Analyzer is the rate-limited, breaker-guarded gateway to the language
// model. It is safe for concurrent use.
type Analyzer struct {
	provider llm.Provider
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	cfg      Config
	log      *slog.Logger
	metrics  *observe.Metrics

	now func() time.Time
}

// New constructs an [Analyzer] around the given provider.
func New(provider llm.Provider, cfg Config, log *slog.Logger) *Analyzer {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	perToken := cfg.RatePeriod / time.Duration(cfg.RateLimit)
	return &Analyzer{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Every(perToken), cfg.RateLimit),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "llm",
		}),
		cfg:     cfg,
		log:     log,
		metrics: observe.DefaultMetrics(),
		now:     time.Now,
	}
}

// BreakerStats exposes the breaker snapshot for the status endpoint.
func (a *Analyzer) BreakerStats() resilience.Stats {
	return a.breaker.Stats()
}

// AnalyzeStream asks the model to assess the recent stream state from the
// assembled speech and community contexts.
//
// A malformed or empty model reply returns (nil, nil): the correlator treats
// the cycle as a transient miss and carries on. Transport errors, rate-limit
// exhaustion, and an open breaker return non-nil errors.
func (a *Analyzer) AnalyzeStream(ctx context.Context, transcriptionCtx, chatCtx string) (*types.AnalysisResult, error) {
	userMsg := fmt.Sprintf("SPEECH:\n%s\n\nCOMMUNITY:\n%s", transcriptionCtx, chatCtx)

	content, err := a.complete(ctx, "analysis", llm.CompletionRequest{
		SystemPrompt: analysisSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: userMsg}},
		Temperature:  a.cfg.AnalysisTemperature,
		MaxTokens:    a.cfg.AnalysisMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	var result types.AnalysisResult
	if err := json.Unmarshal([]byte(stripFences(content)), &result); err != nil {
		a.log.Warn("analysis reply was not valid JSON, skipping cycle", "error", err)
		return nil, nil
	}
	result.Timestamp = a.now()
	return &result, nil
}

// GenerateResponse answers a RAG prompt with structured output. When the
// model returns plain text instead of the schema, the text is wrapped as a
// fallback answer with confidence 0.5.
func (a *Analyzer) GenerateResponse(ctx context.Context, prompt string, opts ResponseOptions) (*Response, error) {
	if opts.Temperature == 0 {
		opts.Temperature = a.cfg.ResponseTemperature
	}
	if opts.TopP == 0 {
		opts.TopP = a.cfg.ResponseTopP
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = a.cfg.ResponseMaxTokens
	}

	content, err := a.complete(ctx, "response", llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   opts.MaxTokens,
		ResponseSchema: &llm.ResponseSchema{
			Name:   "rag_response",
			Schema: ragResponseSchema,
		},
	})
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal([]byte(stripFences(content)), &resp); err != nil || resp.Answer == "" {
		// The model ignored the schema; treat its raw text as the answer.
		return &Response{
			Answer:       strings.TrimSpace(content),
			Confidence:   0.5,
			Reasoning:    "model returned unstructured output",
			ResponseType: "fallback",
		}, nil
	}
	if !validResponseType(resp.ResponseType) {
		resp.ResponseType = "fallback"
	}
	return &resp, nil
}

// complete acquires a rate token, checks the breaker, and runs the provider
// call under the configured timeout. kind labels the round trip on the LLM
// latency histogram ("analysis" or "response").
func (a *Analyzer) complete(ctx context.Context, kind string, req llm.CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	if err := a.breaker.Allow(); err != nil {
		return "", err
	}

	start := a.now()
	resp, err := a.provider.Complete(ctx, req)
	if err != nil {
		a.breaker.RecordFailure()
		a.metrics.RecordLLMCall(ctx, kind, "error", a.now().Sub(start).Seconds())
		return "", fmt.Errorf("llm completion: %w", err)
	}
	a.breaker.RecordSuccess()
	a.metrics.RecordLLMCall(ctx, kind, "ok", a.now().Sub(start).Seconds())

	if resp == nil {
		return "", nil
	}
	return resp.Content, nil
}

func validResponseType(t string) bool {
	for _, v := range responseTypes {
		if t == v {
			return true
		}
	}
	return false
}

// stripFences removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
