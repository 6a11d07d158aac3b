// Package rag answers free-form questions about the stream. A question is
// routed to backend retrievers by keyword intent, the results are enriched
// with community vocabulary, and a language model produces a structured
// answer; when the model is unreachable the orchestrator degrades to a
// deterministic summary of whatever the retrievers returned.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lurkshade/streampulse/internal/analysis"
	"github.com/lurkshade/streampulse/internal/observe"
	"github.com/lurkshade/streampulse/pkg/types"
)

// Defaults for [Config].
const (
	defaultSearchLimit    = 5
	defaultRecentContexts = 3
	defaultPopularVocab   = 10
	defaultWindowHours    = 1.0
)

// ErrEmptyQuestion is returned for blank questions.
var ErrEmptyQuestion = errors.New("rag: empty question")

// ActivityReader is the slice of the activity API the orchestrator uses.
type ActivityReader interface {
	Events(ctx context.Context, eventType string) ([]map[string]any, error)
	Stats(ctx context.Context) (map[string]any, error)
}

// ContextReader is the slice of the context API the orchestrator uses.
type ContextReader interface {
	Recent(ctx context.Context, limit int, session string) ([]map[string]any, error)
	Search(ctx context.Context, query string, limit int, session string) ([]map[string]any, error)
	Stats(ctx context.Context, lookbackMinutes int) (map[string]any, error)
}

// VocabularyReader resolves community vocabulary terms.
type VocabularyReader interface {
	Search(ctx context.Context, query string, limit int) ([]types.VocabularyEntry, error)
	Popular(ctx context.Context, limit int) ([]types.VocabularyEntry, error)
}

// AnalysisSource exposes the correlator's in-memory analysis state.
type AnalysisSource interface {
	LastResult() *types.AnalysisResult
	Session() string
}

// Responder generates the final structured answer.
type Responder interface {
	GenerateResponse(ctx context.Context, prompt string, opts analysis.ResponseOptions) (*analysis.Response, error)
}

// Config tunes an [Orchestrator]. Zero values use the package defaults.
type Config struct {
	// SearchLimit caps context transcript search hits. Default 5.
	SearchLimit int

	// RecentContexts caps sealed windows attached to the analysis source.
	// Default 3.
	RecentContexts int

	// PopularVocab is how many popular vocabulary entries enrich every
	// prompt. Default 10.
	PopularVocab int

	// DefaultWindowHours is the lookback applied when a query does not
	// carry one. Default 1.
	DefaultWindowHours float64
}

func (c *Config) applyDefaults() {
	if c.SearchLimit <= 0 {
		c.SearchLimit = defaultSearchLimit
	}
	if c.RecentContexts <= 0 {
		c.RecentContexts = defaultRecentContexts
	}
	if c.PopularVocab <= 0 {
		c.PopularVocab = defaultPopularVocab
	}
	if c.DefaultWindowHours <= 0 {
		c.DefaultWindowHours = defaultWindowHours
	}
}

// Orchestrator runs the retrieval-augmented question pipeline. It is safe
// for concurrent use; each question fans out independently.
type Orchestrator struct {
	responder Responder
	activity  ActivityReader
	contexts  ContextReader
	vocab     VocabularyReader
	analysis  AnalysisSource

	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
}

// New constructs an orchestrator. responder is required; activity, contexts,
// vocab, and analysisSrc may be nil, disabling their sources.
func New(responder Responder, activity ActivityReader, contexts ContextReader,
	vocab VocabularyReader, analysisSrc AnalysisSource, cfg Config, log *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		responder: responder,
		activity:  activity,
		contexts:  contexts,
		vocab:     vocab,
		analysis:  analysisSrc,
		cfg:       cfg,
		log:       log.With("component", "rag"),
		metrics:   observe.DefaultMetrics(),
		now:       time.Now,
	}
}

// Query is one question plus its options.
type Query struct {
	// Question is the streamer's free-form question.
	Question string `json:"question"`

	// TimeWindowHours is the lookback the answer should consider. Zero
	// means one hour.
	TimeWindowHours float64 `json:"time_window_hours,omitempty"`
}

// Answer is the orchestrator's reply.
type Answer struct {
	Success         bool           `json:"success"`
	Question        string         `json:"question"`
	Answer          string         `json:"answer"`
	Confidence      float64        `json:"confidence"`
	ResponseType    string         `json:"response_type"`
	Reasoning       string         `json:"reasoning,omitempty"`
	Suggestions     []string       `json:"suggestions,omitempty"`
	DataSummary     map[string]int `json:"data_summary"`
	Sources         []string       `json:"sources"`
	TimeWindowHours float64        `json:"time_window_hours"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Ask runs the full pipeline for one question: route, retrieve, enrich,
// prompt, generate. Model failure degrades to the deterministic fallback
// rather than an error; only an unusable question fails.
func (o *Orchestrator) Ask(ctx context.Context, q Query) (*Answer, error) {
	start := o.now()

	if strings.TrimSpace(q.Question) == "" {
		return nil, ErrEmptyQuestion
	}
	if q.TimeWindowHours <= 0 {
		q.TimeWindowHours = o.cfg.DefaultWindowHours
	}

	ctx, span := observe.StartSpan(ctx, "rag.query")
	defer span.End()

	in := routeIntent(q.Question)
	span.SetAttributes(
		attribute.Int("rag.sources", len(in.sources)),
		attribute.Float64("rag.window_hours", q.TimeWindowHours),
	)
	o.log.Debug("routed question", "sources", in.sources, "search", in.searchQuery)

	res := o.retrieveAll(ctx, in, q)
	voc := o.enrich(ctx, res)
	prompt := buildPrompt(q, res, voc)

	var ans *Answer
	respCtx, respSpan := observe.StartSpan(ctx, "rag.complete")
	resp, err := o.responder.GenerateResponse(respCtx, prompt, analysis.ResponseOptions{})
	respSpan.End()
	if err != nil || resp == nil {
		o.log.Warn("structured response failed, using fallback", "err", err)
		ans = o.fallback(q, res)
		o.metrics.RecordRAGQuery(ctx, "fallback", o.now().Sub(start).Seconds())
	} else {
		ans = &Answer{
			Success:      true,
			Question:     q.Question,
			Answer:       resp.Answer,
			Confidence:   resp.Confidence,
			ResponseType: resp.ResponseType,
			Reasoning:    resp.Reasoning,
			Suggestions:  resp.Suggestions,
		}
		o.metrics.RecordRAGQuery(ctx, "ok", o.now().Sub(start).Seconds())
	}

	ans.DataSummary = res.summary()
	ans.Sources = res.sources()
	ans.TimeWindowHours = q.TimeWindowHours
	ans.Timestamp = o.now().UTC()
	return ans, nil
}

// fallbackStatKeys are the activity stats surfaced by the fallback answer,
// in display order.
var fallbackStatKeys = []string{
	"total_events", "unique_users", "chat_messages", "follows", "subscriptions", "cheers",
}

// fallback synthesizes a deterministic answer from the retrieved data when
// the model is unavailable. Confidence is 0.6 with activity stats in hand,
// 0.5 without.
func (o *Orchestrator) fallback(q Query, res *retrieved) *Answer {
	confidence := 0.5
	var parts []string

	if stats := res.stats(SourceActivityStats); len(stats) > 0 {
		if line := statsLine(stats); line != "" {
			parts = append(parts, "recent activity: "+line)
			confidence = 0.6
		}
	}
	if events := res.events(SourceSubscriptions); events != nil {
		parts = append(parts, fmt.Sprintf("%d subscription events on record", len(events)))
	}
	if events := res.events(SourceFollowers); events != nil {
		parts = append(parts, fmt.Sprintf("%d new followers on record", len(events)))
	}

	answer := "I couldn't reach the language model for a full answer."
	if len(parts) > 0 {
		answer += " Here is what the data shows: " + strings.Join(parts, "; ") + "."
	}

	return &Answer{
		Success:      true,
		Question:     q.Question,
		Answer:       answer,
		Confidence:   confidence,
		ResponseType: "fallback",
		Reasoning:    "language model unavailable; summarized retrieved data directly",
	}
}

// statsLine renders the known activity stats in a fixed order, then any
// remaining numeric stats alphabetically.
func statsLine(stats map[string]any) string {
	var parts []string
	seen := map[string]bool{}
	for _, k := range fallbackStatKeys {
		if v, ok := stats[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			seen[k] = true
		}
	}

	var rest []string
	for k, v := range stats {
		if seen[k] {
			continue
		}
		if _, ok := v.(float64); ok {
			rest = append(rest, fmt.Sprintf("%s=%v", k, v))
		}
	}
	sort.Strings(rest)
	return strings.Join(append(parts, rest...), ", ")
}
