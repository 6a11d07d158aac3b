package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lurkshade/streampulse/pkg/types"
)

// ContextRecord is the persisted form of one sealed context window.
// Started, Ended, Session, and Transcript are required; the block fields are
// optional enrichments.
type ContextRecord struct {
	// Started is the window open time.
	Started time.Time `json:"started"`

	// Ended is the window seal time.
	Ended time.Time `json:"ended"`

	// Session is the stream session id (stream_YYYY_MM_DD).
	Session string `json:"session"`

	// Transcript is the space-joined text of all fragments in the window.
	Transcript string `json:"transcript"`

	// Duration is the actual spoken span in seconds (last fragment minus
	// first), which is usually shorter than Ended−Started.
	Duration float64 `json:"duration"`

	// Chat summarizes community chat during the window.
	Chat map[string]any `json:"chat,omitempty"`

	// Interactions summarizes viewer interactions during the window.
	Interactions map[string]any `json:"interactions,omitempty"`

	// Emotes summarizes emote usage during the window.
	Emotes map[string]any `json:"emotes,omitempty"`

	// Patterns carries the AI analysis block when one was available.
	Patterns map[string]any `json:"patterns,omitempty"`

	// Sentiment is the analyzed overall sentiment. Invalid values are dropped
	// before sending.
	Sentiment string `json:"sentiment,omitempty"`

	// Topics lists analyzed discussion topics.
	Topics []string `json:"topics,omitempty"`
}

// ContextClient talks to the context storage API. The correlator writes
// sealed windows through it; the RAG orchestrator reads recent windows,
// transcript search results, and aggregate stats.
type ContextClient struct {
	client
}

// ContextOption configures a [ContextClient].
type ContextOption func(*ContextClient)

// WithContextTimeout overrides the total per-request timeout. Default 10 s.
func WithContextTimeout(d time.Duration) ContextOption {
	return func(c *ContextClient) {
		c.http.Timeout = d
	}
}

// NewContextClient creates a client for the context storage API at baseURL.
func NewContextClient(baseURL string, log *slog.Logger, opts ...ContextOption) *ContextClient {
	c := &ContextClient{client: newClient(baseURL, defaultTimeout, log)}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Create persists one sealed context window via POST /api/contexts.
// The server answers 201 on success and 422 on validation failure; a 422 is
// surfaced as a validation error and must not be retried by the caller.
func (c *ContextClient) Create(ctx context.Context, rec ContextRecord) error {
	if err := validateRecord(&rec); err != nil {
		return fmt.Errorf("context record invalid: %w", err)
	}

	err := c.doJSON(ctx, http.MethodPost, "/api/contexts", nil, rec, nil)
	if IsStatus(err, http.StatusUnprocessableEntity) {
		return fmt.Errorf("context record rejected by server: %w", err)
	}
	return err
}

// validateRecord enforces the required fields and drops coercible optional
// fields that do not fit their contracts.
func validateRecord(rec *ContextRecord) error {
	var problems []error
	if rec.Started.IsZero() {
		problems = append(problems, errors.New("started is required"))
	}
	if rec.Ended.IsZero() {
		problems = append(problems, errors.New("ended is required"))
	}
	if rec.Session == "" {
		problems = append(problems, errors.New("session is required"))
	}
	if rec.Transcript == "" {
		problems = append(problems, errors.New("transcript is required"))
	}
	if rec.Duration < 0 {
		problems = append(problems, errors.New("duration must not be negative"))
	}
	if len(problems) > 0 {
		return errors.Join(problems...)
	}

	// Optional fields degrade instead of failing the record.
	if rec.Sentiment != "" && !types.Sentiment(rec.Sentiment).IsValid() {
		rec.Sentiment = ""
	}
	return nil
}

// envelope shapes for the read endpoints.
type contextListResponse struct {
	Data struct {
		Contexts []map[string]any `json:"contexts"`
	} `json:"data"`
}

type contextStatsResponse struct {
	Data struct {
		Stats map[string]any `json:"stats"`
	} `json:"data"`
}

// Recent returns up to limit stored context windows, newest first. A
// non-empty session restricts results to that session.
func (c *ContextClient) Recent(ctx context.Context, limit int, session string) ([]map[string]any, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if session != "" {
		q.Set("session", session)
	}

	var resp contextListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/contexts", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Contexts, nil
}

// Search returns stored windows whose transcripts match query.
func (c *ContextClient) Search(ctx context.Context, query string, limit int, session string) ([]map[string]any, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if session != "" {
		q.Set("session", session)
	}

	var resp contextListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/contexts/search", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Contexts, nil
}

// Stats returns aggregate context statistics for the given lookback. The
// server takes whole hours, so the lookback is floored with a minimum of one
// hour.
func (c *ContextClient) Stats(ctx context.Context, lookbackMinutes int) (map[string]any, error) {
	hours := max(1, lookbackMinutes/60)
	q := url.Values{"hours": {strconv.Itoa(hours)}}

	var resp contextStatsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/contexts/stats", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Stats, nil
}
