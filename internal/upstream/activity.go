package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ActivityClient reads recent channel activity (discrete viewer events and
// aggregate counters) from the activity API. It is read-only: Streampulse
// never writes activity, it only folds it into RAG answers.
type ActivityClient struct {
	client
}

// ActivityOption configures an [ActivityClient].
type ActivityOption func(*ActivityClient)

// WithActivityTimeout overrides the total per-request timeout. Default 10 s.
func WithActivityTimeout(d time.Duration) ActivityOption {
	return func(c *ActivityClient) {
		c.http.Timeout = d
	}
}

// NewActivityClient creates a client for the activity API at baseURL.
func NewActivityClient(baseURL string, log *slog.Logger, opts ...ActivityOption) *ActivityClient {
	c := &ActivityClient{client: newClient(baseURL, defaultTimeout, log)}
	for _, o := range opts {
		o(c)
	}
	return c
}

type activityEventsResponse struct {
	Data struct {
		Events []map[string]any `json:"events"`
	} `json:"data"`
}

type activityStatsResponse struct {
	Data struct {
		Stats map[string]any `json:"stats"`
	} `json:"data"`
}

// Events returns recent activity events, optionally filtered by event type
// (e.g., "subscription", "follower", "chat_message", "raid", "cheer").
func (c *ActivityClient) Events(ctx context.Context, eventType string) ([]map[string]any, error) {
	var q url.Values
	if eventType != "" {
		q = url.Values{"event_type": {eventType}}
	}

	var resp activityEventsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/activity/events", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Events, nil
}

// Stats returns the aggregate activity counters (total_events, unique_users,
// chat_messages, follows, subscriptions, cheers, …).
func (c *ActivityClient) Stats(ctx context.Context) (map[string]any, error) {
	var resp activityStatsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/activity/stats", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Stats, nil
}
