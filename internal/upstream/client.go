// Package upstream provides the HTTP clients for Streampulse's three
// collaborating APIs: context storage, activity reads, and community
// vocabulary.
//
// All three share the same plumbing: one [http.Client] per upstream with a
// total timeout, JSON in / JSON out, 5xx retried with capped exponential
// backoff, and 4xx surfaced immediately as a [*StatusError]. The vocabulary
// client additionally carries an LRU+TTL cache and a token-bucket rate
// limiter because it sits on the hot path of every RAG query.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 5 * time.Second
)

// StatusError reports a non-2xx upstream response that was not recovered by
// retries. Status is the final HTTP status code; Body carries a truncated
// response body for log context.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// IsStatus reports whether err is a [*StatusError] with the given code.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// client is the shared request core embedded by the concrete API clients.
type client struct {
	http    *http.Client
	baseURL string
	log     *slog.Logger

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func newClient(baseURL string, timeout time.Duration, log *slog.Logger) client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return client{
		http:        &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(baseURL, "/"),
		log:         log,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
	}
}

// doJSON issues one API call. body, when non-nil, is marshalled as the JSON
// request payload; out, when non-nil, receives the decoded JSON response.
//
// 5xx responses and transport errors are retried with capped exponential
// backoff; 4xx responses fail immediately. Decode failures on a 2xx response
// are wrapped and returned without retry.
func (c *client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoffBase << (attempt - 2)
			if delay > c.backoffCap {
				delay = c.backoffCap
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			c.log.Warn("upstream request failed, retrying",
				"method", method, "path", path,
				"attempt", attempt, "error", err)
			continue
		}

		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				return fmt.Errorf("read response: %w", readErr)
			}
			if out != nil && len(raw) > 0 {
				if err := json.Unmarshal(raw, out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
			}
			return nil

		case resp.StatusCode >= 500:
			lastErr = &StatusError{Status: resp.StatusCode, Body: preview(raw)}
			c.log.Warn("upstream server error, retrying",
				"method", method, "path", path,
				"status", resp.StatusCode, "attempt", attempt)
			continue

		default:
			return &StatusError{Status: resp.StatusCode, Body: preview(raw)}
		}
	}

	return fmt.Errorf("upstream %s %s failed after %d attempts: %w",
		method, path, c.maxAttempts, lastErr)
}

// preview truncates a response body for error messages and logs.
func preview(raw []byte) string {
	const max = 200
	s := string(raw)
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
