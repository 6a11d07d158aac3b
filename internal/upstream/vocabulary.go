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

	"golang.org/x/time/rate"

	"github.com/lurkshade/streampulse/internal/vocab"
	"github.com/lurkshade/streampulse/pkg/types"
)

// ErrRateLimited is returned when a vocabulary call could not acquire a
// rate-limiter token within the configured wait ceiling.
var ErrRateLimited = errors.New("vocabulary rate limit exhausted")

// VocabularyConfig tunes the vocabulary client's cache and rate limiter.
// Zero values use the documented defaults.
type VocabularyConfig struct {
	// RateLimit is the token-bucket capacity per RatePeriod. Default 100.
	RateLimit int

	// RatePeriod is the bucket refill period. Default 60s.
	RatePeriod time.Duration

	// RateMaxWait is the longest a call waits for a token before failing
	// with [ErrRateLimited]. Default 5s.
	RateMaxWait time.Duration

	// CacheSize caps the LRU cache entry count. Default 1000.
	CacheSize int

	// CacheTTL is the per-entry time to live. Default 300s.
	CacheTTL time.Duration

	// Timeout is the total per-request HTTP timeout. Default 10s.
	Timeout time.Duration
}

func (c *VocabularyConfig) applyDefaults() {
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RatePeriod <= 0 {
		c.RatePeriod = 60 * time.Second
	}
	if c.RateMaxWait <= 0 {
		c.RateMaxWait = 5 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 300 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

// SubmitRequest is the payload for adding a community vocabulary entry.
type SubmitRequest struct {
	// Phrase is the term itself. Required.
	Phrase string `json:"phrase"`

	// Category classifies the term. Required.
	Category types.VocabCategory `json:"category"`

	// Definition explains the term.
	Definition string `json:"definition,omitempty"`

	// Context is an example usage.
	Context string `json:"context,omitempty"`

	// Tags are free-form labels.
	Tags []string `json:"tags,omitempty"`
}

// VocabularyClient talks to the community vocabulary API. Reads are cached
// (including negative results) and rate limited because the RAG enrichment
// step issues one lookup per candidate term on every question.
type VocabularyClient struct {
	client
	cache   *vocab.Cache[[]types.VocabularyEntry]
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewVocabularyClient creates a client for the vocabulary API at baseURL.
func NewVocabularyClient(baseURL string, cfg VocabularyConfig, log *slog.Logger) *VocabularyClient {
	cfg.applyDefaults()
	perToken := cfg.RatePeriod / time.Duration(cfg.RateLimit)
	return &VocabularyClient{
		client:  newClient(baseURL, cfg.Timeout, log),
		cache:   vocab.NewCache[[]types.VocabularyEntry](cfg.CacheSize, cfg.CacheTTL),
		limiter: rate.NewLimiter(rate.Every(perToken), cfg.RateLimit),
		maxWait: cfg.RateMaxWait,
	}
}

// CacheStats exposes the cache snapshot for the status endpoint.
func (c *VocabularyClient) CacheStats() vocab.CacheStats {
	return c.cache.Stats()
}

type vocabularyResponse struct {
	Data struct {
		Vocabulary []types.VocabularyEntry `json:"vocabulary"`
	} `json:"data"`
}

// Search returns vocabulary entries matching query. A 404 means the term is
// unknown and yields an empty, cached result.
func (c *VocabularyClient) Search(ctx context.Context, query string, limit int) ([]types.VocabularyEntry, error) {
	key := fmt.Sprintf("search:%s:%d", query, limit)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.fetch(ctx, key, "/api/community/vocabulary/search", q)
}

// Popular returns the most used community vocabulary entries.
func (c *VocabularyClient) Popular(ctx context.Context, limit int) ([]types.VocabularyEntry, error) {
	key := fmt.Sprintf("popular:%d", limit)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	q := url.Values{"type": {"popular"}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.fetch(ctx, key, "/api/community/vocabulary", q)
}

// ByCategory returns vocabulary entries of one category.
func (c *VocabularyClient) ByCategory(ctx context.Context, category types.VocabCategory, limit int) ([]types.VocabularyEntry, error) {
	key := fmt.Sprintf("category:%s:%d", category, limit)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	q := url.Values{"category": {string(category)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.fetch(ctx, key, "/api/community/vocabulary", q)
}

// Submit adds a new vocabulary entry. Submissions are not cached; the next
// read repopulates naturally after the TTL.
func (c *VocabularyClient) Submit(ctx context.Context, req SubmitRequest) error {
	if req.Phrase == "" {
		return errors.New("vocabulary submit: phrase is required")
	}
	if !req.Category.IsValid() {
		return fmt.Errorf("vocabulary submit: unknown category %q", req.Category)
	}
	if err := c.waitToken(ctx); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, "/api/community/vocabulary", nil, req, nil)
}

// fetch performs the rate-limited GET and caches the outcome, including the
// empty result of a 404.
func (c *VocabularyClient) fetch(ctx context.Context, key, path string, q url.Values) ([]types.VocabularyEntry, error) {
	if err := c.waitToken(ctx); err != nil {
		return nil, err
	}

	var resp vocabularyResponse
	err := c.doJSON(ctx, http.MethodGet, path, q, nil, &resp)
	if IsStatus(err, http.StatusNotFound) {
		c.cache.Put(key, nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.cache.Put(key, resp.Data.Vocabulary)
	return resp.Data.Vocabulary, nil
}

// waitToken blocks for a limiter token up to the wait ceiling.
func (c *VocabularyClient) waitToken(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()
	if err := c.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return nil
}
