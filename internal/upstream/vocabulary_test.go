package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lurkshade/streampulse/pkg/types"
)

func newVocabClient(srv *httptest.Server, cfg VocabularyConfig) *VocabularyClient {
	c := NewVocabularyClient(srv.URL, cfg, nil)
	c.backoffBase = time.Millisecond
	c.backoffCap = 5 * time.Millisecond
	return c
}

// TestVocabularyClient_Search_Caches serves repeat lookups from cache.
func TestVocabularyClient_Search_Caches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/community/vocabulary/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("q") != "poggers" {
			t.Errorf("q = %q", r.URL.Query().Get("q"))
		}
		w.Write([]byte(`{"data":{"vocabulary":[{"phrase":"poggers","category":"meme","definition":"excitement"}]}}`))
	}))
	defer srv.Close()

	c := newVocabClient(srv, VocabularyConfig{})

	for i := 0; i < 3; i++ {
		got, err := c.Search(context.Background(), "poggers", 5)
		if err != nil {
			t.Fatalf("Search #%d: %v", i+1, err)
		}
		if len(got) != 1 || got[0].Phrase != "poggers" {
			t.Fatalf("Search #%d: got %v", i+1, got)
		}
		if got[0].Category != types.VocabMeme {
			t.Errorf("Category = %q, want meme", got[0].Category)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1 (cache must absorb repeats)", calls.Load())
	}
}

// TestVocabularyClient_Search_NegativeCaching treats 404 as cached emptiness.
func TestVocabularyClient_Search_NegativeCaching(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newVocabClient(srv, VocabularyConfig{})

	for i := 0; i < 2; i++ {
		got, err := c.Search(context.Background(), "unknownterm", 5)
		if err != nil {
			t.Fatalf("Search #%d: 404 must be an empty success, got %v", i+1, err)
		}
		if got != nil {
			t.Fatalf("Search #%d: got %v, want nil", i+1, got)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1 (negative result must be cached)", calls.Load())
	}
}

// TestVocabularyClient_Popular uses the type=popular listing form.
func TestVocabularyClient_Popular(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/community/vocabulary" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("type") != "popular" || q.Get("limit") != "10" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`{"data":{"vocabulary":[{"phrase":"sheesh","category":"slang","usage_count":420}]}}`))
	}))
	defer srv.Close()

	c := newVocabClient(srv, VocabularyConfig{})
	got, err := c.Popular(context.Background(), 10)
	if err != nil {
		t.Fatalf("Popular: %v", err)
	}
	if len(got) != 1 || got[0].UsageCount != 420 {
		t.Errorf("got = %v", got)
	}
}

// TestVocabularyClient_ByCategory uses the category listing form.
func TestVocabularyClient_ByCategory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("category") != "inside_joke" {
			t.Errorf("category = %q", r.URL.Query().Get("category"))
		}
		w.Write([]byte(`{"data":{"vocabulary":[]}}`))
	}))
	defer srv.Close()

	c := newVocabClient(srv, VocabularyConfig{})
	if _, err := c.ByCategory(context.Background(), types.VocabInsideJoke, 20); err != nil {
		t.Fatalf("ByCategory: %v", err)
	}
}

// TestVocabularyClient_Submit posts the entry payload.
func TestVocabularyClient_Submit(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/community/vocabulary" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newVocabClient(srv, VocabularyConfig{})
	err := c.Submit(context.Background(), SubmitRequest{
		Phrase:     "the route",
		Category:   types.VocabInsideJoke,
		Definition: "the speedrun route that keeps failing",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got["phrase"] != "the route" || got["category"] != "inside_joke" {
		t.Errorf("posted = %v", got)
	}
}

// TestVocabularyClient_Submit_Validation rejects bad payloads locally.
func TestVocabularyClient_Submit_Validation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("invalid submission must not reach the server")
	}))
	defer srv.Close()

	c := newVocabClient(srv, VocabularyConfig{})

	if err := c.Submit(context.Background(), SubmitRequest{Category: types.VocabMeme}); err == nil {
		t.Error("expected error for missing phrase")
	}
	if err := c.Submit(context.Background(), SubmitRequest{Phrase: "x", Category: "vibe"}); err == nil {
		t.Error("expected error for unknown category")
	}
}

// TestVocabularyClient_RateLimited hits the wait ceiling once the bucket is dry.
func TestVocabularyClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"vocabulary":[]}}`))
	}))
	defer srv.Close()

	c := newVocabClient(srv, VocabularyConfig{
		RateLimit:   1,
		RatePeriod:  time.Hour,
		RateMaxWait: 20 * time.Millisecond,
	})

	if _, err := c.Search(context.Background(), "first", 5); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	_, err := c.Search(context.Background(), "second", 5)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}
