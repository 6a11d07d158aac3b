// Package health provides the monitoring HTTP handlers.
//
// The package exposes two endpoints:
//
//   - /health: summary for load balancers and uptime monitors; "healthy"
//     unless an event buffer is at least 80% full, then "warning".
//   - /status: full component breakdown covering upstream connection states,
//     reconnect and heartbeat counters, circuit breakers, buffer fill,
//     cache counters, and analysis progress.
//
// Component state is read through [Probes] closures so the handler stays
// decoupled from the packages it reports on. Nil probes are omitted from
// responses.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/lurkshade/streampulse/internal/correlator"
	"github.com/lurkshade/streampulse/internal/resilience"
	"github.com/lurkshade/streampulse/internal/vocab"
	"github.com/lurkshade/streampulse/internal/wsclient"
)

// warnFillPct is the buffer fill percentage that flips /health to "warning".
const warnFillPct = 80

// Probes are the component snapshot functions the handler polls on each
// request.
type Probes struct {
	// Connections returns the status of every upstream websocket client.
	Connections func() []wsclient.Status

	// Analysis returns the correlator snapshot, buffers included.
	Analysis func() correlator.Status

	// Breaker returns the language model circuit state.
	Breaker func() resilience.Stats

	// Cache returns the vocabulary cache counters.
	Cache func() vocab.CacheStats

	// QueryClients returns the number of connected question websocket
	// clients.
	QueryClients func() int
}

// Handler serves /health and /status. It is safe for concurrent use; the
// probe set is fixed at construction time.
type Handler struct {
	service string
	probes  Probes
	started time.Time
	now     func() time.Time
}

// New creates a [Handler]. The service name appears in every response body.
func New(service string, probes Probes) *Handler {
	return &Handler{
		service: service,
		probes:  probes,
		started: time.Now(),
		now:     time.Now,
	}
}

// bufferHealth is one buffer's fill level in the /health response.
type bufferHealth struct {
	Len     int     `json:"len"`
	Max     int     `json:"max"`
	FillPct float64 `json:"fill_pct"`
}

// healthResponse is the /health body.
type healthResponse struct {
	Status        string                  `json:"status"`
	Service       string                  `json:"service"`
	UptimeSeconds float64                 `json:"uptime_seconds"`
	Timestamp     time.Time               `json:"timestamp"`
	Buffers       map[string]bufferHealth `json:"buffers,omitempty"`
	Warnings      []string                `json:"warnings,omitempty"`
	Connections   map[string]string       `json:"connections,omitempty"`
}

// Health reports the monitoring summary. Status degrades to "warning" when
// any buffer is at least 80% full; connection states are informational.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	res := healthResponse{
		Status:        "healthy",
		Service:       h.service,
		UptimeSeconds: now.Sub(h.started).Seconds(),
		Timestamp:     now.UTC(),
	}

	if h.probes.Analysis != nil {
		st := h.probes.Analysis()
		res.Buffers = make(map[string]bufferHealth, len(st.Buffers))
		for name, b := range st.Buffers {
			var pct float64
			if b.Max > 0 {
				pct = float64(b.Len*100) / float64(b.Max)
			}
			res.Buffers[name] = bufferHealth{Len: b.Len, Max: b.Max, FillPct: pct}
			if b.Max > 0 && b.Len*100 >= b.Max*warnFillPct {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s buffer %.0f%% full", name, pct))
			}
		}
		sort.Strings(res.Warnings)
	}

	if h.probes.Connections != nil {
		conns := h.probes.Connections()
		res.Connections = make(map[string]string, len(conns))
		for _, c := range conns {
			res.Connections[c.Name] = c.State
		}
	}

	if len(res.Warnings) > 0 {
		res.Status = "warning"
	}
	writeJSON(w, http.StatusOK, res)
}

// statusResponse is the /status body.
type statusResponse struct {
	Service       string             `json:"service"`
	UptimeSeconds float64            `json:"uptime_seconds"`
	Timestamp     time.Time          `json:"timestamp"`
	Connections   []wsclient.Status  `json:"connections,omitempty"`
	Analysis      *correlator.Status `json:"analysis,omitempty"`
	LLMBreaker    *resilience.Stats  `json:"llm_breaker,omitempty"`
	VocabCache    *vocab.CacheStats  `json:"vocabulary_cache,omitempty"`
	QueryClients  int                `json:"rag_clients"`
}

// Status reports the full component breakdown.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	res := statusResponse{
		Service:       h.service,
		UptimeSeconds: now.Sub(h.started).Seconds(),
		Timestamp:     now.UTC(),
	}

	if h.probes.Connections != nil {
		res.Connections = h.probes.Connections()
	}
	if h.probes.Analysis != nil {
		st := h.probes.Analysis()
		res.Analysis = &st
	}
	if h.probes.Breaker != nil {
		st := h.probes.Breaker()
		res.LLMBreaker = &st
	}
	if h.probes.Cache != nil {
		st := h.probes.Cache()
		res.VocabCache = &st
	}
	if h.probes.QueryClients != nil {
		res.QueryClients = h.probes.QueryClients()
	}

	writeJSON(w, http.StatusOK, res)
}

// Register adds the /health and /status routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /status", h.Status)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
