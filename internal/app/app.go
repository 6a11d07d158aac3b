// Package app wires all Streampulse subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the long-lived loops, and Shutdown tears
// everything down in order.
//
// For testing, inject fakes via functional options (WithLLMProvider,
// WithContextWriter). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lurkshade/streampulse/internal/analysis"
	"github.com/lurkshade/streampulse/internal/config"
	"github.com/lurkshade/streampulse/internal/correlator"
	"github.com/lurkshade/streampulse/internal/health"
	"github.com/lurkshade/streampulse/internal/ingest"
	"github.com/lurkshade/streampulse/internal/observe"
	"github.com/lurkshade/streampulse/internal/rag"
	"github.com/lurkshade/streampulse/internal/upstream"
	"github.com/lurkshade/streampulse/internal/wsclient"
	"github.com/lurkshade/streampulse/pkg/provider/llm"
	"github.com/lurkshade/streampulse/pkg/provider/llm/anyllm"
	"github.com/lurkshade/streampulse/pkg/provider/llm/openai"
	"github.com/lurkshade/streampulse/pkg/types"
)

// serviceName labels telemetry and monitoring payloads.
const serviceName = "streampulse"

// Version is the service version reported in telemetry. Release builds
// override it via -ldflags "-X .../internal/app.Version=...".
var Version = "dev"

// edge is the lifecycle surface every websocket client shares.
type edge interface {
	OnStateChange(wsclient.StateObserver)
	Status() wsclient.Status
	Disconnect(ctx context.Context) error
}

// App owns all subsystem lifetimes and runs the Streampulse pipeline.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// Injectable slots. Nil means New builds the real thing from config.
	provider llm.Provider
	writer   correlator.ContextWriter

	// Subsystems, initialised in New and torn down in Shutdown.
	analyzer      *analysis.Analyzer
	contexts      *upstream.ContextClient
	activity      *upstream.ActivityClient
	vocabulary    *upstream.VocabularyClient
	correlator    *correlator.Correlator
	transcription *ingest.TranscriptionClient
	events        *ingest.EventClient
	egress        *ingest.EgressClient
	orchestrator  *rag.Orchestrator
	hub           *rag.Hub
	server        *http.Server
	edges         []edge

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLLMProvider injects a language-model provider instead of building one
// from config.
func WithLLMProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithContextWriter injects the sealed-window sink instead of the context
// API client.
func WithContextWriter(w correlator.ContextWriter) Option {
	return func(a *App) { a.writer = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already be
// defaulted and validated.
//
// New performs all initialisation synchronously: telemetry providers, the
// language-model gateway, the upstream HTTP clients, the correlator, the
// websocket edges, the question pipeline, and the HTTP server. Nothing dials
// until Run.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{cfg: cfg, log: log}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	// First: every other constructor latches the global meter provider
	// through observe.DefaultMetrics.
	if err := a.initObserve(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Language model ────────────────────────────────────────────────
	if err := a.initAnalyzer(); err != nil {
		return nil, fmt.Errorf("app: init analyzer: %w", err)
	}

	// ── 3. Upstream HTTP clients ─────────────────────────────────────────
	a.initUpstream()

	// ── 4. Correlator ────────────────────────────────────────────────────
	if err := a.initCorrelator(); err != nil {
		return nil, fmt.Errorf("app: init correlator: %w", err)
	}

	// ── 5. Websocket edges ───────────────────────────────────────────────
	a.initIngest()

	// ── 6. Question pipeline ─────────────────────────────────────────────
	a.initRAG()

	// ── 7. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initObserve sets up the OTel providers and registers their shutdown.
func (a *App) initObserve(ctx context.Context) error {
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    serviceName,
		ServiceVersion: Version,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return otelShutdown(ctx)
	})
	return nil
}

// initAnalyzer builds the provider for the configured backend and wraps it
// with the rate-limited, breaker-guarded analyzer.
func (a *App) initAnalyzer() error {
	if a.provider == nil {
		p, err := a.buildProvider()
		if err != nil {
			return err
		}
		a.provider = p
	}

	l := a.cfg.LLM
	a.analyzer = analysis.New(a.provider, analysis.Config{
		RateLimit:           l.RateLimit,
		RatePeriod:          seconds(l.RatePeriodSeconds),
		CallTimeout:         seconds(l.TimeoutSeconds),
		AnalysisTemperature: l.AnalysisTemperature,
		AnalysisMaxTokens:   l.AnalysisMaxTokens,
		ResponseTemperature: l.ResponseTemperature,
		ResponseTopP:        l.ResponseTopP,
		ResponseMaxTokens:   l.ResponseMaxTokens,
	}, a.log)
	return nil
}

// buildProvider constructs the llm.Provider selected by cfg.LLM.Provider.
func (a *App) buildProvider() (llm.Provider, error) {
	l := a.cfg.LLM
	switch l.Provider {
	case config.ProviderOpenAI:
		apiKey := l.APIKey
		if apiKey == "" {
			// LM Studio and llama.cpp accept any placeholder.
			apiKey = "local"
		}
		return openai.New(apiKey, l.Model,
			openai.WithBaseURL(strings.TrimSuffix(a.cfg.Upstream.LMSURL, "/")+"/v1"),
			openai.WithTimeout(seconds(l.TimeoutSeconds)),
			openai.WithMaxRetries(l.MaxRetries),
		)

	case config.ProviderOllama, config.ProviderLlamaCpp:
		var opts []anyllmlib.Option
		if a.cfg.Upstream.LMSURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(a.cfg.Upstream.LMSURL))
		}
		if l.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(l.APIKey))
		}
		if l.Provider == config.ProviderOllama {
			return anyllm.NewOllama(l.Model, opts...)
		}
		return anyllm.NewLlamaCpp(l.Model, opts...)

	default:
		return nil, fmt.Errorf("unknown llm provider %q", l.Provider)
	}
}

// initUpstream builds the context, activity, and vocabulary clients. The
// context API is required; the other two are optional, and their absence
// disables the matching question sources.
func (a *App) initUpstream() {
	a.contexts = upstream.NewContextClient(a.cfg.Upstream.ContextURL, a.log)

	if a.cfg.Upstream.ActivityURL != "" {
		a.activity = upstream.NewActivityClient(a.cfg.Upstream.ActivityURL, a.log)
	}
	if a.cfg.Upstream.VocabularyURL != "" {
		v := a.cfg.Vocabulary
		a.vocabulary = upstream.NewVocabularyClient(a.cfg.Upstream.VocabularyURL, upstream.VocabularyConfig{
			RateLimit:   v.RateLimit,
			RatePeriod:  seconds(v.RatePeriodSeconds),
			RateMaxWait: seconds(v.RateMaxWaitSeconds),
			CacheSize:   v.CacheSize,
			CacheTTL:    seconds(v.CacheTTLSeconds),
		}, a.log)
	}
}

// initCorrelator builds the correlator, exposes its buffers to the metrics
// pipeline, and logs each completed analysis.
func (a *App) initCorrelator() error {
	writer := a.writer
	if writer == nil {
		writer = a.contexts
	}

	c := a.cfg.Correlator
	a.correlator = correlator.New(a.analyzer, writer, correlator.Config{
		Retention:         seconds(c.RetentionSeconds),
		BufferMaxSize:     c.BufferMaxSize,
		CorrelationWindow: seconds(c.CorrelationWindowSeconds),
		WindowSize:        seconds(c.WindowSeconds),
		AnalysisInterval:  seconds(c.AnalysisIntervalSeconds),
		AnalysisCooldown:  seconds(c.AnalysisCooldownSeconds),
		EmotePrefix:       a.cfg.Channel.EmotePrefix,
		Timezone:          a.cfg.Location(),
	}, a.log)

	a.correlator.OnAnalysis(func(res *types.AnalysisResult) {
		a.log.Info("analysis complete",
			"sentiment", res.Sentiment,
			"energy", res.Patterns.EnergyLevel,
			"engagement", res.Patterns.EngagementLevel,
			"chat_velocity", res.ChatVelocity)
	})

	reg, err := observe.DefaultMetrics().RegisterBufferStats(a.bufferStats)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, reg.Unregister)
	return nil
}

// bufferStats adapts the correlator snapshot to the observable buffer
// instruments.
func (a *App) bufferStats() []observe.BufferStat {
	st := a.correlator.Status()
	stats := make([]observe.BufferStat, 0, len(st.Buffers))
	for name, b := range st.Buffers {
		stats = append(stats, observe.BufferStat{
			Name:      name,
			Len:       int64(b.Len),
			Overflows: b.Overflows,
		})
	}
	return stats
}

// initIngest builds the websocket edges and wires their callbacks into the
// correlator. Transcriptions additionally fan out to the egress republisher
// when one is configured.
func (a *App) initIngest() {
	w := a.cfg.WS
	base := ingest.Config{
		Client: wsclient.Config{
			ReconnectBase:     seconds(w.BackoffBaseSeconds),
			ReconnectCap:      seconds(w.BackoffCapSeconds),
			MaxAttempts:       w.MaxReconnectAttempts,
			HeartbeatInterval: seconds(w.HeartbeatSeconds),
			BreakerThreshold:  w.BreakerThreshold,
			BreakerTimeout:    seconds(w.BreakerTimeoutSeconds),
		},
		QueueSize: w.InboundQueueSize,
	}

	tcfg := base
	tcfg.URL = a.cfg.Upstream.TranscriptionWSURL
	a.transcription = ingest.NewTranscriptionClient(tcfg, a.log)
	a.transcription.OnTranscription = func(ctx context.Context, t types.Transcription) {
		a.correlator.AddTranscription(ctx, t)
		if a.egress != nil {
			if err := a.egress.Publish(ctx, t); err != nil {
				a.log.Warn("egress publish failed", "err", err)
			}
		}
	}
	a.watchEdge(a.transcription)

	ecfg := ingest.EventConfig{Config: base, EmotePrefix: a.cfg.Channel.EmotePrefix}
	ecfg.URL = a.cfg.Upstream.EventsWSURL
	a.events = ingest.NewEventClient(ecfg, a.log)
	a.events.OnChat = func(_ context.Context, m types.ChatMessage) { a.correlator.AddChat(m) }
	a.events.OnEmote = func(_ context.Context, e types.EmoteEvent) { a.correlator.AddEmote(e) }
	a.events.OnInteraction = func(_ context.Context, v types.ViewerInteraction) { a.correlator.AddInteraction(v) }
	a.watchEdge(a.events)

	if a.cfg.Upstream.EgressWSURL != "" {
		gcfg := ingest.EgressConfig{
			Config:   base,
			SourceID: a.cfg.Channel.SourceID,
			Timezone: a.cfg.Location(),
			Session:  a.correlator.Session,
		}
		gcfg.URL = a.cfg.Upstream.EgressWSURL
		a.egress = ingest.NewEgressClient(gcfg, a.log)
		a.watchEdge(a.egress)
	}
}

// watchEdge tracks e for status reporting and feeds the connection gauge and
// reconnect counter from its state transitions.
func (a *App) watchEdge(e edge) {
	a.edges = append(a.edges, e)

	metrics := observe.DefaultMetrics()
	e.OnStateChange(func(old, next wsclient.State) {
		ctx := context.Background()
		name := e.Status().Name
		switch {
		case next == wsclient.StateConnected && old != wsclient.StateConnected:
			metrics.RecordWSConnected(ctx, name, 1)
			if old == wsclient.StateReconnecting {
				metrics.RecordWSReconnect(ctx, name)
			}
		case old == wsclient.StateConnected && next != wsclient.StateConnected:
			metrics.RecordWSConnected(ctx, name, -1)
		}
	})
}

// initRAG builds the question orchestrator and its websocket hub.
func (a *App) initRAG() {
	// Assign through locals so a missing client stays a nil interface.
	var (
		activity rag.ActivityReader
		vocab    rag.VocabularyReader
	)
	if a.activity != nil {
		activity = a.activity
	}
	if a.vocabulary != nil {
		vocab = a.vocabulary
	}

	a.orchestrator = rag.New(a.analyzer, activity, a.contexts, vocab, a.correlator, rag.Config{
		DefaultWindowHours: float64(a.cfg.RAG.LookbackMinutes) / 60,
	}, a.log)
	a.hub = rag.NewHub(a.orchestrator, a.log)
}

// initServer assembles the monitoring mux (health, status, Prometheus
// metrics, and the question websocket) wrapped in the observe middleware.
func (a *App) initServer() {
	probes := health.Probes{
		Connections:  a.connectionStatuses,
		Analysis:     a.correlator.Status,
		Breaker:      a.analyzer.BreakerStats,
		QueryClients: a.hub.ClientCount,
	}
	if a.vocabulary != nil {
		probes.Cache = a.vocabulary.CacheStats
	}

	mux := http.NewServeMux()
	health.New(serviceName, probes).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws/query", a.hub)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// connectionStatuses snapshots every websocket edge for /health and /status.
func (a *App) connectionStatuses() []wsclient.Status {
	statuses := make([]wsclient.Status, 0, len(a.edges))
	for _, e := range a.edges {
		statuses = append(statuses, e.Status())
	}
	return statuses
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the ingest loops, the analysis loop, the question hub, and the
// HTTP server, blocking until ctx is cancelled or a component fails
// permanently. A websocket edge that exhausts its reconnect budget fails the
// whole group so the process restarts cleanly under supervision.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.transcription.Run(ctx) })
	g.Go(func() error { return a.events.Run(ctx) })
	if a.egress != nil {
		g.Go(func() error { return a.egress.Run(ctx) })
	}
	g.Go(func() error { return a.correlator.Run(ctx) })
	g.Go(func() error { return a.hub.Run(ctx) })

	g.Go(func() error {
		a.log.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(sctx)
	})

	a.log.Info("streampulse running",
		"transcription", a.cfg.Upstream.TranscriptionWSURL,
		"events", a.cfg.Upstream.EventsWSURL,
		"egress", a.cfg.Upstream.EgressWSURL != "")
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: websocket edges first, then the
// registered closers in order. It respects the context deadline; when ctx
// expires before all closers finish, the remainder is skipped and the
// context error returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for _, e := range a.edges {
			if err := e.Disconnect(ctx); err != nil {
				a.log.Warn("edge disconnect error", "client", e.Status().Name, "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// seconds converts a whole-second config value to a duration.
func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
