// Package correlator buffers the three live-stream event feeds, correlates
// chat reactions with what the streamer said, and periodically asks the LLM
// analyzer what is going on. It also owns the two-minute context window
// lifecycle: windows open on the first transcription, accumulate community
// activity, and are sealed and persisted once they age past the window size.
//
// All intake methods are safe for concurrent use; each feed lands in its own
// bounded buffer so a flood on one never starves the others.
package correlator

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lurkshade/streampulse/internal/observe"
	"github.com/lurkshade/streampulse/internal/upstream"
	"github.com/lurkshade/streampulse/pkg/types"
)

// Package defaults; zero Config fields fall back to these.
const (
	defaultRetention         = 120 * time.Second
	defaultBufferMaxSize     = 1000
	defaultCorrelationWindow = 10 * time.Second
	defaultWindowSize        = 120 * time.Second
	defaultAnalysisInterval  = 30 * time.Second
	defaultAnalysisCooldown  = 10 * time.Second
	defaultTopEmotes         = 10
)

// StreamAnalyzer produces an analysis of the assembled speech and community
// contexts. *analysis.Analyzer satisfies it; tests substitute fakes.
type StreamAnalyzer interface {
	AnalyzeStream(ctx context.Context, transcriptionCtx, chatCtx string) (*types.AnalysisResult, error)
}

// ContextWriter persists sealed context windows. *upstream.ContextClient
// satisfies it.
type ContextWriter interface {
	Create(ctx context.Context, rec upstream.ContextRecord) error
}

// Config tunes a [Correlator]. Zero fields fall back to package defaults.
type Config struct {
	// Retention is the maximum age of buffered events.
	Retention time.Duration

	// BufferMaxSize caps each of the four event buffers.
	BufferMaxSize int

	// CorrelationWindow is how long after a transcription fragment a chat
	// message still counts as a reaction to it.
	CorrelationWindow time.Duration

	// WindowSize is the context window length; a window is sealed once the
	// incoming fragment is at least this far past the window origin.
	WindowSize time.Duration

	// AnalysisInterval is the periodic analysis cadence in [Correlator.Run].
	AnalysisInterval time.Duration

	// AnalysisCooldown is the minimum gap between non-immediate analyses.
	AnalysisCooldown time.Duration

	// EmotePrefix marks the channel's native emotes (for example "lurk" for
	// lurkKEKW). Empty means the channel has none.
	EmotePrefix string

	// Timezone anchors the session id's day boundary. Nil falls back to UTC.
	Timezone *time.Location

	// TopEmotes caps the emote frequency map on analysis results.
	TopEmotes int
}

func (c *Config) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.BufferMaxSize <= 0 {
		c.BufferMaxSize = defaultBufferMaxSize
	}
	if c.CorrelationWindow <= 0 {
		c.CorrelationWindow = defaultCorrelationWindow
	}
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindowSize
	}
	if c.AnalysisInterval <= 0 {
		c.AnalysisInterval = defaultAnalysisInterval
	}
	if c.AnalysisCooldown <= 0 {
		c.AnalysisCooldown = defaultAnalysisCooldown
	}
	if c.TopEmotes <= 0 {
		c.TopEmotes = defaultTopEmotes
	}
}

// Correlator ingests stream events, runs periodic analysis, and seals context
// windows.
type Correlator struct {
	cfg      Config
	analyzer StreamAnalyzer
	contexts ContextWriter
	log      *slog.Logger
	metrics  *observe.Metrics
	now      func() time.Time // injectable for tests

	transcriptions *Buffer[types.Transcription]
	chat           *Buffer[types.ChatMessage]
	emotes         *Buffer[types.EmoteEvent]
	interactions   *Buffer[types.ViewerInteraction]

	mu            sync.Mutex
	contextStart  time.Time
	sessionID     string
	analyzing     bool
	lastAnalysis  time.Time
	lastResult    *types.AnalysisResult
	analyses      int64
	windowsSealed int64
	sealErrors    int64
	observers     []func(*types.AnalysisResult)
}

// New creates a correlator. analyzer and contexts may be nil, in which case
// analysis is skipped and sealed windows are discarded; both are only useful
// for tests and degraded deployments.
func New(analyzer StreamAnalyzer, contexts ContextWriter, cfg Config, log *slog.Logger) *Correlator {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}

	c := &Correlator{
		cfg:      cfg,
		analyzer: analyzer,
		contexts: contexts,
		log:      log.With("component", "correlator"),
		metrics:  observe.DefaultMetrics(),
		now:      time.Now,
	}

	c.transcriptions = NewBuffer(cfg.BufferMaxSize, cfg.Retention, types.Transcription.Time)
	c.chat = NewBuffer(cfg.BufferMaxSize, cfg.Retention, types.ChatMessage.Time)
	c.emotes = NewBuffer(cfg.BufferMaxSize, cfg.Retention, types.EmoteEvent.Time)
	c.interactions = NewBuffer(cfg.BufferMaxSize, cfg.Retention, types.ViewerInteraction.Time)

	// Buffers follow the correlator's clock so tests can freeze time once.
	clock := func() time.Time { return c.now() }
	c.transcriptions.now = clock
	c.chat.now = clock
	c.emotes.now = clock
	c.interactions.now = clock

	return c
}

// AddTranscription ingests one speech fragment. The first fragment of a
// window records the window origin and, when needed, mints the day's session
// id; a fragment arriving at or past the window size seals the current
// window before the next one opens.
func (c *Correlator) AddTranscription(ctx context.Context, t types.Transcription) {
	c.transcriptions.Add(t)
	c.evictAll()

	c.mu.Lock()
	if c.contextStart.IsZero() {
		c.contextStart = t.Time()
		if c.sessionID == "" {
			c.sessionID = SessionID(c.contextStart, c.cfg.Timezone)
			c.log.Info("stream session opened", "session", c.sessionID)
		}
	}
	start := c.contextStart
	c.mu.Unlock()

	if t.Time().Sub(start) >= c.cfg.WindowSize {
		c.sealWindow(ctx, t.Time())
	}
}

// AddChat ingests one chat message.
func (c *Correlator) AddChat(m types.ChatMessage) {
	c.chat.Add(m)
	c.evictAll()
}

// AddEmote ingests one standalone emote event.
func (c *Correlator) AddEmote(e types.EmoteEvent) {
	c.emotes.Add(e)
	c.evictAll()
}

// AddInteraction ingests one viewer interaction. Invalid kinds are dropped.
func (c *Correlator) AddInteraction(in types.ViewerInteraction) {
	if !in.Kind.IsValid() {
		c.log.Warn("dropping interaction with unknown kind", "kind", in.Kind)
		return
	}
	c.interactions.Add(in)
	c.evictAll()
}

// Run executes the periodic analysis loop until ctx is cancelled and returns
// ctx.Err().
func (c *Correlator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.AnalysisInterval)
	defer ticker.Stop()

	c.log.Info("analysis loop started",
		"interval", c.cfg.AnalysisInterval, "cooldown", c.cfg.AnalysisCooldown)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Analyze(ctx, false); err != nil {
				c.log.Warn("periodic analysis failed", "err", err)
			}
		}
	}
}

// Analyze assembles the buffered contexts and runs one analysis pass. It
// returns (nil, nil) without calling the analyzer when a pass is already in
// flight, when a non-immediate pass lands inside the cooldown, when the
// buffers hold no spoken text, or when the analyzer returned unusable output.
// immediate bypasses the cooldown only; the in-flight guard always holds.
func (c *Correlator) Analyze(ctx context.Context, immediate bool) (*types.AnalysisResult, error) {
	c.mu.Lock()
	if c.analyzing {
		c.mu.Unlock()
		return nil, nil
	}
	if !immediate && !c.lastAnalysis.IsZero() && c.now().Sub(c.lastAnalysis) < c.cfg.AnalysisCooldown {
		c.mu.Unlock()
		return nil, nil
	}
	c.analyzing = true
	c.lastAnalysis = c.now()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.analyzing = false
		c.mu.Unlock()
	}()

	if c.analyzer == nil {
		return nil, nil
	}

	c.evictAll()
	ts := c.transcriptions.Items()
	if len(ts) == 0 {
		return nil, nil
	}
	speech := speechContext(ts)
	if speech == "" {
		return nil, nil
	}

	chats := c.chat.Items()
	emotes := c.emotes.Items()
	inters := c.interactions.Items()
	community := communityContext(ts, chats, inters, c.cfg.CorrelationWindow.Microseconds())

	started := time.Now()
	res, err := c.analyzer.AnalyzeStream(ctx, speech, community)
	elapsed := time.Since(started).Seconds()
	if err != nil {
		c.metrics.RecordAnalysis(ctx, "error", elapsed)
		return nil, err
	}
	if res == nil {
		c.metrics.RecordAnalysis(ctx, "unusable", elapsed)
		return nil, nil
	}
	c.metrics.RecordAnalysis(ctx, "ok", elapsed)

	res.ChatVelocity = chatVelocity(chats)
	freq := topEmotes(emoteCounts(chats, emotes), c.cfg.TopEmotes)
	res.EmoteFrequency = freq
	res.NativeEmoteFrequency = nativeCounts(freq, c.cfg.EmotePrefix)

	c.mu.Lock()
	c.lastResult = res
	c.analyses++
	obs := slices.Clone(c.observers)
	c.mu.Unlock()

	for _, fn := range obs {
		c.notify(fn, res)
	}

	return res, nil
}

// OnAnalysis registers fn to run after every successful analysis. Observers
// run inline on the analyzing goroutine; a panicking observer is recovered
// and logged without disturbing the others.
func (c *Correlator) OnAnalysis(fn func(*types.AnalysisResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Correlator) notify(fn func(*types.AnalysisResult), res *types.AnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("analysis observer panicked", "panic", r)
		}
	}()
	fn(res)
}

// LastResult returns the most recent successful analysis, or nil.
func (c *Correlator) LastResult() *types.AnalysisResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}

// Session returns the current stream session id. Empty until the first
// transcription of the day arrives.
func (c *Correlator) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// BufferStatus describes one event buffer's fill level.
type BufferStatus struct {
	Len       int   `json:"len"`
	Max       int   `json:"max"`
	Overflows int64 `json:"overflows"`
}

// Status is a point-in-time snapshot for health and status endpoints.
type Status struct {
	SessionID        string                  `json:"session_id,omitempty"`
	WindowStarted    time.Time               `json:"window_started,omitzero"`
	WindowAgeSeconds float64                 `json:"window_age_seconds"`
	Analyzing        bool                    `json:"analyzing"`
	LastAnalysis     time.Time               `json:"last_analysis,omitzero"`
	Analyses         int64                   `json:"analyses"`
	WindowsSealed    int64                   `json:"windows_sealed"`
	SealErrors       int64                   `json:"seal_errors"`
	Buffers          map[string]BufferStatus `json:"buffers"`
}

// Status returns a snapshot of the correlator's state.
func (c *Correlator) Status() Status {
	c.mu.Lock()
	s := Status{
		SessionID:     c.sessionID,
		WindowStarted: c.contextStart,
		Analyzing:     c.analyzing,
		LastAnalysis:  c.lastAnalysis,
		Analyses:      c.analyses,
		WindowsSealed: c.windowsSealed,
		SealErrors:    c.sealErrors,
	}
	if !c.contextStart.IsZero() {
		s.WindowAgeSeconds = c.now().Sub(c.contextStart).Seconds()
	}
	c.mu.Unlock()

	s.Buffers = map[string]BufferStatus{
		"transcriptions": bufferStatus(c.transcriptions),
		"chat":           bufferStatus(c.chat),
		"emotes":         bufferStatus(c.emotes),
		"interactions":   bufferStatus(c.interactions),
	}
	return s
}

func bufferStatus[T any](b *Buffer[T]) BufferStatus {
	return BufferStatus{Len: b.Len(), Max: b.MaxSize(), Overflows: b.Overflows()}
}

func (c *Correlator) evictAll() {
	now := c.now()
	c.transcriptions.Evict(now)
	c.chat.Evict(now)
	c.emotes.Evict(now)
	c.interactions.Evict(now)
}
