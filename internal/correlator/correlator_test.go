package correlator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lurkshade/streampulse/internal/upstream"
	"github.com/lurkshade/streampulse/pkg/types"
)

var errTest = errors.New("test error")

type analyzeCall struct {
	speech    string
	community string
}

// fakeAnalyzer records the contexts it was handed and returns a scripted
// result. When block is set, AnalyzeStream waits for it to close; entered
// (buffered) signals that a call is in flight.
type fakeAnalyzer struct {
	mu      sync.Mutex
	calls   []analyzeCall
	result  *types.AnalysisResult
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeAnalyzer) AnalyzeStream(_ context.Context, speech, community string) (*types.AnalysisResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, analyzeCall{speech: speech, community: community})
	block := f.block
	entered := f.entered
	err := f.err
	var res *types.AnalysisResult
	if f.result != nil {
		cp := *f.result
		res = &cp
	}
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAnalyzer) call(i int) analyzeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// fakeContexts records sealed windows, optionally failing every Create.
type fakeContexts struct {
	mu   sync.Mutex
	recs []upstream.ContextRecord
	err  error
}

func (f *fakeContexts) Create(_ context.Context, rec upstream.ContextRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeContexts) records() []upstream.ContextRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]upstream.ContextRecord, len(f.recs))
	copy(out, f.recs)
	return out
}

// newTestCorrelator freezes the clock 30s after assembleBase so fixtures
// anchored at assembleBase stay inside the retention window.
func newTestCorrelator(fa StreamAnalyzer, fc ContextWriter, cfg Config) *Correlator {
	c := New(fa, fc, cfg, nil)
	c.now = func() time.Time { return assembleBase.Add(30 * time.Second) }
	return c
}

// TestAnalyzeCorrelatesAndDecorates drives the canonical correlation case:
// one fragment, three chat messages of which two land in the 10s window,
// and checks the contexts handed to the analyzer plus the derived metrics
// stamped onto the result.
func TestAnalyzeCorrelatesAndDecorates(t *testing.T) {
	fa := &fakeAnalyzer{result: &types.AnalysisResult{Sentiment: types.SentimentPositive}}
	c := newTestCorrelator(fa, nil, Config{EmotePrefix: "lurk"})
	ctx := context.Background()

	c.AddTranscription(ctx, fragAt(0, "gg", 1.0))
	c.AddChat(chatAt(5*time.Second, "a", "nice", "Kappa"))
	c.AddChat(chatAt(7*time.Second, "b", "gg"))
	c.AddChat(chatAt(20*time.Second, "c", "later"))

	res, err := c.Analyze(ctx, true)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result")
	}

	if got := fa.call(0).speech; got != "gg" {
		t.Errorf("speech context = %q, want %q", got, "gg")
	}
	wantCommunity := `After "gg": 2 messages (emotes: Kappax1, chat: nice / gg)`
	if got := fa.call(0).community; got != wantCommunity {
		t.Errorf("community context = %q, want %q", got, wantCommunity)
	}

	// Three messages across 15s is 12 per minute.
	if !approx(res.ChatVelocity, 12.0, 0.001) {
		t.Errorf("ChatVelocity = %v, want 12.0", res.ChatVelocity)
	}
	if res.EmoteFrequency["Kappa"] != 1 || len(res.EmoteFrequency) != 1 {
		t.Errorf("EmoteFrequency = %v, want map[Kappa:1]", res.EmoteFrequency)
	}
	if len(res.NativeEmoteFrequency) != 0 {
		t.Errorf("NativeEmoteFrequency = %v, want empty", res.NativeEmoteFrequency)
	}
}

func TestAnalyzeSkipsWithoutSpeech(t *testing.T) {
	fa := &fakeAnalyzer{result: &types.AnalysisResult{}}
	c := newTestCorrelator(fa, nil, Config{})
	ctx := context.Background()

	// Chat alone is not enough.
	c.AddChat(chatAt(0, "a", "anyone home"))
	if res, err := c.Analyze(ctx, true); res != nil || err != nil {
		t.Fatalf("Analyze = (%v, %v), want (nil, nil)", res, err)
	}

	// Neither are fragments that carry no text.
	c.AddTranscription(ctx, fragAt(0, "", 1.0))
	if res, err := c.Analyze(ctx, true); res != nil || err != nil {
		t.Fatalf("Analyze = (%v, %v), want (nil, nil)", res, err)
	}

	if got := fa.callCount(); got != 0 {
		t.Errorf("analyzer calls = %d, want 0", got)
	}
}

func TestAnalyzeCooldown(t *testing.T) {
	fa := &fakeAnalyzer{result: &types.AnalysisResult{}}
	c := newTestCorrelator(fa, nil, Config{AnalysisCooldown: 10 * time.Second})
	ctx := context.Background()

	c.AddTranscription(ctx, fragAt(0, "hello", 1.0))

	if _, err := c.Analyze(ctx, false); err != nil {
		t.Fatalf("first Analyze: %v", err)
	}
	if got := fa.callCount(); got != 1 {
		t.Fatalf("analyzer calls = %d, want 1", got)
	}

	// Inside the cooldown a periodic pass is a no-op.
	if res, err := c.Analyze(ctx, false); res != nil || err != nil {
		t.Fatalf("cooldown Analyze = (%v, %v), want (nil, nil)", res, err)
	}
	if got := fa.callCount(); got != 1 {
		t.Errorf("analyzer calls = %d, want 1", got)
	}

	// immediate bypasses the cooldown.
	if _, err := c.Analyze(ctx, true); err != nil {
		t.Fatalf("immediate Analyze: %v", err)
	}
	if got := fa.callCount(); got != 2 {
		t.Errorf("analyzer calls = %d, want 2", got)
	}
}

func TestAnalyzeReentryGuard(t *testing.T) {
	fa := &fakeAnalyzer{
		result:  &types.AnalysisResult{},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	c := newTestCorrelator(fa, nil, Config{})
	ctx := context.Background()

	c.AddTranscription(ctx, fragAt(0, "hello", 1.0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Analyze(ctx, true)
	}()

	<-fa.entered

	// A second pass while one is in flight returns immediately with nothing.
	res, err := c.Analyze(ctx, true)
	if res != nil || err != nil {
		t.Errorf("concurrent Analyze = (%v, %v), want (nil, nil)", res, err)
	}

	close(fa.block)
	<-done

	if got := fa.callCount(); got != 1 {
		t.Errorf("analyzer calls = %d, want 1", got)
	}
}

func TestAnalyzeErrorPropagates(t *testing.T) {
	fa := &fakeAnalyzer{err: errTest}
	c := newTestCorrelator(fa, nil, Config{})
	ctx := context.Background()

	c.AddTranscription(ctx, fragAt(0, "hello", 1.0))

	_, err := c.Analyze(ctx, true)
	if !errors.Is(err, errTest) {
		t.Errorf("Analyze error = %v, want errTest", err)
	}
	if c.LastResult() != nil {
		t.Error("LastResult should stay nil after a failed pass")
	}
}

func TestAnalyzeNotifiesObservers(t *testing.T) {
	fa := &fakeAnalyzer{result: &types.AnalysisResult{Sentiment: types.SentimentNeutral}}
	c := newTestCorrelator(fa, nil, Config{})
	ctx := context.Background()

	c.OnAnalysis(func(*types.AnalysisResult) { panic("observer boom") })
	var got *types.AnalysisResult
	c.OnAnalysis(func(res *types.AnalysisResult) { got = res })

	c.AddTranscription(ctx, fragAt(0, "hello", 1.0))
	if _, err := c.Analyze(ctx, true); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if got == nil {
		t.Fatal("second observer did not run after the first panicked")
	}
	if got.Sentiment != types.SentimentNeutral {
		t.Errorf("observer result sentiment = %q, want neutral", got.Sentiment)
	}
}

func TestAnalyzeNilAnalyzer(t *testing.T) {
	c := newTestCorrelator(nil, nil, Config{})
	ctx := context.Background()

	c.AddTranscription(ctx, fragAt(0, "hello", 1.0))
	if res, err := c.Analyze(ctx, true); res != nil || err != nil {
		t.Errorf("Analyze = (%v, %v), want (nil, nil)", res, err)
	}
}

// TestWindowSealing drives a full window lifecycle: a fragment 121s after
// the window origin seals the window, persists the record, and resets state
// so the next fragment opens a new window under the same session id.
func TestWindowSealing(t *testing.T) {
	fa := &fakeAnalyzer{result: &types.AnalysisResult{
		Sentiment: types.SentimentPositive,
		Topics:    []string{"speedrun"},
	}}
	fc := &fakeContexts{}
	loc := time.FixedZone("PST", -8*3600)
	c := newTestCorrelator(fa, fc, Config{Timezone: loc})
	ctx := context.Background()

	c.AddTranscription(ctx, fragAt(0, "hello", 1.0))
	session := c.Session()
	if want := "stream_" + assembleBase.In(loc).Format("2006_01_02"); session != want {
		t.Fatalf("Session = %q, want %q", session, want)
	}

	c.AddChat(chatAt(2*time.Second, "a", "hi", "Kappa"))
	c.AddTranscription(ctx, fragAt(121*time.Second, "world", 1.0))

	recs := fc.records()
	if len(recs) != 1 {
		t.Fatalf("sealed records = %d, want 1", len(recs))
	}
	rec := recs[0]

	if rec.Transcript != "hello world" {
		t.Errorf("Transcript = %q, want %q", rec.Transcript, "hello world")
	}
	if !approx(rec.Duration, 121.0, 0.001) {
		t.Errorf("Duration = %v, want 121.0", rec.Duration)
	}
	if !rec.Started.Equal(assembleBase) {
		t.Errorf("Started = %v, want %v", rec.Started, assembleBase)
	}
	if !rec.Ended.Equal(assembleBase.Add(121 * time.Second)) {
		t.Errorf("Ended = %v, want %v", rec.Ended, assembleBase.Add(121*time.Second))
	}
	if rec.Session != session {
		t.Errorf("Session = %q, want %q", rec.Session, session)
	}
	if rec.Sentiment != "positive" {
		t.Errorf("Sentiment = %q, want positive", rec.Sentiment)
	}
	if len(rec.Topics) != 1 || rec.Topics[0] != "speedrun" {
		t.Errorf("Topics = %v, want [speedrun]", rec.Topics)
	}
	if rec.Chat == nil {
		t.Error("Chat block missing")
	}
	if rec.Emotes == nil {
		t.Error("Emotes block missing")
	}
	if rec.Patterns == nil {
		t.Error("Patterns block missing")
	} else if _, ok := rec.Patterns["stream"]; !ok {
		t.Error("Patterns missing analysis block")
	}

	// The seal ran one forced analysis over the closing window.
	if got := fa.callCount(); got != 1 {
		t.Errorf("analyzer calls = %d, want 1", got)
	}

	// Window state is reset; the same-day session id survives.
	st := c.Status()
	if !st.WindowStarted.IsZero() {
		t.Errorf("WindowStarted = %v, want zero after seal", st.WindowStarted)
	}
	if got := c.Session(); got != session {
		t.Errorf("Session after seal = %q, want %q", got, session)
	}
	if st.WindowsSealed != 1 || st.SealErrors != 0 {
		t.Errorf("WindowsSealed/SealErrors = %d/%d, want 1/0", st.WindowsSealed, st.SealErrors)
	}

	// The next fragment opens a fresh window.
	c.AddTranscription(ctx, fragAt(125*time.Second, "next", 1.0))
	if got := c.Status().WindowStarted; !got.Equal(assembleBase.Add(125 * time.Second)) {
		t.Errorf("new WindowStarted = %v, want %v", got, assembleBase.Add(125*time.Second))
	}
}

func TestSealSkipsEmptyTranscript(t *testing.T) {
	fa := &fakeAnalyzer{result: &types.AnalysisResult{}}
	fc := &fakeContexts{}
	c := newTestCorrelator(fa, fc, Config{})
	ctx := context.Background()

	c.AddTranscription(ctx, fragAt(0, "", 1.0))
	c.AddTranscription(ctx, fragAt(121*time.Second, "", 1.0))

	if got := len(fc.records()); got != 0 {
		t.Errorf("sealed records = %d, want 0 for empty transcript", got)
	}
	if got := c.Status().WindowStarted; !got.IsZero() {
		t.Errorf("WindowStarted = %v, want zero after discarded window", got)
	}
}

func TestSealPersistErrorStillResets(t *testing.T) {
	fa := &fakeAnalyzer{result: &types.AnalysisResult{}}
	fc := &fakeContexts{err: errTest}
	c := newTestCorrelator(fa, fc, Config{})
	ctx := context.Background()

	c.AddTranscription(ctx, fragAt(0, "hello", 1.0))
	c.AddTranscription(ctx, fragAt(121*time.Second, "world", 1.0))

	st := c.Status()
	if st.SealErrors != 1 || st.WindowsSealed != 0 {
		t.Errorf("WindowsSealed/SealErrors = %d/%d, want 0/1", st.WindowsSealed, st.SealErrors)
	}
	if !st.WindowStarted.IsZero() {
		t.Error("window should reset even when persistence fails")
	}
}

func TestResetWindowClearsStaleSession(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	c := New(nil, nil, Config{Timezone: loc}, nil)
	now := assembleBase
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.AddTranscription(ctx, fragAt(0, "hello", 1.0))
	session := c.Session()
	if session == "" {
		t.Fatal("session not opened")
	}

	// Same-day reset keeps the id.
	c.ResetWindow()
	if got := c.Session(); got != session {
		t.Errorf("Session after same-day reset = %q, want %q", got, session)
	}

	// Resetting again with nothing buffered changes nothing.
	c.ResetWindow()
	if got := c.Session(); got != session {
		t.Errorf("Session after repeated reset = %q, want %q", got, session)
	}
	if got := c.Status().WindowStarted; !got.IsZero() {
		t.Errorf("WindowStarted after repeated reset = %v, want zero", got)
	}

	// Past midnight the id is cleared for regeneration.
	now = assembleBase.Add(24 * time.Hour)
	c.ResetWindow()
	if got := c.Session(); got != "" {
		t.Errorf("Session after next-day reset = %q, want empty", got)
	}
}

func TestAddInteractionDropsUnknownKind(t *testing.T) {
	c := newTestCorrelator(nil, nil, Config{})

	c.AddInteraction(types.ViewerInteraction{
		TimestampMS: assembleBase.UnixMilli(),
		Kind:        "hostile_takeover",
		Username:    "mallory",
	})

	if got := c.Status().Buffers["interactions"].Len; got != 0 {
		t.Errorf("interactions buffered = %d, want 0", got)
	}
}

func TestStatusSnapshot(t *testing.T) {
	c := newTestCorrelator(nil, nil, Config{BufferMaxSize: 7})
	ctx := context.Background()

	c.AddTranscription(ctx, fragAt(0, "hello", 1.0))
	c.AddChat(chatAt(time.Second, "a", "hi"))
	c.AddChat(chatAt(2*time.Second, "b", "yo"))

	st := c.Status()
	if st.Buffers["transcriptions"].Len != 1 || st.Buffers["chat"].Len != 2 {
		t.Errorf("buffer fills = %+v, want 1 transcription and 2 chat", st.Buffers)
	}
	if st.Buffers["chat"].Max != 7 {
		t.Errorf("chat buffer max = %d, want 7", st.Buffers["chat"].Max)
	}
	if st.WindowStarted.IsZero() {
		t.Error("WindowStarted should be set")
	}
	if !approx(st.WindowAgeSeconds, 30.0, 0.001) {
		t.Errorf("WindowAgeSeconds = %v, want 30", st.WindowAgeSeconds)
	}
}

func TestSessionID(t *testing.T) {
	pst := time.FixedZone("PST", -8*3600)
	tests := []struct {
		name string
		t    time.Time
		loc  *time.Location
		want string
	}{
		{
			"utc digits are zero padded",
			time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC),
			time.UTC,
			"stream_2025_03_05",
		},
		{
			"timezone shifts the day",
			time.Date(2026, 1, 2, 7, 30, 0, 0, time.UTC),
			pst,
			"stream_2026_01_01",
		},
		{
			"nil location falls back to utc",
			time.Date(2026, 1, 2, 7, 30, 0, 0, time.UTC),
			nil,
			"stream_2026_01_02",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SessionID(tc.t, tc.loc); got != tc.want {
				t.Errorf("SessionID = %q, want %q", got, tc.want)
			}
		})
	}
}

// TestRunPeriodicAnalysis exercises the loop end to end with a tight
// interval: the ticker should drive at least one analysis pass.
func TestRunPeriodicAnalysis(t *testing.T) {
	fa := &fakeAnalyzer{result: &types.AnalysisResult{}}
	c := New(fa, nil, Config{
		AnalysisInterval: 10 * time.Millisecond,
		AnalysisCooldown: time.Nanosecond,
	}, nil)
	// Keep the default wall clock: fixtures must stay fresh relative to it.
	now := time.Now()
	c.AddTranscription(context.Background(), types.Transcription{
		TimestampUS: now.UnixMicro(),
		Text:        "hello",
		Duration:    1.0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for fa.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a periodic analysis pass")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestAnalyzeUsesWholeBufferFallback(t *testing.T) {
	fa := &fakeAnalyzer{result: &types.AnalysisResult{}}
	c := newTestCorrelator(fa, nil, Config{})
	ctx := context.Background()

	// Chat arrives well before the fragment, outside any correlation window.
	c.AddChat(chatAt(-60*time.Second, "a", "early"))
	c.AddTranscription(ctx, fragAt(0, "just started", 1.0))

	if _, err := c.Analyze(ctx, true); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got := fa.call(0).community; !strings.HasPrefix(got, "Recent chat: ") {
		t.Errorf("community context = %q, want whole-buffer fallback", got)
	}
}
