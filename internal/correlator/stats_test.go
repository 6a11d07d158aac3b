package correlator

import (
	"math"
	"testing"
	"time"

	"github.com/lurkshade/streampulse/pkg/types"
)

func approx(got, want, eps float64) bool {
	return math.Abs(got-want) <= eps
}

func TestChatVelocity(t *testing.T) {
	tests := []struct {
		name    string
		offsets []time.Duration
		want    float64
	}{
		{"empty", nil, 0},
		{"single message", []time.Duration{0}, 0},
		{"span under six seconds", []time.Duration{0, 5 * time.Second}, 0},
		{"three over fifteen seconds", []time.Duration{5 * time.Second, 7 * time.Second, 20 * time.Second}, 12.0},
		{"steady chatter", []time.Duration{0, 15 * time.Second, 30 * time.Second, 45 * time.Second, 60 * time.Second}, 5.0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var msgs []types.ChatMessage
			for _, off := range tc.offsets {
				msgs = append(msgs, chatAt(off, "u", "m"))
			}
			got := chatVelocity(msgs)
			if !approx(got, tc.want, 0.001) {
				t.Errorf("chatVelocity = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEmoteCountsMergesChatAndEvents(t *testing.T) {
	msgs := []types.ChatMessage{
		chatAt(0, "a", "hi", "Kappa", "PogChamp"),
		chatAt(time.Second, "b", "yo", "Kappa"),
	}
	emotes := []types.EmoteEvent{
		{TimestampMS: assembleBase.UnixMilli(), Username: "c", Name: "Kappa"},
		{TimestampMS: assembleBase.UnixMilli(), Username: "d", Name: "lurkHYPE"},
	}

	got := emoteCounts(msgs, emotes)
	want := map[string]int{"Kappa": 3, "PogChamp": 1, "lurkHYPE": 1}
	if len(got) != len(want) {
		t.Fatalf("counts = %v, want %v", got, want)
	}
	for name, n := range want {
		if got[name] != n {
			t.Errorf("counts[%q] = %d, want %d", name, got[name], n)
		}
	}
}

func TestTopEmoteCountsOrderAndTruncation(t *testing.T) {
	counts := map[string]int{"b": 2, "a": 2, "c": 5, "d": 1}

	got := topEmoteCounts(counts, 3)
	want := []emoteCount{{"c", 5}, {"a", 2}, {"b", 2}}
	if len(got) != len(want) {
		t.Fatalf("top = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("top[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNativeCountsIsPointwiseSubset(t *testing.T) {
	freq := map[string]int{"lurkHYPE": 4, "lurkGG": 2, "Kappa": 9}

	native := nativeCounts(freq, "lurk")
	if len(native) != 2 {
		t.Fatalf("native = %v, want 2 entries", native)
	}
	for name, n := range native {
		if freq[name] != n {
			t.Errorf("native[%q] = %d, want %d", name, n, freq[name])
		}
	}
	if _, ok := native["Kappa"]; ok {
		t.Error("Kappa should not be native")
	}
}

func TestNativeCountsEmptyPrefix(t *testing.T) {
	native := nativeCounts(map[string]int{"Kappa": 1}, "")
	if len(native) != 0 {
		t.Errorf("native = %v, want empty", native)
	}
}

func TestSpeakingPatterns(t *testing.T) {
	ts := []types.Transcription{
		{TimestampUS: assembleBase.UnixMicro(), Text: "one two three four five six seven eight nine ten", Duration: 2.0},
		{TimestampUS: assembleBase.Add(5 * time.Second).UnixMicro(), Text: "eleven twelve thirteen fourteen fifteen", Duration: 3.0},
	}

	got := speakingPatterns(ts)
	if got == nil {
		t.Fatal("expected stats for two fragments")
	}
	// Span runs from the first start to the last end: 5s + 3s = 8s.
	if !approx(got.WordsPerMinute, 15.0/8*60, 0.001) {
		t.Errorf("WordsPerMinute = %v, want %v", got.WordsPerMinute, 15.0/8*60)
	}
	// One pause: second start minus first end = 5s - 2s = 3s.
	if !approx(got.MeanPauseSeconds, 3.0, 0.001) {
		t.Errorf("MeanPauseSeconds = %v, want 3.0", got.MeanPauseSeconds)
	}
	if !approx(got.MaxPauseSeconds, 3.0, 0.001) {
		t.Errorf("MaxPauseSeconds = %v, want 3.0", got.MaxPauseSeconds)
	}
	if !approx(got.MeanFragmentSeconds, 2.5, 0.001) {
		t.Errorf("MeanFragmentSeconds = %v, want 2.5", got.MeanFragmentSeconds)
	}
	if got.Words != 15 || got.Fragments != 2 {
		t.Errorf("Words/Fragments = %d/%d, want 15/2", got.Words, got.Fragments)
	}
}

func TestSpeakingPatternsOverlapClampsPause(t *testing.T) {
	ts := []types.Transcription{
		{TimestampUS: assembleBase.UnixMicro(), Text: "a b", Duration: 5.0},
		{TimestampUS: assembleBase.Add(2 * time.Second).UnixMicro(), Text: "c d", Duration: 1.0},
	}

	got := speakingPatterns(ts)
	if got == nil {
		t.Fatal("expected stats")
	}
	if got.MeanPauseSeconds != 0 || got.MaxPauseSeconds != 0 {
		t.Errorf("pauses = %v/%v, want 0/0 for overlapping fragments",
			got.MeanPauseSeconds, got.MaxPauseSeconds)
	}
}

func TestSpeakingPatternsNeedsTwoFragments(t *testing.T) {
	if got := speakingPatterns([]types.Transcription{fragAt(0, "solo", 1.0)}); got != nil {
		t.Errorf("speakingPatterns = %+v, want nil", got)
	}
}

func TestTemporalTrend(t *testing.T) {
	// Nine fragments, 20s apart, split into three segments of three.
	var ts []types.Transcription
	for i := 0; i < 9; i++ {
		ts = append(ts, fragAt(time.Duration(i)*20*time.Second, "frag", 1.0))
	}

	// chatNear returns one message correlated with fragment i.
	chatNear := func(i int) types.ChatMessage {
		return chatAt(time.Duration(i)*20*time.Second+2*time.Second, "u", "m")
	}

	tests := []struct {
		name string
		msgs []types.ChatMessage
		want string
	}{
		{"quiet throughout", nil, "stable"},
		{
			"rising energy",
			[]types.ChatMessage{chatNear(6), chatNear(7), chatNear(8)},
			"increasing",
		},
		{
			"fading energy",
			[]types.ChatMessage{chatNear(0), chatNear(1), chatNear(2)},
			"decreasing",
		},
		{
			"even energy",
			[]types.ChatMessage{chatNear(0), chatNear(4), chatNear(8)},
			"stable",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := temporalTrend(ts, tc.msgs, windowUS); got != tc.want {
				t.Errorf("temporalTrend = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTemporalTrendNeedsThreeFragments(t *testing.T) {
	ts := []types.Transcription{fragAt(0, "a", 1.0), fragAt(time.Minute, "b", 1.0)}
	if got := temporalTrend(ts, nil, windowUS); got != "" {
		t.Errorf("temporalTrend = %q, want empty", got)
	}
}
