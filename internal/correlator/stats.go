package correlator

import (
	"sort"
	"strings"
	"time"

	"github.com/lurkshade/streampulse/pkg/types"
)

// minVelocitySpan is the shortest chat span that yields a meaningful
// per-minute rate. Below it the velocity reports 0 rather than an absurd
// extrapolation from two near-simultaneous messages.
const minVelocitySpan = 6 * time.Second

// trendSegments is how many slices the temporal trend splits the window into.
const trendSegments = 3

// chatVelocity returns messages per minute across the buffered span,
// measured from the first to the last message. Fewer than two messages or a
// span under minVelocitySpan yield 0.
func chatVelocity(msgs []types.ChatMessage) float64 {
	if len(msgs) < 2 {
		return 0
	}
	span := msgs[len(msgs)-1].Time().Sub(msgs[0].Time())
	if span < minVelocitySpan {
		return 0
	}
	return float64(len(msgs)) / span.Minutes()
}

// emoteCounts tallies emote usage across chat messages and standalone emote
// events.
func emoteCounts(msgs []types.ChatMessage, emotes []types.EmoteEvent) map[string]int {
	counts := make(map[string]int)
	for _, m := range msgs {
		for _, e := range m.Emotes {
			counts[e]++
		}
	}
	for _, e := range emotes {
		counts[e.Name]++
	}
	return counts
}

// emoteCount is one entry of an ordered emote tally.
type emoteCount struct {
	Name  string
	Count int
}

// topEmoteCounts returns the n highest counts ordered by count descending,
// then name ascending so equal counts render deterministically.
func topEmoteCounts(counts map[string]int, n int) []emoteCount {
	ordered := make([]emoteCount, 0, len(counts))
	for name, c := range counts {
		ordered = append(ordered, emoteCount{Name: name, Count: c})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Count != ordered[j].Count {
			return ordered[i].Count > ordered[j].Count
		}
		return ordered[i].Name < ordered[j].Name
	})
	if len(ordered) > n {
		ordered = ordered[:n]
	}
	return ordered
}

// topEmotes truncates counts to the n most frequent entries.
func topEmotes(counts map[string]int, n int) map[string]int {
	top := topEmoteCounts(counts, n)
	out := make(map[string]int, len(top))
	for _, ec := range top {
		out[ec.Name] = ec.Count
	}
	return out
}

// nativeCounts filters an emote tally down to the channel's own emotes, the
// ones carrying the configured name prefix. The result is always a pointwise
// subset of the input; an empty prefix means the channel has no native
// emotes and yields an empty map.
func nativeCounts(counts map[string]int, prefix string) map[string]int {
	out := make(map[string]int)
	if prefix == "" {
		return out
	}
	for name, c := range counts {
		if strings.HasPrefix(name, prefix) {
			out[name] = c
		}
	}
	return out
}

// speakingStats describes the streamer's delivery across a set of
// transcription fragments.
type speakingStats struct {
	// WordsPerMinute over the span from the first fragment's start to the
	// last fragment's end.
	WordsPerMinute float64

	// MeanPauseSeconds and MaxPauseSeconds describe the silences between
	// consecutive fragments. Overlapping fragments count as a zero pause.
	MeanPauseSeconds float64
	MaxPauseSeconds  float64

	// MeanFragmentSeconds is the average spoken duration of one fragment.
	MeanFragmentSeconds float64

	Fragments int
	Words     int
}

// speakingPatterns computes delivery statistics for the window. It needs at
// least two fragments to say anything about pacing and returns nil otherwise.
func speakingPatterns(ts []types.Transcription) *speakingStats {
	if len(ts) < 2 {
		return nil
	}

	var words int
	var totalDur float64
	for _, t := range ts {
		words += len(strings.Fields(t.Text))
		totalDur += t.Duration
	}

	s := &speakingStats{
		Fragments:           len(ts),
		Words:               words,
		MeanFragmentSeconds: totalDur / float64(len(ts)),
	}

	span := ts[len(ts)-1].End().Sub(ts[0].Time()).Seconds()
	if span > 0 {
		s.WordsPerMinute = float64(words) / span * 60
	}

	var pauseSum float64
	for i := 1; i < len(ts); i++ {
		pause := ts[i].Time().Sub(ts[i-1].End()).Seconds()
		if pause < 0 {
			pause = 0
		}
		pauseSum += pause
		if pause > s.MaxPauseSeconds {
			s.MaxPauseSeconds = pause
		}
	}
	s.MeanPauseSeconds = pauseSum / float64(len(ts)-1)

	return s
}

// temporalTrend classifies how chat energy moved across the window. The
// fragments are split into three equal segments; each segment's energy is
// the number of messages correlated with its fragments divided by the
// fragment count. The last segment against the first decides the label:
// above 1.2x is "increasing", below 0.8x is "decreasing", anything else is
// "stable". Fewer than three fragments yield "".
func temporalTrend(ts []types.Transcription, msgs []types.ChatMessage, window int64) string {
	if len(ts) < trendSegments {
		return ""
	}

	seg := len(ts) / trendSegments
	bounds := [trendSegments][2]int{
		{0, seg},
		{seg, 2 * seg},
		{2 * seg, len(ts)},
	}

	var energy [trendSegments]float64
	for i, b := range bounds {
		frags := ts[b[0]:b[1]]
		matched := 0
		for _, m := range msgs {
			us := m.TimestampMS * 1000
			for _, t := range frags {
				if us >= t.TimestampUS && us <= t.TimestampUS+window {
					matched++
					break
				}
			}
		}
		energy[i] = float64(matched) / float64(len(frags))
	}

	first, last := energy[0], energy[trendSegments-1]
	switch {
	case first == 0 && last > 0:
		return "increasing"
	case first == 0:
		return "stable"
	case last > first*1.2:
		return "increasing"
	case last < first*0.8:
		return "decreasing"
	default:
		return "stable"
	}
}
