package correlator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lurkshade/streampulse/pkg/types"
)

// chatSampleLimit caps how many raw message texts a correlation summary
// quotes per transcription fragment.
const chatSampleLimit = 3

// recentInteractionLimit caps how many individual interactions the
// interaction context lists after the totals.
const recentInteractionLimit = 5

// speechContext joins the buffered transcription texts into the plain speech
// transcript handed to the analyzer. Empty fragments are skipped.
func speechContext(ts []types.Transcription) string {
	parts := make([]string, 0, len(ts))
	for _, t := range ts {
		if s := strings.TrimSpace(t.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// chatContext renders the chat reaction to each transcription fragment.
// A message belongs to a fragment when it lands inside [fragment time,
// fragment time + window], boundaries inclusive; one line is emitted per
// fragment that drew any reaction, for example:
//
//	After "gg": 2 messages (emotes: Kappax1, chat: nice / gg)
//
// Lines are joined with " | ". When no message correlates with any fragment
// the whole buffer is summarized instead, so the analyzer still sees chat
// that arrived before the first fragment or during silence.
func chatContext(ts []types.Transcription, msgs []types.ChatMessage, window int64) string {
	if len(msgs) == 0 {
		return ""
	}

	var lines []string
	for _, t := range ts {
		lo := t.TimestampUS
		hi := t.TimestampUS + window
		var group []types.ChatMessage
		for _, m := range msgs {
			us := m.TimestampMS * 1000
			if us >= lo && us <= hi {
				group = append(group, m)
			}
		}
		if len(group) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("After %q: %s", t.Text, summarizeChat(group)))
	}

	if len(lines) == 0 {
		return "Recent chat: " + summarizeChat(msgs)
	}
	return strings.Join(lines, " | ")
}

// summarizeChat compresses a group of messages into one clause: the message
// count, the top emotes seen in the group, and up to three quoted texts.
func summarizeChat(msgs []types.ChatMessage) string {
	counts := make(map[string]int)
	for _, m := range msgs {
		for _, e := range m.Emotes {
			counts[e]++
		}
	}

	var parts []string
	if top := topEmoteCounts(counts, chatSampleLimit); len(top) > 0 {
		es := make([]string, len(top))
		for i, ec := range top {
			es[i] = fmt.Sprintf("%sx%d", ec.Name, ec.Count)
		}
		parts = append(parts, "emotes: "+strings.Join(es, ", "))
	}

	var samples []string
	for _, m := range msgs {
		if s := strings.TrimSpace(m.Message); s != "" {
			samples = append(samples, s)
			if len(samples) == chatSampleLimit {
				break
			}
		}
	}
	if len(samples) > 0 {
		parts = append(parts, "chat: "+strings.Join(samples, " / "))
	}

	if len(parts) == 0 {
		return fmt.Sprintf("%d messages", len(msgs))
	}
	return fmt.Sprintf("%d messages (%s)", len(msgs), strings.Join(parts, ", "))
}

// interactionContext summarizes viewer interactions as per-kind totals
// followed by the most recent few, newest first:
//
//	Totals: 2 follow, 1 cheer | Recent: cheer bob | follow alice
func interactionContext(inters []types.ViewerInteraction) string {
	if len(inters) == 0 {
		return ""
	}

	totals := make(map[string]int)
	for _, in := range inters {
		totals[string(in.Kind)]++
	}
	kinds := make([]string, 0, len(totals))
	for k := range totals {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if totals[kinds[i]] != totals[kinds[j]] {
			return totals[kinds[i]] > totals[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})

	tparts := make([]string, len(kinds))
	for i, k := range kinds {
		tparts[i] = fmt.Sprintf("%d %s", totals[k], k)
	}

	parts := []string{"Totals: " + strings.Join(tparts, ", ")}
	n := len(inters)
	for i := n - 1; i >= 0 && i > n-1-recentInteractionLimit; i-- {
		in := inters[i]
		if i == n-1 {
			parts = append(parts, "Recent: "+string(in.Kind)+" "+in.Username)
		} else {
			parts = append(parts, string(in.Kind)+" "+in.Username)
		}
	}
	return strings.Join(parts, " | ")
}

// communityContext combines the chat and interaction views into the single
// community string the analyzer receives alongside the speech transcript.
func communityContext(ts []types.Transcription, msgs []types.ChatMessage, inters []types.ViewerInteraction, window int64) string {
	chat := chatContext(ts, msgs, window)
	inter := interactionContext(inters)
	switch {
	case chat == "" && inter == "":
		return ""
	case inter == "":
		return chat
	case chat == "":
		return "Interactions: " + inter
	default:
		return chat + " | Interactions: " + inter
	}
}
