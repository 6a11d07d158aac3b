package rag

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// maxPromptChat caps the chat lines quoted in a prompt.
const maxPromptChat = 15

// maxSnippetLen caps quoted transcript excerpts.
const maxSnippetLen = 200

// promptOrder fixes the section order so prompts are deterministic.
var promptOrder = []Source{
	SourceActivityStats,
	SourceSubscriptions,
	SourceFollowers,
	SourceCheers,
	SourceRaids,
	SourceChat,
	SourceStreamInfo,
	SourceAnalysis,
	SourceContextSearch,
}

// buildPrompt renders the retrieved data into the instruction prompt for the
// structured answer call.
func buildPrompt(q Query, res *retrieved, voc vocabContext) string {
	var b strings.Builder

	b.WriteString("You are the analytics assistant for a live streamer. " +
		"The person asking is the streamer, asking about their own channel and community.\n\n")

	writeStreamFlow(&b, res)
	writeVocabulary(&b, voc)
	writeSources(&b, res)

	fmt.Fprintf(&b, "## Question\n%s\n(consider roughly the last %g hours of data)\n\n",
		q.Question, q.TimeWindowHours)

	b.WriteString("## Instructions\n" +
		"Answer from the data above; do not invent numbers. Reply with a JSON object:\n" +
		`{"answer": "...", "confidence": <0.0-1.0>, "reasoning": "...", ` +
		`"response_type": "factual|creative|clarification|insufficient_data|fallback", ` +
		`"suggestions": ["..."]}` + "\n" +
		"Use response_type \"insufficient_data\" when the data cannot answer the question.")

	return b.String()
}

// writeStreamFlow states whether the stream is live. Offline is the normal
// end-of-stream state and the model must not read it as missing data.
func writeStreamFlow(b *strings.Builder, res *retrieved) {
	b.WriteString("## Stream flow\n")
	switch liveStatus(res.events(SourceStreamInfo)) {
	case "live":
		b.WriteString("The stream is currently LIVE.\n")
	case "offline":
		b.WriteString("The stream is currently OFFLINE.\n")
	default:
		b.WriteString("Live status is unknown from the available data.\n")
	}
	b.WriteString("Offline is the normal state after a stream ends. " +
		"Treat it as routine, never as an error or a gap in the data.\n\n")
}

// liveStatus inspects the newest stream_info event.
func liveStatus(events []map[string]any) string {
	if len(events) == 0 {
		return ""
	}
	latest := events[0]

	if v, ok := latest["is_live"].(bool); ok {
		if v {
			return "live"
		}
		return "offline"
	}
	if s, ok := latest["status"].(string); ok {
		switch strings.ToLower(s) {
		case "live", "online":
			return "live"
		case "offline", "ended":
			return "offline"
		}
	}
	return ""
}

func writeVocabulary(b *strings.Builder, voc vocabContext) {
	if len(voc.matches) == 0 && len(voc.popular) == 0 {
		return
	}
	b.WriteString("## Community vocabulary\n")

	for _, term := range sortedKeys(voc.matches) {
		e := voc.matches[term]
		if e.Definition != "" {
			fmt.Fprintf(b, "- %q (%s): %s\n", e.Phrase, e.Category, e.Definition)
		} else {
			fmt.Fprintf(b, "- %q (%s)\n", e.Phrase, e.Category)
		}
	}

	if len(voc.popular) > 0 {
		names := make([]string, 0, len(voc.popular))
		for _, e := range voc.popular {
			names = append(names, e.Phrase)
		}
		fmt.Fprintf(b, "Popular terms: %s\n", strings.Join(names, ", "))
	}
	b.WriteByte('\n')
}

func writeSources(b *strings.Builder, res *retrieved) {
	for _, src := range promptOrder {
		switch src {
		case SourceActivityStats:
			if stats := res.stats(src); len(stats) > 0 {
				b.WriteString("## Activity stats\n")
				for _, k := range sortedKeys(stats) {
					fmt.Fprintf(b, "- %s: %v\n", k, stats[k])
				}
				b.WriteByte('\n')
			}
		case SourceSubscriptions:
			writeSubscriptions(b, res.events(src))
		case SourceFollowers:
			writeNamedEvents(b, "New followers", res.events(src))
		case SourceCheers:
			writeCheers(b, res.events(src))
		case SourceRaids:
			writeNamedEvents(b, "Raids", res.events(src))
		case SourceChat:
			writeChat(b, res.events(src))
		case SourceStreamInfo:
			writeStreamInfo(b, res.events(src))
		case SourceAnalysis:
			writeAnalysis(b, res.bundle())
		case SourceContextSearch:
			writeContextSearch(b, res.events(src))
		}
	}
}

// writeSubscriptions renders the tier distribution plus the newest names.
func writeSubscriptions(b *strings.Builder, events []map[string]any) {
	if events == nil {
		return
	}
	fmt.Fprintf(b, "## Subscription events (%d)\n", len(events))
	if len(events) == 0 {
		b.WriteString("None in the window.\n\n")
		return
	}

	tiers := map[string]int{}
	for _, e := range events {
		tier := "unknown"
		if t, ok := e["tier"].(string); ok && t != "" {
			tier = t
		}
		tiers[tier]++
	}
	parts := make([]string, 0, len(tiers))
	for _, t := range sortedKeys(tiers) {
		parts = append(parts, fmt.Sprintf("tier %s x%d", t, tiers[t]))
	}
	fmt.Fprintf(b, "Tier distribution: %s\n", strings.Join(parts, ", "))
	fmt.Fprintf(b, "Recent: %s\n\n", strings.Join(eventNames(events, 5), ", "))
}

func writeNamedEvents(b *strings.Builder, title string, events []map[string]any) {
	if events == nil {
		return
	}
	fmt.Fprintf(b, "## %s (%d)\n", title, len(events))
	if len(events) == 0 {
		b.WriteString("None in the window.\n\n")
		return
	}
	fmt.Fprintf(b, "Recent: %s\n\n", strings.Join(eventNames(events, 5), ", "))
}

func writeCheers(b *strings.Builder, events []map[string]any) {
	if events == nil {
		return
	}
	fmt.Fprintf(b, "## Cheer events (%d)\n", len(events))
	if len(events) == 0 {
		b.WriteString("None in the window.\n\n")
		return
	}

	total := 0
	for _, e := range events {
		if v, ok := e["bits"].(float64); ok {
			total += int(v)
		}
	}
	if total > 0 {
		fmt.Fprintf(b, "Total bits: %d\n", total)
	}
	fmt.Fprintf(b, "Recent: %s\n\n", strings.Join(eventNames(events, 5), ", "))
}

// writeChat quotes the newest chat lines and lists the emote-cased tokens
// seen across all of them.
func writeChat(b *strings.Builder, events []map[string]any) {
	if events == nil {
		return
	}
	fmt.Fprintf(b, "## Chat (%d messages)\n", len(events))
	if len(events) == 0 {
		b.WriteString("None in the window.\n\n")
		return
	}

	shown := 0
	for _, e := range events {
		msg, _ := e["message"].(string)
		if msg == "" {
			continue
		}
		user, _ := e["user_name"].(string)
		if user == "" {
			user = "someone"
		}
		fmt.Fprintf(b, "- %s: %s\n", user, clip(msg, maxSnippetLen))
		shown++
		if shown == maxPromptChat {
			break
		}
	}

	if emotes := chatEmotes(events); len(emotes) > 0 {
		fmt.Fprintf(b, "Emotes seen: %s\n", strings.Join(emotes, ", "))
	}
	b.WriteByte('\n')
}

// chatEmotes extracts emote-cased tokens from chat events, first seen first.
func chatEmotes(events []map[string]any) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range events {
		msg, _ := e["message"].(string)
		for _, raw := range strings.Fields(msg) {
			tok := strings.Trim(raw, `.,!?"'()[]{}:;`)
			if len(tok) >= minEmoteLen && emoteCasePattern.MatchString(tok) && !seen[tok] {
				seen[tok] = true
				out = append(out, tok)
			}
		}
	}
	return out
}

func writeStreamInfo(b *strings.Builder, events []map[string]any) {
	if len(events) == 0 {
		return
	}
	b.WriteString("## Stream info\n")
	latest := events[0]
	for _, k := range []string{"game", "title", "category", "started_at", "viewer_count", "is_live", "status"} {
		if v, ok := latest[k]; ok {
			fmt.Fprintf(b, "- %s: %v\n", k, v)
		}
	}
	b.WriteByte('\n')
}

// writeAnalysis renders the AI pattern excerpts from the latest in-memory
// read plus recently sealed windows.
func writeAnalysis(b *strings.Builder, bundle *analysisBundle) {
	if bundle == nil {
		return
	}
	b.WriteString("## AI stream analysis\n")

	if last := bundle.Last; last != nil {
		sentiment := string(last.Sentiment)
		if sentiment == "" {
			sentiment = "unknown"
		}
		fmt.Fprintf(b, "Latest read (%s): sentiment %s; energy %.2f, engagement %.2f, community sync %.2f\n",
			last.Timestamp.Format(time.RFC3339), sentiment,
			last.Patterns.EnergyLevel, last.Patterns.EngagementLevel, last.Patterns.CommunitySync)
		if len(last.Topics) > 0 {
			fmt.Fprintf(b, "Topics: %s\n", strings.Join(last.Topics, ", "))
		}
		if last.ContextSummary != "" {
			fmt.Fprintf(b, "Summary: %s\n", last.ContextSummary)
		}
		if last.ChatVelocity > 0 {
			fmt.Fprintf(b, "Chat velocity: %.1f msg/min\n", last.ChatVelocity)
		}
	}

	for _, rec := range bundle.Recent {
		if s, ok := rec["transcript"].(string); ok && s != "" {
			fmt.Fprintf(b, "Earlier window: %s\n", clip(s, maxSnippetLen))
		}
	}

	if len(bundle.Stats) > 0 {
		parts := make([]string, 0, len(bundle.Stats))
		for _, k := range sortedKeys(bundle.Stats) {
			parts = append(parts, fmt.Sprintf("%s=%v", k, bundle.Stats[k]))
		}
		fmt.Fprintf(b, "Window stats: %s\n", strings.Join(parts, ", "))
	}
	b.WriteByte('\n')
}

func writeContextSearch(b *strings.Builder, hits []map[string]any) {
	if hits == nil {
		return
	}
	fmt.Fprintf(b, "## Transcript search hits (%d)\n", len(hits))
	if len(hits) == 0 {
		b.WriteString("Nothing matched.\n\n")
		return
	}
	for _, h := range hits {
		if s, ok := h["transcript"].(string); ok && s != "" {
			fmt.Fprintf(b, "- %s\n", clip(s, maxSnippetLen))
			continue
		}
		if s, ok := h["summary"].(string); ok && s != "" {
			fmt.Fprintf(b, "- %s\n", clip(s, maxSnippetLen))
		}
	}
	b.WriteByte('\n')
}

// eventNames lists up to limit user names from the newest events.
func eventNames(events []map[string]any, limit int) []string {
	var names []string
	for _, e := range events {
		if n, ok := e["user_name"].(string); ok && n != "" {
			names = append(names, n)
			if len(names) == limit {
				break
			}
		}
	}
	if len(names) == 0 {
		names = append(names, "(no names recorded)")
	}
	return names
}

// clip truncates s to at most n runes.
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// sortedKeys returns the map's keys in sorted order.
func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
