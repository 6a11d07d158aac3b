package correlator

import (
	"context"
	"time"

	"github.com/lurkshade/streampulse/internal/upstream"
	"github.com/lurkshade/streampulse/pkg/types"
)

// sealedMessageLimit caps how many raw chat messages a sealed record carries.
// The buffers hold up to a thousand entries; persisting every one would bloat
// the context store without helping retrieval.
const sealedMessageLimit = 50

// sealWindow closes the current context window at end: it runs one final
// immediate analysis, persists the window through the context writer, and
// resets the window state. A window whose fragments carry no text at all is
// dropped instead of persisted.
//
// Persistence failures are logged and counted but never block intake; the
// window is reset regardless so the next fragment starts fresh.
func (c *Correlator) sealWindow(ctx context.Context, end time.Time) {
	c.mu.Lock()
	if c.contextStart.IsZero() {
		c.mu.Unlock()
		return
	}
	start := c.contextStart
	session := c.sessionID
	c.mu.Unlock()

	rec, ok := c.buildRecord(ctx, start, end, session)
	if !ok {
		c.log.Warn("dropping context window with empty transcript",
			"session", session, "started", start)
		c.ResetWindow()
		return
	}

	if c.contexts == nil {
		c.log.Debug("context store not configured, window discarded", "session", session)
		c.ResetWindow()
		return
	}

	if err := c.contexts.Create(ctx, rec); err != nil {
		c.log.Error("failed to persist context window",
			"session", session, "duration", rec.Duration, "err", err)
		c.mu.Lock()
		c.sealErrors++
		c.mu.Unlock()
		c.metrics.RecordWindowSealed(ctx, "error")
	} else {
		c.log.Info("context window sealed",
			"session", session, "duration", rec.Duration, "transcript_len", len(rec.Transcript))
		c.mu.Lock()
		c.windowsSealed++
		c.mu.Unlock()
		c.metrics.RecordWindowSealed(ctx, "ok")
	}

	c.ResetWindow()
}

// buildRecord assembles the persisted form of the closing window. The second
// return is false when the window holds no spoken text.
func (c *Correlator) buildRecord(ctx context.Context, start, end time.Time, session string) (upstream.ContextRecord, bool) {
	ts := c.transcriptions.Items()
	transcript := speechContext(ts)
	if transcript == "" {
		return upstream.ContextRecord{}, false
	}

	chats := c.chat.Items()
	emotes := c.emotes.Items()
	inters := c.interactions.Items()
	window := c.cfg.CorrelationWindow.Microseconds()

	rec := upstream.ContextRecord{
		Started:    start,
		Ended:      end,
		Session:    session,
		Transcript: transcript,
		Duration:   float64(ts[len(ts)-1].TimestampUS-ts[0].TimestampUS) / 1e6,
	}

	if len(chats) > 0 {
		rec.Chat = chatBlock(ts, chats, window)
	}
	if block := emoteBlock(chats, emotes, c.cfg.EmotePrefix, c.cfg.TopEmotes); block != nil {
		rec.Emotes = block
	}
	if len(inters) > 0 {
		rec.Interactions = interactionBlock(inters)
	}

	patterns := map[string]any{
		"fragment_count": len(ts),
	}
	if sp := speakingPatterns(ts); sp != nil {
		patterns["speaking"] = map[string]any{
			"words_per_minute":      sp.WordsPerMinute,
			"mean_pause_seconds":    sp.MeanPauseSeconds,
			"max_pause_seconds":     sp.MaxPauseSeconds,
			"mean_fragment_seconds": sp.MeanFragmentSeconds,
			"words":                 sp.Words,
		}
	}
	if trend := temporalTrend(ts, chats, window); trend != "" {
		patterns["temporal_trend"] = trend
	}

	// One last look at the full window before it leaves the buffers.
	if res, err := c.Analyze(ctx, true); err != nil {
		c.log.Warn("final window analysis failed", "session", session, "err", err)
	} else if res != nil {
		if res.Sentiment.IsValid() {
			rec.Sentiment = string(res.Sentiment)
		}
		rec.Topics = res.Topics
		patterns["stream"] = res.Patterns
		if res.Dynamics != nil {
			patterns["dynamics"] = res.Dynamics
		}
		if res.Momentum != nil {
			patterns["momentum"] = res.Momentum
		}
		if res.ContextSummary != "" {
			patterns["summary"] = res.ContextSummary
		}
		patterns["chat_velocity"] = res.ChatVelocity
	}
	rec.Patterns = patterns

	return rec, true
}

// chatBlock serializes the community chat view of a window.
func chatBlock(ts []types.Transcription, chats []types.ChatMessage, window int64) map[string]any {
	chatters := make(map[string]struct{})
	for _, m := range chats {
		chatters[m.Username] = struct{}{}
	}

	serialized := chats
	if len(serialized) > sealedMessageLimit {
		serialized = serialized[len(serialized)-sealedMessageLimit:]
	}
	msgs := make([]map[string]any, 0, len(serialized))
	for _, m := range serialized {
		entry := map[string]any{
			"timestamp": m.Time().UTC().Format(time.RFC3339),
			"username":  m.Username,
			"message":   m.Message,
		}
		if len(m.Emotes) > 0 {
			entry["emotes"] = m.Emotes
		}
		msgs = append(msgs, entry)
	}

	return map[string]any{
		"message_count":       len(chats),
		"unique_chatters":     len(chatters),
		"velocity_per_minute": chatVelocity(chats),
		"messages":            msgs,
		"correlations":        chatContext(ts, chats, window),
	}
}

// emoteBlock serializes emote usage, nil when the window saw none.
func emoteBlock(chats []types.ChatMessage, emotes []types.EmoteEvent, prefix string, top int) map[string]any {
	counts := emoteCounts(chats, emotes)
	if len(counts) == 0 {
		return nil
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	frequency := topEmotes(counts, top)
	return map[string]any{
		"total":            total,
		"frequency":        frequency,
		"native_frequency": nativeCounts(frequency, prefix),
	}
}

// interactionBlock serializes viewer interactions with per-kind totals and
// the most recent few events.
func interactionBlock(inters []types.ViewerInteraction) map[string]any {
	totals := make(map[string]int)
	for _, in := range inters {
		totals[string(in.Kind)]++
	}

	recent := inters
	if len(recent) > recentInteractionLimit {
		recent = recent[len(recent)-recentInteractionLimit:]
	}
	events := make([]map[string]any, 0, len(recent))
	for _, in := range recent {
		entry := map[string]any{
			"timestamp": in.Time().UTC().Format(time.RFC3339),
			"kind":      string(in.Kind),
			"username":  in.Username,
		}
		if len(in.Details) > 0 {
			entry["details"] = in.Details
		}
		events = append(events, entry)
	}

	return map[string]any{
		"total":  len(inters),
		"counts": totals,
		"recent": events,
	}
}

// ResetWindow clears the window origin so the next transcription starts a
// fresh window. The session id survives the reset while the wall-clock day
// matches its date suffix; past midnight it is cleared so the next fragment
// opens a new session. Safe to call at any time, including when no window is
// open.
func (c *Correlator) ResetWindow() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.contextStart = time.Time{}
	if c.sessionID != "" && c.sessionID != SessionID(c.now(), c.cfg.Timezone) {
		c.sessionID = ""
	}
}
