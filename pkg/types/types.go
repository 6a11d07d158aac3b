// Package types defines the shared types used across all Streampulse packages.
//
// These types form the lingua franca between ingest clients, the correlator,
// the analysis layer, and the RAG orchestrator. Each package defines its own
// domain types; only cross-cutting data structures live here.
package types

import "time"

// Transcription is a single speech fragment decoded from the transcription
// ingest stream. Fragments are the atomic unit of the spoken-word timeline:
// produced by an upstream transcription engine, buffered by the correlator,
// and joined into context-window transcripts.
type Transcription struct {
	// TimestampUS is the fragment start time in microseconds since the Unix
	// epoch. Values below 10^12 are upstream relative-clock artifacts and are
	// replaced with wall clock at ingest.
	TimestampUS int64

	// Text is the transcribed speech content.
	Text string

	// Duration is the spoken length of the fragment in seconds.
	Duration float64

	// Confidence is the transcription confidence (0.0–1.0). Zero when the
	// upstream engine does not report one.
	Confidence float64
}

// Time returns the fragment start as a wall-clock time.
func (t Transcription) Time() time.Time {
	return time.UnixMicro(t.TimestampUS)
}

// End returns the fragment end (start plus spoken duration).
func (t Transcription) End() time.Time {
	return t.Time().Add(time.Duration(t.Duration * float64(time.Second)))
}

// ChatMessage is a single chat line decoded from the event ingest stream.
type ChatMessage struct {
	// TimestampMS is the message time in milliseconds since the Unix epoch.
	TimestampMS int64

	// Username is the sender's display name.
	Username string

	// Message is the full message text including emote tokens.
	Message string

	// Emotes lists the emote names extracted from the message fragments.
	Emotes []string

	// NativeEmotes is the subset of Emotes whose names begin with the
	// configured channel prefix. Tracked separately for community metrics.
	NativeEmotes []string

	// IsSubscriber reports whether the sender carries a subscriber badge.
	IsSubscriber bool

	// IsModerator reports whether the sender carries a moderator badge.
	IsModerator bool
}

// Time returns the message time as a wall-clock time.
func (c ChatMessage) Time() time.Time {
	return time.UnixMilli(c.TimestampMS)
}

// EmoteEvent is a standalone emote usage (emote-only messages or
// emote reactions surfaced as their own events).
type EmoteEvent struct {
	// TimestampMS is the event time in milliseconds since the Unix epoch.
	TimestampMS int64

	// Username is the user who used the emote.
	Username string

	// Name is the emote name.
	Name string

	// ID is the upstream emote identifier, when provided.
	ID string
}

// Time returns the event time as a wall-clock time.
func (e EmoteEvent) Time() time.Time {
	return time.UnixMilli(e.TimestampMS)
}

// InteractionKind enumerates the discrete viewer interaction types.
type InteractionKind string

const (
	InteractionFollow       InteractionKind = "follow"
	InteractionSubscription InteractionKind = "subscription"
	InteractionGiftSub      InteractionKind = "gift_subscription"
	InteractionCheer        InteractionKind = "cheer"
	InteractionRaid         InteractionKind = "raid"
)

// IsValid reports whether k is a known interaction kind.
func (k InteractionKind) IsValid() bool {
	switch k {
	case InteractionFollow, InteractionSubscription, InteractionGiftSub,
		InteractionCheer, InteractionRaid:
		return true
	}
	return false
}

// ViewerInteraction is a discrete viewer event (follow, sub, cheer, raid).
type ViewerInteraction struct {
	// TimestampMS is the event time in milliseconds since the Unix epoch.
	TimestampMS int64

	// Kind is the interaction type.
	Kind InteractionKind

	// Username is the acting viewer's display name.
	Username string

	// UserID is the upstream user identifier, when provided.
	UserID string

	// Details carries kind-specific payload fields (tier, bits, viewer
	// count, …) passed through from the upstream event.
	Details map[string]any
}

// Time returns the event time as a wall-clock time.
func (v ViewerInteraction) Time() time.Time {
	return time.UnixMilli(v.TimestampMS)
}

// Sentiment enumerates the overall sentiment classifications an analysis
// may assign.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
	SentimentMixed    Sentiment = "mixed"
)

// IsValid reports whether s is a known sentiment value.
func (s Sentiment) IsValid() bool {
	switch s {
	case SentimentPositive, SentimentNegative, SentimentNeutral, SentimentMixed:
		return true
	}
	return false
}

// StreamPatterns is the flexible pattern block of an analysis: scored
// scalars plus free-form descriptors, as produced by the language model.
type StreamPatterns struct {
	// EnergyLevel scores the stream's overall energy (0.0–1.0).
	EnergyLevel float64 `json:"energy_level"`

	// EngagementLevel scores audience engagement (0.0–1.0).
	EngagementLevel float64 `json:"engagement_level"`

	// CommunitySync scores how tightly chat tracks the spoken content (0.0–1.0).
	CommunitySync float64 `json:"community_sync"`

	// ContentFocus is a free-form list of content tags (e.g. "gameplay",
	// "just chatting").
	ContentFocus []string `json:"content_focus,omitempty"`

	// MoodIndicators maps free-form mood names to model-assigned values.
	MoodIndicators map[string]any `json:"mood_indicators,omitempty"`

	// TemporalFlow tags the pacing of the analyzed span (e.g. "building",
	// "steady", "winding_down").
	TemporalFlow string `json:"temporal_flow,omitempty"`
}

// StreamDynamics describes enumerated trajectories of the pattern scalars
// across the analyzed span. Values are "rising", "falling", or "stable".
type StreamDynamics struct {
	EnergyTrajectory     string `json:"energy_trajectory,omitempty"`
	EngagementTrajectory string `json:"engagement_trajectory,omitempty"`
}

// Momentum summarizes the direction and strength of audience momentum.
type Momentum struct {
	// Direction is "up", "down", or "flat".
	Direction string `json:"direction,omitempty"`

	// Strength is the magnitude of the momentum (0.0–1.0).
	Strength float64 `json:"strength,omitempty"`
}

// AnalysisResult is one completed language-model analysis of the recent
// stream state, with correlator-computed metrics attached.
type AnalysisResult struct {
	// Timestamp is when the analysis completed.
	Timestamp time.Time `json:"timestamp"`

	// Patterns is the model's pattern block.
	Patterns StreamPatterns `json:"patterns"`

	// Dynamics is the optional trajectory block.
	Dynamics *StreamDynamics `json:"dynamics,omitempty"`

	// Sentiment is the overall sentiment classification.
	Sentiment Sentiment `json:"sentiment,omitempty"`

	// SentimentTrajectory optionally describes how sentiment moved across
	// the span (e.g. "improving", "souring").
	SentimentTrajectory string `json:"sentiment_trajectory,omitempty"`

	// Topics lists the discussion topics the model identified.
	Topics []string `json:"topics,omitempty"`

	// ContextSummary is a short prose summary of the analyzed span.
	ContextSummary string `json:"context_summary,omitempty"`

	// SuggestedActions lists streamer-facing suggestions.
	SuggestedActions []string `json:"suggested_actions,omitempty"`

	// Momentum is the optional momentum block.
	Momentum *Momentum `json:"momentum,omitempty"`

	// ChatVelocity is the chat rate over the analyzed span in messages per
	// minute. Computed by the correlator, not the model.
	ChatVelocity float64 `json:"chat_velocity"`

	// EmoteFrequency counts the top emotes seen across chat and emote
	// events in the analyzed span.
	EmoteFrequency map[string]int `json:"emote_frequency,omitempty"`

	// NativeEmoteFrequency is EmoteFrequency restricted to channel-prefix
	// emotes. Always a pointwise subset of EmoteFrequency.
	NativeEmoteFrequency map[string]int `json:"native_emote_frequency,omitempty"`
}

// VocabCategory enumerates the community vocabulary categories.
type VocabCategory string

const (
	VocabMeme        VocabCategory = "meme"
	VocabInsideJoke  VocabCategory = "inside_joke"
	VocabCatchphrase VocabCategory = "catchphrase"
	VocabEmotePhrase VocabCategory = "emote_phrase"
	VocabReference   VocabCategory = "reference"
	VocabSlang       VocabCategory = "slang"
)

// IsValid reports whether c is a known vocabulary category.
func (c VocabCategory) IsValid() bool {
	switch c {
	case VocabMeme, VocabInsideJoke, VocabCatchphrase, VocabEmotePhrase,
		VocabReference, VocabSlang:
		return true
	}
	return false
}

// VocabularyEntry is one community vocabulary term with its meaning.
type VocabularyEntry struct {
	// Phrase is the term itself.
	Phrase string `json:"phrase"`

	// Category classifies the term.
	Category VocabCategory `json:"category"`

	// Definition explains the term, when known.
	Definition string `json:"definition,omitempty"`

	// UsageCount is how often the community has used the term, when tracked.
	UsageCount int `json:"usage_count,omitempty"`
}
