package rag

import (
	"strings"
	"unicode"
)

// Source names a backing store a retriever draws from. The names appear in
// prompts, answers, and logs.
type Source string

const (
	SourceSubscriptions Source = "subscription_events"
	SourceFollowers     Source = "follower_events"
	SourceChat          Source = "recent_chat"
	SourceStreamInfo    Source = "stream_info"
	SourceRaids         Source = "raid_events"
	SourceCheers        Source = "cheer_events"
	SourceAnalysis      Source = "ai_context_analysis"
	SourceActivityStats Source = "activity_stats"
	SourceContextSearch Source = "context_search"
)

// maxSearchTokens caps the fallback transcript-search query length.
const maxSearchTokens = 3

// intentKeywords maps sources to the question substrings that trigger them,
// checked in order.
var intentKeywords = []struct {
	source   Source
	keywords []string
}{
	{SourceSubscriptions, []string{"sub", "subscriber", "gift", "resub"}},
	{SourceFollowers, []string{"follow", "new viewer"}},
	{SourceChat, []string{"chat", "message", "said", "talking"}},
	{SourceStreamInfo, []string{"game", "playing", "stream", "title"}},
	{SourceRaids, []string{"raid", "host"}},
	{SourceCheers, []string{"bits", "cheer"}},
	{SourceAnalysis, []string{"mood", "sentiment", "energy", "vibe", "pattern", "trend", "topic"}},
}

// stopwords are skipped by token extraction and the vocabulary scan.
var stopwords = map[string]bool{
	"about": true, "all": true, "and": true, "any": true, "are": true,
	"been": true, "but": true, "can": true, "could": true, "did": true,
	"does": true, "for": true, "from": true, "get": true, "had": true,
	"has": true, "have": true, "her": true, "his": true, "how": true,
	"into": true, "its": true, "just": true, "like": true, "many": true,
	"more": true, "most": true, "much": true, "not": true, "now": true,
	"our": true, "out": true, "she": true, "should": true, "some": true,
	"than": true, "that": true, "the": true, "their": true, "them": true,
	"then": true, "there": true, "these": true, "they": true, "this": true,
	"those": true, "today": true, "too": true, "very": true, "was": true,
	"were": true, "what": true, "whats": true, "when": true, "where": true,
	"which": true, "who": true, "why": true, "will": true, "with": true,
	"would": true, "you": true, "your": true,
}

// intent is the routing decision for one question.
type intent struct {
	sources []Source

	// searchQuery feeds the context transcript search when no keyword
	// matched.
	searchQuery string
}

// has reports whether the intent includes src.
func (in intent) has(src Source) bool {
	for _, s := range in.sources {
		if s == src {
			return true
		}
	}
	return false
}

// routeIntent decides which retrievers a question needs. Activity stats are
// always consulted; a question that matches no keyword set falls back to a
// context transcript search seeded with its salient tokens.
func routeIntent(question string) intent {
	q := strings.ToLower(question)

	var in intent
	for _, ik := range intentKeywords {
		for _, kw := range ik.keywords {
			if strings.Contains(q, kw) {
				in.sources = append(in.sources, ik.source)
				break
			}
		}
	}

	matched := len(in.sources) > 0
	in.sources = append(in.sources, SourceActivityStats)

	if !matched {
		if tokens := searchTokens(q); tokens != "" {
			in.searchQuery = tokens
			in.sources = append(in.sources, SourceContextSearch)
		}
	}
	return in
}

// searchTokens extracts up to three salient tokens from a case-folded
// question.
func searchTokens(q string) string {
	fields := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	var tokens []string
	for _, w := range fields {
		if len(w) < 3 || stopwords[w] {
			continue
		}
		tokens = append(tokens, w)
		if len(tokens) == maxSearchTokens {
			break
		}
	}
	return strings.Join(tokens, " ")
}
