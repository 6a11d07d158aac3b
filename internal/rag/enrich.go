package rag

import (
	"context"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/lurkshade/streampulse/internal/observe"
	"github.com/lurkshade/streampulse/pkg/types"
)

// maxVocabLookups bounds per-question vocabulary searches so one chatty
// window can't drain the lexicon rate budget.
const maxVocabLookups = 20

// maxLevenshtein is the furthest a lexicon phrase may sit from a scanned
// term and still count as a match.
const maxLevenshtein = 2

// minEmoteLen is the shortest token the emote-case pattern applies to.
const minEmoteLen = 5

// emoteCasePattern matches channel-emote casing: a lowercase prefix followed
// by an uppercase-led tail (lurkHype, pogCHAMP).
var emoteCasePattern = regexp.MustCompile(`^[a-z]{3,}(?:[A-Z][A-Z0-9]*|[A-Z][a-z][a-zA-Z0-9]*)$`)

// vocabContext is the lexicon slice attached to a prompt.
type vocabContext struct {
	// matches maps scanned terms to their best lexicon entry.
	matches map[string]types.VocabularyEntry

	// popular is the community's most used vocabulary, for general context.
	popular []types.VocabularyEntry
}

// enrich scans the retrieved chat text for community vocabulary and fetches
// the popular entries. Lookup failures only cost their own term.
func (o *Orchestrator) enrich(ctx context.Context, res *retrieved) vocabContext {
	vc := vocabContext{matches: map[string]types.VocabularyEntry{}}
	if o.vocab == nil {
		return vc
	}

	ctx, span := observe.StartSpan(ctx, "rag.enrich")
	defer span.End()

	for _, term := range vocabCandidates(res.chatText()) {
		entries, err := o.vocab.Search(ctx, term, 5)
		if err != nil {
			o.log.Debug("vocabulary lookup failed", "term", term, "err", err)
			continue
		}
		if best, ok := bestMatch(term, entries); ok {
			vc.matches[term] = best
		}
	}

	popular, err := o.vocab.Popular(ctx, o.cfg.PopularVocab)
	if err != nil {
		o.log.Debug("popular vocabulary unavailable", "err", err)
	} else {
		vc.popular = popular
	}
	return vc
}

// chatText joins the message bodies of the retrieved chat events.
func (r *retrieved) chatText() string {
	var b strings.Builder
	for _, e := range r.events(SourceChat) {
		if m, ok := e["message"].(string); ok {
			b.WriteString(m)
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// vocabCandidates extracts lookup-worthy terms from chat text: plain words
// of length ≥3 that aren't stopwords, plus emote-cased tokens of length ≥5
// kept in their original casing.
func vocabCandidates(text string) []string {
	seen := map[string]bool{}
	var out []string

	add := func(term string) bool {
		if seen[term] {
			return false
		}
		seen[term] = true
		out = append(out, term)
		return len(out) >= maxVocabLookups
	}

	for _, raw := range strings.Fields(text) {
		token := strings.Trim(raw, `.,!?"'()[]{}:;`)
		if token == "" {
			continue
		}

		if len(token) >= minEmoteLen && emoteCasePattern.MatchString(token) {
			if add(token) {
				break
			}
			continue
		}

		lower := strings.ToLower(token)
		if len(lower) < 3 || stopwords[lower] || !isWord(lower) {
			continue
		}
		if add(lower) {
			break
		}
	}
	return out
}

// isWord reports whether s is purely alphabetic.
func isWord(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// bestMatch picks the entry whose phrase equals term (case-insensitive),
// else the entry at minimal Levenshtein distance when that distance is
// within maxLevenshtein.
func bestMatch(term string, entries []types.VocabularyEntry) (types.VocabularyEntry, bool) {
	lower := strings.ToLower(term)

	best := -1
	bestDist := maxLevenshtein + 1
	for i, e := range entries {
		p := strings.ToLower(e.Phrase)
		if p == lower {
			return entries[i], true
		}
		if d := matchr.Levenshtein(p, lower); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best >= 0 {
		return entries[best], true
	}
	return types.VocabularyEntry{}, false
}
