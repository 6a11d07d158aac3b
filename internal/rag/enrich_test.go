package rag

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/lurkshade/streampulse/pkg/types"
)

func TestVocabCandidates(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "plain words minus stopwords",
			text: "that boss fight was epic",
			want: []string{"boss", "fight", "epic"},
		},
		{
			name: "short tokens dropped",
			text: "GG gg go",
			want: nil,
		},
		{
			name: "emote casing preserved",
			text: "huge lurkHype! moment",
			want: []string{"huge", "lurkHype", "moment"},
		},
		{
			name: "uppercase emote lowercased as a word",
			text: "KEKW KEKW",
			want: []string{"kekw"},
		},
		{
			name: "duplicates collapse",
			text: "spam spam SPAM",
			want: []string{"spam"},
		},
		{
			name: "apostrophes disqualify",
			text: "it's streamer's",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := vocabCandidates(tt.text); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("vocabCandidates(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestVocabCandidatesCap(t *testing.T) {
	var words []string
	for i := 0; i < maxVocabLookups+5; i++ {
		words = append(words, fmt.Sprintf("word%c%c", 'a'+i/26, 'a'+i%26))
	}
	got := vocabCandidates(strings.Join(words, " "))
	if len(got) != maxVocabLookups {
		t.Errorf("len(candidates) = %d, want %d", len(got), maxVocabLookups)
	}
}

func TestBestMatch(t *testing.T) {
	tests := []struct {
		name    string
		term    string
		entries []types.VocabularyEntry
		want    string
		ok      bool
	}{
		{
			name:    "exact ignoring case",
			term:    "pogchamp",
			entries: []types.VocabularyEntry{{Phrase: "PogChamp"}},
			want:    "PogChamp",
			ok:      true,
		},
		{
			name:    "close misspelling",
			term:    "poggers",
			entries: []types.VocabularyEntry{{Phrase: "pogger"}},
			want:    "pogger",
			ok:      true,
		},
		{
			name:    "nearest of several",
			term:    "kapa",
			entries: []types.VocabularyEntry{{Phrase: "kapow"}, {Phrase: "Kappa"}},
			want:    "Kappa",
			ok:      true,
		},
		{
			name:    "too far",
			term:    "banana",
			entries: []types.VocabularyEntry{{Phrase: "orange"}},
			ok:      false,
		},
		{
			name: "no entries",
			term: "anything",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := bestMatch(tt.term, tt.entries)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got.Phrase != tt.want {
				t.Errorf("Phrase = %q, want %q", got.Phrase, tt.want)
			}
		})
	}
}

func TestEnrich(t *testing.T) {
	vocab := &fakeVocab{
		entries: map[string][]types.VocabularyEntry{
			"lurkHype": {{Phrase: "lurkHype", Category: types.VocabEmotePhrase, Definition: "the hype emote"}},
			"kekw":     {{Phrase: "KEKW", Category: types.VocabMeme}},
		},
		popular: []types.VocabularyEntry{{Phrase: "poggies", Category: types.VocabSlang}},
	}
	o := New(&fakeResponder{}, &fakeActivity{}, nil, vocab, nil, Config{}, testLogger())

	res := newRetrieved()
	res.set(SourceChat, []map[string]any{
		{"message": "that lurkHype was epic kekw"},
	})

	vc := o.enrich(context.Background(), res)

	if got := vc.matches["lurkHype"].Definition; got != "the hype emote" {
		t.Errorf("matches[lurkHype].Definition = %q, want the stored definition", got)
	}
	if got := vc.matches["kekw"].Phrase; got != "KEKW" {
		t.Errorf("matches[kekw].Phrase = %q, want KEKW", got)
	}
	if _, ok := vc.matches["epic"]; ok {
		t.Error("matches contains epic, want lexicon misses dropped")
	}
	if len(vc.popular) != 1 || vc.popular[0].Phrase != "poggies" {
		t.Errorf("popular = %v, want the fake's popular list", vc.popular)
	}
}

func TestEnrichNilVocabulary(t *testing.T) {
	o := New(&fakeResponder{}, &fakeActivity{}, nil, nil, nil, Config{}, testLogger())
	vc := o.enrich(context.Background(), newRetrieved())
	if len(vc.matches) != 0 || len(vc.popular) != 0 {
		t.Errorf("enrich with nil vocabulary = %+v, want empty", vc)
	}
}
