// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package vocab maps words to ids, with the special tokens of the dialogue
// model at fixed ids and per-example extended ids for unknown source words.
package vocab

import (
	"sort"
	"strings"
	"unicode"
)

// Special token ids.
const (
	UNK = iota
	PAD
	EOS
	SOS
	USR
	SYS
	CLS
)

var specialWords = []string{"UNK", "PAD", "EOS", "SOS", "USR", "SYS", "CLS"}

// Vocab is a word <-> id table. Ids are dense and stable once assigned.
type Vocab struct {
	wordToID map[string]int
	idToWord []string
	counts   map[string]int
}

// New returns a vocabulary holding only the special tokens.
func New() *Vocab {
	v := &Vocab{
		wordToID: make(map[string]int, len(specialWords)),
		counts:   make(map[string]int),
	}
	for _, w := range specialWords {
		v.wordToID[w] = len(v.idToWord)
		v.idToWord = append(v.idToWord, w)
	}
	return v
}

// Add records an occurrence of word and returns its id.
func (v *Vocab) Add(word string) int {
	v.counts[word]++
	if id, ok := v.wordToID[word]; ok {
		return id
	}
	id := len(v.idToWord)
	v.wordToID[word] = id
	v.idToWord = append(v.idToWord, word)
	return id
}

// Build creates a vocabulary from tokenized sentences. Words are added in
// descending frequency, ties in lexical order, so equal corpora give
// equal ids.
func Build(sentences [][]string) *Vocab {
	freq := make(map[string]int)
	for _, s := range sentences {
		for _, w := range s {
			freq[w]++
		}
	}
	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})

	v := New()
	for _, w := range words {
		v.Add(w)
		v.counts[w] = freq[w]
	}
	return v
}

// Len returns the number of ids.
func (v *Vocab) Len() int { return len(v.idToWord) }

// ID returns the id of word, or UNK.
func (v *Vocab) ID(word string) int {
	if id, ok := v.wordToID[word]; ok {
		return id
	}
	return UNK
}

// Word returns the word for id, or "UNK" when id is out of range.
func (v *Vocab) Word(id int) string {
	if id < 0 || id >= len(v.idToWord) {
		return specialWords[UNK]
	}
	return v.idToWord[id]
}

// Count returns how often word was added.
func (v *Vocab) Count(word string) int { return v.counts[word] }

// Encode maps words to ids, unknown words to UNK.
func (v *Vocab) Encode(words []string) []int {
	ids := make([]int, len(words))
	for i, w := range words {
		ids[i] = v.ID(w)
	}
	return ids
}

// EncodeExtended maps words to ids, giving the i-th distinct unknown word
// the id Len()+i. Returns the ids and the unknown words in id order.
func (v *Vocab) EncodeExtended(words []string) ([]int, []string) {
	ids := make([]int, len(words))
	var oovs []string
	for i, w := range words {
		if id, ok := v.wordToID[w]; ok {
			ids[i] = id
			continue
		}
		idx := indexOf(oovs, w)
		if idx < 0 {
			idx = len(oovs)
			oovs = append(oovs, w)
		}
		ids[i] = v.Len() + idx
	}
	return ids, oovs
}

// EncodeTarget maps target words to ids, using the source's unknown words
// for extended ids so they can be copied. Other unknown words map to UNK.
func (v *Vocab) EncodeTarget(words, oovs []string) []int {
	ids := make([]int, len(words))
	for i, w := range words {
		if id, ok := v.wordToID[w]; ok {
			ids[i] = id
		} else if idx := indexOf(oovs, w); idx >= 0 {
			ids[i] = v.Len() + idx
		} else {
			ids[i] = UNK
		}
	}
	return ids
}

// Decode maps ids back to words, resolving extended ids through oovs.
func (v *Vocab) Decode(ids []int, oovs []string) []string {
	words := make([]string, len(ids))
	for i, id := range ids {
		if id >= v.Len() && id-v.Len() < len(oovs) {
			words[i] = oovs[id-v.Len()]
		} else {
			words[i] = v.Word(id)
		}
	}
	return words
}

// Tokenize lower-cases text and splits it into words and punctuation.
func Tokenize(text string) []string {
	var (
		words []string
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) && r != '\'':
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

func indexOf(xs []string, x string) int {
	for i, s := range xs {
		if s == x {
			return i
		}
	}
	return -1
}
