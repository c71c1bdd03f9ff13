// Copyright 2024 The Refsearch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package analysis holds the text normalization and tokenization used by both
// the index builder and the query engine. The two sides must agree byte for
// byte, so everything here is deterministic and locale-independent.
package analysis

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Stopwords is the fixed English stopword set. Tokens in this set are dropped
// and do not advance the position counter.
var Stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "on": {},
	"for": {}, "to": {}, "in": {}, "by": {}, "with": {}, "at": {}, "as": {},
	"from": {}, "via": {},
}

// Normalize applies NFKD decomposition, strips combining marks in the
// U+0300-U+036F block, and lowercases. ASCII letters use a simple case fold;
// non-ASCII letters are folded with the Unicode simple mapping.
func Normalize(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if r >= 0x0300 && r <= 0x036F {
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		} else if r > unicode.MaxASCII {
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isTokenByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// Tokenize normalizes s and splits it on maximal runs of characters outside
// [a-z0-9]. Stopwords are dropped. The returned positions are 0-based indices
// into the emitted non-stopword token stream, so positions[i] == i; the slice
// is returned alongside the tokens for callers that index postings by it.
func Tokenize(s string) ([]string, []int) {
	n := Normalize(s)
	tokens := make([]string, 0, 8)
	positions := make([]int, 0, 8)
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		tok := n[start:end]
		start = -1
		if _, stop := Stopwords[tok]; stop {
			return
		}
		positions = append(positions, len(tokens))
		tokens = append(tokens, tok)
	}
	for i := 0; i < len(n); i++ {
		if isTokenByte(n[i]) {
			if start < 0 {
				start = i
			}
		} else {
			flush(i)
		}
	}
	flush(len(n))
	return tokens, positions
}

// TokenSpan is a token located in the original (un-normalized) string.
// Start and End are byte offsets into that string.
type TokenSpan struct {
	Token string
	Start int
	End   int
}

// Spans tokenizes s in place, without reordering bytes, and reports each
// non-stopword token together with its byte span in the original string.
// Each run of letters and digits is normalized independently; accents inside
// a run fold to their base letters while the span still covers the original
// bytes. For runs whose letters normalize into [a-z0-9] the token values match
// Tokenize of the same run; a letter outside that set stays inside the span's
// token, where Tokenize would split at it. Used for
// result highlighting only, never for index construction.
func Spans(s string) []TokenSpan {
	spans := make([]TokenSpan, 0, 8)
	start := -1
	runes := []rune(s)
	byteOff := 0
	offsets := make([]int, len(runes)+1)
	for i, r := range runes {
		offsets[i] = byteOff
		byteOff += len(string(r))
	}
	offsets[len(runes)] = byteOff
	flush := func(end int) {
		if start < 0 {
			return
		}
		tok := Normalize(string(runes[start:end]))
		lo, hi := offsets[start], offsets[end]
		start = -1
		if tok == "" {
			return
		}
		if _, stop := Stopwords[tok]; stop {
			return
		}
		spans = append(spans, TokenSpan{Token: tok, Start: lo, End: hi})
	}
	for i, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
		} else {
			flush(i)
		}
	}
	flush(len(runes))
	return spans
}
