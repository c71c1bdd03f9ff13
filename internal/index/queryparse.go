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

package index

import (
	"regexp"
	"strings"

	"github.com/refsearch/refsearch/internal/analysis"
)

// Query is the structured form of a free-text search string.
type Query struct {
	// Raw is the normalized input, kept for the tier classifier.
	Raw string
	// Phrases are the quoted spans, each tokenized to one or more
	// non-stopword terms. Phrase terms resolve by exact lookup only.
	Phrases [][]string
	// Tokens are the bag terms outside any quoted span, in input order.
	Tokens []string
	// LastIsPrefix marks the trailing bag token as a prefix pattern. Set
	// iff the input does not end with a quote and at least one bag token
	// exists.
	LastIsPrefix bool
}

// Empty reports whether the query can match anything at all.
func (q *Query) Empty() bool {
	return len(q.Phrases) == 0 && len(q.Tokens) == 0
}

var (
	yearTokenPattern    = regexp.MustCompile(`^[0-9]{4}$`)
	doiPattern          = regexp.MustCompile(`10\.[0-9]`)
	structuredIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*:[a-z0-9][a-z0-9.-]*$`)
)

// NeedsExtended is the tier classifier: it decides whether the query can
// only be answered with the extended tier resident. Year-shaped tokens, DOI
// prefixes and structured identifiers all live in extended fields.
func (q *Query) NeedsExtended() bool {
	for _, tok := range q.Tokens {
		if yearTokenPattern.MatchString(tok) {
			return true
		}
	}
	if doiPattern.MatchString(q.Raw) {
		return true
	}
	for _, word := range strings.Fields(q.Raw) {
		if structuredIDPattern.MatchString(word) {
			return true
		}
	}
	return false
}

// ParseQuery turns a raw search string into phrases, bag tokens and the
// trailing-prefix marker.
//
// Quoted spans pair up left to right; the contents of each balanced pair
// tokenize into a phrase. A trailing unbalanced quote does not open a
// phrase: its contents fall back to bag tokens. That fallback is a contract,
// matching what a user sees while still typing the closing quote.
func ParseQuery(raw string) Query {
	normalized := analysis.Normalize(raw)
	q := Query{Raw: normalized}

	segments := strings.Split(normalized, `"`)
	var bag strings.Builder
	for i, seg := range segments {
		if i%2 == 1 && i < len(segments)-1 {
			// Inside a balanced quote pair.
			tokens, _ := analysis.Tokenize(seg)
			if len(tokens) > 0 {
				q.Phrases = append(q.Phrases, tokens)
			}
			continue
		}
		bag.WriteString(seg)
		bag.WriteByte(' ')
	}
	q.Tokens, _ = analysis.Tokenize(bag.String())

	trimmed := strings.TrimRight(normalized, " \t\n\r")
	q.LastIsPrefix = len(q.Tokens) > 0 && !strings.HasSuffix(trimmed, `"`)
	return q
}
