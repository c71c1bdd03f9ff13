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
	"fmt"
	"sort"
	"strings"

	"github.com/refsearch/refsearch/internal/analysis"
)

// tokenMatch is the working set of one bag token: the union of doc lists
// across every resolved term id, field and loaded tier.
type tokenMatch struct {
	docs []uint32
	// weight is the highest field weight among the fields any resolved term
	// id touched. Attribution is per token, not per (doc, field).
	weight float64
	// exactDocs marks docs reached through the exact dictionary term, used
	// only when the token was prefix-expanded: docs matched solely through
	// expansion score with the prefix multiplier.
	exactDocs map[uint32]struct{}
	expanded  bool
}

// Search executes a parsed query against the loaded tiers and returns at
// most the clamped limit of scored, fully ordered results. Decode failures
// indicate artifact corruption and are fatal.
func (ix *Index) Search(q Query, opts SearchOptions) ([]Result, error) {
	limit := clampLimit(opts.Limit)
	if q.Empty() {
		return nil, nil
	}

	tiers := make([]*tierData, 0, tierCount)
	tiers = append(tiers, ix.core)
	if ext := ix.ext.Load(); ext != nil {
		tiers = append(tiers, ext)
	}

	// Per-token doc set construction.
	matches := make([]*tokenMatch, 0, len(q.Tokens))
	for i, token := range q.Tokens {
		isPrefix := q.LastIsPrefix && i == len(q.Tokens)-1
		tm, err := ix.matchToken(tiers, token, isPrefix)
		if err != nil {
			return nil, err
		}
		if len(tm.docs) == 0 {
			return nil, nil
		}
		matches = append(matches, tm)
	}

	// Conjunction, cheapest list first.
	sort.SliceStable(matches, func(i, j int) bool {
		return len(matches[i].docs) < len(matches[j].docs)
	})
	var candidates []uint32
	for i, tm := range matches {
		if i == 0 {
			candidates = tm.docs
			continue
		}
		candidates = intersectSorted(candidates, tm.docs)
		if len(candidates) == 0 {
			return nil, nil
		}
	}

	// Phrase filtering over the core tier's positional fields.
	bonuses := make(map[uint32]float64)
	for _, phrase := range q.Phrases {
		titleDocs, authorsDocs, err := ix.matchPhrase(phrase)
		if err != nil {
			return nil, err
		}
		phraseDocs := unionSorted(titleDocs, authorsDocs)
		if len(phraseDocs) == 0 {
			return nil, nil
		}
		if candidates == nil {
			candidates = phraseDocs
		} else {
			candidates = intersectSorted(candidates, phraseDocs)
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		inTitle := toSet(titleDocs)
		for _, doc := range candidates {
			if _, ok := inTitle[doc]; ok {
				bonuses[doc] += phraseBonusTitle
			} else {
				bonuses[doc] += phraseBonusAuthors
			}
		}
	}

	// Scoring.
	type scored struct {
		doc   uint32
		score float64
		rec   Record
	}
	results := make([]scored, 0, len(candidates))
	for _, doc := range candidates {
		score := bonuses[doc]
		for _, tm := range matches {
			w := tm.weight
			if tm.expanded {
				if _, exact := tm.exactDocs[doc]; !exact {
					w *= prefixMultiplier
				}
			}
			score += w
		}
		rec, err := ix.Doc(int(doc))
		if err != nil {
			return nil, err
		}
		results = append(results, scored{doc: doc, score: score, rec: rec})
	}

	// Total, deterministic ordering: score desc, year desc, title asc,
	// key asc. Missing year sorts as 0.
	sort.Slice(results, func(i, j int) bool {
		a, b := &results[i], &results[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.rec.Year != b.rec.Year {
			return a.rec.Year > b.rec.Year
		}
		if a.rec.Title != b.rec.Title {
			return a.rec.Title < b.rec.Title
		}
		return a.rec.Key < b.rec.Key
	})

	if len(results) > limit {
		results = results[:limit]
	}
	out := make([]Result, 0, len(results))
	for _, s := range results {
		out = append(out, Result{
			Record:    s.rec,
			Score:     s.score,
			Highlight: highlight(&s.rec, &q),
		})
	}
	return out, nil
}

// matchToken resolves one bag token across the loaded tiers and unions its
// doc lists. Prefix expansion applies only when isPrefix is set and is
// capped at maxPrefixExpansions term ids per tier, lowest ids first.
func (ix *Index) matchToken(tiers []*tierData, token string, isPrefix bool) (*tokenMatch, error) {
	tm := &tokenMatch{expanded: isPrefix}
	if isPrefix {
		tm.exactDocs = make(map[uint32]struct{})
	}
	docSet := make(map[uint32]struct{})
	for _, td := range tiers {
		lo, hi := td.resolve(token, isPrefix)
		for id := lo; id < hi; id++ {
			exact := td.term(id) == token
			for f := 0; f < fieldsPerTier; f++ {
				ln := td.ptrs[f].Len[id]
				if ln == 0 {
					continue
				}
				start := td.ptrs[f].Start[id]
				docs, err := decodeDocs(td.postings[start:start+ln], fieldPositional[td.tier][f])
				if err != nil {
					return nil, fmt.Errorf("decode %s/%s postings for term %q: %w",
						td.tier, fieldNames[td.tier][f], td.term(id), err)
				}
				if w := fieldWeights[td.tier][f]; w > tm.weight {
					tm.weight = w
				}
				for _, doc := range docs {
					docSet[doc] = struct{}{}
					if exact && tm.exactDocs != nil {
						tm.exactDocs[doc] = struct{}{}
					}
				}
			}
		}
	}
	tm.docs = make([]uint32, 0, len(docSet))
	for doc := range docSet {
		tm.docs = append(tm.docs, doc)
	}
	sort.Slice(tm.docs, func(i, j int) bool { return tm.docs[i] < tm.docs[j] })
	return tm, nil
}

// resolve locates the [lo, hi) term id range for a token within one tier:
// a single exact hit, or the capped prefix range for a trailing prefix
// token. An empty range is (0, 0).
//
// Tokens of at least the prefix map width are bounded by their bucket;
// shorter tokens span multiple buckets and fall back to binary search over
// the whole dictionary.
func (td *tierData) resolve(token string, isPrefix bool) (uint32, uint32) {
	n := uint32(td.numTerms)
	if token == "" || n == 0 {
		return 0, 0
	}
	bucketLo, bucketHi := uint32(0), n
	if len(token) >= prefixMapWidth {
		var ok bool
		if bucketLo, bucketHi, ok = td.prefixRange(token); !ok {
			return 0, 0
		}
	}
	lo := td.lowerBound(token, bucketLo, bucketHi)
	if !isPrefix {
		if lo < bucketHi && td.term(lo) == token {
			return lo, lo + 1
		}
		return 0, 0
	}
	hi := bucketHi
	if len(token) != prefixMapWidth {
		hi = td.lowerBound(nextPrefix(token), lo, bucketHi)
	}
	if hi-lo > maxPrefixExpansions {
		hi = lo + maxPrefixExpansions
	}
	return lo, hi
}

// nextPrefix returns the smallest string greater than every string with the
// given prefix, for use as an exclusive upper bound in binary search.
func nextPrefix(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	// All 0xff: no upper bound exists; unreachable for tokenized terms.
	return prefix + "\xff"
}

// matchPhrase finds the docs containing the phrase tokens at strictly
// consecutive positions, independently in the title and authors fields of
// the core tier. A phrase token absent from the dictionary matches nothing.
func (ix *Index) matchPhrase(phrase []string) (titleDocs, authorsDocs []uint32, err error) {
	td := ix.core
	ids := make([]uint32, len(phrase))
	for i, tok := range phrase {
		lo, hi := td.resolve(tok, false)
		if lo == hi {
			return nil, nil, nil
		}
		ids[i] = lo
	}
	for _, field := range []int{coreFieldTitle, coreFieldAuthors} {
		docs, err := td.phraseField(ids, field)
		if err != nil {
			return nil, nil, err
		}
		if field == coreFieldTitle {
			titleDocs = docs
		} else {
			authorsDocs = docs
		}
	}
	return titleDocs, authorsDocs, nil
}

// phraseField checks phrase adjacency within a single positional field: a
// doc matches iff token i occurs at position p+i for some start p.
func (td *tierData) phraseField(ids []uint32, field int) ([]uint32, error) {
	docLists := make([][]uint32, len(ids))
	posLists := make([]map[uint32][]uint32, len(ids))
	for i, id := range ids {
		ln := td.ptrs[field].Len[id]
		if ln == 0 {
			return nil, nil
		}
		start := td.ptrs[field].Start[id]
		docs, positions, err := decodePositional(td.postings[start : start+ln])
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s postings for term %q: %w",
				td.tier, fieldNames[td.tier][field], td.term(id), err)
		}
		docLists[i] = docs
		byDoc := make(map[uint32][]uint32, len(docs))
		for j, doc := range docs {
			byDoc[doc] = positions[j]
		}
		posLists[i] = byDoc
	}

	shared := docLists[0]
	for _, docs := range docLists[1:] {
		shared = intersectSorted(shared, docs)
		if len(shared) == 0 {
			return nil, nil
		}
	}

	var matched []uint32
	for _, doc := range shared {
		starts := posLists[0][doc]
		for _, p := range starts {
			ok := true
			for i := 1; i < len(ids); i++ {
				if !containsPos(posLists[i][doc], p+uint32(i)) {
					ok = false
					break
				}
			}
			if ok {
				matched = append(matched, doc)
				break
			}
		}
	}
	return matched, nil
}

func containsPos(positions []uint32, p uint32) bool {
	i := sort.Search(len(positions), func(i int) bool { return positions[i] >= p })
	return i < len(positions) && positions[i] == p
}

func intersectSorted(a, b []uint32) []uint32 {
	out := make([]uint32, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

func unionSorted(a, b []uint32) []uint32 {
	out := make([]uint32, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && a[i] < b[j]):
			out = append(out, a[i])
			i++
		case i >= len(a) || a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

func toSet(docs []uint32) map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(docs))
	for _, doc := range docs {
		set[doc] = struct{}{}
	}
	return set
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// highlight computes byte-offset spans in the title and authors fields for
// every bag token and phrase occurrence. Spans cover the original text, not
// the normalized form.
func highlight(rec *Record, q *Query) map[string][]Span {
	out := make(map[string][]Span, 2)
	for _, field := range []struct {
		name string
		text string
	}{
		{"title", rec.Title},
		{"authors_str", rec.AuthorsStr},
	} {
		spans := fieldHighlight(field.text, q)
		if len(spans) > 0 {
			out[field.name] = spans
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func fieldHighlight(text string, q *Query) []Span {
	if text == "" {
		return nil
	}
	tokens := []string(nil)
	terminal := ""
	if len(q.Tokens) > 0 {
		tokens = q.Tokens
		if q.LastIsPrefix {
			terminal = q.Tokens[len(q.Tokens)-1]
		}
	}
	spans := analysis.Spans(text)
	marked := make([]bool, len(spans))
	for i, sp := range spans {
		for _, tok := range tokens {
			if sp.Token == tok || (tok == terminal && strings.HasPrefix(sp.Token, terminal)) {
				marked[i] = true
				break
			}
		}
	}
	for _, phrase := range q.Phrases {
		for i := 0; i+len(phrase) <= len(spans); i++ {
			match := true
			for j, tok := range phrase {
				if spans[i+j].Token != tok {
					match = false
					break
				}
			}
			if match {
				for j := range phrase {
					marked[i+j] = true
				}
			}
		}
	}
	var out []Span
	for i, sp := range spans {
		if marked[i] {
			out = append(out, Span{Start: sp.Start, End: sp.End})
		}
	}
	return out
}
