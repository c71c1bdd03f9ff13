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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCorpus = []Record{
	{Key: "K1", Title: "Authenticated Encryption", AuthorsStr: "Rogaway, P", Venue: "CCS", Year: 2002},
	{Key: "K2", Title: "Zero Knowledge Proofs", AuthorsStr: "Bellare, M; Rogaway, P", Venue: "CRYPTO", Year: 1993},
	{Key: "K3", Title: "Authenticated Encryption with Associated Data", AuthorsStr: "Rogaway, P", Venue: "CCS", Year: 2002},
	{Key: "K4", Title: "Lattice Signatures", AuthorsStr: "Lyubashevsky, V", Venue: "EUROCRYPT", Year: 2012},
}

// buildIndex runs the full build -> pack -> load cycle over a record set.
func buildIndex(t *testing.T, records []Record, loadExt bool) *Index {
	t.Helper()
	b := NewBuilder(nil)
	for _, rec := range records {
		require.NoError(t, b.Add(rec))
	}
	built, err := b.Finalize()
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, WriteArtifacts(nil, built, dir, "test-build"))

	ix, err := Load(dir)
	require.NoError(t, err)
	if loadExt {
		require.NoError(t, ix.LoadExtended())
	}
	return ix
}

func searchKeys(t *testing.T, ix *Index, raw string, opts SearchOptions) []string {
	t.Helper()
	results, err := ix.Search(ParseQuery(raw), opts)
	require.NoError(t, err)
	keys := make([]string, 0, len(results))
	for _, r := range results {
		keys = append(keys, r.Key)
	}
	return keys
}

func TestSearchAuthorTieBreaking(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	// All three tie at the authors weight; year desc puts 2002 before 1993,
	// title asc orders K1 before K3.
	assert.Equal(t, []string{"K1", "K3", "K2"}, searchKeys(t, ix, "rogaway", SearchOptions{Limit: DefaultLimit}))
}

func TestSearchPhraseInTitle(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	assert.Equal(t, []string{"K1", "K3"}, searchKeys(t, ix, `"authenticated encryption"`, SearchOptions{Limit: DefaultLimit}))
}

func TestSearchPrefix(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	assert.Equal(t, []string{"K2"}, searchKeys(t, ix, "bella", SearchOptions{Limit: DefaultLimit}))
}

func TestSearchYearUsesExtendedTier(t *testing.T) {
	ix := buildIndex(t, testCorpus, true)
	assert.Equal(t, []string{"K2"}, searchKeys(t, ix, "rogaway 1993", SearchOptions{Limit: DefaultLimit}))
}

func TestSearchYearWithoutExtendedTier(t *testing.T) {
	// The engine wrapper loads the extended tier before queries that need
	// it; without that tier the year token cannot match anything.
	ix := buildIndex(t, testCorpus, false)
	assert.Empty(t, searchKeys(t, ix, "rogaway 1993", SearchOptions{Limit: DefaultLimit}))
}

func TestSearchNoMatch(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	assert.Empty(t, searchKeys(t, ix, "zzz", SearchOptions{Limit: DefaultLimit}))
}

func TestSearchPhrasePlusAuthor(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	assert.Equal(t, []string{"K2"}, searchKeys(t, ix, `"zero knowledge" rogaway`, SearchOptions{Limit: DefaultLimit}))
}

func TestSearchEmptyQueries(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	for _, raw := range []string{"", "   ", "the of and in"} {
		assert.Empty(t, searchKeys(t, ix, raw, SearchOptions{Limit: DefaultLimit}), "query %q", raw)
	}
}

func TestSearchConjunctionIsMonotone(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	base := searchKeys(t, ix, "rogaway encryption", SearchOptions{Limit: DefaultLimit})
	// Appending a non-prefix bag token can only shrink the result set. The
	// appended "associated" is the trailing token and so prefix-expanded, but
	// no other dictionary term starts with it, so it resolves to itself.
	narrowed := searchKeys(t, ix, "rogaway encryption associated", SearchOptions{Limit: DefaultLimit})
	assert.Subset(t, base, narrowed)
	assert.Equal(t, []string{"K3"}, narrowed)
}

func TestSearchPhraseRequiresAdjacency(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	// Both words occur in K2's title but not consecutively.
	assert.Empty(t, searchKeys(t, ix, `"zero proofs"`, SearchOptions{Limit: DefaultLimit}))
	// Stopwords do not advance positions, so the phrase spans them.
	assert.Equal(t, []string{"K3"}, searchKeys(t, ix, `"encryption associated data"`, SearchOptions{Limit: DefaultLimit}))
}

func TestSearchPhraseInAuthors(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	assert.Equal(t, []string{"K4"}, searchKeys(t, ix, `"lyubashevsky v"`, SearchOptions{Limit: DefaultLimit}))
}

func TestSearchPhraseTokenMissingFromDictionary(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	assert.Empty(t, searchKeys(t, ix, `"authenticated nonsensewords"`, SearchOptions{Limit: DefaultLimit}))
}

func TestSearchPrefixMultiplierLowersScore(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	exact, err := ix.Search(ParseQuery(`bellare`), SearchOptions{Limit: DefaultLimit})
	require.NoError(t, err)
	require.Len(t, exact, 1)
	prefixed, err := ix.Search(ParseQuery(`bella`), SearchOptions{Limit: DefaultLimit})
	require.NoError(t, err)
	require.Len(t, prefixed, 1)
	assert.InDelta(t, exact[0].Score*prefixMultiplier, prefixed[0].Score, 1e-9)
}

func TestSearchPhraseBonusOrdersAboveBagMatch(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	results, err := ix.Search(ParseQuery(`"zero knowledge" rogaway`), SearchOptions{Limit: DefaultLimit})
	require.NoError(t, err)
	require.Len(t, results, 1)
	// authors weight + title phrase bonus.
	assert.InDelta(t, 1.8+phraseBonusTitle, results[0].Score, 1e-9)
}

func TestSearchLimitClamping(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	assert.Len(t, searchKeys(t, ix, "rogaway", SearchOptions{Limit: 0}), 1)
	assert.Len(t, searchKeys(t, ix, "rogaway", SearchOptions{Limit: -5}), 1)
	assert.Len(t, searchKeys(t, ix, "rogaway", SearchOptions{Limit: 2}), 2)
	assert.Len(t, searchKeys(t, ix, "rogaway", SearchOptions{Limit: 10000}), 3)
}

func TestSearchPrefixExpansionCap(t *testing.T) {
	// A dictionary with far more than maxPrefixExpansions terms sharing a
	// prefix: only the first 128 in dictionary order contribute.
	records := make([]Record, 0, 300)
	for i := 0; i < 300; i++ {
		records = append(records, Record{
			Key:        fmt.Sprintf("P%03d", i),
			Title:      fmt.Sprintf("lattice%03d cryptanalysis", i),
			AuthorsStr: "Tester, T",
			Year:       2000,
		})
	}
	ix := buildIndex(t, records, false)
	keys := searchKeys(t, ix, "lattice", SearchOptions{Limit: MaxLimit})
	assert.Len(t, keys, maxPrefixExpansions)
}

func TestSearchTitleTokenAlwaysFindsRecord(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	for _, rec := range testCorpus {
		q := ParseQuery(rec.Title)
		q.LastIsPrefix = false
		results, err := ix.Search(q, SearchOptions{Limit: MaxLimit})
		require.NoError(t, err)
		found := false
		for _, r := range results {
			if r.Key == rec.Key {
				found = true
			}
		}
		assert.True(t, found, "title query for %s", rec.Key)
	}
}

func TestSearchDeterministicOrdering(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	first := searchKeys(t, ix, "rogaway", SearchOptions{Limit: DefaultLimit})
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, searchKeys(t, ix, "rogaway", SearchOptions{Limit: DefaultLimit}))
	}
}

func TestSearchHighlightSpans(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	results, err := ix.Search(ParseQuery(`"authenticated encryption"`), SearchOptions{Limit: DefaultLimit})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	spans := results[0].Highlight["title"]
	require.Len(t, spans, 2)
	title := results[0].Title
	assert.Equal(t, "Authenticated", title[spans[0].Start:spans[0].End])
	assert.Equal(t, "Encryption", title[spans[1].Start:spans[1].End])
}

func TestGetEntryByIDAndKey(t *testing.T) {
	ix := buildIndex(t, testCorpus, false)
	rec, err := ix.Doc(0)
	require.NoError(t, err)
	assert.Equal(t, "K1", rec.Key)

	rec, err = ix.DocByKey("K4")
	require.NoError(t, err)
	assert.Equal(t, "Lattice Signatures", rec.Title)

	_, err = ix.Doc(99)
	assert.ErrorIs(t, err, ErrDocNotFound)
	_, err = ix.DocByKey("nope")
	assert.ErrorIs(t, err, ErrDocNotFound)
}
