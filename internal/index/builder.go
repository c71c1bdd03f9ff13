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
	"strconv"

	"go.uber.org/zap"

	"github.com/refsearch/refsearch/internal/analysis"
)

// Builder consumes the normalized record stream in a single pass and
// produces the packed two-tier artifacts. Doc ids are assigned in
// consumption order.
type Builder struct {
	logger  *zap.Logger
	docs    []Record
	keyToID map[string]int
	tiers   [tierCount]*tierBuilder
}

// tierBuilder accumulates distinct terms in insertion order and per-field
// posting maps keyed by the provisional term id. Finalize renumbers term ids
// to byte-sorted order and reindexes all posting maps with the permutation.
type tierBuilder struct {
	termIDs map[string]uint32
	terms   []string
	fields  [fieldsPerTier]map[uint32]*docPostings
}

type docPostings struct {
	docs      []uint32
	tfs       []uint32
	positions [][]uint32
}

func newTierBuilder() *tierBuilder {
	tb := &tierBuilder{
		termIDs: make(map[string]uint32),
	}
	for f := range tb.fields {
		tb.fields[f] = make(map[uint32]*docPostings)
	}
	return tb
}

func (tb *tierBuilder) intern(term string) uint32 {
	if id, ok := tb.termIDs[term]; ok {
		return id
	}
	id := uint32(len(tb.terms))
	tb.termIDs[term] = id
	tb.terms = append(tb.terms, term)
	return id
}

// addPositional records the occurrences of term in a positional field of one
// doc. Docs arrive in increasing id order, so appends keep lists sorted.
func (tb *tierBuilder) addPositional(field int, docID uint32, term string, positions []uint32) {
	id := tb.intern(term)
	pl := tb.fields[field][id]
	if pl == nil {
		pl = &docPostings{}
		tb.fields[field][id] = pl
	}
	pl.docs = append(pl.docs, docID)
	pl.positions = append(pl.positions, positions)
}

func (tb *tierBuilder) addFrequency(field int, docID uint32, term string, tf uint32) {
	id := tb.intern(term)
	pl := tb.fields[field][id]
	if pl == nil {
		pl = &docPostings{}
		tb.fields[field][id] = pl
	}
	pl.docs = append(pl.docs, docID)
	pl.tfs = append(pl.tfs, tf)
}

func NewBuilder(logger *zap.Logger) *Builder {
	return &Builder{
		logger:  logger,
		keyToID: make(map[string]int),
		tiers:   [tierCount]*tierBuilder{newTierBuilder(), newTierBuilder()},
	}
}

// Add consumes one record, assigns the next doc id, and indexes every field
// of both tiers. The record's ID field is ignored on input.
func (b *Builder) Add(rec Record) error {
	if rec.Key == "" {
		return ErrEmptyKey
	}
	if _, ok := b.keyToID[rec.Key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, rec.Key)
	}
	if rec.Year != 0 && (rec.Year < 1000 || rec.Year > 9999) {
		return fmt.Errorf("%w: %d in record %q", ErrYearOutOfRange, rec.Year, rec.Key)
	}

	rec.ID = len(b.docs)
	rec.AuthorsStr = rec.JoinAuthors()
	rec.Authors = nil
	docID := uint32(rec.ID)
	b.keyToID[rec.Key] = rec.ID
	b.docs = append(b.docs, rec)

	core := b.tiers[TierCore]
	b.indexPositional(core, coreFieldTitle, docID, rec.Title)
	b.indexPositional(core, coreFieldAuthors, docID, rec.AuthorsStr)
	b.indexFrequency(core, coreFieldKey, docID, rec.Key)

	ext := b.tiers[TierExt]
	b.indexFrequency(ext, extFieldVenue, docID, rec.Venue)
	if rec.Year != 0 {
		ext.addFrequency(extFieldYear, docID, strconv.Itoa(rec.Year), 1)
	}
	b.indexFrequency(ext, extFieldDOI, docID, rec.DOI)

	return nil
}

func (b *Builder) indexPositional(tb *tierBuilder, field int, docID uint32, text string) {
	tokens, positions := analysis.Tokenize(text)
	if len(tokens) == 0 {
		return
	}
	// Group the strictly increasing positions per distinct token, preserving
	// first-occurrence order so posting appends stay deterministic.
	order := make([]string, 0, len(tokens))
	grouped := make(map[string][]uint32, len(tokens))
	for i, tok := range tokens {
		if _, ok := grouped[tok]; !ok {
			order = append(order, tok)
		}
		grouped[tok] = append(grouped[tok], uint32(positions[i]))
	}
	for _, tok := range order {
		tb.addPositional(field, docID, tok, grouped[tok])
	}
}

func (b *Builder) indexFrequency(tb *tierBuilder, field int, docID uint32, text string) {
	tokens, _ := analysis.Tokenize(text)
	if len(tokens) == 0 {
		return
	}
	order := make([]string, 0, len(tokens))
	counts := make(map[string]uint32, len(tokens))
	for _, tok := range tokens {
		if counts[tok] == 0 {
			order = append(order, tok)
		}
		counts[tok]++
	}
	for _, tok := range order {
		tb.addFrequency(field, docID, tok, counts[tok])
	}
}

// BuiltTier is a finalized tier: sorted packed dictionary, per-field pointer
// tables, and the shared postings blob.
type BuiltTier struct {
	TermBlob    []byte
	TermOffsets []uint32
	Ptrs        [fieldsPerTier]PtrTable
	Postings    []byte
}

// PtrTable is the struct-of-arrays (start, len) byte ranges into the tier's
// postings blob, one entry per term. Len 0 means the term is absent from the
// field.
type PtrTable struct {
	Start []uint32
	Len   []uint32
}

// NumTerms reports the finalized dictionary size.
func (bt *BuiltTier) NumTerms() int {
	return len(bt.TermOffsets) - 1
}

// Built is the complete output of one build pass, ready for packing.
type Built struct {
	Docs    []Record
	KeyToID map[string]int
	Tiers   [tierCount]*BuiltTier
}

// Finalize sorts each tier's dictionary, renumbers term ids so id order
// matches byte order, encodes all posting lists, and returns the packed
// structures.
func (b *Builder) Finalize() (*Built, error) {
	built := &Built{
		Docs:    b.docs,
		KeyToID: b.keyToID,
	}
	for t := range b.tiers {
		bt, err := b.tiers[t].finalize()
		if err != nil {
			return nil, fmt.Errorf("finalize %s tier: %w", Tier(t), err)
		}
		built.Tiers[t] = bt
		if b.logger != nil {
			b.logger.Info("Finalized index tier", zap.String("tier", Tier(t).String()),
				zap.Int("terms", bt.NumTerms()), zap.Int("postings_bytes", len(bt.Postings)))
		}
	}
	return built, nil
}

func (tb *tierBuilder) finalize() (*BuiltTier, error) {
	n := len(tb.terms)
	sorted := make([]string, n)
	copy(sorted, tb.terms)
	sort.Strings(sorted)

	// perm maps provisional term id to final sorted id.
	perm := make([]uint32, n)
	for newID, term := range sorted {
		perm[tb.termIDs[term]] = uint32(newID)
	}

	bt := &BuiltTier{
		TermOffsets: make([]uint32, 1, n+1),
	}
	for _, term := range sorted {
		if term == "" {
			return nil, fmt.Errorf("empty term in dictionary")
		}
		bt.TermBlob = append(bt.TermBlob, term...)
		bt.TermOffsets = append(bt.TermOffsets, uint32(len(bt.TermBlob)))
	}

	for f := range tb.fields {
		bt.Ptrs[f] = PtrTable{
			Start: make([]uint32, n),
			Len:   make([]uint32, n),
		}
	}

	// Reindex posting maps by the permutation, then emit term-major in final
	// id order with the fixed field order inside each term.
	reindexed := [fieldsPerTier]map[uint32]*docPostings{}
	for f := range tb.fields {
		reindexed[f] = make(map[uint32]*docPostings, len(tb.fields[f]))
		for oldID, pl := range tb.fields[f] {
			reindexed[f][perm[oldID]] = pl
		}
	}
	for id := uint32(0); id < uint32(n); id++ {
		for f := range reindexed {
			pl := reindexed[f][id]
			if pl == nil {
				continue
			}
			start := uint32(len(bt.Postings))
			if pl.positions != nil {
				bt.Postings = appendPositional(bt.Postings, pl.docs, pl.positions)
			} else {
				bt.Postings = appendFrequency(bt.Postings, pl.docs, pl.tfs)
			}
			bt.Ptrs[f].Start[id] = start
			bt.Ptrs[f].Len[id] = uint32(len(bt.Postings)) - start
		}
	}
	return bt, nil
}
