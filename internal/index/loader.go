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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"go.uber.org/atomic"
)

// tierData is one loaded tier. All slices alias or copy the raw artifact
// bytes once at load time and are read-only thereafter; they may be shared
// across concurrent searches without synchronization.
type tierData struct {
	tier        Tier
	meta        Meta
	numTerms    int
	termOffsets []uint32
	termBlob    []byte
	ptrs        [fieldsPerTier]PtrTable
	postings    []byte

	// prefixes maps the first min(prefixMapWidth, |term|) characters of each
	// term to the [lo, hi) term id range sharing that prefix. Built at load
	// time, never persisted.
	prefixes map[string][2]uint32
}

func (td *tierData) term(id uint32) string {
	return string(td.termBlob[td.termOffsets[id]:td.termOffsets[id+1]])
}

// lowerBound returns the smallest term id whose term is >= token, searching
// only [lo, hi).
func (td *tierData) lowerBound(token string, lo, hi uint32) uint32 {
	return lo + uint32(sort.Search(int(hi-lo), func(i int) bool {
		return td.term(lo+uint32(i)) >= token
	}))
}

// Index is the loaded, immutable artifact set the query engine executes
// against. The extended tier pointer is nil until LoadExtended succeeds and
// never reverts.
type Index struct {
	root    string
	core    *tierData
	ext     atomic.Pointer[tierData]
	docOffs []uint32
	docBlob []byte
	keyToID map[string]int
}

// Load acquires and validates the core tier, docstore and id map from the
// artifact root. Any inconsistency is a fatal load error.
func Load(root string) (*Index, error) {
	core, err := loadTier(root, TierCore)
	if err != nil {
		return nil, err
	}
	docOffs, docBlob, err := loadDocstore(root, core.meta.NumDocs)
	if err != nil {
		return nil, err
	}
	keyToID, err := loadIDMap(root, core.meta.NumDocs)
	if err != nil {
		return nil, err
	}
	return &Index{
		root:    root,
		core:    core,
		docOffs: docOffs,
		docBlob: docBlob,
		keyToID: keyToID,
	}, nil
}

// ExtendedLoaded reports whether the extended tier is resident.
func (ix *Index) ExtendedLoaded() bool {
	return ix.ext.Load() != nil
}

// LoadExtended acquires the extended tier. It is idempotent: once loaded the
// tier stays loaded for the index lifetime. Failure leaves the core tier
// fully usable and may be retried.
func (ix *Index) LoadExtended() error {
	if ix.ext.Load() != nil {
		return nil
	}
	ext, err := loadTier(ix.root, TierExt)
	if err != nil {
		return err
	}
	ix.ext.CompareAndSwap(nil, ext)
	return nil
}

// NumDocs reports the corpus size declared by the core tier.
func (ix *Index) NumDocs() int {
	return ix.core.meta.NumDocs
}

// Version reports the build version recorded in the core tier meta.
func (ix *Index) Version() string {
	return ix.core.meta.Version
}

// Doc decodes the docstore record for id.
func (ix *Index) Doc(id int) (Record, error) {
	if id < 0 || id >= len(ix.docOffs)-1 {
		return Record{}, fmt.Errorf("%w: id %d", ErrDocNotFound, id)
	}
	var rec Record
	line := ix.docBlob[ix.docOffs[id]:ix.docOffs[id+1]]
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, fmt.Errorf("corrupt docstore record %d: %w", id, err)
	}
	return rec, nil
}

// DocByKey resolves a record by its opaque source key.
func (ix *Index) DocByKey(key string) (Record, error) {
	id, ok := ix.keyToID[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: key %q", ErrDocNotFound, key)
	}
	return ix.Doc(id)
}

// Entry resolves a record by doc id when idOrKey is numeric, falling back to
// key lookup. Keys that look numeric are not a concern: the id space is
// dense and source keys in this corpus are never bare integers.
func (ix *Index) Entry(idOrKey string) (Record, error) {
	if id, err := strconv.Atoi(idOrKey); err == nil {
		return ix.Doc(id)
	}
	return ix.DocByKey(idOrKey)
}

func loadTier(root string, t Tier) (*tierData, error) {
	dictName, ptrsName, postingsName, metaName := tierFiles(t)

	metaData, err := os.ReadFile(filepath.Join(root, metaName))
	if err != nil {
		return nil, fmt.Errorf("load %s tier: %w", t, err)
	}
	var meta Meta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, fmt.Errorf("load %s tier: malformed %s: %w", t, metaName, err)
	}

	dict, err := os.ReadFile(filepath.Join(root, dictName))
	if err != nil {
		return nil, fmt.Errorf("load %s tier (version %q): %w", t, meta.Version, err)
	}
	td := &tierData{tier: t, meta: meta}
	if err := td.parseDict(dict); err != nil {
		return nil, fmt.Errorf("load %s tier (version %q): %s: %w", t, meta.Version, dictName, err)
	}
	if meta.NumTerms != td.numTerms {
		return nil, fmt.Errorf("load %s tier (version %q): meta declares %d terms, dictionary has %d",
			t, meta.Version, meta.NumTerms, td.numTerms)
	}

	ptrs, err := os.ReadFile(filepath.Join(root, ptrsName))
	if err != nil {
		return nil, fmt.Errorf("load %s tier (version %q): %w", t, meta.Version, err)
	}
	if err := td.parsePtrs(ptrs); err != nil {
		return nil, fmt.Errorf("load %s tier (version %q): %s: %w", t, meta.Version, ptrsName, err)
	}

	td.postings, err = os.ReadFile(filepath.Join(root, postingsName))
	if err != nil {
		return nil, fmt.Errorf("load %s tier (version %q): %w", t, meta.Version, err)
	}
	if meta.PostingsBytes != len(td.postings) {
		return nil, fmt.Errorf("load %s tier (version %q): meta declares %d postings bytes, file has %d",
			t, meta.Version, meta.PostingsBytes, len(td.postings))
	}
	for f := 0; f < fieldsPerTier; f++ {
		for i := 0; i < td.numTerms; i++ {
			end := uint64(td.ptrs[f].Start[i]) + uint64(td.ptrs[f].Len[i])
			if end > uint64(len(td.postings)) {
				return nil, fmt.Errorf("load %s tier (version %q): term %d field %s posting range [%d,%d) outside blob of %d bytes",
					t, meta.Version, i, fieldNames[t][f], td.ptrs[f].Start[i], end, len(td.postings))
			}
		}
	}

	td.buildPrefixMap()
	return td, nil
}

// parseDict validates and unpacks the dict.bin layout.
func (td *tierData) parseDict(buf []byte) error {
	if len(buf) < 8 {
		return fmt.Errorf("dictionary header truncated: %d bytes", len(buf))
	}
	numTerms := binary.LittleEndian.Uint32(buf)
	termBytesLen := binary.LittleEndian.Uint32(buf[4:])
	want := 8 + 4*(uint64(numTerms)+1) + uint64(termBytesLen)
	if uint64(len(buf)) != want {
		return fmt.Errorf("dictionary length %d does not match header (want %d)", len(buf), want)
	}
	offsets := make([]uint32, numTerms+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(buf[8+4*i:])
	}
	if offsets[0] != 0 || offsets[numTerms] != termBytesLen {
		return fmt.Errorf("dictionary offsets do not span the term blob")
	}
	for i := uint32(0); i < numTerms; i++ {
		if offsets[i] >= offsets[i+1] {
			return fmt.Errorf("dictionary offsets not strictly increasing at term %d", i)
		}
	}
	td.numTerms = int(numTerms)
	td.termOffsets = offsets
	td.termBlob = buf[8+4*(int(numTerms)+1):]

	// Terms must be strictly increasing under byte order for binary search
	// and prefix ranges to be sound.
	for i := uint32(1); i < numTerms; i++ {
		if td.term(i-1) >= td.term(i) {
			return fmt.Errorf("dictionary terms not strictly sorted at term %d", i)
		}
	}
	return nil
}

// parsePtrs unpacks the struct-of-arrays pointer tables.
func (td *tierData) parsePtrs(buf []byte) error {
	n := td.numTerms
	want := fieldsPerTier * 2 * 4 * n
	if len(buf) != want {
		return fmt.Errorf("pointer table length %d does not match %d terms (want %d)", len(buf), n, want)
	}
	off := 0
	readArray := func() []uint32 {
		arr := make([]uint32, n)
		for i := 0; i < n; i++ {
			arr[i] = binary.LittleEndian.Uint32(buf[off:])
			off += 4
		}
		return arr
	}
	for f := 0; f < fieldsPerTier; f++ {
		td.ptrs[f].Start = readArray()
		td.ptrs[f].Len = readArray()
	}
	return nil
}

func (td *tierData) buildPrefixMap() {
	td.prefixes = make(map[string][2]uint32, td.numTerms)
	for i := 0; i < td.numTerms; i++ {
		term := td.term(uint32(i))
		p := term
		if len(p) > prefixMapWidth {
			p = p[:prefixMapWidth]
		}
		r, ok := td.prefixes[p]
		if !ok {
			td.prefixes[p] = [2]uint32{uint32(i), uint32(i + 1)}
			continue
		}
		r[1] = uint32(i + 1)
		td.prefixes[p] = r
	}
}

// prefixRange bounds the term id range whose terms could start with token,
// using the coarse prefix map. The returned range still requires binary
// search refinement for tokens longer than the map width.
func (td *tierData) prefixRange(token string) (uint32, uint32, bool) {
	p := token
	if len(p) > prefixMapWidth {
		p = p[:prefixMapWidth]
	}
	r, ok := td.prefixes[p]
	if !ok {
		return 0, 0, false
	}
	return r[0], r[1], true
}

func loadDocstore(root string, numDocs int) ([]uint32, []byte, error) {
	indexData, err := os.ReadFile(filepath.Join(root, fileDocIndex))
	if err != nil {
		return nil, nil, fmt.Errorf("load docstore: %w", err)
	}
	if len(indexData) != 4*(numDocs+1) {
		return nil, nil, fmt.Errorf("load docstore: %s has %d bytes, want %d for %d docs",
			fileDocIndex, len(indexData), 4*(numDocs+1), numDocs)
	}
	offsets := make([]uint32, numDocs+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(indexData[4*i:])
	}
	blob, err := os.ReadFile(filepath.Join(root, fileDocBlob))
	if err != nil {
		return nil, nil, fmt.Errorf("load docstore: %w", err)
	}
	if offsets[0] != 0 || offsets[numDocs] != uint32(len(blob)) {
		return nil, nil, fmt.Errorf("load docstore: offsets do not span the blob")
	}
	for i := 0; i < numDocs; i++ {
		if offsets[i] > offsets[i+1] {
			return nil, nil, fmt.Errorf("load docstore: offsets decrease at doc %d", i)
		}
	}
	return offsets, blob, nil
}

func loadIDMap(root string, numDocs int) (map[string]int, error) {
	data, err := os.ReadFile(filepath.Join(root, fileIDMap))
	if err != nil {
		return nil, fmt.Errorf("load id map: %w", err)
	}
	keyToID := make(map[string]int, numDocs)
	if err := json.Unmarshal(data, &keyToID); err != nil {
		return nil, fmt.Errorf("load id map: malformed %s: %w", fileIDMap, err)
	}
	if len(keyToID) != numDocs {
		return nil, fmt.Errorf("load id map: %d keys for %d docs", len(keyToID), numDocs)
	}
	seen := make([]bool, numDocs)
	for key, id := range keyToID {
		if id < 0 || id >= numDocs || seen[id] {
			return nil, fmt.Errorf("load id map: key %q maps to invalid or duplicate id %d", key, id)
		}
		seen[id] = true
	}
	return keyToID, nil
}
