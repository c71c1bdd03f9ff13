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
	"fmt"
)

// Posting lists are unsigned little-endian base-128 varints with delta
// encoding. Positional lists interleave (docDelta, nPos, posDelta...);
// frequency-only lists are (docDelta, tf) pairs. Doc ids are strictly
// increasing within a list, positions strictly increasing within a doc, so
// every delta after the first is at least 1.

func appendPositional(dst []byte, docs []uint32, positions [][]uint32) []byte {
	prevDoc := uint32(0)
	for i, doc := range docs {
		dst = binary.AppendUvarint(dst, uint64(doc-prevDoc))
		prevDoc = doc
		pos := positions[i]
		dst = binary.AppendUvarint(dst, uint64(len(pos)))
		prevPos := uint32(0)
		for _, p := range pos {
			dst = binary.AppendUvarint(dst, uint64(p-prevPos))
			prevPos = p
		}
	}
	return dst
}

func appendFrequency(dst []byte, docs []uint32, tfs []uint32) []byte {
	prevDoc := uint32(0)
	for i, doc := range docs {
		dst = binary.AppendUvarint(dst, uint64(doc-prevDoc))
		prevDoc = doc
		dst = binary.AppendUvarint(dst, uint64(tfs[i]))
	}
	return dst
}

// uvarintReader decodes varints from a fixed byte range and tracks exact
// consumption. Any overrun or malformed byte sequence is a fatal decode
// error: it means the artifact is corrupt.
type uvarintReader struct {
	buf []byte
	off int
}

func (r *uvarintReader) next() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: offset %d of %d", ErrMalformedVarint, r.off, len(r.buf))
	}
	r.off += n
	return v, nil
}

func (r *uvarintReader) done() bool {
	return r.off >= len(r.buf)
}

// decodePositional decodes a positional posting list, returning sorted doc
// ids and a parallel slice of strictly increasing position lists. It consumes
// exactly len(buf) bytes or fails.
func decodePositional(buf []byte) ([]uint32, [][]uint32, error) {
	r := &uvarintReader{buf: buf}
	var docs []uint32
	var positions [][]uint32
	prevDoc := uint64(0)
	first := true
	for !r.done() {
		delta, err := r.next()
		if err != nil {
			return nil, nil, err
		}
		if !first && delta == 0 {
			return nil, nil, fmt.Errorf("%w: doc delta 0 after doc %d", ErrPostingOrder, prevDoc)
		}
		doc := prevDoc + delta
		if doc > maxDocID {
			return nil, nil, fmt.Errorf("%w: doc id %d", ErrPostingOrder, doc)
		}
		prevDoc = doc
		first = false

		nPos, err := r.next()
		if err != nil {
			return nil, nil, err
		}
		if nPos == 0 || nPos > uint64(len(buf)) {
			return nil, nil, fmt.Errorf("%w: position count %d", ErrPostingOrder, nPos)
		}
		pos := make([]uint32, 0, nPos)
		prevPos := uint64(0)
		for j := uint64(0); j < nPos; j++ {
			pDelta, err := r.next()
			if err != nil {
				return nil, nil, err
			}
			if j > 0 && pDelta == 0 {
				return nil, nil, fmt.Errorf("%w: position delta 0 in doc %d", ErrPostingOrder, doc)
			}
			p := prevPos + pDelta
			if p > maxDocID {
				return nil, nil, fmt.Errorf("%w: position %d", ErrPostingOrder, p)
			}
			prevPos = p
			pos = append(pos, uint32(p))
		}
		docs = append(docs, uint32(doc))
		positions = append(positions, pos)
	}
	return docs, positions, nil
}

// decodeFrequency decodes a frequency-only posting list into sorted doc ids
// and parallel term frequencies.
func decodeFrequency(buf []byte) ([]uint32, []uint32, error) {
	r := &uvarintReader{buf: buf}
	var docs []uint32
	var tfs []uint32
	prevDoc := uint64(0)
	first := true
	for !r.done() {
		delta, err := r.next()
		if err != nil {
			return nil, nil, err
		}
		if !first && delta == 0 {
			return nil, nil, fmt.Errorf("%w: doc delta 0 after doc %d", ErrPostingOrder, prevDoc)
		}
		doc := prevDoc + delta
		if doc > maxDocID {
			return nil, nil, fmt.Errorf("%w: doc id %d", ErrPostingOrder, doc)
		}
		prevDoc = doc
		first = false

		tf, err := r.next()
		if err != nil {
			return nil, nil, err
		}
		if tf == 0 {
			return nil, nil, fmt.Errorf("%w: zero term frequency in doc %d", ErrPostingOrder, doc)
		}
		docs = append(docs, uint32(doc))
		tfs = append(tfs, uint32(tf))
	}
	return docs, tfs, nil
}

// decodeDocs decodes only the doc ids of a posting list, skipping position
// or frequency payloads.
func decodeDocs(buf []byte, positional bool) ([]uint32, error) {
	if positional {
		docs, _, err := decodePositional(buf)
		return docs, err
	}
	docs, _, err := decodeFrequency(buf)
	return docs, err
}

// maxDocID bounds decoded ids and positions; anything larger is corruption.
const maxDocID = 1<<32 - 1
