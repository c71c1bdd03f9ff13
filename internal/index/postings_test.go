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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionalRoundTrip(t *testing.T) {
	docs := []uint32{0, 3, 4, 1000, 70000}
	positions := [][]uint32{
		{0, 1, 2},
		{5},
		{0, 128, 129},
		{7, 300},
		{2},
	}
	encoded := appendPositional(nil, docs, positions)
	gotDocs, gotPositions, err := decodePositional(encoded)
	require.NoError(t, err)
	require.Equal(t, docs, gotDocs)
	require.Equal(t, positions, gotPositions)

	// Re-encoding a decoded list reproduces the original bytes.
	assert.Equal(t, encoded, appendPositional(nil, gotDocs, gotPositions))
}

func TestFrequencyRoundTrip(t *testing.T) {
	docs := []uint32{2, 9, 10, 500000}
	tfs := []uint32{1, 4, 1, 2}
	encoded := appendFrequency(nil, docs, tfs)
	gotDocs, gotTfs, err := decodeFrequency(encoded)
	require.NoError(t, err)
	require.Equal(t, docs, gotDocs)
	require.Equal(t, tfs, gotTfs)
	assert.Equal(t, encoded, appendFrequency(nil, gotDocs, gotTfs))
}

func TestDecodeEmpty(t *testing.T) {
	docs, positions, err := decodePositional(nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Empty(t, positions)
}

func TestDecodeRejectsTruncatedVarint(t *testing.T) {
	encoded := appendFrequency(nil, []uint32{300}, []uint32{1})
	_, _, err := decodeFrequency(encoded[:1])
	require.ErrorIs(t, err, ErrMalformedVarint)
}

func TestDecodeRejectsZeroDocDelta(t *testing.T) {
	// doc 5 twice: second delta is 0, which breaks strict ordering.
	buf := appendFrequency(nil, []uint32{5}, []uint32{1})
	buf = append(buf, 0, 1)
	_, _, err := decodeFrequency(buf)
	require.ErrorIs(t, err, ErrPostingOrder)
}

func TestDecodeRejectsZeroPositionDelta(t *testing.T) {
	// doc 0 with nPos=2 and both position deltas decoding to position 3.
	buf := []byte{0, 2, 3, 0}
	_, _, err := decodePositional(buf)
	require.ErrorIs(t, err, ErrPostingOrder)
}

func TestDecodeRejectsZeroTermFrequency(t *testing.T) {
	buf := []byte{4, 0}
	_, _, err := decodeFrequency(buf)
	require.ErrorIs(t, err, ErrPostingOrder)
}

func TestDecodeRejectsOversizedPositionCount(t *testing.T) {
	// nPos claims more positions than the buffer could possibly hold.
	buf := []byte{0, 100}
	_, _, err := decodePositional(buf)
	require.ErrorIs(t, err, ErrPostingOrder)
}
