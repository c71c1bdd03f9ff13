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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestArtifacts(t *testing.T) string {
	t.Helper()
	b := NewBuilder(nil)
	for _, rec := range testCorpus {
		require.NoError(t, b.Add(rec))
	}
	built, err := b.Finalize()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, WriteArtifacts(nil, built, dir, "v-test"))
	return dir
}

func TestLoadValidArtifacts(t *testing.T) {
	dir := writeTestArtifacts(t)
	ix, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, len(testCorpus), ix.NumDocs())
	assert.Equal(t, "v-test", ix.Version())
	assert.False(t, ix.ExtendedLoaded())
	require.NoError(t, ix.LoadExtended())
	assert.True(t, ix.ExtendedLoaded())
}

func TestLoadMissingArtifact(t *testing.T) {
	dir := writeTestArtifacts(t)
	require.NoError(t, os.Remove(filepath.Join(dir, fileDictCore)))
	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadRejectsDictHeaderMismatch(t *testing.T) {
	dir := writeTestArtifacts(t)
	path := filepath.Join(dir, fileDictCore)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Inflate the declared term count beyond the file contents.
	binary.LittleEndian.PutUint32(data, binary.LittleEndian.Uint32(data)+1)
	require.NoError(t, os.WriteFile(path, data, 0644))
	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dictionary")
}

func TestLoadRejectsTruncatedPostings(t *testing.T) {
	dir := writeTestArtifacts(t)
	path := filepath.Join(dir, filePostingsCore)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0644))
	_, err = Load(dir)
	require.Error(t, err)
}

func TestLoadRejectsPtrsLengthMismatch(t *testing.T) {
	dir := writeTestArtifacts(t)
	path := filepath.Join(dir, filePtrsCore)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, 0, 0, 0, 0), 0644))
	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pointer table")
}

func TestLoadRejectsUnsortedDictionary(t *testing.T) {
	dir := writeTestArtifacts(t)
	path := filepath.Join(dir, fileDictCore)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Swap the first two bytes of the term blob, breaking sort order.
	numTerms := binary.LittleEndian.Uint32(data)
	blobStart := 8 + 4*(int(numTerms)+1)
	data[blobStart], data[blobStart+1] = data[blobStart+1], data[blobStart]
	require.NoError(t, os.WriteFile(path, data, 0644))
	_, err = Load(dir)
	require.Error(t, err)
}

func TestLoadRejectsBrokenIDMap(t *testing.T) {
	dir := writeTestArtifacts(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileIDMap), []byte(`{"K1":0,"K2":0,"K3":2,"K4":3}`), 0644))
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id map")
}

func TestLoadExtendedFailureIsRetryable(t *testing.T) {
	dir := writeTestArtifacts(t)
	extPath := filepath.Join(dir, fileDictExt)
	hidden := extPath + ".hidden"
	require.NoError(t, os.Rename(extPath, hidden))

	ix, err := Load(dir)
	require.NoError(t, err)
	require.Error(t, ix.LoadExtended())
	assert.False(t, ix.ExtendedLoaded())

	// Core queries keep working after a failed extended load.
	keys := searchKeys(t, ix, "rogaway", SearchOptions{Limit: DefaultLimit})
	assert.Equal(t, []string{"K1", "K3", "K2"}, keys)

	require.NoError(t, os.Rename(hidden, extPath))
	require.NoError(t, ix.LoadExtended())
	assert.True(t, ix.ExtendedLoaded())
}

func TestBuilderRejectsBadRecords(t *testing.T) {
	b := NewBuilder(nil)
	require.ErrorIs(t, b.Add(Record{Title: "No Key"}), ErrEmptyKey)
	require.NoError(t, b.Add(Record{Key: "K1", Title: "First"}))
	require.ErrorIs(t, b.Add(Record{Key: "K1", Title: "Again"}), ErrDuplicateKey)
	require.ErrorIs(t, b.Add(Record{Key: "K5", Title: "Bad Year", Year: 99}), ErrYearOutOfRange)
}

func TestDictionaryLowerBoundRoundTrip(t *testing.T) {
	dir := writeTestArtifacts(t)
	ix, err := Load(dir)
	require.NoError(t, err)
	td := ix.core
	for i := uint32(0); i < uint32(td.numTerms); i++ {
		term := td.term(i)
		lo, hi := td.resolve(term, false)
		require.Equal(t, i, lo, "term %q", term)
		require.Equal(t, i+1, hi, "term %q", term)
	}
}
