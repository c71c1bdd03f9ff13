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
	"time"

	"go.uber.org/zap"
)

// Artifact filenames are a fixed contract with the loader.
const (
	fileDictCore     = "index.core.dict.bin"
	fileDictExt      = "index.ext.dict.bin"
	filePtrsCore     = "index.core.ptrs.bin"
	filePtrsExt      = "index.ext.ptrs.bin"
	filePostingsCore = "index.core.postings.bin"
	filePostingsExt  = "index.ext.postings.bin"
	fileMetaCore     = "index.core.meta.json"
	fileMetaExt      = "index.ext.meta.json"
	fileDocIndex     = "doc.index.bin"
	fileDocBlob      = "doc.blob.bin"
	fileIDMap        = "idmap.json"

	// FormatVersion is bumped whenever the binary layout changes.
	FormatVersion = "refsearch-index-1"
)

func tierFiles(t Tier) (dict, ptrs, postings, meta string) {
	if t == TierCore {
		return fileDictCore, filePtrsCore, filePostingsCore, fileMetaCore
	}
	return fileDictExt, filePtrsExt, filePostingsExt, fileMetaExt
}

// Meta is the per-tier sidecar. Version is an opaque identifier recorded by
// the loader and echoed in diagnostics; the integer fields are integrity
// checks against the binary headers.
type Meta struct {
	Version       string `json:"version"`
	NumDocs       int    `json:"num_docs,omitempty"`
	NumTerms      int    `json:"num_terms"`
	PostingsBytes int    `json:"postings_bytes"`
	BuiltAt       string `json:"built_at,omitempty"`
}

// WriteArtifacts emits all artifact files for a finalized build into dir.
// Emission is atomic with respect to the target names: everything is staged
// into a temporary directory next to dir and renamed into place only after
// every file has been written.
func WriteArtifacts(logger *zap.Logger, built *Built, dir, version string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	stage, err := os.MkdirTemp(filepath.Dir(filepath.Clean(dir)), ".refsearch-stage-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stage)

	builtAt := time.Now().UTC().Format(time.RFC3339)
	files := make([]string, 0, 11)
	write := func(name string, data []byte) error {
		if err := os.WriteFile(filepath.Join(stage, name), data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		files = append(files, name)
		return nil
	}

	for t := Tier(0); t < tierCount; t++ {
		bt := built.Tiers[t]
		dictName, ptrsName, postingsName, metaName := tierFiles(t)
		if err := write(dictName, packDict(bt)); err != nil {
			return err
		}
		if err := write(ptrsName, packPtrs(bt)); err != nil {
			return err
		}
		if err := write(postingsName, bt.Postings); err != nil {
			return err
		}
		meta := Meta{
			Version:       version,
			NumTerms:      bt.NumTerms(),
			PostingsBytes: len(bt.Postings),
			BuiltAt:       builtAt,
		}
		if t == TierCore {
			meta.NumDocs = len(built.Docs)
		}
		metaData, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", metaName, err)
		}
		if err := write(metaName, metaData); err != nil {
			return err
		}
	}

	docIndex, docBlob, err := packDocstore(built.Docs)
	if err != nil {
		return err
	}
	if err := write(fileDocIndex, docIndex); err != nil {
		return err
	}
	if err := write(fileDocBlob, docBlob); err != nil {
		return err
	}
	idmap, err := json.Marshal(built.KeyToID)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", fileIDMap, err)
	}
	if err := write(fileIDMap, idmap); err != nil {
		return err
	}

	for _, name := range files {
		if err := os.Rename(filepath.Join(stage, name), filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	if logger != nil {
		logger.Info("Index artifacts written", zap.String("dir", dir),
			zap.String("version", version), zap.Int("docs", len(built.Docs)))
	}
	return nil
}

// packDict lays out a tier dictionary:
// u32 numTerms, u32 termBytesLen, u32[numTerms+1] offsets, u8[] blob.
func packDict(bt *BuiltTier) []byte {
	n := bt.NumTerms()
	out := make([]byte, 0, 8+4*(n+1)+len(bt.TermBlob))
	out = appendUint32(out, uint32(n))
	out = appendUint32(out, uint32(len(bt.TermBlob)))
	for _, off := range bt.TermOffsets {
		out = appendUint32(out, off)
	}
	return append(out, bt.TermBlob...)
}

// packPtrs lays out the pointer tables with the fixed field order:
// u32[N] start then u32[N] len for each field in turn.
func packPtrs(bt *BuiltTier) []byte {
	n := bt.NumTerms()
	out := make([]byte, 0, fieldsPerTier*2*4*n)
	for f := 0; f < fieldsPerTier; f++ {
		for _, v := range bt.Ptrs[f].Start {
			out = appendUint32(out, v)
		}
		for _, v := range bt.Ptrs[f].Len {
			out = appendUint32(out, v)
		}
	}
	return out
}

// packDocstore produces the u32[numDocs+1] offset array and the record blob.
// Records are line-delimited JSON, which keeps the blob self-delimiting and
// deterministic for a fixed struct layout.
func packDocstore(docs []Record) ([]byte, []byte, error) {
	index := make([]byte, 0, 4*(len(docs)+1))
	var blob []byte
	index = appendUint32(index, 0)
	for i := range docs {
		line, err := json.Marshal(&docs[i])
		if err != nil {
			return nil, nil, fmt.Errorf("marshal docstore record %d: %w", i, err)
		}
		blob = append(blob, line...)
		blob = append(blob, '\n')
		index = appendUint32(index, uint32(len(blob)))
	}
	return index, blob, nil
}

func appendUint32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}
