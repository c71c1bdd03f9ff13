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

package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/refsearch/refsearch/internal/index"
)

var testRecords = []index.Record{
	{Key: "K1", Title: "Authenticated Encryption", AuthorsStr: "Rogaway, P", Venue: "CCS", Year: 2002},
	{Key: "K2", Title: "Zero Knowledge Proofs", AuthorsStr: "Bellare, M; Rogaway, P", Venue: "CRYPTO", Year: 1993},
	{Key: "K3", Title: "Authenticated Encryption with Associated Data", AuthorsStr: "Rogaway, P", Venue: "CCS", Year: 2002},
	{Key: "K4", Title: "Lattice Signatures", AuthorsStr: "Lyubashevsky, V", Venue: "EUROCRYPT", Year: 2012},
}

func testConfig(indexDir string) *config {
	return &config{
		Name:     "refsearch-test",
		Datadir:  indexDir,
		IndexDir: indexDir,
		Port:     7450,
		Logger:   NewLoggerConfig(),
		Metrics:  NewMetricsConfig(),
		Search:   NewSearchConfig(),
	}
}

func buildTestArtifacts(t *testing.T) string {
	t.Helper()
	b := index.NewBuilder(nil)
	for _, rec := range testRecords {
		require.NoError(t, b.Add(rec))
	}
	built, err := b.Finalize()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, index.WriteArtifacts(nil, built, dir, "engine-test"))
	return dir
}

func newTestEngine(t *testing.T, indexDir string) *LocalSearchEngine {
	t.Helper()
	logger := zap.NewNop()
	cfg := testConfig(indexDir)
	metrics := NewMetrics(logger, logger, cfg)
	t.Cleanup(func() { metrics.Stop(logger) })
	engine := NewLocalSearchEngine(logger, logger, cfg, metrics)
	t.Cleanup(engine.Stop)
	return engine
}

func TestEngineBecomesReady(t *testing.T) {
	engine := newTestEngine(t, buildTestArtifacts(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := engine.Search(ctx, "rogaway", index.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "K1", results[0].Key)
	assert.NoError(t, engine.Healthy())
}

func TestEngineLazyExtendedLoad(t *testing.T) {
	engine := newTestEngine(t, buildTestArtifacts(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Core-only query does not pull in the extended tier.
	_, err := engine.Search(ctx, "rogaway", index.SearchOptions{})
	require.NoError(t, err)

	// The year token triggers the classifier and the one-shot load.
	results, err := engine.Search(ctx, "rogaway 1993", index.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "K2", results[0].Key)
}

func TestEngineExplicitExtendedOption(t *testing.T) {
	engine := newTestEngine(t, buildTestArtifacts(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := engine.Search(ctx, "crypto", index.SearchOptions{UseExtended: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "K2", results[0].Key)
}

func TestEngineFailsFastOnMissingArtifacts(t *testing.T) {
	engine := newTestEngine(t, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := engine.Search(ctx, "rogaway", index.SearchOptions{})
	require.ErrorIs(t, err, ErrEngineFailed)
	assert.ErrorIs(t, engine.Healthy(), ErrEngineFailed)
	assert.Error(t, engine.LoadError())
}

func TestEngineGetEntry(t *testing.T) {
	engine := newTestEngine(t, buildTestArtifacts(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	byKey, err := engine.GetEntry(ctx, "K4")
	require.NoError(t, err)
	assert.Equal(t, "Lattice Signatures", byKey.Title)

	byID, err := engine.GetEntry(ctx, "0")
	require.NoError(t, err)
	assert.Equal(t, "K1", byID.Key)

	_, err = engine.GetEntry(ctx, "missing")
	assert.ErrorIs(t, err, index.ErrDocNotFound)
}

func TestEngineDefaultLimitApplied(t *testing.T) {
	engine := newTestEngine(t, buildTestArtifacts(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := engine.Search(ctx, "rogaway", index.SearchOptions{})
	require.NoError(t, err)
	// Default limit is far above the corpus size; all matches return.
	assert.Len(t, results, 3)
}
