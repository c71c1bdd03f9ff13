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
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/refsearch/refsearch/internal/index"
)

var (
	// ErrNotReady is returned for operations requested before the core tier
	// finished loading. Not fatal: the caller may retry.
	ErrNotReady = errors.New("search engine is not ready")
	// ErrEngineFailed is returned once the engine has observed a fatal
	// artifact error; every subsequent operation fails fast.
	ErrEngineFailed = errors.New("search engine failed on corrupt or missing artifacts")
)

// SearchEngine is the query surface exposed to the API layer.
type SearchEngine interface {
	// Search executes a free-text query. The context bounds only the wait
	// for engine readiness; execution itself is synchronous.
	Search(ctx context.Context, query string, opts index.SearchOptions) ([]index.Result, error)
	// GetEntry resolves a single record by doc id or source key.
	GetEntry(ctx context.Context, idOrKey string) (*index.Result, error)
	// Healthy reports nil once the engine is ready and not failed.
	Healthy() error
	Stop()
}

// Engine lifecycle states.
const (
	engineLoadingCore int32 = iota
	engineReady
	engineFailed
)

// LocalSearchEngine drives the index core through its lifecycle: the core
// tier loads in the background at startup, the extended tier loads once on
// first demand, and any artifact corruption latches the engine into a
// terminal failed state.
type LocalSearchEngine struct {
	logger  *zap.Logger
	config  Config
	metrics *Metrics

	state   *atomic.Int32
	readyCh chan struct{}
	loadErr error

	index *index.Index

	// extMu serializes the one-shot extended tier load so concurrent
	// queries that need it coalesce into a single acquisition.
	extMu sync.Mutex
}

func NewLocalSearchEngine(logger, startupLogger *zap.Logger, config Config, metrics *Metrics) *LocalSearchEngine {
	e := &LocalSearchEngine{
		logger:  logger,
		config:  config,
		metrics: metrics,
		state:   atomic.NewInt32(engineLoadingCore),
		readyCh: make(chan struct{}),
	}

	go func() {
		start := time.Now()
		ix, err := index.Load(config.GetIndexDir())
		if err != nil {
			e.loadErr = err
			e.state.Store(engineFailed)
			close(e.readyCh)
			metrics.TierLoaded("core", time.Since(start), true)
			logger.Error("Failed loading core index artifacts", zap.String("dir", config.GetIndexDir()), zap.Error(err))
			return
		}
		e.index = ix
		e.state.Store(engineReady)
		close(e.readyCh)
		metrics.TierLoaded("core", time.Since(start), false)
		startupLogger.Info("Core index tier loaded",
			zap.String("dir", config.GetIndexDir()),
			zap.String("version", ix.Version()),
			zap.Int("docs", ix.NumDocs()),
			zap.Duration("elapsed", time.Since(start)))

		if config.GetSearch().PreloadExt {
			e.loadExtended()
		}
	}()

	return e
}

// awaitReady blocks until the core tier is resident or the context expires.
func (e *LocalSearchEngine) awaitReady(ctx context.Context) error {
	select {
	case <-e.readyCh:
	case <-ctx.Done():
		return ErrNotReady
	}
	if e.state.Load() == engineFailed {
		return ErrEngineFailed
	}
	return nil
}

func (e *LocalSearchEngine) Search(ctx context.Context, query string, opts index.SearchOptions) ([]index.Result, error) {
	if err := e.awaitReady(ctx); err != nil {
		return nil, err
	}
	if opts.Limit == 0 {
		opts.Limit = e.config.GetSearch().DefaultLimit
	}

	q := index.ParseQuery(query)
	if opts.UseExtended || q.NeedsExtended() {
		// Lazy one-shot load. Failure is non-fatal: the query proceeds on
		// the core tier and the next extended query retries the load.
		if !e.index.ExtendedLoaded() {
			e.loadExtended()
		}
	}

	start := time.Now()
	results, err := e.index.Search(q, opts)
	elapsed := time.Since(start)
	e.metrics.Search(elapsed, len(results), err != nil)
	if err != nil {
		// Decode errors mean the artifacts are corrupt; refuse further work.
		e.state.Store(engineFailed)
		e.logger.Error("Query failed on corrupt index, refusing further queries", zap.String("query", query), zap.Error(err))
		return nil, ErrEngineFailed
	}
	e.logger.Debug("Query executed", zap.String("query", query), zap.Int("results", len(results)), zap.Duration("elapsed", elapsed))
	return results, nil
}

func (e *LocalSearchEngine) loadExtended() {
	e.extMu.Lock()
	defer e.extMu.Unlock()
	if e.index.ExtendedLoaded() {
		return
	}
	start := time.Now()
	if err := e.index.LoadExtended(); err != nil {
		e.metrics.TierLoaded("ext", time.Since(start), true)
		e.logger.Warn("Failed loading extended index tier, continuing with core tier", zap.Error(err))
		return
	}
	e.metrics.TierLoaded("ext", time.Since(start), false)
	e.logger.Info("Extended index tier loaded", zap.Duration("elapsed", time.Since(start)))
}

func (e *LocalSearchEngine) GetEntry(ctx context.Context, idOrKey string) (*index.Result, error) {
	if err := e.awaitReady(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	rec, err := e.index.Entry(idOrKey)
	e.metrics.Entry(time.Since(start), err != nil && !errors.Is(err, index.ErrDocNotFound))
	if err != nil {
		return nil, err
	}
	return &index.Result{Record: rec}, nil
}

func (e *LocalSearchEngine) Healthy() error {
	switch e.state.Load() {
	case engineReady:
		return nil
	case engineFailed:
		return ErrEngineFailed
	default:
		return ErrNotReady
	}
}

func (e *LocalSearchEngine) Stop() {
	e.logger.Info("Search engine stopped")
}

// LoadError surfaces the original load failure in diagnostics.
func (e *LocalSearchEngine) LoadError() error {
	if e.state.Load() == engineFailed {
		return e.loadErr
	}
	return nil
}
