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
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Metrics aggregates query and tier-load statistics and optionally exposes
// them through a Prometheus scrape endpoint.
type Metrics struct {
	logger *zap.Logger
	config Config

	cancelFn context.CancelFunc

	SnapshotLatencyMs *atomic.Float64
	SnapshotRateSec   *atomic.Float64

	currentReqCount *atomic.Int64
	currentMsTotal  *atomic.Int64

	prometheusScope      tally.Scope
	prometheusCloser     io.Closer
	prometheusHTTPServer *http.Server
}

func NewMetrics(logger, startupLogger *zap.Logger, config Config) *Metrics {
	ctx, cancelFn := context.WithCancel(context.Background())

	m := &Metrics{
		logger: logger,
		config: config,

		cancelFn: cancelFn,

		SnapshotLatencyMs: atomic.NewFloat64(0),
		SnapshotRateSec:   atomic.NewFloat64(0),

		currentMsTotal:  atomic.NewInt64(0),
		currentReqCount: atomic.NewInt64(0),
	}

	go func() {
		const snapshotFrequencySec = 5
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(snapshotFrequencySec * time.Second):
				reqCount := float64(m.currentReqCount.Swap(0))
				totalMs := float64(m.currentMsTotal.Swap(0))

				if reqCount > 0 {
					m.SnapshotLatencyMs.Store(totalMs / reqCount)
				} else {
					m.SnapshotLatencyMs.Store(0)
				}
				m.SnapshotRateSec.Store(reqCount / snapshotFrequencySec)
			}
		}
	}()

	// Create Prometheus reporter and root scope.
	reporter := prometheus.NewReporter(prometheus.Options{
		OnRegisterError: func(err error) {
			logger.Error("Error registering Prometheus metric", zap.Error(err))
		},
	})
	tags := map[string]string{"node_name": config.GetName()}
	if namespace := config.GetMetrics().Namespace; namespace != "" {
		tags["namespace"] = namespace
	}
	m.prometheusScope, m.prometheusCloser = tally.NewRootScope(tally.ScopeOptions{
		Prefix:          config.GetMetrics().Prefix,
		Tags:            tags,
		CachedReporter:  reporter,
		Separator:       prometheus.DefaultSeparator,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)

	// Check if exposing Prometheus metrics directly is enabled.
	if config.GetMetrics().PrometheusPort > 0 {
		CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type", "User-Agent"})
		CORSOrigins := handlers.AllowedOrigins([]string{"*"})
		CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD"})
		handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(reporter.HTTPHandler())
		m.prometheusHTTPServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", config.GetMetrics().PrometheusPort),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			Handler:      handlerWithCORS,
		}

		startupLogger.Info("Starting Prometheus server for metrics requests", zap.Int("port", config.GetMetrics().PrometheusPort))
		go func() {
			if err := m.prometheusHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				startupLogger.Fatal("Prometheus listener failed", zap.Error(err))
			}
		}()
	}

	return m
}

func (m *Metrics) Stop(logger *zap.Logger) {
	if m.prometheusHTTPServer != nil {
		if err := m.prometheusHTTPServer.Shutdown(context.Background()); err != nil {
			logger.Error("Prometheus listener shutdown failed", zap.Error(err))
		}
	}

	if err := m.prometheusCloser.Close(); err != nil {
		logger.Error("Prometheus stats closer failed", zap.Error(err))
	}
	m.cancelFn()
}

// Search records one completed search query.
func (m *Metrics) Search(elapsed time.Duration, resultCount int, isErr bool) {
	m.currentMsTotal.Add(int64(elapsed / time.Millisecond))
	m.currentReqCount.Inc()

	m.prometheusScope.Counter("search_count").Inc(1)
	m.prometheusScope.Counter("search_result_count").Inc(int64(resultCount))
	m.prometheusScope.Timer("search_latency_ms").Record(elapsed / time.Millisecond)
	if isErr {
		m.prometheusScope.Counter("search_errors").Inc(1)
	}
}

// Entry records one docstore lookup.
func (m *Metrics) Entry(elapsed time.Duration, isErr bool) {
	m.prometheusScope.Counter("entry_count").Inc(1)
	m.prometheusScope.Timer("entry_latency_ms").Record(elapsed / time.Millisecond)
	if isErr {
		m.prometheusScope.Counter("entry_errors").Inc(1)
	}
}

// TierLoaded records a completed tier load with its wall time.
func (m *Metrics) TierLoaded(tier string, elapsed time.Duration, isErr bool) {
	m.prometheusScope.Counter("tier_load_" + tier + "_count").Inc(1)
	m.prometheusScope.Timer("tier_load_" + tier + "_ms").Record(elapsed / time.Millisecond)
	if isErr {
		m.prometheusScope.Counter("tier_load_" + tier + "_errors").Inc(1)
	}
}
