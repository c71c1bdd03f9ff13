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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/refsearch/refsearch/internal/index"
)

// ApiServer exposes the search engine over HTTP:
//
//	GET /healthcheck
//	GET /v2/search?q=...&limit=...&extended=...
//	GET /v2/entry/{idOrKey}
type ApiServer struct {
	logger     *zap.Logger
	config     Config
	metrics    *Metrics
	engine     SearchEngine
	httpServer *http.Server
}

type searchResponse struct {
	Query   string         `json:"query"`
	Results []index.Result `json:"results"`
	Count   int            `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func StartApiServer(logger, startupLogger *zap.Logger, config Config, metrics *Metrics, engine SearchEngine) *ApiServer {
	s := &ApiServer{
		logger:  logger,
		config:  config,
		metrics: metrics,
		engine:  engine,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthcheck", s.healthcheck).Methods(http.MethodGet)
	router.HandleFunc("/v2/search", s.search).Methods(http.MethodGet)
	router.HandleFunc("/v2/entry/{idOrKey}", s.entry).Methods(http.MethodGet)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})

	CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type", "User-Agent"})
	CORSOrigins := handlers.AllowedOrigins([]string{"*"})
	CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD"})
	handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(s.requestLogger(router))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.GetPort()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		Handler:      handlerWithCORS,
	}

	startupLogger.Info("Starting API server for search requests", zap.Int("port", config.GetPort()))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupLogger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return s
}

func (s *ApiServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown failed", zap.Error(err))
	}
}

// requestLogger tags every request with an id and logs its outcome.
func (s *ApiServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.Must(uuid.NewV4()).String()
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request handled",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *ApiServer) healthcheck(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Healthy(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *ApiServer) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	opts := index.SearchOptions{}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be an integer"})
			return
		}
		if limit < 1 {
			// The engine treats a zero limit as "use the default"; an
			// explicit request limit below 1 clamps to 1 instead.
			limit = 1
		}
		opts.Limit = limit
	} else {
		opts.Limit = s.config.GetSearch().DefaultLimit
	}
	if extStr := r.URL.Query().Get("extended"); extStr != "" {
		ext, err := strconv.ParseBool(extStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "extended must be a boolean"})
			return
		}
		opts.UseExtended = ext
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(s.config.GetSearch().QueryTimeoutMs)*time.Millisecond)
	defer cancel()

	results, err := s.engine.Search(ctx, query, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if results == nil {
		results = []index.Result{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: query, Results: results, Count: len(results)})
}

func (s *ApiServer) entry(w http.ResponseWriter, r *http.Request) {
	idOrKey := mux.Vars(r)["idOrKey"]

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(s.config.GetSearch().QueryTimeoutMs)*time.Millisecond)
	defer cancel()

	result, err := s.engine.GetEntry(ctx, idOrKey)
	if err != nil {
		if errors.Is(err, index.ErrDocNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "entry not found"})
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotReady):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrEngineFailed):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
