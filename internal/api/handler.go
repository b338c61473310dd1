// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api serves dashboard statistics as JSON.
//
//	GET /api/summary     headline counts, recent records, top senders/recipients
//	GET /api/chart-data  per-status, per-hour and per-day series
//	GET /health          dependency checks
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bcem/maillog/internal/stats"
)

// Aggregator is implemented by stats.Aggregator.
type Aggregator interface {
	Summary(ctx context.Context) (*stats.Summary, error)
	Charts(ctx context.Context) (*stats.ChartData, error)
}

// Check is a named dependency probe for /health.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Handler serves the dashboard API.
type Handler struct {
	agg    Aggregator
	checks []Check
}

// NewHandler creates an API handler.
func NewHandler(agg Aggregator, checks ...Check) *Handler {
	return &Handler{agg: agg, checks: checks}
}

// ServeSummary handles GET /api/summary.
func (h *Handler) ServeSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summary, err := h.agg.Summary(r.Context())
	if err != nil {
		slog.Error("failed to build summary", "error", err)
		http.Error(w, "failed to build summary", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ServeChartData handles GET /api/chart-data.
func (h *Handler) ServeChartData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	charts, err := h.agg.Charts(r.Context())
	if err != nil {
		slog.Error("failed to build chart data", "error", err)
		http.Error(w, "failed to build chart data", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, charts)
}

// ServeHealth reports 503 naming the first failing dependency.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	for _, c := range h.checks {
		if err := c.Ping(r.Context()); err != nil {
			slog.Warn("health check failed", "dependency", c.Name, "error", err)
			http.Error(w, c.Name+" unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Routes returns the API mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/summary", h.ServeSummary)
	mux.HandleFunc("/api/chart-data", h.ServeChartData)
	mux.HandleFunc("/health", h.ServeHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// Serve starts the API server on the given port. It binds the port
// immediately and signals readiness via the returned channel; the server
// shuts down when ctx is cancelled and done closes once in-flight requests
// have drained.
func Serve(ctx context.Context, port int, handler *Handler) (ready <-chan struct{}, done <-chan struct{}, err error) {
	server := &http.Server{
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind api port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		<-ctx.Done()
		slog.Info("api server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("api server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("api server listening", "addr", ln.Addr().String())
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
		}
	}()

	return readyCh, doneCh, nil
}
