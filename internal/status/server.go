// Package status implements the aggregator's HTTP status/metrics
// endpoint: a read-only JSON snapshot of the current cycle/role/epoch
// plus the Prometheus scrape endpoint, adapted from internal/api/server.go's
// ServeMux/http.Server shape.
//
// Unlike internal/api, there is no transaction submission path here.
// Operator writes go through internal/opctl's CommitToken channel, not
// HTTP. This package is observation-only.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clemsix6/control-fabric/internal/logger"
)

// StatusProvider exposes the aggregator loop's last-closed-cycle
// snapshot for monitoring. internal/aggregator.Loop satisfies this.
type StatusProvider interface {
	Snapshot() Snapshot
}

// Snapshot mirrors internal/aggregator.Status's fields without importing
// internal/aggregator, so this package doesn't need to depend on the
// event loop's internals, only on its shape.
type Snapshot struct {
	Cycle             uint64
	Role              string
	CommittedEpoch    uint64
	LastDecoded       bool
	DecoderRank       int
	ConsecutiveMisses int
	WorkerCount       int
}

// Server is the HTTP status/metrics server.
type Server struct {
	addr     string
	provider StatusProvider
	registry *prometheus.Registry
	server   *http.Server
}

// New creates a Server reporting provider's snapshots and scraping
// registry for /metrics.
func New(addr string, provider StatusProvider, registry *prometheus.Registry) *Server {
	return &Server{addr: addr, provider: provider, registry: registry}
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("status endpoint started", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	snap := s.provider.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"cycle":             snap.Cycle,
		"role":              snap.Role,
		"committedEpoch":    snap.CommittedEpoch,
		"lastDecoded":       snap.LastDecoded,
		"decoderRank":       snap.DecoderRank,
		"consecutiveMisses": snap.ConsecutiveMisses,
		"workerCount":       snap.WorkerCount,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
