// Package server exposes the admin HTTP surface of the event bus: health,
// metrics, dead letter inspection and replay.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chattercraft/eventbus/internal/bus"
	"github.com/chattercraft/eventbus/internal/logging"
)

// Config holds HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the admin HTTP server. It is read-only: nothing here publishes
// or mutates events.
type Server struct {
	bus  *bus.Bus
	log  *logging.Logger
	http *http.Server
}

// New builds the admin server around a running bus.
func New(cfg Config, b *bus.Bus, log *logging.Logger) *Server {
	s := &Server{bus: b, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/dlq", s.handleDeadLetters)
	mux.HandleFunc("GET /api/v1/replay/{correlationID}", s.handleReplay)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the routing handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("admin server listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.bus.HealthCheck(r.Context())

	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bus.Metrics())
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.bus.DeadLetters(r.Context(), limit)
	if err != nil {
		s.log.Error("dead letter listing failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":        len(records),
		"dead_letters": records,
	})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	correlationID := r.PathValue("correlationID")

	from, err := parseTimeParam(r, "from")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "from must be RFC 3339")
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "to must be RFC 3339")
		return
	}

	events, err := s.bus.Replay(r.Context(), correlationID, from, to)
	if err != nil {
		s.log.Error("replay failed", "correlation_id", correlationID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"correlation_id": correlationID,
		"count":          len(events),
		"events":         events,
	})
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
