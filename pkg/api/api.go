// Package api exposes the monitor over HTTP: health, Prometheus metrics, the
// current snapshot, persisted history and a live alert stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lucid-vigil/guardian/pkg/metrics"
	"github.com/lucid-vigil/guardian/pkg/model"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// DefaultStatisticsWindow is used by /api/v1/statistics without a since parameter.
const DefaultStatisticsWindow = 24 * time.Hour

// StateProvider is the read side of the coordinator.
type StateProvider interface {
	GetCurrentState() model.SystemState
	GetAlertsSince(ctx context.Context, since time.Time) ([]model.SecurityAlert, error)
	GetSystemStates(ctx context.Context, limit int) ([]model.SystemState, error)
	GetStatistics(ctx context.Context, since time.Time) (model.Statistics, error)
	GetProcessHistory(pid int32) (model.ProcessHistory, bool)
}

// Server serves the HTTP API.
type Server struct {
	provider StateProvider
	hub      *Hub
	logger   zerolog.Logger
	now      func() time.Time
	mux      *http.ServeMux
	srv      *http.Server
}

// NewServer builds the routes. hub may be nil, in which case /ws/alerts is
// not registered.
func NewServer(logger zerolog.Logger, port string, provider StateProvider, hub *Hub) *Server {
	s := &Server{
		provider: provider,
		hub:      hub,
		logger:   logger.With().Str("component", "api").Logger(),
		now:      time.Now,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", healthzHandler)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /api/v1/state", s.instrument("/api/v1/state", s.handleState))
	s.mux.HandleFunc("GET /api/v1/alerts", s.instrument("/api/v1/alerts", s.handleAlerts))
	s.mux.HandleFunc("GET /api/v1/history", s.instrument("/api/v1/history", s.handleHistory))
	s.mux.HandleFunc("GET /api/v1/statistics", s.instrument("/api/v1/statistics", s.handleStatistics))
	s.mux.HandleFunc("GET /api/v1/processes/{pid}/history", s.instrument("/api/v1/processes/{pid}/history", s.handleProcessHistory))
	if hub != nil {
		s.mux.Handle("GET /ws/alerts", hub)
	}

	s.srv = &http.Server{
		Addr:              ":" + port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe blocks until ctx is cancelled, then shuts the server down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Msgf("API server starting on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("API server stopped")
	return nil
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) int {
	return s.writeJSON(w, http.StatusOK, s.provider.GetCurrentState())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) int {
	since, err := parseSince(r, time.Time{})
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	alerts, err := s.provider.GetAlertsSince(r.Context(), since)
	if err != nil {
		return s.writeError(w, http.StatusInternalServerError, err)
	}
	return s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) int {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return s.writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
		}
		limit = n
	}
	states, err := s.provider.GetSystemStates(r.Context(), limit)
	if err != nil {
		return s.writeError(w, http.StatusInternalServerError, err)
	}
	return s.writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) int {
	since, err := parseSince(r, s.now().Add(-DefaultStatisticsWindow))
	if err != nil {
		return s.writeError(w, http.StatusBadRequest, err)
	}
	stats, err := s.provider.GetStatistics(r.Context(), since)
	if err != nil {
		return s.writeError(w, http.StatusInternalServerError, err)
	}
	return s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleProcessHistory(w http.ResponseWriter, r *http.Request) int {
	pid, err := strconv.ParseInt(r.PathValue("pid"), 10, 32)
	if err != nil || pid <= 0 {
		return s.writeError(w, http.StatusBadRequest, errors.New("pid must be a positive integer"))
	}
	hist, ok := s.provider.GetProcessHistory(int32(pid))
	if !ok {
		return s.writeError(w, http.StatusNotFound, fmt.Errorf("no history for pid %d", pid))
	}
	return s.writeJSON(w, http.StatusOK, hist)
}

// instrument records request count and latency for a handler that returns
// its status code.
func (s *Server) instrument(endpoint string, h func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := h(w, r)
		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		metrics.RequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
	return status
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) int {
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	return s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// parseSince reads the RFC 3339 since parameter, falling back to def.
func parseSince(r *http.Request, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("since must be an RFC 3339 timestamp")
	}
	return t, nil
}
