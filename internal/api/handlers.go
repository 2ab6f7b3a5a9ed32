// Package api is the HTTP front of the filemon service: a small JSON control
// API for the single watch and a WebSocket stream of events and status
// changes for a foreground UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/filemonitor/filemon/internal/monitor"
	"github.com/filemonitor/filemon/internal/service"
)

// maxBodyBytes bounds PUT /api/v1/watch request bodies.
const maxBodyBytes = 64 * 1024

// Commander executes control commands. *service.Service implements it.
type Commander interface {
	Do(ctx context.Context, cmd service.Command) (service.Snapshot, error)
}

// StatusSource reports the current foreground status.
type StatusSource interface {
	Current() (string, time.Time)
}

// WatchRequest is the body of PUT /api/v1/watch.
type WatchRequest struct {
	Path string `json:"path"`
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	cmd    Commander
	hub    *Hub
	status StatusSource
	logger *slog.Logger

	writeTimeout time.Duration
}

// NewServer returns a Server sending commands to cmd and streaming hub's
// frames to WebSocket clients.
func NewServer(cmd Commander, hub *Hub, status StatusSource, logger *slog.Logger) *Server {
	return &Server{
		cmd:          cmd,
		hub:          hub,
		status:       status,
		logger:       logger,
		writeTimeout: 10 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": msg} with the given status code.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetWatch responds to GET /api/v1/watch with the current snapshot.
func (s *Server) handleGetWatch(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cmd.Do(r.Context(), service.QueryState{})
	if err != nil {
		s.unavailable(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handlePutWatch responds to PUT /api/v1/watch by replacing the active
// watch with one on the requested path.
//
// Returns 400 for a malformed body or empty path and 422 when the watch
// cannot be installed; the controller is then Idle.
func (s *Server) handlePutWatch(w http.ResponseWriter, r *http.Request) {
	var req WatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be JSON: {\"path\": \"...\"}")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "'path' is required")
		return
	}

	attrs := []any{
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("path", req.Path),
	}
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		attrs = append(attrs, slog.String("subject", claims.Subject))
	}

	snap, err := s.cmd.Do(r.Context(), service.Start{Path: req.Path})
	switch {
	case errors.Is(err, monitor.ErrWatchInstall):
		s.logger.Info("api: watch install rejected", append(attrs, slog.Any("error", err))...)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		s.unavailable(w, r, err)
	default:
		s.logger.Info("api: watch started", attrs...)
		writeJSON(w, http.StatusOK, snap)
	}
}

// handleDeleteWatch responds to DELETE /api/v1/watch. Stopping while Idle
// is not an error.
func (s *Server) handleDeleteWatch(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cmd.Do(r.Context(), service.Stop{})
	if err != nil {
		s.unavailable(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) unavailable(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn("api: service unavailable",
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.Any("error", err))
	writeError(w, http.StatusServiceUnavailable, "service unavailable")
}
