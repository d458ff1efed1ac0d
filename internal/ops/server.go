// Package ops exposes the worker's operational surface: health, metrics,
// and queue statistics. The product API lives elsewhere.
package ops

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"document-ingestion-queue/internal/queue"
	"document-ingestion-queue/internal/telemetry"
)

// Server wires the ops HTTP handlers.
type Server struct {
	manager *queue.Manager
}

func New(manager *queue.Manager) *Server {
	return &Server{manager: manager}
}

// Router builds the ops HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/queues", s.handleQueueStats)
	r.Mount("/metrics", telemetry.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.manager.IsHealthy(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.QueueStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
