package api

import (
	"context"
	"net/http"
	"time"

	"github.com/sgd/backend/internal/core"
)

// pinger is implemented by backends that can answer a cheap liveness probe.
type pinger interface {
	Ping(ctx context.Context) error
}

func probe(ctx context.Context, p pinger) string {
	if p == nil {
		return "unknown"
	}
	if err := p.Ping(ctx); err != nil {
		return "down"
	}
	return "ok"
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	redisStatus := probe(ctx, s.Redis)

	storageStatus := "ok"
	if _, err := s.Store.Exists(ctx, "healthz-probe"); err != nil {
		storageStatus = "down"
	}

	vectorStatus := "unknown"
	if p, ok := s.Index.(pinger); ok {
		vectorStatus = probe(ctx, p)
	}

	depth, derr := s.Queue.Depth(ctx)

	status := http.StatusOK
	overall := "ok"
	if redisStatus == "down" || storageStatus == "down" || vectorStatus == "down" || derr != nil {
		overall = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status": overall,
		"components": map[string]string{
			"redis":   redisStatus,
			"storage": storageStatus,
			"vector":  vectorStatus,
		},
		"breakers":    s.Breakers.States(),
		"queue_depth": depth,
		"workers":     len(s.Workers.Stats()),
	})
}

func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": s.Workers.Stats(),
	})
}

func (s *Server) handleWorkerScale(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := decodeJSON(w, r, 4096, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Count < 0 {
		writeError(w, r, &core.Error{
			Kind:    core.KindValidation,
			Message: "count must not be negative",
			Fields:  map[string]string{"count": "must be >= 0"},
		})
		return
	}

	s.Workers.ScaleTo(r.Context(), req.Count)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": s.Workers.Stats(),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": s.Breakers.States(),
	})
}
