package handler

import (
	"net/http"
	"time"

	"github.com/yndnr/statemesh-go/internal/core/domain"
)

// handleHealth handles GET /healthz.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady handles GET /readyz. A clustered node is ready once it knows
// a leader.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.cluster != nil && h.cluster.Stats().LeaderID == "" {
		WriteError(w, r, http.StatusServiceUnavailable, domain.ErrNotLeader.Code, "no cluster leader")
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
