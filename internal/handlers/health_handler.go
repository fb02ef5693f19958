package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agrosync/agent/internal/models"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db *sql.DB
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(db *sql.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// HealthCheck returns the agent health status. The agent reports
// healthy even in degraded mode so a dead local database does not take
// the control API down with it.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if h.db == nil {
		status = "degraded"
	}

	response := models.HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Ready reports whether local storage is usable
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		http.Error(w, "local storage unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "local storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
