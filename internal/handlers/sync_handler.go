package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agrosync/agent/internal/models"
	"github.com/agrosync/agent/internal/observability"
	"github.com/agrosync/agent/internal/repository"
	"github.com/agrosync/agent/internal/services"
)

// SyncHandler exposes the sync engine control surface
type SyncHandler struct {
	sync     *services.SyncService
	queue    *repository.SyncQueueRepository
	entities *repository.EntityRepository
}

func NewSyncHandler(sync *services.SyncService, queue *repository.SyncQueueRepository, entities *repository.EntityRepository) *SyncHandler {
	return &SyncHandler{sync: sync, queue: queue, entities: entities}
}

func (h *SyncHandler) RegisterRoutes(r chi.Router) {
	r.Route("/sync", func(r chi.Router) {
		r.Post("/force", h.ForceSync)
		r.Get("/status", h.Status)
		r.Get("/pending", h.PendingCount)
		r.Get("/failed", h.ListFailed)
		r.Post("/failed/retry", h.RetryFailed)
		r.Get("/queue", h.QueueDiagnostics)
	})
}

// ForceSync runs a sync pass immediately. Returns started=false when a
// run is already in flight, no remote is configured, or the device is
// offline.
func (h *SyncHandler) ForceSync(w http.ResponseWriter, r *http.Request) {
	started := h.sync.ForceSync(r.Context())
	h.respondJSON(w, http.StatusOK, models.ForceSyncResponse{Started: started})
}

// Status returns the current engine snapshot
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.sync.Status(r.Context()))
}

// PendingCount returns the number of queue items awaiting upload
func (h *SyncHandler) PendingCount(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, models.PendingCountResponse{
		Pending: h.sync.GetPendingCount(r.Context()),
	})
}

// ListFailed returns queue items that exhausted their retry budget
func (h *SyncHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.ListFailed(r.Context())
	if err != nil {
		observability.Errorf("Listing failed queue items: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Database error.")
		return
	}
	if items == nil {
		items = []*models.SyncQueueItem{}
	}
	h.respondJSON(w, http.StatusOK, models.FailedItemsResponse{Items: items, Count: len(items)})
}

// RetryFailed resets all failed items back to pending with a fresh
// retry budget
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	reset, err := h.queue.RetryFailed(r.Context())
	if err != nil {
		observability.Errorf("Resetting failed queue items: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Database error.")
		return
	}
	h.respondJSON(w, http.StatusOK, models.RetryFailedResponse{Reset: reset})
}

// QueueDiagnostics reports queue depth per status and how many local
// records of each kind still await upload
func (h *SyncHandler) QueueDiagnostics(w http.ResponseWriter, r *http.Request) {
	byStatus, err := h.queue.CountByStatus(r.Context())
	if err != nil {
		observability.Errorf("Counting queue by status: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Database error.")
		return
	}

	unsynced := make(map[models.EntityType]int, len(models.EntityTypes()))
	for _, et := range models.EntityTypes() {
		count, err := h.entities.CountUnsynced(r.Context(), et)
		if err != nil {
			observability.Errorf("Counting unsynced %s records: %v", et, err)
			h.respondError(w, http.StatusInternalServerError, "Database error.")
			return
		}
		unsynced[et] = count
	}

	h.respondJSON(w, http.StatusOK, models.QueueDiagnosticsResponse{
		ByStatus:       byStatus,
		UnsyncedByKind: unsynced,
	})
}

func (h *SyncHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *SyncHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
