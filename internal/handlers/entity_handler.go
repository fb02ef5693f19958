package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agrosync/agent/internal/models"
	"github.com/agrosync/agent/internal/observability"
	"github.com/agrosync/agent/internal/repository"
	"github.com/agrosync/agent/internal/services"
)

// EntityHandler exposes CRUD for field-monitoring records. Every
// mutation writes the local row and appends the matching queue item
// in one transaction, so the sync queue can never miss a change.
type EntityHandler struct {
	db         *sql.DB
	entities   *repository.EntityRepository
	queue      *repository.SyncQueueRepository
	sync       *services.SyncService
	maxRetries int
}

func NewEntityHandler(db *sql.DB, entities *repository.EntityRepository, queue *repository.SyncQueueRepository, sync *services.SyncService, maxRetries int) *EntityHandler {
	return &EntityHandler{
		db:         db,
		entities:   entities,
		queue:      queue,
		sync:       sync,
		maxRetries: maxRetries,
	}
}

// RegisterRoutes mounts one CRUD surface per entity kind
func (h *EntityHandler) RegisterRoutes(r chi.Router) {
	mounts := map[string]models.EntityType{
		"/activities":        models.EntityTypeActivity,
		"/scout-points":      models.EntityTypeScoutPoint,
		"/pest-observations": models.EntityTypePestObservation,
	}
	for path, entityType := range mounts {
		et := entityType
		r.Route(path, func(r chi.Router) {
			r.Post("/", h.create(et))
			r.Get("/{id}", h.get(et))
			r.Put("/{id}", h.update(et))
			r.Delete("/{id}", h.delete(et))
		})
	}
}

// mutate runs fn against transaction-scoped repositories. Without a
// database handle it falls through to the degraded no-op repositories
// so callers still succeed.
func (h *EntityHandler) mutate(r *http.Request, fn func(entities *repository.EntityRepository, queue *repository.SyncQueueRepository) error) error {
	if h.db == nil {
		return fn(h.entities, h.queue)
	}
	return repository.WithTransaction(r.Context(), h.db, func(tx *sql.Tx) error {
		return fn(repository.NewEntityRepository(tx), repository.NewSyncQueueRepository(tx, h.maxRetries))
	})
}

func (h *EntityHandler) create(entityType models.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := h.decodePayload(entityType, r)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		now := time.Now().UTC()
		rec := &models.EntityRecord{
			Type:      entityType,
			ID:        uuid.New().String(),
			Payload:   payload,
			CreatedAt: now,
			UpdatedAt: now,
		}

		err = h.mutate(r, func(entities *repository.EntityRepository, queue *repository.SyncQueueRepository) error {
			if err := entities.Insert(r.Context(), rec); err != nil {
				return err
			}
			_, err := queue.Enqueue(r.Context(), rec, models.SyncOperationCreate)
			return err
		})
		if err != nil {
			observability.Errorf("Creating %s record: %v", entityType, err)
			h.respondError(w, http.StatusInternalServerError, "Failed to create record.")
			return
		}
		h.notifyQueueChanged(r)

		h.respondJSON(w, http.StatusCreated, rec)
	}
}

func (h *EntityHandler) get(entityType models.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := h.entities.GetByID(r.Context(), entityType, id)
		if err != nil {
			h.respondError(w, http.StatusInternalServerError, "Database error.")
			return
		}
		if rec == nil || rec.Deleted() {
			h.respondError(w, http.StatusNotFound, "Record not found.")
			return
		}
		h.respondJSON(w, http.StatusOK, rec)
	}
}

func (h *EntityHandler) update(entityType models.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		payload, err := h.decodePayload(entityType, r)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		existing, err := h.entities.GetByID(r.Context(), entityType, id)
		if err != nil {
			h.respondError(w, http.StatusInternalServerError, "Database error.")
			return
		}
		if existing == nil || existing.Deleted() {
			if h.db == nil {
				// Degraded mode has no rows to find; accept and drop
				h.respondJSON(w, http.StatusOK, models.EntityRecord{Type: entityType, ID: id, Payload: payload})
				return
			}
			h.respondError(w, http.StatusNotFound, "Record not found.")
			return
		}

		existing.Payload = payload
		existing.UpdatedAt = time.Now().UTC()
		existing.Synced = false

		err = h.mutate(r, func(entities *repository.EntityRepository, queue *repository.SyncQueueRepository) error {
			if err := entities.Update(r.Context(), existing); err != nil {
				return err
			}
			_, err := queue.Enqueue(r.Context(), existing, models.SyncOperationUpdate)
			return err
		})
		if err != nil {
			observability.Errorf("Updating %s %s: %v", entityType, id, err)
			h.respondError(w, http.StatusInternalServerError, "Failed to update record.")
			return
		}
		h.notifyQueueChanged(r)

		h.respondJSON(w, http.StatusOK, existing)
	}
}

func (h *EntityHandler) delete(entityType models.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		existing, err := h.entities.GetByID(r.Context(), entityType, id)
		if err != nil {
			h.respondError(w, http.StatusInternalServerError, "Database error.")
			return
		}
		if existing == nil || existing.Deleted() {
			if h.db == nil {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			h.respondError(w, http.StatusNotFound, "Record not found.")
			return
		}

		now := time.Now().UTC()
		existing.DeletedAt = &now
		existing.UpdatedAt = now
		existing.Synced = false

		err = h.mutate(r, func(entities *repository.EntityRepository, queue *repository.SyncQueueRepository) error {
			if err := entities.SoftDelete(r.Context(), entityType, id, now); err != nil {
				return err
			}
			_, err := queue.Enqueue(r.Context(), existing, models.SyncOperationDelete)
			return err
		})
		if err != nil {
			observability.Errorf("Deleting %s %s: %v", entityType, id, err)
			h.respondError(w, http.StatusInternalServerError, "Failed to delete record.")
			return
		}
		h.notifyQueueChanged(r)

		w.WriteHeader(http.StatusNoContent)
	}
}

// notifyQueueChanged pushes the new pending count to listening UI
// clients
func (h *EntityHandler) notifyQueueChanged(r *http.Request) {
	if h.sync != nil {
		h.sync.NotifyQueueChanged(r.Context())
	}
}

func (h *EntityHandler) decodePayload(entityType models.EntityType, r *http.Request) (models.Payload, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return models.UnmarshalPayload(entityType, raw)
}

func (h *EntityHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *EntityHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
