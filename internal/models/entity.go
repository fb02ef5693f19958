package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies which kind of field-monitoring record an
// operation targets.
type EntityType string

const (
	EntityTypeActivity        EntityType = "activity"
	EntityTypeScoutPoint      EntityType = "scout_point"
	EntityTypePestObservation EntityType = "pest_observation"
)

// Valid reports whether the entity type is one of the known kinds
func (t EntityType) Valid() bool {
	switch t {
	case EntityTypeActivity, EntityTypeScoutPoint, EntityTypePestObservation:
		return true
	}
	return false
}

// EntityTypes lists all known entity kinds in a stable order
func EntityTypes() []EntityType {
	return []EntityType{EntityTypeActivity, EntityTypeScoutPoint, EntityTypePestObservation}
}

// EntityRecord is the envelope the sync engine moves around: the
// common bookkeeping fields plus the kind-specific payload. Records
// are owned by the local store; the engine reads and writes them only
// through the repository layer.
type EntityRecord struct {
	Type      EntityType
	ID        string
	Payload   Payload
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
	Synced    bool
}

// Deleted reports whether the record carries a soft-delete marker
func (r *EntityRecord) Deleted() bool {
	return r.DeletedAt != nil
}

type entityRecordJSON struct {
	Type      EntityType      `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	DeletedAt *time.Time      `json:"deletedAt,omitempty"`
	Synced    bool            `json:"synced"`
}

// MarshalJSON encodes the record with its payload nested under the
// kind tag so it can be decoded back into the right concrete type
func (r *EntityRecord) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", r.Type, err)
	}
	return json.Marshal(entityRecordJSON{
		Type:      r.Type,
		ID:        r.ID,
		Payload:   payload,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		DeletedAt: r.DeletedAt,
		Synced:    r.Synced,
	})
}

// UnmarshalJSON decodes the envelope and dispatches the payload on the
// kind tag
func (r *EntityRecord) UnmarshalJSON(data []byte) error {
	var raw entityRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := UnmarshalPayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}

	r.Type = raw.Type
	r.ID = raw.ID
	r.Payload = payload
	r.CreatedAt = raw.CreatedAt
	r.UpdatedAt = raw.UpdatedAt
	r.DeletedAt = raw.DeletedAt
	r.Synced = raw.Synced
	return nil
}
