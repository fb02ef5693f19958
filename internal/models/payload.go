package models

import (
	"encoding/json"
	"fmt"
)

// Payload holds the domain fields of one entity kind. Each kind gets
// its own concrete struct so field coverage is checked at compile time
// instead of flowing through untyped maps.
type Payload interface {
	EntityType() EntityType
}

// ActivityPayload is a field operation (planting, spraying, monitoring
// round) recorded against a field
type ActivityPayload struct {
	Name      string `json:"name"`
	FieldName string `json:"fieldName"`
	Status    string `json:"status"`
	Notes     string `json:"notes"`
}

func (ActivityPayload) EntityType() EntityType { return EntityTypeActivity }

// ScoutPointPayload is a GPS-located scouting observation
type ScoutPointPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Crop      string  `json:"crop"`
	Notes     string  `json:"notes"`
}

func (ScoutPointPayload) EntityType() EntityType { return EntityTypeScoutPoint }

// PestObservationPayload records a pest sighting and its severity on a
// 1-5 scale
type PestObservationPayload struct {
	PestName string `json:"pestName"`
	Severity int    `json:"severity"`
	Crop     string `json:"crop"`
	Notes    string `json:"notes"`
}

func (PestObservationPayload) EntityType() EntityType { return EntityTypePestObservation }

// NewPayload returns a zero payload of the given kind
func NewPayload(t EntityType) (Payload, error) {
	switch t {
	case EntityTypeActivity:
		return &ActivityPayload{}, nil
	case EntityTypeScoutPoint:
		return &ScoutPointPayload{}, nil
	case EntityTypePestObservation:
		return &PestObservationPayload{}, nil
	default:
		return nil, fmt.Errorf("unknown entity type: %q", t)
	}
}

// UnmarshalPayload decodes payload JSON into the concrete struct for
// the given kind
func UnmarshalPayload(t EntityType, data []byte) (Payload, error) {
	payload, err := NewPayload(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", t, err)
	}
	return payload, nil
}
