package services

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agrosync/agent/internal/models"
)

// fieldPair binds one local payload key to its remote column. Every
// local field has exactly one remote counterpart and vice versa; the
// tables are explicit per kind because generic case conversion is a
// source of silent field-drop bugs.
type fieldPair struct {
	local  string
	remote string
}

type collectionMapping struct {
	collection string
	fields     []fieldPair
}

var collectionMappings = map[models.EntityType]collectionMapping{
	models.EntityTypeActivity: {
		collection: "atividades",
		fields: []fieldPair{
			{local: "name", remote: "nome"},
			{local: "fieldName", remote: "talhao"},
			{local: "status", remote: "situacao"},
			{local: "notes", remote: "observacoes"},
		},
	},
	models.EntityTypeScoutPoint: {
		collection: "pontos_monitoramento",
		fields: []fieldPair{
			{local: "latitude", remote: "latitude"},
			{local: "longitude", remote: "longitude"},
			{local: "crop", remote: "cultura"},
			{local: "notes", remote: "observacoes"},
		},
	},
	models.EntityTypePestObservation: {
		collection: "ocorrencias_pragas",
		fields: []fieldPair{
			{local: "pestName", remote: "praga"},
			{local: "severity", remote: "severidade"},
			{local: "crop", remote: "cultura"},
			{local: "notes", remote: "observacoes"},
		},
	},
}

// SchemaMapper translates between the local record shapes and the
// remote store's collection naming. Pure and stateless.
type SchemaMapper struct{}

// NewSchemaMapper creates a new SchemaMapper
func NewSchemaMapper() *SchemaMapper {
	return &SchemaMapper{}
}

// Collections lists the remote collections, in the stable entity kind
// order, for the download phase
func (m *SchemaMapper) Collections() []string {
	types := models.EntityTypes()
	collections := make([]string, 0, len(types))
	for _, t := range types {
		collections = append(collections, collectionMappings[t].collection)
	}
	return collections
}

// CollectionFor resolves an entity kind to its remote collection
func (m *SchemaMapper) CollectionFor(t models.EntityType) (string, error) {
	mapping, ok := collectionMappings[t]
	if !ok {
		return "", fmt.Errorf("no remote collection for entity type %q", t)
	}
	return mapping.collection, nil
}

// TypeFor resolves a remote collection back to its entity kind
func (m *SchemaMapper) TypeFor(collection string) (models.EntityType, error) {
	for t, mapping := range collectionMappings {
		if mapping.collection == collection {
			return t, nil
		}
	}
	return "", fmt.Errorf("no entity type for remote collection %q", collection)
}

// ToRemoteShape renders a record in the remote store's shape: remote
// column names, RFC3339 timestamps, and the collection it belongs to
func (m *SchemaMapper) ToRemoteShape(rec *models.EntityRecord) (string, map[string]interface{}, error) {
	mapping, ok := collectionMappings[rec.Type]
	if !ok {
		return "", nil, fmt.Errorf("no remote collection for entity type %q", rec.Type)
	}

	raw, err := json.Marshal(rec.Payload)
	if err != nil {
		return "", nil, err
	}
	var local map[string]interface{}
	if err := json.Unmarshal(raw, &local); err != nil {
		return "", nil, err
	}

	record := make(map[string]interface{}, len(mapping.fields)+4)
	for _, f := range mapping.fields {
		value, ok := local[f.local]
		if !ok {
			// Unknown local fields are an implementer error; the
			// payload structs and these tables must stay in lockstep
			return "", nil, fmt.Errorf("local field %q missing on %s payload", f.local, rec.Type)
		}
		record[f.remote] = value
	}

	record["id"] = rec.ID
	record["criado_em"] = rec.CreatedAt.UTC().Format(time.RFC3339Nano)
	record["atualizado_em"] = rec.UpdatedAt.UTC().Format(time.RFC3339Nano)
	if rec.DeletedAt != nil {
		record["excluido_em"] = rec.DeletedAt.UTC().Format(time.RFC3339Nano)
	} else {
		record["excluido_em"] = nil
	}

	return mapping.collection, record, nil
}

// ToLocalShape maps a remote record back into an entity record.
// Unknown remote fields are dropped silently for forward
// compatibility.
func (m *SchemaMapper) ToLocalShape(collection string, record map[string]interface{}) (*models.EntityRecord, error) {
	t, err := m.TypeFor(collection)
	if err != nil {
		return nil, err
	}
	mapping := collectionMappings[t]

	local := make(map[string]interface{}, len(mapping.fields))
	for _, f := range mapping.fields {
		if value, ok := record[f.remote]; ok {
			local[f.local] = value
		}
	}

	raw, err := json.Marshal(local)
	if err != nil {
		return nil, err
	}
	payload, err := models.UnmarshalPayload(t, raw)
	if err != nil {
		return nil, err
	}

	id, _ := record["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("remote %s record has no id", collection)
	}

	createdAt, err := parseRemoteTime(record["criado_em"])
	if err != nil {
		return nil, fmt.Errorf("remote %s record %s: criado_em: %w", collection, id, err)
	}
	updatedAt, err := parseRemoteTime(record["atualizado_em"])
	if err != nil {
		return nil, fmt.Errorf("remote %s record %s: atualizado_em: %w", collection, id, err)
	}

	rec := &models.EntityRecord{
		Type:      t,
		ID:        id,
		Payload:   payload,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Synced:    true,
	}

	if v, ok := record["excluido_em"]; ok && v != nil {
		deletedAt, err := parseRemoteTime(v)
		if err != nil {
			return nil, fmt.Errorf("remote %s record %s: excluido_em: %w", collection, id, err)
		}
		rec.DeletedAt = &deletedAt
	}

	return rec, nil
}

// parseRemoteTime accepts the timestamp shapes both backends produce:
// RFC3339 strings from JSON, or a zero value when the column is null
func parseRemoteTime(v interface{}) (time.Time, error) {
	switch tv := v.(type) {
	case nil:
		return time.Time{}, nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999-07"} {
			if parsed, err := time.Parse(layout, tv); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", tv)
	case time.Time:
		return tv.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}
