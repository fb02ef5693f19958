package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrosync/agent/internal/models"
)

func TestSchemaMapper_Collections(t *testing.T) {
	mapper := NewSchemaMapper()

	assert.Equal(t, []string{"atividades", "pontos_monitoramento", "ocorrencias_pragas"}, mapper.Collections())

	t.Run("collection and type resolve both ways", func(t *testing.T) {
		for _, et := range models.EntityTypes() {
			collection, err := mapper.CollectionFor(et)
			require.NoError(t, err)

			back, err := mapper.TypeFor(collection)
			require.NoError(t, err)
			assert.Equal(t, et, back)
		}
	})

	t.Run("unknown lookups fail", func(t *testing.T) {
		_, err := mapper.CollectionFor(models.EntityType("equipment"))
		assert.Error(t, err)

		_, err = mapper.TypeFor("equipamentos")
		assert.Error(t, err)
	})
}

func TestSchemaMapper_ToRemoteShape(t *testing.T) {
	mapper := NewSchemaMapper()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	t.Run("activity maps to atividades columns", func(t *testing.T) {
		rec := &models.EntityRecord{
			Type: models.EntityTypeActivity,
			ID:   "act-1",
			Payload: &models.ActivityPayload{
				Name:      "Spray north field",
				FieldName: "Talhao 3",
				Status:    "done",
				Notes:     "windy",
			},
			CreatedAt: now,
			UpdatedAt: now.Add(time.Hour),
		}

		collection, record, err := mapper.ToRemoteShape(rec)
		require.NoError(t, err)
		assert.Equal(t, "atividades", collection)
		assert.Equal(t, "Spray north field", record["nome"])
		assert.Equal(t, "Talhao 3", record["talhao"])
		assert.Equal(t, "done", record["situacao"])
		assert.Equal(t, "windy", record["observacoes"])
		assert.Equal(t, "act-1", record["id"])
		assert.Equal(t, now.Format(time.RFC3339Nano), record["criado_em"])
		assert.Nil(t, record["excluido_em"])

		// Local names never leak to the remote shape
		assert.NotContains(t, record, "name")
		assert.NotContains(t, record, "fieldName")
	})

	t.Run("pest observation maps to ocorrencias_pragas columns", func(t *testing.T) {
		rec := &models.EntityRecord{
			Type: models.EntityTypePestObservation,
			ID:   "pest-1",
			Payload: &models.PestObservationPayload{
				PestName: "soybean looper",
				Severity: 3,
				Crop:     "soy",
			},
			CreatedAt: now,
			UpdatedAt: now,
		}

		collection, record, err := mapper.ToRemoteShape(rec)
		require.NoError(t, err)
		assert.Equal(t, "ocorrencias_pragas", collection)
		assert.Equal(t, "soybean looper", record["praga"])
		assert.EqualValues(t, 3, record["severidade"])
		assert.Equal(t, "soy", record["cultura"])
	})

	t.Run("tombstone carries excluido_em", func(t *testing.T) {
		deletedAt := now.Add(2 * time.Hour)
		rec := &models.EntityRecord{
			Type:      models.EntityTypeScoutPoint,
			ID:        "sp-1",
			Payload:   &models.ScoutPointPayload{Latitude: -23.5, Longitude: -46.6},
			CreatedAt: now,
			UpdatedAt: deletedAt,
			DeletedAt: &deletedAt,
		}

		_, record, err := mapper.ToRemoteShape(rec)
		require.NoError(t, err)
		assert.Equal(t, deletedAt.Format(time.RFC3339Nano), record["excluido_em"])
	})
}

func TestSchemaMapper_ToLocalShape(t *testing.T) {
	mapper := NewSchemaMapper()

	t.Run("remote activity becomes a synced local record", func(t *testing.T) {
		record := map[string]interface{}{
			"id":            "act-1",
			"nome":          "Harvest",
			"talhao":        "Talhao 2",
			"situacao":      "planned",
			"observacoes":   "",
			"criado_em":     "2026-03-14T09:00:00Z",
			"atualizado_em": "2026-03-14T10:30:00Z",
			"excluido_em":   nil,
		}

		rec, err := mapper.ToLocalShape("atividades", record)
		require.NoError(t, err)
		assert.Equal(t, models.EntityTypeActivity, rec.Type)
		assert.Equal(t, "act-1", rec.ID)
		assert.True(t, rec.Synced)
		assert.False(t, rec.Deleted())

		activity := rec.Payload.(*models.ActivityPayload)
		assert.Equal(t, "Harvest", activity.Name)
		assert.Equal(t, "Talhao 2", activity.FieldName)
		assert.Equal(t, time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC), rec.UpdatedAt)
	})

	t.Run("unknown remote fields are dropped", func(t *testing.T) {
		record := map[string]interface{}{
			"id":             "sp-1",
			"latitude":       -23.5,
			"longitude":      -46.6,
			"cultura":        "corn",
			"observacoes":    "",
			"nova_coluna":    "ignored",
			"outro_campo":    42,
			"criado_em":      "2026-03-14T09:00:00Z",
			"atualizado_em":  "2026-03-14T09:00:00Z",
		}

		rec, err := mapper.ToLocalShape("pontos_monitoramento", record)
		require.NoError(t, err)

		point := rec.Payload.(*models.ScoutPointPayload)
		assert.InDelta(t, -23.5, point.Latitude, 0.0001)
		assert.Equal(t, "corn", point.Crop)
	})

	t.Run("missing id is rejected", func(t *testing.T) {
		record := map[string]interface{}{
			"nome":          "orphan",
			"criado_em":     "2026-03-14T09:00:00Z",
			"atualizado_em": "2026-03-14T09:00:00Z",
		}
		_, err := mapper.ToLocalShape("atividades", record)
		assert.Error(t, err)
	})

	t.Run("tombstone round trip", func(t *testing.T) {
		rec := &models.EntityRecord{
			Type:      models.EntityTypeActivity,
			ID:        "act-9",
			Payload:   &models.ActivityPayload{Name: "old task"},
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			UpdatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		}
		deletedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		rec.DeletedAt = &deletedAt

		collection, remote, err := mapper.ToRemoteShape(rec)
		require.NoError(t, err)

		back, err := mapper.ToLocalShape(collection, remote)
		require.NoError(t, err)
		assert.True(t, back.Deleted())
		assert.Equal(t, rec.Payload, back.Payload)
		assert.True(t, back.UpdatedAt.Equal(rec.UpdatedAt))
	})
}
