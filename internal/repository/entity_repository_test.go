package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrosync/agent/internal/models"
)

func TestEntityRepository_CRUD(t *testing.T) {
	db := testDB(t)
	repo := NewEntityRepository(db)
	ctx := context.Background()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	t.Run("insert and read back", func(t *testing.T) {
		rec := &models.EntityRecord{
			Type: models.EntityTypePestObservation,
			ID:   "pest-1",
			Payload: &models.PestObservationPayload{
				PestName: "stink bug",
				Severity: 4,
				Crop:     "soy",
				Notes:    "cluster near irrigation line",
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, repo.Insert(ctx, rec))

		got, err := repo.GetByID(ctx, models.EntityTypePestObservation, "pest-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rec.Payload, got.Payload)
		assert.True(t, got.UpdatedAt.Equal(now))
		assert.False(t, got.Synced)
	})

	t.Run("missing record returns nil without error", func(t *testing.T) {
		got, err := repo.GetByID(ctx, models.EntityTypeActivity, "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("update replaces the payload and clears synced", func(t *testing.T) {
		require.NoError(t, repo.MarkSynced(ctx, models.EntityTypePestObservation, "pest-1"))

		got, err := repo.GetByID(ctx, models.EntityTypePestObservation, "pest-1")
		require.NoError(t, err)
		require.True(t, got.Synced)

		got.Payload = &models.PestObservationPayload{PestName: "stink bug", Severity: 5, Crop: "soy"}
		got.UpdatedAt = now.Add(time.Hour)
		require.NoError(t, repo.Update(ctx, got))

		after, err := repo.GetByID(ctx, models.EntityTypePestObservation, "pest-1")
		require.NoError(t, err)
		assert.Equal(t, 5, after.Payload.(*models.PestObservationPayload).Severity)
		assert.False(t, after.Synced)
	})

	t.Run("soft delete keeps the row with a tombstone", func(t *testing.T) {
		deletedAt := now.Add(2 * time.Hour)
		require.NoError(t, repo.SoftDelete(ctx, models.EntityTypePestObservation, "pest-1", deletedAt))

		got, err := repo.GetByID(ctx, models.EntityTypePestObservation, "pest-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Deleted())
		assert.False(t, got.Synced)
	})
}

func TestEntityRepository_UpsertFromRemote(t *testing.T) {
	db := testDB(t)
	repo := NewEntityRepository(db)
	ctx := context.Background()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	remoteRec := &models.EntityRecord{
		Type: models.EntityTypeScoutPoint,
		ID:   "sp-1",
		Payload: &models.ScoutPointPayload{
			Latitude:  -23.55,
			Longitude: -46.63,
			Crop:      "corn",
		},
		CreatedAt: now,
		UpdatedAt: now,
		Synced:    true,
	}

	t.Run("inserts a record the device has never seen", func(t *testing.T) {
		require.NoError(t, repo.UpsertFromRemote(ctx, remoteRec))

		got, err := repo.GetByID(ctx, models.EntityTypeScoutPoint, "sp-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Synced)
	})

	t.Run("overwrites an existing row in place", func(t *testing.T) {
		updated := *remoteRec
		updated.Payload = &models.ScoutPointPayload{Latitude: -23.55, Longitude: -46.63, Crop: "soy"}
		updated.UpdatedAt = now.Add(time.Minute)
		require.NoError(t, repo.UpsertFromRemote(ctx, &updated))

		got, err := repo.GetByID(ctx, models.EntityTypeScoutPoint, "sp-1")
		require.NoError(t, err)
		assert.Equal(t, "soy", got.Payload.(*models.ScoutPointPayload).Crop)
		assert.True(t, got.Synced)
	})
}

func TestEntityRepository_CountUnsynced(t *testing.T) {
	db := testDB(t)
	repo := NewEntityRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"a1", "a2"} {
		rec := &models.EntityRecord{
			Type:      models.EntityTypeActivity,
			ID:        id,
			Payload:   &models.ActivityPayload{Name: "scout"},
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, repo.Insert(ctx, rec))
	}
	require.NoError(t, repo.MarkSynced(ctx, models.EntityTypeActivity, "a1"))

	count, err := repo.CountUnsynced(ctx, models.EntityTypeActivity)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEntityRepository_DegradedMode(t *testing.T) {
	repo := NewEntityRepository(nil)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &models.EntityRecord{
		Type:      models.EntityTypeActivity,
		ID:        "a1",
		Payload:   &models.ActivityPayload{Name: "scout"},
		CreatedAt: now,
		UpdatedAt: now,
	}

	assert.NoError(t, repo.Insert(ctx, rec))
	assert.NoError(t, repo.Update(ctx, rec))
	assert.NoError(t, repo.SoftDelete(ctx, models.EntityTypeActivity, "a1", now))

	got, err := repo.GetByID(ctx, models.EntityTypeActivity, "a1")
	assert.NoError(t, err)
	assert.Nil(t, got)
}
