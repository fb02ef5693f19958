package repository

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteDB creates and initializes the local SQLite database
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// WAL keeps application reads from blocking on sync-engine writes;
	// busy_timeout covers the brief writer overlap that remains
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	-- Field activities
	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		field_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted_at DATETIME,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_activities_synced ON activities(synced);
	CREATE INDEX IF NOT EXISTS idx_activities_updated ON activities(updated_at);

	-- GPS scouting points
	CREATE TABLE IF NOT EXISTS scout_points (
		id TEXT PRIMARY KEY,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		crop TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted_at DATETIME,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_scout_points_synced ON scout_points(synced);
	CREATE INDEX IF NOT EXISTS idx_scout_points_updated ON scout_points(updated_at);

	-- Pest observations
	CREATE TABLE IF NOT EXISTS pest_observations (
		id TEXT PRIMARY KEY,
		pest_name TEXT NOT NULL,
		severity INTEGER NOT NULL DEFAULT 0,
		crop TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted_at DATETIME,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_pest_observations_synced ON pest_observations(synced);
	CREATE INDEX IF NOT EXISTS idx_pest_observations_updated ON pest_observations(updated_at);

	-- Sync queue: durable log of pending mutations. seq preserves
	-- enqueue order even when two rows share the same created_at.
	CREATE TABLE IF NOT EXISTS sync_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 5,
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		next_retry_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_status_retry ON sync_queue(status, next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_id);
	`

	_, err := db.Exec(schema)
	return err
}
