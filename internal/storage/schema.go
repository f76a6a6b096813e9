package storage

import "fmt"

const schemaUsers = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);`

const schemaVideos = `
CREATE TABLE IF NOT EXISTS videos (
	id TEXT PRIMARY KEY,
	file_path TEXT NOT NULL,
	original_filename TEXT NOT NULL,
	user_id TEXT NOT NULL,
	uploaded_at INTEGER NOT NULL,
	width INTEGER CHECK (width IS NULL OR width >= 0),
	height INTEGER CHECK (height IS NULL OR height >= 0),
	duration_seconds REAL CHECK (duration_seconds IS NULL OR duration_seconds >= 0),
	FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);`

// playback_sessions holds one opaque snapshot per (user, video). No foreign
// keys: a session may outlive the catalog entry it was opened for.
const schemaPlaybackSessions = `
CREATE TABLE IF NOT EXISTS playback_sessions (
	user_id TEXT NOT NULL,
	video_id TEXT NOT NULL,
	state_json TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, video_id),
	CHECK (length(user_id) > 0 AND length(video_id) > 0)
);`

const schemaIndexes = `
CREATE INDEX IF NOT EXISTS idx_videos_user_id ON videos(user_id, uploaded_at DESC);
CREATE INDEX IF NOT EXISTS idx_playback_sessions_updated_at ON playback_sessions(updated_at DESC);`

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY
);`

type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			schemaUsers,
			schemaVideos,
			schemaPlaybackSessions,
		},
	},
	{
		version: 2,
		statements: []string{
			schemaIndexes,
		},
	},
}

func (s *Store) EnsureSchema() error {
	return s.MigrateSchema()
}

func (s *Store) MigrateSchema() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: missing database connection")
	}

	if _, err := s.db.Exec(schemaMigrations); err != nil {
		return fmt.Errorf("storage: create schema_migrations table: %w", err)
	}

	current, err := s.currentSchemaVersion()
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if migration.version <= current {
			continue
		}
		if err := s.applyMigration(migration); err != nil {
			return err
		}
		current = migration.version
	}

	return nil
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion() (int, error) {
	return s.currentSchemaVersion()
}

func (s *Store) currentSchemaVersion() (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("storage: missing database connection")
	}

	var version int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("storage: read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) applyMigration(migration migration) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: missing database connection")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: start migration %d: %w", migration.version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, statement := range migration.statements {
		if _, err = tx.Exec(statement); err != nil {
			return fmt.Errorf("storage: migration %d failed: %w", migration.version, err)
		}
	}

	if _, err = tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, migration.version); err != nil {
		return fmt.Errorf("storage: record migration %d: %w", migration.version, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit migration %d: %w", migration.version, err)
	}
	return nil
}
