package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is one forward step of the journal schema.
type Migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Sessions, chained records and integrity state",
		Up:          migrationV1Up,
	},
	{
		Version:     2,
		Description: "Submissions with delivery tracking",
		Up:          migrationV2Up,
	},
	{
		Version:     3,
		Description: "Evidence artifact references",
		Up:          migrationV3Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS sessions (
    evaluation_id   TEXT NOT NULL,
    student_id      TEXT NOT NULL,
    name            TEXT,
    phase           TEXT NOT NULL,
    entered_at_ns   INTEGER,
    end_time_ns     INTEGER,
    updated_at_ns   INTEGER NOT NULL,
    PRIMARY KEY (evaluation_id, student_id)
);

CREATE TABLE IF NOT EXISTS integrity (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    chain_hash      BLOB NOT NULL,
    record_count    INTEGER NOT NULL DEFAULT 0,
    last_verified   INTEGER,
    hmac            BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id       TEXT NOT NULL UNIQUE,
    seq             INTEGER NOT NULL,
    evaluation_id   TEXT NOT NULL,
    student_id      TEXT NOT NULL,
    is_violation    INTEGER NOT NULL,
    record_type     TEXT NOT NULL,
    detail          TEXT NOT NULL,
    timestamp_ns    INTEGER NOT NULL,
    previous_hash   BLOB NOT NULL,
    record_hash     BLOB NOT NULL UNIQUE,
    hmac            BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_session ON records(evaluation_id, student_id, seq);
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS submissions (
    id              TEXT PRIMARY KEY,
    evaluation_id   TEXT NOT NULL,
    student_id      TEXT NOT NULL,
    answers         TEXT NOT NULL,
    created_at_ns   INTEGER NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    delivered_at_ns INTEGER,
    last_error      TEXT,
    UNIQUE (evaluation_id, student_id)
);
`

const migrationV3Up = `
CREATE TABLE IF NOT EXISTS evidence (
    artifact_ref    TEXT PRIMARY KEY,
    evaluation_id   TEXT NOT NULL,
    student_id      TEXT NOT NULL,
    reason          TEXT NOT NULL,
    captured_at_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evidence_session ON evidence(evaluation_id, student_id);
`

// MigrateDB applies all pending migrations.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// MigrationStatus describes the schema version of a journal.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
}

// GetMigrationStatus reports the applied and pending migrations.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{LatestVersion: migrations[len(migrations)-1].Version}

	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table might not exist yet
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		applied[v] = true
		if v > status.CurrentVersion {
			status.CurrentVersion = v
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}
	for _, m := range migrations {
		if !applied[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	for _, table := range []string{"sessions", "integrity", "records", "submissions", "evidence", "schema_migrations"} {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}
	return nil
}
