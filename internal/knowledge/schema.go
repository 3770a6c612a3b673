package knowledge

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// openDB opens or creates a SQLite database at path, enables WAL mode
// and foreign keys, and runs migrations — the same open sequence as
// the teacher's internal/db/sqlite.go.
func openDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var version int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1},
		{2, migration2},
		{3, migration3},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Migration 1: event log + agent registry.
const migration1 = `
CREATE TABLE IF NOT EXISTS events (
    source_event_id TEXT PRIMARY KEY,
    source_sequence INTEGER NOT NULL,
    source_occurred_at DATETIME NOT NULL,
    run_id TEXT NOT NULL,
    ingested_at DATETIME NOT NULL,
    agent_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);

CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    plugin_name TEXT,
    status TEXT NOT NULL,
    session_id TEXT,
    updated_at DATETIME NOT NULL
);
`

// Migration 2: artifacts, content blobs, coherence issues.
const migration2 = `
CREATE TABLE IF NOT EXISTS artifacts (
    artifact_id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    workstream TEXT NOT NULL,
    status TEXT NOT NULL,
    quality_score REAL NOT NULL DEFAULT 0,
    provenance_json TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_workstream ON artifacts(workstream);

CREATE TABLE IF NOT EXISTS artifact_content (
    agent_id TEXT NOT NULL,
    artifact_id TEXT NOT NULL,
    content BLOB,
    mime_type TEXT,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (agent_id, artifact_id)
);

CREATE TABLE IF NOT EXISTS coherence_issues (
    issue_id TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    severity TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    affected_workstreams_json TEXT,
    affected_artifact_ids_json TEXT,
    created_at DATETIME NOT NULL
);
`

// Migration 3: audit log.
const migration3 = `
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    subject TEXT NOT NULL,
    action TEXT NOT NULL,
    target TEXT,
    payload_json TEXT,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_log(subject);
`
