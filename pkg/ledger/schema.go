package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the current ledger schema version.
const SchemaVersion = 1

// Migrate creates (or upgrades) the ledger schema in place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			output_dir TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			state TEXT NOT NULL,
			records INTEGER NOT NULL DEFAULT 0,
			submitted INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			malformed INTEGER NOT NULL DEFAULT 0,
			persisted INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`,

		`CREATE TABLE IF NOT EXISTS jobs (
			run_id TEXT NOT NULL,
			title TEXT NOT NULL,
			group_label TEXT NOT NULL,
			record_id TEXT NOT NULL,
			handle TEXT,
			output_path TEXT,
			disposition TEXT NOT NULL,
			reason TEXT,
			submit_failures INTEGER NOT NULL DEFAULT 0,
			polls INTEGER NOT NULL DEFAULT 0,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, title),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_disposition ON jobs(run_id, disposition);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_title ON jobs(title);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	return tx.Commit()
}
