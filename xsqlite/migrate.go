package xsqlite

import (
	"context"
	"database/sql"
	"fmt"
)

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		`CREATE TABLE IF NOT EXISTS migrations(
  id INTEGER PRIMARY KEY CHECK (id = 0),
  version INTEGER
);`,
	); err != nil {
		return fmt.Errorf("error getting initial migrations table: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO migrations(id, version) VALUES (0, 0)`,
	); err != nil {
		return fmt.Errorf("error setting initial migration version: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT version FROM migrations WHERE id=0;`)

	var migrationVersion int
	if err := row.Scan(&migrationVersion); err != nil {
		return fmt.Errorf("failed to scan migration version: %w", err)
	}

	if err := migrateFrom(ctx, tx, migrationVersion); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}

func migrateFrom(ctx context.Context, tx *sql.Tx, version int) error {
	switch version {
	case 0:
		if err := migrateInitial(ctx, tx); err != nil {
			return fmt.Errorf("initial migration: %w", err)
		}
		if err := setMigrationVersion(ctx, tx, 1); err != nil {
			return err
		}
	case 1:
		// Up to date.
		return nil
	default:
		return fmt.Errorf("unknown migration version %d", version)
	}

	// If we didn't return inside the above switch statement,
	// then we did something with migrations.
	// According to https://sqlite.org/pragma.html#pragma_optimize,
	// "All applications should run `PRAGMA optimize;` after a schema change,
	// especially after one or more CREATE INDEX statements."
	// Creating tables is a schema change, so here we go.
	if _, err := tx.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("failed to run PRAGMA optimize after migration: %w", err)
	}

	return nil
}

func migrateInitial(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(
		ctx,
		// One row per recovery the watchdog performed.
		// The uuid column is the canonical string form of the
		// [xstore.RecoveryEvent] ID.
		// The at column is the event time in Unix nanoseconds,
		// so ordering by at is ordering by event time.
		`
CREATE TABLE recoveries(
  id INTEGER PRIMARY KEY NOT NULL,
  uuid TEXT NOT NULL UNIQUE CHECK(length(uuid) = 36),
  device TEXT NOT NULL CHECK(octet_length(device) > 0),
  attempt INTEGER NOT NULL CHECK (attempt > 0),
  at INTEGER NOT NULL
);
CREATE INDEX recoveries_by_device ON recoveries(device, at);`+

			// Counter snapshots of the hardware contexts inspected
			// on the sampling pass that triggered the recovery.
			// Insertion order matches the order the pass visited them,
			// so readers sort by id.
			`
CREATE TABLE recovery_contexts(
  id INTEGER PRIMARY KEY NOT NULL,
  recovery_id INTEGER NOT NULL,
  name TEXT NOT NULL,
  submitted INTEGER NOT NULL,
  completed INTEGER NOT NULL,
  last_sampled INTEGER NOT NULL,
  FOREIGN KEY(recovery_id) REFERENCES recoveries(id) ON DELETE CASCADE
);
CREATE INDEX recovery_contexts_by_recovery ON recovery_contexts(recovery_id);`+

			// View to simplify listing recoveries together with
			// the number of captured context snapshots.
			`
CREATE VIEW recoveries_with_context_counts(
  id, uuid, device, attempt, at,
  n_contexts
) AS SELECT
  r.id, r.uuid, r.device, r.attempt, r.at,
  COUNT(c.id) FROM recoveries AS r
LEFT JOIN recovery_contexts AS c ON c.recovery_id = r.id
GROUP BY r.id;
`+

			// Consistent end of long concatenated literal, to minimize diffs.
			"",
	)

	return err
}

func setMigrationVersion(ctx context.Context, tx *sql.Tx, version int) error {
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE migrations SET version = ? WHERE id = 0`,
		version,
	); err != nil {
		return fmt.Errorf("error setting migration version to %d: %w", version, err)
	}

	return nil
}
