// Package xsqlite provides an [xstore.RecoveryStore] backed by SQLite,
// for recovery journals that must survive a driver restart.
package xsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/trace"
	"strings"
	"sync/atomic"
	"time"

	"github.com/SamuelBayliss/xdna-driver/xstore"
	"github.com/google/uuid"
)

// Store is an on-disk or in-memory SQLite-backed recovery journal.
type Store struct {
	// The string "purego" or "cgo" depending on build tags.
	BuildType string

	// Due to transaction locking behaviors of sqlite
	// (see: https://www.sqlite.org/lang_transaction.html),
	// and the way they interact with the Go SQL drivers,
	// it is better to maintain two separate connection pools.
	ro, rw *sql.DB
}

func NewOnDiskStore(ctx context.Context, dbPath string) (*Store, error) {
	dbPath = filepath.Clean(dbPath)
	if _, err := os.Stat(dbPath); err != nil {
		// Create a file for the database;
		// if no file exists, then our startup pragma commands fail.
		if os.IsNotExist(err) {
			// The file did not exist so we need to create it.
			// We don't use os.Create since that will truncate an existing file.
			f, err := os.OpenFile(dbPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return nil, fmt.Errorf("failed to create empty database file: %w", err)
			}
			if err := f.Close(); err != nil {
				return nil, fmt.Errorf("failed to close new empty database file: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to stat path %q: %w", dbPath, err)
		}
	}

	// In contrast to the in-memory store,
	// we only have to mark this connection mode as read-write.
	// In combination with the SetMaxOpenConns(1) call,
	// this allows only a single writer at a time;
	// instead of other writers getting an ephemeral "table is locked"
	// or "database is locked" error, they will simply block
	// while contending for the single available connection.
	uri := "file:" + dbPath + "?mode=rw"

	// The driver type comes from the sqlitedriver_*.go file
	// chosen based on build tags.
	rw, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening read-write database: %w", err)
	}

	rw.SetMaxOpenConns(1)

	// Unlike other pragmas, this is persistent,
	// and it is only relevant to on-disk databases.
	if _, err := rw.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		return nil, fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	if err := pragmasRW(ctx, rw); err != nil {
		return nil, err
	}

	if err := migrate(ctx, rw); err != nil {
		return nil, err
	}

	// Change mode=rw to mode=ro (since we know that was the final query parameter).
	uri = uri[:len(uri)-1] + "o"
	ro, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening read-only database: %w", err)
	}
	if err := pragmasRO(ctx, ro); err != nil {
		return nil, err
	}

	return &Store{
		BuildType: sqliteBuildType,

		rw: rw,
		ro: ro,
	}, nil
}

var inMemNameCounter uint32

func NewInMemStore(ctx context.Context) (*Store, error) {
	dbName := fmt.Sprintf("db%0000d", atomic.AddUint32(&inMemNameCounter, 1))
	uri := "file:" + dbName +
		// Give the "file" a unique name so that multiple connections within one process
		// can use the same in-memory database.
		// Standard query parameter: https://www.sqlite.org/uri.html#recognized_query_parameters
		"?mode=memory" +
		// The cache can only be shared or private.
		// A private cache means every connection would see a unique database,
		// so this must be shared.
		"&cache=shared" +
		// Both SQLite wrappers support _txlock.
		// Immediate effectively takes a write lock on the database
		// at the beginning of every transaction.
		// https://www.sqlite.org/lang_transaction.html#deferred_immediate_and_exclusive_transactions
		"&_txlock=immediate"

	// The driver type comes from the sqlitedriver_*.go file
	// chosen based on build tags.
	rw, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening read-write database: %w", err)
	}

	// Without limiting it to one open connection,
	// we would get frequent "table is locked" errors.
	// These errors, as far as I can tell,
	// do not automatically resolve with the busy timeout handler.
	// So, only allow one active write connection to the database at a time.
	rw.SetMaxOpenConns(1)

	// We don't set journal mode to WAL with the in-memory store,
	// like we do at this point in the on-disk store.

	if err := pragmasRW(ctx, rw); err != nil {
		return nil, err
	}

	if err := migrate(ctx, rw); err != nil {
		return nil, err
	}

	// It would be nice if there was a way to mark this connection as read-only,
	// but that does not appear possible with the drivers available
	// (you have to connect to an on-disk database for that).
	// We use an identical connection URI except for removing the txlock directive.
	var ok bool
	uri, ok = strings.CutSuffix(uri, "&_txlock=immediate")
	if !ok {
		panic(fmt.Errorf("BUG: failed to cut _txlock suffix from uri %q", uri))
	}
	ro, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening read-only database: %w", err)
	}
	if err := pragmasRO(ctx, ro); err != nil {
		return nil, err
	}

	return &Store{
		BuildType: sqliteBuildType,

		rw: rw,
		ro: ro,
	}, nil
}

func (s *Store) Close() error {
	errRO := s.ro.Close()
	if errRO != nil {
		errRO = fmt.Errorf("error closing read-only database: %w", errRO)
	}
	errRW := s.rw.Close()
	if errRW != nil {
		errRW = fmt.Errorf("error closing read-write database: %w", errRW)
	}

	return errors.Join(errRO, errRW)
}

func (s *Store) SaveRecoveryEvent(ctx context.Context, ev xstore.RecoveryEvent) error {
	defer trace.StartRegion(ctx, "SaveRecoveryEvent").End()

	tx, err := s.rw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO recoveries(uuid, device, attempt, at) VALUES(?, ?, ?, ?);`,
		ev.ID.String(), ev.Device, ev.Attempt, ev.Time.UnixNano(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return xstore.DoubleSaveError{ID: ev.ID}
		}
		return fmt.Errorf("failed to insert recovery: %w", err)
	}

	recoveryID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID after saving recovery: %w", err)
	}

	for _, c := range ev.Contexts {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO recovery_contexts(recovery_id, name, submitted, completed, last_sampled)
VALUES(?, ?, ?, ?, ?);`,
			recoveryID, c.Name, c.Submitted, c.Completed, c.LastSampled,
		); err != nil {
			return fmt.Errorf("failed to insert context snapshot %q: %w", c.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit saving recovery event: %w", err)
	}

	return nil
}

func (s *Store) LoadRecoveryEvent(ctx context.Context, id uuid.UUID) (xstore.RecoveryEvent, error) {
	defer trace.StartRegion(ctx, "LoadRecoveryEvent").End()

	ev := xstore.RecoveryEvent{ID: id}

	var recoveryID, at int64
	if err := s.ro.QueryRowContext(
		ctx,
		`SELECT id, device, attempt, at FROM recoveries WHERE uuid = ?;`,
		id.String(),
	).Scan(&recoveryID, &ev.Device, &ev.Attempt, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return xstore.RecoveryEvent{}, xstore.ErrEventNotFound
		}
		return xstore.RecoveryEvent{}, fmt.Errorf("failed to select recovery: %w", err)
	}
	ev.Time = time.Unix(0, at).UTC()

	var err error
	ev.Contexts, err = s.selectContexts(ctx, recoveryID)
	if err != nil {
		return xstore.RecoveryEvent{}, err
	}

	return ev, nil
}

func (s *Store) LoadRecoveryEvents(ctx context.Context, device string, limit int) ([]xstore.RecoveryEvent, error) {
	defer trace.StartRegion(ctx, "LoadRecoveryEvents").End()

	if limit <= 0 {
		// SQLite treats a negative LIMIT as no limit.
		limit = -1
	}

	// Limit applies to events, not joined rows, hence the subquery.
	rows, err := s.ro.QueryContext(
		ctx,
		`
SELECT r.id, r.uuid, r.device, r.attempt, r.at,
  c.name, c.submitted, c.completed, c.last_sampled
FROM (
  SELECT id, uuid, device, attempt, at FROM recoveries
    WHERE (? = '' OR device = ?)
    ORDER BY at DESC, id DESC
    LIMIT ?
) AS r
LEFT JOIN recovery_contexts AS c ON c.recovery_id = r.id
ORDER BY r.at DESC, r.id DESC, c.id ASC;
`,
		device, device, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recoveries: %w", err)
	}
	defer rows.Close()

	var out []xstore.RecoveryEvent
	var curID int64
	for rows.Next() {
		var (
			recoveryID, at int64
			idText         string
			dev            string
			attempt        uint64

			name                              sql.NullString
			submitted, completed, lastSampled sql.NullInt64
		)
		if err := rows.Scan(
			&recoveryID, &idText, &dev, &attempt, &at,
			&name, &submitted, &completed, &lastSampled,
		); err != nil {
			return nil, fmt.Errorf("failed to scan recovery row: %w", err)
		}

		if len(out) == 0 || recoveryID != curID {
			id, err := uuid.Parse(idText)
			if err != nil {
				return nil, fmt.Errorf("failed to parse recovery event ID %q: %w", idText, err)
			}
			out = append(out, xstore.RecoveryEvent{
				ID:      id,
				Device:  dev,
				Attempt: attempt,
				Time:    time.Unix(0, at).UTC(),
			})
			curID = recoveryID
		}

		// Null context columns mean the event had no snapshots.
		if name.Valid {
			ev := &out[len(out)-1]
			ev.Contexts = append(ev.Contexts, xstore.ContextSample{
				Name:        name.String,
				Submitted:   uint64(submitted.Int64),
				Completed:   uint64(completed.Int64),
				LastSampled: uint64(lastSampled.Int64),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recovery rows: %w", err)
	}

	return out, nil
}

func (s *Store) selectContexts(ctx context.Context, recoveryID int64) ([]xstore.ContextSample, error) {
	rows, err := s.ro.QueryContext(
		ctx,
		`SELECT name, submitted, completed, last_sampled FROM recovery_contexts
  WHERE recovery_id = ? ORDER BY id ASC;`,
		recoveryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query context snapshots: %w", err)
	}
	defer rows.Close()

	var out []xstore.ContextSample
	for rows.Next() {
		var c xstore.ContextSample
		if err := rows.Scan(&c.Name, &c.Submitted, &c.Completed, &c.LastSampled); err != nil {
			return nil, fmt.Errorf("failed to scan context snapshot: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate context snapshots: %w", err)
	}

	return out, nil
}

func pragmasRW(ctx context.Context, db *sql.DB) error {
	defer trace.StartRegion(ctx, "pragmasRW").End()

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("failed to set foreign keys on: %w", err)
	}

	// https://www.sqlite.org/lang_analyze.html#periodically_run_pragma_optimize_
	// "Applications that use long-lived database connections should run `PRAGMA optimize=0x10002;`
	// when the connection is first opened,
	// and then also run `PRAGMA optimize;` periodically,
	// perhaps once per day, or more if the database is evolving rapidly."
	if _, err := db.ExecContext(ctx, `PRAGMA optimize(0x10002);`); err != nil {
		return fmt.Errorf("failed to run startup PRAGMA optimize: %w", err)
	}

	return nil
}

func pragmasRO(ctx context.Context, db *sql.DB) error {
	defer trace.StartRegion(ctx, "pragmasRO").End()

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("failed to set foreign keys on: %w", err)
	}

	// Skip PRAGMA optimize for the read-only pragmas.

	return nil
}
