// Package sqlitestore persists workspace logs in SQLite through the pure Go
// modernc.org/sqlite driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"collabtext/crdt"
	"collabtext/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS collab_workspaces (
    id TEXT PRIMARY KEY,
    last_seq INTEGER NOT NULL DEFAULT 0,
    snapshot_id TEXT,
    snapshot_data BLOB,
    snapshot_vector BLOB,
    snapshot_at INTEGER
);
CREATE TABLE IF NOT EXISTS collab_updates (
    workspace_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    origin TEXT NOT NULL,
    clock BLOB NOT NULL,
    payload BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (workspace_id, seq)
);
`

type SQLiteStore struct {
	db *sql.DB
}

// Open opens the database file at path (":memory:" for a private in-memory
// database) and ensures the schema exists.
func Open(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers and keeps :memory: shared
	db.SetMaxOpenConns(1)
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database handle.
func New(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlitestore: db is nil")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlitestore: schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
			return store.Transient(err)
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return fmt.Errorf("%w: %w", store.ErrCorrupt, err)
		}
	}
	if errors.Is(err, driver.ErrBadConn) {
		return store.Transient(err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return store.ErrClosed
	}
	return store.ClassifyNetError(err)
}

func (s *SQLiteStore) Append(ctx context.Context, workspaceID string, delta *crdt.Delta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx, `
INSERT INTO collab_workspaces(id, last_seq) VALUES(?, 1)
ON CONFLICT(id) DO UPDATE SET last_seq = last_seq + 1
RETURNING last_seq`, workspaceID).Scan(&seq)
	if err != nil {
		return classify(err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO collab_updates(workspace_id, seq, origin, clock, payload, created_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		workspaceID, seq, delta.Origin, delta.Clock.Encode(), delta.Update, time.Now().UnixNano())
	if err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (s *SQLiteStore) LoadLatest(ctx context.Context, workspaceID string) (*store.Snapshot, []*store.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		snapshotID   sql.NullString
		snapshotData []byte
		vector       []byte
		snapshotAt   sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `
SELECT snapshot_id, snapshot_data, snapshot_vector, snapshot_at
FROM collab_workspaces WHERE id = ?`, workspaceID).Scan(&snapshotID, &snapshotData, &vector, &snapshotAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, classify(err)
	}

	var snapshot *store.Snapshot
	if snapshotData != nil {
		sv, err := crdt.DecodeStateVector(vector)
		if err != nil {
			return nil, nil, store.Corrupt(workspaceID, "snapshot vector: %v", err)
		}
		snapshot = &store.Snapshot{
			ID:        snapshotID.String,
			Data:      snapshotData,
			Vector:    sv,
			CreatedAt: time.Unix(0, snapshotAt.Int64),
		}
	}

	rows, err := tx.QueryContext(ctx, `
SELECT seq, origin, clock, payload, created_at
FROM collab_updates WHERE workspace_id = ? ORDER BY seq`, workspaceID)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer rows.Close()

	var records []*store.Record
	for rows.Next() {
		var (
			r       store.Record
			seq     int64
			clock   []byte
			created int64
		)
		if err := rows.Scan(&seq, &r.Origin, &clock, &r.Update, &created); err != nil {
			return nil, nil, classify(err)
		}
		if r.Clock, err = crdt.DecodeStateVector(clock); err != nil {
			return nil, nil, store.Corrupt(workspaceID, "record %d clock: %v", seq, err)
		}
		r.Seq = uint64(seq)
		r.CreatedAt = time.Unix(0, created)
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classify(err)
	}
	return snapshot, records, nil
}

func (s *SQLiteStore) Compact(ctx context.Context, workspaceID string, data []byte, covered crdt.StateVector) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO collab_workspaces(id, snapshot_id, snapshot_data, snapshot_vector, snapshot_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    snapshot_id = excluded.snapshot_id,
    snapshot_data = excluded.snapshot_data,
    snapshot_vector = excluded.snapshot_vector,
    snapshot_at = excluded.snapshot_at`,
		workspaceID, store.NewSnapshotID(), data, covered.Encode(), time.Now().UnixNano())
	if err != nil {
		return classify(err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT seq, clock FROM collab_updates WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return classify(err)
	}
	var drop []int64
	for rows.Next() {
		var seq int64
		var clock []byte
		if err := rows.Scan(&seq, &clock); err != nil {
			rows.Close()
			return classify(err)
		}
		sv, err := crdt.DecodeStateVector(clock)
		if err != nil {
			rows.Close()
			return store.Corrupt(workspaceID, "record %d clock: %v", seq, err)
		}
		if covered.Covers(sv) {
			drop = append(drop, seq)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return classify(err)
	}

	for _, seq := range drop {
		_, err := tx.ExecContext(ctx, `DELETE FROM collab_updates WHERE workspace_id = ? AND seq = ?`, workspaceID, seq)
		if err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit())
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
