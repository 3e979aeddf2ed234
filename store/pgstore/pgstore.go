// Package pgstore persists workspace logs in PostgreSQL through a pgx pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/crdt"
	"collabtext/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS collab_workspaces (
    id TEXT PRIMARY KEY,
    last_seq BIGINT NOT NULL DEFAULT 0,
    snapshot_id TEXT,
    snapshot_data BYTEA,
    snapshot_vector BYTEA,
    snapshot_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS collab_updates (
    workspace_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    origin TEXT NOT NULL,
    clock BYTEA NOT NULL,
    payload BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (workspace_id, seq)
);
`

type PgStore struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and ensures the schema exists.
func Open(ctx context.Context, databaseURL string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: unable to connect to database: %w", err)
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*PgStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, classify(err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("pgstore: schema: %w", err)
	}
	return &PgStore{pool: pool}, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return store.Transient(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "23505":
			// serialization failure, deadlock, or a concurrent append won the seq
			return store.Transient(err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return store.Transient(err)
		case pgErr.Code == "XX001", pgErr.Code == "XX002":
			return fmt.Errorf("%w: %w", store.ErrCorrupt, err)
		}
		return err
	}
	return store.ClassifyNetError(err)
}

func (s *PgStore) Append(ctx context.Context, workspaceID string, delta *crdt.Delta) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var seq int64
		err := tx.QueryRow(ctx, `
INSERT INTO collab_workspaces(id, last_seq) VALUES($1, 1)
ON CONFLICT (id) DO UPDATE SET last_seq = collab_workspaces.last_seq + 1
RETURNING last_seq`, workspaceID).Scan(&seq)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
INSERT INTO collab_updates(workspace_id, seq, origin, clock, payload)
VALUES($1, $2, $3, $4, $5)`,
			workspaceID, seq, delta.Origin, delta.Clock.Encode(), delta.Update)
		return err
	})
	return classify(err)
}

func (s *PgStore) LoadLatest(ctx context.Context, workspaceID string) (*store.Snapshot, []*store.Record, error) {
	var snapshot *store.Snapshot
	var records []*store.Record
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		var (
			snapshotID   *string
			snapshotData []byte
			vector       []byte
			snapshotAt   *time.Time
		)
		err := tx.QueryRow(ctx, `
SELECT snapshot_id, snapshot_data, snapshot_vector, snapshot_at
FROM collab_workspaces WHERE id = $1`, workspaceID).Scan(&snapshotID, &snapshotData, &vector, &snapshotAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if snapshotData != nil {
			sv, err := crdt.DecodeStateVector(vector)
			if err != nil {
				return store.Corrupt(workspaceID, "snapshot vector: %v", err)
			}
			snapshot = &store.Snapshot{
				Data:   snapshotData,
				Vector: sv,
			}
			if snapshotID != nil {
				snapshot.ID = *snapshotID
			}
			if snapshotAt != nil {
				snapshot.CreatedAt = *snapshotAt
			}
		}

		rows, err := tx.Query(ctx, `
SELECT seq, origin, clock, payload, created_at
FROM collab_updates WHERE workspace_id = $1 ORDER BY seq`, workspaceID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r     store.Record
				seq   int64
				clock []byte
			)
			if err := rows.Scan(&seq, &r.Origin, &clock, &r.Update, &r.CreatedAt); err != nil {
				return err
			}
			if r.Clock, err = crdt.DecodeStateVector(clock); err != nil {
				return store.Corrupt(workspaceID, "record %d clock: %v", seq, err)
			}
			r.Seq = uint64(seq)
			records = append(records, &r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, classify(err)
	}
	return snapshot, records, nil
}

func (s *PgStore) Compact(ctx context.Context, workspaceID string, data []byte, covered crdt.StateVector) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO collab_workspaces(id, snapshot_id, snapshot_data, snapshot_vector, snapshot_at)
VALUES($1, $2, $3, $4, now())
ON CONFLICT (id) DO UPDATE SET
    snapshot_id = EXCLUDED.snapshot_id,
    snapshot_data = EXCLUDED.snapshot_data,
    snapshot_vector = EXCLUDED.snapshot_vector,
    snapshot_at = EXCLUDED.snapshot_at`,
			workspaceID, store.NewSnapshotID(), data, covered.Encode())
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `SELECT seq, clock FROM collab_updates WHERE workspace_id = $1 FOR UPDATE`, workspaceID)
		if err != nil {
			return err
		}
		var drop []int64
		for rows.Next() {
			var seq int64
			var clock []byte
			if err := rows.Scan(&seq, &clock); err != nil {
				rows.Close()
				return err
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
			return err
		}
		if len(drop) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `DELETE FROM collab_updates WHERE workspace_id = $1 AND seq = ANY($2)`, workspaceID, drop)
		return err
	})
	return classify(err)
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}
