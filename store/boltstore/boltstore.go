// Package boltstore persists workspace logs in a single bbolt file.
//
// Layout: a top level "workspaces" bucket holds one bucket per workspace,
// each with a "log" bucket keyed by big endian sequence numbers and a
// "meta" bucket holding the current snapshot.
package boltstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"collabtext/crdt"
	"collabtext/store"
)

var (
	bucketWorkspaces = []byte("workspaces")
	bucketLog        = []byte("log")
	bucketMeta       = []byte("meta")

	keySnapshotID      = []byte("snapshot_id")
	keySnapshotData    = []byte("snapshot_data")
	keySnapshotVector  = []byte("snapshot_vector")
	keySnapshotCreated = []byte("snapshot_created")
)

type BoltStore struct {
	db *bolt.DB
}

// Open opens or creates the store file at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWorkspaces)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bolt.ErrTimeout):
		return store.Transient(err)
	case errors.Is(err, bolt.ErrDatabaseNotOpen):
		return store.ErrClosed
	}
	return err
}

func workspaceBucket(tx *bolt.Tx, workspaceID string) (*bolt.Bucket, error) {
	ws, err := tx.Bucket(bucketWorkspaces).CreateBucketIfNotExists([]byte(workspaceID))
	if err != nil {
		return nil, err
	}
	if _, err := ws.CreateBucketIfNotExists(bucketLog); err != nil {
		return nil, err
	}
	if _, err := ws.CreateBucketIfNotExists(bucketMeta); err != nil {
		return nil, err
	}
	return ws, nil
}

func (s *BoltStore) Append(ctx context.Context, workspaceID string, delta *crdt.Delta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		ws, err := workspaceBucket(tx, workspaceID)
		if err != nil {
			return err
		}
		log := ws.Bucket(bucketLog)
		seq, err := log.NextSequence()
		if err != nil {
			return err
		}
		record := &store.Record{
			Seq:       seq,
			Origin:    delta.Origin,
			Update:    delta.Update,
			Clock:     delta.Clock,
			CreatedAt: time.Now(),
		}
		return log.Put(seqKey(seq), store.EncodeRecord(record))
	})
	return classify(err)
}

func (s *BoltStore) LoadLatest(ctx context.Context, workspaceID string) (*store.Snapshot, []*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	var snapshot *store.Snapshot
	var records []*store.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		ws := tx.Bucket(bucketWorkspaces).Bucket([]byte(workspaceID))
		if ws == nil {
			return nil
		}
		if meta := ws.Bucket(bucketMeta); meta != nil && meta.Get(keySnapshotData) != nil {
			vector, err := crdt.DecodeStateVector(meta.Get(keySnapshotVector))
			if err != nil {
				return store.Corrupt(workspaceID, "snapshot vector: %v", err)
			}
			var created time.Time
			if v := meta.Get(keySnapshotCreated); len(v) == 8 {
				created = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
			}
			snapshot = &store.Snapshot{
				ID:        string(meta.Get(keySnapshotID)),
				Data:      append([]byte(nil), meta.Get(keySnapshotData)...),
				Vector:    vector,
				CreatedAt: created,
			}
		}
		log := ws.Bucket(bucketLog)
		if log == nil {
			return nil
		}
		return log.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return store.Corrupt(workspaceID, "bad log key %x", k)
			}
			record, err := store.DecodeRecord(binary.BigEndian.Uint64(k), v)
			if err != nil {
				return store.Corrupt(workspaceID, "log record %x: %v", k, err)
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, nil, classify(err)
	}
	return snapshot, records, nil
}

func (s *BoltStore) Compact(ctx context.Context, workspaceID string, data []byte, covered crdt.StateVector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		ws, err := workspaceBucket(tx, workspaceID)
		if err != nil {
			return err
		}
		meta := ws.Bucket(bucketMeta)
		created := make([]byte, 8)
		binary.BigEndian.PutUint64(created, uint64(time.Now().UnixNano()))
		puts := [][2][]byte{
			{keySnapshotID, []byte(store.NewSnapshotID())},
			{keySnapshotData, data},
			{keySnapshotVector, covered.Encode()},
			{keySnapshotCreated, created},
		}
		for _, kv := range puts {
			if err := meta.Put(kv[0], kv[1]); err != nil {
				return err
			}
		}

		log := ws.Bucket(bucketLog)
		var drop [][]byte
		err = log.ForEach(func(k, v []byte) error {
			record, err := store.DecodeRecord(binary.BigEndian.Uint64(k), v)
			if err != nil {
				return store.Corrupt(workspaceID, "log record %x: %v", k, err)
			}
			if covered.Covers(record.Clock) {
				drop = append(drop, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range drop {
			if err := log.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return classify(err)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
