package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
	bolt "go.etcd.io/bbolt"

	"collabtext/store"
	"collabtext/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "collab.db"))
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		return s
	})
}

func TestReopenKeepsLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.db")
	s, err := Open(path)
	assert.Equal(t, nil, err)
	doc, deltas := storetest.Edits(t, 9, 3)
	for _, d := range deltas {
		assert.Equal(t, nil, s.Append(context.Background(), "ws", d))
	}
	assert.Equal(t, nil, s.Close())

	s, err = Open(path)
	assert.Equal(t, nil, err)
	defer s.Close()
	snapshot, records, err := s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(records))
	assert.Equal(t, doc.Snapshot(), storetest.Replay(t, snapshot, records).Snapshot())
}

func TestCorruptRecord(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "collab.db"))
	assert.Equal(t, nil, err)
	defer s.Close()

	_, deltas := storetest.Edits(t, 1, 1)
	assert.Equal(t, nil, s.Append(context.Background(), "ws", deltas[0]))
	err = s.db.Update(func(tx *bolt.Tx) error {
		log := tx.Bucket(bucketWorkspaces).Bucket([]byte("ws")).Bucket(bucketLog)
		return log.Put(seqKey(2), []byte{0xff})
	})
	assert.Equal(t, nil, err)

	_, _, err = s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, true, store.IsCorrupt(err))
}
