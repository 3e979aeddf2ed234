package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	"collabtext/store"
	"collabtext/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(":memory:")
		if err != nil {
			t.Fatalf("Open(:memory:) failed: %v", err)
		}
		return s
	})
}

func TestConformanceFile(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "collab.sqlite"))
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		return s
	})
}

func TestCorruptClock(t *testing.T) {
	s, err := Open(":memory:")
	assert.Equal(t, nil, err)
	defer s.Close()

	_, deltas := storetest.Edits(t, 1, 1)
	assert.Equal(t, nil, s.Append(context.Background(), "ws", deltas[0]))
	_, err = s.db.Exec(`UPDATE collab_updates SET clock = ? WHERE workspace_id = ?`, []byte{0xff}, "ws")
	assert.Equal(t, nil, err)

	_, _, err = s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, true, store.IsCorrupt(err))
}
