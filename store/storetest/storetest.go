// Package storetest is the conformance suite every store backend runs.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
	"golang.org/x/sync/errgroup"

	"collabtext/crdt"
	"collabtext/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"EmptyWorkspace", testEmptyWorkspace},
		{"AppendOrder", testAppendOrder},
		{"WorkspaceIsolation", testWorkspaceIsolation},
		{"CompactRoundTrip", testCompactRoundTrip},
		{"CompactKeepsUncovered", testCompactKeepsUncovered},
		{"SeqMonotonicAcrossCompaction", testSeqMonotonic},
		{"SnapshotThenLog", testSnapshotThenLog},
		{"ConcurrentAppends", testConcurrentAppends},
		{"RecompactReplacesSnapshot", testRecompact},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

// Edits produces n single rune inserts from a replica with the given client
// id, returning the source document and one delta per edit.
func Edits(t *testing.T, clientID uint64, n int) (*crdt.Doc, []*crdt.Delta) {
	doc := crdt.NewDocWithClientID(clientID)
	deltas := make([]*crdt.Delta, 0, n)
	for i := 0; i < n; i += 1 {
		u := doc.Transact(func(tx *crdt.Txn) {
			tx.InsertText("text", i, string(rune('a'+i%26)))
		})
		delta, err := crdt.NewDelta(fmt.Sprintf("session-%d", clientID), u)
		assert.Equal(t, nil, err)
		deltas = append(deltas, delta)
	}
	return doc, deltas
}

// Replay rebuilds a document from LoadLatest output.
func Replay(t *testing.T, snapshot *store.Snapshot, records []*store.Record) *crdt.Doc {
	doc := crdt.NewDoc()
	if snapshot != nil {
		_, err := doc.Apply(snapshot.Data)
		assert.Equal(t, nil, err)
	}
	for _, r := range records {
		_, err := doc.Apply(r.Update)
		assert.Equal(t, nil, err)
	}
	return doc
}

func appendAll(t *testing.T, s store.Store, workspaceID string, deltas []*crdt.Delta) {
	for _, d := range deltas {
		assert.Equal(t, nil, s.Append(context.Background(), workspaceID, d))
	}
}

func testEmptyWorkspace(t *testing.T, s store.Store) {
	snapshot, records, err := s.LoadLatest(context.Background(), "missing")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, snapshot == nil)
	assert.Equal(t, 0, len(records))
}

func testAppendOrder(t *testing.T, s store.Store) {
	_, deltas := Edits(t, 1, 5)
	appendAll(t, s, "ws", deltas)

	snapshot, records, err := s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, snapshot == nil)
	assert.Equal(t, len(deltas), len(records))
	for i, r := range records {
		assert.Equal(t, deltas[i].Update, r.Update)
		assert.Equal(t, deltas[i].Origin, r.Origin)
		assert.Equal(t, deltas[i].Clock, r.Clock)
		if i > 0 && records[i-1].Seq >= r.Seq {
			t.Fatalf("seq not increasing: %d then %d", records[i-1].Seq, r.Seq)
		}
	}
}

func testWorkspaceIsolation(t *testing.T, s store.Store) {
	_, a := Edits(t, 1, 3)
	_, b := Edits(t, 2, 2)
	appendAll(t, s, "a", a)
	appendAll(t, s, "b", b)

	doc, _ := Edits(t, 1, 3)
	assert.Equal(t, nil, s.Compact(context.Background(), "a", doc.Snapshot(), doc.StateVector()))

	_, records, err := s.LoadLatest(context.Background(), "b")
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(records))
	assert.Equal(t, b[0].Update, records[0].Update)
}

func testCompactRoundTrip(t *testing.T, s store.Store) {
	doc, deltas := Edits(t, 1, 10)
	appendAll(t, s, "ws", deltas)
	before := doc.StateVector()

	assert.Equal(t, nil, s.Compact(context.Background(), "ws", doc.Snapshot(), before))

	snapshot, records, err := s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, snapshot != nil)
	assert.Equal(t, 0, len(records))
	assert.Equal(t, before, snapshot.Vector)
	assert.NotEqual(t, "", snapshot.ID)

	replayed := Replay(t, snapshot, records)
	assert.Equal(t, before, replayed.StateVector())
	assert.Equal(t, doc.Text("text"), replayed.Text("text"))
}

func testCompactKeepsUncovered(t *testing.T, s store.Store) {
	doc, deltas := Edits(t, 1, 4)
	appendAll(t, s, "ws", deltas)
	_, other := Edits(t, 2, 1)
	appendAll(t, s, "ws", other)

	// the snapshot only covers replica 1, so replica 2's delta must survive
	assert.Equal(t, nil, s.Compact(context.Background(), "ws", doc.Snapshot(), doc.StateVector()))

	snapshot, records, err := s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, other[0].Update, records[0].Update)

	replayed := Replay(t, snapshot, records)
	assert.Equal(t, crdt.StateVector{1: 4, 2: 1}, replayed.StateVector())
}

func testSeqMonotonic(t *testing.T, s store.Store) {
	doc, deltas := Edits(t, 1, 3)
	appendAll(t, s, "ws", deltas)
	_, records, err := s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	last := records[len(records)-1].Seq

	assert.Equal(t, nil, s.Compact(context.Background(), "ws", doc.Snapshot(), doc.StateVector()))

	u := doc.Transact(func(tx *crdt.Txn) { tx.InsertText("text", 0, "z") })
	delta, err := crdt.NewDelta("late", u)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, s.Append(context.Background(), "ws", delta))

	_, records, err = s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(records))
	if records[0].Seq <= last {
		t.Fatalf("seq %d reused after compaction (last %d)", records[0].Seq, last)
	}
}

func testSnapshotThenLog(t *testing.T, s store.Store) {
	doc, deltas := Edits(t, 1, 8)
	appendAll(t, s, "ws", deltas[:5])

	// snapshot at {1:5}
	base := crdt.NewDoc()
	for _, d := range deltas[:5] {
		_, err := base.Apply(d.Update)
		assert.Equal(t, nil, err)
	}
	assert.Equal(t, crdt.StateVector{1: 5}, base.StateVector())
	assert.Equal(t, nil, s.Compact(context.Background(), "ws", base.Snapshot(), base.StateVector()))

	appendAll(t, s, "ws", deltas[5:])

	snapshot, records, err := s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, crdt.StateVector{1: 5}, snapshot.Vector)
	assert.Equal(t, 3, len(records))

	replayed := Replay(t, snapshot, records)
	assert.Equal(t, crdt.StateVector{1: 8}, replayed.StateVector())
	assert.Equal(t, doc.Snapshot(), replayed.Snapshot())
}

func testConcurrentAppends(t *testing.T, s store.Store) {
	const writers = 4
	const perWriter = 8

	all := map[string]bool{}
	var g errgroup.Group
	for w := 0; w < writers; w += 1 {
		_, deltas := Edits(t, uint64(w+1), perWriter)
		for _, d := range deltas {
			all[string(d.Update)] = true
		}
		g.Go(func() error {
			for _, d := range deltas {
				if err := s.Append(context.Background(), "ws", d); err != nil {
					return err
				}
			}
			return nil
		})
	}
	assert.Equal(t, nil, g.Wait())

	_, records, err := s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, writers*perWriter, len(records))
	seen := map[uint64]bool{}
	for _, r := range records {
		assert.Equal(t, true, all[string(r.Update)])
		assert.Equal(t, false, seen[r.Seq])
		seen[r.Seq] = true
	}
}

func testRecompact(t *testing.T, s store.Store) {
	doc, deltas := Edits(t, 1, 2)
	appendAll(t, s, "ws", deltas)
	assert.Equal(t, nil, s.Compact(context.Background(), "ws", doc.Snapshot(), doc.StateVector()))
	first, _, err := s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)

	u := doc.Transact(func(tx *crdt.Txn) { tx.InsertText("text", 2, "!") })
	delta, err := crdt.NewDelta("s", u)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, s.Append(context.Background(), "ws", delta))
	assert.Equal(t, nil, s.Compact(context.Background(), "ws", doc.Snapshot(), doc.StateVector()))

	second, records, err := s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(records))
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, crdt.StateVector{1: 3}, second.Vector)
	assert.Equal(t, "ab!", Replay(t, second, nil).Text("text"))
}
