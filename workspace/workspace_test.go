package workspace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"collabtext/crdt"
	"collabtext/store"
	"collabtext/store/memstore"
	"collabtext/store/storetest"
)

// faultyStore counts loads and injects failures into a memstore.
type faultyStore struct {
	store.Store

	mu          sync.Mutex
	loads       int
	gate        chan struct{}
	failAppend  error
	failCompact error
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: memstore.New()}
}

func (s *faultyStore) LoadLatest(ctx context.Context, id string) (*store.Snapshot, []*store.Record, error) {
	s.mu.Lock()
	s.loads += 1
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return s.Store.LoadLatest(ctx, id)
}

func (s *faultyStore) Append(ctx context.Context, id string, delta *crdt.Delta) error {
	s.mu.Lock()
	err := s.failAppend
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Append(ctx, id, delta)
}

func (s *faultyStore) Compact(ctx context.Context, id string, data []byte, covered crdt.StateVector) error {
	s.mu.Lock()
	err := s.failCompact
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Compact(ctx, id, data, covered)
}

func (s *faultyStore) set(fn func(s *faultyStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testRegistry(s store.Store, policy store.CompactionPolicy) (*Registry, *clock) {
	c := &clock{now: time.Unix(1700000000, 0)}
	cfg := DefaultConfig(s)
	cfg.Policy = policy
	cfg.Now = c.Now
	return NewRegistry(cfg), c
}

func noCompaction() store.CompactionPolicy {
	return store.CompactionPolicy{}
}

func mergeAndAppend(t *testing.T, w *Workspace, deltas ...*crdt.Delta) {
	for _, d := range deltas {
		_, err := w.Merge(d)
		assert.Equal(t, nil, err)
		assert.Equal(t, nil, w.Append(context.Background(), d))
	}
}

func TestGetOrLoadSingleFlight(t *testing.T) {
	s := newFaultyStore()
	s.gate = make(chan struct{})
	r, _ := testRegistry(s, noCompaction())

	const callers = 16
	results := make([]*Workspace, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i += 1 {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := r.GetOrLoad(context.Background(), "ws")
			assert.Equal(t, nil, err)
			results[i] = w
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(s.gate)
	wg.Wait()

	assert.Equal(t, 1, s.loads)
	for _, w := range results {
		assert.Equal(t, true, w == results[0])
	}
	assert.Equal(t, 1, r.Len())
}

func TestLoadSnapshotThenLog(t *testing.T) {
	s := memstore.New()
	doc, deltas := storetest.Edits(t, 1, 8)
	for _, d := range deltas[:5] {
		assert.Equal(t, nil, s.Append(context.Background(), "ws", d))
	}
	base := crdt.NewDoc()
	for _, d := range deltas[:5] {
		_, err := base.Apply(d.Update)
		assert.Equal(t, nil, err)
	}
	data, covered := base.Checkpoint()
	assert.Equal(t, nil, s.Compact(context.Background(), "ws", data, covered))
	for _, d := range deltas[5:] {
		assert.Equal(t, nil, s.Append(context.Background(), "ws", d))
	}

	r, _ := testRegistry(s, noCompaction())
	w, err := r.GetOrLoad(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, crdt.StateVector{1: 8}, w.Doc().StateVector())
	assert.Equal(t, doc.Text("text"), w.Doc().Text("text"))
	assert.Equal(t, false, w.Dirty())
}

func TestCorruptLoad(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s store.Store)
	}{
		{"garbage snapshot", func(s store.Store) {
			s.Compact(context.Background(), "ws", []byte{0xff, 0xff}, crdt.StateVector{})
		}},
		{"snapshot behind its vector", func(s store.Store) {
			s.Compact(context.Background(), "ws", crdt.EmptyUpdate(), crdt.StateVector{1: 3})
		}},
		{"garbage record", func(s store.Store) {
			s.Append(context.Background(), "ws", &crdt.Delta{Origin: "x", Update: []byte{9}, Clock: crdt.StateVector{}})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memstore.New()
			tt.setup(s)
			r, _ := testRegistry(s, noCompaction())

			_, err := r.GetOrLoad(context.Background(), "ws")
			assert.Equal(t, true, store.IsCorrupt(err))
			assert.Equal(t, 0, r.Len())

			// other workspaces are unaffected
			_, err = r.GetOrLoad(context.Background(), "other")
			assert.Equal(t, nil, err)
		})
	}
}

func TestMergeMarksDirty(t *testing.T) {
	r, _ := testRegistry(memstore.New(), noCompaction())
	w, err := r.GetOrLoad(context.Background(), "ws")
	assert.Equal(t, nil, err)
	_, deltas := storetest.Edits(t, 1, 1)

	applied, err := w.Merge(deltas[0])
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, applied.Integrated)
	assert.Equal(t, true, w.Dirty())

	_, err = w.Merge(&crdt.Delta{Update: []byte{1, 2}})
	assert.Equal(t, true, errors.Is(err, crdt.ErrMalformed))
}

func TestDegradedAppendIsKeptAndRetried(t *testing.T) {
	s := newFaultyStore()
	r, _ := testRegistry(s, noCompaction())
	w, err := r.GetOrLoad(context.Background(), "ws")
	assert.Equal(t, nil, err)
	_, deltas := storetest.Edits(t, 1, 3)

	mergeAndAppend(t, w, deltas[0])
	s.set(func(s *faultyStore) { s.failAppend = store.Transient(errors.New("connection reset")) })

	for _, d := range deltas[1:] {
		_, err := w.Merge(d)
		assert.Equal(t, nil, err)
		err = w.Append(context.Background(), d)
		assert.Equal(t, true, store.IsTransient(err))
	}
	assert.Equal(t, true, w.Degraded())
	assert.Equal(t, "abc", w.Doc().Text("text"))

	s.set(func(s *faultyStore) { s.failAppend = nil })
	assert.Equal(t, nil, w.Flush(context.Background(), false))
	assert.Equal(t, false, w.Degraded())

	_, records, err := s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(records))
	for i, rec := range records {
		assert.Equal(t, deltas[i].Update, rec.Update)
	}
}

func TestCompactionPolicy(t *testing.T) {
	s := memstore.New()
	r, _ := testRegistry(s, store.CompactionPolicy{MaxRecords: 3})
	w, err := r.GetOrLoad(context.Background(), "ws")
	assert.Equal(t, nil, err)
	doc, deltas := storetest.Edits(t, 1, 4)

	mergeAndAppend(t, w, deltas[:2]...)
	assert.Equal(t, false, w.CompactDue())
	mergeAndAppend(t, w, deltas[2])
	assert.Equal(t, true, w.CompactDue())

	assert.Equal(t, nil, w.Flush(context.Background(), false))
	assert.Equal(t, false, w.CompactDue())
	assert.Equal(t, false, w.Dirty())

	mergeAndAppend(t, w, deltas[3])
	snapshot, records, err := s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, crdt.StateVector{1: 3}, snapshot.Vector)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, doc.Text("text"), storetest.Replay(t, snapshot, records).Text("text"))
}

func TestCompactionFoldsEarlyDeletes(t *testing.T) {
	s := memstore.New()
	r, _ := testRegistry(s, noCompaction())
	w, err := r.GetOrLoad(context.Background(), "ws")
	assert.Equal(t, nil, err)

	src := crdt.NewDocWithClientID(5)
	insert := src.Transact(func(tx *crdt.Txn) { tx.InsertText("text", 0, "xy") })
	remove := src.Transact(func(tx *crdt.Txn) { tx.DeleteText("text", 0, 2) })
	early, err := crdt.NewDelta("s", remove)
	assert.Equal(t, nil, err)

	// the deletion arrives before the items it removes
	applied, err := w.Merge(early)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, applied.Novel())
	assert.Equal(t, nil, w.Append(context.Background(), early))
	assert.Equal(t, true, w.Dirty())

	assert.Equal(t, nil, w.Flush(context.Background(), true))
	snapshot, records, err := s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(records))
	assert.Equal(t, true, early.Covered(snapshot.Vector))

	reloaded := storetest.Replay(t, snapshot, records)
	_, err = reloaded.Apply(insert)
	assert.Equal(t, nil, err)
	assert.Equal(t, "", reloaded.Text("text"))
}

func TestSnapshotRescuesDegradedUpdates(t *testing.T) {
	s := newFaultyStore()
	r, _ := testRegistry(s, noCompaction())
	w, err := r.GetOrLoad(context.Background(), "ws")
	assert.Equal(t, nil, err)
	_, deltas := storetest.Edits(t, 1, 2)

	s.set(func(s *faultyStore) { s.failAppend = store.Transient(errors.New("log unavailable")) })
	for _, d := range deltas {
		_, err := w.Merge(d)
		assert.Equal(t, nil, err)
		w.Append(context.Background(), d)
	}
	assert.Equal(t, true, w.Degraded())

	// the log still refuses writes but a snapshot gets through
	assert.Equal(t, nil, w.Flush(context.Background(), true))
	assert.Equal(t, false, w.Degraded())

	snapshot, records, err := s.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(records))
	assert.Equal(t, "ab", storetest.Replay(t, snapshot, nil).Text("text"))
}

func TestEvictIdle(t *testing.T) {
	s := newFaultyStore()
	r, c := testRegistry(s, noCompaction())
	ctx := context.Background()

	w, release, err := r.Acquire(ctx, "ws")
	assert.Equal(t, nil, err)
	_, deltas := storetest.Edits(t, 1, 2)
	mergeAndAppend(t, w, deltas...)

	c.Advance(time.Hour)
	assert.Equal(t, 0, r.EvictIdle(ctx, time.Minute))

	release()
	release()
	assert.Equal(t, 0, w.Sessions())
	assert.Equal(t, 0, r.EvictIdle(ctx, time.Minute))

	c.Advance(2 * time.Minute)
	assert.Equal(t, 1, r.EvictIdle(ctx, time.Minute))
	assert.Equal(t, 0, r.Len())

	// eviction flushed a snapshot; reloading reads it back
	snapshot, records, err := s.LoadLatest(ctx, "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, snapshot != nil)
	assert.Equal(t, 0, len(records))

	reloaded, err := r.GetOrLoad(ctx, "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, reloaded != w)
	assert.Equal(t, "ab", reloaded.Doc().Text("text"))
	assert.Equal(t, 2, s.loads)
}

func TestEvictKeepsWorkspaceWhenFlushFails(t *testing.T) {
	s := newFaultyStore()
	r, c := testRegistry(s, noCompaction())
	ctx := context.Background()

	w, release, err := r.Acquire(ctx, "ws")
	assert.Equal(t, nil, err)
	_, deltas := storetest.Edits(t, 1, 1)
	mergeAndAppend(t, w, deltas...)
	release()

	s.set(func(s *faultyStore) { s.failCompact = store.Transient(errors.New("down")) })
	c.Advance(time.Hour)
	assert.Equal(t, 0, r.EvictIdle(ctx, time.Minute))
	assert.Equal(t, 1, r.Len())

	s.set(func(s *faultyStore) { s.failCompact = nil })
	assert.Equal(t, 1, r.EvictIdle(ctx, time.Minute))
}

func TestPresence(t *testing.T) {
	r, _ := testRegistry(memstore.New(), noCompaction())
	w, err := r.GetOrLoad(context.Background(), "ws")
	assert.Equal(t, nil, err)

	assert.Equal(t, true, w.SetPresence("a", []byte("cursor 1")))
	assert.Equal(t, true, w.SetPresence("b", []byte("cursor 2")))
	assert.Equal(t, true, w.SetPresence("a", nil))
	assert.Equal(t, false, w.SetPresence("a", nil))
	assert.Equal(t, map[string][]byte{"b": []byte("cursor 2")}, w.Presences())
}

func TestCloseFlushesAll(t *testing.T) {
	s := memstore.New()
	r, _ := testRegistry(s, noCompaction())
	ctx := context.Background()
	for _, id := range []string{"one", "two"} {
		w, err := r.GetOrLoad(ctx, id)
		assert.Equal(t, nil, err)
		_, deltas := storetest.Edits(t, 1, 2)
		mergeAndAppend(t, w, deltas...)
	}

	assert.Equal(t, nil, r.Close(ctx))
	for _, id := range []string{"one", "two"} {
		snapshot, records, err := s.LoadLatest(ctx, id)
		assert.Equal(t, nil, err)
		assert.Equal(t, crdt.StateVector{1: 2}, snapshot.Vector)
		assert.Equal(t, 0, len(records))
	}
	_, err := r.GetOrLoad(ctx, "three")
	assert.Equal(t, true, errors.Is(err, ErrClosed))
}

func TestBackgroundCompaction(t *testing.T) {
	s := memstore.New()
	r, _ := testRegistry(s, store.CompactionPolicy{MaxRecords: 2})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	w, err := r.GetOrLoad(ctx, "ws")
	assert.Equal(t, nil, err)
	_, deltas := storetest.Edits(t, 1, 2)
	mergeAndAppend(t, w, deltas...)

	deadline := time.Now().Add(5 * time.Second)
	for {
		snapshot, _, err := s.LoadLatest(context.Background(), "ws")
		assert.Equal(t, nil, err)
		if snapshot != nil {
			assert.Equal(t, crdt.StateVector{1: 2}, snapshot.Vector)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no background compaction")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
