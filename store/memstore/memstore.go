// Package memstore keeps workspace logs in process memory. Data is lost on
// exit; it serves tests and ephemeral servers.
package memstore

import (
	"context"
	"sync"
	"time"

	"collabtext/crdt"
	"collabtext/store"
)

type workspaceLog struct {
	snapshot *store.Snapshot
	records  []*store.Record
	lastSeq  uint64
}

type MemStore struct {
	mu         sync.Mutex
	workspaces map[string]*workspaceLog
	closed     bool
}

func New() *MemStore {
	return &MemStore{
		workspaces: map[string]*workspaceLog{},
	}
}

func (s *MemStore) log(workspaceID string) *workspaceLog {
	l, ok := s.workspaces[workspaceID]
	if !ok {
		l = &workspaceLog{}
		s.workspaces[workspaceID] = l
	}
	return l
}

func (s *MemStore) Append(ctx context.Context, workspaceID string, delta *crdt.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	l := s.log(workspaceID)
	l.lastSeq += 1
	l.records = append(l.records, &store.Record{
		Seq:       l.lastSeq,
		Origin:    delta.Origin,
		Update:    append([]byte(nil), delta.Update...),
		Clock:     delta.Clock.Clone(),
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *MemStore) LoadLatest(ctx context.Context, workspaceID string) (*store.Snapshot, []*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, store.ErrClosed
	}

	l, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, nil, nil
	}
	var snapshot *store.Snapshot
	if l.snapshot != nil {
		snapshot = &store.Snapshot{
			ID:        l.snapshot.ID,
			Data:      append([]byte(nil), l.snapshot.Data...),
			Vector:    l.snapshot.Vector.Clone(),
			CreatedAt: l.snapshot.CreatedAt,
		}
	}
	records := make([]*store.Record, 0, len(l.records))
	for _, r := range l.records {
		c := *r
		records = append(records, &c)
	}
	return snapshot, records, nil
}

func (s *MemStore) Compact(ctx context.Context, workspaceID string, data []byte, covered crdt.StateVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	l := s.log(workspaceID)
	l.snapshot = &store.Snapshot{
		ID:        store.NewSnapshotID(),
		Data:      append([]byte(nil), data...),
		Vector:    covered.Clone(),
		CreatedAt: time.Now(),
	}
	kept := l.records[:0]
	for _, r := range l.records {
		if !covered.Covers(r.Clock) {
			kept = append(kept, r)
		}
	}
	l.records = kept
	return nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
