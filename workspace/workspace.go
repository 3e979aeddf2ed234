// Package workspace owns the in-memory documents of loaded workspaces and
// keeps them in step with the update log store.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabtext/crdt"
	"collabtext/store"
)

var ErrClosed = errors.New("workspace: registry closed")

// Workspace is one loaded document with its attached sessions. Merges are
// serialized by the document; store writes are serialized by persistMu so
// that the log of a workspace grows in one sequence.
type Workspace struct {
	ID string

	doc    *crdt.Doc
	store  store.Store
	policy store.CompactionPolicy
	now    func() time.Time
	due    func(*Workspace)

	persistMu sync.Mutex

	mu         sync.Mutex
	refs       int
	idleSince  time.Time
	dirty      bool
	version    uint64
	unsaved    []*crdt.Delta
	logRecords int
	logBytes   int
	presence   map[string][]byte
	queued     bool
}

func newWorkspace(id string, s store.Store, policy store.CompactionPolicy, now func() time.Time) *Workspace {
	return &Workspace{
		ID:        id,
		doc:       crdt.NewDoc(),
		store:     s,
		policy:    policy,
		now:       now,
		idleSince: now(),
		presence:  map[string][]byte{},
	}
}

// load rebuilds the document from the latest snapshot and the records
// appended after it.
func load(ctx context.Context, id string, s store.Store, policy store.CompactionPolicy, now func() time.Time) (*Workspace, error) {
	snapshot, records, err := s.LoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}
	w := newWorkspace(id, s, policy, now)
	if snapshot != nil {
		if _, err := w.doc.Apply(snapshot.Data); err != nil {
			return nil, store.Corrupt(id, "snapshot %s: %v", snapshot.ID, err)
		}
		if !w.doc.Extent().Covers(snapshot.Vector) {
			return nil, store.Corrupt(id, "snapshot %s does not reach %s", snapshot.ID, snapshot.Vector)
		}
	}
	for _, r := range records {
		if _, err := w.doc.Apply(r.Update); err != nil {
			return nil, store.Corrupt(id, "record %d: %v", r.Seq, err)
		}
		w.logRecords += 1
		w.logBytes += r.Delta().Size()
	}
	glog.Infof("[ws]%s loaded snapshot=%t records=%d state=%s", id, snapshot != nil, len(records), w.doc.StateVector())
	return w, nil
}

// Doc returns the shared document. Callers must mutate it only through
// Merge so that changes are tracked for persistence.
func (w *Workspace) Doc() *crdt.Doc {
	return w.doc
}

// Merge integrates delta into the document. Only malformed updates fail.
func (w *Workspace) Merge(delta *crdt.Delta) (crdt.Applied, error) {
	applied, err := w.doc.Apply(delta.Update)
	if err != nil {
		return applied, err
	}
	if applied.Novel() {
		w.mu.Lock()
		w.dirty = true
		w.version += 1
		w.mu.Unlock()
	}
	return applied, nil
}

// Append writes delta to the store after any deltas still waiting from an
// earlier failure. On failure delta is kept in memory, the workspace is
// degraded and the error is returned; a later Append or Flush retries.
func (w *Workspace) Append(ctx context.Context, delta *crdt.Delta) error {
	w.persistMu.Lock()
	w.mu.Lock()
	w.unsaved = append(w.unsaved, delta)
	w.mu.Unlock()
	err := w.drain(ctx)
	w.persistMu.Unlock()

	if err == nil && w.CompactDue() && w.due != nil {
		w.due(w)
	}
	return err
}

// drain appends unsaved deltas in order. persistMu must be held.
func (w *Workspace) drain(ctx context.Context) error {
	for {
		w.mu.Lock()
		if len(w.unsaved) == 0 {
			w.mu.Unlock()
			return nil
		}
		next := w.unsaved[0]
		backlog := len(w.unsaved)
		w.mu.Unlock()

		if err := w.store.Append(ctx, w.ID, next); err != nil {
			glog.Warningf("[ws]%s append failed, %d updates held in memory: %v", w.ID, backlog, err)
			return err
		}

		w.mu.Lock()
		w.unsaved = w.unsaved[1:]
		w.logRecords += 1
		w.logBytes += next.Size()
		recovered := len(w.unsaved) == 0 && backlog > 1
		w.mu.Unlock()
		if recovered {
			glog.Infof("[ws]%s unsaved updates written", w.ID)
		}
	}
}

// Degraded reports whether some merged updates are not yet in the store.
func (w *Workspace) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.unsaved) > 0
}

func (w *Workspace) Dirty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty
}

// CompactDue reports whether the log since the last snapshot crossed the
// compaction policy.
func (w *Workspace) CompactDue() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.policy.Due(w.logRecords, w.logBytes)
}

// Compact folds the current document into a new snapshot and drops the log
// records it covers.
func (w *Workspace) Compact(ctx context.Context) error {
	w.persistMu.Lock()
	defer w.persistMu.Unlock()
	return w.compact(ctx)
}

func (w *Workspace) compact(ctx context.Context) error {
	w.mu.Lock()
	version := w.version
	w.mu.Unlock()

	data, covered := w.doc.Checkpoint()
	if err := w.store.Compact(ctx, w.ID, data, covered); err != nil {
		return fmt.Errorf("compact %s: %w", w.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.unsaved[:0]
	for _, delta := range w.unsaved {
		if !delta.Covered(covered) {
			kept = append(kept, delta)
		}
	}
	w.unsaved = kept
	w.logRecords = 0
	w.logBytes = 0
	if w.version == version {
		w.dirty = false
	}
	glog.Infof("[ws]%s compacted at %s (%d bytes)", w.ID, covered, len(data))
	return nil
}

// Flush writes unsaved deltas and compacts when the policy asks for it, or
// when force is set and the document changed since the last snapshot.
func (w *Workspace) Flush(ctx context.Context, force bool) error {
	w.persistMu.Lock()
	defer w.persistMu.Unlock()

	drainErr := w.drain(ctx)
	w.mu.Lock()
	compact := w.policy.Due(w.logRecords, w.logBytes) || (force && w.dirty)
	w.mu.Unlock()
	if !compact {
		return drainErr
	}
	// a snapshot also persists whatever the log could not take
	if err := w.compact(ctx); err != nil {
		return errors.Join(drainErr, err)
	}
	return nil
}

// Attach records a new holder of the workspace.
func (w *Workspace) Attach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs += 1
}

// Detach releases one holder. The idle clock starts when the last one
// leaves.
func (w *Workspace) Detach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refs > 0 {
		w.refs -= 1
	}
	if w.refs == 0 {
		w.idleSince = w.now()
	}
}

func (w *Workspace) Sessions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refs
}

func (w *Workspace) idle(now time.Time, threshold time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refs == 0 && now.Sub(w.idleSince) >= threshold
}

// SetPresence stores the latest presence payload of a session. An empty
// payload removes it. It reports whether anything changed.
func (w *Workspace) SetPresence(sessionID string, payload []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(payload) == 0 {
		_, ok := w.presence[sessionID]
		delete(w.presence, sessionID)
		return ok
	}
	w.presence[sessionID] = append([]byte(nil), payload...)
	return true
}

// Presences returns a copy of the retained presence payloads by session.
func (w *Workspace) Presences() map[string][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string][]byte, len(w.presence))
	for id, payload := range w.presence {
		out[id] = payload
	}
	return out
}
