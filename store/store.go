// Package store defines the durable update log that backs every workspace:
// an append-only sequence of deltas per workspace plus at most one snapshot
// that the log is replayed on top of.
package store

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"collabtext/crdt"
)

// Snapshot is the full encoded document state at Vector.
type Snapshot struct {
	ID        string // time ordered, changes on every compaction
	Data      []byte
	Vector    crdt.StateVector
	CreatedAt time.Time
}

// Record is one appended delta. Seq increases monotonically per workspace
// and is never reused, including across compactions.
type Record struct {
	Seq       uint64
	Origin    string
	Update    []byte
	Clock     crdt.StateVector
	CreatedAt time.Time
}

// Delta returns the record as a crdt.Delta.
func (r *Record) Delta() *crdt.Delta {
	return &crdt.Delta{
		Origin: r.Origin,
		Update: r.Update,
		Clock:  r.Clock,
	}
}

// Store is the storage contract consumed by the workspace registry. All
// backends must pass the storetest conformance suite.
type Store interface {
	// Append durably adds delta after all previous deltas of the workspace.
	// A delta is either fully recorded or not at all.
	Append(ctx context.Context, workspaceID string, delta *crdt.Delta) error

	// LoadLatest returns the current snapshot (nil if none) and every record
	// appended after it in append order.
	LoadLatest(ctx context.Context, workspaceID string) (*Snapshot, []*Record, error)

	// Compact atomically replaces the snapshot with data and removes the
	// records whose clocks are covered by covered. On failure the previous
	// snapshot and log stay intact.
	Compact(ctx context.Context, workspaceID string, data []byte, covered crdt.StateVector) error

	Close() error
}

// NewSnapshotID returns a time ordered identifier for a new snapshot.
func NewSnapshotID() string {
	return ulid.Make().String()
}

// CompactionPolicy decides when the log of a workspace is folded into a new
// snapshot. Zero fields disable the corresponding trigger.
type CompactionPolicy struct {
	MaxRecords int
	MaxBytes   int
}

func DefaultCompactionPolicy() CompactionPolicy {
	return CompactionPolicy{
		MaxRecords: 256,
		MaxBytes:   1 << 20,
	}
}

// Due reports whether a log of records entries totalling bytes should be
// compacted.
func (p CompactionPolicy) Due(records int, bytes int) bool {
	if p.MaxRecords > 0 && records >= p.MaxRecords {
		return true
	}
	if p.MaxBytes > 0 && bytes >= p.MaxBytes {
		return true
	}
	return false
}
