package crdt

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// ID is a globally unique identifier for a single item, combining the
// replica that created it and that replica's logical clock.
// Clocks start at 1.
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

func sameID(a, b *ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// StateVector maps a replica to the highest clock integrated from it.
type StateVector map[uint64]uint64

// Get returns the clock for client, zero if nothing was integrated.
func (sv StateVector) Get(client uint64) uint64 {
	return sv[client]
}

func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for client, clock := range sv {
		out[client] = clock
	}
	return out
}

// Covers reports whether every clock in other is at or below the clock in sv.
func (sv StateVector) Covers(other StateVector) bool {
	for client, clock := range other {
		if sv[client] < clock {
			return false
		}
	}
	return true
}

// Merge raises every clock in sv to at least the clock in other.
func (sv StateVector) Merge(other StateVector) {
	for client, clock := range other {
		if sv[client] < clock {
			sv[client] = clock
		}
	}
}

func (sv StateVector) Equal(other StateVector) bool {
	return sv.Covers(other) && other.Covers(sv)
}

func (sv StateVector) clients() []uint64 {
	clients := make([]uint64, 0, len(sv))
	for client, clock := range sv {
		if clock > 0 {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}

func (sv StateVector) String() string {
	var b strings.Builder
	b.WriteString("{")
	for i, client := range sv.clients() {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%d:%d", client, sv[client])
	}
	b.WriteString("}")
	return b.String()
}

// Encode writes the vector as a count followed by (client, clock) pairs in
// ascending client order. Zero clocks are omitted.
func (sv StateVector) Encode() []byte {
	clients := sv.clients()
	b := protowire.AppendVarint(nil, uint64(len(clients)))
	for _, client := range clients {
		b = protowire.AppendVarint(b, client)
		b = protowire.AppendVarint(b, sv[client])
	}
	return b
}

// DecodeStateVector parses the output of StateVector.Encode.
func DecodeStateVector(b []byte) (StateVector, error) {
	r := &reader{b: b}
	sv, err := r.stateVector()
	if err != nil {
		return nil, err
	}
	if !r.done() {
		return nil, malformed("trailing bytes after state vector")
	}
	return sv, nil
}

// span is a contiguous run of clocks [clock, clock+length).
type span struct {
	clock  uint64
	length uint64
}

func (s span) end() uint64 {
	return s.clock + s.length
}

// DeleteSet is a set of deleted item ids, stored as sorted runs per client.
type DeleteSet map[uint64][]span

func (ds DeleteSet) add(id ID) {
	ds.addSpan(id.Client, span{clock: id.Clock, length: 1})
}

func (ds DeleteSet) addSpan(client uint64, s span) {
	ds[client] = append(ds[client], s)
}

// normalize sorts and merges adjacent or overlapping runs.
func (ds DeleteSet) normalize() {
	for client, spans := range ds {
		if len(spans) == 0 {
			delete(ds, client)
			continue
		}
		sort.Slice(spans, func(i, j int) bool { return spans[i].clock < spans[j].clock })
		merged := spans[:1]
		for _, s := range spans[1:] {
			last := &merged[len(merged)-1]
			if s.clock <= last.end() {
				if s.end() > last.end() {
					last.length = s.end() - last.clock
				}
				continue
			}
			merged = append(merged, s)
		}
		ds[client] = merged
	}
}

// contains and covers expect normalized runs.
func (ds DeleteSet) contains(id ID) bool {
	return ds.covers(id.Client, span{clock: id.Clock, length: 1})
}

func (ds DeleteSet) covers(client uint64, s span) bool {
	spans := ds[client]
	i := sort.Search(len(spans), func(i int) bool { return spans[i].end() > s.clock })
	return i < len(spans) && spans[i].clock <= s.clock && spans[i].end() >= s.end()
}

func (ds DeleteSet) clients() []uint64 {
	clients := make([]uint64, 0, len(ds))
	for client := range ds {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}
