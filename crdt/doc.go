package crdt

import (
	"math/rand"
	"sort"
	"sync"
)

// item is one element of a container: a rune of text, an array value, or
// one write to a map key. Deleted items stay linked as tombstones so that
// concurrent inserts can still find their origins.
type item struct {
	id          ID
	origin      *ID // left neighbour at creation
	rightOrigin *ID // right neighbour at creation
	parent      string
	key         string
	keyed       bool
	kind        contentKind
	content     []byte
	deleted     bool

	left  *item
	right *item
}

// branch is a named root container. Sequence items hang off start, map
// items form one chain per key and keys points at the newest of each chain.
type branch struct {
	start *item
	keys  map[string]*item
}

func (b *branch) keyStart(key string) *item {
	it := b.keys[key]
	for it != nil && it.left != nil {
		it = it.left
	}
	return it
}

// Applied summarizes one Apply call.
type Applied struct {
	Integrated int // items integrated, including previously pending ones
	Duplicates int // items already known
	Pending    int // items waiting for missing dependencies after the call
	Parked     int // items and deletions from this call still waiting
	Deleted    int // items newly marked deleted
}

// Changed reports whether the document content or state vector moved.
func (a Applied) Changed() bool {
	return a.Integrated > 0 || a.Deleted > 0
}

// Novel reports whether the update held anything the document did not
// already have, integrated or not.
func (a Applied) Novel() bool {
	return a.Changed() || a.Parked > 0
}

// Doc is a replicated document holding named text, array and map
// containers. All methods are safe for concurrent use; mutations are
// serialized and reads share a read lock.
type Doc struct {
	mu       sync.RWMutex
	clientID uint64
	clients  map[uint64][]*item // indexed by clock-1
	branches map[string]*branch

	// updates that arrived before their dependencies
	pending   map[ID]*item
	pendingDS DeleteSet
}

// NewDoc returns an empty document with a random replica id.
func NewDoc() *Doc {
	clientID := rand.Uint64()
	for clientID == 0 {
		clientID = rand.Uint64()
	}
	return NewDocWithClientID(clientID)
}

func NewDocWithClientID(clientID uint64) *Doc {
	return &Doc{
		clientID:  clientID,
		clients:   map[uint64][]*item{},
		branches:  map[string]*branch{},
		pending:   map[ID]*item{},
		pendingDS: DeleteSet{},
	}
}

// ClientID is the replica id used for local transactions.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// Apply integrates an encoded update. Items may arrive in any order and
// any number of times; items whose dependencies are missing are held until
// they arrive. Only structurally invalid input is an error.
func (d *Doc) Apply(data []byte) (Applied, error) {
	u, err := decodeUpdate(data)
	if err != nil {
		return Applied{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var applied Applied
	var parked []ID
	for _, it := range u.items {
		if d.known(it.id) {
			applied.Duplicates += 1
			continue
		}
		d.pending[it.id] = it
		parked = append(parked, it.id)
	}
	integrated, deleted := d.integratePending()
	applied.Integrated = integrated
	applied.Deleted = deleted
	for _, id := range parked {
		if _, ok := d.pending[id]; ok {
			applied.Parked += 1
		}
	}

	for _, client := range u.ds.clients() {
		for _, s := range u.ds[client] {
			deleted, parked := d.applyDeletes(client, s)
			applied.Deleted += deleted
			applied.Parked += parked
		}
	}
	applied.Pending = len(d.pending)
	return applied, nil
}

// applyDeletes marks the integrated part of s deleted and keeps the rest
// as a pending run, so the work is bounded by the items the document holds.
func (d *Doc) applyDeletes(client uint64, s span) (deleted int, parked int) {
	items := d.clients[client]
	known := uint64(len(items))
	for clock := s.clock; clock <= known && clock < s.end(); clock++ {
		if d.deleteItem(items[clock-1]) {
			deleted += 1
		}
	}
	if s.end() <= known+1 {
		return deleted, 0
	}
	rest := span{clock: max(s.clock, known+1)}
	rest.length = s.end() - rest.clock
	if d.pendingDS.covers(client, rest) {
		return deleted, 0
	}
	d.pendingDS.addSpan(client, rest)
	d.pendingDS.normalize()
	return deleted, 1
}

// StateVector returns a copy of the current state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stateVector()
}

func (d *Doc) stateVector() StateVector {
	sv := make(StateVector, len(d.clients))
	for client, items := range d.clients {
		if len(items) > 0 {
			sv[client] = uint64(len(items))
		}
	}
	return sv
}

// Diff encodes every item the holder of sv is missing plus the complete
// delete set. The output is deterministic for a given document state.
func (d *Doc) Diff(sv StateVector) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.diff(sv)
}

// Snapshot encodes the full document state, including pending items.
func (d *Doc) Snapshot() []byte {
	return d.Diff(nil)
}

// Checkpoint returns the snapshot and its extent, read consistently with
// each other.
func (d *Doc) Checkpoint() ([]byte, StateVector) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.diff(nil), d.extent()
}

// Extent returns the highest clock per replica the document holds in any
// form: integrated items, pending items and pending deletions. It covers
// the clock of every update applied so far and is at least the state
// vector.
func (d *Doc) Extent() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.extent()
}

func (d *Doc) extent() StateVector {
	sv := d.stateVector()
	for id := range d.pending {
		if sv[id.Client] < id.Clock {
			sv[id.Client] = id.Clock
		}
	}
	for client, spans := range d.pendingDS {
		if last := spans[len(spans)-1].end() - 1; sv[client] < last {
			sv[client] = last
		}
	}
	return sv
}

func (d *Doc) diff(sv StateVector) []byte {
	var items []*item
	for client, list := range d.clients {
		from := sv.Get(client)
		if from < uint64(len(list)) {
			items = append(items, list[from:]...)
		}
	}
	for id, it := range d.pending {
		if id.Clock > sv.Get(id.Client) {
			items = append(items, it)
		}
	}
	return encodeUpdate(items, d.deleteSet())
}

func (d *Doc) deleteSet() DeleteSet {
	ds := DeleteSet{}
	for client, items := range d.clients {
		for _, it := range items {
			if it.deleted {
				ds.addSpan(client, span{clock: it.id.Clock, length: 1})
			}
		}
	}
	for client, spans := range d.pendingDS {
		for _, s := range spans {
			ds.addSpan(client, s)
		}
	}
	return ds
}

func (d *Doc) known(id ID) bool {
	if id.Clock <= uint64(len(d.clients[id.Client])) {
		return true
	}
	_, ok := d.pending[id]
	return ok
}

func (d *Doc) getItem(id ID) *item {
	items := d.clients[id.Client]
	if id.Clock == 0 || id.Clock > uint64(len(items)) {
		return nil
	}
	return items[id.Clock-1]
}

func (d *Doc) branch(name string) *branch {
	b, ok := d.branches[name]
	if !ok {
		b = &branch{keys: map[string]*item{}}
		d.branches[name] = b
	}
	return b
}

func (d *Doc) ready(it *item) bool {
	if it.id.Clock != uint64(len(d.clients[it.id.Client]))+1 {
		return false
	}
	if it.origin != nil && d.getItem(*it.origin) == nil {
		return false
	}
	if it.rightOrigin != nil && d.getItem(*it.rightOrigin) == nil {
		return false
	}
	return true
}

// integratePending integrates pending items until no more become ready.
// Items are visited in (client, clock) order so the result does not depend
// on map iteration order.
func (d *Doc) integratePending() (integrated int, deleted int) {
	for len(d.pending) > 0 {
		ids := make([]ID, 0, len(d.pending))
		for id := range d.pending {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			if ids[i].Client != ids[j].Client {
				return ids[i].Client < ids[j].Client
			}
			return ids[i].Clock < ids[j].Clock
		})
		progress := false
		for _, id := range ids {
			it := d.pending[id]
			if !d.ready(it) {
				continue
			}
			delete(d.pending, id)
			deleted += d.integrate(it)
			integrated += 1
			progress = true
		}
		if !progress {
			break
		}
	}
	return
}

// integrate links a ready item into its container using the YATA rules and
// returns the number of items deleted as a side effect.
func (d *Doc) integrate(it *item) int {
	b := d.branch(it.parent)

	var left, right *item
	if it.origin != nil {
		left = d.getItem(*it.origin)
		if !sameContainer(left, it) {
			left = nil
		}
	}
	if it.rightOrigin != nil {
		right = d.getItem(*it.rightOrigin)
		if !sameContainer(right, it) {
			right = nil
		}
	}

	var o *item
	if left != nil {
		o = left.right
	} else if it.keyed {
		o = b.keyStart(it.key)
	} else {
		o = b.start
	}
	if o != right {
		conflicting := map[*item]bool{}
		beforeOrigin := map[*item]bool{}
		for o != nil && o != right {
			beforeOrigin[o] = true
			conflicting[o] = true
			if sameID(it.origin, o.origin) {
				if o.id.Client < it.id.Client {
					left = o
					clear(conflicting)
				} else if sameID(it.rightOrigin, o.rightOrigin) {
					break
				}
			} else if o.origin != nil && beforeOrigin[d.getItem(*o.origin)] {
				if !conflicting[d.getItem(*o.origin)] {
					left = o
					clear(conflicting)
				}
			} else {
				break
			}
			o = o.right
		}
	}

	it.left = left
	if left != nil {
		it.right = left.right
		left.right = it
	} else if it.keyed {
		it.right = b.keyStart(it.key)
	} else {
		it.right = b.start
		b.start = it
	}

	deleted := 0
	if it.right != nil {
		it.right.left = it
		if it.keyed && d.deleteItem(it) {
			// an older write that lost to a concurrent newer one
			deleted += 1
		}
	} else if it.keyed {
		b.keys[it.key] = it
		if it.left != nil && d.deleteItem(it.left) {
			deleted += 1
		}
	}

	d.clients[it.id.Client] = append(d.clients[it.id.Client], it)

	if d.pendingDS.contains(it.id) {
		if d.deleteItem(it) {
			deleted += 1
		}
	}
	return deleted
}

func sameContainer(a *item, it *item) bool {
	return a != nil && a.parent == it.parent && a.keyed == it.keyed && a.key == it.key
}

func (d *Doc) deleteItem(it *item) bool {
	if it.deleted {
		return false
	}
	it.deleted = true
	return true
}
