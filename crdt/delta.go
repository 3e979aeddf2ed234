package crdt

// Delta is an encoded update tagged with the session that produced it.
// Clock holds, per replica, the highest clock the update touches, either by
// carrying an item or by deleting one. A delta is covered by a state vector
// that covers its Clock.
type Delta struct {
	Origin string
	Update []byte
	Clock  StateVector
}

// NewDelta validates update and computes its clock span.
func NewDelta(origin string, update []byte) (*Delta, error) {
	clock, err := UpdateClock(update)
	if err != nil {
		return nil, err
	}
	return &Delta{
		Origin: origin,
		Update: update,
		Clock:  clock,
	}, nil
}

// UpdateClock returns the highest clock per replica referenced by an update.
func UpdateClock(data []byte) (StateVector, error) {
	u, err := decodeUpdate(data)
	if err != nil {
		return nil, err
	}
	clock := StateVector{}
	for _, it := range u.items {
		if clock[it.id.Client] < it.id.Clock {
			clock[it.id.Client] = it.id.Clock
		}
	}
	for client, spans := range u.ds {
		for _, s := range spans {
			if last := s.end() - 1; clock[client] < last {
				clock[client] = last
			}
		}
	}
	return clock, nil
}

// IsEmptyUpdate reports whether an update carries no items and no deletions.
func IsEmptyUpdate(data []byte) bool {
	u, err := decodeUpdate(data)
	return err == nil && len(u.items) == 0 && len(u.ds) == 0
}

// EmptyUpdate returns the encoding of an update with no content.
func EmptyUpdate() []byte {
	return encodeUpdate(nil, DeleteSet{})
}

// Covered reports whether sv covers every clock the delta references.
func (dl *Delta) Covered(sv StateVector) bool {
	return sv.Covers(dl.Clock)
}

// Size is the payload size used for compaction accounting.
func (dl *Delta) Size() int {
	return len(dl.Update) + len(dl.Origin)
}
