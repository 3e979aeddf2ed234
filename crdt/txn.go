package crdt

import (
	"encoding/json"
	"unicode/utf8"
)

// Txn is a local transaction. Every mutation made through it is
// integrated immediately and collected into the update returned by
// Doc.Transact.
type Txn struct {
	d       *Doc
	items   []*item
	deletes DeleteSet
}

// Transact runs fn under the document write lock and returns the encoded
// update describing its changes, or nil if fn changed nothing.
func (d *Doc) Transact(fn func(tx *Txn)) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := &Txn{d: d, deletes: DeleteSet{}}
	fn(tx)
	if len(tx.items) == 0 && len(tx.deletes) == 0 {
		return nil
	}
	return encodeUpdate(append([]*item(nil), tx.items...), tx.deletes)
}

func (tx *Txn) nextID() ID {
	return ID{Client: tx.d.clientID, Clock: uint64(len(tx.d.clients[tx.d.clientID])) + 1}
}

func (tx *Txn) push(it *item) {
	tx.d.integrate(it)
	tx.items = append(tx.items, it)
}

func (tx *Txn) delete(it *item) {
	if tx.d.deleteItem(it) {
		tx.deletes.add(it.id)
	}
}

// visibleAt returns the index-th visible sequence item, or nil if the
// container has fewer items.
func (tx *Txn) visibleAt(b *branch, kind contentKind, index int) *item {
	for it := b.start; it != nil; it = it.right {
		if it.deleted || it.kind != kind {
			continue
		}
		if index == 0 {
			return it
		}
		index -= 1
	}
	return nil
}

// insert places sequence contents after the index-th visible item.
// An index past the end appends.
func (tx *Txn) insert(name string, index int, kind contentKind, contents [][]byte) {
	b := tx.d.branch(name)
	var left *item
	if index > 0 {
		left = tx.visibleAt(b, kind, index-1)
		if left == nil {
			// clamp to the last item
			for it := b.start; it != nil; it = it.right {
				left = it
			}
		}
	}
	for _, content := range contents {
		var right *item
		if left != nil {
			right = left.right
		} else {
			right = b.start
		}
		it := &item{
			id:      tx.nextID(),
			parent:  name,
			kind:    kind,
			content: content,
		}
		if left != nil {
			id := left.id
			it.origin = &id
		}
		if right != nil {
			id := right.id
			it.rightOrigin = &id
		}
		tx.push(it)
		left = it
	}
}

func (tx *Txn) deleteRange(name string, kind contentKind, index int, length int) {
	b := tx.d.branch(name)
	it := tx.visibleAt(b, kind, index)
	for ; it != nil && length > 0; it = it.right {
		if it.deleted || it.kind != kind {
			continue
		}
		tx.delete(it)
		length -= 1
	}
}

// InsertText inserts s at a rune offset of the named text container.
func (tx *Txn) InsertText(name string, index int, s string) {
	contents := make([][]byte, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		contents = append(contents, []byte(string(r)))
	}
	tx.insert(name, index, contentString, contents)
}

// DeleteText removes length runes starting at index.
func (tx *Txn) DeleteText(name string, index int, length int) {
	tx.deleteRange(name, contentString, index, length)
}

// InsertArray inserts JSON-encodable values at index of the named array.
func (tx *Txn) InsertArray(name string, index int, values ...any) error {
	contents := make([][]byte, 0, len(values))
	for _, v := range values {
		content, err := json.Marshal(v)
		if err != nil {
			return err
		}
		contents = append(contents, content)
	}
	tx.insert(name, index, contentJSON, contents)
	return nil
}

func (tx *Txn) DeleteArray(name string, index int, length int) {
	tx.deleteRange(name, contentJSON, index, length)
}

// SetMap writes key in the named map. The previous value, if any, becomes
// the origin of the new write and is deleted.
func (tx *Txn) SetMap(name string, key string, value any) error {
	content, err := json.Marshal(value)
	if err != nil {
		return err
	}
	b := tx.d.branch(name)
	it := &item{
		id:      tx.nextID(),
		parent:  name,
		key:     key,
		keyed:   true,
		kind:    contentJSON,
		content: content,
	}
	if last := b.keys[key]; last != nil {
		id := last.id
		it.origin = &id
	}
	tx.push(it)
	if prev := it.left; prev != nil && prev.deleted {
		tx.deletes.add(prev.id)
	}
	return nil
}

func (tx *Txn) DeleteMap(name string, key string) {
	b := tx.d.branch(name)
	if last := b.keys[key]; last != nil {
		tx.delete(last)
	}
}

// MapGet reads key of the named map as of this point in the transaction.
func (tx *Txn) MapGet(name string, key string, v any) (bool, error) {
	return tx.d.mapGet(name, key, v)
}

// ClientID is the client every item of this transaction is written as.
func (tx *Txn) ClientID() uint64 {
	return tx.d.clientID
}
