package workspace

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"collabtext/crdt"
)

func TestBlockLifecycle(t *testing.T) {
	doc := crdt.NewDocWithClientID(5)
	now := time.UnixMilli(1000)

	var created *Block
	doc.Transact(func(tx *crdt.Txn) {
		var err error
		created, err = CreateBlock(tx, "b1", "affine:paragraph", now)
		assert.Equal(t, nil, err)
		_, err = CreateBlock(tx, "b2", "affine:page", now)
		assert.Equal(t, nil, err)
		assert.Equal(t, nil, SetMetadata(tx, "name", "Team space"))
	})
	assert.Equal(t, "b1", created.ID)
	assert.Equal(t, 2, BlockCount(doc))
	assert.Equal(t, true, BlockExists(doc, "b1"))
	assert.Equal(t, false, BlockExists(doc, "nope"))
	assert.Equal(t, map[string]any{"name": "Team space"}, Metadata(doc))

	got, ok := GetBlock(doc, "b1")
	assert.Equal(t, true, ok)
	assert.Equal(t, "affine:paragraph", got.Flavour)
	assert.Equal(t, int64(1000), got.Created)

	u, ok := LastUpdate(doc, "b1")
	assert.Equal(t, true, ok)
	assert.Equal(t, BlockUpdate{Client: 5, At: 1000}, u)

	pages := BlocksByFlavour(doc, "affine:page")
	assert.Equal(t, 1, len(pages))
	assert.Equal(t, "b2", pages[0].ID)
	all := Blocks(doc)
	assert.Equal(t, 2, len(all))
	assert.Equal(t, "b1", all[0].ID)

	doc.Transact(func(tx *crdt.Txn) {
		ok, err := SetBlockProps(tx, "b1", map[string]any{"text": "hi", "bold": true}, time.UnixMilli(2000))
		assert.Equal(t, nil, err)
		assert.Equal(t, true, ok)
		ok, err = SetBlockProps(tx, "b1", map[string]any{"bold": nil}, time.UnixMilli(2000))
		assert.Equal(t, nil, err)
		assert.Equal(t, true, ok)
		ok, err = SetBlockProps(tx, "missing", map[string]any{"x": 1}, now)
		assert.Equal(t, nil, err)
		assert.Equal(t, false, ok)
	})
	got, _ = GetBlock(doc, "b1")
	assert.Equal(t, map[string]any{"text": "hi"}, got.Props)
	assert.Equal(t, int64(1000), got.Created)
	u, _ = LastUpdate(doc, "b1")
	assert.Equal(t, int64(2000), u.At)

	// creating again keeps the existing block
	doc.Transact(func(tx *crdt.Txn) {
		again, err := CreateBlock(tx, "b1", "affine:page", now)
		assert.Equal(t, nil, err)
		assert.Equal(t, "affine:paragraph", again.Flavour)
	})

	var removed bool
	doc.Transact(func(tx *crdt.Txn) {
		removed = RemoveBlock(tx, "b1")
		removed = RemoveBlock(tx, "b2") && removed
		assert.Equal(t, false, RemoveBlock(tx, "b1"))
	})
	assert.Equal(t, true, removed)
	assert.Equal(t, 0, BlockCount(doc))
	assert.Equal(t, 0, len(doc.MapEntries(UpdatedContainer)))
}

func TestBlocksConverge(t *testing.T) {
	left := crdt.NewDocWithClientID(1)
	right := crdt.NewDocWithClientID(2)
	now := time.UnixMilli(1)

	u1 := left.Transact(func(tx *crdt.Txn) {
		_, err := CreateBlock(tx, "a", "affine:paragraph", now)
		assert.Equal(t, nil, err)
	})
	_, err := right.Apply(u1)
	assert.Equal(t, nil, err)

	// one side edits the block while the other removes it
	u2 := left.Transact(func(tx *crdt.Txn) {
		_, err := SetBlockProps(tx, "a", map[string]any{"text": "x"}, now)
		assert.Equal(t, nil, err)
	})
	u3 := right.Transact(func(tx *crdt.Txn) { RemoveBlock(tx, "a") })
	_, err = left.Apply(u3)
	assert.Equal(t, nil, err)
	_, err = right.Apply(u2)
	assert.Equal(t, nil, err)

	assert.Equal(t, BlockExists(left, "a"), BlockExists(right, "a"))
	assert.Equal(t, left.Map(BlocksContainer), right.Map(BlocksContainer))
}
