package main

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"collabtext/crdt"
	"collabtext/workspace"
)

func edit(t *testing.T, doc *crdt.Doc, op Op) []byte {
	assert.Equal(t, nil, op.validate())
	current := doc.Text(textContainer)
	return doc.Transact(func(tx *crdt.Txn) { assert.Equal(t, nil, op.apply(tx, current, time.UnixMilli(1))) })
}

func TestOps(t *testing.T) {
	tests := []struct {
		name string
		ops  []Op
		want string
	}{
		{"insert", []Op{{Action: "insert", Text: "hello"}}, "hello"},
		{"insert past end", []Op{{Action: "insert", Text: "ab"}, {Action: "insert", Index: 10, Text: "c"}}, "abc"},
		{"delete", []Op{{Action: "insert", Text: "hello"}, {Action: "delete", Index: 1, Length: 3}}, "ho"},
		{"replace", []Op{{Action: "insert", Text: "the cat sat"}, {Action: "replace", Text: "the dog sat down"}}, "the dog sat down"},
		{"replace runes", []Op{{Action: "insert", Text: "héllo wörld"}, {Action: "replace", Text: "hallo wörld!"}}, "hallo wörld!"},
		{"replace to empty", []Op{{Action: "insert", Text: "abc"}, {Action: "replace"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := crdt.NewDoc()
			for _, op := range tt.ops {
				edit(t, doc, op)
			}
			assert.Equal(t, tt.want, doc.Text(textContainer))
		})
	}
}

func TestReplaceKeepsConcurrentEdits(t *testing.T) {
	base := crdt.NewDocWithClientID(1)
	seed := edit(t, base, Op{Action: "insert", Text: "one two three"})

	left := crdt.NewDocWithClientID(2)
	right := crdt.NewDocWithClientID(3)
	for _, d := range []*crdt.Doc{left, right} {
		_, err := d.Apply(seed)
		assert.Equal(t, nil, err)
	}

	// a full text replace on one side only touches the changed word
	u1 := edit(t, left, Op{Action: "replace", Text: "one 2 three"})
	u2 := edit(t, right, Op{Action: "insert", Index: 13, Text: " four"})

	_, err := left.Apply(u2)
	assert.Equal(t, nil, err)
	_, err = right.Apply(u1)
	assert.Equal(t, nil, err)
	assert.Equal(t, "one 2 three four", left.Text(textContainer))
	assert.Equal(t, left.Text(textContainer), right.Text(textContainer))
}

func TestOpValidate(t *testing.T) {
	assert.NotEqual(t, nil, Op{Action: "upsert"}.validate())
	assert.NotEqual(t, nil, Op{Action: "delete", Index: -1}.validate())
	assert.NotEqual(t, nil, Op{Action: "delete", Length: -2}.validate())
	assert.Equal(t, nil, Op{Action: "replace"}.validate())
	assert.NotEqual(t, nil, Op{Action: "block_create", Block: "b"}.validate())
	assert.NotEqual(t, nil, Op{Action: "block_set"}.validate())
	assert.Equal(t, nil, Op{Action: "block_create", Block: "b", Flavour: "affine:page"}.validate())
}

func TestBlockOps(t *testing.T) {
	doc := crdt.NewDocWithClientID(4)
	edit(t, doc, Op{Action: "block_create", Block: "p1", Flavour: "affine:paragraph", Props: map[string]any{"text": "hi"}})
	edit(t, doc, Op{Action: "block_set", Block: "p1", Props: map[string]any{"level": float64(2)}})

	b, ok := workspace.GetBlock(doc, "p1")
	assert.Equal(t, true, ok)
	assert.Equal(t, "affine:paragraph", b.Flavour)
	assert.Equal(t, map[string]any{"text": "hi", "level": float64(2)}, b.Props)

	var err error
	doc.Transact(func(tx *crdt.Txn) {
		err = Op{Action: "block_set", Block: "gone", Props: map[string]any{"x": 1}}.apply(tx, "", time.Now())
	})
	assert.NotEqual(t, nil, err)

	edit(t, doc, Op{Action: "block_remove", Block: "p1"})
	assert.Equal(t, 0, workspace.BlockCount(doc))
}
