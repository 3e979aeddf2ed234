package workspace

import (
	"encoding/json"
	"sort"
	"time"

	"collabtext/crdt"
)

// Containers holding the block tree of a workspace document.
const (
	BlocksContainer   = "blocks"
	UpdatedContainer  = "updated"
	MetadataContainer = "space:meta"
)

// Block is one entry of the blocks container.
type Block struct {
	ID      string         `json:"-"`
	Flavour string         `json:"sys:flavour"`
	Created int64          `json:"sys:created"`
	Props   map[string]any `json:"props,omitempty"`
}

// BlockUpdate records the last write to a block.
type BlockUpdate struct {
	Client uint64 `json:"client"`
	At     int64  `json:"at"`
}

// CreateBlock adds a block of the given flavour. A block that already
// exists is returned unchanged.
func CreateBlock(tx *crdt.Txn, id string, flavour string, now time.Time) (*Block, error) {
	b := &Block{ID: id}
	ok, err := tx.MapGet(BlocksContainer, id, b)
	if err != nil || ok {
		return b, err
	}
	b.Flavour = flavour
	b.Created = now.UnixMilli()
	return b, writeBlock(tx, b, now)
}

// SetBlockProps merges props into an existing block. A nil value removes
// the prop. It reports false when there is no such block.
func SetBlockProps(tx *crdt.Txn, id string, props map[string]any, now time.Time) (bool, error) {
	b := &Block{ID: id}
	ok, err := tx.MapGet(BlocksContainer, id, b)
	if err != nil || !ok {
		return false, err
	}
	if b.Props == nil {
		b.Props = map[string]any{}
	}
	for k, v := range props {
		if v == nil {
			delete(b.Props, k)
		} else {
			b.Props[k] = v
		}
	}
	return true, writeBlock(tx, b, now)
}

func writeBlock(tx *crdt.Txn, b *Block, now time.Time) error {
	if err := tx.SetMap(BlocksContainer, b.ID, b); err != nil {
		return err
	}
	return tx.SetMap(UpdatedContainer, b.ID, BlockUpdate{Client: tx.ClientID(), At: now.UnixMilli()})
}

// RemoveBlock deletes a block and its update record.
func RemoveBlock(tx *crdt.Txn, id string) bool {
	var raw json.RawMessage
	if ok, _ := tx.MapGet(BlocksContainer, id, &raw); !ok {
		return false
	}
	tx.DeleteMap(BlocksContainer, id)
	tx.DeleteMap(UpdatedContainer, id)
	return true
}

// SetMetadata writes one key of the workspace metadata.
func SetMetadata(tx *crdt.Txn, key string, value any) error {
	return tx.SetMap(MetadataContainer, key, value)
}

func GetBlock(doc *crdt.Doc, id string) (*Block, bool) {
	b := &Block{ID: id}
	ok, err := doc.MapGet(BlocksContainer, id, b)
	if err != nil || !ok {
		return nil, false
	}
	return b, true
}

func BlockExists(doc *crdt.Doc, id string) bool {
	_, ok := GetBlock(doc, id)
	return ok
}

func BlockCount(doc *crdt.Doc) int {
	return len(Blocks(doc))
}

// LastUpdate returns who last wrote a block and when.
func LastUpdate(doc *crdt.Doc, id string) (BlockUpdate, bool) {
	var u BlockUpdate
	ok, err := doc.MapGet(UpdatedContainer, id, &u)
	return u, ok && err == nil
}

// Blocks lists every block ordered by id. Entries that are not blocks are
// skipped.
func Blocks(doc *crdt.Doc) []*Block {
	return BlocksByFlavour(doc, "")
}

// BlocksByFlavour lists the blocks of one flavour ordered by id. An empty
// flavour matches every block.
func BlocksByFlavour(doc *crdt.Doc, flavour string) []*Block {
	blocks := []*Block{}
	for id, raw := range doc.MapEntries(BlocksContainer) {
		b := &Block{ID: id}
		if err := json.Unmarshal(raw, b); err != nil || b.Flavour == "" {
			continue
		}
		if flavour == "" || b.Flavour == flavour {
			blocks = append(blocks, b)
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].ID < blocks[j].ID })
	return blocks
}

// Metadata returns the workspace metadata container.
func Metadata(doc *crdt.Doc) map[string]any {
	return doc.Map(MetadataContainer)
}
