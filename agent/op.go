package main

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"collabtext/crdt"
	"collabtext/workspace"
)

// textContainer is the shared text container edited through the agent.
const textContainer = "text"

// Op is one edit sent by a local editor UI. Indexes count runes.
type Op struct {
	Action string `json:"action"` // "insert", "delete", "replace" or a block action
	Index  int    `json:"index"`
	Text   string `json:"text,omitempty"`   // inserted text, or the full new text for replace
	Length int    `json:"length,omitempty"` // runes removed by delete

	// block actions: "block_create", "block_set" and "block_remove"
	Block   string         `json:"block,omitempty"`
	Flavour string         `json:"flavour,omitempty"`
	Props   map[string]any `json:"props,omitempty"`
}

func (op Op) validate() error {
	switch op.Action {
	case "insert", "delete", "replace":
	case "block_create":
		if op.Flavour == "" {
			return fmt.Errorf("block_create needs a flavour")
		}
		fallthrough
	case "block_set", "block_remove":
		if op.Block == "" {
			return fmt.Errorf("%s needs a block id", op.Action)
		}
	default:
		return fmt.Errorf("unknown action %q", op.Action)
	}
	if op.Index < 0 || op.Length < 0 {
		return fmt.Errorf("negative index or length")
	}
	return nil
}

// apply performs op inside tx. current is the text before the transaction.
func (op Op) apply(tx *crdt.Txn, current string, now time.Time) error {
	switch op.Action {
	case "insert":
		tx.InsertText(textContainer, op.Index, op.Text)
	case "delete":
		tx.DeleteText(textContainer, op.Index, op.Length)
	case "replace":
		// turn the new full text into the smallest set of edits so that
		// concurrent edits elsewhere in the text survive
		dmp := diffmatchpatch.New()
		index := 0
		for _, d := range dmp.DiffMain(current, op.Text, false) {
			n := utf8.RuneCountInString(d.Text)
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				index += n
			case diffmatchpatch.DiffDelete:
				tx.DeleteText(textContainer, index, n)
			case diffmatchpatch.DiffInsert:
				tx.InsertText(textContainer, index, d.Text)
				index += n
			}
		}
	case "block_create":
		if _, err := workspace.CreateBlock(tx, op.Block, op.Flavour, now); err != nil {
			return err
		}
		if len(op.Props) > 0 {
			_, err := workspace.SetBlockProps(tx, op.Block, op.Props, now)
			return err
		}
	case "block_set":
		ok, err := workspace.SetBlockProps(tx, op.Block, op.Props, now)
		if err == nil && !ok {
			err = fmt.Errorf("no block %q", op.Block)
		}
		return err
	case "block_remove":
		workspace.RemoveBlock(tx, op.Block)
	}
	return nil
}
