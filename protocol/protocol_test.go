package protocol

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"

	"collabtext/crdt"
)

func TestFrames(t *testing.T) {
	doc := crdt.NewDocWithClientID(7)
	update := doc.Transact(func(tx *crdt.Txn) { tx.InsertText("text", 0, "hi") })

	tests := []struct {
		name string
		msg  *Message
	}{
		{"empty vector", StateVector(crdt.StateVector{})},
		{"vector", StateVector(crdt.StateVector{1: 5, 300: 2})},
		{"update", Update(update, "session-a")},
		{"update without origin", Update(crdt.EmptyUpdate(), "")},
		{"presence", Presence([]byte(`{"cursor":3}`), "session-a")},
		{"presence removal", Presence([]byte{}, "session-a")},
		{"notice", Notice(NoticeDegraded, "storage unavailable")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.msg.Encode())
			assert.Equal(t, nil, err)
			if diff := cmp.Diff(tt.msg, got); diff != "" {
				t.Errorf("decoded frame mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	b := Notice(NoticeClosing, "bye").Encode()
	b = protowire.AppendTag(b, 15, protowire.VarintType)
	b = protowire.AppendVarint(b, 99)

	m, err := Decode(b)
	assert.Equal(t, nil, err)
	assert.Equal(t, KindNotice, m.Kind)
	assert.Equal(t, "bye", m.Text)
}

func TestDecodeErrors(t *testing.T) {
	truncated := Update([]byte{1, 2, 3}, "x").Encode()
	tests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"unknown kind", protowire.AppendVarint(nil, 9)},
		{"vector missing", protowire.AppendVarint(nil, uint64(KindStateVector))},
		{"update missing", protowire.AppendVarint(nil, uint64(KindUpdate))},
		{"truncated", truncated[:len(truncated)-2]},
		{"bad vector", appendBytes(protowire.AppendVarint(nil, uint64(KindStateVector)), fieldPayload, []byte{5})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.b)
			assert.Equal(t, true, errors.Is(err, ErrProtocol))
		})
	}
}
