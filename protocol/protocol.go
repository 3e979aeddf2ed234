// Package protocol is the binary sync protocol spoken over each connection.
//
// Every frame is one websocket binary message: a varint kind followed by
// protowire tagged fields.
//
//	StateVector  1: encoded state vector
//	Update       1: encoded update   2: origin session
//	Presence     1: payload          2: origin session
//	Notice       3: code             4: text
//
// Unknown fields are skipped so that newer peers can add fields.
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"collabtext/crdt"
)

var ErrProtocol = errors.New("protocol error")

func protocolError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, a...))
}

type Kind uint64

const (
	KindStateVector Kind = 0
	KindUpdate      Kind = 1
	KindPresence    Kind = 2
	KindNotice      Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindStateVector:
		return "state-vector"
	case KindUpdate:
		return "update"
	case KindPresence:
		return "presence"
	case KindNotice:
		return "notice"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

const (
	fieldPayload protowire.Number = 1
	fieldOrigin  protowire.Number = 2
	fieldCode    protowire.Number = 3
	fieldText    protowire.Number = 4
)

// Notice codes.
const (
	NoticeDegraded  uint64 = 1 // updates are held in memory only
	NoticeDurable   uint64 = 2 // unsaved updates reached the store
	NoticeClosing   uint64 = 3
	NoticeMalformed uint64 = 4
)

type Message struct {
	Kind Kind

	// StateVector
	Vector crdt.StateVector
	// Update and Presence
	Update   []byte
	Presence []byte
	Origin   string
	// Notice
	Code uint64
	Text string
}

func StateVector(sv crdt.StateVector) *Message {
	return &Message{Kind: KindStateVector, Vector: sv}
}

func Update(update []byte, origin string) *Message {
	return &Message{Kind: KindUpdate, Update: update, Origin: origin}
}

// Presence carries an opaque awareness payload. An empty payload announces
// that origin went away.
func Presence(payload []byte, origin string) *Message {
	return &Message{Kind: KindPresence, Presence: payload, Origin: origin}
}

func Notice(code uint64, text string) *Message {
	return &Message{Kind: KindNotice, Code: code, Text: text}
}

func (m *Message) Encode() []byte {
	b := protowire.AppendVarint(nil, uint64(m.Kind))
	switch m.Kind {
	case KindStateVector:
		b = appendBytes(b, fieldPayload, m.Vector.Encode())
	case KindUpdate:
		b = appendBytes(b, fieldPayload, m.Update)
		b = appendString(b, fieldOrigin, m.Origin)
	case KindPresence:
		b = appendBytes(b, fieldPayload, m.Presence)
		b = appendString(b, fieldOrigin, m.Origin)
	case KindNotice:
		b = protowire.AppendTag(b, fieldCode, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Code)
		b = appendString(b, fieldText, m.Text)
	}
	return b
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Decode parses one frame. Update payloads are only checked for framing
// here; the document validates their content when applying them.
func Decode(b []byte) (*Message, error) {
	kind, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, protocolError("bad frame kind: %v", protowire.ParseError(n))
	}
	b = b[n:]
	m := &Message{Kind: Kind(kind)}
	if m.Kind > KindNotice {
		return nil, protocolError("unknown frame %s", m.Kind)
	}

	var payload []byte
	hasPayload := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protocolError("%s: bad tag: %v", m.Kind, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protocolError("%s: bad payload: %v", m.Kind, protowire.ParseError(n))
			}
			payload = append([]byte{}, v...)
			hasPayload = true
			b = b[n:]
		case num == fieldOrigin && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protocolError("%s: bad origin: %v", m.Kind, protowire.ParseError(n))
			}
			m.Origin = v
			b = b[n:]
		case num == fieldCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protocolError("%s: bad code: %v", m.Kind, protowire.ParseError(n))
			}
			m.Code = v
			b = b[n:]
		case num == fieldText && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protocolError("%s: bad text: %v", m.Kind, protowire.ParseError(n))
			}
			m.Text = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protocolError("%s: bad field %d: %v", m.Kind, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch m.Kind {
	case KindStateVector:
		if !hasPayload {
			return nil, protocolError("state vector frame without vector")
		}
		sv, err := crdt.DecodeStateVector(payload)
		if err != nil {
			return nil, protocolError("state vector: %v", err)
		}
		m.Vector = sv
	case KindUpdate:
		if !hasPayload {
			return nil, protocolError("update frame without update")
		}
		m.Update = payload
	case KindPresence:
		m.Presence = payload
	}
	return m, nil
}
