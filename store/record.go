package store

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"collabtext/crdt"
)

const (
	recordFieldOrigin  protowire.Number = 1
	recordFieldUpdate  protowire.Number = 2
	recordFieldClock   protowire.Number = 3
	recordFieldCreated protowire.Number = 4
)

// EncodeRecord serializes the payload of a record for key value backends.
// Seq is carried by the key.
func EncodeRecord(r *Record) []byte {
	var b []byte
	b = protowire.AppendTag(b, recordFieldOrigin, protowire.BytesType)
	b = protowire.AppendString(b, r.Origin)
	b = protowire.AppendTag(b, recordFieldUpdate, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Update)
	b = protowire.AppendTag(b, recordFieldClock, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Clock.Encode())
	b = protowire.AppendTag(b, recordFieldCreated, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.CreatedAt.UnixNano()))
	return b
}

// DecodeRecord parses EncodeRecord output.
func DecodeRecord(seq uint64, b []byte) (*Record, error) {
	r := &Record{Seq: seq}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == recordFieldOrigin && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Origin = v
			b = b[n:]
		case num == recordFieldUpdate && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Update = append([]byte(nil), v...)
			b = b[n:]
		case num == recordFieldClock && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			clock, err := crdt.DecodeStateVector(v)
			if err != nil {
				return nil, err
			}
			r.Clock = clock
			b = b[n:]
		case num == recordFieldCreated && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.CreatedAt = time.Unix(0, int64(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if r.Update == nil {
		return nil, fmt.Errorf("record %d has no update", seq)
	}
	if r.Clock == nil {
		r.Clock = crdt.StateVector{}
	}
	return r, nil
}
