package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when an update or state vector fails structural
// validation.
var ErrMalformed = errors.New("crdt: malformed update")

func malformed(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, a...))
}

const updateVersion = 1

// MaxClock bounds every clock an update may carry or delete.
const MaxClock = 1 << 32

const (
	infoOrigin = 1 << iota
	infoRightOrigin
	infoKeyed
	infoMask = infoOrigin | infoRightOrigin | infoKeyed
)

type contentKind uint8

const (
	contentString contentKind = 1 // a single rune of a text container
	contentJSON   contentKind = 2 // one JSON value of an array or map container
)

// update is the decoded form of an encoded update.
type update struct {
	items []*item
	ds    DeleteSet
}

func encodeUpdate(items []*item, ds DeleteSet) []byte {
	sort.Slice(items, func(i, j int) bool {
		if items[i].id.Client != items[j].id.Client {
			return items[i].id.Client < items[j].id.Client
		}
		return items[i].id.Clock < items[j].id.Clock
	})

	b := protowire.AppendVarint(nil, updateVersion)

	var groups [][]*item
	for i := 0; i < len(items); {
		j := i
		for j < len(items) && items[j].id.Client == items[i].id.Client {
			j++
		}
		groups = append(groups, items[i:j])
		i = j
	}
	b = protowire.AppendVarint(b, uint64(len(groups)))
	for _, group := range groups {
		b = protowire.AppendVarint(b, group[0].id.Client)
		b = protowire.AppendVarint(b, uint64(len(group)))
		for _, it := range group {
			b = appendItem(b, it)
		}
	}

	ds.normalize()
	clients := ds.clients()
	b = protowire.AppendVarint(b, uint64(len(clients)))
	for _, client := range clients {
		spans := ds[client]
		b = protowire.AppendVarint(b, client)
		b = protowire.AppendVarint(b, uint64(len(spans)))
		for _, s := range spans {
			b = protowire.AppendVarint(b, s.clock)
			b = protowire.AppendVarint(b, s.length)
		}
	}
	return b
}

func appendItem(b []byte, it *item) []byte {
	var info uint64
	if it.origin != nil {
		info |= infoOrigin
	}
	if it.rightOrigin != nil {
		info |= infoRightOrigin
	}
	if it.keyed {
		info |= infoKeyed
	}
	b = protowire.AppendVarint(b, it.id.Clock)
	b = protowire.AppendVarint(b, info)
	if it.origin != nil {
		b = protowire.AppendVarint(b, it.origin.Client)
		b = protowire.AppendVarint(b, it.origin.Clock)
	}
	if it.rightOrigin != nil {
		b = protowire.AppendVarint(b, it.rightOrigin.Client)
		b = protowire.AppendVarint(b, it.rightOrigin.Clock)
	}
	b = protowire.AppendString(b, it.parent)
	if it.keyed {
		b = protowire.AppendString(b, it.key)
	}
	b = protowire.AppendVarint(b, uint64(it.kind))
	b = protowire.AppendBytes(b, it.content)
	return b
}

func decodeUpdate(b []byte) (*update, error) {
	r := &reader{b: b}
	version, err := r.varint()
	if err != nil {
		return nil, err
	}
	if version != updateVersion {
		return nil, malformed("unsupported update version %d", version)
	}

	u := &update{ds: DeleteSet{}}
	groups, err := r.count()
	if err != nil {
		return nil, err
	}
	for g := uint64(0); g < groups; g++ {
		client, err := r.varint()
		if err != nil {
			return nil, err
		}
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < n; i++ {
			it, err := r.item(client)
			if err != nil {
				return nil, err
			}
			u.items = append(u.items, it)
		}
	}

	clients, err := r.count()
	if err != nil {
		return nil, err
	}
	for c := uint64(0); c < clients; c++ {
		client, err := r.varint()
		if err != nil {
			return nil, err
		}
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < n; i++ {
			clock, err := r.varint()
			if err != nil {
				return nil, err
			}
			length, err := r.varint()
			if err != nil {
				return nil, err
			}
			if clock == 0 || length == 0 {
				return nil, malformed("empty delete range for client %d", client)
			}
			if length > MaxClock || clock > MaxClock-length+1 {
				return nil, malformed("delete range %d+%d for client %d exceeds clock limit", clock, length, client)
			}
			u.ds.addSpan(client, span{clock: clock, length: length})
		}
	}
	if !r.done() {
		return nil, malformed("trailing bytes after update")
	}
	return u, nil
}

type reader struct {
	b []byte
}

func (r *reader) done() bool {
	return len(r.b) == 0
}

func (r *reader) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		return 0, malformed("bad varint: %v", protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return v, nil
}

// count reads a length prefix and rejects values that cannot fit in the
// remaining input, so a hostile prefix cannot drive a huge loop.
func (r *reader) count() (uint64, error) {
	n, err := r.varint()
	if err != nil {
		return 0, err
	}
	if n > uint64(len(r.b)) {
		return 0, malformed("count %d exceeds remaining %d bytes", n, len(r.b))
	}
	return n, nil
}

func (r *reader) bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		return nil, malformed("bad bytes: %v", protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *reader) id() (*ID, error) {
	client, err := r.varint()
	if err != nil {
		return nil, err
	}
	clock, err := r.varint()
	if err != nil {
		return nil, err
	}
	if clock == 0 || clock > MaxClock {
		return nil, malformed("origin clock %d out of range", clock)
	}
	return &ID{Client: client, Clock: clock}, nil
}

func (r *reader) item(client uint64) (*item, error) {
	clock, err := r.varint()
	if err != nil {
		return nil, err
	}
	if clock == 0 || clock > MaxClock {
		return nil, malformed("clock %d for client %d out of range", clock, client)
	}
	it := &item{id: ID{Client: client, Clock: clock}}
	info, err := r.varint()
	if err != nil {
		return nil, err
	}
	if info&^infoMask != 0 {
		return nil, malformed("unknown item flags %#x", info)
	}
	if info&infoOrigin != 0 {
		if it.origin, err = r.id(); err != nil {
			return nil, err
		}
		if it.origin.Client == client && it.origin.Clock >= clock {
			return nil, malformed("item %s has origin %s from its future", it.id, it.origin)
		}
	}
	if info&infoRightOrigin != 0 {
		if it.rightOrigin, err = r.id(); err != nil {
			return nil, err
		}
		if it.rightOrigin.Client == client && it.rightOrigin.Clock >= clock {
			return nil, malformed("item %s has right origin %s from its future", it.id, it.rightOrigin)
		}
	}
	parent, err := r.bytes()
	if err != nil {
		return nil, err
	}
	if len(parent) == 0 {
		return nil, malformed("item %s has no parent", it.id)
	}
	it.parent = string(parent)
	if info&infoKeyed != 0 {
		key, err := r.bytes()
		if err != nil {
			return nil, err
		}
		it.keyed = true
		it.key = string(key)
	}
	kind, err := r.varint()
	if err != nil {
		return nil, err
	}
	content, err := r.bytes()
	if err != nil {
		return nil, err
	}
	it.kind = contentKind(kind)
	switch it.kind {
	case contentString:
		if !utf8.Valid(content) || utf8.RuneCount(content) != 1 {
			return nil, malformed("item %s text content is not a single rune", it.id)
		}
	case contentJSON:
		if !json.Valid(content) {
			return nil, malformed("item %s has invalid json content", it.id)
		}
	default:
		return nil, malformed("item %s has unknown content kind %d", it.id, kind)
	}
	it.content = append([]byte(nil), content...)
	return it, nil
}

func (r *reader) stateVector() (StateVector, error) {
	n, err := r.count()
	if err != nil {
		return nil, err
	}
	sv := make(StateVector, n)
	for i := uint64(0); i < n; i++ {
		client, err := r.varint()
		if err != nil {
			return nil, err
		}
		clock, err := r.varint()
		if err != nil {
			return nil, err
		}
		sv[client] = clock
	}
	return sv, nil
}
