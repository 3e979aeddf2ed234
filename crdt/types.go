package crdt

import (
	"encoding/json"
	"sort"
	"strings"
)

// Text returns the visible content of the named text container.
func (d *Doc) Text(name string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	b, ok := d.branches[name]
	if !ok {
		return ""
	}
	var s strings.Builder
	for it := b.start; it != nil; it = it.right {
		if !it.deleted && it.kind == contentString {
			s.Write(it.content)
		}
	}
	return s.String()
}

// Array returns the decoded visible values of the named array container.
func (d *Doc) Array(name string) []any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	b, ok := d.branches[name]
	if !ok {
		return nil
	}
	return b.values()
}

// Map returns the decoded current values of the named map container.
func (d *Doc) Map(name string) map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	b, ok := d.branches[name]
	if !ok {
		return map[string]any{}
	}
	return b.entries()
}

// Roots lists the names of all containers that have received items.
func (d *Doc) Roots() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.branches))
	for name := range d.branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToJSON renders every container: maps as objects, text as strings and
// arrays as lists.
func (d *Doc) ToJSON() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]any, len(d.branches))
	for name, b := range d.branches {
		switch {
		case len(b.keys) > 0:
			out[name] = b.entries()
		case b.isText():
			var s strings.Builder
			for it := b.start; it != nil; it = it.right {
				if !it.deleted && it.kind == contentString {
					s.Write(it.content)
				}
			}
			out[name] = s.String()
		default:
			out[name] = b.values()
		}
	}
	return out
}

func (b *branch) isText() bool {
	for it := b.start; it != nil; it = it.right {
		if it.kind == contentString {
			return true
		}
	}
	return false
}

func (b *branch) values() []any {
	values := []any{}
	for it := b.start; it != nil; it = it.right {
		if it.deleted || it.kind != contentJSON {
			continue
		}
		var v any
		// content was validated on decode or produced by json.Marshal
		_ = json.Unmarshal(it.content, &v)
		values = append(values, v)
	}
	return values
}

func (b *branch) entries() map[string]any {
	entries := make(map[string]any, len(b.keys))
	for key, it := range b.keys {
		if it.deleted {
			continue
		}
		var v any
		_ = json.Unmarshal(it.content, &v)
		entries[key] = v
	}
	return entries
}

// MapGet decodes the current value of key in the named map into v and
// reports whether the key is set.
func (d *Doc) MapGet(name string, key string, v any) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mapGet(name, key, v)
}

// MapEntries returns the raw JSON of every key of the named map.
func (d *Doc) MapEntries(name string) map[string]json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := map[string]json.RawMessage{}
	b, ok := d.branches[name]
	if !ok {
		return out
	}
	for key, it := range b.keys {
		if !it.deleted {
			out[key] = append(json.RawMessage(nil), it.content...)
		}
	}
	return out
}

func (d *Doc) mapGet(name string, key string, v any) (bool, error) {
	b, ok := d.branches[name]
	if !ok {
		return false, nil
	}
	it := b.keys[key]
	if it == nil || it.deleted {
		return false, nil
	}
	return true, json.Unmarshal(it.content, v)
}
