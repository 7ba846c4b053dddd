// Package tomlkeys flattens TOML documents into normalized dotted keys so
// tables, dotted keys and case or underscore variants compare equal.
package tomlkeys

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Entry is one leaf value. Key is normalized, Raw is the spelling used in
// the document.
type Entry struct {
	Key   string
	Raw   string
	Value any
}

// Document holds the leaves of a TOML document in the order they appear.
type Document struct {
	entries []Entry
	index   map[string]int
}

// Decode parses data and rejects documents where two spellings normalize to
// the same key.
func Decode(data []byte) (Document, error) {
	raw := map[string]any{}
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return Document{}, err
	}
	doc := Document{index: make(map[string]int)}
	for _, key := range meta.Keys() {
		if meta.Type(key...) == "Hash" {
			continue
		}
		value, ok := leaf(raw, key)
		if !ok {
			continue
		}
		if _, table := value.(map[string]any); table {
			continue
		}
		spelled := strings.Join(key, ".")
		normalized := NormalizeKey(spelled)
		if at, dup := doc.index[normalized]; dup {
			return Document{}, fmt.Errorf("keys %q and %q both set %s", doc.entries[at].Raw, spelled, normalized)
		}
		doc.index[normalized] = len(doc.entries)
		doc.entries = append(doc.entries, Entry{Key: normalized, Raw: spelled, Value: value})
	}
	return doc, nil
}

func (d Document) Entries() []Entry {
	return append([]Entry(nil), d.entries...)
}

func (d Document) Lookup(key string) (any, bool) {
	at, ok := d.index[NormalizeKey(key)]
	if !ok {
		return nil, false
	}
	return d.entries[at].Value, true
}

func (d Document) Len() int {
	return len(d.entries)
}

// NormalizeKey lower-cases each dotted segment and spells underscores as
// dashes.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), "_", "-")
}

// leaf walks raw along key. Values nested in arrays of tables are not
// reachable and report false.
func leaf(raw map[string]any, key toml.Key) (any, bool) {
	var current any = raw
	for _, part := range key {
		table, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = table[part]; !ok {
			return nil, false
		}
	}
	return current, true
}
