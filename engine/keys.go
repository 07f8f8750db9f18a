package engine

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Key layout inside the shared pebble store. Region prefixes keep the
// three record classes in disjoint byte ranges:
//
//	m\xff<db>\xff                                      database meta
//	o\xff<db>\xff<store>\xff<key>                      records
//	i\xff<db>\xff<store>\xff<index>\xff<val>\x00<key>  index rows
//
// Database, store and index names never contain 0xff (validateName), so
// the name separators are unambiguous. Record keys are arbitrary bytes
// and always form the final segment. Index rows separate value from
// primary key with 0x00: it sorts below every continuation byte, which
// keeps index rows ordered by value, and indexable values are screened
// to never contain it.

func metaKey(db string) []byte {
	return []byte("m\xff" + db + "\xff")
}

func recordPrefix(db, store string) []byte {
	return []byte("o\xff" + db + "\xff" + store + "\xff")
}

func recordKey(db, store string, key []byte) []byte {
	return append(recordPrefix(db, store), key...)
}

// indexRegion covers every index row of one store.
func indexRegion(db, store string) []byte {
	return []byte("i\xff" + db + "\xff" + store + "\xff")
}

func indexPrefix(db, store, index string) []byte {
	return []byte("i\xff" + db + "\xff" + store + "\xff" + index + "\xff")
}

func indexKey(db, store, index string, value, key []byte) []byte {
	k := append(indexPrefix(db, store, index), value...)
	k = append(k, 0x00)
	return append(k, key...)
}

// splitIndexKey recovers the indexed value and primary key from a full
// index row key. The value segment never contains 0x00.
func splitIndexKey(prefix, k []byte) (value, key []byte, err error) {
	rest := k[len(prefix):]
	i := bytes.IndexByte(rest, 0x00)
	if i < 0 {
		return nil, nil, errors.New("malformed index key")
	}
	return rest[:i], rest[i+1:], nil
}

func validateName(kind, name string) *Error {
	if len(name) < 1 {
		return NewError(KindInvalidState, "%s name must not be empty", kind)
	}
	if len(name) > 64 {
		return NewError(KindInvalidState, "%s name must be less than 64 bytes", kind)
	}
	for _, char := range name {
		if !((char >= 'a' && char <= 'z') ||
			(char >= 'A' && char <= 'Z') ||
			(char == '.') ||
			(char == '_') ||
			(char == '-') ||
			(char >= '0' && char <= '9')) {
			return NewError(KindInvalidState, "%s name has invalid character: %c", kind, char)
		}
	}
	return nil
}

// Uint64Key encodes v so that byte order matches numeric order.
func Uint64Key(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// ParseUint64Key is the inverse of Uint64Key.
func ParseUint64Key(k []byte) (uint64, error) {
	if len(k) != 8 {
		return 0, fmt.Errorf("not a uint64 key: %d bytes", len(k))
	}
	return binary.BigEndian.Uint64(k), nil
}

// prefixSuccessor returns the smallest key greater than every key with
// the given prefix, or nil when no such key exists (all 0xff).
func prefixSuccessor(p []byte) []byte {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] != 0xff {
			s := make([]byte, i+1)
			copy(s, p[:i+1])
			s[i]++
			return s
		}
	}
	return nil
}

func compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

type storeMeta struct {
	Indices map[string]string `json:"indices,omitempty"`
}

type dbMeta struct {
	Name    string                `json:"name"`
	Version uint64                `json:"version"`
	Stores  map[string]*storeMeta `json:"stores,omitempty"`
}

func (m *dbMeta) clone() *dbMeta {
	c := &dbMeta{Name: m.Name, Version: m.Version, Stores: map[string]*storeMeta{}}
	for name, sm := range m.Stores {
		cs := &storeMeta{Indices: map[string]string{}}
		for idx, path := range sm.Indices {
			cs.Indices[idx] = path
		}
		c.Stores[name] = cs
	}
	return c
}

func (m *dbMeta) storeNames() []string {
	names := make([]string, 0, len(m.Stores))
	for name := range m.Stores {
		names = append(names, name)
	}
	return names
}

func serializeMeta(m *dbMeta) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append([]byte{'j'}, b...), nil
}

func deserializeMeta(b []byte, m *dbMeta) error {
	if len(b) < 1 {
		return errors.New("empty meta record")
	}
	if b[0] != 'j' {
		return errors.New("invalid encoding stored in database")
	}
	dec := json.NewDecoder(bytes.NewReader(b[1:]))
	dec.UseNumber()
	return dec.Decode(m)
}
