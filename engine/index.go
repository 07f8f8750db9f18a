package engine

import (
	"bytes"
	"encoding/json"
	"strings"
)

// indexValue extracts the indexed bytes for one record value. path is a
// dot separated field path into the value's JSON document. Only string
// fields index, capped at 128 bytes, and only when the bytes are
// separator safe; everything else is skipped, never an error.
func indexValue(value []byte, path string) ([]byte, bool) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, false
	}
	for _, seg := range strings.Split(path, ".") {
		m, ok := doc.(map[string]any)
		if !ok {
			return nil, false
		}
		if doc, ok = m[seg]; !ok {
			return nil, false
		}
	}
	s, ok := doc.(string)
	if !ok {
		return nil, false
	}
	vbin := []byte(s)
	if len(vbin) >= 128 {
		return nil, false
	}

	// make extra sure the separator byte never ends up inside a row's
	// value segment, otherwise value/key splitting is ambiguous
	if bytes.IndexByte(vbin, 0x00) >= 0 {
		return nil, false
	}
	return vbin, true
}
