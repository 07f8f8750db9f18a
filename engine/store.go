package engine

import (
	"github.com/cockroachdb/pebble"
)

type store struct {
	t    *txn
	name string
}

var _ Store = (*store)(nil)

func (s *store) dbName() string { return s.t.db.meta.Name }

// metaNow resolves the store's current meta. Exec context (loop only);
// the store can disappear mid version change, so handles re-check.
func (s *store) metaNow() (*storeMeta, *Error) {
	s.t.eng.metaMu.RLock()
	defer s.t.eng.metaMu.RUnlock()

	m := s.t.db.meta
	if s.t.mode == VersionChange {
		m = s.t.meta
	}
	sm, ok := m.Stores[s.name]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Message: "no such store", Store: s.name}
	}
	return sm, nil
}

func (s *store) Get(key []byte) Request {
	return s.t.issue("get", func() (any, *Error) {
		if _, err := s.metaNow(); err != nil {
			return nil, err
		}
		val, err := s.t.readValue(recordKey(s.dbName(), s.name, key))
		if err != nil {
			return nil, err
		}
		log.Debug("[engine].get:", "txn", s.t.id, "store", s.name, "key", string(key), "found", val != nil)
		return val, nil
	})
}

func (s *store) GetKey(key []byte) Request {
	return s.t.issue("getKey", func() (any, *Error) {
		if _, err := s.metaNow(); err != nil {
			return nil, err
		}
		val, err := s.t.readValue(recordKey(s.dbName(), s.name, key))
		if err != nil {
			return nil, err
		}
		if val == nil {
			return nil, nil
		}
		return append([]byte(nil), key...), nil
	})
}

func (s *store) Add(key, value []byte) Request {
	return s.t.writeIssue("add", func() (any, *Error) {
		sm, err := s.metaNow()
		if err != nil {
			return nil, err
		}
		rk := recordKey(s.dbName(), s.name, key)
		old, err := s.t.readValue(rk)
		if err != nil {
			return nil, err
		}
		if old != nil {
			return nil, &Error{
				Kind:    KindConstraint,
				Message: "key already exists",
				Store:   s.name,
				Key:     append([]byte(nil), key...),
			}
		}
		if err := s.writeRecord(sm, rk, key, value, nil); err != nil {
			return nil, err
		}
		log.Debug("[engine].add:", "txn", s.t.id, "store", s.name, "key", string(key))
		return append([]byte(nil), key...), nil
	})
}

func (s *store) Put(key, value []byte) Request {
	return s.t.writeIssue("put", func() (any, *Error) {
		sm, err := s.metaNow()
		if err != nil {
			return nil, err
		}
		rk := recordKey(s.dbName(), s.name, key)
		var old []byte
		if len(sm.Indices) > 0 {
			if old, err = s.t.readValue(rk); err != nil {
				return nil, err
			}
		}
		if err := s.writeRecord(sm, rk, key, value, old); err != nil {
			return nil, err
		}
		log.Debug("[engine].put:", "txn", s.t.id, "store", s.name, "key", string(key))
		return append([]byte(nil), key...), nil
	})
}

func (s *store) Delete(key []byte) Request {
	return s.t.writeIssue("delete", func() (any, *Error) {
		sm, err := s.metaNow()
		if err != nil {
			return nil, err
		}
		if err := s.deleteRecord(sm, key); err != nil {
			return nil, err
		}
		log.Debug("[engine].delete:", "txn", s.t.id, "store", s.name, "key", string(key))
		return nil, nil
	})
}

func (s *store) Clear() Request {
	return s.t.writeIssue("clear", func() (any, *Error) {
		if _, err := s.metaNow(); err != nil {
			return nil, err
		}
		for _, pre := range [][]byte{
			recordPrefix(s.dbName(), s.name),
			indexRegion(s.dbName(), s.name),
		} {
			if err := s.t.batch.DeleteRange(pre, prefixSuccessor(pre), pebble.Sync); err != nil {
				return nil, WrapError(KindEngine, err, "clear %q", s.name)
			}
		}
		log.Debug("[engine].clear:", "txn", s.t.id, "store", s.name)
		return nil, nil
	})
}

func (s *store) Count(rng Range) Request {
	return s.t.issue("count", func() (any, *Error) {
		if _, err := s.metaNow(); err != nil {
			return nil, err
		}
		lo, hi := recordBounds(recordPrefix(s.dbName(), s.name), rng)
		return s.t.countRange(lo, hi)
	})
}

// GetAll collects the records in rng in key order. A limit above zero
// caps the result.
func (s *store) GetAll(rng Range, limit int) Request {
	return s.t.issue("getAll", func() (any, *Error) {
		if _, err := s.metaNow(); err != nil {
			return nil, err
		}
		pre := recordPrefix(s.dbName(), s.name)
		lo, hi := recordBounds(pre, rng)
		it, err := s.t.reader().NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
		if err != nil {
			return nil, WrapError(KindEngine, err, "getAll")
		}
		var out []KeyAndValue
		for it.First(); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, KeyAndValue{
				K: append([]byte(nil), it.Key()[len(pre):]...),
				V: append([]byte(nil), it.Value()...),
			})
		}
		iterErr := it.Error()
		it.Close()
		if iterErr != nil {
			return nil, WrapError(KindEngine, iterErr, "getAll")
		}
		return out, nil
	})
}

func (s *store) OpenCursor(rng Range, dir Direction) Request {
	return s.openCursor("cursor.open", rng, dir, false)
}

func (s *store) OpenKeyCursor(rng Range, dir Direction) Request {
	return s.openCursor("keyCursor.open", rng, dir, true)
}

func (s *store) openCursor(op string, rng Range, dir Direction, keyOnly bool) Request {
	return s.t.issue(op, func() (any, *Error) {
		if _, err := s.metaNow(); err != nil {
			return nil, err
		}
		prefix := recordPrefix(s.dbName(), s.name)
		lo, hi := recordBounds(prefix, rng)
		return s.t.startCursor(s, prefix, false, keyOnly, dir, lo, hi)
	})
}

// CreateIndex declares an index over a JSON string field and backfills
// rows for records already in the store. Version change only.
func (s *store) CreateIndex(name, path string) Request {
	if s.t.mode != VersionChange {
		return failedRequest("createIndex",
			NewError(KindInvalidState, "index creation requires a version change transaction"))
	}
	if err := validateName("index", name); err != nil {
		return failedRequest("createIndex", err)
	}
	return s.t.issue("createIndex", func() (any, *Error) {
		s.t.eng.metaMu.Lock()
		sm, ok := s.t.meta.Stores[s.name]
		if !ok {
			s.t.eng.metaMu.Unlock()
			return nil, &Error{Kind: KindNotFound, Message: "no such store", Store: s.name}
		}
		if _, exists := sm.Indices[name]; exists {
			s.t.eng.metaMu.Unlock()
			return nil, &Error{Kind: KindConstraint, Message: "index already exists", Store: s.name}
		}
		if sm.Indices == nil {
			sm.Indices = map[string]string{}
		}
		sm.Indices[name] = path
		s.t.eng.metaMu.Unlock()

		// Backfill. Collect first, write after the iterator closes.
		pre := recordPrefix(s.dbName(), s.name)
		it, err := s.t.batch.NewIter(&pebble.IterOptions{
			LowerBound: pre,
			UpperBound: prefixSuccessor(pre),
		})
		if err != nil {
			return nil, WrapError(KindEngine, err, "index backfill")
		}
		var rows [][]byte
		for it.First(); it.Valid(); it.Next() {
			key := it.Key()[len(pre):]
			if v, ok := indexValue(it.Value(), path); ok {
				rows = append(rows, indexKey(s.dbName(), s.name, name, v, key))
			}
		}
		iterErr := it.Error()
		it.Close()
		if iterErr != nil {
			return nil, WrapError(KindEngine, iterErr, "index backfill")
		}
		for _, row := range rows {
			if err := s.t.batch.Set(row, []byte{0}, pebble.Sync); err != nil {
				return nil, WrapError(KindEngine, err, "index backfill")
			}
		}
		log.Debug("[engine].createIndex:", "txn", s.t.id, "store", s.name, "index", name, "path", path, "backfilled", len(rows))
		return nil, nil
	})
}

func (s *store) DeleteIndex(name string) Request {
	if s.t.mode != VersionChange {
		return failedRequest("deleteIndex",
			NewError(KindInvalidState, "index deletion requires a version change transaction"))
	}
	return s.t.issue("deleteIndex", func() (any, *Error) {
		s.t.eng.metaMu.Lock()
		sm, ok := s.t.meta.Stores[s.name]
		if ok {
			_, ok = sm.Indices[name]
			if ok {
				delete(sm.Indices, name)
			}
		}
		s.t.eng.metaMu.Unlock()
		if !ok {
			return nil, &Error{Kind: KindNotFound, Message: "no such index", Store: s.name}
		}

		pre := indexPrefix(s.dbName(), s.name, name)
		if err := s.t.batch.DeleteRange(pre, prefixSuccessor(pre), pebble.Sync); err != nil {
			return nil, WrapError(KindEngine, err, "delete index %q", name)
		}
		log.Debug("[engine].deleteIndex:", "txn", s.t.id, "store", s.name, "index", name)
		return nil, nil
	})
}

func (s *store) Index(name string) (Index, error) {
	s.t.eng.metaMu.RLock()
	defer s.t.eng.metaMu.RUnlock()

	m := s.t.db.meta
	if s.t.mode == VersionChange {
		m = s.t.meta
	}
	sm, ok := m.Stores[s.name]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Message: "no such store", Store: s.name}
	}
	if _, ok := sm.Indices[name]; !ok {
		return nil, &Error{Kind: KindNotFound, Message: "no such index", Store: s.name}
	}
	return &index{s: s, name: name}, nil
}

// writeRecord puts value under rk and keeps index rows in step. old is
// the previous value when the store has indices and the key may be
// occupied; its rows are removed before the new ones are written.
func (s *store) writeRecord(sm *storeMeta, rk, key, value, old []byte) *Error {
	for idx, path := range sm.Indices {
		if old != nil {
			if ov, ok := indexValue(old, path); ok {
				if err := s.t.batch.Delete(indexKey(s.dbName(), s.name, idx, ov, key), pebble.Sync); err != nil {
					return WrapError(KindEngine, err, "index %q", idx)
				}
			}
		}
		if nv, ok := indexValue(value, path); ok {
			if err := s.t.batch.Set(indexKey(s.dbName(), s.name, idx, nv, key), []byte{0}, pebble.Sync); err != nil {
				return WrapError(KindEngine, err, "index %q", idx)
			}
		}
	}
	if err := s.t.batch.Set(rk, value, pebble.Sync); err != nil {
		return WrapError(KindEngine, err, "put")
	}
	return nil
}

// deleteRecord removes the record and its index rows. Deleting an
// absent key succeeds.
func (s *store) deleteRecord(sm *storeMeta, key []byte) *Error {
	rk := recordKey(s.dbName(), s.name, key)
	old, err := s.t.readValue(rk)
	if err != nil {
		return err
	}
	if old == nil {
		return nil
	}
	for idx, path := range sm.Indices {
		if ov, ok := indexValue(old, path); ok {
			if derr := s.t.batch.Delete(indexKey(s.dbName(), s.name, idx, ov, key), pebble.Sync); derr != nil {
				return WrapError(KindEngine, derr, "index %q", idx)
			}
		}
	}
	if derr := s.t.batch.Delete(rk, pebble.Sync); derr != nil {
		return WrapError(KindEngine, derr, "delete")
	}
	return nil
}

func (t *txn) countRange(lo, hi []byte) (any, *Error) {
	it, err := t.reader().NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, WrapError(KindEngine, err, "count")
	}
	var n uint64
	for it.First(); it.Valid(); it.Next() {
		n++
	}
	iterErr := it.Error()
	it.Close()
	if iterErr != nil {
		return nil, WrapError(KindEngine, iterErr, "count")
	}
	return n, nil
}

// recordBounds maps a key Range into iterator bounds under prefix. An
// exclusive lower bound and an inclusive upper bound both append 0x00:
// the smallest key strictly greater than k is k themselves extended by
// one zero byte.
func recordBounds(prefix []byte, rng Range) (lo, hi []byte) {
	if rng.Lower != nil {
		lo = append(append([]byte{}, prefix...), rng.Lower...)
		if rng.LowerOpen {
			lo = append(lo, 0x00)
		}
	} else {
		lo = prefix
	}
	if rng.Upper != nil {
		hi = append(append([]byte{}, prefix...), rng.Upper...)
		if !rng.UpperOpen {
			hi = append(hi, 0x00)
		}
	} else {
		hi = prefixSuccessor(prefix)
	}
	return lo, hi
}

// indexBounds maps a value Range into iterator bounds over index rows,
// where each row is value 0x00 key. Values extending v sort above all
// of v's rows, so the exact-value row block for v is [v 0x00, v 0x01).
func indexBounds(prefix []byte, rng Range) (lo, hi []byte) {
	if rng.Lower != nil {
		lo = append(append([]byte{}, prefix...), rng.Lower...)
		if rng.LowerOpen {
			lo = append(lo, 0x01)
		}
	} else {
		lo = prefix
	}
	if rng.Upper != nil {
		hi = append(append([]byte{}, prefix...), rng.Upper...)
		if rng.UpperOpen {
			hi = append(hi, 0x00)
		} else {
			hi = append(hi, 0x01)
		}
	} else {
		hi = prefixSuccessor(prefix)
	}
	return lo, hi
}

type index struct {
	s    *store
	name string
}

var _ Index = (*index)(nil)

func (ix *index) check() *Error {
	sm, err := ix.s.metaNow()
	if err != nil {
		return err
	}
	ix.s.t.eng.metaMu.RLock()
	defer ix.s.t.eng.metaMu.RUnlock()
	if _, ok := sm.Indices[ix.name]; !ok {
		return &Error{Kind: KindNotFound, Message: "no such index", Store: ix.s.name}
	}
	return nil
}

// Get resolves the record of the first row matching value exactly.
func (ix *index) Get(value []byte) Request {
	s := ix.s
	return s.t.issue("index.get", func() (any, *Error) {
		if err := ix.check(); err != nil {
			return nil, err
		}
		pre := indexPrefix(s.dbName(), s.name, ix.name)
		lo, hi := indexBounds(pre, Only(value))
		it, err := s.t.reader().NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
		if err != nil {
			return nil, WrapError(KindEngine, err, "index get")
		}
		defer it.Close()
		if !it.First() {
			if iterErr := it.Error(); iterErr != nil {
				return nil, WrapError(KindEngine, iterErr, "index get")
			}
			return nil, nil
		}
		_, key, serr := splitIndexKey(pre, it.Key())
		if serr != nil {
			return nil, WrapError(KindEngine, serr, "index get")
		}
		return s.t.readValue(recordKey(s.dbName(), s.name, key))
	})
}

func (ix *index) Count(rng Range) Request {
	s := ix.s
	return s.t.issue("index.count", func() (any, *Error) {
		if err := ix.check(); err != nil {
			return nil, err
		}
		lo, hi := indexBounds(indexPrefix(s.dbName(), s.name, ix.name), rng)
		return s.t.countRange(lo, hi)
	})
}

// GetAll collects matching records in index value order. Rows are
// gathered first and their records resolved after the iterator closes.
func (ix *index) GetAll(rng Range, limit int) Request {
	s := ix.s
	return s.t.issue("index.getAll", func() (any, *Error) {
		if err := ix.check(); err != nil {
			return nil, err
		}
		pre := indexPrefix(s.dbName(), s.name, ix.name)
		lo, hi := indexBounds(pre, rng)
		it, err := s.t.reader().NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
		if err != nil {
			return nil, WrapError(KindEngine, err, "index getAll")
		}
		var keys [][]byte
		for it.First(); it.Valid(); it.Next() {
			if limit > 0 && len(keys) >= limit {
				break
			}
			_, key, serr := splitIndexKey(pre, it.Key())
			if serr != nil {
				it.Close()
				return nil, WrapError(KindEngine, serr, "index getAll")
			}
			keys = append(keys, append([]byte(nil), key...))
		}
		iterErr := it.Error()
		it.Close()
		if iterErr != nil {
			return nil, WrapError(KindEngine, iterErr, "index getAll")
		}

		var out []KeyAndValue
		for _, key := range keys {
			val, verr := s.t.readValue(recordKey(s.dbName(), s.name, key))
			if verr != nil {
				return nil, verr
			}
			out = append(out, KeyAndValue{K: key, V: val})
		}
		return out, nil
	})
}

func (ix *index) OpenCursor(rng Range, dir Direction) Request {
	return ix.openCursor("index.cursor.open", rng, dir, false)
}

func (ix *index) OpenKeyCursor(rng Range, dir Direction) Request {
	return ix.openCursor("index.keyCursor.open", rng, dir, true)
}

func (ix *index) openCursor(op string, rng Range, dir Direction, keyOnly bool) Request {
	s := ix.s
	return s.t.issue(op, func() (any, *Error) {
		if err := ix.check(); err != nil {
			return nil, err
		}
		prefix := indexPrefix(s.dbName(), s.name, ix.name)
		lo, hi := indexBounds(prefix, rng)
		return s.t.startCursor(s, prefix, true, keyOnly, dir, lo, hi)
	})
}
