package db

import (
	"github.com/aep/strata/engine"
	"github.com/aep/strata/future"
)

// Store issues record operations inside one transaction. Every method
// returns a future that settles when the engine fires the request's
// completion event; rejections carry *engine.Error kinds.
type Store struct {
	t      *Txn
	name   string
	native engine.Store
}

func (s *Store) Name() string { return s.name }

// Get resolves the value under key, nil when absent. An absent record
// is a successful zero result, not an error.
func (s *Store) Get(key []byte) *future.Future[[]byte] {
	return bridge[[]byte](s.t, nil,
		func() engine.Request { return s.native.Get(key) }, nil)
}

// GetKey probes for key without loading the value. Resolves the key
// when present, nil when absent.
func (s *Store) GetKey(key []byte) *future.Future[[]byte] {
	return bridge[[]byte](s.t, nil,
		func() engine.Request { return s.native.GetKey(key) }, nil)
}

// Add stores value under key and rejects with ConstraintViolation when
// the key already exists. Resolves with the key.
func (s *Store) Add(key, value []byte) *future.Future[[]byte] {
	return bridge[[]byte](s.t, s.change(OpPut, key),
		func() engine.Request { return s.native.Add(key, value) }, nil)
}

// Put stores value under key, overwriting any existing record.
// Resolves with the key.
func (s *Store) Put(key, value []byte) *future.Future[[]byte] {
	return bridge[[]byte](s.t, s.change(OpPut, key),
		func() engine.Request { return s.native.Put(key, value) }, nil)
}

// Delete removes the record under key. Deleting an absent key counts
// as success.
func (s *Store) Delete(key []byte) *future.Future[struct{}] {
	return bridge(s.t, s.change(OpDelete, key),
		func() engine.Request { return s.native.Delete(key) }, discard)
}

// Clear removes every record in the store.
func (s *Store) Clear() *future.Future[struct{}] {
	return bridge(s.t, s.change(OpClear, nil),
		func() engine.Request { return s.native.Clear() }, discard)
}

// Count resolves the number of records inside rng.
func (s *Store) Count(rng engine.Range) *future.Future[uint64] {
	return bridge[uint64](s.t, nil,
		func() engine.Request { return s.native.Count(rng) }, nil)
}

// GetAll collects the records inside rng in key order. A limit above
// zero caps the result; use a cursor stream when the range may not fit
// in memory.
func (s *Store) GetAll(rng engine.Range, limit int) *future.Future[[]engine.KeyAndValue] {
	return bridge[[]engine.KeyAndValue](s.t, nil,
		func() engine.Request { return s.native.GetAll(rng, limit) }, nil)
}

// OpenCursor streams the records inside rng one awaited advance at a
// time.
func (s *Store) OpenCursor(rng engine.Range, dir engine.Direction) *CursorStream {
	return newCursorStream(s.t, s.name, false,
		func() engine.Request { return s.native.OpenCursor(rng, dir) })
}

// OpenKeyCursor is OpenCursor without loading values.
func (s *Store) OpenKeyCursor(rng engine.Range, dir engine.Direction) *CursorStream {
	return newCursorStream(s.t, s.name, true,
		func() engine.Request { return s.native.OpenKeyCursor(rng, dir) })
}

// CreateIndex declares a secondary index over a dot separated JSON
// field path and backfills it from existing records. Version change
// transactions only. Only string values index; records without one are
// skipped.
func (s *Store) CreateIndex(name, path string) *future.Future[*Index] {
	return bridge(s.t, nil,
		func() engine.Request { return s.native.CreateIndex(name, path) },
		func(any) (*Index, error) { return s.Index(name) })
}

// DeleteIndex drops an index and its rows. Version change transactions
// only.
func (s *Store) DeleteIndex(name string) *future.Future[struct{}] {
	return bridge(s.t, nil,
		func() engine.Request { return s.native.DeleteIndex(name) }, discard)
}

// Index returns the read surface of a declared index.
func (s *Store) Index(name string) (*Index, error) {
	idx, err := s.native.Index(name)
	if err != nil {
		return nil, err
	}
	return &Index{s: s, name: name, native: idx}, nil
}

func (s *Store) change(op Op, key []byte) *Change {
	return &Change{
		Txn:   s.t.id,
		DB:    s.t.db.name,
		Store: s.name,
		Op:    op,
		Key:   append([]byte(nil), key...),
	}
}

// Index reads records through a secondary index. Results order by
// index value; keys and cursor positions refer to primary records.
type Index struct {
	s      *Store
	name   string
	native engine.Index
}

func (i *Index) Name() string { return i.name }

// Get resolves the first record whose indexed value equals value, nil
// when none does.
func (i *Index) Get(value []byte) *future.Future[[]byte] {
	return bridge[[]byte](i.s.t, nil,
		func() engine.Request { return i.native.Get(value) }, nil)
}

// Count resolves the number of index rows inside rng, which bounds
// index values.
func (i *Index) Count(rng engine.Range) *future.Future[uint64] {
	return bridge[uint64](i.s.t, nil,
		func() engine.Request { return i.native.Count(rng) }, nil)
}

// GetAll collects the indexed records inside rng in index value order.
func (i *Index) GetAll(rng engine.Range, limit int) *future.Future[[]engine.KeyAndValue] {
	return bridge[[]engine.KeyAndValue](i.s.t, nil,
		func() engine.Request { return i.native.GetAll(rng, limit) }, nil)
}

// OpenCursor streams records in index value order. The stream's Key
// reports the primary key of each record.
func (i *Index) OpenCursor(rng engine.Range, dir engine.Direction) *CursorStream {
	return newCursorStream(i.s.t, i.s.name, false,
		func() engine.Request { return i.native.OpenCursor(rng, dir) })
}

// OpenKeyCursor is OpenCursor without resolving primary records.
func (i *Index) OpenKeyCursor(rng engine.Range, dir engine.Direction) *CursorStream {
	return newCursorStream(i.s.t, i.s.name, true,
		func() engine.Request { return i.native.OpenKeyCursor(rng, dir) })
}
