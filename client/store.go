package client

import (
	"context"
	"encoding/json"

	"github.com/aep/strata/api"
)

// Store is a typed view over one object store: values marshal to and
// from T on the way through, so callers never touch raw JSON.
type Store[T any] struct {
	c     *Client
	db    string
	store string
}

func NewStore[T any](c *Client, db, store string) *Store[T] {
	return &Store[T]{c: c, db: db, store: store}
}

// Get resolves the record under key, nil when absent.
func (s *Store[T]) Get(ctx context.Context, key string) (*T, error) {
	raw, err := s.c.Get(ctx, s.db, s.store, key)
	if err != nil || raw == nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store[T]) Put(ctx context.Context, key string, v *T) error {
	_, err := s.c.Put(ctx, s.db, s.store, key, v)
	return err
}

func (s *Store[T]) Add(ctx context.Context, key string, v *T) error {
	_, err := s.c.Add(ctx, s.db, s.store, key, v)
	return err
}

func (s *Store[T]) Delete(ctx context.Context, key string) error {
	return s.c.Delete(ctx, s.db, s.store, key)
}

type Item[T any] struct {
	Key   string
	Value T
}

func (s *Store[T]) Scan(ctx context.Context, q ScanQuery) ([]Item[T], error) {
	records, err := s.c.Scan(ctx, s.db, s.store, q)
	if err != nil {
		return nil, err
	}
	return decodeItems[T](records)
}

// IndexScan reads through a secondary index; items come back in index
// value order.
func (s *Store[T]) IndexScan(ctx context.Context, index string, q ScanQuery) ([]Item[T], error) {
	records, err := s.c.IndexScan(ctx, s.db, s.store, index, q)
	if err != nil {
		return nil, err
	}
	return decodeItems[T](records)
}

func (s *Store[T]) Count(ctx context.Context, rng string) (uint64, error) {
	return s.c.Count(ctx, s.db, s.store, rng)
}

func decodeItems[T any](records []api.Record) ([]Item[T], error) {
	items := make([]Item[T], 0, len(records))
	for _, r := range records {
		var v T
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, err
		}
		items = append(items, Item[T]{Key: r.Key, Value: v})
	}
	return items, nil
}
