package db

import (
	"context"

	"github.com/aep/strata/engine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// One-shot helpers. Each runs a single operation in its own
// transaction; writes await the commit, so a nil error means durable.

// Get reads one value. Absent keys resolve nil.
func (d *DB) Get(ctx context.Context, store string, key []byte) ([]byte, error) {
	ctx, span := d.span(ctx, "db.Get", store)
	defer span.End()
	_, s, err := d.one(engine.ReadOnly, store)
	if err != nil {
		return nil, spanErr(span, err)
	}
	v, err := s.Get(key).Await(ctx)
	return v, spanErr(span, err)
}

// Put upserts one record and waits for the commit.
func (d *DB) Put(ctx context.Context, store string, key, value []byte) error {
	ctx, span := d.span(ctx, "db.Put", store)
	defer span.End()
	t, s, err := d.one(engine.ReadWrite, store)
	if err != nil {
		return spanErr(span, err)
	}
	if _, err := s.Put(key, value).Await(ctx); err != nil {
		return spanErr(span, err)
	}
	_, err = t.Future().Await(ctx)
	return spanErr(span, err)
}

// Add stores one record only when the key is vacant, then waits for
// the commit. An existing key rejects with Constraint.
func (d *DB) Add(ctx context.Context, store string, key, value []byte) error {
	ctx, span := d.span(ctx, "db.Add", store)
	defer span.End()
	t, s, err := d.one(engine.ReadWrite, store)
	if err != nil {
		return spanErr(span, err)
	}
	if _, err := s.Add(key, value).Await(ctx); err != nil {
		return spanErr(span, err)
	}
	_, err = t.Future().Await(ctx)
	return spanErr(span, err)
}

// Delete removes one record and waits for the commit.
func (d *DB) Delete(ctx context.Context, store string, key []byte) error {
	ctx, span := d.span(ctx, "db.Delete", store)
	defer span.End()
	t, s, err := d.one(engine.ReadWrite, store)
	if err != nil {
		return spanErr(span, err)
	}
	if _, err := s.Delete(key).Await(ctx); err != nil {
		return spanErr(span, err)
	}
	_, err = t.Future().Await(ctx)
	return spanErr(span, err)
}

// Count reports the number of records inside rng.
func (d *DB) Count(ctx context.Context, store string, rng engine.Range) (uint64, error) {
	ctx, span := d.span(ctx, "db.Count", store)
	defer span.End()
	_, s, err := d.one(engine.ReadOnly, store)
	if err != nil {
		return 0, spanErr(span, err)
	}
	n, err := s.Count(rng).Await(ctx)
	return n, spanErr(span, err)
}

// Scan collects the records inside rng in key order, capped by limit
// when above zero.
func (d *DB) Scan(ctx context.Context, store string, rng engine.Range, limit int) ([]engine.KeyAndValue, error) {
	ctx, span := d.span(ctx, "db.Scan", store)
	defer span.End()
	_, s, err := d.one(engine.ReadOnly, store)
	if err != nil {
		return nil, spanErr(span, err)
	}
	kvs, err := s.GetAll(rng, limit).Await(ctx)
	return kvs, spanErr(span, err)
}

// one begins a single-store transaction and resolves its store. On a
// store resolution failure the transaction is aborted so it does not
// sit unused until the engine closes.
func (d *DB) one(mode engine.Mode, store string) (*Txn, *Store, error) {
	t, err := d.Txn(mode, store)
	if err != nil {
		return nil, nil, err
	}
	s, err := t.Store(store)
	if err != nil {
		t.Abort()
		return nil, nil, err
	}
	return t, s, nil
}

func (d *DB) span(ctx context.Context, name, store string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db", d.name),
		attribute.String("store", store),
	))
}

func spanErr(span trace.Span, err error) error {
	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetAttributes(attribute.String("error.message", err.Error()))
	}
	return err
}
