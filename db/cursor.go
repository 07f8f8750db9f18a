package db

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/aep/strata/engine"
	"github.com/aep/strata/future"
)

// CursorStream pulls an ordered key range one awaited advance at a
// time. The open itself is the first awaited step: Next positions the
// stream at the first record on its initial call and advances on every
// later one. Exhaustion is terminal; once Next reported false the
// stream never issues another native request.
//
// One operation may be outstanding at a time. A second Next, Seek,
// Update or Delete before the previous one settled fails with
// InvalidState without touching the cursor; correct usage afterwards
// still works. Abandoning a stream early requires Close (All does this
// itself), otherwise the transaction stays open.
type CursorStream struct {
	t       *Txn
	store   string
	keyOnly bool

	openFut *future.Future[engine.Cursor]

	mu        sync.Mutex
	started   bool // a positioning move settled, openFut is consumed
	busy      bool
	exhausted bool
	closed    bool
	err       error         // sticky, the stream is dead
	cur       engine.Cursor // nil until positioned
}

func newCursorStream(t *Txn, store string, keyOnly bool, issue func() engine.Request) *CursorStream {
	c := &CursorStream{t: t, store: store, keyOnly: keyOnly, openFut: future.New[engine.Cursor]()}
	if err := t.sticky(); err != nil {
		c.openFut.Reject(err)
		return c
	}
	release := t.native.Hold()
	defer release()

	req := issue()
	deliver := func(res any, err error) {
		if err != nil {
			c.openFut.Reject(err)
			return
		}
		cur, _ := res.(engine.Cursor)
		if c.openFut.Resolve(cur) {
			c.adopt(cur)
		}
	}
	g := future.Watch(req,
		func(r engine.Request) { deliver(r.Result()) },
		func(ev engine.ErrorEvent) {
			ev.MarkHandled()
			deliver(nil, ev.Err())
		})
	if req.Ready() {
		g.Release()
		deliver(req.Result())
	}
	return c
}

// adopt records the opened native cursor. When the stream was closed
// before the open settled, the cursor is closed on arrival instead so
// its transaction hold drops.
func (c *CursorStream) adopt(cur engine.Cursor) {
	c.mu.Lock()
	closedEarly := c.closed && cur != nil
	if !closedEarly {
		c.cur = cur
	}
	c.mu.Unlock()
	if closedEarly {
		cur.Close()
	}
}

// Next moves the stream to the following record, the first one on the
// initial call. It reports true when positioned and false with a nil
// error once the range is out of records. A context error abandons the
// stream: the native position can no longer be known, so the stream is
// closed and every later call fails with the same error.
func (c *CursorStream) Next(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if ok, err := c.idleLocked(); !ok {
		c.mu.Unlock()
		return false, err
	}
	c.busy = true
	first := !c.started
	cur := c.cur
	c.mu.Unlock()

	if first {
		return c.settleMove(ctx, c.openFut)
	}
	return c.settleMove(ctx, future.FromRequest[engine.Cursor](cur.Advance(), nil))
}

// Seek moves the stream forward to the first record at or past target
// in the cursor's direction; for index cursors target is an index
// value. The stream must be positioned, and seeking backwards fails
// with InvalidState leaving the position intact.
func (c *CursorStream) Seek(ctx context.Context, target []byte) (bool, error) {
	c.mu.Lock()
	if ok, err := c.idleLocked(); !ok {
		c.mu.Unlock()
		return false, err
	}
	if !c.started {
		c.mu.Unlock()
		return false, engine.NewError(engine.KindInvalidState, "stream is not positioned, call Next first")
	}
	cur := c.cur
	c.busy = true
	c.mu.Unlock()
	return c.settleMove(ctx, future.FromRequest[engine.Cursor](cur.AdvanceTo(target), nil))
}

// idleLocked screens one move attempt against the stream's state.
// ok false with a nil error is the exhausted latch.
func (c *CursorStream) idleLocked() (ok bool, err error) {
	switch {
	case c.err != nil:
		return false, c.err
	case c.closed:
		return false, engine.NewError(engine.KindInvalidState, "cursor stream is closed")
	case c.exhausted:
		return false, nil
	case c.busy:
		return false, engine.NewError(engine.KindInvalidState, "cursor operation already outstanding")
	}
	return true, nil
}

// settleMove awaits one positioning future and folds the outcome into
// the stream: a cursor means positioned, nil means out of records.
func (c *CursorStream) settleMove(ctx context.Context, f *future.Future[engine.Cursor]) (bool, error) {
	cur, err := f.Await(ctx)

	c.mu.Lock()
	c.busy = false
	if c.closed {
		c.mu.Unlock()
		if err == nil && cur != nil {
			cur.Close()
		}
		if err == nil {
			err = engine.NewError(engine.KindInvalidState, "cursor stream is closed")
		}
		return false, err
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
			c.err = err
			c.closed = true
			open := c.cur
			c.cur = nil
			c.mu.Unlock()
			if open != nil {
				open.Close()
			}
			return false, err
		}
		// A settled contract violation leaves the position intact;
		// anything else took the transaction down with it.
		if !engine.IsInvalidState(err) {
			c.err = err
		}
		c.mu.Unlock()
		return false, err
	}
	c.started = true
	if cur == nil {
		c.exhausted = true
		c.cur = nil
		c.mu.Unlock()
		return false, nil
	}
	c.cur = cur
	c.mu.Unlock()
	return true, nil
}

// Key returns the record key at the current position, the primary key
// for index cursors. Valid after Next or Seek reported true and until
// the next move; nil while unpositioned or an operation is in flight.
func (c *CursorStream) Key() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy || !c.started || c.cur == nil {
		return nil
	}
	return c.cur.Key()
}

// Value returns the record value at the current position, nil on key
// only cursors. Same validity as Key.
func (c *CursorStream) Value() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy || !c.started || c.cur == nil {
		return nil
	}
	return c.cur.Value()
}

// Update rewrites the record at the current position under its key and
// resolves with the key. The future must settle before the next move
// is issued; awaiting it is part of the ordering contract.
func (c *CursorStream) Update(value []byte) *future.Future[[]byte] {
	cur, ch, err := c.claim(OpPut)
	if err != nil {
		return future.Failed[[]byte](err)
	}
	return cursorOp[[]byte](c, ch, cur.Update(value))
}

// Delete removes the record at the current position. Same ordering
// contract as Update.
func (c *CursorStream) Delete() *future.Future[struct{}] {
	cur, ch, err := c.claim(OpDelete)
	if err != nil {
		return future.Failed[struct{}](err)
	}
	return cursorOp[struct{}](c, ch, cur.Delete())
}

// claim is the idle screen for positioned record operations. It
// captures the change under the lock so the key still belongs to the
// position the caller saw.
func (c *CursorStream) claim(op Op) (engine.Cursor, *Change, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok, err := c.idleLocked(); !ok {
		if err == nil {
			err = engine.NewError(engine.KindInvalidState, "cursor is exhausted")
		}
		return nil, nil, err
	}
	if !c.started {
		return nil, nil, engine.NewError(engine.KindInvalidState, "stream is not positioned, call Next first")
	}
	if c.keyOnly {
		return nil, nil, engine.NewError(engine.KindInvalidState, "key cursor cannot modify records")
	}
	c.busy = true
	ch := &Change{
		Txn:   c.t.id,
		DB:    c.t.db.name,
		Store: c.store,
		Op:    op,
		Key:   append([]byte(nil), c.cur.Key()...),
	}
	return c.cur, ch, nil
}

// cursorOp adapts one positioned record request. The busy flag clears
// before the future settles so an awaiting caller's follow-up move
// finds the stream idle. No transaction hold is needed: a positioned
// cursor already keeps its transaction open.
func cursorOp[T any](c *CursorStream, ch *Change, req engine.Request) *future.Future[T] {
	f := future.New[T]()
	deliver := func(res any, err error) {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
		if err != nil {
			if !engine.IsInvalidState(err) {
				c.fail(err)
			}
			f.Reject(err)
			return
		}
		v, _ := res.(T)
		if f.Resolve(v) && ch != nil {
			c.t.record(*ch)
		}
	}
	g := future.Watch(req,
		func(r engine.Request) { deliver(r.Result()) },
		func(ev engine.ErrorEvent) {
			ev.MarkHandled()
			deliver(nil, ev.Err())
		})
	if req.Ready() {
		g.Release()
		deliver(req.Result())
	}
	return f
}

func (c *CursorStream) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// All drains the stream as a range-over-func sequence. The first error
// is yielded with a zero pair and ends the iteration; breaking out
// early closes the stream and with it the hold on the transaction.
func (c *CursorStream) All(ctx context.Context) iter.Seq2[engine.KeyAndValue, error] {
	return func(yield func(engine.KeyAndValue, error) bool) {
		defer c.Close()
		for {
			ok, err := c.Next(ctx)
			if err != nil {
				yield(engine.KeyAndValue{}, err)
				return
			}
			if !ok {
				return
			}
			if !yield(engine.KeyAndValue{K: c.Key(), V: c.Value()}, nil) {
				return
			}
		}
	}
}

// Close abandons the stream and releases its hold on the transaction.
// Safe to call more than once; a stream left to run out closes itself.
func (c *CursorStream) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cur := c.cur
	c.cur = nil
	c.mu.Unlock()
	if cur != nil {
		return cur.Close()
	}
	return nil
}
