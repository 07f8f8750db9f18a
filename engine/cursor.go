package engine

import (
	"github.com/cockroachdb/pebble"
)

// cursor walks an iterator one settled request at a time. All fields
// are touched on the loop only; the wrapper layer serializes callers.
// Index cursors iterate rows in value order and resolve the primary
// record on load.
//
// A positioned cursor pins its transaction so the drain check cannot
// commit between awaited advances. The pin drops when the cursor runs
// out, is closed, or the transaction reaches a terminal state.
type cursor struct {
	s          *store
	t          *txn
	it         *pebble.Iterator
	dir        Direction
	prefix     []byte
	index      bool
	keyOnly    bool
	registered bool
	pinned     bool
	key        []byte
	value      []byte
	idxVal     []byte
	done       bool
}

var _ Cursor = (*cursor)(nil)

// startCursor opens a bounded iterator and positions it at the first
// row in dir. Loop only.
func (t *txn) startCursor(s *store, prefix []byte, isIndex, keyOnly bool, dir Direction, lo, hi []byte) (any, *Error) {
	it, err := t.reader().NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, WrapError(KindEngine, err, "cursor")
	}
	c := &cursor{s: s, t: t, it: it, dir: dir, prefix: prefix, index: isIndex, keyOnly: keyOnly}
	var valid bool
	if dir == Next {
		valid = it.First()
	} else {
		valid = it.Last()
	}
	return c.step(valid)
}

func (c *cursor) Key() []byte   { return c.key }
func (c *cursor) Value() []byte { return c.value }

func (c *cursor) Advance() Request {
	return c.t.issue("cursor.advance", func() (any, *Error) {
		if c.done {
			return nil, nil
		}
		var valid bool
		if c.dir == Next {
			valid = c.it.Next()
		} else {
			valid = c.it.Prev()
		}
		return c.step(valid)
	})
}

// AdvanceTo seeks to the first position at or past target in the
// cursor's direction. For index cursors target is an index value, for
// record cursors a key. Seeking backwards is a contract violation.
func (c *cursor) AdvanceTo(key []byte) Request {
	target := append([]byte(nil), key...)
	return c.t.issue("cursor.seek", func() (any, *Error) {
		if c.done {
			return nil, nil
		}
		cur := c.key
		if c.index {
			cur = c.idxVal
		}
		if (c.dir == Next && compare(target, cur) <= 0) ||
			(c.dir == Prev && compare(target, cur) >= 0) {
			return nil, NewError(KindInvalidState, "cursor can only advance in its direction")
		}
		full := append(append([]byte{}, c.prefix...), target...)
		var valid bool
		if c.dir == Next {
			valid = c.it.SeekGE(full)
		} else {
			if c.index {
				full = append(full, 0x01)
			} else {
				full = append(full, 0x00)
			}
			valid = c.it.SeekLT(full)
		}
		return c.step(valid)
	})
}

// Delete removes the record at the current position.
func (c *cursor) Delete() Request {
	return c.t.writeIssue("cursor.delete", func() (any, *Error) {
		if c.done {
			return nil, NewError(KindInvalidState, "cursor is exhausted")
		}
		if c.keyOnly {
			return nil, NewError(KindInvalidState, "key cursor cannot delete")
		}
		sm, err := c.s.metaNow()
		if err != nil {
			return nil, err
		}
		if derr := c.s.deleteRecord(sm, c.key); derr != nil {
			return nil, derr
		}
		log.Debug("[engine].cursor.delete:", "txn", c.t.id, "store", c.s.name, "key", string(c.key))
		return nil, nil
	})
}

// Update rewrites the record at the current position under its key.
func (c *cursor) Update(value []byte) Request {
	val := append([]byte(nil), value...)
	return c.t.writeIssue("cursor.update", func() (any, *Error) {
		if c.done {
			return nil, NewError(KindInvalidState, "cursor is exhausted")
		}
		if c.keyOnly {
			return nil, NewError(KindInvalidState, "key cursor cannot update")
		}
		sm, err := c.s.metaNow()
		if err != nil {
			return nil, err
		}
		rk := recordKey(c.s.dbName(), c.s.name, c.key)
		var old []byte
		if len(sm.Indices) > 0 {
			if old, err = c.t.readValue(rk); err != nil {
				return nil, err
			}
		}
		if werr := c.s.writeRecord(sm, rk, c.key, val, old); werr != nil {
			return nil, werr
		}
		log.Debug("[engine].cursor.update:", "txn", c.t.id, "store", c.s.name, "key", string(c.key))
		return append([]byte(nil), c.key...), nil
	})
}

// step settles one positioning move: the cursor itself while records
// remain, nil once the iterator ran out.
func (c *cursor) step(valid bool) (any, *Error) {
	if !valid {
		err := c.it.Error()
		c.close()
		if err != nil {
			return nil, WrapError(KindEngine, err, "cursor")
		}
		return nil, nil
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	if !c.registered {
		c.registered = true
		c.pinned = true
		c.t.pin()
		c.t.addCursor(c)
	}
	return Cursor(c), nil
}

func (c *cursor) load() *Error {
	full := c.it.Key()
	if c.index {
		val, key, err := splitIndexKey(c.prefix, full)
		if err != nil {
			return WrapError(KindEngine, err, "cursor")
		}
		c.idxVal = append([]byte(nil), val...)
		c.key = append([]byte(nil), key...)
		if c.keyOnly {
			c.value = nil
			return nil
		}
		v, verr := c.t.readValue(recordKey(c.s.dbName(), c.s.name, c.key))
		if verr != nil {
			return verr
		}
		c.value = v
		return nil
	}
	// Copy out; iterator movement invalidates the backing slices.
	c.key = append([]byte(nil), full[len(c.prefix):]...)
	if c.keyOnly {
		c.value = nil
	} else {
		c.value = append([]byte(nil), c.it.Value()...)
	}
	return nil
}

// Close drops the cursor's hold on its transaction. Running past the
// end or finishing the transaction closes the cursor implicitly; Close
// is for abandoning a stream early.
func (c *cursor) Close() error {
	ok := c.t.eng.loop.enqueue(func() {
		c.close()
		c.t.commitCheck()
	})
	if !ok {
		return NewError(KindInvalidState, "engine closed")
	}
	return nil
}

func (c *cursor) close() {
	if c.done {
		return
	}
	c.done = true
	if c.pinned {
		c.pinned = false
		c.t.unpinLocal()
	}
	c.it.Close()
}
