package engine

import (
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

type txnState uint8

const (
	txnActive txnState = iota
	txnCommitting
	txnCommitted
	txnAborted
)

// txn carries one unit of work. The loop owns every state transition;
// mu exists because requests are issued and handler slots written from
// caller goroutines.
type txn struct {
	eng  *Pebbledb
	db   *database
	id   string
	mode Mode

	mu          sync.Mutex
	state       txnState
	scope       map[string]bool
	pending     int
	pins        int
	used        bool
	commitReq   bool
	abortReq    bool
	outstanding map[*request]struct{}
	cursors     []*cursor
	onComplete  func()
	onAbort     func()
	onError     func(ErrorEvent)
	abortErr    *Error

	batch *pebble.Batch
	snap  *pebble.Snapshot

	// version change only
	meta          *dbMeta
	afterTerminal func(committed bool, cause *Error)
}

var _ Txn = (*txn)(nil)

func (p *Pebbledb) newTxn(d *database, stores []string, mode Mode) *txn {
	t := &txn{
		eng:         p,
		db:          d,
		id:          uuid.NewString(),
		mode:        mode,
		outstanding: map[*request]struct{}{},
	}
	if mode == ReadOnly {
		t.snap = p.db.NewSnapshot()
	} else {
		t.batch = p.db.NewIndexedBatch()
	}
	if mode != VersionChange {
		t.scope = make(map[string]bool, len(stores))
		for _, s := range stores {
			t.scope[s] = true
		}
	}
	return t
}

func (t *txn) Mode() Mode { return t.mode }

func (t *txn) Store(name string) (Store, error) {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return nil, NewError(KindInvalidState, "transaction is not active")
	}
	t.mu.Unlock()

	if t.mode == VersionChange {
		t.eng.metaMu.RLock()
		_, ok := t.meta.Stores[name]
		t.eng.metaMu.RUnlock()
		if !ok {
			return nil, &Error{Kind: KindNotFound, Message: "no such store", Store: name}
		}
	} else if !t.scope[name] {
		return nil, &Error{Kind: KindNotFound, Message: "store not in transaction scope", Store: name}
	}
	return &store{t: t, name: name}, nil
}

// CreateStore adds a store to the database. Version change only.
func (t *txn) CreateStore(name string) Request {
	if t.mode != VersionChange {
		return failedRequest("createStore",
			NewError(KindInvalidState, "store creation requires a version change transaction"))
	}
	if err := validateName("store", name); err != nil {
		return failedRequest("createStore", err)
	}
	return t.issue("createStore", func() (any, *Error) {
		t.eng.metaMu.Lock()
		defer t.eng.metaMu.Unlock()
		if _, ok := t.meta.Stores[name]; ok {
			return nil, &Error{Kind: KindConstraint, Message: "store already exists", Store: name}
		}
		t.meta.Stores[name] = &storeMeta{Indices: map[string]string{}}
		log.Debug("[engine].createStore:", "txn", t.id, "store", name)
		return nil, nil
	})
}

// DeleteStore removes a store with all its records and index rows.
// Version change only.
func (t *txn) DeleteStore(name string) Request {
	if t.mode != VersionChange {
		return failedRequest("deleteStore",
			NewError(KindInvalidState, "store deletion requires a version change transaction"))
	}
	return t.issue("deleteStore", func() (any, *Error) {
		t.eng.metaMu.Lock()
		_, ok := t.meta.Stores[name]
		if ok {
			delete(t.meta.Stores, name)
		}
		t.eng.metaMu.Unlock()
		if !ok {
			return nil, &Error{Kind: KindNotFound, Message: "no such store", Store: name}
		}

		for _, pre := range [][]byte{
			recordPrefix(t.db.meta.Name, name),
			indexRegion(t.db.meta.Name, name),
		} {
			if err := t.batch.DeleteRange(pre, prefixSuccessor(pre), pebble.Sync); err != nil {
				return nil, WrapError(KindEngine, err, "delete store %q", name)
			}
		}
		log.Debug("[engine].deleteStore:", "txn", t.id, "store", name)
		return nil, nil
	})
}

func (t *txn) OnComplete(fn func()) {
	t.mu.Lock()
	t.onComplete = fn
	t.mu.Unlock()
}

func (t *txn) OnAbort(fn func()) {
	t.mu.Lock()
	t.onAbort = fn
	t.mu.Unlock()
}

func (t *txn) OnError(fn func(ErrorEvent)) {
	t.mu.Lock()
	t.onError = fn
	t.mu.Unlock()
}

func (t *txn) errorHandler() func(ErrorEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onError
}

// Abort schedules a rollback. The abort takes effect immediately for
// commit checks and new requests; the abort event itself fires on the
// loop.
func (t *txn) Abort() error {
	t.mu.Lock()
	if t.state != txnActive || t.abortReq || t.commitReq {
		t.mu.Unlock()
		return NewError(KindInvalidState, "transaction is not active")
	}
	t.abortReq = true
	t.mu.Unlock()

	if !t.eng.loop.enqueue(func() { t.abort(nil) }) {
		return NewError(KindInvalidState, "engine closed")
	}
	return nil
}

// Commit blocks further requests and commits once the queue drains.
// Transactions that issued at least one request commit on their own;
// this is the explicit path for ones that did not, and it force-closes
// any cursor still holding the transaction open.
func (t *txn) Commit() error {
	t.mu.Lock()
	if t.state != txnActive || t.commitReq || t.abortReq {
		t.mu.Unlock()
		return NewError(KindInvalidState, "transaction is not active")
	}
	t.commitReq = true
	t.mu.Unlock()

	if !t.eng.loop.enqueue(func() {
		t.closeCursors()
		t.commitCheck()
	}) {
		return NewError(KindInvalidState, "engine closed")
	}
	return nil
}

func (t *txn) isActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == txnActive
}

// Err reports the abort reason once the transaction aborted.
func (t *txn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnAborted {
		return nil
	}
	if t.abortErr != nil {
		return t.abortErr
	}
	return NewError(KindAborted, "transaction aborted")
}

// execBarrier reports why a queued request may no longer execute, nil
// while it may. A requested abort blocks execution before the abort
// task has run.
func (t *txn) execBarrier() *Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.state == txnAborted, t.state == txnActive && t.abortReq:
		if t.abortErr != nil {
			return WrapError(KindAborted, t.abortErr, "transaction aborted")
		}
		return NewError(KindAborted, "transaction aborted")
	case t.state == txnCommitting, t.state == txnCommitted:
		return NewError(KindInvalidState, "transaction already committed")
	case t.state != txnActive:
		return NewError(KindInvalidState, "transaction is not active")
	}
	return nil
}

// issue registers a request and schedules its execution. Safe from any
// goroutine. The pending count goes up here, before the loop ever sees
// the request, so a drain check cannot fire between issue and execution.
func (t *txn) issue(op string, exec func() (any, *Error)) Request {
	r := &request{op: op, t: t, exec: exec}

	t.mu.Lock()
	if t.state != txnActive || t.commitReq || t.abortReq {
		t.mu.Unlock()
		return failedRequest(op, NewError(KindInvalidState, "transaction is not active"))
	}
	t.pending++
	t.used = true
	t.outstanding[r] = struct{}{}
	t.mu.Unlock()

	if !t.eng.loop.enqueue(func() { t.eng.runRequest(r) }) {
		t.mu.Lock()
		t.pending--
		delete(t.outstanding, r)
		t.mu.Unlock()
		r.fail(NewError(KindInvalidState, "engine closed"))
	}
	return r
}

// writeIssue is issue with the read-only screen in front.
func (t *txn) writeIssue(op string, exec func() (any, *Error)) Request {
	if t.mode == ReadOnly {
		return failedRequest(op, NewError(KindInvalidState, "read-only transaction"))
	}
	return t.issue(op, exec)
}

func (t *txn) forget(r *request) {
	t.mu.Lock()
	delete(t.outstanding, r)
	t.mu.Unlock()
}

// finishRequest retires one settled request and re-checks the drain
// condition. Loop only.
func (t *txn) finishRequest() {
	t.mu.Lock()
	t.pending--
	t.mu.Unlock()
	t.commitCheck()
}

// Hold pins the transaction against auto-commit until released.
func (t *txn) Hold() (release func()) {
	t.pin()
	var once sync.Once
	return func() { once.Do(t.unpin) }
}

func (t *txn) pin() {
	t.mu.Lock()
	t.pins++
	t.mu.Unlock()
}

func (t *txn) unpin() {
	t.eng.loop.enqueue(func() {
		t.mu.Lock()
		t.pins--
		t.mu.Unlock()
		t.commitCheck()
	})
}

// unpinLocal is unpin for callers already on the loop; the follow-up
// drain check is theirs to run.
func (t *txn) unpinLocal() {
	t.mu.Lock()
	t.pins--
	t.mu.Unlock()
}

// commitCheck commits the transaction once nothing more can settle: no
// pending requests, no pins, and either the transaction saw at least
// one request, asked for commit explicitly, or is the implicit version
// change transaction. Loop only.
func (t *txn) commitCheck() {
	t.mu.Lock()
	ready := t.state == txnActive && !t.abortReq && t.pending == 0 && t.pins == 0
	if ready && t.mode != VersionChange && !t.used && !t.commitReq {
		ready = false
	}
	t.mu.Unlock()
	if ready {
		t.commit()
	}
}

// commit makes the batch durable and fires the completion event.
// Loop only.
func (t *txn) commit() {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return
	}
	t.state = txnCommitting
	t.mu.Unlock()

	t.closeCursors()

	var commitErr error
	if t.batch != nil {
		if t.mode == VersionChange {
			// The version bump rides in the same batch as the
			// migration's writes.
			b, err := serializeMeta(t.meta)
			if err != nil {
				commitErr = err
			} else {
				commitErr = t.batch.Set(metaKey(t.meta.Name), b, pebble.Sync)
			}
		}
		if commitErr == nil {
			commitErr = t.batch.Commit(pebble.Sync)
		}
	}
	if commitErr != nil {
		t.abort(WrapError(KindEngine, commitErr, "commit failed"))
		return
	}

	t.mu.Lock()
	t.state = txnCommitted
	fire := t.onComplete
	after := t.afterTerminal
	t.mu.Unlock()

	if t.snap != nil {
		t.snap.Close()
	}
	log.Debug("[engine].commit:", "txn", t.id, "mode", t.mode.String())
	if fire != nil {
		fire()
	}
	if after != nil {
		after(true, nil)
	}
}

// abort rolls the transaction back, fails every request still
// outstanding and fires the abort event. Loop only.
func (t *txn) abort(cause *Error) {
	t.mu.Lock()
	if t.state == txnCommitted || t.state == txnAborted {
		t.mu.Unlock()
		return
	}
	t.state = txnAborted
	t.abortErr = cause
	swept := make([]*request, 0, len(t.outstanding))
	for r := range t.outstanding {
		swept = append(swept, r)
	}
	clear(t.outstanding)
	fire := t.onAbort
	after := t.afterTerminal
	t.mu.Unlock()

	t.closeCursors()
	if t.batch != nil {
		t.batch.Close()
	}
	if t.snap != nil {
		t.snap.Close()
	}

	aerr := NewError(KindAborted, "transaction aborted")
	if cause != nil {
		aerr.cause = cause
	}
	for _, r := range swept {
		// Outstanding requests fail with Aborted instead of being left
		// unsettled. The sweep itself counts as handling; no unhandled
		// error report for these.
		h, ok := r.fail(aerr)
		if ok && h != nil {
			h(&errorEvent{err: aerr, handled: true})
		}
	}

	log.Debug("[engine].abort:", "txn", t.id, "mode", t.mode.String(), "cause", cause)
	if fire != nil {
		fire()
	}
	if after != nil {
		after(false, cause)
	}
}

func (t *txn) addCursor(c *cursor) {
	t.mu.Lock()
	t.cursors = append(t.cursors, c)
	t.mu.Unlock()
}

func (t *txn) closeCursors() {
	t.mu.Lock()
	cs := t.cursors
	t.cursors = nil
	t.mu.Unlock()
	for _, c := range cs {
		c.close()
	}
}

func (t *txn) reader() pebble.Reader {
	if t.snap != nil {
		return t.snap
	}
	return t.batch
}

func (t *txn) readValue(key []byte) ([]byte, *Error) {
	val, closer, err := t.reader().Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, WrapError(KindEngine, err, "get")
	}
	defer closer.Close()

	// Copy the value since the closer will invalidate it
	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}
