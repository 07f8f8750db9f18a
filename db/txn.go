package db

import (
	"sync"

	"github.com/aep/strata/engine"
	"github.com/aep/strata/future"
	"github.com/google/uuid"
)

// Txn wraps one engine transaction. It owns the native handler slots:
// the terminal event settles Future and, after a commit, hands the
// collected change set to the publisher. Code that needs extra
// completion hooks watches Future().Done instead of touching the
// native slots.
//
// A read-write transaction commits on its own once every issued
// request has settled; issue the requests you need and await their
// futures, or drive requests from each other's completions. An
// interleaved issue-await-issue sequence gives the drain check a
// window to commit in between.
type Txn struct {
	db     *DB
	native engine.Txn
	id     string
	mode   engine.Mode
	fut    *future.Future[struct{}]

	mu       sync.Mutex
	terminal error // abort reason; later issues reject with it immediately
	changes  []Change
}

func (d *DB) wrapTxn(native engine.Txn, mode engine.Mode) *Txn {
	t := &Txn{
		db:     d,
		native: native,
		id:     uuid.NewString(),
		mode:   mode,
		fut:    future.New[struct{}](),
	}
	release := func() {
		native.OnComplete(nil)
		native.OnAbort(nil)
		native.OnError(nil)
	}
	native.OnComplete(func() {
		if !t.fut.Resolve(struct{}{}) {
			return
		}
		release()
		if chs := t.takeChanges(); len(chs) > 0 && d.pub != nil && mode == engine.ReadWrite {
			// Publishing may block; the loop must not.
			go d.publish(chs)
		}
	})
	native.OnAbort(func() {
		err := native.Err()
		if err == nil {
			err = engine.NewError(engine.KindAborted, "transaction aborted")
		}
		t.mu.Lock()
		t.terminal = err
		t.mu.Unlock()
		if t.fut.Reject(err) {
			release()
		}
	})
	// Request futures mark their own errors handled; this slot covers
	// the escalation path so the engine never reports a request the
	// wrapper already surfaced.
	native.OnError(func(ev engine.ErrorEvent) {
		ev.MarkHandled()
	})
	return t
}

// Future settles when the transaction ends: resolved after commit,
// rejected with the abort reason otherwise. When a request error took
// the transaction down, the rejection carries that error, not a bare
// Aborted.
func (t *Txn) Future() *future.Future[struct{}] { return t.fut }

func (t *Txn) Mode() engine.Mode { return t.mode }

// Store returns the operation surface for one in-scope store.
func (t *Txn) Store(name string) (*Store, error) {
	s, err := t.native.Store(name)
	if err != nil {
		return nil, err
	}
	return &Store{t: t, name: name, native: s}, nil
}

// Abort rolls the transaction back. Requests still queued settle with
// Aborted; nothing publishes.
func (t *Txn) Abort() error { return t.native.Abort() }

// Commit asks for the commit without waiting for a first settled
// request. Open cursor streams are closed. Normally unnecessary: a
// used transaction commits by itself once its queue drains.
func (t *Txn) Commit() error { return t.native.Commit() }

// CreateStore adds an object store. Version change transactions only;
// the future resolves with the new store's operation surface.
func (t *Txn) CreateStore(name string) *future.Future[*Store] {
	return bridge(t, nil,
		func() engine.Request { return t.native.CreateStore(name) },
		func(any) (*Store, error) { return t.Store(name) })
}

// DeleteStore removes an object store and everything in it. Version
// change transactions only.
func (t *Txn) DeleteStore(name string) *future.Future[struct{}] {
	return bridge(t, nil,
		func() engine.Request { return t.native.DeleteStore(name) }, discard)
}

func discard(any) (struct{}, error) { return struct{}{}, nil }

// sticky reports the abort reason once the transaction failed, so
// follow-up operations reject with the original reason instead of a
// generic state error.
func (t *Txn) sticky() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal
}

func (t *Txn) record(ch Change) {
	t.mu.Lock()
	t.changes = append(t.changes, ch)
	t.mu.Unlock()
}

func (t *Txn) takeChanges() []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	chs := t.changes
	t.changes = nil
	return chs
}

// bridge issues one native request and adapts it into a future. The
// transaction is held across the wiring so a settlement racing the
// registration cannot commit before the result is delivered and the
// change recorded; the poll after Watch picks up the raced settlement
// itself. Only the delivery that wins the future records the change,
// which keeps the rare double delivery from recording twice.
func bridge[T any](t *Txn, ch *Change, issue func() engine.Request, extract func(any) (T, error)) *future.Future[T] {
	if err := t.sticky(); err != nil {
		return future.Failed[T](err)
	}
	f := future.New[T]()
	release := t.native.Hold()
	defer release()

	req := issue()
	deliver := func(res any, err error) {
		if err != nil {
			f.Reject(err)
			return
		}
		var v T
		if extract == nil {
			v, _ = res.(T)
		} else {
			var xerr error
			if v, xerr = extract(res); xerr != nil {
				f.Reject(xerr)
				return
			}
		}
		if f.Resolve(v) && ch != nil {
			t.record(*ch)
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
