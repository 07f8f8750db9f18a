package engine

import (
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/lmittmann/tint"
	"go.uber.org/zap"
)

var log = slog.New(tint.NewHandler(os.Stderr, nil))

// Pebbledb is the pebble backed engine. All request execution, handler
// firing and transaction state transitions run on its loop goroutine.
// Read-write transactions are indexed batches, read-only transactions
// are snapshots; overlapping read-write transactions resolve last write
// wins at commit, which is good enough for a local engine.
type Pebbledb struct {
	db   *pebble.DB
	loop *loop

	// metaMu guards every dbMeta reachable from an open handle. The
	// loop takes the write lock for schema mutations; Begin and the
	// store accessors take the read lock.
	metaMu sync.RWMutex

	mu     sync.Mutex
	closed bool
}

var _ Engine = (*Pebbledb)(nil)

func pebbleLogger() pebble.Logger {
	zl, err := zap.NewProduction(zap.IncreaseLevel(zap.WarnLevel))
	if err != nil {
		return pebble.DefaultLogger
	}
	return zl.Sugar()
}

func NewPebble(path string) (Engine, error) {
	opts := &pebble.Options{
		Logger: pebbleLogger(),
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	return &Pebbledb{db: db, loop: startLoop()}, nil
}

// NewMemPebble creates an in-memory engine instance for testing.
func NewMemPebble() (Engine, error) {
	opts := &pebble.Options{
		FS:     vfs.NewMem(),
		Logger: pebbleLogger(),
	}

	db, err := pebble.Open("", opts)
	if err != nil {
		return nil, err
	}

	return &Pebbledb{db: db, loop: startLoop()}, nil
}

func (p *Pebbledb) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.loop.stop()
	return p.db.Close()
}

func (p *Pebbledb) Open(name string, version uint64) OpenRequest {
	r := &openRequest{request: request{op: "open"}}
	if err := validateName("database", name); err != nil {
		r.ready = true
		r.err = err
		return r
	}
	r.start = func() {
		if !p.loop.enqueue(func() { p.runOpen(r, name, version) }) {
			r.fail(NewError(KindInvalidState, "engine closed"))
		}
	}
	return r
}

func (p *Pebbledb) DeleteDatabase(name string) Request {
	if err := validateName("database", name); err != nil {
		return failedRequest("deleteDatabase", err)
	}
	return p.issueEngine("deleteDatabase", func() (any, *Error) {
		batch := p.db.NewBatch()
		defer batch.Close()

		if err := batch.Delete(metaKey(name), pebble.Sync); err != nil {
			return nil, WrapError(KindEngine, err, "delete database %q", name)
		}
		for _, region := range []string{"o", "i"} {
			pre := []byte(region + "\xff" + name + "\xff")
			if err := batch.DeleteRange(pre, prefixSuccessor(pre), pebble.Sync); err != nil {
				return nil, WrapError(KindEngine, err, "delete database %q", name)
			}
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			return nil, WrapError(KindEngine, err, "delete database %q", name)
		}
		log.Debug("[engine].deleteDatabase:", "db", name)
		return nil, nil
	})
}

// Databases walks the meta region. Meta keys sort by database name, so
// the result comes out ordered without an extra sort.
func (p *Pebbledb) Databases() Request {
	return p.issueEngine("databases", func() (any, *Error) {
		pre := []byte("m\xff")
		it, err := p.db.NewIter(&pebble.IterOptions{
			LowerBound: pre,
			UpperBound: prefixSuccessor(pre),
		})
		if err != nil {
			return nil, WrapError(KindEngine, err, "list databases")
		}
		defer it.Close()

		infos := []DatabaseInfo{}
		for it.First(); it.Valid(); it.Next() {
			m := &dbMeta{}
			if err := deserializeMeta(it.Value(), m); err != nil {
				return nil, WrapError(KindEngine, err, "decode meta at %q", it.Key())
			}
			infos = append(infos, DatabaseInfo{Name: m.Name, Version: m.Version})
		}
		if err := it.Error(); err != nil {
			return nil, WrapError(KindEngine, err, "list databases")
		}
		return infos, nil
	})
}

// issueEngine runs an engine level operation outside any transaction.
func (p *Pebbledb) issueEngine(op string, exec func() (any, *Error)) *request {
	r := &request{op: op, exec: exec}
	if !p.loop.enqueue(func() { p.runRequest(r) }) {
		r.ready = true
		r.err = NewError(KindInvalidState, "engine closed")
	}
	return r
}

// runRequest executes and settles one request. Loop only.
func (p *Pebbledb) runRequest(r *request) {
	if t := r.t; t != nil {
		if err := t.execBarrier(); err != nil {
			p.settleErr(r, err)
			return
		}
	}
	res, err := r.exec()
	if err != nil {
		p.settleErr(r, err)
		return
	}
	p.settleOK(r, res)
}

// settleOK resolves a request and fires its success slot. The handler
// may issue follow-up requests; the pending count reflects them before
// the drain check in finishRequest runs.
func (p *Pebbledb) settleOK(r *request, result any) {
	fire, ok := r.succeed(result)
	if !ok {
		return
	}
	if r.t != nil {
		r.t.forget(r)
	}
	if fire != nil {
		fire(r)
	}
	if r.t != nil {
		r.t.finishRequest()
	}
}

// settleErr rejects a request, bubbles the event through the request
// and transaction error slots, then escalates to abort unless the
// event prevented it. Contract violations and abort fallout do not
// escalate: the first never touches transaction state, the second is
// the abort's own echo.
func (p *Pebbledb) settleErr(r *request, err *Error) {
	fire, ok := r.fail(err)
	if !ok {
		return
	}
	t := r.t
	if t != nil {
		t.forget(r)
	}

	ev := &errorEvent{err: err}
	if fire != nil {
		fire(ev)
	}
	if t != nil {
		if h := t.errorHandler(); h != nil {
			h(ev)
		}
	}
	if !ev.handled && err.Kind != KindAborted {
		log.Warn("[engine] unhandled request error", "op", r.op, "err", err)
	}
	if t != nil {
		if !ev.preventAbort && err.Kind != KindAborted && err.Kind != KindInvalidState && t.isActive() {
			t.abort(err)
		}
		t.finishRequest()
	}
}

func (p *Pebbledb) readMeta(name string) (*dbMeta, *Error) {
	val, closer, err := p.db.Get(metaKey(name))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, WrapError(KindEngine, err, "read meta for %q", name)
	}
	defer closer.Close()

	m := &dbMeta{}
	if err := deserializeMeta(val, m); err != nil {
		return nil, WrapError(KindEngine, err, "decode meta for %q", name)
	}
	if m.Stores == nil {
		m.Stores = map[string]*storeMeta{}
	}
	return m, nil
}

// runOpen drives a database open, including the version change flow.
// Loop only.
func (p *Pebbledb) runOpen(r *openRequest, name string, version uint64) {
	meta, merr := p.readMeta(name)
	if merr != nil {
		p.settleErr(&r.request, merr)
		return
	}

	var stored uint64
	if meta != nil {
		stored = meta.Version
	}
	if version == 0 {
		if meta != nil {
			version = stored
		} else {
			version = 1
		}
	}
	if version < stored {
		p.settleErr(&r.request, NewError(KindEngine,
			"requested version %d is below stored version %d", version, stored))
		return
	}

	if meta != nil && version == stored {
		log.Debug("[engine].open:", "db", name, "version", version)
		p.settleOK(&r.request, Database(&database{eng: p, meta: meta}))
		return
	}

	// Version change: mutate a working copy of the meta inside an
	// implicit transaction so the version bump commits atomically with
	// whatever the migration writes.
	if meta == nil {
		meta = &dbMeta{Name: name, Stores: map[string]*storeMeta{}}
	}
	work := meta.clone()
	work.Version = version
	db := &database{eng: p, meta: work}

	t := p.newTxn(db, nil, VersionChange)
	t.meta = work
	t.afterTerminal = func(committed bool, cause *Error) {
		if committed {
			log.Debug("[engine].open:", "db", name, "version", version, "upgraded_from", stored)
			p.settleOK(&r.request, Database(db))
			return
		}
		if cause == nil {
			cause = NewError(KindAborted, "version change transaction aborted")
		} else if cause.Kind != KindAborted {
			cause = WrapError(KindAborted, cause, "version change transaction aborted")
		}
		p.settleErr(&r.request, cause)
	}

	ev := &upgradeEvent{oldVersion: stored, newVersion: version, db: db, t: t}
	if h := r.upgradeHandler(); h != nil {
		h(ev)
	}
	t.commitCheck()
}

// database is one open connection. Its meta is shared with any version
// change transaction that created it; schema mutations happen on the
// loop under the engine's metaMu.
type database struct {
	eng  *Pebbledb
	meta *dbMeta

	mu     sync.Mutex
	closed bool
}

var _ Database = (*database)(nil)

func (d *database) Name() string    { return d.meta.Name }
func (d *database) Version() uint64 { return d.meta.Version }

func (d *database) Stores() []string {
	d.eng.metaMu.RLock()
	defer d.eng.metaMu.RUnlock()
	names := d.meta.storeNames()
	sort.Strings(names)
	return names
}

func (d *database) Begin(stores []string, mode Mode) (Txn, error) {
	if mode == VersionChange {
		return nil, NewError(KindInvalidState, "version change transactions are started by Open")
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, NewError(KindInvalidState, "database %q is closed", d.meta.Name)
	}
	d.mu.Unlock()

	d.eng.mu.Lock()
	engClosed := d.eng.closed
	d.eng.mu.Unlock()
	if engClosed {
		return nil, NewError(KindInvalidState, "engine closed")
	}

	if len(stores) == 0 {
		return nil, NewError(KindInvalidState, "transaction scope must name at least one store")
	}

	d.eng.metaMu.RLock()
	for _, s := range stores {
		if _, ok := d.meta.Stores[s]; !ok {
			d.eng.metaMu.RUnlock()
			return nil, &Error{Kind: KindNotFound, Message: "no such store", Store: s}
		}
	}
	d.eng.metaMu.RUnlock()

	t := d.eng.newTxn(d, stores, mode)
	log.Debug("[engine].begin:", "txn", t.id, "db", d.meta.Name, "mode", mode.String(), "stores", stores)
	return t, nil
}

func (d *database) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}
