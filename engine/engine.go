// Package engine implements an event-driven transactional object store.
// All completion callbacks fire on a single loop goroutine per engine;
// callers observe them through the single-slot handler slots on Request
// and Txn. Nothing in this package blocks the loop.
package engine

// Engine opens and deletes named databases.
type Engine interface {
	// Open requests a connection to the named database. Version 0 means
	// the current version, or 1 if the database does not exist yet. A
	// version above the stored one triggers the upgrade flow on the
	// returned request. A version below it fails the request.
	Open(name string, version uint64) OpenRequest
	DeleteDatabase(name string) Request
	Databases() Request // result []DatabaseInfo in name order
	Close() error
}

// DatabaseInfo describes one stored database.
type DatabaseInfo struct {
	Name    string `json:"name"`
	Version uint64 `json:"version"`
}

// Database is one open connection. Its store set is fixed at open time.
type Database interface {
	Name() string
	Version() uint64
	Stores() []string
	Begin(stores []string, mode Mode) (Txn, error)
	Close()
}

// Txn is a unit of work. A read-write transaction auto-commits on the
// loop once at least one request has settled and no requests remain
// pending; an errored request escalates to abort unless its error event
// called PreventAbort. Handler slots hold at most one callback; passing
// nil clears the slot.
type Txn interface {
	Store(name string) (Store, error)
	Mode() Mode
	Abort() error
	Commit() error

	// Err reports why the transaction aborted: the escalating request
	// error, or the commit failure. Nil while active and after commit;
	// a plain Aborted error after an explicit Abort.
	Err() error

	OnComplete(func())
	OnAbort(func())
	OnError(func(ErrorEvent))

	// Hold pins the transaction against auto-commit, for callers that
	// need a gap between settlement and their next request. The returned
	// release re-arms the drain check; calling it twice is safe.
	Hold() (release func())

	// Schema operations, valid only inside a version change transaction.
	CreateStore(name string) Request
	DeleteStore(name string) Request
}

type Store interface {
	Get(key []byte) Request    // result []byte, nil when absent
	GetKey(key []byte) Request // result []byte, nil when absent
	Add(key, value []byte) Request
	Put(key, value []byte) Request
	Delete(key []byte) Request
	Clear() Request
	Count(rng Range) Request                      // result uint64
	GetAll(rng Range, limit int) Request          // result []KeyAndValue in key order
	OpenCursor(rng Range, dir Direction) Request  // result Cursor, nil when empty
	OpenKeyCursor(rng Range, dir Direction) Request

	// Schema operations, valid only inside a version change transaction.
	// path is a dot separated field path into the record's JSON value;
	// only string fields are indexed.
	CreateIndex(name, path string) Request
	DeleteIndex(name string) Request
	Index(name string) (Index, error)
}

// Index reads through a secondary index. Cursor results iterate in
// index value order; Get resolves the primary record for the first match.
type Index interface {
	Get(value []byte) Request
	Count(rng Range) Request
	GetAll(rng Range, limit int) Request
	OpenCursor(rng Range, dir Direction) Request
	OpenKeyCursor(rng Range, dir Direction) Request
}

// Cursor is a streaming position. Advance and AdvanceTo settle with the
// same Cursor while records remain and nil once exhausted. The engine
// never queues cursor operations: issuing one while another is pending
// on the same cursor is a caller error the wrapper layer screens out.
//
// A positioned cursor keeps its transaction from auto-committing. The
// hold ends when the cursor runs out; a caller abandoning a cursor
// early must Close it (or finish the transaction explicitly) or the
// transaction never commits.
type Cursor interface {
	Key() []byte
	Value() []byte
	Advance() Request
	AdvanceTo(key []byte) Request
	Delete() Request
	Update(value []byte) Request
	Close() error
}

// Request is one pending asynchronous operation. Handler slots hold at
// most one callback each and never fire during registration; a caller
// that may have raced settlement checks Ready fallback-style after
// registering. Event flags (MarkHandled, PreventAbort) only count when
// the handler was installed before settlement: install transaction
// level handlers before issuing, or install request handlers from
// inside another handler, which runs on the loop and cannot race the
// queue behind it.
type Request interface {
	OnSuccess(func(Request))
	OnError(func(ErrorEvent))
	Ready() bool
	Result() (any, error)
}

// OpenRequest is the database-open request with the extra upgrade slot.
// The open is scheduled when the caller first observes the request
// through OnSuccess, OnError, Ready or Result. Register the upgrade
// handler before that point and it cannot miss the event.
type OpenRequest interface {
	Request
	OnUpgradeNeeded(func(UpgradeEvent))
}

// ErrorEvent carries a failed request's error through the request and
// transaction handler slots. MarkHandled suppresses the engine's
// unhandled-error log. PreventAbort stops the escalation that would
// otherwise abort the enclosing transaction.
type ErrorEvent interface {
	Err() error
	MarkHandled()
	PreventAbort()
}

// UpgradeEvent is delivered on the open request when the stored version
// is below the requested one. Txn is the implicit version change
// transaction; store and index creation are only legal on it. Hold pins
// the transaction open so a migration may run off the loop; the returned
// release arms the auto-commit again.
type UpgradeEvent interface {
	OldVersion() uint64
	NewVersion() uint64
	DB() Database
	Txn() Txn
	Hold() (release func())
}

type Mode uint8

const (
	ReadOnly Mode = iota
	ReadWrite
	VersionChange
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case VersionChange:
		return "versionchange"
	}
	return "invalid"
}

type Direction uint8

const (
	Next Direction = iota
	Prev
)

func (d Direction) String() string {
	if d == Prev {
		return "prev"
	}
	return "next"
}

type KeyAndValue struct {
	K []byte
	V []byte
}

// Range bounds a key scan. A nil Lower or Upper leaves that side
// unbounded; the Open flags exclude the bound itself.
type Range struct {
	Lower     []byte
	Upper     []byte
	LowerOpen bool
	UpperOpen bool
}

// Only matches exactly one key.
func Only(key []byte) Range {
	return Range{Lower: key, Upper: key}
}

// LowerBound matches keys >= key.
func LowerBound(key []byte) Range {
	return Range{Lower: key}
}

// UpperBound matches keys <= key.
func UpperBound(key []byte) Range {
	return Range{Upper: key}
}

// Prefix matches every key starting with p.
func Prefix(p []byte) Range {
	return Range{Lower: p, Upper: prefixSuccessor(p), UpperOpen: true}
}

func (r Range) contains(key []byte) bool {
	if r.Lower != nil {
		c := compare(key, r.Lower)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if r.Upper != nil {
		c := compare(key, r.Upper)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}
