package engine

import "sync"

// request is the one implementation behind Request and OpenRequest.
// Settlement happens exactly once, on the loop. Handler slots may be
// written from any goroutine, so reads and writes go through mu; the
// ready flag is published under the same lock, which is what lets a
// late registrar fall back to polling Ready.
type request struct {
	mu        sync.Mutex
	op        string
	t         *txn // nil for engine-level requests
	ready     bool
	result    any
	err       *Error
	onSuccess func(Request)
	onError   func(ErrorEvent)
	exec      func() (any, *Error)
}

func (r *request) OnSuccess(fn func(Request)) {
	r.mu.Lock()
	r.onSuccess = fn
	r.mu.Unlock()
}

func (r *request) OnError(fn func(ErrorEvent)) {
	r.mu.Lock()
	r.onError = fn
	r.mu.Unlock()
}

func (r *request) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *request) Result() (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil, NewError(KindInvalidState, "request %q has not settled", r.op)
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

// succeed marks the request settled and returns the success slot to
// fire. Loop only. ok is false when the request had already settled,
// e.g. swept by an abort racing its own execution.
func (r *request) succeed(result any) (fire func(Request), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return nil, false
	}
	r.ready = true
	r.result = result
	return r.onSuccess, true
}

// fail is the error-side counterpart of succeed. Called on the loop,
// except from issue paths that found the loop already gone.
func (r *request) fail(err *Error) (fire func(ErrorEvent), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return nil, false
	}
	r.ready = true
	r.err = err
	return r.onError, true
}

// failedRequest returns a request born settled with err. Contract
// violations detected at issue time surface this way so that every
// operation uniformly reports through the request, never by panicking.
func failedRequest(op string, err *Error) *request {
	return &request{op: op, ready: true, err: err}
}

// openRequest defers scheduling until the caller observes it, which is
// what makes OnUpgradeNeeded race free: the upgrade event cannot fire
// while the caller is still wiring handlers.
type openRequest struct {
	request
	onUpgrade func(UpgradeEvent)
	start     func()
}

func (r *openRequest) OnUpgradeNeeded(fn func(UpgradeEvent)) {
	r.mu.Lock()
	r.onUpgrade = fn
	r.mu.Unlock()
}

func (r *openRequest) upgradeHandler() func(UpgradeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onUpgrade
}

// arm schedules the open on first observation.
func (r *openRequest) arm() {
	r.mu.Lock()
	s := r.start
	r.start = nil
	r.mu.Unlock()
	if s != nil {
		s()
	}
}

func (r *openRequest) OnSuccess(fn func(Request)) {
	r.request.OnSuccess(fn)
	r.arm()
}

func (r *openRequest) OnError(fn func(ErrorEvent)) {
	r.request.OnError(fn)
	r.arm()
}

func (r *openRequest) Ready() bool {
	r.arm()
	return r.request.Ready()
}

func (r *openRequest) Result() (any, error) {
	r.arm()
	return r.request.Result()
}

// errorEvent travels through the request and transaction error slots of
// one failed request. Handlers run on the loop, so the flags need no
// lock.
type errorEvent struct {
	err          *Error
	handled      bool
	preventAbort bool
}

func (e *errorEvent) Err() error    { return e.err }
func (e *errorEvent) MarkHandled()  { e.handled = true }
func (e *errorEvent) PreventAbort() { e.preventAbort = true }

type upgradeEvent struct {
	oldVersion uint64
	newVersion uint64
	db         *database
	t          *txn
}

func (e *upgradeEvent) OldVersion() uint64 { return e.oldVersion }
func (e *upgradeEvent) NewVersion() uint64 { return e.newVersion }
func (e *upgradeEvent) DB() Database       { return e.db }
func (e *upgradeEvent) Txn() Txn           { return e.t }

// Hold pins the version change transaction so a migration can run off
// the loop. The release is idempotent.
func (e *upgradeEvent) Hold() (release func()) {
	e.t.pin()
	var once sync.Once
	return func() { once.Do(e.t.unpin) }
}
