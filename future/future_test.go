package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/aep/strata/engine"
)

type stubEvent struct {
	err       error
	handled   bool
	prevented bool
}

func (e *stubEvent) Err() error    { return e.err }
func (e *stubEvent) MarkHandled()  { e.handled = true }
func (e *stubEvent) PreventAbort() { e.prevented = true }

// stubRequest settles on demand and fires whatever listeners are
// registered at that moment, like the engine loop does.
type stubRequest struct {
	mu        sync.Mutex
	onSuccess func(engine.Request)
	onError   func(engine.ErrorEvent)
	ready     bool
	result    any
	err       error
}

func (r *stubRequest) OnSuccess(fn func(engine.Request)) {
	r.mu.Lock()
	r.onSuccess = fn
	r.mu.Unlock()
}

func (r *stubRequest) OnError(fn func(engine.ErrorEvent)) {
	r.mu.Lock()
	r.onError = fn
	r.mu.Unlock()
}

func (r *stubRequest) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *stubRequest) Result() (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil, errors.New("request is not settled")
	}
	return r.result, r.err
}

func (r *stubRequest) succeed(v any) {
	r.mu.Lock()
	r.ready = true
	r.result = v
	fn := r.onSuccess
	r.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func (r *stubRequest) fail(ev *stubEvent) {
	r.mu.Lock()
	r.ready = true
	r.err = ev.err
	fn := r.onError
	r.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (r *stubRequest) successSlot() func(engine.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onSuccess
}

func (r *stubRequest) errorSlot() func(engine.ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onError
}

func TestFutureSettlesExactlyOnce(t *testing.T) {
	f := New[int]()
	require.False(t, f.Settled())

	_, err := f.Result()
	require.ErrorIs(t, err, ErrPending)

	require.True(t, f.Resolve(7))
	require.False(t, f.Resolve(8), "second resolve must lose")
	require.False(t, f.Reject(errors.New("late")), "reject after resolve must lose")

	v, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, 7, v)

	select {
	case <-f.Done():
	default:
		t.Fatal("done channel must be closed after settle")
	}
}

func TestFutureAwaitStopsOnContext(t *testing.T) {
	f := New[string]()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := f.Await(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.False(t, f.Settled(), "an abandoned observation must not settle the future")

	resolved := atomic.NewBool(false)
	go func() {
		time.Sleep(10 * time.Millisecond)
		resolved.Store(true)
		f.Resolve("later")
	}()

	v, err := f.Await(t.Context())
	require.NoError(t, err)
	require.Equal(t, "later", v)
	require.True(t, resolved.Load())
}

func TestFromRequestResolvesOnSuccess(t *testing.T) {
	r := &stubRequest{}
	f := FromRequest[[]byte](r, nil)
	require.False(t, f.Settled())

	r.succeed([]byte("hello"))

	v, err := f.Await(t.Context())
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), v)

	require.Nil(t, r.successSlot(), "listeners must be released after the event fired")
	require.Nil(t, r.errorSlot())
}

func TestFromRequestRejectsAndMarksHandled(t *testing.T) {
	r := &stubRequest{}
	f := FromRequest[[]byte](r, nil)

	ev := &stubEvent{err: errors.New("key exists")}
	r.fail(ev)

	_, err := f.Await(t.Context())
	require.EqualError(t, err, "key exists")
	require.True(t, ev.handled, "the bridge must mark the error handled")
	require.False(t, ev.prevented, "the bridge must not suppress the abort")
	require.Nil(t, r.errorSlot())
}

func TestFromRequestPicksUpAlreadySettled(t *testing.T) {
	r := &stubRequest{ready: true, result: uint64(3)}

	f := FromRequest[uint64](r, nil)
	require.True(t, f.Settled(), "a settled request must resolve the future without an event")

	v, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, uint64(3), v)
	require.Nil(t, r.successSlot(), "the poll path must release the listeners too")
}

func TestFromRequestExtract(t *testing.T) {
	r := &stubRequest{}
	f := FromRequest[string](r, func(res any) (string, error) {
		b, ok := res.([]byte)
		if !ok || b == nil {
			return "", errors.New("no value")
		}
		return string(b), nil
	})

	r.succeed([]byte("abc"))
	v, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, "abc", v)

	r2 := &stubRequest{}
	f2 := FromRequest[string](r2, func(res any) (string, error) {
		return "", errors.New("no value")
	})
	r2.succeed(nil)
	_, err = f2.Result()
	require.EqualError(t, err, "no value", "an extract failure must reject the future")
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	r := &stubRequest{}
	fired := atomic.NewInt32(0)
	g := Watch(r,
		func(engine.Request) { fired.Inc() },
		func(engine.ErrorEvent) { fired.Inc() })

	require.NotNil(t, r.successSlot())
	require.NotNil(t, r.errorSlot())

	g.Release()
	g.Release()
	require.Nil(t, r.successSlot())
	require.Nil(t, r.errorSlot())

	r.succeed(nil)
	require.Equal(t, int32(0), fired.Load(), "a released guard must not observe events")
}

func TestGuardReleasesOnFirstEvent(t *testing.T) {
	r := &stubRequest{}
	fired := atomic.NewInt32(0)
	Watch(r,
		func(engine.Request) { fired.Inc() },
		func(engine.ErrorEvent) { fired.Inc() })

	r.succeed(nil)
	require.Equal(t, int32(1), fired.Load())
	require.Nil(t, r.errorSlot(), "the error listener must be gone after success fired")
}

// stubTxn implements only the three handler slots; Completion must not
// touch anything else.
type stubTxn struct {
	engine.Txn
	mu         sync.Mutex
	onComplete func()
	onAbort    func()
	onError    func(engine.ErrorEvent)
}

func (s *stubTxn) OnComplete(fn func()) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

func (s *stubTxn) OnAbort(fn func()) {
	s.mu.Lock()
	s.onAbort = fn
	s.mu.Unlock()
}

func (s *stubTxn) OnError(fn func(engine.ErrorEvent)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

func (s *stubTxn) fireComplete() {
	s.mu.Lock()
	fn := s.onComplete
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *stubTxn) fireAbort() {
	s.mu.Lock()
	fn := s.onAbort
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *stubTxn) fireError(ev *stubEvent) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *stubTxn) slotsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onComplete == nil && s.onAbort == nil && s.onError == nil
}

func TestCompletionResolvesOnComplete(t *testing.T) {
	tx := &stubTxn{}
	f := Completion(tx)

	tx.fireComplete()
	_, err := f.Result()
	require.NoError(t, err)
	require.True(t, tx.slotsEmpty(), "all three listeners must be cleared after settle")
}

func TestCompletionRejectsOnAbort(t *testing.T) {
	tx := &stubTxn{}
	f := Completion(tx)

	tx.fireAbort()
	_, err := f.Result()
	require.True(t, engine.IsAborted(err))
}

func TestCompletionPrefersOriginalCause(t *testing.T) {
	tx := &stubTxn{}
	f := Completion(tx)

	cause := errors.New("unique key already exists")
	ev := &stubEvent{err: cause}
	tx.fireError(ev)
	tx.fireAbort()

	_, err := f.Result()
	require.ErrorIs(t, err, cause, "the error event arrived first, its cause must win over the abort")
	require.True(t, ev.handled)
}
