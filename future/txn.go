package future

import (
	"github.com/aep/strata/engine"
)

// Completion tracks a transaction to its terminal event. It resolves
// on complete and rejects on abort; an error event that precedes the
// abort rejects with the original cause instead of the bare abort
// error, whichever terminal signal arrives first wins. The three
// listeners are installed together and cleared once the future
// settles.
//
// Completion owns the transaction's handler slots. Code that needs its
// own complete or abort hooks alongside a completion future should
// watch the future's Done channel instead of replacing the slots.
// Install it before the transaction can reach a terminal state,
// normally right after Begin; a transaction that settled earlier never
// fires the freshly installed listeners.
func Completion(t engine.Txn) *Future[struct{}] {
	f := New[struct{}]()
	release := func() {
		t.OnComplete(nil)
		t.OnAbort(nil)
		t.OnError(nil)
	}
	t.OnComplete(func() {
		if f.Resolve(struct{}{}) {
			release()
		}
	})
	t.OnAbort(func() {
		if f.Reject(&engine.Error{Kind: engine.KindAborted, Message: "transaction aborted"}) {
			release()
		}
	})
	t.OnError(func(ev engine.ErrorEvent) {
		ev.MarkHandled()
		if f.Reject(ev.Err()) {
			release()
		}
	})
	return f
}
