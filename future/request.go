package future

import (
	"github.com/aep/strata/engine"
)

// FromRequest bridges one engine request into a future. The success
// path runs extract on the settled result; a nil extract type-asserts
// the raw result straight to T. The error path marks the event handled
// so the engine does not report it as unhandled, but leaves abort
// escalation alone: the transaction still fails unless the caller
// installed its own policy.
//
// A request can settle before its listeners attach when the caller
// reads a settled request a second time, so FromRequest polls Ready
// once after wiring. The future's settle-once gate absorbs the rare
// double delivery when settlement lands mid-registration.
func FromRequest[T any](req engine.Request, extract func(any) (T, error)) *Future[T] {
	f := New[T]()
	deliver := func(res any, err error) {
		if err != nil {
			f.Reject(err)
			return
		}
		if extract == nil {
			v, _ := res.(T)
			f.Resolve(v)
			return
		}
		v, xerr := extract(res)
		if xerr != nil {
			f.Reject(xerr)
			return
		}
		f.Resolve(v)
	}

	g := Watch(req,
		func(r engine.Request) {
			deliver(r.Result())
		},
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
