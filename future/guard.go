package future

import (
	"sync"

	"github.com/aep/strata/engine"
)

// Guard scopes a success and error listener pair on one request. The
// pair is installed together and removed together: the first event to
// fire releases the guard before the callback runs, and Release may
// also be called explicitly to abandon an observation early. Release
// is idempotent.
type Guard struct {
	req  engine.Request
	once sync.Once
}

// Watch installs onSuccess and onError on req behind a shared guard.
// The callbacks run on the engine loop. Registration does not race
// settlement on the engine side, but a request issued earlier may have
// settled before Watch ran; callers that need the result in that case
// must poll req.Ready after Watch returns.
func Watch(req engine.Request, onSuccess func(engine.Request), onError func(engine.ErrorEvent)) *Guard {
	g := &Guard{req: req}
	req.OnSuccess(func(r engine.Request) {
		g.Release()
		if onSuccess != nil {
			onSuccess(r)
		}
	})
	req.OnError(func(ev engine.ErrorEvent) {
		g.Release()
		if onError != nil {
			onError(ev)
		}
	})
	return g
}

// Release clears both listener slots. Safe to call any number of
// times, from handlers or from outside the loop.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.req.OnSuccess(nil)
		g.req.OnError(nil)
	})
}
