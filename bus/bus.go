// Package bus distributes the change events of committed read-write
// transactions. The solo bus fans out in process; the NATS bus rides an
// embedded JetStream server so changes survive a restart and reach
// other processes.
package bus

import (
	"log/slog"
	"os"
	"strings"

	"github.com/aep/strata/db"
	"github.com/lmittmann/tint"
)

var log = slog.New(tint.NewHandler(os.Stderr, nil))

// Bus accepts committed changes and hands them to subscribers. Publish
// is called once per change in commit order, off the engine loop.
type Bus interface {
	db.Publisher

	// Subscribe delivers changes whose topic matches subject until the
	// returned cancel runs. The channel closes on cancel and on Close.
	Subscribe(subject string) (<-chan db.Change, func(), error)

	Close() error
}

// matches reports whether a concrete topic matches a subject pattern.
// Subjects are dot separated; "*" matches one token, a trailing ">"
// matches the rest. Same rules NATS applies, so solo and NATS
// subscriptions are interchangeable.
func matches(pattern, topic string) bool {
	pt := strings.Split(pattern, ".")
	tt := strings.Split(topic, ".")
	for i, p := range pt {
		if p == ">" {
			return i < len(tt)
		}
		if i >= len(tt) {
			return false
		}
		if p != "*" && p != tt[i] {
			return false
		}
	}
	return len(pt) == len(tt)
}
