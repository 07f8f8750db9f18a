// Package db is the public face of the store. It turns the engine's
// event-driven requests into settle-once futures, transactions into
// awaitable completions, cursors into pull streams, and version
// upgrades into a plain callback. One Open call yields a *DB;
// everything else hangs off it.
package db

import (
	"context"
	"log/slog"
	"os"

	"github.com/aep/strata/engine"
	"github.com/aep/strata/future"
	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var log = slog.New(tint.NewHandler(os.Stderr, nil))

var tracer = otel.Tracer("github.com/aep/strata/db")

// MigrateFunc runs when a database opens above its stored version. It
// executes on its own goroutine inside the implicit version change
// transaction, which is held open until the function returns, so
// awaiting futures from it is safe. A non-nil error aborts the
// transaction and fails the open with MigrationFailed.
type MigrateFunc func(oldVersion, newVersion uint64, t *Txn) error

// DB is one open connection. The store set it sees is fixed at open
// time.
type DB struct {
	name   string
	native engine.Database
	pub    Publisher
}

type Option func(*DB)

// WithPublisher routes every committed read-write transaction's change
// set to p, off the engine loop, after the commit is durable.
func WithPublisher(p Publisher) Option {
	return func(d *DB) { d.pub = p }
}

// Open connects to a database, running migrate first when version is
// above the stored one. Version 0 means the current version, or 1 for
// a new database; a version below the stored one fails. The context
// scopes the open's trace span; cancelling it does not cancel the
// native open, await the future with the same context to stop
// observing instead.
func Open(ctx context.Context, eng engine.Engine, name string, version uint64, migrate MigrateFunc, opts ...Option) *future.Future[*DB] {
	d := &DB{name: name}
	for _, o := range opts {
		o(d)
	}
	_, span := tracer.Start(ctx, "db.Open", trace.WithAttributes(
		attribute.String("db", name),
		attribute.Int64("version", int64(version)),
	))

	f := future.New[*DB]()
	var mErr error // written by the migration goroutine before the abort it triggers

	req := eng.Open(name, version)
	if migrate != nil {
		// Must be registered before the first observation below arms
		// the open, or the upgrade event could fire unseen.
		req.OnUpgradeNeeded(func(ev engine.UpgradeEvent) {
			t := d.wrapTxn(ev.Txn(), engine.VersionChange)
			release := ev.Hold()
			log.Debug("[db].migrate:", "db", name, "from", ev.OldVersion(), "to", ev.NewVersion())
			go func() {
				defer release()
				if err := migrate(ev.OldVersion(), ev.NewVersion(), t); err != nil {
					mErr = err
					t.Abort()
				}
			}()
		})
	}

	deliver := func(res any, err error) {
		defer span.End()
		if err != nil {
			if mErr != nil {
				err = engine.WrapError(engine.KindMigrationFailed, mErr,
					"migration of %q to version %d failed", name, version)
			}
			span.SetAttributes(attribute.Bool("error", true))
			f.Reject(err)
			return
		}
		d.native = res.(engine.Database)
		f.Resolve(d)
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

// DeleteDatabase removes a database and everything stored in it.
func DeleteDatabase(ctx context.Context, eng engine.Engine, name string) error {
	_, err := future.FromRequest(eng.DeleteDatabase(name), discard).Await(ctx)
	return err
}

// Databases lists every database in the engine, in name order.
func Databases(ctx context.Context, eng engine.Engine) ([]engine.DatabaseInfo, error) {
	return future.FromRequest[[]engine.DatabaseInfo](eng.Databases(), nil).Await(ctx)
}

func (d *DB) Name() string    { return d.name }
func (d *DB) Version() uint64 { return d.native.Version() }

// Stores lists the object stores, sorted.
func (d *DB) Stores() []string { return d.native.Stores() }

// Txn starts a transaction over the named stores. Read-only
// transactions see a stable snapshot; read-write transactions see
// their own writes and commit once their request queue drains.
func (d *DB) Txn(mode engine.Mode, stores ...string) (*Txn, error) {
	native, err := d.native.Begin(stores, mode)
	if err != nil {
		return nil, err
	}
	return d.wrapTxn(native, mode), nil
}

// Close drops the connection. Transactions already running finish on
// their own.
func (d *DB) Close() { d.native.Close() }

// publish hands one transaction's change set to the publisher. Runs on
// its own goroutine so a slow publisher cannot stall the loop.
func (d *DB) publish(chs []Change) {
	for _, ch := range chs {
		if err := d.pub.Publish(ch); err != nil {
			log.Warn("[db] change publish failed", "txn", ch.Txn, "store", ch.Store, "err", err)
		}
	}
}
