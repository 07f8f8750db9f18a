package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func newTestEngine(t *testing.T) Engine {
	t.Helper()
	eng, err := NewMemPebble()
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

// await registers both handler slots and waits for settlement. The
// Ready check after registration covers requests that settled first.
func await(t *testing.T, r Request) (any, error) {
	t.Helper()
	done := make(chan struct{}, 2)
	r.OnSuccess(func(Request) { done <- struct{}{} })
	r.OnError(func(ev ErrorEvent) {
		ev.MarkHandled()
		done <- struct{}{}
	})
	if !r.Ready() {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("request did not settle in time")
		}
	}
	return r.Result()
}

func waitClosed(t *testing.T, ch chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal(msg)
	}
}

func openDB(t *testing.T, eng Engine, name string, version uint64, migrate func(UpgradeEvent)) Database {
	t.Helper()
	req := eng.Open(name, version)
	if migrate != nil {
		req.OnUpgradeNeeded(migrate)
	}
	res, err := await(t, req)
	require.NoError(t, err)
	db, ok := res.(Database)
	require.True(t, ok, "open must settle with a database")
	return db
}

func openWithStore(t *testing.T, eng Engine, name, store string) Database {
	t.Helper()
	return openDB(t, eng, name, 1, func(ev UpgradeEvent) {
		ev.Txn().CreateStore(store)
	})
}

// seed writes rows in one transaction, all requests issued before any
// await so the drain check cannot commit in between.
func seed(t *testing.T, db Database, store string, rows map[string]string) {
	t.Helper()
	tx, err := db.Begin([]string{store}, ReadWrite)
	require.NoError(t, err)
	done := make(chan struct{})
	tx.OnComplete(func() { close(done) })

	s, err := tx.Store(store)
	require.NoError(t, err)

	var reqs []Request
	for k, v := range rows {
		reqs = append(reqs, s.Put([]byte(k), []byte(v)))
	}
	for _, r := range reqs {
		_, err := await(t, r)
		require.NoError(t, err)
	}
	waitClosed(t, done, "seed transaction did not commit")
}

func readBack(t *testing.T, db Database, store, key string) []byte {
	t.Helper()
	tx, err := db.Begin([]string{store}, ReadOnly)
	require.NoError(t, err)
	s, err := tx.Store(store)
	require.NoError(t, err)
	res, err := await(t, s.Get([]byte(key)))
	require.NoError(t, err)
	if res == nil {
		return nil
	}
	return res.([]byte)
}

func TestOpenCreatesDatabase(t *testing.T) {
	eng := newTestEngine(t)

	db := openDB(t, eng, "app", 0, nil)
	require.Equal(t, "app", db.Name())
	require.Equal(t, uint64(1), db.Version(), "version 0 on a fresh database must create version 1")
	require.Empty(t, db.Stores())
}

func TestOpenRunsMigrationOnce(t *testing.T) {
	eng := newTestEngine(t)
	migrations := atomic.NewInt32(0)

	db := openDB(t, eng, "app", 1, func(ev UpgradeEvent) {
		migrations.Inc()
		require.Equal(t, uint64(0), ev.OldVersion())
		require.Equal(t, uint64(1), ev.NewVersion())
		ev.Txn().CreateStore("todos")
	})
	require.Equal(t, []string{"todos"}, db.Stores())

	db2 := openDB(t, eng, "app", 1, func(ev UpgradeEvent) {
		migrations.Inc()
	})
	require.Equal(t, int32(1), migrations.Load(), "reopening at the stored version must not migrate")
	require.Equal(t, []string{"todos"}, db2.Stores())
	require.Equal(t, uint64(1), db2.Version())
}

func TestDiskPersistenceAcrossEngines(t *testing.T) {
	dir := t.TempDir()

	eng, err := NewPebble(dir)
	require.NoError(t, err)
	db := openWithStore(t, eng, "app", "todos")
	seed(t, db, "todos", map[string]string{"k": "v"})
	require.NoError(t, eng.Close())

	eng2, err := NewPebble(dir)
	require.NoError(t, err)
	t.Cleanup(func() { eng2.Close() })

	db2 := openDB(t, eng2, "app", 1, func(ev UpgradeEvent) {
		t.Error("reopening at the stored version must not migrate")
	})
	require.Equal(t, uint64(1), db2.Version())
	require.Equal(t, []byte("v"), readBack(t, db2, "todos", "k"))
}

func TestOpenUpgradesVersion(t *testing.T) {
	eng := newTestEngine(t)
	openWithStore(t, eng, "app", "todos")

	db := openDB(t, eng, "app", 3, func(ev UpgradeEvent) {
		require.Equal(t, uint64(1), ev.OldVersion())
		require.Equal(t, uint64(3), ev.NewVersion())
		ev.Txn().CreateStore("archive")
	})
	require.Equal(t, uint64(3), db.Version())
	require.Equal(t, []string{"archive", "todos"}, db.Stores())
}

func TestOpenRejectsDowngrade(t *testing.T) {
	eng := newTestEngine(t)
	openDB(t, eng, "app", 2, nil)

	_, err := await(t, eng.Open("app", 1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "below stored")
}

func TestOpenRejectsBadName(t *testing.T) {
	eng := newTestEngine(t)

	_, err := await(t, eng.Open("no spaces allowed", 1))
	require.True(t, IsInvalidState(err))
}

func TestOpenHoldsForOffLoopMigration(t *testing.T) {
	eng := newTestEngine(t)

	db := openDB(t, eng, "app", 1, func(ev UpgradeEvent) {
		release := ev.Hold()
		tx := ev.Txn()
		go func() {
			defer release()
			time.Sleep(20 * time.Millisecond)
			tx.CreateStore("slow")
		}()
	})
	require.Equal(t, []string{"slow"}, db.Stores(),
		"the held transaction must wait for work issued off the loop")
}

func TestOpenFailsWhenMigrationAborts(t *testing.T) {
	eng := newTestEngine(t)

	req := eng.Open("app", 1)
	req.OnUpgradeNeeded(func(ev UpgradeEvent) {
		ev.Txn().CreateStore("x")
		require.NoError(t, ev.Txn().Abort())
	})
	_, err := await(t, req)
	require.True(t, IsAborted(err))

	// Nothing of the aborted upgrade may persist.
	fresh := atomic.NewBool(false)
	db := openDB(t, eng, "app", 0, func(ev UpgradeEvent) {
		fresh.Store(true)
		require.Equal(t, uint64(0), ev.OldVersion())
	})
	require.True(t, fresh.Load(), "the database must not exist after the aborted upgrade")
	require.Empty(t, db.Stores())
}

func TestOpenReportsMigrationRequestFailure(t *testing.T) {
	eng := newTestEngine(t)

	req := eng.Open("app", 1)
	req.OnUpgradeNeeded(func(ev UpgradeEvent) {
		ev.Txn().CreateStore("dup")
		ev.Txn().CreateStore("dup")
	})
	_, err := await(t, req)
	require.True(t, IsAborted(err))
	require.True(t, IsConstraint(errors.Unwrap(err)), "the abort must carry the migration failure as its cause")
}

func TestVersionChangeChainsRequests(t *testing.T) {
	eng := newTestEngine(t)

	db := openDB(t, eng, "app", 1, func(ev UpgradeEvent) {
		tx := ev.Txn()
		tx.CreateStore("t").OnSuccess(func(Request) {
			s, err := tx.Store("t")
			if err != nil {
				return
			}
			s.Add([]byte("a"), []byte("1")).OnSuccess(func(Request) {
				s.Put([]byte("b"), []byte("2"))
			})
		})
	})

	// Each handler issued the next request before the drain check ran,
	// so all three generations landed in the same commit.
	require.Equal(t, []byte("1"), readBack(t, db, "t", "a"))
	require.Equal(t, []byte("2"), readBack(t, db, "t", "b"))
}

func TestPutGetRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")

	tx, err := db.Begin([]string{"todos"}, ReadWrite)
	require.NoError(t, err)
	done := make(chan struct{})
	tx.OnComplete(func() { close(done) })

	s, err := tx.Store("todos")
	require.NoError(t, err)

	putReq := s.Put([]byte("a"), []byte(`{"n":1}`))
	getReq := s.Get([]byte("a"))

	res, err := await(t, putReq)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), res, "put must settle with the key")

	res, err = await(t, getReq)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"n":1}`), res, "a later request in the same transaction must see the write")

	waitClosed(t, done, "transaction did not auto-commit after the queue drained")
	require.Equal(t, []byte(`{"n":1}`), readBack(t, db, "todos", "a"))
}

func TestGetMissingResolvesAbsent(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")

	tx, err := db.Begin([]string{"todos"}, ReadOnly)
	require.NoError(t, err)
	s, err := tx.Store("todos")
	require.NoError(t, err)

	res, err := await(t, s.Get([]byte("missing")))
	require.NoError(t, err, "an absent key is not an error")
	require.Nil(t, res)
}

func TestAddRejectsDuplicateAndAborts(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")
	seed(t, db, "todos", map[string]string{"k": "original"})

	tx, err := db.Begin([]string{"todos"}, ReadWrite)
	require.NoError(t, err)
	aborted := make(chan struct{})
	tx.OnAbort(func() { close(aborted) })

	s, err := tx.Store("todos")
	require.NoError(t, err)

	putReq := s.Put([]byte("k2"), []byte("collateral"))
	addReq := s.Add([]byte("k"), []byte("dup"))

	_, err = await(t, putReq)
	require.NoError(t, err)
	_, err = await(t, addReq)
	require.True(t, IsConstraint(err))

	waitClosed(t, aborted, "the unhandled constraint error must abort the transaction")
	require.Nil(t, readBack(t, db, "todos", "k2"), "the abort must discard the earlier write")
	require.Equal(t, []byte("original"), readBack(t, db, "todos", "k"))
}

func TestPreventAbortKeepsTransactionAlive(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")
	seed(t, db, "todos", map[string]string{"k": "original"})

	tx, err := db.Begin([]string{"todos"}, ReadWrite)
	require.NoError(t, err)
	done := make(chan struct{})
	tx.OnComplete(func() { close(done) })
	tx.OnError(func(ev ErrorEvent) {
		ev.MarkHandled()
		ev.PreventAbort()
	})

	s, err := tx.Store("todos")
	require.NoError(t, err)

	putReq := s.Put([]byte("k2"), []byte("kept"))
	addReq := s.Add([]byte("k"), []byte("dup"))

	_, err = await(t, putReq)
	require.NoError(t, err)
	_, err = await(t, addReq)
	require.True(t, IsConstraint(err), "the request itself still fails")

	waitClosed(t, done, "a prevented error must not stop the commit")
	require.Equal(t, []byte("kept"), readBack(t, db, "todos", "k2"))
	require.Equal(t, []byte("original"), readBack(t, db, "todos", "k"))
}

func TestAbortSweepsQueuedRequests(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")
	seed(t, db, "todos", map[string]string{"k": "original"})

	tx, err := db.Begin([]string{"todos"}, ReadWrite)
	require.NoError(t, err)
	s, err := tx.Store("todos")
	require.NoError(t, err)

	addReq := s.Add([]byte("k"), []byte("dup"))
	getReq := s.Get([]byte("k"))
	putReq := s.Put([]byte("p"), []byte("v"))

	_, err = await(t, addReq)
	require.True(t, IsConstraint(err))
	_, err = await(t, getReq)
	require.True(t, IsAborted(err), "requests queued behind the failure must settle aborted, not hang")
	_, err = await(t, putReq)
	require.True(t, IsAborted(err))
}

func TestExplicitCommit(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")

	tx, err := db.Begin([]string{"todos"}, ReadWrite)
	require.NoError(t, err)
	done := make(chan struct{})
	tx.OnComplete(func() { close(done) })
	s, err := tx.Store("todos")
	require.NoError(t, err)

	require.NoError(t, tx.Commit(), "a transaction with no requests needs the explicit commit")
	waitClosed(t, done, "explicit commit did not complete")

	_, err = await(t, s.Put([]byte("late"), []byte("x")))
	require.True(t, IsInvalidState(err), "requests after commit must be rejected")
	require.Error(t, tx.Commit())
	require.Error(t, tx.Abort())
}

func TestAbortBlocksFurtherRequests(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")

	tx, err := db.Begin([]string{"todos"}, ReadWrite)
	require.NoError(t, err)
	aborted := make(chan struct{})
	tx.OnAbort(func() { close(aborted) })
	s, err := tx.Store("todos")
	require.NoError(t, err)

	require.NoError(t, tx.Abort())
	waitClosed(t, aborted, "abort event did not fire")

	_, err = await(t, s.Put([]byte("k"), []byte("v")))
	require.True(t, IsInvalidState(err))
	_, err = tx.Store("todos")
	require.Error(t, err)
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")

	tx, err := db.Begin([]string{"todos"}, ReadOnly)
	require.NoError(t, err)
	done := make(chan struct{})
	tx.OnComplete(func() { close(done) })
	s, err := tx.Store("todos")
	require.NoError(t, err)

	_, err = await(t, s.Put([]byte("k"), []byte("v")))
	require.True(t, IsInvalidState(err), "a read-only transaction must refuse writes")

	// The refusal never reached the loop, so the transaction is intact.
	_, err = await(t, s.Get([]byte("k")))
	require.NoError(t, err)
	waitClosed(t, done, "read-only transaction did not commit")
}

func TestReadOnlySeesSnapshot(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")
	seed(t, db, "todos", map[string]string{"k": "v1"})

	tro, err := db.Begin([]string{"todos"}, ReadOnly)
	require.NoError(t, err)
	sro, err := tro.Store("todos")
	require.NoError(t, err)

	seed(t, db, "todos", map[string]string{"k": "v2"})

	res, err := await(t, sro.Get([]byte("k")))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), res, "a read-only transaction reads its snapshot, not later writes")

	require.Equal(t, []byte("v2"), readBack(t, db, "todos", "k"))
}

func TestBeginValidation(t *testing.T) {
	eng := newTestEngine(t)
	db := openDB(t, eng, "app", 1, func(ev UpgradeEvent) {
		ev.Txn().CreateStore("a")
		ev.Txn().CreateStore("b")
	})

	_, err := db.Begin([]string{"nope"}, ReadWrite)
	require.True(t, IsNotFound(err))
	_, err = db.Begin(nil, ReadWrite)
	require.True(t, IsInvalidState(err))
	_, err = db.Begin([]string{"a"}, VersionChange)
	require.True(t, IsInvalidState(err))

	tx, err := db.Begin([]string{"a"}, ReadWrite)
	require.NoError(t, err)
	_, err = tx.Store("b")
	require.True(t, IsNotFound(err), "a store outside the transaction scope must not be reachable")
	require.NoError(t, tx.Abort())
}

func TestSchemaOpsRequireVersionChange(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")

	tx, err := db.Begin([]string{"todos"}, ReadWrite)
	require.NoError(t, err)
	s, err := tx.Store("todos")
	require.NoError(t, err)

	_, err = await(t, tx.CreateStore("more"))
	require.True(t, IsInvalidState(err))
	_, err = await(t, tx.DeleteStore("todos"))
	require.True(t, IsInvalidState(err))
	_, err = await(t, s.CreateIndex("byName", "name"))
	require.True(t, IsInvalidState(err))
	_, err = await(t, s.DeleteIndex("byName"))
	require.True(t, IsInvalidState(err))
	require.NoError(t, tx.Abort())
}

func cursorKeys(t *testing.T, db Database, store string, rng Range, dir Direction) (keys []string, vals []string) {
	t.Helper()
	tx, err := db.Begin([]string{store}, ReadOnly)
	require.NoError(t, err)
	done := make(chan struct{})
	tx.OnComplete(func() { close(done) })
	s, err := tx.Store(store)
	require.NoError(t, err)

	cur := advance(t, s.OpenCursor(rng, dir))
	for cur != nil {
		keys = append(keys, string(cur.Key()))
		vals = append(vals, string(cur.Value()))
		cur = advance(t, cur.Advance())
	}
	waitClosed(t, done, "transaction did not commit after the cursor ran out")
	return keys, vals
}

func advance(t *testing.T, r Request) Cursor {
	t.Helper()
	res, err := await(t, r)
	require.NoError(t, err)
	if res == nil {
		return nil
	}
	return res.(Cursor)
}

func TestCursorIteratesInOrder(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")
	seed(t, db, "todos", map[string]string{"a": "1", "b": "2", "c": "3"})

	keys, vals := cursorKeys(t, db, "todos", Range{}, Next)
	require.Equal(t, []string{"a", "b", "c"}, keys)
	require.Equal(t, []string{"1", "2", "3"}, vals)

	keys, _ = cursorKeys(t, db, "todos", Range{}, Prev)
	require.Equal(t, []string{"c", "b", "a"}, keys)
}

func TestCursorHonorsRange(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")
	seed(t, db, "todos", map[string]string{"a1": "1", "a2": "2", "b1": "3"})

	keys, _ := cursorKeys(t, db, "todos", Prefix([]byte("a")), Next)
	require.Equal(t, []string{"a1", "a2"}, keys)

	keys, _ = cursorKeys(t, db, "todos", Range{Lower: []byte("a1"), LowerOpen: true}, Next)
	require.Equal(t, []string{"a2", "b1"}, keys, "an open lower bound excludes the bound itself")

	keys, _ = cursorKeys(t, db, "todos", Range{Upper: []byte("a2")}, Next)
	require.Equal(t, []string{"a1", "a2"}, keys, "a closed upper bound includes the bound itself")
}

func TestCursorEmptyStoreSettlesNil(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")

	keys, _ := cursorKeys(t, db, "todos", Range{}, Next)
	require.Empty(t, keys)
}

func TestCursorCloseReleasesTransaction(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")
	seed(t, db, "todos", map[string]string{"a": "1", "b": "2"})

	tx, err := db.Begin([]string{"todos"}, ReadOnly)
	require.NoError(t, err)
	done := make(chan struct{})
	tx.OnComplete(func() { close(done) })
	s, err := tx.Store("todos")
	require.NoError(t, err)

	cur := advance(t, s.OpenCursor(Range{}, Next))
	require.NotNil(t, cur)
	require.Equal(t, []byte("a"), cur.Key())

	require.NoError(t, cur.Close())
	waitClosed(t, done, "closing the cursor must let the transaction commit")

	_, err = await(t, cur.Advance())
	require.True(t, IsInvalidState(err))
}

func TestCursorAdvanceToSeeks(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")
	seed(t, db, "todos", map[string]string{"a": "1", "b": "2", "c": "3", "d": "4", "e": "5"})

	tx, err := db.Begin([]string{"todos"}, ReadOnly)
	require.NoError(t, err)
	done := make(chan struct{})
	tx.OnComplete(func() { close(done) })
	s, err := tx.Store("todos")
	require.NoError(t, err)

	cur := advance(t, s.OpenCursor(Range{}, Next))
	require.Equal(t, []byte("a"), cur.Key())

	cur = advance(t, cur.AdvanceTo([]byte("d")))
	require.Equal(t, []byte("d"), cur.Key())

	_, err = await(t, cur.AdvanceTo([]byte("b")))
	require.True(t, IsInvalidState(err), "seeking against the direction is a contract violation")
	require.Equal(t, []byte("d"), cur.Key(), "a rejected seek must not move the cursor")

	cur = advance(t, cur.Advance())
	require.Equal(t, []byte("e"), cur.Key())
	require.Nil(t, advance(t, cur.Advance()))
	waitClosed(t, done, "the rejected seek must not abort the transaction")
}

func TestCursorUpdateAndDelete(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")
	seed(t, db, "todos", map[string]string{"a": "1", "b": "2", "c": "3"})

	tx, err := db.Begin([]string{"todos"}, ReadWrite)
	require.NoError(t, err)
	done := make(chan struct{})
	tx.OnComplete(func() { close(done) })
	s, err := tx.Store("todos")
	require.NoError(t, err)

	cur := advance(t, s.OpenCursor(Range{}, Next))
	require.Equal(t, []byte("a"), cur.Key())

	res, err := await(t, cur.Update([]byte("one")))
	require.NoError(t, err)
	require.Equal(t, []byte("a"), res)

	cur = advance(t, cur.Advance())
	require.Equal(t, []byte("b"), cur.Key())
	_, err = await(t, cur.Delete())
	require.NoError(t, err)

	cur = advance(t, cur.Advance())
	require.Equal(t, []byte("c"), cur.Key())
	require.Nil(t, advance(t, cur.Advance()))
	waitClosed(t, done, "cursor transaction did not commit")

	require.Equal(t, []byte("one"), readBack(t, db, "todos", "a"))
	require.Nil(t, readBack(t, db, "todos", "b"))
	require.Equal(t, []byte("3"), readBack(t, db, "todos", "c"))
}

func TestKeyCursorCarriesNoValues(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")
	seed(t, db, "todos", map[string]string{"a": "1"})

	tx, err := db.Begin([]string{"todos"}, ReadOnly)
	require.NoError(t, err)
	s, err := tx.Store("todos")
	require.NoError(t, err)

	cur := advance(t, s.OpenKeyCursor(Range{}, Next))
	require.Equal(t, []byte("a"), cur.Key())
	require.Nil(t, cur.Value())
	require.Nil(t, advance(t, cur.Advance()))
}

func TestCountRespectsBounds(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")
	seed(t, db, "todos", map[string]string{"a": "1", "b": "2", "c": "3"})

	tx, err := db.Begin([]string{"todos"}, ReadOnly)
	require.NoError(t, err)
	s, err := tx.Store("todos")
	require.NoError(t, err)

	all := s.Count(Range{})
	upTo := s.Count(Range{Upper: []byte("b")})
	only := s.Count(Only([]byte("b")))
	none := s.Count(Only([]byte("x")))

	res, err := await(t, all)
	require.NoError(t, err)
	require.Equal(t, uint64(3), res)
	res, err = await(t, upTo)
	require.NoError(t, err)
	require.Equal(t, uint64(2), res)
	res, err = await(t, only)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res)
	res, err = await(t, none)
	require.NoError(t, err)
	require.Equal(t, uint64(0), res)
}

func TestGetAllCollects(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")
	seed(t, db, "todos", map[string]string{"a": "1", "b": "2", "c": "3"})

	tx, err := db.Begin([]string{"todos"}, ReadOnly)
	require.NoError(t, err)
	s, err := tx.Store("todos")
	require.NoError(t, err)

	full := s.GetAll(Range{}, 0)
	capped := s.GetAll(Range{}, 2)

	res, err := await(t, full)
	require.NoError(t, err)
	rows := res.([]KeyAndValue)
	require.Len(t, rows, 3)
	require.Equal(t, []byte("a"), rows[0].K)
	require.Equal(t, []byte("3"), rows[2].V)

	res, err = await(t, capped)
	require.NoError(t, err)
	require.Len(t, res.([]KeyAndValue), 2)
}

func TestIndexRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	db := openDB(t, eng, "app", 1, func(ev UpgradeEvent) {
		tx := ev.Txn()
		tx.CreateStore("people").OnSuccess(func(Request) {
			s, err := tx.Store("people")
			if err != nil {
				return
			}
			s.CreateIndex("byName", "name")
		})
	})
	seed(t, db, "people", map[string]string{
		"k1": `{"name":"bob"}`,
		"k2": `{"name":"alice"}`,
		"k3": `{"name":"carol"}`,
	})

	tx, err := db.Begin([]string{"people"}, ReadOnly)
	require.NoError(t, err)
	done := make(chan struct{})
	tx.OnComplete(func() { close(done) })
	s, err := tx.Store("people")
	require.NoError(t, err)
	ix, err := s.Index("byName")
	require.NoError(t, err)

	getAlice := ix.Get([]byte("alice"))
	getNobody := ix.Get([]byte("zed"))
	count := ix.Count(Range{})
	curReq := ix.OpenCursor(Range{}, Next)

	res, err := await(t, getAlice)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"name":"alice"}`), res, "an index get resolves the primary record")

	res, err = await(t, getNobody)
	require.NoError(t, err)
	require.Nil(t, res)

	res, err = await(t, count)
	require.NoError(t, err)
	require.Equal(t, uint64(3), res)

	var keys []string
	for cur := advance(t, curReq); cur != nil; cur = advance(t, cur.Advance()) {
		keys = append(keys, string(cur.Key()))
	}
	require.Equal(t, []string{"k2", "k1", "k3"}, keys, "index cursors iterate in value order")
	waitClosed(t, done, "index transaction did not commit")
}

func TestIndexBackfillAndMaintenance(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "people")
	seed(t, db, "people", map[string]string{
		"k1": `{"name":"bob"}`,
		"k2": `{"name":"alice"}`,
	})

	// The index arrives in a later version and must cover existing rows.
	db2 := openDB(t, eng, "app", 2, func(ev UpgradeEvent) {
		s, err := ev.Txn().Store("people")
		require.NoError(t, err)
		s.CreateIndex("byName", "name")
	})

	countIndex := func() uint64 {
		tx, err := db2.Begin([]string{"people"}, ReadOnly)
		require.NoError(t, err)
		s, err := tx.Store("people")
		require.NoError(t, err)
		ix, err := s.Index("byName")
		require.NoError(t, err)
		res, err := await(t, ix.Count(Range{}))
		require.NoError(t, err)
		return res.(uint64)
	}
	require.Equal(t, uint64(2), countIndex(), "index creation must backfill existing records")

	seed(t, db2, "people", map[string]string{"k1": `{"name":"zoe"}`})

	tx, err := db2.Begin([]string{"people"}, ReadOnly)
	require.NoError(t, err)
	s, err := tx.Store("people")
	require.NoError(t, err)
	ix, err := s.Index("byName")
	require.NoError(t, err)
	oldRow := ix.Get([]byte("bob"))
	newRow := ix.Get([]byte("zoe"))

	res, err := await(t, oldRow)
	require.NoError(t, err)
	require.Nil(t, res, "overwriting a record must drop its old index row")
	res, err = await(t, newRow)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"name":"zoe"}`), res)

	// Deleting the record removes its row too.
	txw, err := db2.Begin([]string{"people"}, ReadWrite)
	require.NoError(t, err)
	wrote := make(chan struct{})
	txw.OnComplete(func() { close(wrote) })
	sw, err := txw.Store("people")
	require.NoError(t, err)
	_, err = await(t, sw.Delete([]byte("k2")))
	require.NoError(t, err)
	waitClosed(t, wrote, "delete transaction did not commit")

	require.Equal(t, uint64(1), countIndex())
}

func TestDeleteDatabaseRemovesEverything(t *testing.T) {
	eng := newTestEngine(t)
	db := openWithStore(t, eng, "app", "todos")
	seed(t, db, "todos", map[string]string{"a": "1"})
	db.Close()

	_, err := await(t, eng.DeleteDatabase("app"))
	require.NoError(t, err)

	recreated := atomic.NewBool(false)
	db2 := openDB(t, eng, "app", 0, func(ev UpgradeEvent) {
		recreated.Store(true)
		require.Equal(t, uint64(0), ev.OldVersion())
	})
	require.True(t, recreated.Load(), "the database must be gone after deletion")
	require.Empty(t, db2.Stores())
}

func TestDatabasesListsStored(t *testing.T) {
	eng := newTestEngine(t)

	res, err := await(t, eng.Databases())
	require.NoError(t, err)
	require.Empty(t, res.([]DatabaseInfo))

	openWithStore(t, eng, "beta", "s").Close()
	openDB(t, eng, "alpha", 3, func(UpgradeEvent) {}).Close()

	res, err = await(t, eng.Databases())
	require.NoError(t, err)
	require.Equal(t, []DatabaseInfo{
		{Name: "alpha", Version: 3},
		{Name: "beta", Version: 1},
	}, res.([]DatabaseInfo), "meta keys sort by name")
}

func TestClosedEngineRejectsWork(t *testing.T) {
	eng, err := NewMemPebble()
	require.NoError(t, err)
	db := openWithStore(t, eng, "app", "todos")
	require.NoError(t, eng.Close())

	_, err = await(t, eng.Open("app", 0))
	require.True(t, IsInvalidState(err))

	_, err = db.Begin([]string{"todos"}, ReadWrite)
	require.True(t, IsInvalidState(err))

	require.NoError(t, eng.Close(), "closing twice is fine")
}

func TestUint64KeyOrdering(t *testing.T) {
	a := Uint64Key(2)
	b := Uint64Key(10)
	c := Uint64Key(300)
	require.Less(t, compare(a, b), 0, "numeric order must survive the byte encoding")
	require.Less(t, compare(b, c), 0)

	n, err := ParseUint64Key(c)
	require.NoError(t, err)
	require.Equal(t, uint64(300), n)
}
