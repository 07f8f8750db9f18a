package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aep/strata/api"
	"github.com/aep/strata/engine"
	"github.com/aep/strata/krange"
	"github.com/labstack/echo/v4"
)

// defaultScanLimit caps scans that name no limit so a stray request
// cannot pull a whole store into memory.
const defaultScanLimit = 1000

func (s *server) PutRecord(c echo.Context) error {
	return s.writeRecord(c, false)
}

// AddRecord is PutRecord with create-only semantics: an existing key
// answers 409.
func (s *server) AddRecord(c echo.Context) error {
	return s.writeRecord(c, true)
}

func (s *server) writeRecord(c echo.Context, create bool) error {
	ctx := c.Request().Context()
	dbName, store, key := c.Param("db"), c.Param("store"), c.Param("key")

	if strings.HasPrefix(store, "_") {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("store %q is reserved", store))
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read request body")
	}
	if !json.Valid(body) {
		return echo.NewHTTPError(http.StatusBadRequest, "record body must be valid JSON")
	}

	d, err := s.database(ctx, dbName)
	if err != nil {
		return err
	}

	ss, err := s.schemaFor(ctx, d, dbName, store)
	if err != nil {
		return err
	}
	if ss != nil {
		completed, err := ss.apply(body)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity,
				fmt.Sprintf("validation error: %s", err))
		}
		body = completed
	}

	op := "put"
	if create {
		op = "add"
	}
	start := time.Now()
	if create {
		err = d.Add(ctx, store, []byte(key), body)
	} else {
		err = d.Put(ctx, store, []byte(key), body)
	}
	observeCommit(op, start, err)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, api.PutRecordResponse{
		Path: dbName + "/" + store + "/" + key,
	})
}

func (s *server) GetRecord(c echo.Context) error {
	ctx := c.Request().Context()

	d, err := s.database(ctx, c.Param("db"))
	if err != nil {
		return err
	}

	v, err := d.Get(ctx, c.Param("store"), []byte(c.Param("key")))
	if err != nil {
		return err
	}
	if v == nil {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	}

	// Records written through this server are JSON. Anything else was
	// written by an embedded user of the same engine.
	if json.Valid(v) {
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, v)
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, v)
}

func (s *server) DeleteRecord(c echo.Context) error {
	ctx := c.Request().Context()
	store, key := c.Param("store"), c.Param("key")

	if strings.HasPrefix(store, "_") {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("store %q is reserved", store))
	}

	d, err := s.database(ctx, c.Param("db"))
	if err != nil {
		return err
	}

	// The engine treats deleting an absent key as success; surface 404
	// here instead. The probe runs in its own read transaction, racing
	// writers is fine for this.
	v, err := d.Get(ctx, store, []byte(key))
	if err != nil {
		return err
	}
	if v == nil {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	}

	start := time.Now()
	err = d.Delete(ctx, store, []byte(key))
	observeCommit("delete", start, err)
	if err != nil {
		return err
	}

	return c.NoContent(http.StatusOK)
}

func (s *server) Scan(c echo.Context) error {
	ctx := c.Request().Context()
	store := c.Param("store")

	d, err := s.database(ctx, c.Param("db"))
	if err != nil {
		return err
	}
	rng, err := rangeParam(c)
	if err != nil {
		return err
	}
	limit := limitParam(c)

	if c.QueryParam("reverse") != "true" {
		kvs, err := d.Scan(ctx, store, rng, limit)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, api.ScanResponse{Records: toRecords(kvs)})
	}

	// Reverse order has no one-shot; walk a descending cursor.
	t, err := d.Txn(engine.ReadOnly, store)
	if err != nil {
		return err
	}
	st, err := t.Store(store)
	if err != nil {
		t.Abort()
		return err
	}
	cs := st.OpenCursor(rng, engine.Prev)
	defer cs.Close()

	records := []api.Record{}
	for kv, err := range cs.All(ctx) {
		if err != nil {
			return err
		}
		records = append(records, api.Record{Key: string(kv.K), Value: rawValue(kv.V)})
		if len(records) >= limit {
			break
		}
	}
	return c.JSON(http.StatusOK, api.ScanResponse{Records: records})
}

func (s *server) Count(c echo.Context) error {
	ctx := c.Request().Context()

	d, err := s.database(ctx, c.Param("db"))
	if err != nil {
		return err
	}
	rng, err := rangeParam(c)
	if err != nil {
		return err
	}

	n, err := d.Count(ctx, c.Param("store"), rng)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, api.CountResponse{Count: n})
}

// IndexScan reads records through a secondary index, ordered by the
// indexed value. The range expression bounds index values, not keys.
func (s *server) IndexScan(c echo.Context) error {
	ctx := c.Request().Context()
	store := c.Param("store")

	d, err := s.database(ctx, c.Param("db"))
	if err != nil {
		return err
	}
	rng, err := rangeParam(c)
	if err != nil {
		return err
	}
	limit := limitParam(c)

	t, err := d.Txn(engine.ReadOnly, store)
	if err != nil {
		return err
	}
	st, err := t.Store(store)
	if err != nil {
		t.Abort()
		return err
	}
	idx, err := st.Index(c.Param("index"))
	if err != nil {
		t.Abort()
		return err
	}

	kvs, err := idx.GetAll(rng, limit).Await(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, api.ScanResponse{Records: toRecords(kvs)})
}

func (s *server) IndexCount(c echo.Context) error {
	ctx := c.Request().Context()
	store := c.Param("store")

	d, err := s.database(ctx, c.Param("db"))
	if err != nil {
		return err
	}
	rng, err := rangeParam(c)
	if err != nil {
		return err
	}

	t, err := d.Txn(engine.ReadOnly, store)
	if err != nil {
		return err
	}
	st, err := t.Store(store)
	if err != nil {
		t.Abort()
		return err
	}
	idx, err := st.Index(c.Param("index"))
	if err != nil {
		t.Abort()
		return err
	}

	n, err := idx.Count(rng).Await(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, api.CountResponse{Count: n})
}

// rangeParam parses the range query expression. An empty parameter
// scans everything.
func rangeParam(c echo.Context) (engine.Range, error) {
	q := c.QueryParam("range")
	if q == "" {
		return engine.Range{}, nil
	}
	rng, err := krange.Parse(q)
	if err != nil {
		return engine.Range{}, echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("range: %s", err))
	}
	return rng, nil
}

func limitParam(c echo.Context) int {
	q := c.QueryParam("limit")
	if q == "" {
		return defaultScanLimit
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 1 || n > 100000 {
		return defaultScanLimit
	}
	return n
}

func toRecords(kvs []engine.KeyAndValue) []api.Record {
	records := make([]api.Record, 0, len(kvs))
	for _, kv := range kvs {
		records = append(records, api.Record{Key: string(kv.K), Value: rawValue(kv.V)})
	}
	return records
}

// rawValue embeds stored JSON as-is. A value that is not JSON was
// written by an embedded engine user; it becomes a JSON string so the
// response stays parseable.
func rawValue(v []byte) json.RawMessage {
	if json.Valid(v) {
		return json.RawMessage(v)
	}
	b, _ := json.Marshal(string(v))
	return b
}
