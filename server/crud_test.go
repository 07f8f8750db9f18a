package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/aep/strata/api"
	"github.com/aep/strata/bus"
	"github.com/aep/strata/engine"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T) (*echo.Echo, *server) {
	t.Helper()

	eng, err := engine.NewMemPebble()
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	bs := bus.NewSolo()
	t.Cleanup(func() { bs.Close() })

	s := newServer(eng, bs)

	e := echo.New()
	e.Binder = &Binder{defaultBinder: &echo.DefaultBinder{}}
	e.HTTPErrorHandler = s.errorHandler
	s.routes(e)

	return e, s
}

type resp struct {
	code int
	body []byte
}

// do routes one request through the echo instance, so handlers, params
// and the error handler run exactly as in production.
func do(t *testing.T, e *echo.Echo, method, target string, body any) resp {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		j, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(j)
	}

	req := httptest.NewRequest(method, target, rd)
	if rd != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return resp{code: rec.Code, body: rec.Body.Bytes()}
}

func createTestDatabase(t *testing.T, e *echo.Echo, req api.CreateDatabaseRequest) {
	t.Helper()
	r := do(t, e, http.MethodPost, "/v1/db", req)
	require.Equal(t, http.StatusOK, r.code, string(r.body))
}

func decodeError(t *testing.T, r resp) api.Error {
	t.Helper()
	var e api.Error
	require.NoError(t, json.Unmarshal(r.body, &e))
	return e
}

func todosDatabase(t *testing.T, e *echo.Echo) {
	t.Helper()
	createTestDatabase(t, e, api.CreateDatabaseRequest{
		Name:    "app",
		Version: 1,
		Stores:  map[string]api.StoreSpec{"todos": {}},
	})
}

func TestPutGetDeleteRecord(t *testing.T) {
	e, _ := setupTestServer(t)
	todosDatabase(t, e)

	r := do(t, e, http.MethodPut, "/v1/db/app/todos/records/t1", `{"title":"write tests","done":false}`)
	require.Equal(t, http.StatusOK, r.code, string(r.body))
	var put api.PutRecordResponse
	require.NoError(t, json.Unmarshal(r.body, &put))
	assert.Equal(t, "app/todos/t1", put.Path)

	r = do(t, e, http.MethodGet, "/v1/db/app/todos/records/t1", nil)
	require.Equal(t, http.StatusOK, r.code)
	assert.JSONEq(t, `{"title":"write tests","done":false}`, string(r.body))

	r = do(t, e, http.MethodDelete, "/v1/db/app/todos/records/t1", nil)
	require.Equal(t, http.StatusOK, r.code)

	r = do(t, e, http.MethodGet, "/v1/db/app/todos/records/t1", nil)
	require.Equal(t, http.StatusNotFound, r.code)

	r = do(t, e, http.MethodDelete, "/v1/db/app/todos/records/t1", nil)
	require.Equal(t, http.StatusNotFound, r.code, "deleting an absent record reports 404")
}

func TestAddRejectsExistingKey(t *testing.T) {
	e, _ := setupTestServer(t)
	todosDatabase(t, e)

	r := do(t, e, http.MethodPost, "/v1/db/app/todos/records/t1", `{"title":"first"}`)
	require.Equal(t, http.StatusOK, r.code, string(r.body))

	r = do(t, e, http.MethodPost, "/v1/db/app/todos/records/t1", `{"title":"second"}`)
	require.Equal(t, http.StatusConflict, r.code)
	assert.Equal(t, string(engine.KindConstraint), decodeError(t, r).Kind)

	// The original record survived the failed add.
	r = do(t, e, http.MethodGet, "/v1/db/app/todos/records/t1", nil)
	require.Equal(t, http.StatusOK, r.code)
	assert.JSONEq(t, `{"title":"first"}`, string(r.body))
}

func TestWriteRejectsNonJSON(t *testing.T) {
	e, _ := setupTestServer(t)
	todosDatabase(t, e)

	r := do(t, e, http.MethodPut, "/v1/db/app/todos/records/t1", `not json at all`)
	require.Equal(t, http.StatusBadRequest, r.code)
}

func TestReservedStoreRejectsWrites(t *testing.T) {
	e, _ := setupTestServer(t)
	todosDatabase(t, e)

	r := do(t, e, http.MethodPut, "/v1/db/app/_schema/records/todos", `{}`)
	require.Equal(t, http.StatusBadRequest, r.code)

	r = do(t, e, http.MethodDelete, "/v1/db/app/_schema/records/todos", nil)
	require.Equal(t, http.StatusBadRequest, r.code)

	// Reads stay open for introspection.
	r = do(t, e, http.MethodGet, "/v1/db/app/_schema/records/todos", nil)
	require.Equal(t, http.StatusOK, r.code)
}

func seedTodos(t *testing.T, e *echo.Echo, keys ...string) {
	t.Helper()
	for _, k := range keys {
		r := do(t, e, http.MethodPut, "/v1/db/app/todos/records/"+k, `{"title":"`+k+`"}`)
		require.Equal(t, http.StatusOK, r.code, string(r.body))
	}
}

func scanKeys(t *testing.T, r resp) []string {
	t.Helper()
	var sr api.ScanResponse
	require.NoError(t, json.Unmarshal(r.body, &sr))
	keys := make([]string, 0, len(sr.Records))
	for _, rec := range sr.Records {
		keys = append(keys, rec.Key)
	}
	return keys
}

func TestScanRanges(t *testing.T) {
	e, _ := setupTestServer(t)
	todosDatabase(t, e)
	seedTodos(t, e, "a", "b", "c", "d")

	r := do(t, e, http.MethodGet, "/v1/db/app/todos/records", nil)
	require.Equal(t, http.StatusOK, r.code)
	assert.Equal(t, []string{"a", "b", "c", "d"}, scanKeys(t, r))

	r = do(t, e, http.MethodGet, "/v1/db/app/todos/records?range="+url.QueryEscape("[b,c]"), nil)
	require.Equal(t, http.StatusOK, r.code)
	assert.Equal(t, []string{"b", "c"}, scanKeys(t, r))

	r = do(t, e, http.MethodGet, "/v1/db/app/todos/records?range="+url.QueryEscape("(b,]"), nil)
	require.Equal(t, http.StatusOK, r.code)
	assert.Equal(t, []string{"c", "d"}, scanKeys(t, r))

	r = do(t, e, http.MethodGet, "/v1/db/app/todos/records?limit=2", nil)
	require.Equal(t, http.StatusOK, r.code)
	assert.Equal(t, []string{"a", "b"}, scanKeys(t, r))

	r = do(t, e, http.MethodGet, "/v1/db/app/todos/records?reverse=true", nil)
	require.Equal(t, http.StatusOK, r.code)
	assert.Equal(t, []string{"d", "c", "b", "a"}, scanKeys(t, r))

	r = do(t, e, http.MethodGet, "/v1/db/app/todos/records?reverse=true&limit=2", nil)
	require.Equal(t, http.StatusOK, r.code)
	assert.Equal(t, []string{"d", "c"}, scanKeys(t, r))

	r = do(t, e, http.MethodGet, "/v1/db/app/todos/records?range="+url.QueryEscape("%"), nil)
	require.Equal(t, http.StatusBadRequest, r.code)
	assert.Contains(t, decodeError(t, r).Message, "range:")
}

func TestScanPrefix(t *testing.T) {
	e, _ := setupTestServer(t)
	todosDatabase(t, e)
	seedTodos(t, e, "user.1", "user.2", "other.1")

	r := do(t, e, http.MethodGet, "/v1/db/app/todos/records?range="+url.QueryEscape("user.*"), nil)
	require.Equal(t, http.StatusOK, r.code)
	assert.Equal(t, []string{"user.1", "user.2"}, scanKeys(t, r))
}

func TestCount(t *testing.T) {
	e, _ := setupTestServer(t)
	todosDatabase(t, e)
	seedTodos(t, e, "a", "b", "c")

	r := do(t, e, http.MethodGet, "/v1/db/app/todos/count", nil)
	require.Equal(t, http.StatusOK, r.code)
	var cr api.CountResponse
	require.NoError(t, json.Unmarshal(r.body, &cr))
	assert.Equal(t, uint64(3), cr.Count)

	r = do(t, e, http.MethodGet, "/v1/db/app/todos/count?range="+url.QueryEscape("[b,]"), nil)
	require.Equal(t, http.StatusOK, r.code)
	require.NoError(t, json.Unmarshal(r.body, &cr))
	assert.Equal(t, uint64(2), cr.Count)
}

func TestIndexScan(t *testing.T) {
	e, _ := setupTestServer(t)
	createTestDatabase(t, e, api.CreateDatabaseRequest{
		Name:    "app",
		Version: 1,
		Stores: map[string]api.StoreSpec{
			"users": {Indices: map[string]string{"byName": "name"}},
		},
	})

	for key, name := range map[string]string{"u1": "mira", "u2": "alex", "u3": "zoe"} {
		r := do(t, e, http.MethodPut, "/v1/db/app/users/records/"+key, `{"name":"`+name+`"}`)
		require.Equal(t, http.StatusOK, r.code, string(r.body))
	}

	r := do(t, e, http.MethodGet, "/v1/db/app/users/index/byName", nil)
	require.Equal(t, http.StatusOK, r.code)
	assert.Equal(t, []string{"u2", "u1", "u3"}, scanKeys(t, r), "index scans order by indexed value")

	r = do(t, e, http.MethodGet, "/v1/db/app/users/index/byName?range="+url.QueryEscape("[alex,mira]"), nil)
	require.Equal(t, http.StatusOK, r.code)
	assert.Equal(t, []string{"u2", "u1"}, scanKeys(t, r))

	r = do(t, e, http.MethodGet, "/v1/db/app/users/index/byName/count", nil)
	require.Equal(t, http.StatusOK, r.code)
	var cr api.CountResponse
	require.NoError(t, json.Unmarshal(r.body, &cr))
	assert.Equal(t, uint64(3), cr.Count)

	r = do(t, e, http.MethodGet, "/v1/db/app/users/index/nope", nil)
	require.Equal(t, http.StatusNotFound, r.code)
	assert.Equal(t, string(engine.KindNotFound), decodeError(t, r).Kind)
}

func TestErrorMapping(t *testing.T) {
	e, _ := setupTestServer(t)
	todosDatabase(t, e)

	r := do(t, e, http.MethodGet, "/v1/db/nope/todos/records/x", nil)
	require.Equal(t, http.StatusNotFound, r.code)
	assert.Equal(t, string(engine.KindNotFound), decodeError(t, r).Kind)

	r = do(t, e, http.MethodGet, "/v1/db/app/nope/records/x", nil)
	require.Equal(t, http.StatusNotFound, r.code)
	assert.Equal(t, string(engine.KindNotFound), decodeError(t, r).Kind)

	r = do(t, e, http.MethodGet, "/v1/db/app/todos/records/missing", nil)
	require.Equal(t, http.StatusNotFound, r.code)
	assert.Equal(t, "record not found", decodeError(t, r).Message)
}
