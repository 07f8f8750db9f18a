package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/aep/strata/api"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchStreamsChanges(t *testing.T) {
	e, _ := setupTestServer(t)
	todosDatabase(t, e)

	srv := httptest.NewServer(e)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/v1/watch?subject="+url.QueryEscape("strata.change.app.>"), nil)
	require.NoError(t, err)
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get(echo.HeaderContentType))

	// The subscription is live once the response header arrived, so this
	// commit cannot slip past the stream.
	r := do(t, e, http.MethodPut, "/v1/db/app/todos/records/t1", `{"title":"hello"}`)
	require.Equal(t, http.StatusOK, r.code, string(r.body))

	sc := bufio.NewScanner(res.Body)
	var data string
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, data, "no event before the stream ended")

	var ch api.Change
	require.NoError(t, json.Unmarshal([]byte(data), &ch))
	assert.Equal(t, "app", ch.DB)
	assert.Equal(t, "todos", ch.Store)
	assert.Equal(t, "put", ch.Op)
	assert.Equal(t, "t1", ch.Key)
	assert.NotEmpty(t, ch.Txn)
}

func TestWatchFiltersBySubject(t *testing.T) {
	e, _ := setupTestServer(t)
	todosDatabase(t, e)
	createTestDatabase(t, e, api.CreateDatabaseRequest{
		Name:    "other",
		Version: 1,
		Stores:  map[string]api.StoreSpec{"todos": {}},
	})

	srv := httptest.NewServer(e)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/v1/watch?subject="+url.QueryEscape("strata.change.app.todos"), nil)
	require.NoError(t, err)
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	// A change on the other database must not show up; one on app does,
	// and arrives first despite being committed second only because the
	// first never arrives at all.
	r := do(t, e, http.MethodPut, "/v1/db/other/todos/records/x", `{}`)
	require.Equal(t, http.StatusOK, r.code)
	r = do(t, e, http.MethodPut, "/v1/db/app/todos/records/y", `{}`)
	require.Equal(t, http.StatusOK, r.code)

	sc := bufio.NewScanner(res.Body)
	var data string
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, data)

	var ch api.Change
	require.NoError(t, json.Unmarshal([]byte(data), &ch))
	assert.Equal(t, "app", ch.DB)
	assert.Equal(t, "y", ch.Key)
}
