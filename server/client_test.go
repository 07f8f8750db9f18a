package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/aep/strata/api"
	"github.com/aep/strata/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The Go client against a live server, end to end.
func TestClientRoundTrip(t *testing.T) {
	e, _ := setupTestServer(t)
	srv := httptest.NewServer(e)
	defer srv.Close()

	ctx := context.Background()
	c, err := client.New(srv.URL)
	require.NoError(t, err)

	info, err := c.CreateDatabase(ctx, api.CreateDatabaseRequest{
		Name:    "app",
		Version: 1,
		Stores: map[string]api.StoreSpec{
			"todos": {Indices: map[string]string{"byTitle": "title"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"todos"}, info.Stores)

	type todo struct {
		Title string `json:"title"`
		Done  bool   `json:"done"`
	}
	todos := client.NewStore[todo](c, "app", "todos")

	require.NoError(t, todos.Put(ctx, "t1", &todo{Title: "bbb"}))
	require.NoError(t, todos.Put(ctx, "t2", &todo{Title: "aaa", Done: true}))

	got, err := todos.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "bbb", got.Title)

	got, err = todos.Get(ctx, "absent")
	require.NoError(t, err, "an absent record is not an error")
	assert.Nil(t, got)

	err = todos.Add(ctx, "t1", &todo{Title: "dup"})
	var ae *api.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 409, ae.Status)

	items, err := todos.Scan(ctx, client.ScanQuery{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "t1", items[0].Key)

	byTitle, err := todos.IndexScan(ctx, "byTitle", client.ScanQuery{})
	require.NoError(t, err)
	require.Len(t, byTitle, 2)
	assert.Equal(t, "t2", byTitle[0].Key, "index order follows the indexed value")

	n, err := todos.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	ch, cancel, err := c.Watch(ctx, "strata.change.app.>")
	require.NoError(t, err)
	defer cancel()
	require.NoError(t, todos.Delete(ctx, "t2"))
	change := <-ch
	assert.Equal(t, "del", change.Op)
	assert.Equal(t, "t2", change.Key)

	require.NoError(t, c.DeleteDatabase(ctx, "app"))
	infos, err := c.Databases(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}
