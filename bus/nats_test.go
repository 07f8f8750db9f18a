package bus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aep/strata/db"
)

func TestEmbeddedNatsRoundTrip(t *testing.T) {
	b, err := NewEmbedded(t.TempDir())
	require.NoError(t, err)
	defer b.Close()

	ch, cancel, err := b.Subscribe("strata.change.>")
	require.NoError(t, err)
	defer cancel()

	want := change("app", "todos", db.OpPut, "k")
	require.NoError(t, b.Publish(want))
	require.Equal(t, want, recv(t, ch))
}

func TestEmbeddedNatsSubjectFanOut(t *testing.T) {
	b, err := NewEmbedded(t.TempDir())
	require.NoError(t, err)
	defer b.Close()

	todos, cancel, err := b.Subscribe("strata.change.app.todos")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Publish(change("app", "notes", db.OpPut, "n")))
	require.NoError(t, b.Publish(change("app", "todos", db.OpDelete, "k")))

	got := recv(t, todos)
	require.Equal(t, db.OpDelete, got.Op, "per-store subjects must not leak other stores")
	require.Equal(t, []byte("k"), got.Key)
}

func TestSubjectMatch(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"strata.change.app.todos", "strata.change.app.todos", true},
		{"strata.change.app.todos", "strata.change.app.notes", false},
		{"strata.change.app.>", "strata.change.app.todos", true},
		{"strata.change.app.>", "strata.change.app", false},
		{"strata.change.*.todos", "strata.change.other.todos", true},
		{"strata.change.*.todos", "strata.change.other.notes", false},
		{">", "strata.change.app.todos", true},
		{"strata.change", "strata.change.app.todos", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, matches(c.pattern, c.topic), "%s vs %s", c.pattern, c.topic)
	}
}
