package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id1, err := store.Insert(ctx, Exchange{Model: "lightspeed", Question: "first?", Answer: "one"})
	require.NoError(t, err)
	id2, err := store.Insert(ctx, Exchange{Model: "lightspeed", Question: "second?", Answer: "two"})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	exchanges, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, exchanges, 2)

	// Newest first.
	assert.Equal(t, "second?", exchanges[0].Question)
	assert.Equal(t, "two", exchanges[0].Answer)
	assert.Equal(t, "first?", exchanges[1].Question)
	assert.WithinDuration(t, time.Now(), exchanges[0].CreatedAt, time.Minute)
}

func TestListLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Insert(ctx, Exchange{Model: "lightspeed", Question: "q", Answer: "a"})
		require.NoError(t, err)
	}

	exchanges, err := store.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, exchanges, 2)
}

func TestClear(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, Exchange{Model: "lightspeed", Question: "q", Answer: "a"})
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx))

	exchanges, err := store.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, exchanges)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := Open(path)
	require.NoError(t, err)
	_, err = store.Insert(context.Background(), Exchange{Model: "m", Question: "q", Answer: "a"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening an existing database keeps its rows.
	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	exchanges, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, exchanges, 1)
}
