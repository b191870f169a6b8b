package promo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auralogic/fulfillment/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewStore(db)
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestReserveSingleHolder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, "c1", "SAVE10"))

	ok, err := store.Reserve(ctx, "c1", "ORD-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second taker loses.
	ok, err = store.Reserve(ctx, "c1", "ORD-2")
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := store.ReservedBy(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "ORD-1", *holder)
}

func TestReleaseOnlyByHolder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, "c1", "SAVE10"))
	_, err := store.Reserve(ctx, "c1", "ORD-1")
	require.NoError(t, err)

	// The wrong order cannot free the code.
	ok, err := store.ReleaseReserve(ctx, "c1", "ORD-2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.ReleaseReserve(ctx, "c1", "ORD-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Releasing again is a benign no-op.
	ok, err = store.ReleaseReserve(ctx, "c1", "ORD-1")
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := store.ReservedBy(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, holder)
}
