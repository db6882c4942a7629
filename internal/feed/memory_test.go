package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_feed/internal/apperr"
)

func TestMemoryStoreAppendRecord(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.AppendRecord(ctx, Record{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	explicit, err := store.AppendRecord(ctx, Record{ID: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 10, explicit.ID)

	next, err := store.AppendRecord(ctx, Record{})
	require.NoError(t, err)
	assert.EqualValues(t, 11, next.ID)

	_, err = store.AppendRecord(ctx, Record{ID: 5})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestMemoryStoreScopeScan(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := store.AppendRecord(ctx, Record{ScopeID: int64(i % 2)})
		require.NoError(t, err)
	}

	scope := int64(1)
	got := store.scanRecords(0, &scope, 10)
	assert.Equal(t, []int64{2, 4, 6}, ids(got))

	got = store.scanRecords(2, nil, 2)
	assert.Equal(t, []int64{3, 4}, ids(got))
}

func TestMemoryStoreWithCursor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	sub, err := store.CreateSubscription(ctx, Subscription{Owner: "alice", Enabled: true})
	require.NoError(t, err)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("error from fn discards advance", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.WithCursor(ctx, sub.ID, func(ctx context.Context, tx CursorTx) error {
			require.NoError(t, tx.Advance(ctx, 5, at))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		got, _ := store.GetSubscription(ctx, sub.ID)
		assert.Zero(t, got.LastDeliveredID)
	})

	t.Run("advance commits", func(t *testing.T) {
		err := store.WithCursor(ctx, sub.ID, func(ctx context.Context, tx CursorTx) error {
			return tx.Advance(ctx, 5, at)
		})
		require.NoError(t, err)
		got, _ := store.GetSubscription(ctx, sub.ID)
		assert.EqualValues(t, 5, got.LastDeliveredID)
		require.NotNil(t, got.LastDeliveredAt)
		assert.Equal(t, at, *got.LastDeliveredAt)
	})

	t.Run("cursor never moves back", func(t *testing.T) {
		err := store.WithCursor(ctx, sub.ID, func(ctx context.Context, tx CursorTx) error {
			return tx.Advance(ctx, 2, at)
		})
		require.NoError(t, err)
		got, _ := store.GetSubscription(ctx, sub.ID)
		assert.EqualValues(t, 5, got.LastDeliveredID)
	})

	t.Run("update leaves cursor alone", func(t *testing.T) {
		upd := sub
		upd.Name = "renamed"
		upd.LastDeliveredID = 0
		got, err := store.UpdateSubscription(ctx, upd)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		assert.EqualValues(t, 5, got.LastDeliveredID)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		err := store.WithCursor(ctx, 404, func(context.Context, CursorTx) error { return nil })
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestMemoryStoreFiltersAreCopied(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	filters := map[string]any{"symbol": "AAPL"}
	sub, err := store.CreateSubscription(ctx, Subscription{Owner: "alice", Filters: filters})
	require.NoError(t, err)

	filters["symbol"] = "MSFT"
	got, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got.Filters["symbol"])
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	sub, err := store.CreateSubscription(ctx, Subscription{Owner: "alice"})
	require.NoError(t, err)

	require.NoError(t, store.DeleteSubscription(ctx, sub.ID))
	assert.ErrorIs(t, store.DeleteSubscription(ctx, sub.ID), apperr.ErrNotFound)
	_, err = store.GetSubscription(ctx, sub.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
