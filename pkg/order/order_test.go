package order

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
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

func TestCreateAndGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	o := &Order{
		ID:      "id-1",
		OrderNo: "ORD-1",
		Status:  StatusPendingPayment,
		Items: []Item{
			{SKU: "sku-1", Name: "Gift Card", Quantity: 2, PoolID: "pool-a"},
		},
		TotalAmount: 19.98,
		Currency:    "USD",
		UserEmail:   "buyer@example.com",
	}
	require.NoError(t, store.Create(ctx, o))

	got, err := store.GetByNo(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPayment, got.Status)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "pool-a", got.Items[0].PoolID)

	_, err = store.GetByNo(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionStatusCAS(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Create(ctx, &Order{
		ID: "id-1", OrderNo: "ORD-1", Status: StatusPendingPayment, Items: []Item{},
	}))

	moved, err := store.TransitionStatus(ctx, "ORD-1",
		[]Status{StatusPendingPayment, StatusNeedResubmit}, StatusCancelled, "expired")
	require.NoError(t, err)
	assert.True(t, moved)

	got, err := store.GetByNo(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "expired", got.AdminRemark)

	// Already cancelled: the same transition loses quietly.
	moved, err = store.TransitionStatus(ctx, "ORD-1",
		[]Status{StatusPendingPayment}, StatusCancelled, "expired")
	require.NoError(t, err)
	assert.False(t, moved)

	_, err = store.TransitionStatus(ctx, "ORD-1", nil, StatusCancelled, "")
	assert.Error(t, err)
}

func TestTransitionStatusQueryShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(db).WithClock(func() time.Time { return now })

	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE orders SET status = $1, updated_at = $2, admin_remark = $3 WHERE order_no = $4 AND status IN ($5, $6)")).
		WithArgs(string(StatusCancelled), now, "expired", "ORD-1",
			string(StatusPendingPayment), string(StatusNeedResubmit)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	moved, err := store.TransitionStatus(context.Background(), "ORD-1",
		[]Status{StatusPendingPayment, StatusNeedResubmit}, StatusCancelled, "expired")
	require.NoError(t, err)
	assert.True(t, moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListStale(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mkOrder := func(no string, status Status, age time.Duration) {
		store.WithClock(func() time.Time { return base.Add(-age) })
		require.NoError(t, store.Create(ctx, &Order{
			ID: "id-" + no, OrderNo: no, Status: status, Items: []Item{},
		}))
	}
	mkOrder("OLD-1", StatusPendingPayment, 100*time.Hour)
	mkOrder("OLD-2", StatusPendingPayment, 90*time.Hour)
	mkOrder("FRESH", StatusPendingPayment, time.Hour)
	mkOrder("OLD-DONE", StatusCompleted, 100*time.Hour)

	stale, err := store.ListStale(ctx, StatusPendingPayment, base.Add(-72*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "OLD-1", stale[0].OrderNo) // oldest first
	assert.Equal(t, "OLD-2", stale[1].OrderNo)
}

func TestUserRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateUser(ctx, &User{
		ID: "u1", Name: "Alex", Email: "alex@example.com", Locale: "zh",
	}))
	u, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "zh", u.Locale)

	_, err = store.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
