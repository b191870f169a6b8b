package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auralogic/fulfillment/pkg/audit"
	"github.com/auralogic/fulfillment/pkg/binding"
	"github.com/auralogic/fulfillment/pkg/bizerr"
	"github.com/auralogic/fulfillment/pkg/ledger"
	"github.com/auralogic/fulfillment/pkg/order"
	"github.com/auralogic/fulfillment/pkg/pool"
	"github.com/auralogic/fulfillment/pkg/sandbox"
	"github.com/auralogic/fulfillment/pkg/storage"
)

type fixture struct {
	pools    *pool.Store
	stock    *ledger.Store
	bindings *binding.Store
	orders   *order.Store
	auditLog *audit.Store
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		pools:    pool.NewStore(db),
		stock:    ledger.NewStore(db),
		bindings: binding.NewStore(db),
		orders:   order.NewStore(db),
		auditLog: audit.NewStore(db),
	}
	require.NoError(t, storage.InitAll(context.Background(),
		f.pools, f.stock, f.bindings, f.orders, f.auditLog))

	egress := sandbox.NewEgressClient(0)
	egress.AllowPrivateHosts = true
	engine := sandbox.New(egress, 2*time.Second, nil)
	f.svc = NewService(f.pools, f.stock, f.bindings, f.orders, engine, f.auditLog, nil)
	return f
}

const echoScript = `
	function onDeliver(order, config) {
		var out = [];
		for (var i = 0; i < order.quantity; i++) {
			out.push({ content: "GEN-" + order.orderNo + "-" + i, remark: "auto" });
		}
		return { success: true, items: out };
	}`

func (f *fixture) staticPool(t *testing.T, id string, stock int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.pools.Create(ctx, &pool.Pool{
		ID: id, Kind: pool.KindStatic, Name: id, SKU: "sku-" + id,
		AutoDelivery: true, Active: true,
	}))
	for i := 0; i < stock; i++ {
		_, err := f.stock.Add(ctx, id, "KEY-"+id, "")
		require.NoError(t, err)
	}
}

func (f *fixture) scriptPool(t *testing.T, id, script string, limit int64) {
	t.Helper()
	require.NoError(t, f.pools.Create(context.Background(), &pool.Pool{
		ID: id, Kind: pool.KindScript, Name: id, SKU: "sku-" + id,
		Script: script, TotalLimit: limit, AutoDelivery: true, Active: true,
	}))
}

func (f *fixture) newOrderWithStatus(t *testing.T, orderNo string, status order.Status, items ...order.Item) *order.Order {
	t.Helper()
	o := &order.Order{
		ID: "id-" + orderNo, OrderNo: orderNo, Status: status,
		Items: items, Currency: "USD", UserEmail: "buyer@example.com",
	}
	require.NoError(t, f.orders.Create(context.Background(), o))
	return o
}

func (f *fixture) newOrder(t *testing.T, orderNo string, items ...order.Item) *order.Order {
	t.Helper()
	return f.newOrderWithStatus(t, orderNo, order.StatusDraft, items...)
}

// allocate claims inventory at draft and moves the order to processing,
// the way the order flow does after payment.
func (f *fixture) allocate(t *testing.T, o *order.Order) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.svc.AllocateForOrder(ctx, o))
	moved, err := f.orders.TransitionStatus(ctx, o.OrderNo,
		[]order.Status{order.StatusDraft}, order.StatusProcessing, "")
	require.NoError(t, err)
	require.True(t, moved)
}

func TestStaticPoolFullFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.staticPool(t, "cards", 3)

	o := f.newOrder(t, "ORD-1", order.Item{SKU: "sku-cards", Name: "Card", Quantity: 2, PoolID: "cards"})
	f.allocate(t, o)

	reserved, err := f.stock.ReservedByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Len(t, reserved, 2)

	// Static pools owe nothing via the script pending computation.
	pending, err := f.svc.PendingDeliveryQuantity(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	require.NoError(t, f.svc.Deliver(ctx, "ORD-1", "admin"))

	sold, err := f.stock.ItemsByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Len(t, sold, 2)

	got, err := f.orders.GetByNo(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, got.Status)
}

func TestScriptPoolBindingFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.scriptPool(t, "gen", echoScript, 0)

	o := f.newOrder(t, "ORD-1", order.Item{SKU: "sku-gen", Name: "Gen", Quantity: 3, PoolID: "gen"})
	f.allocate(t, o)

	// No stock rows pre-materialized; the claim lives in the binding.
	reserved, err := f.stock.ReservedByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Empty(t, reserved)

	pending, err := f.svc.PendingDeliveryQuantity(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	require.NoError(t, f.svc.Deliver(ctx, "ORD-1", "admin"))

	sold, err := f.stock.ItemsByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	require.Len(t, sold, 3)
	assert.Contains(t, sold[0].Content, "GEN-ORD-1-")

	pending, err = f.svc.PendingDeliveryQuantity(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	got, err := f.orders.GetByNo(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, got.Status)
}

func TestAllocateRequiresDraftOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.scriptPool(t, "gen", echoScript, 0)

	o := f.newOrderWithStatus(t, "ORD-1", order.StatusProcessing,
		order.Item{SKU: "sku-gen", Name: "Gen", Quantity: 1, PoolID: "gen"})

	err := f.svc.AllocateForOrder(ctx, o)
	var be *bizerr.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "order_not_draft", be.Key)

	bound, err := f.bindings.BoundQuantity(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Empty(t, bound)
}

func TestAllocateBindsOnlyScriptLines(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.staticPool(t, "cards", 2)
	f.scriptPool(t, "gen", echoScript, 0)

	o := f.newOrder(t, "ORD-1",
		order.Item{SKU: "sku-cards", Name: "Card", Quantity: 2, PoolID: "cards"},
		order.Item{SKU: "sku-gen", Name: "Gen", Quantity: 1, PoolID: "gen"})
	require.NoError(t, f.svc.AllocateForOrder(ctx, o))

	// The static line's claim is its reserved rows; only the script line
	// leaves a binding.
	bindings, err := f.bindings.ByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "gen", bindings[0].PoolID)

	reserved, err := f.stock.ReservedByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Len(t, reserved, 2)
}

func TestAllocateChecksPoolCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.scriptPool(t, "gen", echoScript, 3)

	first := f.newOrder(t, "ORD-1", order.Item{SKU: "sku-gen", Name: "Gen", Quantity: 2, PoolID: "gen"})
	require.NoError(t, f.svc.AllocateForOrder(ctx, first))

	// 2 of 3 units are already spoken for by an undelivered binding.
	second := f.newOrder(t, "ORD-2", order.Item{SKU: "sku-gen", Name: "Gen", Quantity: 2, PoolID: "gen"})
	err := f.svc.AllocateForOrder(ctx, second)
	require.ErrorIs(t, err, pool.ErrLimitExceeded)

	bound, err := f.bindings.BoundQuantity(ctx, "ORD-2")
	require.NoError(t, err)
	assert.Empty(t, bound)

	third := f.newOrder(t, "ORD-3", order.Item{SKU: "sku-gen", Name: "Gen", Quantity: 1, PoolID: "gen"})
	require.NoError(t, f.svc.AllocateForOrder(ctx, third))
}

func TestLegacyPlaceholderFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.scriptPool(t, "gen", echoScript, 0)

	// A pre-binding order: reserved placeholders, no binding rows.
	for i := 0; i < 2; i++ {
		_, err := f.stock.Add(ctx, "gen", "", "placeholder")
		require.NoError(t, err)
	}
	placeholders, err := f.stock.Reserve(ctx, "gen", 2, "ORD-LEGACY")
	require.NoError(t, err)
	f.newOrderWithStatus(t, "ORD-LEGACY", order.StatusProcessing,
		order.Item{SKU: "sku-gen", Name: "Gen", Quantity: 2, PoolID: "gen"})

	pending, err := f.svc.PendingDeliveryQuantity(ctx, "ORD-LEGACY")
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	require.NoError(t, f.svc.Deliver(ctx, "ORD-LEGACY", "admin"))

	// The placeholders themselves were filled, not new rows created.
	for _, ph := range placeholders {
		got, err := f.stock.Get(ctx, ph.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusSold, got.Status)
		assert.Contains(t, got.Content, "GEN-ORD-LEGACY-")
	}

	pending, err = f.svc.PendingDeliveryQuantity(ctx, "ORD-LEGACY")
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestPendingSumsLegacyAndBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.scriptPool(t, "gen", echoScript, 0)

	// An order carrying both a binding and a leftover legacy placeholder
	// is owed the sum of the two sources.
	f.newOrderWithStatus(t, "ORD-1", order.StatusProcessing,
		order.Item{SKU: "sku-gen", Name: "Gen", Quantity: 2, PoolID: "gen"})
	_, err := f.bindings.Bind(ctx, "ORD-1", "gen", "sku-gen", 2)
	require.NoError(t, err)

	_, err = f.stock.Add(ctx, "gen", "", "placeholder")
	require.NoError(t, err)
	_, err = f.stock.Reserve(ctx, "gen", 1, "ORD-1")
	require.NoError(t, err)

	pending, err := f.svc.PendingDeliveryQuantity(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	// Delivery fills the placeholder and mints the bound remainder.
	require.NoError(t, f.svc.Deliver(ctx, "ORD-1", "admin"))

	sold, err := f.stock.ItemsByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Len(t, sold, 3)

	pending, err = f.svc.PendingDeliveryQuantity(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestScriptFailureLeavesOrderIncomplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.staticPool(t, "cards", 1)
	f.scriptPool(t, "gen", `function onDeliver() { return { success: false, message: "no upstream" }; }`, 0)

	o := f.newOrder(t, "ORD-1",
		order.Item{SKU: "sku-cards", Name: "Card", Quantity: 1, PoolID: "cards"},
		order.Item{SKU: "sku-gen", Name: "Gen", Quantity: 1, PoolID: "gen"})
	f.allocate(t, o)

	err := f.svc.Deliver(ctx, "ORD-1", "admin")
	require.Error(t, err)
	var se *sandbox.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sandbox.CodeFailed, se.Code)

	// The static half went out; the order stays open for a retry.
	sold, err := f.stock.ItemsByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Len(t, sold, 1)

	got, err := f.orders.GetByNo(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, got.Status)

	pending, err := f.svc.PendingDeliveryQuantity(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestDeliverRetryAfterScriptFix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.scriptPool(t, "gen", `function onDeliver() { return { success: false, message: "flaky" }; }`, 0)

	o := f.newOrder(t, "ORD-1", order.Item{SKU: "sku-gen", Name: "Gen", Quantity: 1, PoolID: "gen"})
	f.allocate(t, o)
	require.Error(t, f.svc.Deliver(ctx, "ORD-1", "admin"))

	require.NoError(t, f.pools.UpdateScript(ctx, "gen", echoScript, ""))
	require.NoError(t, f.svc.Deliver(ctx, "ORD-1", "admin"))

	got, err := f.orders.GetByNo(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, got.Status)
}

func TestPoolLimitBlocksScriptDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.scriptPool(t, "gen", echoScript, 1)

	// Bypass the allocation-time capacity check; the sold-counter guard
	// must still hold the line at delivery.
	f.newOrderWithStatus(t, "ORD-1", order.StatusProcessing,
		order.Item{SKU: "sku-gen", Name: "Gen", Quantity: 2, PoolID: "gen"})
	_, err := f.bindings.Bind(ctx, "ORD-1", "gen", "sku-gen", 2)
	require.NoError(t, err)

	err = f.svc.Deliver(ctx, "ORD-1", "admin")
	assert.ErrorIs(t, err, pool.ErrLimitExceeded)

	sold, err := f.stock.ItemsByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Empty(t, sold)
}

func TestAllocateRollsBackOnInsufficientStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.staticPool(t, "cards", 1)
	f.scriptPool(t, "gen", echoScript, 0)

	o := f.newOrder(t, "ORD-1",
		order.Item{SKU: "sku-gen", Name: "Gen", Quantity: 1, PoolID: "gen"},
		order.Item{SKU: "sku-cards", Name: "Card", Quantity: 5, PoolID: "cards"})
	err := f.svc.AllocateForOrder(ctx, o)
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)

	// The script line's binding was rolled back with the rest.
	bound, err := f.bindings.BoundQuantity(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Empty(t, bound)

	free, err := f.stock.AvailableCount(ctx, "cards")
	require.NoError(t, err)
	assert.Equal(t, 1, free)
}

func TestReleaseForOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.staticPool(t, "cards", 2)
	f.scriptPool(t, "gen", echoScript, 0)

	o := f.newOrder(t, "ORD-1",
		order.Item{SKU: "sku-cards", Name: "Card", Quantity: 2, PoolID: "cards"},
		order.Item{SKU: "sku-gen", Name: "Gen", Quantity: 1, PoolID: "gen"})
	require.NoError(t, f.svc.AllocateForOrder(ctx, o))

	released, err := f.svc.ReleaseForOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, 2, released)

	free, err := f.stock.AvailableCount(ctx, "cards")
	require.NoError(t, err)
	assert.Equal(t, 2, free)

	bound, err := f.bindings.BoundQuantity(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Empty(t, bound)

	pending, err := f.svc.PendingDeliveryQuantity(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestCanAutoDeliver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.staticPool(t, "auto", 2)
	f.scriptPool(t, "gen", echoScript, 0)
	require.NoError(t, f.pools.Create(ctx, &pool.Pool{
		ID: "manual", Kind: pool.KindStatic, SKU: "sku-manual", Active: true, AutoDelivery: false,
	}))
	require.NoError(t, f.pools.Create(ctx, &pool.Pool{
		ID: "scriptless", Kind: pool.KindScript, SKU: "sku-nil", Active: true, AutoDelivery: true,
	}))
	for i := 0; i < 2; i++ {
		_, err := f.stock.Add(ctx, "manual", "M-KEY", "")
		require.NoError(t, err)
	}

	t.Run("pending auto script pool", func(t *testing.T) {
		_, err := f.bindings.Bind(ctx, "ORD-A", "gen", "sku-gen", 1)
		require.NoError(t, err)
		got, err := f.svc.CanAutoDeliver(ctx, &order.Order{OrderNo: "ORD-A"})
		require.NoError(t, err)
		assert.True(t, got)
	})

	t.Run("pending manual pool", func(t *testing.T) {
		_, err := f.stock.Reserve(ctx, "manual", 1, "ORD-B")
		require.NoError(t, err)
		got, err := f.svc.CanAutoDeliver(ctx, &order.Order{OrderNo: "ORD-B"})
		require.NoError(t, err)
		assert.False(t, got)
	})

	t.Run("pending scriptless pool", func(t *testing.T) {
		_, err := f.bindings.Bind(ctx, "ORD-C", "scriptless", "sku-nil", 1)
		require.NoError(t, err)
		got, err := f.svc.CanAutoDeliver(ctx, &order.Order{OrderNo: "ORD-C"})
		require.NoError(t, err)
		assert.False(t, got)
	})

	t.Run("nothing pending", func(t *testing.T) {
		got, err := f.svc.CanAutoDeliver(ctx, &order.Order{OrderNo: "ORD-D"})
		require.NoError(t, err)
		assert.False(t, got)
	})

	t.Run("delivered manual pool no longer disqualifies", func(t *testing.T) {
		items, err := f.stock.Reserve(ctx, "manual", 1, "ORD-E")
		require.NoError(t, err)
		_, err = f.stock.Deliver(ctx, []string{items[0].ID}, "ORD-E", "admin")
		require.NoError(t, err)
		_, err = f.bindings.Bind(ctx, "ORD-E", "gen", "sku-gen", 1)
		require.NoError(t, err)

		got, err := f.svc.CanAutoDeliver(ctx, &order.Order{OrderNo: "ORD-E"})
		require.NoError(t, err)
		assert.True(t, got)
	})
}

func TestTestScriptDryRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.scriptPool(t, "gen", echoScript, 0)

	outcome, err := f.svc.TestScript(ctx, "gen", 3)
	require.NoError(t, err)
	assert.Len(t, outcome.Items, 3)

	// Nothing persisted, no counters moved.
	p, err := f.pools.Get(ctx, "gen")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.SoldCount)

	_, err = f.svc.TestScript(ctx, "gen", 11)
	assert.Error(t, err)
}

func TestDeliverAuditTrail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.staticPool(t, "cards", 1)

	o := f.newOrder(t, "ORD-1", order.Item{SKU: "sku-cards", Name: "Card", Quantity: 1, PoolID: "cards"})
	f.allocate(t, o)
	require.NoError(t, f.svc.Deliver(ctx, "ORD-1", "ops@example.com"))

	entries, err := f.auditLog.BySubject(ctx, "ORD-1")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "order.delivered", entries[len(entries)-1].Action)
	assert.Equal(t, "ops@example.com", entries[len(entries)-1].Actor)
}
