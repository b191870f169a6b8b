// Package allocation orchestrates fulfillment across pools, the stock
// ledger, bindings and the script sandbox: reserving inventory when an
// order is placed, delivering it when the order is paid, and releasing
// everything when the order dies.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/auralogic/fulfillment/pkg/audit"
	"github.com/auralogic/fulfillment/pkg/binding"
	"github.com/auralogic/fulfillment/pkg/bizerr"
	"github.com/auralogic/fulfillment/pkg/ledger"
	"github.com/auralogic/fulfillment/pkg/observability"
	"github.com/auralogic/fulfillment/pkg/order"
	"github.com/auralogic/fulfillment/pkg/pool"
	"github.com/auralogic/fulfillment/pkg/sandbox"
)

// ErrNothingToDeliver is returned when a delivery finds no outstanding
// claim for the order.
var ErrNothingToDeliver = errors.New("order has nothing to deliver")

// maxDryRunQuantity caps admin script test runs.
const maxDryRunQuantity = 10

// Service coordinates the fulfillment flow.
type Service struct {
	pools    *pool.Store
	ledger   *ledger.Store
	bindings *binding.Store
	orders   *order.Store
	engine   *sandbox.Engine
	audit    *audit.Store
	metrics  *observability.Provider
	log      *slog.Logger
}

func NewService(pools *pool.Store, led *ledger.Store, bindings *binding.Store,
	orders *order.Store, engine *sandbox.Engine, auditLog *audit.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pools:    pools,
		ledger:   led,
		bindings: bindings,
		orders:   orders,
		engine:   engine,
		audit:    auditLog,
		log:      log.With("component", "allocation"),
	}
}

// WithTelemetry enables script-run tracing and delivery metrics.
func (s *Service) WithTelemetry(p *observability.Provider) *Service {
	s.metrics = p
	return s
}

// AllocateForOrder claims inventory for every order line backed by a
// pool. Only draft orders may allocate. Static lines reserve concrete
// items; script lines record a binding instead, since their content does
// not exist until delivery, and are checked against the pool's remaining
// capacity (total limit minus sold minus units bound elsewhere). Any
// failure rolls the order's claim back entirely.
func (s *Service) AllocateForOrder(ctx context.Context, o *order.Order) error {
	if o.Status != order.StatusDraft {
		return bizerr.Newf("order_not_draft", "order %s is %s; inventory is claimed at draft only", o.OrderNo, o.Status)
	}
	for _, line := range o.Items {
		if line.PoolID == "" {
			continue
		}
		p, err := s.pools.Get(ctx, line.PoolID)
		if err != nil {
			s.rollbackAllocation(ctx, o.OrderNo)
			return fmt.Errorf("allocate %s: %w", o.OrderNo, err)
		}
		switch p.Kind {
		case pool.KindStatic:
			if _, err := s.ledger.Reserve(ctx, p.ID, line.Quantity, o.OrderNo); err != nil {
				s.rollbackAllocation(ctx, o.OrderNo)
				return fmt.Errorf("allocate %s: %w", o.OrderNo, err)
			}
		case pool.KindScript:
			if p.TotalLimit > 0 {
				outstanding, err := s.bindings.OutstandingForPool(ctx, p.ID)
				if err != nil {
					s.rollbackAllocation(ctx, o.OrderNo)
					return fmt.Errorf("allocate %s: %w", o.OrderNo, err)
				}
				if p.SoldCount+int64(outstanding)+int64(line.Quantity) > p.TotalLimit {
					s.rollbackAllocation(ctx, o.OrderNo)
					return fmt.Errorf("allocate %s: %w", o.OrderNo, pool.ErrLimitExceeded)
				}
			}
			if _, err := s.bindings.Bind(ctx, o.OrderNo, p.ID, line.SKU, line.Quantity); err != nil {
				s.rollbackAllocation(ctx, o.OrderNo)
				return fmt.Errorf("allocate %s: %w", o.OrderNo, err)
			}
		}
	}
	return nil
}

func (s *Service) rollbackAllocation(ctx context.Context, orderRef string) {
	if _, err := s.ledger.Release(ctx, orderRef); err != nil {
		s.log.Error("rollback release failed", "order", orderRef, "error", err)
	}
	if _, err := s.bindings.DeleteByOrder(ctx, orderRef); err != nil {
		s.log.Error("rollback unbind failed", "order", orderRef, "error", err)
	}
}

// PendingDeliveryQuantity reports how many script-pool units the order is
// still owed: its reserved legacy placeholders plus, per bound script
// pool, bound minus sold. Both sources always count; an order carrying
// both placeholders and bindings owes the sum.
func (s *Service) PendingDeliveryQuantity(ctx context.Context, orderRef string) (int, error) {
	pending, err := s.ledger.CountReservedScript(ctx, orderRef)
	if err != nil {
		return 0, err
	}
	bound, err := s.bindings.BoundQuantity(ctx, orderRef)
	if err != nil {
		return 0, err
	}
	for poolID, qty := range bound {
		p, err := s.pools.Get(ctx, poolID)
		if err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				continue
			}
			return 0, err
		}
		if p.Kind != pool.KindScript {
			continue
		}
		sold, err := s.ledger.SoldQuantity(ctx, orderRef, poolID)
		if err != nil {
			return 0, err
		}
		if d := qty - sold; d > 0 {
			pending += d
		}
	}
	return pending, nil
}

// CanAutoDeliver reports whether every pool the order still has pending
// units in is active, flagged for auto delivery, and (for script pools)
// carries a script. Pools the order already finished with do not count
// against it; an order with nothing pending cannot auto-deliver.
func (s *Service) CanAutoDeliver(ctx context.Context, o *order.Order) (bool, error) {
	reserved, err := s.ledger.ReservedByOrder(ctx, o.OrderNo)
	if err != nil {
		return false, err
	}
	placeholders := make(map[string][]ledger.Item)
	pendingPools := make(map[string]struct{})
	for _, item := range reserved {
		pendingPools[item.PoolID] = struct{}{}
		if item.PoolKind == pool.KindScript {
			placeholders[item.PoolID] = append(placeholders[item.PoolID], item)
		}
	}
	owed, err := s.owedPerScriptPool(ctx, o.OrderNo, placeholders)
	if err != nil {
		return false, err
	}
	for poolID := range owed {
		pendingPools[poolID] = struct{}{}
	}
	if len(pendingPools) == 0 {
		return false, nil
	}

	for poolID := range pendingPools {
		p, err := s.pools.Get(ctx, poolID)
		if err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if !p.Active || !p.AutoDelivery {
			return false, nil
		}
		if p.Kind == pool.KindScript && p.Script == "" {
			return false, nil
		}
	}
	return true, nil
}

// Deliver fulfills everything the order is owed and, when nothing remains
// pending, completes the order. Static reservations are finalized first;
// script pools then synthesize their content. Each pool is delivered
// independently, so a script failure leaves earlier deliveries in place
// and the order incomplete for a later retry.
func (s *Service) Deliver(ctx context.Context, orderNo, actor string) error {
	o, err := s.orders.GetByNo(ctx, orderNo)
	if err != nil {
		return err
	}

	reserved, err := s.ledger.ReservedByOrder(ctx, orderNo)
	if err != nil {
		return err
	}

	delivered := 0

	// Phase 1: finalize static reservations.
	var staticIDs []string
	for _, item := range reserved {
		if item.PoolKind == pool.KindStatic {
			staticIDs = append(staticIDs, item.ID)
		}
	}
	if len(staticIDs) > 0 {
		n, err := s.ledger.Deliver(ctx, staticIDs, orderNo, actor)
		if err != nil {
			return fmt.Errorf("deliver %s: %w", orderNo, err)
		}
		delivered += n
	}

	// Phase 2: run script pools for whatever is still owed.
	n, err := s.deliverScriptPools(ctx, o, reserved, actor)
	delivered += n
	if err != nil {
		return err
	}

	pending, err := s.PendingDeliveryQuantity(ctx, orderNo)
	if err != nil {
		return err
	}
	if pending > 0 {
		s.log.Info("order partially delivered", "order", orderNo, "pending", pending)
		return nil
	}
	if delivered == 0 && len(reserved) == 0 {
		return ErrNothingToDeliver
	}

	moved, err := s.orders.TransitionStatus(ctx, orderNo,
		[]order.Status{order.StatusProcessing}, order.StatusCompleted, "")
	if err != nil {
		return err
	}
	if moved {
		if s.metrics != nil {
			s.metrics.RecordDelivery(ctx, delivered)
		}
		s.recordAudit(ctx, actor, "order.delivered", orderNo, map[string]any{"items": delivered})
	}
	return nil
}

// deliverScriptPools runs the delivery script for each script pool the
// order still has pending units in. Legacy placeholders are written back
// in place; binding-tracked orders get fresh sold rows.
func (s *Service) deliverScriptPools(ctx context.Context, o *order.Order, reserved []ledger.Item, actor string) (int, error) {
	placeholders := make(map[string][]ledger.Item)
	for _, item := range reserved {
		if item.PoolKind == pool.KindScript {
			placeholders[item.PoolID] = append(placeholders[item.PoolID], item)
		}
	}

	owed, err := s.owedPerScriptPool(ctx, o.OrderNo, placeholders)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for poolID, qty := range owed {
		p, err := s.pools.Get(ctx, poolID)
		if err != nil {
			return delivered, err
		}
		runCtx := ctx
		done := func(error) {}
		if s.metrics != nil {
			runCtx, done = s.metrics.TrackScript(ctx, poolID)
		}
		outcome, err := s.engine.Execute(runCtx, p.Script, s.orderView(ctx, o, qty),
			pool.ParseConfig(p.ScriptConfig), qty)
		done(err)
		if err != nil {
			s.recordAudit(ctx, actor, "script.failed", o.OrderNo, map[string]any{
				"pool": poolID, "error": err.Error(),
			})
			return delivered, fmt.Errorf("deliver %s pool %s: %w", o.OrderNo, poolID, err)
		}
		if outcome.CountMismatch {
			s.recordAudit(ctx, actor, "script.count_mismatch", o.OrderNo, map[string]any{
				"pool": poolID, "want": qty, "got": len(outcome.Items),
			})
		}

		n, err := s.persistScriptOutcome(ctx, poolID, placeholders[poolID], outcome.Items, o.OrderNo, actor)
		delivered += n
		if err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

// owedPerScriptPool resolves how many units each script pool owes the
// order: its reserved legacy placeholders plus the bound-minus-sold
// remainder, matching the pending computation.
func (s *Service) owedPerScriptPool(ctx context.Context, orderRef string, placeholders map[string][]ledger.Item) (map[string]int, error) {
	owed := make(map[string]int)
	for poolID, items := range placeholders {
		owed[poolID] = len(items)
	}
	bound, err := s.bindings.BoundQuantity(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	for poolID, qty := range bound {
		p, err := s.pools.Get(ctx, poolID)
		if err != nil {
			if errors.Is(err, pool.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if p.Kind != pool.KindScript {
			continue
		}
		sold, err := s.ledger.SoldQuantity(ctx, orderRef, poolID)
		if err != nil {
			return nil, err
		}
		if d := qty - sold; d > 0 {
			owed[poolID] += d
		}
	}
	return owed, nil
}

// persistScriptOutcome writes script-produced items, filling legacy
// placeholders first and creating sold rows for the rest.
func (s *Service) persistScriptOutcome(ctx context.Context, poolID string, placeholders []ledger.Item,
	items []sandbox.DeliveredItem, orderRef, actor string) (int, error) {
	delivered := 0
	i := 0
	for ; i < len(items) && i < len(placeholders); i++ {
		ok, err := s.ledger.DeliverWithContent(ctx, placeholders[i].ID,
			ledger.Content{Content: items[i].Content, Remark: items[i].Remark}, orderRef, actor)
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
		}
	}
	if i < len(items) {
		var rest []ledger.Content
		for _, item := range items[i:] {
			rest = append(rest, ledger.Content{Content: item.Content, Remark: item.Remark})
		}
		created, err := s.ledger.CreateSold(ctx, poolID, rest, orderRef, actor)
		if err != nil {
			return delivered, err
		}
		delivered += len(created)
	}
	return delivered, nil
}

// ReleaseForOrder drops the order's claim on inventory: reserved items go
// back to available and bindings are removed. Sold items stay sold.
func (s *Service) ReleaseForOrder(ctx context.Context, orderRef string) (int, error) {
	released, err := s.ledger.Release(ctx, orderRef)
	if err != nil {
		return 0, err
	}
	if _, err := s.bindings.DeleteByOrder(ctx, orderRef); err != nil {
		return released, err
	}
	if released > 0 {
		s.recordAudit(ctx, "system", "stock.released", orderRef, map[string]any{"items": released})
	}
	return released, nil
}

// TestScript dry-runs a pool's script against a synthetic order. Nothing
// is persisted. Quantity is capped so a test cannot mint a large batch.
func (s *Service) TestScript(ctx context.Context, poolID string, quantity int) (*sandbox.Outcome, error) {
	if quantity <= 0 {
		quantity = 1
	}
	if quantity > maxDryRunQuantity {
		return nil, bizerr.Newf("dry_run_limit", "dry-run quantity %d exceeds limit %d", quantity, maxDryRunQuantity)
	}
	p, err := s.pools.Get(ctx, poolID)
	if err != nil {
		return nil, err
	}
	sample := &order.Order{
		OrderNo:   "TEST-" + poolID,
		Currency:  "USD",
		UserEmail: "test@example.com",
		Items:     []order.Item{{SKU: p.SKU, Name: p.Name, Quantity: quantity, PoolID: p.ID}},
	}
	return s.engine.Execute(ctx, p.Script, s.orderView(ctx, sample, quantity),
		pool.ParseConfig(p.ScriptConfig), quantity)
}

func (s *Service) recordAudit(ctx context.Context, actor, action, subject string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, actor, action, subject, detail); err != nil {
		s.log.Error("audit record failed", "action", action, "subject", subject, "error", err)
	}
}

// orderView builds the read-only snapshot handed to scripts, including
// the purchaser's public profile when the order has a known user.
func (s *Service) orderView(ctx context.Context, o *order.Order, quantity int) sandbox.OrderView {
	view := sandbox.OrderView{
		OrderNo:       o.OrderNo,
		Quantity:      quantity,
		TotalAmount:   o.TotalAmount,
		Currency:      o.Currency,
		UserEmail:     o.UserEmail,
		ReceiverName:  o.ReceiverName,
		ReceiverPhone: o.ReceiverPhone,
		ReceiverAddr:  o.ReceiverAddr,
	}
	if !o.CreatedAt.IsZero() {
		view.CreatedAt = o.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	view.User = sandbox.OrderViewUser{Email: o.UserEmail}
	if o.UserID != nil {
		if u, err := s.orders.GetUser(ctx, *o.UserID); err == nil {
			view.User = sandbox.OrderViewUser{Name: u.Name, Email: u.Email}
		}
	}
	for _, line := range o.Items {
		view.Items = append(view.Items, sandbox.OrderViewItem{
			SKU: line.SKU, Name: line.Name, Quantity: line.Quantity,
		})
		if view.SKU == "" {
			view.SKU = line.SKU
			view.ItemName = line.Name
		}
	}
	return view
}
