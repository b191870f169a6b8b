// Package reconciler runs the background sweeps that keep fulfillment
// state converging: stale unpaid orders are cancelled and their inventory
// claims released, and idle support tickets are closed with a system
// message. Both sweeps are idempotent; every state change goes through a
// conditional update, so a sweep racing a user action simply loses and
// moves on.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/auralogic/fulfillment/pkg/audit"
	"github.com/auralogic/fulfillment/pkg/config"
	"github.com/auralogic/fulfillment/pkg/order"
	"github.com/auralogic/fulfillment/pkg/promo"
	"github.com/auralogic/fulfillment/pkg/serial"
	"github.com/auralogic/fulfillment/pkg/ticket"
)

// sweepBatchSize bounds how many rows one sweep pass touches.
const sweepBatchSize = 100

const autoCancelRemark = "auto-cancelled: payment window expired"

// Releaser is the slice of the allocation service the order sweep needs.
type Releaser interface {
	ReleaseForOrder(ctx context.Context, orderRef string) (int, error)
}

// Notifier sends a message to a customer. Optional; nil disables
// cancellation notices.
type Notifier interface {
	Send(ctx context.Context, phone, message string) error
}

// Reconciler owns the sweep loops.
type Reconciler struct {
	orders   *order.Store
	tickets  *ticket.Store
	serials  *serial.Store
	promos   *promo.Store
	releaser Releaser
	notifier Notifier
	audit    *audit.Store
	cfg      *config.Manager
	log      *slog.Logger
	clock    func() time.Time

	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func New(orders *order.Store, tickets *ticket.Store, serials *serial.Store,
	promos *promo.Store, releaser Releaser, auditLog *audit.Store,
	cfg *config.Manager, interval time.Duration, log *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		orders:   orders,
		tickets:  tickets,
		serials:  serials,
		promos:   promos,
		releaser: releaser,
		audit:    auditLog,
		cfg:      cfg,
		log:      log.With("component", "reconciler"),
		clock:    time.Now,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// WithClock overrides the clock for testing.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// WithNotifier enables cancellation notices to customers.
func (r *Reconciler) WithNotifier(n Notifier) *Reconciler {
	r.notifier = n
	return r
}

// Start launches the sweep loop. The first pass runs immediately.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx := context.Background()
		r.RunOnce(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.RunOnce(ctx)
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (r *Reconciler) Stop() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// RunOnce executes both sweeps a single time.
func (r *Reconciler) RunOnce(ctx context.Context) {
	if err := r.SweepStaleOrders(ctx); err != nil {
		r.log.Error("order sweep failed", "error", err)
	}
	if err := r.SweepIdleTickets(ctx); err != nil {
		r.log.Error("ticket sweep failed", "error", err)
	}
}

// SweepStaleOrders cancels unpaid orders older than the configured
// window and releases everything they held. An order whose status moved
// between listing and update is skipped.
func (r *Reconciler) SweepStaleOrders(ctx context.Context) error {
	snap := r.cfg.Snapshot()
	cutoff := r.clock().Add(-time.Duration(snap.OrderAutoCancelHours) * time.Hour)

	for _, status := range []order.Status{order.StatusPendingPayment, order.StatusNeedResubmit} {
		stale, err := r.orders.ListStale(ctx, status, cutoff, sweepBatchSize)
		if err != nil {
			return err
		}
		for _, o := range stale {
			moved, err := r.orders.TransitionStatus(ctx, o.OrderNo,
				[]order.Status{status}, order.StatusCancelled, autoCancelRemark)
			if err != nil {
				r.log.Error("auto-cancel failed", "order", o.OrderNo, "error", err)
				continue
			}
			if !moved {
				continue
			}
			r.cascadeCancel(ctx, &o)
			r.log.Info("order auto-cancelled", "order", o.OrderNo, "was", status)
		}
	}
	return nil
}

// cascadeCancel releases everything a cancelled order held. Each step is
// independent; one failing does not block the rest.
func (r *Reconciler) cascadeCancel(ctx context.Context, o *order.Order) {
	released := 0
	if n, err := r.releaser.ReleaseForOrder(ctx, o.OrderNo); err != nil {
		r.log.Error("cascade release failed", "order", o.OrderNo, "error", err)
	} else {
		released = n
	}
	serials := 0
	if n, err := r.serials.DeleteByOrder(ctx, o.OrderNo); err != nil {
		r.log.Error("cascade serial delete failed", "order", o.OrderNo, "error", err)
	} else {
		serials = n
	}
	if o.PromoCodeID != nil {
		if _, err := r.promos.ReleaseReserve(ctx, *o.PromoCodeID, o.OrderNo); err != nil {
			r.log.Error("cascade promo release failed", "order", o.OrderNo, "error", err)
		}
	}
	if r.audit != nil {
		_ = r.audit.Record(ctx, "system", "order.auto_cancelled", o.OrderNo, map[string]any{
			"released_items": released, "deleted_serials": serials,
		})
	}
	if r.notifier != nil && o.ReceiverPhone != "" {
		message := fmt.Sprintf("Your order %s was cancelled because payment was not received in time.", o.OrderNo)
		if err := r.notifier.Send(ctx, o.ReceiverPhone, message); err != nil {
			r.log.Warn("cancellation notice failed", "order", o.OrderNo, "error", err)
		}
	}
}

// SweepIdleTickets closes tickets with no activity past the configured
// window, leaving a localized system message for the user.
func (r *Reconciler) SweepIdleTickets(ctx context.Context) error {
	snap := r.cfg.Snapshot()
	cutoff := r.clock().Add(-time.Duration(snap.TicketAutoCloseHours) * time.Hour)

	idle, err := r.tickets.ListInactive(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return err
	}
	for _, t := range idle {
		message := autoCloseMessage(r.tickets.UserLocale(ctx, &t), snap.TicketAutoCloseHours)
		closed, err := r.tickets.CloseWithSystemMessage(ctx, t.ID, message)
		if err != nil {
			r.log.Error("auto-close failed", "ticket", t.ID, "error", err)
			continue
		}
		if !closed {
			continue
		}
		if r.audit != nil {
			_ = r.audit.Record(ctx, "system", "ticket.auto_closed", t.ID, nil)
		}
		r.log.Info("ticket auto-closed", "ticket", t.TicketNo)
	}
	return nil
}
