// Package ledger is the sole authority over stock item state. Every
// transition is a conditional UPDATE so that concurrent callers contending
// for the same item see exactly one winner; callers treat zero affected
// rows as "already handled" rather than failure.
//
// Status flow: available -> reserved -> sold, with the single backward
// edge reserved -> available (release). sold and invalid are terminal;
// invalid is reachable only from available.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/auralogic/fulfillment/pkg/pool"
)

// Status is a stock item's lifecycle state.
type Status string

const (
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
	StatusSold      Status = "sold"
	StatusInvalid   Status = "invalid"
)

var (
	// ErrInsufficientStock is returned when a reservation asks for more
	// items than the pool has available. No partial reservation is made.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrNotAvailable is returned when invalidating an item that is not
	// in the available state.
	ErrNotAvailable = errors.New("stock item is not available")
	// ErrNotFound is returned when a stock item does not exist.
	ErrNotFound = errors.New("stock item not found")
)

// Item is one discrete fulfillable unit.
type Item struct {
	ID          string
	PoolID      string
	PoolKind    pool.Kind // populated on joined reads, empty otherwise
	Content     string
	Remark      string
	Status      Status
	OrderRef    *string
	BatchID     string
	DeliveredAt *time.Time
	DeliveredBy string
	CreatedAt   time.Time
}

// Content is the payload for a newly delivered item.
type Content struct {
	Content string
	Remark  string
}

// Store owns the stock_items table.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS stock_items (
	id TEXT PRIMARY KEY,
	pool_id TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	remark TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	order_ref TEXT,
	batch_id TEXT NOT NULL DEFAULT '',
	delivered_at TIMESTAMP,
	delivered_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stock_pool_status ON stock_items (pool_id, status);
CREATE INDEX IF NOT EXISTS idx_stock_order ON stock_items (order_ref);
`

func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Add inserts a single available item.
func (s *Store) Add(ctx context.Context, poolID, content, remark string) (*Item, error) {
	item := &Item{
		ID:        uuid.NewString(),
		PoolID:    poolID,
		Content:   content,
		Remark:    remark,
		Status:    StatusAvailable,
		CreatedAt: s.clock(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_items (id, pool_id, content, remark, status, batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, '', $6)`,
		item.ID, item.PoolID, item.Content, item.Remark, item.Status, item.CreatedAt)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// BulkImport inserts a batch of available items sharing one batch tag so
// an import can be audited as a group. Blank lines are skipped.
func (s *Store) BulkImport(ctx context.Context, poolID string, contents []string, remark string) (string, int, error) {
	batchID := uuid.NewString()
	now := s.clock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, content := range contents {
		if strings.TrimSpace(content) == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stock_items (id, pool_id, content, remark, status, batch_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), poolID, content, remark, StatusAvailable, batchID, now)
		if err != nil {
			return "", 0, err
		}
		inserted++
	}
	if inserted == 0 {
		return "", 0, errors.New("empty import batch")
	}
	if err := tx.Commit(); err != nil {
		return "", 0, err
	}
	return batchID, inserted, nil
}

// Reserve atomically takes quantity available items from the pool, oldest
// first, and holds them for the order. All or nothing: if fewer than
// quantity are available, nothing is reserved.
func (s *Store) Reserve(ctx context.Context, poolID string, quantity int, orderRef string) ([]Item, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid reserve quantity %d", quantity)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, content, remark, batch_id, created_at FROM stock_items
		WHERE pool_id = $1 AND status = $2
		ORDER BY created_at, id LIMIT $3`,
		poolID, StatusAvailable, quantity)
	if err != nil {
		return nil, err
	}
	var items []Item
	for rows.Next() {
		item := Item{PoolID: poolID, Status: StatusReserved, OrderRef: &orderRef}
		if err := rows.Scan(&item.ID, &item.Content, &item.Remark, &item.BatchID, &item.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(items) < quantity {
		return nil, ErrInsufficientStock
	}

	placeholders := make([]string, len(items))
	args := []any{StatusReserved, orderRef, StatusAvailable}
	for i, item := range items {
		placeholders[i] = fmt.Sprintf("$%d", i+4)
		args = append(args, item.ID)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE stock_items SET status = $1, order_ref = $2
		 WHERE status = $3 AND id IN (%s)`, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if int(n) != quantity {
		// A concurrent reservation won some of the selected rows.
		return nil, ErrInsufficientStock
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

// Deliver finalizes pre-reserved items as sold under the given order and
// bumps each pool's sold counter. Items that already left the reserved
// state are skipped, so re-running a delivery is safe. Returns the number
// of items newly sold.
func (s *Store) Deliver(ctx context.Context, ids []string, orderRef, actor string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.clock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	soldPerPool := make(map[string]int)
	total := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE stock_items SET status = $1, delivered_at = $2, delivered_by = $3
			WHERE id = $4 AND status = $5 AND order_ref = $6`,
			StatusSold, now, actor, id, StatusReserved, orderRef)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			continue
		}
		var poolID string
		if err := tx.QueryRowContext(ctx,
			`SELECT pool_id FROM stock_items WHERE id = $1`, id).Scan(&poolID); err != nil {
			return 0, err
		}
		soldPerPool[poolID]++
		total++
	}

	for poolID, n := range soldPerPool {
		if err := bumpSoldCount(ctx, tx, poolID, n, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// DeliverWithContent finalizes one reserved placeholder as sold, writing
// the script-produced content into it. Returns false when the item
// already left the reserved state.
func (s *Store) DeliverWithContent(ctx context.Context, id string, c Content, orderRef, actor string) (bool, error) {
	now := s.clock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE stock_items SET status = $1, content = $2, remark = $3, delivered_at = $4, delivered_by = $5
		WHERE id = $6 AND status = $7 AND order_ref = $8`,
		StatusSold, c.Content, c.Remark, now, actor, id, StatusReserved, orderRef)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	var poolID string
	if err := tx.QueryRowContext(ctx,
		`SELECT pool_id FROM stock_items WHERE id = $1`, id).Scan(&poolID); err != nil {
		return false, err
	}
	if err := bumpSoldCount(ctx, tx, poolID, 1, now); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// CreateSold inserts script-produced items directly in the sold state,
// bypassing available/reserved. The pool's sold counter is bumped in the
// same transaction with the total limit enforced in the UPDATE predicate;
// on breach nothing is inserted and pool.ErrLimitExceeded is returned.
func (s *Store) CreateSold(ctx context.Context, poolID string, contents []Content, orderRef, actor string) ([]Item, error) {
	if len(contents) == 0 {
		return nil, errors.New("no content to deliver")
	}
	now := s.clock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := bumpSoldCount(ctx, tx, poolID, len(contents), now); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(contents))
	for _, c := range contents {
		item := Item{
			ID:          uuid.NewString(),
			PoolID:      poolID,
			Content:     c.Content,
			Remark:      c.Remark,
			Status:      StatusSold,
			OrderRef:    &orderRef,
			DeliveredAt: &now,
			DeliveredBy: actor,
			CreatedAt:   now,
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stock_items (id, pool_id, content, remark, status, order_ref, batch_id, delivered_at, delivered_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, '', $7, $8, $9)`,
			item.ID, item.PoolID, item.Content, item.Remark, item.Status,
			orderRef, now, actor, now)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

func bumpSoldCount(ctx context.Context, tx *sql.Tx, poolID string, n int, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE pools SET sold_count = sold_count + $1, updated_at = $2
		WHERE id = $3 AND (total_limit <= 0 OR sold_count + $1 <= total_limit)`,
		n, now, poolID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return pool.ErrLimitExceeded
	}
	return nil
}

// Release returns every item still reserved for the order to the
// available state. Sold and invalid items are untouched. Returns the
// number of items released; zero is a benign no-op.
func (s *Store) Release(ctx context.Context, orderRef string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stock_items SET status = $1, order_ref = NULL
		WHERE order_ref = $2 AND status = $3`,
		StatusAvailable, orderRef, StatusReserved)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Invalidate soft-deletes an item; permitted only from available.
func (s *Store) Invalidate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stock_items SET status = $1 WHERE id = $2 AND status = $3`,
		StatusInvalid, id, StatusAvailable)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotAvailable
	}
	return nil
}

// AvailableCount reports how many items a pool can still reserve.
func (s *Store) AvailableCount(ctx context.Context, poolID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stock_items WHERE pool_id = $1 AND status = $2`,
		poolID, StatusAvailable).Scan(&n)
	return n, err
}

// SoldQuantity reports how many items were sold to the order from a pool.
func (s *Store) SoldQuantity(ctx context.Context, orderRef, poolID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stock_items
		WHERE order_ref = $1 AND pool_id = $2 AND status = $3`,
		orderRef, poolID, StatusSold).Scan(&n)
	return n, err
}

// CountReservedScript counts reserved placeholders held by the order in
// script-kind pools. This is the legacy half of the pending-delivery
// computation; it goes away once no pre-binding orders remain.
func (s *Store) CountReservedScript(ctx context.Context, orderRef string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stock_items si
		JOIN pools p ON p.id = si.pool_id
		WHERE si.order_ref = $1 AND si.status = $2 AND p.kind = $3`,
		orderRef, StatusReserved, pool.KindScript).Scan(&n)
	return n, err
}

// ReservedByOrder returns the order's reserved items joined with their
// pool kind, oldest first.
func (s *Store) ReservedByOrder(ctx context.Context, orderRef string) ([]Item, error) {
	return s.queryJoined(ctx, `
		SELECT si.id, si.pool_id, p.kind, si.content, si.remark, si.status, si.order_ref,
			si.batch_id, si.delivered_at, si.delivered_by, si.created_at
		FROM stock_items si JOIN pools p ON p.id = si.pool_id
		WHERE si.order_ref = $1 AND si.status = $2
		ORDER BY si.created_at, si.id`, orderRef, StatusReserved)
}

// ItemsByOrder returns the order's sold items, the customer-facing view
// of delivered content.
func (s *Store) ItemsByOrder(ctx context.Context, orderRef string) ([]Item, error) {
	return s.queryJoined(ctx, `
		SELECT si.id, si.pool_id, p.kind, si.content, si.remark, si.status, si.order_ref,
			si.batch_id, si.delivered_at, si.delivered_by, si.created_at
		FROM stock_items si JOIN pools p ON p.id = si.pool_id
		WHERE si.order_ref = $1 AND si.status = $2
		ORDER BY si.delivered_at, si.id`, orderRef, StatusSold)
}

// Get loads one item by id.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pool_id, content, remark, status, order_ref, batch_id,
			delivered_at, delivered_by, created_at
		FROM stock_items WHERE id = $1`, id)
	var item Item
	err := row.Scan(&item.ID, &item.PoolID, &item.Content, &item.Remark, &item.Status,
		&item.OrderRef, &item.BatchID, &item.DeliveredAt, &item.DeliveredBy, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) queryJoined(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.PoolID, &item.PoolKind, &item.Content,
			&item.Remark, &item.Status, &item.OrderRef, &item.BatchID,
			&item.DeliveredAt, &item.DeliveredBy, &item.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}
