// Package binding records, at order creation time, which inventory pool
// each order line draws from and how many units it wants. Bindings are
// the durable source of truth for what an order is still owed; without
// them that can only be inferred from reserved placeholders, which script
// deliveries do not leave behind.
package binding

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Binding ties one order line to the pool that fulfills it.
type Binding struct {
	ID        string
	OrderRef  string
	PoolID    string
	SKU       string
	Quantity  int
	CreatedAt time.Time
}

// Store owns the bindings table.
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
CREATE TABLE IF NOT EXISTS bindings (
	id TEXT PRIMARY KEY,
	order_ref TEXT NOT NULL,
	pool_id TEXT NOT NULL,
	sku TEXT NOT NULL DEFAULT '',
	quantity INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bindings_order ON bindings (order_ref);
CREATE INDEX IF NOT EXISTS idx_bindings_pool ON bindings (pool_id);
`

func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Bind records that an order line draws quantity units from a pool.
func (s *Store) Bind(ctx context.Context, orderRef, poolID, sku string, quantity int) (*Binding, error) {
	b := &Binding{
		ID:        uuid.NewString(),
		OrderRef:  orderRef,
		PoolID:    poolID,
		SKU:       sku,
		Quantity:  quantity,
		CreatedAt: s.clock(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bindings (id, order_ref, pool_id, sku, quantity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.OrderRef, b.PoolID, b.SKU, b.Quantity, b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ByOrder returns the order's bindings in creation order.
func (s *Store) ByOrder(ctx context.Context, orderRef string) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_ref, pool_id, sku, quantity, created_at
		FROM bindings WHERE order_ref = $1 ORDER BY created_at, id`, orderRef)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.ID, &b.OrderRef, &b.PoolID, &b.SKU, &b.Quantity, &b.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// BoundQuantity sums the units the order is bound for per pool.
func (s *Store) BoundQuantity(ctx context.Context, orderRef string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool_id, SUM(quantity) FROM bindings
		WHERE order_ref = $1 GROUP BY pool_id`, orderRef)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]int)
	for rows.Next() {
		var poolID string
		var qty int
		if err := rows.Scan(&poolID, &qty); err != nil {
			return nil, err
		}
		result[poolID] = qty
	}
	return result, rows.Err()
}

// OutstandingForPool sums the units bound against the pool that have not
// been delivered yet: everything bound minus what those orders already
// have sold from the pool. Capacity checks count this against the pool's
// total limit alongside the sold counter.
func (s *Store) OutstandingForPool(ctx context.Context, poolID string) (int, error) {
	var bound int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM bindings WHERE pool_id = $1`, poolID).Scan(&bound)
	if err != nil {
		return 0, err
	}
	var sold int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stock_items
		WHERE pool_id = $1 AND status = 'sold'
		AND order_ref IN (SELECT order_ref FROM bindings WHERE pool_id = $1)`, poolID).Scan(&sold)
	if err != nil {
		return 0, err
	}
	if out := bound - sold; out > 0 {
		return out, nil
	}
	return 0, nil
}

// DeleteByOrder removes the order's bindings. Used when an order is
// cancelled and its claim on inventory goes away.
func (s *Store) DeleteByOrder(ctx context.Context, orderRef string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE order_ref = $1`, orderRef)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
