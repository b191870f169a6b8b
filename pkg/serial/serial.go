// Package serial is the narrow seam to serial numbers issued for an
// order. The fulfillment core only deletes them when an order is
// cancelled.
package serial

import (
	"context"
	"database/sql"
	"time"
)

// Store manages serial number rows.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS serials (
	id TEXT PRIMARY KEY,
	order_ref TEXT NOT NULL,
	serial_no TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_serials_order ON serials (order_ref);
`

func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create inserts a serial number for an order.
func (s *Store) Create(ctx context.Context, id, orderRef, serialNo string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO serials (id, order_ref, serial_no, created_at) VALUES ($1, $2, $3, $4)`,
		id, orderRef, serialNo, time.Now())
	return err
}

// DeleteByOrder removes every serial issued for an order.
func (s *Store) DeleteByOrder(ctx context.Context, orderRef string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM serials WHERE order_ref = $1`, orderRef)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountByOrder reports how many serials an order holds.
func (s *Store) CountByOrder(ctx context.Context, orderRef string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM serials WHERE order_ref = $1`, orderRef).Scan(&n)
	return n, err
}
