// Package promo is the narrow seam to promotional codes: the fulfillment
// core only reserves a code against an order and releases that hold on
// cancellation.
package promo

import (
	"context"
	"database/sql"
	"time"
)

// Store manages promo code reservations.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS promo_codes (
	id TEXT PRIMARY KEY,
	code TEXT UNIQUE NOT NULL,
	reserved_by TEXT,
	used_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
`

func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create inserts a promo code. Used by fixtures and the promo admin seam.
func (s *Store) Create(ctx context.Context, id, code string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO promo_codes (id, code, created_at) VALUES ($1, $2, $3)`,
		id, code, time.Now())
	return err
}

// Reserve holds a code for an order; only an unreserved code can be taken.
func (s *Store) Reserve(ctx context.Context, id, orderRef string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE promo_codes SET reserved_by = $1 WHERE id = $2 AND reserved_by IS NULL`,
		orderRef, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseReserve drops the hold if it still belongs to the given order.
// Zero rows means the hold was already released or consumed; not an error.
func (s *Store) ReleaseReserve(ctx context.Context, id, orderRef string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE promo_codes SET reserved_by = NULL WHERE id = $1 AND reserved_by = $2`,
		id, orderRef)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReservedBy reports the order currently holding the code, if any.
func (s *Store) ReservedBy(ctx context.Context, id string) (*string, error) {
	var ref *string
	err := s.db.QueryRowContext(ctx,
		`SELECT reserved_by FROM promo_codes WHERE id = $1`, id).Scan(&ref)
	if err != nil {
		return nil, err
	}
	return ref, nil
}
