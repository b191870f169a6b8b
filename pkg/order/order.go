// Package order is the narrow seam to the order subsystem. The
// fulfillment core reads orders and drives status transitions through a
// compare-and-swap primitive; everything else about orders is owned
// elsewhere.
package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the externally owned order lifecycle state.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusPendingPayment Status = "pending_payment"
	StatusNeedResubmit   Status = "need_resubmit"
	StatusProcessing     Status = "processing"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// ErrNotFound is returned when an order or user does not exist.
var ErrNotFound = errors.New("order not found")

// Item is one order line.
type Item struct {
	SKU      string `json:"sku"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	PoolID   string `json:"pool_id,omitempty"`
}

// Order is the read model the fulfillment core works against.
type Order struct {
	ID             string
	OrderNo        string
	UserID         *string
	Status         Status
	Items          []Item
	TotalAmount    float64
	DiscountAmount float64
	Currency       string
	PromoCodeID    *string
	Remark         string
	AdminRemark    string
	ReceiverName   string
	ReceiverPhone  string
	ReceiverAddr   string
	UserEmail      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// User is the purchaser's public profile.
type User struct {
	ID     string
	Name   string
	Email  string
	Locale string
}

// Store provides order reads and conditional status transitions.
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
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	order_no TEXT UNIQUE NOT NULL,
	user_id TEXT,
	status TEXT NOT NULL,
	items TEXT NOT NULL,
	total_amount REAL NOT NULL DEFAULT 0,
	discount_amount REAL NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT 'USD',
	promo_code_id TEXT,
	remark TEXT NOT NULL DEFAULT '',
	admin_remark TEXT NOT NULL DEFAULT '',
	receiver_name TEXT NOT NULL DEFAULT '',
	receiver_phone TEXT NOT NULL DEFAULT '',
	receiver_addr TEXT NOT NULL DEFAULT '',
	user_email TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	locale TEXT NOT NULL DEFAULT ''
);
`

func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const orderColumns = `id, order_no, user_id, status, items, total_amount, discount_amount,
	currency, promo_code_id, remark, admin_remark, receiver_name, receiver_phone,
	receiver_addr, user_email, created_at, updated_at, completed_at`

// Create inserts an order. Used by fixtures and the order-creation seam.
func (s *Store) Create(ctx context.Context, o *Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode order items: %w", err)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.clock()
	}
	o.UpdatedAt = o.CreatedAt

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		o.ID, o.OrderNo, o.UserID, o.Status, string(items), o.TotalAmount, o.DiscountAmount,
		o.Currency, o.PromoCodeID, o.Remark, o.AdminRemark, o.ReceiverName, o.ReceiverPhone,
		o.ReceiverAddr, o.UserEmail, o.CreatedAt, o.UpdatedAt, o.CompletedAt,
	)
	return err
}

// GetByNo loads an order by its order number.
func (s *Store) GetByNo(ctx context.Context, orderNo string) (*Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_no = $1`, orderNo)
	return scanOrder(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var items string
	err := row.Scan(&o.ID, &o.OrderNo, &o.UserID, &o.Status, &items, &o.TotalAmount,
		&o.DiscountAmount, &o.Currency, &o.PromoCodeID, &o.Remark, &o.AdminRemark,
		&o.ReceiverName, &o.ReceiverPhone, &o.ReceiverAddr, &o.UserEmail,
		&o.CreatedAt, &o.UpdatedAt, &o.CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("decode order items: %w", err)
	}
	return &o, nil
}

// TransitionStatus moves an order to a new status only if its current
// status is in the expected set. Returns false when another path already
// moved it; callers treat that as a benign no-op.
func (s *Store) TransitionStatus(ctx context.Context, orderNo string, from []Status, to Status, adminRemark string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("empty expected-status set")
	}
	placeholders := make([]string, len(from))
	args := []any{to, s.clock()}
	if adminRemark != "" {
		args = append(args, adminRemark)
	}
	args = append(args, orderNo)
	base := len(args)
	for i, st := range from {
		placeholders[i] = fmt.Sprintf("$%d", base+i+1)
		args = append(args, st)
	}

	set := "status = $1, updated_at = $2"
	whereStart := 3
	if adminRemark != "" {
		set += ", admin_remark = $3"
		whereStart = 4
	}

	query := fmt.Sprintf(
		"UPDATE orders SET %s WHERE order_no = $%d AND status IN (%s)",
		set, whereStart, strings.Join(placeholders, ", "),
	)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListStale returns up to limit orders in the given status created before
// the cutoff, oldest first.
func (s *Store) ListStale(ctx context.Context, status Status, cutoff time.Time, limit int) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at LIMIT $3`,
		status, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

// CreateUser inserts a user profile. Used by fixtures and the account seam.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, locale) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Name, u.Email, u.Locale)
	return err
}

// GetUser loads a user's public profile.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, locale FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Locale)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}
