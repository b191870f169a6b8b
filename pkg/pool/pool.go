// Package pool manages inventory pools: named sources of digital
// fulfillment, either pre-stocked (static) or computed on demand by an
// operator script.
package pool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind distinguishes how a pool fulfills orders.
type Kind string

const (
	KindStatic Kind = "static" // pre-stocked items
	KindScript Kind = "script" // items synthesized at delivery time
)

var (
	// ErrNotFound is returned when a pool does not exist.
	ErrNotFound = errors.New("pool not found")
	// ErrLimitExceeded is returned when a delivery would push the pool's
	// cumulative sold count past its configured total limit.
	ErrLimitExceeded = errors.New("pool total delivery limit exceeded")
	// ErrPoolInUse is returned when deleting a pool that still backs
	// undelivered orders.
	ErrPoolInUse = errors.New("pool has undelivered reservations or bindings")
)

// Pool is a named source of fulfillable inventory.
type Pool struct {
	ID           string
	Kind         Kind
	Name         string
	SKU          string
	Script       string // delivery script source, script kind only
	ScriptConfig string // JSON object handed to the script read-only
	TotalLimit   int64  // 0 means unlimited
	SoldCount    int64
	AutoDelivery bool
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store owns the pools table.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

const schema = `
CREATE TABLE IF NOT EXISTS pools (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	sku TEXT UNIQUE NOT NULL,
	script TEXT NOT NULL DEFAULT '',
	script_config TEXT NOT NULL DEFAULT '',
	total_limit INTEGER NOT NULL DEFAULT 0,
	sold_count INTEGER NOT NULL DEFAULT 0,
	auto_delivery INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create inserts a pool.
func (s *Store) Create(ctx context.Context, p *Pool) error {
	if p.Kind != KindStatic && p.Kind != KindScript {
		return fmt.Errorf("invalid pool kind %q", p.Kind)
	}
	now := s.clock()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pools (id, kind, name, sku, script, script_config, total_limit,
			sold_count, auto_delivery, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.Kind, p.Name, p.SKU, p.Script, p.ScriptConfig, p.TotalLimit,
		p.SoldCount, p.AutoDelivery, p.Active, p.CreatedAt, p.UpdatedAt)
	return err
}

// Get loads a pool by id.
func (s *Store) Get(ctx context.Context, id string) (*Pool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, sku, script, script_config, total_limit,
			sold_count, auto_delivery, active, created_at, updated_at
		FROM pools WHERE id = $1`, id)
	var p Pool
	err := row.Scan(&p.ID, &p.Kind, &p.Name, &p.SKU, &p.Script, &p.ScriptConfig,
		&p.TotalLimit, &p.SoldCount, &p.AutoDelivery, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// UpdateScript replaces the delivery script and its configuration.
func (s *Store) UpdateScript(ctx context.Context, id, script, scriptConfig string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pools SET script = $1, script_config = $2, updated_at = $3 WHERE id = $4`,
		script, scriptConfig, s.clock(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a pool unless stock is still reserved for it or an
// undelivered binding references it.
func (s *Store) Delete(ctx context.Context, id string) error {
	var held int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM stock_items WHERE pool_id = $1 AND status = 'reserved')
		     + (SELECT COUNT(*) FROM bindings WHERE pool_id = $1)`, id).Scan(&held)
	if err != nil {
		return err
	}
	if held > 0 {
		return ErrPoolInUse
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pools WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ParseConfig decodes a pool's script configuration JSON. A broken config
// degrades to an empty map so a delivery attempt can still run and let the
// script handle missing keys.
func ParseConfig(raw string) map[string]any {
	cfg := make(map[string]any)
	if raw == "" {
		return cfg
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return make(map[string]any)
	}
	return cfg
}
