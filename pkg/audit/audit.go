// Package audit records operator-visible actions taken by the
// fulfillment core: deliveries, releases, sweep decisions. Entries are
// append-only.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entry is one recorded action.
type Entry struct {
	ID        string
	Actor     string // "system" for background sweeps
	Action    string
	Subject   string // order number, pool id, ticket id
	Detail    map[string]any
	CreatedAt time.Time
}

// Store owns the audit_log table.
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
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	subject TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_log (subject);
`

func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Record appends one entry. Detail may be nil.
func (s *Store) Record(ctx context.Context, actor, action, subject string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	encoded, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, subject, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), actor, action, subject, string(encoded), s.clock())
	return err
}

// BySubject returns the entries recorded for one subject, oldest first.
func (s *Store) BySubject(ctx context.Context, subject string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, subject, detail, created_at
		FROM audit_log WHERE subject = $1 ORDER BY created_at, id`, subject)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Entry
	for rows.Next() {
		var e Entry
		var detail string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Subject, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
