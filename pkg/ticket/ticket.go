// Package ticket is the seam to the support-ticket subsystem used by the
// idle-ticket sweep: list stale tickets, then close each one atomically
// together with its system message and unread counter bump.
package ticket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the ticket lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusProcessing Status = "processing"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// ActiveStatuses are the states the auto-close sweep may close from.
var ActiveStatuses = []Status{StatusOpen, StatusProcessing, StatusResolved}

// Ticket is a support conversation.
type Ticket struct {
	ID              string
	TicketNo        string
	UserID          *string
	Status          Status
	UnreadCountUser int
	LastMessageAt   *time.Time
	ClosedAt        *time.Time
	CreatedAt       time.Time
}

// Message is one entry in a ticket conversation.
type Message struct {
	ID         string
	TicketID   string
	SenderType string // "user" | "admin"
	SenderName string
	Content    string
	CreatedAt  time.Time
}

// Store manages tickets and their messages.
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
CREATE TABLE IF NOT EXISTS tickets (
	id TEXT PRIMARY KEY,
	ticket_no TEXT UNIQUE NOT NULL,
	user_id TEXT,
	status TEXT NOT NULL,
	unread_count_user INTEGER NOT NULL DEFAULT 0,
	last_message_at TIMESTAMP,
	last_message_preview TEXT NOT NULL DEFAULT '',
	last_message_by TEXT NOT NULL DEFAULT '',
	closed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS ticket_messages (
	id TEXT PRIMARY KEY,
	ticket_id TEXT NOT NULL,
	sender_type TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ticket_messages_ticket ON ticket_messages (ticket_id);
`

func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create inserts a ticket. Used by fixtures and the support seam.
func (s *Store) Create(ctx context.Context, t *Ticket) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (id, ticket_no, user_id, status, unread_count_user, last_message_at, closed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.TicketNo, t.UserID, t.Status, t.UnreadCountUser, t.LastMessageAt, t.ClosedAt, t.CreatedAt)
	return err
}

// Get loads a ticket by id.
func (s *Store) Get(ctx context.Context, id string) (*Ticket, error) {
	var t Ticket
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ticket_no, user_id, status, unread_count_user, last_message_at, closed_at, created_at
		FROM tickets WHERE id = $1`, id).
		Scan(&t.ID, &t.TicketNo, &t.UserID, &t.Status, &t.UnreadCountUser,
			&t.LastMessageAt, &t.ClosedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("ticket not found")
		}
		return nil, err
	}
	return &t, nil
}

// ListInactive returns up to limit tickets in an active status whose last
// message is older than the cutoff.
func (s *Store) ListInactive(ctx context.Context, cutoff time.Time, limit int) ([]Ticket, error) {
	placeholders := make([]string, len(ActiveStatuses))
	args := []any{cutoff}
	for i, st := range ActiveStatuses {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, st)
	}
	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT id, ticket_no, user_id, status, unread_count_user, last_message_at, closed_at, created_at
		FROM tickets
		WHERE last_message_at IS NOT NULL AND last_message_at < $1 AND status IN (%s)
		ORDER BY last_message_at LIMIT $%d`, strings.Join(placeholders, ", "), len(ActiveStatuses)+2)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Ticket
	for rows.Next() {
		var t Ticket
		if err := rows.Scan(&t.ID, &t.TicketNo, &t.UserID, &t.Status, &t.UnreadCountUser,
			&t.LastMessageAt, &t.ClosedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// CloseWithSystemMessage closes a ticket, appends the system message and
// bumps the user's unread counter, all in one transaction. Returns false
// when the ticket already left the active set (benign, skip).
func (s *Store) CloseWithSystemMessage(ctx context.Context, ticketID, message string) (bool, error) {
	now := s.clock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(ActiveStatuses))
	args := []any{StatusClosed, now, ticketID}
	for i, st := range ActiveStatuses {
		placeholders[i] = fmt.Sprintf("$%d", i+4)
		args = append(args, st)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE tickets SET status = $1, closed_at = $2 WHERE id = $3 AND status IN (%s)`,
		strings.Join(placeholders, ", ")), args...)
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ticket_messages (id, ticket_id, sender_type, sender_name, content, created_at)
		VALUES ($1, $2, 'admin', 'System', $3, $4)`,
		uuid.NewString(), ticketID, message, now)
	if err != nil {
		return false, err
	}

	preview := message
	if len(preview) > 200 {
		preview = preview[:200]
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tickets SET unread_count_user = unread_count_user + 1,
			last_message_at = $1, last_message_preview = $2, last_message_by = 'admin'
		WHERE id = $3`,
		now, preview, ticketID)
	if err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// UserLocale returns the locale of the ticket owner, empty when unknown.
func (s *Store) UserLocale(ctx context.Context, t *Ticket) string {
	if t.UserID == nil {
		return ""
	}
	var locale string
	err := s.db.QueryRowContext(ctx,
		`SELECT locale FROM users WHERE id = $1`, *t.UserID).Scan(&locale)
	if err != nil {
		return ""
	}
	return locale
}
