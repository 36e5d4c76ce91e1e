package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Handshake statuses.
const (
	HandshakeStatusPending  = "pending"
	HandshakeStatusApproved = "approved"
	HandshakeStatusDenied   = "denied"
)

// Handshake is an introduction request awaiting the recipient's
// decision.
type Handshake struct {
	ID          int64
	From        string
	To          string
	ContactCard map[string]any
	Status      string
	CreatedAt   time.Time
	ResolvedAt  time.Time
}

const handshakeColumns = `id, from_addr, to_addr, contact_card, status, created_at, resolved_at`

func scanHandshake(row scanner) (*Handshake, error) {
	var (
		h                 Handshake
		card              sql.NullString
		created, resolved timeCol
	)
	err := row.Scan(&h.ID, &h.From, &h.To, &card, &h.Status, &created, &resolved)
	if err != nil {
		return nil, err
	}
	h.ContactCard = parseJSON(card)
	h.CreatedAt = parseTime(created)
	h.ResolvedAt = parseTime(resolved)
	return &h, nil
}

// CreateHandshake records a pending introduction from one agent to
// another and returns it with its assigned ID.
func (s *Store) CreateHandshake(ctx context.Context, from, to string, card map[string]any) (*Handshake, error) {
	now := time.Now().UTC()
	var id int64
	err := withRetry(ctx, s.logger, "create_handshake", func() error {
		return s.db.QueryRowContext(ctx, s.rebind(
			`INSERT INTO handshakes (from_addr, to_addr, contact_card, status, created_at)
			 VALUES (?, ?, ?, 'pending', ?) RETURNING id`),
			from, to, jsonText(card), fmtTime(now)).Scan(&id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake: %w", err)
	}
	return &Handshake{
		ID:          id,
		From:        from,
		To:          to,
		ContactCard: card,
		Status:      HandshakeStatusPending,
		CreatedAt:   now,
	}, nil
}

// HandshakeByID fetches one handshake.
func (s *Store) HandshakeByID(ctx context.Context, id int64) (*Handshake, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+handshakeColumns+` FROM handshakes WHERE id = ? AND deleted_at IS NULL`), id)
	h, err := scanHandshake(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHandshakeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get handshake: %w", err)
	}
	return h, nil
}

// PendingHandshake returns the open introduction between two agents,
// if any. Used to block duplicate requests.
func (s *Store) PendingHandshake(ctx context.Context, from, to string) (*Handshake, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+handshakeColumns+` FROM handshakes
		 WHERE from_addr = ? AND to_addr = ? AND status = 'pending' AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`), from, to)
	h, err := scanHandshake(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHandshakeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending handshake: %w", err)
	}
	return h, nil
}

// PendingHandshakesFor lists open introductions addressed to an agent,
// newest first.
func (s *Store) PendingHandshakesFor(ctx context.Context, to string, limit int) ([]*Handshake, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+handshakeColumns+` FROM handshakes
		 WHERE to_addr = ? AND status = 'pending' AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT ?`), to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list handshakes: %w", err)
	}
	defer rows.Close()

	var out []*Handshake
	for rows.Next() {
		h, err := scanHandshake(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan handshake: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ResolveHandshake moves a pending handshake to approved or rejected.
// Resolving an already-resolved handshake returns ErrHandshakeNotFound
// so callers can distinguish the conflict by re-reading.
func (s *Store) ResolveHandshake(ctx context.Context, id int64, status string) error {
	res, err := s.exec(ctx, "resolve_handshake",
		`UPDATE handshakes SET status = ?, resolved_at = ? WHERE id = ? AND status = 'pending' AND deleted_at IS NULL`,
		status, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to resolve handshake: %w", err)
	}
	return requireRow(res, ErrHandshakeNotFound)
}
