package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Contact trust states.
const (
	TrustUnknown = "unknown"
	TrustTrusted = "trusted"
	TrustBlocked = "blocked"
)

// Contact is one edge of an agent's address book.
type Contact struct {
	ID          int64
	Owner       string
	Address     string
	TrustState  string
	ContactCard map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const contactColumns = `id, owner_address, contact_address, trust_state, contact_card, created_at, updated_at`

func scanContact(row scanner) (*Contact, error) {
	var (
		c                Contact
		card             sql.NullString
		created, updated timeCol
	)
	err := row.Scan(&c.ID, &c.Owner, &c.Address, &c.TrustState, &card, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.ContactCard = parseJSON(card)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// UpsertContact records or refreshes an address-book entry. An
// approved handshake writes one edge for each side.
func (s *Store) UpsertContact(ctx context.Context, owner, address, trustState string, card map[string]any) error {
	now := fmtTime(time.Now().UTC())
	_, err := s.exec(ctx, "upsert_contact",
		`INSERT INTO contacts (owner_address, contact_address, trust_state, contact_card, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (owner_address, contact_address)
		 DO UPDATE SET trust_state = excluded.trust_state, contact_card = excluded.contact_card,
		               updated_at = excluded.updated_at, deleted_at = NULL`,
		owner, address, trustState, jsonText(card), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}

// ContactOf returns owner's entry for address, if present.
func (s *Store) ContactOf(ctx context.Context, owner, address string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+contactColumns+` FROM contacts
		 WHERE owner_address = ? AND contact_address = ? AND deleted_at IS NULL`), owner, address)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return c, nil
}

// ContactsOf lists an agent's address book.
func (s *Store) ContactsOf(ctx context.Context, owner string, limit int) ([]*Contact, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+contactColumns+` FROM contacts
		 WHERE owner_address = ? AND deleted_at IS NULL
		 ORDER BY updated_at DESC LIMIT ?`), owner, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RemoveContact soft-deletes an address-book entry.
func (s *Store) RemoveContact(ctx context.Context, owner, address string) error {
	res, err := s.exec(ctx, "remove_contact",
		`UPDATE contacts SET deleted_at = ? WHERE owner_address = ? AND contact_address = ? AND deleted_at IS NULL`,
		fmtTime(time.Now().UTC()), owner, address)
	if err != nil {
		return fmt.Errorf("failed to remove contact: %w", err)
	}
	return requireRow(res, ErrNotFound)
}
