package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ReputationRow is the persisted score of a local or remote agent.
type ReputationRow struct {
	Address          string
	Score            int
	MessagesSent     int64
	MessagesRejected int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// GetReputation fetches an agent's persisted score.
func (s *Store) GetReputation(ctx context.Context, address string) (*ReputationRow, error) {
	var (
		r                ReputationRow
		created, updated timeCol
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT address, score, messages_sent, messages_rejected, created_at, updated_at
		 FROM reputation WHERE address = ?`), address).
		Scan(&r.Address, &r.Score, &r.MessagesSent, &r.MessagesRejected, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reputation: %w", err)
	}
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

// UpsertReputation writes an agent's score and counters.
func (s *Store) UpsertReputation(ctx context.Context, r *ReputationRow) error {
	now := fmtTime(time.Now().UTC())
	_, err := s.exec(ctx, "upsert_reputation",
		`INSERT INTO reputation (address, score, messages_sent, messages_rejected, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (address)
		 DO UPDATE SET score = excluded.score, messages_sent = excluded.messages_sent,
		               messages_rejected = excluded.messages_rejected, updated_at = excluded.updated_at`,
		r.Address, r.Score, r.MessagesSent, r.MessagesRejected, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert reputation: %w", err)
	}
	return nil
}

// RelayReputationRow is the persisted standing of a peer relay.
type RelayReputationRow struct {
	Domain            string
	Score             int
	MessagesForwarded int64
	MessagesRejected  int64
	LastSuccess       time.Time
	LastFailure       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// GetRelayReputation fetches a peer relay's persisted standing.
func (s *Store) GetRelayReputation(ctx context.Context, domain string) (*RelayReputationRow, error) {
	var (
		r                                      RelayReputationRow
		lastSuccess, lastFailure, created, upd timeCol
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT domain, score, messages_forwarded, messages_rejected, last_success, last_failure, created_at, updated_at
		 FROM relay_reputation WHERE domain = ?`), domain).
		Scan(&r.Domain, &r.Score, &r.MessagesForwarded, &r.MessagesRejected, &lastSuccess, &lastFailure, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relay reputation: %w", err)
	}
	r.LastSuccess = parseTime(lastSuccess)
	r.LastFailure = parseTime(lastFailure)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(upd)
	return &r, nil
}

// UpsertRelayReputation writes a peer relay's standing.
func (s *Store) UpsertRelayReputation(ctx context.Context, r *RelayReputationRow) error {
	now := fmtTime(time.Now().UTC())
	_, err := s.exec(ctx, "upsert_relay_reputation",
		`INSERT INTO relay_reputation (domain, score, messages_forwarded, messages_rejected, last_success, last_failure, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (domain)
		 DO UPDATE SET score = excluded.score, messages_forwarded = excluded.messages_forwarded,
		               messages_rejected = excluded.messages_rejected, last_success = excluded.last_success,
		               last_failure = excluded.last_failure, updated_at = excluded.updated_at`,
		r.Domain, r.Score, r.MessagesForwarded, r.MessagesRejected,
		fmtTime(r.LastSuccess), fmtTime(r.LastFailure), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert relay reputation: %w", err)
	}
	return nil
}
