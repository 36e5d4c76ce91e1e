package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ThreadRead is a per-agent read marker within a conversation thread.
type ThreadRead struct {
	Address           string
	ThreadID          string
	LastReadMessageID string
	UpdatedAt         time.Time
}

// UpsertThreadRead advances an agent's read marker for a thread.
func (s *Store) UpsertThreadRead(ctx context.Context, address, threadID, lastReadMessageID string) error {
	now := fmtTime(time.Now().UTC())
	_, err := s.exec(ctx, "upsert_thread_read",
		`INSERT INTO thread_reads (address, thread_id, last_read_message_id, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (address, thread_id)
		 DO UPDATE SET last_read_message_id = excluded.last_read_message_id, updated_at = excluded.updated_at`,
		address, threadID, lastReadMessageID, now)
	if err != nil {
		return fmt.Errorf("failed to upsert thread read: %w", err)
	}
	return nil
}

// ThreadReadFor returns an agent's read marker for a thread.
func (s *Store) ThreadReadFor(ctx context.Context, address, threadID string) (*ThreadRead, error) {
	var (
		tr      ThreadRead
		updated timeCol
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT address, thread_id, last_read_message_id, updated_at FROM thread_reads
		 WHERE address = ? AND thread_id = ?`), address, threadID).
		Scan(&tr.Address, &tr.ThreadID, &tr.LastReadMessageID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread read: %w", err)
	}
	tr.UpdatedAt = parseTime(updated)
	return &tr, nil
}
