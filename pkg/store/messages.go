package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StoredMessage is a queued or delivered envelope held for a local
// recipient.
type StoredMessage struct {
	ID          int64
	MessageID   string
	From        string
	To          string
	ThreadID    string
	Envelope    map[string]any
	Status      string
	RetryCount  int
	CreatedAt   time.Time
	DeliveredAt time.Time
	ExpiresAt   time.Time
}

const messageColumns = `id, message_id, from_addr, to_addr, thread_id, envelope, status,
	retry_count, created_at, delivered_at, expires_at`

func scanMessage(row scanner) (*StoredMessage, error) {
	var (
		m                           StoredMessage
		threadID, envelope          sql.NullString
		created, delivered, expires timeCol
	)
	err := row.Scan(&m.ID, &m.MessageID, &m.From, &m.To, &threadID, &envelope, &m.Status,
		&m.RetryCount, &created, &delivered, &expires)
	if err != nil {
		return nil, err
	}
	m.ThreadID = threadID.String
	m.Envelope = parseJSON(envelope)
	m.CreatedAt = parseTime(created)
	m.DeliveredAt = parseTime(delivered)
	m.ExpiresAt = parseTime(expires)
	return &m, nil
}

// EnqueueMessage stores an envelope for later pickup.
func (s *Store) EnqueueMessage(ctx context.Context, m *StoredMessage) error {
	var threadID any
	if m.ThreadID != "" {
		threadID = m.ThreadID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, "enqueue_message",
		`INSERT INTO messages (message_id, from_addr, to_addr, thread_id, envelope, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		m.MessageID, m.From, m.To, threadID, jsonText(m.Envelope), fmtTime(m.CreatedAt), fmtTime(m.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// MarkMessageDelivered flips a single queued message on direct
// websocket delivery.
func (s *Store) MarkMessageDelivered(ctx context.Context, messageID string, at time.Time) error {
	_, err := s.exec(ctx, "mark_delivered",
		`UPDATE messages SET status = 'delivered', delivered_at = ? WHERE message_id = ? AND status = 'queued'`,
		fmtTime(at), messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message delivered: %w", err)
	}
	return nil
}

// UndeliveredMessages returns up to limit queued, unexpired messages
// for an address, oldest first.
func (s *Store) UndeliveredMessages(ctx context.Context, address string, limit int) ([]*StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+messageColumns+` FROM messages
		 WHERE to_addr = ? AND status = 'queued' AND deleted_at IS NULL
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at ASC LIMIT ?`),
		address, fmtTime(time.Now().UTC()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query undelivered messages: %w", err)
	}
	defer rows.Close()

	var msgs []*StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// QueuedCount reports how many messages are waiting for an address.
func (s *Store) QueuedCount(ctx context.Context, address string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM messages
		 WHERE to_addr = ? AND status = 'queued' AND deleted_at IS NULL
		   AND (expires_at IS NULL OR expires_at > ?)`),
		address, fmtTime(time.Now().UTC())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued messages: %w", err)
	}
	return n, nil
}

// MarkDeliveredBatch flips a set of rows after an inbox drain.
func (s *Store) MarkDeliveredBatch(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?, ", len(ids))
	placeholders = placeholders[:len(placeholders)-2]
	args := make([]any, 0, len(ids)+1)
	args = append(args, fmtTime(at))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.exec(ctx, "mark_delivered_batch",
		`UPDATE messages SET status = 'delivered', delivered_at = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to mark messages delivered: %w", err)
	}
	return nil
}

// SweepExpiredMessages soft-deletes queued messages whose TTL has
// passed. Returns the number of rows swept.
func (s *Store) SweepExpiredMessages(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, "sweep_expired",
		`UPDATE messages SET deleted_at = ?, status = 'expired'
		 WHERE status = 'queued' AND deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?`,
		fmtTime(now), fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired messages: %w", err)
	}
	return res.RowsAffected()
}

// PurgeMessagesBefore hard-deletes delivered and expired rows older
// than the retention cutoff.
func (s *Store) PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, "purge_messages",
		`DELETE FROM messages WHERE status != 'queued' AND created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	return res.RowsAffected()
}

// MessageByID fetches one stored message by its envelope message_id.
func (s *Store) MessageByID(ctx context.Context, messageID string) (*StoredMessage, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`), messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// ThreadMessages returns messages in a thread that the participant sent
// or received, oldest first. Soft-deleted rows are excluded; delivered
// and queued rows both appear so a thread reads as a full transcript.
func (s *Store) ThreadMessages(ctx context.Context, threadID, participant string, limit int) ([]*StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+messageColumns+` FROM messages
		 WHERE thread_id = ? AND (from_addr = ? OR to_addr = ?) AND deleted_at IS NULL
		 ORDER BY created_at ASC LIMIT ?`),
		threadID, participant, participant, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread messages: %w", err)
	}
	defer rows.Close()

	var msgs []*StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ThreadExists reports whether any live message carries the thread ID,
// so callers can tell an empty transcript from a thread the reader is
// not part of.
func (s *Store) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT 1 FROM messages WHERE thread_id = ? AND deleted_at IS NULL LIMIT 1`), threadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check thread: %w", err)
	}
	return true, nil
}
