package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Webhook delivery statuses.
const (
	WebhookPending   = "pending"
	WebhookDelivered = "delivered"
	WebhookFailed    = "failed"
)

// WebhookDelivery is one envelope queued for push to an agent's
// webhook. The envelope is kept as raw JSON so retries post the exact
// bytes the signature was computed over.
type WebhookDelivery struct {
	ID             int64
	AgentAddress   string
	MessageID      string
	Envelope       string
	Status         string
	AttemptCount   int
	LastStatusCode int
	LastError      string
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	CompletedAt    time.Time
}

const webhookColumns = `id, agent_address, message_id, envelope, status, attempt_count,
	last_status_code, last_error, next_attempt_at, created_at, completed_at`

func scanWebhookDelivery(row scanner) (*WebhookDelivery, error) {
	var (
		d                       WebhookDelivery
		statusCode              sql.NullInt64
		lastErr                 sql.NullString
		next, created, complete timeCol
	)
	err := row.Scan(&d.ID, &d.AgentAddress, &d.MessageID, &d.Envelope, &d.Status,
		&d.AttemptCount, &statusCode, &lastErr, &next, &created, &complete)
	if err != nil {
		return nil, err
	}
	d.LastStatusCode = int(statusCode.Int64)
	d.LastError = lastErr.String
	d.NextAttemptAt = parseTime(next)
	d.CreatedAt = parseTime(created)
	d.CompletedAt = parseTime(complete)
	return &d, nil
}

// EnqueueWebhook schedules an envelope for immediate push.
func (s *Store) EnqueueWebhook(ctx context.Context, agentAddress, messageID, envelopeJSON string) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := withRetry(ctx, s.logger, "enqueue_webhook", func() error {
		return s.db.QueryRowContext(ctx, s.rebind(
			`INSERT INTO webhook_deliveries (agent_address, message_id, envelope, status, next_attempt_at, created_at)
			 VALUES (?, ?, ?, 'pending', ?, ?) RETURNING id`),
			agentAddress, messageID, envelopeJSON, fmtTime(now), fmtTime(now)).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue webhook delivery: %w", err)
	}
	return id, nil
}

// DueWebhooks returns pending deliveries whose attempt time has
// arrived, oldest first.
func (s *Store) DueWebhooks(ctx context.Context, now time.Time, limit int) ([]*WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+webhookColumns+` FROM webhook_deliveries
		 WHERE status = 'pending' AND deleted_at IS NULL AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC LIMIT ?`), fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due webhooks: %w", err)
	}
	defer rows.Close()

	var out []*WebhookDelivery
	for rows.Next() {
		d, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkWebhookDelivered closes a delivery after a 2xx response.
func (s *Store) MarkWebhookDelivered(ctx context.Context, id int64, statusCode int) error {
	_, err := s.exec(ctx, "mark_webhook_delivered",
		`UPDATE webhook_deliveries SET status = 'delivered', last_status_code = ?, last_error = NULL, completed_at = ?
		 WHERE id = ?`,
		statusCode, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook delivered: %w", err)
	}
	return nil
}

// MarkWebhookRetry reschedules a failed push.
func (s *Store) MarkWebhookRetry(ctx context.Context, id int64, attempts, statusCode int, lastErr string, nextAt time.Time) error {
	var code any
	if statusCode != 0 {
		code = statusCode
	}
	_, err := s.exec(ctx, "mark_webhook_retry",
		`UPDATE webhook_deliveries SET attempt_count = ?, last_status_code = ?, last_error = ?, next_attempt_at = ?
		 WHERE id = ?`,
		attempts, code, lastErr, fmtTime(nextAt), id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook retry: %w", err)
	}
	return nil
}

// MarkWebhookFailed abandons a delivery after the final attempt. The
// envelope stays queued in messages for inbox pickup.
func (s *Store) MarkWebhookFailed(ctx context.Context, id int64, statusCode int, lastErr string) error {
	var code any
	if statusCode != 0 {
		code = statusCode
	}
	_, err := s.exec(ctx, "mark_webhook_failed",
		`UPDATE webhook_deliveries SET status = 'failed', last_status_code = ?, last_error = ?, completed_at = ?
		 WHERE id = ?`,
		code, lastErr, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook failed: %w", err)
	}
	return nil
}

// WebhookDeliveriesFor lists recent deliveries for one agent, newest
// first.
func (s *Store) WebhookDeliveriesFor(ctx context.Context, agentAddress string, limit int) ([]*WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+webhookColumns+` FROM webhook_deliveries
		 WHERE agent_address = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT ?`), agentAddress, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []*WebhookDelivery
	for rows.Next() {
		d, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CancelPendingWebhooks voids queued pushes when an agent clears its
// webhook URL.
func (s *Store) CancelPendingWebhooks(ctx context.Context, agentAddress string) (int64, error) {
	res, err := s.exec(ctx, "cancel_pending_webhooks",
		`UPDATE webhook_deliveries SET deleted_at = ? WHERE agent_address = ? AND status = 'pending' AND deleted_at IS NULL`,
		fmtTime(time.Now().UTC()), agentAddress)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending webhooks: %w", err)
	}
	return res.RowsAffected()
}

// PurgeWebhooksBefore removes closed deliveries older than the cutoff.
func (s *Store) PurgeWebhooksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, "purge_webhooks",
		`DELETE FROM webhook_deliveries WHERE status != 'pending' AND created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook deliveries: %w", err)
	}
	return res.RowsAffected()
}
