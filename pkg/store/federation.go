package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KnownRelay is a cached discovery result for a peer relay.
type KnownRelay struct {
	Domain        string
	FederationURL string
	PublicKey     string
	Version       string
	DiscoveredVia string
	LastVerified  time.Time
	TTLHours      int
	Status        string
}

// Expired reports whether the cache entry has outlived its TTL.
func (r *KnownRelay) Expired(now time.Time) bool {
	return now.After(r.LastVerified.Add(time.Duration(r.TTLHours) * time.Hour))
}

// UpsertKnownRelay caches a discovery result.
func (s *Store) UpsertKnownRelay(ctx context.Context, r *KnownRelay) error {
	_, err := s.exec(ctx, "upsert_known_relay",
		`INSERT INTO known_relays (domain, federation_url, public_key, version, discovered_via, last_verified, ttl_hours, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (domain)
		 DO UPDATE SET federation_url = excluded.federation_url, public_key = excluded.public_key,
		               version = excluded.version, discovered_via = excluded.discovered_via,
		               last_verified = excluded.last_verified, ttl_hours = excluded.ttl_hours,
		               status = excluded.status`,
		r.Domain, r.FederationURL, r.PublicKey, r.Version, r.DiscoveredVia,
		fmtTime(r.LastVerified), r.TTLHours, r.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert known relay: %w", err)
	}
	return nil
}

// KnownRelayByDomain returns the cached discovery entry for a domain.
func (s *Store) KnownRelayByDomain(ctx context.Context, domain string) (*KnownRelay, error) {
	var (
		r        KnownRelay
		version  sql.NullString
		verified timeCol
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT domain, federation_url, public_key, version, discovered_via, last_verified, ttl_hours, status
		 FROM known_relays WHERE domain = ?`), domain).
		Scan(&r.Domain, &r.FederationURL, &r.PublicKey, &version, &r.DiscoveredVia, &verified, &r.TTLHours, &r.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get known relay: %w", err)
	}
	r.Version = version.String
	r.LastVerified = parseTime(verified)
	return &r, nil
}

// DeleteKnownRelay drops a cache entry so the next send rediscovers.
func (s *Store) DeleteKnownRelay(ctx context.Context, domain string) error {
	_, err := s.exec(ctx, "delete_known_relay",
		`DELETE FROM known_relays WHERE domain = ?`, domain)
	if err != nil {
		return fmt.Errorf("failed to delete known relay: %w", err)
	}
	return nil
}

// ListKnownRelays returns every cached peer for the admin surface.
func (s *Store) ListKnownRelays(ctx context.Context) ([]*KnownRelay, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, federation_url, public_key, version, discovered_via, last_verified, ttl_hours, status
		 FROM known_relays ORDER BY domain ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list known relays: %w", err)
	}
	defer rows.Close()

	var out []*KnownRelay
	for rows.Next() {
		var (
			r        KnownRelay
			version  sql.NullString
			verified timeCol
		)
		if err := rows.Scan(&r.Domain, &r.FederationURL, &r.PublicKey, &version,
			&r.DiscoveredVia, &verified, &r.TTLHours, &r.Status); err != nil {
			return nil, fmt.Errorf("failed to scan known relay: %w", err)
		}
		r.Version = version.String
		r.LastVerified = parseTime(verified)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Federation queue statuses.
const (
	FederationPending = "pending"
	FederationSent    = "sent"
	FederationDead    = "dead"
)

// FederationQueueEntry is an envelope waiting to be forwarded to a
// remote relay.
type FederationQueueEntry struct {
	ID           int64
	TargetDomain string
	Envelope     map[string]any
	Via          []string
	HopCount     int
	AttemptCount int
	NextRetry    time.Time
	Status       string
	Error        string
	CreatedAt    time.Time
}

// EnqueueFederation stores an envelope for the forwarding worker.
func (s *Store) EnqueueFederation(ctx context.Context, e *FederationQueueEntry) error {
	via := e.Via
	if via == nil {
		via = []string{}
	}
	viaJSON, err := json.Marshal(via)
	if err != nil {
		return fmt.Errorf("failed to encode via list: %w", err)
	}
	now := time.Now().UTC()
	if e.NextRetry.IsZero() {
		e.NextRetry = now
	}
	_, err = s.exec(ctx, "enqueue_federation",
		`INSERT INTO federation_queue (target_domain, envelope, via, hop_count, attempt_count, next_retry, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		e.TargetDomain, jsonText(e.Envelope), string(viaJSON), e.HopCount, e.AttemptCount,
		fmtTime(e.NextRetry), fmtTime(now))
	if err != nil {
		return fmt.Errorf("failed to enqueue federation: %w", err)
	}
	return nil
}

// DueFederation returns pending entries whose retry time has arrived,
// oldest first.
func (s *Store) DueFederation(ctx context.Context, now time.Time, limit int) ([]*FederationQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, target_domain, envelope, via, hop_count, attempt_count, next_retry, status, error, created_at
		 FROM federation_queue
		 WHERE status = 'pending' AND next_retry <= ?
		 ORDER BY next_retry ASC LIMIT ?`), fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query federation queue: %w", err)
	}
	defer rows.Close()

	var out []*FederationQueueEntry
	for rows.Next() {
		var (
			e                  FederationQueueEntry
			envelope, via      sql.NullString
			errText            sql.NullString
			nextRetry, created timeCol
		)
		if err := rows.Scan(&e.ID, &e.TargetDomain, &envelope, &via, &e.HopCount,
			&e.AttemptCount, &nextRetry, &e.Status, &errText, &created); err != nil {
			return nil, fmt.Errorf("failed to scan federation entry: %w", err)
		}
		e.Envelope = parseJSON(envelope)
		if via.Valid {
			_ = json.Unmarshal([]byte(via.String), &e.Via)
		}
		e.NextRetry = parseTime(nextRetry)
		e.Error = errText.String
		e.CreatedAt = parseTime(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MarkFederationSent closes a queue entry after a successful forward.
func (s *Store) MarkFederationSent(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, "mark_federation_sent",
		`UPDATE federation_queue SET status = 'sent', error = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark federation sent: %w", err)
	}
	return nil
}

// MarkFederationRetry reschedules a failed forward.
func (s *Store) MarkFederationRetry(ctx context.Context, id int64, attempts int, nextRetry time.Time, lastErr string) error {
	_, err := s.exec(ctx, "mark_federation_retry",
		`UPDATE federation_queue SET attempt_count = ?, next_retry = ?, error = ? WHERE id = ?`,
		attempts, fmtTime(nextRetry), lastErr, id)
	if err != nil {
		return fmt.Errorf("failed to mark federation retry: %w", err)
	}
	return nil
}

// MarkFederationDead abandons a queue entry after exhausting retries.
func (s *Store) MarkFederationDead(ctx context.Context, id int64, lastErr string) error {
	_, err := s.exec(ctx, "mark_federation_dead",
		`UPDATE federation_queue SET status = 'dead', error = ? WHERE id = ?`, lastErr, id)
	if err != nil {
		return fmt.Errorf("failed to mark federation dead: %w", err)
	}
	return nil
}

// PurgeFederationBefore removes closed queue entries older than the
// cutoff.
func (s *Store) PurgeFederationBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, "purge_federation",
		`DELETE FROM federation_queue WHERE status != 'pending' AND created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge federation queue: %w", err)
	}
	return res.RowsAffected()
}

// FederationLogEntry records one forwarded or received envelope for
// the audit trail.
type FederationLogEntry struct {
	ID        int64
	MessageID string
	FromRelay string
	ToRelay   string
	Direction string
	HopCount  int
	Status    string
	Error     string
	CreatedAt time.Time
}

// LogFederation appends to the federation audit trail.
func (s *Store) LogFederation(ctx context.Context, e *FederationLogEntry) error {
	var errText any
	if e.Error != "" {
		errText = e.Error
	}
	_, err := s.exec(ctx, "log_federation",
		`INSERT INTO federation_log (message_id, from_relay, to_relay, direction, hop_count, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.FromRelay, e.ToRelay, e.Direction, e.HopCount, e.Status, errText,
		fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to log federation: %w", err)
	}
	return nil
}

// FederationLogSince returns recent federation activity, newest first.
func (s *Store) FederationLogSince(ctx context.Context, since time.Time, limit int) ([]*FederationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, message_id, from_relay, to_relay, direction, hop_count, status, error, created_at
		 FROM federation_log WHERE created_at >= ? ORDER BY created_at DESC LIMIT ?`),
		fmtTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query federation log: %w", err)
	}
	defer rows.Close()

	var out []*FederationLogEntry
	for rows.Next() {
		var (
			e                         FederationLogEntry
			msgID, fromRelay, toRelay sql.NullString
			errText                   sql.NullString
			created                   timeCol
		)
		if err := rows.Scan(&e.ID, &msgID, &fromRelay, &toRelay, &e.Direction,
			&e.HopCount, &e.Status, &errText, &created); err != nil {
			return nil, fmt.Errorf("failed to scan federation log entry: %w", err)
		}
		e.MessageID = msgID.String
		e.FromRelay = fromRelay.String
		e.ToRelay = toRelay.String
		e.Error = errText.String
		e.CreatedAt = parseTime(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}
