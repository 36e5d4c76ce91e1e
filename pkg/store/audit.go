package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry is one append-only operational event.
type AuditEntry struct {
	ID           int64
	Action       string
	EntityType   string
	EntityID     string
	ActorAddress string
	Details      map[string]any
	IPAddress    string
	Timestamp    time.Time
}

// InsertAudit appends to the audit log.
func (s *Store) InsertAudit(ctx context.Context, e *AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.exec(ctx, "insert_audit",
		`INSERT INTO audit_log (action, entity_type, entity_id, actor_address, details, ip_address, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Action, nullStr(e.EntityType), nullStr(e.EntityID), nullStr(e.ActorAddress),
		jsonText(e.Details), nullStr(e.IPAddress), fmtTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// AuditFilter narrows an admin audit query. Zero values match
// everything.
type AuditFilter struct {
	Action     string
	EntityType string
	Actor      string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// QueryAudit returns matching entries, newest first.
func (s *Store) QueryAudit(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	query := `SELECT id, action, entity_type, entity_id, actor_address, details, ip_address, timestamp
		 FROM audit_log WHERE 1=1`
	var args []any
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, f.Action)
	}
	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	if f.Actor != "" {
		query += ` AND actor_address = ?`
		args = append(args, f.Actor)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, fmtTime(f.Since))
	}
	if !f.Until.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, fmtTime(f.Until))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var (
			e                        AuditEntry
			entityType, entityID sql.NullString
			actor, details, ip   sql.NullString
			when                 timeCol
		)
		if err := rows.Scan(&e.ID, &e.Action, &entityType, &entityID, &actor, &details, &ip, &when); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.EntityType = entityType.String
		e.EntityID = entityID.String
		e.ActorAddress = actor.String
		e.Details = parseJSON(details)
		e.IPAddress = ip.String
		e.Timestamp = parseTime(when)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PurgeAuditBefore trims entries older than the retention cutoff.
// Called after a successful export.
func (s *Store) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, "purge_audit",
		`DELETE FROM audit_log WHERE timestamp < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit log: %w", err)
	}
	return res.RowsAffected()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
