package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Domain verification statuses.
const (
	VerificationVerified = "verified"
	VerificationExpired  = "expired"
	VerificationRevoked  = "revoked"
)

// DomainVerification records a proven binding between an agent's key
// and its address domain.
type DomainVerification struct {
	ID           int64
	AgentAddress string
	Domain       string
	PublicKey    string
	Method       string
	VerifiedAt   time.Time
	LastChecked  time.Time
	TTLHours     int
	Status       string
}

const verificationColumns = `id, agent_address, domain, public_key, method, verified_at, last_checked, ttl_hours, status`

func scanVerification(row scanner) (*DomainVerification, error) {
	var (
		v                 DomainVerification
		verified, checked timeCol
	)
	err := row.Scan(&v.ID, &v.AgentAddress, &v.Domain, &v.PublicKey, &v.Method,
		&verified, &checked, &v.TTLHours, &v.Status)
	if err != nil {
		return nil, err
	}
	v.VerifiedAt = parseTime(verified)
	v.LastChecked = parseTime(checked)
	return &v, nil
}

// UpsertVerification writes or refreshes a verification record.
func (s *Store) UpsertVerification(ctx context.Context, v *DomainVerification) error {
	_, err := s.exec(ctx, "upsert_verification",
		`INSERT INTO domain_verifications (agent_address, domain, public_key, method, verified_at, last_checked, ttl_hours, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agent_address, domain)
		 DO UPDATE SET public_key = excluded.public_key, method = excluded.method,
		               verified_at = excluded.verified_at, last_checked = excluded.last_checked,
		               ttl_hours = excluded.ttl_hours, status = excluded.status, deleted_at = NULL`,
		v.AgentAddress, v.Domain, v.PublicKey, v.Method,
		fmtTime(v.VerifiedAt), fmtTime(v.LastChecked), v.TTLHours, v.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert verification: %w", err)
	}
	return nil
}

// VerificationFor returns the verification record for an agent, if
// one exists.
func (s *Store) VerificationFor(ctx context.Context, agentAddress string) (*DomainVerification, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+verificationColumns+` FROM domain_verifications
		 WHERE agent_address = ? AND deleted_at IS NULL
		 ORDER BY verified_at DESC LIMIT 1`), agentAddress)
	v, err := scanVerification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification: %w", err)
	}
	return v, nil
}

// StaleVerifications returns verified records not rechecked since the
// cutoff, for the periodic reverifier.
func (s *Store) StaleVerifications(ctx context.Context, checkedBefore time.Time, limit int) ([]*DomainVerification, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+verificationColumns+` FROM domain_verifications
		 WHERE status = 'verified' AND deleted_at IS NULL AND last_checked < ?
		 ORDER BY last_checked ASC LIMIT ?`), fmtTime(checkedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale verifications: %w", err)
	}
	defer rows.Close()

	var out []*DomainVerification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verification: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SetVerificationStatus updates the state after a recheck.
func (s *Store) SetVerificationStatus(ctx context.Context, id int64, status string, checkedAt time.Time) error {
	res, err := s.exec(ctx, "set_verification_status",
		`UPDATE domain_verifications SET status = ?, last_checked = ? WHERE id = ?`,
		status, fmtTime(checkedAt), id)
	if err != nil {
		return fmt.Errorf("failed to set verification status: %w", err)
	}
	return requireRow(res, ErrNotFound)
}
