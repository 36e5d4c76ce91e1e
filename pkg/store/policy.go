package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PolicyEntry is one row of an agent or relay allow/block list.
type PolicyEntry struct {
	Pattern   string
	Reason    string
	CreatedAt time.Time
}

// policy lists share a schema; table names are fixed strings, never
// caller input.
func (s *Store) addPolicyEntry(ctx context.Context, table, keyCol, key, reason string) error {
	var r any
	if reason != "" {
		r = reason
	}
	_, err := s.exec(ctx, "add_"+table,
		`INSERT INTO `+table+` (`+keyCol+`, reason, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (`+keyCol+`) DO UPDATE SET reason = excluded.reason`,
		key, r, fmtTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to add %s entry: %w", table, err)
	}
	return nil
}

func (s *Store) removePolicyEntry(ctx context.Context, table, keyCol, key string) (bool, error) {
	res, err := s.exec(ctx, "remove_"+table,
		`DELETE FROM `+table+` WHERE `+keyCol+` = ?`, key)
	if err != nil {
		return false, fmt.Errorf("failed to remove %s entry: %w", table, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) listPolicyEntries(ctx context.Context, table, keyCol string) ([]PolicyEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyCol+`, reason, created_at FROM `+table+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var out []PolicyEntry
	for rows.Next() {
		var (
			e       PolicyEntry
			reason  sql.NullString
			created timeCol
		)
		if err := rows.Scan(&e.Pattern, &reason, &created); err != nil {
			return nil, fmt.Errorf("failed to scan %s entry: %w", table, err)
		}
		e.Reason = reason.String
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// matchesPolicy checks an address against a pattern list: an exact
// name::domain entry or a *::domain wildcard matches.
func (s *Store) matchesPolicy(ctx context.Context, table, address, domain string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM `+table+` WHERE pattern IN (?, ?)`),
		address, "*::"+domain).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to match %s: %w", table, err)
	}
	return n > 0, nil
}

// Agent blocklist: patterns of the form name::domain or *::domain.

func (s *Store) AddBlockPattern(ctx context.Context, pattern, reason string) error {
	return s.addPolicyEntry(ctx, "blocklist", "pattern", pattern, reason)
}

func (s *Store) RemoveBlockPattern(ctx context.Context, pattern string) (bool, error) {
	return s.removePolicyEntry(ctx, "blocklist", "pattern", pattern)
}

func (s *Store) ListBlockPatterns(ctx context.Context) ([]PolicyEntry, error) {
	return s.listPolicyEntries(ctx, "blocklist", "pattern")
}

// IsBlocked reports whether an address or its whole domain is on the
// blocklist.
func (s *Store) IsBlocked(ctx context.Context, address, domain string) (bool, error) {
	return s.matchesPolicy(ctx, "blocklist", address, domain)
}

// Agent allowlist: same pattern grammar, exempts matches from
// throttling.

func (s *Store) AddAllowPattern(ctx context.Context, pattern, reason string) error {
	return s.addPolicyEntry(ctx, "allowlist", "pattern", pattern, reason)
}

func (s *Store) RemoveAllowPattern(ctx context.Context, pattern string) (bool, error) {
	return s.removePolicyEntry(ctx, "allowlist", "pattern", pattern)
}

func (s *Store) ListAllowPatterns(ctx context.Context) ([]PolicyEntry, error) {
	return s.listPolicyEntries(ctx, "allowlist", "pattern")
}

// IsAllowlisted reports whether an address or its whole domain is
// exempt from throttling.
func (s *Store) IsAllowlisted(ctx context.Context, address, domain string) (bool, error) {
	return s.matchesPolicy(ctx, "allowlist", address, domain)
}

// Relay blocklist: whole peer domains refused at the federation inbound
// gate.

func (s *Store) BlockRelay(ctx context.Context, domain, reason string) error {
	return s.addPolicyEntry(ctx, "relay_blocklist", "domain", domain, reason)
}

func (s *Store) UnblockRelay(ctx context.Context, domain string) (bool, error) {
	return s.removePolicyEntry(ctx, "relay_blocklist", "domain", domain)
}

func (s *Store) ListBlockedRelays(ctx context.Context) ([]PolicyEntry, error) {
	return s.listPolicyEntries(ctx, "relay_blocklist", "domain")
}

// IsRelayBlocked reports whether a peer domain is refused at the
// federation gate.
func (s *Store) IsRelayBlocked(ctx context.Context, domain string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM relay_blocklist WHERE domain = ?`), domain).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check relay blocklist: %w", err)
	}
	return n > 0, nil
}

// Relay allowlist: peers exempt from reputation-based inbound
// throttling.

func (s *Store) AllowRelay(ctx context.Context, domain, reason string) error {
	return s.addPolicyEntry(ctx, "relay_allowlist", "domain", domain, reason)
}

func (s *Store) UnallowRelay(ctx context.Context, domain string) (bool, error) {
	return s.removePolicyEntry(ctx, "relay_allowlist", "domain", domain)
}

func (s *Store) ListAllowedRelays(ctx context.Context) ([]PolicyEntry, error) {
	return s.listPolicyEntries(ctx, "relay_allowlist", "domain")
}

// IsRelayAllowed reports whether a peer domain bypasses inbound
// throttling.
func (s *Store) IsRelayAllowed(ctx context.Context, domain string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM relay_allowlist WHERE domain = ?`), domain).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check relay allowlist: %w", err)
	}
	return n > 0, nil
}
