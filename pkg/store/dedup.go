package store

import (
	"context"
	"fmt"
	"time"
)

// RecordSeen claims a message ID for replay suppression. It returns
// false when the ID was already recorded, in which case the caller
// drops the duplicate silently.
func (s *Store) RecordSeen(ctx context.Context, messageID, fromAddr string) (bool, error) {
	res, err := s.exec(ctx, "record_seen",
		`INSERT INTO seen_message_ids (message_id, from_addr, seen_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, fromAddr, fmtTime(time.Now().UTC()))
	if err != nil {
		return false, fmt.Errorf("failed to record seen message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PurgeSeenBefore trims the dedup window.
func (s *Store) PurgeSeenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, "purge_seen",
		`DELETE FROM seen_message_ids WHERE seen_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge seen messages: %w", err)
	}
	return res.RowsAffected()
}
