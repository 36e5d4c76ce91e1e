package store

import (
	"context"
	"crypto/rand"
	"database/sql/driver"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/lib/pq"
)

const (
	maxRetries     = 3
	baseBackoff    = 100 * time.Millisecond
	maxBackoff     = 2 * time.Second
	jitterInterval = 50 * time.Millisecond
)

// withRetry runs fn up to maxRetries+1 times, backing off exponentially
// with jitter between attempts. Only transient driver errors are
// retried; everything else returns immediately.
func withRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff * (1 << (attempt - 1))
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			backoff += jitter()
			logger.Warn("retrying database operation",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("error", lastErr.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !transient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// transient reports whether err is worth retrying: stale pooled
// connections, serialization failures and deadlocks on postgres, and
// lock contention on sqlite.
func transient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

func jitter() time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(jitterInterval)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
