package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWithRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), discardLogger(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_NonTransientFailsFast(t *testing.T) {
	calls := 0
	wantErr := errors.New("UNIQUE constraint failed: agents.address")
	err := withRetry(context.Background(), discardLogger(), "op", func() error {
		calls++
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls, "constraint violations must not retry")
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), discardLogger(), "op", func() error {
		calls++
		return errors.New("database is locked")
	})
	require.Error(t, err)
	assert.Equal(t, maxRetries+1, calls)
}

func TestWithRetry_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withRetry(ctx, discardLogger(), "op", func() error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestTransient_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"bad conn", driver.ErrBadConn, true},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"sqlite table locked", errors.New("database table is locked"), true},
		{"pq serialization failure", &pq.Error{Code: "40001"}, true},
		{"pq deadlock", &pq.Error{Code: "40P01"}, true},
		{"pq unique violation", &pq.Error{Code: "23505"}, false},
		{"syntax error", errors.New("near \"FORM\": syntax error"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, transient(tc.err))
		})
	}
}

// Invariant: a write statement that hits lock contention is retried on
// the same connection pool and succeeds once the lock clears.
func TestExec_RetriesLockedDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{db: db, driver: driverSQLite, logger: discardLogger()}

	mock.ExpectExec("UPDATE agents SET last_seen").
		WillReturnError(errors.New("database is locked (5) (SQLITE_BUSY)"))
	mock.ExpectExec("UPDATE agents SET last_seen").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.TouchLastSeen(context.Background(), "alice::example.com", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExec_DoesNotRetryConstraintViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{db: db, driver: driverSQLite, logger: discardLogger()}

	mock.ExpectExec("INSERT INTO seen_message_ids").
		WillReturnError(errors.New("NOT NULL constraint failed: seen_message_ids.message_id"))

	_, err = s.RecordSeen(context.Background(), "m-1", "alice::example.com")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet(), "exactly one attempt expected")
}

func TestRebind_Postgres(t *testing.T) {
	s := &Store{driver: driverPostgres}
	assert.Equal(t,
		"SELECT address FROM agents WHERE address = $1 AND status = $2",
		s.rebind("SELECT address FROM agents WHERE address = ? AND status = ?"))

	s.driver = driverSQLite
	assert.Equal(t,
		"SELECT address FROM agents WHERE address = ?",
		s.rebind("SELECT address FROM agents WHERE address = ?"))
}
