// Package store is the relay's persistence layer over database/sql.
// The backend is chosen at open time: a DATABASE_URL selects postgres
// via lib/pq, otherwise the relay runs on an embedded sqlite file
// (modernc.org/sqlite, pure Go). Queries are written once with ?
// placeholders and rebound for postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/YouAM-Network/uam-relay/pkg/config"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrAddressTaken      = errors.New("address already registered with a different key")
	ErrHandshakeNotFound = errors.New("handshake not found")
	ErrNotFound          = errors.New("not found")
)

// Store wraps the SQL database and carries the driver name so query
// helpers can adapt placeholders and types.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured backend and applies pool settings.
// Call Init before first use.
func Open(ctx context.Context, cfg *config.Settings, logger *slog.Logger) (*Store, error) {
	var (
		db     *sql.DB
		driver string
		err    error
	)
	if cfg.UsePostgres() {
		driver = driverPostgres
		db, err = sql.Open("postgres", cfg.DatabaseURL)
	} else {
		driver = driverSQLite
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", cfg.DBPath)
		db, err = sql.Open("sqlite", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if cfg.DBMaxOpen > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpen)
	}
	if cfg.DBMaxIdle > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdle)
	}
	if cfg.DBConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.DBConnLifetime)
	}
	if driver == driverSQLite && strings.Contains(cfg.DBPath, ":memory:") {
		// Each connection to :memory: gets its own database, so the
		// pool must hold exactly one.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{
		db:     db,
		driver: driver,
		logger: logger.With(slog.String("component", "store")),
	}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrations are idempotent CREATE statements shared by both backends.
// @ID expands to an auto-increment primary key and @TS to the native
// timestamp type of the driver.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		address TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		token TEXT NOT NULL UNIQUE,
		display_name TEXT,
		contact_card TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		webhook_url TEXT,
		webhook_state TEXT,
		last_seen @TS,
		created_at @TS NOT NULL,
		updated_at @TS NOT NULL,
		deleted_at @TS
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id @ID,
		message_id TEXT NOT NULL UNIQUE,
		from_addr TEXT NOT NULL,
		to_addr TEXT NOT NULL,
		thread_id TEXT,
		envelope TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at @TS NOT NULL,
		delivered_at @TS,
		expires_at @TS,
		deleted_at @TS
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_to_addr ON messages (to_addr)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (thread_id)`,
	`CREATE TABLE IF NOT EXISTS seen_message_ids (
		message_id TEXT PRIMARY KEY,
		from_addr TEXT,
		seen_at @TS NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS handshakes (
		id @ID,
		from_addr TEXT NOT NULL,
		to_addr TEXT NOT NULL,
		contact_card TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at @TS NOT NULL,
		resolved_at @TS,
		deleted_at @TS
	)`,
	`CREATE INDEX IF NOT EXISTS idx_handshakes_to_addr ON handshakes (to_addr)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id @ID,
		owner_address TEXT NOT NULL,
		contact_address TEXT NOT NULL,
		trust_state TEXT NOT NULL DEFAULT 'unknown',
		contact_card TEXT,
		created_at @TS NOT NULL,
		updated_at @TS NOT NULL,
		deleted_at @TS,
		UNIQUE (owner_address, contact_address)
	)`,
	`CREATE TABLE IF NOT EXISTS thread_reads (
		address TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		last_read_message_id TEXT NOT NULL,
		updated_at @TS NOT NULL,
		PRIMARY KEY (address, thread_id)
	)`,
	`CREATE TABLE IF NOT EXISTS reputation (
		address TEXT PRIMARY KEY,
		score INTEGER NOT NULL DEFAULT 30,
		messages_sent INTEGER NOT NULL DEFAULT 0,
		messages_rejected INTEGER NOT NULL DEFAULT 0,
		created_at @TS NOT NULL,
		updated_at @TS NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS relay_reputation (
		domain TEXT PRIMARY KEY,
		score INTEGER NOT NULL DEFAULT 50,
		messages_forwarded INTEGER NOT NULL DEFAULT 0,
		messages_rejected INTEGER NOT NULL DEFAULT 0,
		last_success @TS,
		last_failure @TS,
		created_at @TS NOT NULL,
		updated_at @TS NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blocklist (
		id @ID,
		pattern TEXT NOT NULL UNIQUE,
		reason TEXT,
		created_at @TS NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS allowlist (
		id @ID,
		pattern TEXT NOT NULL UNIQUE,
		reason TEXT,
		created_at @TS NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS relay_blocklist (
		id @ID,
		domain TEXT NOT NULL UNIQUE,
		reason TEXT,
		created_at @TS NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS relay_allowlist (
		id @ID,
		domain TEXT NOT NULL UNIQUE,
		reason TEXT,
		created_at @TS NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS known_relays (
		domain TEXT PRIMARY KEY,
		federation_url TEXT NOT NULL,
		public_key TEXT NOT NULL,
		version TEXT,
		discovered_via TEXT NOT NULL DEFAULT 'well-known',
		last_verified @TS NOT NULL,
		ttl_hours INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'active'
	)`,
	`CREATE TABLE IF NOT EXISTS federation_log (
		id @ID,
		message_id TEXT,
		from_relay TEXT,
		to_relay TEXT,
		direction TEXT NOT NULL,
		hop_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT,
		created_at @TS NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_federation_log_message ON federation_log (message_id)`,
	`CREATE TABLE IF NOT EXISTS federation_queue (
		id @ID,
		target_domain TEXT NOT NULL,
		envelope TEXT NOT NULL,
		via TEXT NOT NULL DEFAULT '[]',
		hop_count INTEGER NOT NULL DEFAULT 0,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_retry @TS NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT,
		created_at @TS NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_federation_queue_due ON federation_queue (status, next_retry)`,
	`CREATE TABLE IF NOT EXISTS domain_verifications (
		id @ID,
		agent_address TEXT NOT NULL,
		domain TEXT NOT NULL,
		public_key TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT 'dns',
		verified_at @TS NOT NULL,
		last_checked @TS NOT NULL,
		ttl_hours INTEGER NOT NULL DEFAULT 24,
		status TEXT NOT NULL DEFAULT 'verified',
		deleted_at @TS,
		UNIQUE (agent_address, domain)
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id @ID,
		agent_address TEXT NOT NULL,
		message_id TEXT NOT NULL,
		envelope TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_status_code INTEGER,
		last_error TEXT,
		next_attempt_at @TS NOT NULL,
		created_at @TS NOT NULL,
		completed_at @TS,
		deleted_at @TS
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries (status, next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_agent ON webhook_deliveries (agent_address)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id @ID,
		action TEXT NOT NULL,
		entity_type TEXT,
		entity_id TEXT,
		actor_address TEXT,
		details TEXT,
		ip_address TEXT,
		timestamp @TS NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log (action)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log (timestamp)`,
}

// Init creates all tables. Safe to call on every boot.
func (s *Store) Init(ctx context.Context) error {
	ts, id := "TEXT", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == driverPostgres {
		ts, id = "TIMESTAMPTZ", "BIGSERIAL PRIMARY KEY"
	}
	r := strings.NewReplacer("@TS", ts, "@ID", id)
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, r.Replace(stmt)); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	s.logger.Info("database ready", slog.String("driver", s.driver))
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// exec runs a write statement under the retry policy.
func (s *Store) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withRetry(ctx, s.logger, op, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, s.rebind(query), args...)
		return execErr
	})
	return res, err
}

// timeLayout is fixed-width so sqlite's lexicographic TEXT comparisons
// order timestamps chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// fmtTime converts a time for storage; zero times become NULL.
func fmtTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

// timeCol scans a timestamp column from either backend: sqlite hands
// back the TEXT we wrote, pq hands back time.Time for TIMESTAMPTZ.
type timeCol struct{ t time.Time }

func (c *timeCol) Scan(v any) error {
	c.t = time.Time{}
	switch x := v.(type) {
	case nil:
	case time.Time:
		c.t = x.UTC()
	case string:
		c.t = parseTimeText(x)
	case []byte:
		c.t = parseTimeText(string(x))
	default:
		return fmt.Errorf("cannot scan %T into timestamp column", v)
	}
	return nil
}

// parseTime returns the scanned value; zero for NULL or unparseable.
func parseTime(c timeCol) time.Time {
	return c.t
}

func parseTimeText(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	// postgres text form without the T separator
	if t, err := time.Parse("2006-01-02 15:04:05.999999999Z07:00", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// jsonText marshals a map for a TEXT column; nil maps become NULL.
func jsonText(v map[string]any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

// parseJSON restores a map from a TEXT column.
func parseJSON(v sql.NullString) map[string]any {
	if !v.Valid || v.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil
	}
	return m
}
