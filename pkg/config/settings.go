// Package config loads relay settings from an optional YAML profile
// and environment variables. Environment variables always win over the
// profile; empty values count as unset.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds the full relay configuration. Load is the only
// constructor; zero values are not meaningful.
type Settings struct {
	RelayDomain string
	Host        string
	Port        int
	LogLevel    string

	DBPath         string
	DatabaseURL    string
	DBMaxOpen      int
	DBMaxIdle      int
	DBConnLifetime time.Duration

	AdminAPIKey  string
	RelayKeyPath string
	HTTPURL      string
	WSURL        string
	CORSOrigins  []string

	FederationEnabled         bool
	FederationTimeout         time.Duration
	FederationMaxHops         int
	FederationTimestampMaxAge time.Duration
	FederationDiscoveryTTL    time.Duration
	FederationMaxBody         int64
	FederationRetryInterval   time.Duration
	FederationRetryBatch      int

	MessageTTL    time.Duration
	RetentionDays int

	WebhookTimeout         time.Duration
	WebhookCircuitCooldown time.Duration

	DomainRateLimit       int
	DomainVerificationTTL time.Duration

	ReputationDefaultScore     int
	ReputationDNSVerifiedScore int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	DemoEnabled bool

	OTLPEndpoint      string
	AuditExportDir    string
	AuditExportBucket string
}

func defaults() *Settings {
	return &Settings{
		RelayDomain: "youam.network",
		Host:        "0.0.0.0",
		Port:        8000,
		LogLevel:    "info",

		DBPath:         "relay.db",
		DBMaxOpen:      10,
		DBMaxIdle:      5,
		DBConnLifetime: 30 * time.Minute,

		RelayKeyPath: "relay_key.bin",
		CORSOrigins:  []string{"*"},

		FederationEnabled:         true,
		FederationTimeout:         10 * time.Second,
		FederationMaxHops:         3,
		FederationTimestampMaxAge: 300 * time.Second,
		FederationDiscoveryTTL:    time.Hour,
		FederationMaxBody:         131072,
		FederationRetryInterval:   30 * time.Second,
		FederationRetryBatch:      50,

		MessageTTL:    30 * 24 * time.Hour,
		RetentionDays: 90,

		WebhookTimeout:         30 * time.Second,
		WebhookCircuitCooldown: time.Hour,

		DomainRateLimit:       200,
		DomainVerificationTTL: 24 * time.Hour,

		ReputationDefaultScore:     30,
		ReputationDNSVerifiedScore: 60,

		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,

		DemoEnabled: true,
	}
}

// Load builds Settings from defaults, the optional YAML profile named
// by UAM_CONFIG, and environment variable overrides, in that order.
func Load() (*Settings, error) {
	s := defaults()
	if path := os.Getenv("UAM_CONFIG"); path != "" {
		if err := s.applyProfile(path); err != nil {
			return nil, err
		}
	}
	if err := s.applyEnv(); err != nil {
		return nil, err
	}
	s.fillDerived()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyEnv() error {
	r := &envReader{}
	r.str(&s.RelayDomain, "UAM_RELAY_DOMAIN")
	r.str(&s.Host, "UAM_HOST")
	r.num(&s.Port, "UAM_PORT")
	r.str(&s.LogLevel, "UAM_LOG_LEVEL")

	r.str(&s.DBPath, "UAM_DB_PATH")
	r.str(&s.DatabaseURL, "DATABASE_URL")
	r.num(&s.DBMaxOpen, "UAM_DB_MAX_OPEN")
	r.num(&s.DBMaxIdle, "UAM_DB_MAX_IDLE")
	r.duration(&s.DBConnLifetime, "UAM_DB_CONN_LIFETIME")

	r.str(&s.AdminAPIKey, "UAM_ADMIN_API_KEY")
	r.str(&s.RelayKeyPath, "UAM_RELAY_KEY_PATH")
	r.str(&s.HTTPURL, "UAM_RELAY_HTTP_URL")
	r.str(&s.WSURL, "UAM_RELAY_WS_URL")
	r.list(&s.CORSOrigins, "UAM_CORS_ORIGINS")

	r.boolean(&s.FederationEnabled, "UAM_FEDERATION_ENABLED")
	r.duration(&s.FederationTimeout, "UAM_FEDERATION_TIMEOUT")
	r.num(&s.FederationMaxHops, "UAM_FEDERATION_MAX_HOPS")
	r.duration(&s.FederationTimestampMaxAge, "UAM_FEDERATION_TIMESTAMP_MAX_AGE")
	r.duration(&s.FederationDiscoveryTTL, "UAM_FEDERATION_DISCOVERY_TTL")
	r.num64(&s.FederationMaxBody, "UAM_FEDERATION_MAX_BODY")
	r.duration(&s.FederationRetryInterval, "UAM_FEDERATION_RETRY_INTERVAL")
	r.num(&s.FederationRetryBatch, "UAM_FEDERATION_RETRY_BATCH")

	r.duration(&s.MessageTTL, "UAM_MESSAGE_TTL")
	r.num(&s.RetentionDays, "UAM_RETENTION_DAYS")

	r.duration(&s.WebhookTimeout, "UAM_WEBHOOK_DELIVERY_TIMEOUT", "UAM_WEBHOOK_TIMEOUT")
	r.duration(&s.WebhookCircuitCooldown, "UAM_WEBHOOK_CIRCUIT_COOLDOWN_SECONDS", "UAM_WEBHOOK_CIRCUIT_COOLDOWN")

	r.num(&s.DomainRateLimit, "UAM_DOMAIN_RATE_LIMIT")
	r.hours(&s.DomainVerificationTTL, "UAM_DOMAIN_VERIFICATION_TTL_HOURS")
	r.duration(&s.DomainVerificationTTL, "UAM_DOMAIN_VERIFICATION_TTL")

	r.num(&s.ReputationDefaultScore, "UAM_REPUTATION_DEFAULT_SCORE")
	r.num(&s.ReputationDNSVerifiedScore, "UAM_REPUTATION_DNS_VERIFIED_SCORE")

	r.duration(&s.HeartbeatInterval, "UAM_HEARTBEAT_INTERVAL")
	r.duration(&s.HeartbeatTimeout, "UAM_HEARTBEAT_TIMEOUT")

	r.boolean(&s.DemoEnabled, "UAM_DEMO_ENABLED")

	r.str(&s.OTLPEndpoint, "UAM_OTLP_ENDPOINT")
	r.str(&s.AuditExportDir, "UAM_AUDIT_EXPORT_DIR")
	r.str(&s.AuditExportBucket, "UAM_AUDIT_EXPORT_BUCKET")
	return r.err
}

func (s *Settings) fillDerived() {
	if s.HTTPURL == "" {
		s.HTTPURL = "https://" + s.RelayDomain
	}
	if s.WSURL == "" {
		s.WSURL = "wss://" + s.RelayDomain + "/api/v1/ws"
	}
}

// Validate rejects configurations the relay cannot run with.
func (s *Settings) Validate() error {
	if s.RelayDomain == "" {
		return fmt.Errorf("config: relay domain must not be empty")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", s.Port)
	}
	if s.DBPath == "" && s.DatabaseURL == "" {
		return fmt.Errorf("config: need UAM_DB_PATH or DATABASE_URL")
	}
	if s.FederationMaxHops <= 0 {
		return fmt.Errorf("config: federation max hops must be positive")
	}
	if s.FederationMaxBody <= 0 {
		return fmt.Errorf("config: federation max body must be positive")
	}
	if s.DomainRateLimit < 0 {
		return fmt.Errorf("config: domain rate limit must not be negative")
	}
	if s.RetentionDays <= 0 {
		return fmt.Errorf("config: retention days must be positive")
	}
	if s.ReputationDefaultScore < 0 || s.ReputationDefaultScore > 100 {
		return fmt.Errorf("config: default reputation score %d out of range", s.ReputationDefaultScore)
	}
	if s.ReputationDNSVerifiedScore < 0 || s.ReputationDNSVerifiedScore > 100 {
		return fmt.Errorf("config: dns-verified reputation score %d out of range", s.ReputationDNSVerifiedScore)
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (s *Settings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// UsePostgres reports whether a postgres DSN was configured; without
// one the relay runs on the embedded sqlite database at DBPath.
func (s *Settings) UsePostgres() bool {
	return s.DatabaseURL != ""
}

// SlogLevel maps the configured level name onto slog.
func (s *Settings) SlogLevel() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Redacted returns a copy safe to log: the admin key is masked and the
// database DSN loses its password.
func (s *Settings) Redacted() Settings {
	out := *s
	if out.AdminAPIKey != "" {
		out.AdminAPIKey = "****"
	}
	if out.DatabaseURL != "" {
		if u, err := url.Parse(out.DatabaseURL); err == nil {
			out.DatabaseURL = u.Redacted()
		} else {
			out.DatabaseURL = "****"
		}
	}
	return out
}

// envReader applies environment overrides, remembering the first parse
// failure so applyEnv can report it.
type envReader struct {
	err error
}

func (r *envReader) str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (r *envReader) num(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" || r.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.err = fmt.Errorf("config: %s: %w", key, err)
		return
	}
	*dst = n
}

func (r *envReader) num64(dst *int64, key string) {
	v := os.Getenv(key)
	if v == "" || r.err != nil {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.err = fmt.Errorf("config: %s: %w", key, err)
		return
	}
	*dst = n
}

func (r *envReader) boolean(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" || r.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.err = fmt.Errorf("config: %s: %w", key, err)
		return
	}
	*dst = b
}

// duration applies each key in order, so a later key overrides an
// earlier one. Legacy aliases go first and the canonical name last.
func (r *envReader) duration(dst *time.Duration, keys ...string) {
	for _, key := range keys {
		v := os.Getenv(key)
		if v == "" || r.err != nil {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			r.err = fmt.Errorf("config: %s: %w", key, err)
			return
		}
		*dst = d
	}
}

// hours reads a duration whose bare-integer form means hours, for the
// legacy *_HOURS keys. Go duration syntax is accepted too.
func (r *envReader) hours(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" || r.err != nil {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Hour
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.err = fmt.Errorf("config: %s: %w", key, err)
		return
	}
	*dst = d
}

func (r *envReader) list(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

// parseDuration accepts Go duration syntax, a bare integer meaning
// seconds, and an integer with a d suffix meaning days.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if rest, ok := strings.CutSuffix(v, "d"); ok {
		if n, err := strconv.Atoi(rest); err == nil {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(v)
}
