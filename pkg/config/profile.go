package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is the YAML deployment profile named by UAM_CONFIG. Keys are
// grouped by concern; absent keys keep their defaults, and environment
// variables still win over the profile.
type Profile struct {
	RelayDomain  *string `yaml:"relay_domain"`
	Host         *string `yaml:"host"`
	Port         *int    `yaml:"port"`
	LogLevel     *string `yaml:"log_level"`
	RelayKeyPath *string `yaml:"relay_key_path"`

	Database *struct {
		Path         *string        `yaml:"path"`
		URL          *string        `yaml:"url"`
		MaxOpen      *int           `yaml:"max_open"`
		MaxIdle      *int           `yaml:"max_idle"`
		ConnLifetime *durationValue `yaml:"conn_lifetime"`
	} `yaml:"database"`

	HTTP *struct {
		ExternalURL *string  `yaml:"external_url"`
		WSURL       *string  `yaml:"ws_url"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"http"`

	Admin *struct {
		APIKey *string `yaml:"api_key"`
	} `yaml:"admin"`

	Federation *struct {
		Enabled         *bool          `yaml:"enabled"`
		Timeout         *durationValue `yaml:"timeout"`
		MaxHops         *int           `yaml:"max_hops"`
		TimestampMaxAge *durationValue `yaml:"timestamp_max_age"`
		DiscoveryTTL    *durationValue `yaml:"discovery_ttl"`
		MaxBody         *int64         `yaml:"max_body"`
		RetryInterval   *durationValue `yaml:"retry_interval"`
		RetryBatch      *int           `yaml:"retry_batch"`
	} `yaml:"federation"`

	Messages *struct {
		TTL           *durationValue `yaml:"ttl"`
		RetentionDays *int           `yaml:"retention_days"`
	} `yaml:"messages"`

	Webhooks *struct {
		Timeout         *durationValue `yaml:"timeout"`
		CircuitCooldown *durationValue `yaml:"circuit_cooldown"`
	} `yaml:"webhooks"`

	Limits *struct {
		DomainRateLimit *int `yaml:"domain_rate_limit"`
	} `yaml:"limits"`

	Reputation *struct {
		DefaultScore     *int `yaml:"default_score"`
		DNSVerifiedScore *int `yaml:"dns_verified_score"`
	} `yaml:"reputation"`

	Verification *struct {
		TTL *durationValue `yaml:"ttl"`
	} `yaml:"verification"`

	WebSocket *struct {
		HeartbeatInterval *durationValue `yaml:"heartbeat_interval"`
		HeartbeatTimeout  *durationValue `yaml:"heartbeat_timeout"`
	} `yaml:"websocket"`

	Demo *struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"demo"`

	Observability *struct {
		OTLPEndpoint      *string `yaml:"otlp_endpoint"`
		AuditExportDir    *string `yaml:"audit_export_dir"`
		AuditExportBucket *string `yaml:"audit_export_bucket"`
	} `yaml:"observability"`
}

func (s *Settings) applyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	p.apply(s)
	return nil
}

func (p *Profile) apply(s *Settings) {
	setStr(&s.RelayDomain, p.RelayDomain)
	setStr(&s.Host, p.Host)
	setInt(&s.Port, p.Port)
	setStr(&s.LogLevel, p.LogLevel)
	setStr(&s.RelayKeyPath, p.RelayKeyPath)

	if db := p.Database; db != nil {
		setStr(&s.DBPath, db.Path)
		setStr(&s.DatabaseURL, db.URL)
		setInt(&s.DBMaxOpen, db.MaxOpen)
		setInt(&s.DBMaxIdle, db.MaxIdle)
		setDur(&s.DBConnLifetime, db.ConnLifetime)
	}
	if h := p.HTTP; h != nil {
		setStr(&s.HTTPURL, h.ExternalURL)
		setStr(&s.WSURL, h.WSURL)
		if len(h.CORSOrigins) > 0 {
			s.CORSOrigins = h.CORSOrigins
		}
	}
	if a := p.Admin; a != nil {
		setStr(&s.AdminAPIKey, a.APIKey)
	}
	if f := p.Federation; f != nil {
		setBool(&s.FederationEnabled, f.Enabled)
		setDur(&s.FederationTimeout, f.Timeout)
		setInt(&s.FederationMaxHops, f.MaxHops)
		setDur(&s.FederationTimestampMaxAge, f.TimestampMaxAge)
		setDur(&s.FederationDiscoveryTTL, f.DiscoveryTTL)
		setInt64(&s.FederationMaxBody, f.MaxBody)
		setDur(&s.FederationRetryInterval, f.RetryInterval)
		setInt(&s.FederationRetryBatch, f.RetryBatch)
	}
	if m := p.Messages; m != nil {
		setDur(&s.MessageTTL, m.TTL)
		setInt(&s.RetentionDays, m.RetentionDays)
	}
	if w := p.Webhooks; w != nil {
		setDur(&s.WebhookTimeout, w.Timeout)
		setDur(&s.WebhookCircuitCooldown, w.CircuitCooldown)
	}
	if l := p.Limits; l != nil {
		setInt(&s.DomainRateLimit, l.DomainRateLimit)
	}
	if r := p.Reputation; r != nil {
		setInt(&s.ReputationDefaultScore, r.DefaultScore)
		setInt(&s.ReputationDNSVerifiedScore, r.DNSVerifiedScore)
	}
	if v := p.Verification; v != nil {
		setDur(&s.DomainVerificationTTL, v.TTL)
	}
	if ws := p.WebSocket; ws != nil {
		setDur(&s.HeartbeatInterval, ws.HeartbeatInterval)
		setDur(&s.HeartbeatTimeout, ws.HeartbeatTimeout)
	}
	if d := p.Demo; d != nil {
		setBool(&s.DemoEnabled, d.Enabled)
	}
	if o := p.Observability; o != nil {
		setStr(&s.OTLPEndpoint, o.OTLPEndpoint)
		setStr(&s.AuditExportDir, o.AuditExportDir)
		setStr(&s.AuditExportBucket, o.AuditExportBucket)
	}
}

// durationValue parses YAML durations with the same tolerant syntax as
// the environment: Go durations, bare seconds, or Nd days.
type durationValue time.Duration

func (d *durationValue) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*d = durationValue(time.Duration(v) * time.Second)
		return nil
	case string:
		parsed, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = durationValue(parsed)
		return nil
	default:
		return fmt.Errorf("duration: unsupported YAML value %v", raw)
	}
}

func setStr(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setInt64(dst *int64, src *int64) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setDur(dst *time.Duration, src *durationValue) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}
