// Package verification proves that an agent controls the domain in its
// address, upgrading it from Tier 1 (relay-vouched key) to Tier 2
// (domain-attested key). The relay runs its own DNS and HTTPS checks;
// a client's claim is never trusted.
package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/YouAM-Network/uam-relay/pkg/protocol"
)

const (
	// txtPrefix is the label verification records live under.
	txtPrefix = "_uam."
	// wellKnownPath serves the HTTPS fallback document.
	wellKnownPath = "/.well-known/uam.json"
	// checkTimeout bounds each DNS lookup and HTTPS fetch.
	checkTimeout = 10 * time.Second

	maxWellKnownBytes = 64 * 1024

	keyPrefix = "ed25519:"

	// Pinned result details; SDKs surface these verbatim.
	detailDNSMatch      = "DNS TXT verification successful"
	detailDNSMismatch   = "DNS TXT record found but public key does not match"
	detailHTTPSMatch    = "HTTPS .well-known verification successful"
	detailHTTPSMismatch = "HTTPS .well-known found but public key does not match"
	detailNoneFound     = "No valid verification found at DNS TXT or HTTPS .well-known"
	detailBadJSON       = "HTTPS .well-known/uam.json returned invalid JSON"
	detailMissingV      = "HTTPS .well-known/uam.json missing v=uam1"
)

// Methods recorded on a successful verification.
const (
	MethodDNS   = "dns"
	MethodHTTPS = "https"
)

// Checker performs domain ownership checks. Lookup and fetch are
// fields so tests can run without network access.
type Checker struct {
	logger    *slog.Logger
	lookupTXT func(ctx context.Context, name string) ([]string, error)
	lookupIP  func(ctx context.Context, host string) ([]net.IP, error)
	fetch     func(ctx context.Context, rawURL string) (*http.Response, error)
}

// NewChecker builds a checker on the system resolver. The HTTPS
// fallback follows redirects; the public-IP guard runs before the
// request is issued.
func NewChecker(logger *slog.Logger) *Checker {
	client := &http.Client{Timeout: checkTimeout}
	return &Checker{
		logger: logger.With(slog.String("component", "verification")),
		lookupTXT: func(ctx context.Context, name string) ([]string, error) {
			ctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			return net.DefaultResolver.LookupTXT(ctx, name)
		},
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
		fetch: func(ctx context.Context, rawURL string) (*http.Response, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/json")
			return client.Do(req)
		},
	}
}

// parseTXT splits a TXT record value of the form
// "v=uam1; key=ed25519:<b64>; relay=https://..." into tag-value pairs.
// Tag names are lowercased; unknown tags are kept for forward
// compatibility.
func parseTXT(value string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tag, val, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		tags[strings.ToLower(strings.TrimSpace(tag))] = strings.TrimSpace(val)
	}
	return tags
}

// keyFromTags extracts the base64 key from a parsed record. The key
// tag must carry the ed25519: prefix.
func keyFromTags(tags map[string]string) (string, bool) {
	v, ok := strings.CutPrefix(tags["key"], keyPrefix)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// normalizeKey strips an optional ed25519: prefix for comparison.
func normalizeKey(key string) string {
	return strings.TrimPrefix(key, keyPrefix)
}

// VerifyDomainOwnership checks that the agent's registered key is
// published for its domain: DNS TXT at _uam.{domain} first, then the
// HTTPS .well-known fallback. Returns (ok, method, detail) where
// detail is a human-readable outcome suitable for the API response.
func (c *Checker) VerifyDomainOwnership(ctx context.Context, domain, expectedKey, agentAddress string) (bool, string, string) {
	expected := normalizeKey(expectedKey)
	addr, err := protocol.ParseAddress(agentAddress)
	if err != nil {
		return false, "", fmt.Sprintf("invalid agent address: %v", err)
	}

	records, err := c.lookupTXT(ctx, txtPrefix+domain)
	if err != nil {
		c.logger.Debug("DNS TXT lookup failed, trying HTTPS fallback",
			slog.String("domain", domain), slog.String("error", err.Error()))
	}
	for _, record := range records {
		tags := parseTXT(record)
		if tags["v"] != "uam1" {
			continue
		}
		found, ok := keyFromTags(tags)
		if !ok {
			continue
		}
		if normalizeKey(found) == expected {
			return true, MethodDNS, detailDNSMatch
		}
		return false, MethodDNS, detailDNSMismatch
	}

	return c.verifyWellKnown(ctx, domain, addr.Agent, expected)
}

// wellKnownDoc is the HTTPS fallback document:
// {"v": "uam1", "agents": {"<name>": <key>|{"key"|"public_key": <key>}}}.
type wellKnownDoc struct {
	V      string         `json:"v"`
	Agents map[string]any `json:"agents"`
}

func (c *Checker) verifyWellKnown(ctx context.Context, domain, agentName, expected string) (bool, string, string) {
	if !c.isPublicHost(ctx, domain) {
		c.logger.Warn("domain resolves to a non-public address, skipping HTTPS fallback",
			slog.String("domain", domain))
		return false, "", detailNoneFound
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	resp, err := c.fetch(ctx, "https://"+domain+wellKnownPath)
	if err != nil {
		return false, "", detailNoneFound
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, "", detailNoneFound
	}

	var doc wellKnownDoc
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxWellKnownBytes)).Decode(&doc); err != nil {
		return false, "", detailBadJSON
	}
	if doc.V != "uam1" {
		return false, "", detailMissingV
	}

	entry, ok := doc.Agents[agentName]
	if !ok {
		return false, "", fmt.Sprintf("Agent '%s' not found in .well-known/uam.json", agentName)
	}
	if normalizeKey(entryKey(entry)) == expected {
		return true, MethodHTTPS, detailHTTPSMatch
	}
	return false, MethodHTTPS, detailHTTPSMismatch
}

// entryKey reads an agents-map value: either a bare key string or an
// object carrying "key" or "public_key".
func entryKey(entry any) string {
	switch v := entry.(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["key"].(string); ok && s != "" {
			return s
		}
		if s, ok := v["public_key"].(string); ok {
			return s
		}
	}
	return ""
}

// isPublicHost reports whether every address the host resolves to is
// public. Resolution failure refuses: an unresolvable target cannot be
// proven safe.
func (c *Checker) isPublicHost(ctx context.Context, host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return publicIP(ip)
	}
	ips, err := c.lookupIP(ctx, host)
	if err != nil || len(ips) == 0 {
		return false
	}
	for _, ip := range ips {
		if !publicIP(ip) {
			return false
		}
	}
	return true
}

func publicIP(ip net.IP) bool {
	return !(ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified())
}
