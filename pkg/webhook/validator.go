// Package webhook delivers envelopes to agent-registered HTTPS
// endpoints: SSRF-guarded URL validation, HMAC-signed POSTs, a retry
// schedule, and a per-agent circuit breaker whose trips persist across
// restarts.
package webhook

import (
	"context"
	"fmt"
	"net"
	"net/url"
)

// Hostnames that must never receive webhook traffic. Cloud metadata
// services hand out credentials to anything that can reach them.
var blockedHostnames = map[string]bool{
	"metadata.google.internal": true,
	"metadata.amazonaws.com":   true,
	"169.254.169.254":          true,
}

// Validator checks webhook URLs at registration time and again before
// every delivery attempt.
type Validator struct {
	// lookup resolves a hostname; tests stub it out.
	lookup func(ctx context.Context, host string) ([]net.IP, error)
}

// NewValidator returns a validator using the system resolver.
func NewValidator() *Validator {
	return &Validator{
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
	}
}

// Validate rejects URLs that are not plain HTTPS to a public address.
// DNS failures reject: an unresolvable target cannot be proven safe.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use HTTPS")
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("webhook URL has no hostname")
	}
	if blockedHostnames[host] {
		return fmt.Errorf("blocked hostname: %s", host)
	}
	if !v.isPublicHost(ctx, host) {
		return fmt.Errorf("webhook URL resolves to a private or non-routable IP address")
	}
	return nil
}

func (v *Validator) isPublicHost(ctx context.Context, host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return publicIP(ip)
	}
	ips, err := v.lookup(ctx, host)
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
