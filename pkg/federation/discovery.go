package federation

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

	"github.com/Masterminds/semver/v3"

	"github.com/YouAM-Network/uam-relay/pkg/protocol"
	"github.com/YouAM-Network/uam-relay/pkg/store"
)

// wellKnownPath is where every relay publishes its identity document.
const wellKnownPath = "/.well-known/uam-relay.json"

// maxIdentityBytes caps the identity document fetch.
const maxIdentityBytes = 64 * 1024

// Discoverer resolves a peer domain to its relay endpoint and signing
// key: known_relays cache first, then DNS SRV, then the well-known
// document on the domain itself.
type Discoverer struct {
	st     *store.Store
	client *http.Client
	logger *slog.Logger
	ttl    time.Duration

	// lookupSRV and now are swapped out by tests.
	lookupSRV func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	now       func() time.Time
}

// NewDiscoverer builds a discoverer. ttl bounds how long cache entries
// stay fresh; timeout applies to identity fetches.
func NewDiscoverer(st *store.Store, logger *slog.Logger, ttl, timeout time.Duration) *Discoverer {
	return &Discoverer{
		st:        st,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With(slog.String("component", "federation-discovery")),
		ttl:       ttl,
		lookupSRV: net.DefaultResolver.LookupSRV,
		now:       time.Now,
	}
}

// Resolve returns the relay serving domain. Fresh cache entries are
// returned as-is; otherwise discovery runs and the result is cached.
// When discovery fails but a stale entry exists, the stale entry is
// used rather than dropping the message on the floor.
func (d *Discoverer) Resolve(ctx context.Context, domain string) (*store.KnownRelay, error) {
	cached, err := d.st.KnownRelayByDomain(ctx, domain)
	if err == nil && cached.Status == "active" && !cached.Expired(d.now().UTC()) {
		return cached, nil
	}

	relay, derr := d.discover(ctx, domain)
	if derr != nil {
		if cached != nil {
			d.logger.Warn("discovery failed, using stale cache entry",
				slog.String("domain", domain), slog.String("error", derr.Error()))
			return cached, nil
		}
		return nil, derr
	}
	if err := d.st.UpsertKnownRelay(ctx, relay); err != nil {
		d.logger.Warn("relay cache write failed",
			slog.String("domain", domain), slog.String("error", err.Error()))
	}
	return relay, nil
}

// Evict drops the cache entry so the next Resolve rediscovers, used
// when a peer's signature stops verifying (key rotation).
func (d *Discoverer) Evict(ctx context.Context, domain string) error {
	return d.st.DeleteKnownRelay(ctx, domain)
}

func (d *Discoverer) discover(ctx context.Context, domain string) (*store.KnownRelay, error) {
	if base, ok := d.srvTarget(ctx, domain); ok {
		relay, err := d.fetchIdentity(ctx, base, domain, "dns-srv")
		if err == nil {
			return relay, nil
		}
		d.logger.Debug("SRV target did not serve an identity document",
			slog.String("domain", domain), slog.String("target", base),
			slog.String("error", err.Error()))
	}
	return d.fetchIdentity(ctx, "https://"+domain, domain, "well-known")
}

// srvTarget resolves _uam._tcp.{domain} and returns the base URL of
// the best record. Go's resolver already orders by priority and
// weight.
func (d *Discoverer) srvTarget(ctx context.Context, domain string) (string, bool) {
	_, recs, err := d.lookupSRV(ctx, "uam", "tcp", domain)
	if err != nil || len(recs) == 0 {
		return "", false
	}
	rec := recs[0]
	host := strings.TrimSuffix(rec.Target, ".")
	if host == "" {
		return "", false
	}
	return fmt.Sprintf("https://%s:%d", host, rec.Port), true
}

// fetchIdentity GETs and validates a peer's identity document.
func (d *Discoverer) fetchIdentity(ctx context.Context, base, domain, via string) (*store.KnownRelay, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+wellKnownPath, nil)
	if err != nil {
		return nil, fmt.Errorf("federation: identity request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("federation: identity fetch for %s: %w", domain, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("federation: identity fetch for %s: HTTP %d", domain, resp.StatusCode)
	}

	var id Identity
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIdentityBytes)).Decode(&id); err != nil {
		return nil, fmt.Errorf("federation: identity document for %s: %w", domain, err)
	}
	if id.FederationEndpoint == "" {
		return nil, fmt.Errorf("federation: identity document for %s has no federation_endpoint", domain)
	}
	if _, err := protocol.DecodePublicKey(id.PublicKey); err != nil {
		return nil, fmt.Errorf("federation: identity document for %s: %w", domain, err)
	}
	d.warnOnVersionSkew(domain, id.Version)

	ttlHours := int(d.ttl / time.Hour)
	if ttlHours < 1 {
		ttlHours = 1
	}
	return &store.KnownRelay{
		Domain:        domain,
		FederationURL: id.FederationEndpoint,
		PublicKey:     id.PublicKey,
		Version:       id.Version,
		DiscoveredVia: via,
		LastVerified:  d.now().UTC(),
		TTLHours:      ttlHours,
		Status:        "active",
	}, nil
}

// warnOnVersionSkew flags a protocol major-version mismatch. Skew never
// blocks interop; the envelope validation decides what we accept.
func (d *Discoverer) warnOnVersionSkew(domain, peerVersion string) {
	if peerVersion == "" {
		return
	}
	peer, err := semver.NewVersion(peerVersion)
	if err != nil {
		d.logger.Warn("peer advertises an unparseable protocol version",
			slog.String("domain", domain), slog.String("version", peerVersion))
		return
	}
	ours, err := semver.NewVersion(protocol.Version)
	if err != nil {
		return
	}
	if peer.Major() != ours.Major() {
		d.logger.Warn("peer protocol major version differs",
			slog.String("domain", domain),
			slog.String("peer_version", peerVersion),
			slog.String("our_version", protocol.Version))
	}
}
