// Package spam holds the address and relay allow/block lists. Lookups
// are two set probes; mutations write through to the store so the
// sets survive restarts.
package spam

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/YouAM-Network/uam-relay/pkg/store"
)

// Filter answers blocklist/allowlist questions for the routing
// pipeline and the federation gate.
type Filter struct {
	mu            sync.RWMutex
	st            *store.Store
	logger        *slog.Logger
	blockedExact  map[string]struct{}
	blockedDomain map[string]struct{}
	allowedExact  map[string]struct{}
	allowedDomain map[string]struct{}
	relayBlocked  map[string]struct{}
	relayAllowed  map[string]struct{}
}

// NewFilter builds an empty filter; call Load before serving.
func NewFilter(st *store.Store, logger *slog.Logger) *Filter {
	return &Filter{
		st:            st,
		logger:        logger.With(slog.String("component", "spam_filter")),
		blockedExact:  make(map[string]struct{}),
		blockedDomain: make(map[string]struct{}),
		allowedExact:  make(map[string]struct{}),
		allowedDomain: make(map[string]struct{}),
		relayBlocked:  make(map[string]struct{}),
		relayAllowed:  make(map[string]struct{}),
	}
}

// Load replaces the in-memory sets with the persisted lists.
func (f *Filter) Load(ctx context.Context) error {
	blocked, err := f.st.ListBlockPatterns(ctx)
	if err != nil {
		return err
	}
	allowed, err := f.st.ListAllowPatterns(ctx)
	if err != nil {
		return err
	}
	relayBlocked, err := f.st.ListBlockedRelays(ctx)
	if err != nil {
		return err
	}
	relayAllowed, err := f.st.ListAllowedRelays(ctx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockedExact = make(map[string]struct{})
	f.blockedDomain = make(map[string]struct{})
	for _, e := range blocked {
		f.insertPattern(f.blockedExact, f.blockedDomain, e.Pattern)
	}
	f.allowedExact = make(map[string]struct{})
	f.allowedDomain = make(map[string]struct{})
	for _, e := range allowed {
		f.insertPattern(f.allowedExact, f.allowedDomain, e.Pattern)
	}
	f.relayBlocked = make(map[string]struct{})
	for _, e := range relayBlocked {
		f.relayBlocked[strings.ToLower(e.Pattern)] = struct{}{}
	}
	f.relayAllowed = make(map[string]struct{})
	for _, e := range relayAllowed {
		f.relayAllowed[strings.ToLower(e.Pattern)] = struct{}{}
	}

	f.logger.Info("policy lists loaded",
		slog.Int("blocklist", len(blocked)),
		slog.Int("allowlist", len(allowed)),
		slog.Int("relay_blocklist", len(relayBlocked)),
		slog.Int("relay_allowlist", len(relayAllowed)))
	return nil
}

// insertPattern files a pattern into the exact or wildcard set.
// Caller holds the write lock.
func (f *Filter) insertPattern(exact, domains map[string]struct{}, pattern string) {
	pattern = strings.ToLower(pattern)
	if name, domain, ok := strings.Cut(pattern, "::"); ok && name == "*" {
		domains[domain] = struct{}{}
		return
	}
	exact[pattern] = struct{}{}
}

// ValidPattern reports whether a pattern has the name::domain shape.
func ValidPattern(pattern string) bool {
	name, domain, ok := strings.Cut(pattern, "::")
	return ok && name != "" && domain != ""
}

// Blocked reports whether an address matches the blocklist, exactly or
// by *::domain wildcard.
func (f *Filter) Blocked(address string) bool {
	address = strings.ToLower(address)
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, hit := f.blockedExact[address]; hit {
		return true
	}
	if _, domain, ok := strings.Cut(address, "::"); ok {
		_, hit := f.blockedDomain[domain]
		return hit
	}
	return false
}

// Allowlisted reports whether an address is exempt from domain-window
// throttling.
func (f *Filter) Allowlisted(address string) bool {
	address = strings.ToLower(address)
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, hit := f.allowedExact[address]; hit {
		return true
	}
	if _, domain, ok := strings.Cut(address, "::"); ok {
		_, hit := f.allowedDomain[domain]
		return hit
	}
	return false
}

// RelayBlocked reports whether a peer relay domain is refused
// outright.
func (f *Filter) RelayBlocked(domain string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, hit := f.relayBlocked[strings.ToLower(domain)]
	return hit
}

// RelayAllowed reports whether a peer relay skips reputation-based
// inbound throttling.
func (f *Filter) RelayAllowed(domain string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, hit := f.relayAllowed[strings.ToLower(domain)]
	return hit
}

// BlockPattern adds a blocklist pattern and persists it.
func (f *Filter) BlockPattern(ctx context.Context, pattern, reason string) error {
	if !ValidPattern(pattern) {
		return fmt.Errorf("invalid pattern %q: want name::domain or *::domain", pattern)
	}
	if err := f.st.AddBlockPattern(ctx, strings.ToLower(pattern), reason); err != nil {
		return err
	}
	f.mu.Lock()
	f.insertPattern(f.blockedExact, f.blockedDomain, pattern)
	f.mu.Unlock()
	return nil
}

// UnblockPattern removes a blocklist pattern. Returns false when the
// pattern was not present.
func (f *Filter) UnblockPattern(ctx context.Context, pattern string) (bool, error) {
	pattern = strings.ToLower(pattern)
	removed, err := f.st.RemoveBlockPattern(ctx, pattern)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	f.removePattern(f.blockedExact, f.blockedDomain, pattern)
	f.mu.Unlock()
	return removed, nil
}

// AllowPattern adds an allowlist pattern and persists it.
func (f *Filter) AllowPattern(ctx context.Context, pattern, reason string) error {
	if !ValidPattern(pattern) {
		return fmt.Errorf("invalid pattern %q: want name::domain or *::domain", pattern)
	}
	if err := f.st.AddAllowPattern(ctx, strings.ToLower(pattern), reason); err != nil {
		return err
	}
	f.mu.Lock()
	f.insertPattern(f.allowedExact, f.allowedDomain, pattern)
	f.mu.Unlock()
	return nil
}

// UnallowPattern removes an allowlist pattern.
func (f *Filter) UnallowPattern(ctx context.Context, pattern string) (bool, error) {
	pattern = strings.ToLower(pattern)
	removed, err := f.st.RemoveAllowPattern(ctx, pattern)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	f.removePattern(f.allowedExact, f.allowedDomain, pattern)
	f.mu.Unlock()
	return removed, nil
}

func (f *Filter) removePattern(exact, domains map[string]struct{}, pattern string) {
	if name, domain, ok := strings.Cut(pattern, "::"); ok && name == "*" {
		delete(domains, domain)
		return
	}
	delete(exact, pattern)
}

// BlockRelay adds a peer domain to the relay blocklist.
func (f *Filter) BlockRelay(ctx context.Context, domain, reason string) error {
	domain = strings.ToLower(domain)
	if err := f.st.BlockRelay(ctx, domain, reason); err != nil {
		return err
	}
	f.mu.Lock()
	f.relayBlocked[domain] = struct{}{}
	f.mu.Unlock()
	return nil
}

// UnblockRelay removes a peer domain from the relay blocklist.
func (f *Filter) UnblockRelay(ctx context.Context, domain string) (bool, error) {
	domain = strings.ToLower(domain)
	removed, err := f.st.UnblockRelay(ctx, domain)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	delete(f.relayBlocked, domain)
	f.mu.Unlock()
	return removed, nil
}

// AllowRelay adds a peer domain to the relay allowlist.
func (f *Filter) AllowRelay(ctx context.Context, domain, reason string) error {
	domain = strings.ToLower(domain)
	if err := f.st.AllowRelay(ctx, domain, reason); err != nil {
		return err
	}
	f.mu.Lock()
	f.relayAllowed[domain] = struct{}{}
	f.mu.Unlock()
	return nil
}

// UnallowRelay removes a peer domain from the relay allowlist.
func (f *Filter) UnallowRelay(ctx context.Context, domain string) (bool, error) {
	domain = strings.ToLower(domain)
	removed, err := f.st.UnallowRelay(ctx, domain)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	delete(f.relayAllowed, domain)
	f.mu.Unlock()
	return removed, nil
}
