package protocol

import (
	"regexp"
	"strings"
)

// Agent: 1-64 chars of lowercase alphanumerics, hyphen, underscore;
// first and last char must be alphanumeric. Domain: DNS-style, 1-255
// chars, first and last char alphanumeric.
var addressRe = regexp.MustCompile(
	`^(?P<agent>[a-z0-9][a-z0-9_-]{0,62}[a-z0-9]|[a-z0-9])::(?P<domain>[a-z0-9](?:[a-z0-9.-]{0,253}[a-z0-9])?)$`,
)

const (
	maxAgentLen   = 64
	maxAddressLen = 128
)

// Address is a parsed UAM address of the form agent::domain, always
// lowercase.
type Address struct {
	Agent  string
	Domain string
}

// String returns the fully-qualified address.
func (a Address) String() string { return a.Agent + "::" + a.Domain }

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool { return a.Agent == "" && a.Domain == "" }

// ParseAddress parses and validates a UAM address string. Input is
// trimmed and lowercased before matching. The agent part is limited to
// 64 characters and the full address to 128.
func ParseAddress(raw string) (Address, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if len(normalized) > maxAddressLen {
		return Address{}, &InvalidAddressError{Input: raw, Reason: "exceeds 128 characters"}
	}
	m := addressRe.FindStringSubmatch(normalized)
	if m == nil {
		return Address{}, &InvalidAddressError{Input: raw, Reason: "must match agent::domain"}
	}
	agent, domain := m[1], m[2]
	if len(agent) > maxAgentLen {
		return Address{}, &InvalidAddressError{Input: raw, Reason: "agent name exceeds 64 characters"}
	}
	return Address{Agent: agent, Domain: domain}, nil
}

// MustParseAddress is ParseAddress that panics on error. For tests and
// trusted constants only.
func MustParseAddress(raw string) Address {
	a, err := ParseAddress(raw)
	if err != nil {
		panic(err)
	}
	return a
}
