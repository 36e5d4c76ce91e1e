package protocol

import (
	"crypto/ed25519"
	"fmt"
)

// ContactCard is a self-signed identity document an agent shares during
// handshakes. The signature is made with the card's own public key, so
// possession of the matching private key is what it proves.
type ContactCard struct {
	Version     string // version
	Address     string // address
	DisplayName string // display_name
	Relay       string // relay
	PublicKey   string // public_key
	Signature   string // signature

	// Optional signed fields.
	Description        string // description
	System             string // system
	ConnectionEndpoint string // connection_endpoint
	VerifiedDomain     string // verified_domain

	// Post-v1.0 additions, deliberately outside signature scope so
	// v1.0 verifiers keep accepting newer cards.
	PayloadFormats []string // payload_formats
	Fingerprint    string   // fingerprint
}

// NewContactCard builds an unsigned card for addr with the fingerprint
// precomputed from pub. Call Sign before sharing it.
func NewContactCard(addr Address, displayName, relay string, pub ed25519.PublicKey) *ContactCard {
	return &ContactCard{
		Version:     Version,
		Address:     addr.String(),
		DisplayName: displayName,
		Relay:       relay,
		PublicKey:   EncodePublicKey(pub),
		Fingerprint: Fingerprint(pub),
	}
}

func (c *ContactCard) signable() map[string]any {
	d := map[string]any{
		"version":      c.Version,
		"address":      c.Address,
		"display_name": c.DisplayName,
		"relay":        c.Relay,
		"public_key":   c.PublicKey,
	}
	if c.Description != "" {
		d["description"] = c.Description
	}
	if c.System != "" {
		d["system"] = c.System
	}
	if c.ConnectionEndpoint != "" {
		d["connection_endpoint"] = c.ConnectionEndpoint
	}
	if c.VerifiedDomain != "" {
		d["verified_domain"] = c.VerifiedDomain
	}
	return d
}

// Wire returns the card as a wire-format map.
func (c *ContactCard) Wire() map[string]any {
	d := c.signable()
	d["signature"] = c.Signature
	if c.PayloadFormats != nil {
		d["payload_formats"] = c.PayloadFormats
	}
	if c.Fingerprint != "" {
		d["fingerprint"] = c.Fingerprint
	}
	return d
}

// Sign computes the card signature. priv must correspond to
// c.PublicKey or Verify will fail later.
func (c *ContactCard) Sign(priv ed25519.PrivateKey) error {
	canonical, err := Canonicalize(c.signable())
	if err != nil {
		return err
	}
	c.Signature = Sign(priv, canonical)
	return nil
}

// Verify checks the self-signature and, when a fingerprint is present,
// its consistency with the public key.
func (c *ContactCard) Verify() error {
	pub, err := DecodePublicKey(c.PublicKey)
	if err != nil {
		return &InvalidContactCardError{Reason: err.Error()}
	}
	if c.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrSignatureInvalid)
	}
	canonical, err := Canonicalize(c.signable())
	if err != nil {
		return err
	}
	if err := Verify(pub, c.Signature, canonical); err != nil {
		return err
	}
	if c.Fingerprint != "" && c.Fingerprint != Fingerprint(pub) {
		return &InvalidContactCardError{Reason: "fingerprint does not match public key"}
	}
	return nil
}

// ContactCardFromWire restores a card from a wire-format map. When
// verify is true the signature is checked immediately.
func ContactCardFromWire(d map[string]any, verify bool) (*ContactCard, error) {
	for _, f := range []string{"version", "address", "display_name", "relay", "public_key", "signature"} {
		if _, ok := d[f]; !ok {
			return nil, &InvalidContactCardError{Reason: fmt.Sprintf("missing required field %q", f)}
		}
	}
	c := &ContactCard{}
	for _, fld := range []struct {
		key string
		dst *string
	}{
		{"version", &c.Version},
		{"address", &c.Address},
		{"display_name", &c.DisplayName},
		{"relay", &c.Relay},
		{"public_key", &c.PublicKey},
		{"signature", &c.Signature},
		{"description", &c.Description},
		{"system", &c.System},
		{"connection_endpoint", &c.ConnectionEndpoint},
		{"verified_domain", &c.VerifiedDomain},
		{"fingerprint", &c.Fingerprint},
	} {
		if v, ok := d[fld.key]; ok && v != nil {
			s, ok := v.(string)
			if !ok {
				return nil, &InvalidContactCardError{Reason: fmt.Sprintf("field %q must be a string", fld.key)}
			}
			*fld.dst = s
		}
	}
	if raw, ok := d["payload_formats"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, &InvalidContactCardError{Reason: "payload_formats must be an array"}
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, &InvalidContactCardError{Reason: "payload_formats entries must be strings"}
			}
			c.PayloadFormats = append(c.PayloadFormats, s)
		}
	}
	if _, err := ParseAddress(c.Address); err != nil {
		return nil, &InvalidContactCardError{Reason: fmt.Sprintf("bad address: %v", err)}
	}
	if verify {
		if err := c.Verify(); err != nil {
			return nil, err
		}
	}
	return c, nil
}
