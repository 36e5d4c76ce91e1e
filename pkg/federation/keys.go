// Package federation implements relay-to-relay message exchange:
// identity keys, peer discovery, signed outbound forwards with a
// durable retry queue, and the inbound delivery gate.
package federation

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/YouAM-Network/uam-relay/pkg/config"
	"github.com/YouAM-Network/uam-relay/pkg/protocol"
)

// LoadOrCreateKey returns the relay's Ed25519 identity key, generating
// and storing the 32-byte seed at path on first boot. The file is
// created 0600; peers learn the public half from our well-known
// document, so losing this file orphans any cached discovery entries
// pointing at us.
func LoadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.SeedSize {
			return nil, fmt.Errorf("federation: relay key %s: expected %d-byte seed, found %d bytes",
				path, ed25519.SeedSize, len(raw))
		}
		return ed25519.NewKeyFromSeed(raw), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("federation: read relay key: %w", err)
	}

	_, priv, err := protocol.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("federation: generate relay key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("federation: create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("federation: write relay key: %w", err)
	}
	return priv, nil
}

// Identity is the document served at /.well-known/uam-relay.json.
type Identity struct {
	RelayDomain        string `json:"relay_domain"`
	FederationEndpoint string `json:"federation_endpoint"`
	PublicKey          string `json:"public_key"`
	Version            string `json:"version"`
}

// NewIdentity builds this relay's discovery document.
func NewIdentity(cfg *config.Settings, pub ed25519.PublicKey) Identity {
	return Identity{
		RelayDomain:        cfg.RelayDomain,
		FederationEndpoint: cfg.HTTPURL + "/api/v1/federation/deliver",
		PublicKey:          protocol.EncodePublicKey(pub),
		Version:            protocol.Version,
	}
}
