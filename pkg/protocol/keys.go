package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"filippo.io/edwards25519"
)

// GenerateKeypair returns a fresh Ed25519 keypair.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("key generation failed: %w", err)
	}
	return pub, priv, nil
}

// EncodePublicKey serializes an Ed25519 public key (unpadded URL-safe
// base64 of the raw 32 bytes).
func EncodePublicKey(pub ed25519.PublicKey) string { return EncodeB64(pub) }

// DecodePublicKey parses a serialized Ed25519 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := DecodeB64(s)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d bytes", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodePrivateKey serializes an Ed25519 private key as its 32-byte
// seed.
func EncodePrivateKey(priv ed25519.PrivateKey) string {
	return EncodeB64(priv.Seed())
}

// DecodePrivateKey parses a serialized Ed25519 seed.
func DecodePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := DecodeB64(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key encoding: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid private key size: %d bytes", len(raw))
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

// Fingerprint returns the lowercase hex SHA-256 digest of the raw
// public key bytes.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Sign returns the base64 Ed25519 signature of data.
func Sign(priv ed25519.PrivateKey, data []byte) string {
	return EncodeB64(ed25519.Sign(priv, data))
}

// Verify checks a base64 Ed25519 signature over data. It returns
// ErrSignatureInvalid on mismatch and a decode error on malformed
// input.
func Verify(pub ed25519.PublicKey, sigB64 string, data []byte) error {
	sig, err := DecodeB64(sigB64)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature size: %d bytes", len(sig))
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// publicKeyToCurve converts an Ed25519 public key to its X25519
// counterpart (edwards point decompression, then the Montgomery u
// coordinate).
func publicKeyToCurve(pub ed25519.PublicKey) (*[32]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("not a valid edwards25519 point: %w", err)
	}
	var out [32]byte
	copy(out[:], p.BytesMontgomery())
	return &out, nil
}

// privateKeyToCurve converts an Ed25519 private key to its X25519
// counterpart: SHA-512 of the seed, clamped per RFC 7748.
func privateKeyToCurve(priv ed25519.PrivateKey) *[32]byte {
	h := sha512.Sum512(priv.Seed())
	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return &out
}
