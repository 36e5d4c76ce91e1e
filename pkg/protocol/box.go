package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

const sealedOverhead = 32 + box.Overhead

// Box encrypts plaintext for the holder of peerPub using authenticated
// NaCl Box under a fresh random nonce. Both keys are Ed25519 and are
// converted to X25519 internally. The nonce travels in the envelope.
func Box(plaintext []byte, ownPriv ed25519.PrivateKey, peerPub ed25519.PublicKey) (ciphertext, nonce []byte, err error) {
	curvePub, err := publicKeyToCurve(peerPub)
	if err != nil {
		return nil, nil, &EncryptionError{Op: "box", Err: err}
	}
	curvePriv := privateKeyToCurve(ownPriv)

	var n [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return nil, nil, &EncryptionError{Op: "box", Err: err}
	}
	out := box.Seal(nil, plaintext, &n, curvePub, curvePriv)
	return out, n[:], nil
}

// OpenBox decrypts a Box ciphertext produced by the peer.
func OpenBox(ciphertext, nonce []byte, ownPriv ed25519.PrivateKey, peerPub ed25519.PublicKey) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, &EncryptionError{Op: "open box", Err: fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))}
	}
	curvePub, err := publicKeyToCurve(peerPub)
	if err != nil {
		return nil, &EncryptionError{Op: "open box", Err: err}
	}
	curvePriv := privateKeyToCurve(ownPriv)

	var n [NonceSize]byte
	copy(n[:], nonce)
	plain, ok := box.Open(nil, ciphertext, &n, curvePub, curvePriv)
	if !ok {
		return nil, &EncryptionError{Op: "open box", Err: errors.New("decryption failed")}
	}
	return plain, nil
}

// SealedBox encrypts plaintext for the holder of peerPub without
// authenticating the sender: an ephemeral keypair is generated, and the
// Box nonce is BLAKE2b-24(ephemeralPub || recipientPub). Output layout
// is ephemeralPub(32) || box. Used for handshake.request payloads where
// no prior relationship exists.
func SealedBox(plaintext []byte, peerPub ed25519.PublicKey) ([]byte, error) {
	curvePub, err := publicKeyToCurve(peerPub)
	if err != nil {
		return nil, &EncryptionError{Op: "sealed box", Err: err}
	}
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, &EncryptionError{Op: "sealed box", Err: err}
	}
	nonce, err := sealedNonce(ephPub, curvePub)
	if err != nil {
		return nil, &EncryptionError{Op: "sealed box", Err: err}
	}
	out := make([]byte, 0, len(plaintext)+sealedOverhead)
	out = append(out, ephPub[:]...)
	out = box.Seal(out, plaintext, nonce, curvePub, ephPriv)
	return out, nil
}

// OpenSealedBox decrypts a SealedBox ciphertext addressed to ownPriv.
func OpenSealedBox(ciphertext []byte, ownPriv ed25519.PrivateKey) ([]byte, error) {
	if len(ciphertext) < sealedOverhead {
		return nil, &EncryptionError{Op: "open sealed box", Err: fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))}
	}
	ownPub, ok := ownPriv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, &EncryptionError{Op: "open sealed box", Err: errors.New("not an ed25519 private key")}
	}
	curvePub, err := publicKeyToCurve(ownPub)
	if err != nil {
		return nil, &EncryptionError{Op: "open sealed box", Err: err}
	}
	curvePriv := privateKeyToCurve(ownPriv)

	var ephPub [32]byte
	copy(ephPub[:], ciphertext[:32])
	nonce, err := sealedNonce(&ephPub, curvePub)
	if err != nil {
		return nil, &EncryptionError{Op: "open sealed box", Err: err}
	}
	plain, ok := box.Open(nil, ciphertext[32:], nonce, &ephPub, curvePriv)
	if !ok {
		return nil, &EncryptionError{Op: "open sealed box", Err: errors.New("decryption failed")}
	}
	return plain, nil
}

func sealedNonce(ephPub, recipientPub *[32]byte) (*[NonceSize]byte, error) {
	h, err := blake2b.New(NonceSize, nil)
	if err != nil {
		return nil, err
	}
	h.Write(ephPub[:])
	h.Write(recipientPub[:])
	var nonce [NonceSize]byte
	copy(nonce[:], h.Sum(nil))
	return &nonce, nil
}
