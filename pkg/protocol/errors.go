package protocol

import (
	"errors"
	"fmt"
)

// ErrSignatureInvalid is returned when an Ed25519 signature does not
// verify against the expected public key.
var ErrSignatureInvalid = errors.New("signature verification failed")

// InvalidAddressError reports a malformed UAM address.
type InvalidAddressError struct {
	Input  string
	Reason string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid UAM address %q: %s", e.Input, e.Reason)
}

// InvalidEnvelopeError reports a structurally invalid envelope.
type InvalidEnvelopeError struct {
	Reason string
}

func (e *InvalidEnvelopeError) Error() string {
	return "invalid envelope: " + e.Reason
}

// EnvelopeTooLargeError reports an envelope whose serialized form
// exceeds MaxEnvelopeBytes.
type EnvelopeTooLargeError struct {
	Size  int
	Limit int
}

func (e *EnvelopeTooLargeError) Error() string {
	return fmt.Sprintf("envelope size %d bytes exceeds maximum %d bytes", e.Size, e.Limit)
}

// InvalidContactCardError reports a malformed contact card.
type InvalidContactCardError struct {
	Reason string
}

func (e *InvalidContactCardError) Error() string {
	return "invalid contact card: " + e.Reason
}

// EncryptionError wraps failures in Box / SealedBox operations.
type EncryptionError struct {
	Op  string
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }
