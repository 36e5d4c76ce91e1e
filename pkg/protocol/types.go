// Package protocol implements the UAM wire protocol: addresses, the
// canonical JSON signing form, Ed25519 identity keys, NaCl Box /
// SealedBox payload encryption, message envelopes, and contact cards.
package protocol

import (
	"encoding/base64"
	"strings"
	"time"
)

// Version is the UAM protocol version spoken by this implementation.
const Version = "0.1"

// MaxEnvelopeBytes is the maximum serialized envelope size (64 KB).
const MaxEnvelopeBytes = 65536

// NonceSize is the NaCl Box nonce length in bytes.
const NonceSize = 24

// MessageType enumerates every UAM message type.
type MessageType string

const (
	TypeMessage          MessageType = "message"
	TypeHandshakeRequest MessageType = "handshake.request"
	TypeHandshakeAccept  MessageType = "handshake.accept"
	TypeHandshakeDeny    MessageType = "handshake.deny"
	TypeReceiptDelivered MessageType = "receipt.delivered"
	TypeReceiptRead      MessageType = "receipt.read"
	TypeReceiptFailed    MessageType = "receipt.failed"
	TypeSessionRequest   MessageType = "session.request"
	TypeSessionAccept    MessageType = "session.accept"
	TypeSessionDecline   MessageType = "session.decline"
	TypeSessionEnd       MessageType = "session.end"
)

var knownTypes = map[MessageType]bool{
	TypeMessage:          true,
	TypeHandshakeRequest: true,
	TypeHandshakeAccept:  true,
	TypeHandshakeDeny:    true,
	TypeReceiptDelivered: true,
	TypeReceiptRead:      true,
	TypeReceiptFailed:    true,
	TypeSessionRequest:   true,
	TypeSessionAccept:    true,
	TypeSessionDecline:   true,
	TypeSessionEnd:       true,
}

// Known reports whether t is a recognized message type.
func (t MessageType) Known() bool { return knownTypes[t] }

// IsReceipt reports whether t is one of the receipt.* types. Receipts
// are exempt from the relay policy chain.
func (t MessageType) IsReceipt() bool {
	return strings.HasPrefix(string(t), "receipt.")
}

// EncodeB64 returns the URL-safe base64 encoding of data with padding
// stripped. This is the only emit form UAM uses.
func EncodeB64(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeB64 decodes base64 tolerantly: padded or unpadded, standard or
// URL-safe alphabet.
func DecodeB64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	s = strings.ReplaceAll(s, "+", "-")
	s = strings.ReplaceAll(s, "/", "_")
	return base64.RawURLEncoding.DecodeString(s)
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

// UTCTimestamp formats t as the UAM canonical timestamp:
// YYYY-MM-DDTHH:MM:SS.mmmZ (millisecond precision, literal Z).
func UTCTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Now returns the current time as a canonical timestamp string.
func Now() string { return UTCTimestamp(time.Now()) }

// ParseTimestamp parses a UAM timestamp. Offsets other than Z are
// accepted on input and normalized to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
