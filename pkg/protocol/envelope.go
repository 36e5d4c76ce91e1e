package protocol

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Envelope is a signed, encrypted UAM message. Wire field names differ
// from Go names where noted; from/to are reserved-ish and map to
// From/To.
type Envelope struct {
	Version   string      // uam_version
	MessageID string      // message_id
	From      string      // from
	To        string      // to
	Timestamp string      // timestamp
	Type      MessageType // type
	Nonce     string      // nonce (b64, 24 bytes)
	Payload   string      // payload (b64 ciphertext)
	Signature string      // signature (b64 over canonical signable form)

	// Optional signed fields.
	ThreadID  string         // thread_id
	ReplyTo   string         // reply_to
	Expires   string         // expires
	MediaType string         // media_type
	Metadata  map[string]any // metadata

	// Outside signature scope. Attachments is a v1.1 addition kept
	// unsigned for v1.0 compatibility; SenderKey is an unsigned hint
	// consumed by federation re-verification.
	Attachments []any  // attachments
	SenderKey   string // sender_key
}

var requiredWireFields = []string{
	"uam_version", "message_id", "from", "to", "timestamp", "type", "nonce", "payload", "signature",
}

// NewEnvelope starts an envelope with version, a UUIDv7 message id,
// and the current timestamp. Payload, nonce, and signature are filled
// by Encrypt and Sign.
func NewEnvelope(from, to Address, typ MessageType) *Envelope {
	return &Envelope{
		Version:   Version,
		MessageID: uuid.Must(uuid.NewV7()).String(),
		From:      from.String(),
		To:        to.String(),
		Timestamp: Now(),
		Type:      typ,
	}
}

// Encrypt fills Nonce and Payload. handshake.request payloads use
// SealedBox because the sender may have no prior relationship with the
// recipient; every other type uses authenticated Box. A nonce is
// generated either way because the wire format requires one even
// where SealedBox derives its own internally.
func (e *Envelope) Encrypt(plaintext []byte, ownPriv ed25519.PrivateKey, peerPub ed25519.PublicKey) error {
	if e.Type == TypeHandshakeRequest {
		sealed, err := SealedBox(plaintext, peerPub)
		if err != nil {
			return err
		}
		var nonce [NonceSize]byte
		if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
			return &EncryptionError{Op: "encrypt", Err: err}
		}
		e.Nonce = EncodeB64(nonce[:])
		e.Payload = EncodeB64(sealed)
		return nil
	}
	cipher, nonce, err := Box(plaintext, ownPriv, peerPub)
	if err != nil {
		return err
	}
	e.Nonce = EncodeB64(nonce)
	e.Payload = EncodeB64(cipher)
	return nil
}

// Open decrypts the payload, reversing Encrypt's type rule.
func (e *Envelope) Open(ownPriv ed25519.PrivateKey, peerPub ed25519.PublicKey) ([]byte, error) {
	cipher, err := DecodeB64(e.Payload)
	if err != nil {
		return nil, &EncryptionError{Op: "open", Err: fmt.Errorf("payload not base64: %w", err)}
	}
	if e.Type == TypeHandshakeRequest {
		return OpenSealedBox(cipher, ownPriv)
	}
	nonce, err := DecodeB64(e.Nonce)
	if err != nil {
		return nil, &EncryptionError{Op: "open", Err: fmt.Errorf("nonce not base64: %w", err)}
	}
	return OpenBox(cipher, nonce, ownPriv, peerPub)
}

// signable returns the dict the signature covers: the required fields
// minus signature, plus any optional signed field that is set.
func (e *Envelope) signable() map[string]any {
	d := map[string]any{
		"uam_version": e.Version,
		"message_id":  e.MessageID,
		"from":        e.From,
		"to":          e.To,
		"timestamp":   e.Timestamp,
		"type":        string(e.Type),
		"nonce":       e.Nonce,
		"payload":     e.Payload,
	}
	if e.ThreadID != "" {
		d["thread_id"] = e.ThreadID
	}
	if e.ReplyTo != "" {
		d["reply_to"] = e.ReplyTo
	}
	if e.Expires != "" {
		d["expires"] = e.Expires
	}
	if e.MediaType != "" {
		d["media_type"] = e.MediaType
	}
	if e.Metadata != nil {
		d["metadata"] = e.Metadata
	}
	return d
}

// Wire returns the envelope as a wire-format map, absent optionals
// omitted.
func (e *Envelope) Wire() map[string]any {
	d := e.signable()
	d["signature"] = e.Signature
	if e.Attachments != nil {
		d["attachments"] = e.Attachments
	}
	if e.SenderKey != "" {
		d["sender_key"] = e.SenderKey
	}
	return d
}

// MarshalWire serializes the envelope for storage or forwarding.
func (e *Envelope) MarshalWire() ([]byte, error) {
	return json.Marshal(e.Wire())
}

// Sign computes the signature over the canonical signable form.
func (e *Envelope) Sign(priv ed25519.PrivateKey) error {
	canonical, err := Canonicalize(e.signable())
	if err != nil {
		return err
	}
	e.Signature = Sign(priv, canonical)
	return nil
}

// VerifySignature checks the envelope signature against pub. It
// returns ErrSignatureInvalid (possibly wrapped) when the check fails.
func (e *Envelope) VerifySignature(pub ed25519.PublicKey) error {
	if e.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrSignatureInvalid)
	}
	canonical, err := Canonicalize(e.signable())
	if err != nil {
		return err
	}
	return Verify(pub, e.Signature, canonical)
}

// Validate performs the structural checks shared by FromWire and
// locally built envelopes: version, addresses, type, timestamp, nonce
// length, and the serialized size cap.
func (e *Envelope) Validate() error {
	if e.Version != Version {
		return &InvalidEnvelopeError{Reason: fmt.Sprintf("unsupported uam_version %q", e.Version)}
	}
	if e.MessageID == "" {
		return &InvalidEnvelopeError{Reason: "empty message_id"}
	}
	if _, err := ParseAddress(e.From); err != nil {
		return &InvalidEnvelopeError{Reason: fmt.Sprintf("bad from address: %v", err)}
	}
	if _, err := ParseAddress(e.To); err != nil {
		return &InvalidEnvelopeError{Reason: fmt.Sprintf("bad to address: %v", err)}
	}
	if !e.Type.Known() {
		return &InvalidEnvelopeError{Reason: fmt.Sprintf("unknown type %q", e.Type)}
	}
	if _, err := ParseTimestamp(e.Timestamp); err != nil {
		return &InvalidEnvelopeError{Reason: fmt.Sprintf("bad timestamp: %v", err)}
	}
	nonce, err := DecodeB64(e.Nonce)
	if err != nil {
		return &InvalidEnvelopeError{Reason: "nonce is not valid base64"}
	}
	if len(nonce) != NonceSize {
		return &InvalidEnvelopeError{Reason: fmt.Sprintf("nonce must be %d bytes, got %d", NonceSize, len(nonce))}
	}
	if e.Expires != "" {
		if _, err := ParseTimestamp(e.Expires); err != nil {
			return &InvalidEnvelopeError{Reason: fmt.Sprintf("bad expires: %v", err)}
		}
	}
	size, err := wireSize(e.Wire())
	if err != nil {
		return &InvalidEnvelopeError{Reason: err.Error()}
	}
	if size > MaxEnvelopeBytes {
		return &EnvelopeTooLargeError{Size: size, Limit: MaxEnvelopeBytes}
	}
	return nil
}

// Expired reports whether the envelope's expires field, if set, is in
// the past relative to now. A grace window absorbs clock skew between
// sender and relay.
func (e *Envelope) Expired(now time.Time, grace time.Duration) bool {
	if e.Expires == "" {
		return false
	}
	exp, err := ParseTimestamp(e.Expires)
	if err != nil {
		return false // Validate already rejected malformed values
	}
	return now.After(exp.Add(grace))
}

// FromWire restores and validates an envelope from a wire-format map.
// Unknown keys are dropped and therefore never enter signature scope.
func FromWire(d map[string]any) (*Envelope, error) {
	for _, f := range requiredWireFields {
		if _, ok := d[f]; !ok {
			return nil, &InvalidEnvelopeError{Reason: fmt.Sprintf("missing required field %q", f)}
		}
	}
	e := &Envelope{}
	var err error
	if e.Version, err = wireString(d, "uam_version"); err != nil {
		return nil, err
	}
	if e.MessageID, err = wireString(d, "message_id"); err != nil {
		return nil, err
	}
	if e.From, err = wireString(d, "from"); err != nil {
		return nil, err
	}
	if e.To, err = wireString(d, "to"); err != nil {
		return nil, err
	}
	if e.Timestamp, err = wireString(d, "timestamp"); err != nil {
		return nil, err
	}
	typ, err := wireString(d, "type")
	if err != nil {
		return nil, err
	}
	e.Type = MessageType(typ)
	if e.Nonce, err = wireString(d, "nonce"); err != nil {
		return nil, err
	}
	if e.Payload, err = wireString(d, "payload"); err != nil {
		return nil, err
	}
	if e.Signature, err = wireString(d, "signature"); err != nil {
		return nil, err
	}
	for _, opt := range []struct {
		key string
		dst *string
	}{
		{"thread_id", &e.ThreadID},
		{"reply_to", &e.ReplyTo},
		{"expires", &e.Expires},
		{"media_type", &e.MediaType},
		{"sender_key", &e.SenderKey},
	} {
		if _, ok := d[opt.key]; ok {
			if *opt.dst, err = wireString(d, opt.key); err != nil {
				return nil, err
			}
		}
	}
	if raw, ok := d["metadata"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, &InvalidEnvelopeError{Reason: "metadata must be an object"}
		}
		e.Metadata = m
	}
	if raw, ok := d["attachments"]; ok && raw != nil {
		a, ok := raw.([]any)
		if !ok {
			return nil, &InvalidEnvelopeError{Reason: "attachments must be an array"}
		}
		e.Attachments = a
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// ParseEnvelope decodes raw JSON and restores the envelope. Numbers in
// metadata keep their original text so re-canonicalization is exact.
func ParseEnvelope(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var d map[string]any
	if err := dec.Decode(&d); err != nil {
		return nil, &InvalidEnvelopeError{Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}
	return FromWire(d)
}

func wireString(d map[string]any, key string) (string, error) {
	v, ok := d[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &InvalidEnvelopeError{Reason: fmt.Sprintf("field %q must be a string", key)}
	}
	return s, nil
}
