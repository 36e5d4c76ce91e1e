package protocol

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func signedTestEnvelope(t *testing.T) (*Envelope, ed25519.PublicKey) {
	t.Helper()
	senderPub, senderPriv, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	recipPub, _, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	e := NewEnvelope(MustParseAddress("alice::example.com"), MustParseAddress("bob::youam.network"), TypeMessage)
	if err := e.Encrypt([]byte("hi bob"), senderPriv, recipPub); err != nil {
		t.Fatal(err)
	}
	if err := e.Sign(senderPriv); err != nil {
		t.Fatal(err)
	}
	return e, senderPub
}

func TestNewEnvelope_Defaults(t *testing.T) {
	e := NewEnvelope(MustParseAddress("alice::example.com"), MustParseAddress("bob::youam.network"), TypeMessage)

	if e.Version != Version {
		t.Errorf("version %q, want %q", e.Version, Version)
	}
	id, err := uuid.Parse(e.MessageID)
	if err != nil {
		t.Fatalf("message_id not a UUID: %v", err)
	}
	if id.Version() != 7 {
		t.Errorf("message_id UUID version %d, want 7", id.Version())
	}
	if _, err := ParseTimestamp(e.Timestamp); err != nil {
		t.Errorf("timestamp does not parse: %v", err)
	}
	if e.From != "alice::example.com" || e.To != "bob::youam.network" {
		t.Errorf("addresses %q -> %q", e.From, e.To)
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	senderPub, senderPriv, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	recipPub, recipPriv, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte(`{"text":"lunch at noon?"}`)
	e := NewEnvelope(MustParseAddress("alice::example.com"), MustParseAddress("bob::youam.network"), TypeMessage)
	e.ThreadID = "thread-7"
	e.Metadata = map[string]any{"seq": 42, "tag": "casual"}
	if err := e.Encrypt(plaintext, senderPriv, recipPub); err != nil {
		t.Fatal(err)
	}
	if err := e.Sign(senderPriv); err != nil {
		t.Fatal(err)
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	data, err := e.MarshalWire()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}

	if err := got.VerifySignature(senderPub); err != nil {
		t.Errorf("signature did not survive the wire: %v", err)
	}
	opened, err := got.Open(recipPriv, senderPub)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("plaintext mismatch: %q", opened)
	}
	if got.ThreadID != "thread-7" {
		t.Errorf("thread_id lost: %q", got.ThreadID)
	}

	// Re-serialization must agree on the canonical form, including
	// numbers inside metadata.
	before, err := Canonicalize(e.Wire())
	if err != nil {
		t.Fatal(err)
	}
	after, err := Canonicalize(got.Wire())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Errorf("canonical form changed across the wire:\n%s\n%s", before, after)
	}
}

func TestEnvelope_HandshakeRequestUsesSealedBox(t *testing.T) {
	senderPub, senderPriv, _ := GenerateKeypair()
	recipPub, recipPriv, _ := GenerateKeypair()
	_, evePriv, _ := GenerateKeypair()

	plaintext := []byte("requesting handshake")
	e := NewEnvelope(MustParseAddress("alice::example.com"), MustParseAddress("bob::youam.network"), TypeHandshakeRequest)
	if err := e.Encrypt(plaintext, senderPriv, recipPub); err != nil {
		t.Fatal(err)
	}

	cipher, err := DecodeB64(e.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(cipher) != len(plaintext)+sealedOverhead {
		t.Errorf("payload length %d, want sealed-box %d", len(cipher), len(plaintext)+sealedOverhead)
	}
	nonce, err := DecodeB64(e.Nonce)
	if err != nil || len(nonce) != NonceSize {
		t.Errorf("handshake envelope still needs a %d-byte nonce on the wire: %v", NonceSize, err)
	}

	opened, err := e.Open(recipPriv, senderPub)
	if err != nil {
		t.Fatalf("recipient could not open handshake: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("plaintext mismatch: %q", opened)
	}
	if _, err := e.Open(evePriv, senderPub); err == nil {
		t.Error("third party opened a sealed handshake payload")
	}
}

func TestEnvelope_VerifySignatureFailures(t *testing.T) {
	e, senderPub := signedTestEnvelope(t)
	otherPub, _, _ := GenerateKeypair()

	tampered := *e
	tampered.Payload = EncodeB64([]byte("swapped payload"))
	if err := tampered.VerifySignature(senderPub); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("tampered payload: got %v, want ErrSignatureInvalid", err)
	}

	unsigned := *e
	unsigned.Signature = ""
	if err := unsigned.VerifySignature(senderPub); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("missing signature: got %v, want ErrSignatureInvalid", err)
	}

	if err := e.VerifySignature(otherPub); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("wrong key: got %v, want ErrSignatureInvalid", err)
	}
}

func TestEnvelope_UnsignedFieldsDoNotBreakSignature(t *testing.T) {
	e, senderPub := signedTestEnvelope(t)

	e.Attachments = []any{map[string]any{"name": "notes.txt", "size": 12}}
	e.SenderKey = EncodeB64(senderPub)
	if err := e.VerifySignature(senderPub); err != nil {
		t.Fatalf("attachments/sender_key must stay outside signature scope: %v", err)
	}

	data, err := e.MarshalWire()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := got.VerifySignature(senderPub); err != nil {
		t.Errorf("signature broke after wire round trip: %v", err)
	}
	if len(got.Attachments) != 1 || got.SenderKey == "" {
		t.Errorf("unsigned fields lost: %v %q", got.Attachments, got.SenderKey)
	}
}

func TestFromWire_UnknownKeysDropped(t *testing.T) {
	e, senderPub := signedTestEnvelope(t)
	wire := e.Wire()
	wire["x_vendor_hint"] = "ignore me"

	data, err := json.Marshal(wire)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("unknown key should not reject the envelope: %v", err)
	}
	if err := got.VerifySignature(senderPub); err != nil {
		t.Errorf("unknown key leaked into signature scope: %v", err)
	}
	if _, ok := got.Wire()["x_vendor_hint"]; ok {
		t.Error("unknown key survived FromWire")
	}
}

func TestFromWire_MissingRequiredField(t *testing.T) {
	e, _ := signedTestEnvelope(t)
	for _, field := range requiredWireFields {
		wire := e.Wire()
		delete(wire, field)
		_, err := FromWire(wire)
		var invalid *InvalidEnvelopeError
		if !errors.As(err, &invalid) {
			t.Errorf("missing %q: got %v, want InvalidEnvelopeError", field, err)
		}
	}
}

func TestFromWire_FieldTypes(t *testing.T) {
	e, _ := signedTestEnvelope(t)

	wire := e.Wire()
	wire["metadata"] = "not an object"
	if _, err := FromWire(wire); err == nil {
		t.Error("string metadata accepted")
	}

	wire = e.Wire()
	wire["attachments"] = "not an array"
	if _, err := FromWire(wire); err == nil {
		t.Error("string attachments accepted")
	}

	wire = e.Wire()
	wire["thread_id"] = 17
	if _, err := FromWire(wire); err == nil {
		t.Error("numeric thread_id accepted")
	}
}

func TestEnvelope_ValidateRejections(t *testing.T) {
	base, _ := signedTestEnvelope(t)
	cases := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"wrong version", func(e *Envelope) { e.Version = "0.2" }},
		{"empty message_id", func(e *Envelope) { e.MessageID = "" }},
		{"bad from", func(e *Envelope) { e.From = "not-an-address" }},
		{"bad to", func(e *Envelope) { e.To = "bob::" }},
		{"unknown type", func(e *Envelope) { e.Type = "carrier.pigeon" }},
		{"bad timestamp", func(e *Envelope) { e.Timestamp = "yesterday" }},
		{"nonce not base64", func(e *Envelope) { e.Nonce = "%%%" }},
		{"short nonce", func(e *Envelope) { e.Nonce = EncodeB64([]byte("short")) }},
		{"bad expires", func(e *Envelope) { e.Expires = "soon" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := *base
			tc.mutate(&e)
			err := e.Validate()
			var invalid *InvalidEnvelopeError
			if !errors.As(err, &invalid) {
				t.Errorf("got %v, want InvalidEnvelopeError", err)
			}
		})
	}
}

func TestEnvelope_ValidateSizeCap(t *testing.T) {
	e, _ := signedTestEnvelope(t)
	e.Payload = EncodeB64(make([]byte, MaxEnvelopeBytes))

	err := e.Validate()
	var tooLarge *EnvelopeTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("got %v, want EnvelopeTooLargeError", err)
	}
	if tooLarge.Size <= tooLarge.Limit {
		t.Errorf("reported size %d not over limit %d", tooLarge.Size, tooLarge.Limit)
	}
}

func TestEnvelope_Expired(t *testing.T) {
	now := time.Now().UTC()
	grace := 30 * time.Second

	e, _ := signedTestEnvelope(t)
	if e.Expired(now, grace) {
		t.Error("envelope without expires reported expired")
	}

	e.Expires = UTCTimestamp(now.Add(-time.Minute))
	if !e.Expired(now, grace) {
		t.Error("envelope a minute past expiry not reported expired")
	}

	e.Expires = UTCTimestamp(now.Add(-10 * time.Second))
	if e.Expired(now, grace) {
		t.Error("grace window not applied")
	}
}

func TestParseEnvelope_NotAnObject(t *testing.T) {
	for _, raw := range []string{"nope", `[1,2,3]`, `"string"`} {
		_, err := ParseEnvelope([]byte(raw))
		var invalid *InvalidEnvelopeError
		if !errors.As(err, &invalid) {
			t.Errorf("ParseEnvelope(%q): got %v, want InvalidEnvelopeError", raw, err)
		}
	}
}
