package protocol

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func TestBox_RoundTrip(t *testing.T) {
	alicePub, alicePriv, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	bobPub, bobPriv, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("hello bob")
	cipher, nonce, err := Box(plaintext, alicePriv, bobPub)
	if err != nil {
		t.Fatalf("Box failed: %v", err)
	}
	if len(nonce) != NonceSize {
		t.Fatalf("nonce length %d", len(nonce))
	}
	if bytes.Contains(cipher, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := OpenBox(cipher, nonce, bobPriv, alicePub)
	if err != nil {
		t.Fatalf("OpenBox failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestOpenBox_TamperAndWrongKey(t *testing.T) {
	alicePub, alicePriv, _ := GenerateKeypair()
	bobPub, bobPriv, _ := GenerateKeypair()
	_, evePriv, _ := GenerateKeypair()

	cipher, nonce, err := Box([]byte("secret"), alicePriv, bobPub)
	if err != nil {
		t.Fatal(err)
	}

	tampered := append([]byte(nil), cipher...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := OpenBox(tampered, nonce, bobPriv, alicePub); err == nil {
		t.Error("tampered ciphertext decrypted")
	}

	if _, err := OpenBox(cipher, nonce, evePriv, alicePub); err == nil {
		t.Error("wrong recipient key decrypted")
	}

	if _, err := OpenBox(cipher, nonce[:10], bobPriv, alicePub); err == nil {
		t.Error("short nonce accepted")
	}
}

func TestSealedBox_RoundTrip(t *testing.T) {
	bobPub, bobPriv, _ := GenerateKeypair()

	plaintext := []byte("anonymous hello")
	sealed, err := SealedBox(plaintext, bobPub)
	if err != nil {
		t.Fatalf("SealedBox failed: %v", err)
	}
	if len(sealed) != len(plaintext)+sealedOverhead {
		t.Errorf("sealed length %d, want %d", len(sealed), len(plaintext)+sealedOverhead)
	}

	got, err := OpenSealedBox(sealed, bobPriv)
	if err != nil {
		t.Fatalf("OpenSealedBox failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestOpenSealedBox_WrongKeyAndTruncated(t *testing.T) {
	bobPub, _, _ := GenerateKeypair()
	_, evePriv, _ := GenerateKeypair()

	sealed, err := SealedBox([]byte("for bob only"), bobPub)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSealedBox(sealed, evePriv); err == nil {
		t.Error("sealed box opened with wrong key")
	}
	if _, err := OpenSealedBox(sealed[:20], evePriv); err == nil {
		t.Error("truncated sealed box accepted")
	}
}

func TestSealedBox_FreshEphemeralPerCall(t *testing.T) {
	bobPub, _, _ := GenerateKeypair()
	a, err := SealedBox([]byte("x"), bobPub)
	if err != nil {
		t.Fatal(err)
	}
	b, err := SealedBox([]byte("x"), bobPub)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a[:32], b[:32]) {
		t.Error("ephemeral public key reused across seals")
	}
}

func TestKeySerialization_RoundTrip(t *testing.T) {
	pub, priv, _ := GenerateKeypair()

	pub2, err := DecodePublicKey(EncodePublicKey(pub))
	if err != nil {
		t.Fatalf("public key round trip: %v", err)
	}
	if !bytes.Equal(pub, pub2) {
		t.Error("public key mismatch after round trip")
	}

	priv2, err := DecodePrivateKey(EncodePrivateKey(priv))
	if err != nil {
		t.Fatalf("private key round trip: %v", err)
	}
	if !bytes.Equal(priv, priv2) {
		t.Error("private key mismatch after round trip")
	}
}

func TestDecodeB64_Tolerant(t *testing.T) {
	raw := []byte{0xfb, 0xff, 0x3e, 0x01, 0x02}
	padded := base64.StdEncoding.EncodeToString(raw)
	variants := []string{
		EncodeB64(raw), // URL-safe unpadded: the emit form
		base64.URLEncoding.EncodeToString(raw),
		padded,
		strings.TrimRight(padded, "="),
	}
	for _, v := range variants {
		got, err := DecodeB64(v)
		if err != nil {
			t.Errorf("DecodeB64(%q) failed: %v", v, err)
			continue
		}
		if !bytes.Equal(got, raw) {
			t.Errorf("DecodeB64(%q) = %x, want %x", v, got, raw)
		}
	}
	if strings.ContainsAny(EncodeB64(raw), "+/=") {
		t.Errorf("emit form not URL-safe unpadded: %q", EncodeB64(raw))
	}
}

func TestFingerprint_StableHex(t *testing.T) {
	pub, _, _ := GenerateKeypair()
	fp := Fingerprint(pub)
	if len(fp) != 64 {
		t.Errorf("fingerprint length %d, want 64 hex chars", len(fp))
	}
	if fp != Fingerprint(pub) {
		t.Error("fingerprint not deterministic")
	}
}
