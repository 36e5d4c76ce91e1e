package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"
)

// Canonicalize returns the canonical signing form of m: the top-level
// "signature" key and top-level nil values are omitted, object keys are
// sorted byte-wise, separators are compact, and every rune >= U+0080 is
// escaped as \uXXXX (surrogate pairs above the BMP).
//
// This form is byte-compatible with the reference implementation's
// json.dumps(..., sort_keys=True, separators=(",", ":"),
// ensure_ascii=True). It is NOT RFC 8785: JCS mandates minimal string
// escaping, which would produce different bytes for non-ASCII input
// and break existing signatures.
func Canonicalize(m map[string]any) ([]byte, error) {
	signable := make(map[string]any, len(m))
	for k, v := range m {
		if k == "signature" || v == nil {
			continue
		}
		signable[k] = v
	}
	return encodeASCII(signable)
}

// encodeASCII serializes v compactly with sorted keys and ASCII-escaped
// strings. Used by Canonicalize for signing and by the envelope size
// check (which includes the signature key).
func encodeASCII(v any) ([]byte, error) {
	// Round-trip through encoding/json so struct tags, maps, and
	// slices all normalize to generic values, with json.Number
	// preserving numeric text exactly.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		writeEscapedString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeEscapedString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
	return nil
}

// writeEscapedString emits s as a JSON string literal with the UAM
// escaping rules: shorthand escapes for the usual control characters,
// \u00xx for other controls, and \uXXXX for everything >= U+0080.
func writeEscapedString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			switch {
			case r < 0x20 || (r >= 0x80 && r <= 0xFFFF):
				writeUnicodeEscape(buf, uint16(r))
			case r > 0xFFFF:
				r1, r2 := utf16.EncodeRune(r)
				writeUnicodeEscape(buf, uint16(r1))
				writeUnicodeEscape(buf, uint16(r2))
			default:
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func writeUnicodeEscape(buf *bytes.Buffer, u uint16) {
	const hexDigits = "0123456789abcdef"
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[u>>12&0xf])
	buf.WriteByte(hexDigits[u>>8&0xf])
	buf.WriteByte(hexDigits[u>>4&0xf])
	buf.WriteByte(hexDigits[u&0xf])
}

// wireSize returns the byte length of the compact ASCII-escaped
// serialization of a full wire map, signature included.
func wireSize(wire map[string]any) (int, error) {
	b, err := encodeASCII(wire)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
