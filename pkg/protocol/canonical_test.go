package protocol

import (
	"strings"
	"testing"

	"github.com/gowebpki/jcs"
)

func TestCanonicalize_SortingAndCompact(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(b) != `{"a":1,"b":2,"c":3}` {
		t.Errorf("got %s", string(b))
	}
}

func TestCanonicalize_OmitsSignatureAndNil(t *testing.T) {
	input := map[string]any{
		"signature": "should-vanish",
		"thread_id": nil,
		"payload":   "abc",
	}

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(b) != `{"payload":"abc"}` {
		t.Errorf("signature/nil not omitted: %s", string(b))
	}
}

func TestCanonicalize_NestedSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": []any{map[string]any{"k": 1, "j": 2}},
	}

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(b) != `{"a":[{"j":2,"k":1}],"z":{"x":"bar","y":"foo"}}` {
		t.Errorf("got %s", string(b))
	}
}

func TestCanonicalize_ASCIIEscaping(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]any
		want string
	}{
		{"latin1", map[string]any{"name": "café"}, `{"name":"caf\u00e9"}`},
		{"cjk", map[string]any{"name": "日本"}, `{"name":"\u65e5\u672c"}`},
		{"emoji surrogate pair", map[string]any{"e": "\U0001F680"}, `{"e":"\ud83d\ude80"}`},
		{"control chars", map[string]any{"c": "a\nb\tc"}, `{"c":"a\nb\tc"}`},
		{"unit separator", map[string]any{"c": "\x1f"}, `{"c":"\u001f"}`},
		{"html not escaped", map[string]any{"h": "<&>"}, `{"h":"<&>"}`},
	}
	for _, tc := range cases {
		b, err := Canonicalize(tc.in)
		if err != nil {
			t.Fatalf("%s: Canonicalize failed: %v", tc.name, err)
		}
		if string(b) != tc.want {
			t.Errorf("%s: want %s got %s", tc.name, tc.want, string(b))
		}
	}
}

func TestCanonicalize_OutputIsPureASCII(t *testing.T) {
	b, err := Canonicalize(map[string]any{
		"mixed": "ascii ü 中文 \U0001F914 end",
	})
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	for i, c := range b {
		if c >= 0x80 {
			t.Fatalf("non-ASCII byte 0x%x at offset %d in %s", c, i, string(b))
		}
	}
}

func TestCanonicalize_Deterministic(t *testing.T) {
	input := map[string]any{
		"metadata": map[string]any{"k1": "v1", "k2": 42, "k3": []any{"a", "b"}},
		"from":     "alice::example.com",
		"to":       "bob::example.com",
	}
	a, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	for i := 0; i < 50; i++ {
		b, err := Canonicalize(input)
		if err != nil {
			t.Fatalf("Canonicalize failed: %v", err)
		}
		if string(a) != string(b) {
			t.Fatalf("non-deterministic output: %s vs %s", a, b)
		}
	}
}

// On ASCII-only input our encoding and RFC 8785 agree byte for byte;
// the two schemes only diverge on non-ASCII escaping. jcs.Transform is
// an independent implementation, which makes it a useful oracle for the
// sorting and compaction rules.
func TestCanonicalize_AgreesWithJCSOnASCII(t *testing.T) {
	input := map[string]any{
		"uam_version": "0.1",
		"message_id":  "0190a000-0000-7000-8000-000000000000",
		"from":        "alice::example.com",
		"to":          "bob::example.com",
		"type":        "message",
		"nonce":       "AAAA",
		"payload":     "aGVsbG8",
		"metadata":    map[string]any{"hops": 2, "tags": []any{"x", "y"}},
	}

	ours, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	reference, err := jcs.Transform(ours)
	if err != nil {
		t.Fatalf("jcs.Transform failed: %v", err)
	}
	if string(ours) != string(reference) {
		t.Errorf("ASCII canonical form disagrees with RFC 8785:\nours: %s\njcs:  %s", ours, reference)
	}
}

func TestWireSize_CountsEscapedBytes(t *testing.T) {
	small := map[string]any{"payload": "plain"}
	wide := map[string]any{"payload": strings.Repeat("中", 5)}

	ns, err := wireSize(small)
	if err != nil {
		t.Fatal(err)
	}
	nw, err := wireSize(wide)
	if err != nil {
		t.Fatal(err)
	}
	// Each CJK rune serializes as \uXXXX = 6 bytes.
	if nw != ns-len("plain")+5*6 {
		t.Errorf("escaped size accounting off: small=%d wide=%d", ns, nw)
	}
}
