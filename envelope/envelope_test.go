package envelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testPatch() []byte {
	// Opaque bytes stand in for a patch; the envelope never looks inside.
	p := make([]byte, 96)
	for i := range p {
		p[i] = byte(i * 3)
	}
	return p
}

func TestSealOpenRoundTrip(t *testing.T) {
	patch := testPatch()
	sealed, err := Seal(patch, testKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("IsSealed = false for sealed output")
	}
	got, err := Open(sealed, testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, patch) {
		t.Fatalf("payload round trip mismatch")
	}
}

func TestSealIsDeterministic(t *testing.T) {
	patch := testPatch()
	a, err := Seal(patch, testKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, err := Seal(patch, testKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("sealing the same input twice produced different bytes")
	}
}

func TestOpenRejectsTamperedPayload(t *testing.T) {
	patch := testPatch()
	sealed, err := Seal(patch, testKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	// The payload appears verbatim as the byte-string content; flipping one
	// of its bytes keeps the structure valid but breaks the tag.
	idx := bytes.Index(sealed, patch)
	if idx < 0 {
		t.Fatalf("payload not found in sealed message")
	}
	sealed[idx+10] ^= 0x01
	if _, err := Open(sealed, testKey); !errors.Is(err, ErrAuth) {
		t.Fatalf("Open = %v, want ErrAuth", err)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	sealed, err := Seal(testPatch(), testKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	other := append([]byte(nil), testKey...)
	other[0] ^= 0xFF
	if _, err := Open(sealed, other); !errors.Is(err, ErrAuth) {
		t.Fatalf("Open = %v, want ErrAuth", err)
	}
}

func TestOpenRejectsMalformedInput(t *testing.T) {
	sealed, err := Seal(testPatch(), testKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	cases := map[string][]byte{
		"bare_patch":       testPatch(),
		"empty":            nil,
		"truncated":        sealed[:len(sealed)/2],
		"trailing_garbage": append(append([]byte(nil), sealed...), 0x00),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Open(input, testKey); !errors.Is(err, ErrFormat) {
				t.Fatalf("Open = %v, want ErrFormat", err)
			}
		})
	}
}

func TestOpenRejectsForeignAlgorithm(t *testing.T) {
	foreign, err := encMode.Marshal(map[int64]int64{1: 4}) // HMAC-SHA256/64
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	tag, err := computeTag(testKey, testPatch())
	if err != nil {
		t.Fatalf("computeTag: %v", err)
	}
	sealed, err := encMode.Marshal(cbor.Tag{Number: macTag, Content: message{
		Protected:   foreign,
		Unprotected: emptyMap,
		Payload:     testPatch(),
		Tag:         tag,
	}})
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	if _, err := Open(sealed, testKey); !errors.Is(err, ErrFormat) {
		t.Fatalf("Open = %v, want ErrFormat", err)
	}
}

func TestOpenRejectsWrongCBORTag(t *testing.T) {
	sealed, err := encMode.Marshal(cbor.Tag{Number: 18, Content: message{
		Protected:   protected,
		Unprotected: emptyMap,
		Payload:     testPatch(),
		Tag:         make([]byte, 32),
	}})
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	if _, err := Open(sealed, testKey); !errors.Is(err, ErrFormat) {
		t.Fatalf("Open = %v, want ErrFormat", err)
	}
}

func TestSealInputValidation(t *testing.T) {
	if _, err := Seal(testPatch(), nil); err == nil {
		t.Fatalf("Seal with empty key should fail")
	}
	if _, err := Seal(nil, testKey); err == nil {
		t.Fatalf("Seal with empty payload should fail")
	}
	if _, err := Open([]byte{0xD1}, nil); err == nil {
		t.Fatalf("Open with empty key should fail")
	}
}

func TestIsSealed(t *testing.T) {
	if IsSealed(nil) {
		t.Fatalf("IsSealed(nil) = true")
	}
	if IsSealed(testPatch()) {
		t.Fatalf("IsSealed(bare patch) = true")
	}
	sealed, err := Seal(testPatch(), testKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("IsSealed(sealed) = false")
	}
}
