// Package envelope authenticates patches in transit.
//
// Seal wraps a patch in a COSE_Mac0 message (RFC 9052) carrying an
// HMAC-SHA256 tag; Open verifies the tag and returns the bare patch.
// The envelope protects distribution channels (spool directories, object
// stores, brokers) ahead of the engine's own integrity checks, which only
// cover flash writes. Both ends share a symmetric key.
package envelope

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrFormat reports input that is not a well-formed sealed patch.
	ErrFormat = errors.New("envelope: not a sealed patch")

	// ErrAuth reports a sealed patch whose authentication tag does not
	// verify under the given key.
	ErrAuth = errors.New("envelope: authentication failed")
)

const (
	// macTag is the CBOR tag number for a COSE_Mac0 message.
	macTag = 17

	// algHMAC256 is the COSE algorithm identifier for HMAC-SHA256 with a
	// 256-bit tag, stored under the alg label (1) in the protected header.
	algHMAC256 = 5
)

var (
	encMode   cbor.EncMode
	protected []byte // canonical encoding of {1: algHMAC256}
)

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
	if protected, err = em.Marshal(map[int64]int64{1: algHMAC256}); err != nil {
		panic(err)
	}
}

// message is the COSE_Mac0 four-element array. The unprotected header is
// carried raw and ignored on open.
type message struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected cbor.RawMessage
	Payload     []byte
	Tag         []byte
}

// macStructure is the byte string the tag authenticates, per RFC 9052 §6.3.
type macStructure struct {
	_         struct{} `cbor:",toarray"`
	Context   string
	Protected []byte
	External  []byte
	Payload   []byte
}

var emptyMap = cbor.RawMessage{0xA0}

// Seal wraps patch in an authenticated envelope under key. Sealing is
// deterministic: the same patch and key always produce the same bytes.
func Seal(patch, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("envelope: empty key")
	}
	if len(patch) == 0 {
		return nil, errors.New("envelope: empty payload")
	}
	tag, err := computeTag(key, patch)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(cbor.Tag{Number: macTag, Content: message{
		Protected:   protected,
		Unprotected: emptyMap,
		Payload:     patch,
		Tag:         tag,
	}})
}

// Open verifies sealed under key and returns the payload. Structural
// problems map to ErrFormat, a bad tag to ErrAuth; nothing of the payload
// is interpreted before the tag verifies.
func Open(sealed, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("envelope: empty key")
	}
	var rt cbor.RawTag
	if err := cbor.Unmarshal(sealed, &rt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if rt.Number != macTag {
		return nil, fmt.Errorf("%w: cbor tag %d, want %d", ErrFormat, rt.Number, macTag)
	}
	var msg message
	if err := cbor.Unmarshal(rt.Content, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if !bytes.Equal(msg.Protected, protected) {
		return nil, fmt.Errorf("%w: unsupported protected header", ErrFormat)
	}
	want, err := computeTag(key, msg.Payload)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(msg.Tag, want) {
		return nil, ErrAuth
	}
	return msg.Payload, nil
}

// IsSealed reports whether b starts like a sealed patch. It is a cheap
// sniff for dispatching mixed inputs; Open remains the authority.
func IsSealed(b []byte) bool {
	// CBOR tag 17 encodes as the single head byte 0xD1.
	return len(b) > 0 && b[0] == 0xD1
}

func computeTag(key, payload []byte) ([]byte, error) {
	body, err := encMode.Marshal(macStructure{
		Context:   "MAC0",
		Protected: protected,
		External:  []byte{},
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("envelope: encode mac structure: %v", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil), nil
}
