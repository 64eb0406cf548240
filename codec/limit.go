package codec

import "fmt"

// MaxTLVValue is the ceiling a single patch metadata entry can carry: the
// entry's length field is one byte.
const MaxTLVValue = 255

// LimitCodec wraps another codec to enforce payload size ceilings in both
// directions. MaxEncode guards values headed into a patch container;
// MaxDecode guards payloads read back from untrusted containers. A limit
// <= 0 disables that side.
type LimitCodec[V any] struct {
	// Inner is the underlying codec being wrapped. It must be set.
	Inner interface {
		Encode(V) ([]byte, error)
		Decode([]byte) (V, error)
	}
	// MaxEncode is the maximum length (in bytes) Encode may produce.
	// Larger outputs return an error instead of being truncated.
	MaxEncode int
	// MaxDecode is the maximum permitted length (in bytes) of the incoming
	// payload for Decode. If payload length exceeds MaxDecode, Decode returns
	// an error without invoking Inner.
	MaxDecode int
}

// ForTLV bounds inner to values that fit a single vendor metadata entry,
// in both directions.
func ForTLV[V any](inner Codec[V]) LimitCodec[V] {
	return LimitCodec[V]{Inner: inner, MaxEncode: MaxTLVValue, MaxDecode: MaxTLVValue}
}

func (c LimitCodec[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.MaxEncode > 0 && len(b) > c.MaxEncode {
		return nil, fmt.Errorf("payload too large: %d > %d", len(b), c.MaxEncode)
	}
	return b, nil
}

func (c LimitCodec[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("payload too large: %d > %d", len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
