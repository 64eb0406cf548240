package codec

// Codec encodes/decodes values V to []byte, for vendor metadata entries and
// fleet-side payloads.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
