package wire

import "fmt"

// RLE payloads are (count, value) byte pairs; a count of 0 encodes a run
// of 256.

// DecodeRLE expands src into dst and returns the decoded length. A run that
// would overflow dst, or a dangling trailing count byte, is ErrCorrupt.
func DecodeRLE(dst, src []byte) (int, error) {
	if len(src)%2 != 0 {
		return 0, fmt.Errorf("%w: dangling run-length byte", ErrCorrupt)
	}
	n := 0
	for i := 0; i < len(src); i += 2 {
		run := int(src[i])
		if run == 0 {
			run = 256
		}
		if run > len(dst)-n {
			return 0, fmt.Errorf("%w: run-length output exceeds %d-byte scratch", ErrCorrupt, len(dst))
		}
		v := src[i+1]
		for j := 0; j < run; j++ {
			dst[n] = v
			n++
		}
	}
	return n, nil
}

// EncodeRLE compresses src into (count, value) pairs. Runs longer than 256
// split into multiple pairs; a run of exactly 256 is emitted as count 0.
func EncodeRLE(src []byte) []byte {
	out := make([]byte, 0, 16)
	for i := 0; i < len(src); {
		v := src[i]
		run := 1
		for i+run < len(src) && src[i+run] == v && run < 256 {
			run++
		}
		out = append(out, byte(run), v) // byte(256) wraps to the 0 form
		i += run
	}
	return out
}
