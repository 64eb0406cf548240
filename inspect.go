package tinymldelta

import (
	"fmt"

	"github.com/felixgalindo/TinyMLDelta/internal/wire"
)

// Requirements mirrors the four core metadata entries a patch may declare.
// A zero field means the patch does not constrain that capability.
type Requirements struct {
	ArenaBytes uint32
	ABIVersion uint16
	OpsetHash  uint32
	IOHash     uint32
}

// VendorTLV is one vendor-defined metadata entry (tag 0x80 and above). The
// engine never interprets these; ports and fleet tooling do.
type VendorTLV struct {
	Tag   uint8
	Value []byte
}

// PatchInfo is a decoded summary of a patch container.
type PatchInfo struct {
	Version      uint8
	Algo         uint8 // raw header selector, reported even when reserved
	ChunkCount   int
	BaseLen      uint32
	TargetLen    uint32
	BaseDigest   [32]byte
	TargetDigest [32]byte
	Flags        uint16
	Requires     Requirements
	Vendor       []VendorTLV
	EncodedBytes int // total encoded chunk payload bytes
}

// Inspect decodes patch without touching any storage. Header, metadata and
// chunk framing get the same validation Apply performs, so a patch that
// inspects cleanly cannot fail Apply on structure alone.
func Inspect(patch []byte) (*PatchInfo, error) {
	h, meta, err := wire.DecodeHeader(patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeader, err)
	}

	info := &PatchInfo{
		Version:      h.Version,
		Algo:         h.Algo,
		ChunkCount:   int(h.Chunks),
		BaseLen:      h.BaseLen,
		TargetLen:    h.TargetLen,
		BaseDigest:   h.BaseDigest,
		TargetDigest: h.TargetDigest,
		Flags:        h.Flags,
	}

	req, err := wire.WalkMeta(meta, func(tag uint8, value []byte) {
		v := append([]byte(nil), value...)
		info.Vendor = append(info.Vendor, VendorTLV{Tag: tag, Value: v})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeader, err)
	}
	info.Requires = Requirements{
		ArenaBytes: req.ArenaBytes,
		ABIVersion: req.ABIVersion,
		OpsetHash:  req.OpsetHash,
		IOHash:     req.IOHash,
	}

	off := h.ChunkStart()
	for i := 0; i < info.ChunkCount; i++ {
		ch, next, err := wire.DecodeChunk(patch, off)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrHeader, i, err)
		}
		info.EncodedBytes += len(ch.Payload)
		off = next
	}
	return info, nil
}
