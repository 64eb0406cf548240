// Package patchgen builds delta patches from a pair of firmware images.
//
// Generate diffs a base image against a target image and emits the binary
// patch the engine consumes: a fixed header, a TLV metadata block carrying
// guardrail requirements and vendor entries, and a sequence of write chunks
// each stored raw or run-length encoded, whichever is smaller.
package patchgen

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	tinymldelta "github.com/felixgalindo/TinyMLDelta"
	"github.com/felixgalindo/TinyMLDelta/internal/wire"
)

// Digest selectors stamped into the patch header. AlgoCRC32 fills both image
// digests with CRC32 values and checksums every chunk; AlgoSHA256 fills them
// with SHA-256 values and leaves chunks unsummed; AlgoNone emits neither.
const (
	AlgoNone   byte = 0
	AlgoCRC32  byte = 1
	AlgoSHA256 byte = 2
)

// Diff tuning defaults, applied when the corresponding Options field is zero.
const (
	DefaultMergeGap = 16
	DefaultMinChunk = 8
)

// Region is one contiguous range of target bytes the device must write.
type Region struct {
	Off  uint32
	Data []byte
}

// Options control patch generation. The zero value produces an unchecked
// patch (AlgoNone) with default diff tuning and no metadata.
type Options struct {
	// Algo selects the integrity scheme: AlgoNone, AlgoCRC32 or AlgoSHA256.
	Algo byte

	// MergeGap joins diff runs separated by at most this many unchanged
	// bytes, copying the gap from the target so one chunk covers both.
	// MinChunk then folds runs shorter than itself into a predecessor
	// within the same distance. Zero selects the defaults; a negative
	// value disables the pass.
	MergeGap int
	MinChunk int

	// Requires declares the device constraints embedded in the metadata
	// block. Zero-valued fields are omitted.
	Requires tinymldelta.Requirements

	// Vendor entries are appended after the core metadata in the order
	// given. Tags below 0x80 are reserved and rejected; values are
	// limited to 255 bytes each.
	Vendor []tinymldelta.VendorTLV

	// Flags is stamped verbatim into the header flag word.
	Flags uint16
}

// Diff returns the regions of target that differ from base, in ascending
// offset order. Runs separated by at most mergeGap unchanged bytes are
// merged into one region (the gap is filled from target); runs shorter than
// minChunk are then folded into a predecessor within the same distance.
// If target is longer than base the excess is one final region. A negative
// mergeGap or minChunk disables the respective pass.
func Diff(base, target []byte, mergeGap, minChunk int) []Region {
	n := len(base)
	if len(target) < n {
		n = len(target)
	}

	var runs []Region
	for i := 0; i < n; {
		if base[i] == target[i] {
			i++
			continue
		}
		start := i
		for i < n && base[i] != target[i] {
			i++
		}
		runs = append(runs, Region{Off: uint32(start), Data: append([]byte(nil), target[start:i]...)})
	}
	if len(target) > n {
		runs = append(runs, Region{Off: uint32(n), Data: append([]byte(nil), target[n:]...)})
	}
	if len(runs) == 0 {
		return nil
	}

	if mergeGap >= 0 {
		merged := runs[:1]
		for _, r := range runs[1:] {
			last := len(merged) - 1
			prevEnd := int(merged[last].Off) + len(merged[last].Data)
			if int(r.Off)-prevEnd <= mergeGap {
				merged[last].Data = append(merged[last].Data, target[prevEnd:r.Off]...)
				merged[last].Data = append(merged[last].Data, r.Data...)
			} else {
				merged = append(merged, r)
			}
		}
		runs = merged
	}

	if minChunk > 0 {
		gap := mergeGap
		if gap < 0 {
			gap = 0
		}
		folded := runs[:1]
		for _, r := range runs[1:] {
			last := len(folded) - 1
			prevEnd := int(folded[last].Off) + len(folded[last].Data)
			if len(r.Data) < minChunk && int(r.Off) <= prevEnd+gap {
				folded[last].Data = append(folded[last].Data, target[prevEnd:r.Off]...)
				folded[last].Data = append(folded[last].Data, r.Data...)
			} else {
				folded = append(folded, r)
			}
		}
		runs = folded
	}
	return runs
}

// Generate builds a patch that rewrites base into target on the device.
// Identical images yield a valid patch with zero chunks; applying it still
// clones and flips the active slot.
func Generate(base, target []byte, opts Options) ([]byte, error) {
	switch opts.Algo {
	case AlgoNone, AlgoCRC32, AlgoSHA256:
	default:
		return nil, fmt.Errorf("patchgen: unknown digest algorithm %d", opts.Algo)
	}
	if int64(len(base)) > math.MaxUint32 || int64(len(target)) > math.MaxUint32 {
		return nil, fmt.Errorf("patchgen: image larger than 4 GiB")
	}

	mergeGap := opts.MergeGap
	if mergeGap == 0 {
		mergeGap = DefaultMergeGap
	}
	minChunk := opts.MinChunk
	if minChunk == 0 {
		minChunk = DefaultMinChunk
	}

	meta, err := buildMeta(opts)
	if err != nil {
		return nil, err
	}
	if len(meta) > wire.MaxMetaBlock {
		return nil, fmt.Errorf("patchgen: metadata block %d bytes, limit %d", len(meta), wire.MaxMetaBlock)
	}

	chunks := encodeRegions(Diff(base, target, mergeGap, minChunk), opts.Algo == AlgoCRC32)
	if len(chunks) > math.MaxUint16 {
		return nil, fmt.Errorf("patchgen: %d chunks, limit %d", len(chunks), math.MaxUint16)
	}

	h := wire.Header{
		Version:   wire.Version,
		Algo:      opts.Algo,
		Chunks:    uint16(len(chunks)),
		BaseLen:   uint32(len(base)),
		TargetLen: uint32(len(target)),
		MetaLen:   uint16(len(meta)),
		Flags:     opts.Flags,
	}
	switch opts.Algo {
	case AlgoCRC32:
		h.BaseDigest = wire.DigestCRC32(base)
		h.TargetDigest = wire.DigestCRC32(target)
	case AlgoSHA256:
		h.BaseDigest = wire.DigestSHA256(base)
		h.TargetDigest = wire.DigestSHA256(target)
	}

	patch := append(wire.EncodeHeader(h), meta...)
	for _, ch := range chunks {
		if patch, err = wire.AppendChunk(patch, ch); err != nil {
			return nil, err
		}
	}
	return patch, nil
}

// buildMeta assembles the TLV block: core requirement entries first, in
// fixed tag order, then vendor entries in caller order.
func buildMeta(opts Options) ([]byte, error) {
	var (
		meta []byte
		err  error
		b4   [4]byte
		b2   [2]byte
	)
	req := opts.Requires
	if req.ArenaBytes != 0 {
		binary.LittleEndian.PutUint32(b4[:], req.ArenaBytes)
		if meta, err = wire.AppendMetaEntry(meta, wire.TagReqArena, b4[:]); err != nil {
			return nil, err
		}
	}
	if req.ABIVersion != 0 {
		binary.LittleEndian.PutUint16(b2[:], req.ABIVersion)
		if meta, err = wire.AppendMetaEntry(meta, wire.TagABIVersion, b2[:]); err != nil {
			return nil, err
		}
	}
	if req.OpsetHash != 0 {
		binary.LittleEndian.PutUint32(b4[:], req.OpsetHash)
		if meta, err = wire.AppendMetaEntry(meta, wire.TagOpsetHash, b4[:]); err != nil {
			return nil, err
		}
	}
	if req.IOHash != 0 {
		binary.LittleEndian.PutUint32(b4[:], req.IOHash)
		if meta, err = wire.AppendMetaEntry(meta, wire.TagIOHash, b4[:]); err != nil {
			return nil, err
		}
	}
	for _, v := range opts.Vendor {
		if v.Tag < wire.VendorTagBase {
			return nil, fmt.Errorf("patchgen: vendor tag %#x is in the reserved range (vendor tags start at %#x)", v.Tag, wire.VendorTagBase)
		}
		if meta, err = wire.AppendMetaEntry(meta, v.Tag, v.Value); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

// encodeRegions splits regions to the chunk payload ceiling and stores each
// piece run-length encoded only when that is strictly smaller than raw.
func encodeRegions(regions []Region, withSums bool) []wire.Chunk {
	var chunks []wire.Chunk
	for _, r := range regions {
		for start := 0; start < len(r.Data); start += wire.MaxChunkPayload {
			end := start + wire.MaxChunkPayload
			if end > len(r.Data) {
				end = len(r.Data)
			}
			piece := r.Data[start:end]

			enc, payload := wire.EncRaw, piece
			if rle := wire.EncodeRLE(piece); len(rle) < len(piece) {
				enc, payload = wire.EncRLE, rle
			}
			ch := wire.Chunk{Off: r.Off + uint32(start), Enc: enc, Payload: payload}
			if withSums {
				ch.HasSum = true
				ch.Sum = crc32.ChecksumIEEE(payload)
			}
			chunks = append(chunks, ch)
		}
	}
	return chunks
}
