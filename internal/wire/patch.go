package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Patch container layout, all integers little-endian:
//
//	header(80): ver(1) | algo(1) | chunks(u16) | baseLen(u32) | targetLen(u32) |
//	            baseDigest(32) | targetDigest(32) | metaLen(u16) | flags(u16)
//	meta(metaLen): tag(1) | vlen(1) | value(vlen), repeated
//	chunk, chunks times: off(u32) | elen(u16) | enc(1) | hasSum(1) | [sum(u32)] | payload(elen)
//
// Bytes past the final chunk are ignored (patch files are often sector-padded).
const (
	Version    byte = 1
	HeaderSize      = 80

	chunkHdrSize = 8
	sumSize      = 4

	// MaxChunkPayload is the encoded payload ceiling (u16 length field);
	// producers split larger regions. MaxMetaBlock bounds the whole TLV
	// block the same way.
	MaxChunkPayload = 0xFFFF
	MaxMetaBlock    = 0xFFFF

	maxMetaValue = 0xFF
)

// Checksum algorithm selectors carried in the header.
const (
	AlgoNone   byte = 0
	AlgoCRC32  byte = 1
	AlgoSHA256 byte = 2
)

// Chunk payload encodings.
const (
	EncRaw byte = 0
	EncRLE byte = 1
)

// Core metadata tags. Tags at or above VendorTagBase are vendor-defined
// and opaque to the engine.
const (
	TagReqArena   uint8 = 0x01 // u32, required tensor arena bytes
	TagABIVersion uint8 = 0x02 // u16, runtime ABI version
	TagOpsetHash  uint8 = 0x03 // u32, operator set hash
	TagIOHash     uint8 = 0x04 // u32, IO shape hash
	VendorTagBase uint8 = 0x80
)

var ErrCorrupt = errors.New("wire: corrupt patch")

type Header struct {
	Version      byte
	Algo         byte
	Chunks       uint16
	BaseLen      uint32
	TargetLen    uint32
	BaseDigest   [32]byte
	TargetDigest [32]byte
	MetaLen      uint16
	Flags        uint16
}

// DecodeHeader validates the fixed header and the metadata bound. The
// returned slice is a zero-copy view of the metadata block.
func DecodeHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrCorrupt, len(b), HeaderSize)
	}

	var h Header
	h.Version = b[0]
	h.Algo = b[1]
	h.Chunks = binary.LittleEndian.Uint16(b[2:4])
	h.BaseLen = binary.LittleEndian.Uint32(b[4:8])
	h.TargetLen = binary.LittleEndian.Uint32(b[8:12])
	copy(h.BaseDigest[:], b[12:44])
	copy(h.TargetDigest[:], b[44:76])
	h.MetaLen = binary.LittleEndian.Uint16(b[76:78])
	h.Flags = binary.LittleEndian.Uint16(b[78:80])

	if h.Version != Version {
		return Header{}, nil, fmt.Errorf("%w: container version %d", ErrCorrupt, h.Version)
	}
	if int(h.MetaLen) > len(b)-HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: metadata block past end of patch", ErrCorrupt)
	}
	return h, b[HeaderSize : HeaderSize+int(h.MetaLen)], nil
}

// ChunkStart is the offset of the first chunk record.
func (h Header) ChunkStart() int { return HeaderSize + int(h.MetaLen) }

func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	b[0] = h.Version
	b[1] = h.Algo
	binary.LittleEndian.PutUint16(b[2:4], h.Chunks)
	binary.LittleEndian.PutUint32(b[4:8], h.BaseLen)
	binary.LittleEndian.PutUint32(b[8:12], h.TargetLen)
	copy(b[12:44], h.BaseDigest[:])
	copy(b[44:76], h.TargetDigest[:])
	binary.LittleEndian.PutUint16(b[76:78], h.MetaLen)
	binary.LittleEndian.PutUint16(b[78:80], h.Flags)
	return b
}

// Requirements are the core guardrail entries a patch may declare.
// Zero means absent; an absent entry skips its guardrail.
type Requirements struct {
	ArenaBytes uint32
	ABIVersion uint16
	OpsetHash  uint32
	IOHash     uint32
}

// WalkMeta scans the TLV metadata block. Core tags are captured only when
// their value length matches; mismatched and unrecognized tags are skipped.
// vendor, when non-nil, is called for every tag >= VendorTagBase with a
// value that aliases meta. Fewer than 2 trailing bytes are ignored; an entry
// whose declared length runs past the block is ErrCorrupt.
func WalkMeta(meta []byte, vendor func(tag uint8, value []byte)) (Requirements, error) {
	var req Requirements
	for off := 0; off+2 <= len(meta); {
		tag := meta[off]
		vlen := int(meta[off+1])
		if off+2+vlen > len(meta) {
			return Requirements{}, fmt.Errorf("%w: metadata entry %#x overruns block", ErrCorrupt, tag)
		}
		val := meta[off+2 : off+2+vlen]
		switch {
		case tag == TagReqArena && vlen == 4:
			req.ArenaBytes = binary.LittleEndian.Uint32(val)
		case tag == TagABIVersion && vlen == 2:
			req.ABIVersion = binary.LittleEndian.Uint16(val)
		case tag == TagOpsetHash && vlen == 4:
			req.OpsetHash = binary.LittleEndian.Uint32(val)
		case tag == TagIOHash && vlen == 4:
			req.IOHash = binary.LittleEndian.Uint32(val)
		case tag >= VendorTagBase:
			if vendor != nil {
				vendor(tag, val)
			}
		}
		off += 2 + vlen
	}
	return req, nil
}

// AppendMetaEntry appends one TLV entry to meta. The one-byte length field
// caps values at 255 bytes.
func AppendMetaEntry(meta []byte, tag uint8, value []byte) ([]byte, error) {
	if len(value) > maxMetaValue {
		return nil, fmt.Errorf("wire: metadata value for tag %#x is %d bytes, limit %d", tag, len(value), maxMetaValue)
	}
	meta = append(meta, tag, byte(len(value)))
	return append(meta, value...), nil
}

type Chunk struct {
	Off     uint32 // destination offset within the target slot
	Enc     byte
	HasSum  bool
	Sum     uint32 // over the encoded payload, valid when HasSum
	Payload []byte // encoded bytes; aliases the patch buffer on decode
}

// DecodeChunk reads the chunk record starting at off and returns the chunk
// plus the offset of the record that follows. The checksum word is consumed
// whenever the record declares one, independent of whether the caller will
// verify it.
func DecodeChunk(b []byte, off int) (Chunk, int, error) {
	if off < 0 || off+chunkHdrSize > len(b) {
		return Chunk{}, 0, fmt.Errorf("%w: chunk descriptor past end of patch", ErrCorrupt)
	}

	var ch Chunk
	ch.Off = binary.LittleEndian.Uint32(b[off : off+4])
	elen := int(binary.LittleEndian.Uint16(b[off+4 : off+6]))
	ch.Enc = b[off+6]
	ch.HasSum = b[off+7] != 0
	off += chunkHdrSize

	if ch.HasSum {
		if off+sumSize > len(b) {
			return Chunk{}, 0, fmt.Errorf("%w: chunk checksum past end of patch", ErrCorrupt)
		}
		ch.Sum = binary.LittleEndian.Uint32(b[off : off+sumSize])
		off += sumSize
	}
	if elen > len(b)-off {
		return Chunk{}, 0, fmt.Errorf("%w: chunk payload past end of patch", ErrCorrupt)
	}
	ch.Payload = b[off : off+elen]
	return ch, off + elen, nil
}

// AppendChunk appends one encoded chunk record to patch.
func AppendChunk(patch []byte, ch Chunk) ([]byte, error) {
	if len(ch.Payload) > MaxChunkPayload {
		return nil, fmt.Errorf("wire: chunk payload %d bytes, limit %d", len(ch.Payload), MaxChunkPayload)
	}

	var d [chunkHdrSize]byte
	binary.LittleEndian.PutUint32(d[0:4], ch.Off)
	binary.LittleEndian.PutUint16(d[4:6], uint16(len(ch.Payload)))
	d[6] = ch.Enc
	if ch.HasSum {
		d[7] = 1
	}
	patch = append(patch, d[:]...)

	if ch.HasSum {
		var s [sumSize]byte
		binary.LittleEndian.PutUint32(s[:], ch.Sum)
		patch = append(patch, s[:]...)
	}
	return append(patch, ch.Payload...), nil
}

// DigestCRC32 is the 32-byte digest wire form of a CRC32: four bytes
// little-endian, zero padded.
func DigestCRC32(data []byte) [32]byte {
	var d [32]byte
	binary.LittleEndian.PutUint32(d[:4], crc32.ChecksumIEEE(data))
	return d
}

func DigestSHA256(data []byte) [32]byte { return sha256.Sum256(data) }
