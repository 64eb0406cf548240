package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func mustDecodeHeader(t *testing.T, b []byte) (Header, []byte) {
	t.Helper()
	h, meta, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("DecodeHeader error: %v", err)
	}
	return h, meta
}

func mustDecodeChunk(t *testing.T, b []byte, off int) (Chunk, int) {
	t.Helper()
	ch, next, err := DecodeChunk(b, off)
	if err != nil {
		t.Fatalf("DecodeChunk error: %v", err)
	}
	return ch, next
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Version:   Version,
		Algo:      AlgoCRC32,
		Chunks:    3,
		BaseLen:   4096,
		TargetLen: 4100,
		MetaLen:   0,
		Flags:     0xA55A,
	}
	copy(h.BaseDigest[:], bytes.Repeat([]byte{0xB}, 32))
	copy(h.TargetDigest[:], bytes.Repeat([]byte{0x7}, 32))

	enc := EncodeHeader(h)
	if len(enc) != HeaderSize {
		t.Fatalf("encoded header is %d bytes, want %d", len(enc), HeaderSize)
	}
	got, meta := mustDecodeHeader(t, enc)
	if got != h {
		t.Fatalf("header mismatch:\n got %+v\nwant %+v", got, h)
	}
	if len(meta) != 0 {
		t.Fatalf("expected empty metadata view, got %d bytes", len(meta))
	}
}

func TestHeaderRejectsTruncationAtEveryOffset(t *testing.T) {
	enc := EncodeHeader(Header{Version: Version})
	for n := 0; n < HeaderSize; n++ {
		if _, _, err := DecodeHeader(enc[:n]); err == nil {
			t.Fatalf("expected error at %d-byte header", n)
		}
	}
}

func TestHeaderRejectsVersionAndMetaOverrun(t *testing.T) {
	// wrong container version
	badVer := EncodeHeader(Header{Version: Version + 1})
	if _, _, err := DecodeHeader(badVer); err == nil {
		t.Fatalf("expected error on container version")
	}

	// metaLen announces more bytes than the buffer holds
	over := EncodeHeader(Header{Version: Version, MetaLen: 4})
	over = append(over, 0x01, 0x00) // only 2 of 4 bytes present
	if _, _, err := DecodeHeader(over); err == nil {
		t.Fatalf("expected error on metadata overrun")
	}
}

func TestWalkMetaCoreAndVendorTags(t *testing.T) {
	var meta []byte
	var err error

	u32 := func(v uint32) []byte {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		return b[:]
	}
	u16 := func(v uint16) []byte {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		return b[:]
	}

	for _, e := range []struct {
		tag uint8
		val []byte
	}{
		{TagReqArena, u32(32 * 1024)},
		{TagABIVersion, u16(7)},
		{TagOpsetHash, u32(0xFEEDBEEF)},
		{TagIOHash, u32(0x0D10C0DE)},
		{0x81, []byte("vendor-blob")},
		{0x05, []byte{1, 2, 3}}, // unknown core tag: skipped
	} {
		if meta, err = AppendMetaEntry(meta, e.tag, e.val); err != nil {
			t.Fatalf("AppendMetaEntry(%#x): %v", e.tag, err)
		}
	}

	var vtag uint8
	var vval []byte
	req, err := WalkMeta(meta, func(tag uint8, value []byte) {
		vtag = tag
		vval = append([]byte(nil), value...)
	})
	if err != nil {
		t.Fatalf("WalkMeta error: %v", err)
	}
	if req.ArenaBytes != 32*1024 || req.ABIVersion != 7 ||
		req.OpsetHash != 0xFEEDBEEF || req.IOHash != 0x0D10C0DE {
		t.Fatalf("requirements mismatch: %+v", req)
	}
	if vtag != 0x81 || !bytes.Equal(vval, []byte("vendor-blob")) {
		t.Fatalf("vendor callback got tag=%#x val=%q", vtag, vval)
	}
}

func TestWalkMetaSkipsWrongLengthCoreTag(t *testing.T) {
	// req-arena with a 2-byte value: recognized tag, wrong width, skipped
	meta := []byte{TagReqArena, 2, 0xAA, 0xBB}
	req, err := WalkMeta(meta, nil)
	if err != nil {
		t.Fatalf("WalkMeta error: %v", err)
	}
	if req.ArenaBytes != 0 {
		t.Fatalf("wrong-length entry should be skipped, got arena=%d", req.ArenaBytes)
	}
}

func TestWalkMetaIgnoresDanglingByteButRejectsOverrun(t *testing.T) {
	// a single trailing byte cannot form an entry. ignored
	meta := []byte{TagABIVersion, 2, 1, 0, 0x42}
	req, err := WalkMeta(meta, nil)
	if err != nil {
		t.Fatalf("WalkMeta error: %v", err)
	}
	if req.ABIVersion != 1 {
		t.Fatalf("abi=%d, want 1", req.ABIVersion)
	}

	// declared value length runs past the block. error
	if _, err := WalkMeta([]byte{0x81, 9, 1, 2}, nil); err == nil {
		t.Fatalf("expected error on entry overrun")
	}
}

func TestAppendMetaEntryRejectsOversizedValue(t *testing.T) {
	if _, err := AppendMetaEntry(nil, 0x90, make([]byte, 255)); err != nil {
		t.Fatalf("255-byte value should fit: %v", err)
	}
	if _, err := AppendMetaEntry(nil, 0x90, make([]byte, 256)); err == nil {
		t.Fatalf("expected error on 256-byte value")
	}
}

func TestChunkRoundTripWithAndWithoutSum(t *testing.T) {
	cases := []Chunk{
		{Off: 0, Enc: EncRaw, Payload: nil},
		{Off: 128, Enc: EncRaw, Payload: []byte{1, 2, 3}},
		{Off: 4096, Enc: EncRLE, HasSum: true, Sum: 0xDEADBEEF, Payload: []byte{4, 0xFF}},
	}
	var patch []byte
	var err error
	for _, ch := range cases {
		if patch, err = AppendChunk(patch, ch); err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
	}

	off := 0
	for i, want := range cases {
		var got Chunk
		got, off = mustDecodeChunk(t, patch, off)
		if got.Off != want.Off || got.Enc != want.Enc || got.HasSum != want.HasSum || got.Sum != want.Sum {
			t.Fatalf("chunk %d mismatch: got=%+v want=%+v", i, got, want)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("chunk %d payload mismatch: got %x want %x", i, got.Payload, want.Payload)
		}
	}
	if off != len(patch) {
		t.Fatalf("cursor stopped at %d, want %d", off, len(patch))
	}
}

func TestChunkRejectsTruncation(t *testing.T) {
	enc, err := AppendChunk(nil, Chunk{Off: 8, Enc: EncRaw, HasSum: true, Sum: 1, Payload: []byte("abcd")})
	if err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	// every truncation point must error, never panic
	for n := 0; n < len(enc); n++ {
		if _, _, err := DecodeChunk(enc[:n], 0); err == nil {
			t.Fatalf("expected error at %d-byte chunk record", n)
		}
	}

	// declared payload length beyond the buffer
	badLen := append([]byte(nil), enc...)
	binary.LittleEndian.PutUint16(badLen[4:6], 5) // payload is 4 bytes
	if _, _, err := DecodeChunk(badLen, 0); err == nil {
		t.Fatalf("expected error on payload length beyond buffer")
	}
}

func TestChunkConsumesUnverifiedSum(t *testing.T) {
	// two records back to back; the first carries a checksum word that the
	// caller may not verify. the cursor must still step over it.
	patch, err := AppendChunk(nil, Chunk{Off: 0, Enc: EncRaw, HasSum: true, Sum: 7, Payload: []byte{9}})
	if err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	if patch, err = AppendChunk(patch, Chunk{Off: 1, Enc: EncRaw, Payload: []byte{8}}); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	first, next := mustDecodeChunk(t, patch, 0)
	if !first.HasSum || first.Sum != 7 {
		t.Fatalf("first chunk sum not decoded: %+v", first)
	}
	second, end := mustDecodeChunk(t, patch, next)
	if second.Off != 1 || len(second.Payload) != 1 || second.Payload[0] != 8 {
		t.Fatalf("second chunk misparsed: %+v", second)
	}
	if end != len(patch) {
		t.Fatalf("cursor stopped at %d, want %d", end, len(patch))
	}
}

func TestChunkZeroCopyPayload(t *testing.T) {
	enc, err := AppendChunk(nil, Chunk{Off: 0, Enc: EncRaw, Payload: []byte{'Z'}})
	if err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	ch, _ := mustDecodeChunk(t, enc, 0)

	// mutate the decoded payload. should mutate the underlying enc bytes
	ch.Payload[0] = 'Q'
	ch2, _ := mustDecodeChunk(t, enc, 0)
	if ch2.Payload[0] != 'Q' {
		t.Fatalf("expected zero-copy payload slice into enc buffer")
	}
}

func TestAppendChunkRejectsOversizedPayload(t *testing.T) {
	if _, err := AppendChunk(nil, Chunk{Payload: make([]byte, MaxChunkPayload)}); err != nil {
		t.Fatalf("boundary payload should succeed: %v", err)
	}
	if _, err := AppendChunk(nil, Chunk{Payload: make([]byte, MaxChunkPayload+1)}); err == nil {
		t.Fatalf("expected error on payload length > u16")
	}
}

func TestRLERoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{7},
		{0, 0, 0, 0},
		bytes.Repeat([]byte{0xAB}, 300), // splits into a 256-run (count 0) plus remainder
		{1, 1, 2, 2, 2, 3, 1, 1, 1, 1},
	}
	dst := make([]byte, 1024)
	for _, want := range cases {
		enc := EncodeRLE(want)
		n, err := DecodeRLE(dst, enc)
		if err != nil {
			t.Fatalf("DecodeRLE(%x): %v", enc, err)
		}
		if !bytes.Equal(dst[:n], want) {
			t.Fatalf("round trip mismatch: got %x want %x", dst[:n], want)
		}
	}
}

func TestRLEDecodesZeroCountAs256(t *testing.T) {
	dst := make([]byte, 512)
	n, err := DecodeRLE(dst, []byte{0, 0xEE})
	if err != nil {
		t.Fatalf("DecodeRLE: %v", err)
	}
	if n != 256 {
		t.Fatalf("decoded %d bytes, want 256", n)
	}
	for i := 0; i < n; i++ {
		if dst[i] != 0xEE {
			t.Fatalf("byte %d is %#x, want 0xEE", i, dst[i])
		}
	}
}

func TestRLERejectsOverflowAndDanglingByte(t *testing.T) {
	// 256-byte run into a 255-byte scratch
	if _, err := DecodeRLE(make([]byte, 255), []byte{0, 1}); err == nil {
		t.Fatalf("expected error on scratch overflow")
	}
	// odd-length input leaves a count with no value
	if _, err := DecodeRLE(make([]byte, 16), []byte{2, 5, 3}); err == nil {
		t.Fatalf("expected error on dangling byte")
	}
}

func TestDigestForms(t *testing.T) {
	data := []byte("tinyml model image")

	c := DigestCRC32(data)
	for _, b := range c[4:] {
		if b != 0 {
			t.Fatalf("crc32 digest must be zero padded past byte 4: %x", c)
		}
	}
	if binary.LittleEndian.Uint32(c[:4]) == 0 {
		t.Fatalf("crc32 digest is zero")
	}

	s := DigestSHA256(data)
	if s == ([32]byte{}) {
		t.Fatalf("sha256 digest is zero")
	}
	if s == c {
		t.Fatalf("digest forms should differ")
	}
}
