package tinymldelta

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/felixgalindo/TinyMLDelta/internal/wire"
	"github.com/felixgalindo/TinyMLDelta/storage"
)

type engine struct {
	port     storage.Port
	layout   storage.Layout
	device   DeviceProfile
	algo     Algo
	checksum func([]byte) uint32
	copyBuf  int
	scratch  int
	journal  bool
	log      Logger
	hooks    Hooks
}

func newEngine(opts Options) (*engine, error) {
	if opts.Port == nil {
		return nil, fmt.Errorf("%w: storage port is required", ErrParam)
	}
	if err := opts.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("%w: layout: %v", ErrParam, err)
	}
	if opts.CopyBufferSize < 0 || opts.ScratchSize < 0 {
		return nil, fmt.Errorf("%w: negative buffer size", ErrParam)
	}

	e := &engine{
		port:    opts.Port,
		layout:  opts.Layout,
		device:  opts.Device,
		journal: !opts.DisableJournal,
	}

	// defaults
	e.algo = coalesce(opts.Algo, AlgoCRC32)
	if e.algo > AlgoSHA256 {
		return nil, fmt.Errorf("%w: integrity algorithm %d", ErrUnsupported, uint8(opts.Algo))
	}
	e.copyBuf = coalesce(opts.CopyBufferSize, DefaultCopyBufferSize)
	e.scratch = coalesce(opts.ScratchSize, DefaultScratchSize)
	e.log = coalesce[Logger](opts.Logger, NopLogger{})
	e.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	if opts.Checksum != nil {
		e.checksum = opts.Checksum
	} else {
		e.checksum = crc32.ChecksumIEEE
	}

	return e, nil
}

func (e *engine) Apply(ctx context.Context, patch []byte) error {
	h, meta, err := wire.DecodeHeader(patch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHeader, err)
	}
	if h.Algo != e.algo.Selector() {
		return fmt.Errorf("%w: patch uses integrity algorithm %d, engine is built for %s",
			ErrUnsupported, h.Algo, e.algo)
	}

	req, err := wire.WalkMeta(meta, e.hooks.VendorMeta)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHeader, err)
	}
	if gerr := e.device.check(req); gerr != nil {
		e.hooks.GuardrailFailed(gerr.Rule)
		e.log.Warn("guardrail rejected patch", Fields{
			"rule": gerr.Rule, "want": gerr.Want, "have": gerr.Have,
		})
		return gerr
	}

	e.log.Info("applying patch", Fields{
		"algo":       e.algo.String(),
		"chunks":     h.Chunks,
		"base_len":   h.BaseLen,
		"target_len": h.TargetLen,
	})

	raw, err := e.port.ActiveSlot(ctx)
	if err != nil {
		return fmt.Errorf("%w: read active slot marker: %v", ErrFlash, err)
	}
	active := normalizeSlot(raw)
	target := active ^ 1
	src, dst := e.layout.Slot(active), e.layout.Slot(target)
	if src.Size != dst.Size {
		return fmt.Errorf("%w: slot sizes differ (%d vs %d)", ErrParam, src.Size, dst.Size)
	}

	if err := e.cloneSlot(ctx, src, dst); err != nil {
		return err
	}
	e.hooks.SlotCloned(active, target, src.Size)
	e.log.Debug("cloned active slot", Fields{"src": active, "dst": target, "bytes": src.Size})

	// The journal opens only after the clone: an interrupted clone is
	// harmless (the active slot is intact and no progress was claimed),
	// so crash evidence starts with the first chunk write.
	var rec storage.JournalRecord
	if e.journal {
		rec = e.openJournal(ctx, h, target)
	}

	scratch := make([]byte, e.scratch)
	off := h.ChunkStart()
	for idx := 0; idx < int(h.Chunks); idx++ {
		ch, next, err := wire.DecodeChunk(patch, off)
		if err != nil {
			return fmt.Errorf("%w: chunk %d: %v", ErrHeader, idx, err)
		}
		off = next

		if err := e.applyChunk(ctx, idx, ch, dst, scratch); err != nil {
			return err
		}

		if e.journal {
			rec.NextChunk = uint32(idx + 1)
			if jerr := e.port.WriteJournal(ctx, rec); jerr != nil {
				e.hooks.JournalWriteFailed(jerr)
				e.log.Warn("journal write failed", Fields{"chunk": idx, "err": jerr.Error()})
			}
		}
	}

	if e.journal {
		if jerr := e.port.ClearJournal(ctx); jerr != nil {
			e.hooks.JournalWriteFailed(jerr)
			e.log.Warn("journal clear failed", Fields{"err": jerr.Error()})
		}
	}

	if err := e.port.SetActiveSlot(ctx, target); err != nil {
		return fmt.Errorf("%w: flip active slot: %v", ErrFlash, err)
	}
	e.hooks.SlotFlipped(active, target)
	e.log.Info("patch applied", Fields{"active_slot": target, "chunks": h.Chunks})
	return nil
}

// cloneSlot copies src over dst through a bounded staging buffer, erasing
// dst first so untouched regions read as flash-erased bytes.
func (e *engine) cloneSlot(ctx context.Context, src, dst storage.Slot) error {
	if err := e.port.Erase(ctx, dst.Addr, dst.Size); err != nil {
		return fmt.Errorf("%w: erase target slot: %v", ErrFlash, err)
	}
	buf := make([]byte, e.copyBuf)
	for off := uint32(0); off < src.Size; {
		n := uint32(len(buf))
		if left := src.Size - off; left < n {
			n = left
		}
		if err := e.port.Read(ctx, src.Addr+off, buf[:n]); err != nil {
			return fmt.Errorf("%w: read active slot at %#x: %v", ErrFlash, src.Addr+off, err)
		}
		if err := e.port.Write(ctx, dst.Addr+off, buf[:n]); err != nil {
			return fmt.Errorf("%w: write target slot at %#x: %v", ErrFlash, dst.Addr+off, err)
		}
		off += n
	}
	return nil
}

// applyChunk verifies, decodes and writes one chunk into the target slot.
// scratch receives run-length output, so a decoded chunk can never exceed
// the configured scratch size.
func (e *engine) applyChunk(ctx context.Context, idx int, ch wire.Chunk, dst storage.Slot, scratch []byte) error {
	if ch.HasSum && e.algo == AlgoCRC32 {
		if got := e.checksum(ch.Payload); got != ch.Sum {
			e.hooks.ChecksumMismatch(idx, got, ch.Sum)
			return fmt.Errorf("%w: chunk %d: checksum %#08x, patch declares %#08x",
				ErrIntegrity, idx, got, ch.Sum)
		}
	}

	var data []byte
	switch ch.Enc {
	case wire.EncRaw:
		data = ch.Payload
	case wire.EncRLE:
		n, err := wire.DecodeRLE(scratch, ch.Payload)
		if err != nil {
			return fmt.Errorf("%w: chunk %d: %v", ErrHeader, idx, err)
		}
		data = scratch[:n]
	default:
		return fmt.Errorf("%w: chunk %d: encoding %d", ErrUnsupported, idx, ch.Enc)
	}

	if uint64(ch.Off)+uint64(len(data)) > uint64(dst.Size) {
		return fmt.Errorf("%w: chunk %d writes [%d, %d) past %d-byte slot",
			ErrParam, idx, ch.Off, uint64(ch.Off)+uint64(len(data)), dst.Size)
	}
	if err := e.port.Write(ctx, dst.Addr+ch.Off, data); err != nil {
		return fmt.Errorf("%w: chunk %d: %v", ErrFlash, idx, err)
	}
	e.hooks.ChunkApplied(idx, ch.Off, len(data))
	return nil
}

// openJournal returns the record chunk writes will advance. A live record
// from an interrupted apply is kept as crash evidence; anything else
// (absent, unreadable, cleared) starts fresh for this patch.
func (e *engine) openJournal(ctx context.Context, h wire.Header, target uint8) storage.JournalRecord {
	rec, ok, err := e.port.ReadJournal(ctx)
	if err != nil {
		e.log.Warn("journal unreadable, reinitializing", Fields{"err": err.Error()})
	}
	if err == nil && ok && rec.Live() {
		e.log.Info("found live journal from interrupted apply", Fields{
			"patch_id":    rec.PatchID,
			"next_chunk":  rec.NextChunk,
			"target_slot": rec.TargetSlot,
		})
		return rec
	}
	return storage.JournalRecord{
		Magic:      storage.JournalMagic,
		PatchID:    patchID(h),
		TargetSlot: target,
	}
}

// patchID derives a journal identifier from the header's target digest, the
// first word of which is the target image CRC under the default algorithm.
func patchID(h wire.Header) uint32 {
	return binary.LittleEndian.Uint32(h.TargetDigest[:4])
}

// normalizeSlot folds any nonzero marker byte onto slot B. Ports may store
// the marker in media where a stray bit flip yields values beyond 1.
func normalizeSlot(raw uint8) uint8 {
	if raw != 0 {
		return 1
	}
	return 0
}
