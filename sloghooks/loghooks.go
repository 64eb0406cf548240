package sloghooks

import (
	"log/slog"
	"sync/atomic"

	tinymldelta "github.com/felixgalindo/TinyMLDelta"
)

type Options struct {
	// Sampling to avoid floods on chatty events; 0/1 = log all.
	ChunkEvery  uint64 // per-chunk apply events
	VendorEvery uint64 // vendor metadata entries
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	chunkCtr  atomic.Uint64
	vendorCtr atomic.Uint64
}

var _ tinymldelta.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) VendorMeta(tag uint8, value []byte) {
	if h.l == nil || !sample(h.opts.VendorEvery, &h.vendorCtr) {
		return
	}
	h.l.Debug("tinymldelta.vendor_meta",
		"tag", tag,
		"len", len(value))
}

func (h *Hooks) GuardrailFailed(rule string) {
	if h.l == nil {
		return
	}
	h.l.Warn("tinymldelta.guardrail_failed",
		"rule", rule)
}

func (h *Hooks) SlotCloned(src, dst uint8, size uint32) {
	if h.l == nil {
		return
	}
	h.l.Info("tinymldelta.slot_cloned",
		"src", src,
		"dst", dst,
		"bytes", size)
}

func (h *Hooks) ChunkApplied(idx int, off uint32, n int) {
	if h.l == nil || !sample(h.opts.ChunkEvery, &h.chunkCtr) {
		return
	}
	h.l.Debug("tinymldelta.chunk_applied",
		"idx", idx,
		"off", off,
		"bytes", n)
}

func (h *Hooks) ChecksumMismatch(idx int, got, want uint32) {
	if h.l == nil {
		return
	}
	h.l.Error("tinymldelta.checksum_mismatch",
		"idx", idx,
		"got", got,
		"want", want)
}

func (h *Hooks) JournalWriteFailed(err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("tinymldelta.journal_write_failed",
		"err", err)
}

func (h *Hooks) SlotFlipped(oldSlot, newSlot uint8) {
	if h.l == nil {
		return
	}
	h.l.Info("tinymldelta.slot_flipped",
		"old", oldSlot,
		"new", newSlot)
}
