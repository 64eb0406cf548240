package tinymldelta

// Hooks lightweight callbacks for high-signal apply events.
// Implementations MUST be cheap and non-blocking: the engine calls them
// between flash operations (see hooks/async for a buffered decorator).
type Hooks interface {
	// A vendor metadata entry (tag >= 0x80) was found in the patch header.
	// value aliases the patch buffer and is only valid during the call.
	VendorMeta(tag uint8, value []byte)

	// A guardrail rejected the patch before any flash write.
	// rule ∈ {"arena", "abi", "opset", "io"}
	GuardrailFailed(rule string)

	// The active slot was copied into the target slot.
	SlotCloned(src, dst uint8, size uint32)

	// One chunk was decoded and written at offset off within the target slot.
	ChunkApplied(idx int, off uint32, n int)

	// A chunk checksum did not match; the apply stops, slots do not flip.
	ChecksumMismatch(idx int, got, want uint32)

	// The journal could not be persisted after a chunk (advisory only,
	// the apply continues).
	JournalWriteFailed(err error)

	// The active slot marker moved from old to new: the patched model is live.
	SlotFlipped(old, new uint8)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) VendorMeta(uint8, []byte)             {}
func (NopHooks) GuardrailFailed(string)               {}
func (NopHooks) SlotCloned(uint8, uint8, uint32)      {}
func (NopHooks) ChunkApplied(int, uint32, int)        {}
func (NopHooks) ChecksumMismatch(int, uint32, uint32) {}
func (NopHooks) JournalWriteFailed(error)             {}
func (NopHooks) SlotFlipped(uint8, uint8)             {}
