// Package storage defines the flash abstraction the patch engine drives.
//
// Implementations MUST be byte-for-byte transparent: Read must return
// exactly the bytes previously written at the same addresses, with
// never-written regions reading as the erased fill 0xFF. The active-slot
// marker and the journal region are owned by the engine; external code
// must not write them.
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// Erased is the value every byte of an erased range reads back as.
const Erased byte = 0xFF

// ErrOutOfRange reports an access outside the device's address space.
var ErrOutOfRange = errors.New("storage: address out of range")

// Port is a device flash surface: raw byte ranges holding the two model
// slots, an active-slot marker, and one small journal record. The engine
// issues calls strictly sequentially; a Port only has to support one apply
// at a time.
type Port interface {
	// Erase resets [addr, addr+size) to the erased fill.
	Erase(ctx context.Context, addr, size uint32) error

	// Write programs data at addr.
	Write(ctx context.Context, addr uint32, data []byte) error

	// Read fills dst from addr.
	Read(ctx context.Context, addr uint32, dst []byte) error

	// ActiveSlot returns the marker as stored; callers normalize any
	// nonzero value to slot B.
	ActiveSlot(ctx context.Context) (uint8, error)

	// SetActiveSlot persists idx as the new marker.
	SetActiveSlot(ctx context.Context, idx uint8) error

	// ReadJournal returns the stored record. ok=false means none could be
	// read (fresh device, short region); a zeroed record with ok=true is
	// treated as absent by the engine just the same.
	ReadJournal(ctx context.Context) (JournalRecord, bool, error)

	// WriteJournal persists rec.
	WriteJournal(ctx context.Context, rec JournalRecord) error

	// ClearJournal removes the record or persists a zeroed one.
	ClearJournal(ctx context.Context) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Slot is one model storage region.
type Slot struct {
	Addr uint32
	Size uint32
}

// Layout fixes a device's A/B slot geometry and journal region.
type Layout struct {
	SlotA       Slot
	SlotB       Slot
	JournalAddr uint32
	JournalSize uint32
}

// DefaultLayout mirrors the reference device map: two 64 KiB slots with a
// 4 KiB journal region behind them.
func DefaultLayout() Layout {
	return Layout{
		SlotA:       Slot{Addr: 0x00000, Size: 64 * 1024},
		SlotB:       Slot{Addr: 0x10000, Size: 64 * 1024},
		JournalAddr: 0x20000,
		JournalSize: 4 * 1024,
	}
}

// Slot returns the slot for idx: zero is A, anything else B.
func (l Layout) Slot(idx uint8) Slot {
	if idx == 0 {
		return l.SlotA
	}
	return l.SlotB
}

// End is the first address past the last region, i.e. the minimum device
// size that fits the layout.
func (l Layout) End() uint32 {
	end := l.SlotA.Addr + l.SlotA.Size
	if e := l.SlotB.Addr + l.SlotB.Size; e > end {
		end = e
	}
	if e := l.JournalAddr + l.JournalSize; e > end {
		end = e
	}
	return end
}

// Validate rejects geometries the engine cannot operate on: zero-size or
// unequal slots, regions that wrap the address space, or regions that
// overlap one another.
func (l Layout) Validate() error {
	if l.SlotA.Size == 0 || l.SlotB.Size == 0 {
		return errors.New("storage: slot size is zero")
	}
	if l.SlotA.Size != l.SlotB.Size {
		return fmt.Errorf("storage: slot sizes differ: A=%d B=%d", l.SlotA.Size, l.SlotB.Size)
	}

	type region struct {
		name      string
		addr, end uint64
	}
	regions := []region{
		{"slot A", uint64(l.SlotA.Addr), uint64(l.SlotA.Addr) + uint64(l.SlotA.Size)},
		{"slot B", uint64(l.SlotB.Addr), uint64(l.SlotB.Addr) + uint64(l.SlotB.Size)},
	}
	if l.JournalSize > 0 {
		regions = append(regions, region{"journal", uint64(l.JournalAddr), uint64(l.JournalAddr) + uint64(l.JournalSize)})
	}
	for _, r := range regions {
		if r.end > 1<<32 {
			return fmt.Errorf("storage: %s wraps the 32-bit address space", r.name)
		}
	}
	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			a, b := regions[i], regions[j]
			if a.addr < b.end && b.addr < a.end {
				return fmt.Errorf("storage: %s overlaps %s", a.name, b.name)
			}
		}
	}
	return nil
}

// JournalMagic marks a live journal record ("TMDP").
const JournalMagic uint32 = 0x544D4450

// JournalRecordSize is the canonical encoded size.
const JournalRecordSize = 13

// JournalRecord is the crash marker persisted between chunk writes. A
// record with a live magic found at boot is the evidence of an interrupted
// apply; the engine never resumes from it, it only records progress.
type JournalRecord struct {
	Magic      uint32
	PatchID    uint32
	NextChunk  uint32
	TargetSlot uint8
}

// Live reports whether the record marks an apply in progress.
func (r JournalRecord) Live() bool { return r.Magic == JournalMagic }

// MarshalBinary encodes the record little-endian:
// magic(u32) | patchID(u32) | nextChunk(u32) | targetSlot(1).
func (r JournalRecord) MarshalBinary() ([]byte, error) {
	b := make([]byte, JournalRecordSize)
	binary.LittleEndian.PutUint32(b[0:4], r.Magic)
	binary.LittleEndian.PutUint32(b[4:8], r.PatchID)
	binary.LittleEndian.PutUint32(b[8:12], r.NextChunk)
	b[12] = r.TargetSlot
	return b, nil
}

func (r *JournalRecord) UnmarshalBinary(b []byte) error {
	if len(b) != JournalRecordSize {
		return fmt.Errorf("storage: journal record is %d bytes, want %d", len(b), JournalRecordSize)
	}
	r.Magic = binary.LittleEndian.Uint32(b[0:4])
	r.PatchID = binary.LittleEndian.Uint32(b[4:8])
	r.NextChunk = binary.LittleEndian.Uint32(b[8:12])
	r.TargetSlot = b[12]
	return nil
}
