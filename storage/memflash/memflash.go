// Package memflash provides an in-memory storage.Port, the default device
// double for tests and host-side simulation.
package memflash

import (
	"context"
	"fmt"
	"sync"

	"github.com/felixgalindo/TinyMLDelta/storage"
)

// Flash is a storage.Port backed by a byte slice. The active-slot marker
// and the journal record live out of band, like a separate status page.
// Construct with New; the zero value has no address space.
type Flash struct {
	mu      sync.RWMutex
	mem     []byte
	active  uint8
	journal *storage.JournalRecord
}

// New returns a device of size bytes in the fully erased state.
func New(size uint32) *Flash {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = storage.Erased
	}
	return &Flash{mem: mem}
}

// NewForLayout sizes the device so l fits.
func NewForLayout(l storage.Layout) *Flash { return New(l.End()) }

func (f *Flash) bounds(addr uint32, n uint64) error {
	if uint64(addr)+n > uint64(len(f.mem)) {
		return fmt.Errorf("%w: [%#x,%#x) on a %#x-byte device",
			storage.ErrOutOfRange, addr, uint64(addr)+n, len(f.mem))
	}
	return nil
}

func (f *Flash) Erase(_ context.Context, addr, size uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.bounds(addr, uint64(size)); err != nil {
		return err
	}
	for i := addr; i < addr+size; i++ {
		f.mem[i] = storage.Erased
	}
	return nil
}

func (f *Flash) Write(_ context.Context, addr uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.bounds(addr, uint64(len(data))); err != nil {
		return err
	}
	copy(f.mem[addr:], data)
	return nil
}

func (f *Flash) Read(_ context.Context, addr uint32, dst []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.bounds(addr, uint64(len(dst))); err != nil {
		return err
	}
	copy(dst, f.mem[addr:])
	return nil
}

func (f *Flash) ActiveSlot(_ context.Context) (uint8, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active, nil
}

func (f *Flash) SetActiveSlot(_ context.Context, idx uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = idx
	return nil
}

func (f *Flash) ReadJournal(_ context.Context) (storage.JournalRecord, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.journal == nil {
		return storage.JournalRecord{}, false, nil
	}
	return *f.journal, true, nil
}

func (f *Flash) WriteJournal(_ context.Context, rec storage.JournalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.journal = &rec
	return nil
}

func (f *Flash) ClearJournal(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.journal = nil
	return nil
}

func (f *Flash) Close(_ context.Context) error { return nil }
