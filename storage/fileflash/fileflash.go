// Package fileflash implements storage.Port over a flash image file, the
// host-side twin of the reference POSIX device: model slots and the journal
// record live inside the image, the active-slot marker in a sibling text
// file holding a single decimal digit.
package fileflash

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/felixgalindo/TinyMLDelta/storage"
)

const eraseBufSize = 256

// Options configures a file-backed device.
type Options struct {
	// ImagePath is the flash image file.
	ImagePath string

	// MarkerPath holds the active-slot digit. Defaults to ImagePath + ".slot".
	MarkerPath string

	// Layout fixes the geometry. The image must be at least Layout.End()
	// bytes; a zero JournalSize turns the journal region off.
	Layout storage.Layout

	// Create makes a missing image: Size bytes (default Layout.End()) of
	// erased fill.
	Create bool
	Size   uint32
}

// Flash is a storage.Port over a flash image file.
type Flash struct {
	f      *os.File
	marker string
	layout storage.Layout
	size   uint32
}

// New opens (or creates, with Options.Create) the image and validates that
// the layout fits inside it.
func New(opts Options) (*Flash, error) {
	if err := opts.Layout.Validate(); err != nil {
		return nil, err
	}
	if opts.MarkerPath == "" {
		opts.MarkerPath = opts.ImagePath + ".slot"
	}
	if opts.Size == 0 {
		opts.Size = opts.Layout.End()
	}
	if opts.Size < opts.Layout.End() {
		return nil, errors.Errorf("image size %d does not fit layout end %#x", opts.Size, opts.Layout.End())
	}

	f, err := os.OpenFile(opts.ImagePath, os.O_RDWR, 0o644)
	switch {
	case err == nil:
	case os.IsNotExist(err) && opts.Create:
		f, err = os.OpenFile(opts.ImagePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "create flash image")
		}
		if err := fillErased(f, 0, opts.Size); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "fill flash image")
		}
	default:
		return nil, errors.Wrap(err, "open flash image")
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat flash image")
	}
	if st.Size() < int64(opts.Layout.End()) {
		f.Close()
		return nil, errors.Errorf("flash image is %d bytes, layout needs %#x", st.Size(), opts.Layout.End())
	}

	return &Flash{
		f:      f,
		marker: opts.MarkerPath,
		layout: opts.Layout,
		size:   uint32(st.Size()),
	}, nil
}

func fillErased(f *os.File, addr, size uint32) error {
	var buf [eraseBufSize]byte
	for i := range buf {
		buf[i] = storage.Erased
	}
	for size > 0 {
		n := uint32(len(buf))
		if size < n {
			n = size
		}
		if _, err := f.WriteAt(buf[:n], int64(addr)); err != nil {
			return err
		}
		addr += n
		size -= n
	}
	return nil
}

func (fl *Flash) bounds(addr uint32, n uint64) error {
	if uint64(addr)+n > uint64(fl.size) {
		return errors.Wrapf(storage.ErrOutOfRange, "[%#x,%#x) on a %#x-byte image",
			addr, uint64(addr)+n, fl.size)
	}
	return nil
}

func (fl *Flash) Erase(_ context.Context, addr, size uint32) error {
	if err := fl.bounds(addr, uint64(size)); err != nil {
		return err
	}
	return errors.Wrap(fillErased(fl.f, addr, size), "erase")
}

func (fl *Flash) Write(_ context.Context, addr uint32, data []byte) error {
	if err := fl.bounds(addr, uint64(len(data))); err != nil {
		return err
	}
	_, err := fl.f.WriteAt(data, int64(addr))
	return errors.Wrap(err, "write")
}

func (fl *Flash) Read(_ context.Context, addr uint32, dst []byte) error {
	if err := fl.bounds(addr, uint64(len(dst))); err != nil {
		return err
	}
	_, err := fl.f.ReadAt(dst, int64(addr))
	return errors.Wrap(err, "read")
}

// ActiveSlot reads the marker file. A missing or unparseable marker means
// slot 0, the state of a freshly provisioned device.
func (fl *Flash) ActiveSlot(_ context.Context) (uint8, error) {
	b, err := os.ReadFile(fl.marker)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "read slot marker")
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || n < 0 || n > 255 {
		return 0, nil
	}
	return uint8(n), nil
}

func (fl *Flash) SetActiveSlot(_ context.Context, idx uint8) error {
	err := os.WriteFile(fl.marker, []byte(strconv.Itoa(int(idx))), 0o644)
	return errors.Wrap(err, "write slot marker")
}

func (fl *Flash) ReadJournal(_ context.Context) (storage.JournalRecord, bool, error) {
	if fl.layout.JournalSize < storage.JournalRecordSize {
		return storage.JournalRecord{}, false, nil
	}
	buf := make([]byte, storage.JournalRecordSize)
	if _, err := fl.f.ReadAt(buf, int64(fl.layout.JournalAddr)); err != nil {
		return storage.JournalRecord{}, false, errors.Wrap(err, "read journal")
	}
	var rec storage.JournalRecord
	if err := rec.UnmarshalBinary(buf); err != nil {
		return storage.JournalRecord{}, false, err
	}
	return rec, true, nil
}

func (fl *Flash) WriteJournal(_ context.Context, rec storage.JournalRecord) error {
	if fl.layout.JournalSize < storage.JournalRecordSize {
		return nil
	}
	b, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = fl.f.WriteAt(b, int64(fl.layout.JournalAddr))
	return errors.Wrap(err, "write journal")
}

// ClearJournal persists a zeroed record, the same dead state a fully
// erased region decodes to on magic inspection.
func (fl *Flash) ClearJournal(ctx context.Context) error {
	return fl.WriteJournal(ctx, storage.JournalRecord{})
}

func (fl *Flash) Close(_ context.Context) error {
	return errors.Wrap(fl.f.Close(), "close flash image")
}
