// Package redisflash implements storage.Port over Redis: a virtual flash
// device for fleet simulation and CI. The image is a single string value
// addressed with SETRANGE/GETRANGE; the active-slot marker and the journal
// record live under sibling keys.
package redisflash

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/felixgalindo/TinyMLDelta/storage"
)

var ErrNilClient = errors.New("redisflash: nil client")

const fillChunk = 8192

type Flash struct {
	rdb         goredis.UniversalClient
	closeClient bool
	key         string
	slotKey     string
	journalKey  string
	size        uint32
}

var _ storage.Port = (*Flash)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this port exclusively owns the client

	// Key names the device: the image lives at <Key>, the marker at
	// <Key>:slot, the journal at <Key>:journal.
	Key string

	// Size is the device size in bytes.
	Size uint32
}

// New validates the config and provisions the uninitialized tail of the
// image with erased fill, so unwritten ranges read back as a real erased
// device would.
func New(ctx context.Context, cfg Config) (*Flash, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Size == 0 {
		return nil, errors.New("redisflash: zero device size")
	}
	if cfg.Key == "" {
		cfg.Key = "tinymldelta:flash"
	}

	p := &Flash{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		key:         cfg.Key,
		slotKey:     cfg.Key + ":slot",
		journalKey:  cfg.Key + ":journal",
		size:        cfg.Size,
	}

	n, err := p.rdb.StrLen(ctx, p.key).Result()
	if err != nil {
		return nil, err
	}
	if uint64(n) < uint64(p.size) {
		if err := p.fill(ctx, uint32(n), p.size-uint32(n)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Flash) fill(ctx context.Context, addr, size uint32) error {
	buf := bytes.Repeat([]byte{storage.Erased}, fillChunk)
	for size > 0 {
		n := uint32(len(buf))
		if size < n {
			n = size
		}
		if err := p.rdb.SetRange(ctx, p.key, int64(addr), string(buf[:n])).Err(); err != nil {
			return err
		}
		addr += n
		size -= n
	}
	return nil
}

func (p *Flash) bounds(addr uint32, n uint64) error {
	if uint64(addr)+n > uint64(p.size) {
		return storage.ErrOutOfRange
	}
	return nil
}

func (p *Flash) Erase(ctx context.Context, addr, size uint32) error {
	if err := p.bounds(addr, uint64(size)); err != nil {
		return err
	}
	return p.fill(ctx, addr, size)
}

func (p *Flash) Write(ctx context.Context, addr uint32, data []byte) error {
	if err := p.bounds(addr, uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return p.rdb.SetRange(ctx, p.key, int64(addr), string(data)).Err()
}

func (p *Flash) Read(ctx context.Context, addr uint32, dst []byte) error {
	if err := p.bounds(addr, uint64(len(dst))); err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	s, err := p.rdb.GetRange(ctx, p.key, int64(addr), int64(addr)+int64(len(dst))-1).Result()
	if err != nil {
		return err
	}
	// a deleted or re-provisioned image may come back short
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = storage.Erased
	}
	return nil
}

func (p *Flash) ActiveSlot(ctx context.Context) (uint8, error) {
	s, err := p.rdb.Get(ctx, p.slotKey).Result()
	if err == goredis.Nil {
		return 0, nil // unprovisioned marker: slot 0
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 255 {
		return 0, nil
	}
	return uint8(n), nil
}

func (p *Flash) SetActiveSlot(ctx context.Context, idx uint8) error {
	return p.rdb.Set(ctx, p.slotKey, strconv.Itoa(int(idx)), 0).Err()
}

func (p *Flash) ReadJournal(ctx context.Context) (storage.JournalRecord, bool, error) {
	b, err := p.rdb.Get(ctx, p.journalKey).Bytes()
	if err == goredis.Nil {
		return storage.JournalRecord{}, false, nil
	}
	if err != nil {
		return storage.JournalRecord{}, false, err
	}
	var rec storage.JournalRecord
	if err := rec.UnmarshalBinary(b); err != nil {
		return storage.JournalRecord{}, false, err
	}
	return rec, true, nil
}

func (p *Flash) WriteJournal(ctx context.Context, rec storage.JournalRecord) error {
	b, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	return p.rdb.Set(ctx, p.journalKey, b, 0).Err()
}

func (p *Flash) ClearJournal(ctx context.Context) error {
	return p.rdb.Del(ctx, p.journalKey).Err()
}

// Close releases the underlying redis client only when this port owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Flash) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
