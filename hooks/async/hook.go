// usage:
//
// import (
//
//	"log/slog"
//
//	tinymldelta "github.com/felixgalindo/TinyMLDelta"
//	"github.com/felixgalindo/TinyMLDelta/hooks/async"
//	"github.com/felixgalindo/TinyMLDelta/sloghooks"
//	"github.com/felixgalindo/TinyMLDelta/storage/fileflash"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    ChunkEvery: 16, // sample: log ~every 16th chunk
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	eng, _ := tinymldelta.New(tinymldelta.Options{
//	    Port:   port,
//	    Layout: storage.DefaultLayout(),
//	    Device: profile,
//	    Hooks:  hooks, // or `raw` if you don't want async
//	})
//
// The engine calls hooks between flash operations, so slow sinks (network
// exporters, files) belong behind this decorator. Events are dropped, not
// queued unboundedly, when the consumer cannot keep up.
package asynchook

import (
	"sync"

	tinymldelta "github.com/felixgalindo/TinyMLDelta"
)

type Hooks struct {
	inner tinymldelta.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ tinymldelta.Hooks = (*Hooks)(nil)

func New(inner tinymldelta.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

// VendorMeta copies value before queueing: the original aliases the patch
// buffer and is only valid during the synchronous call.
func (h *Hooks) VendorMeta(tag uint8, value []byte) {
	v := append([]byte(nil), value...)
	h.try(func() { h.inner.VendorMeta(tag, v) })
}

func (h *Hooks) GuardrailFailed(rule string) { h.try(func() { h.inner.GuardrailFailed(rule) }) }
func (h *Hooks) SlotCloned(src, dst uint8, size uint32) {
	h.try(func() { h.inner.SlotCloned(src, dst, size) })
}
func (h *Hooks) ChunkApplied(idx int, off uint32, n int) {
	h.try(func() { h.inner.ChunkApplied(idx, off, n) })
}
func (h *Hooks) ChecksumMismatch(idx int, got, want uint32) {
	h.try(func() { h.inner.ChecksumMismatch(idx, got, want) })
}
func (h *Hooks) JournalWriteFailed(err error) { h.try(func() { h.inner.JournalWriteFailed(err) }) }
func (h *Hooks) SlotFlipped(oldSlot, newSlot uint8) {
	h.try(func() { h.inner.SlotFlipped(oldSlot, newSlot) })
}
