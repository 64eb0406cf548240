package asynchook

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	tinymldelta "github.com/felixgalindo/TinyMLDelta"
)

// sink records delivered events. Workers call it concurrently, so every
// method takes the lock.
type sink struct {
	mu        sync.Mutex
	vendor    []tinymldelta.VendorTLV
	guardrail []string
	cloned    []uint32
	chunks    []int
	mismatch  []int
	journal   []error
	flips     [][2]uint8
}

var _ tinymldelta.Hooks = (*sink)(nil)

func (s *sink) VendorMeta(tag uint8, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// deliberately no copy here: the decorator must have copied already
	s.vendor = append(s.vendor, tinymldelta.VendorTLV{Tag: tag, Value: value})
}
func (s *sink) GuardrailFailed(rule string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guardrail = append(s.guardrail, rule)
}
func (s *sink) SlotCloned(_, _ uint8, size uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cloned = append(s.cloned, size)
}
func (s *sink) ChunkApplied(idx int, _ uint32, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, idx)
}
func (s *sink) ChecksumMismatch(idx int, _, _ uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mismatch = append(s.mismatch, idx)
}
func (s *sink) JournalWriteFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, err)
}
func (s *sink) SlotFlipped(oldSlot, newSlot uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flips = append(s.flips, [2]uint8{oldSlot, newSlot})
}

func TestEventsReachInnerBeforeCloseReturns(t *testing.T) {
	rec := &sink{}
	h := New(rec, 1, 16)

	h.VendorMeta(0x80, []byte("cal"))
	h.GuardrailFailed("arena")
	h.SlotCloned(0, 1, 4096)
	h.ChunkApplied(3, 128, 64)
	h.ChecksumMismatch(5, 0xBAD, 0xC0DE)
	h.JournalWriteFailed(errors.New("nvram busy"))
	h.SlotFlipped(0, 1)
	h.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.vendor) != 1 || rec.vendor[0].Tag != 0x80 || string(rec.vendor[0].Value) != "cal" {
		t.Fatalf("vendor events %+v", rec.vendor)
	}
	if len(rec.guardrail) != 1 || rec.guardrail[0] != "arena" {
		t.Fatalf("guardrail events %v", rec.guardrail)
	}
	if len(rec.cloned) != 1 || rec.cloned[0] != 4096 {
		t.Fatalf("clone events %v", rec.cloned)
	}
	if len(rec.chunks) != 1 || rec.chunks[0] != 3 {
		t.Fatalf("chunk events %v", rec.chunks)
	}
	if len(rec.mismatch) != 1 || rec.mismatch[0] != 5 {
		t.Fatalf("mismatch events %v", rec.mismatch)
	}
	if len(rec.journal) != 1 || rec.journal[0] == nil {
		t.Fatalf("journal events %v", rec.journal)
	}
	if len(rec.flips) != 1 || rec.flips[0] != [2]uint8{0, 1} {
		t.Fatalf("flip events %v", rec.flips)
	}
}

func TestVendorValueIsCopiedBeforeQueueing(t *testing.T) {
	rec := &sink{}
	h := New(rec, 1, 4)

	buf := []byte{1, 2, 3}
	h.VendorMeta(0x90, buf)
	buf[0] = 0xFF // engine reuses the patch buffer right after the call
	h.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.vendor) != 1 || !bytes.Equal(rec.vendor[0].Value, []byte{1, 2, 3}) {
		t.Fatalf("delivered value %x, want 010203", rec.vendor[0].Value)
	}
}

// gatedSink parks every GuardrailFailed delivery on a gate so the test can
// hold the single worker busy while it overfills the queue.
type gatedSink struct {
	tinymldelta.NopHooks
	started chan struct{}
	gate    chan struct{}
	once    sync.Once

	mu    sync.Mutex
	rules []string
}

func (s *gatedSink) GuardrailFailed(rule string) {
	s.once.Do(func() { close(s.started) })
	<-s.gate
	s.mu.Lock()
	s.rules = append(s.rules, rule)
	s.mu.Unlock()
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	rec := &gatedSink{started: make(chan struct{}), gate: make(chan struct{})}
	h := New(rec, 1, 1)

	h.GuardrailFailed("a") // worker dequeues this and parks on the gate
	<-rec.started
	h.GuardrailFailed("b") // sits in the queue
	h.GuardrailFailed("c") // queue full: must drop, not block

	close(rec.gate)
	h.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.rules) != 2 || rec.rules[0] != "a" || rec.rules[1] != "b" {
		t.Fatalf("delivered %v, want [a b]", rec.rules)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	rec := &sink{}
	h := New(rec, 1, 8)
	for i := 0; i < 5; i++ {
		h.ChunkApplied(i, uint32(i)*64, 64)
	}
	h.Close()
	h.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.chunks) != 5 {
		t.Fatalf("delivered %d chunk events, want 5", len(rec.chunks))
	}
	for i, idx := range rec.chunks {
		if idx != i {
			t.Fatalf("chunk events out of order: %v", rec.chunks)
		}
	}
}

func TestNewClampsWorkersAndQueue(t *testing.T) {
	rec := &sink{}
	h := New(rec, 0, -5)
	h.SlotFlipped(1, 0)
	h.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.flips) != 1 || rec.flips[0] != [2]uint8{1, 0} {
		t.Fatalf("flip events %v", rec.flips)
	}
}
