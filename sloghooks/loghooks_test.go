package sloghooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return l, &buf
}

func countLines(buf *bytes.Buffer, event string) int {
	n := 0
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, event) {
			n++
		}
	}
	return n
}

func TestChunkSampling(t *testing.T) {
	cases := []struct {
		name  string
		every uint64
		calls int
		want  int
	}{
		{"zero_logs_all", 0, 5, 5},
		{"one_logs_all", 1, 5, 5},
		{"every_fourth", 4, 8, 2},
		{"below_period_logs_nothing", 4, 3, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, buf := captureLogger()
			h := New(l, Options{ChunkEvery: tc.every})
			for i := 0; i < tc.calls; i++ {
				h.ChunkApplied(i, uint32(i)*64, 64)
			}
			if got := countLines(buf, "tinymldelta.chunk_applied"); got != tc.want {
				t.Fatalf("%d lines logged, want %d", got, tc.want)
			}
		})
	}
}

func TestVendorSamplingHasItsOwnCounter(t *testing.T) {
	l, buf := captureLogger()
	h := New(l, Options{ChunkEvery: 2, VendorEvery: 2})

	h.ChunkApplied(0, 0, 1)       // chunk #1: suppressed
	h.VendorMeta(0x80, nil)       // vendor #1: suppressed
	h.VendorMeta(0x81, []byte{1}) // vendor #2: logged
	h.ChunkApplied(1, 64, 1)      // chunk #2: logged

	if got := countLines(buf, "tinymldelta.vendor_meta"); got != 1 {
		t.Fatalf("%d vendor lines, want 1", got)
	}
	if got := countLines(buf, "tinymldelta.chunk_applied"); got != 1 {
		t.Fatalf("%d chunk lines, want 1", got)
	}
}

func TestUnsampledEventsAlwaysLog(t *testing.T) {
	l, buf := captureLogger()
	h := New(l, Options{ChunkEvery: 100, VendorEvery: 100})

	h.GuardrailFailed("abi")
	h.SlotCloned(0, 1, 4096)
	h.ChecksumMismatch(2, 0xBAD, 0xC0DE)
	h.JournalWriteFailed(errors.New("nvram write"))
	h.SlotFlipped(0, 1)

	for _, event := range []string{
		"tinymldelta.guardrail_failed",
		"tinymldelta.slot_cloned",
		"tinymldelta.checksum_mismatch",
		"tinymldelta.journal_write_failed",
		"tinymldelta.slot_flipped",
	} {
		if got := countLines(buf, event); got != 1 {
			t.Fatalf("%s logged %d times, want 1", event, got)
		}
	}
}

func TestSlotFlipCarriesStructuredFields(t *testing.T) {
	l, buf := captureLogger()
	New(l, Options{}).SlotFlipped(0, 1)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "tinymldelta.slot_flipped" {
		t.Fatalf("msg = %v", entry["msg"])
	}
	if entry["level"] != "INFO" {
		t.Fatalf("level = %v", entry["level"])
	}
	if entry["old"] != float64(0) || entry["new"] != float64(1) {
		t.Fatalf("slots old=%v new=%v", entry["old"], entry["new"])
	}
}

func TestNilLoggerDropsEverything(t *testing.T) {
	h := New(nil, Options{})
	h.VendorMeta(0x80, []byte{1})
	h.GuardrailFailed("arena")
	h.SlotCloned(0, 1, 1)
	h.ChunkApplied(0, 0, 1)
	h.ChecksumMismatch(0, 1, 2)
	h.JournalWriteFailed(errors.New("x"))
	h.SlotFlipped(0, 1)
}
