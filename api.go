package tinymldelta

import (
	"context"
	"fmt"

	"github.com/felixgalindo/TinyMLDelta/internal/wire"
	"github.com/felixgalindo/TinyMLDelta/storage"
)

// Algo selects the integrity algorithm an engine enforces. It is fixed at
// construction, the way a device build fixes it at compile time: a patch
// whose header selects anything else is rejected before any flash I/O.
type Algo uint8

const (
	algoDefault Algo = iota // zero Options.Algo; New resolves it to AlgoCRC32

	// AlgoNone accepts only patches with no integrity data (algo byte 0).
	// It is an explicit opt-out; the zero Options value means AlgoCRC32.
	AlgoNone
	// AlgoCRC32 verifies IEEE CRC32 chunk checksums and stamps 4-byte
	// header digests. This is the default.
	AlgoCRC32
	// AlgoSHA256 uses SHA-256 header digests; chunks carry no checksums.
	AlgoSHA256
)

func (a Algo) String() string {
	switch a {
	case AlgoNone:
		return "none"
	case AlgoCRC32:
		return "crc32"
	case AlgoSHA256:
		return "sha256"
	}
	return fmt.Sprintf("algo(%d)", uint8(a))
}

// ParseAlgo maps the names used by CLI flags and config files ("none",
// "crc32", "sha256") onto Algo values.
func ParseAlgo(s string) (Algo, error) {
	switch s {
	case "none":
		return AlgoNone, nil
	case "crc32", "":
		return AlgoCRC32, nil
	case "sha256":
		return AlgoSHA256, nil
	}
	return 0, fmt.Errorf("%w: integrity algorithm %q", ErrUnsupported, s)
}

// Selector returns the patch header algo byte this algorithm matches.
// Producers stamp it into generated patches; the engine compares it against
// incoming headers.
func (a Algo) Selector() uint8 {
	switch a {
	case AlgoNone:
		return wire.AlgoNone
	case AlgoSHA256:
		return wire.AlgoSHA256
	default:
		return wire.AlgoCRC32
	}
}

// DeviceProfile is the capability set of a device build. The engine checks
// every patch's declared requirements against it before touching flash.
type DeviceProfile struct {
	ArenaBytes uint32 // tensor arena capacity; patches needing more are rejected
	ABIVersion uint16 // runtime ABI level; patches needing newer are rejected
	OpsetHash  uint32 // operator set identity; 0 => skip the opset rule
	IOHash     uint32 // input/output tensor shape identity

	// EnforceIOHash turns the IO shape rule on. Off by default: most
	// deployments pin shapes through the opset hash alone.
	EnforceIOHash bool
}

// Engine applies patch containers to the flash port it was built around.
// Implementations are safe for sequential use; concurrent Apply calls on
// one engine are not supported, matching single-core device targets.
type Engine interface {
	// Apply verifies patch against the device profile and, when it passes,
	// clones the active slot into the inactive one, applies the chunk
	// stream there, and flips the active slot marker. The active slot is
	// never modified; any error before the final flip leaves the running
	// model untouched.
	Apply(ctx context.Context, patch []byte) error
}

// Options configure an engine. Port is required; zero values elsewhere get
// the documented defaults.
type Options struct {
	// Required. The flash port the engine reads, erases and writes.
	Port storage.Port

	// Layout positions the two model slots and the journal. The zero
	// value is invalid; use storage.DefaultLayout() for the stock map.
	Layout storage.Layout

	// Device is the capability profile patches are screened against.
	// A zero profile rejects any patch that declares requirements.
	Device DeviceProfile

	// Algo is the integrity algorithm this engine enforces. Zero value
	// means AlgoCRC32; disable checking explicitly with AlgoNone.
	Algo Algo

	// Checksum overrides the chunk checksum function, for ports with a
	// hardware CRC engine. Nil means crc32.ChecksumIEEE. Only consulted
	// when Algo is AlgoCRC32.
	Checksum func([]byte) uint32

	// CopyBufferSize bounds the slot-clone staging buffer, and
	// ScratchSize bounds run-length decode output (so also the largest
	// decoded chunk). 0 => 1024 each; negative is an error.
	CopyBufferSize int
	ScratchSize    int

	// DisableJournal skips progress journaling. Journal writes are
	// advisory either way: a failing journal never fails an apply.
	DisableJournal bool

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks
}

// New builds an engine around opts.Port. It validates the layout and
// algorithm up front so Apply can assume a coherent configuration.
func New(opts Options) (Engine, error) {
	return newEngine(opts)
}
