package tinymldelta

import (
	"errors"
	"fmt"
)

// Failure classes for everything Apply can return. Callers classify with
// errors.Is; the concrete message carries the detail.
var (
	// ErrParam reports an invalid argument or engine configuration,
	// detected before any device state is touched.
	ErrParam = errors.New("tinymldelta: invalid parameter")

	// ErrHeader reports a structurally invalid patch: truncated buffer,
	// bad version, out-of-bounds chunk or metadata, undecodable payload.
	ErrHeader = errors.New("tinymldelta: malformed patch")

	// ErrIntegrity reports a chunk whose checksum did not match its payload.
	ErrIntegrity = errors.New("tinymldelta: integrity check failed")

	// ErrGuardrail reports a patch whose declared requirements exceed
	// the device capabilities the engine was configured with.
	ErrGuardrail = errors.New("tinymldelta: guardrail violation")

	// ErrUnsupported reports a feature this build does not carry, such as
	// a foreign checksum algorithm or an unknown chunk encoding.
	ErrUnsupported = errors.New("tinymldelta: unsupported feature")

	// ErrFlash reports a storage port failure.
	ErrFlash = errors.New("tinymldelta: storage failure")

	// ErrInternal reports a bug in the engine itself.
	ErrInternal = errors.New("tinymldelta: internal error")
)

// Guardrail rule names, in the order the engine evaluates them. They appear
// in GuardrailError.Rule and in the Hooks.GuardrailFailed callback.
const (
	GuardArena = "arena"
	GuardABI   = "abi"
	GuardOpset = "opset"
	GuardIO    = "io"
)

// GuardrailError is the concrete error behind ErrGuardrail. Want is the
// requirement declared by the patch, Have the device capability it was
// checked against.
type GuardrailError struct {
	Rule string // GuardArena, GuardABI, GuardOpset or GuardIO
	Want uint64
	Have uint64
}

func (e *GuardrailError) Error() string {
	switch e.Rule {
	case GuardArena:
		return fmt.Sprintf("guardrail arena: patch requires %d bytes, device arena is %d", e.Want, e.Have)
	case GuardABI:
		return fmt.Sprintf("guardrail abi: patch targets version %d, device runs %d", e.Want, e.Have)
	default:
		return fmt.Sprintf("guardrail %s: patch declares %#x, device expects %#x", e.Rule, e.Want, e.Have)
	}
}

func (e *GuardrailError) Unwrap() error { return ErrGuardrail }
