package tinymldelta

import "github.com/felixgalindo/TinyMLDelta/internal/wire"

// check evaluates a patch's declared requirements against the device
// profile in fixed order: arena, ABI, opset, IO shape. The first failing
// rule wins. A zero requirement means the patch does not constrain that
// capability, and a zero profile hash disables its equality rule.
func (d DeviceProfile) check(req wire.Requirements) *GuardrailError {
	if req.ArenaBytes != 0 && req.ArenaBytes > d.ArenaBytes {
		return &GuardrailError{Rule: GuardArena, Want: uint64(req.ArenaBytes), Have: uint64(d.ArenaBytes)}
	}
	if req.ABIVersion != 0 && req.ABIVersion > d.ABIVersion {
		return &GuardrailError{Rule: GuardABI, Want: uint64(req.ABIVersion), Have: uint64(d.ABIVersion)}
	}
	if d.OpsetHash != 0 && req.OpsetHash != 0 && req.OpsetHash != d.OpsetHash {
		return &GuardrailError{Rule: GuardOpset, Want: uint64(req.OpsetHash), Have: uint64(d.OpsetHash)}
	}
	if d.EnforceIOHash && req.IOHash != 0 && req.IOHash != d.IOHash {
		return &GuardrailError{Rule: GuardIO, Want: uint64(req.IOHash), Have: uint64(d.IOHash)}
	}
	return nil
}
