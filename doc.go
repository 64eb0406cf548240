// Package tinymldelta applies binary delta patches to TinyML models held in
// an A/B slot pair. The inactive slot is rebuilt from the active one plus a
// compact patch, verified chunk by chunk, and only then made active; the
// previous model stays intact for rollback.
//
// Components:
//   - storage.Port: the device flash surface (erase/read/write, active-slot
//     marker, journal record). memflash, fileflash and redisflash ship as
//     implementations.
//   - Engine: the apply state machine. Strictly sequential: parse header,
//     check guardrails, clone slot, apply chunks, flip.
//   - patchgen: the host-side producer of the patch container.
//
// Apply sequence:
//
//	eng, _ := tinymldelta.New(tinymldelta.Options{Port: port, Layout: layout})
//	err := eng.Apply(ctx, patch) // errors.Is(err, tinymldelta.ErrGuardrail) etc.
//
// A patch never touches the active slot. Guardrails (arena size, ABI
// version, opset hash, IO shape hash) reject incompatible patches before the
// first flash write, and every failure short-circuits before the slot flip.
package tinymldelta
