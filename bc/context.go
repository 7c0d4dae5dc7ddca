package bc

import "github.com/chain/txvm/errors"

// A ContextObject pairs a working-set id with its current state, or
// nil when the object does not exist yet.
type ContextObject struct {
	ID     Id
	Object *Object
}

// An ExecutionContext is everything a controller may observe: the
// instruction being executed, the working-set objects in target
// order (absent objects delivered as missing entries), and the
// transaction's slot and timestamp.
type ExecutionContext struct {
	Instruction Instruction
	Objects     []ContextObject
	Slot        uint64
	Timestamp   int64
}

// Encode lays out the context as written to the guest input buffer
// (the u32 length prefix is added by the executor).
func (ec *ExecutionContext) Encode() []byte {
	w := NewWriter()
	ec.Instruction.writeTo(w)
	w.U32(uint32(len(ec.Objects)))
	for i := range ec.Objects {
		w.Id(ec.Objects[i].ID)
		writeOptObject(w, ec.Objects[i].Object)
	}
	w.U64(ec.Slot)
	w.I64(ec.Timestamp)
	return w.Bytes()
}

// DecodeExecutionContext strictly parses a canonical context. The
// host round-trip tests use it; guests read the same layout directly
// from guest memory.
func DecodeExecutionContext(b []byte, limits Limits) (*ExecutionContext, error) {
	r := NewReader(b)
	var ec ExecutionContext
	ec.Instruction = readInstruction(r, limits)
	n := r.U32()
	if r.Err() == nil && n > limits.MaxTargets {
		return nil, errors.Wrapf(ErrTruncated, "%d context objects exceeds bound %d", n, limits.MaxTargets)
	}
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		var co ContextObject
		co.ID = r.Id()
		co.Object = readOptObject(r, limits)
		ec.Objects = append(ec.Objects, co)
	}
	ec.Slot = r.U64()
	ec.Timestamp = r.I64()
	if err := r.Finish(); err != nil {
		return nil, errors.Wrap(err, "decoding execution context")
	}
	return &ec, nil
}
