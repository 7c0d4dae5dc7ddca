package bc

import (
	"time"

	"github.com/chain/txvm/errors"
	"golang.org/x/crypto/sha3"
)

// An Instruction names a controller, a function to dispatch on, the
// working set of objects the controller may observe and modify, and
// opaque parameter bytes.
type Instruction struct {
	ControllerID   Id
	TargetFunction string
	Targets        []Id
	Params         []byte
}

// A Transaction is an ordered, non-empty sequence of instructions
// executed atomically at a slot. Hash is supplied by the caller and
// re-verified by the pipeline.
type Transaction struct {
	Hash         [32]byte
	Instructions []Instruction
	Slot         uint64
	Timestamp    int64
}

// Millis converts a time to a number of milliseconds since 1970.
func Millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// writeTo appends the instruction's canonical encoding to w.
func (in *Instruction) writeTo(w *Writer) {
	w.Id(in.ControllerID)
	w.String(in.TargetFunction)
	w.U32(uint32(len(in.Targets)))
	for _, t := range in.Targets {
		w.Id(t)
	}
	w.VarBytes(in.Params)
}

func readInstruction(r *Reader, limits Limits) Instruction {
	var in Instruction
	in.ControllerID = r.Id()
	in.TargetFunction = r.String(limits.MaxFunction)
	n := r.U32()
	if r.Err() == nil && n > limits.MaxTargets {
		r.err = errors.Wrapf(ErrTruncated, "instruction has %d targets, limit %d", n, limits.MaxTargets)
		return in
	}
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		in.Targets = append(in.Targets, r.Id())
	}
	in.Params = r.VarBytes(limits.MaxParams)
	return in
}

// Encode returns the canonical encoding of the instruction.
func (in *Instruction) Encode() []byte {
	w := NewWriter()
	in.writeTo(w)
	return w.Bytes()
}

// DecodeInstruction strictly parses a canonical instruction.
func DecodeInstruction(b []byte, limits Limits) (*Instruction, error) {
	r := NewReader(b)
	in := readInstruction(r, limits)
	if err := r.Finish(); err != nil {
		return nil, errors.Wrap(err, "decoding instruction")
	}
	return &in, nil
}

// TxID computes the transaction digest: the system hash of the
// canonical encoding of the instruction sequence followed by the
// slot.
func TxID(instructions []Instruction, slot uint64) [32]byte {
	w := NewWriter()
	w.U32(uint32(len(instructions)))
	for i := range instructions {
		instructions[i].writeTo(w)
	}
	w.U64(slot)
	return sha3.Sum256(w.Bytes())
}

// Encode returns the canonical encoding of the whole transaction,
// the form accepted at the submit endpoint.
func (tx *Transaction) Encode() []byte {
	w := NewWriter()
	w.Hash(tx.Hash)
	w.U32(uint32(len(tx.Instructions)))
	for i := range tx.Instructions {
		tx.Instructions[i].writeTo(w)
	}
	w.U64(tx.Slot)
	w.I64(tx.Timestamp)
	return w.Bytes()
}

// DecodeTransaction strictly parses a canonical transaction. The
// instruction list must be non-empty and within limits; the hash is
// not verified here (the pipeline re-verifies it).
func DecodeTransaction(b []byte, limits Limits) (*Transaction, error) {
	r := NewReader(b)
	var tx Transaction
	tx.Hash = r.Hash()
	n := r.U32()
	if r.Err() == nil && n > limits.MaxInstrs {
		return nil, errors.Wrapf(ErrTruncated, "transaction has %d instructions, limit %d", n, limits.MaxInstrs)
	}
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		tx.Instructions = append(tx.Instructions, readInstruction(r, limits))
	}
	tx.Slot = r.U64()
	tx.Timestamp = r.I64()
	if err := r.Finish(); err != nil {
		return nil, errors.Wrap(err, "decoding transaction")
	}
	if len(tx.Instructions) == 0 {
		return nil, errors.New("transaction has no instructions")
	}
	return &tx, nil
}
