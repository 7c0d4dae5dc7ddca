package bc

import (
	"github.com/chain/txvm/crypto/ed25519"
	"github.com/chain/txvm/errors"
	"golang.org/x/crypto/sha3"
)

// Code is a stable reason code carried in receipts and errors.
type Code uint8

const (
	CodeOk                Code = 0
	CodeBadRequest        Code = 1
	CodeNotFound          Code = 2
	CodeConflict          Code = 3
	CodeControllerFailure Code = 4
	CodeResourceExhausted Code = 5
	CodeValidationFailure Code = 6
	CodeStorageFailure    Code = 7
)

func (c Code) String() string {
	switch c {
	case CodeOk:
		return "ok"
	case CodeBadRequest:
		return "bad_request"
	case CodeNotFound:
		return "not_found"
	case CodeConflict:
		return "conflict"
	case CodeControllerFailure:
		return "controller_failure"
	case CodeResourceExhausted:
		return "resource_exhausted"
	case CodeValidationFailure:
		return "validation_failure"
	case CodeStorageFailure:
		return "storage_failure"
	}
	return "unknown"
}

// An ObjectProof is one entry in an object's hash chain, linking
// consecutive mutations of the object.
type ObjectProof struct {
	ObjectID   Id
	Slot       uint64
	PrevCommit [32]byte
	NewCommit  [32]byte
	TxHash     [32]byte
	ChainPos   uint64
}

func (p *ObjectProof) writeTo(w *Writer) {
	w.Id(p.ObjectID)
	w.U64(p.Slot)
	w.Hash(p.PrevCommit)
	w.Hash(p.NewCommit)
	w.Hash(p.TxHash)
	w.U64(p.ChainPos)
}

func readObjectProof(r *Reader) ObjectProof {
	var p ObjectProof
	p.ObjectID = r.Id()
	p.Slot = r.U64()
	p.PrevCommit = r.Hash()
	p.NewCommit = r.Hash()
	p.TxHash = r.Hash()
	p.ChainPos = r.U64()
	return p
}

// Encode returns the canonical encoding of the proof.
func (p *ObjectProof) Encode() []byte {
	w := NewWriter()
	p.writeTo(w)
	return w.Bytes()
}

// DecodeObjectProof strictly parses a canonical proof.
func DecodeObjectProof(b []byte) (*ObjectProof, error) {
	r := NewReader(b)
	p := readObjectProof(r)
	if err := r.Finish(); err != nil {
		return nil, errors.Wrap(err, "decoding object proof")
	}
	return &p, nil
}

// An InstructionResult reports one instruction's outcome inside a
// receipt. ExitCode is meaningful only for controller failures.
type InstructionResult struct {
	Status   Code
	Reason   string
	ExitCode uint32
	Effects  []Effect
	Proofs   []ObjectProof
}

// A Receipt is the signed, persisted record of a transaction's
// outcome: per-instruction results, the committed effects and their
// proofs, and the slot proof root covering the transaction's new
// commitments.
type Receipt struct {
	TxHash    [32]byte
	Slot      uint64
	Timestamp int64
	Results   []InstructionResult
	SlotRoot  [32]byte
	Sig       []byte
}

// Ok reports whether every instruction in the receipt succeeded.
func (rcp *Receipt) Ok() bool {
	for i := range rcp.Results {
		if rcp.Results[i].Status != CodeOk {
			return false
		}
	}
	return len(rcp.Results) > 0
}

func (res *InstructionResult) writeTo(w *Writer) {
	w.Byte(byte(res.Status))
	w.String(res.Reason)
	w.U32(res.ExitCode)
	w.U32(uint32(len(res.Effects)))
	for i := range res.Effects {
		res.Effects[i].writeTo(w)
	}
	w.U32(uint32(len(res.Proofs)))
	for i := range res.Proofs {
		res.Proofs[i].writeTo(w)
	}
}

func readInstructionResult(r *Reader, limits Limits) InstructionResult {
	var res InstructionResult
	res.Status = Code(r.Byte())
	res.Reason = r.String(1 << 10)
	res.ExitCode = r.U32()
	n := r.U32()
	if r.Err() == nil && n > limits.MaxEffects {
		r.err = errors.Wrapf(ErrTruncated, "%d effects exceeds bound %d", n, limits.MaxEffects)
		return res
	}
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		res.Effects = append(res.Effects, readEffect(r, limits))
	}
	n = r.U32()
	if r.Err() == nil && n > limits.MaxEffects {
		r.err = errors.Wrapf(ErrTruncated, "%d proofs exceeds bound %d", n, limits.MaxEffects)
		return res
	}
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		res.Proofs = append(res.Proofs, readObjectProof(r))
	}
	return res
}

func (rcp *Receipt) writeTo(w *Writer, withSig bool) {
	w.Hash(rcp.TxHash)
	w.U64(rcp.Slot)
	w.I64(rcp.Timestamp)
	w.U32(uint32(len(rcp.Results)))
	for i := range rcp.Results {
		rcp.Results[i].writeTo(w)
	}
	w.Hash(rcp.SlotRoot)
	if withSig {
		w.VarBytes(rcp.Sig)
	}
}

// Encode returns the canonical encoding of the receipt, signature
// included.
func (rcp *Receipt) Encode() []byte {
	w := NewWriter()
	rcp.writeTo(w, true)
	return w.Bytes()
}

// DecodeReceipt strictly parses a canonical receipt.
func DecodeReceipt(b []byte, limits Limits) (*Receipt, error) {
	r := NewReader(b)
	var rcp Receipt
	rcp.TxHash = r.Hash()
	rcp.Slot = r.U64()
	rcp.Timestamp = r.I64()
	n := r.U32()
	if r.Err() == nil && n > limits.MaxInstrs {
		return nil, errors.Wrapf(ErrTruncated, "%d results exceeds bound %d", n, limits.MaxInstrs)
	}
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		rcp.Results = append(rcp.Results, readInstructionResult(r, limits))
	}
	rcp.SlotRoot = r.Hash()
	rcp.Sig = r.VarBytes(256)
	if err := r.Finish(); err != nil {
		return nil, errors.Wrap(err, "decoding receipt")
	}
	return &rcp, nil
}

// Digest is the signing digest of the receipt: the system hash of the
// canonical encoding with the signature omitted.
func (rcp *Receipt) Digest() [32]byte {
	w := NewWriter()
	rcp.writeTo(w, false)
	return sha3.Sum256(w.Bytes())
}

// Sign sets the receipt signature using prv.
func (rcp *Receipt) Sign(prv ed25519.PrivateKey) {
	d := rcp.Digest()
	rcp.Sig = ed25519.Sign(prv, d[:])
}

// VerifySig checks the receipt signature against pub.
func (rcp *Receipt) VerifySig(pub ed25519.PublicKey) bool {
	d := rcp.Digest()
	return ed25519.Verify(pub, d[:], rcp.Sig)
}
