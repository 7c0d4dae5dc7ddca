// Package proof computes the per-object and per-slot commitments
// emitted as objects change. Each mutation of an object appends one
// entry to that object's hash chain; a slot's new commitments roll up
// into a merkle root. The package is pure: no I/O, no clock, no
// randomness.
package proof

import (
	"github.com/chain/txvm/errors"
	"golang.org/x/crypto/sha3"

	"github.com/unitsproto/units/bc"
)

// Prove emits the next chain entry for an object. prev is the
// object's latest proof, or nil for the first mutation; newState is
// the object's state after the transaction, or nil for a deletion.
//
//	new_commit = H(prev_commit ∥ canonical(option new_state) ∥ tx_hash ∥ chain_pos)
func Prove(prev *bc.ObjectProof, objectID bc.Id, newState *bc.Object, txHash [32]byte, slot uint64) bc.ObjectProof {
	p := bc.ObjectProof{
		ObjectID: objectID,
		Slot:     slot,
		TxHash:   txHash,
	}
	if prev != nil {
		p.PrevCommit = prev.NewCommit
		p.ChainPos = prev.ChainPos + 1
	}
	p.NewCommit = commit(p.PrevCommit, newState, txHash, p.ChainPos)
	return p
}

func commit(prevCommit [32]byte, newState *bc.Object, txHash [32]byte, chainPos uint64) [32]byte {
	w := bc.NewWriter()
	w.Hash(prevCommit)
	if newState == nil {
		w.Byte(0)
	} else {
		w.Byte(1)
		w.Raw(bc.EncodeObject(newState))
	}
	w.Hash(txHash)
	w.U64(chainPos)
	return sha3.Sum256(w.Bytes())
}

// Verify recomputes the commitment of p over newState and checks it,
// given the preceding proof (nil for chain position 0).
func Verify(prev *bc.ObjectProof, p *bc.ObjectProof, newState *bc.Object) error {
	var (
		wantPrev [32]byte
		wantPos  uint64
	)
	if prev != nil {
		wantPrev = prev.NewCommit
		wantPos = prev.ChainPos + 1
	}
	if p.PrevCommit != wantPrev {
		return errors.New("prev_commit does not link to the preceding proof")
	}
	if p.ChainPos != wantPos {
		return errors.Wrapf(errors.New("chain position mismatch"), "got %d, want %d", p.ChainPos, wantPos)
	}
	if p.NewCommit != commit(p.PrevCommit, newState, p.TxHash, p.ChainPos) {
		return errors.New("commitment mismatch")
	}
	return nil
}

// VerifyChain checks the linkage invariants over a stored proof
// sequence for a single object: proof[n].prev_commit equals
// proof[n-1].new_commit and proof[n].chain_pos equals n.
func VerifyChain(proofs []bc.ObjectProof) error {
	for i := range proofs {
		if proofs[i].ChainPos != uint64(i) {
			return errors.Wrapf(errors.New("chain position mismatch"), "entry %d has pos %d", i, proofs[i].ChainPos)
		}
		if i == 0 {
			if proofs[0].PrevCommit != ([32]byte{}) {
				return errors.New("first proof must have a zero prev_commit")
			}
			continue
		}
		if proofs[i].PrevCommit != proofs[i-1].NewCommit {
			return errors.Wrapf(errors.New("broken chain"), "entry %d does not link", i)
		}
	}
	return nil
}
