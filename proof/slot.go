package proof

import (
	"sort"

	"github.com/chain/txvm/protocol/merkle"

	"github.com/unitsproto/units/bc"
)

// SlotRoot computes the merkle root over the new commitments emitted
// in a slot, in ascending object-id order. Object ids are unique
// within a slot batch, so the order is total.
func SlotRoot(proofs []bc.ObjectProof) [32]byte {
	sorted := make([]bc.ObjectProof, len(proofs))
	copy(sorted, proofs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ObjectID.Less(sorted[j].ObjectID)
	})
	items := make([][]byte, 0, len(sorted))
	for i := range sorted {
		items = append(items, sorted[i].NewCommit[:])
	}
	return merkle.Root(items)
}
