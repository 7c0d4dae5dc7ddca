// Package store persists object records, proof chains, and receipts.
// The pipeline talks to narrow capability interfaces; backends may
// implement them together or separately. Every backend must make the
// object deltas, proofs, and receipt of one transaction visible
// together or not at all.
package store

import (
	"context"

	"github.com/unitsproto/units/bc"
)

// ObjectGetter reads single object records. Get returns nil, nil for
// an absent object.
type ObjectGetter interface {
	Get(ctx context.Context, id bc.Id) (*bc.Object, error)
}

// ObjectScanner enumerates live objects. The scan is finite and not
// restartable across writes.
type ObjectScanner interface {
	Scan(ctx context.Context, fn func(*bc.Object) error) error
}

// ProofStore reads per-object proof chains.
type ProofStore interface {
	LatestProof(ctx context.Context, id bc.Id) (*bc.ObjectProof, error)
	// ProofHistory visits an object's proofs with slot in [fromSlot,
	// toSlot], in chain order.
	ProofHistory(ctx context.Context, id bc.Id, fromSlot, toSlot uint64, fn func(*bc.ObjectProof) error) error
}

// ReceiptStore reads persisted receipts by transaction hash, by slot,
// and by affected object.
type ReceiptStore interface {
	GetReceipt(ctx context.Context, txHash [32]byte) (*bc.Receipt, error)
	ReceiptsInSlot(ctx context.Context, slot uint64, fn func(*bc.Receipt) error) error
	ReceiptsForObject(ctx context.Context, id bc.Id, fromSlot, toSlot uint64, fn func(*bc.Receipt) error) error
}

// A CommitBatch is the unit of atomicity: all of one transaction's
// effects, their proofs, and its receipt.
type CommitBatch struct {
	TxHash   [32]byte
	Slot     uint64
	Effects  []bc.Effect
	Proofs   []bc.ObjectProof
	Receipt  *bc.Receipt
	SlotRoot [32]byte
}

// Committer applies a batch atomically.
type Committer interface {
	Commit(ctx context.Context, batch *CommitBatch) error
}

// WAL is the optional write-ahead log. Backends that provide one
// flush the entry durably before the batch's object writes become
// visible.
type WAL interface {
	Replay(ctx context.Context, fromPos uint64, fn func(pos uint64, txHash [32]byte, encodedEffects []byte) error) error
}

// PinStore persists follower cursors: named positions in the
// write-ahead log.
type PinStore interface {
	GetPin(ctx context.Context, name string) (uint64, error)
	SetPin(ctx context.Context, name string, slot uint64) error
}

// Store aggregates every capability the pipeline needs.
type Store interface {
	ObjectGetter
	ObjectScanner
	ProofStore
	ReceiptStore
	Committer
	PinStore
}

// ApplyEffect mutates an object map in place according to e.
func ApplyEffect(objects map[bc.Id]*bc.Object, e *bc.Effect) {
	if e.After == nil {
		delete(objects, e.ObjectID)
		return
	}
	objects[e.ObjectID] = e.After.Clone()
}
