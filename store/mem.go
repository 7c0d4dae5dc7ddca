package store

import (
	"context"
	"sort"
	"sync"

	"github.com/chain/txvm/errors"

	"github.com/unitsproto/units/bc"
)

// MemStore is the in-memory backend. A single mutex doubles as the
// exclusive commit latch, so a batch is visible all at once or not at
// all. It is the stock test backend and a valid store for ephemeral
// deployments.
type MemStore struct {
	mu       sync.RWMutex
	objects  map[bc.Id]*bc.Object
	proofs   map[bc.Id][]bc.ObjectProof
	receipts map[[32]byte]*bc.Receipt
	bySlot   map[uint64][][32]byte
	byObject map[bc.Id][][32]byte
	pins     map[string]uint64
	wal      []walEntry
}

type walEntry struct {
	pos     uint64
	txHash  [32]byte
	effects []byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		objects:  make(map[bc.Id]*bc.Object),
		proofs:   make(map[bc.Id][]bc.ObjectProof),
		receipts: make(map[[32]byte]*bc.Receipt),
		bySlot:   make(map[uint64][][32]byte),
		byObject: make(map[bc.Id][][32]byte),
		pins:     make(map[string]uint64),
	}
}

func (m *MemStore) Get(_ context.Context, id bc.Id) (*bc.Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[id].Clone(), nil
}

func (m *MemStore) Scan(_ context.Context, fn func(*bc.Object) error) error {
	m.mu.RLock()
	snapshot := make([]*bc.Object, 0, len(m.objects))
	for _, o := range m.objects {
		snapshot = append(snapshot, o.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID.Less(snapshot[j].ID) })
	for _, o := range snapshot {
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) LatestProof(_ context.Context, id bc.Id) (*bc.ObjectProof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.proofs[id]
	if len(chain) == 0 {
		return nil, nil
	}
	p := chain[len(chain)-1]
	return &p, nil
}

func (m *MemStore) ProofHistory(_ context.Context, id bc.Id, fromSlot, toSlot uint64, fn func(*bc.ObjectProof) error) error {
	m.mu.RLock()
	chain := append([]bc.ObjectProof(nil), m.proofs[id]...)
	m.mu.RUnlock()

	for i := range chain {
		if chain[i].Slot < fromSlot || chain[i].Slot > toSlot {
			continue
		}
		if err := fn(&chain[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) GetReceipt(_ context.Context, txHash [32]byte) (*bc.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.receipts[txHash], nil
}

func (m *MemStore) ReceiptsInSlot(_ context.Context, slot uint64, fn func(*bc.Receipt) error) error {
	m.mu.RLock()
	var rcps []*bc.Receipt
	for _, h := range m.bySlot[slot] {
		rcps = append(rcps, m.receipts[h])
	}
	m.mu.RUnlock()

	for _, rcp := range rcps {
		if err := fn(rcp); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) ReceiptsForObject(_ context.Context, id bc.Id, fromSlot, toSlot uint64, fn func(*bc.Receipt) error) error {
	m.mu.RLock()
	var rcps []*bc.Receipt
	for _, h := range m.byObject[id] {
		rcp := m.receipts[h]
		if rcp.Slot >= fromSlot && rcp.Slot <= toSlot {
			rcps = append(rcps, rcp)
		}
	}
	m.mu.RUnlock()

	for _, rcp := range rcps {
		if err := fn(rcp); err != nil {
			return err
		}
	}
	return nil
}

// Commit stages the batch and applies it under the latch. The WAL
// entry is recorded before any object state changes.
func (m *MemStore) Commit(_ context.Context, batch *CommitBatch) error {
	if batch.Receipt == nil {
		return errors.New("commit batch without a receipt")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.wal = append(m.wal, walEntry{
		pos:     uint64(len(m.wal)),
		txHash:  batch.TxHash,
		effects: bc.EncodeEffects(batch.Effects),
	})

	for i := range batch.Effects {
		ApplyEffect(m.objects, &batch.Effects[i])
	}
	for _, p := range batch.Proofs {
		m.proofs[p.ObjectID] = append(m.proofs[p.ObjectID], p)
	}

	m.receipts[batch.TxHash] = batch.Receipt
	m.bySlot[batch.Slot] = append(m.bySlot[batch.Slot], batch.TxHash)
	seen := make(map[bc.Id]bool)
	for i := range batch.Effects {
		id := batch.Effects[i].ObjectID
		if !seen[id] {
			seen[id] = true
			m.byObject[id] = append(m.byObject[id], batch.TxHash)
		}
	}
	return nil
}

func (m *MemStore) Replay(_ context.Context, fromPos uint64, fn func(pos uint64, txHash [32]byte, encodedEffects []byte) error) error {
	m.mu.RLock()
	entries := append([]walEntry(nil), m.wal...)
	m.mu.RUnlock()

	for _, e := range entries {
		if e.pos < fromPos {
			continue
		}
		if err := fn(e.pos, e.txHash, e.effects); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) GetPin(_ context.Context, name string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pins[name], nil
}

func (m *MemStore) SetPin(_ context.Context, name string, slot uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[name] = slot
	return nil
}
