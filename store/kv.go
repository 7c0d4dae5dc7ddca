package store

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/chain/txvm/errors"
	dbm "github.com/cometbft/cometbft-db"

	"github.com/unitsproto/units/bc"
)

// KV key layout. Fixed-width ids and big-endian integers keep
// iteration order equal to logical order.
var (
	keyObjPrefix     = []byte("obj:")
	keyProofPrefix   = []byte("proof:")   // + id + be64 chain_pos -> proof bits
	keyProofMax      = []byte("proofmax:") // + id -> be64 latest chain_pos
	keyReceiptPrefix = []byte("rcpt:")    // + tx_hash -> receipt bits
	keySlotPrefix    = []byte("slot:")    // + be64 slot + tx_hash -> nil
	keyObjSlotPrefix = []byte("objslot:") // + id + be64 slot + tx_hash -> nil
	keyWalPrefix     = []byte("wal:")     // + be64 pos -> tx_hash ∥ effects
	keyWalMax        = []byte("walmax")   // -> be64 next pos
	keyPinPrefix     = []byte("pin:")     // + name -> be64 wal position
)

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func objKey(id bc.Id) []byte {
	return append(append([]byte(nil), keyObjPrefix...), id.Bytes()...)
}

func proofKey(id bc.Id, pos uint64) []byte {
	k := append(append([]byte(nil), keyProofPrefix...), id.Bytes()...)
	return append(k, be64(pos)...)
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// KVStore backs the facade with any cometbft-db engine (goleveldb,
// memdb, ...). A batch write per commit keeps the transaction's rows
// atomic; the store mutex serializes the read-modify-write of the
// chain-position and wal counters.
type KVStore struct {
	mu     sync.Mutex
	db     dbm.DB
	limits bc.Limits
}

// NewKVStore returns a store over db.
func NewKVStore(db dbm.DB, limits bc.Limits) *KVStore {
	return &KVStore{db: db, limits: limits}
}

func (s *KVStore) Get(_ context.Context, id bc.Id) (*bc.Object, error) {
	bits, err := s.db.Get(objKey(id))
	if err != nil {
		return nil, errors.Wrapf(err, "reading object %s from kv", id)
	}
	if bits == nil {
		return nil, nil
	}
	o, err := bc.DecodeObject(bits, s.limits)
	return o, errors.Wrapf(err, "parsing object %s", id)
}

func (s *KVStore) Scan(ctx context.Context, fn func(*bc.Object) error) error {
	it, err := s.db.Iterator(keyObjPrefix, prefixEnd(keyObjPrefix))
	if err != nil {
		return errors.Wrap(err, "opening object iterator")
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		o, err := bc.DecodeObject(it.Value(), s.limits)
		if err != nil {
			return errors.Wrap(err, "parsing object during scan")
		}
		if err := fn(o); err != nil {
			return err
		}
	}
	return errors.Wrap(it.Error(), "scanning objects")
}

func (s *KVStore) latestChainPos(id bc.Id) (pos uint64, ok bool, err error) {
	bits, err := s.db.Get(append(append([]byte(nil), keyProofMax...), id.Bytes()...))
	if err != nil || bits == nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(bits), true, nil
}

func (s *KVStore) LatestProof(_ context.Context, id bc.Id) (*bc.ObjectProof, error) {
	pos, ok, err := s.latestChainPos(id)
	if err != nil {
		return nil, errors.Wrapf(err, "reading latest chain pos for %s", id)
	}
	if !ok {
		return nil, nil
	}
	bits, err := s.db.Get(proofKey(id, pos))
	if err != nil {
		return nil, errors.Wrapf(err, "reading proof %d for %s", pos, id)
	}
	if bits == nil {
		return nil, errors.Wrapf(errors.New("proof chain index points at a missing entry"), "object %s pos %d", id, pos)
	}
	p, err := bc.DecodeObjectProof(bits)
	return p, errors.Wrapf(err, "parsing proof %d for %s", pos, id)
}

func (s *KVStore) ProofHistory(ctx context.Context, id bc.Id, fromSlot, toSlot uint64, fn func(*bc.ObjectProof) error) error {
	prefix := append(append([]byte(nil), keyProofPrefix...), id.Bytes()...)
	it, err := s.db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return errors.Wrap(err, "opening proof iterator")
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := bc.DecodeObjectProof(it.Value())
		if err != nil {
			return errors.Wrap(err, "parsing proof during history scan")
		}
		if p.Slot < fromSlot || p.Slot > toSlot {
			continue
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return errors.Wrap(it.Error(), "scanning proofs")
}

func (s *KVStore) GetReceipt(_ context.Context, txHash [32]byte) (*bc.Receipt, error) {
	bits, err := s.db.Get(append(append([]byte(nil), keyReceiptPrefix...), txHash[:]...))
	if err != nil {
		return nil, errors.Wrapf(err, "reading receipt %x from kv", txHash[:4])
	}
	if bits == nil {
		return nil, nil
	}
	rcp, err := bc.DecodeReceipt(bits, s.limits)
	return rcp, errors.Wrapf(err, "parsing receipt %x", txHash[:4])
}

func (s *KVStore) receiptByIndexKey(key []byte, hashOffset int) (*bc.Receipt, error) {
	var h [32]byte
	copy(h[:], key[hashOffset:])
	return s.GetReceipt(context.Background(), h)
}

func (s *KVStore) ReceiptsInSlot(ctx context.Context, slot uint64, fn func(*bc.Receipt) error) error {
	prefix := append(append([]byte(nil), keySlotPrefix...), be64(slot)...)
	it, err := s.db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return errors.Wrap(err, "opening slot index iterator")
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rcp, err := s.receiptByIndexKey(it.Key(), len(prefix))
		if err != nil {
			return err
		}
		if rcp == nil {
			return errors.New("slot index points at a missing receipt")
		}
		if err := fn(rcp); err != nil {
			return err
		}
	}
	return errors.Wrap(it.Error(), "scanning slot index")
}

func (s *KVStore) ReceiptsForObject(ctx context.Context, id bc.Id, fromSlot, toSlot uint64, fn func(*bc.Receipt) error) error {
	prefix := append(append([]byte(nil), keyObjSlotPrefix...), id.Bytes()...)
	start := append(append([]byte(nil), prefix...), be64(fromSlot)...)
	end := append(append([]byte(nil), prefix...), be64(toSlot+1)...)
	it, err := s.db.Iterator(start, end)
	if err != nil {
		return errors.Wrap(err, "opening object index iterator")
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rcp, err := s.receiptByIndexKey(it.Key(), len(prefix)+8)
		if err != nil {
			return err
		}
		if rcp == nil {
			return errors.New("object index points at a missing receipt")
		}
		if err := fn(rcp); err != nil {
			return err
		}
	}
	return errors.Wrap(it.Error(), "scanning object index")
}

func (s *KVStore) Commit(_ context.Context, batch *CommitBatch) error {
	if batch.Receipt == nil {
		return errors.New("commit batch without a receipt")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	walPos := uint64(0)
	if bits, err := s.db.Get(keyWalMax); err != nil {
		return errors.Wrap(err, "reading wal position")
	} else if bits != nil {
		walPos = binary.BigEndian.Uint64(bits)
	}
	walVal := append(append([]byte(nil), batch.TxHash[:]...), bc.EncodeEffects(batch.Effects)...)
	if err := b.Set(append(append([]byte(nil), keyWalPrefix...), be64(walPos)...), walVal); err != nil {
		return errors.Wrap(err, "staging wal entry")
	}
	if err := b.Set(keyWalMax, be64(walPos+1)); err != nil {
		return errors.Wrap(err, "staging wal position")
	}

	for i := range batch.Effects {
		e := &batch.Effects[i]
		var err error
		if e.After == nil {
			err = b.Delete(objKey(e.ObjectID))
		} else {
			err = b.Set(objKey(e.ObjectID), bc.EncodeObject(e.After))
		}
		if err != nil {
			return errors.Wrapf(err, "staging object %s", e.ObjectID)
		}
	}

	for i := range batch.Proofs {
		p := &batch.Proofs[i]
		if err := b.Set(proofKey(p.ObjectID, p.ChainPos), p.Encode()); err != nil {
			return errors.Wrapf(err, "staging proof %d for %s", p.ChainPos, p.ObjectID)
		}
		maxKey := append(append([]byte(nil), keyProofMax...), p.ObjectID.Bytes()...)
		if err := b.Set(maxKey, be64(p.ChainPos)); err != nil {
			return errors.Wrapf(err, "staging proof index for %s", p.ObjectID)
		}
	}

	rcptKey := append(append([]byte(nil), keyReceiptPrefix...), batch.TxHash[:]...)
	if err := b.Set(rcptKey, batch.Receipt.Encode()); err != nil {
		return errors.Wrap(err, "staging receipt")
	}
	slotKey := append(append(append([]byte(nil), keySlotPrefix...), be64(batch.Slot)...), batch.TxHash[:]...)
	if err := b.Set(slotKey, []byte{}); err != nil {
		return errors.Wrap(err, "staging slot index")
	}
	for i := range batch.Effects {
		k := append(append([]byte(nil), keyObjSlotPrefix...), batch.Effects[i].ObjectID.Bytes()...)
		k = append(k, be64(batch.Slot)...)
		k = append(k, batch.TxHash[:]...)
		if err := b.Set(k, []byte{}); err != nil {
			return errors.Wrap(err, "staging object index")
		}
	}

	return errors.Wrap(b.WriteSync(), "writing batch")
}

func (s *KVStore) Replay(ctx context.Context, fromPos uint64, fn func(pos uint64, txHash [32]byte, encodedEffects []byte) error) error {
	start := append(append([]byte(nil), keyWalPrefix...), be64(fromPos)...)
	it, err := s.db.Iterator(start, prefixEnd(keyWalPrefix))
	if err != nil {
		return errors.Wrap(err, "opening wal iterator")
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, val := it.Key(), it.Value()
		if len(val) < 32 {
			return errors.New("short wal entry")
		}
		pos := binary.BigEndian.Uint64(key[len(keyWalPrefix):])
		var h [32]byte
		copy(h[:], val[:32])
		if err := fn(pos, h, val[32:]); err != nil {
			return err
		}
	}
	return errors.Wrap(it.Error(), "scanning wal")
}

func (s *KVStore) GetPin(_ context.Context, name string) (uint64, error) {
	bits, err := s.db.Get(append(append([]byte(nil), keyPinPrefix...), name...))
	if err != nil {
		return 0, errors.Wrapf(err, "reading pin %s", name)
	}
	if bits == nil {
		return 0, nil
	}
	return binary.BigEndian.Uint64(bits), nil
}

func (s *KVStore) SetPin(_ context.Context, name string, slot uint64) error {
	err := s.db.SetSync(append(append([]byte(nil), keyPinPrefix...), name...), be64(slot))
	return errors.Wrapf(err, "updating pin %s", name)
}
