package store

import (
	"context"
	"database/sql"

	"github.com/bobg/sqlutil"
	"github.com/chain/txvm/errors"

	"github.com/unitsproto/units/bc"
)

const schema = `
CREATE TABLE IF NOT EXISTS objects (
  id BLOB NOT NULL PRIMARY KEY,
  bits BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS proofs (
  object_id BLOB NOT NULL,
  chain_pos INTEGER NOT NULL,
  slot INTEGER NOT NULL,
  bits BLOB NOT NULL,
  PRIMARY KEY (object_id, chain_pos)
);

CREATE TABLE IF NOT EXISTS receipts (
  tx_hash BLOB NOT NULL PRIMARY KEY,
  slot INTEGER NOT NULL,
  bits BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS receipt_slots ON receipts (slot);

CREATE TABLE IF NOT EXISTS receipt_objects (
  object_id BLOB NOT NULL,
  slot INTEGER NOT NULL,
  tx_hash BLOB NOT NULL,
  PRIMARY KEY (object_id, slot, tx_hash)
);

CREATE TABLE IF NOT EXISTS wal (
  pos INTEGER PRIMARY KEY AUTOINCREMENT,
  tx_hash BLOB NOT NULL,
  effects BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS pins (
  name TEXT NOT NULL PRIMARY KEY,
  slot INTEGER NOT NULL
);
`

// SQLStore is the sqlite backend. Commit atomicity comes from a
// single SQL transaction per batch; the write-ahead row is inserted
// ahead of the object writes inside that transaction.
type SQLStore struct {
	db     *sql.DB
	limits bc.Limits
}

// NewSQLStore creates the schema if needed and returns a store over
// db.
func NewSQLStore(db *sql.DB, limits bc.Limits) (*SQLStore, error) {
	_, err := db.Exec(schema)
	if err != nil {
		return nil, errors.Wrap(err, "creating db schema")
	}
	return &SQLStore{db: db, limits: limits}, nil
}

func (s *SQLStore) Get(ctx context.Context, id bc.Id) (*bc.Object, error) {
	var bits []byte
	err := s.db.QueryRowContext(ctx, `SELECT bits FROM objects WHERE id = $1`, id.Bytes()).Scan(&bits)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading object %s from db", id)
	}
	o, err := bc.DecodeObject(bits, s.limits)
	return o, errors.Wrapf(err, "parsing object %s", id)
}

func (s *SQLStore) Scan(ctx context.Context, fn func(*bc.Object) error) error {
	return sqlutil.ForQueryRows(ctx, s.db, `SELECT bits FROM objects ORDER BY id`, func(bits []byte) error {
		o, err := bc.DecodeObject(bits, s.limits)
		if err != nil {
			return errors.Wrap(err, "parsing object during scan")
		}
		return fn(o)
	})
}

func (s *SQLStore) LatestProof(ctx context.Context, id bc.Id) (*bc.ObjectProof, error) {
	var bits []byte
	const q = `SELECT bits FROM proofs WHERE object_id = $1 ORDER BY chain_pos DESC LIMIT 1`
	err := s.db.QueryRowContext(ctx, q, id.Bytes()).Scan(&bits)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading latest proof for %s", id)
	}
	p, err := bc.DecodeObjectProof(bits)
	return p, errors.Wrapf(err, "parsing latest proof for %s", id)
}

func (s *SQLStore) ProofHistory(ctx context.Context, id bc.Id, fromSlot, toSlot uint64, fn func(*bc.ObjectProof) error) error {
	const q = `SELECT bits FROM proofs WHERE object_id = $1 AND slot >= $2 AND slot <= $3 ORDER BY chain_pos`
	return sqlutil.ForQueryRows(ctx, s.db, q, id.Bytes(), fromSlot, toSlot, func(bits []byte) error {
		p, err := bc.DecodeObjectProof(bits)
		if err != nil {
			return errors.Wrap(err, "parsing proof during history scan")
		}
		return fn(p)
	})
}

func (s *SQLStore) GetReceipt(ctx context.Context, txHash [32]byte) (*bc.Receipt, error) {
	var bits []byte
	err := s.db.QueryRowContext(ctx, `SELECT bits FROM receipts WHERE tx_hash = $1`, txHash[:]).Scan(&bits)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading receipt %x from db", txHash[:4])
	}
	rcp, err := bc.DecodeReceipt(bits, s.limits)
	return rcp, errors.Wrapf(err, "parsing receipt %x", txHash[:4])
}

func (s *SQLStore) ReceiptsInSlot(ctx context.Context, slot uint64, fn func(*bc.Receipt) error) error {
	const q = `SELECT bits FROM receipts WHERE slot = $1 ORDER BY tx_hash`
	return sqlutil.ForQueryRows(ctx, s.db, q, slot, func(bits []byte) error {
		rcp, err := bc.DecodeReceipt(bits, s.limits)
		if err != nil {
			return errors.Wrap(err, "parsing receipt during slot scan")
		}
		return fn(rcp)
	})
}

func (s *SQLStore) ReceiptsForObject(ctx context.Context, id bc.Id, fromSlot, toSlot uint64, fn func(*bc.Receipt) error) error {
	const q = `
		SELECT r.bits FROM receipts r, receipt_objects ro
		WHERE ro.object_id = $1 AND ro.slot >= $2 AND ro.slot <= $3 AND r.tx_hash = ro.tx_hash
		ORDER BY ro.slot, r.tx_hash`
	return sqlutil.ForQueryRows(ctx, s.db, q, id.Bytes(), fromSlot, toSlot, func(bits []byte) error {
		rcp, err := bc.DecodeReceipt(bits, s.limits)
		if err != nil {
			return errors.Wrap(err, "parsing receipt during object scan")
		}
		return fn(rcp)
	})
}

func (s *SQLStore) Commit(ctx context.Context, batch *CommitBatch) error {
	if batch.Receipt == nil {
		return errors.New("commit batch without a receipt")
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning commit tx")
	}
	defer dbtx.Rollback()

	_, err = dbtx.ExecContext(ctx, `INSERT INTO wal (tx_hash, effects) VALUES ($1, $2)`,
		batch.TxHash[:], bc.EncodeEffects(batch.Effects))
	if err != nil {
		return errors.Wrap(err, "writing wal entry")
	}

	for i := range batch.Effects {
		e := &batch.Effects[i]
		if e.After == nil {
			_, err = dbtx.ExecContext(ctx, `DELETE FROM objects WHERE id = $1`, e.ObjectID.Bytes())
		} else {
			_, err = dbtx.ExecContext(ctx, `INSERT OR REPLACE INTO objects (id, bits) VALUES ($1, $2)`,
				e.ObjectID.Bytes(), bc.EncodeObject(e.After))
		}
		if err != nil {
			return errors.Wrapf(err, "writing object %s", e.ObjectID)
		}
	}

	for i := range batch.Proofs {
		p := &batch.Proofs[i]
		_, err = dbtx.ExecContext(ctx, `INSERT INTO proofs (object_id, chain_pos, slot, bits) VALUES ($1, $2, $3, $4)`,
			p.ObjectID.Bytes(), p.ChainPos, p.Slot, p.Encode())
		if err != nil {
			return errors.Wrapf(err, "writing proof %d for object %s", p.ChainPos, p.ObjectID)
		}
	}

	_, err = dbtx.ExecContext(ctx, `INSERT INTO receipts (tx_hash, slot, bits) VALUES ($1, $2, $3)`,
		batch.TxHash[:], batch.Slot, batch.Receipt.Encode())
	if err != nil {
		return errors.Wrap(err, "writing receipt")
	}
	for i := range batch.Effects {
		_, err = dbtx.ExecContext(ctx, `INSERT OR IGNORE INTO receipt_objects (object_id, slot, tx_hash) VALUES ($1, $2, $3)`,
			batch.Effects[i].ObjectID.Bytes(), batch.Slot, batch.TxHash[:])
		if err != nil {
			return errors.Wrap(err, "writing receipt object index")
		}
	}

	return errors.Wrap(dbtx.Commit(), "committing batch")
}

func (s *SQLStore) Replay(ctx context.Context, fromPos uint64, fn func(pos uint64, txHash [32]byte, encodedEffects []byte) error) error {
	// AUTOINCREMENT rows start at 1; report 0-based positions like the
	// other backends.
	const q = `SELECT pos - 1, tx_hash, effects FROM wal WHERE pos > $1 ORDER BY pos`
	return sqlutil.ForQueryRows(ctx, s.db, q, fromPos, func(pos uint64, txHash, effects []byte) error {
		var h [32]byte
		copy(h[:], txHash)
		return fn(pos, h, effects)
	})
}

func (s *SQLStore) GetPin(ctx context.Context, name string) (uint64, error) {
	var slot uint64
	err := s.db.QueryRowContext(ctx, `SELECT slot FROM pins WHERE name = $1`, name).Scan(&slot)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return slot, errors.Wrapf(err, "reading pin %s", name)
}

func (s *SQLStore) SetPin(ctx context.Context, name string, slot uint64) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO pins (name, slot) VALUES ($1, $2)`, name, slot)
	return errors.Wrapf(err, "updating pin %s", name)
}
