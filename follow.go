package units

import (
	"context"
	"log"

	"github.com/unitsproto/units/bc"
	"github.com/unitsproto/units/store"
)

// RunFollower runs as a goroutine. It delivers committed receipts to
// f in commit order, resuming after the named pin and advancing it as
// receipts are processed, so a follower restarted after a crash picks
// up where it left off. The pin counts write-ahead-log entries, which
// the store appends exactly once per committed transaction; backends
// without a log get live delivery only.
func (p *Pipeline) RunFollower(ctx context.Context, name string, f func(context.Context, *bc.Receipt) error) {
	defer log.Printf("follower %s exiting", name)

	r := p.w.Reader()

	pos, err := p.store.GetPin(ctx, name)
	if err != nil {
		log.Printf("follower %s: reading pin: %s", name, err)
		return
	}

	process := func(rcp *bc.Receipt) error {
		if err := f(ctx, rcp); err != nil {
			return err
		}
		pos++
		return p.store.SetPin(ctx, name, pos)
	}

	// Replay everything already persisted past the pin. Receipts that
	// land while we replay show up on the live reader too; remember
	// the replayed hashes so they are delivered once.
	replayed := make(map[[32]byte]bool)
	if wal, ok := p.store.(store.WAL); ok {
		err := wal.Replay(ctx, pos, func(_ uint64, txHash [32]byte, _ []byte) error {
			rcp, err := p.store.GetReceipt(ctx, txHash)
			if err != nil {
				return err
			}
			if rcp == nil {
				log.Printf("follower %s: no receipt for logged tx %x", name, txHash[:4])
				pos++
				return p.store.SetPin(ctx, name, pos)
			}
			replayed[txHash] = true
			return process(rcp)
		})
		if err != nil {
			log.Printf("follower %s: replaying log: %s", name, err)
			return
		}
	}

	for {
		x, ok := r.Read(ctx)
		if !ok {
			return
		}
		rcp := x.(*bc.Receipt)
		if replayed[rcp.TxHash] {
			delete(replayed, rcp.TxHash)
			continue
		}
		if err := process(rcp); err != nil {
			log.Printf("follower %s: processing receipt %x: %s", name, rcp.TxHash[:4], err)
			return
		}
	}
}
