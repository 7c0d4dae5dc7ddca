package units

import (
	"context"
	"log"
	"time"

	"github.com/bobg/multichan"
	"github.com/chain/txvm/crypto/ed25519"

	"github.com/unitsproto/units/bc"
	"github.com/unitsproto/units/proof"
	"github.com/unitsproto/units/store"
	"github.com/unitsproto/units/vm"
)

// Pipeline executes transactions. It is safe for concurrent use:
// independent transactions run in parallel on their callers'
// goroutines, and the lock manager serializes the ones whose working
// sets overlap.
type Pipeline struct {
	cfg   Config
	store store.Store
	locks *LockManager
	reg   *vm.Registry
	prv   ed25519.PrivateKey

	// Committed receipts are written here. Anything monitoring the
	// store can create a reader and consume them.
	w *multichan.W

	metrics *Metrics
}

// NewPipeline wires a pipeline over its collaborators. A nil registry
// gets the default one (RISC-V only).
func NewPipeline(cfg Config, st store.Store, reg *vm.Registry) (*Pipeline, error) {
	prv, err := cfg.SignerKey()
	if err != nil {
		return nil, err
	}
	if reg == nil {
		reg = vm.NewRegistry(cfg.VMLimits())
	}
	return &Pipeline{
		cfg:     cfg,
		store:   st,
		locks:   NewLockManager(),
		reg:     reg,
		prv:     prv,
		w:       multichan.New((*bc.Receipt)(nil)),
		metrics: newMetrics(),
	}, nil
}

// SignerPub returns the public half of the receipt signing key.
func (p *Pipeline) SignerPub() ed25519.PublicKey {
	return p.prv.Public().(ed25519.PublicKey)
}

// Store exposes the backing store for read surfaces.
func (p *Pipeline) Store() store.Store {
	return p.store
}

// Reader returns a new receipt-stream reader positioned at the
// present.
func (p *Pipeline) Reader() *multichan.R {
	return p.w.Reader()
}

// Run executes tx to completion and returns its receipt. All-or-
// nothing: either every effect from every instruction commits, or
// none does; a failing instruction aborts the transaction and its
// receipt records the failing index and reason. Resubmitting a
// transaction that already has a receipt returns the stored receipt.
func (p *Pipeline) Run(ctx context.Context, tx *bc.Transaction) (rcp *bc.Receipt, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = Errf(bc.CodeStorageFailure, "panic during transaction: %v", r)
		}
		p.metrics.observe(rcp, err, time.Since(start))
	}()

	if err := p.checkIngress(tx); err != nil {
		return nil, err
	}

	// duplicate submission returns the original receipt
	if prior, err := p.store.GetReceipt(ctx, tx.Hash); err != nil {
		return nil, Errf(bc.CodeStorageFailure, "checking for a prior receipt: %s", err)
	} else if prior != nil {
		return prior, nil
	}

	var all []bc.Id
	for i := range tx.Instructions {
		all = append(all, tx.Instructions[i].Targets...)
	}
	lockCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.LockTimeout))
	release, err := p.locks.AcquireAll(lockCtx, all)
	cancel()
	if err != nil {
		return nil, err
	}
	defer release()

	// re-check under the locks: a concurrent identical submission may
	// have committed while we waited
	if prior, err := p.store.GetReceipt(ctx, tx.Hash); err != nil {
		return nil, Errf(bc.CodeStorageFailure, "checking for a prior receipt: %s", err)
	} else if prior != nil {
		return prior, nil
	}

	rcp = &bc.Receipt{
		TxHash:    tx.Hash,
		Slot:      tx.Slot,
		Timestamp: tx.Timestamp,
	}

	// overlay holds effects buffered by earlier instructions, keyed
	// by object. It is the only intra-transaction state propagation.
	overlay := make(map[bc.Id]*bc.Object)
	touched := make(map[bc.Id]bool)
	current := func(ctx context.Context, id bc.Id) (*bc.Object, error) {
		if touched[id] {
			return overlay[id].Clone(), nil
		}
		o, err := p.store.Get(ctx, id)
		if err != nil {
			return nil, Errf(bc.CodeStorageFailure, "loading object %s: %s", id, err)
		}
		return o, nil
	}

	var buffered []bc.Effect

	for i := range tx.Instructions {
		if err := ctx.Err(); err != nil {
			return nil, Errf(bc.CodeConflict, "transaction canceled before instruction %d", i)
		}
		effects, ierr := p.runInstruction(ctx, &tx.Instructions[i], tx, current)
		if ierr != nil {
			// the failing instruction aborts the whole transaction;
			// everything buffered so far is dropped, including the
			// effects reported by the earlier instructions
			for j := range rcp.Results {
				rcp.Results[j].Effects = nil
			}
			rcp.Results = append(rcp.Results, bc.InstructionResult{
				Status:   CodeOf(ierr),
				Reason:   ierr.Error(),
				ExitCode: ExitCodeOf(ierr),
			})
			rcp.Sign(p.prv)
			if err := p.persistReceipt(ctx, tx, rcp); err != nil {
				return nil, err
			}
			log.Printf("tx %x failed at instruction %d: %s", tx.Hash[:4], i, ierr)
			p.w.Write(rcp)
			return rcp, nil
		}
		for j := range effects {
			e := &effects[j]
			overlay[e.ObjectID] = e.After.Clone()
			touched[e.ObjectID] = true
		}
		buffered = append(buffered, effects...)
		rcp.Results = append(rcp.Results, bc.InstructionResult{
			Status:  bc.CodeOk,
			Effects: effects,
		})
	}

	// collapse buffered effects to one per object, first before to
	// last after, so the store and the proof chain see one delta per
	// object per transaction
	collapsed := collapseEffects(buffered)

	proofs := make([]bc.ObjectProof, 0, len(collapsed))
	for i := range collapsed {
		e := &collapsed[i]
		prev, err := p.store.LatestProof(ctx, e.ObjectID)
		if err != nil {
			return nil, Errf(bc.CodeStorageFailure, "loading latest proof for %s: %s", e.ObjectID, err)
		}
		proofs = append(proofs, proof.Prove(prev, e.ObjectID, e.After, tx.Hash, tx.Slot))
	}
	rcp.SlotRoot = proof.SlotRoot(proofs)
	p.attachProofs(rcp, proofs)
	rcp.Sign(p.prv)

	err = p.store.Commit(ctx, &store.CommitBatch{
		TxHash:   tx.Hash,
		Slot:     tx.Slot,
		Effects:  collapsed,
		Proofs:   proofs,
		Receipt:  rcp,
		SlotRoot: rcp.SlotRoot,
	})
	if err != nil {
		return nil, Errf(bc.CodeStorageFailure, "committing tx %x: %s", tx.Hash[:4], err)
	}

	log.Printf("committed tx %x at slot %d with %d effect(s)", tx.Hash[:4], tx.Slot, len(collapsed))
	p.w.Write(rcp)
	return rcp, nil
}

// checkIngress verifies the transaction against the wire bounds and
// its own hash.
func (p *Pipeline) checkIngress(tx *bc.Transaction) error {
	if len(tx.Instructions) == 0 {
		return Errf(bc.CodeBadRequest, "transaction has no instructions")
	}
	for i := range tx.Instructions {
		in := &tx.Instructions[i]
		if uint32(len(in.Targets)) > p.cfg.MaxTargets {
			return Errf(bc.CodeBadRequest, "instruction %d has %d targets, limit %d", i, len(in.Targets), p.cfg.MaxTargets)
		}
		if uint32(len(in.Params)) > p.cfg.MaxParams {
			return Errf(bc.CodeBadRequest, "instruction %d has %d param bytes, limit %d", i, len(in.Params), p.cfg.MaxParams)
		}
		if len(in.TargetFunction) > 64 {
			return Errf(bc.CodeBadRequest, "instruction %d has an oversized function name", i)
		}
	}
	if tx.Hash != bc.TxID(tx.Instructions, tx.Slot) {
		return Errf(bc.CodeBadRequest, "transaction hash does not match its contents")
	}
	return nil
}

// runInstruction loads the controller and working set, executes the
// controller, and validates what it proposed.
func (p *Pipeline) runInstruction(ctx context.Context, in *bc.Instruction, tx *bc.Transaction, current func(context.Context, bc.Id) (*bc.Object, error)) ([]bc.Effect, error) {
	ctrl, err := current(ctx, in.ControllerID)
	if err != nil {
		return nil, err
	}
	if ctrl == nil {
		return nil, Errf(bc.CodeNotFound, "controller object %s does not exist", in.ControllerID)
	}
	if ctrl.Kind != bc.KindExecutable {
		return nil, Errf(bc.CodeBadRequest, "controller object %s is not executable", in.ControllerID)
	}
	exec, err := p.reg.Lookup(ctrl.VM)
	if err != nil {
		return nil, Errf(bc.CodeBadRequest, "controller %s: %s", in.ControllerID, err)
	}

	ectx := &bc.ExecutionContext{
		Instruction: *in,
		Slot:        tx.Slot,
		Timestamp:   tx.Timestamp,
	}
	for _, tgt := range in.Targets {
		o, err := current(ctx, tgt)
		if err != nil {
			return nil, err
		}
		// absence is permitted: the controller sees a missing entry
		ectx.Objects = append(ectx.Objects, bc.ContextObject{ID: tgt, Object: o})
	}

	effects, err := exec.Execute(ctx, ctrl.Payload, ectx, p.cfg.WireLimits())
	if err != nil {
		return nil, err
	}

	return p.validateEffects(ctx, in.ControllerID, in, effects, current)
}

// persistReceipt stores a failure receipt: no effects, no proofs, no
// state change.
func (p *Pipeline) persistReceipt(ctx context.Context, tx *bc.Transaction, rcp *bc.Receipt) error {
	err := p.store.Commit(ctx, &store.CommitBatch{
		TxHash:  tx.Hash,
		Slot:    tx.Slot,
		Receipt: rcp,
	})
	if err != nil {
		return Errf(bc.CodeStorageFailure, "persisting failure receipt for %x: %s", tx.Hash[:4], err)
	}
	return nil
}

// attachProofs distributes the committed proofs back onto the
// per-instruction results that touched each object; reporting inside
// the receipt is informational, the transaction is the atomicity
// unit.
func (p *Pipeline) attachProofs(rcp *bc.Receipt, proofs []bc.ObjectProof) {
	byObject := make(map[bc.Id]bc.ObjectProof, len(proofs))
	for _, pf := range proofs {
		byObject[pf.ObjectID] = pf
	}
	for i := range rcp.Results {
		res := &rcp.Results[i]
		seen := make(map[bc.Id]bool)
		for j := range res.Effects {
			id := res.Effects[j].ObjectID
			if seen[id] {
				continue
			}
			seen[id] = true
			if pf, ok := byObject[id]; ok {
				res.Proofs = append(res.Proofs, pf)
			}
		}
	}
}

// collapseEffects merges the buffered effects into at most one per
// object: the first before image paired with the last after image.
// Objects that end up unchanged drop out.
func collapseEffects(effects []bc.Effect) []bc.Effect {
	byObject := make(map[bc.Id]*bc.Effect)
	var order []bc.Id
	for i := range effects {
		e := &effects[i]
		if merged := byObject[e.ObjectID]; merged != nil {
			merged.After = e.After
			continue
		}
		dup := *e
		byObject[e.ObjectID] = &dup
		order = append(order, e.ObjectID)
	}
	var out []bc.Effect
	for _, id := range order {
		merged := byObject[id]
		if merged.IsNoop() {
			continue
		}
		out = append(out, *merged)
	}
	return out
}
