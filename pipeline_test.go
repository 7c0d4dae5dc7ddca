package units

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sync/errgroup"

	"github.com/unitsproto/units/bc"
	"github.com/unitsproto/units/kernel"
	"github.com/unitsproto/units/proof"
	"github.com/unitsproto/units/store"
	"github.com/unitsproto/units/vm"
)

var (
	tokenCtrlID = testId(0x01)
	scriptID    = testId(0x02)
	loaderID    = testId(0xaa)
)

type testEnv struct {
	p  *Pipeline
	st *store.MemStore
}

func newTestEnv(t *testing.T, script func(*bc.ExecutionContext) ([]bc.Effect, error)) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LockTimeout = Duration(2 * time.Second)
	cfg.GuestCycles = 1 << 20
	cfg.GuestWallClock = Duration(2 * time.Second)
	cfg.LoaderID = loaderID

	st := store.NewMemStore()
	reg := vm.NewRegistry(cfg.VMLimits())
	reg.Register(tagToken, tokenExec{})
	if script != nil {
		reg.Register(tagScript, scriptExec{fn: script})
	}

	p, err := NewPipeline(cfg, st, reg)
	if err != nil {
		t.Fatalf("building pipeline: %s", err)
	}
	return &testEnv{p: p, st: st}
}

// seed commits objects directly, with chained proofs, the way a
// bootstrap loader would install them.
func (env *testEnv) seed(t *testing.T, slot uint64, objs ...*bc.Object) {
	t.Helper()
	ctx := context.Background()
	var (
		effects []bc.Effect
		proofs  []bc.ObjectProof
	)
	txHash := bc.TxID([]bc.Instruction{{TargetFunction: "seed"}}, slot)
	for _, o := range objs {
		prev, err := env.st.LatestProof(ctx, o.ID)
		if err != nil {
			t.Fatalf("seed: latest proof: %s", err)
		}
		effects = append(effects, bc.NewCreation(o))
		proofs = append(proofs, proof.Prove(prev, o.ID, o, txHash, slot))
	}
	rcp := &bc.Receipt{TxHash: txHash, Slot: slot, Results: []bc.InstructionResult{{Status: bc.CodeOk}}}
	err := env.st.Commit(ctx, &store.CommitBatch{
		TxHash:  txHash,
		Slot:    slot,
		Effects: effects,
		Proofs:  proofs,
		Receipt: rcp,
	})
	if err != nil {
		t.Fatalf("seed commit: %s", err)
	}
}

func (env *testEnv) seedTokenController(t *testing.T) {
	env.seed(t, 0, bc.NewExecutable(tokenCtrlID, loaderID, tagToken, []byte("token")))
}

func makeTx(slot uint64, instrs ...bc.Instruction) *bc.Transaction {
	tx := &bc.Transaction{
		Instructions: instrs,
		Slot:         slot,
		Timestamp:    bc.Millis(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
	}
	tx.Hash = bc.TxID(tx.Instructions, tx.Slot)
	return tx
}

func run(t *testing.T, env *testEnv, tx *bc.Transaction) *bc.Receipt {
	t.Helper()
	rcp, err := env.p.Run(context.Background(), tx)
	if err != nil {
		t.Fatalf("running tx: %s", err)
	}
	return rcp
}

func requireOk(t *testing.T, rcp *bc.Receipt) {
	t.Helper()
	if !rcp.Ok() {
		t.Fatalf("receipt not ok: %s", spew.Sdump(rcp.Results))
	}
}

func getBalance(t *testing.T, env *testEnv, id bc.Id) uint64 {
	t.Helper()
	o, err := env.st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %s", id, err)
	}
	if o == nil {
		t.Fatalf("balance object %s missing", id)
	}
	bs, err := decodeBalance(o.Payload)
	if err != nil {
		t.Fatalf("decoding balance %s: %s", id, err)
	}
	return bs.Amount
}

var (
	tokenID = testId(0x70)
	balID   = testId(0x71)
	bal2ID  = testId(0x72)
)

func tokenizeTx(slot uint64) *bc.Transaction {
	w := bc.NewWriter()
	w.U64(1000)
	w.Byte(6)
	w.String("X")
	w.String("X")
	return makeTx(slot, bc.Instruction{
		ControllerID:   tokenCtrlID,
		TargetFunction: "tokenize",
		Targets:        []bc.Id{tokenID, balID},
		Params:         w.Bytes(),
	})
}

func transferTx(slot uint64, amount uint64, from, to bc.Id) *bc.Transaction {
	w := bc.NewWriter()
	w.U64(amount)
	return makeTx(slot, bc.Instruction{
		ControllerID:   tokenCtrlID,
		TargetFunction: "transfer",
		Targets:        []bc.Id{tokenID, from, to},
		Params:         w.Bytes(),
	})
}

func TestTokenize(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedTokenController(t)
	ctx := context.Background()

	rcp := run(t, env, tokenizeTx(1))
	requireOk(t, rcp)

	o, err := env.st.Get(ctx, tokenID)
	if err != nil || o == nil {
		t.Fatalf("token object missing: %v", err)
	}
	ts, err := decodeToken(o.Payload)
	if err != nil {
		t.Fatalf("decoding token: %s", err)
	}
	if ts.Supply != 1000 || ts.Decimals != 6 || ts.Name != "X" {
		t.Errorf("token state %+v", ts)
	}
	if got := getBalance(t, env, balID); got != 1000 {
		t.Errorf("initial balance %d, want 1000", got)
	}

	p, err := env.st.LatestProof(ctx, tokenID)
	if err != nil || p == nil {
		t.Fatalf("token proof missing: %v", err)
	}
	if p.ChainPos != 0 {
		t.Errorf("token chain pos %d, want 0", p.ChainPos)
	}
	if rcp.SlotRoot == ([32]byte{}) {
		t.Error("slot root missing")
	}
	if !rcp.VerifySig(env.p.SignerPub()) {
		t.Error("receipt signature does not verify")
	}
}

func TestTokenizeIdempotentResubmit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedTokenController(t)

	first := run(t, env, tokenizeTx(1))
	second := run(t, env, tokenizeTx(1))
	if !bytes.Equal(first.Encode(), second.Encode()) {
		t.Error("resubmitting the same transaction must return the same receipt")
	}
}

func TestTransfer(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedTokenController(t)
	run(t, env, tokenizeTx(1))

	rcp := run(t, env, transferTx(2, 400, balID, bal2ID))
	requireOk(t, rcp)

	if got := getBalance(t, env, balID); got != 600 {
		t.Errorf("source balance %d, want 600", got)
	}
	if got := getBalance(t, env, bal2ID); got != 400 {
		t.Errorf("destination balance %d, want 400", got)
	}
	if total := getBalance(t, env, balID) + getBalance(t, env, bal2ID); total != 1000 {
		t.Errorf("token total changed: %d", total)
	}
}

func TestInsufficientBalance(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedTokenController(t)
	run(t, env, tokenizeTx(1))
	ctx := context.Background()

	before, _ := env.st.Get(ctx, balID)
	proofBefore, _ := env.st.LatestProof(ctx, balID)

	rcp := run(t, env, transferTx(2, 10000, balID, bal2ID))
	if rcp.Ok() {
		t.Fatal("transfer beyond the balance must fail")
	}
	last := rcp.Results[len(rcp.Results)-1]
	if last.Status != bc.CodeControllerFailure {
		t.Errorf("status %s, want controller failure", last.Status)
	}
	if last.ExitCode != exitInsufficient {
		t.Errorf("exit code %d, want %d", last.ExitCode, exitInsufficient)
	}

	after, _ := env.st.Get(ctx, balID)
	if !after.Equal(before) {
		t.Error("failed transaction changed state")
	}
	if o, _ := env.st.Get(ctx, bal2ID); o != nil {
		t.Error("failed transaction created an object")
	}
	proofAfter, _ := env.st.LatestProof(ctx, balID)
	if proofAfter.NewCommit != proofBefore.NewCommit {
		t.Error("failed transaction extended the proof chain")
	}
}

func TestFrozenTransfer(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedTokenController(t)
	run(t, env, tokenizeTx(1))

	freeze := makeTx(2, bc.Instruction{
		ControllerID:   tokenCtrlID,
		TargetFunction: "freeze",
		Targets:        []bc.Id{tokenID},
	})
	requireOk(t, run(t, env, freeze))

	rcp := run(t, env, transferTx(3, 400, balID, bal2ID))
	if rcp.Ok() {
		t.Fatal("transfer of a frozen token must fail")
	}
	last := rcp.Results[len(rcp.Results)-1]
	if last.ExitCode != exitFrozen {
		t.Errorf("exit code %d, want %d", last.ExitCode, exitFrozen)
	}
	if got := getBalance(t, env, balID); got != 1000 {
		t.Errorf("balance changed on a failed transfer: %d", got)
	}
}

func TestLockContention(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedTokenController(t)
	run(t, env, tokenizeTx(1))

	// Two transactions over the same working set commit in some total
	// order; neither observes the other's intermediate state.
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		i := i
		g.Go(func() error {
			tx := transferTx(uint64(10+i), 100, balID, bal2ID)
			_, err := env.p.Run(context.Background(), tx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent transfers: %s", err)
	}

	if got := getBalance(t, env, balID); got != 800 {
		t.Errorf("source balance %d, want 800", got)
	}
	if got := getBalance(t, env, bal2ID); got != 200 {
		t.Errorf("destination balance %d, want 200", got)
	}

	// both proof chains stay strictly monotone
	for _, id := range []bc.Id{balID, bal2ID} {
		var chain []bc.ObjectProof
		err := env.st.ProofHistory(context.Background(), id, 0, 100, func(p *bc.ObjectProof) error {
			chain = append(chain, *p)
			return nil
		})
		if err != nil {
			t.Fatalf("history %s: %s", id, err)
		}
		if err := proof.VerifyChain(chain); err != nil {
			t.Errorf("chain for %s: %s", id, err)
		}
	}
}

func TestResourceExhaustion(t *testing.T) {
	env := newTestEnv(t, nil)
	spinID := testId(0x33)
	env.seed(t, 0, bc.NewExecutable(spinID, loaderID, bc.VMRiscV, kernel.SpinController()))

	tx := makeTx(1, bc.Instruction{
		ControllerID:   spinID,
		TargetFunction: "spin",
		Targets:        []bc.Id{testId(0x34)},
	})
	rcp := run(t, env, tx)
	if rcp.Ok() {
		t.Fatal("non-terminating controller must fail")
	}
	if rcp.Results[0].Status != bc.CodeResourceExhausted {
		t.Errorf("status %s, want resource exhausted", rcp.Results[0].Status)
	}
	if o, _ := env.st.Get(context.Background(), testId(0x34)); o != nil {
		t.Error("exhausted controller applied effects")
	}

	// locks were released: the same working set is immediately usable
	release, err := env.p.locks.AcquireAll(context.Background(), []bc.Id{testId(0x34)})
	if err != nil {
		t.Fatalf("locks leaked after exhaustion: %s", err)
	}
	release()
}

func TestRiscVCreateEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	ctrlID := testId(0x40)
	targetID := testId(0x41)
	env.seed(t, 0, bc.NewExecutable(ctrlID, loaderID, bc.VMRiscV, kernel.CreateController()))

	tx := makeTx(1, bc.Instruction{
		ControllerID:   ctrlID,
		TargetFunction: "create",
		Targets:        []bc.Id{targetID},
		Params:         []byte("hello from the guest"),
	})
	rcp := run(t, env, tx)
	requireOk(t, rcp)

	o, err := env.st.Get(context.Background(), targetID)
	if err != nil || o == nil {
		t.Fatalf("created object missing: %v", err)
	}
	if !bytes.Equal(o.Payload, []byte("hello from the guest")) {
		t.Errorf("created payload %q", o.Payload)
	}
	if o.ControllerID != ctrlID {
		t.Errorf("created object controlled by %s, want %s", o.ControllerID, ctrlID)
	}
}

func TestBadHashRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedTokenController(t)

	tx := tokenizeTx(1)
	tx.Hash[0] ^= 1
	_, err := env.p.Run(context.Background(), tx)
	if CodeOf(err) != bc.CodeBadRequest {
		t.Fatalf("got %v, want a bad request", err)
	}
}

func TestMissingController(t *testing.T) {
	env := newTestEnv(t, nil)
	tx := makeTx(1, bc.Instruction{
		ControllerID:   testId(0x99),
		TargetFunction: "anything",
		Targets:        []bc.Id{testId(0x98)},
	})
	rcp := run(t, env, tx)
	if rcp.Ok() {
		t.Fatal("missing controller must fail")
	}
	if rcp.Results[0].Status != bc.CodeNotFound {
		t.Errorf("status %s, want not found", rcp.Results[0].Status)
	}
}

func TestTargetBoundRejectedAtIngress(t *testing.T) {
	env := newTestEnv(t, nil)
	in := bc.Instruction{ControllerID: tokenCtrlID, TargetFunction: "tokenize"}
	for i := 0; i <= int(env.p.cfg.MaxTargets); i++ {
		in.Targets = append(in.Targets, testId(byte(i)))
	}
	_, err := env.p.Run(context.Background(), makeTx(1, in))
	if CodeOf(err) != bc.CodeBadRequest {
		t.Fatalf("got %v, want a bad request", err)
	}
}

func TestMultiInstructionOverlay(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedTokenController(t)

	// tokenize, then transfer in the same transaction: the second
	// instruction sees the balances the first created.
	w := bc.NewWriter()
	w.U64(1000)
	w.Byte(6)
	w.String("X")
	w.String("X")
	amt := bc.NewWriter()
	amt.U64(250)
	tx := makeTx(1,
		bc.Instruction{
			ControllerID:   tokenCtrlID,
			TargetFunction: "tokenize",
			Targets:        []bc.Id{tokenID, balID},
			Params:         w.Bytes(),
		},
		bc.Instruction{
			ControllerID:   tokenCtrlID,
			TargetFunction: "transfer",
			Targets:        []bc.Id{tokenID, balID, bal2ID},
			Params:         amt.Bytes(),
		},
	)
	rcp := run(t, env, tx)
	requireOk(t, rcp)

	if got := getBalance(t, env, balID); got != 750 {
		t.Errorf("source balance %d, want 750", got)
	}
	if got := getBalance(t, env, bal2ID); got != 250 {
		t.Errorf("destination balance %d, want 250", got)
	}

	// collapsed to one delta per object: each chain has one entry
	p, err := env.st.LatestProof(context.Background(), balID)
	if err != nil || p == nil {
		t.Fatalf("balance proof missing: %v", err)
	}
	if p.ChainPos != 0 {
		t.Errorf("chain pos %d, want a single collapsed mutation", p.ChainPos)
	}
}

func TestAllOrNothingAcrossInstructions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedTokenController(t)
	run(t, env, tokenizeTx(1))
	ctx := context.Background()

	balBefore, _ := env.st.Get(ctx, balID)

	// first instruction would succeed, second fails: nothing commits
	amt := bc.NewWriter()
	amt.U64(100)
	big := bc.NewWriter()
	big.U64(100000)
	tx := makeTx(2,
		bc.Instruction{
			ControllerID:   tokenCtrlID,
			TargetFunction: "transfer",
			Targets:        []bc.Id{tokenID, balID, bal2ID},
			Params:         amt.Bytes(),
		},
		bc.Instruction{
			ControllerID:   tokenCtrlID,
			TargetFunction: "transfer",
			Targets:        []bc.Id{tokenID, balID, bal2ID},
			Params:         big.Bytes(),
		},
	)
	rcp := run(t, env, tx)
	if rcp.Ok() {
		t.Fatal("transaction with a failing instruction must fail")
	}
	if len(rcp.Results) != 2 {
		t.Fatalf("receipt has %d results, want the failing index recorded", len(rcp.Results))
	}
	if rcp.Results[0].Status != bc.CodeOk || rcp.Results[1].Status != bc.CodeControllerFailure {
		t.Errorf("result statuses %s/%s", rcp.Results[0].Status, rcp.Results[1].Status)
	}
	if len(rcp.Results[0].Effects) != 0 {
		t.Error("aborted transaction must not report committed effects")
	}

	balAfter, _ := env.st.Get(ctx, balID)
	if !balAfter.Equal(balBefore) {
		t.Error("aborted transaction changed state")
	}
	if o, _ := env.st.Get(ctx, bal2ID); o != nil {
		t.Error("aborted transaction created an object")
	}
}

func TestFailureReceiptPersisted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedTokenController(t)
	run(t, env, tokenizeTx(1))

	tx := transferTx(2, 10000, balID, bal2ID)
	first := run(t, env, tx)
	stored, err := env.st.GetReceipt(context.Background(), tx.Hash)
	if err != nil || stored == nil {
		t.Fatalf("failure receipt not persisted: %v", err)
	}
	second := run(t, env, tx)
	if !bytes.Equal(first.Encode(), second.Encode()) {
		t.Error("resubmitted failed transaction must return the stored receipt")
	}
}
