package units

import (
	"context"
	"testing"

	"github.com/unitsproto/units/bc"
)

func TestFollowerDeliversInOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedTokenController(t)

	got := make(chan [32]byte, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.p.RunFollower(ctx, "test", func(_ context.Context, rcp *bc.Receipt) error {
		got <- rcp.TxHash
		return nil
	})

	// the seed commit predates the follower's start and is replayed first
	seedHash := <-got

	tx1 := tokenizeTx(1)
	run(t, env, tx1)
	tx2 := transferTx(2, 100, balID, bal2ID)
	run(t, env, tx2)

	if h := <-got; h != tx1.Hash {
		t.Errorf("first delivery %x, want tokenize (after seed %x)", h[:4], seedHash[:4])
	}
	if h := <-got; h != tx2.Hash {
		t.Errorf("second delivery %x, want transfer", h[:4])
	}
}

func TestFollowerResumesFromPin(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedTokenController(t)
	tx1 := tokenizeTx(1)
	run(t, env, tx1)

	// first follower consumes everything so far
	ctx1, cancel1 := context.WithCancel(context.Background())
	first := make(chan [32]byte, 16)
	done := make(chan struct{})
	go func() {
		env.p.RunFollower(ctx1, "resume", func(_ context.Context, rcp *bc.Receipt) error {
			first <- rcp.TxHash
			return nil
		})
		close(done)
	}()
	<-first // seed
	<-first // tokenize
	cancel1()
	<-done

	// more work lands while the follower is down
	tx2 := transferTx(2, 100, balID, bal2ID)
	run(t, env, tx2)

	// the restarted follower resumes at the pin: only tx2
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	second := make(chan [32]byte, 16)
	go env.p.RunFollower(ctx2, "resume", func(_ context.Context, rcp *bc.Receipt) error {
		second <- rcp.TxHash
		return nil
	})
	if h := <-second; h != tx2.Hash {
		t.Errorf("resumed follower delivered %x, want the missed transfer", h[:4])
	}
}
