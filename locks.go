package units

import (
	"context"
	"sync"

	"github.com/unitsproto/units/bc"
)

// LockManager hands out per-object reader/writer locks keyed by id.
// It is the only source of ordering between concurrent transactions.
// Acquisition is deterministic: callers pass the union of their
// working sets and the manager takes the locks in ascending id order,
// which rules out deadlock. Upgrades are not supported; the pipeline
// requests write locks up front.
type LockManager struct {
	mu    sync.Mutex
	locks map[bc.Id]*lockEntry
}

type lockEntry struct {
	refs    int
	readers int
	writer  bool
	// wait is closed and replaced whenever the entry's state changes.
	wait chan struct{}
}

// NewLockManager returns an empty manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[bc.Id]*lockEntry)}
}

func (lm *LockManager) entry(id bc.Id) *lockEntry {
	e := lm.locks[id]
	if e == nil {
		e = &lockEntry{wait: make(chan struct{})}
		lm.locks[id] = e
	}
	e.refs++
	return e
}

func (lm *LockManager) unref(id bc.Id, e *lockEntry) {
	e.refs--
	if e.refs == 0 {
		delete(lm.locks, id)
	}
}

func (lm *LockManager) broadcast(e *lockEntry) {
	close(e.wait)
	e.wait = make(chan struct{})
}

// acquire blocks until the lock is granted or ctx ends.
func (lm *LockManager) acquire(ctx context.Context, id bc.Id, exclusive bool) error {
	lm.mu.Lock()
	e := lm.entry(id)
	for {
		free := !e.writer && (!exclusive || e.readers == 0)
		if free {
			if exclusive {
				e.writer = true
			} else {
				e.readers++
			}
			lm.mu.Unlock()
			return nil
		}
		wait := e.wait
		lm.mu.Unlock()
		select {
		case <-ctx.Done():
			lm.mu.Lock()
			lm.unref(id, e)
			lm.mu.Unlock()
			return Errf(bc.CodeConflict, "timed out waiting for lock on %s", id)
		case <-wait:
			lm.mu.Lock()
		}
	}
}

func (lm *LockManager) release(id bc.Id, exclusive bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	e := lm.locks[id]
	if e == nil {
		return
	}
	if exclusive {
		e.writer = false
	} else {
		e.readers--
	}
	lm.broadcast(e)
	lm.unref(id, e)
}

// AcquireAll takes write locks on the sorted, deduplicated union of
// ids and returns a release function that is safe to call exactly
// once on any exit path. On failure nothing stays held.
func (lm *LockManager) AcquireAll(ctx context.Context, ids []bc.Id) (release func(), err error) {
	sorted := bc.SortIds(ids)
	for i, id := range sorted {
		if err := lm.acquire(ctx, id, true); err != nil {
			for j := i - 1; j >= 0; j-- {
				lm.release(sorted[j], true)
			}
			return nil, err
		}
	}
	return func() {
		for j := len(sorted) - 1; j >= 0; j-- {
			lm.release(sorted[j], true)
		}
	}, nil
}

// AcquireShared takes a read lock on a single id, for callers that
// only need a stable snapshot of one object.
func (lm *LockManager) AcquireShared(ctx context.Context, id bc.Id) (release func(), err error) {
	if err := lm.acquire(ctx, id, false); err != nil {
		return nil, err
	}
	return func() { lm.release(id, false) }, nil
}
