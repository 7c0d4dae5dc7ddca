// Package vm runs controller bytecode in a sandboxed virtual machine.
// The guest sees exactly one I/O channel: a serialized execution
// context at a fixed input address, and a fixed output buffer for the
// proposed effects. Execution is deterministic; the only host-imposed
// variation is the resource ceilings.
package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/chain/txvm/errors"

	"github.com/unitsproto/units/bc"
)

// Guest I/O channel addresses. The input buffer holds a u32 length
// followed by the canonical execution context; the output buffer
// holds a u32 count followed by the canonical effects.
const (
	InputAddr  uint32 = 0x1000_0000
	OutputAddr uint32 = 0x2000_0000

	// OutputCap bounds the output buffer the host will read back.
	OutputCap uint32 = 1 << 20
)

// Limits are the per-invocation resource ceilings.
type Limits struct {
	MemoryBytes uint32
	Cycles      uint64
	WallClock   time.Duration
}

// DefaultLimits returns the stock ceilings: 16 MiB guest RAM, 1e8
// cycles, 5 s wall clock.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 16 << 20,
		Cycles:      1e8,
		WallClock:   5 * time.Second,
	}
}

// A ControllerError reports that the guest itself failed: it halted
// with a non-zero exit code or faulted.
type ControllerError struct {
	ExitCode uint32
	Trap     bool
	Cause    string
}

func (e *ControllerError) Error() string {
	if e.Trap {
		return fmt.Sprintf("controller trapped: %s", e.Cause)
	}
	return fmt.Sprintf("controller failed with exit code %d", e.ExitCode)
}

// IsResourceExhausted reports whether err is one of the ceiling
// sentinels.
func IsResourceExhausted(err error) bool {
	root := errors.Root(err)
	return root == ErrCycleLimit || root == ErrWallClock || root == ErrMemoryLimit
}

// An Executor runs controller bytecode against a context and returns
// the proposed effects.
type Executor interface {
	Execute(ctx context.Context, bytecode []byte, ectx *bc.ExecutionContext, wireLimits bc.Limits) ([]bc.Effect, error)
}

// A Registry maps VM tags to executors. New backends plug in without
// the pipeline changing.
type Registry struct {
	executors map[bc.VMTag]Executor
}

// NewRegistry returns a registry with the mandatory RISC-V backend
// registered under its tag.
func NewRegistry(limits Limits) *Registry {
	r := &Registry{executors: make(map[bc.VMTag]Executor)}
	r.Register(bc.VMRiscV, &RiscV{Limits: limits})
	return r
}

// Register installs exec for tag, replacing any previous executor.
func (r *Registry) Register(tag bc.VMTag, exec Executor) {
	r.executors[tag] = exec
}

// Lookup returns the executor for tag.
func (r *Registry) Lookup(tag bc.VMTag) (Executor, error) {
	exec, ok := r.executors[tag]
	if !ok {
		return nil, errors.Wrapf(errors.New("no executor registered"), "vm tag %d", tag)
	}
	return exec, nil
}

// RiscV executes ELF images on the RV32IM interpreter.
type RiscV struct {
	Limits Limits
}

// Execute loads bytecode into a fresh guest, serializes ectx into the
// input buffer, runs to halt, and decodes the output buffer. A
// non-zero exit or trap returns a ControllerError with no effects; a
// breached ceiling returns the matching sentinel.
func (r *RiscV) Execute(ctx context.Context, bytecode []byte, ectx *bc.ExecutionContext, wireLimits bc.Limits) ([]bc.Effect, error) {
	mem := NewRVMemory(r.Limits.MemoryBytes)
	entry, err := loadELF(bytecode, mem)
	if err != nil {
		return nil, errors.Wrap(err, "loading controller")
	}

	ctxBits := ectx.Encode()
	w := bc.NewWriter()
	w.U32(uint32(len(ctxBits)))
	w.Raw(ctxBits)
	if err := mem.WriteBytes(InputAddr, w.Bytes()); err != nil {
		return nil, errors.Wrap(err, "writing input buffer")
	}

	cpu := &RVCPU{Mem: mem, cycleLimit: r.Limits.Cycles}
	cpu.PC = entry

	runCtx, cancel := context.WithTimeout(ctx, r.Limits.WallClock)
	defer cancel()

	err = cpu.Run(runCtx)
	if err != nil {
		if trap, ok := err.(*TrapError); ok {
			return nil, &ControllerError{Trap: true, Cause: trap.Error()}
		}
		return nil, err
	}
	if cpu.ExitCode != 0 {
		return nil, &ControllerError{ExitCode: cpu.ExitCode}
	}

	out, err := mem.ReadBytes(OutputAddr, OutputCap)
	if err != nil {
		return nil, errors.Wrap(err, "reading output buffer")
	}
	effects, err := bc.DecodeEffectsPrefix(out, wireLimits)
	if err != nil {
		return nil, &ControllerError{Trap: true, Cause: fmt.Sprintf("malformed output buffer: %s", err)}
	}
	return effects, nil
}
