package kernel

import "github.com/unitsproto/units/vm"

// Prologue emits the entry trampoline: point the stack at StackTop,
// the arena register (s0) at the arena base, and fall through to the
// controller body. Memory and registers are zeroed by the executor,
// so nothing else needs clearing.
func Prologue(b *Builder) {
	b.LoadImm(RegSP, StackTop)
	b.LoadImm(RegS0, ArenaAddr)
}

// Halt emits the clean exit: code in a0, the halt selector in a7,
// ecall.
func Halt(b *Builder, code uint32) {
	b.LoadImm(RegA0, code)
	b.Addi(RegA7, RegZero, vm.RVEcallHalt)
	b.Ecall()
}

// PanicHandler emits the panic path at the label "panic": store the
// sentinel over the output buffer and halt with the panic exit code.
// Controllers branch here on any internal inconsistency.
func PanicHandler(b *Builder) {
	b.Label("panic")
	b.LoadImm(RegT0, vm.OutputAddr)
	b.LoadImm(RegT1, PanicSentinel)
	b.Sw(RegT0, RegT1, 0)
	Halt(b, PanicExitCode)
}

// EmitCopy emits a byte-copy loop: len bytes from src to dst. All
// three registers are clobbered; t0 is scratch. A zero length copies
// nothing.
func EmitCopy(b *Builder, dst, src, length uint32, unique string) {
	loop := "copy_" + unique
	done := "copy_done_" + unique
	b.Label(loop)
	b.Beq(length, RegZero, done)
	b.Lbu(RegT0, src, 0)
	b.Sb(dst, RegT0, 0)
	b.Addi(src, src, 1)
	b.Addi(dst, dst, 1)
	b.Addi(length, length, -1)
	b.Jal(RegZero, loop)
	b.Label(done)
}

// EmitDispatch emits the target-function dispatch: compare the
// function name in the context against each handler's name and jump
// to its label on a match; fall through to the panic path when no
// handler matches. Names are compiled in, so the compares unroll with
// immediate bytes. handlers preserves registration order.
func EmitDispatch(b *Builder, handlers []struct {
	Name  string
	Label string
}) {
	// function name: u32 length at ContextBase+32, bytes follow
	b.LoadImm(RegA1, ContextBase)
	b.Lw(RegA2, RegA1, 32)
	for _, h := range handlers {
		next := "dispatch_next_" + h.Label
		b.LoadImm(RegT1, uint32(len(h.Name)))
		b.Bne(RegA2, RegT1, next)
		for j := 0; j < len(h.Name); j++ {
			b.Lbu(RegT0, RegA1, int32(36+j))
			b.LoadImm(RegT1, uint32(h.Name[j]))
			b.Bne(RegT0, RegT1, next)
		}
		b.Jal(RegZero, h.Label)
		b.Label(next)
	}
	b.Jal(RegZero, "panic")
}
