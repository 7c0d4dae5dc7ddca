// Package kernel is the guest-side framework for controller
// programs: the fixed ABI a controller is linked against, a small
// program builder with labels and backpatching, an entry trampoline,
// a panic path, and emitters for the routines every controller needs
// (immediate loads, memory copies, dispatch on the target function).
// Controllers are packaged as static RV32 ELF executables whose only
// I/O is the context and effect buffers.
package kernel

import (
	"encoding/binary"

	"github.com/unitsproto/units/vm"
)

// Guest address-space convention. Code links at CodeAddr; the stack
// grows down from StackTop; the bump arena for guest allocations
// starts at ArenaAddr and is never freed, it is simply abandoned when
// the guest halts.
const (
	CodeAddr  uint32 = 0x0000_1000
	StackTop  uint32 = 0x0f00_0000
	ArenaAddr uint32 = 0x3000_0000

	// PanicExitCode is the exit code of the panic path.
	PanicExitCode uint32 = 255

	// PanicSentinel is stored at the output address by the panic path
	// so a halted guest can never be mistaken for one that produced
	// effects.
	PanicSentinel uint32 = 0xdead10cc
)

// Register names for builder call sites.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegT0   = 5
	RegT1   = 6
	RegT2   = 7
	RegS0   = 8
	RegS1   = 9
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA7   = 17
)

// EmitELF wraps flat code into a minimal static ELF32 RISC-V
// executable with a single loadable segment at CodeAddr and the
// given entry point.
func EmitELF(code []byte, entry uint32) []byte {
	const (
		ehsize  = 52
		phsize  = 32
		offset  = ehsize + phsize
		etExec  = 2
		emRiscV = 243
		ptLoad  = 1
	)

	out := make([]byte, offset+len(code))
	le := binary.LittleEndian

	copy(out, []byte{0x7f, 'E', 'L', 'F', 1 /* ELFCLASS32 */, 1 /* ELFDATA2LSB */, 1 /* EV_CURRENT */})
	le.PutUint16(out[16:], etExec)
	le.PutUint16(out[18:], emRiscV)
	le.PutUint32(out[20:], 1)
	le.PutUint32(out[24:], entry)
	le.PutUint32(out[28:], ehsize) // phoff
	le.PutUint32(out[32:], 0)     // shoff
	le.PutUint32(out[36:], 0)     // flags
	le.PutUint16(out[40:], ehsize)
	le.PutUint16(out[42:], phsize)
	le.PutUint16(out[44:], 1) // phnum

	ph := out[ehsize:]
	le.PutUint32(ph[0:], ptLoad)
	le.PutUint32(ph[4:], offset)          // p_offset
	le.PutUint32(ph[8:], CodeAddr)        // p_vaddr
	le.PutUint32(ph[12:], CodeAddr)       // p_paddr
	le.PutUint32(ph[16:], uint32(len(code)))
	le.PutUint32(ph[20:], uint32(len(code)))
	le.PutUint32(ph[24:], 7) // rwx
	le.PutUint32(ph[28:], 4)

	copy(out[offset:], code)
	return out
}

// ContextBase is the guest address of the canonical execution
// context (past the u32 length prefix).
const ContextBase = vm.InputAddr + 4
