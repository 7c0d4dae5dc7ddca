package vm

import (
	"context"
	"fmt"

	"github.com/chain/txvm/errors"
)

// Resource-ceiling sentinels. All of them surface to callers as
// resource exhaustion.
var (
	ErrCycleLimit = errors.New("instruction ceiling exceeded")
	ErrWallClock  = errors.New("wall clock ceiling exceeded")
)

// A TrapError reports a fault the guest cannot recover from: an
// illegal instruction, a misaligned jump, or a fetch outside loaded
// code.
type TrapError struct {
	PC    uint32
	Cause string
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("guest trap at pc %#x: %s", e.PC, e.Cause)
}

// RVEcallHalt is the a7 selector for the halt ecall; a0 carries the
// exit code. It matches the conventional exit syscall number.
const RVEcallHalt = 93

// ctxCheckInterval bounds how stale the wall-clock check can get.
const ctxCheckInterval = 4096

// RVCPU interprets RV32IM bytecode. Each instance is used for one
// execution and starts from zeroed registers and empty memory, so no
// state leaks between invocations.
type RVCPU struct {
	Regs [32]uint32
	PC   uint32
	Mem  *RVMemory

	cycles     uint64
	cycleLimit uint64

	// Halted and ExitCode are set when the guest executes the halt
	// ecall.
	Halted   bool
	ExitCode uint32
}

// NewRVCPU returns a fresh CPU with the given instruction ceiling
// over an empty 16 MiB address space.
func NewRVCPU(cycleLimit uint64) *RVCPU {
	return &RVCPU{
		Mem:        NewRVMemory(16 << 20),
		cycleLimit: cycleLimit,
	}
}

// LoadProgram copies code into guest memory at base and sets the
// entry point.
func (c *RVCPU) LoadProgram(code []byte, base, entry uint32) error {
	if err := c.Mem.WriteBytes(base, code); err != nil {
		return errors.Wrap(err, "loading program")
	}
	c.PC = entry
	return nil
}

// Cycles returns the number of instructions retired so far.
func (c *RVCPU) Cycles() uint64 {
	return c.cycles
}

func signExtend(v uint32, bits uint) uint32 {
	shift := 32 - bits
	return uint32(int32(v<<shift) >> shift)
}

// Run interprets instructions until the guest halts, faults, or hits
// a resource ceiling. ctx carries the wall-clock deadline.
func (c *RVCPU) Run(ctx context.Context) error {
	for !c.Halted {
		if c.cycles >= c.cycleLimit {
			return ErrCycleLimit
		}
		if c.cycles%ctxCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return ErrWallClock
			default:
			}
		}
		if err := c.step(); err != nil {
			return err
		}
		c.cycles++
	}
	return nil
}

func (c *RVCPU) trap(format string, args ...interface{}) error {
	return &TrapError{PC: c.PC, Cause: fmt.Sprintf(format, args...)}
}

func (c *RVCPU) setReg(rd uint32, v uint32) {
	if rd != 0 {
		c.Regs[rd] = v
	}
}

func (c *RVCPU) step() error {
	if c.PC%4 != 0 {
		return c.trap("misaligned pc")
	}
	instr, err := c.Mem.ReadWord(c.PC)
	if err != nil {
		return err
	}
	if instr == 0 {
		return c.trap("illegal zero instruction")
	}

	opcode := instr & 0x7f
	rd := instr >> 7 & 0x1f
	funct3 := instr >> 12 & 0x7
	rs1 := instr >> 15 & 0x1f
	rs2 := instr >> 20 & 0x1f
	funct7 := instr >> 25

	next := c.PC + 4

	switch opcode {
	case 0x37: // LUI
		c.setReg(rd, instr&0xfffff000)

	case 0x17: // AUIPC
		c.setReg(rd, c.PC+instr&0xfffff000)

	case 0x6f: // JAL
		imm := signExtend(instr>>31&1<<20|instr>>12&0xff<<12|instr>>20&1<<11|instr>>21&0x3ff<<1, 21)
		c.setReg(rd, next)
		next = c.PC + imm
		if next%4 != 0 {
			return c.trap("misaligned jump target %#x", next)
		}

	case 0x67: // JALR
		if funct3 != 0 {
			return c.trap("illegal jalr funct3 %d", funct3)
		}
		imm := signExtend(instr>>20, 12)
		target := (c.Regs[rs1] + imm) &^ 1
		c.setReg(rd, next)
		next = target
		if next%4 != 0 {
			return c.trap("misaligned jump target %#x", next)
		}

	case 0x63: // branches
		imm := signExtend(instr>>31&1<<12|instr>>7&1<<11|instr>>25&0x3f<<5|instr>>8&0xf<<1, 13)
		a, b := c.Regs[rs1], c.Regs[rs2]
		var taken bool
		switch funct3 {
		case 0:
			taken = a == b // BEQ
		case 1:
			taken = a != b // BNE
		case 4:
			taken = int32(a) < int32(b) // BLT
		case 5:
			taken = int32(a) >= int32(b) // BGE
		case 6:
			taken = a < b // BLTU
		case 7:
			taken = a >= b // BGEU
		default:
			return c.trap("illegal branch funct3 %d", funct3)
		}
		if taken {
			next = c.PC + imm
			if next%4 != 0 {
				return c.trap("misaligned branch target %#x", next)
			}
		}

	case 0x03: // loads
		addr := c.Regs[rs1] + signExtend(instr>>20, 12)
		var v uint32
		switch funct3 {
		case 0: // LB
			b, err := c.Mem.ReadByteAt(addr)
			if err != nil {
				return err
			}
			v = signExtend(uint32(b), 8)
		case 1: // LH
			h, err := c.Mem.ReadHalfword(addr)
			if err != nil {
				return err
			}
			v = signExtend(uint32(h), 16)
		case 2: // LW
			v, err = c.Mem.ReadWord(addr)
			if err != nil {
				return err
			}
		case 4: // LBU
			b, err := c.Mem.ReadByteAt(addr)
			if err != nil {
				return err
			}
			v = uint32(b)
		case 5: // LHU
			h, err := c.Mem.ReadHalfword(addr)
			if err != nil {
				return err
			}
			v = uint32(h)
		default:
			return c.trap("illegal load funct3 %d", funct3)
		}
		c.setReg(rd, v)

	case 0x23: // stores
		imm := signExtend(instr>>25<<5|instr>>7&0x1f, 12)
		addr := c.Regs[rs1] + imm
		switch funct3 {
		case 0:
			err = c.Mem.WriteByteAt(addr, byte(c.Regs[rs2]))
		case 1:
			err = c.Mem.WriteHalfword(addr, uint16(c.Regs[rs2]))
		case 2:
			err = c.Mem.WriteWord(addr, c.Regs[rs2])
		default:
			return c.trap("illegal store funct3 %d", funct3)
		}
		if err != nil {
			return err
		}

	case 0x13: // OP-IMM
		imm := signExtend(instr>>20, 12)
		a := c.Regs[rs1]
		var v uint32
		switch funct3 {
		case 0:
			v = a + imm // ADDI
		case 1:
			if funct7 != 0 {
				return c.trap("illegal slli funct7 %#x", funct7)
			}
			v = a << (imm & 0x1f) // SLLI
		case 2:
			if int32(a) < int32(imm) {
				v = 1
			} // SLTI
		case 3:
			if a < imm {
				v = 1
			} // SLTIU
		case 4:
			v = a ^ imm // XORI
		case 5:
			switch funct7 {
			case 0x00:
				v = a >> (imm & 0x1f) // SRLI
			case 0x20:
				v = uint32(int32(a) >> (imm & 0x1f)) // SRAI
			default:
				return c.trap("illegal shift funct7 %#x", funct7)
			}
		case 6:
			v = a | imm // ORI
		case 7:
			v = a & imm // ANDI
		}
		c.setReg(rd, v)

	case 0x33: // OP
		a, b := c.Regs[rs1], c.Regs[rs2]
		var v uint32
		switch {
		case funct7 == 0x01: // M extension
			switch funct3 {
			case 0: // MUL
				v = a * b
			case 1: // MULH
				v = uint32(int64(int32(a)) * int64(int32(b)) >> 32)
			case 2: // MULHSU
				v = uint32(int64(int32(a)) * int64(b) >> 32)
			case 3: // MULHU
				v = uint32(uint64(a) * uint64(b) >> 32)
			case 4: // DIV
				switch {
				case b == 0:
					v = 0xffffffff
				case int32(a) == -1<<31 && int32(b) == -1:
					v = a
				default:
					v = uint32(int32(a) / int32(b))
				}
			case 5: // DIVU
				if b == 0 {
					v = 0xffffffff
				} else {
					v = a / b
				}
			case 6: // REM
				switch {
				case b == 0:
					v = a
				case int32(a) == -1<<31 && int32(b) == -1:
					v = 0
				default:
					v = uint32(int32(a) % int32(b))
				}
			case 7: // REMU
				if b == 0 {
					v = a
				} else {
					v = a % b
				}
			}
		case funct7 == 0x00 || funct7 == 0x20:
			switch funct3 {
			case 0:
				if funct7 == 0x20 {
					v = a - b // SUB
				} else {
					v = a + b // ADD
				}
			case 1:
				v = a << (b & 0x1f) // SLL
			case 2:
				if int32(a) < int32(b) {
					v = 1
				} // SLT
			case 3:
				if a < b {
					v = 1
				} // SLTU
			case 4:
				v = a ^ b // XOR
			case 5:
				if funct7 == 0x20 {
					v = uint32(int32(a) >> (b & 0x1f)) // SRA
				} else {
					v = a >> (b & 0x1f) // SRL
				}
			case 6:
				v = a | b // OR
			case 7:
				v = a & b // AND
			}
		default:
			return c.trap("illegal op funct7 %#x", funct7)
		}
		c.setReg(rd, v)

	case 0x0f: // FENCE: no-op for a single hart
		// nothing

	case 0x73: // SYSTEM
		if instr == 0x00000073 { // ECALL
			if c.Regs[17] != RVEcallHalt {
				return c.trap("unknown ecall %d", c.Regs[17])
			}
			c.Halted = true
			c.ExitCode = c.Regs[10]
		} else if instr == 0x00100073 { // EBREAK
			return c.trap("ebreak")
		} else {
			return c.trap("illegal system instruction %#x", instr)
		}

	default:
		return c.trap("illegal opcode %#x", opcode)
	}

	c.PC = next
	return nil
}
