package kernel

import (
	"encoding/binary"

	"github.com/chain/txvm/errors"

	"github.com/unitsproto/units/vm"
)

// A Builder accumulates RV32 instructions, with labels resolved by
// backpatching when the program is built.
type Builder struct {
	words  []uint32
	labels map[string]int
	fixups []fixup
}

type fixup struct {
	index  int
	label  string
	branch bool // B-type if true, else J-type
}

// NewBuilder returns an empty program builder.
func NewBuilder() *Builder {
	return &Builder{labels: make(map[string]int)}
}

func (b *Builder) pc() int {
	return len(b.words) * 4
}

// Word appends a raw instruction word.
func (b *Builder) Word(w uint32) *Builder {
	b.words = append(b.words, w)
	return b
}

// Label marks the current position.
func (b *Builder) Label(name string) *Builder {
	b.labels[name] = b.pc()
	return b
}

// Lui emits LUI rd, imm (bits 31:12 of imm).
func (b *Builder) Lui(rd uint32, imm uint32) *Builder {
	return b.Word(vm.EncodeUType(0x37, rd, imm))
}

// Addi emits ADDI rd, rs1, imm.
func (b *Builder) Addi(rd, rs1 uint32, imm int32) *Builder {
	return b.Word(vm.EncodeIType(0x13, rd, 0, rs1, imm))
}

// Add emits ADD rd, rs1, rs2.
func (b *Builder) Add(rd, rs1, rs2 uint32) *Builder {
	return b.Word(vm.EncodeRType(0x33, rd, 0, rs1, rs2, 0))
}

// Sub emits SUB rd, rs1, rs2.
func (b *Builder) Sub(rd, rs1, rs2 uint32) *Builder {
	return b.Word(vm.EncodeRType(0x33, rd, 0, rs1, rs2, 0x20))
}

// Lw emits LW rd, imm(rs1).
func (b *Builder) Lw(rd, rs1 uint32, imm int32) *Builder {
	return b.Word(vm.EncodeIType(0x03, rd, 2, rs1, imm))
}

// Lbu emits LBU rd, imm(rs1).
func (b *Builder) Lbu(rd, rs1 uint32, imm int32) *Builder {
	return b.Word(vm.EncodeIType(0x03, rd, 4, rs1, imm))
}

// Sw emits SW rs2, imm(rs1).
func (b *Builder) Sw(rs1, rs2 uint32, imm int32) *Builder {
	return b.Word(vm.EncodeSType(0x23, 2, rs1, rs2, imm))
}

// Sb emits SB rs2, imm(rs1).
func (b *Builder) Sb(rs1, rs2 uint32, imm int32) *Builder {
	return b.Word(vm.EncodeSType(0x23, 0, rs1, rs2, imm))
}

// Ecall emits ECALL.
func (b *Builder) Ecall() *Builder {
	return b.Word(0x00000073)
}

// Beq emits BEQ rs1, rs2, label.
func (b *Builder) Beq(rs1, rs2 uint32, label string) *Builder {
	return b.branchTo(0, rs1, rs2, label)
}

// Bne emits BNE rs1, rs2, label.
func (b *Builder) Bne(rs1, rs2 uint32, label string) *Builder {
	return b.branchTo(1, rs1, rs2, label)
}

// Bltu emits BLTU rs1, rs2, label.
func (b *Builder) Bltu(rs1, rs2 uint32, label string) *Builder {
	return b.branchTo(6, rs1, rs2, label)
}

func (b *Builder) branchTo(funct3, rs1, rs2 uint32, label string) *Builder {
	b.fixups = append(b.fixups, fixup{index: len(b.words), label: label, branch: true})
	// rs1/rs2/funct3 are encoded now, the offset at build time.
	return b.Word(vm.EncodeBType(0x63, funct3, rs1, rs2, 0))
}

// Jal emits JAL rd, label.
func (b *Builder) Jal(rd uint32, label string) *Builder {
	b.fixups = append(b.fixups, fixup{index: len(b.words), label: label})
	return b.Word(vm.EncodeJType(0x6f, rd, 0))
}

// Jr emits JALR x0, 0(rs1).
func (b *Builder) Jr(rs1 uint32) *Builder {
	return b.Word(vm.EncodeIType(0x67, 0, 0, rs1, 0))
}

// LoadImm emits the canonical lui/addi expansion of a 32-bit
// immediate load into rd.
func (b *Builder) LoadImm(rd uint32, imm uint32) *Builder {
	lo := imm & 0xfff
	hi := imm &^ 0xfff
	if lo >= 0x800 {
		// addi sign-extends, compensate in the upper part
		hi += 0x1000
	}
	signedLo := int32(lo)
	if lo >= 0x800 {
		signedLo = int32(lo) - 0x1000
	}
	if hi == 0 {
		return b.Addi(rd, RegZero, signedLo)
	}
	b.Lui(rd, hi)
	if lo != 0 {
		b.Addi(rd, rd, signedLo)
	}
	return b
}

// Build resolves labels and returns the program image.
func (b *Builder) Build() ([]byte, error) {
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			return nil, errors.Wrapf(errors.New("undefined label"), "label %q", f.label)
		}
		off := int32(target - f.index*4)
		w := b.words[f.index]
		if f.branch {
			// preserve opcode, funct3, rs1, rs2
			w = w&0x01fff07f | vm.EncodeBType(0, 0, 0, 0, off)
		} else {
			w = w&0x00000fff | vm.EncodeJType(0, 0, off)
		}
		b.words[f.index] = w
	}
	out := make([]byte, len(b.words)*4)
	for i, w := range b.words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out, nil
}

// MustBuild is Build for programs whose labels are static.
func (b *Builder) MustBuild() []byte {
	out, err := b.Build()
	if err != nil {
		panic(err)
	}
	return out
}
