package vm

// RV32 instruction encoders. The kernel builder and the VM tests
// assemble guest programs with these.

// EncodeRType packs a register-register instruction.
func EncodeRType(opcode uint32, rd, funct3, rs1, rs2, funct7 uint32) uint32 {
	return opcode | rd<<7 | funct3<<12 | rs1<<15 | rs2<<20 | funct7<<25
}

// EncodeIType packs an immediate instruction. imm is sign-extended
// from 12 bits.
func EncodeIType(opcode uint32, rd, funct3, rs1 uint32, imm int32) uint32 {
	return opcode | rd<<7 | funct3<<12 | rs1<<15 | uint32(imm&0xfff)<<20
}

// EncodeSType packs a store instruction.
func EncodeSType(opcode uint32, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm & 0xfff)
	return opcode | (u&0x1f)<<7 | funct3<<12 | rs1<<15 | rs2<<20 | (u>>5)<<25
}

// EncodeBType packs a branch instruction. imm is the byte offset from
// the branch (must be even, ±4 KiB range).
func EncodeBType(opcode uint32, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return opcode |
		(u>>11&1)<<7 |
		(u>>1&0xf)<<8 |
		funct3<<12 |
		rs1<<15 |
		rs2<<20 |
		(u>>5&0x3f)<<25 |
		(u>>12&1)<<31
}

// EncodeUType packs an upper-immediate instruction. imm supplies bits
// 31:12; the low 12 bits are ignored.
func EncodeUType(opcode uint32, rd uint32, imm uint32) uint32 {
	return opcode | rd<<7 | imm&0xfffff000
}

// EncodeJType packs a jump instruction. imm is the byte offset from
// the jump (±1 MiB range).
func EncodeJType(opcode uint32, rd uint32, imm int32) uint32 {
	u := uint32(imm)
	return opcode |
		rd<<7 |
		(u>>12&0xff)<<12 |
		(u>>11&1)<<20 |
		(u>>1&0x3ff)<<21 |
		(u>>20&1)<<31
}
