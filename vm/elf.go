package vm

import (
	"bytes"
	"debug/elf"

	"github.com/chain/txvm/errors"
)

// loadELF maps the PT_LOAD segments of a 32-bit little-endian RISC-V
// executable into mem and returns the entry point.
func loadELF(bytecode []byte, mem *RVMemory) (entry uint32, err error) {
	f, err := elf.NewFile(bytes.NewReader(bytecode))
	if err != nil {
		return 0, errors.Wrap(err, "parsing elf image")
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return 0, errors.New("controller image is not 32-bit")
	}
	if f.Data != elf.ELFDATA2LSB {
		return 0, errors.New("controller image is not little-endian")
	}
	if f.Machine != elf.EM_RISCV {
		return 0, errors.Wrapf(errors.New("wrong machine type"), "controller image targets %s", f.Machine)
	}
	if f.Type != elf.ET_EXEC {
		return 0, errors.New("controller image is not an executable")
	}

	loaded := false
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return 0, errors.Wrap(err, "reading elf segment")
		}
		if err := mem.WriteBytes(uint32(prog.Vaddr), data); err != nil {
			return 0, errors.Wrap(err, "mapping elf segment")
		}
		// Memsz beyond Filesz is BSS; sparse pages already read as
		// zeroes.
		loaded = true
	}
	if !loaded {
		return 0, errors.New("controller image has no loadable segments")
	}
	return uint32(f.Entry), nil
}
