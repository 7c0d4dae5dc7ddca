package vm

import "github.com/chain/txvm/errors"

// ErrMemoryLimit is produced when a guest's resident memory would
// exceed the configured ceiling.
var ErrMemoryLimit = errors.New("guest memory limit exceeded")

const pageSize = 4096

// RVMemory is a sparse paged 32-bit guest address space. Pages are
// allocated on first write (or host load); reads of untouched memory
// return zeroes without allocating. Resident pages are capped, which
// is how the memory ceiling is enforced.
type RVMemory struct {
	pages    map[uint32]*[pageSize]byte
	maxPages int
}

// NewRVMemory returns an empty address space holding at most
// limitBytes of resident pages.
func NewRVMemory(limitBytes uint32) *RVMemory {
	return &RVMemory{
		pages:    make(map[uint32]*[pageSize]byte),
		maxPages: int(limitBytes / pageSize),
	}
}

func (m *RVMemory) page(addr uint32, alloc bool) (*[pageSize]byte, error) {
	num := addr / pageSize
	if p := m.pages[num]; p != nil {
		return p, nil
	}
	if !alloc {
		return nil, nil
	}
	if len(m.pages) >= m.maxPages {
		return nil, ErrMemoryLimit
	}
	p := new([pageSize]byte)
	m.pages[num] = p
	return p, nil
}

// ReadByteAt reads one byte.
func (m *RVMemory) ReadByteAt(addr uint32) (byte, error) {
	p, err := m.page(addr, false)
	if err != nil || p == nil {
		return 0, err
	}
	return p[addr%pageSize], nil
}

// WriteByteAt writes one byte, allocating the page if needed.
func (m *RVMemory) WriteByteAt(addr uint32, v byte) error {
	p, err := m.page(addr, true)
	if err != nil {
		return err
	}
	p[addr%pageSize] = v
	return nil
}

// ReadHalfword reads a little-endian 16-bit value. Unaligned access
// is permitted; it may span pages.
func (m *RVMemory) ReadHalfword(addr uint32) (uint16, error) {
	lo, err := m.ReadByteAt(addr)
	if err != nil {
		return 0, err
	}
	hi, err := m.ReadByteAt(addr + 1)
	if err != nil {
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

// WriteHalfword writes a little-endian 16-bit value.
func (m *RVMemory) WriteHalfword(addr uint32, v uint16) error {
	if err := m.WriteByteAt(addr, byte(v)); err != nil {
		return err
	}
	return m.WriteByteAt(addr+1, byte(v>>8))
}

// ReadWord reads a little-endian 32-bit value.
func (m *RVMemory) ReadWord(addr uint32) (uint32, error) {
	if addr%pageSize <= pageSize-4 {
		p, err := m.page(addr, false)
		if err != nil {
			return 0, err
		}
		if p == nil {
			return 0, nil
		}
		off := addr % pageSize
		return uint32(p[off]) | uint32(p[off+1])<<8 | uint32(p[off+2])<<16 | uint32(p[off+3])<<24, nil
	}
	lo, err := m.ReadHalfword(addr)
	if err != nil {
		return 0, err
	}
	hi, err := m.ReadHalfword(addr + 2)
	if err != nil {
		return 0, err
	}
	return uint32(lo) | uint32(hi)<<16, nil
}

// WriteWord writes a little-endian 32-bit value.
func (m *RVMemory) WriteWord(addr uint32, v uint32) error {
	if err := m.WriteHalfword(addr, uint16(v)); err != nil {
		return err
	}
	return m.WriteHalfword(addr+2, uint16(v>>16))
}

// WriteBytes copies b into guest memory starting at addr.
func (m *RVMemory) WriteBytes(addr uint32, b []byte) error {
	for i, v := range b {
		if err := m.WriteByteAt(addr+uint32(i), v); err != nil {
			return err
		}
	}
	return nil
}

// ReadBytes copies n bytes out of guest memory starting at addr.
// Untouched memory reads as zeroes.
func (m *RVMemory) ReadBytes(addr uint32, n uint32) ([]byte, error) {
	out := make([]byte, n)
	for i := uint32(0); i < n; i++ {
		v, err := m.ReadByteAt(addr + i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Resident returns the number of resident bytes.
func (m *RVMemory) Resident() int {
	return len(m.pages) * pageSize
}
