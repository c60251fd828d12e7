package armsim

import (
	"encoding/binary"
	"fmt"
)

// NullPageSize is the size of the inaccessible region at address zero.
const NullPageSize = 0x1000

// Fault is returned for an invalid memory access.
type Fault struct {
	Addr   uint32
	Size   uint32
	Reason string
}

// Error implements error.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s access of %d bytes at 0x%08x", f.Reason, f.Size, f.Addr)
}

// Memory is a flat little-endian address space starting at zero.
// Accesses must be naturally aligned, doubles on a word boundary.
type Memory struct {
	buf []byte
}

// NewMemory returns a zeroed memory of size bytes.
func NewMemory(size uint32) *Memory {
	return &Memory{buf: make([]byte, size)}
}

// Size returns the size of the address space.
func (m *Memory) Size() uint32 { return uint32(len(m.buf)) }

func (m *Memory) check(addr, size, align uint32) error {
	switch {
	case addr < NullPageSize:
		return &Fault{Addr: addr, Size: size, Reason: "null page"}
	case uint64(addr)+uint64(size) > uint64(len(m.buf)):
		return &Fault{Addr: addr, Size: size, Reason: "out of bounds"}
	case addr%align != 0:
		return &Fault{Addr: addr, Size: size, Reason: "misaligned"}
	}
	return nil
}

// Read8 returns the byte at addr.
func (m *Memory) Read8(addr uint32) (uint8, error) {
	if err := m.check(addr, 1, 1); err != nil {
		return 0, err
	}
	return m.buf[addr], nil
}

// Write8 stores a byte at addr.
func (m *Memory) Write8(addr uint32, v uint8) error {
	if err := m.check(addr, 1, 1); err != nil {
		return err
	}
	m.buf[addr] = v
	return nil
}

// Read16 returns the halfword at addr.
func (m *Memory) Read16(addr uint32) (uint16, error) {
	if err := m.check(addr, 2, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(m.buf[addr:]), nil
}

// Write16 stores a halfword at addr.
func (m *Memory) Write16(addr uint32, v uint16) error {
	if err := m.check(addr, 2, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(m.buf[addr:], v)
	return nil
}

// Read32 returns the word at addr.
func (m *Memory) Read32(addr uint32) (uint32, error) {
	if err := m.check(addr, 4, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.buf[addr:]), nil
}

// Write32 stores a word at addr.
func (m *Memory) Write32(addr, v uint32) error {
	if err := m.check(addr, 4, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.buf[addr:], v)
	return nil
}

// Read64 returns the double word at addr, low word first.
func (m *Memory) Read64(addr uint32) (uint64, error) {
	if err := m.check(addr, 8, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.buf[addr:]), nil
}

// Write64 stores a double word at addr, low word first.
func (m *Memory) Write64(addr uint32, v uint64) error {
	if err := m.check(addr, 8, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.buf[addr:], v)
	return nil
}

// Load copies b into memory at addr.
func (m *Memory) Load(addr uint32, b []byte) error {
	if err := m.check(addr, uint32(len(b)), 1); err != nil {
		return err
	}
	copy(m.buf[addr:], b)
	return nil
}

// Slice returns the n bytes at addr, aliasing the memory.
func (m *Memory) Slice(addr, n uint32) ([]byte, error) {
	if err := m.check(addr, n, 1); err != nil {
		return nil, err
	}
	return m.buf[addr : addr+n : addr+n], nil
}
