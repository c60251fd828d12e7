// Package armsim interprets the ARMv7 A32 and VFPv3-D16 instructions the
// backend emits, so that generated code can be tested on any host.
//
// Native functions are Go hooks placed at addresses outside of memory.
// Branching to a hook runs it, then returns to lr.
package armsim

import (
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// ExitAddr is the return address given to code run by Call. Returning
	// there stops the machine.
	ExitAddr uint32 = 0xfffffff0
	// HookBase is the address of the first hook.
	HookBase uint32 = 0xff000000
	// DefaultMaxSteps bounds the instructions of one Call.
	DefaultMaxSteps = 50_000_000
)

var (
	// ErrBreakpoint is returned when BKPT executes.
	ErrBreakpoint = errors.New("breakpoint")
	// ErrStepLimit is returned when a Call runs more than MaxSteps instructions.
	ErrStepLimit = errors.New("step limit exceeded")
	// ErrUndefined is returned for encodings the machine does not implement.
	ErrUndefined = errors.New("undefined instruction")
)

// Hook is a native function. It reads its arguments from the registers and
// sets the results, like a callee following the procedure call standard.
type Hook func(m *Machine) error

// Machine is the register state of one core plus its memory.
type Machine struct {
	// R holds the core registers. R[15] is the address of the next
	// instruction; reading pc as an operand yields that address plus 8.
	R [16]uint32
	// D holds the VFP double registers. Single register sN is the low
	// (even N) or high (odd N) half of d(N/2).
	D [16]uint64
	// APSR flags.
	N, Z, C, V bool
	// FPSCR condition flags, set by VCMP and copied by VMRS.
	FN, FZ, FC, FV bool

	Mem *Memory
	// MaxSteps bounds the instructions of one Call.
	MaxSteps int
	// Steps counts the instructions executed since the last Call.
	Steps int
	// Trace, when set, receives the address and word of each instruction.
	Trace io.Writer

	hooks    map[uint32]Hook
	nextHook uint32
	branched bool
}

// New returns a machine running in mem.
func New(mem *Memory) *Machine {
	return &Machine{
		Mem:      mem,
		MaxSteps: DefaultMaxSteps,
		hooks:    map[uint32]Hook{},
		nextHook: HookBase,
	}
}

// AddHook registers h and returns the address calling it.
func (m *Machine) AddHook(h Hook) uint32 {
	addr := m.nextHook
	m.nextHook += 4
	m.hooks[addr] = h
	return addr
}

// Call runs the code at addr with args in r0-r3 until it returns, with the
// stack pointer as set by the caller.
func (m *Machine) Call(addr uint32, args ...uint32) error {
	if len(args) > 4 {
		return fmt.Errorf("%d arguments, at most 4 go in registers", len(args))
	}
	for i, a := range args {
		m.R[i] = a
	}
	m.R[14] = ExitAddr
	m.R[15] = addr
	m.Steps = 0
	return m.Run()
}

// Run executes from R[15] until the exit address is reached.
func (m *Machine) Run() error {
	for {
		pc := m.R[15]
		if pc == ExitAddr {
			return nil
		}
		if h, ok := m.hooks[pc]; ok {
			if err := h(m); err != nil {
				return fmt.Errorf("hook at 0x%08x: %w", pc, err)
			}
			m.R[15] = m.R[14] &^ 1
			continue
		}
		if m.Steps >= m.MaxSteps {
			return ErrStepLimit
		}
		if err := m.Step(); err != nil {
			return err
		}
	}
}

// Step executes the instruction at R[15].
func (m *Machine) Step() error {
	pc := m.R[15]
	w, err := m.Mem.Read32(pc)
	if err != nil {
		return fmt.Errorf("fetch at 0x%08x: %w", pc, err)
	}
	if m.Trace != nil {
		_, _ = fmt.Fprintf(m.Trace, "%08x: %08x\n", pc, w)
	}
	m.Steps++
	m.branched = false
	if cond := w >> 28; cond == 0xf {
		return fmt.Errorf("0x%08x at 0x%08x: %w", w, pc, ErrUndefined)
	} else if !m.condition(cond) {
		m.R[15] = pc + 4
		return nil
	}
	if err = m.exec(w); err != nil {
		return fmt.Errorf("0x%08x at 0x%08x: %w", w, pc, err)
	}
	if !m.branched {
		m.R[15] = pc + 4
	}
	return nil
}

func (m *Machine) condition(cond uint32) bool {
	switch cond {
	case 0x0:
		return m.Z
	case 0x1:
		return !m.Z
	case 0x2:
		return m.C
	case 0x3:
		return !m.C
	case 0x4:
		return m.N
	case 0x5:
		return !m.N
	case 0x6:
		return m.V
	case 0x7:
		return !m.V
	case 0x8:
		return m.C && !m.Z
	case 0x9:
		return !m.C || m.Z
	case 0xa:
		return m.N == m.V
	case 0xb:
		return m.N != m.V
	case 0xc:
		return !m.Z && m.N == m.V
	case 0xd:
		return m.Z || m.N != m.V
	}
	return true
}

// reg reads a register as an operand.
func (m *Machine) reg(n uint32) uint32 {
	if n == 15 {
		return m.R[15] + 8
	}
	return m.R[n]
}

// setReg writes a register, branching when it is pc.
func (m *Machine) setReg(n, v uint32) {
	if n == 15 {
		m.R[15] = v &^ 1
		m.branched = true
		return
	}
	m.R[n] = v
}

// S returns single register sN.
func (m *Machine) S(n uint32) uint32 {
	d := m.D[n>>1]
	if n&1 == 1 {
		return uint32(d >> 32)
	}
	return uint32(d)
}

// SetS writes single register sN.
func (m *Machine) SetS(n, v uint32) {
	d := &m.D[n>>1]
	if n&1 == 1 {
		*d = *d&0xffffffff | uint64(v)<<32
	} else {
		*d = *d&^0xffffffff | uint64(v)
	}
}

// F returns dN as a float64.
func (m *Machine) F(n int) float64 { return math.Float64frombits(m.D[n]) }

// SetF writes dN.
func (m *Machine) SetF(n int, f float64) { m.D[n] = math.Float64bits(f) }
