package armsim

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
)

const (
	codeAddr  = 0x2000
	dataAddr  = 0x6000
	stackAddr = 0x8000
)

// run assembles body followed by BX lr, and calls it with args.
func run(t *testing.T, body func(a *arm.AssemblerImpl), args ...uint32) *Machine {
	t.Helper()
	a := arm.NewAssembler()
	body(a)
	a.CompileJumpToRegister(arm.BX, arm.REG_LR)
	var seg asm.CodeSegment
	buf := seg.Next()
	require.NoError(t, a.Assemble(buf))

	m := New(NewMemory(0x10000))
	require.NoError(t, m.Mem.Load(codeAddr, buf.Bytes()))
	m.R[13] = stackAddr
	require.NoError(t, m.Call(codeAddr, args...))
	return m
}

func TestMachine_Integer(t *testing.T) {
	tests := []struct {
		name string
		body func(a *arm.AssemblerImpl)
		args []uint32
		exp  uint32
	}{
		{
			name: "add",
			body: func(a *arm.AssemblerImpl) { a.CompileTwoRegistersToRegister(arm.ADD, arm.REG_R0, arm.REG_R1, arm.REG_R0) },
			args: []uint32{40, 2},
			exp:  42,
		},
		{
			name: "rsb",
			body: func(a *arm.AssemblerImpl) { a.CompileRegisterAndConstToRegister(arm.RSB, arm.REG_R0, 0, arm.REG_R0) },
			args: []uint32{5},
			exp:  uint32(0xfffffffb),
		},
		{
			name: "loadconst",
			body: func(a *arm.AssemblerImpl) { a.CompileLoadConstant(0x12345678, arm.REG_R0) },
			exp:  0x12345678,
		},
		{
			name: "asr by 32",
			body: func(a *arm.AssemblerImpl) { a.CompileRegisterAndConstToRegister(arm.ASR, arm.REG_R0, 32, arm.REG_R0) },
			args: []uint32{0x80000000},
			exp:  0xffffffff,
		},
		{
			name: "lsl by register over 31",
			body: func(a *arm.AssemblerImpl) { a.CompileTwoRegistersToRegister(arm.LSL, arm.REG_R0, arm.REG_R1, arm.REG_R0) },
			args: []uint32{1, 40},
			exp:  0,
		},
		{
			name: "mul",
			body: func(a *arm.AssemblerImpl) { a.CompileTwoRegistersToRegister(arm.MUL, arm.REG_R0, arm.REG_R1, arm.REG_R0) },
			args: []uint32{7, 6},
			exp:  42,
		},
		{
			name: "umull high word",
			body: func(a *arm.AssemblerImpl) {
				a.CompileTwoRegistersToTwoRegisters(arm.UMULL, arm.REG_R0, arm.REG_R1, arm.REG_R2, arm.REG_R0)
			},
			args: []uint32{0xffffffff, 0x10},
			exp:  0xf,
		},
		{
			name: "smull high word",
			body: func(a *arm.AssemblerImpl) {
				a.CompileTwoRegistersToTwoRegisters(arm.SMULL, arm.REG_R0, arm.REG_R1, arm.REG_R2, arm.REG_R0)
			},
			args: []uint32{0xffffffff, 0x10},
			exp:  0xffffffff,
		},
		{
			name: "conditional move taken",
			body: func(a *arm.AssemblerImpl) {
				a.CompileTwoRegistersToNone(arm.CMP, arm.REG_R0, arm.REG_R1)
				a.CompileConstToRegister(arm.MOV, 0, arm.REG_R0)
				a.CompileConditionalConstToRegister(arm.COND_LT, 1, arm.REG_R0)
			},
			args: []uint32{0xffffffff, 1},
			exp:  1,
		},
		{
			name: "conditional move unsigned not taken",
			body: func(a *arm.AssemblerImpl) {
				a.CompileTwoRegistersToNone(arm.CMP, arm.REG_R0, arm.REG_R1)
				a.CompileConstToRegister(arm.MOV, 0, arm.REG_R0)
				a.CompileConditionalConstToRegister(arm.COND_LO, 1, arm.REG_R0)
			},
			args: []uint32{0xffffffff, 1},
			exp:  0,
		},
		{
			name: "overflow flag",
			body: func(a *arm.AssemblerImpl) {
				a.CompileTwoRegistersToRegister(arm.ADDS, arm.REG_R0, arm.REG_R1, arm.REG_R0)
				a.CompileConstToRegister(arm.MOV, 0, arm.REG_R0)
				a.CompileConditionalConstToRegister(arm.COND_VS, 1, arm.REG_R0)
			},
			args: []uint32{0x7fffffff, 1},
			exp:  1,
		},
		{
			name: "multiply overflow check",
			body: func(a *arm.AssemblerImpl) {
				a.CompileTwoRegistersToTwoRegisters(arm.SMULL, arm.REG_R0, arm.REG_R1, arm.REG_R2, arm.REG_R3)
				a.CompileShiftedRegisterToNone(arm.CMP, arm.REG_R3, arm.REG_R2, arm.SHIFT_ASR, 31)
				a.CompileConstToRegister(arm.MOV, 0, arm.REG_R0)
				a.CompileConditionalConstToRegister(arm.COND_NE, 1, arm.REG_R0)
			},
			args: []uint32{0x10000, 0x10000},
			exp:  1,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			m := run(t, tc.body, tc.args...)
			require.Equal(t, tc.exp, m.R[0])
		})
	}
}

func TestMachine_Memory(t *testing.T) {
	t.Run("loads and stores", func(t *testing.T) {
		m := run(t, func(a *arm.AssemblerImpl) {
			a.CompileRegisterToMemory(arm.STR, arm.REG_R1, arm.REG_R0, 4)
			a.CompileRegisterToMemory(arm.STRH, arm.REG_R1, arm.REG_R0, 8)
			a.CompileRegisterToMemory(arm.STRB, arm.REG_R1, arm.REG_R0, 10)
			a.CompileMemoryToRegister(arm.LDRSB, arm.REG_R0, 10, arm.REG_R2)
			a.CompileMemoryToRegister(arm.LDRSH, arm.REG_R0, 8, arm.REG_R3)
			a.CompileConstToRegister(arm.MOV, 1, arm.REG_R1)
			a.CompileMemoryWithRegisterOffsetToRegister(arm.LDR, arm.REG_R0, arm.REG_R1, 2, arm.REG_R0)
		}, dataAddr, 0xfffff0f0)
		require.Equal(t, uint32(0xfffff0f0), m.R[0])
		require.Equal(t, uint32(0xfffffff0), m.R[2])
		require.Equal(t, uint32(0xfffff0f0), m.R[3])
	})

	t.Run("push and pop", func(t *testing.T) {
		m := run(t, func(a *arm.AssemblerImpl) {
			a.CompileRegisterList(arm.PUSH, asm.NilRegister, arm.NewRegisterList(arm.REG_R0, arm.REG_R1))
			a.CompileRegisterList(arm.PUSH, asm.NilRegister, arm.NewRegisterList(arm.REG_R2))
			a.CompileRegisterList(arm.POP, asm.NilRegister, arm.NewRegisterList(arm.REG_R0))
			a.CompileRegisterList(arm.POP, asm.NilRegister, arm.NewRegisterList(arm.REG_R1, arm.REG_R2))
		}, 1, 2, 3)
		require.Equal(t, [3]uint32{3, 1, 2}, [3]uint32{m.R[0], m.R[1], m.R[2]})
		require.Equal(t, uint32(stackAddr), m.R[13])
	})

	t.Run("store multiple", func(t *testing.T) {
		m := run(t, func(a *arm.AssemblerImpl) {
			a.CompileRegisterList(arm.STM, arm.REG_R0, arm.NewRegisterList(arm.REG_R1, arm.REG_R2))
		}, dataAddr, 7, 9)
		v, err := m.Mem.Read64(dataAddr)
		require.NoError(t, err)
		require.Equal(t, uint64(9)<<32|7, v)
	})

	t.Run("null page faults", func(t *testing.T) {
		a := arm.NewAssembler()
		a.CompileMemoryToRegister(arm.LDR, arm.REG_R0, 0, arm.REG_R0)
		var seg asm.CodeSegment
		buf := seg.Next()
		require.NoError(t, a.Assemble(buf))
		m := New(NewMemory(0x10000))
		require.NoError(t, m.Mem.Load(codeAddr, buf.Bytes()))
		err := m.Call(codeAddr, 8)
		var fault *Fault
		require.True(t, errors.As(err, &fault))
		require.Equal(t, "null page", fault.Reason)
	})
}

func TestMachine_Float(t *testing.T) {
	f := math.Float64bits
	tests := []struct {
		name string
		body func(a *arm.AssemblerImpl)
		args []uint32
		d1   float64
		exp  func(t *testing.T, m *Machine)
	}{
		{
			name: "arithmetic through core registers",
			body: func(a *arm.AssemblerImpl) {
				a.CompileTwoRegistersToRegister(arm.VMOVDRR, arm.REG_R0, arm.REG_R1, arm.REG_D0)
				a.CompileTwoRegistersToRegister(arm.VMOVDRR, arm.REG_R2, arm.REG_R3, arm.REG_D1)
				a.CompileTwoRegistersToRegister(arm.VDIV, arm.REG_D0, arm.REG_D1, arm.REG_D2)
				a.CompileFloatToTwoRegisters(arm.REG_D2, arm.REG_R0, arm.REG_R1)
			},
			args: []uint32{uint32(f(7)), uint32(f(7) >> 32), uint32(f(2)), uint32(f(2) >> 32)},
			exp: func(t *testing.T, m *Machine) {
				require.Equal(t, 3.5, math.Float64frombits(uint64(m.R[1])<<32|uint64(m.R[0])))
			},
		},
		{
			name: "truncating conversion",
			body: func(a *arm.AssemblerImpl) {
				a.CompileRegisterToRegister(arm.VCVTIF, arm.REG_D1, arm.REG_S(0))
				a.CompileRegisterToRegister(arm.VMOVRS, arm.REG_S(0), arm.REG_R0)
			},
			d1: -2.9,
			exp: func(t *testing.T, m *Machine) {
				require.Equal(t, uint32(0xfffffffe), m.R[0])
			},
		},
		{
			name: "unordered compare",
			d1:   math.NaN(),
			body: func(a *arm.AssemblerImpl) {
				a.CompileTwoRegistersToNone(arm.VCMP, arm.REG_D0, arm.REG_D1)
				a.CompileStandAlone(arm.VMRS)
				a.CompileConstToRegister(arm.MOV, 0, arm.REG_R0)
				a.CompileConditionalConstToRegister(arm.COND_VS, 1, arm.REG_R0)
			},
			exp: func(t *testing.T, m *Machine) {
				require.Equal(t, uint32(1), m.R[0])
			},
		},
		{
			name: "vpush and vpop",
			d1:   math.NaN(),
			body: func(a *arm.AssemblerImpl) {
				a.CompileVFPRegisterList(arm.VPUSH, asm.NilRegister, arm.REG_D0, 2)
				a.CompileRegisterToRegister(arm.VMOV, arm.REG_D2, arm.REG_D0)
				a.CompileMemoryToRegister(arm.VLDR, arm.REG_SP, 8, arm.REG_D3)
				a.CompileVFPRegisterList(arm.VPOP, asm.NilRegister, arm.REG_D0, 1)
				a.CompileRegisterAndConstToRegister(arm.ADD, arm.REG_SP, 8, arm.REG_SP)
			},
			exp: func(t *testing.T, m *Machine) {
				require.Equal(t, -2.5, m.F(0))
				require.True(t, math.IsNaN(m.F(3)))
				require.Equal(t, uint32(stackAddr), m.R[13])
			},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			a := arm.NewAssembler()
			tc.body(a)
			a.CompileJumpToRegister(arm.BX, arm.REG_LR)
			var seg asm.CodeSegment
			buf := seg.Next()
			require.NoError(t, a.Assemble(buf))

			m := New(NewMemory(0x10000))
			require.NoError(t, m.Mem.Load(codeAddr, buf.Bytes()))
			m.R[13] = stackAddr
			m.SetF(0, -2.5)
			m.SetF(1, tc.d1)
			m.SetF(2, 4)
			require.NoError(t, m.Call(codeAddr, tc.args...))
			tc.exp(t, m)
		})
	}
}

func TestMachine_Branches(t *testing.T) {
	t.Run("loop", func(t *testing.T) {
		m := run(t, func(a *arm.AssemblerImpl) {
			a.CompileConstToRegister(arm.MOV, 0, arm.REG_R1)
			head := a.CompileStandAlone(arm.NOP)
			a.CompileTwoRegistersToRegister(arm.ADD, arm.REG_R1, arm.REG_R0, arm.REG_R1)
			a.CompileRegisterAndConstToRegister(arm.SUBS, arm.REG_R0, 1, arm.REG_R0)
			back := a.CompileConditionalJump(arm.COND_NE)
			back.AssignJumpTarget(head)
			a.CompileRegisterToRegister(arm.MOV, arm.REG_R1, arm.REG_R0)
		}, 10)
		require.Equal(t, uint32(55), m.R[0])
	})

	t.Run("long branch", func(t *testing.T) {
		m := run(t, func(a *arm.AssemblerImpl) {
			a.BranchReach = 16
			j := a.CompileJump(arm.B)
			a.CompileConstToRegister(arm.MOV, 1, arm.REG_R0)
			for i := 0; i < 8; i++ {
				a.CompileStandAlone(arm.NOP)
			}
			j.AssignJumpTarget(a.CompileConstToRegister(arm.MOV, 2, arm.REG_R1))
		})
		require.Equal(t, uint32(0), m.R[0])
		require.Equal(t, uint32(2), m.R[1])
	})

	t.Run("hook", func(t *testing.T) {
		a := arm.NewAssembler()
		a.CompileRegisterList(arm.PUSH, asm.NilRegister, arm.NewRegisterList(arm.REG_R4, arm.REG_LR))
		loadHook := a.CompileLoadConstant(0, arm.REG_IP)
		a.CompileJumpToRegister(arm.BLX, arm.REG_IP)
		a.CompileRegisterAndConstToRegister(arm.ADD, arm.REG_R0, 1, arm.REG_R0)
		a.CompileRegisterList(arm.POP, asm.NilRegister, arm.NewRegisterList(arm.REG_R4, arm.REG_PC))

		m := New(NewMemory(0x10000))
		m.R[13] = stackAddr
		hook := m.AddHook(func(m *Machine) error {
			m.R[0] *= 10
			return nil
		})
		loadHook.AssignSourceConstant(int64(hook))

		var seg asm.CodeSegment
		buf := seg.Next()
		require.NoError(t, a.Assemble(buf))
		require.NoError(t, m.Mem.Load(codeAddr, buf.Bytes()))
		require.NoError(t, m.Call(codeAddr, 4))
		require.Equal(t, uint32(41), m.R[0])
	})

	t.Run("breakpoint", func(t *testing.T) {
		a := arm.NewAssembler()
		a.CompileStandAlone(arm.BKPT)
		var seg asm.CodeSegment
		buf := seg.Next()
		require.NoError(t, a.Assemble(buf))
		m := New(NewMemory(0x10000))
		require.NoError(t, m.Mem.Load(codeAddr, buf.Bytes()))
		require.ErrorIs(t, m.Call(codeAddr), ErrBreakpoint)
	})

	t.Run("step limit", func(t *testing.T) {
		a := arm.NewAssembler()
		self := a.CompileJump(arm.B)
		self.AssignJumpTarget(self)
		var seg asm.CodeSegment
		buf := seg.Next()
		require.NoError(t, a.Assemble(buf))
		m := New(NewMemory(0x10000))
		m.MaxSteps = 100
		require.NoError(t, m.Mem.Load(codeAddr, buf.Bytes()))
		require.ErrorIs(t, m.Call(codeAddr), ErrStepLimit)
	})
}
