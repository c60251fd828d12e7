package arm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/armjit/internal/asm"
)

func assemble(t *testing.T, a *AssemblerImpl) []uint32 {
	t.Helper()
	var seg asm.CodeSegment
	buf := seg.Next()
	require.NoError(t, a.Assemble(buf))
	code := buf.Bytes()
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[4*i:])
	}
	return words
}

func TestNodeImpl_String(t *testing.T) {
	tests := []struct {
		in  *NodeImpl
		exp string
	}{
		{in: &NodeImpl{Instruction: NOP, Types: OperandTypesNoneToNone}, exp: "NOP"},
		{in: &NodeImpl{Instruction: DATA, Types: OperandTypesNoneToNone, SrcConst: 0x10}, exp: "WORD 0x10"},
		{in: &NodeImpl{Instruction: BLX, Types: OperandTypesNoneToRegister, DstReg: REG_IP}, exp: "BLX ip"},
		{in: &NodeImpl{Instruction: B, Cond: COND_NE, Types: OperandTypesNoneToBranch, JumpTarget: &NodeImpl{Instruction: NOP}}, exp: "BNE {NOP}"},
		{in: &NodeImpl{Instruction: MOVW, Types: OperandTypesConstToRegister, SrcConst: 0x1234, DstReg: REG_R0}, exp: "MOVW 0x1234, r0"},
		{in: &NodeImpl{Instruction: ADD, Types: OperandTypesTwoRegistersToRegister, SrcReg: REG_R0, SrcReg2: REG_R8, DstReg: REG_R10}, exp: "ADD (r0, r8), r10"},
		{in: &NodeImpl{Instruction: SUB, Types: OperandTypesRegisterAndConstToRegister, SrcReg: REG_SP, SrcConst: 8, DstReg: REG_SP}, exp: "SUB (sp, 0x8), sp"},
		{in: &NodeImpl{Instruction: CMP, Types: OperandTypesShiftedRegisterToNone, SrcReg: REG_R1, SrcReg2: REG_R2, Shift: SHIFT_ASR, ShiftAmount: 31}, exp: "CMP (r1, r2 asr 31)"},
		{in: &NodeImpl{Instruction: LDR, Types: OperandTypesMemoryToRegister, SrcReg: REG_FP, SrcConst: 0x40, DstReg: REG_R4}, exp: "LDR [fp + 0x40], r4"},
		{in: &NodeImpl{Instruction: STRB, Types: OperandTypesRegisterToMemory, SrcReg: REG_R1, DstReg: REG_R2, DstReg2: REG_R3, ShiftAmount: 0}, exp: "STRB r1, [r2 + r3 << 0]"},
		{in: &NodeImpl{Instruction: PUSH, Types: OperandTypesRegisterList, RegList: NewRegisterList(REG_R4, REG_LR)}, exp: "PUSH {r4, lr}"},
		{in: &NodeImpl{Instruction: VPUSH, Types: OperandTypesVFPRegisterList, DstReg: REG_D8, RegCount: 8}, exp: "VPUSH {d8-d15}"},
		{in: &NodeImpl{Instruction: VMOVRRD, Types: OperandTypesRegisterToTwoRegisters, SrcReg: REG_D1, DstReg: REG_R0, DstReg2: REG_R1}, exp: "VMOVRRD d1, (r0, r1)"},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.exp, func(t *testing.T) {
			require.Equal(t, tc.exp, tc.in.String())
		})
	}
}

func TestAssemblerImpl_EncodeNode(t *testing.T) {
	tests := []struct {
		name  string
		setup func(a *AssemblerImpl)
		exp   []uint32
	}{
		{name: "nop", setup: func(a *AssemblerImpl) { a.CompileStandAlone(NOP) }, exp: []uint32{0xe320f000}},
		{name: "bkpt", setup: func(a *AssemblerImpl) { a.CompileStandAlone(BKPT) }, exp: []uint32{0xe1200070}},
		{name: "vmrs", setup: func(a *AssemblerImpl) { a.CompileStandAlone(VMRS) }, exp: []uint32{0xeef1fa10}},
		{name: "word", setup: func(a *AssemblerImpl) { a.CompileData(0xdeadbeef) }, exp: []uint32{0xdeadbeef}},
		{name: "mov r0, r1", setup: func(a *AssemblerImpl) { a.CompileRegisterToRegister(MOV, REG_R1, REG_R0) }, exp: []uint32{0xe1a00001}},
		{name: "mov r0, #255", setup: func(a *AssemblerImpl) { a.CompileConstToRegister(MOV, 255, REG_R0) }, exp: []uint32{0xe3a000ff}},
		{name: "mov r0, #0x3f0", setup: func(a *AssemblerImpl) { a.CompileConstToRegister(MOV, 0x3f0, REG_R0) }, exp: []uint32{0xe3a00e3f}},
		{name: "moveq r0, #1", setup: func(a *AssemblerImpl) { a.CompileConditionalConstToRegister(COND_EQ, 1, REG_R0) }, exp: []uint32{0x03a00001}},
		{name: "movw r0, #0x1234", setup: func(a *AssemblerImpl) { a.CompileConstToRegister(MOVW, 0x1234, REG_R0) }, exp: []uint32{0xe3010234}},
		{name: "movt r0, #0x1234", setup: func(a *AssemblerImpl) { a.CompileConstToRegister(MOVT, 0x1234, REG_R0) }, exp: []uint32{0xe3410234}},
		{name: "loadconst small", setup: func(a *AssemblerImpl) { a.CompileLoadConstant(4, REG_R2) }, exp: []uint32{0xe3a02004}},
		{name: "loadconst negative", setup: func(a *AssemblerImpl) { a.CompileLoadConstant(-1, REG_R2) }, exp: []uint32{0xe3e02000}},
		{name: "loadconst 16 bit", setup: func(a *AssemblerImpl) { a.CompileLoadConstant(0x1234, REG_R2) }, exp: []uint32{0xe3012234}},
		{name: "loadconst 32 bit", setup: func(a *AssemblerImpl) { a.CompileLoadConstant(0x12345678, REG_R2) }, exp: []uint32{0xe3052678, 0xe3412234}},
		{name: "add r10, r0, r8", setup: func(a *AssemblerImpl) { a.CompileTwoRegistersToRegister(ADD, REG_R0, REG_R8, REG_R10) }, exp: []uint32{0xe080a008}},
		{name: "adds r0, r1, r2", setup: func(a *AssemblerImpl) { a.CompileTwoRegistersToRegister(ADDS, REG_R1, REG_R2, REG_R0) }, exp: []uint32{0xe0910002}},
		{name: "sub sp, sp, #8", setup: func(a *AssemblerImpl) { a.CompileRegisterAndConstToRegister(SUB, REG_SP, 8, REG_SP) }, exp: []uint32{0xe24dd008}},
		{name: "and r0, r0, #255", setup: func(a *AssemblerImpl) { a.CompileRegisterAndConstToRegister(AND, REG_R0, 0xff, REG_R0) }, exp: []uint32{0xe20000ff}},
		{name: "lsl r0, r1, #3", setup: func(a *AssemblerImpl) { a.CompileRegisterAndConstToRegister(LSL, REG_R1, 3, REG_R0) }, exp: []uint32{0xe1a00181}},
		{name: "asr r0, r1, #32", setup: func(a *AssemblerImpl) { a.CompileRegisterAndConstToRegister(ASR, REG_R1, 32, REG_R0) }, exp: []uint32{0xe1a00041}},
		{name: "lsl r0, r1, r2", setup: func(a *AssemblerImpl) { a.CompileTwoRegistersToRegister(LSL, REG_R1, REG_R2, REG_R0) }, exp: []uint32{0xe1a00211}},
		{name: "mul r0, r1, r2", setup: func(a *AssemblerImpl) { a.CompileTwoRegistersToRegister(MUL, REG_R1, REG_R2, REG_R0) }, exp: []uint32{0xe0000291}},
		{name: "smull r3, r1, r2, r3", setup: func(a *AssemblerImpl) { a.CompileTwoRegistersToTwoRegisters(SMULL, REG_R2, REG_R3, REG_R3, REG_R1) }, exp: []uint32{0xe0c13392}},
		{name: "cmp r0, r1", setup: func(a *AssemblerImpl) { a.CompileTwoRegistersToNone(CMP, REG_R0, REG_R1) }, exp: []uint32{0xe1500001}},
		{name: "cmp r1, r0, asr #31", setup: func(a *AssemblerImpl) { a.CompileShiftedRegisterToNone(CMP, REG_R1, REG_R0, SHIFT_ASR, 31) }, exp: []uint32{0xe1510fc0}},
		{name: "cmp r0, #0", setup: func(a *AssemblerImpl) { a.CompileRegisterAndConstToNone(CMP, REG_R0, 0) }, exp: []uint32{0xe3500000}},
		{name: "tst r0, #1", setup: func(a *AssemblerImpl) { a.CompileRegisterAndConstToNone(TST, REG_R0, 1) }, exp: []uint32{0xe3100001}},
		{name: "ldr r0, [r1, #4]", setup: func(a *AssemblerImpl) { a.CompileMemoryToRegister(LDR, REG_R1, 4, REG_R0) }, exp: []uint32{0xe5910004}},
		{name: "ldr r0, [r1, #-4]", setup: func(a *AssemblerImpl) { a.CompileMemoryToRegister(LDR, REG_R1, -4, REG_R0) }, exp: []uint32{0xe5110004}},
		{name: "str r0, [r1]", setup: func(a *AssemblerImpl) { a.CompileRegisterToMemory(STR, REG_R0, REG_R1, 0) }, exp: []uint32{0xe5810000}},
		{name: "ldrb r0, [r1]", setup: func(a *AssemblerImpl) { a.CompileMemoryToRegister(LDRB, REG_R1, 0, REG_R0) }, exp: []uint32{0xe5d10000}},
		{name: "ldr r0, [r1, r2, lsl #2]", setup: func(a *AssemblerImpl) {
			a.CompileMemoryWithRegisterOffsetToRegister(LDR, REG_R1, REG_R2, 2, REG_R0)
		}, exp: []uint32{0xe7910102}},
		{name: "ldrh r0, [r1, #2]", setup: func(a *AssemblerImpl) { a.CompileMemoryToRegister(LDRH, REG_R1, 2, REG_R0) }, exp: []uint32{0xe1d100b2}},
		{name: "ldrh r0, [r1, r2]", setup: func(a *AssemblerImpl) {
			a.CompileMemoryWithRegisterOffsetToRegister(LDRH, REG_R1, REG_R2, 0, REG_R0)
		}, exp: []uint32{0xe19100b2}},
		{name: "ldrsb r0, [r1, #1]", setup: func(a *AssemblerImpl) { a.CompileMemoryToRegister(LDRSB, REG_R1, 1, REG_R0) }, exp: []uint32{0xe1d100d1}},
		{name: "strh r0, [r1, #2]", setup: func(a *AssemblerImpl) { a.CompileRegisterToMemory(STRH, REG_R0, REG_R1, 2) }, exp: []uint32{0xe1c100b2}},
		{name: "push {r4, lr}", setup: func(a *AssemblerImpl) {
			a.CompileRegisterList(PUSH, asm.NilRegister, NewRegisterList(REG_R4, REG_LR))
		}, exp: []uint32{0xe92d4010}},
		{name: "push {ip}", setup: func(a *AssemblerImpl) {
			a.CompileRegisterList(PUSH, asm.NilRegister, NewRegisterList(REG_IP))
		}, exp: []uint32{0xe52dc004}},
		{name: "pop {ip}", setup: func(a *AssemblerImpl) {
			a.CompileRegisterList(POP, asm.NilRegister, NewRegisterList(REG_IP))
		}, exp: []uint32{0xe49dc004}},
		{name: "pop {r4, pc}", setup: func(a *AssemblerImpl) {
			a.CompileRegisterList(POP, asm.NilRegister, NewRegisterList(REG_R4, REG_PC))
		}, exp: []uint32{0xe8bd8010}},
		{name: "stm lr, {r0-r3}", setup: func(a *AssemblerImpl) {
			a.CompileRegisterList(STM, REG_LR, NewRegisterList(REG_R0, REG_R1, REG_R2, REG_R3))
		}, exp: []uint32{0xe88e000f}},
		{name: "blx ip", setup: func(a *AssemblerImpl) { a.CompileJumpToRegister(BLX, REG_IP) }, exp: []uint32{0xe12fff3c}},
		{name: "bx lr", setup: func(a *AssemblerImpl) { a.CompileJumpToRegister(BX, REG_LR) }, exp: []uint32{0xe12fff1e}},
		{name: "vadd d0, d1, d2", setup: func(a *AssemblerImpl) { a.CompileTwoRegistersToRegister(VADD, REG_D1, REG_D2, REG_D0) }, exp: []uint32{0xee310b02}},
		{name: "vdiv d0, d1, d2", setup: func(a *AssemblerImpl) { a.CompileTwoRegistersToRegister(VDIV, REG_D1, REG_D2, REG_D0) }, exp: []uint32{0xee810b02}},
		{name: "vcmp d0, d1", setup: func(a *AssemblerImpl) { a.CompileTwoRegistersToNone(VCMP, REG_D0, REG_D1) }, exp: []uint32{0xeeb40b41}},
		{name: "vmov d0, d1", setup: func(a *AssemblerImpl) { a.CompileRegisterToRegister(VMOV, REG_D1, REG_D0) }, exp: []uint32{0xeeb00b41}},
		{name: "vmov d0, r0, r1", setup: func(a *AssemblerImpl) { a.CompileTwoRegistersToRegister(VMOVDRR, REG_R0, REG_R1, REG_D0) }, exp: []uint32{0xec410b10}},
		{name: "vmov r0, r1, d0", setup: func(a *AssemblerImpl) { a.CompileFloatToTwoRegisters(REG_D0, REG_R0, REG_R1) }, exp: []uint32{0xec510b10}},
		{name: "vmov s1, r0", setup: func(a *AssemblerImpl) { a.CompileRegisterToRegister(VMOVSR, REG_R0, REG_S(1)) }, exp: []uint32{0xee000a90}},
		{name: "vcvt.s32.f64 s0, d1", setup: func(a *AssemblerImpl) { a.CompileRegisterToRegister(VCVTIF, REG_D1, REG_S(0)) }, exp: []uint32{0xeebd0bc1}},
		{name: "vcvt.f64.s32 d0, s1", setup: func(a *AssemblerImpl) { a.CompileRegisterToRegister(VCVTFI, REG_S(1), REG_D0) }, exp: []uint32{0xeeb80be0}},
		{name: "vldr d8, [fp, #64]", setup: func(a *AssemblerImpl) { a.CompileMemoryToRegister(VLDR, REG_FP, 64, REG_D8) }, exp: []uint32{0xed9b8b10}},
		{name: "vstr d0, [sp, #-8]", setup: func(a *AssemblerImpl) { a.CompileRegisterToMemory(VSTR, REG_D0, REG_SP, -8) }, exp: []uint32{0xed0d0b02}},
		{name: "vpush {d8-d15}", setup: func(a *AssemblerImpl) { a.CompileVFPRegisterList(VPUSH, asm.NilRegister, REG_D8, 8) }, exp: []uint32{0xed2d8b10}},
		{name: "vpop {d8-d15}", setup: func(a *AssemblerImpl) { a.CompileVFPRegisterList(VPOP, asm.NilRegister, REG_D8, 8) }, exp: []uint32{0xecbd8b10}},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			a := NewAssembler()
			tc.setup(a)
			require.Equal(t, tc.exp, assemble(t, a))
		})
	}
}

func TestAssemblerImpl_EncodeNode_errors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(a *AssemblerImpl)
		expErr string
	}{
		{
			name:   "immediate not encodable",
			setup:  func(a *AssemblerImpl) { a.CompileRegisterAndConstToRegister(ADD, REG_R0, 0x101, REG_R0) },
			expErr: "operand not encodable: ADD (r0, 0x101), r0",
		},
		{
			name:   "offset out of range",
			setup:  func(a *AssemblerImpl) { a.CompileMemoryToRegister(LDRH, REG_R0, 256, REG_R1) },
			expErr: "memory offset out of range: LDRH [r0 + 0x100], r1",
		},
		{
			name:   "double register for core op",
			setup:  func(a *AssemblerImpl) { a.CompileTwoRegistersToRegister(ADD, REG_D0, REG_R1, REG_R2) },
			expErr: "operands must be core registers: ADD (d0, r1), r2",
		},
		{
			name:   "jump target missing",
			setup:  func(a *AssemblerImpl) { a.CompileJump(B) },
			expErr: "jump target must be assigned: B {<nil>}",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			a := NewAssembler()
			tc.setup(a)
			var seg asm.CodeSegment
			err := a.Assemble(seg.Next())
			require.EqualError(t, err, tc.expErr)
		})
	}
}

func TestAssemblerImpl_Branches(t *testing.T) {
	t.Run("forward and backward", func(t *testing.T) {
		a := NewAssembler()
		top := a.CompileStandAlone(NOP)
		fwd := a.CompileConditionalJump(COND_NE)
		a.CompileStandAlone(NOP)
		back := a.CompileJump(B)
		back.AssignJumpTarget(top)
		a.SetJumpTargetOnNext(fwd)
		a.CompileStandAlone(NOP)

		words := assemble(t, a)
		require.Equal(t, []uint32{
			0xe320f000,
			0x1a000001, // bne +4 words from pc
			0xe320f000,
			0xeafffffb, // b top
			0xe320f000,
		}, words)
	})

	t.Run("pending target lands on trailing nop", func(t *testing.T) {
		a := NewAssembler()
		j := a.CompileConditionalJump(COND_EQ)
		a.SetJumpTargetOnNext(j)
		words := assemble(t, a)
		require.Equal(t, []uint32{0x0affffff, 0xe320f000}, words)
	})

	t.Run("long forms", func(t *testing.T) {
		a := NewAssembler()
		a.BranchReach = 16
		cond := a.CompileConditionalJump(COND_EQ)
		always := a.CompileJump(B)
		for i := 0; i < 8; i++ {
			a.CompileStandAlone(NOP)
		}
		target := a.CompileStandAlone(BKPT)
		cond.AssignJumpTarget(target)
		always.AssignJumpTarget(target)

		words := assemble(t, a)
		require.True(t, cond.(*NodeImpl).Long)
		require.True(t, always.(*NodeImpl).Long)

		// Conditional: skip the long jump if NE, then ip = target - (P+16).
		require.Equal(t, uint32(0x1a000002), words[0])
		require.Equal(t, uint32(ldrIPFromPC), words[1])
		require.Equal(t, uint32(addPCIP), words[2])
		targetOffset := int64(target.OffsetInBinary())
		require.Equal(t, uint32(targetOffset-16), words[3])
		// Unconditional at 16.
		require.Equal(t, uint32(ldrIPFromPC), words[4])
		require.Equal(t, uint32(addPCIP), words[5])
		require.Equal(t, uint32(targetOffset-(16+12)), words[6])
		require.Equal(t, uint32(0xe1200070), words[len(words)-1])
	})

	t.Run("assemble is idempotent", func(t *testing.T) {
		a := NewAssembler()
		a.BranchReach = 64
		j := a.CompileJump(B)
		for i := 0; i < 40; i++ {
			a.CompileStandAlone(NOP)
		}
		j.AssignJumpTarget(a.CompileStandAlone(NOP))

		first := assemble(t, a)
		second := assemble(t, a)
		require.Equal(t, first, second)
	})
}

func TestAssemblerImpl_CompileAddressOf(t *testing.T) {
	a := NewAssembler()
	adr := a.CompileAddressOf(nil, REG_LR)
	a.CompileStandAlone(NOP)
	data := a.CompileData(7)
	adr.AssignJumpTarget(data)

	words := assemble(t, a)
	// data is at 16, and the ADD reads pc as 8+8.
	require.Equal(t, []uint32{0xe300e000, 0xe340e000, 0xe08fe00e, 0xe320f000, 7}, words)
}

func TestAssemblerImpl_OnGenerateCallback(t *testing.T) {
	a := NewAssembler()
	a.CompileStandAlone(NOP)
	var got int
	a.AddOnGenerateCallBack(func(code []byte) error {
		got = len(code)
		return nil
	})
	assemble(t, a)
	require.Equal(t, 4, got)
}

func TestAssemblerImpl_Dump(t *testing.T) {
	a := NewAssembler()
	a.CompileTwoRegistersToRegister(ADD, REG_R1, REG_R2, REG_R0)
	a.CompileJumpToRegister(BX, REG_LR)
	assemble(t, a)

	var out bytes.Buffer
	a.Dump(&out)
	require.Contains(t, out.String(), "ADD (r1, r2), r0")
	require.Contains(t, out.String(), "BX lr")
	require.Equal(t, 2, bytes.Count(out.Bytes(), []byte("\n")))
}

func TestEncodeImmediate(t *testing.T) {
	for _, tc := range []struct {
		v   uint32
		exp uint32
		ok  bool
	}{
		{v: 0, exp: 0, ok: true},
		{v: 0xff, exp: 0xff, ok: true},
		{v: 0x100, exp: 0xc01, ok: true},
		{v: 0xff000000, exp: 0x4ff, ok: true},
		{v: 0xf000000f, exp: 0x2ff, ok: true},
		{v: 0x101, ok: false},
		{v: 0xffffffff, ok: false},
	} {
		t.Run(fmt.Sprintf("0x%x", tc.v), func(t *testing.T) {
			imm, ok := EncodeImmediate(tc.v)
			require.Equal(t, tc.ok, ok)
			if ok {
				require.Equal(t, tc.exp, imm)
			}
		})
	}
}

func TestInvertCondition(t *testing.T) {
	pairs := [][2]asm.ConditionalRegisterState{
		{COND_EQ, COND_NE}, {COND_HS, COND_LO}, {COND_MI, COND_PL}, {COND_VS, COND_VC},
		{COND_HI, COND_LS}, {COND_GE, COND_LT}, {COND_GT, COND_LE},
	}
	for _, p := range pairs {
		require.Equal(t, p[1], InvertCondition(p[0]))
		require.Equal(t, p[0], InvertCondition(p[1]))
	}
	require.Panics(t, func() { InvertCondition(COND_AL) })
}
