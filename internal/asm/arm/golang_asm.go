package arm

import (
	"strings"

	"github.com/twitchyliquid64/golang-asm/obj"
	goarm "github.com/twitchyliquid64/golang-asm/obj/arm"

	"github.com/tetratelabs/armjit/internal/asm"
)

// castAsGolangAsmInstruction maps our instructions onto the Go assembler ones.
// Instructions without a Go counterpart are listed with their own name.
var castAsGolangAsmInstruction = map[asm.Instruction]obj.As{
	NOP:    obj.ANOP,
	B:      obj.AJMP,
	BX:     obj.AJMP,
	BLX:    obj.ACALL,
	MOV:    goarm.AMOVW,
	MVN:    goarm.AMVN,
	MOVW:   goarm.AMOVW,
	AND:    goarm.AAND,
	EOR:    goarm.AEOR,
	SUB:    goarm.ASUB,
	SUBS:   goarm.ASUB,
	RSB:    goarm.ARSB,
	RSBS:   goarm.ARSB,
	ADD:    goarm.AADD,
	ADDS:   goarm.AADD,
	ADC:    goarm.AADC,
	SBC:    goarm.ASBC,
	ORR:    goarm.AORR,
	BIC:    goarm.ABIC,
	CMP:    goarm.ACMP,
	CMN:    goarm.ACMN,
	TST:    goarm.ATST,
	TEQ:    goarm.ATEQ,
	LSL:    goarm.ASLL,
	LSR:    goarm.ASRL,
	ASR:    goarm.ASRA,
	MUL:    goarm.AMUL,
	SMULL:  goarm.AMULL,
	UMULL:  goarm.AMULLU,
	LDR:    goarm.AMOVW,
	STR:    goarm.AMOVW,
	LDRB:   goarm.AMOVBU,
	STRB:   goarm.AMOVB,
	LDRSB:  goarm.AMOVB,
	LDRH:   goarm.AMOVHU,
	STRH:   goarm.AMOVH,
	LDRSH:  goarm.AMOVH,
	STM:    goarm.AMOVM,
	LDM:    goarm.AMOVM,
	PUSH:   goarm.AMOVM,
	POP:    goarm.AMOVM,
	VADD:   goarm.AADDD,
	VSUB:   goarm.ASUBD,
	VMUL:   goarm.AMULD,
	VDIV:   goarm.ADIVD,
	VNEG:   goarm.ANEGD,
	VABS:   goarm.AABSD,
	VSQRT:  goarm.ASQRTD,
	VCMP:   goarm.ACMPD,
	VMOV:   goarm.AMOVD,
	VLDR:   goarm.AMOVD,
	VSTR:   goarm.AMOVD,
	VCVTIF: goarm.AMOVDW,
	VCVTFI: goarm.AMOVWD,
	VCVTSD: goarm.AMOVDF,
	VCVTDS: goarm.AMOVFD,
}

// castAsGolangAsmRegister maps a register onto the Go assembler numbering,
// where double precision registers are named F0-F15.
func castAsGolangAsmRegister(r asm.Register) int16 {
	switch {
	case IsCoreRegister(r):
		return goarm.REG_R0 + int16(RegisterNumber(r))
	case IsDoubleRegister(r):
		return goarm.REG_F0 + int16(RegisterNumber(r))
	}
	return 0
}

func goRegisterName(r asm.Register) string {
	if IsSingleRegister(r) {
		return RegisterName(r)
	}
	if reg := castAsGolangAsmRegister(r); reg != 0 {
		return obj.Rconv(int(reg))
	}
	return RegisterName(r)
}

// GoSyntax returns n in the Go assembler spelling: operands are ordered from
// sources to destination, and the condition is a dot suffix.
func GoSyntax(n *NodeImpl) string {
	var b strings.Builder
	if as, ok := castAsGolangAsmInstruction[n.Instruction]; ok {
		b.WriteString(as.String())
	} else {
		b.WriteString(InstructionName(n.Instruction))
	}
	if c := ConditionName(n.Cond); c != "" {
		b.WriteString(".")
		b.WriteString(c)
	}

	var operands []string
	reg := func(r asm.Register) {
		if r != asm.NilRegister {
			operands = append(operands, goRegisterName(r))
		}
	}
	switch n.Types {
	case OperandTypesNoneToRegister:
		operands = append(operands, "("+goRegisterName(n.DstReg)+")")
	case OperandTypesRegisterToRegister:
		reg(n.SrcReg)
		reg(n.DstReg)
	case OperandTypesTwoRegistersToRegister, OperandTypesShiftedRegisterToRegister,
		OperandTypesRegisterShiftedByRegisterToRegister:
		reg(n.SrcReg2)
		reg(n.SrcReg)
		reg(n.DstReg)
	case OperandTypesTwoRegistersToNone, OperandTypesShiftedRegisterToNone:
		reg(n.SrcReg2)
		reg(n.SrcReg)
	case OperandTypesTwoRegistersToTwoRegisters:
		reg(n.SrcReg2)
		reg(n.SrcReg)
		operands = append(operands, "("+goRegisterName(n.DstReg2)+", "+goRegisterName(n.DstReg)+")")
	case OperandTypesMemoryToRegister:
		operands = append(operands, goMemory(n.SrcReg, n.SrcReg2, n.SrcConst))
		reg(n.DstReg)
	case OperandTypesRegisterToMemory:
		reg(n.SrcReg)
		operands = append(operands, goMemory(n.DstReg, n.DstReg2, n.DstConst))
	case OperandTypesRegisterList:
		operands = append(operands, goRegisterList(n.RegList))
	}
	if len(operands) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(operands, ", "))
	}
	return b.String()
}

func goMemory(base, index asm.Register, offset asm.ConstantValue) string {
	if index != asm.NilRegister {
		return "(" + goRegisterName(base) + ")(" + goRegisterName(index) + ")"
	}
	return obj.Dconv(nil, &obj.Addr{Type: obj.TYPE_MEM, Reg: castAsGolangAsmRegister(base), Offset: offset})
}

func goRegisterList(l RegisterList) string {
	var regs []string
	for i := 0; i < 16; i++ {
		if l&(1<<i) != 0 {
			regs = append(regs, goRegisterName(CoreRegister(i)))
		}
	}
	return "[" + strings.Join(regs, ",") + "]"
}
