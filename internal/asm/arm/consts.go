package arm

import (
	"fmt"

	"github.com/tetratelabs/armjit/internal/asm"
)

// ARMv7 condition codes. The encoding of COND_X in an instruction is COND_X-1.
// https://developer.arm.com/documentation/ddi0406/c/Application-Level-Architecture/Instruction-Details/Conditional-execution
const (
	COND_EQ asm.ConditionalRegisterState = asm.ConditionalRegisterStateUnset + 1 + iota
	COND_NE
	COND_HS
	COND_LO
	COND_MI
	COND_PL
	COND_VS
	COND_VC
	COND_HI
	COND_LS
	COND_GE
	COND_LT
	COND_GT
	COND_LE
	COND_AL
)

// condBits returns the 4-bit encoding of the condition. Unset means "always".
func condBits(c asm.ConditionalRegisterState) uint32 {
	if c == asm.ConditionalRegisterStateUnset {
		return 0xe
	}
	return uint32(c - COND_EQ)
}

// InvertCondition returns the condition that holds exactly when c does not.
// The inverse of COND_AL is undefined and panics.
func InvertCondition(c asm.ConditionalRegisterState) asm.ConditionalRegisterState {
	if c == COND_AL || c == asm.ConditionalRegisterStateUnset {
		panic("BUG: cannot invert the always condition")
	}
	// Conditions come in pairs differing only in the lowest encoding bit.
	return COND_EQ + asm.ConditionalRegisterState(condBits(c)^1)
}

// ConditionName returns the mnemonic suffix of the condition.
func ConditionName(c asm.ConditionalRegisterState) string {
	switch c {
	case COND_EQ:
		return "EQ"
	case COND_NE:
		return "NE"
	case COND_HS:
		return "HS"
	case COND_LO:
		return "LO"
	case COND_MI:
		return "MI"
	case COND_PL:
		return "PL"
	case COND_VS:
		return "VS"
	case COND_VC:
		return "VC"
	case COND_HI:
		return "HI"
	case COND_LS:
		return "LS"
	case COND_GE:
		return "GE"
	case COND_LT:
		return "LT"
	case COND_GT:
		return "GT"
	case COND_LE:
		return "LE"
	case COND_AL, asm.ConditionalRegisterStateUnset:
		return ""
	}
	return "UNKNOWN"
}

// ARMv7 registers: core registers, VFP double precision registers and the
// single precision registers aliasing the lower half of the double ones.
// https://developer.arm.com/documentation/dui0473/m/overview-of-the-arm-architecture/arm-registers
const (
	REG_R0 asm.Register = asm.NilRegister + 1 + iota
	REG_R1
	REG_R2
	REG_R3
	REG_R4
	REG_R5
	REG_R6
	REG_R7
	REG_R8
	REG_R9
	REG_R10
	REG_R11
	REG_R12
	REG_R13
	REG_R14
	REG_R15

	REG_D0
	REG_D1
	REG_D2
	REG_D3
	REG_D4
	REG_D5
	REG_D6
	REG_D7
	REG_D8
	REG_D9
	REG_D10
	REG_D11
	REG_D12
	REG_D13
	REG_D14
	REG_D15

	REG_S0
)

// REG_S returns the single precision register sN.
func REG_S(n int) asm.Register {
	if n < 0 || n > 31 {
		panic(fmt.Sprintf("BUG: invalid single precision register s%d", n))
	}
	return REG_S0 + asm.Register(n)
}

// Register aliases following the procedure call standard.
const (
	REG_FP = REG_R11
	REG_IP = REG_R12
	REG_SP = REG_R13
	REG_LR = REG_R14
	REG_PC = REG_R15
)

// IsCoreRegister returns true if r is one of r0-r15.
func IsCoreRegister(r asm.Register) bool {
	return REG_R0 <= r && r <= REG_R15
}

// IsDoubleRegister returns true if r is one of d0-d15.
func IsDoubleRegister(r asm.Register) bool {
	return REG_D0 <= r && r <= REG_D15
}

// IsSingleRegister returns true if r is one of s0-s31.
func IsSingleRegister(r asm.Register) bool {
	return REG_S0 <= r && r < REG_S0+32
}

// RegisterNumber returns the number of r within its register file.
func RegisterNumber(r asm.Register) uint32 {
	switch {
	case IsCoreRegister(r):
		return uint32(r - REG_R0)
	case IsDoubleRegister(r):
		return uint32(r - REG_D0)
	case IsSingleRegister(r):
		return uint32(r - REG_S0)
	}
	panic(fmt.Sprintf("BUG: invalid register %d", r))
}

// CoreRegister returns rN.
func CoreRegister(n int) asm.Register {
	return REG_R0 + asm.Register(n)
}

// DoubleRegister returns dN.
func DoubleRegister(n int) asm.Register {
	return REG_D0 + asm.Register(n)
}

// LowSingleOf returns the single precision register aliasing the low half of d.
func LowSingleOf(d asm.Register) asm.Register {
	return REG_S(int(RegisterNumber(d)) * 2)
}

// RegisterName returns the name of a given register
func RegisterName(r asm.Register) string {
	switch {
	case r == asm.NilRegister:
		return "nil"
	case r == REG_FP:
		return "fp"
	case r == REG_IP:
		return "ip"
	case r == REG_SP:
		return "sp"
	case r == REG_LR:
		return "lr"
	case r == REG_PC:
		return "pc"
	case IsCoreRegister(r):
		return fmt.Sprintf("r%d", RegisterNumber(r))
	case IsDoubleRegister(r):
		return fmt.Sprintf("d%d", RegisterNumber(r))
	case IsSingleRegister(r):
		return fmt.Sprintf("s%d", RegisterNumber(r))
	}
	return "nil"
}

// RegisterList is a bitmask of core registers used by PUSH/POP/LDM/STM.
type RegisterList uint16

// NewRegisterList returns a RegisterList containing the given core registers.
func NewRegisterList(regs ...asm.Register) RegisterList {
	var l RegisterList
	for _, r := range regs {
		l |= 1 << RegisterNumber(r)
	}
	return l
}

// Has returns true if r is in the list.
func (l RegisterList) Has(r asm.Register) bool {
	return l&(1<<RegisterNumber(r)) != 0
}

// String implements fmt.Stringer.
func (l RegisterList) String() string {
	ret := "{"
	for i := 0; i < 16; i++ {
		if l&(1<<i) != 0 {
			if len(ret) > 1 {
				ret += ", "
			}
			ret += RegisterName(CoreRegister(i))
		}
	}
	return ret + "}"
}

// ShiftType is the barrel shifter operation applied to a register operand.
type ShiftType byte

const (
	SHIFT_LSL ShiftType = iota
	SHIFT_LSR
	SHIFT_ASR
	SHIFT_ROR
)

// String implements fmt.Stringer.
func (s ShiftType) String() string {
	switch s {
	case SHIFT_LSL:
		return "lsl"
	case SHIFT_LSR:
		return "lsr"
	case SHIFT_ASR:
		return "asr"
	case SHIFT_ROR:
		return "ror"
	}
	return "unknown"
}

// ARMv7 instructions used by the backend.
const (
	NOP asm.Instruction = iota
	BKPT
	VMRS
	DATA

	B
	BX
	BLX

	MOV
	MVN
	MOVW
	MOVT
	LOADCONST
	ADR

	AND
	EOR
	SUB
	RSB
	ADD
	ADC
	SBC
	ORR
	BIC
	ADDS
	SUBS
	RSBS
	CMP
	CMN
	TST
	TEQ

	LSL
	LSR
	ASR

	MUL
	SMULL
	UMULL

	LDR
	LDRB
	LDRH
	LDRSB
	LDRSH
	STR
	STRB
	STRH

	PUSH
	POP
	STM
	LDM

	VADD
	VSUB
	VMUL
	VDIV
	VNEG
	VABS
	VSQRT
	VCMP
	VMOV
	VLDR
	VSTR
	VMOVDRR
	VMOVRRD
	VMOVSR
	VMOVRS
	VCVTIF
	VCVTFI
	VCVTSD
	VCVTDS
	VPUSH
	VPOP
	VSTM
	VLDM

	instructionEnd
)

// InstructionName returns the name for an instruction
func InstructionName(instruction asm.Instruction) string {
	switch instruction {
	case NOP:
		return "NOP"
	case BKPT:
		return "BKPT"
	case VMRS:
		return "VMRS"
	case DATA:
		return "WORD"
	case B:
		return "B"
	case BX:
		return "BX"
	case BLX:
		return "BLX"
	case MOV:
		return "MOV"
	case MVN:
		return "MVN"
	case MOVW:
		return "MOVW"
	case MOVT:
		return "MOVT"
	case LOADCONST:
		return "LOADCONST"
	case ADR:
		return "ADR"
	case AND:
		return "AND"
	case EOR:
		return "EOR"
	case SUB:
		return "SUB"
	case RSB:
		return "RSB"
	case ADD:
		return "ADD"
	case ADC:
		return "ADC"
	case SBC:
		return "SBC"
	case ORR:
		return "ORR"
	case BIC:
		return "BIC"
	case ADDS:
		return "ADDS"
	case SUBS:
		return "SUBS"
	case RSBS:
		return "RSBS"
	case CMP:
		return "CMP"
	case CMN:
		return "CMN"
	case TST:
		return "TST"
	case TEQ:
		return "TEQ"
	case LSL:
		return "LSL"
	case LSR:
		return "LSR"
	case ASR:
		return "ASR"
	case MUL:
		return "MUL"
	case SMULL:
		return "SMULL"
	case UMULL:
		return "UMULL"
	case LDR:
		return "LDR"
	case LDRB:
		return "LDRB"
	case LDRH:
		return "LDRH"
	case LDRSB:
		return "LDRSB"
	case LDRSH:
		return "LDRSH"
	case STR:
		return "STR"
	case STRB:
		return "STRB"
	case STRH:
		return "STRH"
	case PUSH:
		return "PUSH"
	case POP:
		return "POP"
	case STM:
		return "STM"
	case LDM:
		return "LDM"
	case VADD:
		return "VADD"
	case VSUB:
		return "VSUB"
	case VMUL:
		return "VMUL"
	case VDIV:
		return "VDIV"
	case VNEG:
		return "VNEG"
	case VABS:
		return "VABS"
	case VSQRT:
		return "VSQRT"
	case VCMP:
		return "VCMP"
	case VMOV:
		return "VMOV"
	case VLDR:
		return "VLDR"
	case VSTR:
		return "VSTR"
	case VMOVDRR:
		return "VMOVDRR"
	case VMOVRRD:
		return "VMOVRRD"
	case VMOVSR:
		return "VMOVSR"
	case VMOVRS:
		return "VMOVRS"
	case VCVTIF:
		return "VCVTIF"
	case VCVTFI:
		return "VCVTFI"
	case VCVTSD:
		return "VCVTSD"
	case VCVTDS:
		return "VCVTDS"
	case VPUSH:
		return "VPUSH"
	case VPOP:
		return "VPOP"
	case VSTM:
		return "VSTM"
	case VLDM:
		return "VLDM"
	}
	return "UNKNOWN"
}
