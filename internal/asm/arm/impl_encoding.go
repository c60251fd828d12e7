package arm

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/tetratelabs/armjit/internal/asm"
)

// Data processing opcodes.
// https://developer.arm.com/documentation/ddi0406/c/Application-Level-Architecture/ARM-Instruction-Set-Encoding/Data-processing-and-miscellaneous-instructions
const (
	dpAND = 0x0
	dpEOR = 0x1
	dpSUB = 0x2
	dpRSB = 0x3
	dpADD = 0x4
	dpADC = 0x5
	dpSBC = 0x6
	dpTST = 0x8
	dpTEQ = 0x9
	dpCMP = 0xa
	dpCMN = 0xb
	dpORR = 0xc
	dpMOV = 0xd
	dpBIC = 0xe
	dpMVN = 0xf
)

func dataProcessingOpcode(instruction asm.Instruction) (op uint32, setFlags bool, ok bool) {
	ok = true
	switch instruction {
	case AND:
		op = dpAND
	case EOR:
		op = dpEOR
	case SUB:
		op = dpSUB
	case SUBS:
		op, setFlags = dpSUB, true
	case RSB:
		op = dpRSB
	case RSBS:
		op, setFlags = dpRSB, true
	case ADD:
		op = dpADD
	case ADDS:
		op, setFlags = dpADD, true
	case ADC:
		op = dpADC
	case SBC:
		op = dpSBC
	case TST:
		op, setFlags = dpTST, true
	case TEQ:
		op, setFlags = dpTEQ, true
	case CMP:
		op, setFlags = dpCMP, true
	case CMN:
		op, setFlags = dpCMN, true
	case ORR:
		op = dpORR
	case MOV:
		op = dpMOV
	case BIC:
		op = dpBIC
	case MVN:
		op = dpMVN
	default:
		ok = false
	}
	return
}

// EncodeImmediate returns the 12-bit modified immediate encoding of v, which
// is an 8-bit value rotated right by an even amount.
func EncodeImmediate(v uint32) (uint32, bool) {
	for rot := uint32(0); rot < 16; rot++ {
		if imm := bits.RotateLeft32(v, int(2*rot)); imm <= 0xff {
			return rot<<8 | imm, true
		}
	}
	return 0, false
}

// CanEncodeImmediate returns true if v fits a data processing instruction.
func CanEncodeImmediate(v int64) bool {
	if v < -(1<<31) || v > 0xffffffff {
		return false
	}
	_, ok := EncodeImmediate(uint32(v))
	return ok
}

// Immediate offset ranges of the memory instructions.
const (
	MaxWordOffset     = 4095
	MaxHalfwordOffset = 255
	MaxVFPOffset      = 1020
)

// FitsMemoryOffset returns true if offset can be encoded directly by the given load or store.
func FitsMemoryOffset(instruction asm.Instruction, offset int64) bool {
	switch instruction {
	case LDR, STR, LDRB, STRB:
		return -MaxWordOffset <= offset && offset <= MaxWordOffset
	case LDRH, STRH, LDRSB, LDRSH:
		return -MaxHalfwordOffset <= offset && offset <= MaxHalfwordOffset
	case VLDR, VSTR:
		return -MaxVFPOffset <= offset && offset <= MaxVFPOffset && offset&3 == 0
	}
	return false
}

func sbit(s bool) uint32 {
	if s {
		return 1
	}
	return 0
}

func encodeDataProcessingImm(cond, op uint32, s bool, rn, rd, imm12 uint32) uint32 {
	return cond<<28 | 1<<25 | op<<21 | sbit(s)<<20 | rn<<16 | rd<<12 | imm12
}

func encodeDataProcessingReg(cond, op uint32, s bool, rn, rd, rm uint32, shift ShiftType, amount uint32) uint32 {
	return cond<<28 | op<<21 | sbit(s)<<20 | rn<<16 | rd<<12 | (amount&0x1f)<<7 | uint32(shift)<<5 | rm
}

func encodeDataProcessingRegShiftReg(cond, op uint32, s bool, rn, rd, rm uint32, shift ShiftType, rs uint32) uint32 {
	return cond<<28 | op<<21 | sbit(s)<<20 | rn<<16 | rd<<12 | rs<<8 | uint32(shift)<<5 | 1<<4 | rm
}

// encodeShiftedOperand validates the shift amount and encodes `rd = rn op (rm shift #amount)`.
// LSR and ASR by 32 are encoded as 0, and a zero shift is always encoded as LSL #0.
func encodeShiftedOperand(cond, op uint32, s bool, rn, rd, rm uint32, shift ShiftType, amount int64) (uint32, error) {
	if amount == 0 {
		return encodeDataProcessingReg(cond, op, s, rn, rd, rm, SHIFT_LSL, 0), nil
	}
	switch shift {
	case SHIFT_LSL, SHIFT_ROR:
		if amount < 0 || amount > 31 {
			return 0, fmt.Errorf("shift amount %d out of range", amount)
		}
	case SHIFT_LSR, SHIFT_ASR:
		if amount < 0 || amount > 32 {
			return 0, fmt.Errorf("shift amount %d out of range", amount)
		}
	}
	return encodeDataProcessingReg(cond, op, s, rn, rd, rm, shift, uint32(amount)), nil
}

func encodeMovw(cond uint32, instruction asm.Instruction, rd, imm16 uint32) uint32 {
	base := uint32(0x03000000)
	if instruction == MOVT {
		base = 0x03400000
	}
	return cond<<28 | base | (imm16>>12)<<16 | rd<<12 | imm16&0xfff
}

// encodeLoadConstant returns the shortest sequence materializing v into rd.
func encodeLoadConstant(cond, rd, v uint32) []uint32 {
	if imm, ok := EncodeImmediate(v); ok {
		return []uint32{encodeDataProcessingImm(cond, dpMOV, false, 0, rd, imm)}
	}
	if imm, ok := EncodeImmediate(^v); ok {
		return []uint32{encodeDataProcessingImm(cond, dpMVN, false, 0, rd, imm)}
	}
	if v>>16 == 0 {
		return []uint32{encodeMovw(cond, MOVW, rd, v)}
	}
	return []uint32{encodeMovw(cond, MOVW, rd, v&0xffff), encodeMovw(cond, MOVT, rd, v>>16)}
}

// encodeBranch returns B<cond> with the given displacement from the pc, which
// reads as the address of the branch plus 8.
func encodeBranch(cond uint32, disp int64) uint32 {
	return cond<<28 | 0x0a000000 | uint32(disp>>2)&0xffffff
}

const (
	// ldrIPFromPC is LDR ip, [pc, #0], reading the word two instructions ahead.
	ldrIPFromPC = 0xe59fc000
	// addPCIP is ADD pc, pc, ip.
	addPCIP = 0xe08ff00c
)

func longBranchWords(cond asm.ConditionalRegisterState) int {
	if cond == asm.ConditionalRegisterStateUnset || cond == COND_AL {
		return 3
	}
	return 4
}

// encodeLongBranch returns the words of a branch from offset to target that
// is not limited in reach. ip is clobbered.
//
// The conditional form skips over the unconditional one when the inverted
// condition holds.
func encodeLongBranch(cond asm.ConditionalRegisterState, offset, target int64) []uint32 {
	if longBranchWords(cond) == 3 {
		return []uint32{ldrIPFromPC, addPCIP, uint32(target - (offset + 12))}
	}
	return []uint32{
		encodeBranch(condBits(InvertCondition(cond)), 8),
		ldrIPFromPC,
		addPCIP,
		uint32(target - (offset + 16)),
	}
}

var errMemoryOffset = errors.New("memory offset out of range")

// encodeMemoryAccess encodes a load or store of rt at base+offset, or at
// base+(index<<shift) when index is set.
func encodeMemoryAccess(cond uint32, instruction asm.Instruction, rt, base, index asm.Register, offset int64, shift int) (uint32, error) {
	if !IsCoreRegister(base) {
		return 0, errors.New("base must be a core register")
	}
	rn := RegisterNumber(base)

	switch instruction {
	case VLDR, VSTR:
		if !IsDoubleRegister(rt) {
			return 0, errors.New("operand must be a double register")
		}
		if index != asm.NilRegister {
			return 0, errors.New("register offset not supported")
		}
		if !FitsMemoryOffset(instruction, offset) {
			return 0, errMemoryOffset
		}
		u, imm := splitOffset(offset)
		l := uint32(0)
		if instruction == VLDR {
			l = 1
		}
		return cond<<28 | 0x0d000b00 | u<<23 | l<<20 | rn<<16 | RegisterNumber(rt)<<12 | imm>>2, nil
	}

	if !IsCoreRegister(rt) {
		return 0, errors.New("operand must be a core register")
	}
	t := RegisterNumber(rt)

	var l, b uint32
	switch instruction {
	case LDR:
		l = 1
	case LDRB:
		l, b = 1, 1
	case STR:
	case STRB:
		b = 1
	case LDRH, STRH, LDRSB, LDRSH:
		var sh uint32
		switch instruction {
		case LDRH:
			l, sh = 1, 0b01
		case STRH:
			sh = 0b01
		case LDRSB:
			l, sh = 1, 0b10
		case LDRSH:
			l, sh = 1, 0b11
		}
		if index != asm.NilRegister {
			if !IsCoreRegister(index) || shift != 0 {
				return 0, errors.New("halfword accesses take an unshifted core register offset")
			}
			return cond<<28 | 0x01800000 | l<<20 | rn<<16 | t<<12 | 1<<7 | sh<<5 | 1<<4 | RegisterNumber(index), nil
		}
		if !FitsMemoryOffset(instruction, offset) {
			return 0, errMemoryOffset
		}
		u, imm := splitOffset(offset)
		return cond<<28 | 0x01400000 | u<<23 | l<<20 | rn<<16 | t<<12 | (imm>>4)<<8 | 1<<7 | sh<<5 | 1<<4 | imm&0xf, nil
	default:
		return 0, errors.New("unsupported instruction")
	}

	if index != asm.NilRegister {
		if !IsCoreRegister(index) || shift < 0 || shift > 31 {
			return 0, errors.New("invalid register offset")
		}
		return cond<<28 | 0x07800000 | b<<22 | l<<20 | rn<<16 | t<<12 | uint32(shift)<<7 | RegisterNumber(index), nil
	}
	if !FitsMemoryOffset(instruction, offset) {
		return 0, errMemoryOffset
	}
	u, imm := splitOffset(offset)
	return cond<<28 | 0x05000000 | u<<23 | b<<22 | l<<20 | rn<<16 | t<<12 | imm, nil
}

func splitOffset(offset int64) (up, magnitude uint32) {
	if offset < 0 {
		return 0, uint32(-offset)
	}
	return 1, uint32(offset)
}
