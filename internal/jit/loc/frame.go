package loc

import (
	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
)

// WordSize is the size of a machine word in bytes.
const WordSize = 4

// JITFrameFixedSize is the size in words of the register save area at the
// start of jf_frame: one word per core register, then one double per VFP
// register. Frame slot 0 follows it.
const JITFrameFixedSize = 48

const coreSaveWords = 16

// SlotOffset returns the byte offset from fp of frame slot pos, where base
// is the offset of jf_frame in the frame object.
func SlotOffset(base, pos int) int {
	return base + WordSize*(JITFrameFixedSize+pos)
}

// CoreSaveOffset returns the byte offset from fp of the save word of core register r.
func CoreSaveOffset(base int, r asm.Register) int {
	return base + WordSize*int(arm.RegisterNumber(r))
}

// FloatSaveOffset returns the byte offset from fp of the save area of double register r.
func FloatSaveOffset(base int, r asm.Register) int {
	return base + WordSize*(coreSaveWords+2*int(arm.RegisterNumber(r)))
}

// GCMapBit returns the gcmap bit marking a reference held at l, which must
// be a core register or a word stack slot.
func GCMapBit(l Location) int {
	switch {
	case l.IsCoreReg():
		return int(arm.RegisterNumber(l.Reg))
	case l.IsStack() && !l.Double:
		return JITFrameFixedSize + l.Position
	}
	panic("BUG: references live in core registers or word slots: " + l.String())
}

// Register files.
var (
	// CoreRegisters are the allocatable core registers, caller-saved first.
	CoreRegisters = []asm.Register{
		arm.REG_R0, arm.REG_R1, arm.REG_R2, arm.REG_R3,
		arm.REG_R4, arm.REG_R5, arm.REG_R6, arm.REG_R7, arm.REG_R8, arm.REG_R9, arm.REG_R10,
	}
	CallerSavedCore = CoreRegisters[:4]
	CalleeSavedCore = CoreRegisters[4:]
	ArgumentCore    = CoreRegisters[:4]

	// FloatRegisters are the allocatable VFP registers. d15 is the scratch.
	FloatRegisters = []asm.Register{
		arm.REG_D0, arm.REG_D1, arm.REG_D2, arm.REG_D3, arm.REG_D4, arm.REG_D5, arm.REG_D6, arm.REG_D7,
		arm.REG_D8, arm.REG_D9, arm.REG_D10, arm.REG_D11, arm.REG_D12, arm.REG_D13, arm.REG_D14,
	}
	CallerSavedFloat = FloatRegisters[:8]
	CalleeSavedFloat = FloatRegisters[8:]
)

// Scratch registers, never allocated.
const (
	// ScratchCore holds data in multi instruction sequences.
	ScratchCore = arm.REG_IP
	// ScratchAddr holds addresses and serves as the second scratch.
	ScratchAddr = arm.REG_LR
	// ScratchFloat is the VFP scratch.
	ScratchFloat = arm.REG_D15
)

// IsCallerSaved returns true if r does not survive a call.
func IsCallerSaved(r asm.Register) bool {
	if arm.IsDoubleRegister(r) {
		return arm.RegisterNumber(r) < 8
	}
	return arm.RegisterNumber(r) < 4 || r == arm.REG_IP || r == arm.REG_LR
}
