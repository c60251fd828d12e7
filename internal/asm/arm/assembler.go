package arm

import (
	"github.com/tetratelabs/armjit/internal/asm"
)

// Assembler is the interface for arm specific assembler.
type Assembler interface {
	asm.AssemblerBase

	// CompileConditionalJump adds a branch taken only when cond holds.
	CompileConditionalJump(cond asm.ConditionalRegisterState) asm.Node

	// CompileConstToRegister adds an instruction where source operand is `value` as constant and destination is `dst` register.
	// The constant must fit the instruction's immediate field.
	CompileConstToRegister(instruction asm.Instruction, value asm.ConstantValue, destinationReg asm.Register) asm.Node

	// CompileConditionalConstToRegister adds MOV<cond> dst, #value.
	CompileConditionalConstToRegister(cond asm.ConditionalRegisterState, value asm.ConstantValue, destinationReg asm.Register) asm.Node

	// CompileLoadConstant loads an arbitrary 32-bit constant into `dst` with the shortest sequence.
	// The returned node's constant can be reassigned until Assemble is called.
	CompileLoadConstant(value asm.ConstantValue, destinationReg asm.Register) asm.Node

	// CompileRegisterAndConstToRegister adds an instruction where the sources are `src` and `value`
	// and the result is written to `dst`.
	CompileRegisterAndConstToRegister(instruction asm.Instruction, src asm.Register, value asm.ConstantValue, dst asm.Register)

	// CompileTwoRegistersToRegister adds an instruction where the sources are `src1` and `src2`
	// and the result is written to `dst`.
	CompileTwoRegistersToRegister(instruction asm.Instruction, src1, src2, dst asm.Register)

	// CompileShiftedRegisterToRegister adds `dst = src1 op (src2 shift #amount)`.
	// For MOV and MVN, src1 must be asm.NilRegister.
	CompileShiftedRegisterToRegister(instruction asm.Instruction, src1, src2 asm.Register, shift ShiftType, amount int, dst asm.Register)

	// CompileRegisterShiftedByRegisterToRegister adds `dst = src1 op (src2 shift shiftReg)`.
	CompileRegisterShiftedByRegisterToRegister(instruction asm.Instruction, src1, src2 asm.Register, shift ShiftType, shiftReg, dst asm.Register)

	// CompileTwoRegistersToNone adds a flag setting instruction on `src1` and `src2`.
	CompileTwoRegistersToNone(instruction asm.Instruction, src1, src2 asm.Register)

	// CompileShiftedRegisterToNone adds a flag setting instruction on `src1` and `src2 shift #amount`.
	CompileShiftedRegisterToNone(instruction asm.Instruction, src1, src2 asm.Register, shift ShiftType, amount int)

	// CompileRegisterAndConstToNone adds a flag setting instruction on `src` and `value`.
	CompileRegisterAndConstToNone(instruction asm.Instruction, src asm.Register, value asm.ConstantValue)

	// CompileTwoRegistersToTwoRegisters adds a long multiply: `dstHi:dstLo = src1 * src2`.
	CompileTwoRegistersToTwoRegisters(instruction asm.Instruction, src1, src2, dstLo, dstHi asm.Register)

	// CompileFloatToTwoRegisters adds a move of the double register `src` into `dstLo` and `dstHi`.
	CompileFloatToTwoRegisters(src, dstLo, dstHi asm.Register)

	// CompileMemoryWithRegisterOffsetToRegister adds a load from `base + (index << shift)`.
	CompileMemoryWithRegisterOffsetToRegister(instruction asm.Instruction, base, index asm.Register, shift int, dst asm.Register)

	// CompileRegisterToMemoryWithRegisterOffset adds a store to `base + (index << shift)`.
	CompileRegisterToMemoryWithRegisterOffset(instruction asm.Instruction, src, base, index asm.Register, shift int)

	// CompileRegisterList adds PUSH, POP, STM or LDM. `base` is ignored for PUSH and POP.
	CompileRegisterList(instruction asm.Instruction, base asm.Register, list RegisterList)

	// CompileVFPRegisterList adds VPUSH, VPOP, VSTM or VLDM over `count` double registers starting at `first`.
	CompileVFPRegisterList(instruction asm.Instruction, base, first asm.Register, count int)

	// CompileAddressOf materializes the absolute address of `target` into `dst`, relative to the pc.
	CompileAddressOf(target asm.Node, dst asm.Register) asm.Node

	// CompileData emits a raw data word into the instruction stream.
	CompileData(value uint32) asm.Node
}
