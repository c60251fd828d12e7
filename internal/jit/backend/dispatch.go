package backend

import (
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/trace"
)

// emitFunc assembles one operation.
type emitFunc func(c *compiler, op *trace.Op) error

// dispatch maps each opcode to the function assembling it.
var dispatch [trace.NumOpcodes]emitFunc

func init() {
	for op, fn := range map[trace.Opcode]emitFunc{
		trace.OpcodeIntAdd:         compileIntAdd,
		trace.OpcodeIntSub:         compileIntSub,
		trace.OpcodeIntMul:         compileIntMul,
		trace.OpcodeIntAnd:         compileIntAnd,
		trace.OpcodeIntOr:          compileIntOr,
		trace.OpcodeIntXor:         compileIntXor,
		trace.OpcodeIntLshift:      compileShift(arm.LSL),
		trace.OpcodeIntRshift:      compileShift(arm.ASR),
		trace.OpcodeUintRshift:     compileShift(arm.LSR),
		trace.OpcodeIntNeg:         compileIntNeg,
		trace.OpcodeIntInvert:      compileIntInvert,
		trace.OpcodeIntForceGeZero: compileIntForceGeZero,
		trace.OpcodeUintMulHigh:    compileUintMulHigh,
		trace.OpcodeIntAddOvf:      compileIntAddOvf,
		trace.OpcodeIntSubOvf:      compileIntSubOvf,
		trace.OpcodeIntMulOvf:      compileIntMulOvf,
		trace.OpcodeIntFloorDiv:    compileHelperDivision(trace.OpcodeIntFloorDiv),
		trace.OpcodeIntMod:         compileHelperDivision(trace.OpcodeIntMod),
		trace.OpcodeUintFloorDiv:   compileHelperDivision(trace.OpcodeUintFloorDiv),

		trace.OpcodeIntLt:     compileIntComparison(arm.COND_LT),
		trace.OpcodeIntLe:     compileIntComparison(arm.COND_LE),
		trace.OpcodeIntEq:     compileIntComparison(arm.COND_EQ),
		trace.OpcodeIntNe:     compileIntComparison(arm.COND_NE),
		trace.OpcodeIntGt:     compileIntComparison(arm.COND_GT),
		trace.OpcodeIntGe:     compileIntComparison(arm.COND_GE),
		trace.OpcodeUintLt:    compileIntComparison(arm.COND_LO),
		trace.OpcodeUintLe:    compileIntComparison(arm.COND_LS),
		trace.OpcodeUintGt:    compileIntComparison(arm.COND_HI),
		trace.OpcodeUintGe:    compileIntComparison(arm.COND_HS),
		trace.OpcodePtrEq:     compileIntComparison(arm.COND_EQ),
		trace.OpcodePtrNe:     compileIntComparison(arm.COND_NE),
		trace.OpcodeIntIsTrue: compileIntIsTrue,
		trace.OpcodeIntIsZero: compileIntIsZero,

		// VCMP leaves N for less than, C and Z for equal, and C and V when
		// unordered.
		trace.OpcodeFloatLt:                compileFloatComparison(arm.COND_MI),
		trace.OpcodeFloatLe:                compileFloatComparison(arm.COND_LS),
		trace.OpcodeFloatEq:                compileFloatComparison(arm.COND_EQ),
		trace.OpcodeFloatNe:                compileFloatComparison(arm.COND_NE),
		trace.OpcodeFloatGt:                compileFloatComparison(arm.COND_GT),
		trace.OpcodeFloatGe:                compileFloatComparison(arm.COND_GE),
		trace.OpcodeFloatAdd:               compileFloatBinary(arm.VADD),
		trace.OpcodeFloatSub:               compileFloatBinary(arm.VSUB),
		trace.OpcodeFloatMul:               compileFloatBinary(arm.VMUL),
		trace.OpcodeFloatTrueDiv:           compileFloatBinary(arm.VDIV),
		trace.OpcodeFloatNeg:               compileFloatUnary(arm.VNEG),
		trace.OpcodeFloatAbs:               compileFloatUnary(arm.VABS),
		trace.OpcodeMathSqrt:               compileFloatUnary(arm.VSQRT),
		trace.OpcodeCastFloatToInt:         compileCastFloatToInt,
		trace.OpcodeCastIntToFloat:         compileCastIntToFloat,
		trace.OpcodeCastFloatToSingleFloat: compileCastFloatToSingleFloat,
		trace.OpcodeCastSingleFloatToFloat: compileCastSingleFloatToFloat,

		trace.OpcodeSameAs:       compileSameAs,
		trace.OpcodeCastPtrToInt: compileSameAs,
		trace.OpcodeCastIntToPtr: compileSameAs,
		trace.OpcodeForceToken:   compileForceToken,

		trace.OpcodeGetfieldGC:         compileGetfield,
		trace.OpcodeGetfieldRaw:        compileGetfield,
		trace.OpcodeSetfieldGC:         compileSetfield,
		trace.OpcodeSetfieldRaw:        compileSetfield,
		trace.OpcodeGetarrayitemGC:     compileGetarrayitem,
		trace.OpcodeGetarrayitemRaw:    compileGetarrayitem,
		trace.OpcodeSetarrayitemGC:     compileSetarrayitem,
		trace.OpcodeSetarrayitemRaw:    compileSetarrayitem,
		trace.OpcodeGetinteriorfieldGC: compileGetinteriorfield,
		trace.OpcodeSetinteriorfieldGC: compileSetinteriorfield,
		trace.OpcodeArraylenGC:         compileArraylen,
		trace.OpcodeRawLoad:            compileRawLoad,
		trace.OpcodeRawStore:           compileRawStore,
		trace.OpcodeStrlen:             compileStrlen,
		trace.OpcodeStrgetitem:         compileStrgetitem,
		trace.OpcodeStrsetitem:         compileStrsetitem,
		trace.OpcodeUnicodelen:         compileStrlen,
		trace.OpcodeUnicodegetitem:     compileStrgetitem,
		trace.OpcodeUnicodesetitem:     compileStrsetitem,

		trace.OpcodeGuardTrue:           compileGuardTrue,
		trace.OpcodeGuardFalse:          compileGuardFalse,
		trace.OpcodeGuardNonnull:        compileGuardNonnull,
		trace.OpcodeGuardIsnull:         compileGuardIsnull,
		trace.OpcodeGuardValue:          compileGuardValue,
		trace.OpcodeGuardClass:          compileGuardClass,
		trace.OpcodeGuardNonnullClass:   compileGuardNonnullClass,
		trace.OpcodeGuardNoOverflow:     compileGuardNoOverflow,
		trace.OpcodeGuardOverflow:       compileGuardOverflow,
		trace.OpcodeGuardNoException:    compileGuardNoException,
		trace.OpcodeGuardException:      compileGuardException,
		trace.OpcodeGuardNotInvalidated: compileGuardNotInvalidated,
		trace.OpcodeGuardNotForced:      compileGuardNotForced,

		trace.OpcodeLabel:  compileLabel,
		trace.OpcodeJump:   compileJump,
		trace.OpcodeFinish: compileFinish,

		trace.OpcodeCall:           compileCall,
		trace.OpcodeCallMayForce:   compileCallMayForce,
		trace.OpcodeCallReleaseGIL: compileCallReleaseGIL,
		trace.OpcodeCallAssembler:  compileCallAssembler,

		trace.OpcodeCopystrcontent:     compileCopyContent,
		trace.OpcodeCopyunicodecontent: compileCopyContent,

		trace.OpcodeCallMallocNursery:        compileCallMallocNursery,
		trace.OpcodeCallMallocNurseryVarsize: compileCallMallocNurseryVarsize,
		trace.OpcodeCallMallocGC:             compileCallMallocGC,
		trace.OpcodeCondCallGCWB:             compileCondCallGCWB,
		trace.OpcodeCondCallGCWBArray:        compileCondCallGCWBArray,

		trace.OpcodeDebugMergePoint:       compileNothing,
		trace.OpcodeJitDebug:              compileNothing,
		trace.OpcodeKeepalive:             compileNothing,
		trace.OpcodeIncrementDebugCounter: compileIncrementDebugCounter,
	} {
		dispatch[op] = fn
	}
}
