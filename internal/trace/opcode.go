package trace

import "fmt"

// Opcode is the operation tag of an Op.
type Opcode uint16

const (
	OpcodeInvalid Opcode = iota

	// Integer arithmetic.
	OpcodeIntAdd
	OpcodeIntSub
	OpcodeIntMul
	OpcodeIntFloorDiv
	OpcodeIntMod
	OpcodeUintFloorDiv
	OpcodeIntAnd
	OpcodeIntOr
	OpcodeIntXor
	OpcodeIntLshift
	OpcodeIntRshift
	OpcodeUintRshift
	OpcodeIntNeg
	OpcodeIntInvert
	OpcodeIntIsTrue
	OpcodeIntIsZero
	OpcodeIntForceGeZero
	OpcodeUintMulHigh
	OpcodeIntAddOvf
	OpcodeIntSubOvf
	OpcodeIntMulOvf

	// Comparisons producing 0 or 1.
	OpcodeIntLt
	OpcodeIntLe
	OpcodeIntEq
	OpcodeIntNe
	OpcodeIntGt
	OpcodeIntGe
	OpcodeUintLt
	OpcodeUintLe
	OpcodeUintGt
	OpcodeUintGe
	OpcodePtrEq
	OpcodePtrNe
	OpcodeFloatLt
	OpcodeFloatLe
	OpcodeFloatEq
	OpcodeFloatNe
	OpcodeFloatGt
	OpcodeFloatGe

	// Floating point.
	OpcodeFloatAdd
	OpcodeFloatSub
	OpcodeFloatMul
	OpcodeFloatTrueDiv
	OpcodeFloatNeg
	OpcodeFloatAbs
	OpcodeMathSqrt
	OpcodeCastFloatToInt
	OpcodeCastIntToFloat
	OpcodeCastFloatToSingleFloat
	OpcodeCastSingleFloatToFloat

	// Guards.
	OpcodeGuardTrue
	OpcodeGuardFalse
	OpcodeGuardValue
	OpcodeGuardNonnull
	OpcodeGuardIsnull
	OpcodeGuardClass
	OpcodeGuardNonnullClass
	OpcodeGuardNoOverflow
	OpcodeGuardOverflow
	OpcodeGuardNoException
	OpcodeGuardException
	OpcodeGuardNotInvalidated
	OpcodeGuardNotForced

	// Control.
	OpcodeLabel
	OpcodeJump
	OpcodeFinish

	// Calls.
	OpcodeCall
	OpcodeCallMayForce
	OpcodeCallReleaseGIL
	OpcodeCallAssembler

	// Memory.
	OpcodeGetfieldGC
	OpcodeGetfieldRaw
	OpcodeSetfieldGC
	OpcodeSetfieldRaw
	OpcodeGetarrayitemGC
	OpcodeGetarrayitemRaw
	OpcodeSetarrayitemGC
	OpcodeSetarrayitemRaw
	OpcodeArraylenGC
	OpcodeGetinteriorfieldGC
	OpcodeSetinteriorfieldGC
	OpcodeRawLoad
	OpcodeRawStore
	OpcodeStrlen
	OpcodeStrgetitem
	OpcodeStrsetitem
	OpcodeUnicodelen
	OpcodeUnicodegetitem
	OpcodeUnicodesetitem
	OpcodeCopystrcontent
	OpcodeCopyunicodecontent

	// GC.
	OpcodeCondCallGCWB
	OpcodeCondCallGCWBArray
	OpcodeCallMallocNursery
	OpcodeCallMallocNurseryVarsize
	OpcodeCallMallocGC

	// Misc.
	OpcodeSameAs
	OpcodeCastPtrToInt
	OpcodeCastIntToPtr
	OpcodeForceToken
	OpcodeDebugMergePoint
	OpcodeJitDebug
	OpcodeKeepalive
	OpcodeIncrementDebugCounter

	opcodeEnd
)

// NumOpcodes is one past the largest opcode, for opcode-indexed tables.
const NumOpcodes = int(opcodeEnd)

type opFlag uint16

const (
	flagGuard opFlag = 1 << iota
	flagComparison
	flagOverflow
	flagCall
	flagFinal
	// flagPure marks operations without side effects, whose result may be dropped.
	flagPure
	flagFloatArgs
	// flagGuardAfterCall marks guards that must directly follow a call.
	flagGuardAfterCall
)

type opInfo struct {
	name  string
	arity int // -1 is variadic
	flags opFlag
}

var opInfos = [...]opInfo{
	OpcodeInvalid: {name: "invalid"},

	OpcodeIntAdd:         {"int_add", 2, flagPure},
	OpcodeIntSub:         {"int_sub", 2, flagPure},
	OpcodeIntMul:         {"int_mul", 2, flagPure},
	OpcodeIntFloorDiv:    {"int_floordiv", 2, flagPure},
	OpcodeIntMod:         {"int_mod", 2, flagPure},
	OpcodeUintFloorDiv:   {"uint_floordiv", 2, flagPure},
	OpcodeIntAnd:         {"int_and", 2, flagPure},
	OpcodeIntOr:          {"int_or", 2, flagPure},
	OpcodeIntXor:         {"int_xor", 2, flagPure},
	OpcodeIntLshift:      {"int_lshift", 2, flagPure},
	OpcodeIntRshift:      {"int_rshift", 2, flagPure},
	OpcodeUintRshift:     {"uint_rshift", 2, flagPure},
	OpcodeIntNeg:         {"int_neg", 1, flagPure},
	OpcodeIntInvert:      {"int_invert", 1, flagPure},
	OpcodeIntIsTrue:      {"int_is_true", 1, flagPure | flagComparison},
	OpcodeIntIsZero:      {"int_is_zero", 1, flagPure | flagComparison},
	OpcodeIntForceGeZero: {"int_force_ge_zero", 1, flagPure},
	OpcodeUintMulHigh:    {"uint_mul_high", 2, flagPure},
	OpcodeIntAddOvf:      {"int_add_ovf", 2, flagOverflow},
	OpcodeIntSubOvf:      {"int_sub_ovf", 2, flagOverflow},
	OpcodeIntMulOvf:      {"int_mul_ovf", 2, flagOverflow},

	OpcodeIntLt:   {"int_lt", 2, flagPure | flagComparison},
	OpcodeIntLe:   {"int_le", 2, flagPure | flagComparison},
	OpcodeIntEq:   {"int_eq", 2, flagPure | flagComparison},
	OpcodeIntNe:   {"int_ne", 2, flagPure | flagComparison},
	OpcodeIntGt:   {"int_gt", 2, flagPure | flagComparison},
	OpcodeIntGe:   {"int_ge", 2, flagPure | flagComparison},
	OpcodeUintLt:  {"uint_lt", 2, flagPure | flagComparison},
	OpcodeUintLe:  {"uint_le", 2, flagPure | flagComparison},
	OpcodeUintGt:  {"uint_gt", 2, flagPure | flagComparison},
	OpcodeUintGe:  {"uint_ge", 2, flagPure | flagComparison},
	OpcodePtrEq:   {"ptr_eq", 2, flagPure | flagComparison},
	OpcodePtrNe:   {"ptr_ne", 2, flagPure | flagComparison},
	OpcodeFloatLt: {"float_lt", 2, flagPure | flagComparison | flagFloatArgs},
	OpcodeFloatLe: {"float_le", 2, flagPure | flagComparison | flagFloatArgs},
	OpcodeFloatEq: {"float_eq", 2, flagPure | flagComparison | flagFloatArgs},
	OpcodeFloatNe: {"float_ne", 2, flagPure | flagComparison | flagFloatArgs},
	OpcodeFloatGt: {"float_gt", 2, flagPure | flagComparison | flagFloatArgs},
	OpcodeFloatGe: {"float_ge", 2, flagPure | flagComparison | flagFloatArgs},

	OpcodeFloatAdd:               {"float_add", 2, flagPure | flagFloatArgs},
	OpcodeFloatSub:               {"float_sub", 2, flagPure | flagFloatArgs},
	OpcodeFloatMul:               {"float_mul", 2, flagPure | flagFloatArgs},
	OpcodeFloatTrueDiv:           {"float_truediv", 2, flagPure | flagFloatArgs},
	OpcodeFloatNeg:               {"float_neg", 1, flagPure | flagFloatArgs},
	OpcodeFloatAbs:               {"float_abs", 1, flagPure | flagFloatArgs},
	OpcodeMathSqrt:               {"math_sqrt", 1, flagPure | flagFloatArgs},
	OpcodeCastFloatToInt:         {"cast_float_to_int", 1, flagPure | flagFloatArgs},
	OpcodeCastIntToFloat:         {"cast_int_to_float", 1, flagPure},
	OpcodeCastFloatToSingleFloat: {"cast_float_to_singlefloat", 1, flagPure | flagFloatArgs},
	OpcodeCastSingleFloatToFloat: {"cast_singlefloat_to_float", 1, flagPure},

	OpcodeGuardTrue:           {"guard_true", 1, flagGuard},
	OpcodeGuardFalse:          {"guard_false", 1, flagGuard},
	OpcodeGuardValue:          {"guard_value", 2, flagGuard},
	OpcodeGuardNonnull:        {"guard_nonnull", 1, flagGuard},
	OpcodeGuardIsnull:         {"guard_isnull", 1, flagGuard},
	OpcodeGuardClass:          {"guard_class", 2, flagGuard},
	OpcodeGuardNonnullClass:   {"guard_nonnull_class", 2, flagGuard},
	OpcodeGuardNoOverflow:     {"guard_no_overflow", 0, flagGuard},
	OpcodeGuardOverflow:       {"guard_overflow", 0, flagGuard},
	OpcodeGuardNoException:    {"guard_no_exception", 0, flagGuard},
	OpcodeGuardException:      {"guard_exception", 1, flagGuard},
	OpcodeGuardNotInvalidated: {"guard_not_invalidated", 0, flagGuard},
	OpcodeGuardNotForced:      {"guard_not_forced", 0, flagGuard | flagGuardAfterCall},

	OpcodeLabel:  {"label", -1, 0},
	OpcodeJump:   {"jump", -1, flagFinal},
	OpcodeFinish: {"finish", -1, flagFinal},

	OpcodeCall:           {"call", -1, flagCall},
	OpcodeCallMayForce:   {"call_may_force", -1, flagCall},
	OpcodeCallReleaseGIL: {"call_release_gil", -1, flagCall},
	OpcodeCallAssembler:  {"call_assembler", 1, flagCall},

	OpcodeGetfieldGC:         {"getfield_gc", 1, flagPure},
	OpcodeGetfieldRaw:        {"getfield_raw", 1, flagPure},
	OpcodeSetfieldGC:         {"setfield_gc", 2, 0},
	OpcodeSetfieldRaw:        {"setfield_raw", 2, 0},
	OpcodeGetarrayitemGC:     {"getarrayitem_gc", 2, flagPure},
	OpcodeGetarrayitemRaw:    {"getarrayitem_raw", 2, flagPure},
	OpcodeSetarrayitemGC:     {"setarrayitem_gc", 3, 0},
	OpcodeSetarrayitemRaw:    {"setarrayitem_raw", 3, 0},
	OpcodeArraylenGC:         {"arraylen_gc", 1, flagPure},
	OpcodeGetinteriorfieldGC: {"getinteriorfield_gc", 2, flagPure},
	OpcodeSetinteriorfieldGC: {"setinteriorfield_gc", 3, 0},
	OpcodeRawLoad:            {"raw_load", 2, flagPure},
	OpcodeRawStore:           {"raw_store", 3, 0},
	OpcodeStrlen:             {"strlen", 1, flagPure},
	OpcodeStrgetitem:         {"strgetitem", 2, flagPure},
	OpcodeStrsetitem:         {"strsetitem", 3, 0},
	OpcodeUnicodelen:         {"unicodelen", 1, flagPure},
	OpcodeUnicodegetitem:     {"unicodegetitem", 2, flagPure},
	OpcodeUnicodesetitem:     {"unicodesetitem", 3, 0},
	OpcodeCopystrcontent:     {"copystrcontent", 5, 0},
	OpcodeCopyunicodecontent: {"copyunicodecontent", 5, 0},

	OpcodeCondCallGCWB:             {"cond_call_gc_wb", 1, 0},
	OpcodeCondCallGCWBArray:        {"cond_call_gc_wb_array", 2, 0},
	OpcodeCallMallocNursery:        {"call_malloc_nursery", 1, 0},
	OpcodeCallMallocNurseryVarsize: {"call_malloc_nursery_varsize", 1, 0},
	OpcodeCallMallocGC:             {"call_malloc_gc", -1, flagCall},

	OpcodeSameAs:                {"same_as", 1, flagPure},
	OpcodeCastPtrToInt:          {"cast_ptr_to_int", 1, flagPure},
	OpcodeCastIntToPtr:          {"cast_int_to_ptr", 1, flagPure},
	OpcodeForceToken:            {"force_token", 0, flagPure},
	OpcodeDebugMergePoint:       {"debug_merge_point", -1, 0},
	OpcodeJitDebug:              {"jit_debug", -1, 0},
	OpcodeKeepalive:             {"keepalive", 1, 0},
	OpcodeIncrementDebugCounter: {"increment_debug_counter", 1, 0},
}

func (o Opcode) info() opInfo {
	if int(o) >= len(opInfos) {
		return opInfo{name: fmt.Sprintf("opcode(%d)", o)}
	}
	return opInfos[o]
}

// String implements fmt.Stringer.
func (o Opcode) String() string { return o.info().name }

// Arity returns the number of arguments, or -1 if variadic.
func (o Opcode) Arity() int { return o.info().arity }

// IsGuard returns true for guard_* operations.
func (o Opcode) IsGuard() bool { return o.info().flags&flagGuard != 0 }

// IsComparison returns true for operations producing a boolean that a
// following guard_true or guard_false can consume directly from the flags.
func (o Opcode) IsComparison() bool { return o.info().flags&flagComparison != 0 }

// IsOverflow returns true for *_ovf operations, which must be followed by
// guard_no_overflow or guard_overflow.
func (o Opcode) IsOverflow() bool { return o.info().flags&flagOverflow != 0 }

// IsCall returns true for call operations.
func (o Opcode) IsCall() bool { return o.info().flags&flagCall != 0 }

// IsFinal returns true for jump and finish.
func (o Opcode) IsFinal() bool { return o.info().flags&flagFinal != 0 }

// IsPure returns true if the operation has no side effects.
func (o Opcode) IsPure() bool { return o.info().flags&flagPure != 0 }

// HasFloatArgs returns true if the operands are floats.
func (o Opcode) HasFloatArgs() bool { return o.info().flags&flagFloatArgs != 0 }

// IsGuardAfterCall returns true for guards that must directly follow a call.
func (o Opcode) IsGuardAfterCall() bool { return o.info().flags&flagGuardAfterCall != 0 }

// Valid returns true if o names an operation.
func (o Opcode) Valid() bool { return o > OpcodeInvalid && o < opcodeEnd }
