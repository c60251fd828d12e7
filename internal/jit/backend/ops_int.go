package backend

import (
	"fmt"
	"math/bits"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/jit/regalloc"
	"github.com/tetratelabs/armjit/internal/trace"
)

// immediateForm returns the instruction and operand computing `x inst w`
// with an immediate, if one exists.
func immediateForm(inst asm.Instruction, w uint32) (asm.Instruction, uint32, bool) {
	if arm.CanEncodeImmediate(int64(w)) {
		return inst, w, true
	}
	switch inst {
	case arm.ADD:
		if arm.CanEncodeImmediate(int64(-w)) {
			return arm.SUB, -w, true
		}
	case arm.SUB:
		if arm.CanEncodeImmediate(int64(-w)) {
			return arm.ADD, -w, true
		}
	case arm.AND:
		if arm.CanEncodeImmediate(int64(^w)) {
			return arm.BIC, ^w, true
		}
	}
	return 0, 0, false
}

// emitIntBinary emits dst = a inst b, using an immediate when b is a
// constant that fits. Commutative operations also accept a constant a.
func (c *compiler) emitIntBinary(op *trace.Op, inst asm.Instruction, commutative bool) {
	a, b := op.Args[0], op.Args[1]
	if commutative && trace.IsConst(a) && !trace.IsConst(b) {
		a, b = b, a
	}
	if w, ok := trace.ConstWord(b); ok {
		if !op.Opcode.IsOverflow() {
			if i, v, ok := immediateForm(inst, w); ok {
				src := c.reg(a)
				dst := c.result(op)
				c.asm.CompileRegisterAndConstToRegister(i, src, int64(v), dst)
				return
			}
		} else if arm.CanEncodeImmediate(int64(w)) {
			src := c.reg(a)
			dst := c.result(op)
			c.asm.CompileRegisterAndConstToRegister(inst, src, int64(w), dst)
			return
		}
	}
	if w, ok := trace.ConstWord(a); ok && (inst == arm.SUB || inst == arm.SUBS) && arm.CanEncodeImmediate(int64(w)) {
		rsb := arm.RSB
		if inst == arm.SUBS {
			rsb = arm.RSBS
		}
		src := c.reg(b)
		dst := c.result(op)
		c.asm.CompileRegisterAndConstToRegister(rsb, src, int64(w), dst)
		return
	}
	ra := c.reg(a)
	rb := c.reg(b)
	dst := c.result(op)
	c.asm.CompileTwoRegistersToRegister(inst, ra, rb, dst)
}

func compileIntAdd(c *compiler, op *trace.Op) error {
	c.emitIntBinary(op, arm.ADD, true)
	return nil
}

func compileIntSub(c *compiler, op *trace.Op) error {
	c.emitIntBinary(op, arm.SUB, false)
	return nil
}

func compileIntMul(c *compiler, op *trace.Op) error {
	ra := c.reg(op.Args[0])
	rb := c.reg(op.Args[1])
	dst := c.result(op)
	c.asm.CompileTwoRegistersToRegister(arm.MUL, ra, rb, dst)
	return nil
}

func compileIntAnd(c *compiler, op *trace.Op) error {
	c.emitIntBinary(op, arm.AND, true)
	return nil
}

func compileIntOr(c *compiler, op *trace.Op) error {
	c.emitIntBinary(op, arm.ORR, true)
	return nil
}

func compileIntXor(c *compiler, op *trace.Op) error {
	c.emitIntBinary(op, arm.EOR, true)
	return nil
}

func compileIntAddOvf(c *compiler, op *trace.Op) error {
	c.emitIntBinary(op, arm.ADDS, true)
	c.ovfCond = arm.COND_VS
	return nil
}

func compileIntSubOvf(c *compiler, op *trace.Op) error {
	c.emitIntBinary(op, arm.SUBS, false)
	c.ovfCond = arm.COND_VS
	return nil
}

// compileIntMulOvf computes the 64-bit product, which overflowed when the
// high word is not the sign extension of the low one.
func compileIntMulOvf(c *compiler, op *trace.Op) error {
	ra := c.reg(op.Args[0])
	rb := c.reg(op.Args[1])
	hi := c.ra.Temp(trace.KindInt).Reg
	dst := c.result(op)
	c.asm.CompileTwoRegistersToTwoRegisters(arm.SMULL, ra, rb, dst, hi)
	c.asm.CompileShiftedRegisterToNone(arm.CMP, hi, dst, arm.SHIFT_ASR, 31)
	c.ovfCond = arm.COND_NE
	return nil
}

func compileUintMulHigh(c *compiler, op *trace.Op) error {
	ra := c.reg(op.Args[0])
	rb := c.reg(op.Args[1])
	lo := c.ra.Temp(trace.KindInt).Reg
	dst := c.result(op)
	c.asm.CompileTwoRegistersToTwoRegisters(arm.UMULL, ra, rb, lo, dst)
	return nil
}

// compileShift uses the immediate form for constant amounts. Any amount of
// 32 or more yields 0, or the sign for int_rshift. The register form of a
// shift only reads the bottom byte of the amount, so the whole word is
// compared with 32 first.
func compileShift(inst asm.Instruction) emitFunc {
	return func(c *compiler, op *trace.Op) error {
		src := c.reg(op.Args[0])
		if w, ok := trace.ConstWord(op.Args[1]); ok {
			dst := c.result(op)
			switch {
			case w < 32:
				c.asm.CompileRegisterAndConstToRegister(inst, src, int64(w), dst)
			case inst == arm.ASR:
				c.asm.CompileRegisterAndConstToRegister(inst, src, 31, dst)
			default:
				c.asm.CompileConstToRegister(arm.MOV, 0, dst)
			}
			return nil
		}
		amount := c.reg(op.Args[1])
		dst := c.result(op)
		c.asm.CompileRegisterAndConstToNone(arm.CMP, amount, 32)
		if inst == arm.ASR {
			c.asm.CompileRegisterToRegister(arm.MOV, amount, loc.ScratchCore)
			c.asm.CompileConditionalConstToRegister(arm.COND_HS, 31, loc.ScratchCore)
			c.asm.CompileTwoRegistersToRegister(inst, src, loc.ScratchCore, dst)
			return nil
		}
		c.asm.CompileTwoRegistersToRegister(inst, src, amount, dst)
		c.asm.CompileConditionalConstToRegister(arm.COND_HS, 0, dst)
		return nil
	}
}

func compileIntNeg(c *compiler, op *trace.Op) error {
	src := c.reg(op.Args[0])
	dst := c.result(op)
	c.asm.CompileRegisterAndConstToRegister(arm.RSB, src, 0, dst)
	return nil
}

func compileIntInvert(c *compiler, op *trace.Op) error {
	src := c.reg(op.Args[0])
	dst := c.result(op)
	c.asm.CompileRegisterToRegister(arm.MVN, src, dst)
	return nil
}

func compileIntForceGeZero(c *compiler, op *trace.Op) error {
	src := c.reg(op.Args[0])
	dst := c.result(op)
	c.asm.CompileRegisterAndConstToNone(arm.CMP, src, 0)
	if src != dst {
		c.asm.CompileRegisterToRegister(arm.MOV, src, dst)
	}
	c.asm.CompileConditionalConstToRegister(arm.COND_LT, 0, dst)
	return nil
}

// emitIntCompare sets the flags from a - b and returns the condition
// meaning cond once the operands may have been swapped to fit an immediate.
func (c *compiler) emitIntCompare(a, b trace.Value, cond asm.ConditionalRegisterState) asm.ConditionalRegisterState {
	if trace.IsConst(a) && !trace.IsConst(b) {
		a, b = b, a
		cond = swapCondition(cond)
	}
	ra := c.reg(a)
	if w, ok := trace.ConstWord(b); ok {
		switch {
		case arm.CanEncodeImmediate(int64(w)):
			c.asm.CompileRegisterAndConstToNone(arm.CMP, ra, int64(w))
			return cond
		case arm.CanEncodeImmediate(int64(-w)):
			c.asm.CompileRegisterAndConstToNone(arm.CMN, ra, int64(-w))
			return cond
		}
	}
	rb := c.reg(b)
	c.asm.CompileTwoRegistersToNone(arm.CMP, ra, rb)
	return cond
}

// swapCondition returns the condition of b ? a given the one of a ? b.
func swapCondition(cond asm.ConditionalRegisterState) asm.ConditionalRegisterState {
	switch cond {
	case arm.COND_LT:
		return arm.COND_GT
	case arm.COND_GT:
		return arm.COND_LT
	case arm.COND_LE:
		return arm.COND_GE
	case arm.COND_GE:
		return arm.COND_LE
	case arm.COND_LO:
		return arm.COND_HI
	case arm.COND_HI:
		return arm.COND_LO
	case arm.COND_LS:
		return arm.COND_HS
	case arm.COND_HS:
		return arm.COND_LS
	}
	return cond
}

// fusesWithNextGuard returns true if the boolean result of op is only read
// by the guard_true or guard_false right after it, which then branches on
// the flags.
func (c *compiler) fusesWithNextGuard(op *trace.Op) bool {
	next := c.nextOp()
	if next == nil || (next.Opcode != trace.OpcodeGuardTrue && next.Opcode != trace.OpcodeGuardFalse) {
		return false
	}
	if next.Args[0] != trace.Value(op.Result) {
		return false
	}
	if lt := c.longevity.Lifetime(op.Result); lt == nil || lt.Last != c.ra.Position()+1 {
		return false
	}
	for _, b := range next.FailArgs {
		if b == op.Result {
			return false
		}
	}
	return true
}

// setCondResult materializes the condition as 0 or 1, unless the next
// guard consumes the flags.
func (c *compiler) setCondResult(op *trace.Op, cond asm.ConditionalRegisterState) {
	if c.fusesWithNextGuard(op) {
		c.fusedCond = cond
		return
	}
	// Moves emitted by the allocation below leave the flags alone.
	dst := c.result(op)
	c.asm.CompileConstToRegister(arm.MOV, 0, dst)
	c.asm.CompileConditionalConstToRegister(cond, 1, dst)
}

func compileIntComparison(cond asm.ConditionalRegisterState) emitFunc {
	return func(c *compiler, op *trace.Op) error {
		cond := c.emitIntCompare(op.Args[0], op.Args[1], cond)
		c.setCondResult(op, cond)
		return nil
	}
}

func compileIntIsTrue(c *compiler, op *trace.Op) error {
	c.asm.CompileRegisterAndConstToNone(arm.CMP, c.reg(op.Args[0]), 0)
	c.setCondResult(op, arm.COND_NE)
	return nil
}

func compileIntIsZero(c *compiler, op *trace.Op) error {
	c.asm.CompileRegisterAndConstToNone(arm.CMP, c.reg(op.Args[0]), 0)
	c.setCondResult(op, arm.COND_EQ)
	return nil
}

// compileHelperDivision calls the runtime for the division flavors the
// hardware lacks.
func compileHelperDivision(opcode trace.Opcode) emitFunc {
	return func(c *compiler, op *trace.Op) error {
		rt := c.cfg.runtime
		var fn uint32
		switch opcode {
		case trace.OpcodeIntFloorDiv:
			fn = rt.IntFloorDiv
		case trace.OpcodeIntMod:
			fn = rt.IntMod
		case trace.OpcodeUintFloorDiv:
			fn = rt.UintFloorDiv
		}
		if fn == 0 {
			return fmt.Errorf("%w: no helper for %s", ErrInvalidConfig, opcode)
		}
		c.ra.BeforeCall(regalloc.SaveCallerSaved)
		args := []trace.Value{op.Args[0], op.Args[1]}
		c.emitCallTo(op, fn, args, []trace.ArgType{trace.ArgInt, trace.ArgInt}, trace.ArgInt)
		return nil
	}
}

// emitCallTo calls the helper at fn once the registers were saved, then
// binds the result of op.
func (c *compiler) emitCallTo(op *trace.Op, fn uint32, args []trace.Value, types []trace.ArgType, result trace.ArgType) {
	locs := c.argLocations(args)
	c.calls.Call(locImm(fn), locs, types)
	c.ra.FreeDyingArgs(op)
	if op.Result != nil {
		c.ra.AfterCall(op.Result, c.calls.FetchResult(result, 0, false))
	}
}

// log2 returns the base 2 logarithm of a power of two, or -1.
func log2(v int) int {
	if v <= 0 || v&(v-1) != 0 {
		return -1
	}
	return bits.TrailingZeros(uint(v))
}
