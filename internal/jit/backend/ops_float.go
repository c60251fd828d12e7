package backend

import (
	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/trace"
)

func compileFloatBinary(inst asm.Instruction) emitFunc {
	return func(c *compiler, op *trace.Op) error {
		ra := c.reg(op.Args[0])
		rb := c.reg(op.Args[1])
		dst := c.result(op)
		c.asm.CompileTwoRegistersToRegister(inst, ra, rb, dst)
		return nil
	}
}

func compileFloatUnary(inst asm.Instruction) emitFunc {
	return func(c *compiler, op *trace.Op) error {
		src := c.reg(op.Args[0])
		dst := c.result(op)
		c.asm.CompileRegisterToRegister(inst, src, dst)
		return nil
	}
}

// emitFloatCompare compares two doubles and copies the VFP flags into the
// core flags. Unordered operands set C and V, so every condition used for
// floats is false on NaN except ne.
func (c *compiler) emitFloatCompare(a, b trace.Value) {
	ra := c.reg(a)
	rb := c.reg(b)
	c.asm.CompileTwoRegistersToNone(arm.VCMP, ra, rb)
	c.asm.CompileStandAlone(arm.VMRS)
}

func compileFloatComparison(cond asm.ConditionalRegisterState) emitFunc {
	return func(c *compiler, op *trace.Op) error {
		c.emitFloatCompare(op.Args[0], op.Args[1])
		c.setCondResult(op, cond)
		return nil
	}
}

// compileCastFloatToInt truncates towards zero. Out of range values
// saturate and NaN gives 0.
func compileCastFloatToInt(c *compiler, op *trace.Op) error {
	src := c.reg(op.Args[0])
	dst := c.result(op)
	s := arm.LowSingleOf(loc.ScratchFloat)
	c.asm.CompileRegisterToRegister(arm.VCVTIF, src, s)
	c.asm.CompileRegisterToRegister(arm.VMOVRS, s, dst)
	return nil
}

func compileCastIntToFloat(c *compiler, op *trace.Op) error {
	src := c.reg(op.Args[0])
	dst := c.result(op)
	s := arm.LowSingleOf(loc.ScratchFloat)
	c.asm.CompileRegisterToRegister(arm.VMOVSR, src, s)
	c.asm.CompileRegisterToRegister(arm.VCVTFI, s, dst)
	return nil
}

// compileCastFloatToSingleFloat leaves the float32 bits in an int box.
func compileCastFloatToSingleFloat(c *compiler, op *trace.Op) error {
	src := c.reg(op.Args[0])
	dst := c.result(op)
	s := arm.LowSingleOf(loc.ScratchFloat)
	c.asm.CompileRegisterToRegister(arm.VCVTSD, src, s)
	c.asm.CompileRegisterToRegister(arm.VMOVRS, s, dst)
	return nil
}

func compileCastSingleFloatToFloat(c *compiler, op *trace.Op) error {
	src := c.reg(op.Args[0])
	dst := c.result(op)
	s := arm.LowSingleOf(loc.ScratchFloat)
	c.asm.CompileRegisterToRegister(arm.VMOVSR, src, s)
	c.asm.CompileRegisterToRegister(arm.VCVTDS, s, dst)
	return nil
}
