package backend

import (
	"fmt"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/jit/regalloc"
	"github.com/tetratelabs/armjit/internal/trace"
)

const nurseryAlignment = 8

func roundUp(v, align int) int { return (v + align - 1) &^ (align - 1) }

// compileCallMallocNursery bumps the nursery pointer by a constant size.
// The object ends up in r0 and the new free pointer in r1.
func compileCallMallocNursery(c *compiler, op *trace.Op) error {
	gc := c.cfg.gc
	if gc.NurseryFreeAddr == 0 {
		return fmt.Errorf("%w: no nursery", ErrInvalidConfig)
	}
	w, ok := trace.ConstWord(op.Args[0])
	if !ok || int32(w) <= 0 {
		return fmt.Errorf("allocation size %s must be a positive constant", op.Args[0])
	}
	size := roundUp(int(w), nurseryAlignment)

	free := c.ra.TempSelected(arm.REG_R1).Reg
	obj := c.ra.ForceAllocateSelected(op.Result, arm.REG_R0).Reg
	c.loadWordAt(gc.NurseryFreeAddr, obj)
	c.addConst(obj, int32(size), free, free)
	c.emitNurseryCheck(obj, free)
	return nil
}

// compileCallMallocGC calls an allocation function that returns null with
// an exception pending when it fails, and leaves the unit in that case.
func compileCallMallocGC(c *compiler, op *trace.Op) error {
	if d := op.CallDescr(); d.Result != trace.ArgRef {
		return fmt.Errorf("%s must return a ref", d)
	}
	c.emitCall(op, regalloc.SaveGCRefs)
	c.asm.CompileRegisterAndConstToNone(arm.CMP, arm.REG_R0, 0)
	ok := c.asm.CompileConditionalJump(arm.COND_NE)
	c.propagateException()
	c.asm.SetJumpTargetOnNext(ok)
	return nil
}

// compileCallMallocNurseryVarsize allocates an array of the length
// argument and stores the length.
func compileCallMallocNurseryVarsize(c *compiler, op *trace.Op) error {
	gc := c.cfg.gc
	if gc.NurseryFreeAddr == 0 {
		return fmt.Errorf("%w: no nursery", ErrInvalidConfig)
	}
	d, ok := op.Descr.(*trace.ArrayDescr)
	if !ok {
		return errDescr(op)
	}
	length := c.reg(op.Args[0], arm.REG_R0, arm.REG_R1)
	free := c.ra.TempSelected(arm.REG_R1).Reg
	obj := c.ra.ForceAllocateSelected(op.Result, arm.REG_R0).Reg

	c.loadWordAt(gc.NurseryFreeAddr, obj)
	if s := log2(d.ItemSize); s >= 0 {
		c.asm.CompileShiftedRegisterToRegister(arm.ADD, obj, length, arm.SHIFT_LSL, s, free)
	} else {
		c.loadConst(uint32(d.ItemSize), loc.ScratchCore)
		c.asm.CompileTwoRegistersToRegister(arm.MUL, length, loc.ScratchCore, loc.ScratchCore)
		c.asm.CompileTwoRegistersToRegister(arm.ADD, obj, loc.ScratchCore, free)
	}
	c.addConst(free, int32(d.BaseSize+nurseryAlignment-1), free, loc.ScratchCore)
	c.asm.CompileRegisterAndConstToRegister(arm.BIC, free, nurseryAlignment-1, free)
	c.emitNurseryCheck(obj, free)
	c.memOp(arm.STR, length, obj, int32(d.LenOffset), loc.ScratchCore)
	return nil
}

// emitNurseryCheck calls the malloc helper when free passed the nursery
// top, then commits free. The helper keeps every register but r0, r1, ip
// and lr, and updates the references the gcmap points at.
func (c *compiler) emitNurseryCheck(obj, free asm.Register) {
	gc := c.cfg.gc
	c.loadWordAt(gc.NurseryTopAddr, loc.ScratchCore)
	c.asm.CompileTwoRegistersToNone(arm.CMP, free, loc.ScratchCore)
	ok := c.asm.CompileConditionalJump(arm.COND_LS)
	c.storeGCMap(c.liveRefsExcept(obj, free))
	c.callAbsolute(c.helpers.mallocSlowpath)
	c.asm.SetJumpTargetOnNext(ok)
	c.storeWordAt(free, gc.NurseryFreeAddr, loc.ScratchCore)
	if c.cfg.alignmentCheck {
		c.asm.CompileRegisterAndConstToNone(arm.TST, obj, nurseryAlignment-1)
		aligned := c.asm.CompileConditionalJump(arm.COND_EQ)
		c.asm.CompileStandAlone(arm.BKPT)
		c.asm.SetJumpTargetOnNext(aligned)
	}
}

// compileCondCallGCWB calls the write barrier unless the object is
// already remembered.
func compileCondCallGCWB(c *compiler, op *trace.Op) error {
	d, ok := op.Descr.(*trace.WriteBarrierDescr)
	if !ok {
		return errDescr(op)
	}
	if c.cfg.gc.WriteBarrier == 0 {
		return fmt.Errorf("%w: no write barrier", ErrInvalidConfig)
	}
	obj := c.reg(op.Args[0])
	c.emitFlagTest(obj, d, d.FlagMask)
	done := c.asm.CompileConditionalJump(arm.COND_NE)
	c.emitBarrierCall(obj, c.helpers.writeBarrier)
	c.asm.SetJumpTargetOnNext(done)
	return nil
}

// compileCondCallGCWBArray is the barrier of an array store at the index
// argument. Arrays using card marking only get the card of the index set.
func compileCondCallGCWBArray(c *compiler, op *trace.Op) error {
	d, ok := op.Descr.(*trace.WriteBarrierDescr)
	if !ok {
		return errDescr(op)
	}
	if !d.CardMarking() {
		return compileCondCallGCWB(c, op)
	}
	if c.cfg.gc.WriteBarrierArray == 0 {
		return fmt.Errorf("%w: no array write barrier", ErrInvalidConfig)
	}
	arr := c.reg(op.Args[0])
	var index asm.Register
	if !trace.IsConst(op.Args[1]) {
		index = c.reg(op.Args[1])
	}
	var tmp asm.Register
	if index != asm.NilRegister {
		tmp = c.ra.Temp(trace.KindInt).Reg
	}

	c.emitFlagTest(arr, d, d.FlagMask|d.CardsMask)
	// Neither remembered nor card marking: the helper decides.
	check := c.asm.CompileConditionalJump(arm.COND_NE)
	c.emitBarrierCall(arr, c.helpers.writeBarrierArray)
	c.emitFlagTest(arr, d, d.CardsMask)
	done := c.asm.CompileConditionalJump(arm.COND_EQ)
	skip := c.asm.CompileJump(arm.B)

	c.asm.SetJumpTargetOnNext(check)
	c.emitFlagTest(arr, d, d.CardsMask)
	done2 := c.asm.CompileConditionalJump(arm.COND_EQ)

	c.asm.SetJumpTargetOnNext(skip)
	if index == asm.NilRegister {
		w, _ := trace.ConstWord(op.Args[1])
		card := w >> d.CardPageShift
		off := ^int32(card >> 3)
		c.memOp(arm.LDRB, loc.ScratchCore, arr, off, loc.ScratchCore)
		c.asm.CompileRegisterAndConstToRegister(arm.ORR, loc.ScratchCore, int64(1)<<(card&7), loc.ScratchCore)
		c.memOp(arm.STRB, loc.ScratchCore, arr, off, loc.ScratchAddr)
	} else {
		// byte ^(card>>3), bit card&7
		c.asm.CompileShiftedRegisterToRegister(arm.MOV, asm.NilRegister, index, arm.SHIFT_LSR, int(d.CardPageShift), tmp)
		c.asm.CompileRegisterAndConstToRegister(arm.AND, tmp, 7, loc.ScratchCore)
		c.asm.CompileConstToRegister(arm.MOV, 1, loc.ScratchAddr)
		c.asm.CompileTwoRegistersToRegister(arm.LSL, loc.ScratchAddr, loc.ScratchCore, loc.ScratchAddr)
		c.asm.CompileShiftedRegisterToRegister(arm.MVN, asm.NilRegister, tmp, arm.SHIFT_LSR, 3, tmp)
		c.asm.CompileMemoryWithRegisterOffsetToRegister(arm.LDRB, arr, tmp, 0, loc.ScratchCore)
		c.asm.CompileTwoRegistersToRegister(arm.ORR, loc.ScratchCore, loc.ScratchAddr, loc.ScratchCore)
		c.asm.CompileRegisterToMemoryWithRegisterOffset(arm.STRB, loc.ScratchCore, arr, tmp, 0)
	}
	c.asm.SetJumpTargetOnNext(done)
	c.asm.SetJumpTargetOnNext(done2)
	return nil
}

// emitFlagTest tests mask against the GC flag byte of obj. ip is clobbered.
func (c *compiler) emitFlagTest(obj asm.Register, d *trace.WriteBarrierDescr, mask byte) {
	c.memOp(arm.LDRB, loc.ScratchCore, obj, int32(d.FlagByteOffset), loc.ScratchCore)
	c.asm.CompileRegisterAndConstToNone(arm.TST, loc.ScratchCore, int64(mask))
}

// emitBarrierCall calls a barrier helper with the object in ip. The
// helper keeps every register.
func (c *compiler) emitBarrierCall(obj asm.Register, helper uint32) {
	c.asm.CompileRegisterToRegister(arm.MOV, obj, loc.ScratchCore)
	c.callAbsolute(helper)
}
