package backend

import (
	"errors"
	"fmt"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/callbuilder"
	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/jit/regalloc"
	"github.com/tetratelabs/armjit/internal/trace"
)

func locImm(v uint32) loc.Location { return loc.Imm(v) }

func (c *compiler) argLocations(args []trace.Value) []loc.Location {
	ret := make([]loc.Location, len(args))
	for i, a := range args {
		ret[i] = c.ra.Loc(a)
	}
	return ret
}

// emitCall saves the registers per mode and calls the target of op. With
// any mode but SaveCallerSaved, jf_gcmap describes the frame during the call.
func (c *compiler) emitCall(op *trace.Op, mode regalloc.SaveMode) {
	d := op.CallDescr()
	c.ra.BeforeCall(mode)
	withMap := mode != regalloc.SaveCallerSaved
	if withMap {
		c.storeGCMap(c.ra.LiveRefLocations())
	}
	target := c.ra.Loc(op.Args[0])
	c.calls.Call(target, c.argLocations(op.Args[1:]), d.Args)
	if withMap {
		c.clearGCMap()
	}
	c.ra.FreeDyingArgs(op)
	c.bindCallResult(op, d)
}

func (c *compiler) bindCallResult(op *trace.Op, d *trace.CallDescr) {
	r := c.calls.FetchResult(d.Result, d.ResultSize, d.ResultSigned)
	if op.Result == nil {
		return
	}
	if r == asm.NilRegister {
		bug("%s has a result but its descr returns void", op)
	}
	c.ra.AfterCall(op.Result, r)
}

func compileCall(c *compiler, op *trace.Op) error {
	mode := regalloc.SaveCallerSaved
	if op.CallDescr().CanCollect {
		mode = regalloc.SaveGCRefs
	}
	c.emitCall(op, mode)
	return nil
}

// compileCallMayForce saves every value in the frame, where the runtime
// reads them if the callee forces the frame. jf_force_descr names the
// guard_not_forced that follows.
func compileCallMayForce(c *compiler, op *trace.Op) error {
	next := c.nextOp()
	if next == nil || next.Opcode != trace.OpcodeGuardNotForced {
		return errors.New("call_may_force must be followed by guard_not_forced")
	}
	c.storeFrameConst(next.FailDescr().Handle, c.cfg.frame.ForceDescr)
	c.emitCall(op, regalloc.SaveAll)
	return nil
}

// compileCallAssembler calls the loop of the descr on the frame argument.
// When the loop finished through the done descr the result is read from
// slot 0 of the frame it returned; otherwise the helper computes it.
func compileCallAssembler(c *compiler, op *trace.Op) error {
	d, ok := op.Descr.(*trace.CallAssemblerDescr)
	if !ok {
		return errDescr(op)
	}
	next := c.nextOp()
	if next == nil || next.Opcode != trace.OpcodeGuardNotForced {
		return errors.New("call_assembler must be followed by guard_not_forced")
	}
	switch {
	case d.Helper == 0:
		return fmt.Errorf("%s has no helper", d)
	case d.Result == trace.ArgSingleFloat:
		return fmt.Errorf("%s: single float results are not supported", d)
	}
	target := c.backend.loopAddr(d.Loop)
	if target == 0 {
		return fmt.Errorf("call_assembler of %s, which is not assembled", d.Loop)
	}

	c.storeFrameConst(next.FailDescr().Handle, c.cfg.frame.ForceDescr)
	c.ra.BeforeCall(regalloc.SaveAll)
	c.storeGCMap(c.ra.LiveRefLocations())
	frameArg := []trace.ArgType{trace.ArgRef}
	c.calls.Call(locImm(target), c.argLocations(op.Args), frameArg)

	// r0 is the frame the loop returned, which it may have reallocated.
	c.asm.CompileMemoryToRegister(arm.LDR, arm.REG_R0, int64(c.cfg.frame.Descr), loc.ScratchCore)
	c.compareWithConst(loc.ScratchCore, d.DoneHandle, loc.ScratchAddr)
	done := c.asm.CompileConditionalJump(arm.COND_EQ)
	c.calls.Call(locImm(d.Helper), []loc.Location{loc.CoreReg(arm.REG_R0)}, frameArg)
	merge := c.asm.CompileJump(arm.B)

	c.asm.SetJumpTargetOnNext(done)
	slot0 := c.slotOffset(0)
	switch {
	case d.Result == trace.ArgVoid:
		c.asm.CompileStandAlone(arm.NOP)
	case d.Result == trace.ArgFloat && c.cfg.abi == callbuilder.ABIHardFloat:
		c.asm.CompileMemoryToRegister(arm.VLDR, arm.REG_R0, int64(slot0), arm.REG_D0)
	case d.Result == trace.ArgFloat:
		c.asm.CompileMemoryToRegister(arm.LDR, arm.REG_R0, int64(slot0+4), arm.REG_R1)
		c.asm.CompileMemoryToRegister(arm.LDR, arm.REG_R0, int64(slot0), arm.REG_R0)
	default:
		c.asm.CompileMemoryToRegister(arm.LDR, arm.REG_R0, int64(slot0), arm.REG_R0)
	}
	c.asm.SetJumpTargetOnNext(merge)

	c.clearGCMap()
	c.ra.FreeDyingArgs(op)
	c.bindCallResult(op, &trace.CallDescr{Args: frameArg, Result: d.Result})
	return nil
}

// compileCallReleaseGIL surrounds the call with the GIL release and
// reacquire functions. Every value is in the frame across the three calls,
// and the result waits in callee-saved registers during the reacquire.
func compileCallReleaseGIL(c *compiler, op *trace.Op) error {
	rt := c.cfg.runtime
	if rt.ReleaseGIL == 0 || rt.ReacquireGIL == 0 {
		return fmt.Errorf("%w: GIL functions are required", ErrInvalidConfig)
	}
	d := op.CallDescr()
	c.ra.BeforeCall(regalloc.SaveAll)
	for _, a := range op.Args {
		if b, ok := a.(*trace.Box); ok {
			c.ra.ForceSpill(b)
		}
	}
	c.storeGCMap(c.ra.LiveRefLocations())
	c.calls.Call(locImm(rt.ReleaseGIL), nil, nil)
	c.calls.Call(c.ra.Loc(op.Args[0]), c.argLocations(op.Args[1:]), d.Args)

	saved := c.saveCallResult(d.Result)
	c.calls.Call(locImm(rt.ReacquireGIL), nil, nil)
	for _, m := range saved {
		c.Move(m.Dst, m.Src)
	}
	c.clearGCMap()
	c.ra.FreeDyingArgs(op)
	c.bindCallResult(op, d)
	return nil
}

// saveCallResult copies the raw result registers into callee-saved ones
// and returns the copies made.
func (c *compiler) saveCallResult(typ trace.ArgType) []callbuilder.Move {
	var saved []callbuilder.Move
	switch {
	case typ == trace.ArgVoid:
	case typ == trace.ArgFloat && c.cfg.abi == callbuilder.ABISoftFloat:
		saved = []callbuilder.Move{
			{Src: loc.CoreReg(arm.REG_R0), Dst: loc.CoreReg(arm.REG_R4)},
			{Src: loc.CoreReg(arm.REG_R1), Dst: loc.CoreReg(arm.REG_R5)},
		}
	case typ == trace.ArgFloat || typ == trace.ArgSingleFloat && c.cfg.abi == callbuilder.ABIHardFloat:
		saved = []callbuilder.Move{{Src: loc.FloatReg(arm.REG_D0), Dst: loc.FloatReg(arm.REG_D8)}}
	default:
		saved = []callbuilder.Move{{Src: loc.CoreReg(arm.REG_R0), Dst: loc.CoreReg(arm.REG_R4)}}
	}
	for _, m := range saved {
		c.Move(m.Src, m.Dst)
	}
	return saved
}

func compileSameAs(c *compiler, op *trace.Op) error {
	src := c.ra.Loc(op.Args[0])
	if !trace.IsConst(op.Args[0]) {
		src = c.ra.MakeSureInReg(op.Args[0])
	}
	dst := c.result(op)
	if op.Result.Kind() == trace.KindFloat {
		c.Move(src, loc.FloatReg(dst))
	} else {
		c.Move(src, loc.CoreReg(dst))
	}
	return nil
}

func compileForceToken(c *compiler, op *trace.Op) error {
	dst := c.result(op)
	c.asm.CompileRegisterToRegister(arm.MOV, arm.REG_FP, dst)
	return nil
}

func compileNothing(*compiler, *trace.Op) error { return nil }

// compileIncrementDebugCounter increments the word at the address argument.
func compileIncrementDebugCounter(c *compiler, op *trace.Op) error {
	addr := c.reg(op.Args[0])
	c.asm.CompileMemoryToRegister(arm.LDR, addr, 0, loc.ScratchCore)
	c.asm.CompileRegisterAndConstToRegister(arm.ADD, loc.ScratchCore, 1, loc.ScratchCore)
	c.asm.CompileRegisterToMemory(arm.STR, loc.ScratchCore, addr, 0)
	return nil
}
