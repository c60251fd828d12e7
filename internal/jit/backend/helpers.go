package backend

import (
	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/loc"
)

// helperAddrs are the addresses of the runtime helpers shared by every
// unit of a Backend. Zero means the helper was not built.
type helperAddrs struct {
	// failure is indexed by whether the exit saves the pending exception,
	// then by whether the fail args include double registers.
	failure           [2][2]uint32
	reallocFrame      uint32
	mallocSlowpath    uint32
	writeBarrier      uint32
	writeBarrierArray uint32
	stackCheck        uint32
}

var (
	// preservedByMalloc are the registers the malloc helper keeps.
	preservedByMalloc = loc.CoreRegisters[2:]

	// barrierSaved are pushed by the write barrier helpers, which return
	// through the saved lr.
	barrierSaved  = arm.NewRegisterList(arm.REG_R0, arm.REG_R1, arm.REG_R2, arm.REG_R3, arm.REG_IP, arm.REG_LR)
	barrierReturn = arm.NewRegisterList(arm.REG_R0, arm.REG_R1, arm.REG_R2, arm.REG_R3, arm.REG_IP, arm.REG_PC)

	linkSaved     = arm.NewRegisterList(arm.REG_IP, arm.REG_LR)
	linkReturn    = arm.NewRegisterList(arm.REG_IP, arm.REG_PC)
)

const numFloatRegisters = 16

// buildHelpers assembles and publishes the helpers the configuration needs.
func (b *Backend) buildHelpers() error {
	gc, rt := b.cfg.gc, b.cfg.runtime
	for exc := 0; exc < 2; exc++ {
		for floats := 0; floats < 2; floats++ {
			exc, floats := exc == 1, floats == 1
			addr, err := b.publishHelper(func(e *emitter) { e.failureTrampoline(exc, floats) })
			if err != nil {
				return err
			}
			b.helpers.failure[boolIndex(exc)][boolIndex(floats)] = addr
		}
	}

	var err error
	if b.helpers.reallocFrame, err = b.publishHelper((*emitter).reallocFrameHelper); err != nil {
		return err
	}
	if gc.NurseryFreeAddr != 0 {
		if b.helpers.mallocSlowpath, err = b.publishHelper((*emitter).mallocSlowpathHelper); err != nil {
			return err
		}
	}
	if gc.WriteBarrier != 0 {
		if b.helpers.writeBarrier, err = b.publishHelper(func(e *emitter) { e.barrierHelper(gc.WriteBarrier) }); err != nil {
			return err
		}
	}
	if gc.WriteBarrierArray != 0 {
		if b.helpers.writeBarrierArray, err = b.publishHelper(func(e *emitter) { e.barrierHelper(gc.WriteBarrierArray) }); err != nil {
			return err
		}
	}
	if rt.StackLimitAddr != 0 {
		if b.helpers.stackCheck, err = b.publishHelper((*emitter).stackCheckHelper); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) publishHelper(build func(e *emitter)) (uint32, error) {
	a := arm.NewAssembler()
	build(&emitter{asm: a, cfg: b.cfg})
	var seg asm.CodeSegment
	buf := seg.Next()
	if err := a.Assemble(buf); err != nil {
		return 0, err
	}
	return b.mem.Publish(buf.Bytes())
}

// failureTrampoline is where guard stubs jump, with the gcmap address then
// the fail descr handle on the stack. It saves the registers into the
// frame and leaves the unit.
func (e *emitter) failureTrampoline(saveExc, floats bool) {
	e.saveCoreRegisters(loc.CoreRegisters...)
	if floats {
		e.saveFloatRegisters(arm.REG_D0, numFloatRegisters)
	}
	if saveExc {
		e.moveExceptionToFrame()
	}
	e.asm.CompileRegisterList(arm.POP, asm.NilRegister, arm.NewRegisterList(loc.ScratchCore))
	e.asm.CompileRegisterToMemory(arm.STR, loc.ScratchCore, arm.REG_FP, int64(e.cfg.frame.GCMap))
	e.asm.CompileRegisterList(arm.POP, asm.NilRegister, arm.NewRegisterList(loc.ScratchCore))
	e.asm.CompileRegisterToMemory(arm.STR, loc.ScratchCore, arm.REG_FP, int64(e.cfg.frame.Descr))
	e.epilogue()
}

// moveExceptionToFrame stores the pending exception value into
// jf_guard_exc and clears the exception. ip and lr are clobbered.
func (e *emitter) moveExceptionToFrame() {
	rt := e.cfg.runtime
	e.loadWordAt(rt.ExcValueAddr, loc.ScratchAddr)
	e.asm.CompileRegisterToMemory(arm.STR, loc.ScratchAddr, arm.REG_FP, int64(e.cfg.frame.GuardExc))
	e.asm.CompileConstToRegister(arm.MOV, 0, loc.ScratchAddr)
	e.storeWordAt(loc.ScratchAddr, rt.ExcValueAddr, loc.ScratchCore)
	e.storeWordAt(loc.ScratchAddr, rt.ExcTypeAddr, loc.ScratchCore)
}

// propagateException leaves the unit with the pending exception. It must
// run at the sp the prologue left.
func (e *emitter) propagateException() {
	e.moveExceptionToFrame()
	e.storeFrameConst(e.cfg.runtime.PropagateExceptionHandle, e.cfg.frame.Descr)
	e.epilogue()
}

// reallocFrameHelper is called with the gcmap address then the wanted
// length of jf_frame on the stack, which it pops. Every register is kept,
// while fp may move.
func (e *emitter) reallocFrameHelper() {
	e.asm.CompileRegisterList(arm.PUSH, asm.NilRegister, linkSaved)
	e.saveCoreRegisters(loc.CoreRegisters...)
	e.saveFloatRegisters(arm.REG_D0, numFloatRegisters)
	e.asm.CompileMemoryToRegister(arm.LDR, arm.REG_SP, 8, arm.REG_R0)
	e.asm.CompileRegisterToMemory(arm.STR, arm.REG_R0, arm.REG_FP, int64(e.cfg.frame.GCMap))
	e.asm.CompileMemoryToRegister(arm.LDR, arm.REG_SP, 12, arm.REG_R1)
	e.asm.CompileRegisterToRegister(arm.MOV, arm.REG_FP, arm.REG_R0)
	e.callAbsolute(e.cfg.runtime.ReallocFrame)
	e.asm.CompileRegisterToRegister(arm.MOV, arm.REG_R0, arm.REG_FP)
	if top := e.cfg.gc.ShadowStackTopAddr; top != 0 {
		e.loadWordAt(top, loc.ScratchCore)
		e.asm.CompileRegisterToMemory(arm.STR, arm.REG_FP, loc.ScratchCore, -4)
	}
	e.storeFrameConst(0, e.cfg.frame.GCMap)
	e.restoreFloatRegisters(arm.REG_D0, numFloatRegisters)
	e.restoreCoreRegisters(loc.CoreRegisters...)
	e.asm.CompileRegisterList(arm.POP, asm.NilRegister, linkSaved)
	e.asm.CompileRegisterAndConstToRegister(arm.ADD, arm.REG_SP, 8, arm.REG_SP)
	e.asm.CompileJumpToRegister(arm.BX, arm.REG_LR)
}

// mallocSlowpathHelper is called with the object start in r0 and its end
// in r1, jf_gcmap describing the references. It returns the object in r0
// and the nursery free pointer in r1, or leaves the unit when the
// allocation raised.
func (e *emitter) mallocSlowpathHelper() {
	e.asm.CompileRegisterList(arm.PUSH, asm.NilRegister, linkSaved)
	e.asm.CompileTwoRegistersToRegister(arm.SUB, arm.REG_R1, arm.REG_R0, arm.REG_R0)
	e.saveCoreRegisters(preservedByMalloc...)
	e.saveFloatRegisters(arm.REG_D0, 8)
	e.callAbsolute(e.cfg.gc.MallocSlowpath)
	e.restoreFloatRegisters(arm.REG_D0, 8)
	e.restoreCoreRegisters(preservedByMalloc...)
	e.asm.CompileRegisterAndConstToNone(arm.CMP, arm.REG_R0, 0)
	failed := e.asm.CompileConditionalJump(arm.COND_EQ)
	e.loadWordAt(e.cfg.gc.NurseryFreeAddr, arm.REG_R1)
	e.storeFrameConst(0, e.cfg.frame.GCMap)
	e.asm.CompileRegisterList(arm.POP, asm.NilRegister, linkReturn)

	e.asm.SetJumpTargetOnNext(failed)
	e.asm.CompileRegisterAndConstToRegister(arm.ADD, arm.REG_SP, 8, arm.REG_SP)
	e.propagateException()
}

// stackCheckHelper calls the runtime stack check with sp, and leaves the
// unit if it raised.
func (e *emitter) stackCheckHelper() {
	e.asm.CompileRegisterList(arm.PUSH, asm.NilRegister, linkSaved)
	e.asm.CompileRegisterToRegister(arm.MOV, arm.REG_SP, arm.REG_R0)
	e.callAbsolute(e.cfg.runtime.StackCheck)
	e.loadWordAt(e.cfg.runtime.ExcTypeAddr, loc.ScratchCore)
	e.asm.CompileRegisterAndConstToNone(arm.CMP, loc.ScratchCore, 0)
	raised := e.asm.CompileConditionalJump(arm.COND_NE)
	e.asm.CompileRegisterList(arm.POP, asm.NilRegister, linkReturn)

	e.asm.SetJumpTargetOnNext(raised)
	e.asm.CompileRegisterAndConstToRegister(arm.ADD, arm.REG_SP, 8, arm.REG_SP)
	e.propagateException()
}

// barrierHelper calls fn with the object passed in ip, keeping every
// register the generated code may use.
func (e *emitter) barrierHelper(fn uint32) {
	e.asm.CompileRegisterList(arm.PUSH, asm.NilRegister, barrierSaved)
	e.asm.CompileVFPRegisterList(arm.VPUSH, asm.NilRegister, arm.REG_D0, 8)
	e.asm.CompileRegisterToRegister(arm.MOV, loc.ScratchCore, arm.REG_R0)
	e.callAbsolute(fn)
	e.asm.CompileVFPRegisterList(arm.VPOP, asm.NilRegister, arm.REG_D0, 8)
	e.asm.CompileRegisterList(arm.POP, asm.NilRegister, barrierReturn)
}

// emitStackCheck calls the stack check helper when sp is below the limit.
func (c *compiler) emitStackCheck() {
	rt := c.cfg.runtime
	if rt.StackLimitAddr == 0 {
		return
	}
	c.loadWordAt(rt.StackLimitAddr, loc.ScratchCore)
	c.asm.CompileTwoRegistersToNone(arm.CMP, arm.REG_SP, loc.ScratchCore)
	ok := c.asm.CompileConditionalJump(arm.COND_HS)
	c.callAbsolute(c.helpers.stackCheck)
	c.asm.SetJumpTargetOnNext(ok)
}
