package backend

import (
	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/loc"
)

// emitter adds to an assembler the sequences shared by units and runtime
// helpers: constants, memory accesses at any offset, moves between
// locations, and the entry and exit sequences.
type emitter struct {
	asm arm.Assembler
	cfg *config
}

// calleeSaved is pushed by the prologue. ip keeps sp 8-byte aligned.
var calleeSaved = arm.NewRegisterList(
	arm.REG_R4, arm.REG_R5, arm.REG_R6, arm.REG_R7, arm.REG_R8, arm.REG_R9, arm.REG_R10,
	arm.REG_FP, arm.REG_IP, arm.REG_LR,
)

// calleeSavedReturn pops calleeSaved, returning through pc.
var calleeSavedReturn = arm.NewRegisterList(
	arm.REG_R4, arm.REG_R5, arm.REG_R6, arm.REG_R7, arm.REG_R8, arm.REG_R9, arm.REG_R10,
	arm.REG_FP, arm.REG_IP, arm.REG_PC,
)

const (
	// numCalleeSavedFloat is the number of doubles pushed from d8.
	numCalleeSavedFloat = 8
	// shadowStackEntry is the size of the entry a unit pushes on the shadow
	// stack: a marker then the frame.
	shadowStackEntry    = 8
	shadowStackMarker   = 1
)

func isLoad(inst asm.Instruction) bool {
	switch inst {
	case arm.LDR, arm.LDRB, arm.LDRH, arm.LDRSB, arm.LDRSH, arm.VLDR:
		return true
	}
	return false
}

func (e *emitter) loadConst(v uint32, dst asm.Register) asm.Node {
	return e.asm.CompileLoadConstant(int64(v), dst)
}

// addConst emits dst = src + v. scratch must differ from src and is only
// written when v cannot be encoded, in which case it may equal dst.
func (e *emitter) addConst(src asm.Register, v int32, dst, scratch asm.Register) {
	switch {
	case v == 0:
		if src != dst {
			e.asm.CompileRegisterToRegister(arm.MOV, src, dst)
		}
	case arm.CanEncodeImmediate(int64(v)):
		e.asm.CompileRegisterAndConstToRegister(arm.ADD, src, int64(v), dst)
	case arm.CanEncodeImmediate(-int64(v)):
		e.asm.CompileRegisterAndConstToRegister(arm.SUB, src, -int64(v), dst)
	default:
		e.loadConst(uint32(v), scratch)
		e.asm.CompileTwoRegistersToRegister(arm.ADD, src, scratch, dst)
	}
}

// memOp emits the load or store of rt at base+off. When off does not fit
// the instruction, the address goes through scratch, which must differ
// from base, and from rt for stores.
func (e *emitter) memOp(inst asm.Instruction, rt, base asm.Register, off int32, scratch asm.Register) {
	if !arm.FitsMemoryOffset(inst, int64(off)) {
		e.addConst(base, off, scratch, scratch)
		base, off = scratch, 0
	}
	if isLoad(inst) {
		e.asm.CompileMemoryToRegister(inst, base, int64(off), rt)
	} else {
		e.asm.CompileRegisterToMemory(inst, rt, base, int64(off))
	}
}

// loadWordAt loads the word at the absolute address addr into dst.
func (e *emitter) loadWordAt(addr uint32, dst asm.Register) {
	e.loadConst(addr, dst)
	e.asm.CompileMemoryToRegister(arm.LDR, dst, 0, dst)
}

// storeWordAt stores src at the absolute address addr, using scratch for
// the address.
func (e *emitter) storeWordAt(src asm.Register, addr uint32, scratch asm.Register) {
	e.loadConst(addr, scratch)
	e.asm.CompileRegisterToMemory(arm.STR, src, scratch, 0)
}

// storeFrameConst stores the word v into the frame field at off. ip is clobbered.
func (e *emitter) storeFrameConst(v uint32, off int) {
	e.loadConst(v, loc.ScratchCore)
	e.asm.CompileRegisterToMemory(arm.STR, loc.ScratchCore, arm.REG_FP, int64(off))
}

func (e *emitter) slotOffset(pos int) int32 {
	return int32(loc.SlotOffset(e.cfg.frame.Base, pos))
}

// saveCoreRegisters stores the given core registers, in increasing order,
// into their save words. ip is clobbered.
func (e *emitter) saveCoreRegisters(regs ...asm.Register) {
	e.coreSaveArea(arm.STM, regs)
}

// restoreCoreRegisters is the inverse of saveCoreRegisters.
func (e *emitter) restoreCoreRegisters(regs ...asm.Register) {
	e.coreSaveArea(arm.LDM, regs)
}

func (e *emitter) coreSaveArea(inst asm.Instruction, regs []asm.Register) {
	first := regs[0]
	e.addConst(arm.REG_FP, int32(loc.CoreSaveOffset(e.cfg.frame.Base, first)), loc.ScratchCore, loc.ScratchCore)
	e.asm.CompileRegisterList(inst, loc.ScratchCore, arm.NewRegisterList(regs...))
}

// saveFloatRegisters stores count doubles from first into their save area. ip is clobbered.
func (e *emitter) saveFloatRegisters(first asm.Register, count int) {
	e.addConst(arm.REG_FP, int32(loc.FloatSaveOffset(e.cfg.frame.Base, first)), loc.ScratchCore, loc.ScratchCore)
	e.asm.CompileVFPRegisterList(arm.VSTM, loc.ScratchCore, first, count)
}

// restoreFloatRegisters is the inverse of saveFloatRegisters.
func (e *emitter) restoreFloatRegisters(first asm.Register, count int) {
	e.addConst(arm.REG_FP, int32(loc.FloatSaveOffset(e.cfg.frame.Base, first)), loc.ScratchCore, loc.ScratchCore)
	e.asm.CompileVFPRegisterList(arm.VLDM, loc.ScratchCore, first, count)
}

// prologue saves the callee-saved registers, points fp at the frame passed
// in r0 and pushes the shadow stack entry.
func (e *emitter) prologue() {
	e.asm.CompileRegisterList(arm.PUSH, asm.NilRegister, calleeSaved)
	e.asm.CompileVFPRegisterList(arm.VPUSH, asm.NilRegister, arm.REG_D8, numCalleeSavedFloat)
	e.asm.CompileRegisterToRegister(arm.MOV, arm.REG_R0, arm.REG_FP)

	if top := e.cfg.gc.ShadowStackTopAddr; top != 0 {
		// r4-r6 were saved above and hold nothing yet.
		e.loadConst(top, arm.REG_R4)
		e.asm.CompileMemoryToRegister(arm.LDR, arm.REG_R4, 0, arm.REG_R5)
		e.asm.CompileConstToRegister(arm.MOV, shadowStackMarker, arm.REG_R6)
		e.asm.CompileRegisterToMemory(arm.STR, arm.REG_R6, arm.REG_R5, 0)
		e.asm.CompileRegisterToMemory(arm.STR, arm.REG_FP, arm.REG_R5, 4)
		e.asm.CompileRegisterAndConstToRegister(arm.ADD, arm.REG_R5, shadowStackEntry, arm.REG_R5)
		e.asm.CompileRegisterToMemory(arm.STR, arm.REG_R5, arm.REG_R4, 0)
	}
}

// epilogue pops the shadow stack entry and returns fp to the caller of the
// unit. It must run at the sp the prologue left.
func (e *emitter) epilogue() {
	if top := e.cfg.gc.ShadowStackTopAddr; top != 0 {
		e.loadConst(top, loc.ScratchCore)
		e.asm.CompileMemoryToRegister(arm.LDR, loc.ScratchCore, 0, loc.ScratchAddr)
		e.asm.CompileRegisterAndConstToRegister(arm.SUB, loc.ScratchAddr, shadowStackEntry, loc.ScratchAddr)
		e.asm.CompileRegisterToMemory(arm.STR, loc.ScratchAddr, loc.ScratchCore, 0)
	}
	e.asm.CompileRegisterToRegister(arm.MOV, arm.REG_FP, arm.REG_R0)
	e.asm.CompileVFPRegisterList(arm.VPOP, asm.NilRegister, arm.REG_D8, numCalleeSavedFloat)
	e.asm.CompileRegisterList(arm.POP, asm.NilRegister, calleeSavedReturn)
}

// callAbsolute emits a call to the absolute address target through lr.
func (e *emitter) callAbsolute(target uint32) {
	e.loadConst(target, loc.ScratchAddr)
	e.asm.CompileJumpToRegister(arm.BLX, loc.ScratchAddr)
}

// jumpAbsolute emits a jump to the absolute address target through ip.
func (e *emitter) jumpAbsolute(target uint32) asm.Node {
	n := e.loadConst(target, loc.ScratchCore)
	e.asm.CompileJumpToRegister(arm.BX, loc.ScratchCore)
	return n
}

// Move implements regalloc.Mover and callbuilder.Mover.
//
// ip is the scratch for data and for addresses when the destination cannot
// serve. Float immediates also use lr, and d15 carries doubles between
// two frame slots.
func (e *emitter) Move(src, dst loc.Location) {
	if src == dst {
		return
	}
	switch {
	case dst.IsCoreReg():
		e.moveToCore(src, dst.Reg)
	case dst.IsFloatReg():
		e.moveToFloat(src, dst.Reg)
	case dst.IsStack() && !dst.Double:
		off := e.slotOffset(dst.Position)
		r, addr := loc.ScratchCore, loc.ScratchAddr
		if src.IsCoreReg() {
			r = src.Reg
			if r == loc.ScratchAddr {
				addr = loc.ScratchCore
			}
		} else {
			e.moveToCore(src, r)
		}
		e.memOp(arm.STR, r, arm.REG_FP, off, addr)
	case dst.IsStack():
		d := loc.ScratchFloat
		if src.IsFloatReg() {
			d = src.Reg
		} else {
			e.moveToFloat(src, d)
		}
		e.memOp(arm.VSTR, d, arm.REG_FP, e.slotOffset(dst.Position), loc.ScratchCore)
	default:
		bug("cannot move %s to %s", src, dst)
	}
}

func (e *emitter) moveToCore(src loc.Location, dst asm.Register) {
	switch {
	case src.IsCoreReg():
		if src.Reg != dst {
			e.asm.CompileRegisterToRegister(arm.MOV, src.Reg, dst)
		}
	case src.Type == loc.TypeImm:
		e.loadConst(src.Word(), dst)
	case src.IsStack() && !src.Double:
		// dst serves as the address scratch: it is written last anyway.
		e.memOp(arm.LDR, dst, arm.REG_FP, e.slotOffset(src.Position), dst)
	default:
		bug("cannot move %s to %s", src, arm.RegisterName(dst))
	}
}

func (e *emitter) moveToFloat(src loc.Location, dst asm.Register) {
	switch {
	case src.IsFloatReg():
		if src.Reg != dst {
			e.asm.CompileRegisterToRegister(arm.VMOV, src.Reg, dst)
		}
	case src.Type == loc.TypeImmFloat:
		e.loadConst(uint32(src.Value), loc.ScratchCore)
		e.loadConst(uint32(src.Value>>32), loc.ScratchAddr)
		e.asm.CompileTwoRegistersToRegister(arm.VMOVDRR, loc.ScratchCore, loc.ScratchAddr, dst)
	case src.IsStack() && src.Double:
		e.memOp(arm.VLDR, dst, arm.REG_FP, e.slotOffset(src.Position), loc.ScratchCore)
	default:
		bug("cannot move %s to %s", src, arm.RegisterName(dst))
	}
}

// Push implements callbuilder.Mover.
func (e *emitter) Push(l loc.Location) {
	switch {
	case l.IsCoreReg():
		e.asm.CompileRegisterList(arm.PUSH, asm.NilRegister, arm.NewRegisterList(l.Reg))
	case l.IsFloat():
		d := loc.ScratchFloat
		if l.IsFloatReg() {
			d = l.Reg
		} else {
			e.moveToFloat(l, d)
		}
		e.asm.CompileVFPRegisterList(arm.VPUSH, asm.NilRegister, d, 1)
	default:
		e.moveToCore(l, loc.ScratchCore)
		e.asm.CompileRegisterList(arm.PUSH, asm.NilRegister, arm.NewRegisterList(loc.ScratchCore))
	}
}

// Pop implements callbuilder.Mover.
func (e *emitter) Pop(l loc.Location) {
	switch {
	case l.IsCoreReg():
		e.asm.CompileRegisterList(arm.POP, asm.NilRegister, arm.NewRegisterList(l.Reg))
	case l.IsFloatReg():
		e.asm.CompileVFPRegisterList(arm.VPOP, asm.NilRegister, l.Reg, 1)
	case l.IsStack() && l.Double:
		e.asm.CompileVFPRegisterList(arm.VPOP, asm.NilRegister, loc.ScratchFloat, 1)
		e.Move(loc.FloatReg(loc.ScratchFloat), l)
	case l.IsStack():
		e.asm.CompileRegisterList(arm.POP, asm.NilRegister, arm.NewRegisterList(loc.ScratchCore))
		e.Move(loc.CoreReg(loc.ScratchCore), l)
	default:
		bug("cannot pop into %s", l)
	}
}
