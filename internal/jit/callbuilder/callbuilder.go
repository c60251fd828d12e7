package callbuilder

import (
	"fmt"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/trace"
)

// Builder emits native calls.
//
// The sequence is: one SUB sp for the stacked arguments and their stores,
// the VFP register arguments, the single precision ones, the core register
// arguments together with the target going to lr, the soft-float pairs, then
// BLX lr and the sp restore. Each phase only writes locations no later phase
// reads from.
type Builder struct {
	asm   arm.Assembler
	mover Mover
	abi   ABI
}

// New returns a Builder emitting into a.
//
// m must honor these constraints: moves into a register clobber nothing but
// ip besides the destination, except for float immediates which may also
// use lr.
func New(a arm.Assembler, m Mover, abi ABI) *Builder {
	return &Builder{asm: a, mover: m, abi: abi}
}

// ABI returns the calling convention of emitted calls.
func (b *Builder) ABI() ABI { return b.abi }

// Call emits the call of target with the arguments currently at args, of
// the given types. Registers r0-r3, ip, lr, d0-d7 and d15 are clobbered.
func (b *Builder) Call(target loc.Location, args []loc.Location, types []trace.ArgType) Plan {
	if len(args) != len(types) {
		panic(fmt.Sprintf("BUG: %d arguments for %d types", len(args), len(types)))
	}
	plan := Classify(b.abi, types)

	if plan.StackSize > 0 {
		b.adjustSP(arm.SUB, plan.StackSize)
		for i, al := range plan.Args {
			if al.Kind == ArgKindStack {
				b.storeStackArg(args[i], al)
			}
		}
	}

	var doubles, cores []Move
	for i, al := range plan.Args {
		switch al.Kind {
		case ArgKindDouble:
			doubles = append(doubles, Move{Src: args[i], Dst: loc.FloatReg(al.Reg)})
		case ArgKindCore:
			cores = append(cores, Move{Src: args[i], Dst: loc.CoreReg(al.Reg)})
		}
	}
	ParallelMove(doubles, b.mover)

	for i, al := range plan.Args {
		if al.Kind == ArgKindSingle {
			b.asm.CompileRegisterToRegister(arm.VMOVSR, b.coreValue(args[i]), al.Reg)
		}
	}

	cores = append(cores, Move{Src: target, Dst: loc.CoreReg(arm.REG_LR)})
	ParallelMove(cores, b.mover)

	for i, al := range plan.Args {
		if al.Kind == ArgKindCorePair {
			b.loadPair(args[i], al.Reg, al.RegHi)
		}
	}

	b.asm.CompileJumpToRegister(arm.BLX, arm.REG_LR)
	if plan.StackSize > 0 {
		b.adjustSP(arm.ADD, plan.StackSize)
	}
	return plan
}

// coreValue returns a core register holding the word at l, using ip if
// l is not a core register.
func (b *Builder) coreValue(l loc.Location) asm.Register {
	if l.IsCoreReg() {
		return l.Reg
	}
	b.mover.Move(l, loc.CoreReg(loc.ScratchCore))
	return loc.ScratchCore
}

// floatValue returns a VFP register holding the double at l, using d15 if
// l is not a VFP register.
func (b *Builder) floatValue(l loc.Location) asm.Register {
	if l.IsFloatReg() {
		return l.Reg
	}
	b.mover.Move(l, loc.FloatReg(loc.ScratchFloat))
	return loc.ScratchFloat
}

func (b *Builder) adjustSP(inst asm.Instruction, size int) {
	if arm.CanEncodeImmediate(int64(size)) {
		b.asm.CompileRegisterAndConstToRegister(inst, arm.REG_SP, int64(size), arm.REG_SP)
		return
	}
	b.asm.CompileLoadConstant(int64(size), loc.ScratchCore)
	b.asm.CompileTwoRegistersToRegister(inst, arm.REG_SP, loc.ScratchCore, arm.REG_SP)
}

func (b *Builder) storeStackArg(src loc.Location, al ArgLocation) {
	inst := arm.STR
	var r asm.Register
	if al.Type == trace.ArgFloat {
		inst = arm.VSTR
		r = b.floatValue(src)
	} else {
		r = b.coreValue(src)
	}
	off := int64(al.Offset)
	if arm.FitsMemoryOffset(inst, off) {
		b.asm.CompileRegisterToMemory(inst, r, arm.REG_SP, off)
		return
	}
	// Only a float can be here, so ip is free for the address.
	b.asm.CompileLoadConstant(off, loc.ScratchCore)
	b.asm.CompileTwoRegistersToRegister(arm.ADD, arm.REG_SP, loc.ScratchCore, loc.ScratchCore)
	b.asm.CompileRegisterToMemory(inst, r, loc.ScratchCore, 0)
}

func (b *Builder) loadPair(src loc.Location, lo, hi asm.Register) {
	if src.Type == loc.TypeImmFloat {
		b.asm.CompileLoadConstant(int64(uint32(src.Value)), lo)
		b.asm.CompileLoadConstant(int64(uint32(src.Value>>32)), hi)
		return
	}
	b.asm.CompileFloatToTwoRegisters(b.floatValue(src), lo, hi)
}

// FetchResult brings the result of the call just emitted into the register
// the allocator binds it to, extending narrow integers to a word. It
// returns asm.NilRegister for void calls.
func (b *Builder) FetchResult(typ trace.ArgType, size int, signed bool) asm.Register {
	switch {
	case typ == trace.ArgVoid:
		return asm.NilRegister
	case typ == trace.ArgFloat:
		if b.abi == ABISoftFloat {
			b.asm.CompileTwoRegistersToRegister(arm.VMOVDRR, arm.REG_R0, arm.REG_R1, arm.REG_D0)
		}
		return arm.REG_D0
	case typ == trace.ArgSingleFloat:
		if b.abi == ABIHardFloat {
			b.asm.CompileRegisterToRegister(arm.VMOVRS, arm.REG_S(0), arm.REG_R0)
		}
		return arm.REG_R0
	}
	ExtendInPlace(b.asm, arm.REG_R0, size, signed)
	return arm.REG_R0
}

// ExtendInPlace sign or zero extends the low size bytes of r to a word.
// Sizes of zero or 4 are words already.
func ExtendInPlace(a arm.Assembler, r asm.Register, size int, signed bool) {
	if size == 0 || size >= loc.WordSize {
		return
	}
	if size == 1 && !signed {
		a.CompileRegisterAndConstToRegister(arm.AND, r, 0xff, r)
		return
	}
	shift := int64(32 - 8*size)
	a.CompileRegisterAndConstToRegister(arm.LSL, r, shift, r)
	if signed {
		a.CompileRegisterAndConstToRegister(arm.ASR, r, shift, r)
	} else {
		a.CompileRegisterAndConstToRegister(arm.LSR, r, shift, r)
	}
}
