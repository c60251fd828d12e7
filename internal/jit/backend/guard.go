package backend

import (
	"errors"
	"fmt"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/callbuilder"
	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/trace"
)

// guardToken is a guard whose exit stub is emitted after the unit body.
type guardToken struct {
	descr    *trace.FailDescr
	failLocs []loc.Location
	depth    int
	// saveExc makes the exit move the pending exception into jf_guard_exc.
	saveExc bool
	// floats is set when a fail arg lives in a double register.
	floats bool
	// branch is the conditional branch to the stub, or the patchable NOP of
	// guard_not_invalidated.
	branch       asm.Node
	invalidation bool
	gcmap        *gcmapData
	stub         asm.Node
}

func savesException(opcode trace.Opcode) bool {
	return opcode == trace.OpcodeGuardNoException || opcode == trace.OpcodeGuardException
}

// newGuardToken snapshots where the fail args are. No code may be emitted
// between this snapshot and the branch.
func (c *compiler) newGuardToken(op *trace.Op) guardToken {
	locs := c.ra.FailLocations(op.FailArgs)
	var refs []loc.Location
	floats := false
	for i, b := range op.FailArgs {
		if b == nil {
			continue
		}
		if b.Kind() == trace.KindRef && !locs[i].IsImm() {
			refs = append(refs, locs[i])
		}
		floats = floats || locs[i].IsFloatReg()
	}
	return guardToken{
		descr:    op.FailDescr(),
		failLocs: locs,
		depth:    c.ra.Frame.Depth(),
		saveExc:  savesException(op.Opcode),
		floats:   floats,
		gcmap:    c.addGCMap(refs),
	}
}

// emitGuard branches to the exit stub of op when cond holds.
func (c *compiler) emitGuard(op *trace.Op, cond asm.ConditionalRegisterState) {
	g := c.newGuardToken(op)
	g.branch = c.asm.CompileConditionalJump(cond)
	c.guards = append(c.guards, g)
}

func compileGuardTrue(c *compiler, op *trace.Op) error {
	if cond := c.fusedCond; cond != asm.ConditionalRegisterStateUnset {
		c.fusedCond = asm.ConditionalRegisterStateUnset
		c.emitGuard(op, arm.InvertCondition(cond))
		return nil
	}
	c.asm.CompileRegisterAndConstToNone(arm.CMP, c.reg(op.Args[0]), 0)
	c.emitGuard(op, arm.COND_EQ)
	return nil
}

func compileGuardFalse(c *compiler, op *trace.Op) error {
	if cond := c.fusedCond; cond != asm.ConditionalRegisterStateUnset {
		c.fusedCond = asm.ConditionalRegisterStateUnset
		c.emitGuard(op, cond)
		return nil
	}
	c.asm.CompileRegisterAndConstToNone(arm.CMP, c.reg(op.Args[0]), 0)
	c.emitGuard(op, arm.COND_NE)
	return nil
}

func compileGuardNonnull(c *compiler, op *trace.Op) error {
	c.asm.CompileRegisterAndConstToNone(arm.CMP, c.reg(op.Args[0]), 0)
	c.emitGuard(op, arm.COND_EQ)
	return nil
}

func compileGuardIsnull(c *compiler, op *trace.Op) error {
	c.asm.CompileRegisterAndConstToNone(arm.CMP, c.reg(op.Args[0]), 0)
	c.emitGuard(op, arm.COND_NE)
	return nil
}

func compileGuardValue(c *compiler, op *trace.Op) error {
	if op.Args[0].Kind() == trace.KindFloat {
		c.emitFloatCompare(op.Args[0], op.Args[1])
	} else {
		c.emitIntCompare(op.Args[0], op.Args[1], arm.COND_EQ)
	}
	c.emitGuard(op, arm.COND_NE)
	return nil
}

// compareWithConst sets the flags from r - w, loading w into scratch when
// no immediate form exists.
func (c *compiler) compareWithConst(r asm.Register, w uint32, scratch asm.Register) {
	switch {
	case arm.CanEncodeImmediate(int64(w)):
		c.asm.CompileRegisterAndConstToNone(arm.CMP, r, int64(w))
	case arm.CanEncodeImmediate(int64(-w)):
		c.asm.CompileRegisterAndConstToNone(arm.CMN, r, int64(-w))
	default:
		c.loadConst(w, scratch)
		c.asm.CompileTwoRegistersToNone(arm.CMP, r, scratch)
	}
}

// compareClass compares the class word in cls with the expected class,
// held in expected unless it is a constant.
func (c *compiler) compareClass(cls asm.Register, expected asm.Register, class trace.Value, scratch asm.Register) {
	if expected != asm.NilRegister {
		c.asm.CompileTwoRegistersToNone(arm.CMP, cls, expected)
		return
	}
	w, _ := trace.ConstWord(class)
	c.compareWithConst(cls, w, scratch)
}

// classRegister returns the register of a non constant expected class.
func (c *compiler) classRegister(class trace.Value) asm.Register {
	if trace.IsConst(class) {
		return asm.NilRegister
	}
	return c.reg(class)
}

func compileGuardClass(c *compiler, op *trace.Op) error {
	obj := c.reg(op.Args[0])
	expected := c.classRegister(op.Args[1])
	c.memOp(arm.LDR, loc.ScratchCore, obj, int32(c.cfg.gc.VTableOffset), loc.ScratchCore)
	c.compareClass(loc.ScratchCore, expected, op.Args[1], loc.ScratchAddr)
	c.emitGuard(op, arm.COND_NE)
	return nil
}

// compileGuardNonnullClass compares a zero class word for a null object,
// which never matches.
func compileGuardNonnullClass(c *compiler, op *trace.Op) error {
	obj := c.reg(op.Args[0])
	expected := c.classRegister(op.Args[1])
	c.asm.CompileRegisterAndConstToNone(arm.CMP, obj, 0)
	c.asm.CompileConditionalConstToRegister(arm.COND_EQ, 0, loc.ScratchAddr)
	isNull := c.asm.CompileConditionalJump(arm.COND_EQ)
	c.memOp(arm.LDR, loc.ScratchAddr, obj, int32(c.cfg.gc.VTableOffset), loc.ScratchAddr)
	c.asm.SetJumpTargetOnNext(isNull)
	c.compareClass(loc.ScratchAddr, expected, op.Args[1], loc.ScratchCore)
	c.emitGuard(op, arm.COND_NE)
	return nil
}

func compileGuardNoOverflow(c *compiler, op *trace.Op) error {
	if c.ovfCond == asm.ConditionalRegisterStateUnset {
		return errors.New("guard without overflow operation")
	}
	c.emitGuard(op, c.ovfCond)
	return nil
}

func compileGuardOverflow(c *compiler, op *trace.Op) error {
	if c.ovfCond == asm.ConditionalRegisterStateUnset {
		return errors.New("guard without overflow operation")
	}
	c.emitGuard(op, arm.InvertCondition(c.ovfCond))
	return nil
}

func compileGuardNoException(c *compiler, op *trace.Op) error {
	c.loadWordAt(c.cfg.runtime.ExcTypeAddr, loc.ScratchCore)
	c.asm.CompileRegisterAndConstToNone(arm.CMP, loc.ScratchCore, 0)
	c.emitGuard(op, arm.COND_NE)
	return nil
}

// compileGuardException checks the pending exception has the expected
// class, then takes its value and clears it.
func compileGuardException(c *compiler, op *trace.Op) error {
	rt := c.cfg.runtime
	expected := c.classRegister(op.Args[0])
	c.loadWordAt(rt.ExcTypeAddr, loc.ScratchAddr)
	c.compareClass(loc.ScratchAddr, expected, op.Args[0], loc.ScratchCore)
	c.emitGuard(op, arm.COND_NE)

	if op.Result != nil {
		dst := c.result(op)
		c.loadWordAt(rt.ExcValueAddr, dst)
	}
	c.asm.CompileConstToRegister(arm.MOV, 0, loc.ScratchAddr)
	c.storeWordAt(loc.ScratchAddr, rt.ExcValueAddr, loc.ScratchCore)
	c.storeWordAt(loc.ScratchAddr, rt.ExcTypeAddr, loc.ScratchCore)
	return nil
}

// compileGuardNotInvalidated emits a NOP that Invalidate turns into a
// branch to the exit stub.
func compileGuardNotInvalidated(c *compiler, op *trace.Op) error {
	g := c.newGuardToken(op)
	g.branch = c.asm.CompileStandAlone(arm.NOP)
	g.invalidation = true
	c.guards = append(c.guards, g)
	return nil
}

// compileGuardNotForced checks jf_descr, which the runtime sets when it
// forced the frame during the preceding call.
func compileGuardNotForced(c *compiler, op *trace.Op) error {
	c.asm.CompileMemoryToRegister(arm.LDR, arm.REG_FP, int64(c.cfg.frame.Descr), loc.ScratchCore)
	c.asm.CompileRegisterAndConstToNone(arm.CMP, loc.ScratchCore, 0)
	c.emitGuard(op, arm.COND_NE)
	return nil
}

// emitGuardStubs emits one exit stub per guard. A stub pushes the fail
// descr handle and the gcmap address, then jumps to the failure trampoline.
func (c *compiler) emitGuardStubs() {
	for i := range c.guards {
		g := &c.guards[i]
		g.stub = c.loadConst(g.descr.Handle, loc.ScratchCore)
		if !g.invalidation {
			g.branch.AssignJumpTarget(g.stub)
		}
		c.asm.CompileRegisterList(arm.PUSH, asm.NilRegister, arm.NewRegisterList(loc.ScratchCore))
		c.addressOfGCMap(g.gcmap, loc.ScratchCore)
		c.asm.CompileRegisterList(arm.PUSH, asm.NilRegister, arm.NewRegisterList(loc.ScratchCore))
		c.jumpAbsolute(c.helpers.failure[boolIndex(g.saveExc)][boolIndex(g.floats)])
	}
}

func boolIndex(b bool) int {
	if b {
		return 1
	}
	return 0
}

// compileLabel records where the label expects its arguments. Frame copies
// of arguments held in registers are dropped, since jumps only fill the
// recorded locations.
func compileLabel(c *compiler, op *trace.Op) error {
	token := op.Descr.(*trace.TargetToken)
	seen := map[*trace.Box]bool{}
	locs := make([]loc.Location, len(op.Args))
	for i, a := range op.Args {
		b, ok := a.(*trace.Box)
		if !ok {
			return fmt.Errorf("label argument %d is the constant %s", i, a)
		}
		if seen[b] {
			return fmt.Errorf("%s appears twice", b)
		}
		seen[b] = true
		l := c.ra.Loc(b)
		if l.IsReg() {
			c.ra.Frame.MarkAsFree(b)
		}
		locs[i] = l
	}
	if _, ok := c.labels[token]; ok {
		return fmt.Errorf("%s is defined twice", token)
	}
	c.labels[token] = &label{node: c.asm.CompileStandAlone(arm.NOP), locs: locs}
	c.labelTokens = append(c.labelTokens, token)
	return nil
}

// compileJump moves the arguments where the target label expects them.
// A label of another unit is only known once that unit is published.
func compileJump(c *compiler, op *trace.Op) error {
	token := op.Descr.(*trace.TargetToken)
	if l, ok := c.labels[token]; ok {
		if len(op.Args) != len(l.locs) {
			return fmt.Errorf("jump with %d arguments to a label taking %d", len(op.Args), len(l.locs))
		}
		c.parallelMove(op.Args, l.locs)
		c.asm.CompileJump(arm.B).AssignJumpTarget(l.node)
		return nil
	}

	target := c.backend.target(token)
	if target.addr == 0 {
		return fmt.Errorf("jump to %s which is not assembled", token)
	}
	if len(op.Args) != len(target.locs) {
		return fmt.Errorf("jump with %d arguments to a label taking %d", len(op.Args), len(target.locs))
	}
	if target.depth > c.minDepth {
		c.minDepth = target.depth
	}
	if c.kind == unitLoop {
		// The target may need a deeper frame than the one this loop was
		// entered with.
		var refs []loc.Location
		for _, a := range op.Args {
			if b, ok := a.(*trace.Box); ok && b.Kind() == trace.KindRef {
				refs = append(refs, c.ra.Loc(b))
			}
		}
		need := c.emitFrameDepthCheck(refs)
		need.AssignSourceConstant(int64(loc.JITFrameFixedSize + target.depth))
	}
	c.parallelMove(op.Args, target.locs)
	c.jumpAbsolute(target.addr)
	return nil
}

// compileFinish stores the results in the first slots and leaves the unit
// with the finish descr.
func compileFinish(c *compiler, op *trace.Op) error {
	kinds := make([]trace.Kind, len(op.Args))
	for i, a := range op.Args {
		kinds[i] = a.Kind()
	}
	dsts := consecutiveSlots(kinds)
	var refs []loc.Location
	for i, l := range dsts {
		if kinds[i] == trace.KindRef {
			refs = append(refs, l)
		}
		if end := l.Position + l.Words(); end > c.minDepth {
			c.minDepth = end
		}
	}
	c.parallelMove(op.Args, dsts)
	if len(refs) > 0 {
		c.storeGCMap(refs)
	} else {
		c.clearGCMap()
	}
	c.storeFrameConst(op.FailDescr().Handle, c.cfg.frame.Descr)
	c.epilogue()
	return nil
}

func (c *compiler) parallelMove(args []trace.Value, dsts []loc.Location) {
	moves := make([]callbuilder.Move, 0, len(args))
	for i, a := range args {
		moves = append(moves, callbuilder.Move{Src: c.ra.Loc(a), Dst: dsts[i]})
	}
	callbuilder.ParallelMove(moves, c)
}
