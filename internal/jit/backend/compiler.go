package backend

import (
	"fmt"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/callbuilder"
	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/jit/regalloc"
	"github.com/tetratelabs/armjit/internal/trace"
)

type unitKind byte

const (
	unitLoop unitKind = iota
	unitBridge
)

// String implements fmt.Stringer.
func (k unitKind) String() string {
	if k == unitLoop {
		return "loop"
	}
	return "bridge"
}

// compiler holds the state of the unit being assembled. It is owned by one
// goroutine and discarded once the unit is published.
type compiler struct {
	emitter
	backend *Backend
	asm     *arm.AssemblerImpl
	helpers *helperAddrs
	kind    unitKind
	token   *trace.LoopToken

	ops       []*trace.Op
	longevity *regalloc.Longevity
	ra        *regalloc.Allocator
	calls     *callbuilder.Builder

	guards []guardToken
	gcmaps []*gcmapData
	// adrs are address loads waiting for the gcmap they point to.
	adrs []pendingADR
	// labels are the labels of this unit. Their tokens are only written
	// when the unit is published.
	labels      map[*trace.TargetToken]*label
	labelTokens []*trace.TargetToken

	// fusedCond is the condition under which the comparison just emitted
	// holds, when its only reader is the guard that follows.
	fusedCond asm.ConditionalRegisterState
	// ovfCond is the condition meaning the last *_ovf operation overflowed.
	ovfCond asm.ConditionalRegisterState

	// minDepth is the frame depth needed beyond the allocator's: finish
	// slots and the labels of other units jumped to.
	minDepth int
	// depthCheck is the constant of the bridge entry frame check.
	depthCheck asm.Node
}

// label is a label of the unit being assembled.
type label struct {
	node asm.Node
	// locs holds where a jump must deliver each argument.
	locs []loc.Location
}

type pendingADR struct {
	adr asm.Node
	m   *gcmapData
}

func newCompiler(b *Backend, kind unitKind, token *trace.LoopToken, ops []*trace.Op) *compiler {
	a := arm.NewAssembler()
	a.BranchReach = b.cfg.branchReach
	c := &compiler{
		emitter: emitter{asm: a, cfg: b.cfg},
		backend: b,
		asm:     a,
		helpers: &b.helpers,
		kind:    kind,
		token:   token,
		ops:     ops,
		labels:  map[*trace.TargetToken]*label{},
	}
	c.calls = callbuilder.New(a, c, b.cfg.abi)
	return c
}

// initAllocator computes the longevity of the unit and binds the inputs.
// locs holds the location of each input on entry, nil inputs being holes.
func (c *compiler) initAllocator(inputs []*trace.Box, locs []loc.Location) error {
	boxes := make([]*trace.Box, 0, len(inputs))
	for _, in := range inputs {
		if in != nil {
			boxes = append(boxes, in)
		}
	}
	longevity, err := regalloc.ComputeLongevity(boxes, c.ops)
	if err != nil {
		return err
	}
	c.longevity = longevity
	c.ra = regalloc.New(longevity, regalloc.NewFrameManager(0), c)

	// Holes aside, two inputs may share a location when a guard listed the
	// same box twice. The location is bound to one of them still read, and
	// the other readers get a copy.
	owner := map[loc.Location]*trace.Box{}
	for i, in := range inputs {
		if in == nil {
			continue
		}
		l := locs[i]
		if (in.Kind() == trace.KindFloat) != l.IsFloat() {
			return fmt.Errorf("input %s cannot live at %s", in, l)
		}
		if cur, ok := owner[l]; !ok || (!c.longevity.LiveAfter(cur, -1) && c.longevity.LiveAfter(in, -1)) {
			owner[l] = in
		}
	}
	var dups []*trace.Box
	for i, in := range inputs {
		if in == nil {
			continue
		}
		if orig := owner[locs[i]]; orig != in {
			if c.longevity.LiveAfter(in, -1) {
				dups = append(dups, in, orig)
			}
			continue
		}
		c.ra.BindInput(in, locs[i])
	}
	c.ra.Start()
	for i := 0; i < len(dups); i += 2 {
		dup, orig := dups[i], dups[i+1]
		dst := c.ra.ForceAllocate(dup)
		c.Move(c.ra.Loc(orig), dst)
	}
	return nil
}

// hintJumpSlots asks the frame manager to place the arguments of a final
// jump to a label of another unit directly in the slots the label expects.
func (c *compiler) hintJumpSlots() {
	last := c.ops[len(c.ops)-1]
	if last.Opcode != trace.OpcodeJump {
		return
	}
	token := last.Descr.(*trace.TargetToken)
	for _, op := range c.ops {
		if op.Opcode == trace.OpcodeLabel && op.Descr == token {
			return
		}
	}
	target := c.backend.target(token)
	for i, a := range last.Args {
		b, ok := a.(*trace.Box)
		if !ok || i >= len(target.locs) {
			continue
		}
		if l := target.locs[i]; l.IsStack() {
			c.ra.Frame.Hint(b, l.Position)
		}
	}
}

// compileOps walks the operations through the dispatch table.
func (c *compiler) compileOps() error {
	for _, op := range c.ops {
		if op.Result != nil && op.Opcode.IsPure() && c.longevity.IsUnused(op.Result) {
			c.ra.NextOp()
			continue
		}
		fn := dispatch[op.Opcode]
		if fn == nil {
			return fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op.Opcode)
		}
		if err := fn(c, op); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if !op.Opcode.IsOverflow() {
			c.ovfCond = asm.ConditionalRegisterStateUnset
		}
		c.ra.NextOp()
		if c.cfg.invariantChecks {
			if err := c.ra.CheckInvariants(); err != nil {
				bug("after %s: %v", op, err)
			}
		}
	}
	return nil
}

// nextOp returns the operation after the current one, or nil.
func (c *compiler) nextOp() *trace.Op {
	if i := c.ra.Position() + 1; i < len(c.ops) {
		return c.ops[i]
	}
	return nil
}

// reg returns a register holding v for the current operation.
func (c *compiler) reg(v trace.Value, forbidden ...asm.Register) asm.Register {
	return c.ra.MakeSureInReg(v, forbidden...).Reg
}

// result frees the arguments dying at op and returns the register of its
// result. Every argument register must have been read or decided before.
func (c *compiler) result(op *trace.Op) asm.Register {
	c.ra.FreeDyingArgs(op)
	return c.ra.ForceAllocate(op.Result).Reg
}

// addGCMap records a gcmap to emit in the data area of the unit.
func (c *compiler) addGCMap(refs []loc.Location) *gcmapData {
	d := &gcmapData{m: NewGCMap(refs)}
	c.gcmaps = append(c.gcmaps, d)
	return d
}

// addressOfGCMap loads the address of d into dst.
func (c *compiler) addressOfGCMap(d *gcmapData, dst asm.Register) {
	adr := c.asm.CompileAddressOf(nil, dst)
	c.adrs = append(c.adrs, pendingADR{adr: adr, m: d})
}

// storeGCMap points jf_gcmap at a gcmap of refs. ip is clobbered.
func (c *compiler) storeGCMap(refs []loc.Location) {
	c.addressOfGCMap(c.addGCMap(refs), loc.ScratchCore)
	c.asm.CompileRegisterToMemory(arm.STR, loc.ScratchCore, arm.REG_FP, int64(c.cfg.frame.GCMap))
}

// clearGCMap zeroes jf_gcmap. ip is clobbered.
func (c *compiler) clearGCMap() {
	c.storeFrameConst(0, c.cfg.frame.GCMap)
}

// liveRefsExcept returns the locations of the references needed after the
// current operation, except those in the given registers.
func (c *compiler) liveRefsExcept(regs ...asm.Register) []loc.Location {
	var ret []loc.Location
next:
	for _, l := range c.ra.LiveRefLocations() {
		for _, r := range regs {
			if l.IsCoreReg() && l.Reg == r {
				continue next
			}
		}
		ret = append(ret, l)
	}
	return ret
}

// emitFrameDepthCheck calls the frame realloc helper when jf_frame has
// fewer words than the constant of the returned node, to be assigned
// before assembly. refs are the references live at this point.
func (c *compiler) emitFrameDepthCheck(refs []loc.Location) asm.Node {
	c.asm.CompileMemoryToRegister(arm.LDR, arm.REG_FP, int64(c.cfg.frame.Length), loc.ScratchCore)
	need := c.loadConst(0, loc.ScratchAddr)
	c.asm.CompileTwoRegistersToNone(arm.CMP, loc.ScratchCore, loc.ScratchAddr)
	ok := c.asm.CompileConditionalJump(arm.COND_GE)
	c.asm.CompileRegisterList(arm.PUSH, asm.NilRegister, arm.NewRegisterList(loc.ScratchAddr))
	c.addressOfGCMap(c.addGCMap(refs), loc.ScratchCore)
	c.asm.CompileRegisterList(arm.PUSH, asm.NilRegister, arm.NewRegisterList(loc.ScratchCore))
	c.callAbsolute(c.helpers.reallocFrame)
	c.asm.SetJumpTargetOnNext(ok)
	return need
}

// frameDepth returns the number of slots the unit needs.
func (c *compiler) frameDepth() int {
	d := c.ra.Frame.Depth()
	if c.minDepth > d {
		d = c.minDepth
	}
	return d
}

// finish emits the guard stubs and the data area, then resolves the
// addresses pointing into the data area.
func (c *compiler) finish() {
	c.emitGuardStubs()
	for _, d := range c.gcmaps {
		d.emit(c.asm)
	}
	for _, p := range c.adrs {
		p.adr.AssignJumpTarget(p.m.node)
	}
	if c.depthCheck != nil {
		c.depthCheck.AssignSourceConstant(int64(loc.JITFrameFixedSize + c.frameDepth()))
	}
}
