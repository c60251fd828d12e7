package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/docker/go-units"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/trace"
)

// Backend assembles loops and bridges into code memory. It is safe for
// concurrent use: units are assembled independently, and writes to code
// memory are serialized.
type Backend struct {
	cfg     *config
	mem     CodeMemory
	helpers helperAddrs

	// mu guards code memory, the loop and target tokens, and invalidations.
	mu            sync.Mutex
	invalidations map[*trace.LoopToken][]invalidationSite
	// loops holds the entry of each published loop, for call_assembler.
	loops map[*trace.LoopToken]uint32
}

type invalidationSite struct {
	site, stub uint32
}

// GuardInfo describes a guard of a published unit.
type GuardInfo struct {
	Descr *trace.FailDescr
	// BranchAddr is the conditional branch to the stub, or the patchable
	// NOP of guard_not_invalidated.
	BranchAddr, StubAddr uint32
	FailLocations        []loc.Location
	// GCMap marks the references among the fail locations.
	GCMap GCMap
}

// UnitInfo describes a published loop or bridge.
type UnitInfo struct {
	Addr       uint32
	Size       int
	FrameDepth int
	Guards     []GuardInfo
	// Labels are the labels defined by the unit, in order.
	Labels            []*trace.TargetToken
	InvalidationSites []uint32
}

// LoopInfo is returned by AssembleLoop.
type LoopInfo struct {
	UnitInfo
	Token *trace.LoopToken
}

// BridgeInfo is returned by AssembleBridge.
type BridgeInfo struct {
	UnitInfo
	// Patched is the address rewritten to enter the bridge: the guard
	// branch, or the guard's stub when the branch cannot be retargeted.
	Patched uint32
}

// NewBackend validates the configuration and publishes the runtime helpers
// into mem.
func NewBackend(cfg Config, mem CodeMemory) (*Backend, error) {
	c, ok := cfg.(*config)
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: unsupported Config implementation", ErrInvalidConfig)
	}
	if mem == nil {
		return nil, fmt.Errorf("%w: code memory is required", ErrInvalidConfig)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	if err := checkHost(); err != nil {
		return nil, err
	}
	b := &Backend{
		cfg:           c,
		mem:           mem,
		invalidations: map[*trace.LoopToken][]invalidationSite{},
		loops:         map[*trace.LoopToken]uint32{},
	}
	if err := b.buildHelpers(); err != nil {
		return nil, fmt.Errorf("building runtime helpers: %w", err)
	}
	return b, nil
}

// LoopInputLocations returns the frame slots a loop expects its inputs in:
// consecutive slots from 0, doubles at even positions.
func LoopInputLocations(inputs []*trace.Box) []loc.Location {
	kinds := make([]trace.Kind, len(inputs))
	for i, in := range inputs {
		kinds[i] = in.Kind()
	}
	return consecutiveSlots(kinds)
}

func consecutiveSlots(kinds []trace.Kind) []loc.Location {
	ret := make([]loc.Location, len(kinds))
	pos := 0
	for i, k := range kinds {
		if k == trace.KindFloat {
			pos += pos & 1
			ret[i] = loc.Stack(pos, true)
			pos += 2
		} else {
			ret[i] = loc.Stack(pos, false)
			pos++
		}
	}
	return ret
}

// AssembleLoop assembles and publishes a loop entered with a frame in r0
// and its inputs at LoopInputLocations. token.FrameDepth is raised to the
// depth the loop needs.
func (b *Backend) AssembleLoop(token *trace.LoopToken, inputs []*trace.Box, ops []*trace.Op) (info *LoopInfo, err error) {
	defer recoverBug(&err)
	for i, in := range inputs {
		if in == nil {
			return nil, fmt.Errorf("loop input %d is nil", i)
		}
	}
	if err = validateOps(inputs, ops); err != nil {
		return nil, err
	}

	c := newCompiler(b, unitLoop, token, ops)
	c.prologue()
	if err = c.initAllocator(inputs, LoopInputLocations(inputs)); err != nil {
		return nil, err
	}
	c.emitStackCheck()
	c.hintJumpSlots()
	if err = c.compileOps(); err != nil {
		return nil, err
	}
	c.finish()

	unit, err := b.publish(c)
	if err != nil {
		return nil, err
	}
	return &LoopInfo{UnitInfo: *unit, Token: token}, nil
}

// AssembleBridge assembles a bridge starting where the guard of descr
// failed, with inputs in descr.FailLocations, then makes the guard enter
// the bridge instead of leaving.
func (b *Backend) AssembleBridge(descr *trace.FailDescr, inputs []*trace.Box, ops []*trace.Op) (info *BridgeInfo, err error) {
	defer recoverBug(&err)
	if descr.Loop == nil || descr.StubAddr == 0 {
		return nil, fmt.Errorf("%s does not belong to a published unit", descr)
	}
	if len(inputs) != len(descr.FailLocations) {
		return nil, fmt.Errorf("bridge has %d inputs but %s has %d fail args", len(inputs), descr, len(descr.FailLocations))
	}
	var refs []loc.Location
	for i, in := range inputs {
		l := descr.FailLocations[i]
		switch {
		case in == nil:
		case l.Type == loc.TypeNone:
			return nil, fmt.Errorf("bridge input %s is a hole of %s", in, descr)
		case in.Kind() == trace.KindRef:
			refs = append(refs, l)
		}
	}
	if err = validateOps(inputs, ops); err != nil {
		return nil, err
	}

	c := newCompiler(b, unitBridge, descr.Loop, ops)
	c.depthCheck = c.emitFrameDepthCheck(refs)
	if err = c.initAllocator(inputs, descr.FailLocations); err != nil {
		return nil, err
	}
	c.hintJumpSlots()
	if err = c.compileOps(); err != nil {
		return nil, err
	}
	c.finish()

	unit, err := b.publish(c)
	if err != nil {
		return nil, err
	}
	patched, err := b.attachBridge(descr, unit.Addr)
	if err != nil {
		return nil, err
	}
	return &BridgeInfo{UnitInfo: *unit, Patched: patched}, nil
}

// validateOps checks the operations form a unit: each is well formed, the
// last one and only it is final, and every box read is visible. Labels
// end the scope of everything but their arguments.
func validateOps(inputs []*trace.Box, ops []*trace.Op) error {
	if len(ops) == 0 {
		return errors.New("empty unit")
	}
	visible := map[*trace.Box]bool{}
	for _, in := range inputs {
		if in != nil {
			visible[in] = true
		}
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		if op.Opcode.IsFinal() != (i == len(ops)-1) {
			return fmt.Errorf("operation %d: %s: a unit ends with its only jump or finish", i, op.Opcode)
		}
		for _, a := range op.Args {
			if b, ok := a.(*trace.Box); ok && !visible[b] {
				return fmt.Errorf("operation %d: %s reads %s which is not in scope", i, op.Opcode, b)
			}
		}
		for _, b := range op.FailArgs {
			if b != nil && !visible[b] {
				return fmt.Errorf("operation %d: %s keeps %s which is not in scope", i, op.Opcode, b)
			}
		}
		if op.Opcode == trace.OpcodeLabel {
			visible = make(map[*trace.Box]bool, len(op.Args))
			for _, a := range op.Args {
				if b, ok := a.(*trace.Box); ok {
					visible[b] = true
				}
			}
		}
		if op.Result != nil {
			visible[op.Result] = true
		}
	}
	return nil
}

// publish assembles the unit, copies it to code memory and fills the
// descriptors and tokens with the final addresses.
func (b *Backend) publish(c *compiler) (*UnitInfo, error) {
	var seg asm.CodeSegment
	buf := seg.Next()
	if err := c.asm.Assemble(buf); err != nil {
		return nil, err
	}
	code := buf.Bytes()

	b.mu.Lock()
	defer b.mu.Unlock()
	addr, err := b.mem.Publish(code)
	if err != nil {
		return nil, fmt.Errorf("publishing %s: %w", c.kind, err)
	}
	at := func(n asm.Node) uint32 { return addr + uint32(n.OffsetInBinary()) }

	depth := c.frameDepth()
	unit := &UnitInfo{Addr: addr, Size: len(code), FrameDepth: depth}
	for i := range c.guards {
		g := &c.guards[i]
		d := g.descr
		d.FailLocations = g.failLocs
		d.FrameDepth = g.depth
		d.BranchAddr = at(g.branch)
		d.BranchLong = g.branch.(*arm.NodeImpl).Long
		d.StubAddr = at(g.stub)
		d.Loop = c.token
		d.Bridge = 0
		unit.Guards = append(unit.Guards, GuardInfo{
			Descr:         d,
			BranchAddr:    d.BranchAddr,
			StubAddr:      d.StubAddr,
			FailLocations: g.failLocs,
			GCMap:         g.gcmap.m,
		})
		if g.invalidation {
			s := invalidationSite{site: d.BranchAddr, stub: d.StubAddr}
			unit.InvalidationSites = append(unit.InvalidationSites, s.site)
			b.invalidations[c.token] = append(b.invalidations[c.token], s)
			// A bridge of an invalidated loop starts invalidated too.
			if c.token.Invalidated {
				if err = b.invalidate(s); err != nil {
					return nil, err
				}
			}
		}
	}
	for _, t := range c.labelTokens {
		l := c.labels[t]
		t.Loop = c.token
		t.Offset = int(l.node.OffsetInBinary())
		t.Addr = at(l.node)
		t.Locations = l.locs
		t.FrameDepth = depth
		unit.Labels = append(unit.Labels, t)
	}
	if depth > c.token.FrameDepth {
		c.token.FrameDepth = depth
	}
	if c.kind == unitLoop {
		b.loops[c.token] = addr
	}

	if w := b.cfg.debugWriter; w != nil {
		_, _ = fmt.Fprintf(w, "armjit: %s of %s at 0x%08x: %s, frame depth %d, %d guards\n",
			c.kind, c.token.ID, addr, units.HumanSize(float64(len(code))), depth, len(c.guards))
		if b.cfg.dumpNodes {
			c.asm.Dump(w)
		}
	}
	return unit, nil
}

// targetInfo is a snapshot of a published label.
type targetInfo struct {
	addr  uint32
	locs  []loc.Location
	depth int
}

// target returns the label of token as last published, with a zero addr
// if its unit is not published yet.
func (b *Backend) target(token *trace.TargetToken) targetInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return targetInfo{addr: token.Addr, locs: token.Locations, depth: token.FrameDepth}
}

// loopAddr returns the entry of the loop of token, or zero if it is not
// published yet.
func (b *Backend) loopAddr(token *trace.LoopToken) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loops[token]
}

// attachBridge makes the guard of descr jump to the bridge at target and
// returns the address it rewrote. A short guard branch is retargeted.
// Otherwise the stub is replaced by a long branch.
func (b *Backend) attachBridge(descr *trace.FailDescr, target uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	word, err := b.mem.ReadWord(descr.BranchAddr)
	if err != nil {
		return 0, err
	}
	if !descr.BranchLong && arm.IsBranch(word) && arm.BranchInReach(int64(descr.BranchAddr), int64(target)) {
		if err = b.patchBranch(descr.BranchAddr, target); err != nil {
			return 0, err
		}
		descr.Bridge = target
		return descr.BranchAddr, nil
	}
	for i, w := range arm.LongBranchWords(int64(descr.StubAddr), int64(target)) {
		if err = b.mem.WriteWord(descr.StubAddr+uint32(4*i), w); err != nil {
			return 0, err
		}
	}
	descr.Bridge = target
	return descr.StubAddr, nil
}

// patchBranch retargets the published branch at site. b.mu must be held.
func (b *Backend) patchBranch(site, target uint32) error {
	word, err := b.mem.ReadWord(site)
	if err != nil {
		return err
	}
	patched, err := arm.PatchBranch(word, int64(site), int64(target))
	if err != nil {
		return err
	}
	return b.mem.WriteWord(site, patched)
}

// Invalidate turns every guard_not_invalidated of the loop and its bridges
// into a jump to its stub. Later executions leave through those guards, and
// bridges attached afterwards are published invalidated.
func (b *Backend) Invalidate(token *trace.LoopToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if token.Invalidated {
		return nil
	}
	for _, s := range b.invalidations[token] {
		if err := b.invalidate(s); err != nil {
			return err
		}
	}
	token.Invalidated = true
	return nil
}

// invalidate turns the NOP at s into a branch to its stub. b.mu must be held.
func (b *Backend) invalidate(s invalidationSite) error {
	word, err := arm.EncodeBranchAt(asm.ConditionalRegisterStateUnset, int64(s.site), int64(s.stub))
	if err != nil {
		return err
	}
	return b.mem.WriteWord(s.site, word)
}

// Helpers returns the addresses of the published runtime helpers, for
// listings and tests.
func (b *Backend) Helpers() map[string]uint32 {
	h := b.helpers
	ret := map[string]uint32{
		"realloc_frame":       h.reallocFrame,
		"malloc_slowpath":     h.mallocSlowpath,
		"write_barrier":       h.writeBarrier,
		"write_barrier_array": h.writeBarrierArray,
		"stack_check":         h.stackCheck,
	}
	for exc := 0; exc < 2; exc++ {
		for floats := 0; floats < 2; floats++ {
			ret[fmt.Sprintf("failure_exc%d_floats%d", exc, floats)] = h.failure[exc][floats]
		}
	}
	return ret
}
