// Package regalloc implements the linear scan register allocator for traces.
package regalloc

import (
	"fmt"
	"sort"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/trace"
)

// Mover emits the code copying a value between two locations. src may be an
// immediate, and at most one of src and dst is a stack slot.
type Mover interface {
	Move(src, dst loc.Location)
}

// SaveMode selects which registers a call must not clobber.
type SaveMode byte

const (
	// SaveCallerSaved moves values out of the registers the callee may clobber.
	SaveCallerSaved SaveMode = iota
	// SaveGCRefs also stores every reference to the frame, where a
	// collection can find and update it.
	SaveGCRefs
	// SaveAll stores every value to the frame. Used by calls that may force
	// the frame, whose content is then read back by the runtime.
	SaveAll
)

// Allocator is the facade over the two register banks and the frame.
type Allocator struct {
	Core  *Bank[coreFile]
	Float *Bank[floatFile]
	Frame *FrameManager

	longevity *Longevity
	mover     Mover
	position  int
	temps     []*trace.Box
}

// New returns an allocator positioned before the first operation.
func New(longevity *Longevity, frame *FrameManager, mover Mover) *Allocator {
	a := &Allocator{Frame: frame, longevity: longevity, mover: mover}
	a.Core = newBank[coreFile](a)
	a.Float = newBank[floatFile](a)
	return a
}

// Position returns the index of the operation being allocated.
func (a *Allocator) Position() int { return a.position }

// Longevity returns the lifetimes the allocator works with.
func (a *Allocator) Longevity() *Longevity { return a.longevity }

func (a *Allocator) nextUse(b *trace.Box) int {
	lt := a.longevity.Lifetime(b)
	if lt == nil {
		return -1
	}
	return lt.NextUse(a.position)
}

// sync makes sure b has an up to date copy in its frame slot.
func (a *Allocator) sync(b *trace.Box, from loc.Location) {
	if _, ok := a.Frame.Loc(b); ok {
		return
	}
	a.mover.Move(from, a.Frame.GetOrCreate(b))
}

// Start frees the inputs nobody reads. Call once all inputs are bound.
func (a *Allocator) Start() {
	for _, b := range a.longevity.DyingAfter(-1) {
		a.free(b)
	}
	a.position = 0
	a.unlockAll()
}

// BindInput records that the unit input b is at l on entry.
func (a *Allocator) BindInput(b *trace.Box, l loc.Location) {
	switch {
	case l.IsStack():
		a.Frame.Bind(b, l)
	case l.IsCoreReg():
		a.Core.bind(b, l.Reg)
	case l.IsFloatReg():
		a.Float.bind(b, l.Reg)
	default:
		panic(fmt.Sprintf("BUG: cannot bind input %s to %s", b, l))
	}
}

func (a *Allocator) reg(b *trace.Box) (loc.Location, bool) {
	if b.Kind() == trace.KindFloat {
		if r, ok := a.Float.Reg(b); ok {
			return loc.FloatReg(r), true
		}
		return loc.None, false
	}
	if r, ok := a.Core.Reg(b); ok {
		return loc.CoreReg(r), true
	}
	return loc.None, false
}

// Loc returns where v is now. Constants are immediates.
func (a *Allocator) Loc(v trace.Value) loc.Location {
	switch c := v.(type) {
	case trace.ConstInt:
		return loc.Imm(uint32(c))
	case trace.ConstPtr:
		return loc.Imm(uint32(c))
	case trace.ConstFloat:
		return loc.ImmFloat(c.Bits())
	}
	b := v.(*trace.Box)
	if l, ok := a.reg(b); ok {
		return l
	}
	if l, ok := a.Frame.Loc(b); ok {
		return l
	}
	panic(fmt.Sprintf("BUG: %s has no location at %d", b, a.position))
}

// HasLoc returns true if b currently has a location.
func (a *Allocator) HasLoc(b *trace.Box) bool {
	if _, ok := a.reg(b); ok {
		return true
	}
	_, ok := a.Frame.Loc(b)
	return ok
}

// MakeSureInReg returns a register holding v, loading it if needed.
// Constants are loaded into temporaries.
func (a *Allocator) MakeSureInReg(v trace.Value, forbidden ...asm.Register) loc.Location {
	b, ok := v.(*trace.Box)
	if !ok {
		tmp := a.Temp(v.Kind(), forbidden...)
		a.mover.Move(a.Loc(v), tmp)
		return tmp
	}
	fs := newRegSet(forbidden...)
	if cur, ok := a.reg(b); ok {
		if !fs.has(cur.Reg) {
			a.lock(cur)
			return cur
		}
		if b.Kind() == trace.KindFloat {
			return a.Float.relocate(b, fs)
		}
		return a.Core.relocate(b, fs)
	}
	slot, ok := a.Frame.Loc(b)
	if !ok {
		panic(fmt.Sprintf("BUG: %s has no location at %d", b, a.position))
	}
	var dst loc.Location
	if b.Kind() == trace.KindFloat {
		dst = a.Float.allocate(b, fs, nil)
	} else {
		dst = a.Core.allocate(b, fs, nil)
	}
	a.mover.Move(slot, dst)
	return dst
}

// ForceAllocate returns a register for the result b.
func (a *Allocator) ForceAllocate(b *trace.Box, forbidden ...asm.Register) loc.Location {
	if b.Kind() == trace.KindFloat {
		return a.Float.allocate(b, newRegSet(forbidden...), nil)
	}
	return a.Core.allocate(b, newRegSet(forbidden...), nil)
}

// ForceAllocateSelected puts b in r, moving the previous occupant away.
func (a *Allocator) ForceAllocateSelected(b *trace.Box, r asm.Register) loc.Location {
	if arm.IsDoubleRegister(r) {
		return a.Float.allocateSelected(b, r, newRegSet(r))
	}
	return a.Core.allocateSelected(b, r, newRegSet(r))
}

// Temp returns a register usable until the end of the current operation.
// It never aliases an argument placed before it.
func (a *Allocator) Temp(kind trace.Kind, forbidden ...asm.Register) loc.Location {
	b := trace.NewBox(kind)
	a.temps = append(a.temps, b)
	return a.ForceAllocate(b, forbidden...)
}

// TempSelected returns r as a temporary, moving its occupant away.
func (a *Allocator) TempSelected(r asm.Register) loc.Location {
	kind := trace.KindInt
	if arm.IsDoubleRegister(r) {
		kind = trace.KindFloat
	}
	b := trace.NewBox(kind)
	a.temps = append(a.temps, b)
	return a.ForceAllocateSelected(b, r)
}

func (a *Allocator) lock(l loc.Location) {
	if l.IsFloatReg() {
		a.Float.locked[l.Reg] = true
	} else if l.IsCoreReg() {
		a.Core.locked[l.Reg] = true
	}
}

func (a *Allocator) unlockAll() {
	a.Core.unlockAll()
	a.Float.unlockAll()
}

func (a *Allocator) free(b *trace.Box) {
	a.Core.release(b)
	a.Float.release(b)
	a.Frame.MarkAsFree(b)
}

// FreeDyingArgs releases the arguments of the current operation that are
// not needed afterwards, so the result may reuse their registers. Call it
// once every argument location has been decided.
func (a *Allocator) FreeDyingArgs(op *trace.Op) {
	for _, v := range op.Args {
		if b, ok := v.(*trace.Box); ok && !a.longevity.LiveAfter(b, a.position) {
			a.free(b)
		}
	}
}

// NextOp finishes the current operation: temporaries and dead boxes are
// released, and locks are dropped.
func (a *Allocator) NextOp() {
	for _, t := range a.temps {
		a.free(t)
	}
	a.temps = a.temps[:0]
	for _, b := range a.longevity.DyingAfter(a.position) {
		a.free(b)
	}
	a.unlockAll()
	a.position++
}

// ForceSpill makes sure b only lives in its frame slot.
func (a *Allocator) ForceSpill(b *trace.Box) {
	if b.Kind() == trace.KindFloat {
		if r, ok := a.Float.Reg(b); ok {
			a.Float.spill(r)
		}
		return
	}
	if r, ok := a.Core.Reg(b); ok {
		a.Core.spill(r)
	}
}

// BeforeCall frees the registers the call may clobber, per mode. Values
// dying at the call stay where they are so they can be passed as arguments.
func (a *Allocator) BeforeCall(mode SaveMode) {
	a.Core.each(func(r asm.Register, b *trace.Box) {
		if !a.longevity.LiveAfter(b, a.position) {
			return
		}
		isRef := b.Kind() == trace.KindRef
		switch {
		case mode == SaveAll, mode == SaveGCRefs && isRef:
			a.Core.spill(r)
		case loc.IsCallerSaved(r):
			if dst, ok := a.Core.freeRegister(nil, loc.CalleeSavedCore); ok && !loc.IsCallerSaved(dst) {
				a.mover.Move(loc.CoreReg(r), loc.CoreReg(dst))
				a.Core.release(b)
				a.Core.bind(b, dst)
				return
			}
			a.Core.spill(r)
		}
	})
	a.Float.each(func(r asm.Register, b *trace.Box) {
		if !a.longevity.LiveAfter(b, a.position) {
			return
		}
		switch {
		case mode == SaveAll:
			a.Float.spill(r)
		case loc.IsCallerSaved(r):
			if dst, ok := a.Float.freeRegister(nil, loc.CalleeSavedFloat); ok && !loc.IsCallerSaved(dst) {
				a.mover.Move(loc.FloatReg(r), loc.FloatReg(dst))
				a.Float.release(b)
				a.Float.bind(b, dst)
				return
			}
			a.Float.spill(r)
		}
	})
}

// AfterCall binds the call result to the register the callee left it in.
// Dying arguments must have been freed first.
func (a *Allocator) AfterCall(result *trace.Box, r asm.Register) loc.Location {
	for _, rr := range loc.CallerSavedCore {
		if b := a.Core.Occupant(rr); b != nil && a.longevity.LiveAfter(b, a.position) {
			panic(fmt.Sprintf("BUG: %s survived a call in %s", b, arm.RegisterName(rr)))
		}
	}
	return a.ForceAllocateSelected(result, r)
}

// FailLocations returns the current locations of a guard's fail args, with
// loc.None for holes.
func (a *Allocator) FailLocations(failArgs []*trace.Box) []loc.Location {
	ret := make([]loc.Location, len(failArgs))
	for i, b := range failArgs {
		if b != nil {
			ret[i] = a.Loc(b)
		}
	}
	return ret
}

// LiveRefLocations returns every location holding a reference that is needed
// after the current operation, registers and frame copies alike.
func (a *Allocator) LiveRefLocations() []loc.Location {
	var ret []loc.Location
	a.Core.each(func(r asm.Register, b *trace.Box) {
		if b.Kind() == trace.KindRef && a.longevity.LiveAfter(b, a.position) {
			ret = append(ret, loc.CoreReg(r))
		}
	})
	var slots []loc.Location
	for b, l := range a.Frame.bindings {
		if b.Kind() == trace.KindRef && a.longevity.LiveAfter(b, a.position) {
			slots = append(slots, l)
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Position < slots[j].Position })
	return append(ret, slots...)
}

// CheckInvariants verifies that no two boxes share a register or a frame
// word, and that the register tables agree with each other.
func (a *Allocator) CheckInvariants() error {
	for b, r := range a.Core.regOf {
		if a.Core.occupant[r] != b {
			return fmt.Errorf("%s thinks it is in %s", b, arm.RegisterName(r))
		}
	}
	for b, r := range a.Float.regOf {
		if a.Float.occupant[r] != b {
			return fmt.Errorf("%s thinks it is in %s", b, arm.RegisterName(r))
		}
	}
	if len(a.Core.regOf) != len(a.Core.occupant) || len(a.Float.regOf) != len(a.Float.occupant) {
		return fmt.Errorf("register tables disagree")
	}

	type binding struct {
		b *trace.Box
		l loc.Location
	}
	all := make([]binding, 0, len(a.Frame.bindings))
	for b, l := range a.Frame.bindings {
		all = append(all, binding{b, l})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].l.Position < all[j].l.Position })
	for i := 1; i < len(all); i++ {
		if all[i-1].l.Overlaps(all[i].l) {
			return fmt.Errorf("%s at %s overlaps %s at %s", all[i-1].b, all[i-1].l, all[i].b, all[i].l)
		}
	}
	for _, bd := range all {
		if bd.l.Position+bd.l.Words() > a.Frame.depth {
			return fmt.Errorf("%s at %s beyond frame depth %d", bd.b, bd.l, a.Frame.depth)
		}
		if a.Frame.free.Has(bd.l.Position) {
			return fmt.Errorf("%s at %s is marked free", bd.b, bd.l)
		}
	}
	return nil
}
