package regalloc

import (
	"fmt"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/trace"
)

// registerFile abstracts what differs between the core and the VFP register files.
type registerFile interface {
	registers() []asm.Register
	location(r asm.Register) loc.Location
	accepts(k trace.Kind) bool
}

type coreFile struct{}

func (coreFile) registers() []asm.Register { return loc.CoreRegisters }
func (coreFile) location(r asm.Register) loc.Location { return loc.CoreReg(r) }
func (coreFile) accepts(k trace.Kind) bool { return k != trace.KindFloat }

type floatFile struct{}

func (floatFile) registers() []asm.Register { return loc.FloatRegisters }
func (floatFile) location(r asm.Register) loc.Location { return loc.FloatReg(r) }
func (floatFile) accepts(k trace.Kind) bool { return k == trace.KindFloat }

// Bank tracks which box occupies each register of one register file.
//
// A box may have both a register and a frame slot: since boxes are never
// reassigned, the slot stays a valid copy and spilling such a box needs no store.
type Bank[F registerFile] struct {
	file     F
	a        *Allocator
	occupant map[asm.Register]*trace.Box
	regOf    map[*trace.Box]asm.Register
	// locked registers are in use by the current operation and cannot be evicted.
	locked map[asm.Register]bool
}

func newBank[F registerFile](a *Allocator) *Bank[F] {
	return &Bank[F]{
		a:        a,
		occupant: map[asm.Register]*trace.Box{},
		regOf:    map[*trace.Box]asm.Register{},
		locked:   map[asm.Register]bool{},
	}
}

// Reg returns the register holding b.
func (bk *Bank[F]) Reg(b *trace.Box) (asm.Register, bool) {
	r, ok := bk.regOf[b]
	return r, ok
}

// Occupant returns the box held in r, or nil.
func (bk *Bank[F]) Occupant(r asm.Register) *trace.Box {
	return bk.occupant[r]
}

func (bk *Bank[F]) isFree(r asm.Register) bool {
	_, ok := bk.occupant[r]
	return !ok
}

func (bk *Bank[F]) bind(b *trace.Box, r asm.Register) loc.Location {
	if other, ok := bk.occupant[r]; ok {
		panic(fmt.Sprintf("BUG: %s already holds %s", bk.file.location(r), other))
	}
	if old, ok := bk.regOf[b]; ok {
		delete(bk.occupant, old)
	}
	bk.occupant[r] = b
	bk.regOf[b] = r
	bk.locked[r] = true
	return bk.file.location(r)
}

// release forgets the register of b without saving it anywhere.
func (bk *Bank[F]) release(b *trace.Box) {
	if r, ok := bk.regOf[b]; ok {
		delete(bk.regOf, b)
		delete(bk.occupant, r)
	}
}

// freeRegister returns an unoccupied register not in forbidden, preferring
// the given set if any.
func (bk *Bank[F]) freeRegister(forbidden regSet, prefer []asm.Register) (asm.Register, bool) {
	for _, r := range prefer {
		if bk.isFree(r) && !forbidden.has(r) {
			return r, true
		}
	}
	for _, r := range bk.file.registers() {
		if bk.isFree(r) && !forbidden.has(r) {
			return r, true
		}
	}
	return asm.NilRegister, false
}

// victim picks the register to evict: the one whose occupant is read again
// furthest from now. Occupants without real uses left go first.
func (bk *Bank[F]) victim(forbidden regSet) (asm.Register, bool) {
	best, bestUse := asm.NilRegister, -2
	for _, r := range bk.file.registers() {
		b, ok := bk.occupant[r]
		if !ok || forbidden.has(r) || bk.locked[r] {
			continue
		}
		next := bk.a.nextUse(b)
		if next == -1 {
			return r, true
		}
		if next > bestUse {
			best, bestUse = r, next
		}
	}
	return best, best != asm.NilRegister
}

// spill moves the occupant of r out of it, into its frame slot.
func (bk *Bank[F]) spill(r asm.Register) {
	b := bk.occupant[r]
	if b == nil {
		return
	}
	bk.a.sync(b, bk.file.location(r))
	bk.release(b)
}

// evict makes r free, moving its occupant to another register outside
// forbidden when one is free, or to the frame.
func (bk *Bank[F]) evict(r asm.Register, forbidden regSet) {
	b := bk.occupant[r]
	if b == nil {
		return
	}
	if !bk.a.longevity.LiveAfter(b, bk.a.position-1) {
		bk.release(b)
		return
	}
	if other, ok := bk.freeRegister(forbidden.with(r), nil); ok {
		bk.a.mover.Move(bk.file.location(r), bk.file.location(other))
		bk.release(b)
		bk.bind(b, other)
		return
	}
	bk.spill(r)
}

// pick returns a free register outside forbidden, evicting the occupant
// with the furthest next use if needed.
func (bk *Bank[F]) pick(forbidden regSet, prefer []asm.Register) asm.Register {
	r, ok := bk.freeRegister(forbidden, prefer)
	if !ok {
		r, ok = bk.victim(forbidden)
		if !ok {
			panic("BUG: every register is in use by the current operation")
		}
		bk.spill(r)
	}
	return r
}

// allocate returns a register for b, evicting someone if none is free.
func (bk *Bank[F]) allocate(b *trace.Box, forbidden regSet, prefer []asm.Register) loc.Location {
	if !bk.file.accepts(b.Kind()) {
		panic(fmt.Sprintf("BUG: %s does not belong in this register file", b))
	}
	return bk.bind(b, bk.pick(forbidden, prefer))
}

// relocate moves b out of its register into one outside forbidden.
func (bk *Bank[F]) relocate(b *trace.Box, forbidden regSet) loc.Location {
	cur := bk.regOf[b]
	r := bk.pick(forbidden.with(cur), nil)
	bk.a.mover.Move(bk.file.location(cur), bk.file.location(r))
	bk.release(b)
	return bk.bind(b, r)
}

// allocateSelected puts b in r, evicting the current occupant.
func (bk *Bank[F]) allocateSelected(b *trace.Box, r asm.Register, forbidden regSet) loc.Location {
	if cur, ok := bk.regOf[b]; ok && cur == r {
		bk.locked[r] = true
		return bk.file.location(r)
	}
	if bk.locked[r] && !bk.isFree(r) {
		panic(fmt.Sprintf("BUG: %s is in use by the current operation", bk.file.location(r)))
	}
	bk.evict(r, forbidden)
	return bk.bind(b, r)
}

// each calls fn on every occupied register in file order.
func (bk *Bank[F]) each(fn func(r asm.Register, b *trace.Box)) {
	for _, r := range bk.file.registers() {
		if b, ok := bk.occupant[r]; ok {
			fn(r, b)
		}
	}
}

func (bk *Bank[F]) unlockAll() {
	for r := range bk.locked {
		delete(bk.locked, r)
	}
}

// regSet is a small set of registers.
type regSet map[asm.Register]struct{}

func newRegSet(regs ...asm.Register) regSet {
	s := make(regSet, len(regs))
	for _, r := range regs {
		s[r] = struct{}{}
	}
	return s
}

func (s regSet) has(r asm.Register) bool {
	_, ok := s[r]
	return ok
}

func (s regSet) with(r asm.Register) regSet {
	n := make(regSet, len(s)+1)
	for k := range s {
		n[k] = struct{}{}
	}
	n[r] = struct{}{}
	return n
}
