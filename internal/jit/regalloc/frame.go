package regalloc

import (
	"fmt"

	"github.com/google/btree"

	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/trace"
)

// FrameManager assigns frame slots to boxes. The frame depth of a unit never
// decreases, and slots freed by dead boxes are handed out again.
type FrameManager struct {
	bindings map[*trace.Box]loc.Location
	// free holds the free positions below depth, in order.
	free  *btree.BTreeG[int]
	depth int
	// hints are preferred positions, used so that values reach the slot a
	// jump expects them in.
	hints map[*trace.Box]int
}

// NewFrameManager returns a frame manager whose slots below depth are in use.
func NewFrameManager(depth int) *FrameManager {
	return &FrameManager{
		bindings: map[*trace.Box]loc.Location{},
		free:     btree.NewG[int](8, func(a, b int) bool { return a < b }),
		depth:    depth,
		hints:    map[*trace.Box]int{},
	}
}

// Depth returns the number of slots the unit needs.
func (fm *FrameManager) Depth() int { return fm.depth }

// Loc returns the slot of b, if any.
func (fm *FrameManager) Loc(b *trace.Box) (loc.Location, bool) {
	l, ok := fm.bindings[b]
	return l, ok
}

// Bind records that b lives at the stack location l, which the caller
// guarantees to be unused. Positions between the old depth and l are
// considered in use by someone else.
func (fm *FrameManager) Bind(b *trace.Box, l loc.Location) {
	if !l.IsStack() {
		panic(fmt.Sprintf("BUG: binding %s to non stack location %s", b, l))
	}
	if _, ok := fm.bindings[b]; ok {
		panic(fmt.Sprintf("BUG: %s already bound", b))
	}
	if (b.Kind() == trace.KindFloat) != l.Double {
		panic(fmt.Sprintf("BUG: %s bound to %s of the wrong width", b, l))
	}
	for p := l.Position; p < l.Position+l.Words(); p++ {
		fm.free.Delete(p)
	}
	if end := l.Position + l.Words(); end > fm.depth {
		fm.depth = end
	}
	fm.bindings[b] = l
}

// Hint asks for b to be placed at position if it is free when b gets a slot.
func (fm *FrameManager) Hint(b *trace.Box, position int) {
	fm.hints[b] = position
}

// GetOrCreate returns the slot of b, allocating one if needed.
func (fm *FrameManager) GetOrCreate(b *trace.Box) loc.Location {
	if l, ok := fm.bindings[b]; ok {
		return l
	}
	double := b.Kind() == trace.KindFloat
	words := 1
	if double {
		words = 2
	}

	pos := -1
	if h, ok := fm.hints[b]; ok && fm.isFree(h, words) && (!double || h%2 == 0) {
		pos = h
	}
	if pos < 0 {
		pos = fm.findFree(words)
	}
	if pos < 0 {
		pos = fm.depth
		if double && pos%2 != 0 {
			pos++
		}
	}
	// Words skipped over stay available to later boxes.
	for p := fm.depth; p < pos; p++ {
		fm.free.ReplaceOrInsert(p)
	}
	l := loc.Stack(pos, double)
	for p := pos; p < pos+words; p++ {
		fm.free.Delete(p)
	}
	if end := pos + words; end > fm.depth {
		fm.depth = end
	}
	fm.bindings[b] = l
	return l
}

func (fm *FrameManager) isFree(pos, words int) bool {
	for p := pos; p < pos+words; p++ {
		if p < fm.depth && !fm.free.Has(p) {
			return false
		}
	}
	return pos >= 0
}

// findFree returns the lowest free position fitting the given number of
// words, doubles starting at even positions, or -1.
func (fm *FrameManager) findFree(words int) int {
	found := -1
	fm.free.Ascend(func(p int) bool {
		if words == 1 {
			found = p
			return false
		}
		if p%2 == 0 && (fm.free.Has(p+1) || p+1 == fm.depth) {
			found = p
			return false
		}
		return true
	})
	return found
}

// MarkAsFree releases the slot of b.
func (fm *FrameManager) MarkAsFree(b *trace.Box) {
	l, ok := fm.bindings[b]
	if !ok {
		return
	}
	delete(fm.bindings, b)
	for p := l.Position; p < l.Position+l.Words(); p++ {
		fm.free.ReplaceOrInsert(p)
	}
}

// Bindings returns the number of boxes holding a slot.
func (fm *FrameManager) Bindings() int { return len(fm.bindings) }
