package regalloc

import (
	"fmt"
	"sort"

	"github.com/tetratelabs/armjit/internal/trace"
)

// Lifetime is the live range of one box in a trace, in operation indexes.
type Lifetime struct {
	// Def is the index of the defining operation, -1 for unit inputs.
	Def int
	// Last is the index of the last operation needing the value, including
	// guards listing it in their fail args and the final jump.
	Last int
	// Uses are the sorted indexes of the operations reading the value as an
	// argument, other than the final jump.
	Uses []int
}

// NextUse returns the first real use at or after position, or -1 when none is left.
func (l *Lifetime) NextUse(position int) int {
	i := sort.SearchInts(l.Uses, position)
	if i == len(l.Uses) {
		return -1
	}
	return l.Uses[i]
}

// Longevity maps every box of a unit to its lifetime.
type Longevity struct {
	lifetimes map[*trace.Box]*Lifetime
	// dyingAt lists the boxes whose Last is the given position. Index 0 is
	// for the boxes dying before the first operation.
	dyingAt [][]*trace.Box
}

// ComputeLongevity walks the unit once. inputs are the boxes live on entry.
func ComputeLongevity(inputs []*trace.Box, ops []*trace.Op) (*Longevity, error) {
	l := &Longevity{lifetimes: make(map[*trace.Box]*Lifetime, len(inputs)+len(ops))}
	for _, in := range inputs {
		if _, ok := l.lifetimes[in]; ok {
			return nil, fmt.Errorf("input %s listed twice", in)
		}
		l.lifetimes[in] = &Lifetime{Def: -1, Last: -1}
	}

	use := func(b *trace.Box, i int, real bool) error {
		lt, ok := l.lifetimes[b]
		if !ok {
			return fmt.Errorf("%s used at %d before definition", b, i)
		}
		lt.Last = i
		if real && (len(lt.Uses) == 0 || lt.Uses[len(lt.Uses)-1] != i) {
			lt.Uses = append(lt.Uses, i)
		}
		return nil
	}

	for i, op := range ops {
		real := op.Opcode != trace.OpcodeJump
		for _, a := range op.Args {
			if b, ok := a.(*trace.Box); ok {
				if err := use(b, i, real); err != nil {
					return nil, err
				}
			}
		}
		for _, b := range op.FailArgs {
			if b != nil {
				if err := use(b, i, false); err != nil {
					return nil, err
				}
			}
		}
		if r := op.Result; r != nil {
			if _, ok := l.lifetimes[r]; ok {
				return nil, fmt.Errorf("%s defined twice", r)
			}
			l.lifetimes[r] = &Lifetime{Def: i, Last: i}
		}
	}

	l.dyingAt = make([][]*trace.Box, len(ops)+1)
	for b, lt := range l.lifetimes {
		l.dyingAt[lt.Last+1] = append(l.dyingAt[lt.Last+1], b)
	}
	// Map iteration order is random: keep frees deterministic.
	for _, boxes := range l.dyingAt {
		sort.Slice(boxes, func(i, j int) bool { return boxes[i].ID < boxes[j].ID })
	}
	return l, nil
}

// Lifetime returns the lifetime of b, or nil for a box foreign to the unit.
func (l *Longevity) Lifetime(b *trace.Box) *Lifetime {
	return l.lifetimes[b]
}

// DyingAfter returns the boxes whose last use is position. Position -1
// returns the unused inputs.
func (l *Longevity) DyingAfter(position int) []*trace.Box {
	return l.dyingAt[position+1]
}

// LiveAfter returns true if b is still needed after position.
func (l *Longevity) LiveAfter(b *trace.Box, position int) bool {
	lt := l.lifetimes[b]
	return lt != nil && lt.Last > position
}

// IsUnused returns true if the box defined by an operation is never read.
func (l *Longevity) IsUnused(b *trace.Box) bool {
	lt := l.lifetimes[b]
	return lt != nil && lt.Last == lt.Def
}
