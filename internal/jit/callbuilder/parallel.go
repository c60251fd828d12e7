package callbuilder

import (
	"fmt"

	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/loc"
)

// Mover emits copies between locations and saves values on the native stack.
type Mover interface {
	// Move copies src to dst. src may be an immediate. Implementations may
	// clobber ip and d15, and may use dst as a scratch register.
	Move(src, dst loc.Location)
	// Push saves the value at l on the native stack.
	Push(l loc.Location)
	// Pop restores the value last pushed into l.
	Pop(l loc.Location)
}

// Move is one copy of a parallel move.
type Move struct {
	Src, Dst loc.Location
}

// String implements fmt.Stringer.
func (m Move) String() string { return fmt.Sprintf("%s -> %s", m.Src, m.Dst) }

// key identifies a register or one frame word.
type key struct {
	file byte
	n    int
}

const (
	fileCore byte = iota
	fileVFP
	fileFrame
)

func keysOf(l loc.Location) []key {
	switch {
	case l.IsCoreReg():
		return []key{{fileCore, int(arm.RegisterNumber(l.Reg))}}
	case l.IsFloatReg():
		return []key{{fileVFP, int(arm.RegisterNumber(l.Reg))}}
	case l.IsStack():
		if l.Double {
			return []key{{fileFrame, l.Position}, {fileFrame, l.Position + 1}}
		}
		return []key{{fileFrame, l.Position}}
	}
	return nil
}

// ParallelMove emits the moves so that every destination ends up with the
// value its source had before any of them. Destinations must not overlap
// each other. Cycles are broken by pushing one source on the native stack.
func ParallelMove(moves []Move, m Mover) {
	pending := make([]Move, 0, len(moves))
	readers := map[key]int{}
	written := map[key]bool{}
	for _, mv := range moves {
		if mv.Src == mv.Dst {
			continue
		}
		for _, k := range keysOf(mv.Dst) {
			if written[k] {
				panic(fmt.Sprintf("BUG: parallel move writes %s twice", mv.Dst))
			}
			written[k] = true
		}
		for _, k := range keysOf(mv.Src) {
			readers[k]++
		}
		pending = append(pending, mv)
	}

	blocked := func(mv Move) bool {
		for _, k := range keysOf(mv.Dst) {
			if readers[k] > 0 {
				return true
			}
		}
		return false
	}
	done := func(src loc.Location) {
		for _, k := range keysOf(src) {
			readers[k]--
		}
	}

	var pushed []Move
	for len(pending) > 0 {
		progress := false
		next := pending[:0]
		for _, mv := range pending {
			if blocked(mv) {
				next = append(next, mv)
				continue
			}
			m.Move(mv.Src, mv.Dst)
			done(mv.Src)
			progress = true
		}
		pending = next
		if !progress {
			// Every destination is read by another move: park one source.
			mv := pending[0]
			m.Push(mv.Src)
			done(mv.Src)
			pushed = append(pushed, mv)
			pending = pending[1:]
		}
	}
	for i := len(pushed) - 1; i >= 0; i-- {
		m.Pop(pushed[i].Dst)
	}
}
