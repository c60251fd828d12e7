// Package loc describes where the backend keeps a value: a register, a frame
// slot or an immediate.
package loc

import (
	"fmt"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
)

// Type is the kind of a Location.
type Type byte

const (
	TypeNone Type = iota
	TypeCoreReg
	TypeFloatReg
	TypeStack
	TypeImm
	TypeImmFloat
)

// Location is a value type, freely copied and compared with ==.
type Location struct {
	Type Type
	Reg  asm.Register
	// Position is the frame slot index of a stack location.
	Position int
	// Double marks a two-word stack slot.
	Double bool
	// Value holds the word of an immediate or the bits of an immediate float.
	Value uint64
}

// None is the zero Location.
var None = Location{}

// CoreReg returns the location of core register r.
func CoreReg(r asm.Register) Location {
	if !arm.IsCoreRegister(r) {
		panic(fmt.Sprintf("BUG: %s is not a core register", arm.RegisterName(r)))
	}
	return Location{Type: TypeCoreReg, Reg: r}
}

// FloatReg returns the location of double register r.
func FloatReg(r asm.Register) Location {
	if !arm.IsDoubleRegister(r) {
		panic(fmt.Sprintf("BUG: %s is not a double register", arm.RegisterName(r)))
	}
	return Location{Type: TypeFloatReg, Reg: r}
}

// Stack returns the location of frame slot pos. A double slot covers pos and pos+1.
func Stack(pos int, double bool) Location {
	return Location{Type: TypeStack, Position: pos, Double: double}
}

// Imm returns an immediate word.
func Imm(v uint32) Location {
	return Location{Type: TypeImm, Value: uint64(v)}
}

// ImmFloat returns an immediate double given its bits.
func ImmFloat(bits uint64) Location {
	return Location{Type: TypeImmFloat, Value: bits}
}

func (l Location) IsCoreReg() bool  { return l.Type == TypeCoreReg }
func (l Location) IsFloatReg() bool { return l.Type == TypeFloatReg }
func (l Location) IsReg() bool      { return l.Type == TypeCoreReg || l.Type == TypeFloatReg }
func (l Location) IsStack() bool    { return l.Type == TypeStack }
func (l Location) IsImm() bool      { return l.Type == TypeImm || l.Type == TypeImmFloat }

// IsFloat returns true if the location holds a double.
func (l Location) IsFloat() bool {
	return l.Type == TypeFloatReg || l.Type == TypeImmFloat || (l.Type == TypeStack && l.Double)
}

// Word returns the immediate as a 32-bit word.
func (l Location) Word() uint32 { return uint32(l.Value) }

// Words returns the number of frame words a stack location covers.
func (l Location) Words() int {
	if l.Double {
		return 2
	}
	return 1
}

// Overlaps returns true if l and o share a register or a frame word.
func (l Location) Overlaps(o Location) bool {
	switch {
	case l.IsReg() && o.IsReg():
		return l.Reg == o.Reg
	case l.IsStack() && o.IsStack():
		return l.Position < o.Position+o.Words() && o.Position < l.Position+l.Words()
	}
	return false
}

// String implements fmt.Stringer.
func (l Location) String() string {
	switch l.Type {
	case TypeCoreReg, TypeFloatReg:
		return arm.RegisterName(l.Reg)
	case TypeStack:
		if l.Double {
			return fmt.Sprintf("stack[%d:2]", l.Position)
		}
		return fmt.Sprintf("stack[%d]", l.Position)
	case TypeImm:
		return fmt.Sprintf("#%d", int32(l.Value))
	case TypeImmFloat:
		return fmt.Sprintf("#f%x", l.Value)
	}
	return "none"
}
