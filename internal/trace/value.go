// Package trace defines the linear operation lists handed to the backend.
package trace

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Kind is the type of a value flowing through a trace.
type Kind byte

const (
	// KindInt is a 32-bit machine integer.
	KindInt Kind = iota
	// KindRef is a pointer into the GC heap.
	KindRef
	// KindFloat is an IEEE 754 double.
	KindFloat
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindRef:
		return "ref"
	case KindFloat:
		return "float"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is an operation argument: a *Box or one of the constants.
type Value interface {
	fmt.Stringer
	Kind() Kind
}

var boxCounter atomic.Int64

// Box is a symbolic value. Its identity is the pointer.
type Box struct {
	ID   int
	kind Kind
}

// NewBox returns a fresh box of the given kind.
func NewBox(kind Kind) *Box {
	return &Box{ID: int(boxCounter.Add(1)), kind: kind}
}

// Kind implements Value.
func (b *Box) Kind() Kind { return b.kind }

// String implements fmt.Stringer.
func (b *Box) String() string {
	switch b.kind {
	case KindRef:
		return fmt.Sprintf("p%d", b.ID)
	case KindFloat:
		return fmt.Sprintf("f%d", b.ID)
	}
	return fmt.Sprintf("i%d", b.ID)
}

// ConstInt is an integer constant.
type ConstInt int32

// Kind implements Value.
func (ConstInt) Kind() Kind { return KindInt }

// String implements fmt.Stringer.
func (c ConstInt) String() string { return fmt.Sprintf("%d", int32(c)) }

// ConstPtr is a constant address.
type ConstPtr uint32

// Kind implements Value.
func (ConstPtr) Kind() Kind { return KindRef }

// String implements fmt.Stringer.
func (c ConstPtr) String() string { return fmt.Sprintf("ConstPtr(0x%x)", uint32(c)) }

// ConstFloat is a double constant.
type ConstFloat float64

// Kind implements Value.
func (ConstFloat) Kind() Kind { return KindFloat }

// Bits returns the IEEE 754 encoding of the constant.
func (c ConstFloat) Bits() uint64 { return math.Float64bits(float64(c)) }

// String implements fmt.Stringer.
func (c ConstFloat) String() string { return fmt.Sprintf("%v", float64(c)) }

// IsConst returns true if v is not a box.
func IsConst(v Value) bool {
	_, ok := v.(*Box)
	return !ok
}

// ConstWord returns the 32-bit word of an int or pointer constant.
func ConstWord(v Value) (uint32, bool) {
	switch c := v.(type) {
	case ConstInt:
		return uint32(c), true
	case ConstPtr:
		return uint32(c), true
	}
	return 0, false
}
