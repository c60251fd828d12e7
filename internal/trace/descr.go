package trace

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tetratelabs/armjit/internal/jit/loc"
)

// Descr is the opaque descriptor attached to an operation.
type Descr interface {
	fmt.Stringer
}

// FailDescr identifies a guard or a finish. Handle is the word written into
// jf_descr when the guard fails, and is how the runtime finds the descr back.
type FailDescr struct {
	Handle uint32
	// Name is only used for listings.
	Name string

	// The fields below are filled by the backend once the owning unit is
	// published.

	// FailLocations holds where each fail arg lives when the guard fails,
	// loc.None for holes. Bridges attached to the guard start from there.
	FailLocations []loc.Location
	// FrameDepth is the frame depth of the owning unit at the guard.
	FrameDepth int
	// BranchAddr is the address of the guard's conditional branch, or of
	// the patchable site of guard_not_invalidated.
	BranchAddr uint32
	// BranchLong is set when the branch was widened to reach its stub, in
	// which case a bridge is attached by rewriting the stub.
	BranchLong bool
	// StubAddr is the address of the exit stub the branch leads to.
	StubAddr uint32
	// Loop is the loop owning the guard.
	Loop *LoopToken
	// Bridge is the address of the attached bridge, zero if none.
	Bridge uint32
}

// String implements fmt.Stringer.
func (d *FailDescr) String() string {
	if d.Name != "" {
		return fmt.Sprintf("<FailDescr %s 0x%x>", d.Name, d.Handle)
	}
	return fmt.Sprintf("<FailDescr 0x%x>", d.Handle)
}

// ArgType is the machine-level type of a call argument or result.
type ArgType byte

const (
	ArgVoid ArgType = iota
	ArgInt
	ArgRef
	ArgFloat
	// ArgSingleFloat is a float32 whose bits travel in an int box.
	ArgSingleFloat
)

// String implements fmt.Stringer.
func (a ArgType) String() string {
	switch a {
	case ArgVoid:
		return "v"
	case ArgInt:
		return "i"
	case ArgRef:
		return "r"
	case ArgFloat:
		return "f"
	case ArgSingleFloat:
		return "S"
	}
	return "?"
}

// ArgTypeOf returns the argument type carrying values of kind k.
func ArgTypeOf(k Kind) ArgType {
	switch k {
	case KindRef:
		return ArgRef
	case KindFloat:
		return ArgFloat
	}
	return ArgInt
}

// CallDescr is the signature of a called function.
type CallDescr struct {
	Args   []ArgType
	Result ArgType
	// ResultSize is the size in bytes of an integer result narrower than a
	// word, zero meaning a full word.
	ResultSize int
	// ResultSigned selects sign extension of a narrow result.
	ResultSigned bool
	// CanCollect is set when the callee may run a collection, so every
	// register holding a reference must be saved in the frame.
	CanCollect bool
}

// String implements fmt.Stringer.
func (d *CallDescr) String() string {
	s := "<CallDescr ("
	for _, a := range d.Args {
		s += a.String()
	}
	return s + ")" + d.Result.String() + ">"
}

// FieldDescr describes a field at a fixed offset from an object.
type FieldDescr struct {
	Offset int
	// Size is 1, 2, 4 or 8 (floats only).
	Size   int
	Signed bool
	Kind   Kind
}

// String implements fmt.Stringer.
func (d *FieldDescr) String() string {
	return fmt.Sprintf("<FieldDescr %s+%d/%d>", d.Kind, d.Offset, d.Size)
}

// ArrayDescr describes the layout of an array: items start at BaseSize and
// the length word is at LenOffset.
type ArrayDescr struct {
	BaseSize  int
	ItemSize  int
	LenOffset int
	Signed    bool
	ItemKind  Kind
}

// String implements fmt.Stringer.
func (d *ArrayDescr) String() string {
	return fmt.Sprintf("<ArrayDescr %s[%d]@%d>", d.ItemKind, d.ItemSize, d.BaseSize)
}

// InteriorFieldDescr describes a field inside each item of an array of structs.
type InteriorFieldDescr struct {
	Array *ArrayDescr
	Field *FieldDescr
}

// String implements fmt.Stringer.
func (d *InteriorFieldDescr) String() string {
	return fmt.Sprintf("<InteriorFieldDescr %v.%v>", d.Array, d.Field)
}

// SizeDescr is the allocation size of a fixed size object.
type SizeDescr struct {
	Size int
}

// String implements fmt.Stringer.
func (d *SizeDescr) String() string { return fmt.Sprintf("<SizeDescr %d>", d.Size) }

// WriteBarrierDescr describes the header flags tested by the write barrier.
//
// The object is remembered when the FlagMask bit of the byte at
// FlagByteOffset is set, and no barrier call is needed. An object using card
// marking has the CardsMask bit of the same byte set. Card i covers the items
// whose index shifted right by CardPageShift is i, and is stored as bit i&7
// of the byte at ^(i>>3) from the object start, growing downwards.
type WriteBarrierDescr struct {
	FlagByteOffset int
	FlagMask       byte
	CardsMask      byte
	CardPageShift  uint
}

// String implements fmt.Stringer.
func (d *WriteBarrierDescr) String() string {
	return fmt.Sprintf("<WriteBarrierDescr +%d&0x%x>", d.FlagByteOffset, d.FlagMask)
}

// CardMarking returns true if the barrier supports card marking.
func (d *WriteBarrierDescr) CardMarking() bool { return d.CardsMask != 0 }

// LoopToken identifies a compiled loop and every bridge attached to it.
type LoopToken struct {
	ID uuid.UUID
	// FrameDepth is the number of frame slots the loop and its bridges need.
	// The caller allocates frames of at least this depth.
	FrameDepth int
	// Invalidated is set once the loop's invalidation guards were patched.
	Invalidated bool
}

// NewLoopToken returns a token with a fresh identity.
func NewLoopToken() *LoopToken {
	return &LoopToken{ID: uuid.New()}
}

// String implements fmt.Stringer.
func (t *LoopToken) String() string { return fmt.Sprintf("<Loop %s>", t.ID) }

// CallAssemblerDescr describes a call_assembler: a call of the compiled loop
// Loop on the frame argument.
type CallAssemblerDescr struct {
	Loop *LoopToken
	// DoneHandle is the handle of the finish descr the loop leaves through
	// when it returns normally, with its single result, if any, in slot 0.
	DoneHandle uint32
	// Helper is called with the frame when the loop left any other way,
	// and returns the result.
	Helper uint32
	Result ArgType
}

// String implements fmt.Stringer.
func (d *CallAssemblerDescr) String() string {
	return fmt.Sprintf("<CallAssemblerDescr %s %s>", d.Loop, d.Result)
}

// TargetToken marks a label that jumps may target. The backend fills it
// when the unit defining the label is published, and only reads it with the
// lock it publishes under held.
type TargetToken struct {
	Loop *LoopToken
	// Offset is the label's offset in its unit, and Addr its absolute
	// address once the unit is published.
	Offset int
	Addr   uint32
	// Locations holds where a jump must deliver each label argument.
	Locations []loc.Location
	// FrameDepth is the frame depth of the unit owning the label.
	FrameDepth int
}

// String implements fmt.Stringer.
func (t *TargetToken) String() string {
	return fmt.Sprintf("<TargetToken 0x%x>", t.Addr)
}
