// Package callbuilder places the arguments of a native call following the
// ARM procedure call standard, in its soft-float and hard-float variants.
package callbuilder

import (
	"fmt"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/trace"
)

// ABI selects the floating point calling convention.
type ABI byte

const (
	// ABISoftFloat passes doubles in pairs of core registers (armel).
	ABISoftFloat ABI = iota
	// ABIHardFloat passes doubles in d0-d7 and singles in s0-s15 (armhf).
	ABIHardFloat
)

// String implements fmt.Stringer.
func (a ABI) String() string {
	switch a {
	case ABISoftFloat:
		return "soft-float"
	case ABIHardFloat:
		return "hard-float"
	}
	return fmt.Sprintf("ABI(%d)", a)
}

// ArgKind is where an argument travels.
type ArgKind byte

const (
	// ArgKindCore is one core register.
	ArgKindCore ArgKind = iota
	// ArgKindCorePair is an even/odd pair of core registers holding a double.
	ArgKindCorePair
	// ArgKindDouble is a VFP double register.
	ArgKindDouble
	// ArgKindSingle is a VFP single register.
	ArgKindSingle
	// ArgKindStack is the outgoing argument area.
	ArgKindStack
)

// String implements fmt.Stringer.
func (k ArgKind) String() string {
	switch k {
	case ArgKindCore:
		return "core"
	case ArgKindCorePair:
		return "pair"
	case ArgKindDouble:
		return "double"
	case ArgKindSingle:
		return "single"
	case ArgKindStack:
		return "stack"
	}
	return "unknown"
}

// ArgLocation is the location of one argument at the call instruction.
type ArgLocation struct {
	Type trace.ArgType
	Kind ArgKind
	// Reg is the register, or the low register of a pair.
	Reg asm.Register
	// RegHi is the high word register of a pair.
	RegHi asm.Register
	// Offset is the byte offset from sp of a stack argument.
	Offset int
	// Size is the number of bytes a stack argument takes.
	Size int
}

// String implements fmt.Stringer.
func (l ArgLocation) String() string {
	switch l.Kind {
	case ArgKindCorePair:
		return fmt.Sprintf("%s:%s", arm.RegisterName(l.Reg), arm.RegisterName(l.RegHi))
	case ArgKindStack:
		return fmt.Sprintf("[sp + %d]", l.Offset)
	}
	return arm.RegisterName(l.Reg)
}

// Overlaps returns true if l and o share a register, an aliased VFP
// register or stack bytes.
func (l ArgLocation) Overlaps(o ArgLocation) bool {
	if l.Kind == ArgKindStack || o.Kind == ArgKindStack {
		if l.Kind != o.Kind {
			return false
		}
		return l.Offset < o.Offset+o.Size && o.Offset < l.Offset+l.Size
	}
	lw, ow := l.singleWords(), o.singleWords()
	return lw&ow != 0
}

// singleWords returns a bitmask over s0-s31 for VFP locations, shifted
// above bit 32 so that it never meets a core register mask.
func (l ArgLocation) singleWords() uint64 {
	switch l.Kind {
	case ArgKindCore:
		return 1 << arm.RegisterNumber(l.Reg)
	case ArgKindCorePair:
		return 1<<arm.RegisterNumber(l.Reg) | 1<<arm.RegisterNumber(l.RegHi)
	case ArgKindDouble:
		return 3 << (32 + 2*arm.RegisterNumber(l.Reg))
	case ArgKindSingle:
		return 1 << (32 + arm.RegisterNumber(l.Reg))
	}
	return 0
}

// Plan is the placement of every argument of a call.
type Plan struct {
	Args []ArgLocation
	// StackSize is the size in bytes of the outgoing argument area, a
	// multiple of 8.
	StackSize int
}

const (
	numCoreArgs   = 4
	numSingleArgs = 16
)

// Classify places the arguments of a call with the given types.
func Classify(abi ABI, types []trace.ArgType) Plan {
	var (
		plan = Plan{Args: make([]ArgLocation, len(types))}
		ncrn int    // next core register number.
		nsaa int    // next stacked argument offset.
		vfp  uint16 // singles in use.
	)
	stack := func(size, align int) ArgLocation {
		nsaa = (nsaa + align - 1) &^ (align - 1)
		l := ArgLocation{Kind: ArgKindStack, Offset: nsaa, Size: size}
		nsaa += size
		return l
	}
	core := func() (ArgLocation, bool) {
		if ncrn >= numCoreArgs {
			return ArgLocation{}, false
		}
		l := ArgLocation{Kind: ArgKindCore, Reg: arm.CoreRegister(ncrn)}
		ncrn++
		return l, true
	}

	for i, typ := range types {
		var l ArgLocation
		switch {
		case typ == trace.ArgFloat && abi == ABISoftFloat:
			ncrn = (ncrn + 1) &^ 1
			if ncrn+2 <= numCoreArgs {
				l = ArgLocation{Kind: ArgKindCorePair, Reg: arm.CoreRegister(ncrn), RegHi: arm.CoreRegister(ncrn + 1)}
				ncrn += 2
			} else {
				ncrn = numCoreArgs
				l = stack(8, 8)
			}
		case typ == trace.ArgFloat:
			if n, ok := allocSingles(&vfp, 2); ok {
				l = ArgLocation{Kind: ArgKindDouble, Reg: arm.DoubleRegister(n / 2)}
			} else {
				// Nothing is back-filled once a VFP argument is stacked.
				vfp = 0xffff
				l = stack(8, 8)
			}
		case typ == trace.ArgSingleFloat && abi == ABIHardFloat:
			if n, ok := allocSingles(&vfp, 1); ok {
				l = ArgLocation{Kind: ArgKindSingle, Reg: arm.REG_S(n)}
			} else {
				vfp = 0xffff
				l = stack(4, 4)
			}
		case typ == trace.ArgVoid:
			panic("BUG: void argument")
		default:
			var ok bool
			if l, ok = core(); !ok {
				l = stack(4, 4)
			}
		}
		l.Type = typ
		plan.Args[i] = l
	}
	plan.StackSize = (nsaa + 7) &^ 7
	return plan
}

// allocSingles finds the lowest free run of n singles in used, aligned to n.
func allocSingles(used *uint16, n int) (int, bool) {
	mask := uint16(1)<<n - 1
	for i := 0; i < numSingleArgs; i += n {
		if *used&(mask<<i) == 0 {
			*used |= mask << i
			return i, true
		}
	}
	return 0, false
}

// ResultLocation returns where a result of the given type is left by the callee.
func ResultLocation(abi ABI, typ trace.ArgType) ArgLocation {
	switch {
	case typ == trace.ArgFloat && abi == ABISoftFloat:
		return ArgLocation{Type: typ, Kind: ArgKindCorePair, Reg: arm.REG_R0, RegHi: arm.REG_R1}
	case typ == trace.ArgFloat:
		return ArgLocation{Type: typ, Kind: ArgKindDouble, Reg: arm.REG_D0}
	case typ == trace.ArgSingleFloat && abi == ABIHardFloat:
		return ArgLocation{Type: typ, Kind: ArgKindSingle, Reg: arm.REG_S(0)}
	}
	return ArgLocation{Type: typ, Kind: ArgKindCore, Reg: arm.REG_R0}
}
