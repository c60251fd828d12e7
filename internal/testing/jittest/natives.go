package jittest

import (
	"fmt"
	"math"

	"github.com/tetratelabs/armjit/internal/jit/callbuilder"
	"github.com/tetratelabs/armjit/internal/testing/armsim"
	"github.com/tetratelabs/armjit/internal/trace"
)

// Native is a pure function of the simulated process that generated traces
// call and the interpreter evaluates.
type Native struct {
	Name  string
	Descr *trace.CallDescr
	// Eval returns the bits the function returns for the argument bits,
	// before the caller narrows them per Descr.
	Eval func(args []uint64) uint64
}

func argTypes(types ...trace.ArgType) []trace.ArgType { return types }

func f64(v uint64) float64 { return math.Float64frombits(v) }

// Natives are registered first by NewRuntime, so Natives[i] is at
// NativeAddr(i) in every runtime.
var Natives = []*Native{
	{
		Name:  "mix",
		Descr: &trace.CallDescr{Args: argTypes(trace.ArgInt, trace.ArgInt, trace.ArgInt), Result: trace.ArgInt},
		Eval: func(a []uint64) uint64 {
			return uint64(uint32(a[0])*31 + (uint32(a[1]) ^ uint32(a[2])))
		},
	},
	{
		Name: "sum6",
		Descr: &trace.CallDescr{
			Args:   argTypes(trace.ArgInt, trace.ArgInt, trace.ArgInt, trace.ArgInt, trace.ArgInt, trace.ArgInt),
			Result: trace.ArgInt,
		},
		Eval: func(a []uint64) uint64 {
			return uint64(uint32(a[0]) - uint32(a[1]) + uint32(a[2]) - uint32(a[3]) + uint32(a[4])*uint32(a[5]))
		},
	},
	{
		// The high bits are junk the caller drops.
		Name:  "narrow",
		Descr: &trace.CallDescr{Args: argTypes(trace.ArgInt), Result: trace.ArgInt, ResultSize: 1, ResultSigned: true},
		Eval:  func(a []uint64) uint64 { return uint64(uint32(a[0]) ^ 0x5a5a0000) },
	},
	{
		Name:  "halfword",
		Descr: &trace.CallDescr{Args: argTypes(trace.ArgInt), Result: trace.ArgInt, ResultSize: 2},
		Eval:  func(a []uint64) uint64 { return uint64(uint32(a[0]) * 3) },
	},
	{
		// The second double takes the stack with the soft-float ABI.
		Name:  "axpy",
		Descr: &trace.CallDescr{Args: argTypes(trace.ArgFloat, trace.ArgInt, trace.ArgFloat), Result: trace.ArgFloat},
		Eval: func(a []uint64) uint64 {
			return math.Float64bits(f64(a[0])*float64(int32(a[1])) + f64(a[2]))
		},
	},
	{
		Name:  "collect",
		Descr: &trace.CallDescr{Args: argTypes(trace.ArgRef, trace.ArgInt), Result: trace.ArgInt, CanCollect: true},
		Eval:  func(a []uint64) uint64 { return uint64(uint32(a[0]) + uint32(a[1])) },
	},
}

// NativeAddr returns the address of Natives[i].
func NativeAddr(i int) uint32 { return armsim.HookBase + 4*uint32(i) }

// nativeAt returns the native function at addr.
func nativeAt(addr uint32) (*Native, error) {
	i := int((addr - armsim.HookBase) / 4)
	if addr < armsim.HookBase || addr%4 != 0 || i >= len(Natives) {
		return nil, fmt.Errorf("call to 0x%08x, which is not a native function", addr)
	}
	return Natives[i], nil
}

// narrowResult applies the narrowing d asks of the caller to the bits a
// function returned.
func narrowResult(d *trace.CallDescr, v uint64) uint64 {
	if d.Result == trace.ArgFloat {
		return v
	}
	w := uint32(v)
	switch {
	case d.ResultSize == 1 && d.ResultSigned:
		w = uint32(int32(int8(w)))
	case d.ResultSize == 1:
		w = uint32(uint8(w))
	case d.ResultSize == 2 && d.ResultSigned:
		w = uint32(int32(int16(w)))
	case d.ResultSize == 2:
		w = uint32(uint16(w))
	}
	return uint64(w)
}

// nativeArgs reads the arguments of a call to d passed following abi.
// Single floats are not supported.
func nativeArgs(m *armsim.Machine, abi callbuilder.ABI, d *trace.CallDescr) ([]uint64, error) {
	ret := make([]uint64, 0, len(d.Args))
	core, vfp, stack := 0, 0, m.R[13]
	for _, a := range d.Args {
		switch {
		case a == trace.ArgSingleFloat:
			return nil, fmt.Errorf("single float arguments are not supported")
		case a == trace.ArgFloat && abi == callbuilder.ABIHardFloat && vfp < 8:
			ret = append(ret, m.D[vfp])
			vfp++
		case a == trace.ArgFloat:
			if abi == callbuilder.ABISoftFloat {
				core += core & 1
				if core < 4 {
					ret = append(ret, uint64(m.R[core])|uint64(m.R[core+1])<<32)
					core += 2
					continue
				}
			}
			stack = (stack + 7) &^ 7
			v, err := m.Mem.Read64(stack)
			if err != nil {
				return nil, err
			}
			ret = append(ret, v)
			stack += 8
		case core < 4:
			ret = append(ret, uint64(m.R[core]))
			core++
		default:
			w, err := m.Mem.Read32(stack)
			if err != nil {
				return nil, err
			}
			ret = append(ret, uint64(w))
			stack += 4
		}
	}
	return ret, nil
}

// native returns the hook running n for the ABI of r.
func (r *Runtime) native(n *Native) armsim.Hook {
	return func(m *armsim.Machine) error {
		args, err := nativeArgs(m, r.ABI, n.Descr)
		if err != nil {
			return fmt.Errorf("%s: %w", n.Name, err)
		}
		v := n.Eval(args)
		clobber(m, false)
		switch {
		case n.Descr.Result == trace.ArgFloat && r.ABI == callbuilder.ABIHardFloat:
			m.D[0] = v
		case n.Descr.Result == trace.ArgFloat:
			m.R[0], m.R[1] = uint32(v), uint32(v>>32)
		default:
			m.R[0] = uint32(v)
		}
		return nil
	}
}
