package jittest

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/xyproto/env/v2"

	"github.com/tetratelabs/armjit/internal/trace"
)

// Seed returns the seed of randomized tests, from ARMJIT_TEST_SEED.
func Seed() int64 { return env.Int64("ARMJIT_TEST_SEED", 1) }

// Iterations returns the number of randomized cases to run, from
// ARMJIT_TEST_ITERATIONS, defaulting to def.
func Iterations(def int) int { return env.Int("ARMJIT_TEST_ITERATIONS", def) }

// Trace is a generated unit with the values of its inputs.
type Trace struct {
	Inputs []*trace.Box
	Args   []uint64
	Ops    []*trace.Op
	// Loop is set when the trace loops on a label until a guard fails.
	Loop bool
}

// String returns the listing of the trace and its arguments.
func (t *Trace) String() string {
	s := "inputs:"
	for i, b := range t.Inputs {
		s += fmt.Sprintf(" %s=0x%x", b, t.Args[i])
	}
	return s + "\n" + trace.Format(t.Ops)
}

// Generator produces random traces of pure operations, guards, calls to
// Natives and barriered stores to the start of the heap.
type Generator struct {
	rnd    *rand.Rand
	handle uint32
	// MaxOps bounds the operations of the trace body.
	MaxOps int

	wb     *trace.WriteBarrierDescr
	fields []*trace.FieldDescr

	ops   []*trace.Op
	pools [3][]*trace.Box
}

// NewGenerator returns a generator seeded with seed.
func NewGenerator(seed int64) *Generator {
	wb := DefaultWB
	g := &Generator{rnd: rand.New(rand.NewSource(seed)), handle: 0x100, MaxOps: 40, wb: &wb}
	// Heap refs are 8-byte aligned and the barrier flag is at 4, so stores
	// at 0 and 8 never touch a flag.
	for _, off := range []int{0, 8} {
		g.fields = append(g.fields,
			&trace.FieldDescr{Offset: off, Size: 4, Kind: trace.KindInt},
			&trace.FieldDescr{Offset: off, Size: 4, Kind: trace.KindRef})
	}
	return g
}

var interestingInts = []uint32{
	0, 1, 2, 3, 7, 31, 32, 33, 255, 256, 0xff00, 0x7fffffff, 0x80000000, 0x80000001, 0xffffffff, 0xfffffffe,
}

var interestingFloats = []float64{
	0, 1, -1, 0.5, -2.5, 1e9, -3e9, 2147483647.5, math.Inf(1), math.Inf(-1), math.NaN(), math.Copysign(0, -1), 1e-310, math.MaxFloat64,
}

func (g *Generator) intValue() uint32 {
	if g.rnd.Intn(3) == 0 {
		return g.rnd.Uint32()
	}
	return interestingInts[g.rnd.Intn(len(interestingInts))]
}

func (g *Generator) floatValue() float64 {
	if g.rnd.Intn(3) == 0 {
		return (g.rnd.Float64() - 0.5) * math.Pow(10, float64(g.rnd.Intn(20)))
	}
	return interestingFloats[g.rnd.Intn(len(interestingFloats))]
}

func (g *Generator) refValue() uint32 {
	if g.rnd.Intn(4) == 0 {
		return 0
	}
	return HeapStart + 8*uint32(g.rnd.Intn(1024))
}

func (g *Generator) descr() *trace.FailDescr {
	g.handle++
	return &trace.FailDescr{Handle: g.handle, Name: fmt.Sprintf("g%d", g.handle)}
}

func (g *Generator) pick(k trace.Kind) *trace.Box {
	p := g.pools[k]
	if len(p) == 0 {
		return nil
	}
	return p[g.rnd.Intn(len(p))]
}

func (g *Generator) intArg() trace.Value {
	if g.rnd.Intn(6) == 0 {
		return trace.ConstInt(int32(g.intValue()))
	}
	return g.pick(trace.KindInt)
}

func (g *Generator) floatArg() trace.Value {
	if b := g.pick(trace.KindFloat); b != nil && g.rnd.Intn(8) != 0 {
		return b
	}
	return trace.ConstFloat(g.floatValue())
}

func (g *Generator) emit(opcode trace.Opcode, kind trace.Kind, args ...trace.Value) *trace.Box {
	res := trace.NewBox(kind)
	g.ops = append(g.ops, trace.NewOp(opcode, res, nil, args...))
	g.pools[kind] = append(g.pools[kind], res)
	return res
}

// failArgs returns a random selection of live boxes with holes and repeats.
func (g *Generator) failArgs() []*trace.Box {
	var all []*trace.Box
	for _, p := range g.pools {
		all = append(all, p...)
	}
	n := g.rnd.Intn(len(all) + 2)
	ret := make([]*trace.Box, 0, n)
	for i := 0; i < n; i++ {
		if g.rnd.Intn(8) == 0 {
			ret = append(ret, nil)
			continue
		}
		ret = append(ret, all[g.rnd.Intn(len(all))])
	}
	return ret
}

func (g *Generator) guard(opcode trace.Opcode, args ...trace.Value) {
	g.ops = append(g.ops, trace.NewGuard(opcode, g.descr(), g.failArgs(), args...))
}

var (
	intBinaries = []trace.Opcode{
		trace.OpcodeIntAdd, trace.OpcodeIntSub, trace.OpcodeIntMul, trace.OpcodeIntAnd, trace.OpcodeIntOr,
		trace.OpcodeIntXor, trace.OpcodeIntLshift, trace.OpcodeIntRshift, trace.OpcodeUintRshift,
		trace.OpcodeUintMulHigh,
	}
	intDivisions = []trace.Opcode{trace.OpcodeIntFloorDiv, trace.OpcodeIntMod, trace.OpcodeUintFloorDiv}
	intUnaries   = []trace.Opcode{
		trace.OpcodeIntNeg, trace.OpcodeIntInvert, trace.OpcodeIntIsTrue, trace.OpcodeIntIsZero,
		trace.OpcodeIntForceGeZero, trace.OpcodeSameAs,
	}
	intComparisons = []trace.Opcode{
		trace.OpcodeIntLt, trace.OpcodeIntLe, trace.OpcodeIntEq, trace.OpcodeIntNe, trace.OpcodeIntGt,
		trace.OpcodeIntGe, trace.OpcodeUintLt, trace.OpcodeUintLe, trace.OpcodeUintGt, trace.OpcodeUintGe,
	}
	overflows        = []trace.Opcode{trace.OpcodeIntAddOvf, trace.OpcodeIntSubOvf, trace.OpcodeIntMulOvf}
	floatBinaries    = []trace.Opcode{trace.OpcodeFloatAdd, trace.OpcodeFloatSub, trace.OpcodeFloatMul, trace.OpcodeFloatTrueDiv}
	floatUnaries     = []trace.Opcode{trace.OpcodeFloatNeg, trace.OpcodeFloatAbs, trace.OpcodeMathSqrt}
	floatComparisons = []trace.Opcode{
		trace.OpcodeFloatLt, trace.OpcodeFloatLe, trace.OpcodeFloatEq, trace.OpcodeFloatNe, trace.OpcodeFloatGt,
		trace.OpcodeFloatGe,
	}
)

func (g *Generator) oneOf(ops []trace.Opcode) trace.Opcode { return ops[g.rnd.Intn(len(ops))] }

// condition emits a comparison, followed half of the time by a guard on it.
func (g *Generator) condition(opcode trace.Opcode, a, b trace.Value) {
	res := g.emit(opcode, trace.KindInt, a, b)
	if g.rnd.Intn(2) == 0 {
		guard := trace.OpcodeGuardTrue
		if g.rnd.Intn(2) == 0 {
			guard = trace.OpcodeGuardFalse
		}
		g.guard(guard, res)
	}
}

// call emits a call to a random native function.
func (g *Generator) call() {
	i := g.rnd.Intn(len(Natives))
	n := Natives[i]
	args := []trace.Value{trace.ConstInt(int32(NativeAddr(i)))}
	for _, a := range n.Descr.Args {
		switch a {
		case trace.ArgFloat:
			args = append(args, g.floatArg())
		case trace.ArgRef:
			r := g.pick(trace.KindRef)
			if r == nil {
				return
			}
			args = append(args, r)
		default:
			args = append(args, g.intArg())
		}
	}
	kind := trace.KindInt
	if n.Descr.Result == trace.ArgFloat {
		kind = trace.KindFloat
	}
	res := trace.NewBox(kind)
	g.ops = append(g.ops, trace.NewOp(trace.OpcodeCall, res, n.Descr, args...))
	g.pools[kind] = append(g.pools[kind], res)
}

// store emits a store to a non-null ref, with the write barrier when a
// ref is stored.
func (g *Generator) store() {
	obj := g.pick(trace.KindRef)
	if obj == nil {
		return
	}
	g.guard(trace.OpcodeGuardNonnull, obj)
	field := g.fields[2*g.rnd.Intn(2)]
	var v trace.Value = g.intArg()
	if r := g.pick(trace.KindRef); r != nil && g.rnd.Intn(2) == 0 {
		field, v = g.fields[2*g.rnd.Intn(2)+1], r
		g.ops = append(g.ops, trace.NewOp(trace.OpcodeCondCallGCWB, nil, g.wb, obj))
	}
	g.ops = append(g.ops, trace.NewOp(trace.OpcodeSetfieldGC, nil, field, obj, v))
}

func (g *Generator) step() {
	switch g.rnd.Intn(16) {
	case 0, 1, 2:
		g.emit(g.oneOf(intBinaries), trace.KindInt, g.pick(trace.KindInt), g.intArg())
	case 3:
		g.emit(g.oneOf(intUnaries), trace.KindInt, g.pick(trace.KindInt))
	case 4, 5:
		g.condition(g.oneOf(intComparisons), g.pick(trace.KindInt), g.intArg())
	case 6:
		opcode := g.oneOf(overflows)
		g.emit(opcode, trace.KindInt, g.pick(trace.KindInt), g.intArg())
		g.ops = append(g.ops, trace.NewGuard(trace.OpcodeGuardNoOverflow, g.descr(), g.failArgs()))
	case 7:
		g.emit(g.oneOf(intDivisions), trace.KindInt, g.pick(trace.KindInt), g.intArg())
	case 8:
		if g.pick(trace.KindFloat) == nil {
			g.emit(trace.OpcodeCastIntToFloat, trace.KindFloat, g.pick(trace.KindInt))
			return
		}
		g.emit(g.oneOf(floatBinaries), trace.KindFloat, g.pick(trace.KindFloat), g.floatArg())
	case 9:
		if f := g.pick(trace.KindFloat); f != nil {
			g.emit(g.oneOf(floatUnaries), trace.KindFloat, f)
		}
	case 10:
		if f := g.pick(trace.KindFloat); f != nil {
			g.condition(g.oneOf(floatComparisons), f, g.floatArg())
		}
	case 11:
		switch f := g.pick(trace.KindFloat); {
		case f == nil || g.rnd.Intn(3) == 0:
			g.emit(trace.OpcodeCastIntToFloat, trace.KindFloat, g.pick(trace.KindInt))
		case g.rnd.Intn(2) == 0:
			g.emit(trace.OpcodeCastFloatToInt, trace.KindInt, f)
		default:
			single := g.emit(trace.OpcodeCastFloatToSingleFloat, trace.KindInt, f)
			g.emit(trace.OpcodeCastSingleFloatToFloat, trace.KindFloat, single)
		}
	case 12:
		if r := g.pick(trace.KindRef); r != nil {
			switch g.rnd.Intn(4) {
			case 0:
				g.guard(trace.OpcodeGuardNonnull, r)
			case 1:
				g.condition(trace.OpcodePtrEq, r, g.pick(trace.KindRef))
			case 2:
				g.emit(trace.OpcodeCastPtrToInt, trace.KindInt, r)
			default:
				g.emit(trace.OpcodeSameAs, trace.KindRef, r)
			}
		}
	case 13:
		if g.rnd.Intn(4) == 0 {
			g.guard(trace.OpcodeGuardValue, g.pick(trace.KindInt), trace.ConstInt(int32(g.intValue())))
		} else {
			g.guard(trace.OpcodeGuardNotInvalidated)
		}
	case 14:
		g.call()
	case 15:
		g.store()
	}
}

// Trace returns a new random trace. A looping trace counts its first
// input down to zero and leaves through a guard; the others finish.
func (g *Generator) Trace(loop bool) *Trace {
	g.ops = nil
	g.pools = [3][]*trace.Box{}
	t := &Trace{Loop: loop}
	add := func(k trace.Kind, v uint64) {
		b := trace.NewBox(k)
		t.Inputs = append(t.Inputs, b)
		t.Args = append(t.Args, v)
		g.pools[k] = append(g.pools[k], b)
	}
	var counter *trace.Box
	if loop {
		add(trace.KindInt, uint64(1+g.rnd.Intn(6)))
		counter = t.Inputs[0]
	}
	for i, n := 0, 1+g.rnd.Intn(8); i < n; i++ {
		add(trace.KindInt, uint64(g.intValue()))
	}
	for i, n := 0, g.rnd.Intn(5); i < n; i++ {
		add(trace.KindFloat, math.Float64bits(g.floatValue()))
	}
	for i, n := 0, g.rnd.Intn(3); i < n; i++ {
		add(trace.KindRef, uint64(g.refValue()))
	}

	var token *trace.TargetToken
	if loop {
		token = &trace.TargetToken{}
		args := make([]trace.Value, len(t.Inputs))
		for i, b := range t.Inputs {
			args[i] = b
		}
		g.ops = append(g.ops, trace.NewOp(trace.OpcodeLabel, nil, token, args...))
	}
	for i, n := 0, 1+g.rnd.Intn(g.MaxOps); i < n; i++ {
		g.step()
	}

	if loop {
		next := g.emit(trace.OpcodeIntSub, trace.KindInt, counter, trace.ConstInt(1))
		more := g.emit(trace.OpcodeIntGt, trace.KindInt, next, trace.ConstInt(0))
		g.guard(trace.OpcodeGuardTrue, more)
		args := make([]trace.Value, len(t.Inputs))
		args[0] = next
		for i, b := range t.Inputs[1:] {
			args[i+1] = g.pick(b.Kind())
		}
		g.ops = append(g.ops, trace.NewOp(trace.OpcodeJump, nil, token, args...))
	} else {
		var args []trace.Value
		for _, b := range g.failArgs() {
			if b != nil {
				args = append(args, b)
			}
		}
		if g.rnd.Intn(4) == 0 {
			args = append(args, trace.ConstInt(int32(g.intValue())))
		}
		g.ops = append(g.ops, trace.NewOp(trace.OpcodeFinish, nil, g.descr(), args...))
	}
	t.Ops = g.ops
	return t
}
