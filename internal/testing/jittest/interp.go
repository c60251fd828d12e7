package jittest

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/tetratelabs/armjit/internal/trace"
)

// Exit is how a unit was left.
type Exit struct {
	Descr *trace.FailDescr
	// Boxes are the fail args of the guard or the arguments of the finish,
	// nil for holes, and Values their bits.
	Boxes  []*trace.Box
	Values []uint64
	// Finished is set when the unit left through finish.
	Finished bool
	// Stores maps the addresses stored to with setfield_gc to the last
	// word stored there.
	Stores map[uint32]uint32
	// Barriered lists the objects cond_call_gc_wb ran on, which must be
	// remembered when the unit leaves.
	Barriered []uint32
}

// ErrInterpreterStepLimit is returned when a trace loops for too long.
var ErrInterpreterStepLimit = errors.New("interpreter step limit exceeded")

// Interpreter runs traces of pure operations, guards, local jumps, calls to
// Natives and word stores with the semantics of the generated code.
type Interpreter struct {
	// Invalidated makes guard_not_invalidated fail.
	Invalidated bool
	// MaxSteps bounds the operations executed by Run, 1e6 when zero.
	MaxSteps int
}

type interpState struct {
	env       map[*trace.Box]uint64
	overflow  bool
	stores    map[uint32]uint32
	barriered []uint32
}

// leave records the memory effects of the run in e.
func (s *interpState) leave(e *Exit) *Exit {
	e.Stores, e.Barriered = s.stores, s.barriered
	return e
}

func (s *interpState) value(v trace.Value) uint64 {
	switch c := v.(type) {
	case *trace.Box:
		return s.env[c]
	case trace.ConstInt:
		return uint64(uint32(c))
	case trace.ConstPtr:
		return uint64(c)
	case trace.ConstFloat:
		return c.Bits()
	}
	panic(fmt.Sprintf("BUG: %T", v))
}

func (s *interpState) word(v trace.Value) uint32 { return uint32(s.value(v)) }

func (s *interpState) float(v trace.Value) float64 { return math.Float64frombits(s.value(v)) }

// Run executes ops with inputs bound to args and returns how the trace left.
func (in *Interpreter) Run(inputs []*trace.Box, args []uint64, ops []*trace.Op) (*Exit, error) {
	if len(inputs) != len(args) {
		return nil, fmt.Errorf("%d inputs but %d values", len(inputs), len(args))
	}
	maxSteps := in.MaxSteps
	if maxSteps == 0 {
		maxSteps = 1_000_000
	}
	labels := map[*trace.TargetToken]int{}
	for i, op := range ops {
		if op.Opcode == trace.OpcodeLabel {
			labels[op.Descr.(*trace.TargetToken)] = i
		}
	}
	s := &interpState{env: map[*trace.Box]uint64{}, stores: map[uint32]uint32{}}
	for i, b := range inputs {
		if b != nil {
			s.env[b] = args[i]
		}
	}

	pc := 0
	for steps := 0; ; steps++ {
		if steps >= maxSteps {
			return nil, ErrInterpreterStepLimit
		}
		if pc >= len(ops) {
			return nil, errors.New("trace does not end with jump or finish")
		}
		op := ops[pc]
		pc++
		switch op.Opcode {
		case trace.OpcodeLabel, trace.OpcodeDebugMergePoint, trace.OpcodeJitDebug, trace.OpcodeKeepalive:
			continue
		case trace.OpcodeFinish:
			exit := &Exit{Descr: op.FailDescr(), Finished: true}
			for _, a := range op.Args {
				b, _ := a.(*trace.Box)
				exit.Boxes = append(exit.Boxes, b)
				exit.Values = append(exit.Values, s.value(a))
			}
			return s.leave(exit), nil
		case trace.OpcodeJump:
			token := op.Descr.(*trace.TargetToken)
			at, ok := labels[token]
			if !ok {
				return nil, fmt.Errorf("jump to a label outside of the trace")
			}
			label := ops[at]
			vals := make([]uint64, len(op.Args))
			for i, a := range op.Args {
				vals[i] = s.value(a)
			}
			for i, a := range label.Args {
				s.env[a.(*trace.Box)] = vals[i]
			}
			pc = at + 1
			continue
		case trace.OpcodeCondCallGCWB:
			s.barriered = append(s.barriered, s.word(op.Args[0]))
			continue
		case trace.OpcodeSetfieldGC:
			d, ok := op.Descr.(*trace.FieldDescr)
			if !ok || d.Size != 4 {
				return nil, fmt.Errorf("%s: only word fields are interpreted", op)
			}
			s.stores[s.word(op.Args[0])+uint32(d.Offset)] = s.word(op.Args[1])
			continue
		}
		if op.Opcode.IsGuard() {
			fail, err := in.guardFails(s, op)
			if err != nil {
				return nil, err
			}
			if fail {
				exit := &Exit{Descr: op.FailDescr(), Boxes: op.FailArgs}
				for _, b := range op.FailArgs {
					var v uint64
					if b != nil {
						v = s.env[b]
					}
					exit.Values = append(exit.Values, v)
				}
				return s.leave(exit), nil
			}
			continue
		}
		v, err := s.eval(op)
		if err != nil {
			return nil, err
		}
		if op.Result != nil {
			s.env[op.Result] = v
		}
	}
}

func (in *Interpreter) guardFails(s *interpState, op *trace.Op) (bool, error) {
	switch op.Opcode {
	case trace.OpcodeGuardTrue, trace.OpcodeGuardNonnull:
		return s.word(op.Args[0]) == 0, nil
	case trace.OpcodeGuardFalse, trace.OpcodeGuardIsnull:
		return s.word(op.Args[0]) != 0, nil
	case trace.OpcodeGuardValue:
		if op.Args[0].Kind() == trace.KindFloat {
			return !(s.float(op.Args[0]) == s.float(op.Args[1])), nil
		}
		return s.word(op.Args[0]) != s.word(op.Args[1]), nil
	case trace.OpcodeGuardNoOverflow:
		return s.overflow, nil
	case trace.OpcodeGuardOverflow:
		return !s.overflow, nil
	case trace.OpcodeGuardNotInvalidated:
		return in.Invalidated, nil
	}
	return false, fmt.Errorf("%s is not interpreted", op.Opcode)
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// FloatToInt truncates towards zero, saturating out of range values and
// mapping NaN to 0.
func FloatToInt(f float64) int32 {
	switch {
	case f != f:
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int32(f)
}

func (s *interpState) eval(op *trace.Op) (uint64, error) {
	var a, b uint32
	var fa, fb float64
	if op.Opcode.HasFloatArgs() {
		fa = s.float(op.Args[0])
		if len(op.Args) > 1 {
			fb = s.float(op.Args[1])
		}
	} else if len(op.Args) > 0 {
		a = s.word(op.Args[0])
		if len(op.Args) > 1 {
			b = s.word(op.Args[1])
		}
	}
	ia, ib := int32(a), int32(b)

	switch op.Opcode {
	case trace.OpcodeIntAdd:
		return uint64(a + b), nil
	case trace.OpcodeIntSub:
		return uint64(a - b), nil
	case trace.OpcodeIntMul:
		return uint64(a * b), nil
	case trace.OpcodeIntFloorDiv:
		if b == 0 {
			return 0, nil
		}
		return uint64(uint32(ia / ib)), nil
	case trace.OpcodeIntMod:
		if b == 0 {
			return 0, nil
		}
		return uint64(uint32(ia % ib)), nil
	case trace.OpcodeUintFloorDiv:
		if b == 0 {
			return 0, nil
		}
		return uint64(a / b), nil
	case trace.OpcodeIntAnd:
		return uint64(a & b), nil
	case trace.OpcodeIntOr:
		return uint64(a | b), nil
	case trace.OpcodeIntXor:
		return uint64(a ^ b), nil
	case trace.OpcodeIntLshift:
		if b < 32 {
			return uint64(a << b), nil
		}
		return 0, nil
	case trace.OpcodeIntRshift:
		n := b
		if n > 31 {
			n = 31
		}
		return uint64(uint32(ia >> n)), nil
	case trace.OpcodeUintRshift:
		if b < 32 {
			return uint64(a >> b), nil
		}
		return 0, nil
	case trace.OpcodeIntNeg:
		return uint64(-a), nil
	case trace.OpcodeIntInvert:
		return uint64(^a), nil
	case trace.OpcodeIntIsTrue:
		return b2u(a != 0), nil
	case trace.OpcodeIntIsZero:
		return b2u(a == 0), nil
	case trace.OpcodeIntForceGeZero:
		if ia < 0 {
			return 0, nil
		}
		return uint64(a), nil
	case trace.OpcodeUintMulHigh:
		hi, _ := bits.Mul32(a, b)
		return uint64(hi), nil
	case trace.OpcodeIntAddOvf:
		r := ia + ib
		s.overflow = (ia >= 0) == (ib >= 0) && (r >= 0) != (ia >= 0)
		return uint64(uint32(r)), nil
	case trace.OpcodeIntSubOvf:
		r := ia - ib
		s.overflow = (ia >= 0) != (ib >= 0) && (r >= 0) != (ia >= 0)
		return uint64(uint32(r)), nil
	case trace.OpcodeIntMulOvf:
		r := int64(ia) * int64(ib)
		s.overflow = r != int64(int32(r))
		return uint64(uint32(r)), nil
	case trace.OpcodeIntLt:
		return b2u(ia < ib), nil
	case trace.OpcodeIntLe:
		return b2u(ia <= ib), nil
	case trace.OpcodeIntEq, trace.OpcodePtrEq:
		return b2u(a == b), nil
	case trace.OpcodeIntNe, trace.OpcodePtrNe:
		return b2u(a != b), nil
	case trace.OpcodeIntGt:
		return b2u(ia > ib), nil
	case trace.OpcodeIntGe:
		return b2u(ia >= ib), nil
	case trace.OpcodeUintLt:
		return b2u(a < b), nil
	case trace.OpcodeUintLe:
		return b2u(a <= b), nil
	case trace.OpcodeUintGt:
		return b2u(a > b), nil
	case trace.OpcodeUintGe:
		return b2u(a >= b), nil
	case trace.OpcodeFloatLt:
		return b2u(fa < fb), nil
	case trace.OpcodeFloatLe:
		return b2u(fa <= fb), nil
	case trace.OpcodeFloatEq:
		return b2u(fa == fb), nil
	case trace.OpcodeFloatNe:
		return b2u(fa != fb), nil
	case trace.OpcodeFloatGt:
		return b2u(fa > fb), nil
	case trace.OpcodeFloatGe:
		return b2u(fa >= fb), nil
	case trace.OpcodeFloatAdd:
		return math.Float64bits(fa + fb), nil
	case trace.OpcodeFloatSub:
		return math.Float64bits(fa - fb), nil
	case trace.OpcodeFloatMul:
		return math.Float64bits(fa * fb), nil
	case trace.OpcodeFloatTrueDiv:
		return math.Float64bits(fa / fb), nil
	case trace.OpcodeFloatNeg:
		return math.Float64bits(-fa), nil
	case trace.OpcodeFloatAbs:
		return math.Float64bits(math.Abs(fa)), nil
	case trace.OpcodeMathSqrt:
		return math.Float64bits(math.Sqrt(fa)), nil
	case trace.OpcodeCastFloatToInt:
		return uint64(uint32(FloatToInt(fa))), nil
	case trace.OpcodeCastIntToFloat:
		return math.Float64bits(float64(ia)), nil
	case trace.OpcodeCastFloatToSingleFloat:
		return uint64(math.Float32bits(float32(fa))), nil
	case trace.OpcodeCastSingleFloatToFloat:
		return math.Float64bits(float64(math.Float32frombits(a))), nil
	case trace.OpcodeSameAs:
		return s.value(op.Args[0]), nil
	case trace.OpcodeCall:
		return s.call(op)
	case trace.OpcodeCastPtrToInt, trace.OpcodeCastIntToPtr:
		return uint64(a), nil
	}
	return 0, fmt.Errorf("%s is not interpreted", op.Opcode)
}

func (s *interpState) call(op *trace.Op) (uint64, error) {
	n, err := nativeAt(s.word(op.Args[0]))
	if err != nil {
		return 0, err
	}
	args := make([]uint64, len(op.Args)-1)
	for i, a := range op.Args[1:] {
		args[i] = s.value(a)
	}
	return narrowResult(op.CallDescr(), n.Eval(args)), nil
}

// SameBits compares two values of kind k, treating every NaN as equal.
func SameBits(k trace.Kind, x, y uint64) bool {
	if k == trace.KindFloat {
		fx, fy := math.Float64frombits(x), math.Float64frombits(y)
		if fx != fx && fy != fy {
			return true
		}
		return x == y
	}
	return uint32(x) == uint32(y)
}
