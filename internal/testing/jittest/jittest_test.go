package jittest

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/armjit/internal/jit/callbuilder"
	"github.com/tetratelabs/armjit/internal/testing/armsim"
	"github.com/tetratelabs/armjit/internal/trace"
)

func TestInterpreter_Run(t *testing.T) {
	i0, i1 := trace.NewBox(trace.KindInt), trace.NewBox(trace.KindInt)
	f0 := trace.NewBox(trace.KindFloat)
	sum := trace.NewBox(trace.KindInt)
	lt := trace.NewBox(trace.KindInt)
	half := trace.NewBox(trace.KindFloat)
	ovf := &trace.FailDescr{Handle: 1}
	guard := &trace.FailDescr{Handle: 2}
	done := &trace.FailDescr{Handle: 3}
	ops := []*trace.Op{
		trace.NewOp(trace.OpcodeIntAddOvf, sum, nil, i0, i1),
		trace.NewGuard(trace.OpcodeGuardNoOverflow, ovf, []*trace.Box{i0, nil, i1}),
		trace.NewOp(trace.OpcodeIntLt, lt, nil, sum, trace.ConstInt(100)),
		trace.NewGuard(trace.OpcodeGuardTrue, guard, []*trace.Box{sum}, lt),
		trace.NewOp(trace.OpcodeFloatMul, half, nil, f0, trace.ConstFloat(0.5)),
		trace.NewOp(trace.OpcodeFinish, nil, done, sum, half),
	}
	inputs := []*trace.Box{i0, i1, f0}

	tests := []struct {
		name   string
		args   []uint64
		descr  *trace.FailDescr
		values []uint64
	}{
		{
			name:   "finish",
			args:   []uint64{40, 2, math.Float64bits(3)},
			descr:  done,
			values: []uint64{42, math.Float64bits(1.5)},
		},
		{
			name:   "overflow",
			args:   []uint64{math.MaxInt32, 1, 0},
			descr:  ovf,
			values: []uint64{math.MaxInt32, 0, 1},
		},
		{
			name:   "guard",
			args:   []uint64{100, 1, 0},
			descr:  guard,
			values: []uint64{101},
		},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			exit, err := (&Interpreter{}).Run(inputs, tc.args, ops)
			require.NoError(t, err)
			require.Equal(t, tc.descr, exit.Descr)
			require.Equal(t, tc.values, exit.Values)
		})
	}
}

func TestInterpreter_Loop(t *testing.T) {
	n, acc := trace.NewBox(trace.KindInt), trace.NewBox(trace.KindInt)
	acc2, n2, more := trace.NewBox(trace.KindInt), trace.NewBox(trace.KindInt), trace.NewBox(trace.KindInt)
	token := &trace.TargetToken{}
	exit := &trace.FailDescr{Handle: 7}
	ops := []*trace.Op{
		trace.NewOp(trace.OpcodeLabel, nil, token, n, acc),
		trace.NewOp(trace.OpcodeIntAdd, acc2, nil, acc, n),
		trace.NewOp(trace.OpcodeIntSub, n2, nil, n, trace.ConstInt(1)),
		trace.NewOp(trace.OpcodeIntGt, more, nil, n2, trace.ConstInt(0)),
		trace.NewGuard(trace.OpcodeGuardTrue, exit, []*trace.Box{acc2}, more),
		trace.NewOp(trace.OpcodeJump, nil, token, n2, acc2),
	}
	got, err := (&Interpreter{}).Run([]*trace.Box{n, acc}, []uint64{10, 0}, ops)
	require.NoError(t, err)
	require.Equal(t, exit, got.Descr)
	require.Equal(t, []uint64{55}, got.Values)

	_, err = (&Interpreter{MaxSteps: 20}).Run([]*trace.Box{n, acc}, []uint64{10, 0}, ops)
	require.ErrorIs(t, err, ErrInterpreterStepLimit)
}

func TestFloatToInt(t *testing.T) {
	tests := []struct {
		in  float64
		exp int32
	}{
		{in: -2.9, exp: -2},
		{in: 2.9, exp: 2},
		{in: math.NaN(), exp: 0},
		{in: 1e10, exp: math.MaxInt32},
		{in: math.Inf(-1), exp: math.MinInt32},
	}
	for _, tc := range tests {
		require.Equal(t, tc.exp, FloatToInt(tc.in), tc.in)
	}
}

func TestGenerator_Trace(t *testing.T) {
	g := NewGenerator(Seed())
	for i := 0; i < 200; i++ {
		tr := g.Trace(i%2 == 0)
		for j, op := range tr.Ops {
			require.NoError(t, op.Validate(), "op %d of\n%s", j, tr)
		}
		exit, err := (&Interpreter{}).Run(tr.Inputs, tr.Args, tr.Ops)
		require.NoError(t, err, tr.String())
		require.NotNil(t, exit.Descr)
		require.Equal(t, len(exit.Boxes), len(exit.Values))
		if tr.Loop {
			require.False(t, exit.Finished)
		}
	}
}

func TestRuntime(t *testing.T) {
	r := NewRuntime(64)

	t.Run("code memory", func(t *testing.T) {
		addr, err := r.Publish([]byte{1, 0, 0, 0, 2, 0, 0, 0})
		require.NoError(t, err)
		require.Zero(t, addr%16)
		w, err := r.ReadWord(addr + 4)
		require.NoError(t, err)
		require.Equal(t, uint32(2), w)
		require.NoError(t, r.WriteWord(addr, 3))
		require.Error(t, r.WriteWord(CodeEnd-4, 3))
		_, err = r.ReadWord(HeapStart)
		require.Error(t, err)
	})

	t.Run("frames", func(t *testing.T) {
		frame := r.NewFrame(3)
		require.Equal(t, 51, r.FrameLength(frame))
		r.SetDescr(frame, 9)
		require.Equal(t, uint32(9), r.Descr(frame))
		require.Nil(t, r.GCMap(frame))
	})

	t.Run("realloc frame", func(t *testing.T) {
		frame := r.NewFrame(1)
		r.SetDescr(frame, 5)
		r.M.R[0], r.M.R[1] = frame, 60
		require.NoError(t, r.reallocFrame(r.M))
		moved := r.M.R[0]
		require.NotEqual(t, frame, moved)
		require.Equal(t, 60, r.FrameLength(moved))
		require.Equal(t, uint32(5), r.Descr(moved))
	})

	t.Run("malloc slow path", func(t *testing.T) {
		r.M.R[0], r.M.R[11] = 16, r.NewFrame(0)
		require.NoError(t, r.mallocSlowpath(r.M))
		require.True(t, r.M.R[0] >= HeapStart && r.M.R[0] < HeapEnd)

		r.FailMalloc = true
		defer func() { r.FailMalloc = false }()
		r.M.R[0] = 16
		require.NoError(t, r.mallocSlowpath(r.M))
		require.Zero(t, r.M.R[0])
		typ, _ := r.Exception()
		require.Equal(t, MemoryErrorType, typ)
		r.SetException(0, 0)
	})

	t.Run("division by zero", func(t *testing.T) {
		r.M.R[0], r.M.R[1] = 7, 0
		require.NoError(t, r.division(func(a, b uint32) uint32 { return a / b })(r.M))
		require.Zero(t, r.M.R[0])
	})

	t.Run("hooks", func(t *testing.T) {
		called := 0
		addr := r.AddFunction("hook", func(m *armsim.Machine) error {
			called++
			return nil
		})
		require.Equal(t, addr, r.Func("hook"))
		r.M.R[13] = StackTop
		require.NoError(t, r.M.Call(addr))
		require.Equal(t, 1, called)
		require.Equal(t, 1, r.Calls["hook"])
	})
}

func TestRuntime_natives(t *testing.T) {
	axpy := -1
	for i, n := range Natives {
		if n.Name == "axpy" {
			axpy = i
		}
	}
	require.NotEqual(t, -1, axpy)

	tests := []struct {
		name string
		abi  callbuilder.ABI
		// set passes axpy(1.5, -4, 0.25).
		set func(m *armsim.Machine)
		get func(m *armsim.Machine) float64
	}{
		{
			name: "hard float",
			abi:  callbuilder.ABIHardFloat,
			set: func(m *armsim.Machine) {
				m.SetF(0, 1.5)
				m.SetF(1, 0.25)
				m.R[0] = uint32(0xfffffffc)
			},
			get: func(m *armsim.Machine) float64 { return m.F(0) },
		},
		{
			name: "soft float",
			abi:  callbuilder.ABISoftFloat,
			set: func(m *armsim.Machine) {
				bits := math.Float64bits(1.5)
				m.R[0], m.R[1], m.R[2] = uint32(bits), uint32(bits>>32), 0xfffffffc
				require.NoError(t, m.Mem.Write64(StackTop-8, math.Float64bits(0.25)))
			},
			get: func(m *armsim.Machine) float64 {
				return math.Float64frombits(uint64(m.R[0]) | uint64(m.R[1])<<32)
			},
		},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			r := NewRuntime(0)
			r.ABI = tc.abi
			require.Equal(t, NativeAddr(axpy), r.Func("axpy"))
			m := r.M
			m.R[13] = StackTop - 8
			tc.set(m)
			m.R[14] = armsim.ExitAddr
			m.R[15] = NativeAddr(axpy)
			require.NoError(t, m.Run())
			require.Equal(t, -5.75, tc.get(m))
			require.Equal(t, 1, r.Calls["axpy"])
		})
	}
}

func TestInterpreter_callsAndStores(t *testing.T) {
	index := map[string]int{}
	for i, n := range Natives {
		index[n.Name] = i
	}
	target := func(name string) trace.Value { return trace.ConstInt(int32(NativeAddr(index[name]))) }
	call := func(name string, res *trace.Box, args ...trace.Value) *trace.Op {
		return trace.NewOp(trace.OpcodeCall, res, Natives[index[name]].Descr, append([]trace.Value{target(name)}, args...)...)
	}

	x, obj := trace.NewBox(trace.KindInt), trace.NewBox(trace.KindRef)
	mixed, narrowed, half := trace.NewBox(trace.KindInt), trace.NewBox(trace.KindInt), trace.NewBox(trace.KindInt)
	wb := DefaultWB
	done := &trace.FailDescr{Handle: 1}
	isNull := &trace.FailDescr{Handle: 2}
	ops := []*trace.Op{
		call("mix", mixed, x, trace.ConstInt(3), trace.ConstInt(5)),
		call("narrow", narrowed, trace.ConstInt(0x1ff)),
		call("halfword", half, trace.ConstInt(0x7fff)),
		trace.NewGuard(trace.OpcodeGuardNonnull, isNull, []*trace.Box{x}, obj),
		trace.NewOp(trace.OpcodeCondCallGCWB, nil, &wb, obj),
		trace.NewOp(trace.OpcodeSetfieldGC, nil, &trace.FieldDescr{Offset: 8, Size: 4, Kind: trace.KindRef}, obj, obj),
		trace.NewOp(trace.OpcodeSetfieldGC, nil, &trace.FieldDescr{Offset: 0, Size: 4}, obj, mixed),
		trace.NewOp(trace.OpcodeFinish, nil, done, mixed, narrowed, half),
	}

	tests := []struct {
		name      string
		obj       uint64
		descr     *trace.FailDescr
		values    []uint64
		stores    map[uint32]uint32
		barriered []uint32
	}{
		{
			name:      "stores",
			obj:       uint64(HeapStart + 16),
			descr:     done,
			values:    []uint64{2*31 + (3 ^ 5), 0xffffffff, 0x7ffd},
			stores:    map[uint32]uint32{HeapStart + 24: HeapStart + 16, HeapStart + 16: 2*31 + (3 ^ 5)},
			barriered: []uint32{HeapStart + 16},
		},
		{
			name:   "null",
			descr:  isNull,
			values: []uint64{2},
			stores: map[uint32]uint32{},
		},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			exit, err := (&Interpreter{}).Run([]*trace.Box{x, obj}, []uint64{2, tc.obj}, ops)
			require.NoError(t, err)
			require.Equal(t, tc.descr, exit.Descr)
			require.Equal(t, tc.values, exit.Values)
			require.Equal(t, tc.stores, exit.Stores)
			require.Equal(t, tc.barriered, exit.Barriered)
		})
	}

	_, err := (&Interpreter{}).Run(nil, nil, []*trace.Op{
		trace.NewOp(trace.OpcodeCall, x, &trace.CallDescr{Result: trace.ArgInt}, trace.ConstInt(0x1000)),
	})
	require.Error(t, err)
}

func TestGenerator_callsAndStores(t *testing.T) {
	g := NewGenerator(Seed())
	seen := map[trace.Opcode]bool{}
	for i := 0; i < 200; i++ {
		for _, op := range g.Trace(i%2 == 0).Ops {
			seen[op.Opcode] = true
		}
	}
	for _, opcode := range []trace.Opcode{trace.OpcodeCall, trace.OpcodeCondCallGCWB, trace.OpcodeSetfieldGC} {
		require.True(t, seen[opcode], opcode.String())
	}
}
