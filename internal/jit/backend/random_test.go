package backend_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/testing/hammer"
	"github.com/tetratelabs/armjit/internal/testing/jittest"
	"github.com/tetratelabs/armjit/internal/trace"
)

// requireSameExit checks the unit left frame the way the interpreter left tr.
func (h *harness) requireSameExit(t *testing.T, tr *jittest.Trace, frame uint32) {
	exp, err := (&jittest.Interpreter{}).Run(tr.Inputs, tr.Args, tr.Ops)
	require.NoError(t, err, tr.String())
	require.Equal(t, exp.Descr.Handle, h.rt.Descr(frame), "exit\n%s", tr)

	var kinds []trace.Kind
	var locs []loc.Location
	if exp.Finished {
		for _, a := range tr.Ops[len(tr.Ops)-1].Args {
			kinds = append(kinds, a.Kind())
		}
		locs = finishLocations(kinds...)
	} else {
		for _, b := range exp.Boxes {
			k := trace.KindInt
			if b != nil {
				k = b.Kind()
			}
			kinds = append(kinds, k)
		}
		locs = exp.Descr.FailLocations
	}
	require.Equal(t, len(exp.Values), len(locs), tr.String())
	for i, at := range locs {
		if at.Type == loc.TypeNone {
			require.Nil(t, exp.Boxes[i], "value %d is a hole\n%s", i, tr)
			continue
		}
		got := h.rt.Value(frame, at)
		require.True(t, jittest.SameBits(kinds[i], exp.Values[i], got),
			"value %d at %s: expected 0x%x, got 0x%x\n%s", i, at, exp.Values[i], got, tr)
	}
	for addr, v := range exp.Stores {
		got, err := h.rt.Mem.Read32(addr)
		require.NoError(t, err)
		require.Equal(t, v, got, "word at 0x%x\n%s", addr, tr)
	}
	for _, obj := range exp.Barriered {
		flags, err := h.rt.Mem.Read8(obj + uint32(h.rt.WB.FlagByteOffset))
		require.NoError(t, err)
		require.NotZero(t, flags&h.rt.WB.FlagMask, "0x%x is not remembered\n%s", obj, tr)
	}
}

func TestBackend_randomTraces(t *testing.T) {
	iterations := jittest.Iterations(1000)
	if testing.Short() {
		iterations = 100
	}
	g := jittest.NewGenerator(jittest.Seed())
	var h *harness
	for i := 0; i < iterations; i++ {
		// Code and frames are never reclaimed.
		if i%100 == 0 {
			h = newHarness(t)
		}
		tr := g.Trace(i%3 == 0)
		l := h.assemble(t, tr.Inputs, tr.Ops...)
		frame := h.run(t, l, tr.Args...)
		h.requireSameExit(t, tr, frame)
	}
}

// jumpTo returns a loop entering label with (n, 0).
func jumpTo(label *trace.TargetToken) ([]*trace.Box, []*trace.Op) {
	n := trace.NewBox(trace.KindInt)
	return []*trace.Box{n}, []*trace.Op{trace.NewOp(trace.OpcodeJump, nil, label, n, trace.ConstInt(0))}
}

func TestBackend_concurrentAssembly(t *testing.T) {
	P, N := 8, 25
	if testing.Short() {
		P, N = 4, 5
	}
	h := newHarness(t)
	sharedInputs, sharedExit, sharedOps := countingLoop()
	h.assemble(t, sharedInputs, sharedOps...)
	label := sharedOps[0].Descr.(*trace.TargetToken)

	type unit struct {
		random, jumper, counting *loop
		bridgeDone               *trace.FailDescr
	}
	traces := make([][]*jittest.Trace, P)
	units := make([][]unit, P)
	for p := range traces {
		g := jittest.NewGenerator(jittest.Seed() + int64(p))
		for n := 0; n < N; n++ {
			traces[p] = append(traces[p], g.Trace(n%2 == 0))
		}
		units[p] = make([]unit, N)
	}

	hammer.NewHammer(t, P, N).Run(func(p, n int) {
		u := &units[p][n]
		tr := traces[p][n]
		info, err := h.b.AssembleLoop(trace.NewLoopToken(), tr.Inputs, tr.Ops)
		require.NoError(t, err, tr.String())
		u.random = &loop{LoopInfo: info, inputs: tr.Inputs}

		inputs, ops := jumpTo(label)
		info, err = h.b.AssembleLoop(trace.NewLoopToken(), inputs, ops)
		require.NoError(t, err)
		u.jumper = &loop{LoopInfo: info, inputs: inputs}

		inputs, exit, ops := countingLoop()
		info, err = h.b.AssembleLoop(trace.NewLoopToken(), inputs, ops)
		require.NoError(t, err)
		u.counting = &loop{LoopInfo: info, inputs: inputs}
		in := ints(3)
		u.bridgeDone = newDescr("bridge done")
		_, err = h.b.AssembleBridge(exit, in[:2], []*trace.Op{
			trace.NewOp(trace.OpcodeIntMul, in[2], nil, in[1], trace.ConstInt(2)),
			trace.NewOp(trace.OpcodeFinish, nil, u.bridgeDone, in[2]),
		})
		require.NoError(t, err)
	}, nil)
	if t.Failed() {
		return
	}

	for p := range units {
		for n, u := range units[p] {
			tr := traces[p][n]
			frame := h.run(t, u.random, tr.Args...)
			h.requireSameExit(t, tr, frame)

			k := int32(n%10 + 1)
			frame = h.run(t, u.jumper, word(k))
			require.Equal(t, []uint64{0, word(k * (k + 1) / 2)}, h.guardValues(t, frame, sharedExit))
			frame = h.run(t, u.counting, word(k), 0)
			require.Equal(t, []uint64{word(k * (k + 1))}, h.finishValues(t, frame, u.bridgeDone, trace.KindInt))
		}
	}
}

// TestBackend_concurrentLabel assembles loops jumping to a label while the
// loop defining it is assembled. A jump sees either no label or the
// published one.
func TestBackend_concurrentLabel(t *testing.T) {
	P, N := 8, 25
	if testing.Short() {
		P, N = 4, 5
	}
	h := newHarness(t)
	inputs, exit, ops := countingLoop()
	label := ops[0].Descr.(*trace.TargetToken)
	jumpers := make([][]*loop, P)
	for p := range jumpers {
		jumpers[p] = make([]*loop, N)
	}

	hammer.NewHammer(t, P, N).Run(func(p, n int) {
		if p == 0 && n == 0 {
			_, err := h.b.AssembleLoop(trace.NewLoopToken(), inputs, ops)
			require.NoError(t, err)
			return
		}
		in, jump := jumpTo(label)
		info, err := h.b.AssembleLoop(trace.NewLoopToken(), in, jump)
		if err != nil {
			require.Contains(t, err.Error(), "which is not assembled")
			return
		}
		jumpers[p][n] = &loop{LoopInfo: info, inputs: in}
	}, nil)
	if t.Failed() {
		return
	}
	require.NotZero(t, label.Addr)

	in, jump := jumpTo(label)
	jumpers[0][0] = h.assemble(t, in, jump...)
	for p := range jumpers {
		for n, l := range jumpers[p] {
			if l == nil {
				continue
			}
			k := int32((p+n)%10 + 1)
			frame := h.run(t, l, word(k))
			require.Equal(t, []uint64{0, word(k * (k + 1) / 2)}, h.guardValues(t, frame, exit))
		}
	}
}

// TestBackend_failedUnitLeavesLabel checks a unit that fails to assemble
// publishes none of its labels.
func TestBackend_failedUnitLeavesLabel(t *testing.T) {
	h := newHarness(t)
	in := ints(2)
	label := &trace.TargetToken{}
	other := &trace.TargetToken{}
	_, err := h.b.AssembleLoop(trace.NewLoopToken(), in[:1], []*trace.Op{
		trace.NewOp(trace.OpcodeLabel, nil, label, in[0]),
		trace.NewOp(trace.OpcodeJump, nil, other, in[0]),
	})
	require.Error(t, err)
	require.Zero(t, label.Addr)
	require.Nil(t, label.Locations)
	require.Nil(t, label.Loop)
}
