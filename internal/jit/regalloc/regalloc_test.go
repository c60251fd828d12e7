package regalloc

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/trace"
)

// modelMover executes moves on a model machine where every location holds
// the ID of the box whose value it contains.
type modelMover struct {
	t     *testing.T
	state map[string]int
	moves int
}

func newModelMover(t *testing.T) *modelMover {
	return &modelMover{t: t, state: map[string]int{}}
}

func key(l loc.Location) string {
	switch {
	case l.IsReg():
		return arm.RegisterName(l.Reg)
	case l.IsStack():
		return fmt.Sprintf("s%d", l.Position)
	}
	return l.String()
}

func (m *modelMover) Move(src, dst loc.Location) {
	require.False(m.t, src.IsStack() && dst.IsStack(), "stack to stack move %s -> %s", src, dst)
	require.False(m.t, dst.IsImm())
	m.moves++
	if src.IsImm() {
		m.state[key(dst)] = -int(src.Value) - 1
		return
	}
	v, ok := m.state[key(src)]
	require.True(m.t, ok, "move from undefined %s", src)
	m.state[key(dst)] = v
}

func (m *modelMover) write(l loc.Location, b *trace.Box) { m.state[key(l)] = b.ID }

func (m *modelMover) requireHolds(l loc.Location, b *trace.Box) {
	require.Equal(m.t, b.ID, m.state[key(l)], "%s should hold %s", l, b)
}

func (m *modelMover) clobber(regs ...asm.Register) {
	for _, r := range regs {
		delete(m.state, arm.RegisterName(r))
	}
}

func TestComputeLongevity(t *testing.T) {
	in := trace.NewBox(trace.KindInt)
	unused := trace.NewBox(trace.KindInt)
	x := trace.NewBox(trace.KindInt)
	y := trace.NewBox(trace.KindInt)
	token := &trace.TargetToken{}
	ops := []*trace.Op{
		trace.NewOp(trace.OpcodeLabel, nil, token, in, unused),
		trace.NewOp(trace.OpcodeIntAdd, x, nil, in, trace.ConstInt(1)),
		trace.NewGuard(trace.OpcodeGuardTrue, &trace.FailDescr{}, []*trace.Box{in}, x),
		trace.NewOp(trace.OpcodeIntAdd, y, nil, x, x),
		trace.NewOp(trace.OpcodeJump, nil, token, y, in),
	}
	l, err := ComputeLongevity([]*trace.Box{in, unused}, ops)
	require.NoError(t, err)

	require.Equal(t, &Lifetime{Def: -1, Last: 4, Uses: []int{0, 1}}, l.Lifetime(in))
	require.Equal(t, &Lifetime{Def: -1, Last: 0, Uses: []int{0}}, l.Lifetime(unused))
	require.Equal(t, &Lifetime{Def: 1, Last: 3, Uses: []int{2, 3}}, l.Lifetime(x))
	require.Equal(t, &Lifetime{Def: 3, Last: 4}, l.Lifetime(y))

	require.Equal(t, -1, l.Lifetime(in).NextUse(2))
	require.Equal(t, 3, l.Lifetime(x).NextUse(3))
	require.True(t, l.LiveAfter(in, 3))
	require.False(t, l.LiveAfter(x, 3))
	require.Equal(t, []*trace.Box{x}, l.DyingAfter(3))
	require.ElementsMatch(t, []*trace.Box{in, y}, l.DyingAfter(4))
}

func TestComputeLongevity_errors(t *testing.T) {
	a := trace.NewBox(trace.KindInt)
	_, err := ComputeLongevity(nil, []*trace.Op{trace.NewOp(trace.OpcodeIntNeg, trace.NewBox(trace.KindInt), nil, a)})
	require.EqualError(t, err, a.String()+" used at 0 before definition")

	_, err = ComputeLongevity([]*trace.Box{a}, []*trace.Op{trace.NewOp(trace.OpcodeIntNeg, a, nil, a)})
	require.EqualError(t, err, a.String()+" defined twice")
}

func TestFrameManager(t *testing.T) {
	fm := NewFrameManager(0)
	i1, i2, i3 := trace.NewBox(trace.KindInt), trace.NewBox(trace.KindRef), trace.NewBox(trace.KindInt)
	f1, f2 := trace.NewBox(trace.KindFloat), trace.NewBox(trace.KindFloat)

	require.Equal(t, loc.Stack(0, false), fm.GetOrCreate(i1))
	// Doubles start at even positions, leaving 1 free.
	require.Equal(t, loc.Stack(2, true), fm.GetOrCreate(f1))
	require.Equal(t, 4, fm.Depth())
	require.Equal(t, loc.Stack(1, false), fm.GetOrCreate(i2))
	require.Equal(t, loc.Stack(0, false), fm.GetOrCreate(i1))

	fm.MarkAsFree(f1)
	require.Equal(t, loc.Stack(2, false), fm.GetOrCreate(i3))
	// 3 is free but 4 is beyond the depth: the double grows the frame from 4.
	require.Equal(t, loc.Stack(4, true), fm.GetOrCreate(f2))
	require.Equal(t, 6, fm.Depth())

	fm.MarkAsFree(i1)
	fm.MarkAsFree(i2)
	f3 := trace.NewBox(trace.KindFloat)
	require.Equal(t, loc.Stack(0, true), fm.GetOrCreate(f3))
	require.Equal(t, 6, fm.Depth())
}

func TestFrameManager_bindAndHint(t *testing.T) {
	fm := NewFrameManager(3)
	in := trace.NewBox(trace.KindFloat)
	fm.Bind(in, loc.Stack(6, true))
	require.Equal(t, 8, fm.Depth())

	// Positions below the initial depth belong to someone else, 3 to 5 are unknown too.
	b := trace.NewBox(trace.KindInt)
	require.Equal(t, loc.Stack(8, false), fm.GetOrCreate(b))

	h := trace.NewBox(trace.KindInt)
	fm.Hint(h, 12)
	require.Equal(t, loc.Stack(12, false), fm.GetOrCreate(h))
	require.Equal(t, 13, fm.Depth())
	// The words skipped over by the hint are free.
	c := trace.NewBox(trace.KindInt)
	require.Equal(t, loc.Stack(9, false), fm.GetOrCreate(c))

	require.Panics(t, func() { fm.Bind(trace.NewBox(trace.KindInt), loc.Stack(0, true)) })
}

func newTestAllocator(t *testing.T, inputs []*trace.Box, ops []*trace.Op) (*Allocator, *modelMover) {
	l, err := ComputeLongevity(inputs, ops)
	require.NoError(t, err)
	m := newModelMover(t)
	a := New(l, NewFrameManager(0), m)
	for _, in := range inputs {
		slot := a.Frame.GetOrCreate(in)
		m.write(slot, in)
	}
	a.Start()
	return a, m
}

func TestAllocator_spillsFurthestNextUse(t *testing.T) {
	// Eleven values defined, then read in order: when a twelfth arrives the
	// one read last is evicted.
	var inputs []*trace.Box
	var ops []*trace.Op
	var defined []*trace.Box
	for i := 0; i < len(loc.CoreRegisters)+1; i++ {
		b := trace.NewBox(trace.KindInt)
		defined = append(defined, b)
		ops = append(ops, trace.NewOp(trace.OpcodeSameAs, b, nil, trace.ConstInt(int32(i))))
	}
	for _, b := range defined {
		ops = append(ops, trace.NewOp(trace.OpcodeKeepalive, nil, nil, b))
	}
	a, m := newTestAllocator(t, inputs, ops)

	for i := range defined {
		r := a.ForceAllocate(defined[i])
		m.write(r, defined[i])
		a.NextOp()
	}
	last := defined[len(loc.CoreRegisters)-1]
	_, inReg := a.Core.Reg(last)
	require.False(t, inReg, "the value read last must have been evicted")
	slot, ok := a.Frame.Loc(last)
	require.True(t, ok)
	m.requireHolds(slot, last)
	require.NoError(t, a.CheckInvariants())
}

func TestAllocator_BeforeCall(t *testing.T) {
	tests := []struct {
		name       string
		mode       SaveMode
		expInFrame []bool // per value: int in r0, ref in r1, int in r4, ref in r5, float in d0
	}{
		{name: "caller saved", mode: SaveCallerSaved, expInFrame: []bool{false, false, false, false, false}},
		{name: "gc refs", mode: SaveGCRefs, expInFrame: []bool{false, true, false, true, false}},
		{name: "all", mode: SaveAll, expInFrame: []bool{true, true, true, true, true}},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			boxes := []*trace.Box{
				trace.NewBox(trace.KindInt), trace.NewBox(trace.KindRef),
				trace.NewBox(trace.KindInt), trace.NewBox(trace.KindRef),
				trace.NewBox(trace.KindFloat),
			}
			regs := []asm.Register{arm.REG_R0, arm.REG_R1, arm.REG_R4, arm.REG_R5, arm.REG_D0}
			dying := trace.NewBox(trace.KindInt)
			var ops []*trace.Op
			for _, b := range append(boxes, dying) {
				ops = append(ops, trace.NewOp(trace.OpcodeSameAs, b, nil, trace.ConstInt(0)))
			}
			callAt := len(ops)
			ops = append(ops, trace.NewOp(trace.OpcodeCall, nil, &trace.CallDescr{Args: []trace.ArgType{trace.ArgInt}}, trace.ConstInt(0x1000), dying))
			for _, b := range boxes {
				ops = append(ops, trace.NewOp(trace.OpcodeKeepalive, nil, nil, b))
			}
			a, m := newTestAllocator(t, nil, ops)

			for i, b := range boxes {
				l := a.ForceAllocateSelected(b, regs[i])
				m.write(l, b)
				a.NextOp()
			}
			l := a.ForceAllocateSelected(dying, arm.REG_R2)
			m.write(l, dying)
			a.NextOp()
			require.Equal(t, callAt, a.Position())

			a.BeforeCall(tc.mode)
			// Dying arguments stay put.
			require.Equal(t, loc.CoreReg(arm.REG_R2), a.Loc(dying))
			m.clobber(arm.REG_R0, arm.REG_R1, arm.REG_R2, arm.REG_R3, arm.REG_D0)
			for i, b := range boxes {
				l := a.Loc(b)
				m.requireHolds(l, b)
				require.Equal(t, tc.expInFrame[i], l.IsStack(), "%s at %s", b, l)
				if l.IsReg() {
					require.False(t, loc.IsCallerSaved(l.Reg))
				}
			}
			a.FreeDyingArgs(ops[callAt])
			require.NoError(t, a.CheckInvariants())
		})
	}
}

func TestAllocator_MakeSureInReg(t *testing.T) {
	in := trace.NewBox(trace.KindFloat)
	x := trace.NewBox(trace.KindInt)
	ops := []*trace.Op{
		trace.NewOp(trace.OpcodeCastFloatToInt, x, nil, in),
		trace.NewOp(trace.OpcodeKeepalive, nil, nil, x),
		trace.NewOp(trace.OpcodeKeepalive, nil, nil, in),
	}
	a, m := newTestAllocator(t, []*trace.Box{in}, ops)

	f := a.MakeSureInReg(in)
	require.True(t, f.IsFloatReg())
	m.requireHolds(f, in)
	r := a.ForceAllocate(x)
	m.write(r, x)
	a.NextOp()

	moved := a.MakeSureInReg(x, r.Reg)
	require.NotEqual(t, r, moved)
	m.requireHolds(moved, x)

	c := a.MakeSureInReg(trace.ConstInt(-5))
	require.True(t, c.IsCoreReg())
	require.Equal(t, -int(uint32(0xfffffffb))-1, m.state[key(c)])
	a.NextOp()

	// The float still has both its register and its slot: spilling it stores nothing.
	before := m.moves
	a.ForceSpill(in)
	require.Equal(t, before, m.moves)
	require.True(t, a.Loc(in).IsStack())
}

func TestAllocator_usingFreedBoxPanics(t *testing.T) {
	x := trace.NewBox(trace.KindInt)
	ops := []*trace.Op{
		trace.NewOp(trace.OpcodeSameAs, x, nil, trace.ConstInt(1)),
		trace.NewOp(trace.OpcodeKeepalive, nil, nil, trace.ConstInt(0)),
	}
	a, _ := newTestAllocator(t, nil, ops)
	a.ForceAllocate(x)
	a.NextOp()
	require.PanicsWithValue(t, "BUG: "+x.String()+" has no location at 1", func() { a.Loc(x) })
}

// TestAllocator_random drives the allocator over random straight-line traces
// and checks that every operand read finds the right value, and that no two
// boxes ever share a register or a frame word.
func TestAllocator_random(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		t.Run(fmt.Sprintf("seed-%d", iter), func(t *testing.T) {
			inputs, ops := randomTrace(rnd, 4+rnd.Intn(6), 20+rnd.Intn(60))
			a, m := newTestAllocator(t, inputs, ops)

			for i, op := range ops {
				require.Equal(t, i, a.Position())
				switch {
				case op.Opcode == trace.OpcodeCall:
					a.BeforeCall(SaveMode(rnd.Intn(3)))
					for _, v := range op.Args[1:] {
						m.requireHolds(a.Loc(v), v.(*trace.Box))
					}
					m.clobber(loc.CallerSavedCore...)
					m.clobber(loc.CallerSavedFloat...)
					a.FreeDyingArgs(op)
					if op.Result != nil {
						r := a.AfterCall(op.Result, arm.REG_R0)
						m.write(r, op.Result)
					}
				case op.Opcode.IsGuard():
					for j, l := range a.FailLocations(op.FailArgs) {
						if b := op.FailArgs[j]; b != nil {
							m.requireHolds(l, b)
						}
					}
				default:
					var locs []loc.Location
					for _, v := range op.Args {
						if b, ok := v.(*trace.Box); ok {
							l := a.MakeSureInReg(b)
							locs = append(locs, l)
						}
					}
					if rnd.Intn(3) == 0 {
						a.Temp(trace.KindInt)
					}
					j := 0
					for _, v := range op.Args {
						if b, ok := v.(*trace.Box); ok {
							m.requireHolds(locs[j], b)
							j++
						}
					}
					a.FreeDyingArgs(op)
					if op.Result != nil {
						r := a.ForceAllocate(op.Result)
						m.write(r, op.Result)
					}
				}
				require.NoError(t, a.CheckInvariants())
				a.NextOp()
			}
		})
	}
}

func randomTrace(rnd *rand.Rand, numInputs, numOps int) ([]*trace.Box, []*trace.Op) {
	kinds := []trace.Kind{trace.KindInt, trace.KindRef, trace.KindFloat}
	var inputs, live []*trace.Box
	for i := 0; i < numInputs; i++ {
		b := trace.NewBox(kinds[rnd.Intn(3)])
		inputs = append(inputs, b)
		live = append(live, b)
	}
	pick := func() *trace.Box { return live[rnd.Intn(len(live))] }

	var ops []*trace.Op
	for i := 0; i < numOps; i++ {
		switch rnd.Intn(10) {
		case 0:
			ops = append(ops, trace.NewGuard(trace.OpcodeGuardTrue, &trace.FailDescr{},
				[]*trace.Box{pick(), nil, pick()}, pick()))
		case 1:
			r := trace.NewBox(trace.KindInt)
			ops = append(ops, trace.NewOp(trace.OpcodeCall, r,
				&trace.CallDescr{Args: []trace.ArgType{trace.ArgInt, trace.ArgInt}}, trace.ConstInt(0x1000), pick(), pick()))
			live = append(live, r)
		default:
			n := 1 + rnd.Intn(3)
			args := make([]trace.Value, n)
			for j := range args {
				args[j] = pick()
			}
			r := trace.NewBox(kinds[rnd.Intn(3)])
			ops = append(ops, &trace.Op{Opcode: trace.OpcodeSameAs, Args: args, Result: r})
			live = append(live, r)
		}
	}
	// Keep a random subset alive until the end.
	var tail []trace.Value
	for _, b := range live {
		if rnd.Intn(4) == 0 {
			tail = append(tail, b)
		}
	}
	ops = append(ops, trace.NewOp(trace.OpcodeJitDebug, nil, nil, tail...))
	return inputs, ops
}
