package callbuilder

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/trace"
)

func TestClassify(t *testing.T) {
	var (
		i = trace.ArgInt
		r = trace.ArgRef
		f = trace.ArgFloat
		s = trace.ArgSingleFloat
	)
	tests := []struct {
		name      string
		abi       ABI
		types     []trace.ArgType
		exp       []string
		stackSize int
	}{
		{name: "no args", abi: ABISoftFloat, exp: []string{}},
		{name: "ints", abi: ABISoftFloat, types: []trace.ArgType{i, r, i}, exp: []string{"r0", "r1", "r2"}},
		{
			name: "ints spill", abi: ABISoftFloat, types: []trace.ArgType{i, i, i, i, i, r},
			exp: []string{"r0", "r1", "r2", "r3", "[sp + 0]", "[sp + 4]"}, stackSize: 8,
		},
		{name: "soft float pair", abi: ABISoftFloat, types: []trace.ArgType{f}, exp: []string{"r0:r1"}},
		{name: "soft float aligned", abi: ABISoftFloat, types: []trace.ArgType{i, f}, exp: []string{"r0", "r2:r3"}},
		{
			name: "soft float no back-fill", abi: ABISoftFloat, types: []trace.ArgType{i, f, i},
			exp: []string{"r0", "r2:r3", "[sp + 0]"}, stackSize: 8,
		},
		{
			name: "soft float to stack blocks core", abi: ABISoftFloat, types: []trace.ArgType{i, i, i, f, i},
			exp: []string{"r0", "r1", "r2", "[sp + 0]", "[sp + 8]"}, stackSize: 16,
		},
		{
			name: "soft stacked double aligned", abi: ABISoftFloat, types: []trace.ArgType{f, f, i, f},
			exp: []string{"r0:r1", "r2:r3", "[sp + 0]", "[sp + 8]"}, stackSize: 16,
		},
		{name: "soft single in core", abi: ABISoftFloat, types: []trace.ArgType{s, f}, exp: []string{"r0", "r2:r3"}},
		{name: "hard floats", abi: ABIHardFloat, types: []trace.ArgType{f, i, f}, exp: []string{"d0", "r0", "d1"}},
		{
			name: "hard single back-fill", abi: ABIHardFloat, types: []trace.ArgType{s, f, s},
			exp: []string{"s0", "d1", "s1"},
		},
		{
			name: "hard floats spill", abi: ABIHardFloat, types: []trace.ArgType{f, f, f, f, f, f, f, f, f, s},
			exp: []string{"d0", "d1", "d2", "d3", "d4", "d5", "d6", "d7", "[sp + 0]", "[sp + 8]"}, stackSize: 16,
		},
		{
			name: "hard stack double aligned", abi: ABIHardFloat, types: []trace.ArgType{i, i, i, i, i, f, f, f, f, f, f, f, f, f},
			exp: []string{
				"r0", "r1", "r2", "r3", "[sp + 0]",
				"d0", "d1", "d2", "d3", "d4", "d5", "d6", "d7", "[sp + 8]",
			},
			stackSize: 16,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			plan := Classify(tc.abi, tc.types)
			actual := make([]string, len(plan.Args))
			for i, al := range plan.Args {
				actual[i] = al.String()
				require.Equal(t, tc.types[i], al.Type)
			}
			require.Equal(t, tc.exp, actual)
			require.Equal(t, tc.stackSize, plan.StackSize)
		})
	}
}

func TestClassify_random(t *testing.T) {
	kinds := []trace.ArgType{trace.ArgInt, trace.ArgRef, trace.ArgFloat, trace.ArgSingleFloat}
	rng := rand.New(rand.NewSource(1))
	for _, abi := range []ABI{ABISoftFloat, ABIHardFloat} {
		for iter := 0; iter < 2000; iter++ {
			types := make([]trace.ArgType, rng.Intn(16))
			for i := range types {
				types[i] = kinds[rng.Intn(len(kinds))]
			}
			plan := Classify(abi, types)
			require.Equal(t, 0, plan.StackSize%8, "%s %v", abi, types)
			for i, a := range plan.Args {
				if a.Kind == ArgKindStack {
					require.LessOrEqual(t, a.Offset+a.Size, plan.StackSize)
					if a.Type == trace.ArgFloat {
						require.Equal(t, 0, a.Offset%8, "%s %v", abi, types)
					}
				}
				for j := i + 1; j < len(plan.Args); j++ {
					require.False(t, a.Overlaps(plan.Args[j]), "%s %v: %s and %s", abi, types, a, plan.Args[j])
				}
			}
		}
	}
}

func TestResultLocation(t *testing.T) {
	require.Equal(t, "r0", ResultLocation(ABISoftFloat, trace.ArgInt).String())
	require.Equal(t, "r0:r1", ResultLocation(ABISoftFloat, trace.ArgFloat).String())
	require.Equal(t, "d0", ResultLocation(ABIHardFloat, trace.ArgFloat).String())
	require.Equal(t, "s0", ResultLocation(ABIHardFloat, trace.ArgSingleFloat).String())
	require.Equal(t, "r0", ResultLocation(ABISoftFloat, trace.ArgSingleFloat).String())
}

// modelMover simulates the effect of moves on a machine state where every
// register and frame word holds an integer.
type modelMover struct {
	state map[key]int
	stack [][]int
	log   []string
}

func newModelMover() *modelMover { return &modelMover{state: map[key]int{}} }

func (m *modelMover) read(l loc.Location) []int {
	if l.IsImm() {
		return []int{-int(l.Value) - 1}
	}
	var ret []int
	for _, k := range keysOf(l) {
		ret = append(ret, m.state[k])
	}
	return ret
}

func (m *modelMover) write(l loc.Location, v []int) {
	for i, k := range keysOf(l) {
		m.state[k] = v[i%len(v)]
	}
}

func (m *modelMover) Move(src, dst loc.Location) {
	m.log = append(m.log, "mov "+src.String()+", "+dst.String())
	m.write(dst, m.read(src))
}

func (m *modelMover) Push(l loc.Location) {
	m.log = append(m.log, "push "+l.String())
	m.stack = append(m.stack, m.read(l))
}

func (m *modelMover) Pop(l loc.Location) {
	m.log = append(m.log, "pop "+l.String())
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	m.write(l, v)
}

func runParallelMove(t *testing.T, moves []Move) *modelMover {
	m := newModelMover()
	id := 1
	for _, mv := range moves {
		for _, l := range []loc.Location{mv.Src, mv.Dst} {
			for _, k := range keysOf(l) {
				if _, ok := m.state[k]; !ok {
					m.state[k] = id
					id++
				}
			}
		}
	}
	expected := make([][]int, len(moves))
	for i, mv := range moves {
		expected[i] = m.read(mv.Src)
	}
	ParallelMove(moves, m)
	for i, mv := range moves {
		require.Equal(t, expected[i], m.read(mv.Dst), "%s in %v", mv, m.log)
	}
	require.Empty(t, m.stack)
	return m
}

func TestParallelMove(t *testing.T) {
	r := func(n int) loc.Location { return loc.CoreReg(arm.CoreRegister(n)) }
	d := func(n int) loc.Location { return loc.FloatReg(arm.DoubleRegister(n)) }
	tests := []struct {
		name   string
		moves  []Move
		expLog []string
	}{
		{
			name:   "independent",
			moves:  []Move{{r(4), r(0)}, {loc.Imm(3), r(1)}},
			expLog: []string{"mov r4, r0", "mov #3, r1"},
		},
		{
			name:   "chain",
			moves:  []Move{{r(0), r(1)}, {r(1), r(2)}},
			expLog: []string{"mov r1, r2", "mov r0, r1"},
		},
		{
			name:   "identity",
			moves:  []Move{{r(0), r(0)}},
			expLog: nil,
		},
		{
			name:   "swap",
			moves:  []Move{{r(0), r(1)}, {r(1), r(0)}},
			expLog: []string{"push r0", "mov r1, r0", "pop r1"},
		},
		{
			name:  "cycle with a tail",
			moves: []Move{{r(0), r(1)}, {r(1), r(2)}, {r(2), r(0)}, {r(0), r(3)}},
		},
		{
			name:  "two cycles",
			moves: []Move{{r(0), r(1)}, {r(1), r(0)}, {d(0), d(1)}, {d(1), d(0)}, {loc.Stack(0, false), r(2)}},
		},
		{
			name:  "overlapping frame words",
			moves: []Move{{loc.Stack(0, true), loc.Stack(1, true)}, {loc.Stack(2, false), loc.Stack(0, false)}},
		},
		{
			name:  "frame cycle",
			moves: []Move{{loc.Stack(0, false), loc.Stack(1, false)}, {loc.Stack(1, false), loc.Stack(0, false)}},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			m := runParallelMove(t, tc.moves)
			if tc.expLog != nil || len(tc.moves) == 1 {
				require.Equal(t, tc.expLog, m.log)
			}
		})
	}
}

func TestParallelMove_random(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 1000; iter++ {
		n := 1 + rng.Intn(8)
		dsts := rng.Perm(8)[:n]
		moves := make([]Move, n)
		for i, dst := range dsts {
			var src loc.Location
			switch rng.Intn(4) {
			case 0:
				src = loc.Imm(uint32(rng.Intn(100)))
			case 1:
				src = loc.Stack(rng.Intn(4), false)
			default:
				src = loc.CoreReg(arm.CoreRegister(rng.Intn(8)))
			}
			moves[i] = Move{Src: src, Dst: loc.CoreReg(arm.CoreRegister(dst))}
		}
		runParallelMove(t, moves)
	}
}

func TestParallelMove_duplicateDestination(t *testing.T) {
	r0 := loc.CoreReg(arm.REG_R0)
	require.Panics(t, func() {
		ParallelMove([]Move{{loc.Imm(1), r0}, {loc.Imm(2), r0}}, newModelMover())
	})
}

func instructions(a *arm.AssemblerImpl) []string {
	var ret []string
	for n := a.Root; n != nil; n = n.Next {
		ret = append(ret, arm.InstructionName(n.Instruction))
	}
	return ret
}

func TestBuilder_Call(t *testing.T) {
	r := func(n int) loc.Location { return loc.CoreReg(arm.CoreRegister(n)) }
	d := func(n int) loc.Location { return loc.FloatReg(arm.DoubleRegister(n)) }
	tests := []struct {
		name      string
		abi       ABI
		target    loc.Location
		args      []loc.Location
		types     []trace.ArgType
		expInst   []string
		expMoves  []string
		stackSize int
	}{
		{
			name:     "imm target, no args",
			abi:      ABISoftFloat,
			target:   loc.Imm(0x1000),
			expInst:  []string{"BLX"},
			expMoves: []string{"mov #4096, lr"},
		},
		{
			name:     "target in an argument register",
			abi:      ABISoftFloat,
			target:   r(0),
			args:     []loc.Location{r(4)},
			types:    []trace.ArgType{trace.ArgInt},
			expInst:  []string{"BLX"},
			expMoves: []string{"mov r0, lr", "mov r4, r0"},
		},
		{
			name:      "stacked args",
			abi:       ABISoftFloat,
			target:    r(8),
			args:      []loc.Location{r(4), r(5), r(6), r(7), r(1), d(9)},
			types:     []trace.ArgType{trace.ArgInt, trace.ArgInt, trace.ArgInt, trace.ArgInt, trace.ArgInt, trace.ArgFloat},
			expInst:   []string{"SUB", "STR", "VSTR", "BLX", "ADD"},
			expMoves:  []string{"mov r4, r0", "mov r5, r1", "mov r6, r2", "mov r7, r3", "mov r8, lr"},
			stackSize: 16,
		},
		{
			name:     "soft float pair",
			abi:      ABISoftFloat,
			target:   r(4),
			args:     []loc.Location{d(3), loc.ImmFloat(0x3ff0000000000000)},
			types:    []trace.ArgType{trace.ArgFloat, trace.ArgFloat},
			expInst:  []string{"VMOVRRD", "LOADCONST", "LOADCONST", "BLX"},
			expMoves: []string{"mov r4, lr"},
		},
		{
			name:     "hard float",
			abi:      ABIHardFloat,
			target:   r(4),
			args:     []loc.Location{d(1), d(0), r(5)},
			types:    []trace.ArgType{trace.ArgFloat, trace.ArgFloat, trace.ArgSingleFloat},
			expInst:  []string{"VMOVSR", "BLX"},
			expMoves: []string{"push d1", "mov d0, d1", "pop d0", "mov r4, lr"},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			a := arm.NewAssembler()
			m := newModelMover()
			plan := New(a, m, tc.abi).Call(tc.target, tc.args, tc.types)
			require.Equal(t, tc.stackSize, plan.StackSize)
			require.Equal(t, tc.expInst, instructions(a))
			require.Equal(t, tc.expMoves, m.log)
		})
	}
}

func TestBuilder_FetchResult(t *testing.T) {
	tests := []struct {
		name    string
		abi     ABI
		typ     trace.ArgType
		size    int
		signed  bool
		expReg  asm.Register
		expInst []string
	}{
		{name: "void", abi: ABISoftFloat, typ: trace.ArgVoid, expReg: asm.NilRegister},
		{name: "word", abi: ABISoftFloat, typ: trace.ArgInt, expReg: arm.REG_R0},
		{name: "ref", abi: ABIHardFloat, typ: trace.ArgRef, size: 4, expReg: arm.REG_R0},
		{name: "unsigned byte", abi: ABISoftFloat, typ: trace.ArgInt, size: 1, expReg: arm.REG_R0, expInst: []string{"AND"}},
		{name: "signed byte", abi: ABISoftFloat, typ: trace.ArgInt, size: 1, signed: true, expReg: arm.REG_R0, expInst: []string{"LSL", "ASR"}},
		{name: "unsigned half", abi: ABISoftFloat, typ: trace.ArgInt, size: 2, expReg: arm.REG_R0, expInst: []string{"LSL", "LSR"}},
		{name: "soft float", abi: ABISoftFloat, typ: trace.ArgFloat, expReg: arm.REG_D0, expInst: []string{"VMOVDRR"}},
		{name: "hard float", abi: ABIHardFloat, typ: trace.ArgFloat, expReg: arm.REG_D0},
		{name: "hard single", abi: ABIHardFloat, typ: trace.ArgSingleFloat, expReg: arm.REG_R0, expInst: []string{"VMOVRS"}},
		{name: "soft single", abi: ABISoftFloat, typ: trace.ArgSingleFloat, expReg: arm.REG_R0},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			a := arm.NewAssembler()
			reg := New(a, newModelMover(), tc.abi).FetchResult(tc.typ, tc.size, tc.signed)
			require.Equal(t, tc.expReg, reg)
			require.Equal(t, tc.expInst, instructions(a))
		})
	}
}
