// Package jittest runs assembled units on the simulator with a runtime
// providing code memory, frames, a nursery and the native helpers units call.
package jittest

import (
	"fmt"
	"math"
	"sync"

	"github.com/tetratelabs/armjit/internal/jit/backend"
	"github.com/tetratelabs/armjit/internal/jit/callbuilder"
	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/testing/armsim"
	"github.com/tetratelabs/armjit/internal/trace"
)

// Address space of the simulated process.
const (
	GlobalsAddr      uint32 = 0x1000
	CodeStart        uint32 = 0x10000
	CodeEnd          uint32 = 0x200000
	HeapStart        uint32 = 0x200000
	HeapEnd          uint32 = 0x400000
	NurseryStart     uint32 = 0x400000
	NurseryEnd       uint32 = 0x500000
	FramesStart      uint32 = 0x500000
	FramesEnd        uint32 = 0x700000
	ShadowStackStart uint32 = 0x700000
	StackLimit       uint32 = 0x780000
	StackTop         uint32 = 0x800000
	MemorySize       uint32 = 0x800000
)

// Words at GlobalsAddr.
const (
	ExcTypeAddr = GlobalsAddr + 4*iota
	ExcValueAddr
	NurseryFreeAddr
	NurseryTopAddr
	StackLimitAddr
	ShadowStackTopAddr
	// CounterAddr is a free word for increment_debug_counter.
	CounterAddr
)

// Exception classes raised by the runtime helpers.
const (
	MemoryErrorType   uint32 = 0x1001
	StackOverflowType uint32 = 0x1002
)

// PropagateHandle is the jf_descr of units left through exception propagation.
const PropagateHandle uint32 = 0xe0e0

// Sentinels the callee-saved registers hold on entry, checked on return.
const (
	coreSentinel  uint32 = 0xc0de0000
	floatSentinel uint64 = 0x7ff4_dead_0000_0000
)

// DefaultWB is the barrier descr of new runtimes.
var DefaultWB = trace.WriteBarrierDescr{FlagByteOffset: 4, FlagMask: 0x01, CardsMask: 0x80, CardPageShift: 4}

// Runtime is a simulated process running assembled units. It implements
// backend.CodeMemory.
type Runtime struct {
	M   *armsim.Machine
	Mem *armsim.Memory

	// ABI is the calling convention of the native functions and of Config.
	ABI callbuilder.ABI
	// WB is the barrier descr whose flags the write barrier helpers set.
	WB trace.WriteBarrierDescr
	// CardMarkArrays makes the array barrier switch arrays to card marking
	// instead of remembering them.
	CardMarkArrays bool
	// FailMalloc makes the malloc slow path raise MemoryErrorType, with the
	// requested size as the exception value.
	FailMalloc bool

	// Calls counts the helper invocations by name.
	Calls map[string]int
	// MallocGCMap is the gcmap seen by the last malloc slow path call.
	MallocGCMap []int

	mu        sync.Mutex
	codeNext  uint32
	heapNext  uint32
	frameNext uint32
	funcs     map[string]uint32
}

// NewRuntime returns a runtime with an empty nursery of the given size.
func NewRuntime(nurserySize uint32) *Runtime {
	if nurserySize == 0 || NurseryStart+nurserySize > NurseryEnd {
		nurserySize = NurseryEnd - NurseryStart
	}
	mem := armsim.NewMemory(MemorySize)
	r := &Runtime{
		M:         armsim.New(mem),
		Mem:       mem,
		ABI:       callbuilder.ABIHardFloat,
		WB:        DefaultWB,
		Calls:     map[string]int{},
		codeNext:  CodeStart,
		heapNext:  HeapStart,
		frameNext: FramesStart,
		funcs:     map[string]uint32{},
	}
	r.must(mem.Write32(NurseryFreeAddr, NurseryStart))
	r.must(mem.Write32(NurseryTopAddr, NurseryStart+nurserySize))
	r.must(mem.Write32(StackLimitAddr, StackLimit))
	r.must(mem.Write32(ShadowStackTopAddr, ShadowStackStart))

	for _, n := range Natives {
		r.addFunc(n.Name, r.native(n))
	}
	r.addFunc("malloc_slowpath", r.mallocSlowpath)
	r.addFunc("write_barrier", r.writeBarrier)
	r.addFunc("write_barrier_array", r.writeBarrierArray)
	r.addFunc("realloc_frame", r.reallocFrame)
	r.addFunc("stack_check", r.stackCheck)
	r.addFunc("release_gil", r.gil)
	r.addFunc("reacquire_gil", r.gil)
	r.addFunc("int_floordiv", r.division(func(a, b uint32) uint32 { return uint32(int32(a) / int32(b)) }))
	r.addFunc("int_mod", r.division(func(a, b uint32) uint32 { return uint32(int32(a) % int32(b)) }))
	r.addFunc("uint_floordiv", r.division(func(a, b uint32) uint32 { return a / b }))
	r.addFunc("memcpy", r.memcpy)
	r.addFunc("assembler_helper", r.assemblerHelper)
	return r
}

func (r *Runtime) must(err error) {
	if err != nil {
		panic(err)
	}
}

func (r *Runtime) addFunc(name string, h armsim.Hook) {
	r.funcs[name] = r.M.AddHook(func(m *armsim.Machine) error {
		r.Calls[name]++
		return h(m)
	})
}

// Func returns the address of a runtime helper by name.
func (r *Runtime) Func(name string) uint32 { return r.funcs[name] }

// AddFunction makes h callable from units and returns its address.
func (r *Runtime) AddFunction(name string, h armsim.Hook) uint32 {
	r.addFunc(name, h)
	return r.funcs[name]
}

// RuntimeConfig returns the runtime words and functions of r.
func (r *Runtime) RuntimeConfig() backend.RuntimeConfig {
	return backend.RuntimeConfig{
		ExcTypeAddr:              ExcTypeAddr,
		ExcValueAddr:             ExcValueAddr,
		StackLimitAddr:           StackLimitAddr,
		StackCheck:               r.funcs["stack_check"],
		ReallocFrame:             r.funcs["realloc_frame"],
		ReleaseGIL:               r.funcs["release_gil"],
		ReacquireGIL:             r.funcs["reacquire_gil"],
		IntFloorDiv:              r.funcs["int_floordiv"],
		IntMod:                   r.funcs["int_mod"],
		UintFloorDiv:             r.funcs["uint_floordiv"],
		Memcpy:                   r.funcs["memcpy"],
		PropagateExceptionHandle: PropagateHandle,
	}
}

// GCConfig returns the collector words and functions of r.
func (r *Runtime) GCConfig() backend.GCConfig {
	return backend.GCConfig{
		NurseryFreeAddr:    NurseryFreeAddr,
		NurseryTopAddr:     NurseryTopAddr,
		MallocSlowpath:     r.funcs["malloc_slowpath"],
		WriteBarrier:       r.funcs["write_barrier"],
		WriteBarrierArray:  r.funcs["write_barrier_array"],
		ShadowStackTopAddr: ShadowStackTopAddr,
		VTableOffset:       0,
	}
}

// Config returns a backend configuration wired to r.
func (r *Runtime) Config() backend.Config {
	return backend.NewConfig().
		WithABI(r.ABI).
		WithRuntime(r.RuntimeConfig()).
		WithGC(r.GCConfig()).
		WithInvariantChecks(true).
		WithAlignmentCheck(true)
}

// Publish implements backend.CodeMemory.
func (r *Runtime) Publish(code []byte) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr := (r.codeNext + 15) &^ 15
	if addr+uint32(len(code)) > CodeEnd {
		return 0, fmt.Errorf("code memory exhausted publishing %d bytes", len(code))
	}
	if err := r.Mem.Load(addr, code); err != nil {
		return 0, err
	}
	r.codeNext = addr + uint32(len(code))
	return addr, nil
}

// ReadWord implements backend.CodeMemory.
func (r *Runtime) ReadWord(addr uint32) (uint32, error) {
	if addr < CodeStart || addr >= CodeEnd {
		return 0, fmt.Errorf("0x%08x is not code", addr)
	}
	return r.Mem.Read32(addr)
}

// WriteWord implements backend.CodeMemory.
func (r *Runtime) WriteWord(addr, word uint32) error {
	if addr < CodeStart || addr >= r.codeNext {
		return fmt.Errorf("0x%08x is not published code", addr)
	}
	return r.Mem.Write32(addr, word)
}

// Alloc returns size zeroed bytes of heap, 8-byte aligned.
func (r *Runtime) Alloc(size uint32) uint32 {
	addr := r.heapNext
	next := (addr + size + 7) &^ 7
	if next > HeapEnd {
		panic("heap exhausted")
	}
	r.heapNext = next
	return addr
}

// NewFrame allocates a jitframe with depth slots and returns its address.
func (r *Runtime) NewFrame(depth int) uint32 {
	words := loc.JITFrameFixedSize + depth
	size := uint32(backend.DefaultFrameLayout.Base + 4*words)
	addr := r.frameNext
	if addr+size > FramesEnd {
		panic("frames exhausted")
	}
	r.frameNext = (addr + size + 7) &^ 7
	r.must(r.Mem.Write32(addr+uint32(backend.DefaultFrameLayout.Length), uint32(words)))
	return addr
}

// FrameLength returns the number of words in jf_frame.
func (r *Runtime) FrameLength(frame uint32) int {
	return int(r.word(frame + uint32(backend.DefaultFrameLayout.Length)))
}

func (r *Runtime) word(addr uint32) uint32 {
	v, err := r.Mem.Read32(addr)
	r.must(err)
	return v
}

// Descr returns jf_descr.
func (r *Runtime) Descr(frame uint32) uint32 {
	return r.word(frame + uint32(backend.DefaultFrameLayout.Descr))
}

// GuardExc returns jf_guard_exc.
func (r *Runtime) GuardExc(frame uint32) uint32 {
	return r.word(frame + uint32(backend.DefaultFrameLayout.GuardExc))
}

// ForceDescr returns jf_force_descr.
func (r *Runtime) ForceDescr(frame uint32) uint32 {
	return r.word(frame + uint32(backend.DefaultFrameLayout.ForceDescr))
}

// SetDescr writes jf_descr, as the runtime does when it forces a frame.
func (r *Runtime) SetDescr(frame, v uint32) {
	r.must(r.Mem.Write32(frame+uint32(backend.DefaultFrameLayout.Descr), v))
}

// GCMap returns the bits of the gcmap jf_gcmap points at.
func (r *Runtime) GCMap(frame uint32) []int {
	return r.readGCMap(r.word(frame + uint32(backend.DefaultFrameLayout.GCMap)))
}

func (r *Runtime) readGCMap(addr uint32) []int {
	if addr == 0 {
		return nil
	}
	var m backend.GCMap
	n := r.word(addr)
	for i := uint32(1); i <= n; i++ {
		m = append(m, r.word(addr+4*i))
	}
	return m.Bits()
}

// SetInput stores the bits of v at a stack location of frame.
func (r *Runtime) SetInput(frame uint32, l loc.Location, v uint64) {
	off := frame + uint32(loc.SlotOffset(backend.DefaultFrameLayout.Base, l.Position))
	if l.Double {
		r.must(r.Mem.Write64(off, v))
	} else {
		r.must(r.Mem.Write32(off, uint32(v)))
	}
}

// Value returns the bits of what l held when the unit left through frame:
// registers are read from the save area.
func (r *Runtime) Value(frame uint32, l loc.Location) uint64 {
	base := backend.DefaultFrameLayout.Base
	var v uint64
	var err error
	switch {
	case l.IsImm():
		return l.Value
	case l.IsCoreReg():
		var w uint32
		w, err = r.Mem.Read32(frame + uint32(loc.CoreSaveOffset(base, l.Reg)))
		v = uint64(w)
	case l.IsFloatReg():
		v, err = r.Mem.Read64(frame + uint32(loc.FloatSaveOffset(base, l.Reg)))
	case l.IsStack() && l.Double:
		v, err = r.Mem.Read64(frame + uint32(loc.SlotOffset(base, l.Position)))
	case l.IsStack():
		var w uint32
		w, err = r.Mem.Read32(frame + uint32(loc.SlotOffset(base, l.Position)))
		v = uint64(w)
	default:
		panic("no value at " + l.String())
	}
	r.must(err)
	return v
}

// Exception returns the pending exception.
func (r *Runtime) Exception() (typ, value uint32) {
	return r.word(ExcTypeAddr), r.word(ExcValueAddr)
}

// SetException makes an exception pending.
func (r *Runtime) SetException(typ, value uint32) {
	r.must(r.Mem.Write32(ExcTypeAddr, typ))
	r.must(r.Mem.Write32(ExcValueAddr, value))
}

// Execute runs the unit at addr on frame and returns the frame it left
// with. Callee-saved registers and sp must be preserved.
func (r *Runtime) Execute(addr, frame uint32) (uint32, error) {
	m := r.M
	m.R[13] = StackTop
	for i := 4; i <= 11; i++ {
		m.R[i] = coreSentinel + uint32(i)
	}
	for i := 8; i < 16; i++ {
		m.D[i] = floatSentinel + uint64(i)
	}
	r.SetDescr(frame, 0)
	shadow := r.word(ShadowStackTopAddr)
	if err := m.Call(addr, frame); err != nil {
		return 0, err
	}
	switch {
	case m.R[13] != StackTop:
		return 0, fmt.Errorf("sp is 0x%08x on return", m.R[13])
	case r.word(ShadowStackTopAddr) != shadow:
		return 0, fmt.Errorf("shadow stack top is 0x%08x on return, was 0x%08x", r.word(ShadowStackTopAddr), shadow)
	}
	for i := 4; i <= 11; i++ {
		if m.R[i] != coreSentinel+uint32(i) {
			return 0, fmt.Errorf("r%d not preserved: 0x%08x", i, m.R[i])
		}
	}
	for i := 8; i < 16; i++ {
		if m.D[i] != floatSentinel+uint64(i) {
			return 0, fmt.Errorf("d%d not preserved: 0x%016x", i, m.D[i])
		}
	}
	return m.R[0], nil
}

// clobber trashes the registers a native function may change.
func clobber(m *armsim.Machine, keepResult bool) {
	start := 0
	if keepResult {
		start = 2
	}
	for i := start; i < 4; i++ {
		m.R[i] = 0xbad00000 + uint32(i)
	}
	m.R[12] = 0xbad0000c
	for i := 1; i < 8; i++ {
		m.D[i] = math.Float64bits(-float64(i) * 1e300)
	}
	if !keepResult {
		m.D[0] = math.Float64bits(math.Inf(-1))
	}
}

func (r *Runtime) mallocSlowpath(m *armsim.Machine) error {
	r.MallocGCMap = r.GCMap(m.R[11])
	size := m.R[0]
	clobber(m, false)
	if r.FailMalloc {
		r.SetException(MemoryErrorType, size)
		m.R[0] = 0
		return nil
	}
	m.R[0] = r.Alloc(size)
	return nil
}

func (r *Runtime) writeBarrier(m *armsim.Machine) error {
	obj := m.R[0]
	clobber(m, false)
	return r.setFlag(obj, r.WB.FlagMask)
}

func (r *Runtime) writeBarrierArray(m *armsim.Machine) error {
	obj := m.R[0]
	clobber(m, false)
	if r.CardMarkArrays {
		return r.setFlag(obj, r.WB.CardsMask)
	}
	return r.setFlag(obj, r.WB.FlagMask)
}

func (r *Runtime) setFlag(obj uint32, mask byte) error {
	addr := obj + uint32(r.WB.FlagByteOffset)
	b, err := r.Mem.Read8(addr)
	if err != nil {
		return err
	}
	return r.Mem.Write8(addr, b|mask)
}

// reallocFrame moves the frame in r0 to one of r1 words, as a moving
// collector would.
func (r *Runtime) reallocFrame(m *armsim.Machine) error {
	old, words := m.R[0], int(m.R[1])
	oldWords := r.FrameLength(old)
	if words < oldWords {
		words = oldWords
	}
	frame := r.NewFrame(words - loc.JITFrameFixedSize)
	size := uint32(backend.DefaultFrameLayout.Base + 4*oldWords)
	src, err := r.Mem.Slice(old, size)
	if err != nil {
		return err
	}
	dst, err := r.Mem.Slice(frame, size)
	if err != nil {
		return err
	}
	copy(dst, src)
	r.must(r.Mem.Write32(frame+uint32(backend.DefaultFrameLayout.Length), uint32(words)))
	clobber(m, false)
	m.R[0] = frame
	return nil
}

func (r *Runtime) stackCheck(m *armsim.Machine) error {
	clobber(m, false)
	r.SetException(StackOverflowType, 0)
	return nil
}

func (r *Runtime) gil(m *armsim.Machine) error {
	clobber(m, false)
	return nil
}

func (r *Runtime) division(f func(a, b uint32) uint32) armsim.Hook {
	return func(m *armsim.Machine) error {
		a, b := m.R[0], m.R[1]
		clobber(m, false)
		if b == 0 {
			m.R[0] = 0
		} else {
			m.R[0] = f(a, b)
		}
		return nil
	}
}

func (r *Runtime) memcpy(m *armsim.Machine) error {
	dst, src, n := m.R[0], m.R[1], m.R[2]
	clobber(m, false)
	from, err := r.Mem.Slice(src, n)
	if err != nil {
		return err
	}
	to, err := r.Mem.Slice(dst, n)
	if err != nil {
		return err
	}
	copy(to, from)
	m.R[0] = dst
	return nil
}

// AssemblerHelperBase is added to the jf_descr of the frame the assembler
// helper gets to form its result.
const AssemblerHelperBase uint32 = 0x10000

// assemblerHelper stands for the interpreter resuming a frame left through
// a guard: it returns AssemblerHelperBase plus the frame's jf_descr.
func (r *Runtime) assemblerHelper(m *armsim.Machine) error {
	frame := m.R[0]
	clobber(m, false)
	m.R[0] = AssemblerHelperBase + r.Descr(frame)
	return nil
}
