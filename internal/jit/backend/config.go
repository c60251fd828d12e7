package backend

import (
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sys/cpu"

	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/callbuilder"
	"github.com/tetratelabs/armjit/internal/trace"
)

// FrameLayout holds the byte offsets of the jitframe fields, from the
// address of the frame object fp points to.
type FrameLayout struct {
	// Descr is jf_descr: the handle of the fail descr of the exit taken,
	// or the force descr once the frame is forced.
	Descr int
	// ForceDescr is jf_force_descr, set before a call that may force the frame.
	ForceDescr int
	// GCMap is jf_gcmap, the address of the gcmap of the frame's current state.
	GCMap int
	// GuardExc is jf_guard_exc, receiving the pending exception on exits
	// that save it.
	GuardExc int
	// Length is the word holding the number of words in jf_frame, register
	// save area included.
	Length int
	// Base is jf_frame, the start of the register save area followed by the slots.
	Base int
}

// DefaultFrameLayout is the layout used by NewConfig.
var DefaultFrameLayout = FrameLayout{
	Descr:      4,
	ForceDescr: 8,
	GCMap:      12,
	GuardExc:   16,
	Length:     20,
	Base:       24,
}

// GCConfig holds the addresses the generated code uses to cooperate with
// the garbage collector. A zero address disables the feature using it.
type GCConfig struct {
	// NurseryFreeAddr and NurseryTopAddr are the words holding the bump
	// pointer and the end of the nursery.
	NurseryFreeAddr, NurseryTopAddr uint32
	// MallocSlowpath is called with the size in r0 when the nursery is
	// full, and returns the object or zero with an exception pending.
	MallocSlowpath uint32
	// WriteBarrier is called with the object in r0.
	WriteBarrier uint32
	// WriteBarrierArray is called with the array in r0 and may switch the
	// array to card marking.
	WriteBarrierArray uint32
	// ShadowStackTopAddr is the word holding the top of the shadow stack
	// of roots, or zero if the collector does not use one.
	ShadowStackTopAddr uint32
	// VTableOffset is the offset of the class word in objects.
	VTableOffset int
}

// RuntimeConfig holds the runtime words and functions the generated code uses.
type RuntimeConfig struct {
	// ExcTypeAddr and ExcValueAddr are the words of the pending exception.
	ExcTypeAddr, ExcValueAddr uint32
	// StackLimitAddr is the word holding the lowest usable sp. Zero
	// disables the stack check of loops.
	StackLimitAddr uint32
	// StackCheck is called with sp in r0 when sp is below the limit. It
	// either returns with no exception pending or raises one.
	StackCheck uint32
	// ReallocFrame is called with the frame and the wanted number of words
	// in jf_frame and returns the new frame.
	ReallocFrame uint32
	// ReleaseGIL and ReacquireGIL surround call_release_gil.
	ReleaseGIL, ReacquireGIL uint32
	// IntFloorDiv, IntMod and UintFloorDiv take two words and return one.
	IntFloorDiv, IntMod, UintFloorDiv uint32
	// Memcpy copies r2 bytes from r1 to r0 and never collects.
	Memcpy uint32
	// PropagateExceptionHandle is written to jf_descr when a runtime helper
	// leaves the unit with an exception.
	PropagateExceptionHandle uint32
}

// Config controls the code a Backend emits, with the default
// implementation as NewConfig.
//
// Note: Config is immutable. Each WithXXX function returns a new instance
// including the corresponding change.
type Config interface {
	// WithABI selects the calling convention of native calls. Defaults to
	// callbuilder.ABIHardFloat.
	WithABI(callbuilder.ABI) Config

	// WithFrameLayout sets the jitframe field offsets. Defaults to DefaultFrameLayout.
	WithFrameLayout(FrameLayout) Config

	// WithGC sets the collector addresses.
	WithGC(GCConfig) Config

	// WithRuntime sets the runtime addresses.
	WithRuntime(RuntimeConfig) Config

	// WithStringLayouts sets the layouts used by the str* and unicode* operations.
	WithStringLayouts(str, unicode trace.ArrayDescr) Config

	// WithBranchReach lowers the displacement single instruction branches may
	// cover, so that long branches can be exercised by small units.
	WithBranchReach(bytes int64) Config

	// WithDebugWriter enables a one line summary per assembled unit.
	WithDebugWriter(io.Writer) Config

	// WithDumpNodes also writes the instruction listing of each unit to the
	// debug writer.
	WithDumpNodes(bool) Config

	// WithInvariantChecks verifies the allocator state after every
	// operation. This is slow and meant for tests.
	WithInvariantChecks(bool) Config

	// WithAlignmentCheck makes nursery allocations trap on a misaligned result.
	WithAlignmentCheck(bool) Config
}

// Default layouts of the str and unicode objects: a header word, the hash,
// the length and the items.
var (
	DefaultStrLayout     = trace.ArrayDescr{BaseSize: 12, ItemSize: 1, LenOffset: 8, ItemKind: trace.KindInt}
	DefaultUnicodeLayout = trace.ArrayDescr{BaseSize: 12, ItemSize: 4, LenOffset: 8, ItemKind: trace.KindInt}
)

type config struct {
	abi             callbuilder.ABI
	frame           FrameLayout
	gc              GCConfig
	runtime         RuntimeConfig
	str, unicode    trace.ArrayDescr
	branchReach     int64
	debugWriter     io.Writer
	dumpNodes       bool
	invariantChecks bool
	alignmentCheck  bool
}

// defaultConfig helps avoid copy/pasting the wrong defaults.
var defaultConfig = &config{
	abi:         callbuilder.ABIHardFloat,
	frame:       DefaultFrameLayout,
	str:         DefaultStrLayout,
	unicode:     DefaultUnicodeLayout,
	branchReach: arm.DefaultBranchReach,
}

// NewConfig returns the default configuration. WithRuntime must be called
// before the configuration can be used.
func NewConfig() Config {
	return defaultConfig.clone()
}

func (c *config) clone() *config {
	ret := *c
	return &ret
}

// WithABI implements Config.WithABI
func (c *config) WithABI(abi callbuilder.ABI) Config {
	ret := c.clone()
	ret.abi = abi
	return ret
}

// WithFrameLayout implements Config.WithFrameLayout
func (c *config) WithFrameLayout(l FrameLayout) Config {
	ret := c.clone()
	ret.frame = l
	return ret
}

// WithGC implements Config.WithGC
func (c *config) WithGC(gc GCConfig) Config {
	ret := c.clone()
	ret.gc = gc
	return ret
}

// WithRuntime implements Config.WithRuntime
func (c *config) WithRuntime(rt RuntimeConfig) Config {
	ret := c.clone()
	ret.runtime = rt
	return ret
}

// WithStringLayouts implements Config.WithStringLayouts
func (c *config) WithStringLayouts(str, unicode trace.ArrayDescr) Config {
	ret := c.clone()
	ret.str, ret.unicode = str, unicode
	return ret
}

// WithBranchReach implements Config.WithBranchReach
func (c *config) WithBranchReach(bytes int64) Config {
	ret := c.clone()
	ret.branchReach = bytes
	return ret
}

// WithDebugWriter implements Config.WithDebugWriter
func (c *config) WithDebugWriter(w io.Writer) Config {
	ret := c.clone()
	ret.debugWriter = w
	return ret
}

// WithDumpNodes implements Config.WithDumpNodes
func (c *config) WithDumpNodes(enabled bool) Config {
	ret := c.clone()
	ret.dumpNodes = enabled
	return ret
}

// WithInvariantChecks implements Config.WithInvariantChecks
func (c *config) WithInvariantChecks(enabled bool) Config {
	ret := c.clone()
	ret.invariantChecks = enabled
	return ret
}

// WithAlignmentCheck implements Config.WithAlignmentCheck
func (c *config) WithAlignmentCheck(enabled bool) Config {
	ret := c.clone()
	ret.alignmentCheck = enabled
	return ret
}

// validate checks the configuration can serve every unit. Collaborators
// only some operations need are checked when such an operation is assembled.
func (c *config) validate() error {
	f := c.frame
	for _, field := range []struct {
		name string
		off  int
	}{
		{"jf_descr", f.Descr},
		{"jf_force_descr", f.ForceDescr},
		{"jf_gcmap", f.GCMap},
		{"jf_guard_exc", f.GuardExc},
		{"frame length", f.Length},
		{"jf_frame", f.Base},
	} {
		if field.off < 0 || field.off > arm.MaxWordOffset || field.off&3 != 0 {
			return fmt.Errorf("%w: %s offset %d must be a multiple of 4 in [0, %d]",
				ErrInvalidConfig, field.name, field.off, arm.MaxWordOffset)
		}
	}
	if f.Base&7 != 0 {
		return fmt.Errorf("%w: jf_frame offset %d must be a multiple of 8", ErrInvalidConfig, f.Base)
	}

	rt := c.runtime
	switch {
	case rt.ExcTypeAddr == 0 || rt.ExcValueAddr == 0:
		return fmt.Errorf("%w: exception words are required", ErrInvalidConfig)
	case rt.ReallocFrame == 0:
		return fmt.Errorf("%w: frame realloc function is required", ErrInvalidConfig)
	case rt.StackLimitAddr != 0 && rt.StackCheck == 0:
		return fmt.Errorf("%w: stack limit without stack check function", ErrInvalidConfig)
	}

	gc := c.gc
	if (gc.NurseryFreeAddr == 0) != (gc.NurseryTopAddr == 0) {
		return fmt.Errorf("%w: nursery free and top addresses go together", ErrInvalidConfig)
	}
	if gc.NurseryFreeAddr != 0 && gc.MallocSlowpath == 0 {
		return fmt.Errorf("%w: nursery without malloc slow path", ErrInvalidConfig)
	}
	if gc.VTableOffset < 0 || gc.VTableOffset > arm.MaxWordOffset {
		return fmt.Errorf("%w: vtable offset %d out of range", ErrInvalidConfig, gc.VTableOffset)
	}
	for _, l := range []trace.ArrayDescr{c.str, c.unicode} {
		if l.ItemSize != 1 && l.ItemSize != 2 && l.ItemSize != 4 {
			return fmt.Errorf("%w: string item size %d", ErrInvalidConfig, l.ItemSize)
		}
	}
	if c.branchReach <= 0 || c.branchReach > arm.DefaultBranchReach {
		return fmt.Errorf("%w: branch reach %d out of (0, %d]", ErrInvalidConfig, c.branchReach, arm.DefaultBranchReach)
	}
	return nil
}

// checkHost returns an error when running on an ARM host without the VFPv3
// instructions the generated code relies on.
func checkHost() error {
	if runtime.GOARCH != "arm" {
		return nil
	}
	if !cpu.ARM.HasVFPv3 && !cpu.ARM.HasVFPv3D16 {
		return fmt.Errorf("%w: host lacks VFPv3", ErrInvalidConfig)
	}
	return nil
}
