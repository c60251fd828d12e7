package backend

import (
	"fmt"

	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/loc"
	"github.com/tetratelabs/armjit/internal/jit/regalloc"
	"github.com/tetratelabs/armjit/internal/trace"
)

// access is the shape of a memory access.
type access struct {
	size   int
	signed bool
	kind   trace.Kind
}

func fieldAccess(d *trace.FieldDescr) access {
	return access{size: d.Size, signed: d.Signed, kind: d.Kind}
}

func itemAccess(d *trace.ArrayDescr) access {
	return access{size: d.ItemSize, signed: d.Signed, kind: d.ItemKind}
}

func (m access) load() (asm.Instruction, error) {
	switch {
	case m.kind == trace.KindFloat && m.size == 8:
		return arm.VLDR, nil
	case m.kind == trace.KindFloat:
	case m.size == 1 && m.signed:
		return arm.LDRSB, nil
	case m.size == 1:
		return arm.LDRB, nil
	case m.size == 2 && m.signed:
		return arm.LDRSH, nil
	case m.size == 2:
		return arm.LDRH, nil
	case m.size == 4:
		return arm.LDR, nil
	}
	return 0, fmt.Errorf("cannot load %d byte %s", m.size, m.kind)
}

func (m access) store() (asm.Instruction, error) {
	switch {
	case m.kind == trace.KindFloat && m.size == 8:
		return arm.VSTR, nil
	case m.kind == trace.KindFloat:
	case m.size == 1:
		return arm.STRB, nil
	case m.size == 2:
		return arm.STRH, nil
	case m.size == 4:
		return arm.STR, nil
	}
	return 0, fmt.Errorf("cannot store %d byte %s", m.size, m.kind)
}

// address returns a register and offset designating obj + offset +
// index*scale. index may be nil. lr is clobbered unless the index is
// constant, and ip too for sizes that are not powers of two.
func (c *compiler) address(obj asm.Register, index trace.Value, indexReg asm.Register, scale, offset int) (asm.Register, int32) {
	if index == nil {
		return obj, int32(offset)
	}
	if w, ok := trace.ConstWord(index); ok {
		return obj, int32(offset) + int32(w)*int32(scale)
	}
	switch s := log2(scale); {
	case s == 0:
		c.asm.CompileTwoRegistersToRegister(arm.ADD, obj, indexReg, loc.ScratchAddr)
	case s > 0:
		c.asm.CompileShiftedRegisterToRegister(arm.ADD, obj, indexReg, arm.SHIFT_LSL, s, loc.ScratchAddr)
	default:
		c.loadConst(uint32(scale), loc.ScratchCore)
		c.asm.CompileTwoRegistersToRegister(arm.MUL, indexReg, loc.ScratchCore, loc.ScratchCore)
		c.asm.CompileTwoRegistersToRegister(arm.ADD, obj, loc.ScratchCore, loc.ScratchAddr)
	}
	return loc.ScratchAddr, int32(offset)
}

// emitLoad loads the value at obj + offset + index*scale into the result of op.
func (c *compiler) emitLoad(op *trace.Op, index trace.Value, scale, offset int, m access) error {
	inst, err := m.load()
	if err != nil {
		return err
	}
	if (m.kind == trace.KindFloat) != (op.Result.Kind() == trace.KindFloat) {
		return fmt.Errorf("cannot load %s into %s", m.kind, op.Result)
	}
	obj := c.reg(op.Args[0])
	var indexReg asm.Register
	if index != nil && !trace.IsConst(index) {
		indexReg = c.reg(index)
	}
	dst := c.result(op)
	base, off := c.address(obj, index, indexReg, scale, offset)
	c.memOp(inst, dst, base, off, loc.ScratchCore)
	return nil
}

// emitStore stores value at obj + offset + index*scale.
func (c *compiler) emitStore(obj trace.Value, index trace.Value, value trace.Value, scale, offset int, m access) error {
	inst, err := m.store()
	if err != nil {
		return err
	}
	if (m.kind == trace.KindFloat) != (value.Kind() == trace.KindFloat) {
		return fmt.Errorf("cannot store %s as %s", value, m.kind)
	}
	objReg := c.reg(obj)
	var indexReg asm.Register
	if index != nil && !trace.IsConst(index) {
		indexReg = c.reg(index)
	}
	src := c.reg(value)
	base, off := c.address(objReg, index, indexReg, scale, offset)
	c.memOp(inst, src, base, off, loc.ScratchCore)
	return nil
}

func compileGetfield(c *compiler, op *trace.Op) error {
	d, ok := op.Descr.(*trace.FieldDescr)
	if !ok {
		return errDescr(op)
	}
	return c.emitLoad(op, nil, 0, d.Offset, fieldAccess(d))
}

func compileSetfield(c *compiler, op *trace.Op) error {
	d, ok := op.Descr.(*trace.FieldDescr)
	if !ok {
		return errDescr(op)
	}
	return c.emitStore(op.Args[0], nil, op.Args[1], 0, d.Offset, fieldAccess(d))
}

func compileGetarrayitem(c *compiler, op *trace.Op) error {
	d, ok := op.Descr.(*trace.ArrayDescr)
	if !ok {
		return errDescr(op)
	}
	return c.emitLoad(op, op.Args[1], d.ItemSize, d.BaseSize, itemAccess(d))
}

func compileSetarrayitem(c *compiler, op *trace.Op) error {
	d, ok := op.Descr.(*trace.ArrayDescr)
	if !ok {
		return errDescr(op)
	}
	return c.emitStore(op.Args[0], op.Args[1], op.Args[2], d.ItemSize, d.BaseSize, itemAccess(d))
}

func compileGetinteriorfield(c *compiler, op *trace.Op) error {
	d, ok := op.Descr.(*trace.InteriorFieldDescr)
	if !ok {
		return errDescr(op)
	}
	return c.emitLoad(op, op.Args[1], d.Array.ItemSize, d.Array.BaseSize+d.Field.Offset, fieldAccess(d.Field))
}

func compileSetinteriorfield(c *compiler, op *trace.Op) error {
	d, ok := op.Descr.(*trace.InteriorFieldDescr)
	if !ok {
		return errDescr(op)
	}
	return c.emitStore(op.Args[0], op.Args[1], op.Args[2], d.Array.ItemSize, d.Array.BaseSize+d.Field.Offset, fieldAccess(d.Field))
}

// compileRawLoad reads at a byte offset from an address.
func compileRawLoad(c *compiler, op *trace.Op) error {
	d, ok := op.Descr.(*trace.ArrayDescr)
	if !ok {
		return errDescr(op)
	}
	return c.emitLoad(op, op.Args[1], 1, d.BaseSize, itemAccess(d))
}

func compileRawStore(c *compiler, op *trace.Op) error {
	d, ok := op.Descr.(*trace.ArrayDescr)
	if !ok {
		return errDescr(op)
	}
	return c.emitStore(op.Args[0], op.Args[1], op.Args[2], 1, d.BaseSize, itemAccess(d))
}

func compileArraylen(c *compiler, op *trace.Op) error {
	d, ok := op.Descr.(*trace.ArrayDescr)
	if !ok {
		return errDescr(op)
	}
	return c.emitLoad(op, nil, 0, d.LenOffset, access{size: 4, kind: trace.KindInt})
}

// String operations use the configured layouts instead of a descr.
func (c *compiler) stringLayout(op *trace.Op) *trace.ArrayDescr {
	switch op.Opcode {
	case trace.OpcodeUnicodelen, trace.OpcodeUnicodegetitem, trace.OpcodeUnicodesetitem, trace.OpcodeCopyunicodecontent:
		return &c.cfg.unicode
	}
	return &c.cfg.str
}

func compileStrlen(c *compiler, op *trace.Op) error {
	l := c.stringLayout(op)
	return c.emitLoad(op, nil, 0, l.LenOffset, access{size: 4, kind: trace.KindInt})
}

func compileStrgetitem(c *compiler, op *trace.Op) error {
	l := c.stringLayout(op)
	return c.emitLoad(op, op.Args[1], l.ItemSize, l.BaseSize, access{size: l.ItemSize, kind: trace.KindInt})
}

func compileStrsetitem(c *compiler, op *trace.Op) error {
	l := c.stringLayout(op)
	return c.emitStore(op.Args[0], op.Args[1], op.Args[2], l.ItemSize, l.BaseSize, access{size: l.ItemSize, kind: trace.KindInt})
}

// compileCopyContent copies length items from src at srcstart to dst at
// dststart with memcpy, for the arguments (src, dst, srcstart, dststart,
// length).
func compileCopyContent(c *compiler, op *trace.Op) error {
	memcpy := c.cfg.runtime.Memcpy
	if memcpy == 0 {
		return fmt.Errorf("%w: %s needs memcpy", ErrInvalidConfig, op.Opcode)
	}
	l := c.stringLayout(op)
	shift := log2(l.ItemSize)
	if shift < 0 {
		return fmt.Errorf("%s: item size %d is not a power of two", op.Opcode, l.ItemSize)
	}
	src := c.itemAddress(op.Args[0], op.Args[2], l, shift)
	dst := c.itemAddress(op.Args[1], op.Args[3], l, shift)
	n := c.ra.Temp(trace.KindInt).Reg
	if w, ok := trace.ConstWord(op.Args[4]); ok {
		c.loadConst(w<<shift, n)
	} else {
		c.asm.CompileRegisterAndConstToRegister(arm.LSL, c.reg(op.Args[4]), int64(shift), n)
	}

	c.ra.BeforeCall(regalloc.SaveCallerSaved)
	c.calls.Call(loc.Imm(memcpy),
		[]loc.Location{loc.CoreReg(dst), loc.CoreReg(src), loc.CoreReg(n)},
		[]trace.ArgType{trace.ArgInt, trace.ArgInt, trace.ArgInt})
	c.ra.FreeDyingArgs(op)
	return nil
}

// itemAddress returns a temporary holding the address of item index of
// the string s.
func (c *compiler) itemAddress(s, index trace.Value, l *trace.ArrayDescr, shift int) asm.Register {
	dst := c.ra.Temp(trace.KindInt).Reg
	base := c.reg(s)
	if w, ok := trace.ConstWord(index); ok {
		c.addConst(base, int32(l.BaseSize)+int32(w<<shift), dst, loc.ScratchCore)
		return dst
	}
	c.asm.CompileShiftedRegisterToRegister(arm.ADD, base, c.reg(index), arm.SHIFT_LSL, shift, dst)
	c.addConst(dst, int32(l.BaseSize), dst, loc.ScratchCore)
	return dst
}

func errDescr(op *trace.Op) error {
	return fmt.Errorf("unexpected descr %v", op.Descr)
}
