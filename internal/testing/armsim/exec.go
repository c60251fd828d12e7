package armsim

import (
	"fmt"
	"math"
	"math/bits"
)

func (m *Machine) exec(w uint32) error {
	switch {
	case w&0x0fffffff == 0x0320f000:
		return nil // NOP
	case w&0x0ff000f0 == 0x01200070:
		return ErrBreakpoint
	case w&0x0ffffff0 == 0x012fff10:
		m.setReg(15, m.R[w&0xf])
		return nil
	case w&0x0ffffff0 == 0x012fff30:
		target := m.R[w&0xf]
		m.R[14] = m.R[15] + 4
		m.setReg(15, target)
		return nil
	case w&0x0e000000 == 0x0a000000:
		if w&(1<<24) != 0 {
			m.R[14] = m.R[15] + 4
		}
		disp := int32(w<<8) >> 6
		m.setReg(15, m.R[15]+8+uint32(disp))
		return nil
	case w&0x0ff00000 == 0x03000000:
		m.setReg(w>>12&0xf, w>>4&0xf000|w&0xfff)
		return nil
	case w&0x0ff00000 == 0x03400000:
		rd := w >> 12 & 0xf
		m.setReg(rd, m.R[rd]&0xffff|(w>>4&0xf000|w&0xfff)<<16)
		return nil
	case w&0x0fe000f0 == 0x00000090:
		m.setReg(w>>16&0xf, m.R[w&0xf]*m.R[w>>8&0xf])
		return nil
	case w&0x0fa000f0 == 0x00800090:
		return m.execLongMultiply(w)
	case w&0x0e000090 == 0x00000090 && w&0x60 != 0:
		return m.execHalfword(w)
	case w&0x0c000000 == 0x00000000:
		return m.execDataProcessing(w)
	case w&0x0c000000 == 0x04000000:
		return m.execLoadStore(w)
	case w&0x0e000000 == 0x08000000:
		return m.execBlockTransfer(w)
	case w&0x0fffffff == 0x0ef1fa10:
		m.N, m.Z, m.C, m.V = m.FN, m.FZ, m.FC, m.FV
		return nil
	case w&0x0fe00f10 == 0x0e000a10:
		sn := (w>>16&0xf)<<1 | w>>7&1
		rt := w >> 12 & 0xf
		if w&(1<<20) != 0 {
			m.setReg(rt, m.S(sn))
		} else {
			m.SetS(sn, m.R[rt])
		}
		return nil
	case w&0x0e000f00 == 0x0c000b00:
		return m.execVFPTransfer(w)
	case w&0x0f000e10 == 0x0e000a00:
		return m.execVFPData(w)
	}
	return ErrUndefined
}

func addWithCarry(x, y uint32, carry bool) (r uint32, c, v bool) {
	var cin uint32
	if carry {
		cin = 1
	}
	sum := uint64(x) + uint64(y) + uint64(cin)
	r = uint32(sum)
	c = sum>>32 != 0
	v = (^(x^y)&(x^r))>>31 == 1
	return
}

// shiftImmediate applies an immediate shift, with the encodings of zero
// amounts meaning LSR #32, ASR #32 and RRX.
func shiftImmediate(v, typ, amount uint32, carry bool) (uint32, bool) {
	switch typ {
	case 0:
		if amount == 0 {
			return v, carry
		}
		return v << amount, v>>(32-amount)&1 == 1
	case 1:
		if amount == 0 {
			return 0, v>>31 == 1
		}
		return v >> amount, v>>(amount-1)&1 == 1
	case 2:
		if amount == 0 {
			return uint32(int32(v) >> 31), v>>31 == 1
		}
		return uint32(int32(v) >> amount), v>>(amount-1)&1 == 1
	default:
		if amount == 0 {
			var c uint32
			if carry {
				c = 1
			}
			return c<<31 | v>>1, v&1 == 1
		}
		r := bits.RotateLeft32(v, -int(amount))
		return r, r>>31 == 1
	}
}

// shiftRegister applies a shift by the bottom byte of a register.
func shiftRegister(v, typ, amount uint32, carry bool) (uint32, bool) {
	amount &= 0xff
	if amount == 0 {
		return v, carry
	}
	switch typ {
	case 0:
		switch {
		case amount < 32:
			return v << amount, v>>(32-amount)&1 == 1
		case amount == 32:
			return 0, v&1 == 1
		}
		return 0, false
	case 1:
		switch {
		case amount < 32:
			return v >> amount, v>>(amount-1)&1 == 1
		case amount == 32:
			return 0, v>>31 == 1
		}
		return 0, false
	case 2:
		if amount >= 32 {
			return uint32(int32(v) >> 31), v>>31 == 1
		}
		return uint32(int32(v) >> amount), v>>(amount-1)&1 == 1
	default:
		r := bits.RotateLeft32(v, -int(amount&31))
		return r, r>>31 == 1
	}
}

func (m *Machine) execDataProcessing(w uint32) error {
	op := w >> 21 & 0xf
	s := w&(1<<20) != 0
	rn, rd := w>>16&0xf, w>>12&0xf

	var op2 uint32
	carry := m.C
	switch {
	case w&(1<<25) != 0:
		rot := (w >> 8 & 0xf) * 2
		op2 = bits.RotateLeft32(w&0xff, -int(rot))
		if rot != 0 {
			carry = op2>>31 == 1
		}
	case w&(1<<4) != 0:
		if w&(1<<7) != 0 {
			return ErrUndefined
		}
		op2, carry = shiftRegister(m.reg(w&0xf), w>>5&3, m.R[w>>8&0xf], m.C)
	default:
		op2, carry = shiftImmediate(m.reg(w&0xf), w>>5&3, w>>7&0x1f, m.C)
	}

	a := m.reg(rn)
	var r uint32
	logical, write := true, true
	c, v := carry, m.V
	switch op {
	case 0x0:
		r = a & op2
	case 0x1:
		r = a ^ op2
	case 0x2:
		r, c, v = addWithCarry(a, ^op2, true)
		logical = false
	case 0x3:
		r, c, v = addWithCarry(^a, op2, true)
		logical = false
	case 0x4:
		r, c, v = addWithCarry(a, op2, false)
		logical = false
	case 0x5:
		r, c, v = addWithCarry(a, op2, m.C)
		logical = false
	case 0x6:
		r, c, v = addWithCarry(a, ^op2, m.C)
		logical = false
	case 0x7:
		r, c, v = addWithCarry(^a, op2, m.C)
		logical = false
	case 0x8:
		r, write = a&op2, false
	case 0x9:
		r, write = a^op2, false
	case 0xa:
		r, c, v = addWithCarry(a, ^op2, true)
		logical, write = false, false
	case 0xb:
		r, c, v = addWithCarry(a, op2, false)
		logical, write = false, false
	case 0xc:
		r = a | op2
	case 0xd:
		r = op2
	case 0xe:
		r = a &^ op2
	case 0xf:
		r = ^op2
	}
	if !write && !s {
		// MRS, MSR and the other miscellaneous instructions.
		return ErrUndefined
	}
	if s {
		if rd == 15 && write {
			return ErrUndefined
		}
		m.N, m.Z, m.C = r>>31 == 1, r == 0, c
		if !logical {
			m.V = v
		}
	}
	if write {
		m.setReg(rd, r)
	}
	return nil
}

func (m *Machine) execLongMultiply(w uint32) error {
	hi, lo := w>>16&0xf, w>>12&0xf
	a, b := m.R[w&0xf], m.R[w>>8&0xf]
	var r uint64
	if w&(1<<22) != 0 {
		r = uint64(int64(int32(a)) * int64(int32(b)))
	} else {
		r = uint64(a) * uint64(b)
	}
	m.setReg(lo, uint32(r))
	m.setReg(hi, uint32(r>>32))
	return nil
}

// address computes the effective address of a single transfer and
// performs the base write back.
func (m *Machine) address(w, rn, offset uint32) uint32 {
	base := m.reg(rn)
	if rn == 15 {
		base &^= 3
	}
	up := w&(1<<23) != 0
	moved := base - offset
	if up {
		moved = base + offset
	}
	pre, wb := w&(1<<24) != 0, w&(1<<21) != 0
	addr := base
	if pre {
		addr = moved
	}
	if !pre || wb {
		m.R[rn] = moved
	}
	return addr
}

func (m *Machine) execHalfword(w uint32) error {
	rn, rt := w>>16&0xf, w>>12&0xf
	var offset uint32
	if w&(1<<22) != 0 {
		offset = w>>4&0xf0 | w&0xf
	} else {
		offset = m.R[w&0xf]
	}
	load := w&(1<<20) != 0
	sh := w >> 5 & 3
	if !load && sh != 1 {
		return ErrUndefined
	}
	addr := m.address(w, rn, offset)
	switch {
	case !load:
		return m.Mem.Write16(addr, uint16(m.R[rt]))
	case sh == 1:
		v, err := m.Mem.Read16(addr)
		m.setReg(rt, uint32(v))
		return err
	case sh == 2:
		v, err := m.Mem.Read8(addr)
		m.setReg(rt, uint32(int32(int8(v))))
		return err
	default:
		v, err := m.Mem.Read16(addr)
		m.setReg(rt, uint32(int32(int16(v))))
		return err
	}
}

func (m *Machine) execLoadStore(w uint32) error {
	rn, rt := w>>16&0xf, w>>12&0xf
	offset := w & 0xfff
	if w&(1<<25) != 0 {
		if w&(1<<4) != 0 {
			return ErrUndefined
		}
		offset, _ = shiftImmediate(m.R[w&0xf], w>>5&3, w>>7&0x1f, m.C)
	}
	load, byteSized := w&(1<<20) != 0, w&(1<<22) != 0
	var value uint32
	if !load {
		value = m.reg(rt)
	}
	addr := m.address(w, rn, offset)
	switch {
	case load && byteSized:
		v, err := m.Mem.Read8(addr)
		m.setReg(rt, uint32(v))
		return err
	case load:
		v, err := m.Mem.Read32(addr)
		m.setReg(rt, v)
		return err
	case byteSized:
		return m.Mem.Write8(addr, uint8(value))
	default:
		return m.Mem.Write32(addr, value)
	}
}

func (m *Machine) execBlockTransfer(w uint32) error {
	rn := w >> 16 & 0xf
	list := w & 0xffff
	if list == 0 {
		return ErrUndefined
	}
	n := uint32(bits.OnesCount32(list))
	base := m.R[rn]
	pre, up := w&(1<<24) != 0, w&(1<<23) != 0
	load, wb := w&(1<<20) != 0, w&(1<<21) != 0

	var addr, end uint32
	if up {
		addr, end = base, base+4*n
		if pre {
			addr += 4
		}
	} else {
		addr, end = base-4*n, base-4*n
		if !pre {
			addr += 4
		}
	}
	for r := uint32(0); r < 16; r++ {
		if list&(1<<r) == 0 {
			continue
		}
		if load {
			v, err := m.Mem.Read32(addr)
			if err != nil {
				return err
			}
			m.setReg(r, v)
		} else if err := m.Mem.Write32(addr, m.reg(r)); err != nil {
			return err
		}
		addr += 4
	}
	if wb && (!load || list&(1<<rn) == 0) {
		m.R[rn] = end
	}
	return nil
}

func (m *Machine) execVFPTransfer(w uint32) error {
	if w&0x0fe00fd0 == 0x0c400b10 {
		rt, rt2, dm := w>>12&0xf, w>>16&0xf, w&0xf
		if w&(1<<20) != 0 {
			m.setReg(rt, uint32(m.D[dm]))
			m.setReg(rt2, uint32(m.D[dm]>>32))
		} else {
			m.D[dm] = uint64(m.R[rt2])<<32 | uint64(m.R[rt])
		}
		return nil
	}
	rn, vd := w>>16&0xf, w>>12&0xf
	if w&(1<<22) != 0 {
		return ErrUndefined
	}
	offset := (w & 0xff) * 4
	pre, up := w&(1<<24) != 0, w&(1<<23) != 0
	load, wb := w&(1<<20) != 0, w&(1<<21) != 0

	if pre && !wb {
		base := m.reg(rn)
		if rn == 15 {
			base &^= 3
		}
		addr := base - offset
		if up {
			addr = base + offset
		}
		if load {
			v, err := m.Mem.Read64(addr)
			m.D[vd] = v
			return err
		}
		return m.Mem.Write64(addr, m.D[vd])
	}

	count := (w & 0xff) / 2
	if vd+count > 16 || pre == up {
		return ErrUndefined
	}
	base := m.R[rn]
	addr, end := base, base+offset
	if !up {
		addr, end = base-offset, base-offset
	}
	for i := uint32(0); i < count; i++ {
		if load {
			v, err := m.Mem.Read64(addr)
			if err != nil {
				return err
			}
			m.D[vd+i] = v
		} else if err := m.Mem.Write64(addr, m.D[vd+i]); err != nil {
			return err
		}
		addr += 8
	}
	if wb {
		m.R[rn] = end
	}
	return nil
}

func (m *Machine) execVFPData(w uint32) error {
	vd, vn, vm := w>>12&0xf, w>>16&0xf, w&0xf
	double := w&(1<<8) != 0
	f := func(r uint32) float64 { return math.Float64frombits(m.D[r]) }
	set := func(r uint32, v float64) { m.D[r] = math.Float64bits(v) }

	switch w & 0x0fb00f50 {
	case 0x0e300b00:
		set(vd, f(vn)+f(vm))
		return nil
	case 0x0e300b40:
		set(vd, f(vn)-f(vm))
		return nil
	case 0x0e200b00:
		set(vd, f(vn)*f(vm))
		return nil
	case 0x0e800b00:
		set(vd, f(vn)/f(vm))
		return nil
	}
	if w&0x0fb00e50 != 0x0eb00a40 {
		return ErrUndefined
	}
	op := w&(1<<7) != 0
	sd := vd<<1 | w>>22&1
	sm := vm<<1 | w>>5&1
	switch opc2 := w >> 16 & 0xf; {
	case opc2 == 0 && double && !op:
		m.D[vd] = m.D[vm]
	case opc2 == 0 && double:
		m.D[vd] = m.D[vm] &^ (1 << 63)
	case opc2 == 1 && double && !op:
		m.D[vd] = m.D[vm] ^ 1<<63
	case opc2 == 1 && double:
		set(vd, math.Sqrt(f(vm)))
	case opc2 == 4 && double:
		m.compare(f(vd), f(vm))
	case opc2 == 7 && op && double:
		m.SetS(sd, math.Float32bits(float32(f(vm))))
	case opc2 == 7 && op:
		set(vd, float64(math.Float32frombits(m.S(sm))))
	case opc2 == 8 && op && double:
		set(vd, float64(int32(m.S(sm))))
	case opc2 == 0xd && op && double:
		m.SetS(sd, uint32(toInt32(f(vm))))
	default:
		return fmt.Errorf("VFP operation 0x%x: %w", opc2, ErrUndefined)
	}
	return nil
}

func (m *Machine) compare(a, b float64) {
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		m.FN, m.FZ, m.FC, m.FV = false, false, true, true
	case a == b:
		m.FN, m.FZ, m.FC, m.FV = false, true, true, false
	case a < b:
		m.FN, m.FZ, m.FC, m.FV = true, false, false, false
	default:
		m.FN, m.FZ, m.FC, m.FV = false, false, true, false
	}
}

// toInt32 converts with rounding toward zero and saturation, NaN giving 0.
func toInt32(f float64) int32 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int32(f)
}
