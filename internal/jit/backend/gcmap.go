package backend

import (
	"github.com/tetratelabs/armjit/internal/asm"
	"github.com/tetratelabs/armjit/internal/asm/arm"
	"github.com/tetratelabs/armjit/internal/jit/loc"
)

// GCMap marks the words of a jitframe holding references: bit N for core
// register rN in the save area, bit JITFrameFixedSize+p for slot p. In
// memory it is a length word followed by the bitmap words.
type GCMap []uint32

// NewGCMap returns the gcmap of references held at refs.
func NewGCMap(refs []loc.Location) GCMap {
	var m GCMap
	for _, l := range refs {
		m = m.set(loc.GCMapBit(l))
	}
	return m
}

func (m GCMap) set(bit int) GCMap {
	for len(m) <= bit/32 {
		m = append(m, 0)
	}
	m[bit/32] |= 1 << (bit % 32)
	return m
}

// Has returns true if bit is set.
func (m GCMap) Has(bit int) bool {
	return bit/32 < len(m) && m[bit/32]&(1<<(bit%32)) != 0
}

// Bits returns the set bits in increasing order.
func (m GCMap) Bits() []int {
	var ret []int
	for i, w := range m {
		for b := 0; b < 32; b++ {
			if w&(1<<b) != 0 {
				ret = append(ret, 32*i+b)
			}
		}
	}
	return ret
}

// gcmapData is a gcmap emitted in the data area of a unit.
type gcmapData struct {
	m GCMap
	// node is the length word, set once emitted.
	node asm.Node
}

// emit writes the length word and the bitmap.
func (d *gcmapData) emit(a arm.Assembler) {
	d.node = a.CompileData(uint32(len(d.m)))
	for _, w := range d.m {
		a.CompileData(w)
	}
}
