package arm

import (
	"errors"
	"fmt"
	"io"

	"github.com/tetratelabs/armjit/internal/asm"
)

// NodeImpl implements asm.Node for arm.
type NodeImpl struct {
	// NOTE: fields here are exported for testing with the jittest package.

	Instruction asm.Instruction

	OffsetInBinaryField asm.NodeOffsetInBinary // Field suffix to dodge conflict with OffsetInBinary

	// JumpTarget holds the target node in the linked for the jump-kind instruction.
	JumpTarget *NodeImpl
	// Next holds the next node from this node in the assembled linked list.
	Next *NodeImpl

	Types OperandTypes
	// Cond is the execution condition. Unset means always.
	Cond asm.ConditionalRegisterState

	SrcReg, SrcReg2, DstReg, DstReg2 asm.Register
	SrcConst, DstConst               asm.ConstantValue

	Shift       ShiftType
	ShiftAmount int
	ShiftReg    asm.Register

	RegList  RegisterList
	RegCount int

	// Long is set once a branch did not reach its target with the single
	// instruction form. It is never cleared, which makes assembling converge.
	Long bool
}

// AssignJumpTarget implements the same method as documented on asm.Node.
func (n *NodeImpl) AssignJumpTarget(target asm.Node) {
	n.JumpTarget = target.(*NodeImpl)
}

// AssignSourceConstant implements the same method as documented on asm.Node.
func (n *NodeImpl) AssignSourceConstant(value asm.ConstantValue) {
	n.SrcConst = value
}

// OffsetInBinary implements the same method as documented on asm.Node.
func (n *NodeImpl) OffsetInBinary() asm.NodeOffsetInBinary {
	return n.OffsetInBinaryField
}

// String implements fmt.Stringer.
//
// This is for debugging purpose, and the format is similar to the AT&T assembly syntax,
// meaning that this should look like "INSTRUCTION ${from}, ${to}" where each operand
// might be embraced by '[]' to represent the memory location, and multiple operands
// are embraced by `()`.
func (n *NodeImpl) String() (ret string) {
	instName := InstructionName(n.Instruction) + ConditionName(n.Cond)
	switch n.Types {
	case OperandTypesNoneToNone:
		if n.Instruction == DATA || n.Instruction == BKPT {
			ret = fmt.Sprintf("%s 0x%x", instName, n.SrcConst)
		} else {
			ret = instName
		}
	case OperandTypesNoneToRegister:
		ret = fmt.Sprintf("%s %s", instName, RegisterName(n.DstReg))
	case OperandTypesNoneToBranch:
		ret = fmt.Sprintf("%s {%v}", instName, n.JumpTarget)
	case OperandTypesBranchToRegister:
		ret = fmt.Sprintf("%s {%v}, %s", instName, n.JumpTarget, RegisterName(n.DstReg))
	case OperandTypesConstToRegister:
		ret = fmt.Sprintf("%s 0x%x, %s", instName, n.SrcConst, RegisterName(n.DstReg))
	case OperandTypesRegisterToRegister:
		ret = fmt.Sprintf("%s %s, %s", instName, RegisterName(n.SrcReg), RegisterName(n.DstReg))
	case OperandTypesRegisterAndConstToRegister:
		ret = fmt.Sprintf("%s (%s, 0x%x), %s", instName, RegisterName(n.SrcReg), n.SrcConst, RegisterName(n.DstReg))
	case OperandTypesTwoRegistersToRegister:
		ret = fmt.Sprintf("%s (%s, %s), %s", instName, RegisterName(n.SrcReg), RegisterName(n.SrcReg2), RegisterName(n.DstReg))
	case OperandTypesShiftedRegisterToRegister:
		ret = fmt.Sprintf("%s (%s, %s %s %d), %s", instName, RegisterName(n.SrcReg), RegisterName(n.SrcReg2), n.Shift, n.ShiftAmount, RegisterName(n.DstReg))
	case OperandTypesRegisterShiftedByRegisterToRegister:
		ret = fmt.Sprintf("%s (%s, %s %s %s), %s", instName, RegisterName(n.SrcReg), RegisterName(n.SrcReg2), n.Shift, RegisterName(n.ShiftReg), RegisterName(n.DstReg))
	case OperandTypesTwoRegistersToNone:
		ret = fmt.Sprintf("%s (%s, %s)", instName, RegisterName(n.SrcReg), RegisterName(n.SrcReg2))
	case OperandTypesShiftedRegisterToNone:
		ret = fmt.Sprintf("%s (%s, %s %s %d)", instName, RegisterName(n.SrcReg), RegisterName(n.SrcReg2), n.Shift, n.ShiftAmount)
	case OperandTypesRegisterAndConstToNone:
		ret = fmt.Sprintf("%s (%s, 0x%x)", instName, RegisterName(n.SrcReg), n.SrcConst)
	case OperandTypesTwoRegistersToTwoRegisters:
		ret = fmt.Sprintf("%s (%s, %s), (%s, %s)", instName, RegisterName(n.SrcReg), RegisterName(n.SrcReg2), RegisterName(n.DstReg), RegisterName(n.DstReg2))
	case OperandTypesRegisterToTwoRegisters:
		ret = fmt.Sprintf("%s %s, (%s, %s)", instName, RegisterName(n.SrcReg), RegisterName(n.DstReg), RegisterName(n.DstReg2))
	case OperandTypesMemoryToRegister:
		if n.SrcReg2 != asm.NilRegister {
			ret = fmt.Sprintf("%s [%s + %s << %d], %s", instName, RegisterName(n.SrcReg), RegisterName(n.SrcReg2), n.ShiftAmount, RegisterName(n.DstReg))
		} else {
			ret = fmt.Sprintf("%s [%s + 0x%x], %s", instName, RegisterName(n.SrcReg), n.SrcConst, RegisterName(n.DstReg))
		}
	case OperandTypesRegisterToMemory:
		if n.DstReg2 != asm.NilRegister {
			ret = fmt.Sprintf("%s %s, [%s + %s << %d]", instName, RegisterName(n.SrcReg), RegisterName(n.DstReg), RegisterName(n.DstReg2), n.ShiftAmount)
		} else {
			ret = fmt.Sprintf("%s %s, [%s + 0x%x]", instName, RegisterName(n.SrcReg), RegisterName(n.DstReg), n.DstConst)
		}
	case OperandTypesRegisterList:
		if n.Instruction == PUSH || n.Instruction == POP {
			ret = fmt.Sprintf("%s %s", instName, n.RegList)
		} else {
			ret = fmt.Sprintf("%s %s, %s", instName, RegisterName(n.SrcReg), n.RegList)
		}
	case OperandTypesVFPRegisterList:
		last := DoubleRegister(int(RegisterNumber(n.DstReg)) + n.RegCount - 1)
		if n.Instruction == VPUSH || n.Instruction == VPOP {
			ret = fmt.Sprintf("%s {%s-%s}", instName, RegisterName(n.DstReg), RegisterName(last))
		} else {
			ret = fmt.Sprintf("%s %s, {%s-%s}", instName, RegisterName(n.SrcReg), RegisterName(n.DstReg), RegisterName(last))
		}
	}
	return
}

// OperandType represents where an operand is placed for an instruction.
// Note: this is almost the same as obj.AddrType in GO assembler.
type OperandType byte

const (
	OperandTypeNone OperandType = iota
	OperandTypeRegister
	OperandTypeTwoRegisters
	OperandTypeShiftedRegister
	OperandTypeRegisterShiftedByRegister
	OperandTypeRegisterAndConst
	OperandTypeMemory
	OperandTypeConst
	OperandTypeBranch
	OperandTypeRegisterList
	OperandTypeVFPRegisterList
)

// String implements fmt.Stringer.
func (o OperandType) String() (ret string) {
	switch o {
	case OperandTypeNone:
		ret = "none"
	case OperandTypeRegister:
		ret = "register"
	case OperandTypeTwoRegisters:
		ret = "two-registers"
	case OperandTypeShiftedRegister:
		ret = "shifted-register"
	case OperandTypeRegisterShiftedByRegister:
		ret = "register-shifted-by-register"
	case OperandTypeRegisterAndConst:
		ret = "register-and-const"
	case OperandTypeMemory:
		ret = "memory"
	case OperandTypeConst:
		ret = "const"
	case OperandTypeBranch:
		ret = "branch"
	case OperandTypeRegisterList:
		ret = "register-list"
	case OperandTypeVFPRegisterList:
		ret = "vfp-register-list"
	}
	return
}

// OperandTypes represents the only combinations of two OperandTypes used by armjit.
type OperandTypes struct{ src, dst OperandType }

var (
	OperandTypesNoneToNone                          = OperandTypes{OperandTypeNone, OperandTypeNone}
	OperandTypesNoneToRegister                      = OperandTypes{OperandTypeNone, OperandTypeRegister}
	OperandTypesNoneToBranch                        = OperandTypes{OperandTypeNone, OperandTypeBranch}
	OperandTypesBranchToRegister                    = OperandTypes{OperandTypeBranch, OperandTypeRegister}
	OperandTypesConstToRegister                     = OperandTypes{OperandTypeConst, OperandTypeRegister}
	OperandTypesRegisterToRegister                  = OperandTypes{OperandTypeRegister, OperandTypeRegister}
	OperandTypesRegisterAndConstToRegister          = OperandTypes{OperandTypeRegisterAndConst, OperandTypeRegister}
	OperandTypesTwoRegistersToRegister              = OperandTypes{OperandTypeTwoRegisters, OperandTypeRegister}
	OperandTypesShiftedRegisterToRegister           = OperandTypes{OperandTypeShiftedRegister, OperandTypeRegister}
	OperandTypesRegisterShiftedByRegisterToRegister = OperandTypes{OperandTypeRegisterShiftedByRegister, OperandTypeRegister}
	OperandTypesTwoRegistersToNone                  = OperandTypes{OperandTypeTwoRegisters, OperandTypeNone}
	OperandTypesShiftedRegisterToNone               = OperandTypes{OperandTypeShiftedRegister, OperandTypeNone}
	OperandTypesRegisterAndConstToNone              = OperandTypes{OperandTypeRegisterAndConst, OperandTypeNone}
	OperandTypesTwoRegistersToTwoRegisters          = OperandTypes{OperandTypeTwoRegisters, OperandTypeTwoRegisters}
	OperandTypesRegisterToTwoRegisters              = OperandTypes{OperandTypeRegister, OperandTypeTwoRegisters}
	OperandTypesMemoryToRegister                    = OperandTypes{OperandTypeMemory, OperandTypeRegister}
	OperandTypesRegisterToMemory                    = OperandTypes{OperandTypeRegister, OperandTypeMemory}
	OperandTypesRegisterList                        = OperandTypes{OperandTypeRegister, OperandTypeRegisterList}
	OperandTypesVFPRegisterList                     = OperandTypes{OperandTypeRegister, OperandTypeVFPRegisterList}
)

// String implements fmt.Stringer
func (o OperandTypes) String() string {
	return fmt.Sprintf("from:%s,to:%s", o.src, o.dst)
}

// DefaultBranchReach is the reach of the single instruction B: a signed
// 24-bit word displacement.
const DefaultBranchReach = 1 << 25

// AssemblerImpl implements Assembler.
type AssemblerImpl struct {
	asm.BaseAssemblerImpl
	Root, Current *NodeImpl
	nodeCount     int

	// BranchReach is the largest absolute displacement in bytes that a
	// single instruction branch is allowed to cover. Branches beyond it use
	// the long form. Lowering it is only useful to exercise the long form.
	BranchReach int64

	// relativeNodes holds the nodes whose encoding depends on the offset of
	// another node: branches and pc-relative addresses.
	relativeNodes []*NodeImpl
}

var _ Assembler = (*AssemblerImpl)(nil)

func NewAssembler() *AssemblerImpl {
	return &AssemblerImpl{BranchReach: DefaultBranchReach}
}

// newNode creates a new Node and appends it into the linked list.
func (a *AssemblerImpl) newNode(instruction asm.Instruction, types OperandTypes) *NodeImpl {
	n := &NodeImpl{
		Instruction: instruction,
		Next:        nil,
		Types:       types,
	}

	a.addNode(n)
	return n
}

// addNode appends the new node into the linked list.
func (a *AssemblerImpl) addNode(node *NodeImpl) {
	a.nodeCount++

	if a.Root == nil {
		a.Root = node
		a.Current = node
	} else {
		parent := a.Current
		parent.Next = node
		a.Current = node
	}

	for _, o := range a.SetBranchTargetOnNextNodes {
		origin := o.(*NodeImpl)
		origin.JumpTarget = node
	}
	a.SetBranchTargetOnNextNodes = nil

	if node.Types == OperandTypesNoneToBranch || node.Types == OperandTypesBranchToRegister {
		a.relativeNodes = append(a.relativeNodes, node)
	}
}

// NodeCount returns the number of nodes added so far.
func (a *AssemblerImpl) NodeCount() int {
	return a.nodeCount
}

// Assemble implements asm.AssemblerBase.
//
// Every node is encoded with its current width, then the pc-relative nodes
// are resolved against the final offsets. Any branch that does not reach its
// target switches to the long form, and the whole unit is encoded again, until
// no branch changes width.
func (a *AssemblerImpl) Assemble(buf asm.Buffer) error {
	if len(a.SetBranchTargetOnNextNodes) > 0 {
		// Give the pending branches something to land on.
		a.CompileStandAlone(NOP)
	}

	for {
		buf.Reset()
		for n := a.Root; n != nil; n = n.Next {
			n.OffsetInBinaryField = uint64(buf.Len())
			if err := a.EncodeNode(buf, n); err != nil {
				return err
			}
		}

		widened, err := a.resolveRelativeNodes(buf)
		if err != nil {
			return err
		}
		if !widened {
			break
		}
	}

	code := buf.Bytes()
	for _, cb := range a.OnGenerateCallbacks {
		if err := cb(code); err != nil {
			return err
		}
	}
	return nil
}

// resolveRelativeNodes writes the final words of branches and pc-relative
// address loads now that every node has an offset. It returns true if a
// branch had to be widened, in which case nothing written is meaningful.
func (a *AssemblerImpl) resolveRelativeNodes(buf asm.Buffer) (widened bool, err error) {
	for _, n := range a.relativeNodes {
		if n.JumpTarget == nil {
			return false, fmt.Errorf("jump target must be assigned: %s", n)
		}
		offset := int64(n.OffsetInBinaryField)
		target := int64(n.JumpTarget.OffsetInBinaryField)

		if n.Types == OperandTypesBranchToRegister {
			// MOVW, MOVT, then ADD dst, pc, dst where pc reads as the ADD's address plus 8.
			rel := uint32(target - (offset + 16))
			rd := RegisterNumber(n.DstReg)
			buf.PutUint32(int(offset), encodeMovw(0xe, MOVW, rd, rel&0xffff))
			buf.PutUint32(int(offset)+4, encodeMovw(0xe, MOVT, rd, rel>>16))
			buf.PutUint32(int(offset)+8, encodeDataProcessingReg(0xe, dpADD, false, 15, rd, rd, SHIFT_LSL, 0))
			continue
		}

		if !n.Long {
			disp := target - (offset + 8)
			if disp < -a.BranchReach || disp >= a.BranchReach {
				n.Long = true
				widened = true
				continue
			}
			buf.PutUint32(int(offset), encodeBranch(condBits(n.Cond), disp))
			continue
		}

		for i, word := range encodeLongBranch(n.Cond, offset, target) {
			buf.PutUint32(int(offset)+4*i, word)
		}
	}
	return
}

// EncodeNode encodes the given node into buf.
func (a *AssemblerImpl) EncodeNode(buf asm.Buffer, n *NodeImpl) (err error) {
	switch n.Types {
	case OperandTypesNoneToNone:
		err = a.encodeNoneToNone(buf, n)
	case OperandTypesNoneToRegister:
		err = a.encodeJumpToRegister(buf, n)
	case OperandTypesNoneToBranch:
		a.encodeRelativeBranchPlaceholder(buf, n)
	case OperandTypesBranchToRegister:
		// Resolved once every offset is known.
		for i := 0; i < 3; i++ {
			buf.WriteUint32(0)
		}
	case OperandTypesConstToRegister:
		err = a.encodeConstToRegister(buf, n)
	case OperandTypesRegisterToRegister:
		err = a.encodeRegisterToRegister(buf, n)
	case OperandTypesRegisterAndConstToRegister:
		err = a.encodeRegisterAndConstToRegister(buf, n)
	case OperandTypesTwoRegistersToRegister:
		err = a.encodeTwoRegistersToRegister(buf, n)
	case OperandTypesShiftedRegisterToRegister, OperandTypesShiftedRegisterToNone:
		err = a.encodeShiftedRegister(buf, n)
	case OperandTypesRegisterShiftedByRegisterToRegister:
		err = a.encodeRegisterShiftedByRegister(buf, n)
	case OperandTypesTwoRegistersToNone:
		err = a.encodeTwoRegistersToNone(buf, n)
	case OperandTypesRegisterAndConstToNone:
		err = a.encodeRegisterAndConstToNone(buf, n)
	case OperandTypesTwoRegistersToTwoRegisters:
		err = a.encodeTwoRegistersToTwoRegisters(buf, n)
	case OperandTypesRegisterToTwoRegisters:
		err = a.encodeRegisterToTwoRegisters(buf, n)
	case OperandTypesMemoryToRegister:
		err = a.encodeMemoryToRegister(buf, n)
	case OperandTypesRegisterToMemory:
		err = a.encodeRegisterToMemory(buf, n)
	case OperandTypesRegisterList:
		err = a.encodeRegisterList(buf, n)
	case OperandTypesVFPRegisterList:
		err = a.encodeVFPRegisterList(buf, n)
	default:
		err = fmt.Errorf("encoder undefined for [%s] operand type", n.Types)
	}
	if err != nil {
		err = fmt.Errorf("%w: %s", err, n) // Ensure the error is debuggable by including the string value.
	}
	return
}

// Dump writes the node listing with offsets, in both the native and the Go
// assembler spelling, into w. Only meaningful after Assemble.
func (a *AssemblerImpl) Dump(w io.Writer) {
	for n := a.Root; n != nil; n = n.Next {
		_, _ = fmt.Fprintf(w, "%06x: %-48s ; %s\n", n.OffsetInBinaryField, n.String(), GoSyntax(n))
	}
}

// CompileStandAlone implements the same method as documented on asm.AssemblerBase.
func (a *AssemblerImpl) CompileStandAlone(instruction asm.Instruction) asm.Node {
	return a.newNode(instruction, OperandTypesNoneToNone)
}

// CompileData implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileData(value uint32) asm.Node {
	n := a.newNode(DATA, OperandTypesNoneToNone)
	n.SrcConst = int64(value)
	return n
}

// CompileJump implements the same method as documented on asm.AssemblerBase.
func (a *AssemblerImpl) CompileJump(jmpInstruction asm.Instruction) asm.Node {
	return a.newNode(jmpInstruction, OperandTypesNoneToBranch)
}

// CompileConditionalJump implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileConditionalJump(cond asm.ConditionalRegisterState) asm.Node {
	n := a.newNode(B, OperandTypesNoneToBranch)
	n.Cond = cond
	return n
}

// CompileJumpToRegister implements the same method as documented on asm.AssemblerBase.
func (a *AssemblerImpl) CompileJumpToRegister(jmpInstruction asm.Instruction, reg asm.Register) {
	n := a.newNode(jmpInstruction, OperandTypesNoneToRegister)
	n.DstReg = reg
}

// CompileAddressOf implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileAddressOf(target asm.Node, dst asm.Register) asm.Node {
	n := a.newNode(ADR, OperandTypesBranchToRegister)
	n.DstReg = dst
	if target != nil {
		n.JumpTarget = target.(*NodeImpl)
	}
	return n
}

// CompileConstToRegister implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileConstToRegister(
	instruction asm.Instruction,
	value asm.ConstantValue,
	destinationReg asm.Register,
) asm.Node {
	n := a.newNode(instruction, OperandTypesConstToRegister)
	n.SrcConst = value
	n.DstReg = destinationReg
	return n
}

// CompileConditionalConstToRegister implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileConditionalConstToRegister(
	cond asm.ConditionalRegisterState,
	value asm.ConstantValue,
	destinationReg asm.Register,
) asm.Node {
	n := a.newNode(MOV, OperandTypesConstToRegister)
	n.Cond = cond
	n.SrcConst = value
	n.DstReg = destinationReg
	return n
}

// CompileLoadConstant implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileLoadConstant(value asm.ConstantValue, destinationReg asm.Register) asm.Node {
	return a.CompileConstToRegister(LOADCONST, value, destinationReg)
}

// CompileRegisterToRegister implements the same method as documented on asm.AssemblerBase.
func (a *AssemblerImpl) CompileRegisterToRegister(instruction asm.Instruction, from, to asm.Register) {
	n := a.newNode(instruction, OperandTypesRegisterToRegister)
	n.SrcReg = from
	n.DstReg = to
}

// CompileRegisterAndConstToRegister implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileRegisterAndConstToRegister(
	instruction asm.Instruction,
	src asm.Register,
	value asm.ConstantValue,
	dst asm.Register,
) {
	n := a.newNode(instruction, OperandTypesRegisterAndConstToRegister)
	n.SrcReg = src
	n.SrcConst = value
	n.DstReg = dst
}

// CompileTwoRegistersToRegister implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileTwoRegistersToRegister(instruction asm.Instruction, src1, src2, dst asm.Register) {
	n := a.newNode(instruction, OperandTypesTwoRegistersToRegister)
	n.SrcReg = src1
	n.SrcReg2 = src2
	n.DstReg = dst
}

// CompileShiftedRegisterToRegister implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileShiftedRegisterToRegister(
	instruction asm.Instruction,
	src1, src2 asm.Register,
	shift ShiftType,
	amount int,
	dst asm.Register,
) {
	n := a.newNode(instruction, OperandTypesShiftedRegisterToRegister)
	n.SrcReg = src1
	n.SrcReg2 = src2
	n.Shift = shift
	n.ShiftAmount = amount
	n.DstReg = dst
}

// CompileRegisterShiftedByRegisterToRegister implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileRegisterShiftedByRegisterToRegister(
	instruction asm.Instruction,
	src1, src2 asm.Register,
	shift ShiftType,
	shiftReg, dst asm.Register,
) {
	n := a.newNode(instruction, OperandTypesRegisterShiftedByRegisterToRegister)
	n.SrcReg = src1
	n.SrcReg2 = src2
	n.Shift = shift
	n.ShiftReg = shiftReg
	n.DstReg = dst
}

// CompileTwoRegistersToNone implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileTwoRegistersToNone(instruction asm.Instruction, src1, src2 asm.Register) {
	n := a.newNode(instruction, OperandTypesTwoRegistersToNone)
	n.SrcReg = src1
	n.SrcReg2 = src2
}

// CompileShiftedRegisterToNone implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileShiftedRegisterToNone(instruction asm.Instruction, src1, src2 asm.Register, shift ShiftType, amount int) {
	n := a.newNode(instruction, OperandTypesShiftedRegisterToNone)
	n.SrcReg = src1
	n.SrcReg2 = src2
	n.Shift = shift
	n.ShiftAmount = amount
}

// CompileRegisterAndConstToNone implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileRegisterAndConstToNone(instruction asm.Instruction, src asm.Register, value asm.ConstantValue) {
	n := a.newNode(instruction, OperandTypesRegisterAndConstToNone)
	n.SrcReg = src
	n.SrcConst = value
}

// CompileTwoRegistersToTwoRegisters implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileTwoRegistersToTwoRegisters(instruction asm.Instruction, src1, src2, dstLo, dstHi asm.Register) {
	n := a.newNode(instruction, OperandTypesTwoRegistersToTwoRegisters)
	n.SrcReg = src1
	n.SrcReg2 = src2
	n.DstReg = dstLo
	n.DstReg2 = dstHi
}

// CompileFloatToTwoRegisters adds VMOV lo, hi, src.
func (a *AssemblerImpl) CompileFloatToTwoRegisters(src, dstLo, dstHi asm.Register) {
	n := a.newNode(VMOVRRD, OperandTypesRegisterToTwoRegisters)
	n.SrcReg = src
	n.DstReg = dstLo
	n.DstReg2 = dstHi
}

// CompileMemoryToRegister implements the same method as documented on asm.AssemblerBase.
func (a *AssemblerImpl) CompileMemoryToRegister(
	instruction asm.Instruction,
	sourceBaseReg asm.Register,
	sourceOffsetConst asm.ConstantValue,
	destinationReg asm.Register,
) {
	n := a.newNode(instruction, OperandTypesMemoryToRegister)
	n.SrcReg = sourceBaseReg
	n.SrcConst = sourceOffsetConst
	n.DstReg = destinationReg
}

// CompileMemoryWithRegisterOffsetToRegister implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileMemoryWithRegisterOffsetToRegister(
	instruction asm.Instruction,
	base, index asm.Register,
	shift int,
	dst asm.Register,
) {
	n := a.newNode(instruction, OperandTypesMemoryToRegister)
	n.SrcReg = base
	n.SrcReg2 = index
	n.ShiftAmount = shift
	n.DstReg = dst
}

// CompileRegisterToMemory implements the same method as documented on asm.AssemblerBase.
func (a *AssemblerImpl) CompileRegisterToMemory(
	instruction asm.Instruction,
	sourceRegister, destinationBaseRegister asm.Register,
	destinationOffsetConst asm.ConstantValue,
) {
	n := a.newNode(instruction, OperandTypesRegisterToMemory)
	n.SrcReg = sourceRegister
	n.DstReg = destinationBaseRegister
	n.DstConst = destinationOffsetConst
}

// CompileRegisterToMemoryWithRegisterOffset implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileRegisterToMemoryWithRegisterOffset(
	instruction asm.Instruction,
	src, base, index asm.Register,
	shift int,
) {
	n := a.newNode(instruction, OperandTypesRegisterToMemory)
	n.SrcReg = src
	n.DstReg = base
	n.DstReg2 = index
	n.ShiftAmount = shift
}

// CompileRegisterList implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileRegisterList(instruction asm.Instruction, base asm.Register, list RegisterList) {
	n := a.newNode(instruction, OperandTypesRegisterList)
	n.SrcReg = base
	n.RegList = list
}

// CompileVFPRegisterList implements the same method as documented on Assembler.
func (a *AssemblerImpl) CompileVFPRegisterList(instruction asm.Instruction, base, first asm.Register, count int) {
	n := a.newNode(instruction, OperandTypesVFPRegisterList)
	n.SrcReg = base
	n.DstReg = first
	n.RegCount = count
}

var errNotEncodable = errors.New("operand not encodable")

func (a *AssemblerImpl) encodeNoneToNone(buf asm.Buffer, n *NodeImpl) error {
	cond := condBits(n.Cond)
	switch n.Instruction {
	case NOP:
		buf.WriteUint32(cond<<28 | 0x0320f000)
	case BKPT:
		imm := uint32(n.SrcConst)
		if imm > 0xffff {
			return errNotEncodable
		}
		buf.WriteUint32(0xe1200070 | (imm>>4)<<8 | imm&0xf)
	case VMRS:
		buf.WriteUint32(cond<<28 | 0x0ef1fa10)
	case DATA:
		buf.WriteUint32(uint32(n.SrcConst))
	default:
		return errors.New("unsupported instruction")
	}
	return nil
}

func (a *AssemblerImpl) encodeJumpToRegister(buf asm.Buffer, n *NodeImpl) error {
	if !IsCoreRegister(n.DstReg) {
		return errors.New("target must be a core register")
	}
	cond := condBits(n.Cond)
	rm := RegisterNumber(n.DstReg)
	switch n.Instruction {
	case BX:
		buf.WriteUint32(cond<<28 | 0x012fff10 | rm)
	case BLX:
		buf.WriteUint32(cond<<28 | 0x012fff30 | rm)
	default:
		return errors.New("unsupported instruction")
	}
	return nil
}

// encodeRelativeBranchPlaceholder reserves the words of a branch. The final
// words are written by resolveRelativeNodes.
func (a *AssemblerImpl) encodeRelativeBranchPlaceholder(buf asm.Buffer, n *NodeImpl) {
	words := 1
	if n.Long {
		words = longBranchWords(n.Cond)
	}
	for i := 0; i < words; i++ {
		buf.WriteUint32(0)
	}
}

func (a *AssemblerImpl) encodeConstToRegister(buf asm.Buffer, n *NodeImpl) error {
	if !IsCoreRegister(n.DstReg) {
		return errors.New("destination must be a core register")
	}
	cond := condBits(n.Cond)
	rd := RegisterNumber(n.DstReg)
	switch n.Instruction {
	case MOVW, MOVT:
		if n.SrcConst < 0 || n.SrcConst > 0xffff {
			return errNotEncodable
		}
		buf.WriteUint32(encodeMovw(cond, n.Instruction, rd, uint32(n.SrcConst)))
	case MOV, MVN:
		imm, ok := EncodeImmediate(uint32(n.SrcConst))
		if !ok {
			return errNotEncodable
		}
		op := uint32(dpMOV)
		if n.Instruction == MVN {
			op = dpMVN
		}
		buf.WriteUint32(encodeDataProcessingImm(cond, op, false, 0, rd, imm))
	case LOADCONST:
		for _, w := range encodeLoadConstant(cond, rd, uint32(n.SrcConst)) {
			buf.WriteUint32(w)
		}
	default:
		return errors.New("unsupported instruction")
	}
	return nil
}

func (a *AssemblerImpl) encodeRegisterToRegister(buf asm.Buffer, n *NodeImpl) error {
	cond := condBits(n.Cond)
	src, dst := n.SrcReg, n.DstReg
	switch n.Instruction {
	case MOV, MVN:
		if !IsCoreRegister(src) || !IsCoreRegister(dst) {
			return errors.New("operands must be core registers")
		}
		op := uint32(dpMOV)
		if n.Instruction == MVN {
			op = dpMVN
		}
		buf.WriteUint32(encodeDataProcessingReg(cond, op, false, 0, RegisterNumber(dst), RegisterNumber(src), SHIFT_LSL, 0))
	case VMOV, VNEG, VABS, VSQRT:
		if !IsDoubleRegister(src) || !IsDoubleRegister(dst) {
			return errors.New("operands must be double registers")
		}
		var base uint32
		switch n.Instruction {
		case VMOV:
			base = 0x0eb00b40
		case VNEG:
			base = 0x0eb10b40
		case VABS:
			base = 0x0eb00bc0
		case VSQRT:
			base = 0x0eb10bc0
		}
		buf.WriteUint32(cond<<28 | base | RegisterNumber(dst)<<12 | RegisterNumber(src))
	case VMOVSR:
		if !IsCoreRegister(src) || !IsSingleRegister(dst) {
			return errors.New("VMOVSR moves a core register into a single register")
		}
		sn := RegisterNumber(dst)
		buf.WriteUint32(cond<<28 | 0x0e000a10 | (sn>>1)<<16 | RegisterNumber(src)<<12 | (sn&1)<<7)
	case VMOVRS:
		if !IsSingleRegister(src) || !IsCoreRegister(dst) {
			return errors.New("VMOVRS moves a single register into a core register")
		}
		sn := RegisterNumber(src)
		buf.WriteUint32(cond<<28 | 0x0e100a10 | (sn>>1)<<16 | RegisterNumber(dst)<<12 | (sn&1)<<7)
	case VCVTIF, VCVTSD:
		if !IsDoubleRegister(src) || !IsSingleRegister(dst) {
			return errors.New("conversion from a double register into a single register")
		}
		base := uint32(0x0ebd0bc0)
		if n.Instruction == VCVTSD {
			base = 0x0eb70bc0
		}
		sd := RegisterNumber(dst)
		buf.WriteUint32(cond<<28 | base | (sd&1)<<22 | (sd>>1)<<12 | RegisterNumber(src))
	case VCVTFI, VCVTDS:
		if !IsSingleRegister(src) || !IsDoubleRegister(dst) {
			return errors.New("conversion from a single register into a double register")
		}
		base := uint32(0x0eb80bc0)
		if n.Instruction == VCVTDS {
			base = 0x0eb70ac0
		}
		sm := RegisterNumber(src)
		buf.WriteUint32(cond<<28 | base | RegisterNumber(dst)<<12 | (sm&1)<<5 | sm>>1)
	default:
		return errors.New("unsupported instruction")
	}
	return nil
}

func (a *AssemblerImpl) encodeRegisterAndConstToRegister(buf asm.Buffer, n *NodeImpl) error {
	if !IsCoreRegister(n.SrcReg) || !IsCoreRegister(n.DstReg) {
		return errors.New("operands must be core registers")
	}
	cond := condBits(n.Cond)
	rn, rd := RegisterNumber(n.SrcReg), RegisterNumber(n.DstReg)
	switch n.Instruction {
	case LSL, LSR, ASR:
		shift := shiftTypeOf(n.Instruction)
		w, err := encodeShiftedOperand(cond, dpMOV, false, 0, rd, rn, shift, n.SrcConst)
		if err != nil {
			return err
		}
		buf.WriteUint32(w)
		return nil
	}
	op, s, ok := dataProcessingOpcode(n.Instruction)
	if !ok || op == dpCMP || op == dpCMN || op == dpTST || op == dpTEQ {
		return errors.New("unsupported instruction")
	}
	imm, ok := EncodeImmediate(uint32(n.SrcConst))
	if !ok {
		return errNotEncodable
	}
	buf.WriteUint32(encodeDataProcessingImm(cond, op, s, rn, rd, imm))
	return nil
}

func (a *AssemblerImpl) encodeTwoRegistersToRegister(buf asm.Buffer, n *NodeImpl) error {
	cond := condBits(n.Cond)
	src1, src2, dst := n.SrcReg, n.SrcReg2, n.DstReg
	switch n.Instruction {
	case VADD, VSUB, VMUL, VDIV:
		if !IsDoubleRegister(src1) || !IsDoubleRegister(src2) || !IsDoubleRegister(dst) {
			return errors.New("operands must be double registers")
		}
		var base uint32
		switch n.Instruction {
		case VADD:
			base = 0x0e300b00
		case VSUB:
			base = 0x0e300b40
		case VMUL:
			base = 0x0e200b00
		case VDIV:
			base = 0x0e800b00
		}
		buf.WriteUint32(cond<<28 | base | RegisterNumber(src1)<<16 | RegisterNumber(dst)<<12 | RegisterNumber(src2))
		return nil
	case VMOVDRR:
		if !IsCoreRegister(src1) || !IsCoreRegister(src2) || !IsDoubleRegister(dst) {
			return errors.New("VMOVDRR moves two core registers into a double register")
		}
		buf.WriteUint32(cond<<28 | 0x0c400b10 | RegisterNumber(src2)<<16 | RegisterNumber(src1)<<12 | RegisterNumber(dst))
		return nil
	}

	if !IsCoreRegister(src1) || !IsCoreRegister(src2) || !IsCoreRegister(dst) {
		return errors.New("operands must be core registers")
	}
	rn, rm, rd := RegisterNumber(src1), RegisterNumber(src2), RegisterNumber(dst)
	switch n.Instruction {
	case MUL:
		buf.WriteUint32(cond<<28 | rd<<16 | rm<<8 | 0x90 | rn)
	case LSL, LSR, ASR:
		buf.WriteUint32(encodeDataProcessingRegShiftReg(cond, dpMOV, false, 0, rd, rn, shiftTypeOf(n.Instruction), rm))
	default:
		op, s, ok := dataProcessingOpcode(n.Instruction)
		if !ok || op == dpCMP || op == dpCMN || op == dpTST || op == dpTEQ {
			return errors.New("unsupported instruction")
		}
		buf.WriteUint32(encodeDataProcessingReg(cond, op, s, rn, rd, rm, SHIFT_LSL, 0))
	}
	return nil
}

func (a *AssemblerImpl) encodeShiftedRegister(buf asm.Buffer, n *NodeImpl) error {
	op, s, ok := dataProcessingOpcode(n.Instruction)
	if !ok {
		return errors.New("unsupported instruction")
	}
	var rn, rd uint32
	if n.SrcReg != asm.NilRegister {
		if !IsCoreRegister(n.SrcReg) {
			return errors.New("operands must be core registers")
		}
		rn = RegisterNumber(n.SrcReg)
	}
	if n.Types == OperandTypesShiftedRegisterToRegister {
		if !IsCoreRegister(n.DstReg) {
			return errors.New("operands must be core registers")
		}
		rd = RegisterNumber(n.DstReg)
	}
	if !IsCoreRegister(n.SrcReg2) {
		return errors.New("operands must be core registers")
	}
	w, err := encodeShiftedOperand(condBits(n.Cond), op, s, rn, rd, RegisterNumber(n.SrcReg2), n.Shift, int64(n.ShiftAmount))
	if err != nil {
		return err
	}
	buf.WriteUint32(w)
	return nil
}

func (a *AssemblerImpl) encodeRegisterShiftedByRegister(buf asm.Buffer, n *NodeImpl) error {
	op, s, ok := dataProcessingOpcode(n.Instruction)
	if !ok {
		return errors.New("unsupported instruction")
	}
	var rn uint32
	if n.SrcReg != asm.NilRegister {
		rn = RegisterNumber(n.SrcReg)
	}
	if !IsCoreRegister(n.SrcReg2) || !IsCoreRegister(n.ShiftReg) || !IsCoreRegister(n.DstReg) {
		return errors.New("operands must be core registers")
	}
	buf.WriteUint32(encodeDataProcessingRegShiftReg(condBits(n.Cond), op, s, rn,
		RegisterNumber(n.DstReg), RegisterNumber(n.SrcReg2), n.Shift, RegisterNumber(n.ShiftReg)))
	return nil
}

func (a *AssemblerImpl) encodeTwoRegistersToNone(buf asm.Buffer, n *NodeImpl) error {
	cond := condBits(n.Cond)
	if n.Instruction == VCMP {
		if !IsDoubleRegister(n.SrcReg) || !IsDoubleRegister(n.SrcReg2) {
			return errors.New("operands must be double registers")
		}
		buf.WriteUint32(cond<<28 | 0x0eb40b40 | RegisterNumber(n.SrcReg)<<12 | RegisterNumber(n.SrcReg2))
		return nil
	}
	op, _, ok := dataProcessingOpcode(n.Instruction)
	if !ok || (op != dpCMP && op != dpCMN && op != dpTST && op != dpTEQ) {
		return errors.New("unsupported instruction")
	}
	if !IsCoreRegister(n.SrcReg) || !IsCoreRegister(n.SrcReg2) {
		return errors.New("operands must be core registers")
	}
	buf.WriteUint32(encodeDataProcessingReg(cond, op, true, RegisterNumber(n.SrcReg), 0, RegisterNumber(n.SrcReg2), SHIFT_LSL, 0))
	return nil
}

func (a *AssemblerImpl) encodeRegisterAndConstToNone(buf asm.Buffer, n *NodeImpl) error {
	op, _, ok := dataProcessingOpcode(n.Instruction)
	if !ok || (op != dpCMP && op != dpCMN && op != dpTST && op != dpTEQ) {
		return errors.New("unsupported instruction")
	}
	if !IsCoreRegister(n.SrcReg) {
		return errors.New("operand must be a core register")
	}
	imm, ok := EncodeImmediate(uint32(n.SrcConst))
	if !ok {
		return errNotEncodable
	}
	buf.WriteUint32(encodeDataProcessingImm(condBits(n.Cond), op, true, RegisterNumber(n.SrcReg), 0, imm))
	return nil
}

func (a *AssemblerImpl) encodeTwoRegistersToTwoRegisters(buf asm.Buffer, n *NodeImpl) error {
	for _, r := range []asm.Register{n.SrcReg, n.SrcReg2, n.DstReg, n.DstReg2} {
		if !IsCoreRegister(r) {
			return errors.New("operands must be core registers")
		}
	}
	var base uint32
	switch n.Instruction {
	case SMULL:
		base = 0x00c00090
	case UMULL:
		base = 0x00800090
	default:
		return errors.New("unsupported instruction")
	}
	if n.DstReg == n.DstReg2 {
		return errors.New("destination registers must differ")
	}
	buf.WriteUint32(condBits(n.Cond)<<28 | base | RegisterNumber(n.DstReg2)<<16 | RegisterNumber(n.DstReg)<<12 |
		RegisterNumber(n.SrcReg2)<<8 | RegisterNumber(n.SrcReg))
	return nil
}

func (a *AssemblerImpl) encodeRegisterToTwoRegisters(buf asm.Buffer, n *NodeImpl) error {
	if n.Instruction != VMOVRRD {
		return errors.New("unsupported instruction")
	}
	if !IsDoubleRegister(n.SrcReg) || !IsCoreRegister(n.DstReg) || !IsCoreRegister(n.DstReg2) {
		return errors.New("VMOVRRD moves a double register into two core registers")
	}
	if n.DstReg == n.DstReg2 {
		return errors.New("destination registers must differ")
	}
	buf.WriteUint32(condBits(n.Cond)<<28 | 0x0c500b10 | RegisterNumber(n.DstReg2)<<16 | RegisterNumber(n.DstReg)<<12 |
		RegisterNumber(n.SrcReg))
	return nil
}

func (a *AssemblerImpl) encodeMemoryToRegister(buf asm.Buffer, n *NodeImpl) error {
	w, err := encodeMemoryAccess(condBits(n.Cond), n.Instruction, n.DstReg, n.SrcReg, n.SrcReg2, n.SrcConst, n.ShiftAmount)
	if err != nil {
		return err
	}
	buf.WriteUint32(w)
	return nil
}

func (a *AssemblerImpl) encodeRegisterToMemory(buf asm.Buffer, n *NodeImpl) error {
	w, err := encodeMemoryAccess(condBits(n.Cond), n.Instruction, n.SrcReg, n.DstReg, n.DstReg2, n.DstConst, n.ShiftAmount)
	if err != nil {
		return err
	}
	buf.WriteUint32(w)
	return nil
}

func (a *AssemblerImpl) encodeRegisterList(buf asm.Buffer, n *NodeImpl) error {
	if n.RegList == 0 {
		return errors.New("empty register list")
	}
	cond := condBits(n.Cond)
	list := uint32(n.RegList)
	switch n.Instruction {
	case PUSH, POP:
		if single, ok := singleRegister(n.RegList); ok {
			if n.Instruction == PUSH {
				// STR rt, [sp, #-4]!
				buf.WriteUint32(cond<<28 | 0x052d0004 | single<<12)
			} else {
				// LDR rt, [sp], #4
				buf.WriteUint32(cond<<28 | 0x049d0004 | single<<12)
			}
			return nil
		}
		if n.Instruction == PUSH {
			buf.WriteUint32(cond<<28 | 0x092d0000 | list)
		} else {
			buf.WriteUint32(cond<<28 | 0x08bd0000 | list)
		}
	case STM, LDM:
		if !IsCoreRegister(n.SrcReg) {
			return errors.New("base must be a core register")
		}
		base := uint32(0x08800000)
		if n.Instruction == LDM {
			base = 0x08900000
		}
		buf.WriteUint32(cond<<28 | base | RegisterNumber(n.SrcReg)<<16 | list)
	default:
		return errors.New("unsupported instruction")
	}
	return nil
}

func (a *AssemblerImpl) encodeVFPRegisterList(buf asm.Buffer, n *NodeImpl) error {
	if !IsDoubleRegister(n.DstReg) || n.RegCount < 1 || int(RegisterNumber(n.DstReg))+n.RegCount > 16 {
		return errors.New("invalid double register range")
	}
	cond := condBits(n.Cond)
	imm := uint32(2 * n.RegCount)
	vd := RegisterNumber(n.DstReg)
	switch n.Instruction {
	case VPUSH:
		buf.WriteUint32(cond<<28 | 0x0d2d0b00 | vd<<12 | imm)
	case VPOP:
		buf.WriteUint32(cond<<28 | 0x0cbd0b00 | vd<<12 | imm)
	case VSTM, VLDM:
		if !IsCoreRegister(n.SrcReg) {
			return errors.New("base must be a core register")
		}
		base := uint32(0x0c800b00)
		if n.Instruction == VLDM {
			base = 0x0c900b00
		}
		buf.WriteUint32(cond<<28 | base | RegisterNumber(n.SrcReg)<<16 | vd<<12 | imm)
	default:
		return errors.New("unsupported instruction")
	}
	return nil
}

func singleRegister(l RegisterList) (uint32, bool) {
	if l == 0 || l&(l-1) != 0 {
		return 0, false
	}
	for i := uint32(0); i < 16; i++ {
		if l == 1<<i {
			return i, true
		}
	}
	return 0, false
}

func shiftTypeOf(instruction asm.Instruction) ShiftType {
	switch instruction {
	case LSR:
		return SHIFT_LSR
	case ASR:
		return SHIFT_ASR
	default:
		return SHIFT_LSL
	}
}
