package trace

import (
	"fmt"
	"strings"
)

// Op is one operation of a trace. Ops are not modified once handed to the backend.
type Op struct {
	Opcode Opcode
	Args   []Value
	// Result is nil for operations without a result.
	Result *Box
	Descr  Descr
	// FailArgs is the state a guard must preserve. Nil entries are holes.
	FailArgs []*Box
}

// NewOp returns an operation.
func NewOp(opcode Opcode, result *Box, descr Descr, args ...Value) *Op {
	return &Op{Opcode: opcode, Args: args, Result: result, Descr: descr}
}

// NewGuard returns a guard with the given fail args.
func NewGuard(opcode Opcode, descr *FailDescr, failArgs []*Box, args ...Value) *Op {
	return &Op{Opcode: opcode, Args: args, Descr: descr, FailArgs: failArgs}
}

// Arg returns the i-th argument.
func (o *Op) Arg(i int) Value { return o.Args[i] }

// NumArgs returns the number of arguments.
func (o *Op) NumArgs() int { return len(o.Args) }

// FailDescr returns the fail descr of a guard or finish.
func (o *Op) FailDescr() *FailDescr {
	d, _ := o.Descr.(*FailDescr)
	return d
}

// CallDescr returns the descr of a call.
func (o *Op) CallDescr() *CallDescr {
	d, _ := o.Descr.(*CallDescr)
	return d
}

// Validate checks the operation is well formed.
func (o *Op) Validate() error {
	if !o.Opcode.Valid() {
		return fmt.Errorf("invalid opcode %d", o.Opcode)
	}
	if a := o.Opcode.Arity(); a >= 0 && a != len(o.Args) {
		return fmt.Errorf("%s takes %d arguments, got %d", o.Opcode, a, len(o.Args))
	}
	for i, arg := range o.Args {
		if arg == nil {
			return fmt.Errorf("%s: argument %d is nil", o.Opcode, i)
		}
	}
	if o.Opcode.IsGuard() {
		if o.FailDescr() == nil {
			return fmt.Errorf("%s without fail descr", o.Opcode)
		}
	} else if o.FailArgs != nil {
		return fmt.Errorf("%s is not a guard but has fail args", o.Opcode)
	}
	switch o.Opcode {
	case OpcodeFinish:
		if o.FailDescr() == nil {
			return fmt.Errorf("finish without fail descr")
		}
	case OpcodeLabel, OpcodeJump:
		if _, ok := o.Descr.(*TargetToken); !ok {
			return fmt.Errorf("%s without target token", o.Opcode)
		}
	case OpcodeCall, OpcodeCallMayForce, OpcodeCallReleaseGIL, OpcodeCallMallocGC:
		d := o.CallDescr()
		if d == nil {
			return fmt.Errorf("%s without call descr", o.Opcode)
		}
		if len(o.Args) != len(d.Args)+1 {
			return fmt.Errorf("%s: descr has %d arguments, got %d", o.Opcode, len(d.Args), len(o.Args)-1)
		}
	case OpcodeCallAssembler:
		d, ok := o.Descr.(*CallAssemblerDescr)
		if !ok || d.Loop == nil {
			return fmt.Errorf("call_assembler without loop")
		}
		if (o.Result == nil) != (d.Result == ArgVoid) {
			return fmt.Errorf("call_assembler result does not match %s", d)
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (o *Op) String() string {
	var b strings.Builder
	if o.Result != nil {
		b.WriteString(o.Result.String())
		b.WriteString(" = ")
	}
	b.WriteString(o.Opcode.String())
	b.WriteString("(")
	for i, a := range o.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
	if o.Descr != nil {
		if len(o.Args) > 0 {
			b.WriteString(", ")
		}
		b.WriteString("descr=")
		b.WriteString(o.Descr.String())
	}
	b.WriteString(")")
	if o.FailArgs != nil {
		b.WriteString(" [")
		for i, a := range o.FailArgs {
			if i > 0 {
				b.WriteString(", ")
			}
			if a == nil {
				b.WriteString("None")
			} else {
				b.WriteString(a.String())
			}
		}
		b.WriteString("]")
	}
	return b.String()
}

// Format returns the listing of a trace, one operation per line.
func Format(ops []*Op) string {
	var b strings.Builder
	for _, o := range ops {
		b.WriteString(o.String())
		b.WriteByte('\n')
	}
	return b.String()
}
