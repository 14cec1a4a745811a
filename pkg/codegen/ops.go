package codegen

import (
	"github.com/chazu/kayton/pkg/bytecode"
	"github.com/chazu/kayton/pkg/ir"
	"github.com/chazu/kayton/pkg/value"
	"github.com/chazu/kayton/vm"
)

var genericOps = map[ir.Op]bytecode.Opcode{
	ir.OpAdd: bytecode.OpAdd,
	ir.OpSub: bytecode.OpSub,
	ir.OpMul: bytecode.OpMul,
	ir.OpDiv: bytecode.OpDiv,
	ir.OpMod: bytecode.OpMod,
	ir.OpEq:  bytecode.OpEq,
	ir.OpNe:  bytecode.OpNe,
	ir.OpLt:  bytecode.OpLt,
	ir.OpLe:  bytecode.OpLe,
	ir.OpGt:  bytecode.OpGt,
	ir.OpGe:  bytecode.OpGe,
}

// Binary applies op with the interpreter's semantics.
func Binary(op ir.Op, a, b value.Value) (value.Value, error) {
	code, ok := genericOps[op]
	if !ok {
		return value.Unit(), &vm.Fault{Code: vm.FaultTypeMismatch, Msg: op.String() + " is not a binary operation"}
	}
	return vm.Binary(code, a, b)
}

// IntBinary applies op to operands proven Int. Division and remainder
// share the generic path so the zero check stays in one place.
func IntBinary(op ir.Op, a, b value.Value) (value.Value, error) {
	if a.Kind() != value.KindInt || b.Kind() != value.KindInt {
		return Binary(op, a, b)
	}
	x, y := a.RawInt(), b.RawInt()
	switch op {
	case ir.OpAdd:
		return value.Int(x + y), nil
	case ir.OpSub:
		return value.Int(x - y), nil
	case ir.OpMul:
		return value.Int(x * y), nil
	case ir.OpEq:
		return value.Bool(x == y), nil
	case ir.OpNe:
		return value.Bool(x != y), nil
	case ir.OpLt:
		return value.Bool(x < y), nil
	case ir.OpLe:
		return value.Bool(x <= y), nil
	case ir.OpGt:
		return value.Bool(x > y), nil
	case ir.OpGe:
		return value.Bool(x >= y), nil
	}
	return Binary(op, a, b)
}

// Unary applies neg or not.
func Unary(op ir.Op, a value.Value) (value.Value, error) {
	switch op {
	case ir.OpNot:
		return vm.Unary(bytecode.OpNot, a)
	case ir.OpNeg:
		return vm.Unary(bytecode.OpNeg, a)
	}
	return value.Unit(), &vm.Fault{Code: vm.FaultTypeMismatch, Msg: op.String() + " is not a unary operation"}
}

// Truth reads a branch condition.
func Truth(v value.Value) (bool, error) {
	b, ok := v.AsBool()
	if !ok {
		return false, &vm.Fault{Code: vm.FaultTypeMismatch, Msg: "condition is " + v.TypeName() + ", not Bool"}
	}
	return b, nil
}
