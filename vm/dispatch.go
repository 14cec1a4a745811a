package vm

import (
	"github.com/chazu/kayton/pkg/bytecode"
	"github.com/chazu/kayton/pkg/value"
)

// ---------------------------------------------------------------------------
// Kind-indexed dispatch tables for generic operations
// ---------------------------------------------------------------------------

// binaryFn implements one generic operation for one pair of operand kinds.
// A nonzero FaultCode reports failure.
type binaryFn func(a, b value.Value) (value.Value, FaultCode)

type binaryTable [value.NumKinds][value.NumKinds]binaryFn

type unaryTable [value.NumKinds]func(a value.Value) value.Value

var (
	addTable, subTable, mulTable, divTable, modTable binaryTable
	ltTable, leTable, gtTable, geTable               binaryTable
	negTable                                         unaryTable
)

// binaryTables is indexed by opcode. Specialized Int opcodes share the
// table of their generic counterpart; the interpreter checks kinds first.
var binaryTables [256]*binaryTable

func intOp(f func(a, b int64) int64) binaryFn {
	return func(a, b value.Value) (value.Value, FaultCode) {
		return value.Int(f(a.RawInt(), b.RawInt())), 0
	}
}

func intDivOp(f func(a, b int64) int64) binaryFn {
	return func(a, b value.Value) (value.Value, FaultCode) {
		if b.RawInt() == 0 {
			return value.Unit(), FaultDivideByZero
		}
		return value.Int(f(a.RawInt(), b.RawInt())), 0
	}
}

func intCmp(f func(a, b int64) bool) binaryFn {
	return func(a, b value.Value) (value.Value, FaultCode) {
		return value.Bool(f(a.RawInt(), b.RawInt())), 0
	}
}

func strCmp(f func(a, b string) bool) binaryFn {
	return func(a, b value.Value) (value.Value, FaultCode) {
		return value.Bool(f(a.RawString(), b.RawString())), 0
	}
}

func init() {
	const i, s, by = value.KindInt, value.KindString, value.KindBytes

	addTable[i][i] = intOp(func(a, b int64) int64 { return a + b })
	addTable[s][s] = func(a, b value.Value) (value.Value, FaultCode) {
		return value.String(a.RawString() + b.RawString()), 0
	}
	addTable[by][by] = func(a, b value.Value) (value.Value, FaultCode) {
		x, _ := a.AsBytes()
		y, _ := b.AsBytes()
		out := make([]byte, 0, len(x)+len(y))
		return value.Bytes(append(append(out, x...), y...)), 0
	}
	subTable[i][i] = intOp(func(a, b int64) int64 { return a - b })
	mulTable[i][i] = intOp(func(a, b int64) int64 { return a * b })
	divTable[i][i] = intDivOp(func(a, b int64) int64 { return a / b })
	modTable[i][i] = intDivOp(func(a, b int64) int64 { return a % b })

	ltTable[i][i] = intCmp(func(a, b int64) bool { return a < b })
	leTable[i][i] = intCmp(func(a, b int64) bool { return a <= b })
	gtTable[i][i] = intCmp(func(a, b int64) bool { return a > b })
	geTable[i][i] = intCmp(func(a, b int64) bool { return a >= b })
	ltTable[s][s] = strCmp(func(a, b string) bool { return a < b })
	leTable[s][s] = strCmp(func(a, b string) bool { return a <= b })
	gtTable[s][s] = strCmp(func(a, b string) bool { return a > b })
	geTable[s][s] = strCmp(func(a, b string) bool { return a >= b })

	negTable[i] = func(a value.Value) value.Value { return value.Int(-a.RawInt()) }

	for op, t := range map[bytecode.Opcode]*binaryTable{
		bytecode.OpAdd: &addTable, bytecode.OpAddInt: &addTable,
		bytecode.OpSub: &subTable, bytecode.OpSubInt: &subTable,
		bytecode.OpMul: &mulTable, bytecode.OpMulInt: &mulTable,
		bytecode.OpDiv: &divTable, bytecode.OpDivInt: &divTable,
		bytecode.OpMod: &modTable, bytecode.OpModInt: &modTable,
		bytecode.OpLt: &ltTable, bytecode.OpLtInt: &ltTable,
		bytecode.OpLe: &leTable, bytecode.OpLeInt: &leTable,
		bytecode.OpGt: &gtTable, bytecode.OpGtInt: &gtTable,
		bytecode.OpGe: &geTable, bytecode.OpGeInt: &geTable,
	} {
		binaryTables[op] = t
	}
}

// Binary applies a generic binary opcode to a pair of values. Native units
// use it for operations on unproven operands so both execution paths agree.
func Binary(op bytecode.Opcode, a, b value.Value) (value.Value, error) {
	switch op {
	case bytecode.OpEq, bytecode.OpEqInt:
		return value.Bool(value.Equal(a, b)), nil
	case bytecode.OpNe, bytecode.OpNeInt:
		return value.Bool(!value.Equal(a, b)), nil
	}
	t := binaryTables[op]
	if t == nil {
		return value.Unit(), &Fault{Code: FaultTypeMismatch, Msg: op.String() + " is not a binary operation"}
	}
	fn := t[a.Kind()][b.Kind()]
	if fn == nil {
		return value.Unit(), operandFault(op, a, b)
	}
	v, code := fn(a, b)
	if code != 0 {
		return value.Unit(), &Fault{Code: code, Msg: op.String()}
	}
	return v, nil
}

// Unary applies NEG or NOT.
func Unary(op bytecode.Opcode, a value.Value) (value.Value, error) {
	switch op {
	case bytecode.OpNot:
		b, ok := a.AsBool()
		if !ok {
			return value.Unit(), &Fault{Code: FaultTypeMismatch, Msg: "NOT on " + a.TypeName()}
		}
		return value.Bool(!b), nil
	case bytecode.OpNeg, bytecode.OpNegInt:
		if fn := negTable[a.Kind()]; fn != nil {
			return fn(a), nil
		}
		return value.Unit(), &Fault{Code: FaultTypeMismatch, Msg: "NEG on " + a.TypeName()}
	}
	return value.Unit(), &Fault{Code: FaultTypeMismatch, Msg: op.String() + " is not a unary operation"}
}

func operandFault(op bytecode.Opcode, a, b value.Value) *Fault {
	return &Fault{Code: FaultTypeMismatch, Msg: op.String() + " on " + a.TypeName() + " and " + b.TypeName()}
}
