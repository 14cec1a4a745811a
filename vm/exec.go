package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/kayton/pkg/bytecode"
	"github.com/chazu/kayton/pkg/value"
)

// ---------------------------------------------------------------------------
// Execution context: one per Run
// ---------------------------------------------------------------------------

// frame is the state of one function activation. Locals occupy
// stack[bp:sb]; the operand stack grows from sb up to limit.
type frame struct {
	fn    int
	ip    int
	bp    int
	sb    int
	limit int
}

type execution struct {
	vm     *VM
	host   Host
	stack  []value.Value
	frames []frame
	at     int // offset of the instruction being executed
}

func (x *execution) fault(code FaultCode, format string, args ...any) {
	f := &Fault{Code: code, Msg: fmt.Sprintf(format, args...), Offset: x.at}
	if n := len(x.frames); n > 0 {
		f.Function = x.vm.mod.Functions[x.frames[n-1].fn].Name
	}
	panic(f)
}

func (x *execution) top() *frame { return &x.frames[len(x.frames)-1] }

func (x *execution) push(v value.Value) {
	if len(x.stack) >= x.top().limit {
		x.fault(FaultStackOverflow, "operand stack exceeds %d", x.top().limit-x.top().sb)
	}
	x.stack = append(x.stack, v)
}

func (x *execution) pop() value.Value {
	if len(x.stack) <= x.top().sb {
		x.fault(FaultStackUnderflow, "pop on empty operand stack")
	}
	v := x.stack[len(x.stack)-1]
	x.stack = x.stack[:len(x.stack)-1]
	return v
}

// popArgs removes the top n values and returns them in push order.
func (x *execution) popArgs(n int) []value.Value {
	if len(x.stack)-n < x.top().sb {
		x.fault(FaultStackUnderflow, "%d arguments with %d on stack", n, len(x.stack)-x.top().sb)
	}
	args := make([]value.Value, n)
	copy(args, x.stack[len(x.stack)-n:])
	x.stack = x.stack[:len(x.stack)-n]
	return args
}

// enter activates function fn whose argc arguments are already on the
// stack.
func (x *execution) enter(fn, argc int) {
	if len(x.frames) >= x.vm.maxFrames {
		x.fault(FaultCallDepth, "call depth exceeds %d", x.vm.maxFrames)
	}
	f := x.vm.mod.Functions[fn]
	bp := len(x.stack) - argc
	for i := argc; i < int(f.Locals); i++ {
		x.stack = append(x.stack, value.Unit())
	}
	sb := bp + int(f.Locals)
	limit := sb + int(f.MaxStack)
	if f.MaxStack == 0 {
		limit = sb + bytecode.MaxStackDepth
	}
	x.frames = append(x.frames, frame{fn: fn, ip: int(f.Offset), bp: bp, sb: sb, limit: limit})
}

func (x *execution) u16(at int) int { return int(binary.BigEndian.Uint16(x.vm.mod.Code[at:])) }
func (x *execution) u32(at int) int { return int(binary.BigEndian.Uint32(x.vm.mod.Code[at:])) }

func (x *execution) callHost(what string, call func(Host) (value.Value, error)) value.Value {
	if x.host == nil {
		x.fault(FaultHostFailure, "%s: no host context", what)
	}
	v, err := call(x.host)
	if err != nil {
		f := &Fault{Code: FaultHostFailure, Msg: what, Offset: x.at, Cause: err}
		f.Function = x.vm.mod.Functions[x.top().fn].Name
		panic(f)
	}
	return v
}

// invoke calls a module function by index with args already popped.
func (x *execution) invoke(fn int, args []value.Value) {
	if want := int(x.vm.mod.Functions[fn].Params); want != len(args) {
		x.fault(FaultArityMismatch, "%s expects %d arguments, got %d",
			x.vm.mod.Functions[fn].Name, want, len(args))
	}
	x.stack = append(x.stack, args...)
	x.enter(fn, len(args))
}

// ---------------------------------------------------------------------------
// Main interpreter loop
// ---------------------------------------------------------------------------

func (x *execution) run() value.Value {
	mod := x.vm.mod
	code := mod.Code
	for {
		fr := x.top()
		start, end := int(mod.Functions[fr.fn].Offset), mod.FunctionEnd(fr.fn)
		if fr.ip < start || fr.ip >= end {
			x.fault(FaultBadJump, "ip %d outside function [%d, %d)", fr.ip, start, end)
		}
		x.at = fr.ip
		op := bytecode.Opcode(code[fr.ip])
		fr.ip += op.InstructionLen()

		switch op {
		// --- Stack operations ---
		case bytecode.OpNop:

		case bytecode.OpPop:
			x.pop()

		case bytecode.OpDup:
			v := x.pop()
			x.push(v)
			x.push(v)

		// --- Constants ---
		case bytecode.OpConst:
			x.push(x.vm.consts[x.u16(x.at+1)])

		case bytecode.OpUnit:
			x.push(value.Unit())

		case bytecode.OpTrue:
			x.push(value.Bool(true))

		case bytecode.OpFalse:
			x.push(value.Bool(false))

		// --- Locals ---
		case bytecode.OpLoadLocal:
			x.push(x.stack[fr.bp+x.u16(x.at+1)])

		case bytecode.OpStoreLocal:
			slot := x.u16(x.at + 1)
			x.stack[fr.bp+slot] = x.pop()

		// --- Arithmetic and comparison ---
		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
			bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			b := x.pop()
			a := x.pop()
			x.push(x.binary(op, a, b))

		case bytecode.OpAddInt, bytecode.OpSubInt, bytecode.OpMulInt, bytecode.OpDivInt, bytecode.OpModInt,
			bytecode.OpLtInt, bytecode.OpLeInt, bytecode.OpGtInt, bytecode.OpGeInt:
			b := x.pop()
			a := x.pop()
			x.requireInts(op, a, b)
			x.push(x.binary(op, a, b))

		case bytecode.OpEq, bytecode.OpNe:
			b := x.pop()
			a := x.pop()
			x.push(value.Bool(value.Equal(a, b) == (op == bytecode.OpEq)))

		case bytecode.OpEqInt, bytecode.OpNeInt:
			b := x.pop()
			a := x.pop()
			x.requireInts(op, a, b)
			x.push(value.Bool((a.RawInt() == b.RawInt()) == (op == bytecode.OpEqInt)))

		case bytecode.OpNeg, bytecode.OpNegInt:
			a := x.pop()
			fn := negTable[a.Kind()]
			if fn == nil {
				x.fault(FaultTypeMismatch, "%s on %s", op, a.TypeName())
			}
			x.push(fn(a))

		case bytecode.OpNot:
			a := x.pop()
			b, ok := a.AsBool()
			if !ok {
				x.fault(FaultTypeMismatch, "NOT on %s", a.TypeName())
			}
			x.push(value.Bool(!b))

		// --- Control flow ---
		case bytecode.OpJump:
			fr.ip = x.u32(x.at + 1)

		case bytecode.OpJumpIfFalse:
			c := x.pop()
			b, ok := c.AsBool()
			if !ok {
				x.fault(FaultTypeMismatch, "condition is %s, not Bool", c.TypeName())
			}
			if !b {
				fr.ip = x.u32(x.at + 1)
			}

		// --- Calls ---
		case bytecode.OpCall:
			target := uint32(x.u32(x.at + 1))
			argc := int(code[x.at+5])
			callee, ok := x.vm.byEntry[target]
			if !ok {
				x.fault(FaultUnknownFunction, "no function at %d", target)
			}
			x.invoke(callee, x.popArgs(argc))

		case bytecode.OpCallHost:
			slot := uint16(x.u16(x.at + 1))
			args := x.popArgs(int(code[x.at+3]))
			x.push(x.callHost(fmt.Sprintf("host slot %d", slot), func(h Host) (value.Value, error) {
				return h.CallSlot(slot, args)
			}))

		case bytecode.OpCallHostDynamic:
			name := x.vm.consts[x.u16(x.at+1)].RawString()
			args := x.popArgs(int(code[x.at+3]))
			x.push(x.callHost("host "+name, func(h Host) (value.Value, error) {
				return h.CallName(name, args)
			}))

		case bytecode.OpCallDynamic:
			args := x.popArgs(int(code[x.at+1]))
			callee := x.pop()
			name, ok := callee.AsString()
			if !ok {
				x.fault(FaultTypeMismatch, "cannot call a %s", callee.TypeName())
			}
			if fn, ok := x.vm.byName[name]; ok {
				x.invoke(fn, args)
				continue
			}
			if x.host == nil {
				x.fault(FaultUnknownFunction, "no function %q", name)
			}
			x.push(x.callHost("host "+name, func(h Host) (value.Value, error) {
				return h.CallName(name, args)
			}))

		case bytecode.OpSend:
			method := x.vm.consts[x.u16(x.at+1)].RawString()
			args := x.popArgs(int(code[x.at+3]))
			recv := x.pop()
			fn, ok := x.vm.methods[methodKey{recv.TypeName(), method}]
			if !ok {
				x.fault(FaultUnknownFunction, "no method %s for %s", method, recv.TypeName())
			}
			x.invoke(fn, append([]value.Value{recv}, args...))

		// --- Return ---
		case bytecode.OpReturn:
			v := x.pop()
			x.stack = x.stack[:fr.bp]
			x.frames = x.frames[:len(x.frames)-1]
			if len(x.frames) == 0 {
				return v
			}
			x.push(v)

		default:
			x.fault(FaultBadJump, "invalid opcode 0x%02X", byte(op))
		}
	}
}

func (x *execution) requireInts(op bytecode.Opcode, a, b value.Value) {
	if a.Kind() != value.KindInt || b.Kind() != value.KindInt {
		x.fault(FaultTypeMismatch, "%s on %s and %s", op, a.TypeName(), b.TypeName())
	}
}

func (x *execution) binary(op bytecode.Opcode, a, b value.Value) value.Value {
	fn := binaryTables[op][a.Kind()][b.Kind()]
	if fn == nil {
		x.fault(FaultTypeMismatch, "%s on %s and %s", op, a.TypeName(), b.TypeName())
	}
	v, code := fn(a, b)
	if code != 0 {
		x.fault(code, "%s", op)
	}
	return v
}
