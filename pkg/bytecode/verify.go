package bytecode

import (
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"
)

// MaxStackDepth bounds the operand stack of a single frame.
const MaxStackDepth = 1024

// VerifyCode classifies verification failures.
type VerifyCode int

const (
	VerifyBadLayout VerifyCode = iota + 1
	VerifyBadOpcode
	VerifyTruncated
	VerifyBadConstant
	VerifyBadLocal
	VerifyBadJump
	VerifyBadCall
	VerifyStackUnderflow
	VerifyStackOverflow
	VerifyStackMismatch
	VerifyFallthrough
	VerifyBadMethod
	VerifyBadHost
)

var verifyCodeNames = map[VerifyCode]string{
	VerifyBadLayout:      "bad layout",
	VerifyBadOpcode:      "bad opcode",
	VerifyTruncated:      "truncated instruction",
	VerifyBadConstant:    "bad constant index",
	VerifyBadLocal:       "bad local slot",
	VerifyBadJump:        "bad jump target",
	VerifyBadCall:        "bad call target",
	VerifyStackUnderflow: "stack underflow",
	VerifyStackOverflow:  "stack overflow",
	VerifyStackMismatch:  "inconsistent stack depth",
	VerifyFallthrough:    "falls off end of function",
	VerifyBadMethod:      "bad method entry",
	VerifyBadHost:        "bad host import",
}

func (c VerifyCode) String() string {
	if s, ok := verifyCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("VerifyCode(%d)", int(c))
}

// VerificationError rejects a module before it can execute.
type VerificationError struct {
	Code     VerifyCode
	Function string
	Offset   int
	Msg      string
}

func (e *VerificationError) Error() string {
	if e.Function == "" {
		return fmt.Sprintf("verification failed: %s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("verification failed in %s at %04X: %s: %s", e.Function, e.Offset, e.Code, e.Msg)
}

type verifier struct {
	m *Module
	// boundary marks offsets where an instruction starts.
	boundary []bool
	// owner maps an instruction offset to its function index.
	owner []int
}

func (v *verifier) fail(code VerifyCode, fn int, offset int, format string, args ...any) error {
	name := ""
	if fn >= 0 && fn < len(v.m.Functions) {
		name = v.m.Functions[fn].Name
	}
	return &VerificationError{Code: code, Function: name, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// Verify checks that every jump and call target resolves inside the module,
// every constant and local reference is in range, and no path through a
// function can underflow or overflow the operand stack. On success the
// computed per-function MaxStack is recorded and the module is marked
// verified.
func Verify(m *Module) error {
	v := &verifier{
		m:        m,
		boundary: make([]bool, len(m.Code)+1),
		owner:    make([]int, len(m.Code)),
	}
	if err := v.layout(); err != nil {
		return err
	}
	for i := range m.Functions {
		if err := v.decode(i); err != nil {
			return err
		}
	}
	for i := range m.Functions {
		if err := v.operands(i); err != nil {
			return err
		}
	}
	maxStacks := make([]uint16, len(m.Functions))
	for i := range m.Functions {
		depth, err := v.stack(i)
		if err != nil {
			return err
		}
		maxStacks[i] = depth
	}
	for i, d := range maxStacks {
		declared := m.Functions[i].MaxStack
		if declared != 0 && declared != d {
			return v.fail(VerifyStackMismatch, i, int(m.Functions[i].Offset),
				"declared max stack %d, computed %d", declared, d)
		}
	}
	for i, d := range maxStacks {
		m.Functions[i].MaxStack = d
	}
	m.verified = true
	return nil
}

func (v *verifier) layout() error {
	m := v.m
	if len(m.Functions) == 0 {
		if len(m.Code) != 0 {
			return v.fail(VerifyBadLayout, -1, 0, "code present but no functions")
		}
		return nil
	}
	if m.Functions[0].Offset != 0 {
		return v.fail(VerifyBadLayout, 0, 0, "first function starts at %d, not 0", m.Functions[0].Offset)
	}
	seen := make(map[string]bool, len(m.Functions))
	for i, f := range m.Functions {
		if seen[f.Name] {
			return v.fail(VerifyBadLayout, i, int(f.Offset), "duplicate function name %q", f.Name)
		}
		seen[f.Name] = true
		if int(f.Offset) >= len(m.Code) {
			return v.fail(VerifyBadLayout, i, int(f.Offset), "function offset beyond code length %d", len(m.Code))
		}
		if i > 0 && f.Offset <= m.Functions[i-1].Offset {
			return v.fail(VerifyBadLayout, i, int(f.Offset), "function offsets not strictly increasing")
		}
		if f.Params > f.Locals {
			return v.fail(VerifyBadLayout, i, int(f.Offset), "params %d exceed locals %d", f.Params, f.Locals)
		}
	}
	for i, meth := range m.Methods {
		if int(meth.Func) >= len(m.Functions) {
			return v.fail(VerifyBadMethod, -1, 0, "method %d (%s.%s) refers to function %d of %d",
				i, meth.Type, meth.Name, meth.Func, len(m.Functions))
		}
		if m.Functions[meth.Func].Params < 1 {
			return v.fail(VerifyBadMethod, int(meth.Func), 0, "method %s.%s has no receiver parameter", meth.Type, meth.Name)
		}
	}
	for _, g := range m.Globals {
		if int(g.Const) >= len(m.Constants) {
			return v.fail(VerifyBadConstant, -1, 0, "global %q refers to constant %d of %d", g.Name, g.Const, len(m.Constants))
		}
	}
	names := make(map[string]bool, len(m.Hosts))
	slots := make(map[uint16]bool, len(m.Hosts))
	for _, h := range m.Hosts {
		if h.Name == "" || names[h.Name] || slots[h.Slot] {
			return v.fail(VerifyBadHost, -1, 0, "host import %q in slot %d is empty or duplicated", h.Name, h.Slot)
		}
		names[h.Name] = true
		slots[h.Slot] = true
	}
	return nil
}

// decode marks instruction boundaries for function fn.
func (v *verifier) decode(fn int) error {
	start, end := int(v.m.Functions[fn].Offset), v.m.FunctionEnd(fn)
	for ip := start; ip < end; {
		op := Opcode(v.m.Code[ip])
		if !op.Valid() {
			return v.fail(VerifyBadOpcode, fn, ip, "unknown opcode 0x%02X", byte(op))
		}
		next := ip + op.InstructionLen()
		if next > end {
			return v.fail(VerifyTruncated, fn, ip, "%s needs %d operand bytes", op, op.OperandLen())
		}
		v.boundary[ip] = true
		for j := ip; j < next; j++ {
			v.owner[j] = fn
		}
		ip = next
	}
	return nil
}

func (v *verifier) u16(at int) int { return int(binary.BigEndian.Uint16(v.m.Code[at:])) }
func (v *verifier) u32(at int) int { return int(binary.BigEndian.Uint32(v.m.Code[at:])) }

// operands checks every operand of function fn.
func (v *verifier) operands(fn int) error {
	m := v.m
	f := m.Functions[fn]
	start, end := int(f.Offset), m.FunctionEnd(fn)
	for ip := start; ip < end; ip += Opcode(m.Code[ip]).InstructionLen() {
		op := Opcode(m.Code[ip])
		switch op {
		case OpConst:
			if idx := v.u16(ip + 1); idx >= len(m.Constants) {
				return v.fail(VerifyBadConstant, fn, ip, "constant index %d out of range (pool has %d)", idx, len(m.Constants))
			}
		case OpLoadLocal, OpStoreLocal:
			if slot := v.u16(ip + 1); slot >= int(f.Locals) {
				return v.fail(VerifyBadLocal, fn, ip, "local slot %d out of range (function has %d)", slot, f.Locals)
			}
		case OpCallHost:
			if _, ok := m.HostAt(uint16(v.u16(ip + 1))); !ok {
				return v.fail(VerifyBadHost, fn, ip, "host slot %d has no import", v.u16(ip+1))
			}
		case OpCallHostDynamic, OpSend:
			idx := v.u16(ip + 1)
			if idx >= len(m.Constants) {
				return v.fail(VerifyBadConstant, fn, ip, "constant index %d out of range (pool has %d)", idx, len(m.Constants))
			}
			if m.Constants[idx].Kind != ConstString {
				return v.fail(VerifyBadConstant, fn, ip, "%s name constant %d is %s, not string", op, idx, m.Constants[idx].Kind)
			}
		case OpJump, OpJumpIfFalse:
			target := v.u32(ip + 1)
			if target >= len(m.Code) {
				return v.fail(VerifyBadJump, fn, ip, "jump target %d outside code of length %d", target, len(m.Code))
			}
			if !v.boundary[target] || v.owner[target] != fn {
				return v.fail(VerifyBadJump, fn, ip, "jump target %d is not an instruction of this function", target)
			}
		case OpCall:
			target := v.u32(ip + 1)
			argc := int(m.Code[ip+5])
			if target >= len(m.Code) {
				return v.fail(VerifyBadCall, fn, ip, "call target %d outside code of length %d", target, len(m.Code))
			}
			callee, ok := m.FunctionAt(uint32(target))
			if !ok {
				return v.fail(VerifyBadCall, fn, ip, "call target %d is not a function entry", target)
			}
			if argc != int(m.Functions[callee].Params) {
				return v.fail(VerifyBadCall, fn, ip, "call to %s passes %d arguments, expects %d",
					m.Functions[callee].Name, argc, m.Functions[callee].Params)
			}
		}
	}
	return nil
}

// stackEffect returns the pops and pushes of the instruction at ip.
func (v *verifier) stackEffect(ip int) (pop, push int) {
	op := Opcode(v.m.Code[ip])
	info := GetOpcodeInfo(op)
	pop, push = info.StackPop, info.StackPush
	switch op {
	case OpCall:
		pop += int(v.m.Code[ip+5])
	case OpCallHost, OpCallHostDynamic, OpSend:
		pop += int(v.m.Code[ip+3])
	case OpCallDynamic:
		pop += int(v.m.Code[ip+1])
	}
	return pop, push
}

// stack runs an abstract interpretation of stack depth over fn's control
// flow graph and returns the maximum depth reached.
func (v *verifier) stack(fn int) (uint16, error) {
	m := v.m
	start, end := int(m.Functions[fn].Offset), m.FunctionEnd(fn)
	depthAt := make(map[int]int)
	work := []int{start}
	depthAt[start] = 0
	maxDepth := 0

	flow := func(from, to, depth int) error {
		if to >= end {
			return v.fail(VerifyFallthrough, fn, from, "control reaches end of function without return")
		}
		if d, seen := depthAt[to]; seen {
			if d != depth {
				return v.fail(VerifyStackMismatch, fn, to, "depth %d on one path, %d on another", d, depth)
			}
			return nil
		}
		depthAt[to] = depth
		work = append(work, to)
		return nil
	}

	for len(work) > 0 {
		ip := work[len(work)-1]
		work = work[:len(work)-1]
		depth := depthAt[ip]
		op := Opcode(m.Code[ip])
		pop, push := v.stackEffect(ip)
		if depth < pop {
			return 0, v.fail(VerifyStackUnderflow, fn, ip, "%s pops %d with depth %d", op, pop, depth)
		}
		depth = depth - pop + push
		if depth > MaxStackDepth {
			return 0, v.fail(VerifyStackOverflow, fn, ip, "depth %d exceeds limit %d", depth, MaxStackDepth)
		}
		if depth > maxDepth {
			maxDepth = depth
		}
		next := ip + op.InstructionLen()
		switch op {
		case OpReturn:
		case OpJump:
			if err := flow(ip, v.u32(ip+1), depth); err != nil {
				return 0, err
			}
		case OpJumpIfFalse:
			if err := flow(ip, v.u32(ip+1), depth); err != nil {
				return 0, err
			}
			if err := flow(ip, next, depth); err != nil {
				return 0, err
			}
		default:
			if err := flow(ip, next, depth); err != nil {
				return 0, err
			}
		}
	}
	out, err := safecast.Conv[uint16](maxDepth)
	if err != nil {
		return 0, v.fail(VerifyStackOverflow, fn, start, "max depth %d: %v", maxDepth, err)
	}
	return out, nil
}
