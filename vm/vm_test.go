package vm

import (
	"errors"
	"sync"
	"testing"

	"github.com/chazu/kayton/pkg/bytecode"
	"github.com/chazu/kayton/pkg/value"
)

// addModule builds: fn add(a, b) = a + b; fn main() = add(2, 3)
func addModule() *bytecode.Module {
	m := bytecode.NewModule()
	two := m.AddConstant(bytecode.Constant{Kind: bytecode.ConstInt, Int: 2})
	three := m.AddConstant(bytecode.Constant{Kind: bytecode.ConstInt, Int: 3})

	m.Functions = append(m.Functions, bytecode.Function{Name: "add", Params: 2, Locals: 2})
	m.EmitU16(bytecode.OpLoadLocal, 0)
	m.EmitU16(bytecode.OpLoadLocal, 1)
	m.Emit(bytecode.OpAdd)
	m.Emit(bytecode.OpReturn)

	m.Functions = append(m.Functions, bytecode.Function{Name: "main", Offset: uint32(m.CurrentOffset())})
	m.EmitU16(bytecode.OpConst, two)
	m.EmitU16(bytecode.OpConst, three)
	at := m.EmitCall(2)
	m.PatchJumpTo(at, 0)
	m.Emit(bytecode.OpReturn)
	return m
}

// single builds a module with one function whose body is produced by emit.
func single(params, locals uint16, emit func(m *bytecode.Module)) *bytecode.Module {
	m := bytecode.NewModule()
	m.Functions = []bytecode.Function{{Name: "f", Params: params, Locals: locals}}
	emit(m)
	return m
}

func mustVM(t *testing.T, m *bytecode.Module, opts ...Option) *VM {
	t.Helper()
	vm, err := New(m, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return vm
}

func wantFault(t *testing.T, err error, code FaultCode) *Fault {
	t.Helper()
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("error = %v, want *Fault", err)
	}
	if f.Code != code {
		t.Errorf("Code = %s, want %s (%v)", f.Code, code, err)
	}
	return f
}

type recordingHost struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (h *recordingHost) CallSlot(slot uint16, args []value.Value) (value.Value, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "slot")
	if h.err != nil {
		return value.Unit(), h.err
	}
	return value.Int(int64(slot) + int64(len(args))), nil
}

func (h *recordingHost) CallName(name string, args []value.Value) (value.Value, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, name)
	if h.err != nil {
		return value.Unit(), h.err
	}
	return value.String(name), nil
}

func TestRunAdd(t *testing.T) {
	vm := mustVM(t, addModule())
	got, err := vm.Run("main", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !value.Equal(got, value.Int(5)) {
		t.Errorf("main() = %#v, want Int(5)", got)
	}

	got, err = vm.Run("add", []value.Value{value.String("ab"), value.String("cd")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !value.Equal(got, value.String("abcd")) {
		t.Errorf("add(ab, cd) = %#v", got)
	}
}

func TestNewRejectsUnverifiable(t *testing.T) {
	m := single(0, 0, func(m *bytecode.Module) { m.Emit(bytecode.OpUnit) })
	if _, err := New(m); err == nil {
		t.Fatal("New accepted a module that falls off the end")
	}
}

func TestRunLoop(t *testing.T) {
	// local1 = 0; while local1 < n { local1 = local1 + 1 } ; return local1 * 2
	m := single(1, 2, func(m *bytecode.Module) {
		zero := m.AddConstant(bytecode.Constant{Kind: bytecode.ConstInt, Int: 0})
		one := m.AddConstant(bytecode.Constant{Kind: bytecode.ConstInt, Int: 1})
		two := m.AddConstant(bytecode.Constant{Kind: bytecode.ConstInt, Int: 2})
		m.EmitU16(bytecode.OpConst, zero)
		m.EmitU16(bytecode.OpStoreLocal, 1)
		loop := m.CurrentOffset()
		m.EmitU16(bytecode.OpLoadLocal, 1)
		m.EmitU16(bytecode.OpLoadLocal, 0)
		m.Emit(bytecode.OpLtInt)
		exit := m.EmitJump(bytecode.OpJumpIfFalse)
		m.EmitU16(bytecode.OpLoadLocal, 1)
		m.EmitU16(bytecode.OpConst, one)
		m.Emit(bytecode.OpAddInt)
		m.EmitU16(bytecode.OpStoreLocal, 1)
		m.EmitJumpTo(bytecode.OpJump, loop)
		m.PatchJump(exit)
		m.EmitU16(bytecode.OpLoadLocal, 1)
		m.EmitU16(bytecode.OpConst, two)
		m.Emit(bytecode.OpMulInt)
		m.Emit(bytecode.OpReturn)
	})
	vm := mustVM(t, m)
	got, err := vm.Run("f", []value.Value{value.Int(7)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !value.Equal(got, value.Int(14)) {
		t.Errorf("f(7) = %#v, want Int(14)", got)
	}
}

func TestRunFaults(t *testing.T) {
	str := bytecode.Constant{Kind: bytecode.ConstString, Str: "x"}
	tests := []struct {
		name string
		mod  *bytecode.Module
		args []value.Value
		opts []Option
		code FaultCode
	}{
		{
			name: "generic add of mismatched kinds",
			mod:  addModule(),
			args: []value.Value{value.Int(1), value.Bool(true)},
			code: FaultTypeMismatch,
		},
		{
			name: "specialized op on strings",
			mod: single(0, 0, func(m *bytecode.Module) {
				s := m.AddConstant(str)
				m.EmitU16(bytecode.OpConst, s)
				m.EmitU16(bytecode.OpConst, s)
				m.Emit(bytecode.OpAddInt)
				m.Emit(bytecode.OpReturn)
			}),
			code: FaultTypeMismatch,
		},
		{
			name: "divide by zero",
			mod: single(0, 0, func(m *bytecode.Module) {
				one := m.AddConstant(bytecode.Constant{Kind: bytecode.ConstInt, Int: 1})
				zero := m.AddConstant(bytecode.Constant{Kind: bytecode.ConstInt, Int: 0})
				m.EmitU16(bytecode.OpConst, one)
				m.EmitU16(bytecode.OpConst, zero)
				m.Emit(bytecode.OpDiv)
				m.Emit(bytecode.OpReturn)
			}),
			code: FaultDivideByZero,
		},
		{
			name: "non-bool condition",
			mod: single(0, 0, func(m *bytecode.Module) {
				m.Emit(bytecode.OpUnit)
				at := m.EmitJump(bytecode.OpJumpIfFalse)
				m.PatchJump(at)
				m.Emit(bytecode.OpUnit)
				m.Emit(bytecode.OpReturn)
			}),
			code: FaultTypeMismatch,
		},
		{
			name: "unbounded recursion",
			mod: single(0, 0, func(m *bytecode.Module) {
				at := m.EmitCall(0)
				m.PatchJumpTo(at, 0)
				m.Emit(bytecode.OpReturn)
			}),
			opts: []Option{WithMaxFrames(16)},
			code: FaultCallDepth,
		},
		{
			name: "host call without host",
			mod: single(0, 0, func(m *bytecode.Module) {
				m.AddHost("greet", 0)
				m.EmitU16U8(bytecode.OpCallHost, 0, 0)
				m.Emit(bytecode.OpReturn)
			}),
			code: FaultHostFailure,
		},
		{
			name: "dynamic call of unknown name",
			mod: single(0, 0, func(m *bytecode.Module) {
				m.EmitU16(bytecode.OpConst, m.AddConstant(str))
				m.EmitU8(bytecode.OpCallDynamic, 0)
				m.Emit(bytecode.OpReturn)
			}),
			code: FaultUnknownFunction,
		},
		{
			name: "dynamic call of a non-string",
			mod: single(0, 0, func(m *bytecode.Module) {
				m.Emit(bytecode.OpTrue)
				m.EmitU8(bytecode.OpCallDynamic, 0)
				m.Emit(bytecode.OpReturn)
			}),
			code: FaultTypeMismatch,
		},
		{
			name: "dynamic call with wrong arity",
			mod: single(0, 0, func(m *bytecode.Module) {
				m.EmitU16(bytecode.OpConst, m.AddConstant(bytecode.Constant{Kind: bytecode.ConstString, Str: "f"}))
				m.Emit(bytecode.OpUnit)
				m.EmitU8(bytecode.OpCallDynamic, 1)
				m.Emit(bytecode.OpReturn)
			}),
			code: FaultArityMismatch,
		},
		{
			name: "send without method",
			mod: single(0, 0, func(m *bytecode.Module) {
				m.Emit(bytecode.OpTrue)
				m.EmitU16U8(bytecode.OpSend, m.AddConstant(bytecode.Constant{Kind: bytecode.ConstString, Str: "show"}), 0)
				m.Emit(bytecode.OpReturn)
			}),
			code: FaultUnknownFunction,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := mustVM(t, tt.mod, tt.opts...)
			entry := tt.mod.Functions[0].Name
			_, err := vm.Run(entry, tt.args)
			wantFault(t, err, tt.code)
		})
	}
}

func TestRunEntryErrors(t *testing.T) {
	vm := mustVM(t, addModule())
	_, err := vm.Run("missing", nil)
	wantFault(t, err, FaultUnknownFunction)

	_, err = vm.Run("add", []value.Value{value.Int(1)})
	f := wantFault(t, err, FaultArityMismatch)
	if f.Function != "add" {
		t.Errorf("Function = %q, want add", f.Function)
	}
}

func TestHostCalls(t *testing.T) {
	m := single(0, 0, func(m *bytecode.Module) {
		m.Emit(bytecode.OpTrue)
		m.AddHost("succ", 3)
		m.EmitU16U8(bytecode.OpCallHost, 3, 1) // slot 3 with 1 arg -> Int(4)
		m.Emit(bytecode.OpPop)
		name := m.AddConstant(bytecode.Constant{Kind: bytecode.ConstString, Str: "greet"})
		m.EmitU16U8(bytecode.OpCallHostDynamic, name, 0)
		m.Emit(bytecode.OpReturn)
	})
	host := &recordingHost{}
	vm := mustVM(t, m, WithHost(host))
	got, err := vm.Run("f", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !value.Equal(got, value.String("greet")) {
		t.Errorf("f() = %#v", got)
	}
	if len(host.calls) != 2 || host.calls[0] != "slot" || host.calls[1] != "greet" {
		t.Errorf("host calls = %v", host.calls)
	}
}

func TestHostFailureKeepsCause(t *testing.T) {
	m := single(0, 0, func(m *bytecode.Module) {
		m.AddHost("greet", 0)
		m.EmitU16U8(bytecode.OpCallHost, 0, 0)
		m.Emit(bytecode.OpReturn)
	})
	boom := errors.New("boom")
	vm := mustVM(t, m)
	_, err := vm.Call(&recordingHost{err: boom}, "f", nil)
	wantFault(t, err, FaultHostFailure)
	if !errors.Is(err, boom) {
		t.Errorf("errors.Is(err, boom) = false for %v", err)
	}
}

func TestDynamicCallFallsBackToHost(t *testing.T) {
	m := single(0, 0, func(m *bytecode.Module) {
		m.EmitU16(bytecode.OpConst, m.AddConstant(bytecode.Constant{Kind: bytecode.ConstString, Str: "elsewhere"}))
		m.EmitU8(bytecode.OpCallDynamic, 0)
		m.Emit(bytecode.OpReturn)
	})
	host := &recordingHost{}
	got, err := mustVM(t, m).Call(host, "f", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !value.Equal(got, value.String("elsewhere")) {
		t.Errorf("f() = %#v", got)
	}
}

func TestSendDispatchesOnReceiverKind(t *testing.T) {
	// fn inc(self) = self + 1; fn f() = 41.inc()
	m := bytecode.NewModule()
	one := m.AddConstant(bytecode.Constant{Kind: bytecode.ConstInt, Int: 1})
	m.Functions = append(m.Functions, bytecode.Function{Name: "Step$Int$inc", Params: 1, Locals: 1})
	m.EmitU16(bytecode.OpLoadLocal, 0)
	m.EmitU16(bytecode.OpConst, one)
	m.Emit(bytecode.OpAdd)
	m.Emit(bytecode.OpReturn)
	m.Functions = append(m.Functions, bytecode.Function{Name: "f", Offset: uint32(m.CurrentOffset())})
	m.EmitU16(bytecode.OpConst, m.AddConstant(bytecode.Constant{Kind: bytecode.ConstInt, Int: 41}))
	m.EmitU16U8(bytecode.OpSend, m.AddConstant(bytecode.Constant{Kind: bytecode.ConstString, Str: "inc"}), 0)
	m.Emit(bytecode.OpReturn)
	m.Methods = []bytecode.Method{{Type: "Int", Name: "inc", Func: 0}}

	got, err := mustVM(t, m).Run("f", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !value.Equal(got, value.Int(42)) {
		t.Errorf("f() = %#v, want Int(42)", got)
	}
}

func TestConcurrentRuns(t *testing.T) {
	vm := mustVM(t, addModule())
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := vm.Run("add", []value.Value{value.Int(int64(i)), value.Int(1)})
			if err != nil {
				errs <- err
				return
			}
			if !value.Equal(got, value.Int(int64(i)+1)) {
				errs <- errors.New("wrong result " + got.String())
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestBinaryAndUnary(t *testing.T) {
	got, err := Binary(bytecode.OpSub, value.Int(5), value.Int(7))
	if err != nil || !value.Equal(got, value.Int(-2)) {
		t.Errorf("SUB = %#v, %v", got, err)
	}
	got, err = Binary(bytecode.OpLt, value.String("a"), value.String("b"))
	if err != nil || !value.Equal(got, value.Bool(true)) {
		t.Errorf("LT = %#v, %v", got, err)
	}
	got, err = Binary(bytecode.OpEq, value.Int(1), value.String("1"))
	if err != nil || !value.Equal(got, value.Bool(false)) {
		t.Errorf("EQ across kinds = %#v, %v", got, err)
	}
	if _, err := Binary(bytecode.OpMod, value.Int(1), value.Int(0)); err == nil {
		t.Error("MOD by zero succeeded")
	} else {
		wantFault(t, err, FaultDivideByZero)
	}
	if _, err := Binary(bytecode.OpMul, value.String("a"), value.Int(2)); err == nil {
		t.Error("MUL on String succeeded")
	}

	got, err = Unary(bytecode.OpNeg, value.Int(3))
	if err != nil || !value.Equal(got, value.Int(-3)) {
		t.Errorf("NEG = %#v, %v", got, err)
	}
	if _, err := Unary(bytecode.OpNot, value.Int(3)); err == nil {
		t.Error("NOT on Int succeeded")
	}
}

// slotHost is a recordingHost that also publishes its slot table.
type slotHost struct {
	recordingHost
	slots map[string]uint16
}

func (h *slotHost) Slot(name string) (uint16, bool) {
	s, ok := h.slots[name]
	return s, ok
}

func TestHostSlotBinding(t *testing.T) {
	m := single(0, 0, func(m *bytecode.Module) {
		m.Emit(bytecode.OpTrue)
		m.AddHost("succ", 3)
		m.EmitU16U8(bytecode.OpCallHost, 3, 1)
		m.Emit(bytecode.OpReturn)
	})
	vm := mustVM(t, m)

	got, err := vm.Call(&slotHost{slots: map[string]uint16{"succ": 3}}, "f", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !value.Equal(got, value.Int(4)) {
		t.Errorf("f() = %#v, want 4", got)
	}

	moved := &slotHost{slots: map[string]uint16{"other": 3, "succ": 0}}
	_, err = vm.Call(moved, "f", nil)
	wantFault(t, err, FaultHostFailure)
	var be *bytecode.HostBindingError
	if !errors.As(err, &be) || be.Want != 3 || be.Got != 0 {
		t.Errorf("error = %v, want a HostBindingError for succ", err)
	}
	if len(moved.calls) != 0 {
		t.Errorf("host called despite a bad binding: %v", moved.calls)
	}
}
