package vm

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/kayton/pkg/bytecode"
	"github.com/chazu/kayton/pkg/value"
)

var log = commonlog.GetLogger("kayton.vm")

// DefaultMaxFrames bounds call depth for one invocation.
const DefaultMaxFrames = 1024

// Host services calls that leave the bytecode module. Arguments are
// borrowed for the duration of the call; the result is owned by the VM.
type Host interface {
	CallSlot(slot uint16, args []value.Value) (value.Value, error)
	CallName(name string, args []value.Value) (value.Value, error)
}

// Option configures a VM.
type Option func(*VM)

// WithHost sets the host used by Run.
func WithHost(h Host) Option {
	return func(vm *VM) { vm.host = h }
}

// WithMaxFrames sets the call depth limit.
func WithMaxFrames(n int) Option {
	return func(vm *VM) {
		if n > 0 {
			vm.maxFrames = n
		}
	}
}

type methodKey struct {
	typ, name string
}

// VM executes one verified bytecode module. The module is shared and never
// written after New returns.
type VM struct {
	mod       *bytecode.Module
	host      Host
	maxFrames int

	consts  []value.Value
	byName  map[string]int
	byEntry map[uint32]int
	methods map[methodKey]int
}

// New prepares mod for execution, verifying it first unless it has
// already been verified.
func New(mod *bytecode.Module, opts ...Option) (*VM, error) {
	if !mod.Verified() {
		if err := bytecode.Verify(mod); err != nil {
			return nil, err
		}
	}
	vm := &VM{
		mod:       mod,
		maxFrames: DefaultMaxFrames,
		consts:    make([]value.Value, len(mod.Constants)),
		byName:    make(map[string]int, len(mod.Functions)),
		byEntry:   make(map[uint32]int, len(mod.Functions)),
		methods:   make(map[methodKey]int, len(mod.Methods)),
	}
	for _, opt := range opts {
		opt(vm)
	}
	for i, c := range mod.Constants {
		vm.consts[i] = constValue(c)
	}
	for i, f := range mod.Functions {
		vm.byName[f.Name] = i
		vm.byEntry[f.Offset] = i
	}
	for _, m := range mod.Methods {
		vm.methods[methodKey{m.Type, m.Name}] = int(m.Func)
	}
	log.Debugf("loaded module: %d functions, %d constants", len(mod.Functions), len(mod.Constants))
	return vm, nil
}

func constValue(c bytecode.Constant) value.Value {
	switch c.Kind {
	case bytecode.ConstInt:
		return value.Int(c.Int)
	case bytecode.ConstBool:
		return value.Bool(c.Int != 0)
	case bytecode.ConstString, bytecode.ConstType:
		return value.String(c.Str)
	}
	return value.Unit()
}

// Module returns the module this VM executes.
func (vm *VM) Module() *bytecode.Module { return vm.mod }

// HasFunction reports whether the module defines name.
func (vm *VM) HasFunction(name string) bool {
	_, ok := vm.byName[name]
	return ok
}

// Run executes the named entry function with the VM's host.
func (vm *VM) Run(entry string, args []value.Value) (value.Value, error) {
	return vm.Call(vm.host, entry, args)
}

// Call executes the named entry function with an explicit host. Each call
// gets a fresh execution context. args are borrowed.
func (vm *VM) Call(host Host, entry string, args []value.Value) (result value.Value, err error) {
	fn, ok := vm.byName[entry]
	if !ok {
		return value.Unit(), &Fault{Code: FaultUnknownFunction, Msg: fmt.Sprintf("no function %q", entry)}
	}
	if want := int(vm.mod.Functions[fn].Params); want != len(args) {
		return value.Unit(), &Fault{
			Code:     FaultArityMismatch,
			Function: entry,
			Msg:      fmt.Sprintf("expects %d arguments, got %d", want, len(args)),
		}
	}
	if r, ok := host.(bytecode.SlotResolver); ok && len(vm.mod.Hosts) > 0 {
		if err := vm.mod.CheckHostSlots(r); err != nil {
			return value.Unit(), &Fault{Code: FaultHostFailure, Function: entry, Msg: "host binding", Cause: err}
		}
	}
	x := &execution{
		vm:     vm,
		host:   host,
		stack:  make([]value.Value, 0, 64),
		frames: make([]frame, 0, 8),
	}
	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(*Fault)
			if !ok {
				panic(r)
			}
			result, err = value.Unit(), f
		}
	}()
	x.stack = append(x.stack, args...)
	x.enter(fn, len(args))
	return x.run(), nil
}
