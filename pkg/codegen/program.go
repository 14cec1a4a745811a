// Package codegen is the native backend. It turns a rewritten module into
// a Program of native units: direct units run the function itself, stubs
// hand the call to a bytecode thunk through the runtime bridge.
//
// A Program comes from one of two places. Lower builds it in process from
// closures, and EmitGo prints the same program as Go source whose package
// builds it with NewProgram. Both share the call, host and thunk paths
// defined here.
package codegen

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"

	"github.com/chazu/kayton/lib/runtime"
	"github.com/chazu/kayton/pkg/bytecode"
	"github.com/chazu/kayton/pkg/value"
	"github.com/chazu/kayton/vm"
	"github.com/chazu/kayton/vm/dist"
)

var log = commonlog.GetLogger("kayton.native")

// Func is the native form of one function.
type Func func(env *Env, args []value.Value) (value.Value, error)

// UnitKind says how a unit runs.
type UnitKind uint8

const (
	UnitDirect UnitKind = iota
	UnitStub
)

func (k UnitKind) String() string {
	if k == UnitStub {
		return "stub"
	}
	return "direct"
}

// Unit is one compiled function.
type Unit struct {
	Name    string
	Params  int
	Kind    UnitKind
	ThunkID uint64
	Fn      Func
}

// Method routes a late-bound send to a unit.
type Method struct {
	Type string
	Name string
	Unit string
}

// Registration is one thunk the program registers at Init.
type Registration struct {
	ID   uint64
	Name string
	Blob []byte
}

// Option configures a Program.
type Option func(*Program)

// WithBundle makes Init load thunks from a bundle file instead of the
// embedded registrations.
func WithBundle(path string) Option {
	return func(p *Program) { p.bundle = path }
}

// WithMaxDepth bounds native call depth.
func WithMaxDepth(n int) Option {
	return func(p *Program) {
		if n > 0 {
			p.maxDepth = n
		}
	}
}

type methodKey struct {
	typ, name string
}

// Program is a linked set of native units.
type Program struct {
	Module string

	units    []*Unit
	byName   map[string]*Unit
	methods  map[methodKey]*Unit
	regs     []Registration
	bundle   string
	maxDepth int

	once    sync.Once
	initErr error
	bridge  atomic.Pointer[runtime.Bridge]
}

// NewProgram links units. A method naming a missing unit is ignored.
func NewProgram(module string, units []*Unit, methods []Method, regs []Registration, opts ...Option) *Program {
	p := &Program{
		Module:   module,
		units:    units,
		byName:   make(map[string]*Unit, len(units)),
		methods:  make(map[methodKey]*Unit, len(methods)),
		regs:     regs,
		maxDepth: vm.DefaultMaxFrames,
	}
	for _, u := range units {
		p.byName[u.Name] = u
	}
	for _, m := range methods {
		if u, ok := p.byName[m.Unit]; ok {
			p.methods[methodKey{m.Type, m.Name}] = u
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Units returns the units in module order.
func (p *Program) Units() []*Unit { return p.units }

// Unit looks a unit up by name.
func (p *Program) Unit(name string) (*Unit, bool) {
	u, ok := p.byName[name]
	return u, ok
}

// Stubs returns the names of the units that run as thunks.
func (p *Program) Stubs() []string {
	var out []string
	for _, u := range p.units {
		if u.Kind == UnitStub {
			out = append(out, u.Name)
		}
	}
	return out
}

// Registrations returns the embedded thunk registrations ordered by ID.
func (p *Program) Registrations() []Registration {
	out := append([]Registration(nil), p.regs...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Bundle packages the registrations for out-of-process delivery.
func (p *Program) Bundle() (*dist.Bundle, error) {
	entries := make([]dist.Entry, 0, len(p.regs))
	for _, r := range p.regs {
		mod, err := bytecode.Deserialize(r.Blob)
		if err != nil {
			return nil, fmt.Errorf("codegen: thunk %s: %w", r.Name, err)
		}
		e, err := dist.NewEntry(r.ID, r.Name, mod)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return dist.NewBundle(p.Module, entries), nil
}

// Init registers the program's thunks with b. It runs once; later calls
// return the first result.
func (p *Program) Init(b *runtime.Bridge) error {
	p.once.Do(func() {
		p.initErr = p.register(b)
		if p.initErr == nil {
			p.bridge.Store(b)
		}
	})
	return p.initErr
}

// Initialized reports whether Init has succeeded.
func (p *Program) Initialized() bool { return p.bridge.Load() != nil }

func (p *Program) register(b *runtime.Bridge) error {
	if b == nil {
		return fmt.Errorf("codegen: init %s: nil bridge", p.Module)
	}
	if p.bundle != "" {
		if err := b.LoadBundle(p.bundle); err != nil {
			return err
		}
	} else {
		var result *multierror.Error
		for _, r := range p.regs {
			if err := b.RegisterThunk(r.ID, r.Blob, r.Name); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := result.ErrorOrNil(); err != nil {
			return err
		}
	}
	for _, u := range p.units {
		if u.Kind == UnitStub && !b.HasThunk(u.ThunkID) {
			return fmt.Errorf("%w: %016x (%s)", runtime.ErrUnknownThunk, u.ThunkID, u.Name)
		}
	}
	log.Debugf("initialized %s: %d units, %d thunks", p.Module, len(p.units), b.Len())
	return nil
}

// Call runs the named unit.
func (p *Program) Call(name string, args []value.Value) (value.Value, error) {
	env := &Env{p: p}
	return env.Call(name, args)
}

// ---------------------------------------------------------------------------
// Call environment
// ---------------------------------------------------------------------------

// Env carries one call chain through native units. It is not shared
// between goroutines.
type Env struct {
	p     *Program
	depth int
}

// Program returns the program the chain runs in.
func (e *Env) Program() *Program { return e.p }

// Enter records a frame for fn. Every Enter that succeeds is paired with
// Leave.
func (e *Env) Enter(fn string) error {
	if e.depth >= e.p.maxDepth {
		return &vm.Fault{Code: vm.FaultCallDepth, Function: fn, Msg: fmt.Sprintf("more than %d frames", e.p.maxDepth)}
	}
	e.depth++
	return nil
}

// Leave pops the frame recorded by Enter.
func (e *Env) Leave() { e.depth-- }

// Call runs a unit by name, checking arity.
func (e *Env) Call(name string, args []value.Value) (value.Value, error) {
	u, ok := e.p.byName[name]
	if !ok {
		return value.Unit(), &vm.Fault{Code: vm.FaultUnknownFunction, Msg: fmt.Sprintf("no function %q", name)}
	}
	if len(args) != u.Params {
		return value.Unit(), &vm.Fault{
			Code:     vm.FaultArityMismatch,
			Function: name,
			Msg:      fmt.Sprintf("expects %d arguments, got %d", u.Params, len(args)),
		}
	}
	return u.Fn(e, args)
}

// CallValue calls a function value: a unit of this program first, then a
// host function of the same name.
func (e *Env) CallValue(callee value.Value, args ...value.Value) (value.Value, error) {
	name, ok := callee.AsString()
	if !ok {
		return value.Unit(), &vm.Fault{Code: vm.FaultTypeMismatch, Msg: "cannot call a " + callee.TypeName()}
	}
	if _, ok := e.p.byName[name]; ok {
		return e.Call(name, args)
	}
	if e.host() == nil {
		return value.Unit(), &vm.Fault{Code: vm.FaultUnknownFunction, Msg: fmt.Sprintf("no function %q", name)}
	}
	return e.CallHost(name, args...)
}

// Send dispatches a method on the receiver's run-time type.
func (e *Env) Send(recv value.Value, method string, args ...value.Value) (value.Value, error) {
	u, ok := e.p.methods[methodKey{recv.TypeName(), method}]
	if !ok {
		return value.Unit(), &vm.Fault{Code: vm.FaultUnknownFunction, Msg: fmt.Sprintf("no method %s for %s", method, recv.TypeName())}
	}
	return e.Call(u.Name, append([]value.Value{recv}, args...))
}

// CallHost calls a host function through the bridge's context.
func (e *Env) CallHost(name string, args ...value.Value) (value.Value, error) {
	ctx := e.host()
	if ctx == nil {
		return value.Unit(), &vm.Fault{Code: vm.FaultHostFailure, Msg: "host " + name + ": no host context"}
	}
	v, err := ctx.CallName(name, args)
	if err != nil {
		return value.Unit(), &vm.Fault{Code: vm.FaultHostFailure, Msg: "host " + name, Cause: err}
	}
	return v, nil
}

// Thunk runs a registered thunk. It fails with runtime.ErrNotInitialized
// before Init.
func (e *Env) Thunk(id uint64, args []value.Value) (value.Value, error) {
	b := e.p.bridge.Load()
	if b == nil {
		return value.Unit(), fmt.Errorf("%w: thunk %016x", runtime.ErrNotInitialized, id)
	}
	return b.ExecuteThunk(id, args)
}

func (e *Env) host() *runtime.Context {
	b := e.p.bridge.Load()
	if b == nil {
		return nil
	}
	return b.HostContext()
}

// Frame runs body as one frame of fn.
func (e *Env) Frame(fn string, args []value.Value, body Func) (value.Value, error) {
	if err := e.Enter(fn); err != nil {
		return value.Unit(), err
	}
	defer e.Leave()
	v, err := body(e, args)
	if err != nil {
		return value.Unit(), inFunction(err, fn)
	}
	return v, nil
}

// inFunction names the function a fault was raised in, unless a callee
// already did.
func inFunction(err error, name string) error {
	var f *vm.Fault
	if errors.As(err, &f) && f.Function == "" {
		f.Function = name
	}
	return err
}

// Direct is the body of a unit that runs natively.
func Direct(name string, body Func) Func {
	return func(env *Env, args []value.Value) (value.Value, error) {
		return env.Frame(name, args, body)
	}
}

// Stub is the body of a unit that runs as a thunk.
func Stub(id uint64) Func {
	return func(env *Env, args []value.Value) (value.Value, error) {
		return env.Thunk(id, args)
	}
}
