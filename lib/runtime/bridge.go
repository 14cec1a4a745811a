package runtime

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/chazu/kayton/pkg/bytecode"
	"github.com/chazu/kayton/pkg/value"
	"github.com/chazu/kayton/vm"
	"github.com/chazu/kayton/vm/dist"
)

type thunk struct {
	name string
	hash [32]byte
	vm   *vm.VM
}

// Bridge lets native units run bytecode thunks. It is an explicit registry;
// a process may hold several. Registration takes the write lock and
// execution only the read lock, so thunks run concurrently.
type Bridge struct {
	mu      sync.RWMutex
	thunks  map[uint64]*thunk
	modules map[[32]byte]*vm.VM
	host    *Context
	policy  *dist.CapabilityPolicy
}

// NewBridge creates an empty bridge with no host context.
func NewBridge() *Bridge {
	return &Bridge{
		thunks:  make(map[uint64]*thunk),
		modules: make(map[[32]byte]*vm.VM),
	}
}

// SetHostContext installs the capability table thunks call into. Thunks
// registered afterwards are checked against its slots; the VM checks the
// rest when they run.
func (b *Bridge) SetHostContext(ctx *Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.host = ctx
}

// HostContext returns the installed capability table, or nil.
func (b *Bridge) HostContext() *Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.host
}

// SetPolicy restricts the host functions loaded bundles may call.
func (b *Bridge) SetPolicy(p *dist.CapabilityPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy = p
}

// RegisterThunk binds id to the function name in a serialized bytecode
// module. A module whose host imports disagree with the host context's
// slots is rejected with a *bytecode.HostBindingError. Registering the same blob and name again is a no-op; any other
// content for a known id is a ConsistencyError. Blobs are loaded and
// verified once and shared by hash.
func (b *Bridge) RegisterThunk(id uint64, blob []byte, name string) error {
	hash := sha256.Sum256(blob)

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.thunks[id]; ok {
		if t.hash == hash && t.name == name {
			return nil
		}
		msg := "different blob"
		if t.name != name {
			msg = "different entry name"
		}
		return &ConsistencyError{ID: id, Name: name, Existing: t.name, Msg: msg}
	}

	machine, ok := b.modules[hash]
	if !ok {
		mod, err := bytecode.Deserialize(blob)
		if err != nil {
			return fmt.Errorf("runtime: thunk %016x: %w", id, err)
		}
		if machine, err = vm.New(mod); err != nil {
			return fmt.Errorf("runtime: thunk %016x: %w", id, err)
		}
		b.modules[hash] = machine
	}
	if !machine.HasFunction(name) {
		return fmt.Errorf("runtime: thunk %016x: module has no function %q", id, name)
	}
	if b.host != nil {
		if err := machine.Module().CheckHostSlots(b.host); err != nil {
			return fmt.Errorf("runtime: thunk %016x: %w", id, err)
		}
	}
	b.thunks[id] = &thunk{name: name, hash: hash, vm: machine}
	log.Debugf("registered thunk %016x -> %s", id, name)
	return nil
}

// HasThunk reports whether id is registered.
func (b *Bridge) HasThunk(id uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.thunks[id]
	return ok
}

// Len returns the number of registered thunks.
func (b *Bridge) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.thunks)
}

// ExecuteThunk runs a registered thunk. args are borrowed. A fault in the
// thunk is returned as a *ThunkError wrapping the *vm.Fault.
func (b *Bridge) ExecuteThunk(id uint64, args []value.Value) (value.Value, error) {
	b.mu.RLock()
	t, ok := b.thunks[id]
	host := b.host
	b.mu.RUnlock()
	if !ok {
		return value.Unit(), fmt.Errorf("%w: %016x", ErrUnknownThunk, id)
	}

	var h vm.Host
	if host != nil {
		h = host
	}
	result, err := t.vm.Call(h, t.name, args)
	if err != nil {
		return value.Unit(), &ThunkError{ID: id, Name: t.name, Err: err}
	}
	return result, nil
}

// ExecuteEncoded runs a thunk whose arguments arrive in the CBOR wire form
// of value.EncodeArgs. The result is encoded the same way, as a one-element
// list.
func (b *Bridge) ExecuteEncoded(id uint64, args []byte) ([]byte, error) {
	vals, err := value.DecodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("runtime: thunk %016x: %w", id, err)
	}
	result, err := b.ExecuteThunk(id, vals)
	if err != nil {
		return nil, err
	}
	return value.EncodeArgs([]value.Value{result})
}

// LoadBundle registers every thunk of a bundle file. A missing or corrupt
// file gives an error matching ErrBundleUnavailable.
func (b *Bridge) LoadBundle(path string) error {
	bundle, err := dist.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBundleUnavailable, err)
	}
	b.mu.RLock()
	policy := b.policy
	b.mu.RUnlock()
	if err := policy.Check(bundle.Capability); err != nil {
		return fmt.Errorf("runtime: bundle %s: %w", path, err)
	}
	var result *multierror.Error
	for _, e := range bundle.Entries {
		if err := b.RegisterThunk(e.ID, e.Blob, e.Name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	log.Debugf("loaded bundle %s (%s): %d thunks", path, bundle.BuildID, len(bundle.Entries))
	return nil
}
