// Package runtime is the host side of a running program: the capability
// table extensions register with, the handle table for host objects and the
// bridge that lets native code run bytecode thunks.
package runtime

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"fortio.org/safecast"
	"github.com/tliron/commonlog"

	"github.com/chazu/kayton/pkg/value"
)

var log = commonlog.GetLogger("kayton.runtime")

// Extension is a host function. args are borrowed; the result is owned by
// the caller.
type Extension func(ctx *Context, args []value.Value) (value.Value, error)

// Variadic as a maximum arity accepts any number of arguments.
const Variadic = -1

// ExtensionInfo describes a registered extension.
type ExtensionInfo struct {
	Name     string
	Slot     uint16
	MinArity int
	MaxArity int
	Doc      string
}

type extension struct {
	info ExtensionInfo
	fn   Extension
}

// Context is the capability table. Slots are assigned in registration
// order and never reused.
type Context struct {
	mu      sync.RWMutex
	byName  map[string]uint16
	exts    []extension
	handles *HandleTable
	out     io.Writer
}

// NewContext creates an empty table writing program output to stdout.
func NewContext() *Context {
	return &Context{
		byName:  make(map[string]uint16),
		handles: NewHandleTable(),
		out:     os.Stdout,
	}
}

// SetOutput redirects program output.
func (c *Context) SetOutput(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = w
}

// Output is where extensions write program output.
func (c *Context) Output() io.Writer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.out
}

// Handles returns the context's handle table.
func (c *Context) Handles() *HandleTable { return c.handles }

// Register adds an extension and returns its slot. info.Slot is ignored.
func (c *Context) Register(info ExtensionInfo, fn Extension) (uint16, error) {
	if info.Name == "" || fn == nil {
		return 0, Errorf(InvalidArgument, "extension needs a name and a function")
	}
	if info.MinArity < 0 || (info.MaxArity != Variadic && info.MaxArity < info.MinArity) {
		return 0, &HostError{Code: InvalidArgument, Name: info.Name, Msg: fmt.Sprintf("bad arity %d..%d", info.MinArity, info.MaxArity)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[info.Name]; ok {
		return 0, &HostError{Code: AlreadyExists, Name: info.Name, Msg: "extension already registered"}
	}
	slot, err := safecast.Conv[uint16](len(c.exts))
	if err != nil {
		return 0, &HostError{Code: GeneralFailure, Name: info.Name, Msg: "capability table full", Cause: err}
	}
	info.Slot = slot
	c.exts = append(c.exts, extension{info: info, fn: fn})
	c.byName[info.Name] = slot
	log.Debugf("registered extension %s in slot %d", info.Name, slot)
	return slot, nil
}

// Slot returns the slot of a named extension.
func (c *Context) Slot(name string) (uint16, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byName[name]
	return s, ok
}

// Extensions lists the registered extensions by slot.
func (c *Context) Extensions() []ExtensionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ExtensionInfo, len(c.exts))
	for i, e := range c.exts {
		out[i] = e.info
	}
	return out
}

// Names lists the registered extension names, sorted.
func (c *Context) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byName))
	for n := range c.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// CallSlot invokes the extension in slot.
func (c *Context) CallSlot(slot uint16, args []value.Value) (value.Value, error) {
	c.mu.RLock()
	if int(slot) >= len(c.exts) {
		c.mu.RUnlock()
		return value.Unit(), Errorf(NotFound, "no extension in slot %d", slot)
	}
	ext := c.exts[slot]
	c.mu.RUnlock()
	return c.invoke(ext, args)
}

// CallName invokes the extension registered as name.
func (c *Context) CallName(name string, args []value.Value) (value.Value, error) {
	c.mu.RLock()
	slot, ok := c.byName[name]
	var ext extension
	if ok {
		ext = c.exts[slot]
	}
	c.mu.RUnlock()
	if !ok {
		return value.Unit(), &HostError{Code: NotFound, Name: name, Msg: "extension not found"}
	}
	return c.invoke(ext, args)
}

func (c *Context) invoke(ext extension, args []value.Value) (result value.Value, err error) {
	info := ext.info
	if len(args) < info.MinArity || (info.MaxArity != Variadic && len(args) > info.MaxArity) {
		return value.Unit(), &HostError{
			Code: InvalidArgument,
			Name: info.Name,
			Msg:  fmt.Sprintf("expects %s arguments, got %d", arity(info), len(args)),
		}
	}
	defer func() {
		if r := recover(); r != nil {
			result = value.Unit()
			err = &HostError{Code: Panic, Name: info.Name, Msg: fmt.Sprint(r)}
		}
	}()
	result, err = ext.fn(c, args)
	if err == nil {
		return result, nil
	}
	var he *HostError
	if errors.As(err, &he) {
		if he.Name == "" {
			he.Name = info.Name
		}
		return value.Unit(), err
	}
	return value.Unit(), &HostError{Code: GeneralFailure, Name: info.Name, Msg: "extension failed", Cause: err}
}

func arity(info ExtensionInfo) string {
	switch {
	case info.MaxArity == Variadic:
		return fmt.Sprintf("at least %d", info.MinArity)
	case info.MinArity == info.MaxArity:
		return fmt.Sprint(info.MinArity)
	}
	return fmt.Sprintf("%d to %d", info.MinArity, info.MaxArity)
}
