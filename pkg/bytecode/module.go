package bytecode

import (
	"encoding/binary"
	"fmt"
	"sort"

	"fortio.org/safecast"
)

// BytecodeVersion is the current bytecode format version.
// Increment when making incompatible changes to the format.
const BytecodeVersion uint16 = 1

// Magic bytes for bytecode files: "KYBC" (Kayton ByteCode)
var BytecodeMagic = []byte{'K', 'Y', 'B', 'C'}

// ModuleFlags contains compilation flags for a module.
type ModuleFlags uint16

const (
	// ModuleFlagPruned indicates the module holds only the functions
	// reachable from a set of roots (a thunk blob).
	ModuleFlagPruned ModuleFlags = 1 << 0
)

// ConstKind tags constant pool entries.
type ConstKind uint8

const (
	ConstUnit   ConstKind = 0
	ConstInt    ConstKind = 1
	ConstBool   ConstKind = 2
	ConstString ConstKind = 3
	ConstType   ConstKind = 4 // type descriptor, by name
)

func (k ConstKind) String() string {
	switch k {
	case ConstUnit:
		return "unit"
	case ConstInt:
		return "int"
	case ConstBool:
		return "bool"
	case ConstString:
		return "string"
	case ConstType:
		return "type"
	}
	return fmt.Sprintf("ConstKind(%d)", k)
}

// Constant is one pool entry. Bool payloads live in Int (0 or 1); string and
// type-descriptor payloads live in Str.
type Constant struct {
	Kind ConstKind
	Int  int64
	Str  string
}

func (c Constant) String() string {
	switch c.Kind {
	case ConstUnit:
		return "()"
	case ConstInt:
		return fmt.Sprintf("%d", c.Int)
	case ConstBool:
		return fmt.Sprintf("%t", c.Int != 0)
	case ConstString:
		return fmt.Sprintf("%q", c.Str)
	case ConstType:
		return "type " + c.Str
	}
	return "?"
}

// Function is an entry-table record. A function's code runs from Offset up
// to the next function's Offset (or the end of the code section).
type Function struct {
	Name     string
	Offset   uint32
	Params   uint16
	Locals   uint16 // includes Params
	MaxStack uint16 // computed by the verifier
}

// Method binds (receiver type, method name) to a function for SEND.
type Method struct {
	Type string
	Name string
	Func uint32
}

// Global names a module-level constant.
type Global struct {
	Name  string
	Const uint16
}

// HostImport names the host function a CALL_HOST slot was resolved to at
// emission time. A host running the module must bind the same slot.
type HostImport struct {
	Name string
	Slot uint16
}

// SlotResolver maps host function names to capability slots.
type SlotResolver interface {
	Slot(name string) (uint16, bool)
}

// HostBindingError reports a host whose capability table does not match
// the slots a module was emitted against.
type HostBindingError struct {
	Name string
	Want uint16
	Got  uint16
	// Missing is set when the host has no function of that name.
	Missing bool
}

func (e *HostBindingError) Error() string {
	if e.Missing {
		return fmt.Sprintf("host function %q (slot %d) is not registered", e.Name, e.Want)
	}
	return fmt.Sprintf("host function %q is in slot %d, module expects slot %d", e.Name, e.Got, e.Want)
}

// Module is a complete bytecode unit.
type Module struct {
	Version   uint16
	Flags     ModuleFlags
	Constants []Constant
	Code      []byte
	Functions []Function
	Methods   []Method
	Globals   []Global
	Hosts     []HostImport

	constIndex map[Constant]uint16
	verified   bool
}

// NewModule creates a new empty module with the current version. The unit
// constant always occupies index 0.
func NewModule() *Module {
	m := &Module{
		Version: BytecodeVersion,
		Code:    make([]byte, 0, 64),
	}
	m.AddConstant(Constant{Kind: ConstUnit})
	return m
}

// MaxConstants is the largest constant pool a module can address.
const MaxConstants = 1 << 16

// AddConstant adds a constant to the pool and returns its index.
// If the constant already exists, returns the existing index. It panics
// when the pool already holds MaxConstants entries; emitters check first.
func (m *Module) AddConstant(c Constant) uint16 {
	if m.constIndex == nil {
		m.constIndex = make(map[Constant]uint16, len(m.Constants))
		for i, existing := range m.Constants {
			if _, dup := m.constIndex[existing]; !dup {
				m.constIndex[existing] = uint16(i)
			}
		}
	}
	if idx, ok := m.constIndex[c]; ok {
		return idx
	}
	idx := safecast.MustConv[uint16](len(m.Constants))
	m.Constants = append(m.Constants, c)
	m.constIndex[c] = idx
	return idx
}

// Emit appends a single-byte opcode to the code section.
func (m *Module) Emit(op Opcode) int {
	offset := len(m.Code)
	m.Code = append(m.Code, byte(op))
	return offset
}

// EmitU16 appends an opcode with a 16-bit operand.
func (m *Module) EmitU16(op Opcode, v uint16) int {
	offset := len(m.Code)
	m.Code = append(m.Code, byte(op))
	m.Code = binary.BigEndian.AppendUint16(m.Code, v)
	return offset
}

// EmitU16U8 appends an opcode with a 16-bit operand and an 8-bit argc.
func (m *Module) EmitU16U8(op Opcode, v uint16, argc uint8) int {
	offset := m.EmitU16(op, v)
	m.Code = append(m.Code, argc)
	return offset
}

// EmitU8 appends an opcode with a single-byte operand.
func (m *Module) EmitU8(op Opcode, v uint8) int {
	offset := len(m.Code)
	m.Code = append(m.Code, byte(op), v)
	return offset
}

// EmitJump emits a jump with a placeholder target and returns the offset of
// the placeholder for later patching.
func (m *Module) EmitJump(op Opcode) int {
	m.Code = append(m.Code, byte(op), 0xFF, 0xFF, 0xFF, 0xFF)
	return len(m.Code) - 4
}

// EmitJumpTo emits a jump to a known target (a backward jump).
func (m *Module) EmitJumpTo(op Opcode, target int) {
	at := m.EmitJump(op)
	m.PatchJumpTo(at, target)
}

// PatchJump patches a placeholder to jump to the current position.
func (m *Module) PatchJump(placeholderOffset int) {
	m.PatchJumpTo(placeholderOffset, len(m.Code))
}

// PatchJumpTo patches a placeholder to jump to target.
func (m *Module) PatchJumpTo(placeholderOffset int, target int) {
	binary.BigEndian.PutUint32(m.Code[placeholderOffset:], safecast.MustConv[uint32](target))
}

// EmitCall emits a call with a placeholder target and returns the offset of
// the placeholder. Targets are patched once every function is placed.
func (m *Module) EmitCall(argc uint8) int {
	m.Code = append(m.Code, byte(OpCall), 0xFF, 0xFF, 0xFF, 0xFF, argc)
	return len(m.Code) - 5
}

// CurrentOffset returns the current offset in the code section.
func (m *Module) CurrentOffset() int {
	return len(m.Code)
}

// FunctionEnd returns the end offset (exclusive) of function i.
func (m *Module) FunctionEnd(i int) int {
	if i+1 < len(m.Functions) {
		return int(m.Functions[i+1].Offset)
	}
	return len(m.Code)
}

// FindFunction returns the index of the function named name.
func (m *Module) FindFunction(name string) (int, bool) {
	for i := range m.Functions {
		if m.Functions[i].Name == name {
			return i, true
		}
	}
	return -1, false
}

// FunctionAt returns the index of the function starting exactly at offset.
func (m *Module) FunctionAt(offset uint32) (int, bool) {
	for i := range m.Functions {
		if m.Functions[i].Offset == offset {
			return i, true
		}
	}
	return -1, false
}

// FindMethod returns the function index bound to (typ, name).
func (m *Module) FindMethod(typ, name string) (int, bool) {
	for _, meth := range m.Methods {
		if meth.Type == typ && meth.Name == name {
			return int(meth.Func), true
		}
	}
	return -1, false
}

// Verified reports whether Verify has accepted this module.
func (m *Module) Verified() bool { return m.verified }

// AddHost records that CALL_HOST slot refers to the host function name.
// Recording the same pair again is a no-op.
func (m *Module) AddHost(name string, slot uint16) {
	for _, h := range m.Hosts {
		if h.Name == name && h.Slot == slot {
			return
		}
	}
	m.Hosts = append(m.Hosts, HostImport{Name: name, Slot: slot})
}

// HostAt returns the host function name imported in slot.
func (m *Module) HostAt(slot uint16) (string, bool) {
	for _, h := range m.Hosts {
		if h.Slot == slot {
			return h.Name, true
		}
	}
	return "", false
}

// CheckHostSlots reports the first host import that r binds to a
// different slot, or does not bind at all.
func (m *Module) CheckHostSlots(r SlotResolver) error {
	for _, h := range m.Hosts {
		got, ok := r.Slot(h.Name)
		if !ok {
			return &HostBindingError{Name: h.Name, Want: h.Slot, Missing: true}
		}
		if got != h.Slot {
			return &HostBindingError{Name: h.Name, Want: h.Slot, Got: got}
		}
	}
	return nil
}

// HostNames returns the sorted host function names the module calls,
// by name or through an imported slot. Late-bound calls are not included.
// The module must be verified.
func (m *Module) HostNames() []string {
	seen := make(map[string]bool)
	for _, h := range m.Hosts {
		seen[h.Name] = true
	}
	for pc := 0; pc < len(m.Code); {
		op := Opcode(m.Code[pc])
		if op == OpCallHostDynamic {
			idx := binary.BigEndian.Uint16(m.Code[pc+1:])
			seen[m.Constants[idx].Str] = true
		}
		pc += op.InstructionLen()
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
