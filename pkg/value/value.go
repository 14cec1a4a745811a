// Package value defines HostValue, the tagged union of runtime values that
// crosses the boundary between bytecode, native units and host extensions.
package value

import (
	"encoding/hex"
	"fmt"
	"strconv"
)

// Kind is the closed set of value tags. The VM's dispatch tables are
// indexed by Kind, so adding a kind means extending those tables.
type Kind uint8

const (
	KindUnit Kind = iota
	KindInt
	KindBool
	KindString
	KindBytes
	KindHandle

	NumKinds
)

var kindNames = [NumKinds]string{
	KindUnit:   "Unit",
	KindInt:    "Int",
	KindBool:   "Bool",
	KindString: "String",
	KindBytes:  "Bytes",
	KindHandle: "Handle",
}

// String returns the type name used for method lookup.
func (k Kind) String() string {
	if k < NumKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// KindByName is the inverse of Kind.String.
func KindByName(name string) (Kind, bool) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), true
		}
	}
	return 0, false
}

// Value is the runtime representation of a HostValue. The zero Value is Unit.
type Value struct {
	kind Kind
	n    int64
	s    string
	b    []byte
}

// Unit returns the unit value.
func Unit() Value { return Value{} }

// Int creates an integer value.
func Int(n int64) Value { return Value{kind: KindInt, n: n} }

// Bool creates a boolean value.
func Bool(v bool) Value {
	if v {
		return Value{kind: KindBool, n: 1}
	}
	return Value{kind: KindBool}
}

// String creates a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes creates a byte-string value. Ownership of b transfers to the value;
// the caller must not modify b afterwards.
func Bytes(b []byte) Value { return Value{kind: KindBytes, b: b} }

// Handle creates a reference to a capsule in a host handle table.
func Handle(id uint64) Value { return Value{kind: KindHandle, n: int64(id)} }

// Kind returns the tag.
func (v Value) Kind() Kind { return v.kind }

// TypeName returns the name of the value's type.
func (v Value) TypeName() string { return v.kind.String() }

// RawInt returns the integer payload without checking the tag. Callers use
// it only after the tag has been established.
func (v Value) RawInt() int64 { return v.n }

// RawBool returns the boolean payload without checking the tag.
func (v Value) RawBool() bool { return v.n != 0 }

// RawString returns the string payload without checking the tag.
func (v Value) RawString() string { return v.s }

// AsInt returns the integer payload.
func (v Value) AsInt() (int64, bool) { return v.n, v.kind == KindInt }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) { return v.n != 0, v.kind == KindBool }

// AsString returns the string payload.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsBytes borrows the byte payload. The returned slice must not be retained
// past the call that received v.
func (v Value) AsBytes() ([]byte, bool) { return v.b, v.kind == KindBytes }

// AsHandle returns the handle id.
func (v Value) AsHandle() (uint64, bool) { return uint64(v.n), v.kind == KindHandle }

// IsUnit reports whether v is the unit value.
func (v Value) IsUnit() bool { return v.kind == KindUnit }

// Clone returns a copy of v that owns its byte payload.
func (v Value) Clone() Value {
	if v.kind == KindBytes && v.b != nil {
		v.b = append([]byte(nil), v.b...)
	}
	return v
}

// Equal reports structural equality. Values of different kinds are never
// equal.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindUnit:
		return true
	case KindString:
		return a.s == b.s
	case KindBytes:
		return string(a.b) == string(b.b)
	default:
		return a.n == b.n
	}
}

// String formats v the way the print extension shows it.
func (v Value) String() string {
	switch v.kind {
	case KindUnit:
		return "()"
	case KindInt:
		return strconv.FormatInt(v.n, 10)
	case KindBool:
		return strconv.FormatBool(v.n != 0)
	case KindString:
		return v.s
	case KindBytes:
		return "0x" + hex.EncodeToString(v.b)
	case KindHandle:
		return fmt.Sprintf("<handle %d>", uint64(v.n))
	}
	return fmt.Sprintf("<invalid kind %d>", v.kind)
}

// GoString is used by %#v and in test failure output.
func (v Value) GoString() string {
	if v.kind == KindString {
		return "String(" + strconv.Quote(v.s) + ")"
	}
	return v.kind.String() + "(" + v.String() + ")"
}
