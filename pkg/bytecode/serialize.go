package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"

	"fortio.org/safecast"
)

// headerLen is magic(4) + version(2) + flags(2) + entry-table offset(4).
const headerLen = 12

// FormatVersionError is returned when a serialized module was written by an
// incompatible format version.
type FormatVersionError struct {
	Got  uint16
	Want uint16
}

func (e *FormatVersionError) Error() string {
	return fmt.Sprintf("bytecode format version %d does not match supported version %d", e.Got, e.Want)
}

// ErrMalformed is wrapped by every structural decoding failure.
var ErrMalformed = errors.New("malformed bytecode")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Serialize encodes the module in its binary layout. The encoding is a pure
// function of the module's contents.
//
// Layout (big-endian):
//
//	magic "KYBC" | version u16 | flags u16 | entry-table offset u32
//	constants: count u32, then per entry: kind u8, length u32, payload
//	code: length u32, bytes
//	entry table: count u32, then per function: name, offset u32,
//	             params u16, locals u16, max stack u16
//	methods: count u32, then per method: type, name, func u32
//	globals: count u32, then per global: name, const u16
//	hosts: count u32, then per import: name, slot u16
//
// Strings are encoded as length u32 followed by UTF-8 bytes.
func (m *Module) Serialize() ([]byte, error) {
	buf := make([]byte, 0, headerLen+len(m.Code)+len(m.Constants)*16+len(m.Functions)*32)

	buf = append(buf, BytecodeMagic...)
	buf = binary.BigEndian.AppendUint16(buf, m.Version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(m.Flags))
	buf = append(buf, 0, 0, 0, 0) // entry-table offset, patched below

	var err error
	if buf, err = appendCount(buf, len(m.Constants)); err != nil {
		return nil, err
	}
	for _, c := range m.Constants {
		var payload []byte
		switch c.Kind {
		case ConstUnit:
		case ConstInt:
			payload = binary.BigEndian.AppendUint64(nil, uint64(c.Int))
		case ConstBool:
			payload = []byte{byte(c.Int & 1)}
		case ConstString, ConstType:
			payload = []byte(c.Str)
		default:
			return nil, fmt.Errorf("serialize: unknown constant kind %d", c.Kind)
		}
		buf = append(buf, byte(c.Kind))
		if buf, err = appendCount(buf, len(payload)); err != nil {
			return nil, err
		}
		buf = append(buf, payload...)
	}

	if buf, err = appendCount(buf, len(m.Code)); err != nil {
		return nil, err
	}
	buf = append(buf, m.Code...)

	entryOffset, err := safecast.Conv[uint32](len(buf))
	if err != nil {
		return nil, fmt.Errorf("serialize: module too large: %w", err)
	}
	binary.BigEndian.PutUint32(buf[8:12], entryOffset)

	if buf, err = appendCount(buf, len(m.Functions)); err != nil {
		return nil, err
	}
	for _, f := range m.Functions {
		if buf, err = appendString(buf, f.Name); err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint32(buf, f.Offset)
		buf = binary.BigEndian.AppendUint16(buf, f.Params)
		buf = binary.BigEndian.AppendUint16(buf, f.Locals)
		buf = binary.BigEndian.AppendUint16(buf, f.MaxStack)
	}

	if buf, err = appendCount(buf, len(m.Methods)); err != nil {
		return nil, err
	}
	for _, meth := range m.Methods {
		if buf, err = appendString(buf, meth.Type); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, meth.Name); err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint32(buf, meth.Func)
	}

	if buf, err = appendCount(buf, len(m.Globals)); err != nil {
		return nil, err
	}
	for _, g := range m.Globals {
		if buf, err = appendString(buf, g.Name); err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint16(buf, g.Const)
	}

	if buf, err = appendCount(buf, len(m.Hosts)); err != nil {
		return nil, err
	}
	for _, h := range m.Hosts {
		if buf, err = appendString(buf, h.Name); err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint16(buf, h.Slot)
	}
	return buf, nil
}

func appendCount(buf []byte, n int) ([]byte, error) {
	v, err := safecast.Conv[uint32](n)
	if err != nil {
		return nil, fmt.Errorf("serialize: length %d: %w", n, err)
	}
	return binary.BigEndian.AppendUint32(buf, v), nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	buf, err := appendCount(buf, len(s))
	if err != nil {
		return nil, err
	}
	return append(buf, s...), nil
}

// reader walks serialized bytes with bounds checking.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) need(n int, what string) error {
	if n < 0 || r.pos+n > len(r.data) {
		return malformed("unexpected end of data reading %s at offset %d", what, r.pos)
	}
	return nil
}

func (r *reader) u8(what string) (uint8, error) {
	if err := r.need(1, what); err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16(what string) (uint16, error) {
	if err := r.need(2, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32(what string) (uint32, error) {
	if err := r.need(4, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) bytes(what string) ([]byte, error) {
	n, err := r.u32(what + " length")
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n), what); err != nil {
		return nil, err
	}
	out := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

func (r *reader) str(what string) (string, error) {
	b, err := r.bytes(what)
	return string(b), err
}

// Deserialize decodes a module. The result is not verified; callers run
// Verify (the VM does so on load).
func Deserialize(data []byte) (*Module, error) {
	if len(data) < headerLen {
		return nil, malformed("bytecode too short: need at least %d bytes, got %d", headerLen, len(data))
	}
	if string(data[0:4]) != string(BytecodeMagic) {
		return nil, malformed("invalid bytecode magic: expected %q, got %q", BytecodeMagic, data[0:4])
	}
	m := &Module{
		Version: binary.BigEndian.Uint16(data[4:6]),
		Flags:   ModuleFlags(binary.BigEndian.Uint16(data[6:8])),
	}
	if m.Version != BytecodeVersion {
		return nil, &FormatVersionError{Got: m.Version, Want: BytecodeVersion}
	}
	entryOffset := binary.BigEndian.Uint32(data[8:12])
	r := &reader{data: data, pos: headerLen}

	count, err := r.u32("constant count")
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		kind, err := r.u8("constant kind")
		if err != nil {
			return nil, err
		}
		payload, err := r.bytes(fmt.Sprintf("constant %d", i))
		if err != nil {
			return nil, err
		}
		c := Constant{Kind: ConstKind(kind)}
		switch c.Kind {
		case ConstUnit:
			if len(payload) != 0 {
				return nil, malformed("constant %d: unit with payload", i)
			}
		case ConstInt:
			if len(payload) != 8 {
				return nil, malformed("constant %d: int payload of %d bytes", i, len(payload))
			}
			c.Int = int64(binary.BigEndian.Uint64(payload))
		case ConstBool:
			if len(payload) != 1 || payload[0] > 1 {
				return nil, malformed("constant %d: bad bool payload", i)
			}
			c.Int = int64(payload[0])
		case ConstString, ConstType:
			c.Str = string(payload)
		default:
			return nil, malformed("constant %d: unknown kind %d", i, kind)
		}
		m.Constants = append(m.Constants, c)
	}

	code, err := r.bytes("code section")
	if err != nil {
		return nil, err
	}
	m.Code = append(make([]byte, 0, len(code)), code...)

	if int(entryOffset) != r.pos {
		return nil, malformed("entry table offset %d does not match section end %d", entryOffset, r.pos)
	}

	if count, err = r.u32("function count"); err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		var f Function
		if f.Name, err = r.str("function name"); err != nil {
			return nil, err
		}
		if f.Offset, err = r.u32("function offset"); err != nil {
			return nil, err
		}
		if f.Params, err = r.u16("param count"); err != nil {
			return nil, err
		}
		if f.Locals, err = r.u16("local count"); err != nil {
			return nil, err
		}
		if f.MaxStack, err = r.u16("max stack"); err != nil {
			return nil, err
		}
		m.Functions = append(m.Functions, f)
	}

	if count, err = r.u32("method count"); err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		var meth Method
		if meth.Type, err = r.str("method type"); err != nil {
			return nil, err
		}
		if meth.Name, err = r.str("method name"); err != nil {
			return nil, err
		}
		if meth.Func, err = r.u32("method function"); err != nil {
			return nil, err
		}
		m.Methods = append(m.Methods, meth)
	}

	if count, err = r.u32("global count"); err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		var g Global
		if g.Name, err = r.str("global name"); err != nil {
			return nil, err
		}
		if g.Const, err = r.u16("global constant"); err != nil {
			return nil, err
		}
		m.Globals = append(m.Globals, g)
	}

	if count, err = r.u32("host count"); err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		var h HostImport
		if h.Name, err = r.str("host name"); err != nil {
			return nil, err
		}
		if h.Slot, err = r.u16("host slot"); err != nil {
			return nil, err
		}
		m.Hosts = append(m.Hosts, h)
	}

	if r.pos != len(data) {
		return nil, malformed("%d trailing bytes", len(data)-r.pos)
	}
	return m, nil
}
