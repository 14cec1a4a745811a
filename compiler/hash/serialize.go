package hash

import (
	"encoding/binary"

	"github.com/chazu/kayton/pkg/ir"
)

// ---------------------------------------------------------------------------
// Deterministic binary serialization of IR for hashing.
//
// Encoding conventions:
//   - First byte: HashVersion (0x01)
//   - Integers: big-endian fixed-width (int64=8B, uint16=2B, uint32=4B)
//   - Strings: uint32 big-endian length + UTF-8 bytes
//   - Booleans: single byte (0/1)
//   - Child nodes: serialized inline (flat), preceded by a count
//
// Local variables are written as de Bruijn pairs (scope depth, slot), so
// two functions that differ only in local names serialize identically.
// Spans and annotations are never written.
// ---------------------------------------------------------------------------

type serializer struct {
	buf    []byte
	mod    *ir.Module
	scopes []map[ir.Symbol]uint16
}

func newSerializer(mod *ir.Module) *serializer {
	s := &serializer{buf: make([]byte, 0, 256), mod: mod}
	s.writeByte(HashVersion)
	return s
}

func (s *serializer) writeByte(b byte) {
	s.buf = append(s.buf, b)
}

func (s *serializer) writeUint16(v uint16) {
	s.buf = binary.BigEndian.AppendUint16(s.buf, v)
}

func (s *serializer) writeUint32(v uint32) {
	s.buf = binary.BigEndian.AppendUint32(s.buf, v)
}

func (s *serializer) writeInt64(v int64) {
	s.buf = binary.BigEndian.AppendUint64(s.buf, uint64(v))
}

func (s *serializer) writeString(v string) {
	s.writeUint32(uint32(len(v)))
	s.buf = append(s.buf, v...)
}

func (s *serializer) writeBool(v bool) {
	if v {
		s.writeByte(1)
	} else {
		s.writeByte(0)
	}
}

// ---------------------------------------------------------------------------
// Scope tracking
// ---------------------------------------------------------------------------

func (s *serializer) push() {
	s.scopes = append(s.scopes, map[ir.Symbol]uint16{})
}

func (s *serializer) pop() {
	s.scopes = s.scopes[:len(s.scopes)-1]
}

func (s *serializer) declare(sym ir.Symbol) {
	top := s.scopes[len(s.scopes)-1]
	if _, ok := top[sym]; !ok {
		top[sym] = uint16(len(top))
	}
}

// ref writes a name reference: a local as (depth, slot), anything else by name.
func (s *serializer) ref(sym ir.Symbol) {
	for depth := 0; depth < len(s.scopes); depth++ {
		if slot, ok := s.scopes[len(s.scopes)-1-depth][sym]; ok {
			s.writeByte(TagLocalRef)
			s.writeUint16(uint16(depth))
			s.writeUint16(slot)
			return
		}
	}
	s.writeByte(TagGlobalRef)
	s.writeString(s.mod.Symbols.Name(sym))
}

// ---------------------------------------------------------------------------
// Nodes
// ---------------------------------------------------------------------------

func (s *serializer) function(id ir.NodeID) {
	n := s.mod.Node(id)
	s.writeByte(TagFunc)
	s.writeString(s.mod.Name(n))
	params := s.mod.Params(id)
	s.writeUint32(uint32(len(params)))
	s.writeBool(n.Pure)
	s.writeString(n.TypeExpr)
	s.writeUint32(uint32(len(n.TypeParams)))
	for _, tp := range n.TypeParams {
		s.writeString(tp.Name)
		s.writeUint32(uint32(len(tp.Bounds)))
		for _, b := range tp.Bounds {
			s.writeString(b)
		}
	}
	s.push()
	for _, p := range params {
		pn := s.mod.Node(p)
		s.declare(pn.Sym)
		s.writeString(pn.TypeExpr)
	}
	s.node(s.mod.Body(id))
	s.pop()
}

func (s *serializer) children(ids []ir.NodeID) {
	s.writeUint32(uint32(len(ids)))
	for _, c := range ids {
		s.node(c)
	}
}

func (s *serializer) node(id ir.NodeID) {
	n := s.mod.Node(id)
	switch n.Kind {
	case ir.KindInt:
		s.writeByte(TagIntLiteral)
		s.writeInt64(n.Int)
	case ir.KindString:
		s.writeByte(TagStringLiteral)
		s.writeString(n.Str)
	case ir.KindBool:
		s.writeByte(TagBoolLiteral)
		s.writeBool(n.Bool)
	case ir.KindUnit:
		s.writeByte(TagUnitLiteral)
	case ir.KindName:
		s.ref(n.Sym)
	case ir.KindLet:
		s.writeByte(TagLet)
		s.node(n.Children[0])
		s.declare(n.Sym)
	case ir.KindAssign:
		s.writeByte(TagAssign)
		s.ref(n.Sym)
		s.node(n.Children[0])
	case ir.KindReturn:
		s.writeByte(TagReturn)
		s.children(n.Children)
	case ir.KindBlock:
		s.writeByte(TagBlock)
		s.writeBool(n.HasTail)
		s.push()
		s.children(n.Children)
		s.pop()
	case ir.KindIf:
		s.writeByte(TagIf)
		s.children(n.Children)
	case ir.KindWhile:
		s.writeByte(TagWhile)
		s.children(n.Children)
	case ir.KindBinary:
		s.writeByte(TagBinary)
		s.writeByte(byte(n.Op))
		s.children(n.Children)
	case ir.KindUnary:
		s.writeByte(TagUnary)
		s.writeByte(byte(n.Op))
		s.children(n.Children)
	case ir.KindCall:
		s.writeByte(TagCall)
		s.ref(n.Sym)
		s.children(n.Children)
	case ir.KindSend:
		s.writeByte(TagSend)
		s.writeString(s.mod.Name(n))
		s.children(n.Children)
	case ir.KindInvoke:
		s.writeByte(TagInvoke)
		s.children(n.Children)
	case ir.KindFunc:
		s.function(id)
	default:
		s.writeByte(TagReservedZero)
	}
}
