// Package ir defines the desugared intermediate representation shared by
// both compilation paths.
//
// Nodes live in an arena owned by a Module and are addressed by NodeID.
// Children are held as IDs; scope and binding relations are kept in
// separate tables (see Resolve), so no node ever points back at its parent.
package ir

import "fmt"

// NodeID identifies a node within one compilation unit. Zero is invalid.
type NodeID uint32

// NoNode is the invalid sentinel.
const NoNode NodeID = 0

// IsValid reports whether the id refers to a node.
func (id NodeID) IsValid() bool { return id != NoNode }

// Kind is the closed set of node kinds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindModule
	KindLet
	KindFunc
	KindParam
	KindTrait
	KindTraitMethod
	KindImpl
	KindBlock
	KindWhile
	KindReturn
	KindAssign
	KindIf
	KindCall
	KindSend
	KindInvoke
	KindBinary
	KindUnary
	KindName
	KindInt
	KindString
	KindBool
	KindUnit
)

var kindNames = [...]string{
	KindInvalid:     "invalid",
	KindModule:      "module",
	KindLet:         "let",
	KindFunc:        "fn",
	KindParam:       "param",
	KindTrait:       "trait",
	KindTraitMethod: "trait-method",
	KindImpl:        "impl",
	KindBlock:       "do",
	KindWhile:       "while",
	KindReturn:      "return",
	KindAssign:      "set",
	KindIf:          "if",
	KindCall:        "call",
	KindSend:        "send",
	KindInvoke:      "invoke",
	KindBinary:      "binary",
	KindUnary:       "unary",
	KindName:        "name",
	KindInt:         "int",
	KindString:      "string",
	KindBool:        "bool",
	KindUnit:        "unit",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// IsExpr reports whether nodes of this kind produce a value.
func (k Kind) IsExpr() bool {
	switch k {
	case KindBlock, KindIf, KindCall, KindSend, KindInvoke, KindBinary, KindUnary,
		KindName, KindInt, KindString, KindBool, KindUnit:
		return true
	}
	return false
}

// Op is a binary or unary operator.
type Op uint8

const (
	OpNone Op = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpNeg
	OpNot
)

var opNames = [...]string{
	OpNone: "?",
	OpAdd:  "+",
	OpSub:  "-",
	OpMul:  "*",
	OpDiv:  "/",
	OpMod:  "%",
	OpEq:   "==",
	OpNe:   "!=",
	OpLt:   "<",
	OpLe:   "<=",
	OpGt:   ">",
	OpGe:   ">=",
	OpNeg:  "neg",
	OpNot:  "not",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", o)
}

// LookupOp maps a surface operator spelling to an Op.
func LookupOp(s string) (Op, bool) {
	for i, name := range opNames {
		if i != int(OpNone) && name == s {
			return Op(i), true
		}
	}
	return OpNone, false
}

// IsArith reports whether o is an arithmetic binary operator.
func (o Op) IsArith() bool { return o >= OpAdd && o <= OpMod }

// IsCompare reports whether o is a comparison operator.
func (o Op) IsCompare() bool { return o >= OpEq && o <= OpGe }

// Position is a location in surface text.
type Position struct {
	Offset int
	Line   int
	Column int
}

// Span is a source range. The zero Span means "unknown".
type Span struct {
	Start Position
	End   Position
}

func (s Span) String() string {
	if s.Start.Line == 0 {
		return "?"
	}
	return fmt.Sprintf("%d:%d", s.Start.Line, s.Start.Column)
}

// TypeParam is a generic parameter with its trait bounds.
type TypeParam struct {
	Name   string
	Bounds []string
}

// Annotations are attached by later passes.
type Annotations struct {
	// Type is the explicit concrete type of the node in rewritten IR.
	Type string
	// Effects lists the effects of a function declaration.
	Effects []string
	// Fallback marks a function that must run through a bytecode thunk.
	Fallback bool
	// ThunkID is the deterministic identifier of the fallback thunk.
	ThunkID uint64
	// Origin is the node this one was remapped from by a rewrite.
	Origin NodeID
}

// Node is one element of the arena.
//
// Child layout by kind:
//
//	Module       items
//	Let          [value]
//	Func         params..., body
//	Trait        trait-methods
//	TraitMethod  params
//	Impl         funcs
//	Block        stmts..., tail (when HasTail)
//	While        [cond, body]
//	Return       [value] or none
//	Assign       [value]
//	If           [cond, then] or [cond, then, else]
//	Call         args
//	Send         [recv, args...]
//	Invoke       [callee, args...]
//	Binary       [lhs, rhs]
//	Unary        [operand]
type Node struct {
	ID       NodeID
	Kind     Kind
	Op       Op
	Sym      Symbol
	Int      int64
	Str      string
	Bool     bool
	Children []NodeID
	Span     Span

	// TypeExpr is a declared type: param type, function return type,
	// or the target type of an impl.
	TypeExpr   string
	TypeParams []TypeParam
	Pure       bool
	HasTail    bool

	Ann Annotations
}

// Module is the arena for one compilation unit.
type Module struct {
	Path    string
	Symbols *SymbolTable
	Root    NodeID

	nodes []Node
}

// NewModule creates an empty module with its own symbol table.
func NewModule(path string) *Module {
	return &Module{Path: path, Symbols: NewSymbolTable()}
}

// Node returns the node for id. It panics on an invalid id; IDs are only
// produced by the arena itself.
func (m *Module) Node(id NodeID) *Node {
	if id == NoNode || int(id) > len(m.nodes) {
		panic(fmt.Sprintf("ir: invalid node id %d", id))
	}
	return &m.nodes[id-1]
}

// Lookup is the non-panicking form of Node.
func (m *Module) Lookup(id NodeID) (*Node, bool) {
	if id == NoNode || int(id) > len(m.nodes) {
		return nil, false
	}
	return &m.nodes[id-1], true
}

// Len returns the number of nodes in the arena.
func (m *Module) Len() int { return len(m.nodes) }

// Add appends a node and returns its id. The ID field of n is overwritten.
func (m *Module) Add(n Node) NodeID {
	m.nodes = append(m.nodes, n)
	id := NodeID(len(m.nodes))
	m.nodes[id-1].ID = id
	return id
}

// Name returns the interned name for n.Sym.
func (m *Module) Name(n *Node) string {
	return m.Symbols.Name(n.Sym)
}

// Items returns the top-level items of the module.
func (m *Module) Items() []NodeID {
	if !m.Root.IsValid() {
		return nil
	}
	return m.Node(m.Root).Children
}

// Params returns the parameter nodes of a Func or TraitMethod.
func (m *Module) Params(fn NodeID) []NodeID {
	n := m.Node(fn)
	switch n.Kind {
	case KindFunc:
		return n.Children[:len(n.Children)-1]
	case KindTraitMethod:
		return n.Children
	}
	return nil
}

// Body returns the body of a Func.
func (m *Module) Body(fn NodeID) NodeID {
	n := m.Node(fn)
	if n.Kind != KindFunc || len(n.Children) == 0 {
		return NoNode
	}
	return n.Children[len(n.Children)-1]
}

// Funcs returns the top-level function declarations in order.
func (m *Module) Funcs() []NodeID {
	var out []NodeID
	for _, id := range m.Items() {
		if m.Node(id).Kind == KindFunc {
			out = append(out, id)
		}
	}
	return out
}

// FindFunc returns the top-level function named name.
func (m *Module) FindFunc(name string) (NodeID, bool) {
	for _, id := range m.Funcs() {
		if m.Name(m.Node(id)) == name {
			return id, true
		}
	}
	return NoNode, false
}

// Walk visits id and its descendants in pre-order. Returning false from fn
// skips the children of that node.
func (m *Module) Walk(id NodeID, fn func(n *Node) bool) {
	if !id.IsValid() {
		return
	}
	n := m.Node(id)
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		m.Walk(c, fn)
	}
}
