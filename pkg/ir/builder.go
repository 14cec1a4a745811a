package ir

// Builder constructs a Module. IDs are handed out in call order, so a
// deterministic construction sequence yields deterministic IDs.
type Builder struct {
	mod   *Module
	items []NodeID
}

// NewBuilder starts a module at path.
func NewBuilder(path string) *Builder {
	return &Builder{mod: NewModule(path)}
}

// Module returns the module under construction.
func (b *Builder) Module() *Module { return b.mod }

// Reserve allocates the module root so it receives the first id. Callers
// that care about the root being node 1 invoke this before adding items.
func (b *Builder) Reserve() NodeID {
	if !b.mod.Root.IsValid() {
		b.mod.Root = b.mod.Add(Node{Kind: KindModule})
	}
	return b.mod.Root
}

// Item registers a top-level item.
func (b *Builder) Item(id NodeID) NodeID {
	b.items = append(b.items, id)
	return id
}

// Finish seals the module root and returns the module.
func (b *Builder) Finish() *Module {
	root := b.Reserve()
	b.mod.Node(root).Children = b.items
	return b.mod
}

func (b *Builder) sym(name string) Symbol { return b.mod.Symbols.Intern(name) }

// Int adds an integer literal.
func (b *Builder) Int(v int64, sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindInt, Int: v, Span: sp})
}

// String adds a string literal.
func (b *Builder) String(v string, sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindString, Str: v, Span: sp})
}

// Bool adds a boolean literal.
func (b *Builder) Bool(v bool, sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindBool, Bool: v, Span: sp})
}

// Unit adds the unit literal.
func (b *Builder) Unit(sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindUnit, Span: sp})
}

// Name adds a name reference.
func (b *Builder) Name(name string, sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindName, Sym: b.sym(name), Span: sp})
}

// Let adds a binding.
func (b *Builder) Let(name string, value NodeID, sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindLet, Sym: b.sym(name), Children: []NodeID{value}, Span: sp})
}

// Assign adds an assignment to an existing binding.
func (b *Builder) Assign(name string, value NodeID, sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindAssign, Sym: b.sym(name), Children: []NodeID{value}, Span: sp})
}

// Param adds a parameter with an optional declared type.
func (b *Builder) Param(name, typ string, sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindParam, Sym: b.sym(name), TypeExpr: typ, Span: sp})
}

// Func adds a function declaration. body must already exist.
func (b *Builder) Func(name string, tparams []TypeParam, params []NodeID, ret string, pure bool, body NodeID, sp Span) NodeID {
	children := make([]NodeID, 0, len(params)+1)
	children = append(children, params...)
	children = append(children, body)
	return b.mod.Add(Node{
		Kind:       KindFunc,
		Sym:        b.sym(name),
		TypeParams: tparams,
		TypeExpr:   ret,
		Pure:       pure,
		Children:   children,
		Span:       sp,
	})
}

// TraitMethod adds a method signature inside a trait.
func (b *Builder) TraitMethod(name string, params []NodeID, ret string, sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindTraitMethod, Sym: b.sym(name), Children: params, TypeExpr: ret, Span: sp})
}

// Trait adds a trait declaration.
func (b *Builder) Trait(name string, methods []NodeID, sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindTrait, Sym: b.sym(name), Children: methods, Span: sp})
}

// Impl adds an implementation of trait for typ.
func (b *Builder) Impl(trait, typ string, funcs []NodeID, sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindImpl, Sym: b.sym(trait), TypeExpr: typ, Children: funcs, Span: sp})
}

// Block adds a block. When tail is valid it becomes the block's value.
func (b *Builder) Block(stmts []NodeID, tail NodeID, sp Span) NodeID {
	children := append([]NodeID(nil), stmts...)
	hasTail := tail.IsValid()
	if hasTail {
		children = append(children, tail)
	}
	return b.mod.Add(Node{Kind: KindBlock, Children: children, HasTail: hasTail, Span: sp})
}

// While adds a loop.
func (b *Builder) While(cond, body NodeID, sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindWhile, Children: []NodeID{cond, body}, Span: sp})
}

// Return adds a return; value may be NoNode.
func (b *Builder) Return(value NodeID, sp Span) NodeID {
	var children []NodeID
	if value.IsValid() {
		children = []NodeID{value}
	}
	return b.mod.Add(Node{Kind: KindReturn, Children: children, Span: sp})
}

// If adds a conditional; els may be NoNode.
func (b *Builder) If(cond, then, els NodeID, sp Span) NodeID {
	children := []NodeID{cond, then}
	if els.IsValid() {
		children = append(children, els)
	}
	return b.mod.Add(Node{Kind: KindIf, Children: children, Span: sp})
}

// Call adds a direct call by name.
func (b *Builder) Call(callee string, args []NodeID, sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindCall, Sym: b.sym(callee), Children: args, Span: sp})
}

// Send adds a virtual method call.
func (b *Builder) Send(recv NodeID, method string, args []NodeID, sp Span) NodeID {
	children := append([]NodeID{recv}, args...)
	return b.mod.Add(Node{Kind: KindSend, Sym: b.sym(method), Children: children, Span: sp})
}

// Invoke adds a late-bound call whose callee name is computed at runtime.
func (b *Builder) Invoke(callee NodeID, args []NodeID, sp Span) NodeID {
	children := append([]NodeID{callee}, args...)
	return b.mod.Add(Node{Kind: KindInvoke, Children: children, Span: sp})
}

// Binary adds a binary operation.
func (b *Builder) Binary(op Op, lhs, rhs NodeID, sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindBinary, Op: op, Children: []NodeID{lhs, rhs}, Span: sp})
}

// Unary adds a unary operation.
func (b *Builder) Unary(op Op, operand NodeID, sp Span) NodeID {
	return b.mod.Add(Node{Kind: KindUnary, Op: op, Children: []NodeID{operand}, Span: sp})
}
