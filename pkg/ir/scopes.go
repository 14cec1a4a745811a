package ir

// ScopeID indexes Scopes.List. Zero is the module scope.
type ScopeID uint32

// Scope is one link of a scope chain.
type Scope struct {
	Parent ScopeID
	Owner  NodeID
	Names  map[Symbol]NodeID
}

// Scopes holds the symbol relations for a module: the scope chain and the
// use-to-declaration bindings. It is computed once and kept apart from the
// node arena.
type Scopes struct {
	List []Scope
	// Bindings maps Name, Assign and Call nodes to the declaring Let,
	// Param or Func node.
	Bindings map[NodeID]NodeID
	// Unbound lists Name and Call nodes that did not resolve, in visit order.
	Unbound []NodeID
	// Owner maps every declaration to the scope it was declared in.
	Owner map[NodeID]ScopeID
}

// Binding returns the declaration a use refers to.
func (s *Scopes) Binding(use NodeID) (NodeID, bool) {
	d, ok := s.Bindings[use]
	return d, ok
}

// Chain returns the scope chain starting at id, innermost first.
func (s *Scopes) Chain(id ScopeID) []ScopeID {
	out := []ScopeID{id}
	for id != 0 {
		id = s.List[id].Parent
		out = append(out, id)
	}
	return out
}

type resolver struct {
	mod *Module
	s   *Scopes
	cur ScopeID
}

// Resolve builds the scope tables for mod.
func Resolve(mod *Module) *Scopes {
	r := &resolver{
		mod: mod,
		s: &Scopes{
			List:     []Scope{{Names: make(map[Symbol]NodeID)}},
			Bindings: make(map[NodeID]NodeID),
			Owner:    make(map[NodeID]ScopeID),
		},
	}
	items := mod.Items()
	for _, id := range items {
		n := mod.Node(id)
		if n.Kind == KindFunc || n.Kind == KindLet {
			r.declare(n.Sym, id)
		}
	}
	for _, id := range items {
		n := mod.Node(id)
		switch n.Kind {
		case KindLet:
			r.expr(n.Children[0])
		case KindFunc:
			r.fn(id)
		case KindImpl:
			for _, f := range n.Children {
				r.fn(f)
			}
		}
	}
	return r.s
}

func (r *resolver) push(owner NodeID) {
	r.s.List = append(r.s.List, Scope{Parent: r.cur, Owner: owner, Names: make(map[Symbol]NodeID)})
	r.cur = ScopeID(len(r.s.List) - 1)
}

func (r *resolver) pop() { r.cur = r.s.List[r.cur].Parent }

func (r *resolver) declare(sym Symbol, decl NodeID) {
	r.s.List[r.cur].Names[sym] = decl
	r.s.Owner[decl] = r.cur
}

func (r *resolver) lookup(sym Symbol) (NodeID, bool) {
	for id := r.cur; ; id = r.s.List[id].Parent {
		if d, ok := r.s.List[id].Names[sym]; ok {
			return d, true
		}
		if id == 0 {
			return NoNode, false
		}
	}
}

func (r *resolver) fn(id NodeID) {
	r.push(id)
	for _, p := range r.mod.Params(id) {
		r.declare(r.mod.Node(p).Sym, p)
	}
	r.expr(r.mod.Body(id))
	r.pop()
}

func (r *resolver) bind(use NodeID, sym Symbol) {
	if d, ok := r.lookup(sym); ok {
		r.s.Bindings[use] = d
		return
	}
	r.s.Unbound = append(r.s.Unbound, use)
}

func (r *resolver) expr(id NodeID) {
	if !id.IsValid() {
		return
	}
	n := r.mod.Node(id)
	switch n.Kind {
	case KindBlock:
		r.push(id)
		for _, c := range n.Children {
			r.expr(c)
		}
		r.pop()
	case KindLet:
		r.expr(n.Children[0])
		r.declare(n.Sym, id)
	case KindAssign:
		r.expr(n.Children[0])
		r.bind(id, n.Sym)
	case KindName:
		r.bind(id, n.Sym)
	case KindCall:
		for _, c := range n.Children {
			r.expr(c)
		}
		r.bind(id, n.Sym)
	default:
		for _, c := range n.Children {
			r.expr(c)
		}
	}
}
