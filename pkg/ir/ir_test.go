package ir

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildCounter builds:
//
//	(fn count (n) (do (let i 0) (while (< i n) (set i (+ i 1))) i))
//	(fn main () (call count 3))
func buildCounter() *Module {
	b := NewBuilder("test/counter")
	b.Reserve()
	var sp Span
	n := b.Param("n", "", sp)
	let := b.Let("i", b.Int(0, sp), sp)
	cond := b.Binary(OpLt, b.Name("i", sp), b.Name("n", sp), sp)
	inc := b.Assign("i", b.Binary(OpAdd, b.Name("i", sp), b.Int(1, sp), sp), sp)
	loop := b.While(cond, inc, sp)
	body := b.Block([]NodeID{let, loop}, b.Name("i", sp), sp)
	b.Item(b.Func("count", nil, []NodeID{n}, "", false, body, sp))
	b.Item(b.Func("main", nil, nil, "", false, b.Call("count", []NodeID{b.Int(3, sp)}, sp), sp))
	return b.Finish()
}

func TestBuilderLayout(t *testing.T) {
	mod := buildCounter()
	assert.Equal(t, NodeID(1), mod.Root)
	assert.Equal(t, KindModule, mod.Node(mod.Root).Kind)

	count, ok := mod.FindFunc("count")
	require.True(t, ok)
	assert.Len(t, mod.Params(count), 1)
	body := mod.Node(mod.Body(count))
	assert.Equal(t, KindBlock, body.Kind)
	assert.True(t, body.HasTail)
	assert.Len(t, mod.Funcs(), 2)

	_, ok = mod.FindFunc("missing")
	assert.False(t, ok)
}

func TestModuleNodePanicsOnInvalid(t *testing.T) {
	mod := buildCounter()
	assert.Panics(t, func() { mod.Node(NoNode) })
	assert.Panics(t, func() { mod.Node(NodeID(mod.Len() + 1)) })
	_, ok := mod.Lookup(NodeID(mod.Len() + 1))
	assert.False(t, ok)
}

func TestWalkSkipsChildren(t *testing.T) {
	mod := buildCounter()
	var kinds []Kind
	mod.Walk(mod.Root, func(n *Node) bool {
		kinds = append(kinds, n.Kind)
		return n.Kind != KindFunc
	})
	assert.Equal(t, []Kind{KindModule, KindFunc, KindFunc}, kinds)
}

func TestResolveBindings(t *testing.T) {
	mod := buildCounter()
	scopes := Resolve(mod)
	assert.Empty(t, scopes.Unbound)

	count, _ := mod.FindFunc("count")
	param := mod.Params(count)[0]
	var let NodeID
	mod.Walk(count, func(n *Node) bool {
		if n.Kind == KindLet {
			let = n.ID
		}
		return true
	})
	require.True(t, let.IsValid())

	mod.Walk(count, func(n *Node) bool {
		switch n.Kind {
		case KindName, KindAssign:
			decl, ok := scopes.Binding(n.ID)
			require.True(t, ok, "node %d unbound", n.ID)
			if mod.Name(n) == "n" {
				assert.Equal(t, param, decl)
			} else {
				assert.Equal(t, let, decl)
			}
		}
		return true
	})

	main, _ := mod.FindFunc("main")
	call := mod.Body(main)
	decl, ok := scopes.Binding(call)
	require.True(t, ok)
	assert.Equal(t, count, decl)

	owner := scopes.Owner[let]
	chain := scopes.Chain(owner)
	assert.Equal(t, ScopeID(0), chain[len(chain)-1])
	assert.Greater(t, len(chain), 2)
}

func TestResolveUnbound(t *testing.T) {
	b := NewBuilder("test/unbound")
	b.Reserve()
	var sp Span
	body := b.Call("print", []NodeID{b.Name("ghost", sp)}, sp)
	b.Item(b.Func("main", nil, nil, "", false, body, sp))
	mod := b.Finish()

	scopes := Resolve(mod)
	require.Len(t, scopes.Unbound, 2)
	assert.Equal(t, KindName, mod.Node(scopes.Unbound[0]).Kind)
	assert.Equal(t, KindCall, mod.Node(scopes.Unbound[1]).Kind)
}

func TestSymbolTable(t *testing.T) {
	st := NewSymbolTable()
	a := st.Intern("a")
	assert.Equal(t, a, st.Intern("a"))
	b := st.Intern("b")
	assert.NotEqual(t, a, b)
	got, ok := st.Lookup("b")
	assert.True(t, ok)
	assert.Equal(t, b, got)
	assert.Equal(t, "a", st.Name(a))
	_, ok = st.Lookup("c")
	assert.False(t, ok)
}

func TestLookupOp(t *testing.T) {
	op, ok := LookupOp("<=")
	assert.True(t, ok)
	assert.Equal(t, OpLe, op)
	assert.True(t, op.IsCompare())
	assert.False(t, op.IsArith())

	_, ok = LookupOp("?")
	assert.False(t, ok)
	_, ok = LookupOp("**")
	assert.False(t, ok)
}

func TestDiagnosticsErr(t *testing.T) {
	var ds Diagnostics
	assert.NoError(t, ds.Err())

	ds = append(ds, Diagnostic{Severity: SeverityWarning, Code: "w", Message: "just a warning"})
	assert.False(t, ds.HasErrors())
	assert.NoError(t, ds.Err())

	ds = append(ds,
		Diagnostic{Severity: SeverityError, Code: "type", Message: "first"},
		Diagnostic{Severity: SeverityError, Code: "arity", Message: "second"},
	)
	assert.True(t, ds.HasErrors())
	err := ds.Err()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "first"))
	assert.True(t, strings.Contains(err.Error(), "second"))
	assert.Len(t, ds.Filter("type"), 1)
}
