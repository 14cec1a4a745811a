package aot

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/kayton/compiler"
	"github.com/chazu/kayton/compiler/deepsema"
	"github.com/chazu/kayton/compiler/hash"
	"github.com/chazu/kayton/pkg/ir"
)

const traitSource = `(module "demo/traits"
  (trait Show (show (self) String))
  (impl Show Int (fn show ((self Int)) String (call to_string self)))
  (impl Show Bool (fn show (self) String (if self "yes" "no")))
  (fn describe [(T Show)] ((x T)) String (send x show))
  (fn id [T] ((x T)) T x)
  (fn main () (do (send 5 show) (call id 1) (call id "a") (call describe true))))`

const fallbackSource = `(module "demo/fallback"
  (fn dyn (f x) (invoke f x))
  (fn add (a b) (+ a b))
  (fn double ((n Int)) Int (* n 2))
  (fn main () (call dyn double 21)))`

const valueSource = `(module "demo/values"
  (fn id [T] ((x T)) T x)
  (fn main () (invoke id 3)))`

func rewrite(t *testing.T, src string, opts Options) (*Result, error) {
	t.Helper()
	mod, err := compiler.Parse(src)
	require.NoError(t, err)
	plan, err := deepsema.Analyze(mod, deepsema.Options{})
	require.NoError(t, err)
	return Rewrite(mod, plan, opts)
}

func mustRewrite(t *testing.T, src string) *Result {
	t.Helper()
	res, err := rewrite(t, src, Options{})
	require.NoError(t, err)
	return res
}

func compiledNames(mod *ir.Module) []string {
	var out []string
	for _, f := range mod.AllFuncs() {
		out = append(out, f.Name)
	}
	return out
}

// bodyNode returns the first node of kind k inside the named function.
func bodyNode(mod *ir.Module, fn string, k ir.Kind) ir.NodeID {
	id, ok := mod.FindFunc(fn)
	if !ok {
		return ir.NoNode
	}
	found := ir.NoNode
	mod.Walk(mod.Body(id), func(n *ir.Node) bool {
		if found == ir.NoNode && n.Kind == k {
			found = n.ID
		}
		return found == ir.NoNode
	})
	return found
}

func TestRewriteShape(t *testing.T) {
	res := mustRewrite(t, traitSource)
	out := res.Module

	assert.Equal(t, []string{
		"Show$Int$show", "Show$Bool$show", "describe$Bool", "id$Int", "id$String", "main",
	}, compiledNames(out))
	assert.Empty(t, res.Thunks)

	text := compiler.Print(out)
	assert.Contains(t, text, "(fn id$Int ((x Int)) Int x)")
	assert.Contains(t, text, "(fn describe$Bool ((x Bool)) String (call Show$Bool$show x))")
	assert.Contains(t, text, "(call Show$Int$show 5)")
	assert.Contains(t, text, `(call id$String "a")`)
	assert.Contains(t, text, "(impl Show Bool (fn show ((self Bool)) String")
	assert.NotContains(t, text, "send")
	assert.NotContains(t, text, "[T]")
}

func TestRewriteRecordsOrigins(t *testing.T) {
	res := mustRewrite(t, traitSource)
	src, out := res.Source, res.Module

	for id := ir.NodeID(1); int(id) <= out.Len(); id++ {
		n := out.Node(id)
		if n.Kind == ir.KindModule {
			continue
		}
		origin, ok := src.Lookup(n.Ann.Origin)
		require.True(t, ok, "node %d has no origin", id)
		if n.Kind != ir.KindCall {
			assert.Equal(t, origin.Kind, n.Kind)
		}
	}

	call := bodyNode(out, "main", ir.KindCall)
	require.True(t, call.IsValid())
	assert.Equal(t, ir.KindSend, src.Node(out.Node(call).Ann.Origin).Kind)
	assert.Equal(t, "String", out.Node(call).Ann.Type)
}

func TestRoundTrip(t *testing.T) {
	for _, src := range []string{traitSource, fallbackSource, valueSource} {
		res := mustRewrite(t, src)
		printed := compiler.Print(res.Module)

		back, err := compiler.Parse(printed)
		require.NoError(t, err, printed)
		plan, err := deepsema.Analyze(back, deepsema.Options{})
		require.NoError(t, err, printed)
		assert.Equal(t, res.Plan.Fingerprint(), plan.Fingerprint(), printed)

		// Rewriting the reparsed module is a fixed point.
		again, err := Rewrite(back, plan, Options{})
		require.NoError(t, err)
		assert.Equal(t, printed, compiler.Print(again.Module))
	}
}

func TestFallbackMarking(t *testing.T) {
	res := mustRewrite(t, fallbackSource)

	var names []string
	for _, th := range res.Thunks {
		names = append(names, th.Name)
	}
	assert.Equal(t, []string{"dyn", "add"}, names)

	th, ok := res.Thunk("dyn")
	require.True(t, ok)
	origin, _ := res.Source.FindFunc("dyn")
	assert.Equal(t, origin, th.Origin)
	assert.Equal(t, hash.ThunkID(hash.ThunkKey{ModulePath: "demo/fallback", Origin: origin}), th.ID)
	assert.Equal(t, "late-bound invoke", th.Reason)

	fn := res.Module.Node(th.Func)
	assert.True(t, fn.Ann.Fallback)
	assert.Equal(t, th.ID, fn.Ann.ThunkID)
	assert.Equal(t, []string{"dynamic"}, fn.Ann.Effects)

	double, _ := res.Module.FindFunc("double")
	assert.False(t, res.Module.Node(double).Ann.Fallback)
	assert.Contains(t, compiler.Print(res.Module), "(fn add #fallback ")
}

func TestThunkIDsAreStable(t *testing.T) {
	a := mustRewrite(t, fallbackSource)
	b := mustRewrite(t, fallbackSource)
	assert.Equal(t, a.Thunks, b.Thunks)
}

func TestStrictRejectsFallback(t *testing.T) {
	res, err := rewrite(t, fallbackSource, Options{Strict: true})
	assert.Nil(t, res)
	var le *LoweringError
	require.True(t, errors.As(err, &le), "error = %v", err)
	assert.Equal(t, "dyn", le.Func)
	assert.Contains(t, err.Error(), "add")

	_, err = rewrite(t, traitSource, Options{Strict: true})
	assert.NoError(t, err)
}

func TestGenericValueIsKept(t *testing.T) {
	res := mustRewrite(t, valueSource)
	assert.Equal(t, []string{"id", "main"}, compiledNames(res.Module))
	th, ok := res.Thunk("id")
	require.True(t, ok)
	assert.Empty(t, th.Instance)
	assert.Contains(t, compiler.Print(res.Module), "[T] ((x T)) T x)")
	_, ok = res.Thunk("main")
	assert.True(t, ok)
}

func TestRewriteRejectsBadPlans(t *testing.T) {
	mod, err := compiler.Parse(`(module "m" (fn f () (+ 1 "a")))`)
	require.NoError(t, err)
	plan, _ := deepsema.Analyze(mod, deepsema.Options{})
	_, err = Rewrite(mod, plan, Options{})
	assert.Error(t, err)

	other, err := compiler.Parse(`(module "m" (fn f () 1))`)
	require.NoError(t, err)
	_, err = Rewrite(other, plan, Options{})
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	res := mustRewrite(t, traitSource)

	send := bodyNode(res.Source, "main", ir.KindSend)
	require.True(t, send.IsValid())
	in, err := res.Inspect(send)
	require.NoError(t, err)
	assert.Equal(t, "String", in.Type)
	assert.Equal(t, []string{"devirtualized to Show$Int$show"}, in.Decisions)
	require.Len(t, in.Rewritten, 1)
	assert.Equal(t, "(send 5 show)", in.Text)

	back, err := res.InspectRewritten(in.Rewritten[0])
	require.NoError(t, err)
	assert.Equal(t, in, back)

	generic := bodyNode(res.Source, "describe", ir.KindSend)
	in, err = res.Inspect(generic)
	require.NoError(t, err)
	assert.Equal(t, "String", in.Type)
	assert.Equal(t, []string{"in describe$Bool: devirtualized to Show$Bool$show"}, in.Decisions)

	fn, _ := res.Source.FindFunc("id")
	in, err = res.Inspect(fn)
	require.NoError(t, err)
	assert.Equal(t, []string{"instantiated as [id$Int id$String]"}, in.Decisions)
	assert.Len(t, in.Rewritten, 2)

	bin := bodyNode(res.Source, "main", ir.KindInt)
	in, err = res.Inspect(bin)
	require.NoError(t, err)
	assert.Equal(t, "Int", in.Type)
	assert.True(t, strings.HasPrefix(in.String(), "node "))

	_, err = res.Inspect(ir.NodeID(res.Source.Len() + 1))
	assert.Error(t, err)
}
