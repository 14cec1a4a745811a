package compiler

import (
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/kayton/pkg/ir"
)

const sampleSource = `; sample module
(module "demo/sample"
  (let LIMIT 10)
  (trait Show (show (self) String))
  (impl Show Int
    (fn show ((self Int)) String (call to_string self)))
  (fn id [T] ((x T)) T x)
  (fn max [(T Ord)] ((a T) (b T)) T (if (> a b) a b))
  (fn sum :pure ((n Int)) Int
    (do
      (let acc 0)
      (let i 0)
      (while (< i n)
        (do
          (set acc (+ acc i))
          (set i (+ i 1))))
      acc))
  (fn dyn #fallback 42 (f x) (invoke f x))
  (fn greet (who) (do (call print (send who show)) ()))
  (fn neg1 () (neg 1))
  (fn early (x) (do (if (not x) (return 0)) 1))
)
`

func mustParse(t *testing.T, src string) *ir.Module {
	t.Helper()
	mod, err := Parse(src)
	require.NoError(t, err)
	return mod
}

func TestParseItems(t *testing.T) {
	mod := mustParse(t, sampleSource)
	assert.Equal(t, "demo/sample", mod.Path)

	items := mod.Items()
	require.Len(t, items, 10)

	kinds := make([]ir.Kind, len(items))
	for i, id := range items {
		kinds[i] = mod.Node(id).Kind
	}
	assert.Equal(t, []ir.Kind{
		ir.KindLet, ir.KindTrait, ir.KindImpl,
		ir.KindFunc, ir.KindFunc, ir.KindFunc, ir.KindFunc, ir.KindFunc, ir.KindFunc, ir.KindFunc,
	}, kinds)

	impl := mod.Node(items[2])
	assert.Equal(t, "Show", mod.Name(impl))
	assert.Equal(t, "Int", impl.TypeExpr)
	require.Len(t, impl.Children, 1)
}

func TestParseFunctionHeader(t *testing.T) {
	mod := mustParse(t, sampleSource)

	maxFn, ok := mod.FindFunc("max")
	require.True(t, ok)
	n := mod.Node(maxFn)
	require.Len(t, n.TypeParams, 1)
	assert.Equal(t, "T", n.TypeParams[0].Name)
	assert.Equal(t, []string{"Ord"}, n.TypeParams[0].Bounds)
	assert.Equal(t, "T", n.TypeExpr)
	params := mod.Params(maxFn)
	require.Len(t, params, 2)
	assert.Equal(t, "T", mod.Node(params[0]).TypeExpr)

	sum, _ := mod.FindFunc("sum")
	assert.True(t, mod.Node(sum).Pure)

	dyn, _ := mod.FindFunc("dyn")
	assert.True(t, mod.Node(dyn).Ann.Fallback)
	assert.Equal(t, uint64(42), mod.Node(dyn).Ann.ThunkID)
	assert.Equal(t, ir.KindInvoke, mod.Node(mod.Body(dyn)).Kind)
}

func TestParseBlockTail(t *testing.T) {
	mod := mustParse(t, sampleSource)

	sum, _ := mod.FindFunc("sum")
	body := mod.Node(mod.Body(sum))
	require.Equal(t, ir.KindBlock, body.Kind)
	assert.True(t, body.HasTail)
	assert.Equal(t, ir.KindName, mod.Node(body.Children[len(body.Children)-1]).Kind)

	// A block ending in a statement has no tail.
	mod = mustParse(t, `(module "m" (fn f () (do (let x 1))))`)
	f, _ := mod.FindFunc("f")
	assert.False(t, mod.Node(mod.Body(f)).HasTail)
}

func TestParseOperators(t *testing.T) {
	mod := mustParse(t, sampleSource)

	f, _ := mod.FindFunc("neg1")
	body := mod.Node(mod.Body(f))
	assert.Equal(t, ir.KindUnary, body.Kind)
	assert.Equal(t, ir.OpNeg, body.Op)

	f, _ = mod.FindFunc("max")
	cond := mod.Node(mod.Node(mod.Body(f)).Children[0])
	assert.Equal(t, ir.KindBinary, cond.Kind)
	assert.Equal(t, ir.OpGt, cond.Op)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not a module", `(fn f () 1)`},
		{"missing path", `(module f)`},
		{"unclosed", `(module "m" (fn f () 1)`},
		{"stray close", `(module "m"))`},
		{"trailing datum", `(module "m") (module "n")`},
		{"bad item", `(module "m" 42)`},
		{"fn without body", `(module "m" (fn f ()))`},
		{"unknown form", `(module "m" (fn f () (frob 1)))`},
		{"binary arity", `(module "m" (fn f () (+ 1)))`},
		{"computed call", `(module "m" (fn f (g) (call (g) 1)))`},
		{"fallback without id", `(module "m" (fn f #fallback () 1))`},
		{"bad string", `(module "m" (fn f () "x))`},
		{"integer overflow", `(module "m" (fn f () 99999999999999999999))`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			var se *SyntaxError
			assert.True(t, errors.As(err, &se), "error = %v, want SyntaxError", err)
		})
	}
}

func TestPrintRoundTrip(t *testing.T) {
	mod := mustParse(t, sampleSource)
	printed := Print(mod)

	again := mustParse(t, printed)
	assert.Equal(t, printed, Print(again))
	assert.Equal(t, mod.Len(), again.Len())
}

func TestPrintDoesNotModify(t *testing.T) {
	mod := mustParse(t, sampleSource)
	before := mod.Len()
	first := Print(mod)
	second := Print(mod)
	assert.Equal(t, first, second)
	assert.Equal(t, before, mod.Len())
}

func TestPrintGolden(t *testing.T) {
	mod := mustParse(t, sampleSource)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "sample", []byte(Print(mod)))
}

func TestPrintNode(t *testing.T) {
	mod := mustParse(t, sampleSource)
	f, _ := mod.FindFunc("greet")
	assert.Equal(t, "(do (call print (send who show)) ())", PrintNode(mod, mod.Body(f)))
}
