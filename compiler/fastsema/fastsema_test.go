package fastsema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/kayton/compiler"
	"github.com/chazu/kayton/pkg/ir"
)

func analyze(t *testing.T, src string) (*ir.Module, *Result) {
	t.Helper()
	mod, err := compiler.Parse(src)
	require.NoError(t, err)
	return mod, Analyze(mod)
}

func bodyOf(t *testing.T, mod *ir.Module, name string) ir.NodeID {
	t.Helper()
	fn, ok := mod.FindFunc(name)
	require.True(t, ok, "no function %s", name)
	return mod.Body(fn)
}

func TestLiteralsAndArithmetic(t *testing.T) {
	mod, res := analyze(t, `(module "m"
	  (fn a () (+ 1 2))
	  (fn b () (+ "x" "y"))
	  (fn c () (< 1 2))
	  (fn d (x) (+ x 1))
	  (fn e () (neg 3))
	  (fn f () (not true)))`)
	require.Empty(t, res.Diagnostics)

	assert.Equal(t, Int, res.TypeOf(bodyOf(t, mod, "a")).Kind)
	assert.Equal(t, String, res.TypeOf(bodyOf(t, mod, "b")).Kind)
	assert.Equal(t, Bool, res.TypeOf(bodyOf(t, mod, "c")).Kind)
	assert.Equal(t, Unknown, res.TypeOf(bodyOf(t, mod, "d")).Kind)
	assert.Equal(t, Int, res.TypeOf(bodyOf(t, mod, "e")).Kind)
	assert.Equal(t, Bool, res.TypeOf(bodyOf(t, mod, "f")).Kind)
}

func TestLocalsAndCalls(t *testing.T) {
	mod, res := analyze(t, `(module "m"
	  (fn two () 2)
	  (fn four () (do (let x (call two)) (+ x x)))
	  (fn later () (call after))
	  (fn after () 1))`)
	require.Empty(t, res.Diagnostics)

	assert.Equal(t, Int, res.TypeOf(bodyOf(t, mod, "four")).Kind)
	// Callees analyzed later in the module are not yet known.
	assert.Equal(t, Unknown, res.TypeOf(bodyOf(t, mod, "later")).Kind)

	two, _ := mod.FindFunc("two")
	ft := res.TypeOf(two)
	assert.Equal(t, Function, ft.Kind)
	assert.Equal(t, 0, ft.Arity)
	assert.Equal(t, Int, ft.Ret)
}

func TestHostCallsAreUnknown(t *testing.T) {
	mod, res := analyze(t, `(module "m" (fn main () (call print "hi")))`)
	assert.Empty(t, res.Diagnostics)
	assert.Equal(t, Unknown, res.TypeOf(bodyOf(t, mod, "main")).Kind)
}

func TestAssignmentWidens(t *testing.T) {
	mod, res := analyze(t, `(module "m"
	  (fn f (y) (do (let x 1) (set x y) (+ x 1)))
	  (fn g () (do (let x 1) (set x 2) (+ x 1))))`)
	require.Empty(t, res.Diagnostics)

	// x is reassigned from an unknown value, so its uses are not proven.
	assert.Equal(t, Unknown, res.TypeOf(bodyOf(t, mod, "f")).Kind)
	// Reassigning with the same type keeps the proof.
	assert.Equal(t, Int, res.TypeOf(bodyOf(t, mod, "g")).Kind)
}

func TestReturnTypes(t *testing.T) {
	mod, res := analyze(t, `(module "m"
	  (fn r (x) (do (if x (return 1)) 2))
	  (fn s (x) (do (if x (return 1)) (return 2))))`)
	require.Empty(t, res.Diagnostics)

	r, _ := mod.FindFunc("r")
	assert.Equal(t, Int, res.TypeOf(r).Ret)
	s, _ := mod.FindFunc("s")
	assert.Equal(t, Int, res.TypeOf(s).Ret)
}

func TestDiagnostics(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
		msg  string
	}{
		{"while condition", `(module "m" (fn f () (while 1 ())))`, "type", "while condition must be bool"},
		{"if condition", `(module "m" (fn f () (if "s" 1 2)))`, "type", "if condition must be bool"},
		{"branches", `(module "m" (fn f (c) (if c 1 "s")))`, "type", "mismatched branch types"},
		{"arity", `(module "m" (fn g (a) a) (fn f () (call g 1 2)))`, "arity", "expected 1 arguments, found 2"},
		{"non-function", `(module "m" (let K 1) (fn f () (call K)))`, "type", "cannot call non-function"},
		{"left operand", `(module "m" (fn f () (* true 1)))`, "type", "left operand has wrong type"},
		{"right operand", `(module "m" (fn f () (- 1 "s")))`, "type", "right operand has wrong type"},
		{"unary", `(module "m" (fn f () (neg "s")))`, "type", "unary operand has wrong type"},
		{"returns", `(module "m" (fn f (c) (do (if c (return 1)) (return "s"))))`, "type", "conflicting return types"},
		{"undefined", `(module "m" (fn f () ghost))`, "undefined-name", "undefined name ghost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, res := analyze(t, tt.src)
			found := res.Diagnostics.Filter(tt.code)
			require.NotEmpty(t, found, "diagnostics: %v", res.Diagnostics)
			assert.Equal(t, tt.msg, found[0].Message)
		})
	}
}

func TestUndefinedNameIsWarning(t *testing.T) {
	_, res := analyze(t, `(module "m" (fn f () ghost))`)
	assert.False(t, res.Diagnostics.HasErrors())
	assert.NoError(t, res.Diagnostics.Err())
}

func TestImplMethodsAnalyzed(t *testing.T) {
	mod, res := analyze(t, `(module "m"
	  (trait Twice (twice (self)))
	  (impl Twice Int (fn twice ((self Int)) Int (* 2 3))))`)
	require.Empty(t, res.Diagnostics)
	impl := mod.Node(mod.Items()[1])
	ft := res.TypeOf(impl.Children[0])
	assert.Equal(t, Function, ft.Kind)
	assert.Equal(t, Int, ft.Ret)
}
