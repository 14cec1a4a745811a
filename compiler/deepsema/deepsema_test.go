package deepsema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/kayton/compiler"
	"github.com/chazu/kayton/pkg/ir"
)

func analyze(t *testing.T, src string, opts Options) (*Plan, error) {
	t.Helper()
	mod, err := compiler.Parse(src)
	require.NoError(t, err)
	return Analyze(mod, opts)
}

func mustAnalyze(t *testing.T, src string) *Plan {
	t.Helper()
	plan, err := analyze(t, src, Options{})
	require.NoError(t, err)
	return plan
}

// findNode returns the first node of kind k whose name is name.
func findNode(plan *Plan, k ir.Kind, name string) ir.NodeID {
	for id := ir.NodeID(1); int(id) <= plan.Module.Len(); id++ {
		n := plan.Module.Node(id)
		if n.Kind == k && plan.Module.Name(n) == name {
			return id
		}
	}
	return ir.NoNode
}

// lastNode is findNode searching from the end of the arena, where the
// bodies of later functions live.
func lastNode(plan *Plan, k ir.Kind, name string) ir.NodeID {
	for id := ir.NodeID(plan.Module.Len()); id >= 1; id-- {
		n := plan.Module.Node(id)
		if n.Kind == k && plan.Module.Name(n) == name {
			return id
		}
	}
	return ir.NoNode
}

const monoSource = `(module "demo/mono"
  (fn id [T] ((x T)) T x)
  (fn main () (do (call id 1) (call id "a"))))`

func TestTwoInstances(t *testing.T) {
	plan := mustAnalyze(t, monoSource)

	require.Len(t, plan.Instances, 2)
	assert.Equal(t, "id$Int", plan.Instances[0].Name)
	assert.Equal(t, "id$String", plan.Instances[1].Name)
	assert.Equal(t, "id", plan.Instances[0].Generic)
	assert.Equal(t, "id$Int(Int) Int", plan.Instances[0].Sig.String())
	assert.Equal(t, "id$String(String) String", plan.Instances[1].Sig.String())

	assert.Equal(t, []string{"main", "id$Int", "id$String"}, plan.Functions())
	assert.Equal(t, []string{"id$Int", "id$String"}, plan.Targets("main"))
	assert.Len(t, plan.CallTargets, 2)
	assert.True(t, plan.Converged)
}

func TestNestedInstances(t *testing.T) {
	plan := mustAnalyze(t, `(module "demo/nested"
  (fn id [T] ((x T)) T x)
  (fn twice [T] ((x T)) T (call id (call id x)))
  (fn main () (call twice true)))`)

	var names []string
	for _, inst := range plan.Instances {
		names = append(names, inst.Name)
	}
	assert.Equal(t, []string{"id$Bool", "twice$Bool"}, names)
	assert.Equal(t, []string{"id$Bool", "id$Bool"}, plan.Targets("twice$Bool"))
}

const traitSource = `(module "demo/traits"
  (trait Show (show (self) String))
  (impl Show Int (fn show ((self Int)) String (call to_string self)))
  (impl Show Bool (fn show (self) String (if self "yes" "no")))
  (fn describe [(T Show)] ((x T)) String (send x show))
  (fn main () (do (send 5 show) (call describe true))))`

func TestDevirtualization(t *testing.T) {
	plan := mustAnalyze(t, traitSource)

	// The send in main is monomorphic; the one inside generic describe is
	// devirtualized per instance.
	send := lastNode(plan, ir.KindSend, "show")
	require.True(t, send.IsValid())
	assert.Equal(t, "Show$Int$show", plan.Devirt[send])
	assert.Empty(t, plan.Devirt[findNode(plan, ir.KindSend, "show")])

	inst, ok := plan.Instance("describe$Bool")
	require.True(t, ok)
	assert.Equal(t, []string{"Show$Bool$show"}, plan.Targets("describe$Bool"))
	assert.False(t, inst.Fallback)
	assert.Equal(t, []string{"Show$Int$show", "describe$Bool"}, plan.Targets("main"))

	assert.Equal(t, EffectHost, plan.Effects["Show$Int$show"])
	assert.Equal(t, Effects(0), plan.Effects["Show$Bool$show"])
	assert.Equal(t, EffectHost, plan.Effects["main"])
}

func TestInferenceThroughCalls(t *testing.T) {
	plan := mustAnalyze(t, `(module "demo/infer"
  (fn inc (x) (+ x 1))
  (fn wrap (y) (call inc y))
  (fn main () (call wrap 2)))`)

	sig, ok := plan.SignatureOf("inc")
	require.True(t, ok)
	assert.Equal(t, "inc(Int) Int", sig.String())
	sig, _ = plan.SignatureOf("wrap")
	assert.Equal(t, "wrap(Int) Int", sig.String())
	assert.Empty(t, plan.Fallback)
	assert.Greater(t, plan.Iterations, 1)
}

func TestFallbackSites(t *testing.T) {
	plan := mustAnalyze(t, `(module "demo/fallback"
  (trait Show (show (self) String))
  (impl Show Int (fn show (self) String "int"))
  (fn dyn (f x) (invoke f x))
  (fn any (x) (send x show))
  (fn add (a b) (+ a b))
  (fn fine () 1))`)

	assert.True(t, plan.Fallback["dyn"])
	assert.True(t, plan.Fallback["any"])
	assert.True(t, plan.Fallback["add"], "unconstrained operands default to Dyn")
	assert.False(t, plan.Fallback["fine"])

	assert.Equal(t, "late-bound invoke", plan.FallbackSites[findNode(plan, ir.KindInvoke, "")])
	assert.Equal(t, EffectDynamic, plan.Effects["dyn"])
	sig, _ := plan.SignatureOf("add")
	assert.Equal(t, "add(Dyn, Dyn) Dyn", sig.String())
}

func TestPremarkedFallbackIsKept(t *testing.T) {
	plan := mustAnalyze(t, `(module "m" (fn f #fallback 7 ((x Int)) Int x))`)
	assert.True(t, plan.Fallback["f"])
}

func TestTypeErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"mismatched operands", `(module "m" (fn f () (+ 1 "a")))`},
		{"non-bool condition", `(module "m" (fn f () (if 1 2 3)))`},
		{"mismatched branches", `(module "m" (fn f (c) (if c 1 "a")))`},
		{"declared return", `(module "m" (fn f () Int "a"))`},
		{"arity", `(module "m" (fn g (x) x) (fn f () (call g 1 2)))`},
		{"host arity", `(module "m" (fn f () (call len "a" "b")))`},
		{"host argument", `(module "m" (fn f () (call len 3)))`},
		{"conflicting call sites", `(module "m" (fn g (x) x) (fn f () (do (call g 1) (call g true))))`},
		{"rigid type parameter", `(module "m" (fn f [T] ((x T)) Int x))`},
		{"unknown type", `(module "m" (fn f ((x Float)) x))`},
		{"impure pure function", `(module "m" (fn f :pure () (call print 1)))`},
		{"transitively impure", `(module "m" (fn g () (call print 1)) (fn f :pure () (call g)))`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := analyze(t, tt.src, Options{})
			var te *TypeError
			require.True(t, errors.As(err, &te), "error = %v", err)
			assert.True(t, plan.Diagnostics.HasErrors())
			assert.NotEmpty(t, plan.Diagnostics.Filter(CodeTypeError))
		})
	}
}

func TestPureFunction(t *testing.T) {
	plan := mustAnalyze(t, `(module "m"
  (fn sum :pure ((n Int)) Int
    (do (let acc 0) (let i 0)
      (while (< i n) (do (set acc (+ acc i)) (set i (+ i 1))))
      acc)))`)
	assert.Equal(t, Effects(0), plan.Effects["sum"])
}

func TestTraitResolutionErrors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		trait string
		typ   string
	}{
		{"arith on strings", `(module "m" (fn f () (- "a" "b")))`, CapArith, "String"},
		{"unbounded parameter", `(module "m" (fn g [T] ((x T)) T (+ x x)))`, CapAdd, "T"},
		{"instance bound", `(module "m" (fn m [(T Ord)] ((x T)) T x) (fn f () (call m true)))`, CapOrd, "Bool"},
		{"missing impl", `(module "m"
  (trait Show (show (self) String))
  (fn f () (send 1 show)))`, "method show", "Int"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := analyze(t, tt.src, Options{})
			var tre *TraitResolutionError
			require.True(t, errors.As(err, &tre), "error = %v", err)
			assert.Equal(t, tt.trait, tre.Trait)
			assert.Equal(t, tt.typ, tre.Type)
		})
	}
}

// inc needs two passes: its capability check waits for x to be bound.
const slowSource = `(module "demo/slow" (fn inc (x) (+ x 1)))`

func TestNonConvergenceFail(t *testing.T) {
	plan, err := analyze(t, slowSource, Options{MaxIterations: 1})
	var nc *NonConvergence
	require.True(t, errors.As(err, &nc), "error = %v", err)
	assert.Equal(t, 1, nc.Iterations)
	assert.False(t, plan.Converged)
	diags := plan.Diagnostics.Filter(CodeNonConvergence)
	require.Len(t, diags, 1)
	assert.Equal(t, ir.SeverityError, diags[0].Severity)
}

func TestNonConvergenceDegrade(t *testing.T) {
	plan, err := analyze(t, slowSource, Options{MaxIterations: 1, OnNonConvergence: Degrade})
	require.NoError(t, err)
	assert.False(t, plan.Converged)
	diags := plan.Diagnostics.Filter(CodeNonConvergence)
	require.Len(t, diags, 1)
	assert.Equal(t, ir.SeverityWarning, diags[0].Severity)
	assert.True(t, plan.Fallback["inc"])
}

func TestConvergesWithinDefaultBound(t *testing.T) {
	plan := mustAnalyze(t, slowSource)
	assert.True(t, plan.Converged)
	assert.Equal(t, 2, plan.Iterations)
	assert.False(t, plan.Fallback["inc"])
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("Degrade")
	require.NoError(t, err)
	assert.Equal(t, Degrade, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Fail, p)
	_, err = ParsePolicy("retry")
	assert.Error(t, err)
}

func TestFingerprintDeterministic(t *testing.T) {
	a := mustAnalyze(t, traitSource)
	b := mustAnalyze(t, traitSource)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Contains(t, a.Fingerprint(), "describe$Bool(Bool) String -> [Show$Bool$show]\n")
}

func TestConstraintsFor(t *testing.T) {
	plan := mustAnalyze(t, slowSource)
	bin := ir.NoNode
	plan.Module.Walk(plan.Module.Root, func(n *ir.Node) bool {
		if n.Kind == ir.KindBinary {
			bin = n.ID
		}
		return true
	})
	require.True(t, bin.IsValid())
	cs := plan.ConstraintsFor(bin)
	// capability, operands, then the body against the return type
	require.Len(t, cs, 3)
	assert.Equal(t, Implements, cs[0].Kind)
	assert.Equal(t, "Int: Add", cs[0].String())
	assert.Equal(t, "Int == Int", cs[1].String())
	assert.Equal(t, "Int == Int", cs[2].String())

	ty, ok := plan.TypeOf(bin)
	require.True(t, ok)
	assert.Equal(t, "Int", ty.String())
}
