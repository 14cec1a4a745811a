package runtime

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/kayton/compiler"
	"github.com/chazu/kayton/compiler/codegen"
	"github.com/chazu/kayton/compiler/fastsema"
	"github.com/chazu/kayton/pkg/bytecode"
	"github.com/chazu/kayton/pkg/value"
	"github.com/chazu/kayton/vm"
	"github.com/chazu/kayton/vm/dist"
)

const thunkSource = `(module "demo/thunks"
  (fn double (x) (* x 2))
  (fn greet () (call print "hi"))
  (fn boom (x) (/ x 0)))`

func thunkModule(t *testing.T) *bytecode.Module {
	t.Helper()
	mod, err := compiler.Parse(thunkSource)
	require.NoError(t, err)
	out, err := codegen.Emit(mod, fastsema.Analyze(mod), codegen.Options{})
	require.NoError(t, err)
	return out
}

func thunkBlob(t *testing.T) []byte {
	t.Helper()
	blob, err := thunkModule(t).Serialize()
	require.NoError(t, err)
	return blob
}

func printContext(out *bytes.Buffer) *Context {
	ctx := NewContext()
	ctx.SetOutput(out)
	_, err := ctx.Register(ExtensionInfo{Name: "print", MinArity: 1, MaxArity: 1}, func(c *Context, args []value.Value) (value.Value, error) {
		_, err := fmt.Fprintln(c.Output(), args[0].RawString())
		return value.Unit(), err
	})
	if err != nil {
		panic(err)
	}
	return ctx
}

func TestRegisterAndExecute(t *testing.T) {
	b := NewBridge()
	blob := thunkBlob(t)
	require.NoError(t, b.RegisterThunk(1, blob, "double"))
	require.NoError(t, b.RegisterThunk(1, blob, "double"), "re-registration is idempotent")
	require.NoError(t, b.RegisterThunk(2, blob, "boom"))
	assert.Equal(t, 2, b.Len())
	assert.Len(t, b.modules, 1, "one module per distinct blob")

	v, err := b.ExecuteThunk(1, []value.Value{value.Int(21)})
	require.NoError(t, err)
	assert.Equal(t, value.Int(42), v)
	assert.True(t, b.HasThunk(2))
	assert.False(t, b.HasThunk(3))
}

func TestRegisterConsistency(t *testing.T) {
	b := NewBridge()
	blob := thunkBlob(t)
	require.NoError(t, b.RegisterThunk(1, blob, "double"))

	var ce *ConsistencyError
	err := b.RegisterThunk(1, blob, "boom")
	require.True(t, errors.As(err, &ce), "error = %v", err)
	assert.Equal(t, "double", ce.Existing)

	other := thunkModule(t)
	other.AddConstant(bytecode.Constant{Kind: bytecode.ConstString, Str: "extra"})
	otherBlob, err := other.Serialize()
	require.NoError(t, err)
	err = b.RegisterThunk(1, otherBlob, "double")
	require.True(t, errors.As(err, &ce), "error = %v", err)
	assert.Equal(t, "different blob", ce.Msg)
}

func TestRegisterRejectsBadBlobs(t *testing.T) {
	b := NewBridge()
	assert.Error(t, b.RegisterThunk(1, []byte("junk"), "double"))
	assert.Error(t, b.RegisterThunk(1, thunkBlob(t), "missing"))
	assert.Equal(t, 0, b.Len())
}

func TestExecuteUnknown(t *testing.T) {
	_, err := NewBridge().ExecuteThunk(7, nil)
	assert.True(t, errors.Is(err, ErrUnknownThunk))
}

func TestExecuteEncoded(t *testing.T) {
	b := NewBridge()
	require.NoError(t, b.RegisterThunk(1, thunkBlob(t), "double"))

	args, err := value.EncodeArgs([]value.Value{value.Int(5)})
	require.NoError(t, err)
	out, err := b.ExecuteEncoded(1, args)
	require.NoError(t, err)
	result, err := value.DecodeArgs(out)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, value.Int(10), result[0])

	_, err = b.ExecuteEncoded(1, []byte{0xff})
	assert.Error(t, err)
	_, err = b.ExecuteEncoded(9, args)
	assert.ErrorIs(t, err, ErrUnknownThunk)
}

func TestExecuteFault(t *testing.T) {
	b := NewBridge()
	require.NoError(t, b.RegisterThunk(1, thunkBlob(t), "boom"))
	_, err := b.ExecuteThunk(1, []value.Value{value.Int(1)})

	var te *ThunkError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, uint64(1), te.ID)
	var f *vm.Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, vm.FaultDivideByZero, f.Code)
}

func TestExecuteHostCalls(t *testing.T) {
	b := NewBridge()
	require.NoError(t, b.RegisterThunk(1, thunkBlob(t), "greet"))

	_, err := b.ExecuteThunk(1, nil)
	var f *vm.Fault
	require.True(t, errors.As(err, &f), "error = %v", err)
	assert.Equal(t, vm.FaultHostFailure, f.Code)

	var out bytes.Buffer
	b.SetHostContext(printContext(&out))
	_, err = b.ExecuteThunk(1, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out.String())
}

func TestRegisterChecksHostSlots(t *testing.T) {
	mod, err := compiler.Parse(thunkSource)
	require.NoError(t, err)
	var out bytes.Buffer
	host := printContext(&out)
	bc, err := codegen.Emit(mod, fastsema.Analyze(mod), codegen.Options{Host: host})
	require.NoError(t, err)
	require.Equal(t, []bytecode.HostImport{{Name: "print", Slot: 0}}, bc.Hosts)
	blob, err := bc.Serialize()
	require.NoError(t, err)

	b := NewBridge()
	b.SetHostContext(host)
	require.NoError(t, b.RegisterThunk(1, blob, "greet"))
	_, err = b.ExecuteThunk(1, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out.String())

	// print sits in slot 1 here.
	shifted := NewContext()
	_, err = shifted.Register(ExtensionInfo{Name: "len", MinArity: 1, MaxArity: 1}, func(*Context, []value.Value) (value.Value, error) {
		return value.Int(0), nil
	})
	require.NoError(t, err)
	_, err = shifted.Register(ExtensionInfo{Name: "print", MinArity: 1, MaxArity: 1}, func(*Context, []value.Value) (value.Value, error) {
		return value.Unit(), nil
	})
	require.NoError(t, err)
	other := NewBridge()
	other.SetHostContext(shifted)
	var be *bytecode.HostBindingError
	err = other.RegisterThunk(1, blob, "greet")
	require.True(t, errors.As(err, &be), "error = %v", err)
	assert.Equal(t, "print", be.Name)
	assert.Equal(t, uint16(1), be.Got)
	assert.False(t, other.HasThunk(1))
}

func TestExecuteConcurrently(t *testing.T) {
	b := NewBridge()
	require.NoError(t, b.RegisterThunk(1, thunkBlob(t), "double"))
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		n := int64(i)
		g.Go(func() error {
			v, err := b.ExecuteThunk(1, []value.Value{value.Int(n)})
			if err != nil {
				return err
			}
			if !value.Equal(v, value.Int(2*n)) {
				return errors.New("wrong result " + v.String())
			}
			return nil
		})
	}
	assert.NoError(t, g.Wait())
}

func TestLoadBundle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thunks.cbor")

	err := NewBridge().LoadBundle(path)
	assert.True(t, errors.Is(err, ErrBundleUnavailable), "error = %v", err)
	assert.True(t, errors.Is(err, dist.ErrNoBundle))

	mod := thunkModule(t)
	double, err := dist.NewEntry(10, "double", mod)
	require.NoError(t, err)
	greet, err := dist.NewEntry(11, "greet", mod)
	require.NoError(t, err)
	require.NoError(t, dist.WriteFile(path, dist.NewBundle("demo/thunks", []dist.Entry{double, greet})))

	b := NewBridge()
	require.NoError(t, b.LoadBundle(path))
	assert.Equal(t, 2, b.Len())
	v, err := b.ExecuteThunk(10, []value.Value{value.Int(4)})
	require.NoError(t, err)
	assert.Equal(t, value.Int(8), v)

	restricted := NewBridge()
	restricted.SetPolicy(dist.NewRestrictedPolicy([]string{"len"}))
	assert.Error(t, restricted.LoadBundle(path))
	assert.Equal(t, 0, restricted.Len())
}
