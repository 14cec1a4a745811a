// Package stdlib provides the standard host extensions: print, len and
// to_string.
package stdlib

import (
	"fmt"
	"strconv"

	"github.com/chazu/kayton/lib/runtime"
	"github.com/chazu/kayton/pkg/value"
)

// Extensions returns the standard extensions in registration order.
func Extensions() []Extension {
	return []Extension{
		{runtime.ExtensionInfo{Name: "print", MinArity: 1, MaxArity: 1, Doc: "Print a value using the host formatter."}, printValue},
		{runtime.ExtensionInfo{Name: "len", MinArity: 1, MaxArity: 1, Doc: "Return the length of a string or bytes value."}, length},
		{runtime.ExtensionInfo{Name: "to_string", MinArity: 1, MaxArity: 1, Doc: "Format a value as a string."}, toString},
	}
}

// Extension pairs a description with its function.
type Extension struct {
	Info runtime.ExtensionInfo
	Fn   runtime.Extension
}

// Register adds the standard extensions to ctx.
func Register(ctx *runtime.Context) error {
	for _, e := range Extensions() {
		if _, err := ctx.Register(e.Info, e.Fn); err != nil {
			return err
		}
	}
	return nil
}

// NewContext returns a context with the standard extensions registered.
func NewContext() *runtime.Context {
	ctx := runtime.NewContext()
	if err := Register(ctx); err != nil {
		panic(fmt.Sprintf("stdlib: %v", err))
	}
	return ctx
}

// Format renders a value the way print shows it. Handles are described by
// their capsule tag.
func Format(ctx *runtime.Context, v value.Value) string {
	switch v.Kind() {
	case value.KindInt:
		return strconv.FormatInt(v.RawInt(), 10)
	case value.KindBool:
		return strconv.FormatBool(v.RawBool())
	case value.KindString:
		return v.RawString()
	case value.KindBytes:
		b, _ := v.AsBytes()
		return fmt.Sprintf("bytes[%d]", len(b))
	case value.KindHandle:
		if ctx != nil {
			if c, err := ctx.Handles().Get(v); err == nil {
				return "<capsule " + c.Tag + ">"
			}
		}
		id, _ := v.AsHandle()
		return fmt.Sprintf("<handle %d>", id)
	}
	return "()"
}

func printValue(ctx *runtime.Context, args []value.Value) (value.Value, error) {
	if _, err := fmt.Fprintln(ctx.Output(), Format(ctx, args[0])); err != nil {
		return value.Unit(), err
	}
	return value.Unit(), nil
}

func length(_ *runtime.Context, args []value.Value) (value.Value, error) {
	switch v := args[0]; v.Kind() {
	case value.KindString:
		return value.Int(int64(len(v.RawString()))), nil
	case value.KindBytes:
		b, _ := v.AsBytes()
		return value.Int(int64(len(b))), nil
	default:
		return value.Unit(), runtime.Errorf(runtime.TypeMismatch, "len is not defined for %s", v.TypeName())
	}
}

func toString(ctx *runtime.Context, args []value.Value) (value.Value, error) {
	return value.String(Format(ctx, args[0])), nil
}
