package value

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("value: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// wireValue is the CBOR shape of a Value.
type wireValue struct {
	Kind  Kind   `cbor:"1,keyasint"`
	Int   int64  `cbor:"2,keyasint,omitempty"`
	Str   string `cbor:"3,keyasint,omitempty"`
	Bytes []byte `cbor:"4,keyasint,omitempty"`
}

// MarshalCBOR implements cbor.Marshaler.
func (v Value) MarshalCBOR() ([]byte, error) {
	return cborEncMode.Marshal(wireValue{Kind: v.kind, Int: v.n, Str: v.s, Bytes: v.b})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var w wireValue
	if err := cbor.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("value: unmarshal: %w", err)
	}
	if w.Kind >= NumKinds {
		return fmt.Errorf("value: unknown kind %d", w.Kind)
	}
	*v = Value{kind: w.Kind, n: w.Int, s: w.Str, b: w.Bytes}
	return nil
}

// EncodeArgs serializes an argument list for transfer across a process or
// module boundary.
func EncodeArgs(args []Value) ([]byte, error) {
	if args == nil {
		args = []Value{}
	}
	return cborEncMode.Marshal(args)
}

// DecodeArgs is the inverse of EncodeArgs.
func DecodeArgs(data []byte) ([]Value, error) {
	var out []Value
	if err := cbor.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("value: decode args: %w", err)
	}
	return out, nil
}
