package bytecode

import (
	"encoding/binary"
	"errors"
	"testing"
)

// singleFunction wraps raw code in a module with one function.
func singleFunction(code []byte, params, locals uint16) *Module {
	m := NewModule()
	m.Code = append(m.Code, code...)
	m.Functions = []Function{{Name: "f", Params: params, Locals: locals}}
	return m
}

func u16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func op(o Opcode) []byte { return []byte{byte(o)} }

func wantVerifyCode(t *testing.T, err error, code VerifyCode) {
	t.Helper()
	var ve *VerificationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want VerificationError", err)
	}
	if ve.Code != code {
		t.Errorf("Code = %s, want %s (%v)", ve.Code, code, err)
	}
}

func TestVerifyAcceptsSample(t *testing.T) {
	m := sampleModule()
	if err := Verify(m); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !m.Verified() {
		t.Error("module not marked verified")
	}
	if m.Functions[1].MaxStack != 2 {
		t.Errorf("main MaxStack = %d, want 2", m.Functions[1].MaxStack)
	}
}

func TestVerifyLoop(t *testing.T) {
	// local0 = 0; while local0 < 10 { local0 = local0 + 1 }; return local0
	m := NewModule()
	zero := m.AddConstant(Constant{Kind: ConstInt, Int: 0})
	ten := m.AddConstant(Constant{Kind: ConstInt, Int: 10})
	one := m.AddConstant(Constant{Kind: ConstInt, Int: 1})
	m.Functions = []Function{{Name: "count", Locals: 1}}
	m.EmitU16(OpConst, zero)
	m.EmitU16(OpStoreLocal, 0)
	loop := m.CurrentOffset()
	m.EmitU16(OpLoadLocal, 0)
	m.EmitU16(OpConst, ten)
	m.Emit(OpLtInt)
	exit := m.EmitJump(OpJumpIfFalse)
	m.EmitU16(OpLoadLocal, 0)
	m.EmitU16(OpConst, one)
	m.Emit(OpAddInt)
	m.EmitU16(OpStoreLocal, 0)
	m.EmitJumpTo(OpJump, loop)
	m.PatchJump(exit)
	m.EmitU16(OpLoadLocal, 0)
	m.Emit(OpReturn)

	if err := Verify(m); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if m.Functions[0].MaxStack != 2 {
		t.Errorf("MaxStack = %d, want 2", m.Functions[0].MaxStack)
	}
}

func TestVerifyRejects(t *testing.T) {
	tests := []struct {
		name   string
		module func() *Module
		code   VerifyCode
	}{
		{
			name: "jump beyond code",
			module: func() *Module {
				return singleFunction(cat(op(OpJump), u32(100), op(OpUnit), op(OpReturn)), 0, 0)
			},
			code: VerifyBadJump,
		},
		{
			name: "jump into operand bytes",
			module: func() *Module {
				return singleFunction(cat(op(OpJump), u32(2), op(OpUnit), op(OpReturn)), 0, 0)
			},
			code: VerifyBadJump,
		},
		{
			name: "jump into another function",
			module: func() *Module {
				m := singleFunction(cat(op(OpUnit), op(OpReturn), op(OpJump), u32(0)), 0, 0)
				m.Functions = append(m.Functions, Function{Name: "g", Offset: 2})
				return m
			},
			code: VerifyBadJump,
		},
		{
			name: "constant index out of range",
			module: func() *Module {
				return singleFunction(cat(op(OpConst), u16(9), op(OpReturn)), 0, 0)
			},
			code: VerifyBadConstant,
		},
		{
			name: "host name constant is not a string",
			module: func() *Module {
				return singleFunction(cat(op(OpCallHostDynamic), u16(0), []byte{0}, op(OpReturn)), 0, 0)
			},
			code: VerifyBadConstant,
		},
		{
			name: "host slot without import",
			module: func() *Module {
				return singleFunction(cat(op(OpCallHost), u16(2), []byte{0}, op(OpReturn)), 0, 0)
			},
			code: VerifyBadHost,
		},
		{
			name: "two imports share a slot",
			module: func() *Module {
				m := singleFunction(cat(op(OpCallHost), u16(0), []byte{0}, op(OpReturn)), 0, 0)
				m.Hosts = []HostImport{{Name: "print", Slot: 0}, {Name: "len", Slot: 0}}
				return m
			},
			code: VerifyBadHost,
		},
		{
			name: "local slot out of range",
			module: func() *Module {
				return singleFunction(cat(op(OpLoadLocal), u16(1), op(OpReturn)), 1, 1)
			},
			code: VerifyBadLocal,
		},
		{
			name: "underflow",
			module: func() *Module {
				return singleFunction(cat(op(OpUnit), op(OpAdd), op(OpReturn)), 0, 0)
			},
			code: VerifyStackUnderflow,
		},
		{
			name: "return on empty stack",
			module: func() *Module {
				return singleFunction(op(OpReturn), 0, 0)
			},
			code: VerifyStackUnderflow,
		},
		{
			name: "overflow",
			module: func() *Module {
				var code []byte
				for i := 0; i <= MaxStackDepth; i++ {
					code = append(code, byte(OpUnit))
				}
				return singleFunction(append(code, byte(OpReturn)), 0, 0)
			},
			code: VerifyStackOverflow,
		},
		{
			name: "inconsistent depth at merge",
			module: func() *Module {
				// if true { push unit } ; join with differing depths
				return singleFunction(cat(
					op(OpTrue), op(OpJumpIfFalse), u32(7), op(OpUnit),
					op(OpUnit), op(OpReturn),
				), 0, 0)
			},
			code: VerifyStackMismatch,
		},
		{
			name: "falls off end",
			module: func() *Module {
				return singleFunction(op(OpUnit), 0, 0)
			},
			code: VerifyFallthrough,
		},
		{
			name: "unknown opcode",
			module: func() *Module {
				return singleFunction([]byte{0xEE, byte(OpReturn)}, 0, 0)
			},
			code: VerifyBadOpcode,
		},
		{
			name: "truncated operand",
			module: func() *Module {
				return singleFunction([]byte{byte(OpConst), 0}, 0, 0)
			},
			code: VerifyTruncated,
		},
		{
			name: "call arity mismatch",
			module: func() *Module {
				return singleFunction(cat(op(OpCall), u32(0), []byte{1}, op(OpReturn)), 0, 0)
			},
			code: VerifyBadCall,
		},
		{
			name: "call into middle of function",
			module: func() *Module {
				return singleFunction(cat(op(OpUnit), op(OpCall), u32(1), []byte{0}, op(OpReturn)), 0, 0)
			},
			code: VerifyBadCall,
		},
		{
			name: "method refers to missing function",
			module: func() *Module {
				m := singleFunction(cat(op(OpUnit), op(OpReturn)), 0, 0)
				m.Methods = []Method{{Type: "Int", Name: "show", Func: 4}}
				return m
			},
			code: VerifyBadMethod,
		},
		{
			name: "params exceed locals",
			module: func() *Module {
				return singleFunction(cat(op(OpUnit), op(OpReturn)), 2, 1)
			},
			code: VerifyBadLayout,
		},
		{
			name: "declared max stack disagrees",
			module: func() *Module {
				m := singleFunction(cat(op(OpUnit), op(OpReturn)), 0, 0)
				m.Functions[0].MaxStack = 5
				return m
			},
			code: VerifyStackMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.module()
			wantVerifyCode(t, Verify(m), tt.code)
			if m.Verified() {
				t.Error("rejected module marked verified")
			}
		})
	}
}

// A call whose target offset exceeds the instruction stream is rejected
// before anything can execute it, including after a serialization round
// trip.
func TestVerifyCallTargetBeyondCode(t *testing.T) {
	m := singleFunction(cat(op(OpCall), u32(0x1000), []byte{0}, op(OpReturn)), 0, 0)
	data, err := m.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	back, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	err = Verify(back)
	wantVerifyCode(t, err, VerifyBadCall)
	if back.Verified() {
		t.Error("module marked verified")
	}
}
