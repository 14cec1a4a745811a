package dist

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/chazu/kayton/pkg/bytecode"
)

// thunkModule builds: fn greet() = print("hi")
func thunkModule(t *testing.T) *bytecode.Module {
	t.Helper()
	m := bytecode.NewModule()
	name := m.AddConstant(bytecode.Constant{Kind: bytecode.ConstString, Str: "print"})
	hi := m.AddConstant(bytecode.Constant{Kind: bytecode.ConstString, Str: "hi"})
	m.Functions = []bytecode.Function{{Name: "greet"}}
	m.EmitU16(bytecode.OpConst, hi)
	m.EmitU16U8(bytecode.OpCallHostDynamic, name, 1)
	m.Emit(bytecode.OpReturn)
	if err := bytecode.Verify(m); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return m
}

func TestNewEntry(t *testing.T) {
	e, err := NewEntry(7, "greet", thunkModule(t))
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	if e.ID != 7 || e.Name != "greet" {
		t.Errorf("entry = %d %q", e.ID, e.Name)
	}
	if len(e.Capabilities) != 1 || e.Capabilities[0] != "print" {
		t.Errorf("Capabilities = %v, want [print]", e.Capabilities)
	}
	back, err := bytecode.Deserialize(e.Blob)
	if err != nil {
		t.Fatalf("Deserialize blob: %v", err)
	}
	if _, ok := back.FindFunction("greet"); !ok {
		t.Error("blob lost its entry function")
	}

	if _, err := NewEntry(7, "missing", thunkModule(t)); err == nil {
		t.Error("entry for a missing function accepted")
	}
}

func TestBundleRoundTrip(t *testing.T) {
	a, _ := NewEntry(9, "greet", thunkModule(t))
	b, _ := NewEntry(3, "greet", thunkModule(t))
	bundle := NewBundle("demo/app", []Entry{a, b})

	if bundle.Entries[0].ID != 3 {
		t.Errorf("entries not sorted by id")
	}
	id, err := uuid.Parse(bundle.BuildID)
	if err != nil {
		t.Fatalf("BuildID %q: %v", bundle.BuildID, err)
	}
	if id.Version() != 5 {
		t.Errorf("BuildID version = %d, want 5", id.Version())
	}
	if got := bundle.Capability.Required; len(got) != 1 || got[0] != "print" {
		t.Errorf("Required = %v", got)
	}

	data, err := MarshalBundle(bundle)
	if err != nil {
		t.Fatalf("MarshalBundle: %v", err)
	}
	again, err := MarshalBundle(NewBundle("demo/app", []Entry{b, a}))
	if err != nil {
		t.Fatalf("MarshalBundle: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("bundle encoding depends on entry order")
	}

	back, err := UnmarshalBundle(data)
	if err != nil {
		t.Fatalf("UnmarshalBundle: %v", err)
	}
	if back.BuildID != bundle.BuildID || len(back.Entries) != 2 {
		t.Errorf("decoded bundle = %+v", back)
	}
	if !bytes.Equal(back.Entries[1].Blob, a.Blob) {
		t.Error("blob mismatch")
	}
}

func TestBundleVerifyRejectsTampering(t *testing.T) {
	e, _ := NewEntry(1, "greet", thunkModule(t))
	tests := []struct {
		name   string
		mutate func(*Bundle)
	}{
		{"blob", func(b *Bundle) { b.Entries[0].Blob[len(b.Entries[0].Blob)-1] ^= 0xFF }},
		{"build id", func(b *Bundle) { b.BuildID = uuid.Nil.String() }},
		{"version", func(b *Bundle) { b.Version = BundleVersion + 1 }},
		{"duplicate", func(b *Bundle) { b.Entries = append(b.Entries, b.Entries[0]) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := e
			entry.Blob = append([]byte(nil), e.Blob...)
			b := NewBundle("demo/app", []Entry{entry})
			tt.mutate(b)
			data, err := MarshalBundle(b)
			if err != nil {
				t.Fatalf("MarshalBundle: %v", err)
			}
			if _, err := UnmarshalBundle(data); err == nil {
				t.Error("tampered bundle accepted")
			}
		})
	}
}

func TestReadWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thunks.cbor")
	e, _ := NewEntry(1, "greet", thunkModule(t))
	if err := WriteFile(path, NewBundle("demo/app", []Entry{e})); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	b, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(b.Entries) != 1 {
		t.Errorf("entries = %d", len(b.Entries))
	}

	_, err = ReadFile(filepath.Join(dir, "missing.cbor"))
	if !errors.Is(err, ErrNoBundle) {
		t.Errorf("missing file error = %v, want ErrNoBundle", err)
	}
}
