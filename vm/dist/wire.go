package dist

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// ErrNoBundle reports a bundle file that does not exist.
var ErrNoBundle = errors.New("dist: bundle not found")

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalBundle serializes a Bundle to canonical CBOR.
func MarshalBundle(b *Bundle) ([]byte, error) {
	return cborEncMode.Marshal(b)
}

// UnmarshalBundle deserializes and verifies a Bundle.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("dist: unmarshal bundle: %w", err)
	}
	if err := b.Verify(); err != nil {
		return nil, err
	}
	return &b, nil
}

// WriteFile writes b to path.
func WriteFile(path string, b *Bundle) error {
	data, err := MarshalBundle(b)
	if err != nil {
		return fmt.Errorf("dist: marshal bundle: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile reads and verifies the bundle at path. A missing file gives an
// error matching ErrNoBundle.
func ReadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoBundle, path)
	}
	if err != nil {
		return nil, fmt.Errorf("dist: read bundle: %w", err)
	}
	return UnmarshalBundle(data)
}
