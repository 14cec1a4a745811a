// Package dist implements the thunk bundle: the file a hybrid-dynamic build
// writes next to its native program, holding the bytecode every fallback
// thunk runs. Bundles are canonical CBOR, so the same build always writes
// the same bytes.
package dist

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/chazu/kayton/pkg/bytecode"
)

// BundleVersion is the current bundle format version.
const BundleVersion uint16 = 1

// buildNamespace roots the name-based build IDs.
var buildNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/chazu/kayton/thunk-bundle"))

// Entry is one registered thunk.
type Entry struct {
	ID           uint64   `cbor:"1,keyasint"`
	Name         string   `cbor:"2,keyasint"`
	Blob         []byte   `cbor:"3,keyasint"`
	Hash         [32]byte `cbor:"4,keyasint"`
	Capabilities []string `cbor:"5,keyasint,omitempty"` // host functions the blob calls
}

// Bundle is the unit written to disk.
type Bundle struct {
	Version    uint16              `cbor:"1,keyasint"`
	Module     string              `cbor:"2,keyasint"`
	BuildID    string              `cbor:"3,keyasint"`
	Entries    []Entry             `cbor:"4,keyasint"`
	Capability *CapabilityManifest `cbor:"5,keyasint,omitempty"`
}

// CapabilityManifest declares the host functions a bundle requires.
type CapabilityManifest struct {
	Required []string `cbor:"1,keyasint"`
}

// NewEntry serializes a verified thunk module.
func NewEntry(id uint64, name string, mod *bytecode.Module) (Entry, error) {
	if !mod.Verified() {
		if err := bytecode.Verify(mod); err != nil {
			return Entry{}, fmt.Errorf("dist: thunk %s: %w", name, err)
		}
	}
	if _, ok := mod.FindFunction(name); !ok {
		return Entry{}, fmt.Errorf("dist: thunk %s: entry function missing from module", name)
	}
	blob, err := mod.Serialize()
	if err != nil {
		return Entry{}, fmt.Errorf("dist: thunk %s: %w", name, err)
	}
	return Entry{
		ID:           id,
		Name:         name,
		Blob:         blob,
		Hash:         sha256.Sum256(blob),
		Capabilities: mod.HostNames(),
	}, nil
}

// NewBundle assembles a bundle. Entries are ordered by id and the build ID
// is derived from the content, so equal inputs give equal bundles.
func NewBundle(module string, entries []Entry) *Bundle {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &Bundle{
		Version:    BundleVersion,
		Module:     module,
		BuildID:    BuildID(module, sorted).String(),
		Entries:    sorted,
		Capability: BuildCapabilityManifest(sorted),
	}
}

// BuildID is the version 5 UUID naming a module and its entry hashes.
func BuildID(module string, entries []Entry) uuid.UUID {
	data := []byte(module)
	for _, e := range entries {
		data = append(data, 0)
		data = append(data, e.Hash[:]...)
	}
	return uuid.NewSHA1(buildNamespace, data)
}

// BuildCapabilityManifest gathers the unique host functions of entries.
func BuildCapabilityManifest(entries []Entry) *CapabilityManifest {
	set := make(map[string]bool)
	for _, e := range entries {
		for _, c := range e.Capabilities {
			set[c] = true
		}
	}
	m := &CapabilityManifest{Required: make([]string, 0, len(set))}
	for c := range set {
		m.Required = append(m.Required, c)
	}
	sort.Strings(m.Required)
	return m
}

// Verify checks the bundle's version, entry hashes and build ID.
func (b *Bundle) Verify() error {
	if b.Version != BundleVersion {
		return fmt.Errorf("dist: bundle version %d, want %d", b.Version, BundleVersion)
	}
	seen := make(map[uint64]bool, len(b.Entries))
	for _, e := range b.Entries {
		if seen[e.ID] {
			return fmt.Errorf("dist: duplicate thunk id %016x", e.ID)
		}
		seen[e.ID] = true
		if sha256.Sum256(e.Blob) != e.Hash {
			return fmt.Errorf("dist: thunk %s: hash mismatch", e.Name)
		}
	}
	if want := BuildID(b.Module, b.Entries).String(); b.BuildID != want {
		return fmt.Errorf("dist: build id %s does not match content (%s)", b.BuildID, want)
	}
	return nil
}
