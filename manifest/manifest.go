// Package manifest handles kayton.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file looked for in a project directory.
const FileName = "kayton.toml"

// SourceExt is the extension of kayton source files.
const SourceExt = ".kay"

// Manifest represents a kayton.toml project configuration.
type Manifest struct {
	Project      Project      `toml:"project"`
	Source       Source       `toml:"source"`
	Build        Build        `toml:"build"`
	Capabilities Capabilities `toml:"capabilities"`
	Log          Log          `toml:"log"`

	// Dir is the directory containing the kayton.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name   string `toml:"name"`
	Module string `toml:"module"`
}

// Source configures source file locations.
type Source struct {
	Dirs  []string `toml:"dirs"`
	Entry string   `toml:"entry"`
}

// Build selects how the project is compiled.
type Build struct {
	Mode                string `toml:"mode"`
	MaxSolverIterations int    `toml:"max-solver-iterations"`
	OnNonConvergence    string `toml:"on-nonconvergence"`
	ThunkBundle         string `toml:"thunk-bundle"`
	Out                 string `toml:"out"`
	Package             string `toml:"package"`
	Parallelism         int    `toml:"parallelism"`
}

// Capabilities restricts the host functions loaded bundles may call. An
// empty Allow list permits everything.
type Capabilities struct {
	Allow []string `toml:"allow"`
}

// Log configures CLI logging.
type Log struct {
	Level string `toml:"level"`
}

// Load parses a kayton.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes manifest text and applies defaults. Unknown keys are
// rejected.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}

	// Defaults
	if len(m.Source.Dirs) == 0 {
		m.Source.Dirs = []string{"src"}
	}
	if m.Source.Entry == "" {
		m.Source.Entry = "main"
	}
	if m.Build.Mode == "" {
		m.Build.Mode = "hybrid-embedded"
	}
	if m.Build.OnNonConvergence == "" {
		m.Build.OnNonConvergence = "fail"
	}
	if m.Build.ThunkBundle == "" {
		m.Build.ThunkBundle = "thunks.cbor"
	}
	if m.Log.Level == "" {
		m.Log.Level = "info"
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a kayton.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// SourceDirPaths returns absolute paths for the configured source directories.
func (m *Manifest) SourceDirPaths() []string {
	var paths []string
	for _, d := range m.Source.Dirs {
		paths = append(paths, filepath.Join(m.Dir, d))
	}
	return paths
}

// SourceFiles lists the .kay files of every source directory, sorted. A
// missing directory is skipped.
func (m *Manifest) SourceFiles() ([]string, error) {
	var files []string
	for _, dir := range m.SourceDirPaths() {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && path == dir {
					return filepath.SkipDir
				}
				return err
			}
			if !d.IsDir() && filepath.Ext(path) == SourceExt {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

// BundlePath returns the absolute path of the thunk bundle.
func (m *Manifest) BundlePath() string {
	return m.resolve(m.Build.ThunkBundle)
}

// OutPath returns the absolute build output path, or "" when unset.
func (m *Manifest) OutPath() string {
	if m.Build.Out == "" {
		return ""
	}
	return m.resolve(m.Build.Out)
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}
