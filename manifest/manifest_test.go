package manifest

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "demo"
module = "example.com/demo"

[source]
dirs = ["src", "lib"]
entry = "start"

[build]
mode = "hybrid-dynamic"
max-solver-iterations = 16
on-nonconvergence = "degrade"
thunk-bundle = "out/thunks.cbor"
out = "out/demo.go"
package = "demo"
parallelism = 4

[capabilities]
allow = ["print"]

[log]
level = "debug"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "demo" || m.Project.Module != "example.com/demo" {
		t.Errorf("project = %+v", m.Project)
	}
	if !reflect.DeepEqual(m.Source.Dirs, []string{"src", "lib"}) {
		t.Errorf("source dirs = %v", m.Source.Dirs)
	}
	if m.Source.Entry != "start" {
		t.Errorf("source entry = %q, want start", m.Source.Entry)
	}
	want := Build{
		Mode:                "hybrid-dynamic",
		MaxSolverIterations: 16,
		OnNonConvergence:    "degrade",
		ThunkBundle:         "out/thunks.cbor",
		Out:                 "out/demo.go",
		Package:             "demo",
		Parallelism:         4,
	}
	if m.Build != want {
		t.Errorf("build = %+v, want %+v", m.Build, want)
	}
	if !reflect.DeepEqual(m.Capabilities.Allow, []string{"print"}) {
		t.Errorf("capabilities = %v", m.Capabilities.Allow)
	}
	if m.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", m.Log.Level)
	}
	if got := m.BundlePath(); got != filepath.Join(m.Dir, "out", "thunks.cbor") {
		t.Errorf("BundlePath = %q", got)
	}
	if got := m.OutPath(); got != filepath.Join(m.Dir, "out", "demo.go") {
		t.Errorf("OutPath = %q", got)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(m.Source.Dirs) != 1 || m.Source.Dirs[0] != "src" {
		t.Errorf("default source dirs = %v, want [src]", m.Source.Dirs)
	}
	if m.Source.Entry != "main" {
		t.Errorf("default entry = %q, want main", m.Source.Entry)
	}
	if m.Build.Mode != "hybrid-embedded" {
		t.Errorf("default mode = %q, want hybrid-embedded", m.Build.Mode)
	}
	if m.Build.OnNonConvergence != "fail" {
		t.Errorf("default on-nonconvergence = %q, want fail", m.Build.OnNonConvergence)
	}
	if m.Build.ThunkBundle != "thunks.cbor" {
		t.Errorf("default thunk bundle = %q", m.Build.ThunkBundle)
	}
	if m.OutPath() != "" {
		t.Errorf("OutPath = %q, want empty", m.OutPath())
	}
	if m.Log.Level != "info" {
		t.Errorf("default log level = %q", m.Log.Level)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[build]
mdoe = "bytecode-only"
`)
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "build.mdoe") {
		t.Errorf("Load error = %v, want unknown key build.mdoe", err)
	}
}

func TestLoadMalformed(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[build\nmode = 1")
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "parse error") {
		t.Errorf("Load error = %v, want parse error", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, `[project]
name = "found-project"
`)

	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no kayton.toml exists")
	}
}

func TestSourceDirPaths(t *testing.T) {
	m := &Manifest{
		Dir: "/app",
		Source: Source{
			Dirs: []string{"src", "lib"},
		},
	}

	paths := m.SourceDirPaths()
	if len(paths) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(paths))
	}
	if paths[0] != "/app/src" {
		t.Errorf("paths[0] = %q, want /app/src", paths[0])
	}
	if paths[1] != "/app/lib" {
		t.Errorf("paths[1] = %q, want /app/lib", paths[1])
	}
}

func TestSourceFiles(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"src/b.kay", "src/nested/a.kay", "src/notes.txt"} {
		full := filepath.Join(dir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	m := &Manifest{Dir: dir, Source: Source{Dirs: []string{"src", "missing"}}}

	files, err := m.SourceFiles()
	if err != nil {
		t.Fatalf("SourceFiles: %v", err)
	}
	want := []string{filepath.Join(dir, "src", "b.kay"), filepath.Join(dir, "src", "nested", "a.kay")}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("SourceFiles = %v, want %v", files, want)
	}
}
