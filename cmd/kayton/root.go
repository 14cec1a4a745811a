package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/kayton/compiler"
	"github.com/chazu/kayton/compiler/deepsema"
	"github.com/chazu/kayton/driver"
	"github.com/chazu/kayton/manifest"
	"github.com/chazu/kayton/pkg/ir"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose int
	Mode    string
	Entry   string
	Policy  string
}

var levelVerbosity = map[string]int{
	"none":    -5,
	"error":   -3,
	"warning": -2,
	"notice":  0,
	"info":    1,
	"debug":   2,
}

// NewRootCommand creates the kayton command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "kayton",
		Short: "Compile and run kayton modules",
		Long: `kayton compiles a module to bytecode, to native Go, or to a hybrid of
the two in which code without a native lowering runs as bytecode thunks.

Without a file argument the commands use the project described by the
nearest kayton.toml.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().CountVarP(&opts.Verbose, "verbose", "v", "more log output (repeatable)")
	cmd.PersistentFlags().StringVar(&opts.Mode, "mode", "", "build mode: bytecode-only, aot-strict, hybrid-embedded, hybrid-dynamic")
	cmd.PersistentFlags().StringVar(&opts.Entry, "entry", "", "entry function (default from kayton.toml, else main)")
	cmd.PersistentFlags().StringVar(&opts.Policy, "on-nonconvergence", "", "solver policy: fail or degrade")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewBuildCommand(opts))
	cmd.AddCommand(NewDisasmCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))

	return cmd
}

// ---------------------------------------------------------------------------
// Project loading
// ---------------------------------------------------------------------------

// project is one module ready to compile.
type project struct {
	Manifest *manifest.Manifest
	Path     string
	Module   *ir.Module
	Config   driver.Config
	Entry    string
}

// loadProject reads the module named by args, or the manifest's source
// file that defines the entry function, and applies flag overrides.
func loadProject(opts *RootOptions, args []string) (*project, error) {
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, err
	}

	level := "info"
	if m != nil {
		level = m.Log.Level
	}
	configureLogging(level, opts.Verbose)

	p := &project{Manifest: m, Config: driver.DefaultConfig(), Entry: "main"}
	if m != nil {
		if p.Config, err = driver.ConfigFromManifest(m); err != nil {
			return nil, err
		}
		p.Entry = m.Source.Entry
	}
	if opts.Entry != "" {
		p.Entry = opts.Entry
	}
	if opts.Mode != "" {
		if p.Config.Mode, err = driver.ParseMode(opts.Mode); err != nil {
			return nil, err
		}
	}
	if opts.Policy != "" {
		if p.Config.Policy, err = deepsema.ParsePolicy(opts.Policy); err != nil {
			return nil, err
		}
	}

	var candidates []string
	switch {
	case len(args) > 0:
		candidates = args[:1]
	case m != nil:
		if candidates, err = m.SourceFiles(); err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, fmt.Errorf("no %s files under %s", manifest.SourceExt, strings.Join(m.SourceDirPaths(), ", "))
		}
	default:
		return nil, fmt.Errorf("no source file given and no %s found", manifest.FileName)
	}

	for _, path := range candidates {
		mod, err := parseFile(path)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 1 || definesFunc(mod, p.Entry) {
			p.Path, p.Module = path, mod
			return p, nil
		}
	}
	return nil, fmt.Errorf("no source file defines %s", p.Entry)
}

func parseFile(path string) (*ir.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mod, err := compiler.Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return mod, nil
}

func definesFunc(mod *ir.Module, name string) bool {
	for _, f := range mod.AllFuncs() {
		if f.Name == name {
			return true
		}
	}
	return false
}

func configureLogging(level string, verbose int) {
	verbosity, ok := levelVerbosity[strings.ToLower(level)]
	if !ok {
		verbosity = levelVerbosity["info"]
	}
	commonlog.Configure(verbosity+verbose, nil)
}
