// Package driver runs the compilation pipeline for one module and executes
// the result. Every build produces a bytecode module; the AOT modes also
// analyze, rewrite and lower the module to a native Program.
package driver

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"

	"github.com/chazu/kayton/compiler"
	"github.com/chazu/kayton/compiler/aot"
	bcgen "github.com/chazu/kayton/compiler/codegen"
	"github.com/chazu/kayton/compiler/deepsema"
	"github.com/chazu/kayton/compiler/fastsema"
	"github.com/chazu/kayton/lib/runtime"
	"github.com/chazu/kayton/lib/stdlib"
	"github.com/chazu/kayton/manifest"
	"github.com/chazu/kayton/pkg/bytecode"
	"github.com/chazu/kayton/pkg/codegen"
	"github.com/chazu/kayton/pkg/ir"
	"github.com/chazu/kayton/pkg/value"
	"github.com/chazu/kayton/vm"
	"github.com/chazu/kayton/vm/dist"
)

var log = commonlog.GetLogger("kayton.driver")

// Mode selects what Compile produces.
type Mode uint8

const (
	// BytecodeOnly skips DeepSema and the native backend.
	BytecodeOnly Mode = iota
	// AOTStrict lowers everything natively; any fallback is an error.
	AOTStrict
	// HybridEmbedded embeds the fallback thunks in the Program.
	HybridEmbedded
	// HybridDynamic writes the fallback thunks to a bundle file that the
	// Program loads when it is initialized.
	HybridDynamic
)

var modeNames = []string{"bytecode-only", "aot-strict", "hybrid-embedded", "hybrid-dynamic"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", m)
}

// ParseMode reads a mode name as written in the build manifest.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return HybridEmbedded, nil
	}
	for i, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(i), nil
		}
	}
	return HybridEmbedded, fmt.Errorf("unknown build mode %q (want one of %s)", s, strings.Join(modeNames, ", "))
}

// Config controls Compile and Run.
type Config struct {
	Mode          Mode
	MaxIterations int
	Policy        deepsema.Policy
	// Bundle is the thunk bundle path used by HybridDynamic.
	Bundle      string
	Parallelism int
	// Allow restricts the host functions thunks may call. Empty allows all.
	Allow []string
	// MaxDepth bounds the call depth of both backends. Zero keeps the
	// default.
	MaxDepth int
	// Output receives what print writes. Nil means standard output.
	Output io.Writer
}

// DefaultConfig is the configuration of a project with an empty manifest.
func DefaultConfig() Config {
	return Config{
		Mode:          HybridEmbedded,
		MaxIterations: deepsema.DefaultMaxIterations,
		Policy:        deepsema.Fail,
		Bundle:        "thunks.cbor",
	}
}

// ConfigFromManifest maps a loaded manifest to a Config.
func ConfigFromManifest(m *manifest.Manifest) (Config, error) {
	var result *multierror.Error
	mode, err := ParseMode(m.Build.Mode)
	if err != nil {
		result = multierror.Append(result, err)
	}
	policy, err := deepsema.ParsePolicy(m.Build.OnNonConvergence)
	if err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return Config{}, fmt.Errorf("manifest %s: %w", m.Dir, err)
	}
	cfg := Config{
		Mode:          mode,
		MaxIterations: m.Build.MaxSolverIterations,
		Policy:        policy,
		Bundle:        m.BundlePath(),
		Parallelism:   m.Build.Parallelism,
		Allow:         m.Capabilities.Allow,
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = deepsema.DefaultMaxIterations
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Compile
// ---------------------------------------------------------------------------

// Artifact is the output of Compile.
type Artifact struct {
	Mode   Mode
	Source *ir.Module
	// Bytecode is produced in every mode.
	Bytecode *bytecode.Module
	// Plan, Rewrite and Program are set when the AOT path ran. Plan is kept
	// even when analysis failed.
	Plan    *deepsema.Plan
	Rewrite *aot.Result
	Program *codegen.Program
	// BundlePath is the bundle written for HybridDynamic.
	BundlePath string

	cfg     Config
	once    sync.Once
	prepErr error
	host    *runtime.Context
	bridge  *runtime.Bridge
	machine *vm.VM
}

// CompileSource parses src and compiles it.
func CompileSource(src string, cfg Config) (*Artifact, error) {
	mod, err := compiler.Parse(src)
	if err != nil {
		return nil, err
	}
	return Compile(mod, cfg)
}

// Compile builds mod according to cfg.Mode. An error from the bytecode path
// returns a nil Artifact. An error from the AOT path returns the Artifact
// with its bytecode module alongside the error.
func Compile(mod *ir.Module, cfg Config) (*Artifact, error) {
	// Host calls to the standard extensions resolve to their slots now;
	// prepare runs the program on the same table.
	host := stdlib.NewContext()
	bc, err := bcgen.Emit(mod, fastsema.Analyze(mod), bcgen.Options{Host: host})
	if err != nil {
		return nil, fmt.Errorf("driver: %s: %w", mod.Path, err)
	}
	log.Debugf("%s: bytecode with %d functions", mod.Path, len(bc.Functions))

	art := &Artifact{Mode: cfg.Mode, Source: mod, Bytecode: bc, cfg: cfg, host: host}
	if cfg.Mode == BytecodeOnly {
		return art, nil
	}
	if err := art.compileNative(); err != nil {
		return art, err
	}
	return art, nil
}

func (a *Artifact) compileNative() error {
	cfg := a.cfg
	plan, err := deepsema.Analyze(a.Source, deepsema.Options{
		MaxIterations:    cfg.MaxIterations,
		OnNonConvergence: cfg.Policy,
	})
	a.Plan = plan
	if err != nil {
		var result *multierror.Error
		result = multierror.Append(result, err)
		result.ErrorFormat = prefixed(a.Source.Path + ": analysis")
		return result
	}

	res, err := aot.Rewrite(a.Source, plan, aot.Options{Strict: cfg.Mode == AOTStrict})
	if err != nil {
		return err
	}
	a.Rewrite = res
	log.Debugf("%s: rewritten with %d fallback thunks", a.Source.Path, len(res.Thunks))

	var popts []codegen.Option
	if cfg.MaxDepth > 0 {
		popts = append(popts, codegen.WithMaxDepth(cfg.MaxDepth))
	}
	if cfg.Mode == HybridDynamic {
		if err := a.writeBundle(res); err != nil {
			return err
		}
		popts = append(popts, codegen.WithBundle(a.BundlePath))
	}
	prog, err := codegen.Lower(res, codegen.Options{Parallelism: cfg.Parallelism, Host: a.host, Program: popts})
	if err != nil {
		return err
	}
	a.Program = prog
	return nil
}

// writeBundle lowers once without a bundle to collect the thunk blobs.
func (a *Artifact) writeBundle(res *aot.Result) error {
	path := a.cfg.Bundle
	if path == "" {
		return fmt.Errorf("driver: %s: hybrid-dynamic needs a thunk bundle path", a.Source.Path)
	}
	embedded, err := codegen.Lower(res, codegen.Options{Parallelism: a.cfg.Parallelism, Host: a.host})
	if err != nil {
		return err
	}
	bundle, err := embedded.Bundle()
	if err != nil {
		return err
	}
	if err := dist.WriteFile(path, bundle); err != nil {
		return fmt.Errorf("driver: write bundle: %w", err)
	}
	a.BundlePath = path
	log.Infof("%s: wrote %d thunks to %s", a.Source.Path, len(bundle.Entries), path)
	return nil
}

func prefixed(prefix string) multierror.ErrorFormatFunc {
	return func(errs []error) string {
		lines := make([]string, len(errs))
		for i, err := range errs {
			lines[i] = "\t* " + err.Error()
		}
		return fmt.Sprintf("%s: %d error(s):\n%s", prefix, len(errs), strings.Join(lines, "\n"))
	}
}

// GoSource prints the native Program as a Go file in package pkg.
func (a *Artifact) GoSource(pkg string) ([]byte, error) {
	if a.Rewrite == nil {
		return nil, fmt.Errorf("driver: %s: %s build has no native program", a.Source.Path, a.Mode)
	}
	opts := codegen.GoOptions{Package: pkg}
	if a.Mode == HybridDynamic {
		opts.Bundle = a.BundlePath
	}
	return codegen.EmitGo(a.Rewrite, opts)
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Run calls entry on the native Program when there is one and on the
// bytecode module otherwise. The first call initializes the host context
// and, for native builds, registers or loads the thunks.
func (a *Artifact) Run(entry string, args []value.Value) (value.Value, error) {
	if err := a.prepare(); err != nil {
		return value.Unit(), err
	}
	if a.Program != nil {
		return a.Program.Call(entry, args)
	}
	return a.machine.Call(a.host, entry, args)
}

// RunBytecode calls entry on the bytecode module regardless of mode.
func (a *Artifact) RunBytecode(entry string, args []value.Value) (value.Value, error) {
	if err := a.prepare(); err != nil {
		return value.Unit(), err
	}
	return a.machine.Call(a.host, entry, args)
}

func (a *Artifact) prepare() error {
	a.once.Do(func() {
		if a.cfg.Output != nil {
			a.host.SetOutput(a.cfg.Output)
		}

		var vopts []vm.Option
		if a.cfg.MaxDepth > 0 {
			vopts = append(vopts, vm.WithMaxFrames(a.cfg.MaxDepth))
		}
		machine, err := vm.New(a.Bytecode, vopts...)
		if err != nil {
			a.prepErr = err
			return
		}
		a.machine = machine
		if a.Program == nil {
			return
		}

		a.bridge = runtime.NewBridge()
		a.bridge.SetHostContext(a.host)
		if len(a.cfg.Allow) > 0 {
			policy := dist.NewRestrictedPolicy(a.cfg.Allow)
			a.bridge.SetPolicy(policy)
			if a.Mode != HybridDynamic {
				if a.prepErr = a.checkEmbedded(policy); a.prepErr != nil {
					return
				}
			}
		}
		a.prepErr = a.Program.Init(a.bridge)
	})
	return a.prepErr
}

// checkEmbedded applies the capability policy to embedded thunks, which
// LoadBundle would otherwise check.
func (a *Artifact) checkEmbedded(policy *dist.CapabilityPolicy) error {
	if len(a.Program.Stubs()) == 0 {
		return nil
	}
	bundle, err := a.Program.Bundle()
	if err != nil {
		return err
	}
	if err := policy.Check(bundle.Capability); err != nil {
		return fmt.Errorf("driver: %s: %w", a.Source.Path, err)
	}
	return nil
}
