package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chazu/kayton/compiler/aot"
	"github.com/chazu/kayton/compiler/deepsema"
	"github.com/chazu/kayton/compiler/fastsema"
	"github.com/chazu/kayton/driver"
	"github.com/chazu/kayton/lib/stdlib"
	"github.com/chazu/kayton/pkg/ir"
	"github.com/chazu/kayton/pkg/value"
)

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	var bytecodeOnly bool
	cmd := &cobra.Command{
		Use:   "run [file] [-- args...]",
		Short: "Compile a module and call its entry function",
		Long: `Compile a module and call its entry function.

Arguments after -- are passed to the entry function. Integers and the
words true and false are converted; anything else is passed as a string.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, fnArgs := splitArgs(cmd, args)
			p, err := loadProject(opts, files)
			if err != nil {
				return err
			}
			p.Config.Output = cmd.OutOrStdout()
			art, err := driver.Compile(p.Module, p.Config)
			if err != nil {
				return err
			}
			run := art.Run
			if bytecodeOnly {
				run = art.RunBytecode
			}
			result, err := run(p.Entry, fnArgs)
			if err != nil {
				return err
			}
			if !result.IsUnit() {
				fmt.Fprintln(cmd.OutOrStdout(), stdlib.Format(nil, result))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&bytecodeOnly, "bytecode", false, "run the bytecode module even when a native program was built")
	return cmd
}

// splitArgs separates the file argument from the entry arguments after --.
func splitArgs(cmd *cobra.Command, args []string) ([]string, []value.Value) {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		return args, nil
	}
	vals := make([]value.Value, 0, len(args)-dash)
	for _, a := range args[dash:] {
		vals = append(vals, parseArg(a))
	}
	return args[:dash], vals
}

func parseArg(s string) value.Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return value.Int(n)
	}
	switch s {
	case "true":
		return value.Bool(true)
	case "false":
		return value.Bool(false)
	}
	return value.String(s)
}

// ---------------------------------------------------------------------------
// build
// ---------------------------------------------------------------------------

// BuildOptions holds flags for the build command.
type BuildOptions struct {
	*RootOptions
	Out     string
	Package string
}

// NewBuildCommand creates the build command.
func NewBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "build [file]",
		Short: "Compile a module to bytecode or Go source",
		Long: `Compile a module.

bytecode-only writes the serialized bytecode module. The other modes write
a Go file holding the native program; hybrid-dynamic also writes the thunk
bundle the program loads at start.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject(opts.RootOptions, args)
			if err != nil {
				return err
			}
			out, pkg := opts.Out, opts.Package
			if p.Manifest != nil {
				if out == "" {
					out = p.Manifest.OutPath()
				}
				if pkg == "" {
					pkg = p.Manifest.Build.Package
				}
			}

			art, err := driver.Compile(p.Module, p.Config)
			if err != nil {
				return err
			}
			var data []byte
			if art.Mode == driver.BytecodeOnly {
				data, err = art.Bytecode.Serialize()
			} else {
				data, err = art.GoSource(pkg)
			}
			if err != nil {
				return err
			}
			if out == "" {
				if art.Mode == driver.BytecodeOnly {
					return errors.New("build: bytecode output needs --out")
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%s, %d bytes)\n", out, art.Mode, len(data))
			if art.BundlePath != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", art.BundlePath)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output file (default from kayton.toml; Go source goes to stdout when unset)")
	cmd.Flags().StringVar(&opts.Package, "package", "", "package clause of generated Go source")
	return cmd
}

// ---------------------------------------------------------------------------
// disasm
// ---------------------------------------------------------------------------

// NewDisasmCommand creates the disasm command.
func NewDisasmCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disasm [file]",
		Short: "Print the bytecode of a module",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject(opts, args)
			if err != nil {
				return err
			}
			p.Config.Mode = driver.BytecodeOnly
			art, err := driver.Compile(p.Module, p.Config)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), art.Bytecode.DisassembleWithName(p.Module.Path))
			return err
		},
	}
}

// ---------------------------------------------------------------------------
// inspect
// ---------------------------------------------------------------------------

// NewInspectCommand creates the inspect command.
func NewInspectCommand(opts *RootOptions) *cobra.Command {
	var node uint32
	var rewritten bool
	cmd := &cobra.Command{
		Use:   "inspect [file] --node ID",
		Short: "Explain the analysis and rewriting of one node",
		Long: `Explain one node: its solved type, the constraints that mention it, the
rewrite decisions taken there and the nodes cloned from it.

With --rewritten the ID names a node of the rewritten module, which is
explained through the source node it came from. Without --node the thunks
of the module are listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject(opts, args)
			if err != nil {
				return err
			}
			res, err := rewriteProject(p)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if !cmd.Flags().Changed("node") {
				for _, th := range res.Thunks {
					fmt.Fprintf(w, "%016x %s: %s\n", th.ID, th.Name, th.Reason)
				}
				return nil
			}

			var in *aot.Inspection
			if rewritten {
				in, err = res.InspectRewritten(ir.NodeID(node))
			} else {
				in, err = res.Inspect(ir.NodeID(node))
			}
			if err != nil {
				return err
			}
			_, err = io.WriteString(w, in.String())
			return err
		},
	}
	cmd.Flags().Uint32Var(&node, "node", 0, "node ID to explain")
	cmd.Flags().BoolVar(&rewritten, "rewritten", false, "the node ID refers to the rewritten module")
	return cmd
}

func rewriteProject(p *project) (*aot.Result, error) {
	plan, err := deepsema.Analyze(p.Module, deepsema.Options{
		MaxIterations:    p.Config.MaxIterations,
		OnNonConvergence: p.Config.Policy,
	})
	if err != nil {
		return nil, err
	}
	return aot.Rewrite(p.Module, plan, aot.Options{Strict: p.Config.Mode == driver.AOTStrict})
}

// ---------------------------------------------------------------------------
// check
// ---------------------------------------------------------------------------

// NewCheckCommand creates the check command.
func NewCheckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check [file]",
		Short: "Report the diagnostics of both analyses",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject(opts, args)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			diags := fastsema.Analyze(p.Module).Diagnostics
			plan, _ := deepsema.Analyze(p.Module, deepsema.Options{
				MaxIterations:    p.Config.MaxIterations,
				OnNonConvergence: p.Config.Policy,
			})
			diags = append(diags, plan.Diagnostics...)
			for _, d := range diags {
				fmt.Fprintf(w, "%s: %s\n", p.Path, d.Error())
			}

			if err := diags.Err(); err != nil {
				return fmt.Errorf("%s: %d diagnostics", p.Path, len(diags))
			}
			summary := "fully native"
			if n := len(plan.Fallback); n > 0 {
				summary = fmt.Sprintf("%d fallback function(s)", n)
			}
			fmt.Fprintf(w, "%s: ok (%d iterations, %s)\n", p.Path, plan.Iterations, summary)
			return nil
		},
	}
}
