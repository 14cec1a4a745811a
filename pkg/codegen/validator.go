package codegen

import (
	"errors"
	"fmt"
	"go/ast"
	"go/importer"
	"go/parser"
	"go/scanner"
	"go/token"
	"go/types"
	"sort"
	"strings"
)

// ValidationError is one problem in generated Go source.
type ValidationError struct {
	Line     int
	Column   int
	Function string // enclosing Go function, or "<package>"
	Message  string
}

// CodeValidator parses and type-checks generated Go source in memory.
type CodeValidator struct {
	fset     *token.FileSet
	filename string
	importer types.Importer
}

// NewCodeValidator creates a validator; filename appears in positions.
func NewCodeValidator(filename string) *CodeValidator {
	return &CodeValidator{filename: filename, importer: importer.Default()}
}

// WithImporter replaces the importer used for type checking.
func (cv *CodeValidator) WithImporter(imp types.Importer) *CodeValidator {
	cv.importer = imp
	return cv
}

// ValidateSyntax only parses source.
func (cv *CodeValidator) ValidateSyntax(source string) []ValidationError {
	cv.fset = token.NewFileSet()
	_, err := parser.ParseFile(cv.fset, cv.filename, source, parser.AllErrors)
	if err != nil {
		return parseErrors(err)
	}
	return nil
}

// Validate parses and type-checks source. Errors are attributed to the
// function whose body contains them.
func (cv *CodeValidator) Validate(source string) []ValidationError {
	cv.fset = token.NewFileSet()
	file, err := parser.ParseFile(cv.fset, cv.filename, source, parser.AllErrors)
	if err != nil {
		return parseErrors(err)
	}
	funcs := cv.functionMap(file)

	var out []ValidationError
	conf := types.Config{
		Importer: cv.importer,
		Error: func(err error) {
			var te types.Error
			if !errors.As(err, &te) {
				return
			}
			pos := cv.fset.Position(te.Pos)
			fn, ok := funcs[pos.Line]
			if !ok {
				fn = "<package>"
			}
			out = append(out, ValidationError{
				Line:     pos.Line,
				Column:   pos.Column,
				Function: fn,
				Message:  te.Msg,
			})
		},
	}
	_, _ = conf.Check(file.Name.Name, cv.fset, []*ast.File{file}, nil)
	return out
}

func parseErrors(err error) []ValidationError {
	var list scanner.ErrorList
	if !errors.As(err, &list) {
		return []ValidationError{{Line: 1, Column: 1, Function: "<package>", Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(list))
	for _, e := range list {
		out = append(out, ValidationError{
			Line:     e.Pos.Line,
			Column:   e.Pos.Column,
			Function: "<package>",
			Message:  e.Msg,
		})
	}
	return out
}

// functionMap maps each source line inside a function declaration to the
// function's name.
func (cv *CodeValidator) functionMap(file *ast.File) map[int]string {
	out := make(map[int]string)
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		start, end := cv.fset.Position(fn.Pos()).Line, cv.fset.Position(fn.End()).Line
		for line := start; line <= end; line++ {
			out[line] = fn.Name.Name
		}
	}
	return out
}

// FunctionsWithErrors returns the sorted function names with errors,
// translated through names when it has an entry.
func FunctionsWithErrors(errs []ValidationError, names map[string]string) []string {
	seen := make(map[string]bool)
	for _, e := range errs {
		if e.Function == "" || e.Function == "<package>" {
			continue
		}
		name := e.Function
		if n, ok := names[name]; ok {
			name = n
		}
		seen[name] = true
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// FormatValidationErrors renders errs one per line.
func FormatValidationErrors(errs []ValidationError, filename string) string {
	var sb strings.Builder
	for _, e := range errs {
		sb.WriteString("  ")
		if filename != "" {
			sb.WriteString(filename + ":")
		}
		fmt.Fprintf(&sb, "%d:%d", e.Line, e.Column)
		if e.Function != "" && e.Function != "<package>" {
			sb.WriteString(" (" + e.Function + ")")
		}
		sb.WriteString(": " + e.Message + "\n")
	}
	return sb.String()
}
