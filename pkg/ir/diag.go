package ir

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Severity of a diagnostic.
type Severity uint8

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// Diagnostic is a located compile-time message.
type Diagnostic struct {
	Severity Severity
	Code     string
	Message  string
	Node     NodeID
	Span     Span
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("%s: %s [%s]: %s", d.Span, d.Severity, d.Code, d.Message)
}

// Diagnostics is an ordered list of diagnostics.
type Diagnostics []Diagnostic

// HasErrors reports whether any diagnostic is an error.
func (ds Diagnostics) HasErrors() bool {
	for _, d := range ds {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Filter returns the diagnostics with the given code.
func (ds Diagnostics) Filter(code string) Diagnostics {
	var out Diagnostics
	for _, d := range ds {
		if d.Code == code {
			out = append(out, d)
		}
	}
	return out
}

// Err joins the error-severity diagnostics into one error, or returns nil.
func (ds Diagnostics) Err() error {
	var result *multierror.Error
	for _, d := range ds {
		if d.Severity == SeverityError {
			result = multierror.Append(result, d)
		}
	}
	return result.ErrorOrNil()
}
