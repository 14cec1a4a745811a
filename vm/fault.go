package vm

import "fmt"

// FaultCode classifies runtime faults.
type FaultCode int

const (
	FaultTypeMismatch FaultCode = iota + 1
	FaultStackUnderflow
	FaultStackOverflow
	FaultBadJump
	FaultDivideByZero
	FaultUnknownFunction
	FaultArityMismatch
	FaultCallDepth
	FaultHostFailure
)

var faultNames = map[FaultCode]string{
	FaultTypeMismatch:    "type mismatch",
	FaultStackUnderflow:  "stack underflow",
	FaultStackOverflow:   "stack overflow",
	FaultBadJump:         "bad jump",
	FaultDivideByZero:    "divide by zero",
	FaultUnknownFunction: "unknown function",
	FaultArityMismatch:   "arity mismatch",
	FaultCallDepth:       "call depth exceeded",
	FaultHostFailure:     "host call failed",
}

func (c FaultCode) String() string {
	if s, ok := faultNames[c]; ok {
		return s
	}
	return fmt.Sprintf("FaultCode(%d)", int(c))
}

// Fault is a runtime failure of one invocation. It never escapes as a
// panic; Run returns it as an error.
type Fault struct {
	Code     FaultCode
	Function string
	Offset   int
	Msg      string
	Cause    error
}

func (f *Fault) Error() string {
	loc := ""
	if f.Function != "" {
		loc = fmt.Sprintf(" in %s at %04X", f.Function, f.Offset)
	}
	if f.Cause != nil {
		return fmt.Sprintf("vm fault%s: %s: %s: %v", loc, f.Code, f.Msg, f.Cause)
	}
	return fmt.Sprintf("vm fault%s: %s: %s", loc, f.Code, f.Msg)
}

func (f *Fault) Unwrap() error { return f.Cause }
