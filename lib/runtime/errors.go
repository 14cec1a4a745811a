package runtime

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownThunk reports an ExecuteThunk for an id never registered.
	ErrUnknownThunk = errors.New("runtime: unknown thunk")
	// ErrBundleUnavailable reports a thunk bundle that cannot be read.
	ErrBundleUnavailable = errors.New("runtime: thunk bundle unavailable")
	// ErrNotInitialized reports a stub called before its program was
	// initialized.
	ErrNotInitialized = errors.New("runtime: program not initialized")
)

// ErrorCode classifies host errors.
type ErrorCode int

const (
	GeneralFailure ErrorCode = iota + 1
	TypeMismatch
	NotFound
	AlreadyExists
	InvalidArgument
	Panic
)

var errorCodeNames = map[ErrorCode]string{
	GeneralFailure:  "general failure",
	TypeMismatch:    "type mismatch",
	NotFound:        "not found",
	AlreadyExists:   "already exists",
	InvalidArgument: "invalid argument",
	Panic:           "panic",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// HostError is a failure inside the host capability table or one of its
// extensions.
type HostError struct {
	Code  ErrorCode
	Name  string // extension, when one applies
	Msg   string
	Cause error
}

func (e *HostError) Error() string {
	prefix := "host"
	if e.Name != "" {
		prefix = "host " + e.Name
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", prefix, e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", prefix, e.Code, e.Msg)
}

func (e *HostError) Unwrap() error { return e.Cause }

// Errorf builds a HostError for extensions to return.
func Errorf(code ErrorCode, format string, args ...any) *HostError {
	return &HostError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// ConsistencyError reports a thunk id registered twice with different
// content.
type ConsistencyError struct {
	ID       uint64
	Name     string
	Existing string
	Msg      string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("runtime: thunk %016x (%s): %s (registered as %s)", e.ID, e.Name, e.Msg, e.Existing)
}

// ThunkError is a fault raised while a thunk ran. Err is the underlying
// *vm.Fault.
type ThunkError struct {
	ID   uint64
	Name string
	Err  error
}

func (e *ThunkError) Error() string {
	return fmt.Sprintf("runtime: thunk %016x (%s): %v", e.ID, e.Name, e.Err)
}

func (e *ThunkError) Unwrap() error { return e.Err }
