// Package vm implements the Kayton virtual machine.
//
// This package contains:
//   - the stack-machine interpreter for verified bytecode modules
//   - kind-indexed dispatch tables for the generic operations
//   - the host-call boundary used by CALL_HOST and late-bound calls
//   - typed runtime faults
//
// A VM wraps one read-only module. Each Run gets its own execution
// context, so one VM can serve concurrent callers.
package vm
