// Package bytecode defines the module format executed by the kayton VM.
//
// The format is designed for:
//   - Compact representation (one opcode byte plus 0-5 operand bytes)
//   - Fast decoding (fixed-width opcodes, big-endian operands)
//   - Load-time verification, so the interpreter loop can trust a module
//
// # Architecture Overview
//
//   - Opcodes: stack instructions covering constants, locals, arithmetic,
//     comparison, control flow, calls and host calls. Arithmetic and
//     comparison come in a generic form, which dispatches on value kinds at
//     runtime, and an Int-specialized form emitted only when both operand
//     types are known.
//
//   - Module: a single instruction stream shared by all functions, a
//     deduplicated constant pool (unit is always entry 0), an entry table of
//     functions, a method table for SEND, a table of module constants and
//     the host imports naming each slot CALL_HOST uses. Modules serialize to the "KYBC" layout described on Serialize.
//
//   - Verifier: checks layout, operand ranges, jump and call targets, and
//     runs an abstract interpretation of stack depth per function. A module
//     that fails verification never reaches the interpreter.
//
// # Jumps and calls
//
// Jump and call operands are absolute offsets into the module's code. A
// jump must land on an instruction boundary inside the same function; a
// call must land exactly on a function entry and pass that function's
// parameter count.
package bytecode
