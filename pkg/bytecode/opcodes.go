package bytecode

import "fmt"

// Opcode represents a bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop Opcode = 0x00 // No operation
	OpPop Opcode = 0x01 // Pop top of stack
	OpDup Opcode = 0x02 // Duplicate top of stack

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpConst Opcode = 0x10 // Push constant from pool: OpConst <index:u16>
	OpUnit  Opcode = 0x11 // Push unit
	OpTrue  Opcode = 0x12 // Push true
	OpFalse Opcode = 0x13 // Push false

	// ========================================================================
	// Local variables (0x20-0x2F)
	// ========================================================================

	OpLoadLocal  Opcode = 0x20 // Push local: OpLoadLocal <slot:u16>
	OpStoreLocal Opcode = 0x21 // Pop and store local: OpStoreLocal <slot:u16>

	// ========================================================================
	// Generic arithmetic (0x30-0x3F): runtime kind dispatch
	// ========================================================================

	OpAdd Opcode = 0x30
	OpSub Opcode = 0x31
	OpMul Opcode = 0x32
	OpDiv Opcode = 0x33
	OpMod Opcode = 0x34
	OpNeg Opcode = 0x35

	// ========================================================================
	// Specialized integer arithmetic (0x40-0x4F): operands proven Int
	// ========================================================================

	OpAddInt Opcode = 0x40
	OpSubInt Opcode = 0x41
	OpMulInt Opcode = 0x42
	OpDivInt Opcode = 0x43
	OpModInt Opcode = 0x44
	OpNegInt Opcode = 0x45

	// ========================================================================
	// Generic comparison and logic (0x50-0x57)
	// ========================================================================

	OpEq  Opcode = 0x50
	OpNe  Opcode = 0x51
	OpLt  Opcode = 0x52
	OpLe  Opcode = 0x53
	OpGt  Opcode = 0x54
	OpGe  Opcode = 0x55
	OpNot Opcode = 0x56

	// ========================================================================
	// Specialized integer comparison (0x58-0x5F)
	// ========================================================================

	OpEqInt Opcode = 0x58
	OpNeInt Opcode = 0x59
	OpLtInt Opcode = 0x5A
	OpLeInt Opcode = 0x5B
	OpGtInt Opcode = 0x5C
	OpGeInt Opcode = 0x5D

	// ========================================================================
	// Control flow (0x80-0x8F): absolute targets within the module
	// ========================================================================

	OpJump        Opcode = 0x80 // OpJump <target:u32>
	OpJumpIfFalse Opcode = 0x81 // Pop Bool; jump if false: OpJumpIfFalse <target:u32>

	// ========================================================================
	// Calls (0x90-0x9F)
	// ========================================================================

	OpCall            Opcode = 0x90 // OpCall <target:u32> <argc:u8>
	OpCallHost        Opcode = 0x91 // OpCallHost <slot:u16> <argc:u8>
	OpCallHostDynamic Opcode = 0x92 // OpCallHostDynamic <name:u16> <argc:u8>
	OpCallDynamic     Opcode = 0x93 // Pop args then callee name: OpCallDynamic <argc:u8>
	OpSend            Opcode = 0x94 // Pop args then receiver: OpSend <method:u16> <argc:u8>

	// ========================================================================
	// Return (0xF0-0xFF)
	// ========================================================================

	OpReturn Opcode = 0xF0 // Pop result and return to caller
)

// OpcodeInfo provides metadata about an opcode.
type OpcodeInfo struct {
	Name       string
	StackPop   int // Number of values popped; calls add their argc
	StackPush  int // Number of values pushed
	OperandLen int // Number of operand bytes
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpNop: {"NOP", 0, 0, 0},
	OpPop: {"POP", 1, 0, 0},
	OpDup: {"DUP", 1, 2, 0},

	OpConst: {"CONST", 0, 1, 2},
	OpUnit:  {"UNIT", 0, 1, 0},
	OpTrue:  {"TRUE", 0, 1, 0},
	OpFalse: {"FALSE", 0, 1, 0},

	OpLoadLocal:  {"LOAD_LOCAL", 0, 1, 2},
	OpStoreLocal: {"STORE_LOCAL", 1, 0, 2},

	OpAdd: {"ADD", 2, 1, 0},
	OpSub: {"SUB", 2, 1, 0},
	OpMul: {"MUL", 2, 1, 0},
	OpDiv: {"DIV", 2, 1, 0},
	OpMod: {"MOD", 2, 1, 0},
	OpNeg: {"NEG", 1, 1, 0},

	OpAddInt: {"ADD_INT", 2, 1, 0},
	OpSubInt: {"SUB_INT", 2, 1, 0},
	OpMulInt: {"MUL_INT", 2, 1, 0},
	OpDivInt: {"DIV_INT", 2, 1, 0},
	OpModInt: {"MOD_INT", 2, 1, 0},
	OpNegInt: {"NEG_INT", 1, 1, 0},

	OpEq:  {"EQ", 2, 1, 0},
	OpNe:  {"NE", 2, 1, 0},
	OpLt:  {"LT", 2, 1, 0},
	OpLe:  {"LE", 2, 1, 0},
	OpGt:  {"GT", 2, 1, 0},
	OpGe:  {"GE", 2, 1, 0},
	OpNot: {"NOT", 1, 1, 0},

	OpEqInt: {"EQ_INT", 2, 1, 0},
	OpNeInt: {"NE_INT", 2, 1, 0},
	OpLtInt: {"LT_INT", 2, 1, 0},
	OpLeInt: {"LE_INT", 2, 1, 0},
	OpGtInt: {"GT_INT", 2, 1, 0},
	OpGeInt: {"GE_INT", 2, 1, 0},

	OpJump:        {"JUMP", 0, 0, 4},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 1, 0, 4},

	OpCall:            {"CALL", 0, 1, 5},
	OpCallHost:        {"CALL_HOST", 0, 1, 3},
	OpCallHostDynamic: {"CALL_HOST_DYNAMIC", 0, 1, 3},
	OpCallDynamic:     {"CALL_DYNAMIC", 1, 1, 1},
	OpSend:            {"SEND", 1, 1, 3},

	OpReturn: {"RETURN", 1, 0, 0},
}

// GetOpcodeInfo returns metadata for an opcode.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// String returns the opcode's name.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// InstructionLen returns the total instruction length (opcode + operands).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true if this is a jump instruction.
func (op Opcode) IsJump() bool {
	return op == OpJump || op == OpJumpIfFalse
}

// IsCall returns true if the opcode's stack effect depends on an argc operand.
func (op Opcode) IsCall() bool {
	return op >= OpCall && op <= OpSend
}

// IsTerminator reports whether control never falls through op.
func (op Opcode) IsTerminator() bool {
	return op == OpJump || op == OpReturn
}

// Specialized reports whether op assumes Int operands.
func (op Opcode) Specialized() bool {
	return (op >= OpAddInt && op <= OpNegInt) || (op >= OpEqInt && op <= OpGeInt)
}

// AllOpcodes returns all defined opcodes.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}
