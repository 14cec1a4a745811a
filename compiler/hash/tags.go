package hash

// ---------------------------------------------------------------------------
// Frozen tag bytes for the hashing serialization format.
//
// IMPORTANT: These tags are FROZEN. Once assigned, a tag byte must never
// change meaning. Adding new tags is fine; changing existing ones changes
// every previously issued thunk ID and content hash.
// ---------------------------------------------------------------------------

// HashVersion is the version prefix for the serialization format.
// Bumping this invalidates all existing hashes.
const HashVersion byte = 1

// IR node tags.
const (
	TagReservedZero byte = 0x00 // version prefix / reserved

	// Literal values
	TagIntLiteral    byte = 0x01
	TagStringLiteral byte = 0x02
	TagBoolLiteral   byte = 0x03
	TagUnitLiteral   byte = 0x04

	// Variable references (de Bruijn indexed)
	TagLocalRef  byte = 0x0B
	TagGlobalRef byte = 0x0C

	// Operations
	TagBinary byte = 0x10
	TagUnary  byte = 0x11
	TagCall   byte = 0x12
	TagSend   byte = 0x13
	TagInvoke byte = 0x14

	// Statements / structure
	TagLet    byte = 0x18
	TagAssign byte = 0x19
	TagReturn byte = 0x1A
	TagBlock  byte = 0x1B
	TagIf     byte = 0x1C
	TagWhile  byte = 0x1D
	TagFunc   byte = 0x1E

	// Thunk identity records
	TagThunkKey byte = 0x30
)

// allTags lists every defined tag for uniqueness verification in tests.
var allTags = []byte{
	TagReservedZero,
	TagIntLiteral, TagStringLiteral, TagBoolLiteral, TagUnitLiteral,
	TagLocalRef, TagGlobalRef,
	TagBinary, TagUnary, TagCall, TagSend, TagInvoke,
	TagLet, TagAssign, TagReturn, TagBlock, TagIf, TagWhile, TagFunc,
	TagThunkKey,
}
