package compiler

import (
	"fmt"

	"github.com/chazu/kayton/pkg/ir"
)

// ---------------------------------------------------------------------------
// Token types for the surface reader
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenError

	TokenInteger // 42, -7
	TokenString  // "hello"
	TokenAtom    // foo, +, :pure, #fallback

	TokenLParen   // (
	TokenRParen   // )
	TokenLBracket // [
	TokenRBracket // ]
)

var tokenNames = map[TokenType]string{
	TokenEOF:      "EOF",
	TokenError:    "ERROR",
	TokenInteger:  "INTEGER",
	TokenString:   "STRING",
	TokenAtom:     "ATOM",
	TokenLParen:   "(",
	TokenRParen:   ")",
	TokenLBracket: "[",
	TokenRBracket: "]",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// Position aliases the IR position so spans flow straight into nodes.
type Position = ir.Position

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string   // the raw text; unquoted for strings
	Pos     Position // start position
}

func (t Token) String() string {
	if t.Type == TokenEOF {
		return "EOF"
	}
	if t.Type == TokenError {
		return fmt.Sprintf("ERROR(%s)", t.Literal)
	}
	if len(t.Literal) > 20 {
		return fmt.Sprintf("%s(%q...)", t.Type, t.Literal[:20])
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}

// isDelimiter reports whether r ends an atom.
func isDelimiter(r rune) bool {
	switch r {
	case 0, '(', ')', '[', ']', '"', ';', ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
