package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/kayton/pkg/ir"
)

// ---------------------------------------------------------------------------
// Parser: reads the surface form into IR
// ---------------------------------------------------------------------------

// SyntaxError reports malformed surface text.
type SyntaxError struct {
	Pos Position
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.Pos.Line, e.Pos.Column, e.Msg)
}

// sexp is a parsed datum. Lists keep their bracket style so type-parameter
// lists can be told apart from parameter lists.
type sexp struct {
	tok     Token
	list    []*sexp
	isList  bool
	bracket bool
	end     Position
}

func (s *sexp) atom() (string, bool) {
	if s.isList || s.tok.Type != TokenAtom {
		return "", false
	}
	return s.tok.Literal, true
}

func (s *sexp) span() ir.Span {
	return ir.Span{Start: s.tok.Pos, End: s.end}
}

func (s *sexp) head() string {
	if !s.isList || s.bracket || len(s.list) == 0 {
		return ""
	}
	h, _ := s.list[0].atom()
	return h
}

// Parser reads surface text.
type Parser struct {
	lexer    *Lexer
	curToken Token
	b        *ir.Builder
}

// NewParser creates a new parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	p.nextToken()
	return p
}

func (p *Parser) nextToken() {
	p.curToken = p.lexer.NextToken()
}

func (p *Parser) errorf(pos Position, format string, args ...interface{}) error {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// Parse reads a complete module.
func Parse(input string) (*ir.Module, error) {
	return NewParser(input).ParseModule()
}

// ParseModule reads a (module ...) form.
func (p *Parser) ParseModule() (*ir.Module, error) {
	top, err := p.readDatum()
	if err != nil {
		return nil, err
	}
	if p.curToken.Type != TokenEOF {
		return nil, p.errorf(p.curToken.Pos, "unexpected %s after module", p.curToken)
	}
	if top.head() != "module" || len(top.list) < 2 || top.list[1].tok.Type != TokenString || top.list[1].isList {
		return nil, p.errorf(top.tok.Pos, `expected (module "path" ...)`)
	}
	p.b = ir.NewBuilder(top.list[1].tok.Literal)
	p.b.Reserve()
	for _, item := range top.list[2:] {
		id, err := p.item(item)
		if err != nil {
			return nil, err
		}
		p.b.Item(id)
	}
	return p.b.Finish(), nil
}

// ---------------------------------------------------------------------------
// Datum reader
// ---------------------------------------------------------------------------

func (p *Parser) readDatum() (*sexp, error) {
	tok := p.curToken
	switch tok.Type {
	case TokenError:
		return nil, p.errorf(tok.Pos, "%s", tok.Literal)
	case TokenEOF:
		return nil, p.errorf(tok.Pos, "unexpected end of input")
	case TokenRParen, TokenRBracket:
		return nil, p.errorf(tok.Pos, "unexpected %q", tok.Literal)
	case TokenLParen, TokenLBracket:
		closer := TokenRParen
		if tok.Type == TokenLBracket {
			closer = TokenRBracket
		}
		p.nextToken()
		s := &sexp{tok: tok, isList: true, bracket: tok.Type == TokenLBracket}
		for p.curToken.Type != closer {
			if p.curToken.Type == TokenEOF {
				return nil, p.errorf(tok.Pos, "unclosed %q", tok.Literal)
			}
			d, err := p.readDatum()
			if err != nil {
				return nil, err
			}
			s.list = append(s.list, d)
		}
		s.end = p.curToken.Pos
		p.nextToken()
		return s, nil
	default:
		p.nextToken()
		return &sexp{tok: tok, end: tok.Pos}, nil
	}
}

// ---------------------------------------------------------------------------
// Items
// ---------------------------------------------------------------------------

func (p *Parser) item(s *sexp) (ir.NodeID, error) {
	switch s.head() {
	case "let":
		return p.let(s)
	case "fn":
		return p.fn(s)
	case "trait":
		return p.trait(s)
	case "impl":
		return p.impl(s)
	}
	return ir.NoNode, p.errorf(s.tok.Pos, "expected let, fn, trait or impl at top level")
}

func (p *Parser) let(s *sexp) (ir.NodeID, error) {
	if len(s.list) != 3 {
		return ir.NoNode, p.errorf(s.tok.Pos, "let takes a name and a value")
	}
	name, ok := s.list[1].atom()
	if !ok {
		return ir.NoNode, p.errorf(s.list[1].tok.Pos, "let name must be an atom")
	}
	v, err := p.expr(s.list[2])
	if err != nil {
		return ir.NoNode, err
	}
	return p.b.Let(name, v, s.span()), nil
}

// fn: (fn NAME :pure? (#fallback N)? [TP*]? (PARAM*) TYPE? BODY)
func (p *Parser) fn(s *sexp) (ir.NodeID, error) {
	rest := s.list[1:]
	if len(rest) < 3 {
		return ir.NoNode, p.errorf(s.tok.Pos, "fn needs a name, parameters and a body")
	}
	name, ok := rest[0].atom()
	if !ok {
		return ir.NoNode, p.errorf(rest[0].tok.Pos, "fn name must be an atom")
	}
	rest = rest[1:]

	var pure, fallback bool
	var thunk uint64
	for len(rest) > 0 {
		a, ok := rest[0].atom()
		if !ok {
			break
		}
		if a == ":pure" {
			pure = true
			rest = rest[1:]
			continue
		}
		if a == "#fallback" {
			if len(rest) < 2 || rest[1].tok.Type != TokenInteger {
				return ir.NoNode, p.errorf(rest[0].tok.Pos, "#fallback needs a thunk id")
			}
			v, err := strconv.ParseUint(rest[1].tok.Literal, 10, 64)
			if err != nil {
				return ir.NoNode, p.errorf(rest[1].tok.Pos, "bad thunk id: %v", err)
			}
			fallback, thunk = true, v
			rest = rest[2:]
			continue
		}
		break
	}

	var tparams []ir.TypeParam
	if len(rest) > 0 && rest[0].isList && rest[0].bracket {
		for _, tp := range rest[0].list {
			if a, ok := tp.atom(); ok {
				tparams = append(tparams, ir.TypeParam{Name: a})
				continue
			}
			if !tp.isList || len(tp.list) == 0 {
				return ir.NoNode, p.errorf(tp.tok.Pos, "bad type parameter")
			}
			var names []string
			for _, e := range tp.list {
				a, ok := e.atom()
				if !ok {
					return ir.NoNode, p.errorf(e.tok.Pos, "bad type parameter")
				}
				names = append(names, a)
			}
			tparams = append(tparams, ir.TypeParam{Name: names[0], Bounds: names[1:]})
		}
		rest = rest[1:]
	}

	if len(rest) < 2 || !rest[0].isList || rest[0].bracket {
		return ir.NoNode, p.errorf(s.tok.Pos, "fn %s: expected parameter list and body", name)
	}
	params, err := p.params(rest[0])
	if err != nil {
		return ir.NoNode, err
	}
	rest = rest[1:]

	ret := ""
	if len(rest) == 2 {
		r, ok := rest[0].atom()
		if !ok {
			return ir.NoNode, p.errorf(rest[0].tok.Pos, "fn %s: return type must be an atom", name)
		}
		ret = r
		rest = rest[1:]
	}
	if len(rest) != 1 {
		return ir.NoNode, p.errorf(s.tok.Pos, "fn %s: expected a single body expression", name)
	}
	body, err := p.expr(rest[0])
	if err != nil {
		return ir.NoNode, err
	}
	id := p.b.Func(name, tparams, params, ret, pure, body, s.span())
	if fallback {
		n := p.b.Module().Node(id)
		n.Ann.Fallback = true
		n.Ann.ThunkID = thunk
	}
	return id, nil
}

func (p *Parser) params(s *sexp) ([]ir.NodeID, error) {
	var out []ir.NodeID
	for _, e := range s.list {
		if a, ok := e.atom(); ok {
			out = append(out, p.b.Param(a, "", e.span()))
			continue
		}
		if !e.isList || e.bracket || len(e.list) != 2 {
			return nil, p.errorf(e.tok.Pos, "parameter must be NAME or (NAME TYPE)")
		}
		name, ok1 := e.list[0].atom()
		typ, ok2 := e.list[1].atom()
		if !ok1 || !ok2 {
			return nil, p.errorf(e.tok.Pos, "parameter must be NAME or (NAME TYPE)")
		}
		out = append(out, p.b.Param(name, typ, e.span()))
	}
	return out, nil
}

func (p *Parser) trait(s *sexp) (ir.NodeID, error) {
	if len(s.list) < 2 {
		return ir.NoNode, p.errorf(s.tok.Pos, "trait needs a name")
	}
	name, ok := s.list[1].atom()
	if !ok {
		return ir.NoNode, p.errorf(s.list[1].tok.Pos, "trait name must be an atom")
	}
	var methods []ir.NodeID
	for _, m := range s.list[2:] {
		if !m.isList || len(m.list) < 2 || len(m.list) > 3 {
			return ir.NoNode, p.errorf(m.tok.Pos, "trait method must be (NAME (PARAM*) TYPE?)")
		}
		mname, ok := m.list[0].atom()
		if !ok || !m.list[1].isList {
			return ir.NoNode, p.errorf(m.tok.Pos, "trait method must be (NAME (PARAM*) TYPE?)")
		}
		params, err := p.params(m.list[1])
		if err != nil {
			return ir.NoNode, err
		}
		ret := ""
		if len(m.list) == 3 {
			ret, ok = m.list[2].atom()
			if !ok {
				return ir.NoNode, p.errorf(m.list[2].tok.Pos, "return type must be an atom")
			}
		}
		methods = append(methods, p.b.TraitMethod(mname, params, ret, m.span()))
	}
	return p.b.Trait(name, methods, s.span()), nil
}

func (p *Parser) impl(s *sexp) (ir.NodeID, error) {
	if len(s.list) < 3 {
		return ir.NoNode, p.errorf(s.tok.Pos, "impl needs a trait and a type")
	}
	trait, ok1 := s.list[1].atom()
	typ, ok2 := s.list[2].atom()
	if !ok1 || !ok2 {
		return ir.NoNode, p.errorf(s.tok.Pos, "impl needs a trait and a type")
	}
	var funcs []ir.NodeID
	for _, f := range s.list[3:] {
		if f.head() != "fn" {
			return ir.NoNode, p.errorf(f.tok.Pos, "impl body may only contain fn")
		}
		id, err := p.fn(f)
		if err != nil {
			return ir.NoNode, err
		}
		funcs = append(funcs, id)
	}
	return p.b.Impl(trait, typ, funcs, s.span()), nil
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (p *Parser) exprs(list []*sexp) ([]ir.NodeID, error) {
	out := make([]ir.NodeID, 0, len(list))
	for _, e := range list {
		id, err := p.expr(e)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (p *Parser) expr(s *sexp) (ir.NodeID, error) {
	sp := s.span()
	if !s.isList {
		switch s.tok.Type {
		case TokenInteger:
			v, err := strconv.ParseInt(s.tok.Literal, 10, 64)
			if err != nil {
				return ir.NoNode, p.errorf(s.tok.Pos, "integer out of range: %s", s.tok.Literal)
			}
			return p.b.Int(v, sp), nil
		case TokenString:
			return p.b.String(s.tok.Literal, sp), nil
		}
		switch s.tok.Literal {
		case "true":
			return p.b.Bool(true, sp), nil
		case "false":
			return p.b.Bool(false, sp), nil
		}
		if strings.HasPrefix(s.tok.Literal, ":") || strings.HasPrefix(s.tok.Literal, "#") {
			return ir.NoNode, p.errorf(s.tok.Pos, "unexpected %s", s.tok.Literal)
		}
		return p.b.Name(s.tok.Literal, sp), nil
	}
	if s.bracket {
		return ir.NoNode, p.errorf(s.tok.Pos, "unexpected '['")
	}
	if len(s.list) == 0 {
		return p.b.Unit(sp), nil
	}
	head, ok := s.list[0].atom()
	if !ok {
		return ir.NoNode, p.errorf(s.tok.Pos, "form must start with an atom")
	}
	args := s.list[1:]

	if op, ok := ir.LookupOp(head); ok {
		if op == ir.OpNeg || op == ir.OpNot {
			if len(args) != 1 {
				return ir.NoNode, p.errorf(s.tok.Pos, "%s takes one operand", head)
			}
			x, err := p.expr(args[0])
			if err != nil {
				return ir.NoNode, err
			}
			return p.b.Unary(op, x, sp), nil
		}
		if len(args) != 2 {
			return ir.NoNode, p.errorf(s.tok.Pos, "%s takes two operands", head)
		}
		xs, err := p.exprs(args)
		if err != nil {
			return ir.NoNode, err
		}
		return p.b.Binary(op, xs[0], xs[1], sp), nil
	}

	switch head {
	case "do":
		xs, err := p.exprs(args)
		if err != nil {
			return ir.NoNode, err
		}
		tail := ir.NoNode
		if n := len(xs); n > 0 && p.b.Module().Node(xs[n-1]).Kind.IsExpr() {
			tail = xs[n-1]
			xs = xs[:n-1]
		}
		return p.b.Block(xs, tail, sp), nil
	case "let":
		return p.let(s)
	case "set":
		if len(args) != 2 {
			return ir.NoNode, p.errorf(s.tok.Pos, "set takes a name and a value")
		}
		name, ok := args[0].atom()
		if !ok {
			return ir.NoNode, p.errorf(args[0].tok.Pos, "set target must be a name")
		}
		v, err := p.expr(args[1])
		if err != nil {
			return ir.NoNode, err
		}
		return p.b.Assign(name, v, sp), nil
	case "if":
		if len(args) < 2 || len(args) > 3 {
			return ir.NoNode, p.errorf(s.tok.Pos, "if takes a condition, a branch and an optional else")
		}
		xs, err := p.exprs(args)
		if err != nil {
			return ir.NoNode, err
		}
		els := ir.NoNode
		if len(xs) == 3 {
			els = xs[2]
		}
		return p.b.If(xs[0], xs[1], els, sp), nil
	case "while":
		if len(args) != 2 {
			return ir.NoNode, p.errorf(s.tok.Pos, "while takes a condition and a body")
		}
		xs, err := p.exprs(args)
		if err != nil {
			return ir.NoNode, err
		}
		return p.b.While(xs[0], xs[1], sp), nil
	case "return":
		if len(args) > 1 {
			return ir.NoNode, p.errorf(s.tok.Pos, "return takes at most one value")
		}
		v := ir.NoNode
		if len(args) == 1 {
			var err error
			if v, err = p.expr(args[0]); err != nil {
				return ir.NoNode, err
			}
		}
		return p.b.Return(v, sp), nil
	case "call":
		if len(args) < 1 {
			return ir.NoNode, p.errorf(s.tok.Pos, "call needs a callee")
		}
		callee, ok := args[0].atom()
		if !ok {
			return ir.NoNode, p.errorf(args[0].tok.Pos, "call target must be a name; use invoke for computed callees")
		}
		xs, err := p.exprs(args[1:])
		if err != nil {
			return ir.NoNode, err
		}
		return p.b.Call(callee, xs, sp), nil
	case "send":
		if len(args) < 2 {
			return ir.NoNode, p.errorf(s.tok.Pos, "send needs a receiver and a method")
		}
		method, ok := args[1].atom()
		if !ok {
			return ir.NoNode, p.errorf(args[1].tok.Pos, "method must be an atom")
		}
		recv, err := p.expr(args[0])
		if err != nil {
			return ir.NoNode, err
		}
		xs, err := p.exprs(args[2:])
		if err != nil {
			return ir.NoNode, err
		}
		return p.b.Send(recv, method, xs, sp), nil
	case "invoke":
		if len(args) < 1 {
			return ir.NoNode, p.errorf(s.tok.Pos, "invoke needs a callee expression")
		}
		xs, err := p.exprs(args)
		if err != nil {
			return ir.NoNode, err
		}
		return p.b.Invoke(xs[0], xs[1:], sp), nil
	}
	return ir.NoNode, p.errorf(s.tok.Pos, "unknown form %q", head)
}
