package compiler

import (
	"strconv"
	"strings"

	"github.com/chazu/kayton/pkg/ir"
)

// ---------------------------------------------------------------------------
// Printer: IR back to surface text
// ---------------------------------------------------------------------------

// Print renders mod in the surface form read by Parse. It does not modify
// the module. Fallback annotations on functions are written as
// "#fallback <id>" so rewritten IR survives a round trip.
func Print(mod *ir.Module) string {
	pr := &printer{mod: mod}
	pr.sb.WriteString("(module ")
	pr.sb.WriteString(strconv.Quote(mod.Path))
	for _, id := range mod.Items() {
		pr.sb.WriteString("\n  ")
		pr.node(id)
	}
	pr.sb.WriteString("\n)\n")
	return pr.sb.String()
}

// PrintNode renders a single node, for diagnostics.
func PrintNode(mod *ir.Module, id ir.NodeID) string {
	pr := &printer{mod: mod}
	pr.node(id)
	return pr.sb.String()
}

type printer struct {
	mod *ir.Module
	sb  strings.Builder
}

func (pr *printer) write(parts ...string) {
	for _, p := range parts {
		pr.sb.WriteString(p)
	}
}

func (pr *printer) list(ids []ir.NodeID) {
	for _, c := range ids {
		pr.sb.WriteByte(' ')
		pr.node(c)
	}
}

func (pr *printer) params(ids []ir.NodeID) {
	pr.sb.WriteByte('(')
	for i, id := range ids {
		if i > 0 {
			pr.sb.WriteByte(' ')
		}
		n := pr.mod.Node(id)
		if n.TypeExpr == "" {
			pr.write(pr.mod.Name(n))
		} else {
			pr.write("(", pr.mod.Name(n), " ", n.TypeExpr, ")")
		}
	}
	pr.sb.WriteByte(')')
}

func (pr *printer) fn(n *ir.Node) {
	pr.write("(fn ", pr.mod.Name(n))
	if n.Pure {
		pr.write(" :pure")
	}
	if n.Ann.Fallback {
		pr.write(" #fallback ", strconv.FormatUint(n.Ann.ThunkID, 10))
	}
	if len(n.TypeParams) > 0 {
		pr.write(" [")
		for i, tp := range n.TypeParams {
			if i > 0 {
				pr.sb.WriteByte(' ')
			}
			if len(tp.Bounds) == 0 {
				pr.write(tp.Name)
				continue
			}
			pr.write("(", tp.Name, " ", strings.Join(tp.Bounds, " "), ")")
		}
		pr.write("]")
	}
	pr.sb.WriteByte(' ')
	pr.params(n.Children[:len(n.Children)-1])
	if n.TypeExpr != "" {
		pr.write(" ", n.TypeExpr)
	}
	pr.sb.WriteByte(' ')
	pr.node(n.Children[len(n.Children)-1])
	pr.sb.WriteByte(')')
}

func (pr *printer) node(id ir.NodeID) {
	n := pr.mod.Node(id)
	switch n.Kind {
	case ir.KindInt:
		pr.write(strconv.FormatInt(n.Int, 10))
	case ir.KindString:
		pr.write(strconv.Quote(n.Str))
	case ir.KindBool:
		pr.write(strconv.FormatBool(n.Bool))
	case ir.KindUnit:
		pr.write("()")
	case ir.KindName:
		pr.write(pr.mod.Name(n))
	case ir.KindLet:
		pr.write("(let ", pr.mod.Name(n), " ")
		pr.node(n.Children[0])
		pr.write(")")
	case ir.KindAssign:
		pr.write("(set ", pr.mod.Name(n), " ")
		pr.node(n.Children[0])
		pr.write(")")
	case ir.KindFunc:
		pr.fn(n)
	case ir.KindTrait:
		pr.write("(trait ", pr.mod.Name(n))
		for _, m := range n.Children {
			mn := pr.mod.Node(m)
			pr.write(" (", pr.mod.Name(mn), " ")
			pr.params(mn.Children)
			if mn.TypeExpr != "" {
				pr.write(" ", mn.TypeExpr)
			}
			pr.write(")")
		}
		pr.write(")")
	case ir.KindImpl:
		pr.write("(impl ", pr.mod.Name(n), " ", n.TypeExpr)
		pr.list(n.Children)
		pr.write(")")
	case ir.KindBlock:
		pr.write("(do")
		pr.list(n.Children)
		pr.write(")")
	case ir.KindWhile:
		pr.write("(while")
		pr.list(n.Children)
		pr.write(")")
	case ir.KindReturn:
		pr.write("(return")
		pr.list(n.Children)
		pr.write(")")
	case ir.KindIf:
		pr.write("(if")
		pr.list(n.Children)
		pr.write(")")
	case ir.KindCall:
		pr.write("(call ", pr.mod.Name(n))
		pr.list(n.Children)
		pr.write(")")
	case ir.KindSend:
		pr.write("(send ")
		pr.node(n.Children[0])
		pr.write(" ", pr.mod.Name(n))
		pr.list(n.Children[1:])
		pr.write(")")
	case ir.KindInvoke:
		pr.write("(invoke")
		pr.list(n.Children)
		pr.write(")")
	case ir.KindBinary, ir.KindUnary:
		pr.write("(", n.Op.String())
		pr.list(n.Children)
		pr.write(")")
	default:
		pr.write("(? ", n.Kind.String(), ")")
	}
}
