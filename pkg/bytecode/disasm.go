package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the module.
func (m *Module) Disassemble() string {
	return m.DisassembleWithName("")
}

// DisassembleWithName returns a human-readable listing with a name header.
func (m *Module) DisassembleWithName(name string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; Kayton Bytecode v%d\n", m.Version))
	sb.WriteString(fmt.Sprintf("; Flags: 0x%04X", m.Flags))
	if m.Flags&ModuleFlagPruned != 0 {
		sb.WriteString(" [PRUNED]")
	}
	sb.WriteString("\n\n")

	if len(m.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, c := range m.Constants {
			display := c.String()
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, display))
		}
		sb.WriteString("\n")
	}

	if len(m.Globals) > 0 {
		sb.WriteString("; Globals:\n")
		for _, g := range m.Globals {
			sb.WriteString(fmt.Sprintf(";   %s = [%d]\n", g.Name, g.Const))
		}
		sb.WriteString("\n")
	}

	if len(m.Methods) > 0 {
		sb.WriteString("; Methods:\n")
		for _, meth := range m.Methods {
			target := "?"
			if int(meth.Func) < len(m.Functions) {
				target = m.Functions[meth.Func].Name
			}
			sb.WriteString(fmt.Sprintf(";   %s.%s -> %s\n", meth.Type, meth.Name, target))
		}
		sb.WriteString("\n")
	}

	for i, f := range m.Functions {
		sb.WriteString(fmt.Sprintf("; fn %s (params=%d locals=%d stack=%d)\n", f.Name, f.Params, f.Locals, f.MaxStack))
		end := m.FunctionEnd(i)
		for offset := int(f.Offset); offset < end; {
			line, n := m.disassembleInstruction(offset)
			sb.WriteString(fmt.Sprintf("%04X  %s\n", offset, line))
			if n == 0 {
				break
			}
			offset += n
		}
	}
	return sb.String()
}

// disassembleInstruction disassembles a single instruction at the given offset.
// Returns the formatted string and the instruction length.
func (m *Module) disassembleInstruction(offset int) (string, int) {
	op := Opcode(m.Code[offset])
	info := GetOpcodeInfo(op)
	n := op.InstructionLen()
	if offset+n > len(m.Code) {
		return fmt.Sprintf("%s <truncated>", info.Name), 0
	}

	constant := func(idx int) string {
		if idx < len(m.Constants) {
			return m.Constants[idx].String()
		}
		return "<invalid>"
	}
	u16 := func(at int) int { return int(binary.BigEndian.Uint16(m.Code[at:])) }
	u32 := func(at int) int { return int(binary.BigEndian.Uint32(m.Code[at:])) }

	switch op {
	case OpConst:
		idx := u16(offset + 1)
		return fmt.Sprintf("%-18s %5d ; %s", info.Name, idx, constant(idx)), n
	case OpLoadLocal, OpStoreLocal:
		return fmt.Sprintf("%-18s %5d", info.Name, u16(offset+1)), n
	case OpJump, OpJumpIfFalse:
		return fmt.Sprintf("%-18s %04X", info.Name, u32(offset+1)), n
	case OpCall:
		target := u32(offset + 1)
		callee := "?"
		if i, ok := m.FunctionAt(uint32(target)); ok {
			callee = m.Functions[i].Name
		}
		return fmt.Sprintf("%-18s %04X argc=%d ; %s", info.Name, target, m.Code[offset+5], callee), n
	case OpCallHost:
		slot := u16(offset + 1)
		name, ok := m.HostAt(uint16(slot))
		if !ok {
			name = "?"
		}
		return fmt.Sprintf("%-18s slot=%d argc=%d ; %s", info.Name, slot, m.Code[offset+3], name), n
	case OpCallHostDynamic, OpSend:
		idx := u16(offset + 1)
		return fmt.Sprintf("%-18s %5d argc=%d ; %s", info.Name, idx, m.Code[offset+3], constant(idx)), n
	case OpCallDynamic:
		return fmt.Sprintf("%-18s argc=%d", info.Name, m.Code[offset+1]), n
	}
	return info.Name, n
}
