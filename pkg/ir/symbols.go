package ir

// Symbol is an interned name. Zero is the invalid symbol.
type Symbol uint32

// NoSymbol is the invalid sentinel.
const NoSymbol Symbol = 0

// SymbolTable interns names. It is append-only: once interned, a symbol is
// never removed or renumbered.
type SymbolTable struct {
	names []string
	index map[string]Symbol
}

// NewSymbolTable creates an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{index: make(map[string]Symbol)}
}

// Intern returns the symbol for name, allocating one if needed.
func (t *SymbolTable) Intern(name string) Symbol {
	if s, ok := t.index[name]; ok {
		return s
	}
	t.names = append(t.names, name)
	s := Symbol(len(t.names))
	t.index[name] = s
	return s
}

// Lookup returns the symbol for name without interning.
func (t *SymbolTable) Lookup(name string) (Symbol, bool) {
	s, ok := t.index[name]
	return s, ok
}

// Name returns the string for s, or "" for NoSymbol.
func (t *SymbolTable) Name(s Symbol) string {
	if s == NoSymbol || int(s) > len(t.names) {
		return ""
	}
	return t.names[s-1]
}

// Len returns the number of interned symbols.
func (t *SymbolTable) Len() int { return len(t.names) }
