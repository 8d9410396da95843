package reloc

import (
	"debug/elf"

	"github.com/ksco/rld/pkg/utils"
)

// Symbol is a handle into the global symbol table. The zero value of the
// handle type is the null handle.
type Symbol interface {
	comparable

	IsForwarder() bool
	IsUndefined() bool
	Binding() elf.SymBind
	GetName() string
	GetAddr() uint64
}

type SymbolTable[S Symbol] interface {
	// ResolveForwards returns the canonical symbol for sym. It returns sym
	// itself when sym is not a forwarder.
	ResolveForwards(sym S) S
}

// Object answers section inclusion questions for the file that owns the
// relocations being scanned.
type Object interface {
	IsSectionIncluded(shndx uint32) bool
}

func resolveGlobal[S Symbol](symtab SymbolTable[S], syms []S, idx uint32) S {
	var null S
	sym := syms[idx]
	utils.Assert(sym != null)
	if sym.IsForwarder() {
		sym = symtab.ResolveForwards(sym)
	}
	return sym
}

// discarded reports whether a local symbol lives in a regular section
// that did not make it into the output.
func discarded(obj Object, shndx uint16) bool {
	return shndx < uint16(elf.SHN_LORESERVE) &&
		shndx != uint16(elf.SHN_UNDEF) &&
		!obj.IsSectionIncluded(uint32(shndx))
}
