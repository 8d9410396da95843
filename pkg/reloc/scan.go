package reloc

import (
	"encoding/binary"

	"github.com/ksco/rld/pkg/utils"
)

// Analyzer is the target half of relocation scanning.
type Analyzer[R any, S Symbol] interface {
	Local(rel R, typ uint32, lsym LocalSymbol)
	Global(rel R, typ uint32, gsym S)
}

type ScanInput[S Symbol] struct {
	Symtab SymbolTable[S]
	Object Object
	Order  binary.ByteOrder

	// Symbol indexes below LocalCount address LocalSyms, the raw local
	// part of the object's symbol table. The rest address GlobalSyms.
	LocalCount uint32
	LocalSyms  []byte
	GlobalSyms []S
}

// Scan feeds every record of rels to analyzer, in file order. Records
// against local symbols of discarded sections are dropped; they end up
// relocating against zero.
func Scan[R Record[R], S Symbol, A Analyzer[R, S]](in *ScanInput[S], rels []byte, analyzer A) {
	var rec R
	size := rec.Size()

	for off := 0; off+size <= len(rels); off += size {
		rel := rec.decode(rels[off:], in.Order)
		symIdx := rel.Sym()
		typ := rel.Type()

		if symIdx < in.LocalCount {
			utils.Assert(in.LocalSyms != nil)
			lsym := rel.localSymbol(in.LocalSyms, symIdx, in.Order)
			if discarded(in.Object, lsym.Shndx) {
				continue
			}
			analyzer.Local(rel, typ, lsym)
			continue
		}

		gsym := resolveGlobal(in.Symtab, in.GlobalSyms, symIdx-in.LocalCount)
		analyzer.Global(rel, typ, gsym)
	}
}
