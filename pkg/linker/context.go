package linker

import (
	"github.com/pattyshack/gt/parseutil"

	"github.com/ksco/rld/pkg/utils"
)

type ContextArg struct {
	Output    string
	Emulation MachineType
	ImageBase uint64

	LibraryPaths []string

	NoinhibitExec bool
	PrintMap      bool
}

type Context struct {
	Arg ContextArg

	SymbolMap map[string]*Symbol

	SymbolsAux []SymbolAux

	ComdatGroups map[string]*ComdatGroup

	Got *GotSection

	Buf []byte

	FilePriority int64
	Visited      utils.MapSet[string]

	Objs []*ObjectFile

	InternalObj   *ObjectFile
	InternalEsyms []Sym

	Chunks []Chunker

	MergedSections []*MergedSection
	OutputSections []*OutputSection

	TpAddr uint64

	// Diag collects the undefined references found while relocating.
	Diag *parseutil.Emitter

	__InitArrayStart    *Symbol
	__InitArrayEnd      *Symbol
	__FiniArrayStart    *Symbol
	__FiniArrayEnd      *Symbol
	__PreinitArrayStart *Symbol
	__PreinitArrayEnd   *Symbol
	__GlobalPointer     *Symbol
}

func NewContext() *Context {
	return &Context{
		Arg: ContextArg{
			Emulation: MachineTypeNone,
			Output:    "a.out",
			ImageBase: DefaultImageBase,
		},
		SymbolMap:    make(map[string]*Symbol),
		ComdatGroups: make(map[string]*ComdatGroup),
		Visited:      utils.NewMapSet[string](),
		FilePriority: 10000,
		Diag:         &parseutil.Emitter{},
	}
}

// ResolveForwards follows forwarder links to the symbol that carries the
// definition.
func (ctx *Context) ResolveForwards(sym *Symbol) *Symbol {
	for sym.Forward != nil {
		sym = sym.Forward
	}
	return sym
}
