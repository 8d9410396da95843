package linker

import (
	"debug/elf"
	"strings"

	"github.com/ksco/rld/pkg/utils"
)

const (
	NEEDS_GOT   uint32 = 1 << 0
	NEEDS_GOTTP uint32 = 1 << 3
)

type SymbolAux struct {
	GotIdx   int32
	GotTpIdx int32
}

func NewSymbolAux() SymbolAux {
	return SymbolAux{GotIdx: -1, GotTpIdx: -1}
}

type Symbol struct {
	File *ObjectFile

	InputSection    *InputSection
	OutputSection   Chunker
	SectionFragment *SectionFragment

	// Forward is set on the unversioned name of a default-versioned
	// definition (foo for foo@@V1) and points at the versioned symbol.
	Forward *Symbol

	Value uint64
	Name  string

	SymIdx int32
	AuxIdx int32

	Flags      uint32
	Visibility uint8
}

func NewSymbol(name string) *Symbol {
	return &Symbol{
		Name:       name,
		SymIdx:     -1,
		AuxIdx:     -1,
		Visibility: uint8(elf.STV_DEFAULT),
	}
}

func GetSymbolByName(ctx *Context, name string) *Symbol {
	if sym, ok := ctx.SymbolMap[name]; ok {
		return sym
	}
	ctx.SymbolMap[name] = NewSymbol(name)
	return ctx.SymbolMap[name]
}

// defaultVersion pairs foo with the foo@@V1 definition of one file.
type defaultVersion struct {
	Base      *Symbol
	Versioned *Symbol
}

// defaultVersionBase returns foo for foo@@V1.
func defaultVersionBase(name string) (string, bool) {
	idx := strings.Index(name, "@@")
	if idx <= 0 {
		return "", false
	}
	return name[:idx], true
}

func (s *Symbol) SetInputSection(isec *InputSection) {
	s.InputSection = isec
	s.OutputSection = nil
	s.SectionFragment = nil
}

func (s *Symbol) SetOutputSection(osec Chunker) {
	s.InputSection = nil
	s.OutputSection = osec
	s.SectionFragment = nil
}

func (s *Symbol) SetSectionFragment(frag *SectionFragment) {
	s.InputSection = nil
	s.OutputSection = nil
	s.SectionFragment = frag
}

func (s *Symbol) GetGotIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].GotIdx
}

func (s *Symbol) GetGotTpIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].GotTpIdx
}

func (s *Symbol) SetGotIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].GotIdx = idx
}

func (s *Symbol) SetGotTpIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].GotTpIdx = idx
}

func (s *Symbol) ElfSym() *Sym {
	utils.Assert(s.SymIdx >= 0 && int(s.SymIdx) < len(s.File.ElfSyms))
	return &s.File.ElfSyms[s.SymIdx]
}

func (s *Symbol) GetAddr() uint64 {
	if s.SectionFragment != nil {
		if !s.SectionFragment.IsAlive {
			return 0
		}
		return s.SectionFragment.GetAddr() + s.Value
	}

	if s.InputSection == nil {
		return s.Value
	}

	if !s.InputSection.IsAlive {
		return 0
	}

	return s.InputSection.GetAddr() + s.InputSection.OutputOffset(s.Value)
}

func (s *Symbol) GetGotTpAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + uint64(s.GetGotTpIdx(ctx))*8
}

func (s *Symbol) IsForwarder() bool {
	return s.Forward != nil
}

func (s *Symbol) IsUndefined() bool {
	return s.File == nil || s.ElfSym().IsUndef()
}

func (s *Symbol) Binding() elf.SymBind {
	if s.File == nil {
		return elf.STB_GLOBAL
	}
	return elf.SymBind(s.ElfSym().Bind())
}

func (s *Symbol) GetName() string {
	return s.Name
}

func (s *Symbol) isUndefWeak() bool {
	return s.IsUndefined() && s.Binding() == elf.STB_WEAK
}

func (s *Symbol) Clear() {
	s.File = nil
	s.SectionFragment = nil
	s.OutputSection = nil
	s.InputSection = nil
	s.SymIdx = -1
}

func (s *Symbol) GetRank() uint64 {
	if s.File == nil {
		return 7 << 24
	}
	return GetRank(s.File, s.ElfSym(), !s.File.IsAlive)
}
