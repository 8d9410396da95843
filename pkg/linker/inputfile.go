package linker

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/ksco/rld/pkg/utils"
)

type InputFile struct {
	File         *File
	Symbols      []*Symbol
	ElfSections  []Shdr
	FirstGlobal  int64
	ShStrtab     []byte
	SymbolStrtab []byte

	ElfSyms  []Sym
	IsAlive  bool
	Priority uint32

	LocalSyms []Symbol
}

func NewInputFile(file *File) *InputFile {
	f := &InputFile{File: file}
	if len(file.Contents) < binary.Size(Ehdr{}) {
		utils.Fatal(fmt.Sprintf("%s: file too small", file.DisplayName()))
	}
	if !CheckMagic(file.Contents) {
		utils.Fatal(fmt.Sprintf("%s: not an ELF file", file.DisplayName()))
	}

	ehdr := utils.Read[Ehdr](file.Contents)
	if ehdr.Ident[elf.EI_CLASS] != byte(elf.ELFCLASS64) {
		utils.Fatal(fmt.Sprintf("%s: unsupported ELF class %s",
			file.DisplayName(), elf.Class(ehdr.Ident[elf.EI_CLASS])))
	}
	if ehdr.ShOff == 0 || ehdr.ShOff >= uint64(len(file.Contents)) {
		utils.Fatal(fmt.Sprintf("%s: section header table is out of range", file.DisplayName()))
	}

	contents := file.Contents[ehdr.ShOff:]
	shdr := utils.Read[Shdr](contents)

	numSections := int64(ehdr.ShNum)
	if numSections == 0 {
		numSections = int64(shdr.Size)
	}

	shdrSize := binary.Size(Shdr{})
	if int64(len(contents)) < numSections*int64(shdrSize) {
		utils.Fatal(fmt.Sprintf("%s: section header table is truncated", file.DisplayName()))
	}
	f.ElfSections = utils.ReadSlice[Shdr](contents[:numSections*int64(shdrSize)])

	shstrtabIdx := int64(ehdr.ShStrndx)
	if ehdr.ShStrndx == uint16(elf.SHN_XINDEX) {
		shstrtabIdx = int64(shdr.Link)
	}

	f.ShStrtab = f.GetBytesFromIdx(shstrtabIdx)
	return f
}

func (f *InputFile) GetBytesFromShdr(s *Shdr) []byte {
	if s.Type == uint32(elf.SHT_NOBITS) {
		return nil
	}
	end := s.Offset + s.Size
	if uint64(len(f.File.Contents)) < end || end < s.Offset {
		utils.Fatal(fmt.Sprintf("%s: section header is out of range: %d",
			f.File.DisplayName(), s.Offset))
	}

	return f.File.Contents[s.Offset:end]
}

func (f *InputFile) GetBytesFromIdx(idx int64) []byte {
	utils.Assert(idx < int64(len(f.ElfSections)))
	return f.GetBytesFromShdr(&f.ElfSections[idx])
}

func (f *InputFile) FillUpElfSyms(s *Shdr) {
	f.ElfSyms = utils.ReadSlice[Sym](f.GetBytesFromShdr(s))
}

func (f *InputFile) FindSection(ty uint32) *Shdr {
	for i := 0; i < len(f.ElfSections); i++ {
		sec := &f.ElfSections[i]
		if sec.Type == ty {
			return sec
		}
	}
	return nil
}

func (f *InputFile) SwapIsAlive(isAlive bool) bool {
	old := f.IsAlive
	f.IsAlive = isAlive
	return old
}

func (f *InputFile) GetGlobalSyms() []*Symbol {
	return f.Symbols[f.FirstGlobal:]
}
