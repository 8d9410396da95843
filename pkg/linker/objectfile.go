package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/ksco/rld/pkg/reloc"
	"github.com/ksco/rld/pkg/utils"
)

type ObjectFile struct {
	InputFile
	Sections          []*InputSection
	MergeableSections []*MergeableSection
	ComdatGroups      []comdatGroupRef
	DefaultVersions   []defaultVersion

	SymtabSec      *Shdr
	SymtabShndxSec []uint32

	localValues []uint64
}

func NewObjectFile(file *File, inLib bool) *ObjectFile {
	o := &ObjectFile{InputFile: *NewInputFile(file)}
	o.IsAlive = !inLib
	return o
}

func (o *ObjectFile) parse(ctx *Context) {
	o.SymtabSec = o.FindSection(uint32(elf.SHT_SYMTAB))
	if o.SymtabSec != nil {
		o.FirstGlobal = int64(o.SymtabSec.Info)

		o.FillUpElfSyms(o.SymtabSec)
		o.SymbolStrtab = o.GetBytesFromIdx(int64(o.SymtabSec.Link))
	}

	o.initializeSections(ctx)
	o.initializeSymbols(ctx)
	o.initializeMergeableSections(ctx)
	o.skipEhframeSections()
}

func (o *ObjectFile) initializeSections(ctx *Context) {
	o.Sections = make([]*InputSection, len(o.ElfSections))
	var groups []*Shdr

	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		if (shdr.Flags&uint64(SHF_EXCLUDE) != 0) &&
			(shdr.Flags&uint64(elf.SHF_ALLOC) == 0) &&
			(shdr.Type != SHT_LLVM_ADDRSIG) {
			continue
		}

		switch elf.SectionType(shdr.Type) {
		case elf.SHT_GROUP:
			groups = append(groups, shdr)
		case elf.SHT_SYMTAB_SHNDX:
			o.FillUpSymtabShndxSec(shdr)
		case elf.SHT_SYMTAB, elf.SHT_STRTAB, elf.SHT_REL, elf.SHT_RELA,
			elf.SHT_NULL:
			break
		default:
			name := getName(o.ShStrtab, shdr.Name)

			if name == ".note.GNU-stack" {
				continue
			}
			if strings.HasPrefix(name, ".gnu.warning.") {
				continue
			}

			o.Sections[i] = NewInputSection(ctx, o, name, int64(i))
		}
	}

	for _, shdr := range groups {
		o.readComdatGroup(ctx, shdr)
	}

	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		if _, ok := reloc.KindOf(elf.SectionType(shdr.Type)); !ok {
			continue
		}

		if shdr.Info >= uint32(len(o.Sections)) {
			utils.Fatal(fmt.Sprintf("%s: invalid relocated section index %d",
				o.File.DisplayName(), shdr.Info))
		}

		if target := o.Sections[shdr.Info]; target != nil {
			utils.Assert(target.RelsecIdx == math.MaxUint32)
			target.RelsecIdx = uint32(i)
		}
	}
}

func (o *ObjectFile) initializeSymbols(ctx *Context) {
	if o.SymtabSec == nil {
		return
	}

	o.LocalSyms = make([]Symbol, o.FirstGlobal)
	for i := 0; i < len(o.LocalSyms); i++ {
		o.LocalSyms[i] = *NewSymbol("")
	}
	o.LocalSyms[0].File = o
	o.LocalSyms[0].SymIdx = 0

	for i := int64(1); i < o.FirstGlobal; i++ {
		esym := &o.ElfSyms[i]
		if esym.IsCommon() {
			utils.Fatal(fmt.Sprintf("%s: common local symbol", o.File.DisplayName()))
		}

		name := getName(o.SymbolStrtab, esym.Name)
		if name == "" && esym.Type() == uint8(elf.STT_SECTION) {
			if sec := o.GetSection(esym, i); sec != nil {
				name = sec.Name()
			}
		}

		sym := &o.LocalSyms[i]
		sym.Name = name
		sym.File = o
		sym.Value = esym.Val
		sym.SymIdx = int32(i)

		if !esym.IsAbs() && !esym.IsUndef() {
			sym.SetInputSection(o.GetSection(esym, i))
		}
	}

	o.Symbols = make([]*Symbol, len(o.ElfSyms))

	for i := int64(0); i < o.FirstGlobal; i++ {
		o.Symbols[i] = &o.LocalSyms[i]
	}

	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		esym := &o.ElfSyms[i]
		name := getName(o.SymbolStrtab, esym.Name)
		sym := GetSymbolByName(ctx, name)
		o.Symbols[i] = sym

		if esym.IsUndef() {
			continue
		}
		if base, ok := defaultVersionBase(name); ok {
			o.DefaultVersions = append(o.DefaultVersions, defaultVersion{
				Base:      GetSymbolByName(ctx, base),
				Versioned: sym,
			})
		}
	}
}

func findNull(data []byte, entSize int) int {
	if entSize == 1 {
		return bytes.Index(data, []byte{0})
	}

	for i := 0; i <= len(data)-entSize; i += entSize {
		bs := data[i : i+entSize]
		if utils.AllZeros(bs) {
			return i
		}
	}
	return -1
}

func splitSection(ctx *Context, isec *InputSection) *MergeableSection {
	m := &MergeableSection{}
	shdr := isec.Shdr()
	m.Parent = GetMergedSectionInstance(ctx, isec.Name(), shdr.Type, shdr.Flags)
	m.P2Align = isec.P2Align

	data := isec.Contents
	offset := uint64(0)
	if shdr.Flags&uint64(elf.SHF_STRINGS) != 0 {
		for len(data) > 0 {
			end := findNull(data, int(shdr.EntSize))
			if end == -1 {
				utils.Fatal(fmt.Sprintf("%s: string is not null terminated", isec.Location(0, offset)))
			}

			substr := data[:uint64(end)+shdr.EntSize]
			data = data[uint64(end)+shdr.EntSize:]
			m.Strs = append(m.Strs, string(substr))
			m.FragOffsets = append(m.FragOffsets, uint32(offset))
			offset += uint64(end) + shdr.EntSize
		}
	} else {
		if uint64(len(data))%shdr.EntSize != 0 {
			utils.Fatal(fmt.Sprintf("%s: section size is not multiple of entsize",
				isec.Location(0, 0)))
		}
		for len(data) > 0 {
			m.Strs = append(m.Strs, string(data[:shdr.EntSize]))
			m.FragOffsets = append(m.FragOffsets, uint32(offset))
			data = data[shdr.EntSize:]
			offset += shdr.EntSize
		}
	}

	return m
}

func (o *ObjectFile) initializeMergeableSections(ctx *Context) {
	o.MergeableSections = make([]*MergeableSection, len(o.Sections))
	for i := 0; i < len(o.Sections); i++ {
		isec := o.Sections[i]
		if isec != nil && isec.IsAlive && isec.Shdr().Flags&uint64(elf.SHF_MERGE) != 0 &&
			isec.ShSize > 0 && isec.Shdr().EntSize > 0 &&
			isec.RelsecIdx == math.MaxUint32 {
			o.MergeableSections[i] = splitSection(ctx, isec)
			isec.IsAlive = false
		}
	}
}

func (o *ObjectFile) skipEhframeSections() {
	for i := 0; i < len(o.Sections); i++ {
		isec := o.Sections[i]
		if isec != nil && isec.IsAlive && isec.Name() == ".eh_frame" {
			isec.IsAlive = false
		}
	}
}

func (o *ObjectFile) FillUpSymtabShndxSec(s *Shdr) {
	o.SymtabShndxSec = utils.ReadSlice[uint32](o.GetBytesFromShdr(s))
}

func (o *ObjectFile) GetSection(esym *Sym, idx int64) *InputSection {
	shndx := o.GetShndx(esym, idx)
	if shndx >= int64(len(o.Sections)) {
		return nil
	}
	return o.Sections[shndx]
}

func (o *ObjectFile) GetShndx(esym *Sym, idx int64) int64 {
	utils.Assert(idx >= 0 && idx < int64(len(o.ElfSyms)))
	if esym.Shndx == uint16(elf.SHN_XINDEX) {
		return int64(o.SymtabShndxSec[idx])
	}
	return int64(esym.Shndx)
}

// IsSectionIncluded reports whether section shndx contributes to the
// output, either directly or through the merged section its pieces went to.
func (o *ObjectFile) IsSectionIncluded(shndx uint32) bool {
	if shndx >= uint32(len(o.Sections)) {
		return false
	}
	if o.MergeableSections != nil && o.MergeableSections[shndx] != nil {
		return true
	}
	isec := o.Sections[shndx]
	return isec != nil && isec.IsAlive
}

// GlobalSymbol returns the canonical symbol for symbol table entry i.
func (o *ObjectFile) GlobalSymbol(ctx *Context, i int64) *Symbol {
	return ctx.ResolveForwards(o.Symbols[i])
}

func (o *ObjectFile) ResolveSymbols(ctx *Context) {
	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		if esym.IsUndef() {
			continue
		}

		var isec *InputSection
		if !esym.IsAbs() && !esym.IsCommon() {
			isec = o.GetSection(esym, i)
			if isec == nil || !o.IsSectionIncluded(uint32(o.GetShndx(esym, i))) {
				continue
			}
		}

		if GetRank(o, esym, !o.IsAlive) < sym.GetRank() {
			sym.File = o
			sym.SetInputSection(isec)
			sym.Value = esym.Val
			sym.SymIdx = int32(i)
		}
	}
}

func (o *ObjectFile) MarkLiveObjects(ctx *Context, feeder func(*ObjectFile)) {
	utils.Assert(o.IsAlive)

	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		esym := &o.ElfSyms[i]
		sym := o.GlobalSymbol(ctx, i)

		o.MergeVisibility(sym, esym.StVisibility())

		if esym.IsWeak() {
			continue
		}

		if sym.File == nil {
			continue
		}

		keep := esym.IsUndef() || (esym.IsCommon() && !sym.ElfSym().IsCommon())
		if keep && !sym.File.SwapIsAlive(true) {
			feeder(sym.File)
		}
	}
}

func (o *ObjectFile) MergeVisibility(sym *Symbol, visibility uint8) {
	if visibility == uint8(elf.STV_INTERNAL) {
		visibility = uint8(elf.STV_HIDDEN)
	}

	priority := func(visibility uint8) int {
		switch visibility {
		case uint8(elf.STV_HIDDEN):
			return 1
		case uint8(elf.STV_PROTECTED):
			return 2
		case uint8(elf.STV_DEFAULT):
			return 3
		}
		utils.Fatal(fmt.Sprintf("%s: unknown symbol visibility %d", o.File.DisplayName(), visibility))
		return 0
	}

	if priority(sym.Visibility) > priority(visibility) {
		sym.Visibility = visibility
	}
}

func (o *ObjectFile) ClearSymbols() {
	for _, sym := range o.GetGlobalSyms() {
		if sym.File == o {
			sym.Clear()
		}
	}
}

func (o *ObjectFile) RegisterSectionPieces() {
	for _, m := range o.MergeableSections {
		if m == nil {
			continue
		}
		m.Fragments = make([]*SectionFragment, 0, len(m.Strs))
		for i := 0; i < len(m.Strs); i++ {
			m.Fragments = append(m.Fragments, m.Parent.Insert(m.Strs[i], uint32(m.P2Align)))
		}
	}

	for i := int64(1); i < int64(len(o.ElfSyms)); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		if sym.File != o || esym.IsAbs() || esym.IsCommon() || esym.IsUndef() {
			continue
		}

		shndx := o.GetShndx(esym, i)
		if shndx >= int64(len(o.MergeableSections)) {
			continue
		}
		m := o.MergeableSections[shndx]
		if m == nil {
			continue
		}

		frag, fragOffset := m.GetFragment(uint32(esym.Val))
		if frag == nil {
			utils.Fatal(fmt.Sprintf("%s: bad symbol value for %s", o.File.DisplayName(), sym.Name))
		}
		sym.SetSectionFragment(frag)
		sym.Value = uint64(fragOffset)
	}
}

// fragmentFor finds the merged piece a relocation against a section symbol
// of a mergeable section refers to.
func (o *ObjectFile) fragmentFor(symIdx uint32, addend int64) (*SectionFragment, uint32, bool) {
	if int64(symIdx) >= o.FirstGlobal {
		return nil, 0, false
	}
	esym := &o.ElfSyms[symIdx]
	if esym.Type() != uint8(elf.STT_SECTION) {
		return nil, 0, false
	}

	shndx := o.GetShndx(esym, int64(symIdx))
	if shndx >= int64(len(o.MergeableSections)) || o.MergeableSections[shndx] == nil {
		return nil, 0, false
	}

	frag, fragOffset := o.MergeableSections[shndx].GetFragment(uint32(esym.Val) + uint32(addend))
	if frag == nil {
		utils.Fatal(fmt.Sprintf("%s: bad relocation against mergeable section", o.File.DisplayName()))
	}
	return frag, fragOffset, true
}

func (o *ObjectFile) ClaimUnresolvedSymbols(ctx *Context) {
	if !o.IsAlive {
		return
	}

	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		esym := &o.ElfSyms[i]
		if !esym.IsUndef() {
			continue
		}

		sym := o.GlobalSymbol(ctx, i)
		if sym.File != nil && (!sym.ElfSym().IsUndef() || sym.File.Priority <= o.Priority) {
			continue
		}

		if esym.IsUndefWeak() {
			sym.File = o
			sym.InputSection = nil
			sym.OutputSection = nil
			sym.SectionFragment = nil
			sym.Value = 0
			sym.SymIdx = int32(i)
		}
	}
}

func (o *ObjectFile) ByteOrder() binary.ByteOrder {
	if elf.Data(o.File.Contents[elf.EI_DATA]) == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (o *ObjectFile) Class() elf.Class {
	return elf.Class(o.File.Contents[elf.EI_CLASS])
}

// LocalValues returns the output address of every local symbol. Only
// valid once layout is final.
func (o *ObjectFile) LocalValues() []uint64 {
	if o.localValues != nil {
		return o.localValues
	}
	o.localValues = make([]uint64, len(o.LocalSyms))
	for i := range o.LocalSyms {
		o.localValues[i] = o.LocalSyms[i].GetAddr()
	}
	return o.localValues
}

func (o *ObjectFile) symtabBytes() []byte {
	if o.SymtabSec == nil {
		return nil
	}
	return o.GetBytesFromShdr(o.SymtabSec)
}

func (o *ObjectFile) scanInput(ctx *Context) *reloc.ScanInput[*Symbol] {
	return &reloc.ScanInput[*Symbol]{
		Symtab:     ctx,
		Object:     o,
		Order:      o.ByteOrder(),
		LocalCount: uint32(o.FirstGlobal),
		LocalSyms:  o.symtabBytes(),
		GlobalSyms: o.GetGlobalSyms(),
	}
}

func (o *ObjectFile) relocContext(ctx *Context, isec *InputSection) *reloc.Context[*Symbol] {
	return &reloc.Context[*Symbol]{
		Symtab:      ctx,
		Order:       o.ByteOrder(),
		LocalCount:  uint32(o.FirstGlobal),
		LocalValues: o.LocalValues(),
		GlobalSyms:  o.GetGlobalSyms(),
		Locator:     isec,
		Diag:        ctx.Diag,
	}
}

func (o *ObjectFile) ScanRelocations(ctx *Context) {
	for _, isec := range o.Sections {
		if isec != nil && isec.IsAlive && isec.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
			isec.ScanRelocations(ctx)
		}
	}
}
