package linker

import (
	"bytes"
	"debug/elf"
	"fmt"
	"math"
	"sort"

	"github.com/ksco/rld/pkg/reloc"
	"github.com/ksco/rld/pkg/utils"
)

type InputSection struct {
	File          *ObjectFile
	OutputSection *OutputSection
	Contents      []byte
	Offset        uint32
	Shndx         uint32
	RelsecIdx     uint32
	ShSize        uint32
	IsAlive       bool
	P2Align       uint8

	// Deltas[i] is the number of bytes removed before relocation i; the
	// last entry is the total. Empty unless the section was shrunk.
	Deltas     []int32
	relOffsets []uint64
}

func NewInputSection(
	ctx *Context, file *ObjectFile, name string, shndx int64,
) *InputSection {
	s := &InputSection{
		Offset:    math.MaxUint32,
		Shndx:     uint32(shndx),
		RelsecIdx: math.MaxUint32,
		ShSize:    math.MaxUint32,
		IsAlive:   true,
		File:      file,
	}

	shdr := s.Shdr()
	s.Contents = file.GetBytesFromShdr(shdr)

	toP2Align := func(alignment uint64) uint8 {
		if alignment == 0 {
			return 0
		}
		return uint8(utils.CountrZero(alignment))
	}

	if shdr.Flags&uint64(elf.SHF_COMPRESSED) != 0 {
		chdr := s.Chdr()
		s.ShSize = uint32(chdr.Size)
		s.P2Align = toP2Align(chdr.AddrAlign)
	} else {
		s.ShSize = uint32(shdr.Size)
		s.P2Align = toP2Align(shdr.AddrAlign)
	}

	s.OutputSection =
		GetOutputSectionInstance(ctx, name, uint64(shdr.Type), shdr.Flags)

	return s
}

func (s *InputSection) Shdr() *Shdr {
	utils.Assert(s.Shndx < uint32(len(s.File.ElfSections)))
	return &s.File.ElfSections[s.Shndx]
}

func (s *InputSection) Chdr() Chdr {
	return utils.Read[Chdr](s.Contents)
}

func (s *InputSection) GetAddr() uint64 {
	return s.OutputSection.Shdr.Addr + uint64(s.Offset)
}

func (s *InputSection) Name() string {
	return getName(s.File.ShStrtab, s.File.ElfSections[s.Shndx].Name)
}

// Location formats a position inside the section as file:(section+off).
func (s *InputSection) Location(idx int, offset uint64) string {
	return fmt.Sprintf("%s:(%s+0x%x)", s.File.File.DisplayName(), s.Name(), offset)
}

// RelocationBytes returns the raw records of the relocation section that
// targets s, or nil.
func (s *InputSection) RelocationBytes() []byte {
	if s.RelsecIdx == math.MaxUint32 {
		return nil
	}
	return s.File.GetBytesFromIdx(int64(s.RelsecIdx))
}

// checkRelocLayout makes sure the relocation section targeting s uses
// RELA64 records, the only layout RISC-V ELF64 objects carry.
func (s *InputSection) checkRelocLayout() {
	shdr := &s.File.ElfSections[s.RelsecIdx]
	kind, ok := reloc.KindOf(elf.SectionType(shdr.Type))
	utils.Assert(ok)

	if kind != reloc.KindRela || reloc.RecordSize(kind, s.File.Class()) != reloc.Rela64Size {
		utils.Fatal(fmt.Sprintf("%s: unsupported relocation section type %s for %s",
			s.Location(0, 0), elf.SectionType(shdr.Type), s.File.Class()))
	}
	if shdr.EntSize != 0 && shdr.EntSize != reloc.Rela64Size {
		utils.Fatal(fmt.Sprintf("%s: bad relocation entry size %d", s.Location(0, 0), shdr.EntSize))
	}
}

func (s *InputSection) ScanRelocations(ctx *Context) {
	utils.Assert(s.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0)

	rels := s.RelocationBytes()
	if rels == nil {
		return
	}

	s.checkRelocLayout()
	scanRelocations[reloc.Rela64](ctx, s, rels)
}

func (s *InputSection) WriteTo(ctx *Context, buf []byte) {
	if s.Shdr().Type == uint32(elf.SHT_NOBITS) || s.ShSize == 0 {
		return
	}

	view := buf[:s.ShSize]
	if len(s.Deltas) == 0 {
		copy(view, s.Contents)
		if s.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
			s.ApplyRelocAlloc(ctx, view)
		}
		return
	}

	// Relocate in input layout, then drop the removed padding.
	staging := bytes.Clone(s.Contents)
	s.ApplyRelocAlloc(ctx, staging)
	s.CopyContents(view, staging)
}

// CopyContents copies src, laid out as in the input file, to dst without
// the bytes shrinkSection removed.
func (s *InputSection) CopyContents(dst, src []byte) {
	pos := uint64(0)
	for i, offset := range s.relOffsets {
		delta := s.Deltas[i+1] - s.Deltas[i]
		if delta == 0 {
			continue
		}

		n := copy(dst, src[pos:offset])
		dst = dst[n:]
		pos = offset + uint64(delta)
	}
	copy(dst, src[pos:])
}

// OutputOffset maps an offset in the input section to the same place in
// the shrunk output.
func (s *InputSection) OutputOffset(offset uint64) uint64 {
	if len(s.Deltas) == 0 {
		return offset
	}
	idx := sort.Search(len(s.relOffsets), func(i int) bool {
		return s.relOffsets[i] >= offset
	})
	return offset - uint64(s.Deltas[idx])
}

func (s *InputSection) deltaAt(idx int) uint64 {
	if len(s.Deltas) == 0 {
		return 0
	}
	return uint64(s.Deltas[idx])
}

func (s *InputSection) ApplyRelocAlloc(ctx *Context, view []byte) {
	rels := s.RelocationBytes()
	if rels == nil {
		return
	}

	s.checkRelocLayout()
	applyRelocations[reloc.Rela64](ctx, s, rels, view)
}
