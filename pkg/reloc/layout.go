package reloc

import (
	"debug/elf"
	"encoding/binary"
)

// Kind is the on-disk encoding of a relocation section.
type Kind uint8

const (
	KindRel  Kind = iota // SHT_REL, addend stored at the relocated location
	KindRela             // SHT_RELA, addend stored in the record
)

const (
	Rel32Size  = 8
	Rela32Size = 12
	Rel64Size  = 16
	Rela64Size = 24

	Sym32Size = 16
	Sym64Size = 24
)

func KindOf(typ elf.SectionType) (Kind, bool) {
	switch typ {
	case elf.SHT_REL:
		return KindRel, true
	case elf.SHT_RELA:
		return KindRela, true
	}
	return 0, false
}

// RecordSize returns the size of one record, or 0 for an unknown class.
func RecordSize(kind Kind, class elf.Class) int {
	switch class {
	case elf.ELFCLASS32:
		if kind == KindRela {
			return Rela32Size
		}
		return Rel32Size
	case elf.ELFCLASS64:
		if kind == KindRela {
			return Rela64Size
		}
		return Rel64Size
	}
	return 0
}

// Record is the closed set of relocation record layouts.
type Record[R any] interface {
	Rel32 | Rela32 | Rel64 | Rela64

	Offset() uint64
	Sym() uint32
	Type() uint32
	Addend() int64
	Size() int

	decode(b []byte, order binary.ByteOrder) R
	localSymbol(symtab []byte, idx uint32, order binary.ByteOrder) LocalSymbol
}

// Decode returns every complete record of rels, in file order.
func Decode[R Record[R]](rels []byte, order binary.ByteOrder) []R {
	var rec R
	size := rec.Size()
	recs := make([]R, 0, len(rels)/size)
	for off := 0; off+size <= len(rels); off += size {
		recs = append(recs, rec.decode(rels[off:], order))
	}
	return recs
}

// LocalSymbol is the part of a local symbol table entry the scanner and
// target analyzers look at.
type LocalSymbol struct {
	Index uint32
	Info  uint8
	Shndx uint16
	Value uint64
}

type Rel32 struct {
	Off  uint32
	Info uint32
}

func (r Rel32) Offset() uint64 { return uint64(r.Off) }
func (r Rel32) Sym() uint32 { return elf.R_SYM32(r.Info) }
func (r Rel32) Type() uint32 { return elf.R_TYPE32(r.Info) }
func (Rel32) Addend() int64 { return 0 }
func (Rel32) Size() int { return Rel32Size }

func (Rel32) decode(b []byte, order binary.ByteOrder) Rel32 {
	return Rel32{Off: order.Uint32(b), Info: order.Uint32(b[4:])}
}

func (Rel32) localSymbol(symtab []byte, idx uint32, order binary.ByteOrder) LocalSymbol {
	b := symtab[int(idx)*Sym32Size:]
	return LocalSymbol{
		Index: idx,
		Value: uint64(order.Uint32(b[4:])),
		Info:  b[12],
		Shndx: order.Uint16(b[14:]),
	}
}

type Rela32 struct {
	Rel32
	Add int32
}

func (r Rela32) Addend() int64 { return int64(r.Add) }
func (Rela32) Size() int { return Rela32Size }

func (Rela32) decode(b []byte, order binary.ByteOrder) Rela32 {
	return Rela32{
		Rel32: Rel32{}.decode(b, order),
		Add:   int32(order.Uint32(b[8:])),
	}
}

type Rel64 struct {
	Off  uint64
	Info uint64
}

func (r Rel64) Offset() uint64 { return r.Off }
func (r Rel64) Sym() uint32 { return elf.R_SYM64(r.Info) }
func (r Rel64) Type() uint32 { return elf.R_TYPE64(r.Info) }
func (Rel64) Addend() int64 { return 0 }
func (Rel64) Size() int { return Rel64Size }

func (Rel64) decode(b []byte, order binary.ByteOrder) Rel64 {
	return Rel64{Off: order.Uint64(b), Info: order.Uint64(b[8:])}
}

func (Rel64) localSymbol(symtab []byte, idx uint32, order binary.ByteOrder) LocalSymbol {
	b := symtab[int(idx)*Sym64Size:]
	return LocalSymbol{
		Index: idx,
		Info:  b[4],
		Shndx: order.Uint16(b[6:]),
		Value: order.Uint64(b[8:]),
	}
}

type Rela64 struct {
	Rel64
	Add int64
}

func (r Rela64) Addend() int64 { return r.Add }
func (Rela64) Size() int { return Rela64Size }

func (Rela64) decode(b []byte, order binary.ByteOrder) Rela64 {
	return Rela64{
		Rel64: Rel64{}.decode(b, order),
		Add:   int64(order.Uint64(b[16:])),
	}
}
