package linker

import (
	"debug/elf"
)

type OutputSection struct {
	Chunk
	Members []*InputSection
	Idx     uint32
}

func NewOutputSection(name string, typ uint32, flags uint64, idx uint32) *OutputSection {
	o := &OutputSection{Chunk: NewChunk()}
	o.Name = name
	o.Shdr.Type = typ
	o.Shdr.Flags = flags
	o.Idx = idx
	return o
}

func GetOutputSectionInstance(
	ctx *Context, name string, typ uint64, flags uint64) *OutputSection {
	name = GetOutputName(name, flags)
	typ = CanonicalizeType(name, typ)
	flags = flags & ^uint64(elf.SHF_GROUP) & ^uint64(elf.SHF_COMPRESSED) &
		^uint64(elf.SHF_LINK_ORDER)

	if typ == uint64(elf.SHT_INIT_ARRAY) || typ == uint64(elf.SHT_FINI_ARRAY) {
		flags |= uint64(elf.SHF_WRITE)
	}

	for _, osec := range ctx.OutputSections {
		if name == osec.Name && typ == uint64(osec.Shdr.Type) && flags == osec.Shdr.Flags {
			return osec
		}
	}

	osec := NewOutputSection(name, uint32(typ), flags, uint32(len(ctx.OutputSections)))
	ctx.OutputSections = append(ctx.OutputSections, osec)
	return osec
}

func (o *OutputSection) Kind() int {
	return ChunkKindOutputSection
}

// CopyBuf copies and relocates every member in place and zero-fills the
// alignment gaps between them.
func (o *OutputSection) CopyBuf(ctx *Context) {
	if o.Shdr.Type == uint32(elf.SHT_NOBITS) {
		return
	}

	buf := ctx.Buf[o.Shdr.Offset : o.Shdr.Offset+o.Shdr.Size]
	for i, isec := range o.Members {
		isec.WriteTo(ctx, buf[isec.Offset:])

		thisEnd := uint64(isec.Offset + isec.ShSize)
		nextStart := o.Shdr.Size
		if i < len(o.Members)-1 {
			nextStart = uint64(o.Members[i+1].Offset)
		}
		clear(buf[thisEnd:nextStart])
	}
}
