package linker

import (
	"debug/elf"
	"sort"

	"github.com/ksco/rld/pkg/utils"
)

// MergedSection is an output section built from deduplicated pieces of
// mergeable input sections.
type MergedSection struct {
	Chunk
	Map map[string]*SectionFragment
}

func NewMergedSection(name string, flags uint64, typ uint32) *MergedSection {
	m := &MergedSection{
		Chunk: NewChunk(),
		Map:   make(map[string]*SectionFragment),
	}
	m.Name = name
	m.Shdr.Flags = flags
	m.Shdr.Type = typ
	return m
}

func GetMergedSectionInstance(ctx *Context, name string, typ uint32, flags uint64) *MergedSection {
	name = GetOutputName(name, flags)
	flags = flags & ^uint64(elf.SHF_GROUP) & ^uint64(elf.SHF_MERGE) &
		^uint64(elf.SHF_STRINGS) & ^uint64(elf.SHF_COMPRESSED)

	for _, osec := range ctx.MergedSections {
		if name == osec.Name && flags == osec.Shdr.Flags && typ == osec.Shdr.Type {
			return osec
		}
	}

	osec := NewMergedSection(name, flags, typ)
	ctx.MergedSections = append(ctx.MergedSections, osec)
	return osec
}

func (m *MergedSection) Insert(key string, p2align uint32) *SectionFragment {
	frag, ok := m.Map[key]
	if !ok {
		frag = NewSectionFragment(m)
		m.Map[key] = frag
	}
	if frag.P2Align < p2align {
		frag.P2Align = p2align
	}
	return frag
}

type keyedFragment struct {
	key  string
	frag *SectionFragment
}

// AssignOffsets lays out the live fragments, smallest alignment first,
// then by length and contents so the result does not depend on map order.
func (m *MergedSection) AssignOffsets() {
	frags := make([]keyedFragment, 0, len(m.Map))
	for key, frag := range m.Map {
		frags = append(frags, keyedFragment{key, frag})
	}

	sort.Slice(frags, func(i, j int) bool {
		x, y := frags[i], frags[j]
		if x.frag.P2Align != y.frag.P2Align {
			return x.frag.P2Align < y.frag.P2Align
		}
		if len(x.key) != len(y.key) {
			return len(x.key) < len(y.key)
		}
		return x.key < y.key
	})

	offset := uint64(0)
	p2align := uint32(0)
	for _, f := range frags {
		if !f.frag.IsAlive {
			continue
		}

		offset = utils.AlignTo(offset, 1<<f.frag.P2Align)
		f.frag.Offset = uint32(offset)
		offset += uint64(len(f.key))
		p2align = max(p2align, f.frag.P2Align)
	}

	m.Shdr.Size = utils.AlignTo(offset, 1<<p2align)
	m.Shdr.AddrAlign = 1 << p2align
}

func (m *MergedSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[m.Shdr.Offset:]
	for key, frag := range m.Map {
		if frag.IsAlive {
			copy(buf[frag.Offset:], key)
		}
	}
}

func (m *MergedSection) Kind() int {
	return ChunkKindMergedSection
}
