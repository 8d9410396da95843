package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
	"testing"
)

type testSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	data    []byte
	align   uint64
	entsize uint64

	// SHT_GROUP only.
	signature string
	members   []uint16
}

type testSym struct {
	name  string
	typ   elf.SymType
	bind  elf.SymBind
	shndx uint16
	value uint64
}

type testRela struct {
	off    uint64
	sym    string
	typ    elf.R_RISCV
	addend int64
}

// objBuilder assembles a little-endian RISC-V ELF64 relocatable object.
// Section indexes start at 1 in the order sections are added. Section
// symbols are looked up by their name field but written unnamed.
type objBuilder struct {
	sections []testSection
	locals   []testSym
	globals  []testSym
	relas    map[uint16][]testRela
}

func newObj() *objBuilder {
	return &objBuilder{relas: make(map[uint16][]testRela)}
}

func (b *objBuilder) section(s testSection) uint16 {
	b.sections = append(b.sections, s)
	return uint16(len(b.sections))
}

func (b *objBuilder) text(name string, data []byte) uint16 {
	return b.section(testSection{
		name: name, typ: elf.SHT_PROGBITS,
		flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: data, align: 4,
	})
}

func (b *objBuilder) data(name string, data []byte) uint16 {
	return b.section(testSection{
		name: name, typ: elf.SHT_PROGBITS,
		flags: elf.SHF_ALLOC | elf.SHF_WRITE, data: data, align: 8,
	})
}

func (b *objBuilder) local(s testSym) *objBuilder {
	if s.bind == 0 {
		s.bind = elf.STB_LOCAL
	}
	b.locals = append(b.locals, s)
	return b
}

func (b *objBuilder) global(s testSym) *objBuilder {
	if s.bind == 0 {
		s.bind = elf.STB_GLOBAL
	}
	b.globals = append(b.globals, s)
	return b
}

func (b *objBuilder) rela(target uint16, r testRela) *objBuilder {
	b.relas[target] = append(b.relas[target], r)
	return b
}

func (b *objBuilder) symIndex(t *testing.T, name string) uint32 {
	t.Helper()
	if name == "" {
		return 0
	}
	for i, s := range b.locals {
		if s.name == name {
			return uint32(1 + i)
		}
	}
	for i, s := range b.globals {
		if s.name == name {
			return uint32(1 + len(b.locals) + i)
		}
	}
	t.Fatalf("no symbol %q", name)
	return 0
}

type strtab struct {
	buf bytes.Buffer
}

func newStrtab() *strtab {
	s := &strtab{}
	s.buf.WriteByte(0)
	return s
}

func (s *strtab) add(name string) uint32 {
	if name == "" {
		return 0
	}
	off := uint32(s.buf.Len())
	s.buf.WriteString(name)
	s.buf.WriteByte(0)
	return off
}

func pack(t *testing.T, vals ...any) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	for _, v := range vals {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func (b *objBuilder) build(t *testing.T) []byte {
	t.Helper()

	type outSection struct {
		hdr  elf.Section64
		data []byte
	}

	targets := make([]uint16, 0, len(b.relas))
	for target := range b.relas {
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	symtabIdx := uint32(1 + len(b.sections) + len(targets))
	strtabIdx := symtabIdx + 1
	shstrtabIdx := symtabIdx + 2

	shstr := newStrtab()
	str := newStrtab()
	secs := []outSection{{}}

	for _, s := range b.sections {
		hdr := elf.Section64{
			Name:      shstr.add(s.name),
			Type:      uint32(s.typ),
			Flags:     uint64(s.flags),
			Addralign: s.align,
			Entsize:   s.entsize,
			Size:      uint64(len(s.data)),
		}
		data := s.data
		if s.typ == elf.SHT_GROUP {
			hdr.Link = symtabIdx
			hdr.Info = b.symIndex(t, s.signature)
			hdr.Entsize = 4
			hdr.Addralign = 4
			words := []uint32{GRP_COMDAT}
			for _, m := range s.members {
				words = append(words, uint32(m))
			}
			data = pack(t, words)
			hdr.Size = uint64(len(data))
		}
		secs = append(secs, outSection{hdr, data})
	}

	for _, target := range targets {
		var data []byte
		for _, r := range b.relas[target] {
			data = append(data, pack(t, elf.Rela64{
				Off:    r.off,
				Info:   elf.R_INFO(b.symIndex(t, r.sym), uint32(r.typ)),
				Addend: r.addend,
			})...)
		}
		secs = append(secs, outSection{elf.Section64{
			Name:      shstr.add(".rela" + b.sections[target-1].name),
			Type:      uint32(elf.SHT_RELA),
			Flags:     uint64(elf.SHF_INFO_LINK),
			Link:      symtabIdx,
			Info:      uint32(target),
			Addralign: 8,
			Entsize:   24,
			Size:      uint64(len(data)),
		}, data})
	}

	syms := []elf.Sym64{{}}
	for _, list := range [][]testSym{b.locals, b.globals} {
		for _, s := range list {
			name := uint32(0)
			if s.typ != elf.STT_SECTION {
				name = str.add(s.name)
			}
			syms = append(syms, elf.Sym64{
				Name:  name,
				Info:  elf.ST_INFO(s.bind, s.typ),
				Shndx: s.shndx,
				Value: s.value,
			})
		}
	}
	symtab := pack(t, syms)
	secs = append(secs, outSection{elf.Section64{
		Name:      shstr.add(".symtab"),
		Type:      uint32(elf.SHT_SYMTAB),
		Link:      strtabIdx,
		Info:      uint32(1 + len(b.locals)),
		Addralign: 8,
		Entsize:   24,
		Size:      uint64(len(symtab)),
	}, symtab})

	strName := shstr.add(".strtab")
	shstrName := shstr.add(".shstrtab")
	secs = append(secs, outSection{elf.Section64{
		Name: strName, Type: uint32(elf.SHT_STRTAB), Addralign: 1,
		Size: uint64(str.buf.Len()),
	}, str.buf.Bytes()})
	secs = append(secs, outSection{elf.Section64{
		Name: shstrName, Type: uint32(elf.SHT_STRTAB), Addralign: 1,
		Size: uint64(shstr.buf.Len()),
	}, shstr.buf.Bytes()})

	if uint32(len(secs)) != shstrtabIdx+1 {
		t.Fatalf("section count %d, want %d", len(secs), shstrtabIdx+1)
	}

	body := &bytes.Buffer{}
	off := uint64(64)
	for i := 1; i < len(secs); i++ {
		for off%8 != 0 {
			body.WriteByte(0)
			off++
		}
		secs[i].hdr.Off = off
		body.Write(secs[i].data)
		off += uint64(len(secs[i].data))
	}
	for off%8 != 0 {
		body.WriteByte(0)
		off++
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     off,
		Ehsize:    64,
		Shentsize: 64,
		Shnum:     uint16(len(secs)),
		Shstrndx:  uint16(shstrtabIdx),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	out := &bytes.Buffer{}
	out.Write(pack(t, hdr))
	out.Write(body.Bytes())
	for _, s := range secs {
		out.Write(pack(t, s.hdr))
	}
	return out.Bytes()
}

func (b *objBuilder) file(t *testing.T, name string) *File {
	return &File{Name: name, Contents: b.build(t)}
}

type arMember struct {
	name string
	data []byte
}

func buildArchive(members ...arMember) []byte {
	out := &bytes.Buffer{}
	out.WriteString("!<arch>\n")
	for _, m := range members {
		fmt.Fprintf(out, "%-16s%-12s%-6s%-6s%-8s%-10d`\n",
			m.name+"/", "0", "0", "0", "644", len(m.data))
		out.Write(m.data)
		if len(m.data)%2 == 1 {
			out.WriteByte('\n')
		}
	}
	return out.Bytes()
}

func newTestContext() *Context {
	ctx := NewContext()
	ctx.Arg.Emulation = MachineTypeRISCV64
	return ctx
}

func link(t *testing.T, files ...*File) *Context {
	t.Helper()
	ctx := newTestContext()
	for _, f := range files {
		ReadFile(ctx, f)
	}
	Link(ctx)
	return ctx
}

func objByName(t *testing.T, ctx *Context, name string) *ObjectFile {
	t.Helper()
	for _, o := range ctx.Objs {
		if o.File.DisplayName() == name {
			return o
		}
	}
	t.Fatalf("no object %s", name)
	return nil
}

func imageUint64(ctx *Context, addr uint64) uint64 {
	return binary.LittleEndian.Uint64(ctx.Buf[addr-ctx.Arg.ImageBase:])
}

func imageUint32(ctx *Context, addr uint64) uint32 {
	return binary.LittleEndian.Uint32(ctx.Buf[addr-ctx.Arg.ImageBase:])
}
