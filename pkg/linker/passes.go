package linker

import (
	"debug/elf"
	"fmt"
	"io"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/ksco/rld/pkg/reloc"
	"github.com/ksco/rld/pkg/utils"
)

// Link runs every pass that follows reading the inputs and leaves the
// relocated image in ctx.Buf.
func Link(ctx *Context) {
	CreateInternalFile(ctx)
	ResolveSymbols(ctx)
	RegisterSectionPieces(ctx)
	ComputeMergedSectionSizes(ctx)
	CreateSyntheticSections(ctx)
	BinSections(ctx)
	ctx.Chunks = append(ctx.Chunks, CollectOutputSections(ctx)...)
	AddSyntheticSymbols(ctx)
	ClaimUnresolvedSymbols(ctx)
	ScanRels(ctx)
	ResizeSections(ctx)
	ComputeSectionSizes(ctx)
	SortOutputSections(ctx)

	ctx.Chunks = utils.RemoveIf(ctx.Chunks, func(chunk Chunker) bool {
		return chunk.Kind() != ChunkKindOutputSection && chunk.GetShdr().Size == 0
	})

	size := SetOsecOffsets(ctx)
	FixSyntheticSymbols(ctx)
	CopyChunks(ctx, size)
}

func CreateInternalFile(ctx *Context) {
	obj := &ObjectFile{}
	obj.File = &File{Name: "<internal>"}
	ctx.InternalObj = obj
	ctx.Objs = append(ctx.Objs, obj)

	ctx.InternalEsyms = make([]Sym, 1)
	obj.Symbols = append(obj.Symbols, NewSymbol(""))
	obj.FirstGlobal = 1
	obj.IsAlive = true
	obj.Priority = 1

	obj.ElfSyms = ctx.InternalEsyms
}

func ResolveSymbols(ctx *Context) {
	for _, file := range ctx.Objs {
		file.ResolveSymbols(ctx)
	}
	LinkDefaultVersions(ctx)

	MarkLiveObjects(ctx)

	for _, file := range ctx.Objs {
		if !file.IsAlive {
			file.ClearSymbols()
		}
	}

	for _, file := range ctx.Objs {
		if file.IsAlive {
			file.ResolveSymbols(ctx)
		}
	}
	LinkDefaultVersions(ctx)

	ctx.Objs = utils.RemoveIf(ctx.Objs, func(file *ObjectFile) bool {
		return !file.IsAlive
	})

	EliminateDuplicatedComdatGroups(ctx)
	LinkDefaultVersions(ctx)
}

// LinkDefaultVersions points foo at foo@@V1 when foo has no definition of
// its own and foo@@V1 is currently defined. Before liveness this lets an
// undefined foo pull in the archive member defining foo@@V1; afterwards
// only definitions from live files remain.
func LinkDefaultVersions(ctx *Context) {
	for _, file := range ctx.Objs {
		for _, dv := range file.DefaultVersions {
			dv.Base.Forward = nil
		}
	}

	for _, file := range ctx.Objs {
		for _, dv := range file.DefaultVersions {
			if dv.Versioned.File == nil || dv.Versioned == dv.Base {
				continue
			}
			if dv.Base.File != nil && !dv.Base.ElfSym().IsUndef() {
				continue
			}
			dv.Base.Forward = dv.Versioned
		}
	}
}

func MarkLiveObjects(ctx *Context) {
	roots := make([]*ObjectFile, 0)
	for _, file := range ctx.Objs {
		if file.IsAlive {
			roots = append(roots, file)
		}
	}

	utils.Assert(len(roots) > 0)

	for len(roots) > 0 {
		file := roots[0]
		roots = roots[1:]
		if !file.IsAlive {
			continue
		}
		file.MarkLiveObjects(ctx, func(o *ObjectFile) {
			roots = append(roots, o)
		})
	}
}

func RegisterSectionPieces(ctx *Context) {
	for _, file := range ctx.Objs {
		file.RegisterSectionPieces()
	}
}

func ComputeMergedSectionSizes(ctx *Context) {
	for _, file := range ctx.Objs {
		for _, m := range file.MergeableSections {
			if m == nil {
				continue
			}
			for _, frag := range m.Fragments {
				frag.IsAlive = true
			}
		}
	}

	for _, sec := range ctx.MergedSections {
		sec.AssignOffsets()
	}
}

func CreateSyntheticSections(ctx *Context) {
	ctx.Got = NewGotSection()
	ctx.Chunks = append(ctx.Chunks, ctx.Got)
}

func BinSections(ctx *Context) {
	group := make([][]*InputSection, len(ctx.OutputSections))
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec == nil || !isec.IsAlive {
				continue
			}

			idx := isec.OutputSection.Idx
			group[idx] = append(group[idx], isec)
		}
	}

	for i, osec := range ctx.OutputSections {
		osec.Members = group[i]
	}
}

// CollectOutputSections returns the non-empty sections that occupy memory.
// Sections without SHF_ALLOC have no place in a flat image.
func CollectOutputSections(ctx *Context) []Chunker {
	osecs := make([]Chunker, 0)
	for _, osec := range ctx.OutputSections {
		if len(osec.Members) != 0 && osec.Shdr.Flags&uint64(elf.SHF_ALLOC) != 0 {
			osecs = append(osecs, osec)
		}
	}
	for _, osec := range ctx.MergedSections {
		if osec.Shdr.Size > 0 && osec.Shdr.Flags&uint64(elf.SHF_ALLOC) != 0 {
			osecs = append(osecs, osec)
		}
	}

	sort.SliceStable(osecs, func(i, j int) bool {
		return osecs[i].GetName() < osecs[j].GetName()
	})
	return osecs
}

func AddSyntheticSymbols(ctx *Context) {
	obj := ctx.InternalObj

	add := func(name string) *Symbol {
		esym := Sym{
			Info:  uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_NOTYPE),
			Shndx: uint16(elf.SHN_ABS),
			Other: uint8(elf.STV_HIDDEN),
		}
		ctx.InternalEsyms = append(ctx.InternalEsyms, esym)
		sym := GetSymbolByName(ctx, name)
		obj.Symbols = append(obj.Symbols, sym)
		return sym
	}

	ctx.__InitArrayStart = add("__init_array_start")
	ctx.__InitArrayEnd = add("__init_array_end")
	ctx.__FiniArrayStart = add("__fini_array_start")
	ctx.__FiniArrayEnd = add("__fini_array_end")
	ctx.__PreinitArrayStart = add("__preinit_array_start")
	ctx.__PreinitArrayEnd = add("__preinit_array_end")

	ctx.__GlobalPointer = add("__global_pointer$")

	obj.ElfSyms = ctx.InternalEsyms

	obj.ResolveSymbols(ctx)
}

func ClaimUnresolvedSymbols(ctx *Context) {
	for _, file := range ctx.Objs {
		file.ClaimUnresolvedSymbols(ctx)
	}
}

func ScanRels(ctx *Context) {
	for _, file := range ctx.Objs {
		file.ScanRelocations(ctx)
	}

	syms := make([]*Symbol, 0)
	for _, file := range ctx.Objs {
		for _, sym := range file.Symbols {
			if sym.File == file && sym.Flags != 0 {
				syms = append(syms, sym)
			}
		}
	}

	ctx.SymbolsAux = make([]SymbolAux, 0, len(syms))

	for _, sym := range syms {
		if sym.AuxIdx == -1 {
			sym.AuxIdx = int32(len(ctx.SymbolsAux))
			ctx.SymbolsAux = append(ctx.SymbolsAux, NewSymbolAux())
		}

		if sym.Flags&NEEDS_GOT != 0 {
			ctx.Got.AddGotSymbol(ctx, sym)
		}

		if sym.Flags&NEEDS_GOTTP != 0 {
			ctx.Got.AddGotTpSymbol(ctx, sym)
		}

		sym.Flags = 0
	}
}

// shrinkSection removes the part of every R_RISCV_ALIGN padding that the
// final placement does not need. The section gets at least the alignment of
// each boundary, so offsets inside it decide everything.
func shrinkSection(isec *InputSection) {
	isec.checkRelocLayout()
	rels := reloc.Decode[reloc.Rela64](isec.RelocationBytes(), isec.File.ByteOrder())
	if !slices.ContainsFunc(rels, func(rel reloc.Rela64) bool {
		return elf.R_RISCV(rel.Type()) == elf.R_RISCV_ALIGN
	}) {
		return
	}

	isec.relOffsets = make([]uint64, len(rels))
	isec.Deltas = make([]int32, len(rels)+1)

	delta := uint64(0)
	for i, rel := range rels {
		if i > 0 && rel.Offset() < rels[i-1].Offset() {
			utils.Fatal(fmt.Sprintf("%s: relocations are not sorted by offset",
				isec.Location(i, rel.Offset())))
		}
		isec.relOffsets[i] = rel.Offset()
		isec.Deltas[i] = int32(delta)

		if elf.R_RISCV(rel.Type()) != elf.R_RISCV_ALIGN {
			continue
		}

		reserved := uint64(rel.Addend())
		alignment := utils.BitCeil(reserved + 1)
		isec.P2Align = max(isec.P2Align, uint8(utils.CountrZero(alignment)))

		loc := rel.Offset() - delta
		padding := utils.AlignTo(loc, alignment) - loc
		if padding > reserved {
			utils.Fatal(fmt.Sprintf("%s: R_RISCV_ALIGN needs %d bytes of padding but reserves %d",
				isec.Location(i, rel.Offset()), padding, reserved))
		}
		delta += reserved - padding
	}

	isec.Deltas[len(rels)] = int32(delta)
	isec.ShSize -= uint32(delta)
}

// ResizeSections shrinks code sections assembled for linker relaxation.
// Only alignment padding goes; call and load sequences keep their length.
func ResizeSections(ctx *Context) {
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec != nil && isec.IsAlive && isec.RelsecIdx != math.MaxUint32 &&
				isec.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0 &&
				isec.Shdr().Flags&uint64(elf.SHF_EXECINSTR) != 0 {
				shrinkSection(isec)
			}
		}
	}
}

func ComputeSectionSizes(ctx *Context) {
	for _, osec := range ctx.OutputSections {
		offset := uint64(0)
		p2align := uint8(0)

		for _, isec := range osec.Members {
			offset = utils.AlignTo(offset, 1<<isec.P2Align)
			isec.Offset = uint32(offset)
			offset += uint64(isec.ShSize)
			p2align = max(p2align, isec.P2Align)
		}

		osec.Shdr.Size = offset
		osec.Shdr.AddrAlign = 1 << p2align
	}
}

// SortOutputSections orders chunks read-only data first, then code, TLS,
// RELRO, writable data and finally bss.
func SortOutputSections(ctx *Context) {
	getRank1 := func(chunk Chunker) int32 {
		typ := chunk.GetShdr().Type
		flags := chunk.GetShdr().Flags

		if flags&uint64(elf.SHF_ALLOC) == 0 {
			return math.MaxInt32
		}
		if typ == uint32(elf.SHT_NOTE) {
			return 3
		}

		b2i := func(b bool) int {
			if b {
				return 1
			}
			return 0
		}

		writeable := b2i(flags&uint64(elf.SHF_WRITE) != 0)
		notExec := b2i(flags&uint64(elf.SHF_EXECINSTR) == 0)
		notTls := b2i(flags&uint64(elf.SHF_TLS) == 0)
		notRelro := b2i(!isRelro(ctx, chunk))
		isBss := b2i(typ == uint32(elf.SHT_NOBITS))

		return int32((1 << 10) | writeable<<9 | notExec<<8 | notTls<<7 | notRelro<<6 | isBss<<5)
	}
	getRank2 := func(chunk Chunker) int32 {
		if chunk.GetShdr().Type == uint32(elf.SHT_NOTE) {
			return -int32(chunk.GetShdr().AddrAlign)
		}
		if chunk == Chunker(ctx.Got) {
			return 1
		}
		return 0
	}

	sort.SliceStable(ctx.Chunks, func(i, j int) bool {
		x := getRank1(ctx.Chunks[i])
		y := getRank1(ctx.Chunks[j])
		if x != y {
			return x < y
		}

		return getRank2(ctx.Chunks[i]) < getRank2(ctx.Chunks[j])
	})
}

// SetOsecOffsets assigns addresses from the image base and file offsets
// relative to it. It returns the image size, which ends with the last chunk
// that has contents.
func SetOsecOffsets(ctx *Context) uint64 {
	base := ctx.Arg.ImageBase
	addr := base
	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		if shdr.Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}

		if isTbss(chunk) {
			shdr.Addr = addr
			continue
		}

		addr = utils.AlignTo(addr, shdr.AddrAlign)
		shdr.Addr = addr
		addr += shdr.Size
	}

	// .tbss takes no address space of its own, but its pieces still need
	// distinct TP offsets.
	for i := 0; i < len(ctx.Chunks); {
		if isTbss(ctx.Chunks[i]) {
			addr := ctx.Chunks[i].GetShdr().Addr
			for ; i < len(ctx.Chunks) && isTbss(ctx.Chunks[i]); i++ {
				shdr := ctx.Chunks[i].GetShdr()
				addr = utils.AlignTo(addr, shdr.AddrAlign)
				shdr.Addr = addr
				addr += shdr.Size
			}
		} else {
			i++
		}
	}

	size := uint64(0)
	hasTls := false
	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		if shdr.Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}
		if shdr.Flags&uint64(elf.SHF_TLS) != 0 && !hasTls {
			ctx.TpAddr = shdr.Addr
			hasTls = true
		}

		shdr.Offset = shdr.Addr - base
		if shdr.Type != uint32(elf.SHT_NOBITS) {
			size = max(size, shdr.Offset+shdr.Size)
		}
	}
	return size
}

func FixSyntheticSymbols(ctx *Context) {
	define := func(sym *Symbol, chunk Chunker, value uint64) {
		if sym != nil && sym.File == ctx.InternalObj {
			sym.SetOutputSection(chunk)
			sym.Value = value
		}
	}

	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		switch shdr.Type {
		case uint32(elf.SHT_INIT_ARRAY):
			define(ctx.__InitArrayStart, chunk, shdr.Addr)
			define(ctx.__InitArrayEnd, chunk, shdr.Addr+shdr.Size)
		case uint32(elf.SHT_PREINIT_ARRAY):
			define(ctx.__PreinitArrayStart, chunk, shdr.Addr)
			define(ctx.__PreinitArrayEnd, chunk, shdr.Addr+shdr.Size)
		case uint32(elf.SHT_FINI_ARRAY):
			define(ctx.__FiniArrayStart, chunk, shdr.Addr)
			define(ctx.__FiniArrayEnd, chunk, shdr.Addr+shdr.Size)
		}
	}

	if len(ctx.Chunks) == 0 {
		return
	}
	gp := ctx.Chunks[0]
	value := gp.GetShdr().Addr
	for _, chunk := range ctx.Chunks {
		if chunk.GetName() == ".sdata" {
			gp = chunk
			value = chunk.GetShdr().Addr + 0x800
			break
		}
	}
	define(ctx.__GlobalPointer, gp, value)
}

// CopyChunks builds the image in ctx.Buf, relocating every input section
// on the way.
func CopyChunks(ctx *Context, size uint64) {
	ctx.Buf = make([]byte, size)
	for _, chunk := range ctx.Chunks {
		if chunk.GetShdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
			chunk.CopyBuf(ctx)
		}
	}
}

// CheckUndefinedReferences fails once the apply pass has reported any
// undefined reference.
func CheckUndefinedReferences(ctx *Context) error {
	n := len(ctx.Diag.Errors())
	if n == 0 {
		return nil
	}
	if n == 1 {
		return fmt.Errorf("1 undefined reference")
	}
	return fmt.Errorf("%d undefined references", n)
}

// PrintMap writes the address of every chunk followed by every defined
// global symbol, in address order.
func PrintMap(ctx *Context, w io.Writer) {
	fmt.Fprintf(w, "%-16s %-16s %s\n", "Address", "Size", "Name")
	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		fmt.Fprintf(w, "%016x %016x %s\n", shdr.Addr, shdr.Size, chunk.GetName())
	}

	syms := make([]*Symbol, 0, len(ctx.SymbolMap))
	for _, sym := range ctx.SymbolMap {
		if sym.File != nil && !sym.IsUndefined() && !sym.IsForwarder() {
			syms = append(syms, sym)
		}
	}
	sort.Slice(syms, func(i, j int) bool {
		x, y := syms[i].GetAddr(), syms[j].GetAddr()
		if x != y {
			return x < y
		}
		return syms[i].Name < syms[j].Name
	})

	fmt.Fprintln(w)
	for _, sym := range syms {
		fmt.Fprintf(w, "%016x %s\n", sym.GetAddr(), sym.Name)
	}
}

func isRelro(ctx *Context, chunk Chunker) bool {
	flags := chunk.GetShdr().Flags
	typ := chunk.GetShdr().Type

	if flags&uint64(elf.SHF_WRITE) != 0 {
		return (flags&uint64(elf.SHF_TLS) != 0) || typ == uint32(elf.SHT_INIT_ARRAY) ||
			typ == uint32(elf.SHT_FINI_ARRAY) || typ == uint32(elf.SHT_PREINIT_ARRAY) ||
			chunk == Chunker(ctx.Got) || strings.HasSuffix(chunk.GetName(), "rel.ro")
	}
	return false
}

func isTbss(chunk Chunker) bool {
	return chunk.GetShdr().Type == uint32(elf.SHT_NOBITS) && chunk.GetShdr().Flags&uint64(elf.SHF_TLS) != 0
}
