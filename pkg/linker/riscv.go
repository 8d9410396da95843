package linker

import (
	"debug/elf"
	"fmt"

	"github.com/ksco/rld/pkg/reloc"
	"github.com/ksco/rld/pkg/utils"
)

func scanRelocations[R reloc.Record[R]](ctx *Context, isec *InputSection, rels []byte) {
	reloc.Scan[R](isec.File.scanInput(ctx), rels, riscvScanner[R]{isec: isec})
}

// applyRelocations patches view, the output image of isec, in three passes.
// PCREL_LO12 reads the value the main pass left at its paired HI20, which
// the last pass then turns into a proper U-type immediate.
func applyRelocations[R reloc.Record[R]](ctx *Context, isec *InputSection, rels []byte, view []byte) {
	rctx := isec.File.relocContext(ctx, isec)
	addr := isec.GetAddr()
	reloc.Apply[R](rctx, rels, view, addr, riscvRelocator[R]{ctx: ctx, isec: isec})
	reloc.Apply[R](rctx, rels, view, addr, riscvPcrelLo12[R]{isec: isec, view: view})
	reloc.Apply[R](rctx, rels, view, addr, riscvHi20Fixup[R]{isec: isec})
}

type riscvScanner[R reloc.Record[R]] struct {
	isec *InputSection
}

func (a riscvScanner[R]) Local(rel R, typ uint32, lsym reloc.LocalSymbol) {
	a.scan(rel, typ, &a.isec.File.LocalSyms[lsym.Index])
}

func (a riscvScanner[R]) Global(rel R, typ uint32, gsym *Symbol) {
	a.scan(rel, typ, gsym)
}

func (a riscvScanner[R]) scan(rel R, typ uint32, sym *Symbol) {
	switch elf.R_RISCV(typ) {
	case elf.R_RISCV_GOT_HI20:
		sym.Flags |= NEEDS_GOT
	case elf.R_RISCV_TLS_GOT_HI20:
		sym.Flags |= NEEDS_GOTTP
	case elf.R_RISCV_NONE, elf.R_RISCV_32, elf.R_RISCV_64, elf.R_RISCV_HI20,
		elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT, elf.R_RISCV_32_PCREL,
		elf.R_RISCV_BRANCH, elf.R_RISCV_JAL, elf.R_RISCV_PCREL_HI20,
		elf.R_RISCV_PCREL_LO12_I, elf.R_RISCV_PCREL_LO12_S, elf.R_RISCV_LO12_I,
		elf.R_RISCV_LO12_S, elf.R_RISCV_TPREL_HI20, elf.R_RISCV_TPREL_LO12_I,
		elf.R_RISCV_TPREL_LO12_S, elf.R_RISCV_TPREL_ADD, elf.R_RISCV_ADD8,
		elf.R_RISCV_ADD16, elf.R_RISCV_ADD32, elf.R_RISCV_ADD64,
		elf.R_RISCV_SUB8, elf.R_RISCV_SUB16, elf.R_RISCV_SUB32,
		elf.R_RISCV_SUB64, elf.R_RISCV_ALIGN, elf.R_RISCV_RVC_BRANCH,
		elf.R_RISCV_RVC_JUMP, elf.R_RISCV_RELAX, elf.R_RISCV_SUB6,
		elf.R_RISCV_SET6, elf.R_RISCV_SET8, elf.R_RISCV_SET16,
		elf.R_RISCV_SET32:
	default:
		utils.Fatal(fmt.Sprintf("%s: unsupported relocation %s",
			a.isec.Location(0, rel.Offset()), elf.R_RISCV(typ)))
	}
}

// riscvRelocSize is the number of bytes a relocation patches.
func riscvRelocSize(typ elf.R_RISCV) int {
	switch typ {
	case elf.R_RISCV_ADD8, elf.R_RISCV_SUB8, elf.R_RISCV_SUB6,
		elf.R_RISCV_SET6, elf.R_RISCV_SET8:
		return 1
	case elf.R_RISCV_ADD16, elf.R_RISCV_SUB16, elf.R_RISCV_SET16,
		elf.R_RISCV_RVC_BRANCH, elf.R_RISCV_RVC_JUMP:
		return 2
	case elf.R_RISCV_64, elf.R_RISCV_ADD64, elf.R_RISCV_SUB64,
		elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
		return 8
	}
	return 4
}

// fits reports whether loc has room for typ. A record past the end of the
// section has an empty loc and is left to the caller's bounds check.
func fits(isec *InputSection, offset uint64, typ elf.R_RISCV, loc []byte) bool {
	if len(loc) == 0 {
		return false
	}
	if len(loc) < riscvRelocSize(typ) {
		utils.Fatal(fmt.Sprintf("%s: relocation %s runs past the end of the section",
			isec.Location(0, offset), typ))
	}
	return true
}

type riscvRelocator[R reloc.Record[R]] struct {
	ctx  *Context
	isec *InputSection
}

func (r riscvRelocator[R]) Relocate(
	rctx *reloc.Context[*Symbol],
	idx int,
	rel R,
	typ uint32,
	sym *Symbol,
	value uint64,
	loc []byte,
	addr uint64,
	viewSize int,
) bool {
	ty := elf.R_RISCV(typ)
	switch ty {
	case elf.R_RISCV_NONE, elf.R_RISCV_RELAX,
		elf.R_RISCV_TPREL_ADD, elf.R_RISCV_PCREL_LO12_I, elf.R_RISCV_PCREL_LO12_S:
		return false
	case elf.R_RISCV_ALIGN:
		if len(loc) > 0 {
			r.fillAlignment(idx, rel, loc)
		}
		return true
	}

	if !fits(r.isec, rel.Offset(), ty, loc) {
		return true
	}

	ctx := r.ctx
	target := sym
	S := value
	A := uint64(rel.Addend())
	if sym == nil {
		target = &r.isec.File.LocalSyms[rel.Sym()]
		if frag, fragOffset, ok := r.isec.File.fragmentFor(rel.Sym(), rel.Addend()); ok {
			S = frag.GetAddr() + uint64(fragOffset)
			A = 0
		}
	}
	if isec := target.InputSection; isec != nil && isec.IsAlive &&
		len(isec.Deltas) > 0 && target.SectionFragment == nil && A != 0 {
		S = isec.GetAddr() + isec.OutputOffset(target.Value+A)
		A = 0
	}
	P := addr - r.isec.deltaAt(idx)
	G := uint64(int64(target.GetGotIdx(ctx)) * 8)
	GOT := ctx.Got.Shdr.Addr

	switch ty {
	case elf.R_RISCV_32:
		utils.Write[uint32](loc, uint32(S+A))
	case elf.R_RISCV_64:
		utils.Write[uint64](loc, S+A)
	case elf.R_RISCV_32_PCREL:
		utils.Write[uint32](loc, uint32(S+A-P))
	case elf.R_RISCV_BRANCH:
		writeBtype(loc, uint32(S+A-P))
	case elf.R_RISCV_JAL:
		writeJtype(loc, uint32(S+A-P))
	case elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
		val := uint32(0)
		if !target.isUndefWeak() {
			val = uint32(S + A - P)
		}
		writeUtype(loc, val)
		writeItype(loc[4:], val)
	case elf.R_RISCV_GOT_HI20:
		utils.Write[uint32](loc, uint32(G+GOT+A-P))
	case elf.R_RISCV_TLS_GOT_HI20:
		utils.Write[uint32](loc, uint32(target.GetGotTpAddr(ctx)+A-P))
	case elf.R_RISCV_PCREL_HI20:
		utils.Write[uint32](loc, uint32(S+A-P))
	case elf.R_RISCV_HI20:
		writeUtype(loc, uint32(S+A))
	case elf.R_RISCV_LO12_I, elf.R_RISCV_LO12_S:
		val := S + A
		if ty == elf.R_RISCV_LO12_I {
			writeItype(loc, uint32(val))
		} else {
			writeStype(loc, uint32(val))
		}

		if utils.SignExtend(val, 11) == val {
			setRs1(loc, 0)
		}
	case elf.R_RISCV_TPREL_HI20:
		writeUtype(loc, uint32(S+A-ctx.TpAddr))
	case elf.R_RISCV_TPREL_LO12_I, elf.R_RISCV_TPREL_LO12_S:
		val := S + A - ctx.TpAddr
		if ty == elf.R_RISCV_TPREL_LO12_I {
			writeItype(loc, uint32(val))
		} else {
			writeStype(loc, uint32(val))
		}

		if utils.SignExtend(val, 11) == val {
			setRs1(loc, 4)
		}
	case elf.R_RISCV_ADD8:
		utils.Write[uint8](loc, utils.Read[uint8](loc)+uint8(S+A))
	case elf.R_RISCV_ADD16:
		utils.Write[uint16](loc, utils.Read[uint16](loc)+uint16(S+A))
	case elf.R_RISCV_ADD32:
		utils.Write[uint32](loc, utils.Read[uint32](loc)+uint32(S+A))
	case elf.R_RISCV_ADD64:
		utils.Write[uint64](loc, utils.Read[uint64](loc)+uint64(S+A))
	case elf.R_RISCV_SUB6:
		loc[0] = loc[0]&0xc0 | (loc[0]-uint8(S+A))&0x3f
	case elf.R_RISCV_SUB8:
		utils.Write[uint8](loc, utils.Read[uint8](loc)-uint8(S+A))
	case elf.R_RISCV_SUB16:
		utils.Write[uint16](loc, utils.Read[uint16](loc)-uint16(S+A))
	case elf.R_RISCV_SUB32:
		utils.Write[uint32](loc, utils.Read[uint32](loc)-uint32(S+A))
	case elf.R_RISCV_SUB64:
		utils.Write[uint64](loc, utils.Read[uint64](loc)-uint64(S+A))
	case elf.R_RISCV_SET6:
		loc[0] = loc[0]&0xc0 | uint8(S+A)&0x3f
	case elf.R_RISCV_SET8:
		utils.Write[uint8](loc, uint8(S+A))
	case elf.R_RISCV_SET16:
		utils.Write[uint16](loc, uint16(S+A))
	case elf.R_RISCV_SET32:
		utils.Write[uint32](loc, uint32(S+A))
	case elf.R_RISCV_RVC_BRANCH:
		writeCbtype(loc, uint16(S+A-P))
	case elf.R_RISCV_RVC_JUMP:
		writeCjtype(loc, uint16(S+A-P))
	default:
		utils.Fatal(fmt.Sprintf("%s: unsupported relocation %s",
			r.isec.Location(idx, rel.Offset()), ty))
	}
	return true
}

// fillAlignment rewrites what shrinkSection left of an R_RISCV_ALIGN
// padding as NOPs, skipping the bytes it removed.
func (r riscvRelocator[R]) fillAlignment(idx int, rel R, loc []byte) {
	if len(r.isec.Deltas) == 0 {
		utils.Fatal(fmt.Sprintf("%s: R_RISCV_ALIGN outside an executable section",
			r.isec.Location(idx, rel.Offset())))
	}

	reserved := uint64(rel.Addend())
	removed := uint64(r.isec.Deltas[idx+1] - r.isec.Deltas[idx])
	if reserved > uint64(len(loc)) || reserved%2 != 0 {
		utils.Fatal(fmt.Sprintf("%s: bad R_RISCV_ALIGN padding of %d bytes",
			r.isec.Location(idx, rel.Offset()), reserved))
	}

	pad := loc[removed:reserved]
	for len(pad) >= 4 {
		utils.Write[uint32](pad, 0x0000_0013) // nop
		pad = pad[4:]
	}
	if len(pad) == 2 {
		utils.Write[uint16](pad, 0x0001) // c.nop
	}
}

// riscvPcrelLo12 fills in a PCREL_LO12 from the value the main pass wrote
// at the AUIPC its symbol labels.
type riscvPcrelLo12[R reloc.Record[R]] struct {
	isec *InputSection
	view []byte
}

func (r riscvPcrelLo12[R]) Relocate(
	rctx *reloc.Context[*Symbol],
	idx int,
	rel R,
	typ uint32,
	sym *Symbol,
	value uint64,
	loc []byte,
	addr uint64,
	viewSize int,
) bool {
	ty := elf.R_RISCV(typ)
	if ty != elf.R_RISCV_PCREL_LO12_I && ty != elf.R_RISCV_PCREL_LO12_S {
		return false
	}
	if !fits(r.isec, rel.Offset(), ty, loc) {
		return true
	}

	label := sym
	if label == nil {
		label = &r.isec.File.LocalSyms[rel.Sym()]
	}
	if label.InputSection != r.isec || label.Value+4 > uint64(len(r.view)) {
		utils.Fatal(fmt.Sprintf("%s: %s does not refer to an AUIPC in the same section",
			r.isec.Location(idx, rel.Offset()), ty))
	}

	val := utils.Read[uint32](r.view[label.Value:])
	if ty == elf.R_RISCV_PCREL_LO12_I {
		writeItype(loc, val)
	} else {
		writeStype(loc, val)
	}
	return true
}

// riscvHi20Fixup restores the instruction bits under every HI20 written by
// the main pass and stores the immediate in U-type form. It reports
// nothing; the main pass already checked these records.
type riscvHi20Fixup[R reloc.Record[R]] struct {
	isec *InputSection
}

func (r riscvHi20Fixup[R]) Relocate(
	rctx *reloc.Context[*Symbol],
	idx int,
	rel R,
	typ uint32,
	sym *Symbol,
	value uint64,
	loc []byte,
	addr uint64,
	viewSize int,
) bool {
	switch elf.R_RISCV(typ) {
	case elf.R_RISCV_GOT_HI20, elf.R_RISCV_PCREL_HI20, elf.R_RISCV_TLS_GOT_HI20:
	default:
		return false
	}
	if len(loc) < 4 {
		return false
	}

	val := utils.Read[uint32](loc)
	utils.Write[uint32](loc, utils.Read[uint32](r.isec.Contents[rel.Offset():]))
	writeUtype(loc, val)
	return false
}

func itype(val uint32) uint32 {
	return val << 20
}

func stype(val uint32) uint32 {
	return utils.Bits(val, 11, 5)<<25 | utils.Bits(val, 4, 0)<<7
}

func btype(val uint32) uint32 {
	return utils.Bit(val, 12)<<31 | utils.Bits(val, 10, 5)<<25 |
		utils.Bits(val, 4, 1)<<8 | utils.Bit(val, 11)<<7
}

func utype(val uint32) uint32 {
	return (val + 0x800) & 0xffff_f000
}

func jtype(val uint32) uint32 {
	return utils.Bit(val, 20)<<31 | utils.Bits(val, 10, 1)<<21 |
		utils.Bit(val, 11)<<20 | utils.Bits(val, 19, 12)<<12
}

func cbtype(val uint16) uint16 {
	return utils.Bit(val, 8)<<12 | utils.Bit(val, 4)<<11 | utils.Bit(val, 3)<<10 |
		utils.Bit(val, 7)<<6 | utils.Bit(val, 6)<<5 | utils.Bit(val, 2)<<4 |
		utils.Bit(val, 1)<<3 | utils.Bit(val, 5)<<2
}

func cjtype(val uint16) uint16 {
	return utils.Bit(val, 11)<<12 | utils.Bit(val, 4)<<11 | utils.Bit(val, 9)<<10 |
		utils.Bit(val, 8)<<9 | utils.Bit(val, 10)<<8 | utils.Bit(val, 6)<<7 |
		utils.Bit(val, 7)<<6 | utils.Bit(val, 3)<<5 | utils.Bit(val, 2)<<4 |
		utils.Bit(val, 1)<<3 | utils.Bit(val, 5)<<2
}

// patch32 keeps the bits of the word at loc selected by keep and ors in bits.
func patch32(loc []byte, keep uint32, bits uint32) {
	utils.Write[uint32](loc, utils.Read[uint32](loc)&keep|bits)
}

func writeItype(loc []byte, val uint32) {
	patch32(loc, 0b000000_00000_11111_111_11111_1111111, itype(val))
}

func writeStype(loc []byte, val uint32) {
	patch32(loc, 0b000000_11111_11111_111_00000_1111111, stype(val))
}

func writeBtype(loc []byte, val uint32) {
	patch32(loc, 0b000000_11111_11111_111_00000_1111111, btype(val))
}

func writeUtype(loc []byte, val uint32) {
	patch32(loc, 0b000000_00000_00000_000_11111_1111111, utype(val))
}

func writeJtype(loc []byte, val uint32) {
	patch32(loc, 0b000000_00000_00000_000_11111_1111111, jtype(val))
}

func writeCbtype(loc []byte, val uint16) {
	mask := uint16(0b111_000_111_00000_11)
	utils.Write[uint16](loc, (utils.Read[uint16](loc)&mask)|cbtype(val))
}

func writeCjtype(loc []byte, val uint16) {
	mask := uint16(0b111_00000000000_11)
	utils.Write[uint16](loc, (utils.Read[uint16](loc)&mask)|cjtype(val))
}

func setRs1(loc []byte, rs1 uint32) {
	patch32(loc, 0b111111_11111_00000_111_11111_1111111, rs1<<15)
}
