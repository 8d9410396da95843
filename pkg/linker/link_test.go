package linker

import (
	"bytes"
	"debug/elf"
	"os"
	"os/exec"
	"strings"
	"testing"
)

func zeros(n int) []byte { return make([]byte, n) }

func filled(n int, b byte) []byte { return bytes.Repeat([]byte{b}, n) }

func TestLinkAbsoluteAndSectionRelocations(t *testing.T) {
	obj := newObj()
	text := obj.text(".text", zeros(16))
	data := obj.data(".data", filled(16, 0xaa))
	obj.local(testSym{name: ".text", typ: elf.STT_SECTION, shndx: text}).
		global(testSym{name: "fn", typ: elf.STT_FUNC, shndx: text, value: 4}).
		rela(data, testRela{off: 0, sym: ".text", typ: elf.R_RISCV_64, addend: 12}).
		rela(data, testRela{off: 8, sym: "fn", typ: elf.R_RISCV_32})

	ctx := link(t, obj.file(t, "a.o"))
	a := objByName(t, ctx, "a.o")

	textAddr := a.Sections[text].GetAddr()
	dataAddr := a.Sections[data].GetAddr()
	if textAddr < ctx.Arg.ImageBase {
		t.Fatalf(".text at %#x, below image base", textAddr)
	}

	if got := imageUint64(ctx, dataAddr); got != textAddr+12 {
		t.Errorf("R_RISCV_64 wrote %#x, want %#x", got, textAddr+12)
	}
	if got := imageUint32(ctx, dataAddr+8); got != uint32(textAddr+4) {
		t.Errorf("R_RISCV_32 wrote %#x, want %#x", got, textAddr+4)
	}
	if got := imageUint32(ctx, dataAddr+12); got != 0xaaaaaaaa {
		t.Errorf("untouched bytes changed to %#x", got)
	}
	if ctx.Diag.HasErrors() {
		t.Errorf("unexpected diagnostics: %v", ctx.Diag.Errors())
	}
}

func TestLinkReportsUndefinedReferences(t *testing.T) {
	obj := newObj()
	data := obj.data(".data", zeros(16))
	obj.global(testSym{name: "missing"}).
		global(testSym{name: "optional", bind: elf.STB_WEAK}).
		rela(data, testRela{off: 0, sym: "missing", typ: elf.R_RISCV_64}).
		rela(data, testRela{off: 8, sym: "optional", typ: elf.R_RISCV_64})

	ctx := link(t, obj.file(t, "a.o"))

	errs := ctx.Diag.Errors()
	if len(errs) != 1 {
		t.Fatalf("got %d diagnostics, want 1: %v", len(errs), errs)
	}
	want := "a.o:(.data+0x0): undefined reference to 'missing'"
	if errs[0].Error() != want {
		t.Errorf("got %q, want %q", errs[0].Error(), want)
	}

	err := CheckUndefinedReferences(ctx)
	if err == nil || err.Error() != "1 undefined reference" {
		t.Errorf("CheckUndefinedReferences() = %v", err)
	}

	dataAddr := objByName(t, ctx, "a.o").Sections[data].GetAddr()
	if got := imageUint64(ctx, dataAddr+8); got != 0 {
		t.Errorf("weak undefined resolved to %#x, want 0", got)
	}
}

func TestCheckUndefinedReferencesCounts(t *testing.T) {
	obj := newObj()
	data := obj.data(".data", zeros(16))
	obj.global(testSym{name: "x"}).
		global(testSym{name: "y"}).
		rela(data, testRela{off: 0, sym: "x", typ: elf.R_RISCV_64}).
		rela(data, testRela{off: 8, sym: "y", typ: elf.R_RISCV_64})

	ctx := link(t, obj.file(t, "a.o"))
	err := CheckUndefinedReferences(ctx)
	if err == nil || err.Error() != "2 undefined references" {
		t.Errorf("CheckUndefinedReferences() = %v", err)
	}
}

func comdatObject(bind elf.SymBind, fill byte) (*objBuilder, uint16, uint16) {
	obj := newObj()
	obj.section(testSection{
		name: ".group", typ: elf.SHT_GROUP,
		signature: "inline_fn", members: []uint16{2},
	})
	text := obj.section(testSection{
		name: ".text.inline_fn", typ: elf.SHT_PROGBITS,
		flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR | elf.SHF_GROUP,
		data:  zeros(8), align: 4,
	})
	data := obj.data(".data", filled(16, fill))
	obj.local(testSym{name: "sec_inline", typ: elf.STT_SECTION, shndx: text}).
		global(testSym{name: "inline_fn", typ: elf.STT_FUNC, bind: bind, shndx: text}).
		rela(data, testRela{off: 0, sym: "sec_inline", typ: elf.R_RISCV_64}).
		rela(data, testRela{off: 8, sym: "inline_fn", typ: elf.R_RISCV_64})
	return obj, text, data
}

func TestLinkComdatKeepsFirstCopy(t *testing.T) {
	aObj, text, data := comdatObject(elf.STB_WEAK, 0x11)
	bObj, _, _ := comdatObject(elf.STB_GLOBAL, 0x22)

	ctx := link(t, aObj.file(t, "a.o"), bObj.file(t, "b.o"))
	a := objByName(t, ctx, "a.o")
	b := objByName(t, ctx, "b.o")

	if b.IsSectionIncluded(uint32(text)) {
		t.Fatal("duplicate group member of b.o was kept")
	}
	if !a.IsSectionIncluded(uint32(text)) {
		t.Fatal("group member of a.o was dropped")
	}

	sym := ctx.SymbolMap["inline_fn"]
	if sym.File != a {
		t.Fatal("inline_fn is not defined by a.o")
	}

	keep := a.Sections[text].GetAddr()
	if got := imageUint64(ctx, a.Sections[data].GetAddr()); got != keep {
		t.Errorf("a.o local reference = %#x, want %#x", got, keep)
	}
	if got := imageUint64(ctx, a.Sections[data].GetAddr()+8); got != keep {
		t.Errorf("a.o global reference = %#x, want %#x", got, keep)
	}
	if got := imageUint64(ctx, b.Sections[data].GetAddr()); got != 0 {
		t.Errorf("b.o reference into discarded section = %#x, want 0", got)
	}
	if got := imageUint64(ctx, b.Sections[data].GetAddr()+8); got != keep {
		t.Errorf("b.o global reference = %#x, want %#x", got, keep)
	}
	if ctx.Diag.HasErrors() {
		t.Errorf("unexpected diagnostics: %v", ctx.Diag.Errors())
	}
}

func TestLinkResolvesDefaultVersionForwarder(t *testing.T) {
	def := newObj()
	text := def.text(".text", zeros(16))
	def.global(testSym{name: "foo@@V1", typ: elf.STT_FUNC, shndx: text, value: 8})

	use := newObj()
	data := use.data(".data", zeros(8))
	use.global(testSym{name: "foo"}).
		rela(data, testRela{off: 0, sym: "foo", typ: elf.R_RISCV_64})

	ctx := link(t, def.file(t, "def.o"), use.file(t, "use.o"))

	if !ctx.SymbolMap["foo"].IsForwarder() {
		t.Fatal("foo is not a forwarder")
	}
	want := objByName(t, ctx, "def.o").Sections[text].GetAddr() + 8
	if got := imageUint64(ctx, objByName(t, ctx, "use.o").Sections[data].GetAddr()); got != want {
		t.Errorf("foo resolved to %#x, want %#x", got, want)
	}
	if ctx.Diag.HasErrors() {
		t.Errorf("unexpected diagnostics: %v", ctx.Diag.Errors())
	}
}

func TestLinkOwnDefinitionBeatsUnusedDefaultVersion(t *testing.T) {
	app := newObj()
	data := app.data(".data", zeros(16))
	app.global(testSym{name: "foo", typ: elf.STT_OBJECT, shndx: data, value: 8}).
		rela(data, testRela{off: 0, sym: "foo", typ: elf.R_RISCV_64})

	vers := newObj()
	text := vers.text(".text", zeros(8))
	vers.global(testSym{name: "foo@@V1", typ: elf.STT_FUNC, shndx: text})

	lib := &File{Name: "lib.a", Contents: buildArchive(arMember{"vers.o", vers.build(t)})}
	ctx := link(t, app.file(t, "main.o"), lib)

	if len(ctx.Objs) != 2 {
		t.Errorf("linked %d objects, want main.o and <internal>", len(ctx.Objs))
	}
	if ctx.SymbolMap["foo"].IsForwarder() {
		t.Error("foo forwards to a definition from an unused archive member")
	}

	dataAddr := objByName(t, ctx, "main.o").Sections[data].GetAddr()
	if got := imageUint64(ctx, dataAddr); got != dataAddr+8 {
		t.Errorf("foo resolved to %#x, want %#x", got, dataAddr+8)
	}
	if ctx.Diag.HasErrors() {
		t.Errorf("unexpected diagnostics: %v", ctx.Diag.Errors())
	}
}

func TestLinkDefaultVersionPullsArchiveMember(t *testing.T) {
	app := newObj()
	data := app.data(".data", zeros(8))
	app.global(testSym{name: "foo"}).
		rela(data, testRela{off: 0, sym: "foo", typ: elf.R_RISCV_64})

	vers := newObj()
	text := vers.text(".text", zeros(8))
	vers.global(testSym{name: "foo@@V1", typ: elf.STT_FUNC, shndx: text, value: 4})

	lib := &File{Name: "lib.a", Contents: buildArchive(arMember{"vers.o", vers.build(t)})}
	ctx := link(t, app.file(t, "main.o"), lib)

	want := objByName(t, ctx, "lib.a(vers.o)").Sections[text].GetAddr() + 4
	if got := imageUint64(ctx, objByName(t, ctx, "main.o").Sections[data].GetAddr()); got != want {
		t.Errorf("foo resolved to %#x, want %#x", got, want)
	}
	if ctx.Diag.HasErrors() {
		t.Errorf("unexpected diagnostics: %v", ctx.Diag.Errors())
	}
}

func stringObject(strs string, addends ...int64) (*objBuilder, uint16, uint16) {
	obj := newObj()
	rodata := obj.section(testSection{
		name: ".rodata.str1.1", typ: elf.SHT_PROGBITS,
		flags: elf.SHF_ALLOC | elf.SHF_MERGE | elf.SHF_STRINGS,
		data:  []byte(strs), align: 1, entsize: 1,
	})
	data := obj.data(".data", zeros(8*len(addends)))
	obj.local(testSym{name: "sec_str", typ: elf.STT_SECTION, shndx: rodata})
	for i, addend := range addends {
		obj.rela(data, testRela{off: uint64(8 * i), sym: "sec_str", typ: elf.R_RISCV_64, addend: addend})
	}
	return obj, rodata, data
}

func TestLinkMergesStrings(t *testing.T) {
	aObj, rodata, data := stringObject("hello\x00world\x00", 0, 6)
	bObj, _, _ := stringObject("world\x00", 0)

	ctx := link(t, aObj.file(t, "a.o"), bObj.file(t, "b.o"))
	a := objByName(t, ctx, "a.o")
	b := objByName(t, ctx, "b.o")

	if !a.IsSectionIncluded(uint32(rodata)) {
		t.Error("mergeable section reported as excluded")
	}

	hello := imageUint64(ctx, a.Sections[data].GetAddr())
	world := imageUint64(ctx, a.Sections[data].GetAddr()+8)
	other := imageUint64(ctx, b.Sections[data].GetAddr())

	if world != other {
		t.Errorf("\"world\" placed twice: %#x and %#x", world, other)
	}

	read := func(addr uint64) string {
		off := addr - ctx.Arg.ImageBase
		end := bytes.IndexByte(ctx.Buf[off:], 0)
		return string(ctx.Buf[off : off+uint64(end)])
	}
	if s := read(hello); s != "hello" {
		t.Errorf("first string = %q", s)
	}
	if s := read(world); s != "world" {
		t.Errorf("second string = %q", s)
	}
}

func TestLinkPullsArchiveMembersOnDemand(t *testing.T) {
	app := newObj()
	data := app.data(".data", zeros(8))
	app.global(testSym{name: "bar"}).
		rela(data, testRela{off: 0, sym: "bar", typ: elf.R_RISCV_64})

	bar := newObj()
	barData := bar.data(".data", zeros(8))
	bar.global(testSym{name: "bar", typ: elf.STT_OBJECT, shndx: barData, value: 4})

	unused := newObj()
	unusedData := unused.data(".data", zeros(8))
	unused.global(testSym{name: "unused", typ: elf.STT_OBJECT, shndx: unusedData})

	lib := &File{Name: "lib.a", Contents: buildArchive(
		arMember{"bar.o", bar.build(t)},
		arMember{"unused.o", unused.build(t)},
	)}

	ctx := link(t, app.file(t, "main.o"), lib)

	for _, o := range ctx.Objs {
		if o.File.Name == "unused.o" {
			t.Fatal("unreferenced archive member was linked")
		}
	}

	barObj := objByName(t, ctx, "lib.a(bar.o)")
	want := barObj.Sections[barData].GetAddr() + 4
	if got := imageUint64(ctx, objByName(t, ctx, "main.o").Sections[data].GetAddr()); got != want {
		t.Errorf("bar resolved to %#x, want %#x", got, want)
	}
	if _, ok := ctx.SymbolMap["unused"]; ok && ctx.SymbolMap["unused"].File != nil {
		t.Error("symbol from unreferenced member is defined")
	}
}

func TestLinkGotPcrelPair(t *testing.T) {
	const (
		auipc = 0x00000517 // auipc a0, 0
		ld    = 0x00053503 // ld a0, 0(a0)
	)

	obj := newObj()
	text := obj.text(".text", pack(t, uint32(auipc), uint32(ld)))
	data := obj.data(".data", zeros(8))
	obj.local(testSym{name: ".Lpcrel_hi0", shndx: text}).
		global(testSym{name: "foo", typ: elf.STT_OBJECT, shndx: data}).
		rela(text, testRela{off: 0, sym: "foo", typ: elf.R_RISCV_GOT_HI20}).
		rela(text, testRela{off: 4, sym: ".Lpcrel_hi0", typ: elf.R_RISCV_PCREL_LO12_I})

	ctx := link(t, obj.file(t, "a.o"))
	a := objByName(t, ctx, "a.o")

	foo := ctx.SymbolMap["foo"]
	slot := ctx.Got.Shdr.Addr + uint64(foo.GetGotIdx(ctx))*8
	if got := imageUint64(ctx, slot); got != foo.GetAddr() {
		t.Fatalf("GOT slot holds %#x, want %#x", got, foo.GetAddr())
	}

	pc := a.Sections[text].GetAddr()
	hiInsn := imageUint32(ctx, pc)
	loInsn := imageUint32(ctx, pc+4)
	if hiInsn&0xfff != auipc&0xfff {
		t.Errorf("auipc opcode bits clobbered: %#08x", hiInsn)
	}
	if loInsn&0xfffff != ld&0xfffff {
		t.Errorf("ld opcode bits clobbered: %#08x", loInsn)
	}

	hi := int64(int32(hiInsn & 0xfffff000))
	lo := int64(int32(loInsn) >> 20)
	if target := uint64(int64(pc) + hi + lo); target != slot {
		t.Errorf("auipc+ld reach %#x, want GOT slot %#x", target, slot)
	}
}

func TestLinkImageBase(t *testing.T) {
	obj := newObj()
	obj.data(".data", zeros(8))

	ctx := newTestContext()
	ctx.Arg.ImageBase = 0x80000000
	ReadFile(ctx, obj.file(t, "a.o"))
	Link(ctx)

	if addr := objByName(t, ctx, "a.o").Sections[1].GetAddr(); addr != 0x80000000 {
		t.Errorf(".data at %#x, want 0x80000000", addr)
	}
}

func TestPrintMap(t *testing.T) {
	obj := newObj()
	text := obj.text(".text", zeros(8))
	obj.global(testSym{name: "_start", typ: elf.STT_FUNC, shndx: text})

	ctx := link(t, obj.file(t, "a.o"))
	out := &strings.Builder{}
	PrintMap(ctx, out)

	if !strings.Contains(out.String(), " .text\n") {
		t.Errorf("map has no .text line:\n%s", out)
	}
	if !strings.Contains(out.String(), " _start\n") {
		t.Errorf("map has no _start line:\n%s", out)
	}
}

func TestLinkBadRelocationOffsetIsFatal(t *testing.T) {
	if os.Getenv("RLD_TEST_BAD_OFFSET") == "1" {
		obj := newObj()
		data := obj.data(".data", zeros(8))
		obj.local(testSym{name: ".data", typ: elf.STT_SECTION, shndx: data}).
			rela(data, testRela{off: 0x100, sym: ".data", typ: elf.R_RISCV_32})
		link(t, obj.file(t, "a.o"))
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestLinkBadRelocationOffsetIsFatal$")
	cmd.Env = append(os.Environ(), "RLD_TEST_BAD_OFFSET=1")
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	err := cmd.Run()
	exitErr, ok := err.(*exec.ExitError)
	if !ok || exitErr.ExitCode() != 1 {
		t.Fatalf("got %v, want exit status 1", err)
	}
	if want := "a.o:(.data+0x100): reloc has bad offset 256"; !strings.Contains(stderr.String(), want) {
		t.Errorf("stderr %q does not mention %q", stderr.String(), want)
	}
}
