package reloc_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/ksco/rld/pkg/reloc"
)

type testSymbol struct {
	name  string
	addr  uint64
	undef bool
	bind  elf.SymBind
	fwd   *testSymbol
}

func (s *testSymbol) IsForwarder() bool    { return s.fwd != nil }
func (s *testSymbol) IsUndefined() bool    { return s.undef }
func (s *testSymbol) Binding() elf.SymBind { return s.bind }
func (s *testSymbol) GetName() string      { return s.name }
func (s *testSymbol) GetAddr() uint64      { return s.addr }

type testSymtab struct {
	resolved int
}

func (t *testSymtab) ResolveForwards(sym *testSymbol) *testSymbol {
	t.resolved++
	for sym.fwd != nil {
		sym = sym.fwd
	}
	return sym
}

// testObject lists the discarded sections; everything else is included.
type testObject map[uint32]bool

func (o testObject) IsSectionIncluded(shndx uint32) bool {
	return !o[shndx]
}

type testLocator struct{}

func (testLocator) Location(idx int, offset uint64) string {
	return fmt.Sprintf("test.o:(.text+%#x)", offset)
}

func encode(t *testing.T, order binary.ByteOrder, vals ...any) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	for _, v := range vals {
		if err := binary.Write(buf, order, v); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

type scanned struct {
	local  bool
	offset uint64
	symIdx uint32
	typ    uint32
	lsym   reloc.LocalSymbol
	gsym   *testSymbol
}

type recordingAnalyzer[R reloc.Record[R]] struct {
	seen []scanned
}

func (a *recordingAnalyzer[R]) Local(rel R, typ uint32, lsym reloc.LocalSymbol) {
	a.seen = append(a.seen, scanned{
		local:  true,
		offset: rel.Offset(),
		symIdx: rel.Sym(),
		typ:    typ,
		lsym:   lsym,
	})
}

func (a *recordingAnalyzer[R]) Global(rel R, typ uint32, gsym *testSymbol) {
	a.seen = append(a.seen, scanned{
		offset: rel.Offset(),
		symIdx: rel.Sym(),
		typ:    typ,
		gsym:   gsym,
	})
}
