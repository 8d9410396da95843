package reloc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

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

func TestRecordSize(t *testing.T) {
	tests := []struct {
		kind  Kind
		class elf.Class
		want  int
		rec   any
	}{
		{KindRel, elf.ELFCLASS32, Rel32Size, elf.Rel32{}},
		{KindRela, elf.ELFCLASS32, Rela32Size, elf.Rela32{}},
		{KindRel, elf.ELFCLASS64, Rel64Size, elf.Rel64{}},
		{KindRela, elf.ELFCLASS64, Rela64Size, elf.Rela64{}},
	}

	for _, tt := range tests {
		if got := RecordSize(tt.kind, tt.class); got != tt.want {
			t.Errorf("RecordSize(%d, %v) = %d, want %d", tt.kind, tt.class, got, tt.want)
		}
		if size := binary.Size(tt.rec); size != tt.want {
			t.Errorf("%T is %d bytes on disk, want %d", tt.rec, size, tt.want)
		}
	}

	if got := RecordSize(KindRela, elf.ELFCLASSNONE); got != 0 {
		t.Errorf("RecordSize for ELFCLASSNONE = %d, want 0", got)
	}
	if Sym32Size != binary.Size(elf.Sym32{}) || Sym64Size != binary.Size(elf.Sym64{}) {
		t.Error("symbol entry sizes do not match debug/elf")
	}
}

func TestKindOf(t *testing.T) {
	if k, ok := KindOf(elf.SHT_REL); !ok || k != KindRel {
		t.Errorf("KindOf(SHT_REL) = %d, %v", k, ok)
	}
	if k, ok := KindOf(elf.SHT_RELA); !ok || k != KindRela {
		t.Errorf("KindOf(SHT_RELA) = %d, %v", k, ok)
	}
	if _, ok := KindOf(elf.SHT_PROGBITS); ok {
		t.Error("KindOf(SHT_PROGBITS) should fail")
	}
}

func TestDecodeInfoAndAddend(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		b := encode(t, order, elf.Rela32{Off: 0x40, Info: elf.R_INFO32(0x123, 7), Addend: -4})
		r32 := Rela32{}.decode(b, order)
		if r32.Offset() != 0x40 || r32.Sym() != 0x123 || r32.Type() != 7 || r32.Addend() != -4 {
			t.Errorf("%v: Rela32 decoded as %+v", order, r32)
		}

		b = encode(t, order, elf.Rel32{Off: 0x44, Info: elf.R_INFO32(0xffffff, 0xff)})
		rel32 := Rel32{}.decode(b, order)
		if rel32.Sym() != 0xffffff || rel32.Type() != 0xff || rel32.Addend() != 0 {
			t.Errorf("%v: Rel32 decoded as %+v", order, rel32)
		}

		b = encode(t, order, elf.Rela64{Off: 1 << 40, Info: elf.R_INFO(0x10000, 0x33), Addend: -1 << 40})
		r64 := Rela64{}.decode(b, order)
		if r64.Offset() != 1<<40 || r64.Sym() != 0x10000 || r64.Type() != 0x33 || r64.Addend() != -1<<40 {
			t.Errorf("%v: Rela64 decoded as %+v", order, r64)
		}

		b = encode(t, order, elf.Rel64{Off: 8, Info: elf.R_INFO(5, 2)})
		rel64 := Rel64{}.decode(b, order)
		if rel64.Sym() != 5 || rel64.Type() != 2 || rel64.Addend() != 0 {
			t.Errorf("%v: Rel64 decoded as %+v", order, rel64)
		}
	}
}

func TestLocalSymbolLayout(t *testing.T) {
	order := binary.BigEndian
	info := elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION)

	symtab32 := encode(t, order,
		elf.Sym32{},
		elf.Sym32{Name: 1, Value: 0x1000, Size: 4, Info: info, Shndx: 3})
	lsym := Rel32{}.localSymbol(symtab32, 1, order)
	if lsym.Index != 1 || lsym.Value != 0x1000 || lsym.Shndx != 3 || lsym.Info != info {
		t.Errorf("32-bit local symbol decoded as %+v", lsym)
	}

	symtab64 := encode(t, order,
		elf.Sym64{},
		elf.Sym64{},
		elf.Sym64{Name: 1, Info: info, Shndx: 9, Value: 0x2000_0000_0000, Size: 8})
	lsym = Rela64{}.localSymbol(symtab64, 2, order)
	if lsym.Index != 2 || lsym.Value != 0x2000_0000_0000 || lsym.Shndx != 9 || lsym.Info != info {
		t.Errorf("64-bit local symbol decoded as %+v", lsym)
	}
}

func TestDecode(t *testing.T) {
	order := binary.BigEndian
	rels := encode(t, order,
		elf.Rel32{Off: 4, Info: elf.R_INFO32(1, 2)},
		elf.Rel32{Off: 8, Info: elf.R_INFO32(3, 4)})
	rels = append(rels, 0xff, 0xff)

	recs := Decode[Rel32](rels, order)
	if len(recs) != 2 {
		t.Fatalf("decoded %d records, want 2", len(recs))
	}
	if recs[1].Offset() != 8 || recs[1].Sym() != 3 || recs[1].Type() != 4 {
		t.Errorf("second record = %+v", recs[1])
	}
}
