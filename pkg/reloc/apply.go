package reloc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/pattyshack/gt/parseutil"

	"github.com/ksco/rld/pkg/utils"
)

// Locator formats the source location of a relocation for diagnostics.
type Locator interface {
	Location(idx int, offset uint64) string
}

// Context carries what the applier needs for one relocation section.
type Context[S Symbol] struct {
	Symtab SymbolTable[S]
	Order  binary.ByteOrder

	LocalCount  uint32
	LocalValues []uint64
	GlobalSyms  []S

	Locator Locator

	// Diag collects undefined references. May be nil.
	Diag *parseutil.Emitter
}

// Relocator is the target half of relocation processing. Relocate patches
// loc, which is the view starting at the relocated offset, and reports
// whether it wrote anything. sym is the null handle for local symbols.
type Relocator[R any, S Symbol] interface {
	Relocate(
		ctx *Context[S],
		idx int,
		rel R,
		typ uint32,
		sym S,
		value uint64,
		loc []byte,
		addr uint64,
		viewSize int,
	) bool
}

// Apply feeds every record of rels to relocator, in file order. view is the
// section image and viewAddr its address in the output.
//
// A relocation the relocator claims to have written must lie inside view;
// otherwise the link fails. Strong undefined references are reported and
// recorded in ctx.Diag but do not stop the link.
func Apply[R Record[R], S Symbol, A Relocator[R, S]](
	ctx *Context[S], rels []byte, view []byte, viewAddr uint64, relocator A,
) {
	var rec R
	var null S
	size := rec.Size()

	for i := 0; (i+1)*size <= len(rels); i++ {
		rel := rec.decode(rels[i*size:], ctx.Order)
		offset := rel.Offset()
		symIdx := rel.Sym()
		typ := rel.Type()

		sym := null
		var value uint64
		if symIdx < ctx.LocalCount {
			value = ctx.LocalValues[symIdx]
		} else {
			sym = resolveGlobal(ctx.Symtab, ctx.GlobalSyms, symIdx-ctx.LocalCount)
			value = sym.GetAddr()
		}

		if !relocator.Relocate(ctx, i, rel, typ, sym, value,
			tail(view, offset), viewAddr+offset, len(view)) {
			continue
		}

		if int64(offset) < 0 || int64(offset) >= int64(len(view)) {
			utils.Fatal(fmt.Sprintf("%s: reloc has bad offset %d",
				ctx.location(i, offset), offset))
		}

		if sym != null && sym.IsUndefined() && sym.Binding() != elf.STB_WEAK {
			ctx.report(&UndefinedReferenceError{
				Location: ctx.location(i, offset),
				Name:     sym.GetName(),
			})
		}
	}
}

func tail(view []byte, offset uint64) []byte {
	if offset >= uint64(len(view)) {
		return nil
	}
	return view[offset:]
}

func (ctx *Context[S]) location(idx int, offset uint64) string {
	if ctx.Locator == nil {
		return fmt.Sprintf("relocation %d at offset %#x", idx, offset)
	}
	return ctx.Locator.Location(idx, offset)
}

func (ctx *Context[S]) report(err error) {
	utils.Error(err)
	if ctx.Diag != nil {
		ctx.Diag.EmitErrors(err)
	}
}
