package linker

import (
	"debug/elf"

	"github.com/ksco/rld/pkg/utils"
)

// GotSection holds the address of every symbol reached through GOT_HI20
// and the TP offset of every symbol reached through TLS_GOT_HI20. The image
// is static, so all slots are filled at link time.
type GotSection struct {
	Chunk
	GotSyms   []*Symbol
	GotTpSyms []*Symbol
}

func NewGotSection() *GotSection {
	g := &GotSection{Chunk: NewChunk()}
	g.Name = ".got"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	g.Shdr.AddrAlign = 8
	return g
}

func (g *GotSection) AddGotSymbol(ctx *Context, sym *Symbol) {
	sym.SetGotIdx(ctx, int32(g.Shdr.Size/8))
	g.Shdr.Size += 8
	g.GotSyms = append(g.GotSyms, sym)
}

func (g *GotSection) AddGotTpSymbol(ctx *Context, sym *Symbol) {
	sym.SetGotTpIdx(ctx, int32(g.Shdr.Size/8))
	g.Shdr.Size += 8
	g.GotTpSyms = append(g.GotTpSyms, sym)
}

func (g *GotSection) GetEntries(ctx *Context) []GotEntry {
	entries := make([]GotEntry, 0, len(g.GotSyms)+len(g.GotTpSyms))
	for _, sym := range g.GotSyms {
		entries = append(entries, GotEntry{
			Idx: int64(sym.GetGotIdx(ctx)),
			Val: sym.GetAddr(),
		})
	}

	for _, sym := range g.GotTpSyms {
		entries = append(entries, GotEntry{
			Idx: int64(sym.GetGotTpIdx(ctx)),
			Val: sym.GetAddr() - ctx.TpAddr,
		})
	}

	return entries
}

func (g *GotSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[g.Shdr.Offset : g.Shdr.Offset+g.Shdr.Size]
	clear(buf)

	for _, ent := range g.GetEntries(ctx) {
		utils.Write[uint64](buf[ent.Idx*8:], ent.Val)
	}
}
