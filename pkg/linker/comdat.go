package linker

import (
	"debug/elf"
	"fmt"

	"github.com/ksco/rld/pkg/utils"
)

// ComdatGroup is shared by every SHT_GROUP section with the same signature.
// Only Owner's copy of the members reaches the output.
type ComdatGroup struct {
	Signature string
	Owner     *ObjectFile
}

type comdatGroupRef struct {
	Group   *ComdatGroup
	Members []uint32
}

func GetComdatGroup(ctx *Context, signature string) *ComdatGroup {
	if group, ok := ctx.ComdatGroups[signature]; ok {
		return group
	}
	group := &ComdatGroup{Signature: signature}
	ctx.ComdatGroups[signature] = group
	return group
}

func (o *ObjectFile) readComdatGroup(ctx *Context, shdr *Shdr) {
	data := o.GetBytesFromShdr(shdr)
	if len(data) < 4 {
		utils.Fatal(fmt.Sprintf("%s: empty SHT_GROUP section", o.File.DisplayName()))
	}
	if utils.Read[uint32](data)&GRP_COMDAT == 0 {
		return
	}

	if shdr.Info >= uint32(len(o.ElfSyms)) {
		utils.Fatal(fmt.Sprintf("%s: invalid group signature symbol", o.File.DisplayName()))
	}
	esym := &o.ElfSyms[shdr.Info]
	signature := getName(o.SymbolStrtab, esym.Name)
	if signature == "" && esym.Type() == uint8(elf.STT_SECTION) {
		signature = getName(o.ShStrtab, o.ElfSections[o.GetShndx(esym, int64(shdr.Info))].Name)
	}

	o.ComdatGroups = append(o.ComdatGroups, comdatGroupRef{
		Group:   GetComdatGroup(ctx, signature),
		Members: utils.ReadSlice[uint32](data[4:]),
	})
}

func (o *ObjectFile) ResolveComdatGroups() {
	for _, ref := range o.ComdatGroups {
		group := ref.Group
		if group.Owner == nil || o.Priority < group.Owner.Priority {
			group.Owner = o
		}
	}
}

func (o *ObjectFile) EliminateDuplicatedComdatMembers() {
	for _, ref := range o.ComdatGroups {
		if ref.Group.Owner == o {
			continue
		}
		for _, shndx := range ref.Members {
			if shndx >= uint32(len(o.Sections)) {
				continue
			}
			if isec := o.Sections[shndx]; isec != nil {
				isec.IsAlive = false
			}
			o.MergeableSections[shndx] = nil
		}
	}
}

// ClearDiscardedSymbols drops the definitions o made in sections it no
// longer contributes.
func (o *ObjectFile) ClearDiscardedSymbols() {
	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		sym := o.Symbols[i]
		if sym.File != o {
			continue
		}
		esym := &o.ElfSyms[i]
		if esym.IsAbs() || esym.IsCommon() || esym.IsUndef() {
			continue
		}
		if !o.IsSectionIncluded(uint32(o.GetShndx(esym, i))) {
			sym.Clear()
		}
	}
}

// EliminateDuplicatedComdatGroups keeps the copy of each COMDAT group from
// the earliest live file and rebinds symbols that pointed into the others.
func EliminateDuplicatedComdatGroups(ctx *Context) {
	for _, file := range ctx.Objs {
		file.ResolveComdatGroups()
	}

	for _, file := range ctx.Objs {
		file.EliminateDuplicatedComdatMembers()
	}

	for _, file := range ctx.Objs {
		file.ClearDiscardedSymbols()
	}

	for _, file := range ctx.Objs {
		file.ResolveSymbols(ctx)
	}
}
