package linker

import "debug/elf"

// GetRank orders competing definitions of a symbol. The lowest rank wins;
// file priority breaks ties.
func GetRank(file *ObjectFile, esym *Sym, isLazy bool) uint64 {
	if esym.IsCommon() {
		if isLazy {
			return (6 << 24) + uint64(file.Priority)
		}
		return (5 << 24) + uint64(file.Priority)
	}

	isWeak := esym.Bind() == uint8(elf.STB_WEAK)
	switch {
	case isLazy && isWeak:
		return (4 << 24) + uint64(file.Priority)
	case isLazy:
		return (3 << 24) + uint64(file.Priority)
	case isWeak:
		return (2 << 24) + uint64(file.Priority)
	}
	return (1 << 24) + uint64(file.Priority)
}
