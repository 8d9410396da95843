package linker

// GotEntry is one resolved eight-byte slot of the .got section.
type GotEntry struct {
	Idx int64
	Val uint64
}
