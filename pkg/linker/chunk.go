package linker

const (
	ChunkKindOutputSection = iota
	ChunkKindMergedSection
	ChunkKindSynthetic
)

// Chunker is a contiguous piece of the output image.
type Chunker interface {
	Kind() int
	GetShdr() *Shdr
	GetName() string
	CopyBuf(ctx *Context)
}

type Chunk struct {
	Name string
	Shdr Shdr
}

func NewChunk() Chunk {
	return Chunk{Shdr: Shdr{AddrAlign: 1}}
}

func (c *Chunk) Kind() int {
	return ChunkKindSynthetic
}

func (c *Chunk) GetShdr() *Shdr {
	return &c.Shdr
}

func (c *Chunk) GetName() string {
	return c.Name
}

func (c *Chunk) CopyBuf(ctx *Context) {}
