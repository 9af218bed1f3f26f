package canvas

// Color is a canvas palette index as stored in chunk buffers.
type Color int8

type Chunk struct {
	ID     ChunkID
	Pixels []byte // len = ChunkArea, x fastest then y
}

// newChunk copies data into a full-size buffer. Missing trailing bytes, or an
// empty body, stay zero.
func newChunk(id ChunkID, data []byte) *Chunk {
	c := &Chunk{ID: id, Pixels: make([]byte, ChunkArea)}
	copy(c.Pixels, data)
	return c
}

func (c *Chunk) At(offset int) Color {
	return Color(int8(c.Pixels[offset]))
}

func (c *Chunk) Set(offset int, col Color) {
	c.Pixels[offset] = byte(col)
}
