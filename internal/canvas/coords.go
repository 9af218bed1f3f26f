package canvas

const (
	HalfWidth     = 32768
	ChunkSize     = 256
	ChunksPerAxis = 2 * HalfWidth / ChunkSize
	ChunkArea     = ChunkSize * ChunkSize
)

// ChunkID is cx + cy*ChunksPerAxis over canonical chunk coordinates.
type ChunkID int

func ChunkIDOf(cx, cy int) ChunkID {
	return ChunkID(cx + cy*ChunksPerAxis)
}

func (id ChunkID) Coords() (cx, cy int) {
	return int(id) % ChunksPerAxis, int(id) / ChunksPerAxis
}

// InBounds reports whether the global coordinate lies on the canvas.
func InBounds(x, y int) bool {
	return x >= -HalfWidth && x < HalfWidth && y >= -HalfWidth && y < HalfWidth
}

// Canonical shifts a global coordinate so both axes are non-negative.
func Canonical(x, y int) (int, int) {
	return x + HalfWidth, y + HalfWidth
}

// ToChunk maps a global coordinate to its chunk and in-chunk offset.
func ToChunk(x, y int) (ChunkID, int) {
	cx, cy := Canonical(x, y)
	id := ChunkIDOf(floorDiv(cx, ChunkSize), floorDiv(cy, ChunkSize))
	return id, mod(cx, ChunkSize) + mod(cy, ChunkSize)*ChunkSize
}

// FromChunk is the inverse of ToChunk.
func FromChunk(id ChunkID, offset int) (x, y int) {
	cx, cy := id.Coords()
	return FromChunkXY(cx, cy, offset)
}

// FromChunkXY translates a chunk-relative pixel, as pushed by the live
// channel, back to global coordinates.
func FromChunkXY(cx, cy, offset int) (x, y int) {
	x = cx*ChunkSize + offset%ChunkSize - HalfWidth
	y = cy*ChunkSize + offset/ChunkSize - HalfWidth
	return x, y
}

func floorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
