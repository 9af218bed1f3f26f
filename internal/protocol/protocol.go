package protocol

import "encoding/binary"

// Live channel opcodes.
const (
	OpRegisterChunk byte = 0xA1
	OpPixelUpdate   byte = 0xC1
)

const (
	registerChunkLen = 1 + 2
	pixelUpdateLen   = 1 + 2 + 2 + 2 + 1
)

// PixelUpdate is one pushed pixel change in chunk-relative form.
type PixelUpdate struct {
	ChunkX int
	ChunkY int
	Offset int
	Color  uint8
}

// EncodeRegisterChunk builds the frame that asks the server to stream
// changes of one chunk. The 16-bit big-endian id carries the chunk X in the
// high byte and the chunk Y in the low byte.
func EncodeRegisterChunk(cx, cy int) []byte {
	b := make([]byte, registerChunkLen)
	b[0] = OpRegisterChunk
	binary.BigEndian.PutUint16(b[1:], uint16(cx&0xff)<<8|uint16(cy&0xff))
	return b
}

// DecodeRegisterChunk is the server side of EncodeRegisterChunk.
func DecodeRegisterChunk(b []byte) (cx, cy int, ok bool) {
	if len(b) < registerChunkLen || b[0] != OpRegisterChunk {
		return 0, 0, false
	}
	id := binary.BigEndian.Uint16(b[1:3])
	return int(id >> 8), int(id & 0xff), true
}

// DecodeFrame parses an inbound binary frame. Empty frames, unknown opcodes
// and truncated pixel updates report ok=false.
func DecodeFrame(b []byte) (PixelUpdate, bool) {
	if len(b) == 0 || b[0] != OpPixelUpdate || len(b) < pixelUpdateLen {
		return PixelUpdate{}, false
	}
	return PixelUpdate{
		ChunkX: int(int16(binary.BigEndian.Uint16(b[1:3]))),
		ChunkY: int(int16(binary.BigEndian.Uint16(b[3:5]))),
		Offset: int(binary.BigEndian.Uint16(b[5:7])),
		Color:  b[7],
	}, true
}

func EncodePixelUpdate(u PixelUpdate) []byte {
	b := make([]byte, pixelUpdateLen)
	b[0] = OpPixelUpdate
	binary.BigEndian.PutUint16(b[1:3], uint16(int16(u.ChunkX)))
	binary.BigEndian.PutUint16(b[3:5], uint16(int16(u.ChunkY)))
	binary.BigEndian.PutUint16(b[5:7], uint16(u.Offset))
	b[7] = u.Color
	return b
}
