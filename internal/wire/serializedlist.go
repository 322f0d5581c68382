package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SerializeList encodes the sidecar's wire format for variable-length list
// results: little-endian i32 count, then count x i32 element sizes, then
// each element's bytes each followed by a single 0x00 terminator.
func SerializeList(elements [][]byte) []byte {
	total := 4 + 4*len(elements)
	for _, e := range elements {
		total += len(e) + 1
	}
	out := make([]byte, total)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(elements)))
	pos := 4
	for _, e := range elements {
		binary.LittleEndian.PutUint32(out[pos:pos+4], uint32(len(e)))
		pos += 4
	}
	for _, e := range elements {
		copy(out[pos:], e)
		pos += len(e)
		out[pos] = 0x00
		pos++
	}
	return out
}

// DeserializeList is the inverse of SerializeList; it exists primarily for
// tests pinning the round-trip invariant.
func DeserializeList(data []byte) ([][]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("serialized list: short header: %d bytes", len(data))
	}
	count := int(binary.LittleEndian.Uint32(data[0:4]))
	sizesEnd := 4 + 4*count
	if count < 0 || sizesEnd > len(data) {
		return nil, fmt.Errorf("serialized list: truncated size table (count=%d)", count)
	}
	sizes := make([]int, count)
	for i := 0; i < count; i++ {
		off := 4 + 4*i
		sizes[i] = int(binary.LittleEndian.Uint32(data[off : off+4]))
	}
	out := make([][]byte, count)
	pos := sizesEnd
	for i, sz := range sizes {
		if sz < 0 || pos+sz+1 > len(data) {
			return nil, fmt.Errorf("serialized list: truncated element %d", i)
		}
		out[i] = append([]byte(nil), data[pos:pos+sz]...)
		pos += sz
		if data[pos] != 0x00 {
			return nil, fmt.Errorf("serialized list: element %d missing terminator", i)
		}
		pos++
	}
	return out, nil
}

// SerializeZSet encodes a zrange/zscan result: each element is
// (value || little-endian f64 score).
func SerializeZSet(members [][]byte, scores []float64) []byte {
	elements := make([][]byte, len(members))
	for i, m := range members {
		buf := make([]byte, len(m)+8)
		copy(buf, m)
		binary.LittleEndian.PutUint64(buf[len(m):], math.Float64bits(scores[i]))
		elements[i] = buf
	}
	return SerializeList(elements)
}
