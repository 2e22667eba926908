package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/rvf/quant"
)

// Vector block payload layout (little-endian):
//
//	count u32 | dim u32 | ids count*u64 | vectors count*dim*f32
//
// The vector section goes through the quant passthrough codec; a
// quantizing codec would flag the block and shrink that section.
// IDs within a block are assigned from a monotone counter at ingest
// time, so every block covers a contiguous ID range.

// EncodeVectorBlock serializes ids and their vectors (flattened
// row-major, count*dim values) into a vector block payload.
func EncodeVectorBlock(ids []uint64, vecs []float32, dim int) ([]byte, error) {
	count := len(ids)
	if count*dim != len(vecs) {
		return nil, fmt.Errorf("%w: %d ids with dim %d but %d values", ErrSizeMismatch, count, dim, len(vecs))
	}
	codec := quant.Float32{}
	buf := make([]byte, 0, 8+count*8+codec.EncodedSize(len(vecs)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(count))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dim))
	for _, id := range ids {
		buf = binary.LittleEndian.AppendUint64(buf, id)
	}
	return codec.Encode(buf, vecs), nil
}

// DecodeVectorBlock parses a vector block payload.
func DecodeVectorBlock(payload []byte) (ids []uint64, vecs []float32, dim int, err error) {
	if len(payload) < 8 {
		return nil, nil, 0, fmt.Errorf("%w: vector block too short", ErrSizeMismatch)
	}
	codec := quant.Float32{}
	count := int(binary.LittleEndian.Uint32(payload[0:4]))
	dim = int(binary.LittleEndian.Uint32(payload[4:8]))
	want := 8 + count*8 + codec.EncodedSize(count*dim)
	if len(payload) != want {
		return nil, nil, 0, fmt.Errorf("%w: vector block is %d bytes, want %d", ErrSizeMismatch, len(payload), want)
	}

	ids = make([]uint64, count)
	pos := 8
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint64(payload[pos:])
		pos += 8
	}
	vecs, err = codec.Decode(payload[pos:], count*dim)
	if err != nil {
		return nil, nil, 0, err
	}
	return ids, vecs, dim, nil
}

// Centroid computes the mean vector of a flattened block. The manifest
// stores it per block for probe selection and degeneracy statistics.
func Centroid(vecs []float32, dim int) []float32 {
	if dim == 0 || len(vecs) == 0 {
		return nil
	}
	rows := len(vecs) / dim
	out := make([]float32, dim)
	for r := 0; r < rows; r++ {
		row := vecs[r*dim : (r+1)*dim]
		for j, v := range row {
			out[j] += v
		}
	}
	inv := 1 / float32(rows)
	for j := range out {
		out[j] *= inv
	}
	return out
}
