// Package quant defines the codec capability for vector block
// payloads. The store itself only ever needs the passthrough float32
// codec; the interface exists so a quantizing codec can be plugged in
// without a format change, keyed by the codec ID recorded next to the
// manifest's quantization dictionary pointer.
package quant

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// Codec encodes vectors for storage inside a block payload.
type Codec interface {
	// ID identifies the codec on disk. IDs are stable forever.
	ID() uint8

	// Encode appends the encoded form of v to dst.
	Encode(dst []byte, v []float32) []byte

	// Decode reconstructs one vector of the given dimension from b.
	Decode(b []byte, dim int) ([]float32, error)

	// EncodedSize returns the byte length of one encoded vector.
	EncodedSize(dim int) int
}

// CodecFloat32 is the passthrough codec ID.
const CodecFloat32 uint8 = 0

var (
	registryMu sync.RWMutex
	registry   = map[uint8]Codec{CodecFloat32: Float32{}}
)

// Register makes a codec available for lookup by ID. Registering an
// already-claimed ID panics; codec IDs are a coordinated namespace.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[c.ID()]; exists {
		panic(fmt.Sprintf("quant: codec ID %d already registered", c.ID()))
	}
	registry[c.ID()] = c
}

// Lookup returns the codec registered under id.
func Lookup(id uint8) (Codec, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("quant: unknown codec ID %d", id)
	}
	return c, nil
}

// Float32 is the identity codec: vectors are stored as little-endian
// IEEE 754 float32, 4 bytes per dimension.
type Float32 struct{}

func (Float32) ID() uint8 { return CodecFloat32 }

func (Float32) EncodedSize(dim int) int { return 4 * dim }

func (Float32) Encode(dst []byte, v []float32) []byte {
	for _, f := range v {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
	}
	return dst
}

func (Float32) Decode(b []byte, dim int) ([]float32, error) {
	if len(b) < 4*dim {
		return nil, fmt.Errorf("quant: short payload: %d bytes for dim %d", len(b), dim)
	}
	out := make([]float32, dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}
