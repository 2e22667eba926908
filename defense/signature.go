package defense

import (
	"hash/maphash"
	"math"
)

// Signer computes stable signatures over query shapes. Repeated
// probing replays identical or near-identical vectors, so coordinates
// are quantized before hashing to make close probes collide.
type Signer struct {
	seed maphash.Seed
}

// NewSigner creates a signer with a process-local random seed, so
// signatures cannot be precomputed offline.
func NewSigner() *Signer {
	return &Signer{seed: maphash.MakeSeed()}
}

// Signature hashes the quantized query vector and result size into a
// query-shape signature. A zero return means "unsignable" and must
// never be cached.
func (s *Signer) Signature(query []float32, k int) uint64 {
	if len(query) == 0 {
		return 0
	}

	var h maphash.Hash
	h.SetSeed(s.seed)

	var buf [4]byte
	for _, v := range query {
		// Two decimal digits of precision collapses jittered probes.
		q := int32(math.Round(float64(v) * 100))
		buf[0] = byte(q)
		buf[1] = byte(q >> 8)
		buf[2] = byte(q >> 16)
		buf[3] = byte(q >> 24)
		_, _ = h.Write(buf[:])
	}
	buf[0] = byte(k)
	buf[1] = byte(k >> 8)
	buf[2] = byte(k >> 16)
	buf[3] = byte(k >> 24)
	_, _ = h.Write(buf[:])

	sig := h.Sum64()
	if sig == 0 {
		sig = 1
	}
	return sig
}
