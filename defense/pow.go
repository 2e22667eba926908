package defense

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

// ErrProofOfWorkInvalid signals that a presented solution does not
// satisfy the challenge difficulty.
var ErrProofOfWorkInvalid = errors.New("proof of work invalid")

// ErrProofOfWorkRequired tells a caller to solve a challenge before
// the query is admitted. It carries everything needed to solve it.
type ErrProofOfWorkRequired struct {
	Challenge  [16]byte
	Difficulty uint8
}

func (e *ErrProofOfWorkRequired) Error() string {
	return fmt.Sprintf("proof of work required: difficulty %d", e.Difficulty)
}

// ProofOfWork issues and verifies hash-preimage challenges. A valid
// solution is a nonce n such that SHA-256(challenge || n) starts with
// at least Difficulty zero bits. Verification is a single hash;
// generation cost grows as 2^Difficulty.
type ProofOfWork struct {
	// Difficulty is the required number of leading zero bits.
	// Default: 18 (a few milliseconds on commodity hardware).
	Difficulty uint8
}

// NewProofOfWork creates a challenge issuer. difficulty 0 uses the
// default.
func NewProofOfWork(difficulty uint8) *ProofOfWork {
	if difficulty == 0 {
		difficulty = 18
	}
	return &ProofOfWork{Difficulty: difficulty}
}

// Challenge draws a fresh random challenge.
func (p *ProofOfWork) Challenge() ([16]byte, error) {
	var c [16]byte
	if _, err := rand.Read(c[:]); err != nil {
		return c, fmt.Errorf("draw challenge: %w", err)
	}
	return c, nil
}

// Verify checks a solution in constant work.
func (p *ProofOfWork) Verify(challenge [16]byte, nonce uint64) bool {
	return leadingZeroBits(challenge, nonce) >= int(p.Difficulty)
}

// Solve brute-forces a nonce for the challenge. It exists for clients
// and tests; the store itself only verifies.
func (p *ProofOfWork) Solve(challenge [16]byte) uint64 {
	for nonce := uint64(0); ; nonce++ {
		if leadingZeroBits(challenge, nonce) >= int(p.Difficulty) {
			return nonce
		}
	}
}

func leadingZeroBits(challenge [16]byte, nonce uint64) int {
	var buf [24]byte
	copy(buf[:16], challenge[:])
	binary.LittleEndian.PutUint64(buf[16:], nonce)
	sum := sha256.Sum256(buf[:])

	zeros := 0
	for _, b := range sum {
		if b == 0 {
			zeros += 8
			continue
		}
		zeros += bits.LeadingZeros8(b)
		break
	}
	return zeros
}
