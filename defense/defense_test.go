package defense

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetTokenBucket(t *testing.T) {
	b := NewBudgetTokenBucket(BudgetConfig{
		QueriesPerSecond: 0.001, // effectively no refill within the test
		Burst:            3,
	})

	for i := 0; i < 3; i++ {
		assert.True(t, b.Allow("alice", 1))
	}
	assert.False(t, b.Allow("alice", 1))
	assert.False(t, b.Allow("alice", 1))
	assert.Equal(t, uint64(2), b.Rejections("alice"))

	// Callers are isolated.
	assert.True(t, b.Allow("bob", 1))
	assert.Zero(t, b.Rejections("bob"))

	b.ForgiveRejections("alice")
	assert.Zero(t, b.Rejections("alice"))
}

func TestBudgetCostWeighting(t *testing.T) {
	b := NewBudgetTokenBucket(BudgetConfig{
		QueriesPerSecond: 0.001,
		Burst:            10,
	})

	assert.True(t, b.Allow("alice", 8))
	assert.False(t, b.Allow("alice", 8))
	assert.True(t, b.Allow("alice", 2))
}

func TestProofOfWork(t *testing.T) {
	p := NewProofOfWork(8) // cheap enough to solve in-test

	challenge, err := p.Challenge()
	require.NoError(t, err)

	nonce := p.Solve(challenge)
	assert.True(t, p.Verify(challenge, nonce))

	// Find a nonce below the difficulty bar; it must not verify.
	var bad uint64
	for leadingZeroBits(challenge, bad) >= int(p.Difficulty) {
		bad++
	}
	assert.False(t, p.Verify(challenge, bad))
}

func TestSignerQuantization(t *testing.T) {
	s := NewSigner()

	a := s.Signature([]float32{0.5, 1.25, -3.0}, 10)
	b := s.Signature([]float32{0.5, 1.25, -3.0}, 10)
	assert.Equal(t, a, b)

	// Sub-quantum jitter collides; that is the point.
	jittered := s.Signature([]float32{0.501, 1.249, -3.001}, 10)
	assert.Equal(t, a, jittered)

	assert.NotEqual(t, a, s.Signature([]float32{0.5, 1.25, -3.0}, 20))
	assert.NotEqual(t, a, s.Signature([]float32{7, 7, 7}, 10))
	assert.Zero(t, s.Signature(nil, 10))
}

func TestNegativeCache(t *testing.T) {
	nc := NewNegativeCache(NegativeCacheConfig{MaxSize: 2, TTL: time.Minute})

	assert.False(t, nc.CheckEmpty(42, 1))
	nc.RecordEmpty(42, 1)
	assert.True(t, nc.CheckEmpty(42, 1))

	// A mutation moved the generation; the entry no longer applies.
	assert.False(t, nc.CheckEmpty(42, 2))

	nc.RecordEmpty(43, 1)
	nc.RecordEmpty(44, 1) // evicts 42
	assert.False(t, nc.CheckEmpty(42, 1))
	assert.True(t, nc.CheckEmpty(44, 1))

	nc.InvalidateAll()
	assert.False(t, nc.CheckEmpty(44, 1))

	stats := nc.Stats()
	assert.Zero(t, stats.Size)
	assert.Greater(t, stats.Misses, uint64(0))
	assert.Greater(t, stats.HitRate(), 0.0)
}

func TestCentroidDistanceCV(t *testing.T) {
	// A flat distribution is fully degenerate.
	assert.Zero(t, CentroidDistanceCV([]float32{5, 5, 5, 5}))
	assert.True(t, IsDegenerateDistribution(CentroidDistanceCV([]float32{5, 5, 5, 5})))

	// A spread distribution is not.
	cv := CentroidDistanceCV([]float32{1, 10, 3, 25, 7})
	assert.Greater(t, cv, DegenerateCVThreshold)
	assert.False(t, IsDegenerateDistribution(cv))

	// Too few samples count as degenerate.
	assert.Zero(t, CentroidDistanceCV([]float32{3}))
}

func TestAdaptiveNProbe(t *testing.T) {
	assert.Equal(t, 8, AdaptiveNProbe(8, 0.5))  // healthy, unchanged
	assert.Equal(t, 16, AdaptiveNProbe(8, 0.0)) // fully degenerate, doubled

	widened := AdaptiveNProbe(8, DegenerateCVThreshold/2)
	assert.Greater(t, widened, 8)
	assert.LessOrEqual(t, widened, 16)
}

func TestCombinedEffectiveNProbe(t *testing.T) {
	// Drift dominates when larger than degeneracy widening.
	assert.Equal(t, 16, CombinedEffectiveNProbe(8, 1, 0, 0.5, 1.0))

	// Bounds clamp both directions.
	assert.Equal(t, 12, CombinedEffectiveNProbe(8, 1, 12, 0.0, 0))
	assert.Equal(t, 4, CombinedEffectiveNProbe(1, 4, 12, 0.5, 0))
}

func TestLayerAdmitFlow(t *testing.T) {
	l := NewLayer(Config{
		Budget: BudgetConfig{
			QueriesPerSecond: 50,
			Burst:            2,
		},
		PoWDifficulty:        4,
		PoWTriggerRejections: 2,
		MinNProbe:            1,
	})

	require.NoError(t, l.Admit("mallory", 1, nil))
	require.NoError(t, l.Admit("mallory", 1, nil))

	// Burn through the budget.
	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, l.Admit("mallory", 1, nil), ErrBudgetExceeded)
	}

	// Once tokens return, admission now demands a proof of work.
	time.Sleep(40 * time.Millisecond)
	err := l.Admit("mallory", 1, nil)
	var powErr *ErrProofOfWorkRequired
	require.ErrorAs(t, err, &powErr)

	// A wrong answer is rejected outright.
	assert.ErrorIs(t, l.Admit("mallory", 1, &Solution{Challenge: powErr.Challenge, Nonce: ^uint64(0)}), ErrProofOfWorkInvalid)

	// The real answer settles the challenge and restores admission.
	pow := NewProofOfWork(powErr.Difficulty)
	nonce := pow.Solve(powErr.Challenge)
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, l.Admit("mallory", 1, &Solution{Challenge: powErr.Challenge, Nonce: nonce}))

	assert.Equal(t, uint64(1), l.Stats().ChallengesIssued)
}

func TestLayerObservations(t *testing.T) {
	l := NewLayer(DefaultConfig())

	cv := l.ObserveCentroidDistances([]float32{4, 4, 4, 4})
	assert.True(t, IsDegenerateDistribution(cv))
	l.ObserveDrift(0.5)

	n := l.EffectiveNProbe(8, cv)
	assert.Equal(t, 16, n) // degeneracy widening dominates

	stats := l.Stats()
	assert.Equal(t, uint64(1), stats.DegenerateQueries)
	assert.Equal(t, 0.5, stats.Drift)
}
