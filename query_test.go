package rvf_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/rvf"
	"github.com/hupe1980/rvf/defense"
	"github.com/hupe1980/rvf/index"
	"github.com/hupe1980/rvf/safetynet"
)

// quietSafetyNet disables sampling so tests can assert on the
// envelope deterministically.
func quietSafetyNet() rvf.Option {
	return rvf.WithSafetyNet(safetynet.Policy{
		MinQuality:    0.5,
		SamplingRate:  0,
		MaxCandidates: 100_000,
	})
}

func TestQueryReturnsNearest(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, quietSafetyNet())

	res, err := store.Ingest(ctx, [][]float32{
		{0.1, 0, 0},
		{0, 5, 0},
		{0, 0, 9},
		{0.2, 0.1, 0},
	})
	require.NoError(t, err)

	hits, err := store.Query(ctx, []float32{0.15, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits.IDs, 2)
	assert.Equal(t, res.IDs[0], hits.IDs[0])
	assert.Equal(t, res.IDs[3], hits.IDs[1])
	assert.LessOrEqual(t, hits.Scores[0], hits.Scores[1])
	assert.Greater(t, hits.Quality.NProbe, 0)
}

func TestQueryHighAssurance(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, quietSafetyNet())

	_, err := store.Ingest(ctx, [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	require.NoError(t, err)

	hits, err := store.QueryWithOptions(ctx, []float32{1, 0, 0}, 2, rvf.QueryOptions{
		Preference: rvf.QualityHighAssurance,
	})
	require.NoError(t, err)
	require.Len(t, hits.IDs, 2)
	assert.True(t, hits.Quality.FallbackPath)
	assert.Equal(t, rvf.QualityExhaustive, hits.Quality.Level)

	assert.Equal(t, uint64(1), store.Status().SafetyNetActivations)
}

func TestQueryDegenerateDistributionWidensProbesAndVerifies(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, rvf.WithMaxBlockRows(2), quietSafetyNet())

	// Identical vectors across blocks give identical centroids, the
	// most degenerate distribution possible.
	vecs := make([][]float32, 6)
	for i := range vecs {
		vecs[i] = []float32{1, 1, 1}
	}
	_, err := store.Ingest(ctx, vecs)
	require.NoError(t, err)

	hits, err := store.Query(ctx, []float32{1, 1, 1}, 2)
	require.NoError(t, err)
	assert.Zero(t, hits.Quality.CentroidCV)
	assert.Equal(t, 16, hits.Quality.NProbe) // base 8 doubled at full degeneracy
	assert.True(t, hits.Quality.FallbackPath)
	assert.Equal(t, rvf.QualityExhaustive, hits.Quality.Level)
}

func TestQueryFastSkipsAdaptiveWidening(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, rvf.WithMaxBlockRows(2), quietSafetyNet())

	vecs := make([][]float32, 6)
	for i := range vecs {
		vecs[i] = []float32{1, 1, 1}
	}
	_, err := store.Ingest(ctx, vecs)
	require.NoError(t, err)

	// Same degenerate distribution as above, but the caller opted out
	// of adaptive widening.
	hits, err := store.QueryWithOptions(ctx, []float32{1, 1, 1}, 2, rvf.QueryOptions{
		Preference: rvf.QualityFast,
	})
	require.NoError(t, err)
	assert.Equal(t, 8, hits.Quality.NProbe)
}

type fixedSearcher struct {
	cands []index.Candidate
}

func (s *fixedSearcher) Search(ctx context.Context, query []float32, k, nprobe int) ([]index.Candidate, error) {
	return s.cands, nil
}

func TestQueryCustomSearcherFactory(t *testing.T) {
	ctx := context.Background()

	calls := 0
	factory := func(src index.Source) (index.Searcher, error) {
		calls++
		require.NotEmpty(t, src.Blocks)
		require.Equal(t, "l2", src.Metric)
		return &fixedSearcher{cands: []index.Candidate{{ID: 1, Score: 0.25}}}, nil
	}
	store, _ := openTestStore(t, quietSafetyNet(), rvf.WithSearcherFactory(factory))

	_, err := store.Ingest(ctx, [][]float32{{1, 0, 0}, {0, 1, 0}})
	require.NoError(t, err)

	hits, err := store.Query(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.Equal(t, []uint64{1}, hits.IDs)
	assert.InDelta(t, 0.25, float64(hits.Scores[0]), 1e-6)

	// The stub has no exhaustive scan, so the fallback stands down.
	assert.False(t, hits.Quality.FallbackPath)
}

func TestQueryNegativeCache(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, quietSafetyNet())

	res, err := store.Ingest(ctx, [][]float32{{1, 0, 0}, {0, 1, 0}})
	require.NoError(t, err)
	_, err = store.Delete(ctx, res.IDs)
	require.NoError(t, err)

	query := []float32{1, 0, 0}
	hits, err := store.Query(ctx, query, 2)
	require.NoError(t, err)
	assert.Empty(t, hits.IDs)
	assert.False(t, hits.Quality.FromCache)

	hits, err = store.Query(ctx, query, 2)
	require.NoError(t, err)
	assert.Empty(t, hits.IDs)
	assert.True(t, hits.Quality.FromCache)

	// Any mutation invalidates remembered emptiness.
	_, err = store.Ingest(ctx, [][]float32{{1, 0, 0}})
	require.NoError(t, err)

	hits, err = store.Query(ctx, query, 2)
	require.NoError(t, err)
	assert.False(t, hits.Quality.FromCache)
	assert.Len(t, hits.IDs, 1)
}

func TestQueryBudgetDegradesInsteadOfRefusing(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, quietSafetyNet(), rvf.WithDefense(defense.Config{
		Budget: defense.BudgetConfig{
			QueriesPerSecond: 50,
			Burst:            1,
			Decay:            time.Minute,
		},
		NegativeCache:        defense.DefaultNegativeCacheConfig(),
		PoWTriggerRejections: 1000,
		MinNProbe:            1,
	}))

	_, err := store.Ingest(ctx, [][]float32{{1, 0, 0}, {0, 1, 0}})
	require.NoError(t, err)

	qo := rvf.QueryOptions{Caller: "tenant-a"}
	hits, err := store.QueryWithOptions(ctx, []float32{1, 0, 0}, 1, qo)
	require.NoError(t, err)
	assert.NotEqual(t, rvf.QualityDegraded, hits.Quality.Level)

	hits, err = store.QueryWithOptions(ctx, []float32{1, 0, 0}, 1, qo)
	require.NoError(t, err)
	assert.Equal(t, rvf.QualityDegraded, hits.Quality.Level)
	assert.Equal(t, "query budget exceeded", hits.Quality.DegradationReason)
	assert.Equal(t, 1, hits.Quality.NProbe)
	assert.NotEmpty(t, hits.IDs)

	// Other callers are unaffected.
	hits, err = store.QueryWithOptions(ctx, []float32{1, 0, 0}, 1, rvf.QueryOptions{Caller: "tenant-b"})
	require.NoError(t, err)
	assert.NotEqual(t, rvf.QualityDegraded, hits.Quality.Level)
}

func TestQueryProofOfWorkEscalation(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, quietSafetyNet(), rvf.WithDefense(defense.Config{
		Budget: defense.BudgetConfig{
			QueriesPerSecond: 50,
			Burst:            1,
			Decay:            time.Minute,
		},
		NegativeCache:        defense.DefaultNegativeCacheConfig(),
		PoWDifficulty:        4,
		PoWTriggerRejections: 1,
		MinNProbe:            1,
	}))

	_, err := store.Ingest(ctx, [][]float32{{1, 0, 0}})
	require.NoError(t, err)

	qo := rvf.QueryOptions{Caller: "mallory"}
	query := []float32{1, 0, 0}

	_, err = store.QueryWithOptions(ctx, query, 1, qo)
	require.NoError(t, err)

	// Burn the budget; the rejection arms the escalation trigger.
	hits, err := store.QueryWithOptions(ctx, query, 1, qo)
	require.NoError(t, err)
	assert.Equal(t, rvf.QualityDegraded, hits.Quality.Level)

	time.Sleep(40 * time.Millisecond) // refill one token

	_, err = store.QueryWithOptions(ctx, query, 1, qo)
	var challenge *rvf.ErrProofOfWorkRequired
	require.ErrorAs(t, err, &challenge)
	assert.Equal(t, uint8(4), challenge.Difficulty)

	pow := &defense.ProofOfWork{Difficulty: challenge.Difficulty}
	sol := &rvf.PoWSolution{
		Challenge: challenge.Challenge,
		Nonce:     pow.Solve(challenge.Challenge),
	}

	time.Sleep(40 * time.Millisecond)

	hits, err = store.QueryWithOptions(ctx, query, 1, rvf.QueryOptions{Caller: "mallory", PoW: sol})
	require.NoError(t, err)
	assert.NotEqual(t, rvf.QualityDegraded, hits.Quality.Level)
	assert.Len(t, hits.IDs, 1)
	assert.Equal(t, uint64(1), store.Status().Defense.ChallengesIssued)
}
