package safetynet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/rvf/index"
	"github.com/hupe1980/rvf/resource"
)

type stubScanner struct {
	cands      []index.Candidate
	exhaustive bool
}

func (s *stubScanner) ScanAll(ctx context.Context, query []float32, k, maxRows int) ([]index.Candidate, bool, error) {
	return s.cands, s.exhaustive, nil
}

func TestShouldActivate(t *testing.T) {
	n := New(Policy{MinQuality: 0.5, SamplingRate: 0}, 1, nil)

	assert.True(t, n.ShouldActivate(0.2, false), "low quality activates")
	assert.True(t, n.ShouldActivate(0.9, true), "degeneracy activates")
	assert.False(t, n.ShouldActivate(0.9, false), "healthy query passes")
}

func TestShouldActivateSampling(t *testing.T) {
	n := New(Policy{MinQuality: 0.1, SamplingRate: 1.0}, 1, nil)
	assert.True(t, n.ShouldActivate(0.9, false), "full sampling audits every query")

	_, audits := n.Stats()
	assert.Equal(t, uint64(1), audits)
}

func TestRescanSupersedesPrimary(t *testing.T) {
	n := New(DefaultPolicy(), 1, nil)
	sc := &stubScanner{
		cands: []index.Candidate{
			{ID: 3, Score: 0.1},
			{ID: 1, Score: 0.5}, // worse than the primary's score for 1
		},
		exhaustive: true,
	}
	primary := []index.Candidate{
		{ID: 1, Score: 0.2},
		{ID: 2, Score: 0.9},
	}

	merged, exhaustive, err := n.Rescan(context.Background(), sc, []float32{0}, 3, primary)
	require.NoError(t, err)
	assert.True(t, exhaustive)
	require.Len(t, merged, 3)

	// The re-scan's better candidate leads; the primary's candidates
	// survive with their best scores.
	assert.Equal(t, index.Candidate{ID: 3, Score: 0.1}, merged[0])
	assert.Equal(t, index.Candidate{ID: 1, Score: 0.2}, merged[1])
	assert.Equal(t, index.Candidate{ID: 2, Score: 0.9}, merged[2])

	activations, _ := n.Stats()
	assert.Equal(t, uint64(1), activations)
}

type meteredScanner struct {
	ctl    *resource.Controller
	during int64
}

func (s *meteredScanner) ScanAll(ctx context.Context, query []float32, k, maxRows int) ([]index.Candidate, bool, error) {
	s.during = s.ctl.MemoryUsage()
	return nil, true, nil
}

func TestRescanChargesMemoryBudget(t *testing.T) {
	ctl := resource.NewController(resource.Config{})
	n := New(Policy{MinQuality: 0.5, MaxCandidates: 64}, 1, ctl)
	sc := &meteredScanner{ctl: ctl}

	_, _, err := n.Rescan(context.Background(), sc, []float32{0}, 3, nil)
	require.NoError(t, err)

	// The candidate buffer reservation is held across the scan and
	// returned afterwards.
	assert.Equal(t, int64(64*16), sc.during)
	assert.Zero(t, ctl.MemoryUsage())
}

func TestRescanStandsDownUnderMemoryPressure(t *testing.T) {
	ctl := resource.NewController(resource.Config{MemoryLimitBytes: 128})
	require.True(t, ctl.TryAcquireMemory(128))
	defer ctl.ReleaseMemory(128)

	n := New(Policy{MinQuality: 0.5, MaxCandidates: 64}, 1, ctl)
	sc := &stubScanner{cands: []index.Candidate{{ID: 9, Score: 0.01}}, exhaustive: true}
	primary := []index.Candidate{{ID: 1, Score: 0.2}}

	merged, exhaustive, err := n.Rescan(context.Background(), sc, []float32{0}, 3, primary)
	require.NoError(t, err)

	// No budget, no scan: the primary answer survives untouched.
	assert.False(t, exhaustive)
	require.Len(t, merged, 1)
	assert.Equal(t, uint64(1), merged[0].ID)
}

func TestMergeTruncatesToK(t *testing.T) {
	a := []index.Candidate{{ID: 1, Score: 0.3}, {ID: 2, Score: 0.1}}
	b := []index.Candidate{{ID: 3, Score: 0.2}}

	out := Merge(a, b, 2)
	require.Len(t, out, 2)
	assert.Equal(t, uint64(2), out[0].ID)
	assert.Equal(t, uint64(3), out[1].ID)
}
