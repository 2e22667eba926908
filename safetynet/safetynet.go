// Package safetynet provides the exhaustive fallback path: when the
// primary probe-limited search is suspected of degraded quality, a
// bounded full re-scan verifies or replaces its answer. Activation
// trades latency for correctness and never returns a worse result
// than the primary path.
package safetynet

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"github.com/hupe1980/rvf/index"
	"github.com/hupe1980/rvf/resource"
)

// candidateBytes sizes one index.Candidate for memory accounting.
const candidateBytes = 16

// Scanner is the exhaustive scan capability the net runs on.
type Scanner interface {
	ScanAll(ctx context.Context, query []float32, k, maxRows int) ([]index.Candidate, bool, error)
}

// Policy decides when the net activates.
type Policy struct {
	// MinQuality is the quality floor in [0,1]; a primary result
	// scoring below it triggers a re-scan. Default: 0.5.
	MinQuality float64

	// SamplingRate re-scans this fraction of healthy queries for
	// passive quality auditing. Default: 0.01.
	SamplingRate float64

	// MaxCandidates caps how many rows one re-scan may visit, so a
	// pathological trigger cannot turn every query into a full scan.
	// 0 means unbounded.
	MaxCandidates int
}

// DefaultPolicy returns the default activation policy.
func DefaultPolicy() Policy {
	return Policy{
		MinQuality:    0.5,
		SamplingRate:  0.01,
		MaxCandidates: 100_000,
	}
}

// Net evaluates the activation policy and runs re-scans.
type Net struct {
	policy Policy
	ctl    *resource.Controller

	mu          sync.Mutex
	rnd         *rand.Rand
	activations uint64
	audits      uint64
}

// New creates a net with the given policy. seed fixes the audit
// sampling sequence; pass 0 for a time-derived seed in production.
// ctl charges the re-scan candidate buffer against the store's memory
// budget; nil means unlimited.
func New(policy Policy, seed int64, ctl *resource.Controller) *Net {
	if policy.MinQuality <= 0 {
		policy.MinQuality = 0.5
	}
	src := rand.NewSource(seed)
	return &Net{policy: policy, ctl: ctl, rnd: rand.New(src)}
}

// ShouldActivate decides whether the re-scan runs for one query.
// quality is the primary result's quality estimate in [0,1];
// degenerate is the defense layer's verdict on the query stream.
func (n *Net) ShouldActivate(quality float64, degenerate bool) bool {
	if degenerate || quality < n.policy.MinQuality {
		return true
	}
	if n.policy.SamplingRate <= 0 {
		return false
	}
	n.mu.Lock()
	sampled := n.rnd.Float64() < n.policy.SamplingRate
	if sampled {
		n.audits++
	}
	n.mu.Unlock()
	return sampled
}

// Rescan runs the bounded exhaustive scan and merges its candidates
// with the primary result. The merged answer strictly supersedes the
// primary one: every primary candidate is retained unless beaten.
// exhaustive reports whether the scan covered every live row.
func (n *Net) Rescan(ctx context.Context, sc Scanner, query []float32, k int, primary []index.Candidate) (merged []index.Candidate, exhaustive bool, err error) {
	n.mu.Lock()
	n.activations++
	n.mu.Unlock()

	if n.policy.MaxCandidates > 0 {
		reserve := int64(n.policy.MaxCandidates) * candidateBytes
		if !n.ctl.TryAcquireMemory(reserve) {
			// A foreground query never blocks on the memory budget;
			// under pressure the net stands down.
			return Merge(primary, nil, k), false, nil
		}
		defer n.ctl.ReleaseMemory(reserve)
	}

	rescan, exhaustive, err := sc.ScanAll(ctx, query, k, n.policy.MaxCandidates)
	if err != nil {
		return nil, false, err
	}
	return Merge(primary, rescan, k), exhaustive, nil
}

// Stats returns activation counters.
func (n *Net) Stats() (activations, audits uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.activations, n.audits
}

// Merge combines two candidate lists, keeping the best score per ID,
// and returns the top k by ascending score.
func Merge(a, b []index.Candidate, k int) []index.Candidate {
	best := make(map[uint64]float32, len(a)+len(b))
	for _, c := range a {
		if s, ok := best[c.ID]; !ok || c.Score < s {
			best[c.ID] = c.Score
		}
	}
	for _, c := range b {
		if s, ok := best[c.ID]; !ok || c.Score < s {
			best[c.ID] = c.Score
		}
	}

	out := make([]index.Candidate, 0, len(best))
	for id, score := range best {
		out = append(out, index.Candidate{ID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
