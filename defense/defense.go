// Package defense gates and adapts query execution against probing,
// denial of service, and distribution-skewing attacks. It consumes
// query signatures and result statistics only; it has no write access
// to storage and never blocks a legitimate query indefinitely.
package defense

import (
	"math"
	"sync"
)

// Config configures the defense layer.
type Config struct {
	Budget        BudgetConfig
	NegativeCache NegativeCacheConfig

	// PoWDifficulty is the leading-zero-bit requirement for proof of
	// work challenges. 0 uses the issuer default.
	PoWDifficulty uint8

	// PoWTriggerRejections is how many budget rejections a caller
	// accumulates before expensive queries require a proof of work.
	// Default: 16.
	PoWTriggerRejections uint64

	// MinNProbe and MaxNProbe bound the effective probe count.
	// MaxNProbe 0 means unbounded.
	MinNProbe int
	MaxNProbe int
}

// DefaultConfig returns the default defense configuration.
func DefaultConfig() Config {
	return Config{
		Budget:               DefaultBudgetConfig(),
		NegativeCache:        DefaultNegativeCacheConfig(),
		PoWTriggerRejections: 16,
		MinNProbe:            1,
	}
}

// Solution is a caller's answer to an outstanding challenge.
type Solution struct {
	Challenge [16]byte
	Nonce     uint64
}

// Layer composes the admission and adaptation mechanisms. All methods
// are safe for concurrent use.
type Layer struct {
	cfg     Config
	Buckets *BudgetTokenBucket
	Cache   *NegativeCache
	Signer  *Signer
	pow     *ProofOfWork

	mu         sync.Mutex
	challenges map[string][16]byte // outstanding, per caller

	statsMu          sync.Mutex
	lastCV           float64
	drift            float64
	degenerateCount  uint64
	challengesIssued uint64
}

// NewLayer creates a defense layer.
func NewLayer(cfg Config) *Layer {
	if cfg.PoWTriggerRejections == 0 {
		cfg.PoWTriggerRejections = 16
	}
	return &Layer{
		cfg:        cfg,
		Buckets:    NewBudgetTokenBucket(cfg.Budget),
		Cache:      NewNegativeCache(cfg.NegativeCache),
		Signer:     NewSigner(),
		pow:        NewProofOfWork(cfg.PoWDifficulty),
		challenges: make(map[string][16]byte),
	}
}

// Admit runs admission control for one query. sol carries the caller's
// answer to an outstanding challenge, if any. Possible errors:
// ErrBudgetExceeded, *ErrProofOfWorkRequired, ErrProofOfWorkInvalid.
func (l *Layer) Admit(caller string, cost int, sol *Solution) error {
	if l == nil {
		return nil
	}

	if err := l.settleChallenge(caller, sol); err != nil {
		return err
	}

	if !l.Buckets.Allow(caller, cost) {
		return ErrBudgetExceeded
	}

	if l.Buckets.Rejections(caller) >= l.cfg.PoWTriggerRejections {
		return l.issueChallenge(caller)
	}
	return nil
}

// settleChallenge verifies a presented solution against the caller's
// outstanding challenge and clears the caller's pressure on success.
func (l *Layer) settleChallenge(caller string, sol *Solution) error {
	l.mu.Lock()
	challenge, pending := l.challenges[caller]
	l.mu.Unlock()
	if !pending {
		return nil
	}
	if sol == nil {
		return &ErrProofOfWorkRequired{Challenge: challenge, Difficulty: l.pow.Difficulty}
	}
	if sol.Challenge != challenge || !l.pow.Verify(challenge, sol.Nonce) {
		return ErrProofOfWorkInvalid
	}

	l.mu.Lock()
	delete(l.challenges, caller)
	l.mu.Unlock()
	l.Buckets.ForgiveRejections(caller)
	return nil
}

func (l *Layer) issueChallenge(caller string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	challenge, ok := l.challenges[caller]
	if !ok {
		var err error
		challenge, err = l.pow.Challenge()
		if err != nil {
			// Entropy failure; fall back to plain budget rejection.
			return ErrBudgetExceeded
		}
		l.challenges[caller] = challenge

		l.statsMu.Lock()
		l.challengesIssued++
		l.statsMu.Unlock()
	}
	return &ErrProofOfWorkRequired{Challenge: challenge, Difficulty: l.pow.Difficulty}
}

// ObserveCentroidDistances folds one query's centroid distances into
// the degeneracy statistics and returns the query's CV.
func (l *Layer) ObserveCentroidDistances(dists []float32) float64 {
	cv := CentroidDistanceCV(dists)

	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	l.lastCV = cv
	if IsDegenerateDistribution(cv) {
		l.degenerateCount++
	}
	return cv
}

// ObserveDrift records the relative centroid drift reported by the
// compactor's statistics, clamped to [0,1].
func (l *Layer) ObserveDrift(drift float64) {
	drift = math.Max(0, math.Min(1, drift))
	l.statsMu.Lock()
	l.drift = drift
	l.statsMu.Unlock()
}

// EffectiveNProbe produces the probe count for one query, widened for
// the given CV and the recorded drift, within the configured bounds.
func (l *Layer) EffectiveNProbe(base int, cv float64) int {
	l.statsMu.Lock()
	drift := l.drift
	l.statsMu.Unlock()
	return CombinedEffectiveNProbe(base, l.cfg.MinNProbe, l.cfg.MaxNProbe, cv, drift)
}

// Stats snapshots the layer's counters.
func (l *Layer) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return Stats{
		LastCV:            l.lastCV,
		Drift:             l.drift,
		DegenerateQueries: l.degenerateCount,
		ChallengesIssued:  l.challengesIssued,
		TrackedCallers:    l.Buckets.Size(),
		NegativeCache:     l.Cache.Stats(),
	}
}

// Stats contains defense layer counters.
type Stats struct {
	LastCV            float64
	Drift             float64
	DegenerateQueries uint64
	ChallengesIssued  uint64
	TrackedCallers    int
	NegativeCache     NegativeCacheStats
}
