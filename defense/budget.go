package defense

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrBudgetExceeded signals that a caller's query budget is exhausted.
// It is a degradation signal, not a hard refusal; the orchestrator may
// still serve a cached or reduced-effort result.
var ErrBudgetExceeded = errors.New("query budget exceeded")

// BudgetConfig configures per-caller admission control.
type BudgetConfig struct {
	// QueriesPerSecond is the sustained query rate per caller.
	// Default: 100.
	QueriesPerSecond float64

	// Burst is the bucket capacity per caller. Default: 200.
	Burst int

	// Decay removes a caller's bucket after this idle duration, so
	// one-off callers do not accumulate state. Default: 10 minutes.
	Decay time.Duration
}

// DefaultBudgetConfig returns the default admission limits.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		QueriesPerSecond: 100,
		Burst:            200,
		Decay:            10 * time.Minute,
	}
}

// BudgetTokenBucket tracks one token bucket per caller. Buckets are
// created lazily on first observation, decayed when idle, and never
// persisted across restarts.
type BudgetTokenBucket struct {
	mu      sync.Mutex
	buckets map[string]*callerBucket
	cfg     BudgetConfig

	lastSweep time.Time
}

type callerBucket struct {
	limiter    *rate.Limiter
	lastSeen   time.Time
	rejections uint64
}

// NewBudgetTokenBucket creates per-caller admission state.
func NewBudgetTokenBucket(cfg BudgetConfig) *BudgetTokenBucket {
	if cfg.QueriesPerSecond <= 0 {
		cfg.QueriesPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 200
	}
	if cfg.Decay <= 0 {
		cfg.Decay = 10 * time.Minute
	}
	return &BudgetTokenBucket{
		buckets:   make(map[string]*callerBucket),
		cfg:       cfg,
		lastSweep: time.Now(),
	}
}

// Allow charges cost tokens against the caller's bucket. cost scales
// with query expense (a wide safety-net query costs more than a cheap
// lookup). Returns false when the budget is exhausted.
func (b *BudgetTokenBucket) Allow(caller string, cost int) bool {
	if cost <= 0 {
		cost = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.sweepLocked(now)

	cb, ok := b.buckets[caller]
	if !ok {
		cb = &callerBucket{
			limiter: rate.NewLimiter(rate.Limit(b.cfg.QueriesPerSecond), b.cfg.Burst),
		}
		b.buckets[caller] = cb
	}
	cb.lastSeen = now

	if !cb.limiter.AllowN(now, cost) {
		cb.rejections++
		return false
	}
	return true
}

// Rejections returns how many admissions the caller has had refused
// since its bucket was created. The count resets when the bucket
// decays.
func (b *BudgetTokenBucket) Rejections(caller string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.buckets[caller]; ok {
		return cb.rejections
	}
	return 0
}

// ForgiveRejections clears the caller's rejection count, typically
// after it presented a valid proof of work.
func (b *BudgetTokenBucket) ForgiveRejections(caller string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.buckets[caller]; ok {
		cb.rejections = 0
	}
}

// Size returns the number of tracked callers.
func (b *BudgetTokenBucket) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

// sweepLocked drops buckets idle past the decay window. Runs at most
// once per decay interval. Must hold mu.
func (b *BudgetTokenBucket) sweepLocked(now time.Time) {
	if now.Sub(b.lastSweep) < b.cfg.Decay {
		return
	}
	b.lastSweep = now
	for caller, cb := range b.buckets {
		if now.Sub(cb.lastSeen) > b.cfg.Decay {
			delete(b.buckets, caller)
		}
	}
}
