package rvf

import (
	"log/slog"

	"github.com/hupe1980/rvf/defense"
	"github.com/hupe1980/rvf/index"
	"github.com/hupe1980/rvf/index/flat"
	"github.com/hupe1980/rvf/internal/compact"
	"github.com/hupe1980/rvf/internal/segment"
	"github.com/hupe1980/rvf/resource"
	"github.com/hupe1980/rvf/safetynet"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector

	// create parameters, only consulted when the file does not exist
	create    bool
	dimension int
	metric    string

	compression  segment.Compression
	fsync        bool
	witness      bool
	maxBlockRows int
	readOnly     bool

	baseNProbe int
	searcher   index.Factory

	defense   defense.Config
	safetyNet safetynet.Policy
	compact   compact.Config
	resources resource.Config
}

func defaultOptions() *options {
	return &options{
		logger:           NoopLogger(),
		metricsCollector: &NoopMetricsCollector{},
		metric:           "l2",
		compression:      segment.CompressionZstd,
		fsync:            true,
		witness:          true,
		maxBlockRows:     4096,
		baseNProbe:       8,
		searcher:         flat.Open,
		defense:          defense.DefaultConfig(),
		safetyNet:        safetynet.DefaultPolicy(),
		compact:          compact.DefaultConfig(),
	}
}

// Option configures Open behavior.
type Option func(*options)

// WithLogger sets the structured logger used for operational events.
//
// If nil is passed, logging is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithLogLevel enables text logging to stderr at the given level.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector sets the metrics sink for operation counters
// and latencies.
//
// If nil is passed, metrics are disabled.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = &NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithCreate allows Open to create the store file when it does not
// exist, with the given vector dimension and distance metric.
//
// Supported metrics are "l2", "cos" and "dot". An empty metric
// defaults to "l2". Opening an existing file ignores these values;
// dimension and metric are immutable after creation.
func WithCreate(dimension int, metric string) Option {
	return func(o *options) {
		o.create = true
		o.dimension = dimension
		if metric == "" {
			metric = "l2"
		}
		o.metric = metric
	}
}

// WithCompression selects the block compression codec for newly
// written segments. Existing segments keep whatever codec they were
// written with.
func WithCompression(c segment.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithoutFsync disables fsync on commit.
//
// Commits still order writes correctly, but a power loss can roll the
// store back to an earlier committed state. Intended for bulk loads
// and tests.
func WithoutFsync() Option {
	return func(o *options) {
		o.fsync = false
	}
}

// WithoutWitness disables the hash-linked witness chain. Mutations
// commit without audit records and VerifyWitnessChain becomes a no-op.
func WithoutWitness() Option {
	return func(o *options) {
		o.witness = false
	}
}

// WithMaxBlockRows caps how many vectors a single block segment holds.
// Larger blocks compress better; smaller blocks give finer probe
// granularity.
func WithMaxBlockRows(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBlockRows = n
		}
	}
}

// WithReadOnly opens the store for queries only. Mutating operations
// fail with ErrReadOnly and no writer lock is taken.
func WithReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

// WithBaseNProbe sets the baseline number of blocks a query probes
// before the adaptive layer widens it.
func WithBaseNProbe(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.baseNProbe = n
		}
	}
}

// WithSearcherFactory replaces the per-snapshot searcher queries run
// on. The default is the flat block searcher. A custom searcher that
// also implements CentroidDistances and ScanAll keeps the adaptive
// widening and the exhaustive fallback; without them those layers
// stand down.
func WithSearcherFactory(f index.Factory) Option {
	return func(o *options) {
		if f != nil {
			o.searcher = f
		}
	}
}

// WithDefense replaces the adversarial defense configuration.
func WithDefense(cfg defense.Config) Option {
	return func(o *options) {
		o.defense = cfg
	}
}

// WithSafetyNet replaces the safety net policy.
func WithSafetyNet(p safetynet.Policy) Option {
	return func(o *options) {
		o.safetyNet = p
	}
}

// CompactionPolicy tunes when blocks are rewritten.
type CompactionPolicy struct {
	// MinLiveRatio marks a block for rewriting when its live/total
	// row ratio falls below this value. Default: 0.5.
	MinLiveRatio float64

	// TombstoneThreshold marks a block once this many of its rows are
	// dead, regardless of ratio. 0 disables the absolute trigger.
	TombstoneThreshold uint32

	// MaxRetries bounds how often a run is replanned after losing the
	// commit race against a concurrent mutation. Default: 3.
	MaxRetries int
}

// WithCompaction replaces the compaction policy.
func WithCompaction(p CompactionPolicy) Option {
	return func(o *options) {
		if p.MinLiveRatio == 0 {
			p.MinLiveRatio = 0.5
		}
		o.compact = compact.Config{
			Policy: compact.Policy{
				MinLiveRatio:       p.MinLiveRatio,
				TombstoneThreshold: p.TombstoneThreshold,
			},
			MaxRetries: p.MaxRetries,
		}
	}
}

// WithResourceLimits bounds memory, background workers and IO
// bandwidth for maintenance work.
func WithResourceLimits(cfg resource.Config) Option {
	return func(o *options) {
		o.resources = cfg
	}
}
