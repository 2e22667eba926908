package rvf

import (
	"github.com/hupe1980/rvf/defense"
)

// IngestResult reports what an ingest committed.
type IngestResult struct {
	// IDs are the assigned vector IDs, in input order.
	IDs []uint64

	// SegmentsWritten is the number of vector block segments created.
	SegmentsWritten int

	// BytesWritten counts the block bytes appended, before the
	// manifest and witness overhead.
	BytesWritten int64
}

// Metadata is the per-vector key/value payload attached at ingest and
// returned with query hits.
type Metadata map[string]string

// DeleteResult reports what a delete committed.
type DeleteResult struct {
	// TombstonesWritten is the number of vectors newly tombstoned.
	// IDs that were unknown or already deleted do not count.
	TombstonesWritten int
}

// CompactionResult reports one compaction or vacuum run.
type CompactionResult struct {
	BytesReclaimed  int64
	SegmentsRetired int
	SegmentsCreated int
}

// QualityPreference tells the store how to trade latency for
// assurance on a query.
type QualityPreference uint8

const (
	// QualityBalanced is the default adaptive behavior: probe breadth
	// widens with observed degeneracy and drift.
	QualityBalanced QualityPreference = iota

	// QualityFast prefers latency: base probes, no adaptive widening.
	QualityFast

	// QualityHighAssurance always verifies through the safety net.
	QualityHighAssurance
)

// QualityLevel labels how a query's results were produced.
type QualityLevel uint8

const (
	// QualityBestEffort is the plain probe-limited path.
	QualityBestEffort QualityLevel = iota

	// QualityVerified means the safety net confirmed or improved the
	// result with a bounded re-scan.
	QualityVerified

	// QualityExhaustive means every live row was scanned.
	QualityExhaustive

	// QualityDegraded means the store served reduced effort, e.g.
	// under budget pressure or with corrupt segments skipped.
	QualityDegraded
)

// String returns a string representation of the quality level.
func (q QualityLevel) String() string {
	switch q {
	case QualityBestEffort:
		return "best_effort"
	case QualityVerified:
		return "verified"
	case QualityExhaustive:
		return "exhaustive"
	case QualityDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ResponseQuality is the envelope annotating every query result.
type ResponseQuality struct {
	// Level labels the path the result came from.
	Level QualityLevel

	// DegradationReason explains a QualityDegraded level.
	DegradationReason string

	// FallbackPath reports whether the safety net ran.
	FallbackPath bool

	// FromCache reports whether the negative cache answered.
	FromCache bool

	// NProbe is the effective probe count the query ran with.
	NProbe int

	// CentroidCV is the degeneracy statistic observed for this query.
	CentroidCV float64
}

// SearchResult is one query's answer.
type SearchResult struct {
	// IDs and Scores are parallel, ordered best first. Scores are
	// distances under the store metric: lower is closer.
	IDs    []uint64
	Scores []float32

	// Metadata is parallel to IDs when at least one hit carries
	// stored metadata; nil when none does. Hits without metadata
	// have a nil entry.
	Metadata []Metadata

	Quality ResponseQuality
}

// StoreState labels the lifecycle state of a store handle.
type StoreState uint8

const (
	StateClosed StoreState = iota
	StateOpening
	StateOpen
	StateClosing
)

// String returns a string representation of the state.
func (s StoreState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// StoreStatus is the operational snapshot returned by Status.
type StoreStatus struct {
	State StoreState

	// Path is the store file location.
	Path string

	// WriterLock reports whether this handle holds the writer lock.
	WriterLock bool

	// ManifestGeneration is the current generation.
	ManifestGeneration uint64

	// SegmentCount is the number of live manifest-referenced segments.
	SegmentCount int

	// LiveRows and DeletedRows describe the logical dataset.
	LiveRows    uint64
	DeletedRows uint64

	// FileSize is the physical size of the store file in bytes.
	FileSize int64

	// BootVerified reports whether background payload verification
	// has finished.
	BootVerified bool

	// CorruptSegments lists segment IDs that failed verification.
	CorruptSegments []uint64

	// WitnessRecords is the length of the witness chain.
	WitnessRecords int

	// Defense holds the adversarial layer's counters.
	Defense defense.Stats

	// SafetyNetActivations and SafetyNetAudits count fallback runs.
	SafetyNetActivations uint64
	SafetyNetAudits      uint64
}
