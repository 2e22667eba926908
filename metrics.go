package rvf

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordIngest is called after each ingest operation.
	// count is the number of vectors, duration the total time taken,
	// err is nil if successful.
	RecordIngest(count int, duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(count int, duration time.Duration, err error)

	// RecordQuery is called after each query.
	// fallback reports whether the safety net ran.
	RecordQuery(k int, duration time.Duration, fallback bool, err error)

	// RecordCompaction is called after each compaction run.
	RecordCompaction(bytesReclaimed int64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordIngest(int, time.Duration, error)       {}
func (NoopMetricsCollector) RecordDelete(int, time.Duration, error)       {}
func (NoopMetricsCollector) RecordQuery(int, time.Duration, bool, error)  {}
func (NoopMetricsCollector) RecordCompaction(int64, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	IngestCount      atomic.Int64
	IngestVectors    atomic.Int64
	IngestErrors     atomic.Int64
	IngestTotalNanos atomic.Int64

	DeleteCount  atomic.Int64
	DeleteErrors atomic.Int64

	QueryCount      atomic.Int64
	QueryErrors     atomic.Int64
	QueryFallbacks  atomic.Int64
	QueryTotalNanos atomic.Int64

	CompactionCount atomic.Int64
	CompactionBytes atomic.Int64
}

// RecordIngest implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIngest(count int, duration time.Duration, err error) {
	b.IngestCount.Add(1)
	b.IngestVectors.Add(int64(count))
	b.IngestTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.IngestErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(count int, duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(k int, duration time.Duration, fallback bool, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if fallback {
		b.QueryFallbacks.Add(1)
	}
	if err != nil {
		b.QueryErrors.Add(1)
	}
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(bytesReclaimed int64, duration time.Duration, err error) {
	b.CompactionCount.Add(1)
	b.CompactionBytes.Add(bytesReclaimed)
}
