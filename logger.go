package rvf

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with store-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{Logger: slog.New(handler)}
}

// WithPath adds the store file path to the logger.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{Logger: l.Logger.With("path", path)}
}

// WithGeneration adds a manifest generation field to the logger.
func (l *Logger) WithGeneration(gen uint64) *Logger {
	return &Logger{Logger: l.Logger.With("generation", gen)}
}

// LogIngest logs an ingest operation.
func (l *Logger) LogIngest(ctx context.Context, count, segments int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "ingest failed",
			"count", count,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "ingest committed",
			"count", count,
			"segments", segments,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, requested, tombstoned int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"requested", requested,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete committed",
			"requested", requested,
			"tombstoned", tombstoned,
		)
	}
}

// LogQuery logs a query.
func (l *Logger) LogQuery(ctx context.Context, k, results, nprobe int, fallback bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "query completed",
			"k", k,
			"results", results,
			"nprobe", nprobe,
			"safety_net", fallback,
		)
	}
}

// LogCompaction logs a compaction run.
func (l *Logger) LogCompaction(ctx context.Context, res CompactionResult, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"error", err,
		)
	} else if res.SegmentsRetired > 0 || res.BytesReclaimed > 0 {
		l.InfoContext(ctx, "compaction completed",
			"bytes_reclaimed", res.BytesReclaimed,
			"segments_retired", res.SegmentsRetired,
			"segments_created", res.SegmentsCreated,
		)
	}
}

// LogRecovery logs a manifest recovery on reopen.
func (l *Logger) LogRecovery(ctx context.Context, generation uint64, offset int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "manifest recovery failed",
			"error", err,
		)
	} else {
		l.WarnContext(ctx, "recovered from log scan after torn root pointer",
			"generation", generation,
			"manifest_offset", offset,
		)
	}
}

// LogArchive logs a snapshot archive export.
func (l *Logger) LogArchive(ctx context.Context, key string, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "archive failed",
			"key", key,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot archived",
			"key", key,
			"bytes", bytes,
		)
	}
}
