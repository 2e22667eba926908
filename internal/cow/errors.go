package cow

import (
	"errors"
	"fmt"
)

// ErrStaleGeneration is returned when a compaction commit loses the
// race against an interleaved mutation. The compactor simply retries
// against the new snapshot; its written segments are harmless orphans.
var ErrStaleGeneration = errors.New("snapshot generation is stale")

// ErrClosed is returned for mutations against a closed engine.
var ErrClosed = errors.New("store is closed")

// ErrDimensionMismatch indicates a vector/store dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}
