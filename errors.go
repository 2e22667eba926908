package rvf

import (
	"errors"
	"fmt"

	"github.com/hupe1980/rvf/defense"
	"github.com/hupe1980/rvf/internal/cow"
	"github.com/hupe1980/rvf/internal/fs"
	"github.com/hupe1980/rvf/internal/manifest"
	"github.com/hupe1980/rvf/internal/segment"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = cow.ErrClosed

	// ErrLocked is returned when another process holds the store's
	// writer lock.
	ErrLocked = fs.ErrLocked

	// ErrStoreNotFound is returned when Open targets a missing file
	// and no dimension was configured for creation.
	ErrStoreNotFound = errors.New("store file does not exist")

	// ErrReadOnly is returned for mutations on a read-only handle.
	ErrReadOnly = errors.New("store opened read-only")

	// ErrCorruptSegment is surfaced when a segment fails checksum or
	// structural validation.
	ErrCorruptSegment = segment.ErrCorruptSegment

	// ErrTornManifest indicates the root pointer did not resolve to a
	// valid manifest; reopening falls back to a log scan.
	ErrTornManifest = manifest.ErrTornManifest

	// ErrBudgetExceeded signals that per-caller admission control
	// refused full effort for a query.
	ErrBudgetExceeded = defense.ErrBudgetExceeded

	// ErrProofOfWorkInvalid is returned for a wrong challenge answer.
	ErrProofOfWorkInvalid = defense.ErrProofOfWorkInvalid
)

// ErrProofOfWorkRequired asks the caller to solve the carried
// challenge before further queries are admitted.
type ErrProofOfWorkRequired = defense.ErrProofOfWorkRequired

// PoWSolution is a caller's answer to a proof of work challenge,
// attached to the retried query.
type PoWSolution = defense.Solution

// ErrDimensionMismatch indicates a vector/store dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// translateError normalizes internal errors into the public surface.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dm *cow.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}
	return err
}
