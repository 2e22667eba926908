// Package index defines the search interfaces the store executes
// queries through. Scores are distances: lower is better for every
// supported metric.
package index

import (
	"context"
	"fmt"
	"io"
	"math"
)

// Candidate is one scored search result.
type Candidate struct {
	ID    uint64
	Score float32
}

// Searcher answers nearest-neighbor queries against one consistent
// snapshot. nprobe bounds how many segment blocks are scanned;
// implementations that do not probe may ignore it.
//
// A searcher may additionally implement
// CentroidDistances(query []float32) []float32 to feed the adaptive
// probe widening, and ScanAll to serve as the exhaustive fallback;
// the query path discovers both by type assertion.
type Searcher interface {
	Search(ctx context.Context, query []float32, k, nprobe int) ([]Candidate, error)
}

// Block locates one scannable vector block inside a store file.
type Block struct {
	// Offset of the segment header in the file.
	Offset int64

	// Centroid of the block's vectors; may be nil for blocks written
	// without one.
	Centroid []float32
}

// Source carries everything a factory needs to search one consistent
// snapshot.
type Source struct {
	Reader    io.ReaderAt
	Metric    string
	Blocks    []Block
	IsDeleted func(id uint64) bool
}

// Factory builds the searcher a query snapshot runs on.
type Factory func(src Source) (Searcher, error)

// DistanceFunc scores a query against a stored vector. Lower is
// closer.
type DistanceFunc func(a, b []float32) float32

// Distance returns the scoring function for a manifest metric tag.
func Distance(metric string) (DistanceFunc, error) {
	switch metric {
	case "l2", "":
		return SquaredL2, nil
	case "cos":
		return CosineDistance, nil
	case "dot":
		return NegDotProduct, nil
	default:
		return nil, fmt.Errorf("unknown metric %q", metric)
	}
}

// SquaredL2 returns the squared euclidean distance.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// CosineDistance returns 1 minus the cosine similarity.
func CosineDistance(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/float32(math.Sqrt(float64(na))*math.Sqrt(float64(nb)))
}

// NegDotProduct returns the negated inner product, so that larger
// products sort first under the lower-is-better convention.
func NegDotProduct(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return -dot
}
