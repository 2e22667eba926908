// Package flat implements a brute-force block searcher: blocks are
// ranked by query-to-centroid distance and the nearest nprobe blocks
// are scanned exactly. It is the default search path; every scanned
// block verifies its checksum, so a corrupt block degrades recall
// instead of corrupting results.
package flat

import (
	"context"
	"io"
	"sort"

	"github.com/hupe1980/rvf/index"
	"github.com/hupe1980/rvf/internal/manifest"
	"github.com/hupe1980/rvf/internal/segment"
)

// Searcher scans vector block segments of one snapshot.
type Searcher struct {
	r         io.ReaderAt
	blocks    []index.Block
	dist      index.DistanceFunc
	isDeleted func(id uint64) bool
}

// New creates a searcher over the manifest's vector blocks. isDeleted
// filters tombstoned rows; nil means nothing is deleted.
func New(r io.ReaderAt, m *manifest.Manifest, isDeleted func(id uint64) bool) (*Searcher, error) {
	vb := m.VectorBlocks()
	blocks := make([]index.Block, len(vb))
	for i, b := range vb {
		blocks[i] = index.Block{Offset: b.Offset, Centroid: b.Centroid}
	}
	return newSearcher(r, m.Metric, blocks, isDeleted)
}

// Open builds a flat searcher from a snapshot source. It is the
// store's default index.Factory.
func Open(src index.Source) (index.Searcher, error) {
	return newSearcher(src.Reader, src.Metric, src.Blocks, src.IsDeleted)
}

func newSearcher(r io.ReaderAt, metric string, blocks []index.Block, isDeleted func(id uint64) bool) (*Searcher, error) {
	dist, err := index.Distance(metric)
	if err != nil {
		return nil, err
	}
	if isDeleted == nil {
		isDeleted = func(uint64) bool { return false }
	}
	return &Searcher{
		r:         r,
		blocks:    blocks,
		dist:      dist,
		isDeleted: isDeleted,
	}, nil
}

// CentroidDistances returns the query's distance to every block
// centroid, in block order. The defense layer folds these into its
// degeneracy statistic.
func (s *Searcher) CentroidDistances(query []float32) []float32 {
	out := make([]float32, 0, len(s.blocks))
	for _, b := range s.blocks {
		if len(b.Centroid) != len(query) {
			continue
		}
		out = append(out, s.dist(query, b.Centroid))
	}
	return out
}

// Search scans the nprobe blocks whose centroids are nearest to the
// query and returns up to k candidates ordered by ascending score.
// Blocks that fail checksum verification are skipped.
func (s *Searcher) Search(ctx context.Context, query []float32, k, nprobe int) ([]index.Candidate, error) {
	if k <= 0 || len(s.blocks) == 0 {
		return nil, nil
	}
	if nprobe <= 0 || nprobe > len(s.blocks) {
		nprobe = len(s.blocks)
	}

	ranked := make([]index.Block, len(s.blocks))
	copy(ranked, s.blocks)
	sort.Slice(ranked, func(i, j int) bool {
		return s.centroidDist(query, ranked[i]) < s.centroidDist(query, ranked[j])
	})

	cands, _, err := s.scan(ctx, ranked[:nprobe], query, k, 0)
	return cands, err
}

// ScanAll scans every block, visiting at most maxRows rows, and
// reports whether the scan was exhaustive. maxRows 0 means unbounded.
func (s *Searcher) ScanAll(ctx context.Context, query []float32, k, maxRows int) ([]index.Candidate, bool, error) {
	return s.scan(ctx, s.blocks, query, k, maxRows)
}

func (s *Searcher) centroidDist(query []float32, b index.Block) float32 {
	if len(b.Centroid) != len(query) {
		return float32(1<<31 - 1)
	}
	return s.dist(query, b.Centroid)
}

func (s *Searcher) scan(ctx context.Context, blocks []index.Block, query []float32, k, maxRows int) ([]index.Candidate, bool, error) {
	var cands []index.Candidate
	rows := 0
	exhaustive := true

	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		if maxRows > 0 && rows >= maxRows {
			exhaustive = false
			break
		}

		_, payload, err := segment.Read(s.r, b.Offset)
		if err != nil {
			// Corrupt or unreadable block. Skip it; the safety net
			// and status surface pick the degradation up.
			exhaustive = false
			continue
		}
		ids, vecs, dim, err := segment.DecodeVectorBlock(payload)
		if err != nil || dim != len(query) {
			exhaustive = false
			continue
		}

		for i, id := range ids {
			if maxRows > 0 && rows >= maxRows {
				exhaustive = false
				break
			}
			rows++
			if s.isDeleted(id) {
				continue
			}
			cands = append(cands, index.Candidate{
				ID:    id,
				Score: s.dist(query, vecs[i*dim:(i+1)*dim]),
			})
		}
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score < cands[j].Score
		}
		return cands[i].ID < cands[j].ID
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands, exhaustive, nil
}
