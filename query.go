package rvf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/rvf/defense"
	"github.com/hupe1980/rvf/index"
	"github.com/hupe1980/rvf/internal/manifest"
	"github.com/hupe1980/rvf/internal/segment"
	"github.com/hupe1980/rvf/safetynet"
)

// QueryOptions tune a single query.
type QueryOptions struct {
	// Caller identifies the client for per-caller admission control.
	// Empty callers share one bucket.
	Caller string

	// NProbe overrides the store's base probe count. 0 uses the
	// store default. The adaptive layer may still widen it.
	NProbe int

	// Preference trades latency against assurance.
	Preference QualityPreference

	// PoW carries the answer to an outstanding proof of work
	// challenge, when the previous attempt returned
	// ErrProofOfWorkRequired.
	PoW *PoWSolution
}

// Query returns the k nearest vectors to query under the store
// metric, with default options.
func (s *Store) Query(ctx context.Context, query []float32, k int) (SearchResult, error) {
	return s.QueryWithOptions(ctx, query, k, QueryOptions{})
}

// QueryWithOptions returns the k nearest vectors to query. Results
// carry a quality envelope describing how they were produced. A
// budget-limited caller is served a reduced-effort result labeled
// QualityDegraded rather than refused outright; proof of work
// escalation is the only admission error a well-formed query can see.
func (s *Store) QueryWithOptions(ctx context.Context, query []float32, k int, qo QueryOptions) (SearchResult, error) {
	if err := s.checkOpen(); err != nil {
		return SearchResult{}, err
	}
	if k <= 0 {
		return SearchResult{}, ErrInvalidK
	}
	start := time.Now()

	res, err := s.query(ctx, query, k, qo)

	s.metrics.RecordQuery(k, time.Since(start), res.Quality.FallbackPath, err)
	s.logger.LogQuery(ctx, k, len(res.IDs), res.Quality.NProbe, res.Quality.FallbackPath, err)
	return res, err
}

func (s *Store) query(ctx context.Context, query []float32, k int, qo QueryOptions) (SearchResult, error) {
	degraded := false
	degradeReason := ""
	if err := s.defense.Admit(qo.Caller, k, qo.PoW); err != nil {
		if !errors.Is(err, ErrBudgetExceeded) {
			return SearchResult{}, err
		}
		degraded = true
		degradeReason = "query budget exceeded"
	}

	snap := s.engine.Snapshot()
	snap.Acquire()
	defer snap.Release()

	m := snap.Manifest
	if len(query) != m.Dim {
		return SearchResult{}, &ErrDimensionMismatch{Expected: m.Dim, Actual: len(query)}
	}

	quality := ResponseQuality{Level: QualityBestEffort}
	if degraded {
		quality.Level = QualityDegraded
		quality.DegradationReason = degradeReason
	}

	if len(m.VectorBlocks()) == 0 {
		return SearchResult{Quality: quality}, nil
	}

	sig := s.defense.Signer.Signature(query, k)
	if s.defense.Cache.CheckEmpty(sig, m.Generation) {
		quality.FromCache = true
		return SearchResult{Quality: quality}, nil
	}

	vb := m.VectorBlocks()
	src := index.Source{
		Reader:    snap.Reader(),
		Metric:    m.Metric,
		Blocks:    make([]index.Block, len(vb)),
		IsDeleted: snap.IsDeleted,
	}
	for i, b := range vb {
		src.Blocks[i] = index.Block{Offset: b.Offset, Centroid: b.Centroid}
	}
	searcher, err := s.searcher(src)
	if err != nil {
		return SearchResult{}, err
	}

	var dists []float32
	if cd, ok := searcher.(interface{ CentroidDistances([]float32) []float32 }); ok {
		dists = cd.CentroidDistances(query)
	}
	cv := s.defense.ObserveCentroidDistances(dists)
	quality.CentroidCV = cv

	nprobe := s.effectiveNProbe(qo, cv, degraded)
	quality.NProbe = nprobe

	cands, err := searcher.Search(ctx, query, k, nprobe)
	if err != nil {
		return SearchResult{}, err
	}

	// Recall proxy: a probe-limited scan that could not even fill k
	// slots is suspect, as is any result under a degenerate centroid
	// distribution.
	recall := 1.0
	if len(cands) < k {
		recall = float64(len(cands)) / float64(k)
	}
	degenerate := defense.IsDegenerateDistribution(cv)

	sc, canRescan := searcher.(safetynet.Scanner)
	if !degraded && canRescan && (qo.Preference == QualityHighAssurance || s.net.ShouldActivate(recall, degenerate)) {
		merged, exhaustive, rerr := s.net.Rescan(ctx, sc, query, k, cands)
		if rerr != nil {
			return SearchResult{}, rerr
		}
		cands = merged
		quality.FallbackPath = true
		if exhaustive {
			quality.Level = QualityExhaustive
		} else {
			quality.Level = QualityVerified
		}
	}

	if len(cands) == 0 {
		s.defense.Cache.RecordEmpty(sig, m.Generation)
	}

	out := SearchResult{
		IDs:     make([]uint64, len(cands)),
		Scores:  make([]float32, len(cands)),
		Quality: quality,
	}
	for i, c := range cands {
		out.IDs[i] = c.ID
		out.Scores[i] = c.Score
	}
	md, err := loadMetadata(snap.Reader(), m, out.IDs)
	if err != nil {
		return SearchResult{}, err
	}
	out.Metadata = md
	return out, nil
}

// loadMetadata resolves stored metadata for the hit IDs from the
// snapshot's meta segments. Returns nil when no hit has any.
func loadMetadata(r io.ReaderAt, m *manifest.Manifest, ids []uint64) ([]Metadata, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	need := make(map[uint64]int, len(ids))
	var lo, hi uint64
	for i, id := range ids {
		need[id] = i
		if i == 0 || id < lo {
			lo = id
		}
		if id > hi {
			hi = id
		}
	}

	var out []Metadata
	for _, seg := range m.Segments {
		if seg.Type != segment.TypeMeta || seg.MaxID < lo || seg.MinID > hi {
			continue
		}
		_, payload, err := segment.Read(r, seg.Offset)
		if err != nil {
			return nil, fmt.Errorf("read meta segment %d: %w", seg.ID, err)
		}
		sids, rows, err := segment.DecodeMetaBlock(payload)
		if err != nil {
			return nil, fmt.Errorf("meta segment %d: %w", seg.ID, err)
		}
		for i, sid := range sids {
			pos, ok := need[sid]
			if !ok || len(rows[i]) == 0 {
				continue
			}
			if out == nil {
				out = make([]Metadata, len(ids))
			}
			out[pos] = Metadata(rows[i])
		}
	}
	return out, nil
}

// effectiveNProbe picks the probe count for one query. Budget-limited
// queries run at the floor; QualityFast skips the adaptive widening.
func (s *Store) effectiveNProbe(qo QueryOptions, cv float64, degraded bool) int {
	base := s.opts.baseNProbe
	if qo.NProbe > 0 {
		base = qo.NProbe
	}
	if degraded {
		floor := s.opts.defense.MinNProbe
		if floor <= 0 {
			floor = 1
		}
		return floor
	}
	if qo.Preference == QualityFast {
		return base
	}
	return s.defense.EffectiveNProbe(base, cv)
}
