// Package compact implements the background compaction engine: it
// rewrites vector blocks whose dead-row share crossed the policy
// thresholds, consolidates tombstones, and retires the originals. The
// heavy work runs against an immutable snapshot without any lock; only
// the final manifest swap synchronizes with writers, in the same shape
// as an ordinary mutation.
package compact

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/rvf/internal/cow"
	"github.com/hupe1980/rvf/internal/manifest"
	"github.com/hupe1980/rvf/internal/segment"
	"github.com/hupe1980/rvf/resource"
)

// Result reports what one compaction run accomplished.
type Result struct {
	BytesReclaimed  int64
	SegmentsRetired int
	SegmentsCreated int
}

// Config configures a compactor.
type Config struct {
	Policy Policy

	// Compression applied to rewritten blocks.
	Compression segment.Compression

	// MaxRetries bounds how often a run is replanned after losing the
	// commit race against a concurrent mutation. Default: 3.
	MaxRetries int
}

// DefaultConfig returns the default compaction configuration.
func DefaultConfig() Config {
	return Config{
		Policy:      DefaultPolicy(),
		Compression: segment.CompressionZstd,
		MaxRetries:  3,
	}
}

// Compactor rewrites sparse blocks of one store. Runs are idempotent:
// an interrupted run leaves only orphaned segments behind, and the
// next run simply redoes the work against the then-current manifest.
type Compactor struct {
	engine *cow.Engine
	ctl    *resource.Controller
	cfg    Config
}

// New creates a compactor. ctl may be nil for unthrottled operation.
func New(engine *cow.Engine, ctl *resource.Controller, cfg Config) *Compactor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	return &Compactor{engine: engine, ctl: ctl, cfg: cfg}
}

// Run executes one compaction cycle, replanning when a mutation wins
// the commit race.
func (c *Compactor) Run(ctx context.Context) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		res, err := c.runOnce(ctx)
		if errors.Is(err, cow.ErrStaleGeneration) {
			lastErr = err
			continue
		}
		return res, err
	}
	return Result{}, fmt.Errorf("compaction kept losing the commit race: %w", lastErr)
}

func (c *Compactor) runOnce(ctx context.Context) (Result, error) {
	if err := c.ctl.AcquireBackground(ctx); err != nil {
		return Result{}, err
	}
	defer c.ctl.ReleaseBackground()

	snap := c.engine.Snapshot()
	snap.Acquire()
	defer snap.Release()

	gen := snap.Manifest.Generation
	blocks, tombs := c.cfg.Policy.Plan(snap.Manifest)
	if len(blocks) == 0 {
		return Result{}, nil
	}

	// Live-row collection buffers roughly the candidate blocks' payloads
	// in memory, so reserve that much before reading.
	var reserve int64
	for _, b := range blocks {
		reserve += b.Length
	}
	if err := c.ctl.AcquireMemory(ctx, reserve); err != nil {
		return Result{}, err
	}
	defer c.ctl.ReleaseMemory(reserve)

	liveIDs, liveVecs, droppedDead, err := c.collectLive(ctx, snap, blocks)
	if err != nil {
		return Result{}, err
	}

	newDeleted := snap.Deleted.Clone()
	newDeleted.AndNot(droppedDead)

	dim := snap.Manifest.Dim
	outBlocks := c.splitRows(liveIDs, liveVecs, dim)

	segCount := len(outBlocks)
	writeTombstone := !newDeleted.IsEmpty() && len(tombs) > 0
	if writeTombstone {
		segCount++
	}
	seq := c.engine.ReserveSequences(segCount)

	var created []manifest.SegmentInfo
	var createdBytes int64
	app := c.engine.Appender()

	for _, b := range outBlocks {
		payload, err := segment.EncodeVectorBlock(b.ids, b.vecs, dim)
		if err != nil {
			return Result{}, err
		}
		if err := c.ctl.AcquireIO(ctx, len(payload)); err != nil {
			return Result{}, err
		}
		off, total, err := app.Append(segment.TypeVectorBlock, seq, payload, segment.WriteOptions{
			Compression: c.cfg.Compression,
		})
		if err != nil {
			return Result{}, fmt.Errorf("rewrite block: %w", err)
		}
		created = append(created, manifest.SegmentInfo{
			ID:       seq,
			Type:     segment.TypeVectorBlock,
			Offset:   off,
			Length:   total,
			Sequence: seq,
			RowCount: uint32(len(b.ids)),
			MinID:    b.ids[0],
			MaxID:    b.ids[len(b.ids)-1],
			Centroid: segment.Centroid(b.vecs, dim),
		})
		createdBytes += total
		seq++
	}

	if writeTombstone {
		payload, err := segment.EncodeTombstone(newDeleted)
		if err != nil {
			return Result{}, err
		}
		if err := c.ctl.AcquireIO(ctx, len(payload)); err != nil {
			return Result{}, err
		}
		off, total, err := app.Append(segment.TypeTombstone, seq, payload, segment.WriteOptions{})
		if err != nil {
			return Result{}, fmt.Errorf("consolidate tombstones: %w", err)
		}
		created = append(created, manifest.SegmentInfo{
			ID:       seq,
			Type:     segment.TypeTombstone,
			Offset:   off,
			Length:   total,
			Sequence: seq,
			RowCount: uint32(newDeleted.GetCardinality()),
		})
		createdBytes += total
	}

	var retired []uint64
	var retiredBytes int64
	for _, b := range blocks {
		retired = append(retired, b.ID)
		retiredBytes += b.Length
	}
	for _, tb := range tombs {
		retired = append(retired, tb.ID)
		retiredBytes += tb.Length
	}

	if err := c.engine.CommitCompaction(created, retired, newDeleted, gen); err != nil {
		return Result{}, err
	}

	reclaimed := retiredBytes - createdBytes
	if reclaimed < 0 {
		reclaimed = 0
	}
	return Result{
		BytesReclaimed:  reclaimed,
		SegmentsRetired: len(retired),
		SegmentsCreated: len(created),
	}, nil
}

// collectLive reads the candidate blocks and splits their rows into
// survivors and the dead IDs that disappear with the rewrite.
func (c *Compactor) collectLive(ctx context.Context, snap *cow.Snapshot, blocks []manifest.SegmentInfo) ([]uint64, []float32, *roaring64.Bitmap, error) {
	var liveIDs []uint64
	var liveVecs []float32
	dropped := roaring64.New()

	for _, b := range blocks {
		if err := c.ctl.AcquireIO(ctx, int(b.Length)); err != nil {
			return nil, nil, nil, err
		}
		_, payload, err := segment.Read(snap.Reader(), b.Offset)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("read block %d: %w", b.ID, err)
		}
		ids, vecs, dim, err := segment.DecodeVectorBlock(payload)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("decode block %d: %w", b.ID, err)
		}
		for i, id := range ids {
			if snap.IsDeleted(id) {
				dropped.Add(id)
				continue
			}
			liveIDs = append(liveIDs, id)
			liveVecs = append(liveVecs, vecs[i*dim:(i+1)*dim]...)
		}
	}
	return liveIDs, liveVecs, dropped, nil
}

type rowBlock struct {
	ids  []uint64
	vecs []float32
}

// splitRows packs the surviving rows into output blocks of at most
// MaxBlockRows each.
func (c *Compactor) splitRows(ids []uint64, vecs []float32, dim int) []rowBlock {
	if len(ids) == 0 {
		return nil
	}
	max := c.cfg.Policy.MaxBlockRows
	if max <= 0 {
		max = len(ids)
	}

	var out []rowBlock
	for start := 0; start < len(ids); start += max {
		end := start + max
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, rowBlock{
			ids:  ids[start:end],
			vecs: vecs[start*dim : end*dim],
		})
	}
	return out
}
