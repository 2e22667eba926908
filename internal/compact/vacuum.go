package compact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/hupe1980/rvf/internal/cow"
	"github.com/hupe1980/rvf/internal/fs"
	"github.com/hupe1980/rvf/internal/manifest"
	"github.com/hupe1980/rvf/internal/segment"
	"github.com/hupe1980/rvf/resource"
)

// Vacuum rewrites the store file so it contains only the segments the
// current manifest references, reclaiming the space held by orphans
// and retired segments. The rewrite happens into a temp file that is
// renamed over the store path under the mutation lock; an interrupted
// vacuum leaves at worst a stale temp file behind.
func (c *Compactor) Vacuum(ctx context.Context) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		res, err := c.vacuumOnce(ctx)
		if errors.Is(err, cow.ErrStaleGeneration) {
			lastErr = err
			continue
		}
		return res, err
	}
	return Result{}, fmt.Errorf("vacuum kept losing the commit race: %w", lastErr)
}

func (c *Compactor) vacuumOnce(ctx context.Context) (Result, error) {
	if err := c.ctl.AcquireBackground(ctx); err != nil {
		return Result{}, err
	}
	defer c.ctl.ReleaseBackground()

	snap := c.engine.Snapshot()
	snap.Acquire()
	defer snap.Release()

	fsys := c.engine.FileSystem()
	path := c.engine.Path()
	gen := snap.Manifest.Generation

	oldInfo, err := fsys.Stat(path)
	if err != nil {
		return Result{}, err
	}

	tmpPath := path + ".vacuum"
	tmp, err := fsys.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("create vacuum file: %w", err)
	}
	abort := func() {
		_ = tmp.Close()
		_ = fsys.Remove(tmpPath)
	}

	hdr := manifest.EncodeFileHeader()
	if _, err := tmp.WriteAt(hdr[:], 0); err != nil {
		abort()
		return Result{}, err
	}

	newM, off, err := c.copyLiveSegments(ctx, snap, tmp)
	if err != nil {
		abort()
		return Result{}, err
	}

	// The rewritten file carries its own manifest under a fresh
	// generation, so the root flip below is self-contained.
	manifestSeq := c.engine.ReserveSequences(1)
	newM.Generation = gen + 1
	newM.Sequence = manifestSeq + 1

	payload, err := newM.Encode()
	if err != nil {
		abort()
		return Result{}, err
	}
	app := segment.NewAppender(tmp, off)
	manifestOff, _, err := app.Append(segment.TypeManifest, manifestSeq, payload, segment.WriteOptions{})
	if err != nil {
		abort()
		return Result{}, err
	}

	if err := tmp.Sync(); err != nil {
		abort()
		return Result{}, err
	}
	if err := manifest.WriteRoot(tmp, manifest.RootPointer{
		ManifestOffset: manifestOff,
		Generation:     newM.Generation,
	}); err != nil {
		abort()
		return Result{}, err
	}
	if err := tmp.Sync(); err != nil {
		abort()
		return Result{}, err
	}

	deleted := snap.Deleted.Clone()
	if err := c.engine.SwapFile(tmpPath, tmp, app, newM, deleted, gen); err != nil {
		abort()
		return Result{}, err
	}

	newSize := app.Offset()
	reclaimed := oldInfo.Size() - newSize
	if reclaimed < 0 {
		reclaimed = 0
	}
	return Result{BytesReclaimed: reclaimed}, nil
}

// copyLiveSegments copies every manifest-referenced segment verbatim
// into tmp, in file order, and returns a manifest with remapped
// offsets plus the next free offset.
func (c *Compactor) copyLiveSegments(ctx context.Context, snap *cow.Snapshot, tmp fs.File) (*manifest.Manifest, int64, error) {
	newM := snap.Manifest.Clone()
	segs := newM.Segments
	sort.Slice(segs, func(i, j int) bool { return segs[i].Offset < segs[j].Offset })

	remap := make(map[uint64]int64, len(segs))
	off := int64(manifest.DataStart)

	// Every write pays into the IO budget through the throttled writer,
	// so a vacuum cannot starve foreground queries of disk bandwidth.
	w := &resource.ThrottledWriter{W: tmp, Ctl: c.ctl, Ctx: ctx}

	for i := range segs {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		// Verbatim copy keeps the original checksums valid.
		buf := make([]byte, segs[i].Length)
		if _, err := snap.Reader().ReadAt(buf, segs[i].Offset); err != nil {
			return nil, 0, fmt.Errorf("copy segment %d: %w", segs[i].ID, err)
		}
		if _, err := w.WriteAt(buf, off); err != nil {
			return nil, 0, fmt.Errorf("copy segment %d: %w", segs[i].ID, err)
		}

		remap[segs[i].ID] = off
		segs[i].Offset = off
		off += segs[i].Length
	}

	for _, ref := range []*manifest.SegmentRef{
		&newM.CentroidTable, &newM.Entrypoint, &newM.TopLayer,
		&newM.HotCache, &newM.QuantDict, &newM.PrefetchMap,
	} {
		if ref.IsZero() {
			continue
		}
		if newOff, ok := remap[ref.SegmentID]; ok {
			ref.Offset = newOff
		}
	}
	return newM, off, nil
}
