package compact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/rvf/internal/cow"
	"github.com/hupe1980/rvf/internal/fs"
	"github.com/hupe1980/rvf/internal/manifest"
	"github.com/hupe1980/rvf/internal/segment"
	"github.com/hupe1980/rvf/resource"
)

func newTestEngine(t *testing.T) (*cow.Engine, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "store.rvf")
	f, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	require.NoError(t, err)

	hdr := manifest.EncodeFileHeader()
	_, err = f.WriteAt(hdr[:], 0)
	require.NoError(t, err)

	cfg := cow.DefaultConfig()
	cfg.MaxBlockRows = 10
	e := cow.NewEngine(fs.Default, path, f, segment.NewAppender(f, manifest.DataStart), manifest.New(3, "l2"), nil, nil, cfg)
	t.Cleanup(func() { _ = e.Close() })

	return e, path
}

func ingestN(t *testing.T, e *cow.Engine, n int) []uint64 {
	t.Helper()
	vecs := make([][]float32, n)
	for i := range vecs {
		vecs[i] = []float32{float32(i), float32(i), float32(i)}
	}
	res, err := e.Ingest(context.Background(), vecs)
	require.NoError(t, err)
	return res.IDs
}

func TestCompactRewritesSparseBlocks(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ids := ingestN(t, e, 100) // ten blocks of ten rows
	require.Len(t, e.Snapshot().Manifest.VectorBlocks(), 10)

	// Blocks 0..4 fully dead, block 5 below half live.
	_, err := e.Delete(ctx, ids[:56])
	require.NoError(t, err)

	c := New(e, resource.NewController(resource.Config{}), Config{})
	res, err := c.Run(ctx)
	require.NoError(t, err)

	// Six blocks plus the delete's tombstone retired; the four
	// survivors of block 5 land in one fresh block. Every dead ID
	// vanished with its block, so no tombstone remains.
	assert.Equal(t, 7, res.SegmentsRetired)
	assert.Equal(t, 1, res.SegmentsCreated)
	assert.Greater(t, res.BytesReclaimed, int64(0))

	snap := e.Snapshot()
	assert.Equal(t, uint64(44), snap.Manifest.LiveRows())
	assert.Empty(t, snap.Manifest.Tombstones())
	assert.Len(t, snap.Manifest.VectorBlocks(), 5)
	assert.False(t, snap.IsDeleted(3)) // physically gone, no tombstone needed

	// The rewritten block round-trips.
	blocks := snap.Manifest.VectorBlocks()
	for _, b := range blocks {
		_, payload, err := segment.Read(snap.Reader(), b.Offset)
		require.NoError(t, err)
		_, _, _, err = segment.DecodeVectorBlock(payload)
		require.NoError(t, err)
	}
}

func TestCompactIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ids := ingestN(t, e, 30)
	_, err := e.Delete(ctx, ids[:15])
	require.NoError(t, err)

	c := New(e, resource.NewController(resource.Config{}), Config{})
	first, err := c.Run(ctx)
	require.NoError(t, err)
	require.Greater(t, first.SegmentsRetired, 0)

	// No intervening mutation: the second run finds nothing to do.
	second, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second)
}

func TestCompactReleasesMemoryReservation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ids := ingestN(t, e, 30)
	_, err := e.Delete(ctx, ids[:15])
	require.NoError(t, err)

	// A hard memory limit makes the reservation around live-row
	// collection go through the semaphore, not just the usage counter.
	ctl := resource.NewController(resource.Config{MemoryLimitBytes: 1 << 20})
	c := New(e, ctl, Config{})
	res, err := c.Run(ctx)
	require.NoError(t, err)
	require.Greater(t, res.SegmentsRetired, 0)

	assert.Zero(t, ctl.MemoryUsage())
}

func TestCompactConsolidatesTombstones(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ids := ingestN(t, e, 100)

	// Block 0 fully dead; one stray dead row in block 9.
	_, err := e.Delete(ctx, ids[:10])
	require.NoError(t, err)
	_, err = e.Delete(ctx, []uint64{ids[95]})
	require.NoError(t, err)
	require.Len(t, e.Snapshot().Manifest.Tombstones(), 2)

	c := New(e, resource.NewController(resource.Config{}), Config{})
	res, err := c.Run(ctx)
	require.NoError(t, err)

	// One block and two tombstone segments out, one consolidated
	// tombstone in.
	assert.Equal(t, 3, res.SegmentsRetired)
	assert.Equal(t, 1, res.SegmentsCreated)

	snap := e.Snapshot()
	require.Len(t, snap.Manifest.Tombstones(), 1)
	assert.True(t, snap.IsDeleted(ids[95]))
	assert.False(t, snap.IsDeleted(ids[0]))
	assert.Equal(t, uint64(89), snap.Manifest.LiveRows())
}

func TestVacuumReclaimsSpace(t *testing.T) {
	e, path := newTestEngine(t)
	ctx := context.Background()

	ids := ingestN(t, e, 100)
	_, err := e.Delete(ctx, ids[:56])
	require.NoError(t, err)

	c := New(e, resource.NewController(resource.Config{}), Config{})
	_, err = c.Run(ctx)
	require.NoError(t, err)

	before, err := os.Stat(path)
	require.NoError(t, err)
	genBefore := e.Generation()

	// Hold a snapshot across the swap; it must stay readable.
	old := e.Snapshot()
	old.Acquire()
	defer old.Release()

	res, err := c.Vacuum(ctx)
	require.NoError(t, err)
	assert.Greater(t, res.BytesReclaimed, int64(0))

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size())

	snap := e.Snapshot()
	assert.Equal(t, genBefore+1, snap.Manifest.Generation)
	assert.Equal(t, uint64(44), snap.Manifest.LiveRows())

	// Both the old and the new snapshot read their blocks cleanly.
	for _, s := range []*cow.Snapshot{old, snap} {
		for _, b := range s.Manifest.VectorBlocks() {
			_, _, err := segment.Read(s.Reader(), b.Offset)
			require.NoError(t, err)
		}
	}

	// The file on disk reopens from its root pointer.
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	root, err := manifest.ReadRoot(f)
	require.NoError(t, err)
	m, err := manifest.Load(f, root)
	require.NoError(t, err)
	assert.Equal(t, uint64(44), m.LiveRows())

	// The store stays writable after the swap.
	more := ingestN(t, e, 5)
	assert.Len(t, more, 5)
}

func TestVacuumUnderIOBudget(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ids := ingestN(t, e, 100)
	_, err := e.Delete(ctx, ids[:56])
	require.NoError(t, err)

	// The copy loop writes through the throttled writer, so the rewrite
	// completes under an IO budget.
	ctl := resource.NewController(resource.Config{IOLimitBytesPerSec: 4 << 20})
	c := New(e, ctl, Config{})
	_, err = c.Run(ctx)
	require.NoError(t, err)

	res, err := c.Vacuum(ctx)
	require.NoError(t, err)
	assert.Greater(t, res.BytesReclaimed, int64(0))
	assert.Equal(t, uint64(44), e.Snapshot().Manifest.LiveRows())
}
