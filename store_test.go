package rvf_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/rvf"
)

func openTestStore(t *testing.T, opts ...rvf.Option) (*rvf.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.rvf")
	opts = append([]rvf.Option{rvf.WithCreate(3, "l2"), rvf.WithoutFsync()}, opts...)
	store, err := rvf.Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestOpenCreateAndReopen(t *testing.T) {
	ctx := context.Background()
	store, path := openTestStore(t)

	res, err := store.Ingest(ctx, [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	})
	require.NoError(t, err)
	require.Len(t, res.IDs, 3)
	assert.Equal(t, 1, res.SegmentsWritten)

	st := store.Status()
	assert.Equal(t, uint64(3), st.LiveRows)
	assert.True(t, st.WriterLock)
	require.NoError(t, store.Close())

	reopened, err := rvf.Open(path, rvf.WithoutFsync())
	require.NoError(t, err)
	defer reopened.Close()

	hits, err := reopened.Query(ctx, []float32{0.9, 0.1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits.IDs, 1)
	assert.Equal(t, res.IDs[0], hits.IDs[0])
	assert.Equal(t, uint64(3), reopened.Status().LiveRows)
}

func TestOpenMissingWithoutCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.rvf")
	_, err := rvf.Open(path)
	require.ErrorIs(t, err, rvf.ErrStoreNotFound)
}

func TestOpenWriterLockExclusion(t *testing.T) {
	ctx := context.Background()
	store, path := openTestStore(t)
	_, err := store.Ingest(ctx, [][]float32{{1, 2, 3}})
	require.NoError(t, err)

	_, err = rvf.Open(path)
	require.ErrorIs(t, err, rvf.ErrLocked)

	// Readers bypass the writer lock.
	reader, err := rvf.Open(path, rvf.WithReadOnly())
	require.NoError(t, err)
	defer reader.Close()

	hits, err := reader.Query(ctx, []float32{1, 2, 3}, 1)
	require.NoError(t, err)
	assert.Len(t, hits.IDs, 1)

	_, err = reader.Ingest(ctx, [][]float32{{4, 5, 6}})
	require.ErrorIs(t, err, rvf.ErrReadOnly)
	_, err = reader.Delete(ctx, hits.IDs)
	require.ErrorIs(t, err, rvf.ErrReadOnly)
}

func TestQueryValidation(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	_, err := store.Query(ctx, []float32{1, 0, 0}, 0)
	require.ErrorIs(t, err, rvf.ErrInvalidK)

	_, err = store.Query(ctx, []float32{1, 0}, 5)
	var dim *rvf.ErrDimensionMismatch
	require.ErrorAs(t, err, &dim)
	assert.Equal(t, 3, dim.Expected)
	assert.Equal(t, 2, dim.Actual)
}

func TestIngestWithMetadata(t *testing.T) {
	ctx := context.Background()
	store, path := openTestStore(t)

	res, err := store.IngestWithMetadata(ctx, [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	}, []rvf.Metadata{
		{"doc": "alpha", "lang": "en"},
		nil,
		{"doc": "gamma"},
	})
	require.NoError(t, err)

	hits, err := store.Query(ctx, []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits.IDs, 3)
	require.Len(t, hits.Metadata, 3)
	for i, id := range hits.IDs {
		switch id {
		case res.IDs[0]:
			assert.Equal(t, rvf.Metadata{"doc": "alpha", "lang": "en"}, hits.Metadata[i])
		case res.IDs[1]:
			assert.Nil(t, hits.Metadata[i])
		case res.IDs[2]:
			assert.Equal(t, rvf.Metadata{"doc": "gamma"}, hits.Metadata[i])
		}
	}

	// Metadata is durable across reopen.
	require.NoError(t, store.Close())
	reopened, err := rvf.Open(path, rvf.WithoutFsync())
	require.NoError(t, err)
	defer reopened.Close()

	hits, err = reopened.Query(ctx, []float32{0, 0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits.IDs, 1)
	require.Len(t, hits.Metadata, 1)
	assert.Equal(t, rvf.Metadata{"doc": "gamma"}, hits.Metadata[0])
}

func TestIngestWithoutMetadataHasNoEnvelope(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	_, err := store.Ingest(ctx, [][]float32{{1, 0, 0}})
	require.NoError(t, err)

	hits, err := store.Query(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits.IDs, 1)
	assert.Nil(t, hits.Metadata)
}

func TestIngestWithMetadataLengthMismatch(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.IngestWithMetadata(context.Background(),
		[][]float32{{1, 0, 0}, {0, 1, 0}},
		[]rvf.Metadata{{"doc": "a"}},
	)
	require.Error(t, err)
}

func TestIngestDimensionMismatch(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.Ingest(context.Background(), [][]float32{{1, 2}})
	var dim *rvf.ErrDimensionMismatch
	require.ErrorAs(t, err, &dim)
	assert.Equal(t, 3, dim.Expected)
}

func TestDeleteExcludesFromQuery(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	res, err := store.Ingest(ctx, [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0, 0, 10},
	})
	require.NoError(t, err)

	del, err := store.Delete(ctx, res.IDs[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, del.TombstonesWritten)

	hits, err := store.Query(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits.IDs, 1)
	assert.Equal(t, res.IDs[1], hits.IDs[0])

	// Re-deleting is a no-op and commits nothing.
	gen := store.Status().ManifestGeneration
	del, err = store.Delete(ctx, res.IDs[:1])
	require.NoError(t, err)
	assert.Zero(t, del.TombstonesWritten)
	assert.Equal(t, gen, store.Status().ManifestGeneration)
}

func TestUpdateReplacesVector(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	res, err := store.Ingest(ctx, [][]float32{{1, 0, 0}, {0, 0, 9}})
	require.NoError(t, err)

	upd, err := store.Update(ctx, res.IDs[:1], [][]float32{{0, 1, 0}})
	require.NoError(t, err)
	require.Len(t, upd.IDs, 1)

	hits, err := store.Query(ctx, []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits.IDs, 1)
	assert.Equal(t, upd.IDs[0], hits.IDs[0])

	// The replaced row is gone.
	hits, err = store.Query(ctx, []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	assert.NotContains(t, hits.IDs, res.IDs[0])
}

func TestCompactAndVacuum(t *testing.T) {
	ctx := context.Background()
	store, path := openTestStore(t, rvf.WithMaxBlockRows(10), rvf.WithCompaction(rvf.CompactionPolicy{
		MinLiveRatio: 0.5,
	}))

	vecs := make([][]float32, 100)
	for i := range vecs {
		vecs[i] = []float32{float32(i), float32(i), float32(i)}
	}
	res, err := store.Ingest(ctx, vecs)
	require.NoError(t, err)

	_, err = store.Delete(ctx, res.IDs[:56])
	require.NoError(t, err)

	comp, err := store.Compact(ctx)
	require.NoError(t, err)
	assert.Greater(t, comp.SegmentsRetired, 0)
	assert.Greater(t, comp.SegmentsCreated, 0)

	before := store.Status().FileSize
	vac, err := store.Vacuum(ctx)
	require.NoError(t, err)
	assert.Greater(t, vac.BytesReclaimed, int64(0))
	assert.Less(t, store.Status().FileSize, before)

	// The store stays fully usable on the swapped file.
	hits, err := store.Query(ctx, []float32{99, 99, 99}, 1)
	require.NoError(t, err)
	require.Len(t, hits.IDs, 1)
	assert.Equal(t, res.IDs[99], hits.IDs[0])

	require.NoError(t, store.Close())
	reopened, err := rvf.Open(path, rvf.WithoutFsync())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(44), reopened.Status().LiveRows)
}

func TestRecoveryAfterTornRoot(t *testing.T) {
	ctx := context.Background()
	store, path := openTestStore(t)

	res, err := store.Ingest(ctx, [][]float32{{1, 0, 0}, {0, 1, 0}})
	require.NoError(t, err)
	gen := store.Status().ManifestGeneration
	require.NoError(t, store.Close())

	// Clobber both root pointer slots.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	garbage := make([]byte, 48)
	for i := range garbage {
		garbage[i] = 0xFF
	}
	_, err = f.WriteAt(garbage, 16)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := rvf.Open(path, rvf.WithoutFsync())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, gen, reopened.Status().ManifestGeneration)
	hits, err := reopened.Query(ctx, []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits.IDs, 1)
	assert.Equal(t, res.IDs[1], hits.IDs[0])

	// Recovery rewrites the root, so the store keeps mutating normally.
	_, err = reopened.Ingest(ctx, [][]float32{{0, 0, 1}})
	require.NoError(t, err)
}

func TestWitnessChainSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	store, path := openTestStore(t)

	res, err := store.Ingest(ctx, [][]float32{{1, 0, 0}, {0, 1, 0}})
	require.NoError(t, err)
	_, err = store.Delete(ctx, res.IDs[:1])
	require.NoError(t, err)
	require.NoError(t, store.VerifyWitnessChain())
	require.NoError(t, store.Close())

	reopened, err := rvf.Open(path, rvf.WithoutFsync())
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.VerifyWitnessChain())
	assert.Equal(t, 2, reopened.Status().WitnessRecords)
}

func TestStatusAndClose(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	_, err := store.Ingest(ctx, [][]float32{{1, 2, 3}})
	require.NoError(t, err)

	st := store.Status()
	assert.Greater(t, st.FileSize, int64(0))
	assert.Greater(t, st.SegmentCount, 0)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close()) // idempotent
	assert.Equal(t, rvf.StateClosed, store.Status().State)

	_, err = store.Ingest(ctx, [][]float32{{1, 2, 3}})
	require.ErrorIs(t, err, rvf.ErrClosed)
	_, err = store.Query(ctx, []float32{1, 2, 3}, 1)
	require.ErrorIs(t, err, rvf.ErrClosed)
}
