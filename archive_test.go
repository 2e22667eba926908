package rvf_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/rvf"
	"github.com/hupe1980/rvf/blobstore"
)

func TestArchiveProducesOpenableSnapshot(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, quietSafetyNet())

	res, err := store.Ingest(ctx, [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	})
	require.NoError(t, err)
	_, err = store.Delete(ctx, res.IDs[2:])
	require.NoError(t, err)

	dest := blobstore.NewMemoryStore()
	info, err := store.Archive(ctx, dest)
	require.NoError(t, err)
	assert.Equal(t, store.Status().ManifestGeneration, info.Generation)
	assert.Equal(t, fmt.Sprintf("snapshot-%016d.rvf", info.Generation), info.Key)
	assert.Greater(t, info.Bytes, int64(0))

	names, err := dest.List(ctx, "snapshot-")
	require.NoError(t, err)
	assert.Equal(t, []string{info.Key}, names)

	// The archive is a complete store file: materialize and open it.
	blob, err := dest.Open(ctx, info.Key)
	require.NoError(t, err)
	defer blob.Close()
	require.Equal(t, info.Bytes, blob.Size())

	raw := make([]byte, blob.Size())
	_, err = blob.ReadAt(ctx, raw, 0)
	require.NoError(t, err)

	restored := filepath.Join(t.TempDir(), "restored.rvf")
	require.NoError(t, os.WriteFile(restored, raw, 0o644))

	replica, err := rvf.Open(restored, rvf.WithReadOnly())
	require.NoError(t, err)
	defer replica.Close()

	st := replica.Status()
	assert.Equal(t, info.Generation, st.ManifestGeneration)
	assert.Equal(t, uint64(2), st.LiveRows)
	require.NoError(t, replica.VerifyWitnessChain())

	hits, err := replica.Query(ctx, []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits.IDs, 1)
	assert.Equal(t, res.IDs[1], hits.IDs[0])
}

func TestArchiveToLocalStore(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	_, err := store.Ingest(ctx, [][]float32{{1, 2, 3}})
	require.NoError(t, err)

	dest, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	info, err := store.Archive(ctx, dest)
	require.NoError(t, err)

	blob, err := dest.Open(ctx, info.Key)
	require.NoError(t, err)
	defer blob.Close()
	assert.Equal(t, info.Bytes, blob.Size())
}

type recordingCommitter struct {
	generation uint64
	key        string
	err        error
}

func (c *recordingCommitter) Commit(_ context.Context, generation uint64, blobKey string) error {
	if c.err != nil {
		return c.err
	}
	c.generation = generation
	c.key = blobKey
	return nil
}

func TestArchiveAndCommit(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	_, err := store.Ingest(ctx, [][]float32{{1, 2, 3}})
	require.NoError(t, err)

	dest := blobstore.NewMemoryStore()
	log := &recordingCommitter{}

	info, err := store.ArchiveAndCommit(ctx, dest, log)
	require.NoError(t, err)
	assert.Equal(t, info.Generation, log.generation)
	assert.Equal(t, info.Key, log.key)

	// A failed commit surfaces but leaves the blob behind for retry.
	boom := errors.New("conditional check failed")
	_, err = store.ArchiveAndCommit(ctx, dest, &recordingCommitter{err: boom})
	require.ErrorIs(t, err, boom)
	names, err := dest.List(ctx, "snapshot-")
	require.NoError(t, err)
	assert.Len(t, names, 1) // same generation, same key
}
