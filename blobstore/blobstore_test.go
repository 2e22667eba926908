package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s ArchiveStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Open(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "snapshots/a", []byte("alpha")))

	w, err := s.Create(ctx, "snapshots/b")
	require.NoError(t, err)
	_, err = w.Write([]byte("beta"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b, err := s.Open(ctx, "snapshots/b")
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, int64(4), b.Size())

	buf := make([]byte, 4)
	n, err := b.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "beta", string(buf))

	names, err := s.List(ctx, "snapshots/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshots/a", "snapshots/b"}, names)

	require.NoError(t, s.Delete(ctx, "snapshots/a"))
	require.NoError(t, s.Delete(ctx, "snapshots/a")) // idempotent
	_, err = s.Open(ctx, "snapshots/a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, s)
}
