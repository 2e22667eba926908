package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Memory(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	err := c.AcquireMemory(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), c.MemoryUsage())

	err = c.AcquireMemory(context.Background(), 40)
	require.NoError(t, err)
	assert.Equal(t, int64(90), c.MemoryUsage())

	ok := c.TryAcquireMemory(20)
	assert.False(t, ok)
	assert.Equal(t, int64(90), c.MemoryUsage())

	// Over the limit: blocks until the context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = c.AcquireMemory(ctx, 20)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.ReleaseMemory(50)
	assert.Equal(t, int64(40), c.MemoryUsage())

	err = c.AcquireMemory(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, int64(60), c.MemoryUsage())
}

func TestController_UnlimitedMemory(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 0})

	err := c.AcquireMemory(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), c.MemoryUsage())

	c.ReleaseMemory(500)
	assert.Equal(t, int64(500), c.MemoryUsage())
}

func TestController_BackgroundWorkers(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 2})

	require.True(t, c.TryAcquireBackground())
	require.True(t, c.TryAcquireBackground())
	assert.False(t, c.TryAcquireBackground())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.AcquireBackground(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.ReleaseBackground()
	assert.True(t, c.TryAcquireBackground())
	c.ReleaseBackground()
	c.ReleaseBackground()
}

func TestController_NilIsUnlimited(t *testing.T) {
	var c *Controller

	require.NoError(t, c.AcquireMemory(context.Background(), 1<<40))
	assert.True(t, c.TryAcquireMemory(1<<40))
	c.ReleaseMemory(1 << 40)
	assert.Equal(t, int64(0), c.MemoryUsage())

	require.NoError(t, c.AcquireBackground(context.Background()))
	assert.True(t, c.TryAcquireBackground())
	c.ReleaseBackground()

	require.NoError(t, c.AcquireIO(context.Background(), 1<<30))
}

func TestController_AcquireIOSlicesLargeRequests(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})

	// Larger than the burst: must be satisfied in slices, not rejected.
	err := c.AcquireIO(context.Background(), (1<<20)+512)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.AcquireIO(ctx, 1<<20)
	assert.Error(t, err)
}

type writeAtRecorder struct {
	writes int
}

func (w *writeAtRecorder) WriteAt(p []byte, _ int64) (int, error) {
	w.writes++
	return len(p), nil
}

func TestThrottledWriter(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	rec := &writeAtRecorder{}
	w := &ThrottledWriter{W: rec, Ctl: c, Ctx: context.Background()}

	n, err := w.WriteAt(make([]byte, 4096), 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, 1, rec.writes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Ctx = ctx
	_, err = w.WriteAt(make([]byte, 1<<21), 0)
	assert.Error(t, err)
	assert.Equal(t, 1, rec.writes)
}
