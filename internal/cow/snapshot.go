package cow

import (
	"io"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/rvf/internal/fs"
	"github.com/hupe1980/rvf/internal/manifest"
)

// storeFile wraps the data file with a reference count so a vacuum can
// swap in a rewritten file while readers of the old one finish
// undisturbed. The engine holds one base reference; each acquired
// snapshot holds another. The file closes when the count reaches zero.
type storeFile struct {
	fs.File
	refs atomic.Int64
}

func newStoreFile(f fs.File) *storeFile {
	sf := &storeFile{File: f}
	sf.refs.Store(1)
	return sf
}

func (f *storeFile) acquire() { f.refs.Add(1) }

func (f *storeFile) release() {
	if f.refs.Add(-1) == 0 {
		_ = f.File.Close()
	}
}

// Snapshot is an immutable view of the store: a manifest, the union of
// its tombstones, and the file handle its offsets are valid for.
// Readers holding a snapshot see a fully consistent state regardless
// of concurrent mutations; this is the engine's central guarantee.
type Snapshot struct {
	file     *storeFile
	Manifest *manifest.Manifest
	Deleted  *roaring64.Bitmap
}

// Acquire pins the snapshot's file handle. Every Acquire must be
// paired with a Release.
func (s *Snapshot) Acquire() { s.file.acquire() }

// Release unpins the snapshot's file handle.
func (s *Snapshot) Release() { s.file.release() }

// Reader returns the file the snapshot's segment offsets refer to.
func (s *Snapshot) Reader() io.ReaderAt { return s.file }

// IsDeleted reports whether id is tombstoned in this snapshot.
func (s *Snapshot) IsDeleted(id uint64) bool {
	return s.Deleted != nil && s.Deleted.Contains(id)
}
