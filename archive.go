package rvf

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/hupe1980/rvf/blobstore"
	"github.com/hupe1980/rvf/internal/manifest"
	"github.com/hupe1980/rvf/internal/segment"
)

// archiveCopyChunk is the unit of IO accounting while streaming
// segments to a blob store.
const archiveCopyChunk = 256 << 10

// ArchiveInfo describes one exported snapshot.
type ArchiveInfo struct {
	// Key is the blob name the snapshot was written under.
	Key string

	// Generation is the manifest generation the snapshot captured.
	Generation uint64

	// Bytes is the size of the archived file.
	Bytes int64
}

// Committer durably records which archived snapshot is the latest for
// a store. blobstore/s3.CommitLog implements it on DynamoDB.
type Committer interface {
	Commit(ctx context.Context, generation uint64, blobKey string) error
}

// Archive streams a consistent snapshot of the store to dest as a
// self-contained store file named snapshot-<generation>.rvf. The
// archive contains only manifest-referenced segments; orphaned bytes
// never leave the machine. Mutations proceed concurrently, the
// archive captures the generation current when the call started.
func (s *Store) Archive(ctx context.Context, dest blobstore.ArchiveStore) (ArchiveInfo, error) {
	if err := s.checkOpen(); err != nil {
		return ArchiveInfo{}, err
	}

	snap := s.engine.Snapshot()
	snap.Acquire()
	defer snap.Release()

	newM := snap.Manifest.Clone()
	segs := newM.Segments
	sort.Slice(segs, func(i, j int) bool { return segs[i].Offset < segs[j].Offset })

	// Lay out the archive: fixed header, segments packed in file
	// order, manifest segment last. Offsets are known up front because
	// segments are copied verbatim.
	remap := make(map[uint64]int64, len(segs))
	oldOffsets := make([]int64, len(segs))
	off := int64(manifest.DataStart)
	for i := range segs {
		oldOffsets[i] = segs[i].Offset
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

	payload, err := newM.Encode()
	if err != nil {
		return ArchiveInfo{}, err
	}
	var manifestSeg memBuffer
	if _, _, err := segment.NewAppender(&manifestSeg, 0).Append(segment.TypeManifest, newM.Sequence, payload, segment.WriteOptions{}); err != nil {
		return ArchiveInfo{}, fmt.Errorf("encode archive manifest: %w", err)
	}

	var head memBuffer
	hdr := manifest.EncodeFileHeader()
	if _, err := head.WriteAt(hdr[:], 0); err != nil {
		return ArchiveInfo{}, err
	}
	if err := manifest.WriteRoot(&head, manifest.RootPointer{
		ManifestOffset: off,
		Generation:     newM.Generation,
	}); err != nil {
		return ArchiveInfo{}, err
	}

	key := fmt.Sprintf("snapshot-%016d.rvf", newM.Generation)
	total := off + int64(len(manifestSeg.b))

	w, err := dest.Create(ctx, key)
	if err != nil {
		s.logger.LogArchive(ctx, key, 0, err)
		return ArchiveInfo{}, err
	}
	err = s.writeArchive(ctx, w, snap.Reader(), head.b, segs, oldOffsets, manifestSeg.b)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	s.logger.LogArchive(ctx, key, total, err)
	if err != nil {
		_ = dest.Delete(ctx, key)
		return ArchiveInfo{}, err
	}
	return ArchiveInfo{Key: key, Generation: newM.Generation, Bytes: total}, nil
}

// ArchiveAndCommit archives a snapshot and records it as the latest
// for this store. The blob outlives a failed commit; re-archiving the
// same generation overwrites it under the same key.
func (s *Store) ArchiveAndCommit(ctx context.Context, dest blobstore.ArchiveStore, log Committer) (ArchiveInfo, error) {
	info, err := s.Archive(ctx, dest)
	if err != nil {
		return ArchiveInfo{}, err
	}
	if err := log.Commit(ctx, info.Generation, info.Key); err != nil {
		return ArchiveInfo{}, err
	}
	return info, nil
}

func (s *Store) writeArchive(ctx context.Context, w blobstore.WritableBlob, r io.ReaderAt, head []byte, segs []manifest.SegmentInfo, oldOffsets []int64, manifestSeg []byte) error {
	if _, err := w.Write(head); err != nil {
		return err
	}

	buf := make([]byte, archiveCopyChunk)
	for i := range segs {
		remaining := segs[i].Length
		srcOff := oldOffsets[i]
		for remaining > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			if err := s.ctl.AcquireIO(ctx, int(n)); err != nil {
				return err
			}
			if _, err := r.ReadAt(buf[:n], srcOff); err != nil {
				return fmt.Errorf("archive segment %d: %w", segs[i].ID, err)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("archive segment %d: %w", segs[i].ID, err)
			}
			srcOff += n
			remaining -= n
		}
	}

	_, err := w.Write(manifestSeg)
	return err
}

// memBuffer is a growable in-memory WriterAt used to assemble the
// fixed-position pieces of an archive before streaming.
type memBuffer struct {
	b []byte
}

func (m *memBuffer) WriteAt(p []byte, off int64) (int, error) {
	if end := int(off) + len(p); end > len(m.b) {
		m.b = append(m.b, make([]byte, end-len(m.b))...)
	}
	copy(m.b[off:], p)
	return len(p), nil
}
