package cow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/rvf/internal/fs"
	"github.com/hupe1980/rvf/internal/manifest"
	"github.com/hupe1980/rvf/internal/segment"
)

// Config controls engine write behavior.
type Config struct {
	// Compression applied to vector block payloads.
	Compression segment.Compression

	// Witness enables the append-only audit chain.
	Witness bool

	// Fsync syncs the file around every root pointer flip. Disabling
	// it trades crash durability of the newest mutation for speed; the
	// format stays consistent either way.
	Fsync bool

	// MaxBlockRows splits large ingests into blocks of at most this
	// many rows. 0 means one block per ingest call.
	MaxBlockRows int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Compression: segment.CompressionNone,
		Witness:     true,
		Fsync:       true,
	}
}

// IngestResult reports what an ingest wrote.
type IngestResult struct {
	IDs             []uint64
	SegmentsWritten int
	BytesWritten    int64
}

// DeleteResult reports what a delete wrote.
type DeleteResult struct {
	TombstonesWritten int
}

// Engine executes copy-on-write mutations: every write appends new
// segments plus a fresh manifest and flips the root pointer; nothing
// is edited in place. Exactly one mutation is in flight at a time;
// readers are never blocked.
type Engine struct {
	mu      sync.Mutex // serializes mutations and the root flip
	fsys    fs.FileSystem
	path    string
	file    *storeFile
	app     *segment.Appender
	nextSeq uint64 // next segment sequence, guarded by mu
	wlog    *Log
	cfg     Config
	closed  bool

	snap atomic.Pointer[Snapshot]
}

// NewEngine creates an engine over an opened store file. m and deleted
// describe the current on-disk state; app must be positioned at the
// end of the valid segment prefix.
func NewEngine(fsys fs.FileSystem, path string, f fs.File, app *segment.Appender, m *manifest.Manifest, deleted *roaring64.Bitmap, wlog *Log, cfg Config) *Engine {
	if deleted == nil {
		deleted = roaring64.New()
	}
	if wlog == nil {
		wlog = NewLog()
	}
	e := &Engine{
		fsys:    fsys,
		path:    path,
		file:    newStoreFile(f),
		app:     app,
		nextSeq: m.Sequence,
		wlog:    wlog,
		cfg:     cfg,
	}
	e.snap.Store(&Snapshot{file: e.file, Manifest: m, Deleted: deleted})
	return e
}

// Snapshot returns the current consistent view. The caller must
// Acquire it before reading segments and Release it after.
func (e *Engine) Snapshot() *Snapshot { return e.snap.Load() }

// WitnessLog returns the witness arena.
func (e *Engine) WitnessLog() *Log { return e.wlog }

// Generation returns the current manifest generation.
func (e *Engine) Generation() uint64 { return e.snap.Load().Manifest.Generation }

// Path returns the store file path.
func (e *Engine) Path() string { return e.path }

// FileSystem returns the file system the store lives on.
func (e *Engine) FileSystem() fs.FileSystem { return e.fsys }

// Close releases the engine's file reference. In-flight snapshot
// holders keep the file alive until they release.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.file.release()
	return nil
}

// Ingest appends the vectors as one or more vector block segments and
// commits them atomically. IDs are assigned from a monotone counter.
func (e *Engine) Ingest(ctx context.Context, vecs [][]float32) (IngestResult, error) {
	return e.IngestWithMetadata(ctx, vecs, nil)
}

// IngestWithMetadata ingests vectors with per-vector key/value
// metadata, persisted as meta segments alongside the blocks. meta must
// be nil or parallel to vecs; nil and empty maps attach nothing.
func (e *Engine) IngestWithMetadata(ctx context.Context, vecs [][]float32, meta []map[string]string) (IngestResult, error) {
	if meta != nil && len(meta) != len(vecs) {
		return IngestResult{}, fmt.Errorf("ingest: %d vectors but %d metadata rows", len(vecs), len(meta))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return IngestResult{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return IngestResult{}, err
	}

	cur := e.snap.Load()
	m := cur.Manifest.Clone()
	dim := m.Dim

	for _, v := range vecs {
		if len(v) != dim {
			return IngestResult{}, &ErrDimensionMismatch{Expected: dim, Actual: len(v)}
		}
	}

	res, created, err := e.appendBlocksLocked(m, vecs, meta)
	if err != nil {
		return IngestResult{}, err
	}

	if err := e.commitLocked(m, cur.Deleted, OpIngest, created, nil, uint64(len(vecs))); err != nil {
		return IngestResult{}, err
	}
	return res, nil
}

// appendBlocksLocked writes vector blocks for vecs (plus a meta
// segment per block carrying metadata), updates m, and returns the
// ingest accounting plus created segment IDs.
func (e *Engine) appendBlocksLocked(m *manifest.Manifest, vecs [][]float32, meta []map[string]string) (IngestResult, []uint64, error) {
	dim := m.Dim
	blockRows := e.cfg.MaxBlockRows
	if blockRows <= 0 {
		blockRows = len(vecs)
	}

	var res IngestResult
	var created []uint64

	for start := 0; start < len(vecs); start += blockRows {
		end := start + blockRows
		if end > len(vecs) {
			end = len(vecs)
		}
		batch := vecs[start:end]

		ids := make([]uint64, len(batch))
		flat := make([]float32, 0, len(batch)*dim)
		for i, v := range batch {
			ids[i] = m.NextID
			m.NextID++
			flat = append(flat, v...)
		}
		res.IDs = append(res.IDs, ids...)

		payload, err := segment.EncodeVectorBlock(ids, flat, dim)
		if err != nil {
			return IngestResult{}, nil, err
		}

		seq := e.nextSeq
		e.nextSeq++
		off, total, err := e.app.Append(segment.TypeVectorBlock, seq, payload, segment.WriteOptions{
			Compression: e.cfg.Compression,
		})
		if err != nil {
			return IngestResult{}, nil, fmt.Errorf("append vector block: %w", err)
		}

		m.Segments = append(m.Segments, manifest.SegmentInfo{
			ID:       seq,
			Type:     segment.TypeVectorBlock,
			Offset:   off,
			Length:   total,
			Sequence: seq,
			RowCount: uint32(len(batch)),
			MinID:    ids[0],
			MaxID:    ids[len(ids)-1],
			Centroid: segment.Centroid(flat, dim),
		})
		created = append(created, seq)
		res.SegmentsWritten++
		res.BytesWritten += total

		if !hasMetadata(meta, start, end) {
			continue
		}
		payload, err = segment.EncodeMetaBlock(ids, meta[start:end])
		if err != nil {
			return IngestResult{}, nil, err
		}
		seq = e.nextSeq
		e.nextSeq++
		off, total, err = e.app.Append(segment.TypeMeta, seq, payload, segment.WriteOptions{
			Compression: e.cfg.Compression,
		})
		if err != nil {
			return IngestResult{}, nil, fmt.Errorf("append meta block: %w", err)
		}
		m.Segments = append(m.Segments, manifest.SegmentInfo{
			ID:       seq,
			Type:     segment.TypeMeta,
			Offset:   off,
			Length:   total,
			Sequence: seq,
			RowCount: uint32(len(batch)),
			MinID:    ids[0],
			MaxID:    ids[len(ids)-1],
		})
		created = append(created, seq)
		res.BytesWritten += total
	}
	return res, created, nil
}

// hasMetadata reports whether any row in meta[start:end] carries a
// pair worth persisting.
func hasMetadata(meta []map[string]string, start, end int) bool {
	if meta == nil {
		return false
	}
	for _, row := range meta[start:end] {
		if len(row) > 0 {
			return true
		}
	}
	return false
}

// Delete tombstones the given IDs. IDs that do not resolve to a live
// vector are ignored; TombstonesWritten counts only effective ones.
func (e *Engine) Delete(ctx context.Context, ids []uint64) (DeleteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return DeleteResult{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return DeleteResult{}, err
	}

	cur := e.snap.Load()
	m := cur.Manifest.Clone()

	newly, created, err := e.appendTombstoneLocked(m, cur.Deleted, ids)
	if err != nil {
		return DeleteResult{}, err
	}
	if newly == nil || newly.IsEmpty() {
		return DeleteResult{}, nil // nothing to do, no commit
	}

	deleted := cur.Deleted.Clone()
	deleted.Or(newly)

	if err := e.commitLocked(m, deleted, OpDelete, created, nil, newly.GetCardinality()); err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{TombstonesWritten: int(newly.GetCardinality())}, nil
}

// appendTombstoneLocked writes a delta tombstone segment for the
// effective subset of ids, updating per-block dead-row counts in m.
// Returns nil when no id resolves.
func (e *Engine) appendTombstoneLocked(m *manifest.Manifest, deleted *roaring64.Bitmap, ids []uint64) (*roaring64.Bitmap, []uint64, error) {
	blocks := m.VectorBlocks()
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].MinID < blocks[j].MinID })

	newly := roaring64.New()
	perBlock := make(map[uint64]uint32)
	for _, id := range ids {
		if deleted.Contains(id) || newly.Contains(id) {
			continue
		}
		// Blocks cover disjoint contiguous ranges; binary search.
		i := sort.Search(len(blocks), func(i int) bool { return blocks[i].MaxID >= id })
		if i == len(blocks) || blocks[i].MinID > id {
			continue
		}
		newly.Add(id)
		perBlock[blocks[i].ID]++
	}
	if newly.IsEmpty() {
		return nil, nil, nil
	}

	payload, err := segment.EncodeTombstone(newly)
	if err != nil {
		return nil, nil, err
	}
	seq := e.nextSeq
	e.nextSeq++
	off, total, err := e.app.Append(segment.TypeTombstone, seq, payload, segment.WriteOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("append tombstone: %w", err)
	}

	m.Segments = append(m.Segments, manifest.SegmentInfo{
		ID:       seq,
		Type:     segment.TypeTombstone,
		Offset:   off,
		Length:   total,
		Sequence: seq,
		RowCount: uint32(newly.GetCardinality()),
	})
	for i := range m.Segments {
		if n, ok := perBlock[m.Segments[i].ID]; ok {
			m.Segments[i].DeadRows += n
		}
	}
	return newly, []uint64{seq}, nil
}

// Update replaces the vectors for ids, expressed as delete+ingest
// committed as a single atomic mutation.
func (e *Engine) Update(ctx context.Context, ids []uint64, vecs [][]float32) (IngestResult, error) {
	if len(ids) != len(vecs) {
		return IngestResult{}, fmt.Errorf("update: %d ids but %d vectors", len(ids), len(vecs))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return IngestResult{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return IngestResult{}, err
	}

	cur := e.snap.Load()
	m := cur.Manifest.Clone()
	dim := m.Dim
	for _, v := range vecs {
		if len(v) != dim {
			return IngestResult{}, &ErrDimensionMismatch{Expected: dim, Actual: len(v)}
		}
	}

	newly, tombCreated, err := e.appendTombstoneLocked(m, cur.Deleted, ids)
	if err != nil {
		return IngestResult{}, err
	}
	deleted := cur.Deleted
	if newly != nil {
		deleted = cur.Deleted.Clone()
		deleted.Or(newly)
	}

	res, blockCreated, err := e.appendBlocksLocked(m, vecs, nil)
	if err != nil {
		return IngestResult{}, err
	}

	created := append(tombCreated, blockCreated...)
	if err := e.commitLocked(m, deleted, OpUpdate, created, nil, uint64(len(ids))); err != nil {
		return IngestResult{}, err
	}
	return res, nil
}

// CommitCompaction publishes a compaction prepared against the
// snapshot at generation expectGen. created segments were already
// appended by the compactor; retired IDs are dropped from the
// manifest. Fails with ErrStaleGeneration if a mutation landed since
// the snapshot, leaving the compactor's segments as harmless orphans.
func (e *Engine) CommitCompaction(created []manifest.SegmentInfo, retired []uint64, deleted *roaring64.Bitmap, expectGen uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	cur := e.snap.Load()
	if cur.Manifest.Generation != expectGen {
		return ErrStaleGeneration
	}
	if deleted == nil {
		deleted = roaring64.New()
	}

	m := cur.Manifest.Clone()
	m.Drop(retired)
	m.Segments = append(m.Segments, created...)

	createdIDs := make([]uint64, len(created))
	for i, s := range created {
		createdIDs[i] = s.ID
	}
	return e.commitLocked(m, deleted, OpCompact, createdIDs, retired, 0)
}

// ReserveSequences hands out n segment sequence numbers to an external
// writer (the compactor), which appends outside the mutation lock.
func (e *Engine) ReserveSequences(n int) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.nextSeq
	e.nextSeq += uint64(n)
	return start
}

// Appender returns the shared segment appender.
func (e *Engine) Appender() *segment.Appender { return e.app }

// SwapFile atomically replaces the store file after a vacuum rewrite.
// The rewritten file at tmpPath must already hold the new manifest and
// a flipped root pointer; it is renamed over the store path and
// becomes current in one step. The generation check and the rename
// happen under the mutation lock, so no commit can land in the old
// file after it is unlinked. Readers of old snapshots keep the old
// handle alive until they release it.
func (e *Engine) SwapFile(tmpPath string, f fs.File, app *segment.Appender, m *manifest.Manifest, deleted *roaring64.Bitmap, expectGen uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.snap.Load().Manifest.Generation != expectGen {
		return ErrStaleGeneration
	}
	if err := e.fsys.Rename(tmpPath, e.path); err != nil {
		return fmt.Errorf("swap store file: %w", err)
	}

	old := e.file
	e.file = newStoreFile(f)
	e.app = app
	e.nextSeq = m.Sequence
	e.snap.Store(&Snapshot{file: e.file, Manifest: m, Deleted: deleted})
	old.release()
	return nil
}

// commitLocked writes the witness record and manifest segment, syncs,
// flips the root pointer, and publishes the new snapshot. Must hold mu.
//
// A failure before the root flip rewinds the append offset so the
// next mutation overwrites the partial bytes instead of growing the
// file; the mutation's own data segments stay behind as unreferenced
// garbage the next vacuum reclaims. The store never needs manual
// repair.
func (e *Engine) commitLocked(m *manifest.Manifest, deleted *roaring64.Bitmap, op Op, created, retired []uint64, rows uint64) error {
	start := e.app.Offset()

	var rec Record
	if e.cfg.Witness {
		rec = e.wlog.Next(op, created, retired, rows)
		seq := e.nextSeq
		e.nextSeq++
		off, total, err := e.app.Append(segment.TypeWitness, seq, rec.Encode(), segment.WriteOptions{})
		if err != nil {
			e.app.Truncate(start)
			return fmt.Errorf("append witness: %w", err)
		}
		m.Segments = append(m.Segments, manifest.SegmentInfo{
			ID:       seq,
			Type:     segment.TypeWitness,
			Offset:   off,
			Length:   total,
			Sequence: seq,
		})
	}

	m.Generation++
	manifestSeq := e.nextSeq
	e.nextSeq++
	m.Sequence = e.nextSeq

	payload, err := m.Encode()
	if err != nil {
		e.app.Truncate(start)
		return fmt.Errorf("encode manifest: %w", err)
	}
	off, _, err := e.app.Append(segment.TypeManifest, manifestSeq, payload, segment.WriteOptions{})
	if err != nil {
		e.app.Truncate(start)
		return fmt.Errorf("append manifest: %w", err)
	}

	if e.cfg.Fsync {
		if err := e.file.Sync(); err != nil {
			// The root still points at the old manifest; the new one
			// becomes overwritable garbage.
			e.app.Truncate(start)
			return fmt.Errorf("sync before root flip: %w", err)
		}
	}
	if err := manifest.WriteRoot(e.file, manifest.RootPointer{
		ManifestOffset: off,
		Generation:     m.Generation,
	}); err != nil {
		return err
	}
	if e.cfg.Fsync {
		if err := e.file.Sync(); err != nil {
			return fmt.Errorf("sync root flip: %w", err)
		}
	}

	if e.cfg.Witness {
		if err := e.wlog.Commit(rec); err != nil {
			return err
		}
	}

	e.snap.Store(&Snapshot{file: e.file, Manifest: m, Deleted: deleted})
	return nil
}
