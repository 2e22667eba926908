package rvf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/rvf/defense"
	"github.com/hupe1980/rvf/index"
	"github.com/hupe1980/rvf/internal/compact"
	"github.com/hupe1980/rvf/internal/cow"
	"github.com/hupe1980/rvf/internal/fs"
	"github.com/hupe1980/rvf/internal/manifest"
	"github.com/hupe1980/rvf/internal/segment"
	"github.com/hupe1980/rvf/resource"
	"github.com/hupe1980/rvf/safetynet"
)

// Store is a single-file vector store. One process may hold the
// writer handle at a time; a handle is safe for concurrent use by
// multiple goroutines.
type Store struct {
	opts    *options
	path    string
	fsys    fs.FileSystem
	lock    *fs.FileLock
	engine   *cow.Engine
	defense  *defense.Layer
	net      *safetynet.Net
	ctl      *resource.Controller
	searcher index.Factory

	compactor *compact.Compactor

	logger  *Logger
	metrics MetricsCollector

	state atomic.Int32 // StoreState

	bootCancel context.CancelFunc
	bootGroup  *errgroup.Group
	bootDone   atomic.Bool

	corruptMu sync.Mutex
	corrupt   []uint64
}

// Open opens the store file at path, creating it when WithCreate was
// given and the file does not exist. The returned handle is usable
// immediately; payload verification of existing segments continues in
// the background and Status reports its progress.
func Open(path string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	s := &Store{
		opts:    o,
		path:    path,
		fsys:    fs.Default,
		logger:  o.logger.WithPath(path),
		metrics: o.metricsCollector,
	}
	s.state.Store(int32(StateOpening))

	if !o.readOnly {
		lock, err := fs.AcquireLock(path + ".lock")
		if err != nil {
			return nil, err
		}
		s.lock = lock
	}

	if err := s.open(); err != nil {
		if s.lock != nil {
			_ = s.lock.Release()
		}
		return nil, err
	}

	s.ctl = resource.NewController(o.resources)
	s.defense = defense.NewLayer(o.defense)
	s.net = safetynet.New(o.safetyNet, time.Now().UnixNano(), s.ctl)
	s.searcher = o.searcher

	// Rewritten blocks use the same codec and size cap as fresh ones.
	o.compact.Compression = o.compression
	o.compact.Policy.MaxBlockRows = o.maxBlockRows
	s.compactor = compact.New(s.engine, s.ctl, o.compact)

	s.startBootVerification()
	return s, nil
}

func (s *Store) open() error {
	flag := os.O_RDWR
	if s.opts.readOnly {
		flag = os.O_RDONLY
	}

	_, statErr := s.fsys.Stat(s.path)
	switch {
	case statErr == nil:
		return s.openExisting(flag)
	case errors.Is(statErr, os.ErrNotExist):
		if s.opts.readOnly || !s.opts.create {
			return fmt.Errorf("%w: %s", ErrStoreNotFound, s.path)
		}
		return s.create()
	default:
		return fmt.Errorf("stat store file: %w", statErr)
	}
}

// create initializes a fresh store file: fixed header, an empty
// manifest segment, and a root pointer naming it. The file is fully
// formed before Open returns, so a crash right after creation leaves
// an openable empty store.
func (s *Store) create() error {
	if s.opts.dimension <= 0 {
		return fmt.Errorf("create %s: dimension must be positive", s.path)
	}
	if _, err := index.Distance(s.opts.metric); err != nil {
		return err
	}

	f, err := s.fsys.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create store file: %w", err)
	}

	hdr := manifest.EncodeFileHeader()
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		_ = f.Close()
		return fmt.Errorf("write file header: %w", err)
	}

	m := manifest.New(s.opts.dimension, s.opts.metric)
	m.Generation = 1
	payload, err := m.Encode()
	if err != nil {
		_ = f.Close()
		return err
	}

	app := segment.NewAppender(f, manifest.DataStart)
	off, _, err := app.Append(segment.TypeManifest, 0, payload, segment.WriteOptions{})
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("append initial manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync initial manifest: %w", err)
	}
	if err := manifest.WriteRoot(f, manifest.RootPointer{ManifestOffset: off, Generation: m.Generation}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync initial root: %w", err)
	}

	s.engine = cow.NewEngine(s.fsys, s.path, f, app, m, nil, cow.NewLog(), s.engineConfig())
	return nil
}

// openExisting loads the manifest via the root pointer, falling back
// to a full log scan when the pointer is torn. A recovered store keeps
// appending at the end of the valid prefix; bytes past it are dead.
func (s *Store) openExisting(flag int) error {
	f, err := s.fsys.OpenFile(s.path, flag, 0o644)
	if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}

	if err := manifest.CheckFileHeader(f); err != nil {
		_ = f.Close()
		return err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat store file: %w", err)
	}
	size := info.Size()

	var (
		m         *manifest.Manifest
		appendOff = size
	)
	root, rootErr := manifest.ReadRoot(f)
	if rootErr == nil {
		m, err = manifest.Load(f, root)
	}
	if rootErr != nil || err != nil {
		// Root pointer torn or stale. Scan the log for the newest
		// valid manifest and resume after the valid prefix.
		rm, mOff, validEnd, recErr := manifest.Recover(f, size)
		if recErr != nil {
			_ = f.Close()
			s.logger.LogRecovery(context.Background(), 0, 0, recErr)
			return fmt.Errorf("%w: %v", ErrTornManifest, recErr)
		}
		m = rm
		appendOff = validEnd
		s.logger.LogRecovery(context.Background(), m.Generation, mOff, nil)
		if !s.opts.readOnly {
			if err := manifest.WriteRoot(f, manifest.RootPointer{ManifestOffset: mOff, Generation: m.Generation}); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Sync(); err != nil {
				_ = f.Close()
				return fmt.Errorf("sync recovered root: %w", err)
			}
		}
	}

	if _, err := index.Distance(m.Metric); err != nil {
		_ = f.Close()
		return err
	}

	deleted, err := cow.LoadDeleted(f, m)
	if err != nil {
		_ = f.Close()
		return err
	}
	wlog, err := cow.LoadWitnessLog(f, m)
	if err != nil {
		_ = f.Close()
		return err
	}

	app := segment.NewAppender(f, appendOff)
	s.engine = cow.NewEngine(s.fsys, s.path, f, app, m, deleted, wlog, s.engineConfig())
	return nil
}

func (s *Store) engineConfig() cow.Config {
	return cow.Config{
		Compression:  s.opts.compression,
		Witness:      s.opts.witness,
		Fsync:        s.opts.fsync,
		MaxBlockRows: s.opts.maxBlockRows,
	}
}

// startBootVerification checks every manifest-referenced segment's
// payload checksum in the background. Queries are admitted while it
// runs; corrupt segments found are reported through Status and skipped
// by the probe scan.
func (s *Store) startBootVerification() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bootCancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	s.bootGroup = g

	snap := s.engine.Snapshot()
	snap.Acquire()

	g.Go(func() error {
		defer snap.Release()
		r := snap.Reader()
		for _, seg := range snap.Manifest.Segments {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := segment.ReadHeaderAt(r, seg.Offset)
			if err == nil {
				err = segment.VerifyPayload(r, seg.Offset, h)
			}
			if err != nil {
				s.corruptMu.Lock()
				s.corrupt = append(s.corrupt, seg.ID)
				s.corruptMu.Unlock()
				s.logger.Warn("segment failed boot verification",
					"segment_id", seg.ID,
					"type", seg.Type.String(),
					"error", err,
				)
			}
		}
		s.bootDone.Store(true)
		s.state.CompareAndSwap(int32(StateOpening), int32(StateOpen))
		return nil
	})
}

func (s *Store) checkOpen() error {
	switch StoreState(s.state.Load()) {
	case StateOpening, StateOpen:
		return nil
	default:
		return ErrClosed
	}
}

func (s *Store) checkWritable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.opts.readOnly {
		return ErrReadOnly
	}
	return nil
}

// Ingest appends vectors and commits them atomically. The assigned
// IDs are returned in input order.
func (s *Store) Ingest(ctx context.Context, vecs [][]float32) (IngestResult, error) {
	return s.IngestWithMetadata(ctx, vecs, nil)
}

// IngestWithMetadata appends vectors with per-vector metadata in one
// atomic commit. meta must be nil or parallel to vecs; nil and empty
// maps attach nothing. Stored metadata comes back with query hits.
func (s *Store) IngestWithMetadata(ctx context.Context, vecs [][]float32, meta []Metadata) (IngestResult, error) {
	if err := s.checkWritable(); err != nil {
		return IngestResult{}, err
	}
	start := time.Now()

	var rows []map[string]string
	if meta != nil {
		rows = make([]map[string]string, len(meta))
		for i := range meta {
			rows[i] = meta[i]
		}
	}

	res, err := s.engine.IngestWithMetadata(ctx, vecs, rows)
	err = translateError(err)

	s.metrics.RecordIngest(len(vecs), time.Since(start), err)
	s.logger.LogIngest(ctx, len(vecs), res.SegmentsWritten, err)
	if err != nil {
		return IngestResult{}, err
	}
	s.defense.Cache.InvalidateAll()
	return IngestResult(res), nil
}

// Delete tombstones the given vector IDs. Unknown or already deleted
// IDs are ignored; deleting only such IDs commits nothing.
func (s *Store) Delete(ctx context.Context, ids []uint64) (DeleteResult, error) {
	if err := s.checkWritable(); err != nil {
		return DeleteResult{}, err
	}
	start := time.Now()

	res, err := s.engine.Delete(ctx, ids)
	err = translateError(err)

	s.metrics.RecordDelete(len(ids), time.Since(start), err)
	s.logger.LogDelete(ctx, len(ids), res.TombstonesWritten, err)
	if err != nil {
		return DeleteResult{}, err
	}
	if res.TombstonesWritten > 0 {
		s.defense.Cache.InvalidateAll()
	}
	return DeleteResult(res), nil
}

// Update replaces the vectors stored under ids in one atomic commit:
// the old rows are tombstoned and the new ones appended under fresh
// IDs, returned in input order.
func (s *Store) Update(ctx context.Context, ids []uint64, vecs [][]float32) (IngestResult, error) {
	if err := s.checkWritable(); err != nil {
		return IngestResult{}, err
	}
	start := time.Now()

	res, err := s.engine.Update(ctx, ids, vecs)
	err = translateError(err)

	s.metrics.RecordIngest(len(vecs), time.Since(start), err)
	s.logger.LogIngest(ctx, len(vecs), res.SegmentsWritten, err)
	if err != nil {
		return IngestResult{}, err
	}
	s.defense.Cache.InvalidateAll()
	return IngestResult(res), nil
}

// Compact rewrites blocks whose dead-row share crossed the policy
// thresholds and consolidates tombstones. Space is logically freed;
// Vacuum reclaims it physically.
func (s *Store) Compact(ctx context.Context) (CompactionResult, error) {
	if err := s.checkWritable(); err != nil {
		return CompactionResult{}, err
	}
	start := time.Now()

	res, err := s.compactor.Run(ctx)

	s.metrics.RecordCompaction(res.BytesReclaimed, time.Since(start), err)
	s.logger.LogCompaction(ctx, CompactionResult(res), err)
	if err != nil {
		return CompactionResult{}, err
	}
	return CompactionResult(res), nil
}

// Vacuum rewrites the store file without its unreferenced bytes and
// swaps it in place. Readers holding snapshots of the old file keep
// working until they release.
func (s *Store) Vacuum(ctx context.Context) (CompactionResult, error) {
	if err := s.checkWritable(); err != nil {
		return CompactionResult{}, err
	}
	start := time.Now()

	res, err := s.compactor.Vacuum(ctx)

	s.metrics.RecordCompaction(res.BytesReclaimed, time.Since(start), err)
	s.logger.LogCompaction(ctx, CompactionResult(res), err)
	if err != nil {
		return CompactionResult{}, err
	}
	s.defense.Cache.InvalidateAll()
	return CompactionResult(res), nil
}

// VerifyWitnessChain re-validates the hash links of the in-memory
// witness chain.
func (s *Store) VerifyWitnessChain() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.engine.WitnessLog().VerifyChain()
}

// Status returns an operational snapshot of the store.
func (s *Store) Status() StoreStatus {
	st := StoreStatus{
		State:      StoreState(s.state.Load()),
		Path:       s.path,
		WriterLock: s.lock != nil,
	}
	if s.engine == nil {
		return st
	}

	snap := s.engine.Snapshot()
	st.ManifestGeneration = snap.Manifest.Generation
	st.SegmentCount = len(snap.Manifest.Segments)
	st.LiveRows = snap.Manifest.LiveRows()
	if snap.Deleted != nil {
		st.DeletedRows = snap.Deleted.GetCardinality()
	}
	if info, err := s.fsys.Stat(s.path); err == nil {
		st.FileSize = info.Size()
	}
	st.BootVerified = s.bootDone.Load()
	s.corruptMu.Lock()
	st.CorruptSegments = append([]uint64(nil), s.corrupt...)
	s.corruptMu.Unlock()
	st.WitnessRecords = s.engine.WitnessLog().Len()
	st.Defense = s.defense.Stats()
	st.SafetyNetActivations, st.SafetyNetAudits = s.net.Stats()
	return st
}

// Close releases the store handle. In-flight snapshot holders keep
// the underlying file alive until they release.
func (s *Store) Close() error {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) &&
		!s.state.CompareAndSwap(int32(StateOpening), int32(StateClosing)) {
		return nil
	}

	if s.bootCancel != nil {
		s.bootCancel()
		_ = s.bootGroup.Wait()
	}

	err := s.engine.Close()
	if s.lock != nil {
		if lerr := s.lock.Release(); err == nil {
			err = lerr
		}
	}
	s.state.Store(int32(StateClosed))
	return err
}
