package manifest

import (
	"slices"

	"github.com/hupe1980/rvf/internal/segment"
)

// CurrentVersion is the manifest payload format version.
const CurrentVersion = 1

// SegmentRef is a segment-relative pointer: never a memory address, so
// the format is directly persistable and portable across processes.
type SegmentRef struct {
	SegmentID uint64
	Offset    int64
	Length    int64
}

// IsZero reports whether the pointer is unset.
func (r SegmentRef) IsZero() bool {
	return r.SegmentID == 0 && r.Offset == 0 && r.Length == 0
}

// SegmentInfo describes one segment referenced by the manifest.
type SegmentInfo struct {
	ID       uint64
	Type     segment.Type
	Offset   int64 // file offset of the segment header
	Length   int64 // total on-disk length (header + payload)
	Sequence uint64
	RowCount uint32
	DeadRows uint32
	// MinID and MaxID bound the contiguous vector ID range of a
	// vector block. Tombstone accounting and compaction use them to
	// attribute deletions to blocks without an ID index.
	MinID uint64
	MaxID uint64
	// Centroid is the mean vector of a vector block. Probe selection
	// ranks blocks by query-to-centroid distance, and the defense
	// layer derives its degeneracy statistic from the same distances.
	Centroid []float32
}

// LiveRows returns the number of rows not masked by tombstones.
func (s SegmentInfo) LiveRows() uint32 {
	if s.DeadRows >= s.RowCount {
		return 0
	}
	return s.RowCount - s.DeadRows
}

// Manifest is the authoritative mapping from logical pointers to
// segment locations. Exactly one manifest is current at any instant;
// updates are expressed as a fresh manifest segment plus a root
// pointer flip, never an in-place edit.
type Manifest struct {
	Version    int
	Generation uint64 // increments on every flip
	Sequence   uint64 // next segment sequence number
	Dim        int
	Metric     string
	NextID     uint64 // next vector ID to assign

	Segments []SegmentInfo

	// Logical pointers into the segment log.
	CentroidTable SegmentRef
	Entrypoint    SegmentRef
	TopLayer      SegmentRef
	HotCache      SegmentRef
	QuantDict     SegmentRef
	PrefetchMap   SegmentRef
}

// New creates an empty manifest for a store of the given dimension.
func New(dim int, metric string) *Manifest {
	return &Manifest{
		Version:  CurrentVersion,
		Sequence: 1,
		Dim:      dim,
		Metric:   metric,
		NextID:   1,
	}
}

// Clone returns a deep copy. COW mutations build the successor
// manifest on a clone so readers of the current one are undisturbed.
func (m *Manifest) Clone() *Manifest {
	out := *m
	out.Segments = make([]SegmentInfo, len(m.Segments))
	for i, s := range m.Segments {
		out.Segments[i] = s
		out.Segments[i].Centroid = slices.Clone(s.Centroid)
	}
	return &out
}

// VectorBlocks returns the vector block segments, in log order.
func (m *Manifest) VectorBlocks() []SegmentInfo {
	var out []SegmentInfo
	for _, s := range m.Segments {
		if s.Type == segment.TypeVectorBlock {
			out = append(out, s)
		}
	}
	return out
}

// Tombstones returns the tombstone segments, in log order.
func (m *Manifest) Tombstones() []SegmentInfo {
	var out []SegmentInfo
	for _, s := range m.Segments {
		if s.Type == segment.TypeTombstone {
			out = append(out, s)
		}
	}
	return out
}

// LiveRows returns the total number of live vectors.
func (m *Manifest) LiveRows() uint64 {
	var n uint64
	for _, s := range m.Segments {
		if s.Type == segment.TypeVectorBlock {
			n += uint64(s.LiveRows())
		}
	}
	return n
}

// Lookup returns the SegmentInfo for id.
func (m *Manifest) Lookup(id uint64) (SegmentInfo, bool) {
	for _, s := range m.Segments {
		if s.ID == id {
			return s, true
		}
	}
	return SegmentInfo{}, false
}

// Drop removes the segments with the given IDs from the manifest.
func (m *Manifest) Drop(ids []uint64) {
	m.Segments = slices.DeleteFunc(m.Segments, func(s SegmentInfo) bool {
		return slices.Contains(ids, s.ID)
	})
}
