package compact

import (
	"sort"

	"github.com/hupe1980/rvf/internal/manifest"
	"github.com/hupe1980/rvf/internal/segment"
)

// Policy decides which vector blocks are worth rewriting.
type Policy struct {
	// MinLiveRatio marks a block as a candidate when its live/total
	// row ratio falls below this value. Default: 0.5.
	MinLiveRatio float64

	// TombstoneThreshold marks a block as a candidate once this many
	// of its rows are dead, regardless of ratio. 0 disables the
	// absolute trigger.
	TombstoneThreshold uint32

	// MaxBlockRows caps the size of rewritten blocks. 0 keeps merges
	// unsplit.
	MaxBlockRows int
}

// DefaultPolicy returns the default compaction policy.
func DefaultPolicy() Policy {
	return Policy{
		MinLiveRatio:       0.5,
		TombstoneThreshold: 10_000,
	}
}

// Plan lists the candidate blocks of m, ordered by MinID so merged
// output keeps near-contiguous ID ranges, plus every tombstone
// segment that would be consolidated along with them.
func (p Policy) Plan(m *manifest.Manifest) (blocks, tombstones []manifest.SegmentInfo) {
	for _, info := range m.VectorBlocks() {
		if p.isCandidate(info) {
			blocks = append(blocks, info)
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].MinID < blocks[j].MinID })

	if len(blocks) > 0 {
		tombstones = m.Tombstones()
	}
	return blocks, tombstones
}

func (p Policy) isCandidate(info manifest.SegmentInfo) bool {
	if info.Type != segment.TypeVectorBlock || info.DeadRows == 0 {
		return false
	}
	if p.TombstoneThreshold > 0 && info.DeadRows >= p.TombstoneThreshold {
		return true
	}
	if info.RowCount == 0 {
		return false
	}
	ratio := float64(info.LiveRows()) / float64(info.RowCount)
	return ratio < p.MinLiveRatio
}
