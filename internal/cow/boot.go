package cow

import (
	"fmt"
	"io"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/rvf/internal/hash"
	"github.com/hupe1980/rvf/internal/manifest"
	"github.com/hupe1980/rvf/internal/segment"
)

// LoadDeleted unions all tombstone segments the manifest lists into a
// single bitmap.
func LoadDeleted(r io.ReaderAt, m *manifest.Manifest) (*roaring64.Bitmap, error) {
	deleted := roaring64.New()
	for _, info := range m.Tombstones() {
		_, payload, err := segment.Read(r, info.Offset)
		if err != nil {
			return nil, fmt.Errorf("tombstone segment %d: %w", info.ID, err)
		}
		bm, err := segment.DecodeTombstone(payload)
		if err != nil {
			return nil, fmt.Errorf("tombstone segment %d: %w", info.ID, err)
		}
		deleted.Or(bm)
	}
	return deleted, nil
}

// LoadWitnessLog replays the witness segments the manifest lists into
// a fresh arena, in sequence order, and verifies the hash chain.
func LoadWitnessLog(r io.ReaderAt, m *manifest.Manifest) (*Log, error) {
	var infos []manifest.SegmentInfo
	for _, info := range m.Segments {
		if info.Type == segment.TypeWitness {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Sequence < infos[j].Sequence })

	l := NewLog()
	for _, info := range infos {
		_, payload, err := segment.Read(r, info.Offset)
		if err != nil {
			return nil, fmt.Errorf("witness segment %d: %w", info.ID, err)
		}
		rec, err := DecodeRecord(payload)
		if err != nil {
			return nil, fmt.Errorf("witness segment %d: %w", info.ID, err)
		}
		if rec.Sequence != uint64(len(l.records))+1 || rec.PrevChecksum != l.lastSum {
			return nil, fmt.Errorf("witness chain broken at segment %d", info.ID)
		}
		l.records = append(l.records, rec)
		l.lastSum = hash.CRC32C(payload)
	}
	return l, nil
}
