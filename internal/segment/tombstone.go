package segment

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// EncodeTombstone serializes a set of deleted vector IDs into a
// tombstone payload (a portable roaring64 bitmap).
func EncodeTombstone(deleted *roaring64.Bitmap) ([]byte, error) {
	buf, err := deleted.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal tombstone bitmap: %w", err)
	}
	return buf, nil
}

// DecodeTombstone parses a tombstone payload.
func DecodeTombstone(payload []byte) (*roaring64.Bitmap, error) {
	bm := roaring64.New()
	if err := bm.UnmarshalBinary(payload); err != nil {
		return nil, fmt.Errorf("%w: tombstone bitmap: %v", ErrCorruptSegment, err)
	}
	return bm, nil
}
