package manifest

import (
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/rvf/internal/segment"
)

// ErrNoManifest is returned when the store contains no valid manifest.
var ErrNoManifest = errors.New("no valid manifest found")

// Load reads and decodes the manifest the root pointer names. A bad
// pointer target (corrupt or not a manifest segment) is reported as
// ErrTornManifest so the caller falls through to Recover.
func Load(r io.ReaderAt, root RootPointer) (*Manifest, error) {
	h, payload, err := segment.Read(r, root.ManifestOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTornManifest, err)
	}
	if h.Type != segment.TypeManifest {
		return nil, fmt.Errorf("%w: root points at %s segment", ErrTornManifest, h.Type)
	}
	m, err := Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTornManifest, err)
	}
	return m, nil
}

// Recover walks the segment log from DataStart looking for the most
// recent valid manifest. Used when the root pointer is torn or stale.
//
// The walk stops at the first invalid header: the file is append-only,
// so everything before a torn tail is a consistent prefix. Among valid
// manifest candidates the winner is the one with the highest sequence
// number; equal sequences (possible after a non-atomic multi-sector
// rewrite of the same generation) break ties by highest file offset.
// Both header and payload checksums must verify for a candidate to
// count.
//
// Returns the manifest, its file offset, and the end of the valid
// prefix (the offset where appending may resume).
func Recover(r io.ReaderAt, fileSize int64) (*Manifest, int64, int64, error) {
	var (
		best       *Manifest
		bestOffset int64
		bestSeq    uint64
	)

	off := int64(DataStart)
	for off+segment.HeaderSize <= fileSize {
		h, err := segment.ReadHeaderAt(r, off)
		if err != nil {
			break // torn tail; valid prefix ends here
		}
		if off+h.TotalLen() > fileSize {
			break // truncated payload
		}
		if h.Type == segment.TypeManifest {
			if payload, err := segment.ReadPayload(r, off, h); err == nil {
				if m, err := Decode(payload); err == nil {
					if best == nil || h.Sequence > bestSeq || (h.Sequence == bestSeq && off > bestOffset) {
						best, bestOffset, bestSeq = m, off, h.Sequence
					}
				}
			}
		} else if err := segment.VerifyPayload(r, off, h); err != nil {
			// A corrupt non-manifest segment does not invalidate later
			// manifests that no longer reference it; keep walking.
			if errors.Is(err, segment.ErrSizeMismatch) {
				break
			}
		}
		off += h.TotalLen()
	}

	if best == nil {
		return nil, 0, off, ErrNoManifest
	}
	return best, bestOffset, off, nil
}
