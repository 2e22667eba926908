package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/rvf/internal/hash"
)

const (
	// FileMagic identifies an RVF store file (ASCII "RVFS").
	FileMagic = 0x52564653

	// FileVersion is the current store file format version.
	FileVersion = 1

	fileHeaderSize = 16
	rootSlotSize   = 24

	// DataStart is the file offset of the first segment. The fixed
	// region before it holds the file header and two replicated root
	// pointer slots.
	DataStart = fileHeaderSize + 2*rootSlotSize
)

var (
	// ErrBadFileMagic is returned when the file is not an RVF store.
	ErrBadFileMagic = errors.New("not an RVF store file")

	// ErrTornManifest signals that the root pointer flip was
	// interrupted. Recoverable by scanning for the last valid manifest.
	ErrTornManifest = errors.New("torn manifest root pointer")
)

// RootPointer locates the current manifest segment.
type RootPointer struct {
	ManifestOffset int64
	Generation     uint64
}

// EncodeFileHeader produces the fixed region at the start of a new
// store file: file header plus two zeroed root slots (no manifest yet).
func EncodeFileHeader() [DataStart]byte {
	var buf [DataStart]byte
	binary.LittleEndian.PutUint32(buf[0:4], FileMagic)
	binary.LittleEndian.PutUint16(buf[4:6], FileVersion)
	// remaining header bytes and both slots stay zero
	return buf
}

// CheckFileHeader validates the store file magic and version.
func CheckFileHeader(r io.ReaderAt) error {
	var buf [fileHeaderSize]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return fmt.Errorf("read file header: %w", err)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != FileMagic {
		return ErrBadFileMagic
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != FileVersion {
		return fmt.Errorf("unsupported store file version: %d", v)
	}
	return nil
}

func encodeRootSlot(p RootPointer) [rootSlotSize]byte {
	var buf [rootSlotSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.ManifestOffset))
	binary.LittleEndian.PutUint64(buf[8:16], p.Generation)
	binary.LittleEndian.PutUint32(buf[16:20], hash.CRC32C(buf[0:16]))
	return buf
}

func decodeRootSlot(buf []byte) (RootPointer, bool) {
	if binary.LittleEndian.Uint32(buf[16:20]) != hash.CRC32C(buf[0:16]) {
		return RootPointer{}, false
	}
	p := RootPointer{
		ManifestOffset: int64(binary.LittleEndian.Uint64(buf[0:8])),
		Generation:     binary.LittleEndian.Uint64(buf[8:16]),
	}
	if p.ManifestOffset == 0 {
		return RootPointer{}, false // zeroed slot: no manifest committed yet
	}
	return p, true
}

// WriteRoot flips the root pointer. Slot A is the single pointer-sized
// commit point; slot B is written second as a replica so a torn write
// of one slot still leaves a valid pointer behind.
func WriteRoot(w io.WriterAt, p RootPointer) error {
	slot := encodeRootSlot(p)
	if _, err := w.WriteAt(slot[:], fileHeaderSize); err != nil {
		return fmt.Errorf("write root slot A: %w", err)
	}
	if _, err := w.WriteAt(slot[:], fileHeaderSize+rootSlotSize); err != nil {
		return fmt.Errorf("write root slot B: %w", err)
	}
	return nil
}

// ReadRoot reads the root pointer, preferring the valid slot with the
// highest generation. Returns ErrTornManifest when neither slot
// validates (a zeroed pair means an empty store, reported the same
// way; the recovery scan distinguishes the two).
func ReadRoot(r io.ReaderAt) (RootPointer, error) {
	var buf [2 * rootSlotSize]byte
	if _, err := r.ReadAt(buf[:], fileHeaderSize); err != nil {
		return RootPointer{}, fmt.Errorf("read root slots: %w", err)
	}
	a, okA := decodeRootSlot(buf[:rootSlotSize])
	b, okB := decodeRootSlot(buf[rootSlotSize:])
	switch {
	case okA && okB:
		if b.Generation > a.Generation {
			return b, nil
		}
		return a, nil
	case okA:
		return a, nil
	case okB:
		return b, nil
	default:
		return RootPointer{}, ErrTornManifest
	}
}
