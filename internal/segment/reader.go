package segment

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hupe1980/rvf/internal/hash"
)

// maxPayloadLen bounds a single payload read so a corrupt length field
// cannot trigger a giant allocation.
const maxPayloadLen = 1 << 36 // 64 GiB

// ReadHeaderAt reads and validates the segment header at off.
func ReadHeaderAt(r io.ReaderAt, off int64) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := r.ReadAt(buf[:], off); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, fmt.Errorf("%w: header at offset %d past end of file", ErrSizeMismatch, off)
		}
		return Header{}, fmt.Errorf("read segment header: %w", err)
	}
	h, err := DecodeHeader(buf[:])
	if err != nil {
		return Header{}, err
	}
	if h.PayloadLen > maxPayloadLen {
		return Header{}, fmt.Errorf("%w: payload length %d", ErrSizeMismatch, h.PayloadLen)
	}
	return h, nil
}

// ReadPayload reads, verifies and decompresses the payload of the
// segment whose header sits at off. A checksum mismatch returns
// ErrCorruptSegment; the caller falls back rather than panicking.
func ReadPayload(r io.ReaderAt, off int64, h Header) ([]byte, error) {
	stored := make([]byte, h.PayloadLen)
	if _, err := r.ReadAt(stored, off+HeaderSize); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: payload truncated at offset %d", ErrSizeMismatch, off)
		}
		return nil, fmt.Errorf("read segment payload: %w", err)
	}
	if got := checksum(h.ChecksumAlgo, stored); got != h.PayloadChecksum {
		return nil, fmt.Errorf("%w: payload checksum 0x%08x, want 0x%08x (seq %d)",
			ErrCorruptSegment, got, h.PayloadChecksum, h.Sequence)
	}

	if h.Flags&(FlagLZ4|FlagZstd) != 0 {
		if len(stored) < 8 {
			return nil, fmt.Errorf("%w: compressed payload missing length prefix", ErrSizeMismatch)
		}
		rawLen := binary.LittleEndian.Uint64(stored[0:8])
		if rawLen > maxPayloadLen {
			return nil, fmt.Errorf("%w: raw length %d", ErrSizeMismatch, rawLen)
		}
		return decompressPayload(stored[8:], h.Flags, int(rawLen))
	}
	return stored, nil
}

// Read reads the whole segment at off: header plus verified payload.
func Read(r io.ReaderAt, off int64) (Header, []byte, error) {
	h, err := ReadHeaderAt(r, off)
	if err != nil {
		return Header{}, nil, err
	}
	payload, err := ReadPayload(r, off, h)
	if err != nil {
		return Header{}, nil, err
	}
	return h, payload, nil
}

// VerifyPayload streams the stored payload through the checksum in
// fixed-size chunks without materializing it. Progressive boot uses
// this to validate large segments before they are ever paged in whole.
func VerifyPayload(r io.ReaderAt, off int64, h Header) error {
	var hasher = hash.NewCRC32C()
	if h.ChecksumAlgo == AlgoCRC32IEEE {
		hasher = hash.NewCRC32IEEE()
	}

	const chunk = 1 << 20
	buf := make([]byte, chunk)
	remaining := int64(h.PayloadLen)
	pos := off + HeaderSize
	for remaining > 0 {
		n := int64(chunk)
		if remaining < n {
			n = remaining
		}
		if _, err := r.ReadAt(buf[:n], pos); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return fmt.Errorf("%w: payload truncated at offset %d", ErrSizeMismatch, pos)
			}
			return fmt.Errorf("verify segment payload: %w", err)
		}
		hasher.Write(buf[:n])
		pos += n
		remaining -= n
	}
	if got := hasher.Sum32(); got != h.PayloadChecksum {
		return fmt.Errorf("%w: streamed checksum 0x%08x, want 0x%08x (seq %d)",
			ErrCorruptSegment, got, h.PayloadChecksum, h.Sequence)
	}
	return nil
}
