package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// WriteOptions controls how a payload is stored.
type WriteOptions struct {
	ChecksumAlgo ChecksumAlgo
	Compression  Compression
	// ExtraFlags are OR-ed into the header flags (e.g. FlagCodecEncoded).
	ExtraFlags uint16
}

// Appender appends segments to the tail of a store file. It owns the
// write offset; all writes go through it so offsets stay consistent.
// It is safe for use by the single writer goroutine only.
type Appender struct {
	mu  sync.Mutex
	w   io.WriterAt
	off int64
}

// NewAppender creates an appender positioned at off (the current end
// of the file).
func NewAppender(w io.WriterAt, off int64) *Appender {
	return &Appender{w: w, off: off}
}

// Offset returns the next append offset.
func (a *Appender) Offset() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.off
}

// Append writes one segment and returns its file offset and total
// on-disk length. The payload is compressed and checksummed per opts.
func (a *Appender) Append(typ Type, seq uint64, payload []byte, opts WriteOptions) (off, total int64, err error) {
	if opts.ChecksumAlgo == 0 {
		opts.ChecksumAlgo = AlgoCRC32C
	}

	stored, flag, err := compressPayload(payload, opts.Compression)
	if err != nil {
		return 0, 0, err
	}
	if flag != 0 {
		// Compressed payloads carry the raw length up front so block
		// decompression can size its output buffer.
		prefixed := make([]byte, 8+len(stored))
		binary.LittleEndian.PutUint64(prefixed[0:8], uint64(len(payload)))
		copy(prefixed[8:], stored)
		stored = prefixed
	}

	h := Header{
		Version:         Version,
		Type:            typ,
		ChecksumAlgo:    opts.ChecksumAlgo,
		Flags:           flag | opts.ExtraFlags,
		Sequence:        seq,
		PayloadLen:      uint64(len(stored)),
		PayloadChecksum: checksum(opts.ChecksumAlgo, stored),
	}
	hdr := h.Encode()

	a.mu.Lock()
	defer a.mu.Unlock()

	off = a.off
	if _, err := a.w.WriteAt(hdr[:], off); err != nil {
		return 0, 0, fmt.Errorf("write segment header: %w", err)
	}
	if len(stored) > 0 {
		if _, err := a.w.WriteAt(stored, off+HeaderSize); err != nil {
			return 0, 0, fmt.Errorf("write segment payload: %w", err)
		}
	}
	total = HeaderSize + int64(len(stored))
	a.off = off + total
	return off, total, nil
}

// Truncate rewinds the append offset. Used when a mutation aborts
// after partial writes: the bytes stay on disk as harmless garbage and
// the next append overwrites them.
func (a *Appender) Truncate(off int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.off = off
}
