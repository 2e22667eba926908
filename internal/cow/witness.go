package cow

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hupe1980/rvf/internal/hash"
)

// Op identifies the mutation a witness record describes.
type Op uint8

const (
	// OpIngest records a vector ingest.
	OpIngest Op = iota + 1
	// OpDelete records a tombstone write.
	OpDelete
	// OpUpdate records a delete+ingest pair committed together.
	OpUpdate
	// OpCompact records a compaction commit.
	OpCompact
)

// String returns a string representation of the operation.
func (o Op) String() string {
	switch o {
	case OpIngest:
		return "ingest"
	case OpDelete:
		return "delete"
	case OpUpdate:
		return "update"
	case OpCompact:
		return "compact"
	default:
		return "unknown"
	}
}

// Record is one append-only audit entry. Records are never edited or
// deleted; each carries the CRC32C of its predecessor's encoded bytes,
// forming a hash-linked chain that replay and audit tooling can verify.
type Record struct {
	Sequence     uint64 // arena index, starting at 1
	Timestamp    int64  // unix nanoseconds
	Op           Op
	Created      []uint64 // segment IDs created by the mutation
	Retired      []uint64 // segment IDs dropped from the manifest
	Rows         uint64   // rows ingested or tombstoned
	PrevChecksum uint32
}

// Encode serializes the record into a witness segment payload.
func (r Record) Encode() []byte {
	buf := make([]byte, 0, 40+8*(len(r.Created)+len(r.Retired)))
	buf = binary.LittleEndian.AppendUint64(buf, r.Sequence)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Timestamp))
	buf = append(buf, byte(r.Op))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Created)))
	for _, id := range r.Created {
		buf = binary.LittleEndian.AppendUint64(buf, id)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Retired)))
	for _, id := range r.Retired {
		buf = binary.LittleEndian.AppendUint64(buf, id)
	}
	buf = binary.LittleEndian.AppendUint64(buf, r.Rows)
	buf = binary.LittleEndian.AppendUint32(buf, r.PrevChecksum)
	return buf
}

// DecodeRecord parses a witness segment payload.
func DecodeRecord(payload []byte) (Record, error) {
	var r Record
	pos := 0
	need := func(n int) bool { return pos+n <= len(payload) }

	if !need(17) {
		return r, io.ErrUnexpectedEOF
	}
	r.Sequence = binary.LittleEndian.Uint64(payload[pos:])
	pos += 8
	r.Timestamp = int64(binary.LittleEndian.Uint64(payload[pos:]))
	pos += 8
	r.Op = Op(payload[pos])
	pos++

	for _, dst := range []*[]uint64{&r.Created, &r.Retired} {
		if !need(4) {
			return r, io.ErrUnexpectedEOF
		}
		n := int(binary.LittleEndian.Uint32(payload[pos:]))
		pos += 4
		if !need(n * 8) {
			return r, io.ErrUnexpectedEOF
		}
		if n > 0 {
			*dst = make([]uint64, n)
			for i := range *dst {
				(*dst)[i] = binary.LittleEndian.Uint64(payload[pos:])
				pos += 8
			}
		}
	}

	if !need(12) {
		return r, io.ErrUnexpectedEOF
	}
	r.Rows = binary.LittleEndian.Uint64(payload[pos:])
	pos += 8
	r.PrevChecksum = binary.LittleEndian.Uint32(payload[pos:])
	return r, nil
}

// Log is the in-memory witness arena: a flat slice indexed by sequence
// number rather than a linked structure. Appending is the only
// mutation.
type Log struct {
	mu      sync.RWMutex
	records []Record
	lastSum uint32
}

// NewLog creates an empty witness log.
func NewLog() *Log {
	return &Log{}
}

// Next builds the successor record for the given mutation, chained to
// the current tail. The record is not added until Commit is called
// with it, so a failed mutation leaves the chain untouched.
func (l *Log) Next(op Op, created, retired []uint64, rows uint64) Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Record{
		Sequence:     uint64(len(l.records)) + 1,
		Timestamp:    time.Now().UnixNano(),
		Op:           op,
		Created:      created,
		Retired:      retired,
		Rows:         rows,
		PrevChecksum: l.lastSum,
	}
}

// Commit appends a record previously produced by Next.
func (l *Log) Commit(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.Sequence != uint64(len(l.records))+1 {
		return fmt.Errorf("witness record out of order: sequence %d, arena length %d", r.Sequence, len(l.records))
	}
	if r.PrevChecksum != l.lastSum {
		return fmt.Errorf("witness chain broken at sequence %d", r.Sequence)
	}
	l.records = append(l.records, r)
	l.lastSum = hash.CRC32C(r.Encode())
	return nil
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Records returns a copy of the arena.
func (l *Log) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// VerifyChain re-walks the hash chain and reports the first break.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var sum uint32
	for i, r := range l.records {
		if r.Sequence != uint64(i)+1 {
			return fmt.Errorf("witness sequence gap at index %d: got %d", i, r.Sequence)
		}
		if r.PrevChecksum != sum {
			return fmt.Errorf("witness chain broken at sequence %d", r.Sequence)
		}
		sum = hash.CRC32C(r.Encode())
	}
	return nil
}
