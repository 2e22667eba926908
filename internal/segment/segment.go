package segment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/rvf/internal/hash"
)

const (
	// Magic identifies an RVF segment header (ASCII "RVF1").
	Magic = 0x52564631

	// Version is the current segment format version.
	Version = 1

	// HeaderSize is the fixed size of every segment header in bytes.
	HeaderSize = 40
)

// Type tags the kind of payload a segment carries.
type Type uint8

const (
	// TypeInvalid marks an unset type byte. Zeroed disk pages decode
	// to this and are rejected before any payload read.
	TypeInvalid Type = iota
	// TypeVectorBlock is a block of vectors plus their IDs.
	TypeVectorBlock
	// TypeIndexBlock is an opaque index structure blob.
	TypeIndexBlock
	// TypeMeta is store-level metadata.
	TypeMeta
	// TypeTombstone is a deletion marker (roaring64 bitmap of dead IDs).
	TypeTombstone
	// TypeWitness is an append-only audit record.
	TypeWitness
	// TypeManifest is a serialized manifest. The manifest being a
	// segment type means manifest history rides the same log.
	TypeManifest
	// TypeQuantDict is a quantization dictionary blob.
	TypeQuantDict
	// TypeHotCache is a persisted hot-cache image.
	TypeHotCache
)

// String returns a string representation of the segment type.
func (t Type) String() string {
	switch t {
	case TypeVectorBlock:
		return "vector"
	case TypeIndexBlock:
		return "index"
	case TypeMeta:
		return "meta"
	case TypeTombstone:
		return "tombstone"
	case TypeWitness:
		return "witness"
	case TypeManifest:
		return "manifest"
	case TypeQuantDict:
		return "quantdict"
	case TypeHotCache:
		return "hotcache"
	default:
		return "invalid"
	}
}

// ChecksumAlgo identifies the payload checksum algorithm.
type ChecksumAlgo uint8

const (
	// AlgoCRC32C is CRC32-Castagnoli, the default.
	AlgoCRC32C ChecksumAlgo = 1
	// AlgoCRC32IEEE is CRC32-IEEE, kept for segments written by older tooling.
	AlgoCRC32IEEE ChecksumAlgo = 2
)

// Flags carried in the segment header.
const (
	// FlagLZ4 marks an LZ4-compressed payload.
	FlagLZ4 uint16 = 1 << 0
	// FlagZstd marks a zstd-compressed payload.
	FlagZstd uint16 = 1 << 1
	// FlagCodecEncoded marks a payload run through the quantization codec.
	FlagCodecEncoded uint16 = 1 << 2
)

var (
	// ErrBadMagic is returned when a header does not start with Magic.
	ErrBadMagic = errors.New("bad segment magic")

	// ErrCorruptSegment is returned on any checksum failure. Callers
	// must treat the containing logical entity as unavailable and fall
	// back; this error never panics the process.
	ErrCorruptSegment = errors.New("corrupt segment")

	// ErrSizeMismatch is returned when a payload length disagrees with
	// the bytes actually available.
	ErrSizeMismatch = errors.New("segment size mismatch")

	// ErrUnsupportedVersion is returned for future format versions.
	ErrUnsupportedVersion = errors.New("unsupported segment version")
)

// Header is the fixed-size prefix of every segment.
//
// On-disk layout (little-endian):
//
//	magic            u32
//	version          u16
//	type             u8
//	checksumAlgo     u8
//	flags            u16
//	reserved         u16
//	sequence         u64
//	payloadLen       u64
//	payloadChecksum  u32
//	headerChecksum   u32   CRC32C over bytes [0,36)
type Header struct {
	Version         uint16
	Type            Type
	ChecksumAlgo    ChecksumAlgo
	Flags           uint16
	Sequence        uint64
	PayloadLen      uint64
	PayloadChecksum uint32
}

// Encode serializes the header into a HeaderSize byte array.
func (h Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = byte(h.Type)
	buf[7] = byte(h.ChecksumAlgo)
	binary.LittleEndian.PutUint16(buf[8:10], h.Flags)
	// buf[10:12] reserved
	binary.LittleEndian.PutUint64(buf[12:20], h.Sequence)
	binary.LittleEndian.PutUint64(buf[20:28], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[28:32], h.PayloadChecksum)
	binary.LittleEndian.PutUint32(buf[32:36], hash.CRC32C(buf[0:32]))
	// buf[36:40] reserved
	return buf
}

// DecodeHeader parses and validates a segment header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header truncated at %d bytes", ErrSizeMismatch, len(buf))
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return Header{}, ErrBadMagic
	}
	if got, want := binary.LittleEndian.Uint32(buf[32:36]), hash.CRC32C(buf[0:32]); got != want {
		return Header{}, fmt.Errorf("%w: header checksum 0x%08x, want 0x%08x", ErrCorruptSegment, got, want)
	}

	h := Header{
		Version:         binary.LittleEndian.Uint16(buf[4:6]),
		Type:            Type(buf[6]),
		ChecksumAlgo:    ChecksumAlgo(buf[7]),
		Flags:           binary.LittleEndian.Uint16(buf[8:10]),
		Sequence:        binary.LittleEndian.Uint64(buf[12:20]),
		PayloadLen:      binary.LittleEndian.Uint64(buf[20:28]),
		PayloadChecksum: binary.LittleEndian.Uint32(buf[28:32]),
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.Type == TypeInvalid || h.Type > TypeHotCache {
		return Header{}, fmt.Errorf("%w: unknown segment type %d", ErrCorruptSegment, h.Type)
	}
	switch h.ChecksumAlgo {
	case AlgoCRC32C, AlgoCRC32IEEE:
	default:
		return Header{}, fmt.Errorf("%w: unknown checksum algo %d", ErrCorruptSegment, h.ChecksumAlgo)
	}
	return h, nil
}

// TotalLen returns the on-disk footprint of the segment.
func (h Header) TotalLen() int64 {
	return HeaderSize + int64(h.PayloadLen)
}

func checksum(algo ChecksumAlgo, data []byte) uint32 {
	if algo == AlgoCRC32IEEE {
		return hash.CRC32IEEE(data)
	}
	return hash.CRC32C(data)
}
