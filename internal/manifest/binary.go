package manifest

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/hupe1980/rvf/internal/segment"
)

// Encode serializes the manifest into the payload of a manifest
// segment. The segment header supplies magic, checksum and sequence;
// this payload carries only the logical content.
//
// Payload layout (little-endian):
//
//	Version (2 bytes)
//	Generation (8 bytes)
//	Sequence (8 bytes)
//	Dim (4 bytes)
//	Metric (len-prefixed string)
//	NextID (8 bytes)
//	Pointers x6 (SegmentID 8, Offset 8, Length 8 each)
//	NumSegments (4 bytes)
//	Segments...
//	  ID (8) Type (1) Offset (8) Length (8) Sequence (8)
//	  RowCount (4) DeadRows (4) MinID (8) MaxID (8)
//	  CentroidLen (4) Centroid float32s...
func (m *Manifest) Encode() ([]byte, error) {
	pb := newPayloadBuffer(make([]byte, 0, 128+len(m.Segments)*(49+4*m.Dim)))

	pb.writeUint16(uint16(m.Version))
	pb.writeUint64(m.Generation)
	pb.writeUint64(m.Sequence)
	pb.writeUint32(uint32(m.Dim))
	pb.writeString(m.Metric)
	pb.writeUint64(m.NextID)

	for _, ref := range []SegmentRef{
		m.CentroidTable, m.Entrypoint, m.TopLayer,
		m.HotCache, m.QuantDict, m.PrefetchMap,
	} {
		pb.writeUint64(ref.SegmentID)
		pb.writeUint64(uint64(ref.Offset))
		pb.writeUint64(uint64(ref.Length))
	}

	pb.writeUint32(uint32(len(m.Segments)))
	for _, s := range m.Segments {
		pb.writeUint64(s.ID)
		pb.writeByte(byte(s.Type))
		pb.writeUint64(uint64(s.Offset))
		pb.writeUint64(uint64(s.Length))
		pb.writeUint64(s.Sequence)
		pb.writeUint32(s.RowCount)
		pb.writeUint32(s.DeadRows)
		pb.writeUint64(s.MinID)
		pb.writeUint64(s.MaxID)
		pb.writeUint32(uint32(len(s.Centroid)))
		for _, v := range s.Centroid {
			pb.writeUint32(math.Float32bits(v))
		}
	}

	if pb.err != nil {
		return nil, pb.err
	}
	return pb.buf, nil
}

// Decode parses a manifest payload.
func Decode(payload []byte) (*Manifest, error) {
	pb := newPayloadBuffer(payload)
	m := &Manifest{}

	m.Version = int(pb.readUint16())
	if pb.err == nil && m.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported manifest version: %d", m.Version)
	}
	m.Generation = pb.readUint64()
	m.Sequence = pb.readUint64()
	m.Dim = int(pb.readUint32())
	m.Metric = pb.readString()
	m.NextID = pb.readUint64()

	for _, ref := range []*SegmentRef{
		&m.CentroidTable, &m.Entrypoint, &m.TopLayer,
		&m.HotCache, &m.QuantDict, &m.PrefetchMap,
	} {
		ref.SegmentID = pb.readUint64()
		ref.Offset = int64(pb.readUint64())
		ref.Length = int64(pb.readUint64())
	}

	numSegments := pb.readUint32()
	if pb.err != nil {
		return nil, pb.err
	}
	if int(numSegments) > len(payload) { // cheap sanity bound
		return nil, fmt.Errorf("implausible segment count: %d", numSegments)
	}
	m.Segments = make([]SegmentInfo, numSegments)
	for i := range m.Segments {
		s := &m.Segments[i]
		s.ID = pb.readUint64()
		s.Type = segment.Type(pb.readByte())
		s.Offset = int64(pb.readUint64())
		s.Length = int64(pb.readUint64())
		s.Sequence = pb.readUint64()
		s.RowCount = pb.readUint32()
		s.DeadRows = pb.readUint32()
		s.MinID = pb.readUint64()
		s.MaxID = pb.readUint64()
		centroidLen := pb.readUint32()
		if pb.err != nil {
			return nil, pb.err
		}
		if centroidLen > 0 {
			if int(centroidLen) > len(payload)/4 {
				return nil, fmt.Errorf("implausible centroid length: %d", centroidLen)
			}
			s.Centroid = make([]float32, centroidLen)
			for j := range s.Centroid {
				s.Centroid[j] = math.Float32frombits(pb.readUint32())
			}
		}
	}

	if pb.err != nil {
		return nil, pb.err
	}
	return m, nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeByte(v byte) {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf, v)
}

func (p *payloadBuffer) writeUint16(v uint16) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > 65535 {
		p.err = fmt.Errorf("string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) readByte() byte {
	if p.err != nil {
		return 0
	}
	if p.pos+1 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := p.buf[p.pos]
	p.pos++
	return v
}

func (p *payloadBuffer) readUint16() uint16 {
	if p.err != nil {
		return 0
	}
	if p.pos+2 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint16(p.buf[p.pos:])
	p.pos += 2
	return v
}

func (p *payloadBuffer) readUint32() uint32 {
	if p.err != nil {
		return 0
	}
	if p.pos+4 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *payloadBuffer) readUint64() uint64 {
	if p.err != nil {
		return 0
	}
	if p.pos+8 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

func (p *payloadBuffer) readString() string {
	if p.err != nil {
		return ""
	}
	if p.pos+2 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return ""
	}
	l := binary.LittleEndian.Uint16(p.buf[p.pos:])
	p.pos += 2

	if p.pos+int(l) > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return ""
	}
	s := string(p.buf[p.pos : p.pos+int(l)])
	p.pos += int(l)
	return s
}
