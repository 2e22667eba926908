package segment

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Meta block payload layout (little-endian):
//
//	count u32 | rows...
//	row: id u64 | pairs u16 | pair...
//	pair: klen u16 | key | vlen u32 | value
//
// Pairs are sorted by key so a block's bytes are deterministic for a
// given input. Rows follow the ID order of the vector block they
// accompany, covering the same contiguous ID range.

// EncodeMetaBlock serializes per-vector key/value metadata. rows must
// be parallel to ids; nil or empty maps encode as zero pairs.
func EncodeMetaBlock(ids []uint64, rows []map[string]string) ([]byte, error) {
	if len(ids) != len(rows) {
		return nil, fmt.Errorf("%w: %d ids but %d metadata rows", ErrSizeMismatch, len(ids), len(rows))
	}

	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(ids)))
	for i, id := range ids {
		buf = binary.LittleEndian.AppendUint64(buf, id)

		keys := make([]string, 0, len(rows[i]))
		for k := range rows[i] {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(keys)))
		for _, k := range keys {
			if len(k) > 0xFFFF {
				return nil, fmt.Errorf("%w: metadata key of %d bytes", ErrSizeMismatch, len(k))
			}
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(k)))
			buf = append(buf, k...)
			v := rows[i][k]
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
			buf = append(buf, v...)
		}
	}
	return buf, nil
}

// DecodeMetaBlock parses a meta block payload. Rows without pairs
// decode as nil maps.
func DecodeMetaBlock(payload []byte) (ids []uint64, rows []map[string]string, err error) {
	if len(payload) < 4 {
		return nil, nil, fmt.Errorf("%w: meta block too short", ErrSizeMismatch)
	}
	count := int(binary.LittleEndian.Uint32(payload[0:4]))
	pos := 4

	ids = make([]uint64, 0, count)
	rows = make([]map[string]string, 0, count)
	for r := 0; r < count; r++ {
		if pos+10 > len(payload) {
			return nil, nil, fmt.Errorf("%w: meta block truncated at row %d", ErrSizeMismatch, r)
		}
		id := binary.LittleEndian.Uint64(payload[pos:])
		pairs := int(binary.LittleEndian.Uint16(payload[pos+8:]))
		pos += 10

		var row map[string]string
		if pairs > 0 {
			row = make(map[string]string, pairs)
		}
		for p := 0; p < pairs; p++ {
			if pos+2 > len(payload) {
				return nil, nil, fmt.Errorf("%w: meta block truncated at row %d", ErrSizeMismatch, r)
			}
			klen := int(binary.LittleEndian.Uint16(payload[pos:]))
			pos += 2
			if pos+klen+4 > len(payload) {
				return nil, nil, fmt.Errorf("%w: meta block truncated at row %d", ErrSizeMismatch, r)
			}
			k := string(payload[pos : pos+klen])
			pos += klen
			vlen := int(binary.LittleEndian.Uint32(payload[pos:]))
			pos += 4
			if pos+vlen > len(payload) {
				return nil, nil, fmt.Errorf("%w: meta block truncated at row %d", ErrSizeMismatch, r)
			}
			row[k] = string(payload[pos : pos+vlen])
			pos += vlen
		}
		ids = append(ids, id)
		rows = append(rows, row)
	}
	if pos != len(payload) {
		return nil, nil, fmt.Errorf("%w: meta block is %d bytes, want %d", ErrSizeMismatch, len(payload), pos)
	}
	return ids, rows, nil
}
