package segment

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the payload compression algorithm.
type Compression uint8

const (
	// CompressionNone stores the payload as-is.
	CompressionNone Compression = iota
	// CompressionLZ4 is fast with a modest ratio; good for hot data.
	CompressionLZ4
	// CompressionZstd has a better ratio; good for cold data.
	CompressionZstd
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compressPayload compresses data, returning the bytes to store and the
// flag bit to record. Incompressible payloads (ratio > 0.9) are stored
// raw so reads never pay decompression for nothing.
func compressPayload(data []byte, c Compression) ([]byte, uint16, error) {
	if c == CompressionNone || len(data) == 0 {
		return data, 0, nil
	}

	var compressed []byte
	var flag uint16

	switch c {
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		buf := make([]byte, bound)
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return data, 0, nil // incompressible
		}
		compressed, flag = buf[:n], FlagLZ4
	case CompressionZstd:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
		flag = FlagZstd
	default:
		return data, 0, nil
	}

	if float64(len(compressed)) > float64(len(data))*0.9 {
		return data, 0, nil
	}
	return compressed, flag, nil
}

// decompressPayload reverses compressPayload given the header flags.
// rawLen is the expected decompressed length recorded alongside the
// payload by the writer (LZ4 block decompression needs it up front).
func decompressPayload(data []byte, flags uint16, rawLen int) ([]byte, error) {
	switch {
	case flags&FlagLZ4 != 0:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorruptSegment, err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("%w: lz4 decompressed %d bytes, want %d", ErrSizeMismatch, n, rawLen)
		}
		return out, nil
	case flags&FlagZstd != 0:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(data, make([]byte, 0, rawLen))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptSegment, err)
		}
		if len(out) != rawLen {
			return nil, fmt.Errorf("%w: zstd decompressed %d bytes, want %d", ErrSizeMismatch, len(out), rawLen)
		}
		return out, nil
	default:
		return data, nil
	}
}
