// Package codec compresses persisted index blobs.
//
// Frame layout: [algorithm u8][uncompressedSize u32][storedSize u32][payload].
// A storedSize of 0 means the payload is stored raw because compression did
// not pay off.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies a compression algorithm.
type Compression uint8

const (
	None Compression = 0
	LZ4  Compression = 1
	Zstd Compression = 2
)

const frameHeaderSize = 9

// ErrCorruptFrame is returned when a frame cannot be decoded.
var ErrCorruptFrame = errors.New("corrupt compressed frame")

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

// ParseCompression parses "none", "lz4" or "zstd". The empty string is None.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression: %q (supported: none, lz4, zstd)", s)
	}
}

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Compress wraps data in a frame compressed with c.
func Compress(c Compression, data []byte) ([]byte, error) {
	var payload []byte
	switch c {
	case None:
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		payload = buf[:n]
	case Zstd:
		enc := getZstdEncoder()
		payload = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("unknown compression: %d", c)
	}

	raw := len(payload) == 0 || len(payload) >= len(data)
	if raw {
		payload = data
	}
	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = byte(c)
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(data)))
	if !raw {
		binary.LittleEndian.PutUint32(out[5:9], uint32(len(payload)))
	}
	copy(out[frameHeaderSize:], payload)
	return out, nil
}

// Decompress decodes a frame produced by Compress.
func Decompress(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptFrame, len(frame))
	}
	c := Compression(frame[0])
	size := int(binary.LittleEndian.Uint32(frame[1:5]))
	stored := int(binary.LittleEndian.Uint32(frame[5:9]))
	payload := frame[frameHeaderSize:]

	if stored == 0 {
		if len(payload) != size {
			return nil, fmt.Errorf("%w: raw payload %d bytes, want %d", ErrCorruptFrame, len(payload), size)
		}
		return append([]byte(nil), payload...), nil
	}
	if stored != len(payload) {
		return nil, fmt.Errorf("%w: payload %d bytes, header says %d", ErrCorruptFrame, len(payload), stored)
	}

	switch c {
	case LZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorruptFrame, err)
		}
		if n != size {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, want %d", ErrCorruptFrame, n, size)
		}
		return out, nil
	case Zstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptFrame, err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("%w: zstd produced %d bytes, want %d", ErrCorruptFrame, len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %d", ErrCorruptFrame, c)
	}
}
