package vector

import (
	"encoding/binary"
	"math"
)

// EncodeFloat32s encodes v as little-endian IEEE 754 float32 values.
func EncodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeFloat32s decodes a buffer written by EncodeFloat32s. The buffer must
// hold exactly dims values.
func DecodeFloat32s(b []byte, dims int) ([]float32, error) {
	if len(b) != dims*4 {
		return nil, &ErrDimensionMismatch{Expected: dims, Actual: len(b) / 4}
	}
	v := make([]float32, dims)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
