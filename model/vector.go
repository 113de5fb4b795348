package model

import (
	"encoding/binary"
	"math"
)

// EncodeVector serializes a vector as little-endian float32 bytes, the
// storage format of the embeddings.vector BLOB column.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes little-endian float32 bytes. Returns nil when
// the byte length is not a multiple of 4.
func DecodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
