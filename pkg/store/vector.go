package store

import (
	"encoding/binary"
	"math"
)

// Embeddings are persisted inline in event and entity rows as a flat
// sequence of little-endian float32s (row-major, length = dimension).
// The same encoding feeds the ANN index, so pack/unpack is the only
// vector conversion in the engine.

// PackVector encodes a float32 vector into its stored byte form.
// Nil and empty vectors encode to nil.
func PackVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// UnpackVector decodes a stored embedding back into floats. Malformed
// input (length not a multiple of 4) yields nil — a damaged blob reads as
// "no embedding" rather than failing the row.
func UnpackVector(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
