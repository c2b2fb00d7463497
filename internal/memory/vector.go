package memory

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// Persisted vectors are stored as base64 over a little-endian float32 blob,
// keeping session snapshots compact.

func encodeVector(vector []float32) string {
	if len(vector) == 0 {
		return ""
	}
	blob := make([]byte, 4+len(vector)*4)
	binary.LittleEndian.PutUint32(blob[:4], uint32(len(vector)))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[4+i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(blob)
}

func decodeVector(encoded string) ([]float32, error) {
	if encoded == "" {
		return nil, nil
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	if len(blob) < 4 {
		return nil, fmt.Errorf("decode vector: blob too short: %d", len(blob))
	}
	dim := int(binary.LittleEndian.Uint32(blob[:4]))
	if dim <= 0 || len(blob) != 4+dim*4 {
		return nil, fmt.Errorf("decode vector: dimension %d does not match payload %d", dim, len(blob)-4)
	}
	vector := make([]float32, dim)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4+i*4:]))
		if v := float64(vector[i]); math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("decode vector: invalid value at index %d", i)
		}
	}
	return vector, nil
}

func cosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("cosine similarity: empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity: dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("cosine similarity: zero vector norm")
	}

	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}
	return score, nil
}
