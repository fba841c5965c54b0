// Package embed adapts a pluggable text embedder to the byte layout the
// storage backend's vector mirror expects, and ships a deterministic stub
// embedder for tests and for callers who haven't wired a real model yet.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// Embedder is a pluggable text-to-vector function. Implementations must
// be deterministic for a given input and report a fixed output dimension.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// SerializeFloat32 encodes a float vector into the little-endian float32
// byte layout the vector mirror's BLOB column stores and the vec_distance_*
// scalar functions decode. This matches the wire format sqlite-vec's
// serialize_float32 produces, so a real sqlite-vec-backed reader could
// consume rows written by this module.
func SerializeFloat32(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DeserializeFloat32 is the inverse of SerializeFloat32.
func DeserializeFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embed: vector blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// Stub is a deterministic embedder for tests and for development without a
// real model wired in. It hashes the input text with SHA-256 and spreads
// the digest bytes across Dimensions float32 lanes, so identical inputs
// always embed identically and unrelated inputs are (with overwhelming
// probability) distinguishable — enough to exercise nearest-neighbor
// ordering in tests without depending on an actual model.
type Stub struct {
	Dimensions int
}

// NewStub returns a Stub with the given output dimension. dims<=0 defaults
// to 8.
func NewStub(dims int) *Stub {
	if dims <= 0 {
		dims = 8
	}
	return &Stub{Dimensions: dims}
}

func (s *Stub) embedOne(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	out := make([]float32, s.Dimensions)
	for i := range out {
		b := sum[i%len(sum)]
		// Map the byte into [-1, 1] so cosine/L2/L1 distances are
		// meaningful rather than all-positive, then scale by a per-lane
		// weight of 1 to 7.
		out[i] = (float32(b)/127.5 - 1) * float32(i%7+1)
	}
	return out
}

func (s *Stub) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.embedOne(t)
	}
	return out, nil
}

func (s *Stub) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return s.embedOne(text), nil
}
