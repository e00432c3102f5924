package readindex

import "github.com/cespare/xxhash/v2"

// Hasher maps a stream name onto its hash index bucket.
type Hasher interface {
	Hash(streamID string) uint64
}

// XXHasher is the default Hasher
type XXHasher struct{}

func (XXHasher) Hash(streamID string) uint64 {
	return xxhash.Sum64String(streamID)
}

// HasherFunc adapts a function to Hasher.
type HasherFunc func(streamID string) uint64

func (f HasherFunc) Hash(streamID string) uint64 {
	return f(streamID)
}
