package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
)

// UintKey is the hash of a key as used for shard selection.
type UintKey uint64

// GenerateSeed returns a random seed for HashString.
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// HashString hashes s with a seeded xxhash. Different seeds give independent distributions,
// so two databases do not share their hot shards.
func HashString(s string, seed uint64) UintKey {
	d := xxhash.NewWithSeed(seed)
	_, _ = d.WriteString(s)
	return UintKey(d.Sum64())
}
