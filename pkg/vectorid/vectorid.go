// Package vectorid computes the deterministic identifier every store uses
// as its primary key.
package vectorid

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// ID is a deterministic 64-bit hash of a vector's component bit patterns.
// Equal vectors produce equal IDs across restarts and platforms.
type ID uint64

// seed is fixed, not per-process random, so IDs survive a restart.
const seed uint64 = 0x616e686c696368 // "anhlich" in hex, arbitrary but fixed

// Of returns the deterministic ID for vec. Two vectors are equal iff
// all components compare bit-equal, so the hash runs over the raw float32
// bit patterns rather than a textual or rounded representation.
func Of(vec []float32) ID {
	buf := make([]byte, 8+4*len(vec))
	binary.LittleEndian.PutUint64(buf, seed)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[8+4*i:], math.Float32bits(f))
	}
	return ID(xxhash.Sum64(buf))
}
