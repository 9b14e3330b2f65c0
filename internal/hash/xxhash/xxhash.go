// Package xxhash provides the content digest stored with each outcome.
package xxhash

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Hasher implements crawler.Hasher using 64-bit xxHash.
type Hasher struct{}

// New returns an xxHash hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the zero-padded hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := strconv.FormatUint(xxhash.Sum64(data), 16)
	for len(sum) < 16 {
		sum = "0" + sum
	}
	return sum, nil
}
