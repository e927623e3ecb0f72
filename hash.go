// Digests used for cache keys and shortened file names.
//
// The algorithm is selectable via Config.HashAlgorithm; every digest is 16
// hex characters (64 bits).
package quire

import (
	"fmt"
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Hash algorithm constants.
const (
	AlgXXHash3 = 1 // Default, fastest
	AlgFNV1a   = 2 // No external dependencies
	AlgBlake2b = 3 // Best distribution
)

// digest returns a 16 hex character digest of data.
func digest(data []byte, alg int) string {
	switch alg {
	case AlgFNV1a:
		h := fnv.New64a()
		h.Write(data)
		return fmt.Sprintf("%016x", h.Sum64())
	case AlgBlake2b:
		h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
		h.Write(data)
		return fmt.Sprintf("%016x", h.Sum(nil))
	default:
		return fmt.Sprintf("%016x", xxh3.Hash(data))
	}
}
