// Bloom filter over index keys.
//
// Filled while a build streams sorted entries into the new file, and kept
// current by updates that add keys. An `==` search whose key is definitely
// absent skips the tree read, which repeated full-text lookups of unknown
// words hit often. Keys removed by updates stay set, which only costs a
// false positive. An index opened from disk has no filter until its next
// build.
package quire

import (
	"github.com/zeebo/xxh3"

	"github.com/jpl-au/quire/tree"
)

// Bloom filter sizing constants.
const (
	BloomBitsPerKey = 10 // ~1% false positives
	BloomK          = 7  // number of hash functions
	BloomMinBytes   = 1024
)

type bloom struct {
	bits []byte
}

// newBloom returns a zeroed filter sized for n keys.
func newBloom(n int) *bloom {
	size := max(n*BloomBitsPerKey/8, BloomMinBytes)
	return &bloom{bits: make([]byte, size)}
}

// Add inserts a key.
func (b *bloom) Add(key any) {
	for _, pos := range b.positions(key) {
		b.bits[pos/8] |= 1 << (pos % 8)
	}
}

// Contains returns true if the key might be present, false if definitely absent.
func (b *bloom) Contains(key any) bool {
	for _, pos := range b.positions(key) {
		if b.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// positions returns BloomK bit positions by double hashing the two halves
// of a 128-bit xxh3 digest.
func (b *bloom) positions(key any) [BloomK]uint {
	if n, ok := tree.Normalize(key); ok {
		key = n
	}
	h := xxh3.HashString128(tree.KeyString(key))
	nbits := uint(len(b.bits) * 8)
	var pos [BloomK]uint
	for i := range BloomK {
		pos[i] = (uint(h.Lo) + uint(i)*uint(h.Hi)) % nbits
	}
	return pos
}

// filteredReader adds every key it yields to a filter.
type filteredReader struct {
	r      tree.EntryReader
	filter *bloom
}

func (f *filteredReader) Next() (tree.Entry, error) {
	e, err := f.r.Next()
	if err == nil {
		f.filter.Add(e.Key)
	}
	return e, err
}

// mayContain reports whether key can be in the index. Called with a lock
// held.
func (ix *Index) mayContain(key any) bool {
	ix.mu.Lock()
	f := ix.filter
	ix.mu.Unlock()
	return f == nil || f.Contains(key)
}

// filterOps records the keys of add operations. Called with the write lock
// held.
func (ix *Index) filterOps(ops []tree.Op) {
	ix.mu.Lock()
	f := ix.filter
	ix.mu.Unlock()
	if f == nil {
		return
	}
	for _, op := range ops {
		if op.Kind == tree.OpAdd {
			f.Add(op.Key)
		}
	}
}
