// Compression and checksums for leaf blocks.
//
// Each leaf is Zstd-compressed before it is written into its reserved slot,
// and the compressed bytes are covered by an xxHash3 checksum so that a torn
// or overwritten slot is detected on read rather than decoded as garbage.
package tree

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"
)

// Shared encoder/decoder. Both are documented as safe for concurrent use
// through EncodeAll/DecodeAll, and construction is expensive.
//
// SpeedFastest: leaves are re-encoded on every transaction, read far more
// often than rebuilt, and small enough that the ratio difference between
// levels is marginal.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

func decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", ErrCorruptLeaf, err)
	}
	return out, nil
}

func checksum(data []byte) uint64 {
	return xxh3.Hash(data)
}
