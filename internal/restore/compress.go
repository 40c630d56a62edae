package restore

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v3"
)

// decompressChunkBytes reverses one standalone lz4 frame produced by
// the backup engine's compressChunk.
func decompressChunkBytes(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	return io.ReadAll(r)
}
