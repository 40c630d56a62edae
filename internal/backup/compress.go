package backup

import (
	"bytes"

	"github.com/pierrec/lz4/v3"
)

// compressChunk wraps raw in a standalone lz4 frame at the given level,
// so restore can decompress each chunk independently without needing
// its original uncompressed length (the frame format is self-
// terminating).
func compressChunk(raw []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	w.Header.CompressionLevel = level
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
