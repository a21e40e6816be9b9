// Package msgcodec compresses message content at rest. Session
// transcripts are dominated by large model output blobs, so messages
// are stored zstd-compressed alongside a compression tag.
package msgcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the algorithm a stored payload was encoded with.
type Compression int

const (
	None Compression = 0
	Zstd Compression = 1
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// Compress compresses the given data and returns the compressed bytes
// along with the compression tag to store next to them.
func Compress(data []byte) ([]byte, Compression) {
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, Zstd
}

// Decompress decodes data according to the given compression tag.
// Returns an error for unsupported values.
func Decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case Zstd:
		return decoder.DecodeAll(data, nil)
	case None:
		return data, nil
	default:
		return nil, fmt.Errorf("msgcodec: unsupported compression: %d", compression)
	}
}
