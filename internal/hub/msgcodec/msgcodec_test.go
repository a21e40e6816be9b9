package msgcodec_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapihub/hapi/internal/hub/msgcodec"
)

func TestCompressDecompress(t *testing.T) {
	original := []byte(`{"role":"user","content":"Solve this task"}`)

	compressed, compression := msgcodec.Compress(original)
	require.Equal(t, msgcodec.Zstd, compression)

	restored, err := msgcodec.Decompress(compressed, compression)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestCompressShrinksLargePayloads(t *testing.T) {
	original := bytes.Repeat([]byte("tool call output line\n"), 4096)

	compressed, _ := msgcodec.Compress(original)
	assert.Less(t, len(compressed), len(original))
}

func TestDecompressNone(t *testing.T) {
	data := []byte("plain")
	restored, err := msgcodec.Decompress(data, msgcodec.None)
	require.NoError(t, err)
	assert.Equal(t, data, restored)
}

func TestDecompressUnknownCompression(t *testing.T) {
	_, err := msgcodec.Decompress([]byte("x"), msgcodec.Compression(99))
	assert.Error(t, err)
}
