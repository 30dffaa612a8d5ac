package chunkio

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestReaderChunksWholeFile(t *testing.T) {
	data := make([]byte, DefaultChunkSize*2+123)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeTempFile(t, data)

	r, err := OpenReader(path, DefaultChunkSize, 0)
	require.NoError(t, err)
	defer r.Close()

	var total int64
	var count int
	for {
		chunk, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, count, chunk.Index)
		assert.Equal(t, total, chunk.Offset)
		total += int64(len(chunk.Data))
		count++
	}
	assert.Equal(t, int64(len(data)), total)
	assert.Equal(t, 3, count)
}

func TestReaderResumesFromOffset(t *testing.T) {
	data := make([]byte, DefaultChunkSize*2)
	path := writeTempFile(t, data)

	r, err := OpenReader(path, DefaultChunkSize, DefaultChunkSize)
	require.NoError(t, err)
	defer r.Close()

	chunk, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, chunk.Index)
	assert.Equal(t, int64(DefaultChunkSize), chunk.Offset)
	assert.True(t, chunk.IsLast)
}

func TestReaderEmptyFileYieldsOneLastChunk(t *testing.T) {
	path := writeTempFile(t, nil)

	r, err := OpenReader(path, DefaultChunkSize, 0)
	require.NoError(t, err)
	defer r.Close()

	chunk, err := r.Next()
	require.NoError(t, err)
	assert.True(t, chunk.IsLast)
	assert.Empty(t, chunk.Data)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderInvalidOffsetFallsBackToZero(t *testing.T) {
	data := make([]byte, 10)
	path := writeTempFile(t, data)

	r, err := OpenReader(path, DefaultChunkSize, 999)
	require.NoError(t, err)
	defer r.Close()

	chunk, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(0), chunk.Offset)
}

func TestWholeFileMD5MatchesChunkChecksums(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	path := writeTempFile(t, data)

	sum, err := WholeFileMD5(path)
	require.NoError(t, err)
	assert.Len(t, sum, 32)

	r, err := OpenReader(path, DefaultChunkSize, 0)
	require.NoError(t, err)
	defer r.Close()
	chunk, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, sum, chunk.ChecksumMD5)
}
