package chunkio

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5sum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestWriterSequentialWriteAndFinalize(t *testing.T) {
	dir := t.TempDir()
	data := []byte("hello, clipsync")

	w, err := NewWriter(dir, "out.txt", int64(len(data)), md5sum(data))
	require.NoError(t, err)

	require.NoError(t, w.WriteChunk(0, data, md5sum(data)))

	finalPath, err := w.Finalize()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out.txt"), finalPath)

	got, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = os.Stat(filepath.Join(dir, ".out.txt.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriterOutOfOrderChunks(t *testing.T) {
	dir := t.TempDir()
	a := []byte("AAAA")
	b := []byte("BBBB")
	whole := append(append([]byte{}, a...), b...)

	w, err := NewWriter(dir, "out.bin", int64(len(whole)), md5sum(whole))
	require.NoError(t, err)

	require.NoError(t, w.WriteChunk(int64(len(a)), b, md5sum(b)))
	require.NoError(t, w.WriteChunk(0, a, md5sum(a)))

	finalPath, err := w.Finalize()
	require.NoError(t, err)

	got, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, whole, got)
}

func TestWriterRejectsBadChunkChecksumWithoutAdvancing(t *testing.T) {
	dir := t.TempDir()
	data := []byte("payload")

	w, err := NewWriter(dir, "out.txt", int64(len(data)), md5sum(data))
	require.NoError(t, err)

	err = w.WriteChunk(0, data, "deadbeef")
	assert.ErrorIs(t, err, ErrChunkChecksumMismatch)
	assert.Equal(t, int64(0), w.BytesWritten())

	require.NoError(t, w.WriteChunk(0, data, md5sum(data)))
	assert.Equal(t, int64(len(data)), w.BytesWritten())

	_, err = w.Finalize()
	require.NoError(t, err)
}

func TestWriterFinalizeSizeMismatchDeletesTempFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte("short")

	w, err := NewWriter(dir, "out.txt", int64(len(data)+5), md5sum(data))
	require.NoError(t, err)
	require.NoError(t, w.WriteChunk(0, data, md5sum(data)))

	_, err = w.Finalize()
	assert.ErrorIs(t, err, ErrFinalizeSizeMismatch)

	_, statErr := os.Stat(filepath.Join(dir, ".out.txt.tmp"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriterFinalizeChecksumMismatchDeletesTempFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte("payload")
	wrongMD5 := md5sum([]byte("different"))

	w, err := NewWriter(dir, "out.txt", int64(len(data)), wrongMD5)
	require.NoError(t, err)
	require.NoError(t, w.WriteChunk(0, data, md5sum(data)))

	_, err = w.Finalize()
	assert.ErrorIs(t, err, ErrFinalizeChecksumMismatch)

	_, statErr := os.Stat(filepath.Join(dir, ".out.txt.tmp"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCollisionFreePathAppendsSuffix(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.png"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip_1.png"), []byte("x"), 0o644))

	path, err := collisionFreePath(dir, "clip.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "clip_2.png"), path)
}

func TestDrainReaderCopiesWholeFile(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	data := make([]byte, DefaultChunkSize+42)
	for i := range data {
		data[i] = byte(i % 251)
	}
	srcPath := filepath.Join(srcDir, "src.bin")
	require.NoError(t, os.WriteFile(srcPath, data, 0o644))

	r, err := OpenReader(srcPath, DefaultChunkSize, 0)
	require.NoError(t, err)
	defer r.Close()

	wholeMD5, err := WholeFileMD5(srcPath)
	require.NoError(t, err)

	w, err := NewWriter(dstDir, "dst.bin", int64(len(data)), wholeMD5)
	require.NoError(t, err)

	require.NoError(t, DrainReader(r, w))

	finalPath, err := w.Finalize()
	require.NoError(t, err)

	got, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
