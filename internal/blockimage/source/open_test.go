package source

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partvfs/partvfs/internal/blockimage/model"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpen_PlainFile_ReturnsSeekable(t *testing.T) {
	path := writeTempFile(t, "plain.img", []byte("partclone-image header and payload"))

	src, err := Open(path, true)
	require.NoError(t, err)
	defer src.Close()

	seekable, ok := src.(Seekable)
	require.True(t, ok, "plain file source should be Seekable")

	all, err := io.ReadAll(seekable)
	require.NoError(t, err)
	assert.Equal(t, "partclone-image header and payload", string(all))
}

func TestOpen_GzipStream_DecompressesWhenSeekNotRequired(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte("hello from a compressed image"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	path := writeTempFile(t, "compressed.img.gz", buf.Bytes())

	src, err := Open(path, false)
	require.NoError(t, err)
	defer src.Close()

	all, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, "hello from a compressed image", string(all))

	_, isSeekable := src.(Seekable)
	assert.False(t, isSeekable, "decompressed stream should not be Seekable")
}

func TestOpen_GzipStream_RequireSeek_Errors(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	path := writeTempFile(t, "compressed.img.gz", buf.Bytes())

	_, err = Open(path, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnseekableCompressed)
}

func TestOpen_SplitFile_ConcatenatesTransparently(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.img.aa"), []byte("part-one-"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.img.ab"), []byte("part-two"), 0o644))

	src, err := Open(filepath.Join(dir, "image.img.aa"), true)
	require.NoError(t, err)
	defer src.Close()

	all, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, "part-one-part-two", string(all))
}

func TestOpen_MissingFile_ReturnsError(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.img"), true)
	assert.Error(t, err)
}
