package blockimage_test

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partvfs/partvfs/internal/blockimage"
	"github.com/partvfs/partvfs/internal/blockimage/model"
)

const pcHeaderSize = 110

// buildPartCloneImage writes a minimal, valid PC image with totalBlocks
// blocks of blockSize bytes each, where usedBlocks (by index) are physically
// stored with the given fill byte and every other block is an implicit hole.
// No checksum trailer is written (ChecksumMode 0), matching the simplest PC
// images partclone itself can produce. The header layout (magic[0:16],
// free-form tool version[16:30], image version[30:34], endian
// marker[34:36], fs_type label[36:52], geometry fields[52:106], header
// CRC32[106:110]) matches what partclone itself writes.
func buildPartCloneImage(t *testing.T, blockSize int, totalBlocks int, used map[int]byte) string {
	t.Helper()

	var fields bytes.Buffer
	write := func(v any) {
		require.NoError(t, binary.Write(&fields, binary.LittleEndian, v))
	}
	write(uint64(totalBlocks * blockSize)) // FSTotalSize
	write(uint64(totalBlocks))             // FSTotalBlocks
	write(uint64(len(used)))               // FSUsedBlocks
	write(uint64(0))                       // FSUsedBitmap
	write(uint32(blockSize))               // FSBlockSize
	write(uint32(0))                       // FeatureSelection
	write(uint16(1))                       // ImageVersion
	write(uint16(64))                      // CPUBits
	write(uint16(0))                       // ChecksumMode (none)
	write(uint16(0))                       // ChecksumSize
	write(uint32(0))                       // ChecksumBlocks
	write(uint8(0))                        // ChecksumReseed
	write(uint8(0))                        // BitmapMode (bit-packed)

	header := make([]byte, pcHeaderSize)
	copy(header[0:16], "partclone-image")
	copy(header[30:34], "0002")
	binary.LittleEndian.PutUint16(header[34:36], 0xc0de)
	copy(header[36:52], "ext4")
	copy(header[52:106], fields.Bytes())
	binary.LittleEndian.PutUint32(header[106:110], crc32.ChecksumIEEE(header[:106]))

	bitmapBytes := (totalBlocks + 7) / 8
	rawBitmap := make([]byte, bitmapBytes)
	for i := range totalBlocks {
		if _, ok := used[i]; ok {
			rawBitmap[i/8] |= 1 << (uint(i) % 8)
		}
	}
	bitmapTrailer := make([]byte, 4)
	binary.LittleEndian.PutUint32(bitmapTrailer, crc32.ChecksumIEEE(rawBitmap))

	var blocksSection bytes.Buffer
	for i := 0; i < totalBlocks; i++ {
		if fill, ok := used[i]; ok {
			blocksSection.Write(bytes.Repeat([]byte{fill}, blockSize))
		}
	}

	path := filepath.Join(t.TempDir(), "disk.pc.img")
	var out bytes.Buffer
	out.Write(header)
	out.Write(rawBitmap)
	out.Write(bitmapTrailer)
	out.Write(blocksSection.Bytes())
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
	return path
}

func TestOpen_PartClone_ReadsUsedAndAbsentBlocks(t *testing.T) {
	const blockSize = 512
	path := buildPartCloneImage(t, blockSize, 4, map[int]byte{0: 0xAA, 2: 0xCC, 3: 0xDD})

	img, err := blockimage.Open(path, blockimage.OpenOptions{})
	require.NoError(t, err)
	defer img.Close()

	assert.Equal(t, model.FormatPartClone, img.Header().Format)
	assert.Equal(t, int64(4*blockSize), img.Size())

	buf := make([]byte, blockSize)

	_, err = img.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, blockSize), buf)

	_, err = img.ReadAt(buf, blockSize) // block 1, absent
	require.NoError(t, err)
	assert.Equal(t, make([]byte, blockSize), buf)

	_, err = img.ReadAt(buf, 3*blockSize)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xDD}, blockSize), buf)
}

func TestOpen_PartClone_ReadAtSpanningBoundary(t *testing.T) {
	const blockSize = 512
	path := buildPartCloneImage(t, blockSize, 4, map[int]byte{0: 0xAA, 1: 0xBB, 2: 0xCC, 3: 0xDD})

	img, err := blockimage.Open(path, blockimage.OpenOptions{})
	require.NoError(t, err)
	defer img.Close()

	buf := make([]byte, blockSize)
	_, err = img.ReadAt(buf, blockSize/2)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, blockSize/2), buf[:blockSize/2])
	assert.Equal(t, bytes.Repeat([]byte{0xBB}, blockSize/2), buf[blockSize/2:])
}

const ncHeaderSize = 50

// buildNtfsCloneImage writes a minimal, valid NC image: a fixed header
// followed immediately by a command stream of alternating gap and data
// runs, with no checksum section (NC carries none).
func buildNtfsCloneImage(t *testing.T, clusterSize int, gapClusters int, dataFills []byte) string {
	t.Helper()
	nrClusters := int64(gapClusters) + int64(len(dataFills))

	header := make([]byte, ncHeaderSize)
	copy(header[0:16], "\x00ntfsclone-image")
	header[16] = 10 // MajorVer
	header[17] = 1  // MinorVer
	binary.LittleEndian.PutUint32(header[18:22], uint32(clusterSize))
	binary.LittleEndian.PutUint64(header[22:30], uint64(nrClusters*int64(clusterSize)))
	binary.LittleEndian.PutUint64(header[30:38], uint64(nrClusters))
	binary.LittleEndian.PutUint64(header[38:46], uint64(len(dataFills)))
	binary.LittleEndian.PutUint32(header[46:50], uint32(ncHeaderSize))

	var stream bytes.Buffer
	if gapClusters > 0 {
		stream.WriteByte(0x00)
		require.NoError(t, binary.Write(&stream, binary.LittleEndian, uint64(gapClusters)))
	}
	for _, fill := range dataFills {
		stream.WriteByte(0x01)
		stream.Write(bytes.Repeat([]byte{fill}, clusterSize))
	}

	path := filepath.Join(t.TempDir(), "disk.nc.img")
	var out bytes.Buffer
	out.Write(header)
	out.Write(stream.Bytes())
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
	return path
}

func TestOpen_NtfsClone_ReadsGapsAndDataRuns(t *testing.T) {
	const clusterSize = 512
	path := buildNtfsCloneImage(t, clusterSize, 2, []byte{0xAA, 0xBB})

	img, err := blockimage.Open(path, blockimage.OpenOptions{})
	require.NoError(t, err)
	defer img.Close()

	assert.Equal(t, model.FormatNtfsClone, img.Header().Format)
	assert.Equal(t, int64(4*clusterSize), img.Size())

	buf := make([]byte, clusterSize)

	_, err = img.ReadAt(buf, 0) // gap cluster 0
	require.NoError(t, err)
	assert.Equal(t, make([]byte, clusterSize), buf)

	_, err = img.ReadAt(buf, 2*int64(clusterSize)) // first data cluster
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, clusterSize), buf)

	_, err = img.ReadAt(buf, 3*int64(clusterSize)) // second data cluster
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xBB}, clusterSize), buf)
}

func TestOpen_UnknownMagic_IsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.img")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0x55}, 256), 0o644))

	_, err := blockimage.Open(path, blockimage.OpenOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnknownFormat)
}

func TestOpen_AfterClose_ReadAtFails(t *testing.T) {
	path := buildPartCloneImage(t, 512, 2, map[int]byte{0: 0x11, 1: 0x22})

	img, err := blockimage.Open(path, blockimage.OpenOptions{})
	require.NoError(t, err)
	require.NoError(t, img.Close())

	_, err = img.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, model.ErrClosed)
}
