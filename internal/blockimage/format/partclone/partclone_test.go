package partclone

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partvfs/partvfs/internal/blockimage/checksum"
	"github.com/partvfs/partvfs/internal/blockimage/model"
)

// buildHeader returns a byte-exact PC header matching the real on-disk
// layout (magic[0:16], free-form tool version[16:30], image version[30:34],
// endian marker[34:36], fs_type label[36:52], geometry fields[52:106],
// header CRC32[106:110]), optionally corrupting the trailing CRC32 when
// breakCRC is true.
func buildHeader(t *testing.T, totalBlocks, usedBlocks uint64, blockSize uint32, bitmapMode uint8, breakCRC bool) []byte {
	t.Helper()

	var fields bytes.Buffer
	raw := rawHeader{
		FSTotalSize:   totalBlocks * uint64(blockSize),
		FSTotalBlocks: totalBlocks,
		FSUsedBlocks:  usedBlocks,
		FSUsedBitmap:  0,
		FSBlockSize:   blockSize,
		ImageVersion:  1,
		CPUBits:       64,
		BitmapMode:    bitmapMode,
	}
	for _, f := range []any{
		raw.FSTotalSize, raw.FSTotalBlocks, raw.FSUsedBlocks, raw.FSUsedBitmap,
		raw.FSBlockSize, raw.FeatureSelection,
		raw.ImageVersion, raw.CPUBits, raw.ChecksumMode, raw.ChecksumSize,
		raw.ChecksumBlocks, raw.ChecksumReseed, raw.BitmapMode,
	} {
		require.NoError(t, binary.Write(&fields, binary.LittleEndian, f))
	}
	require.Equal(t, headerSize-52-4, fields.Len(), "fields must fill the geometry region exactly")

	buf := make([]byte, headerSize)
	copy(buf, magicBytes)
	copy(buf[30:34], supportedVersion)
	binary.LittleEndian.PutUint16(buf[34:36], endianLittle)
	copy(buf[36:52], "ext4")
	copy(buf[52:headerSize-4], fields.Bytes())

	crc := checksum.CRC32(buf[:headerSize-4])
	if breakCRC {
		crc ^= 0xffffffff
	}
	binary.LittleEndian.PutUint32(buf[headerSize-4:], crc)

	return buf
}

func TestParse_ValidHeader_BitMode(t *testing.T) {
	buf := buildHeader(t, 64, 10, 512, bitmapModeBit, false)

	hdr, err := Parse(bytes.NewReader(buf))
	require.NoError(t, err)

	assert.Equal(t, model.FormatPartClone, hdr.Format)
	assert.Equal(t, int64(512), hdr.BlockSize)
	assert.Equal(t, int64(64), hdr.TotalBlocks)
	assert.Equal(t, int64(10), hdr.UsedBlocks)
	assert.Equal(t, model.ChecksumNone, hdr.Checksum.Algorithm)
	assert.Equal(t, int64(8), hdr.BitmapByteSize()) // 64 bits / 8
	assert.Equal(t, "ext4", hdr.FSLabel)
}

func TestParse_ValidHeader_ByteMode(t *testing.T) {
	buf := buildHeader(t, 64, 10, 512, bitmapModeByte, false)

	hdr, err := Parse(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, int64(64), hdr.BitmapByteSize())
}

func TestParse_BadMagic_IsUnknownFormat(t *testing.T) {
	buf := buildHeader(t, 8, 1, 512, bitmapModeBit, false)
	copy(buf, []byte("not-a-partclone-"))

	_, err := Parse(bytes.NewReader(buf))
	assert.ErrorIs(t, err, model.ErrUnknownFormat)
}

func TestParse_UnsupportedVersion(t *testing.T) {
	buf := buildHeader(t, 8, 1, 512, bitmapModeBit, false)
	copy(buf[30:34], "9999")
	// the version mismatch must be caught before the CRC check even runs
	_, err := Parse(bytes.NewReader(buf))
	assert.ErrorIs(t, err, model.ErrUnsupportedVersion)
}

func TestParse_BadHeaderCRC(t *testing.T) {
	buf := buildHeader(t, 8, 1, 512, bitmapModeBit, true)
	_, err := Parse(bytes.NewReader(buf))
	assert.ErrorIs(t, err, model.ErrCorruptHeader)
}

func TestParse_UnrecognizedEndianMarker(t *testing.T) {
	buf := buildHeader(t, 8, 1, 512, bitmapModeBit, false)
	binary.LittleEndian.PutUint16(buf[34:36], 0x1234)
	// fix up the CRC so the marker error is the one actually surfaced
	crc := checksum.CRC32(buf[:headerSize-4])
	binary.LittleEndian.PutUint32(buf[headerSize-4:], crc)

	_, err := Parse(bytes.NewReader(buf))
	assert.ErrorIs(t, err, model.ErrCorruptHeader)
}

func TestParse_UsedExceedsTotal_IsCorruptHeader(t *testing.T) {
	buf := buildHeader(t, 4, 10, 512, bitmapModeBit, false)
	_, err := Parse(bytes.NewReader(buf))
	assert.ErrorIs(t, err, model.ErrCorruptHeader)
}

func TestParseBitmap_SetsBlocksSectionOffset(t *testing.T) {
	buf := buildHeader(t, 16, 3, 512, bitmapModeBit, false)
	hdr, err := Parse(bytes.NewReader(buf))
	require.NoError(t, err)

	bm := []byte{0b00000111, 0x00} // bits 0,1,2 set, 16 bits total -> 2 bytes
	var bmBuf bytes.Buffer
	bmBuf.Write(bm)
	crc := checksum.CRC32(bm)
	binary.Write(&bmBuf, binary.LittleEndian, crc)

	_, err = hdr.ParseBitmap(bytes.NewReader(bmBuf.Bytes()), 1024)
	require.NoError(t, err)
	assert.Equal(t, int64(headerSize)+2+4, hdr.BlocksSectionOffset)
}

func TestParseBitmap_BadCRC(t *testing.T) {
	buf := buildHeader(t, 16, 3, 512, bitmapModeBit, false)
	hdr, err := Parse(bytes.NewReader(buf))
	require.NoError(t, err)

	bm := []byte{0b00000111, 0x00}
	var bmBuf bytes.Buffer
	bmBuf.Write(bm)
	binary.Write(&bmBuf, binary.LittleEndian, uint32(0xdeadbeef))

	_, err = hdr.ParseBitmap(bytes.NewReader(bmBuf.Bytes()), 1024)
	assert.ErrorIs(t, err, model.ErrCorruptBitmap)
}
