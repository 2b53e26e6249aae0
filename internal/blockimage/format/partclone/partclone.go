// Package partclone parses PartClone image headers and bitmaps (format PC).
package partclone

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/partvfs/partvfs/internal/blockimage/bitmap"
	"github.com/partvfs/partvfs/internal/blockimage/checksum"
	"github.com/partvfs/partvfs/internal/blockimage/model"
)

// headerSize is the fixed size, in bytes, of the PC header as written to
// disk: a 16-byte magic, a 14-byte free-form tool version string, the
// checked "0002" image version, a 2-byte endianness marker, a 16-byte
// fs_type label, the geometry fields, and a trailing CRC32 over everything
// before it.
const headerSize = 110

var magicBytes = []byte("partclone-image")

const supportedVersion = "0002"

const (
	endianLittle = 0xc0de
	endianBig    = 0xdec0
)

const (
	bitmapModeBit  = 0
	bitmapModeByte = 1
)

// rawHeader mirrors the on-disk field order exactly, so it can be decoded
// with a single binary.Read once endianness is known.
type rawHeader struct {
	FSTotalSize      uint64
	FSTotalBlocks    uint64
	FSUsedBlocks     uint64
	FSUsedBitmap     uint64
	FSBlockSize      uint32
	FeatureSelection uint32
	ImageVersion     uint16
	CPUBits          uint16
	ChecksumMode     uint16
	ChecksumSize     uint16
	ChecksumBlocks   uint32
	ChecksumReseed   uint8
	BitmapMode       uint8
}

// Header is the decoded PC header plus the raw bytes needed to locate and
// verify the bitmap that follows it.
type Header struct {
	model.ImageHeader
	raw        rawHeader
	order      binary.ByteOrder
	bitmapMode int
}

// Parse reads and validates a PC header from the start of r, which must be
// positioned at the very first byte of the image.
func Parse(r io.Reader) (*Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading partclone header: %v", model.ErrCorruptHeader, err)
	}

	if !bytes.Equal(buf[:len(magicBytes)], magicBytes) {
		return nil, fmt.Errorf("%w: bad partclone magic", model.ErrUnknownFormat)
	}

	versionField := string(buf[30:34])
	if versionField != supportedVersion {
		return nil, fmt.Errorf("%w: partclone image version %q", model.ErrUnsupportedVersion, versionField)
	}

	marker := binary.LittleEndian.Uint16(buf[34:36])
	var order binary.ByteOrder
	switch marker {
	case endianLittle:
		order = binary.LittleEndian
	case endianBig:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: unrecognized endianness marker %#04x", model.ErrCorruptHeader, marker)
	}

	storedCRC := order.Uint32(buf[headerSize-4:])
	if got := checksum.CRC32(buf[:headerSize-4]); got != storedCRC {
		return nil, fmt.Errorf("%w: header crc32 mismatch (have %#08x, want %#08x)", model.ErrCorruptHeader, got, storedCRC)
	}

	fsLabel := nullTerminated(buf[36:52])

	fields := buf[52 : headerSize-4]
	var raw rawHeader
	fr := bytes.NewReader(fields)
	for _, f := range []any{
		&raw.FSTotalSize, &raw.FSTotalBlocks, &raw.FSUsedBlocks, &raw.FSUsedBitmap,
		&raw.FSBlockSize, &raw.FeatureSelection,
		&raw.ImageVersion, &raw.CPUBits, &raw.ChecksumMode, &raw.ChecksumSize,
		&raw.ChecksumBlocks, &raw.ChecksumReseed, &raw.BitmapMode,
	} {
		if err := binary.Read(fr, order, f); err != nil {
			return nil, fmt.Errorf("%w: decoding header fields: %v", model.ErrCorruptHeader, err)
		}
	}

	h := &Header{
		raw:        raw,
		order:      order,
		bitmapMode: int(raw.BitmapMode),
	}
	h.ImageHeader = model.ImageHeader{
		Format:              model.FormatPartClone,
		BlockSize:           int64(raw.FSBlockSize),
		TotalBlocks:         int64(raw.FSTotalBlocks),
		UsedBlocks:          int64(raw.FSUsedBlocks),
		FSLabel:             fsLabel,
		BlocksSectionOffset: 0, // filled in by the caller once the bitmap size is known
		Checksum: model.ChecksumSpec{
			Algorithm:     checksumAlgorithm(raw.ChecksumMode),
			SizeBytes:     int(raw.ChecksumSize),
			BlocksPerSum:  int(raw.ChecksumBlocks),
			ReseedEachSum: raw.ChecksumReseed != 0,
		},
	}
	if err := h.ImageHeader.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCorruptHeader, err)
	}

	return h, nil
}

// nullTerminated trims a fixed-size, NUL-padded on-disk string field at its
// first NUL byte, matching how partclone itself writes fs_type/version.
func nullTerminated(b []byte) string {
	if i := bytes.IndexByte(b, 0); i != -1 {
		b = b[:i]
	}
	return string(b)
}

func checksumAlgorithm(mode uint16) model.ChecksumAlgorithm {
	if mode == 0 {
		return model.ChecksumNone
	}
	return model.ChecksumCRC32
}

// BitmapByteSize returns the on-disk size, in bytes, of this header's
// bitmap section (excluding its trailing CRC32), given its encoding mode.
func (h *Header) BitmapByteSize() int64 {
	switch h.bitmapMode {
	case bitmapModeByte:
		return h.TotalBlocks
	default:
		return (h.TotalBlocks + 7) / 8
	}
}

// ParseBitmap reads, CRC-verifies, and normalizes the bitmap section that
// immediately follows the header, then sets BlocksSectionOffset to the
// byte offset where the blocks section begins (immediately after the
// bitmap and its trailing CRC32). r must be positioned right after the
// header.
func (h *Header) ParseBitmap(r io.Reader, window int64) (*bitmap.Bitmap, error) {
	n := h.BitmapByteSize()
	raw := make([]byte, n+4) // + trailing CRC32
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: reading bitmap: %v", model.ErrCorruptBitmap, err)
	}

	storedCRC := h.order.Uint32(raw[n:])
	if got := checksum.CRC32(raw[:n]); got != storedCRC {
		return nil, fmt.Errorf("%w: bitmap crc32 mismatch (have %#08x, want %#08x)", model.ErrCorruptBitmap, got, storedCRC)
	}

	enc := bitmap.EncodingBit
	if h.bitmapMode == bitmapModeByte {
		enc = bitmap.EncodingByte
	}

	bm, err := bitmap.Decode(raw[:n], h.TotalBlocks, enc, window)
	if err != nil {
		return nil, err
	}

	h.BlocksSectionOffset = int64(headerSize) + n + 4
	return bm, nil
}
