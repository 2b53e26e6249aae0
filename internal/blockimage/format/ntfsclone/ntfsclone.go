// Package ntfsclone parses NtfsClone image headers and builds the run
// index over their command stream (format NC).
package ntfsclone

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/partvfs/partvfs/internal/blockimage/model"
	"github.com/partvfs/partvfs/internal/blockimage/runs"
)

// headerSize is the fixed size, in bytes, of the NC header.
const headerSize = 50

var magicBytes = []byte("\x00ntfsclone-image")

const (
	verMajor = 10
	verMinor = 1
)

// rawHeader mirrors the on-disk field order exactly.
type rawHeader struct {
	MajorVer          uint8
	MinorVer          uint8
	ClusterSize       uint32
	DeviceSize        uint64
	NrClusters        uint64
	Inuse             uint64
	OffsetToImageData uint32
}

// Header is the decoded NC header.
type Header struct {
	model.ImageHeader
	raw rawHeader
}

// Parse reads and validates an NC header from the start of r, which must
// be positioned at the very first byte of the image.
func Parse(r io.Reader) (*Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading ntfsclone header: %v", model.ErrCorruptHeader, err)
	}

	if !bytes.Equal(buf[:len(magicBytes)], magicBytes) {
		return nil, fmt.Errorf("%w: bad ntfsclone magic", model.ErrUnknownFormat)
	}

	var raw rawHeader
	fr := bytes.NewReader(buf[len(magicBytes):])
	for _, f := range []any{
		&raw.MajorVer, &raw.MinorVer, &raw.ClusterSize,
		&raw.DeviceSize, &raw.NrClusters, &raw.Inuse, &raw.OffsetToImageData,
	} {
		if err := binary.Read(fr, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("%w: decoding header fields: %v", model.ErrCorruptHeader, err)
		}
	}

	if raw.MajorVer != verMajor || raw.MinorVer != verMinor {
		return nil, fmt.Errorf("%w: ntfsclone version %d.%d", model.ErrUnsupportedVersion, raw.MajorVer, raw.MinorVer)
	}

	h := &Header{raw: raw}
	h.ImageHeader = model.ImageHeader{
		Format:              model.FormatNtfsClone,
		BlockSize:           int64(raw.ClusterSize),
		TotalBlocks:         int64(raw.NrClusters),
		UsedBlocks:          int64(raw.Inuse),
		BlocksSectionOffset: int64(raw.OffsetToImageData),
		Checksum:            model.ChecksumSpec{Algorithm: model.ChecksumNone},
	}
	if err := h.ImageHeader.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCorruptHeader, err)
	}

	return h, nil
}

// BuildRunIndex performs the single sequential scan of the command stream
// that starts at h.BlocksSectionOffset and returns the run table over it.
// r must be positioned exactly at that offset.
func (h *Header) BuildRunIndex(r io.Reader, progress model.Progress) (*runs.Table, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	return runs.Build(br, h.BlockSize, h.TotalBlocks, h.BlocksSectionOffset, progress)
}
