// Package blockimage is the public entry point: it detects which backup
// tool produced an image, dispatches to the matching format parser, and
// wires the result into a cached, resolver-backed BlockIO ready for
// ReadAt-style consumption (by the FUSE layer or anything else).
package blockimage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/partvfs/partvfs/internal/blockimage/bitmap"
	"github.com/partvfs/partvfs/internal/blockimage/blockio"
	"github.com/partvfs/partvfs/internal/blockimage/checksum"
	"github.com/partvfs/partvfs/internal/blockimage/format/ntfsclone"
	"github.com/partvfs/partvfs/internal/blockimage/format/partclone"
	"github.com/partvfs/partvfs/internal/blockimage/format/partimage"
	"github.com/partvfs/partvfs/internal/blockimage/model"
	"github.com/partvfs/partvfs/internal/blockimage/runs"
	"github.com/partvfs/partvfs/internal/blockimage/source"
)

// magicPeekLen covers the longest of the three formats' magic prefixes.
const magicPeekLen = 16

// OpenOptions configures how an image is opened and indexed.
type OpenOptions struct {
	// Window is the popcount index granularity, in blocks, for PC/PI
	// bitmaps. Zero uses bitmap.DefaultWindow.
	Window int64
	// CacheCapacity is the number of decoded blocks BlockIO keeps in
	// memory. Zero uses blockio.DefaultCapacity.
	CacheCapacity int
	// Progress reports NC run-index build progress and, when Verify is
	// set, the open-time checksum pass. Nil uses a no-op.
	Progress model.Progress
	// Verify, if true, runs a full checksum pass over PC/PI blocks
	// sections at open time and fails Open on the first mismatch.
	Verify bool
}

func (o OpenOptions) window() int64 {
	if o.Window > 0 {
		return o.Window
	}
	return bitmap.DefaultWindow
}

func (o OpenOptions) progress() model.Progress {
	if o.Progress != nil {
		return o.Progress
	}
	return model.NopProgress{}
}

// Image is an opened backup image, ready to be read as its logical
// partition's contents.
type Image struct {
	mu     sync.Mutex
	header model.ImageHeader
	bio    *blockio.BlockIO
	src    source.ByteSource
	seek   source.Seekable
	closed bool
}

// Open detects path's format, parses its header and block index, and
// returns an Image ready for ReadAt. The underlying source must be
// seekable: compressed inputs are rejected with
// model.ErrUnseekableCompressed, since random-access reads are the whole
// point of mounting an image.
func Open(path string, opts OpenOptions) (*Image, error) {
	src, err := source.Open(path, true)
	if err != nil {
		return nil, err
	}
	seekable, ok := src.(source.Seekable)
	if !ok {
		src.Close()
		return nil, fmt.Errorf("blockimage: %s did not yield a seekable source", path)
	}

	magic := make([]byte, magicPeekLen)
	n, err := io.ReadFull(seekable, magic)
	magic = magic[:n]
	if err != nil && n < magicPeekLen {
		src.Close()
		return nil, fmt.Errorf("%w: reading magic from %s: %v", model.ErrCorruptHeader, path, err)
	}
	if err := seekable.SeekAbs(0); err != nil {
		src.Close()
		return nil, fmt.Errorf("blockimage: rewinding %s: %w", path, err)
	}

	format, ferr := detectFormat(magic)
	if ferr != nil {
		src.Close()
		return nil, ferr
	}

	readerAt := &seekReaderAt{s: seekable}

	var img *Image
	var openErr error
	switch format {
	case model.FormatPartClone:
		img, openErr = openPartClone(seekable, readerAt, opts)
	case model.FormatPartImage:
		img, openErr = openPartImage(seekable, readerAt, opts)
	case model.FormatNtfsClone:
		img, openErr = openNtfsClone(seekable, readerAt, opts)
	default:
		openErr = model.ErrUnknownFormat
	}
	if openErr != nil {
		src.Close()
		return nil, openErr
	}

	img.src = src
	img.seek = seekable
	img.header.SourcePath = path
	if info, statErr := os.Stat(path); statErr == nil {
		img.header.ModTime = info.ModTime()
	}

	if opts.Verify {
		if err := img.Verify(opts.progress()); err != nil {
			src.Close()
			return nil, err
		}
	}

	return img, nil
}

func detectFormat(magic []byte) (model.Format, error) {
	switch {
	case bytes.HasPrefix(magic, []byte("partclone-image")):
		return model.FormatPartClone, nil
	case bytes.HasPrefix(magic, []byte("\x00ntfsclone-image")):
		return model.FormatNtfsClone, nil
	case bytes.HasPrefix(magic, []byte("PaRtImAgE-VoLuMe")):
		return model.FormatPartImage, nil
	default:
		return "", model.ErrUnknownFormat
	}
}

func openPartClone(seekable source.Seekable, readerAt io.ReaderAt, opts OpenOptions) (*Image, error) {
	hdr, err := partclone.Parse(seekable)
	if err != nil {
		return nil, err
	}
	bm, err := hdr.ParseBitmap(seekable, opts.window())
	if err != nil {
		return nil, err
	}
	resolver := bitmap.NewResolver(bm, hdr.BlocksSectionOffset, hdr.BlockSize,
		int64(hdr.Checksum.SizeBytes), int64(hdr.Checksum.BlocksPerSum))
	bio, err := blockio.New(readerAt, resolver, hdr.BlockSize, hdr.PartitionSize(), opts.CacheCapacity)
	if err != nil {
		return nil, err
	}
	return &Image{header: hdr.ImageHeader, bio: bio}, nil
}

func openPartImage(seekable source.Seekable, readerAt io.ReaderAt, opts OpenOptions) (*Image, error) {
	hdr, err := partimage.Parse(seekable)
	if err != nil {
		return nil, err
	}
	bm, err := hdr.ParseBitmap(seekable, opts.window())
	if err != nil {
		return nil, err
	}
	resolver := bitmap.NewResolver(bm, hdr.BlocksSectionOffset, hdr.BlockSize,
		int64(hdr.Checksum.SizeBytes), int64(hdr.Checksum.BlocksPerSum))
	bio, err := blockio.New(readerAt, resolver, hdr.BlockSize, hdr.PartitionSize(), opts.CacheCapacity)
	if err != nil {
		return nil, err
	}
	return &Image{header: hdr.ImageHeader, bio: bio}, nil
}

func openNtfsClone(seekable source.Seekable, readerAt io.ReaderAt, opts OpenOptions) (*Image, error) {
	hdr, err := ntfsclone.Parse(seekable)
	if err != nil {
		return nil, err
	}
	if err := seekable.SeekAbs(hdr.BlocksSectionOffset); err != nil {
		return nil, fmt.Errorf("blockimage: seeking to ntfsclone blocks section: %w", err)
	}
	table, err := hdr.BuildRunIndex(seekable, opts.progress())
	if err != nil {
		return nil, err
	}
	resolver := runs.NewResolver(table, hdr.BlockSize)
	bio, err := blockio.New(readerAt, resolver, hdr.BlockSize, hdr.PartitionSize(), opts.CacheCapacity)
	if err != nil {
		return nil, err
	}
	return &Image{header: hdr.ImageHeader, bio: bio}, nil
}

// Header returns the image's format-independent geometry.
func (im *Image) Header() model.ImageHeader { return im.header }

// Size returns the logical partition's size in bytes.
func (im *Image) Size() int64 { return im.header.PartitionSize() }

// ReadAt reads from the logical partition, zero-filling any absent
// blocks, through the BlockIO cache.
func (im *Image) ReadAt(p []byte, off int64) (int, error) {
	im.mu.Lock()
	closed := im.closed
	im.mu.Unlock()
	if closed {
		return 0, model.ErrClosed
	}
	return im.bio.ReadAt(p, off)
}

// Verify re-reads the blocks section and checks every checksum group,
// returning a *model.VerifyError at the first mismatch. NC images, which
// carry no per-block checksums, always verify successfully.
func (im *Image) Verify(progress model.Progress) error {
	if !im.header.Checksum.Enabled() {
		return nil
	}
	if im.seek == nil {
		return fmt.Errorf("blockimage: verify requires a seekable source")
	}

	im.mu.Lock()
	defer im.mu.Unlock()
	if im.closed {
		return model.ErrClosed
	}

	if err := im.seek.SeekAbs(im.header.BlocksSectionOffset); err != nil {
		return fmt.Errorf("blockimage: seeking to blocks section for verify: %w", err)
	}

	if progress == nil {
		progress = model.NopProgress{}
	}
	progress.Start(im.header.UsedBlocks)
	defer progress.Finish()

	v := checksum.NewVerifier(im.header.Checksum)
	return v.VerifyBlocks(im.seek, im.header.BlockSize, im.header.UsedBlocks, func(int64, []byte) error {
		progress.Advance(1)
		return nil
	})
}

// Close releases the underlying file handles. Subsequent ReadAt calls
// return model.ErrClosed.
func (im *Image) Close() error {
	im.mu.Lock()
	im.closed = true
	im.mu.Unlock()
	if im.src != nil {
		return im.src.Close()
	}
	return nil
}

// seekReaderAt adapts a source.Seekable to io.ReaderAt. It is only ever
// called from within BlockIO's own mutex, so it needs no locking of its
// own despite seeking and reading being two steps.
type seekReaderAt struct {
	s source.Seekable
}

func (s *seekReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if err := s.s.SeekAbs(off); err != nil {
		return 0, err
	}
	return io.ReadFull(s.s, p)
}
