package source

import (
	"compress/bzip2"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"

	"github.com/partvfs/partvfs/internal/blockimage/model"
)

// fileSource wraps a plain *os.File as a Seekable ByteSource.
type fileSource struct {
	f    *os.File
	size int64
}

func openFileSource(path string) (*fileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileSource{f: f, size: info.Size()}, nil
}

func (s *fileSource) Read(p []byte) (int, error) { return s.f.Read(p) }
func (s *fileSource) Close() error               { return s.f.Close() }
func (s *fileSource) Size() int64                { return s.size }

func (s *fileSource) SeekAbs(offset int64) error {
	_, err := s.f.Seek(offset, 0)
	return err
}

// magicSniffLen is how many leading bytes we peek to identify a compression
// container. Large enough to cover the longest magic (xz's 6 bytes) with
// room to spare.
const magicSniffLen = 16

// decompressingSource wraps a one-shot decompression reader: it is never
// Seekable, and closing it closes the underlying compressed stream too.
type decompressingSource struct {
	r      interface{ Read([]byte) (int, error) }
	closer func() error
	base   ByteSource
}

func (d *decompressingSource) Read(p []byte) (int, error) { return d.r.Read(p) }

func (d *decompressingSource) Close() error {
	var err error
	if d.closer != nil {
		err = d.closer()
	}
	if cerr := d.base.Close(); err == nil {
		err = cerr
	}
	return err
}

// Open resolves path to a ByteSource: it detects split-file concatenation,
// sniffs the result for a compression container, and either hands back the
// (possibly concatenated) Seekable source directly or wraps it in the
// matching decompressor. If requireSeek is true and the source turns out to
// be compressed, it returns ErrUnseekableCompressed rather than silently
// degrading to a sequential-only source.
func Open(path string, requireSeek bool) (ByteSource, error) {
	var base Seekable
	var err error

	if isSplitSuffix(path) {
		base, err = openConcatFile(path)
	} else {
		base, err = openFileSource(path)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	magic := make([]byte, magicSniffLen)
	n, readErr := io.ReadFull(base, magic)
	magic = magic[:n]
	if err := base.SeekAbs(0); err != nil {
		base.Close()
		return nil, fmt.Errorf("rewind %s after magic sniff: %w", path, err)
	}
	if readErr != nil && n == 0 {
		base.Close()
		return nil, fmt.Errorf("sniff %s: %w", path, readErr)
	}

	container := detectContainer(magic)
	if container == ContainerPlain {
		return base, nil
	}
	if requireSeek {
		base.Close()
		return nil, model.ErrUnseekableCompressed
	}

	return wrapDecompressor(base, container)
}

func wrapDecompressor(base Seekable, container Container) (ByteSource, error) {
	switch container {
	case ContainerGzip:
		r, err := gzip.NewReader(base)
		if err != nil {
			base.Close()
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return &decompressingSource{r: r, closer: r.Close, base: base}, nil

	case ContainerZstd:
		r, err := zstd.NewReader(base)
		if err != nil {
			base.Close()
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return &decompressingSource{r: r, closer: func() error { r.Close(); return nil }, base: base}, nil

	case ContainerXZ:
		r, err := xz.NewReader(base)
		if err != nil {
			base.Close()
			return nil, fmt.Errorf("open xz stream: %w", err)
		}
		return &decompressingSource{r: r, base: base}, nil

	case ContainerLZMA:
		r, err := lzma.NewReader(base)
		if err != nil {
			base.Close()
			return nil, fmt.Errorf("open lzma stream: %w", err)
		}
		return &decompressingSource{r: r, base: base}, nil

	case ContainerBzip2:
		r := bzip2.NewReader(base)
		return &decompressingSource{r: r, base: base}, nil

	case ContainerLZ4:
		r := lz4.NewReader(base)
		return &decompressingSource{r: r, base: base}, nil

	default:
		base.Close()
		return nil, fmt.Errorf("unhandled container %s", container)
	}
}
