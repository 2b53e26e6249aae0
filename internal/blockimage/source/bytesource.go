// Package source implements the transparent input layer: it opens a path,
// auto-detects split-file concatenation and compressed containers, and
// hands back either a sequential or a seekable byte source for the format
// parsers to consume.
package source

import "io"

// ByteSource is the minimal contract format parsers read from.
type ByteSource interface {
	io.Reader
	io.Closer
}

// Seekable is implemented by byte sources that can jump to an absolute
// offset in O(1) or O(log segments) time — plain files and split-file
// concatenations of uncompressed segments. Compressed sources never
// implement this; detecting that is how callers learn the stream isn't
// seekable.
type Seekable interface {
	ByteSource
	// SeekAbs moves the read position to an absolute byte offset.
	SeekAbs(offset int64) error
	// Size returns the total size of the uncompressed source, in bytes.
	Size() int64
}

// Container identifies a compression container detected by magic sniffing.
type Container int

const (
	ContainerPlain Container = iota
	ContainerZstd
	ContainerXZ
	ContainerLZMA
	ContainerBzip2
	ContainerGzip
	ContainerLZ4
)

func (c Container) String() string {
	switch c {
	case ContainerZstd:
		return "zstd"
	case ContainerXZ:
		return "xz"
	case ContainerLZMA:
		return "lzma"
	case ContainerBzip2:
		return "bzip2"
	case ContainerGzip:
		return "gzip"
	case ContainerLZ4:
		return "lz4"
	default:
		return "plain"
	}
}

// detectContainer sniffs up to the first 16 bytes of a stream and reports
// which compression container, if any, it is wrapped in. Precedence
// matches the spec: zstd, xz, lzma, bzip2, gzip, lz4 frame, else plain.
func detectContainer(magic []byte) Container {
	has := func(prefix ...byte) bool {
		if len(magic) < len(prefix) {
			return false
		}
		for i, b := range prefix {
			if magic[i] != b {
				return false
			}
		}
		return true
	}

	switch {
	case has(0x28, 0xB5, 0x2F, 0xFD):
		return ContainerZstd
	case has(0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00):
		return ContainerXZ
	case has(0x5D, 0x00, 0x00):
		return ContainerLZMA
	case has(0x42, 0x5A, 0x68):
		return ContainerBzip2
	case has(0x1F, 0x8B):
		return ContainerGzip
	case has(0x04, 0x22, 0x4D, 0x18):
		return ContainerLZ4
	default:
		return ContainerPlain
	}
}
