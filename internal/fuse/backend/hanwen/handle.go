package hanwen

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// ensure Handle implements fs.FileReleaser
var _ fs.FileReleaser = (*Handle)(nil)

// ImageReader is the subset of blockimage.Image a file handle needs; an
// interface here keeps this package's tests free of a real backup image.
type ImageReader interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Handle serves reads straight from Image.ReadAt, which is already
// position-independent and internally serialized by BlockIO's cache
// mutex, so no Seek+Read dance or handle-local locking is needed here.
type Handle struct {
	img ImageReader
}

// NewHandle creates a Handle over img.
func NewHandle(img ImageReader) *Handle {
	return &Handle{img: img}
}

// Read implements fs.NodeReader's per-handle read.
func (h *Handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.img.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "partition read failed", "offset", off, "size", len(dest), "error", err)
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Flush is a no-op: the mount is read-only.
func (h *Handle) Flush(ctx context.Context) syscall.Errno { return 0 }

// Fsync is a no-op: the mount is read-only.
func (h *Handle) Fsync(ctx context.Context, flags uint32) syscall.Errno { return 0 }

// Release is a no-op: the Image itself is closed when the server unmounts,
// not per-handle, since every open shares the same cache.
func (h *Handle) Release(ctx context.Context) syscall.Errno { return 0 }
