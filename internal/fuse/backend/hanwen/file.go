package hanwen

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/partvfs/partvfs/internal/blockimage/model"
)

// ensure File implements fs.Node* interfaces
var _ fs.NodeGetattrer = (*File)(nil)
var _ fs.NodeOpener = (*File)(nil)
var _ fs.NodeReader = (*File)(nil)

// Image is the subset of blockimage.Image the FUSE layer needs.
type Image interface {
	ImageReader
	Header() model.ImageHeader
	Size() int64
}

// File is the single virtual-partition file the mount exposes.
type File struct {
	fs.Inode
	img Image
	uid uint32
	gid uint32
}

// Getattr reports the logical partition's size and the backing image
// file's mtime; the virtual file is always mode 0440 (read-only).
func (f *File) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(f.img, &out.Attr, f.uid, f.gid)
	out.Ino = f.Inode.StableAttr().Ino
	return 0
}

// Open rejects anything but read-only access and hands back a Handle
// backed directly by the opened Image.
func (f *File) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		return nil, 0, syscall.EROFS
	}
	return NewHandle(f.img), fuse.FOPEN_KEEP_CACHE, 0
}

// Read implements fs.NodeReader.
func (f *File) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	return fh.(*Handle).Read(ctx, dest, off)
}
