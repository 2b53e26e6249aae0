package hanwen

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// fillAttr populates FUSE attributes for the single virtual partition
// file: size comes from the image's logical geometry, mtime from the
// backing image file, and the mode is always a read-only regular file.
func fillAttr(img Image, out *fuse.Attr, uid, gid uint32) {
	hdr := img.Header()
	size := img.Size()

	out.Size = uint64(size)
	out.Mtime = uint64(hdr.ModTime.Unix())
	out.Ctime = out.Mtime
	out.Atime = out.Mtime
	out.Uid = uid
	out.Gid = gid

	out.Blksize = 4096
	out.Blocks = (out.Size + 511) / 512

	out.Mode = 0440 | syscall.S_IFREG
	out.Nlink = 1
}
