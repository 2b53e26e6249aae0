//go:build darwin || windows

package cgofuse

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	cgofuse "github.com/winfsp/cgofuse/fuse"

	"github.com/partvfs/partvfs/internal/fuse/backend"
)

// ensure FS implements cgofuse.FileSystemInterface
var _ cgofuse.FileSystemInterface = (*FS)(nil)

// FS implements cgofuse.FileSystemInterface over a single virtual
// partition file; there is no directory tree to speak of beyond the
// mount root and the one entry it contains.
type FS struct {
	cgofuse.FileSystemBase

	cfg    backend.Config
	logger *slog.Logger
	name   string

	ready chan struct{}
}

// NewFS creates a new cgofuse filesystem over cfg.Image.
func NewFS(cfg backend.Config, logger *slog.Logger) *FS {
	name := cfg.EntryName
	if name == "" {
		name = "partition.img"
	}
	return &FS{cfg: cfg, logger: logger, name: name, ready: make(chan struct{})}
}

// Ready returns a channel that is closed when Init has been called.
func (f *FS) Ready() <-chan struct{} { return f.ready }

func cleanPath(path string) string {
	return strings.TrimPrefix(path, "/")
}

// Init is called when the filesystem is initialized.
func (f *FS) Init() { close(f.ready) }

// Getattr retrieves file attributes for the root directory or the single entry.
func (f *FS) Getattr(path string, stat *cgofuse.Stat_t, fh uint64) int {
	clean := cleanPath(path)
	if clean == "" {
		f.fillDirStat(stat)
		return 0
	}
	if clean != f.name {
		return -cgofuse.ENOENT
	}
	f.fillFileStat(stat)
	return 0
}

// Opendir opens the mount root for reading.
func (f *FS) Opendir(path string) (int, uint64) { return 0, 0 }

// Releasedir releases the mount root.
func (f *FS) Releasedir(path string, fh uint64) int { return 0 }

// Readdir lists the mount root's single entry.
func (f *FS) Readdir(path string, fill func(name string, stat *cgofuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	fill(".", nil, 0)
	fill("..", nil, 0)
	var stat cgofuse.Stat_t
	f.fillFileStat(&stat)
	fill(f.name, &stat, 0)
	return 0
}

// Open opens the image file for reading.
func (f *FS) Open(path string, flags int) (int, uint64) {
	clean := cleanPath(path)
	if clean != f.name {
		return -cgofuse.ENOENT, 0
	}
	if flags&cgofuse.O_ACCMODE != cgofuse.O_RDONLY {
		return -cgofuse.EROFS, 0
	}
	return 0, 1
}

// Read reads directly from the Image's cached resolver chain.
func (f *FS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := f.cfg.Image.ReadAt(buff, ofst)
	if err != nil && !errors.Is(err, io.EOF) {
		return -cgofuse.EIO
	}
	return n
}

// Release is a no-op: the Image outlives any single open handle.
func (f *FS) Release(path string, fh uint64) int { return 0 }

// Flush is a no-op: the mount is read-only.
func (f *FS) Flush(path string, fh uint64) int { return 0 }

// Fsync is a no-op: the mount is read-only.
func (f *FS) Fsync(path string, datasync bool, fh uint64) int { return 0 }

// Statfs returns filesystem statistics sized to the partition itself.
func (f *FS) Statfs(path string, stat *cgofuse.Statfs_t) int {
	const blockSize = 4096
	total := uint64(f.cfg.Image.Size())/blockSize + 1

	stat.Blocks = total
	stat.Bfree = 0
	stat.Bavail = 0
	stat.Bsize = blockSize
	stat.Namemax = 255
	stat.Frsize = blockSize
	return 0
}

func (f *FS) fillDirStat(stat *cgofuse.Stat_t) {
	stat.Mode = cgofuse.S_IFDIR | 0550
	stat.Uid = f.cfg.UID
	stat.Gid = f.cfg.GID
	stat.Nlink = 2

	now := cgofuse.NewTimespec(time.Now())
	stat.Atim, stat.Mtim, stat.Ctim = now, now, now
}

func (f *FS) fillFileStat(stat *cgofuse.Stat_t) {
	hdr := f.cfg.Image.Header()

	stat.Size = f.cfg.Image.Size()
	stat.Uid = f.cfg.UID
	stat.Gid = f.cfg.GID
	stat.Blksize = 4096
	stat.Blocks = int64((uint64(stat.Size) + 511) / 512)

	mtime := cgofuse.NewTimespec(hdr.ModTime)
	stat.Atim, stat.Mtim, stat.Ctim = mtime, mtime, mtime

	stat.Mode = cgofuse.S_IFREG | 0440
	stat.Nlink = 1
}
