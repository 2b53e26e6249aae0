package hanwen

import (
	"context"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/partvfs/partvfs/internal/fuse/backend"
)

// ensure Root implements fs.NodeOnAdder
var _ fs.NodeOnAdder = (*Root)(nil)

// Root is the mount's single directory; it holds exactly one file, the
// virtual partition itself.
type Root struct {
	fs.Inode
	cfg backend.Config
}

// NewRoot builds a root directory node exposing cfg.Image as one file.
func NewRoot(cfg backend.Config) *Root {
	return &Root{cfg: cfg}
}

// OnAdd is called once the root is attached to the inode tree; it wires
// up the single child entry.
func (r *Root) OnAdd(ctx context.Context) {
	name := r.cfg.EntryName
	if name == "" {
		name = "partition.img"
	}

	file := &File{
		img: r.cfg.Image,
		uid: r.cfg.UID,
		gid: r.cfg.GID,
	}
	child := r.NewInode(ctx, file, fs.StableAttr{Mode: fuse.S_IFREG})
	r.AddChild(name, child, true)
}
