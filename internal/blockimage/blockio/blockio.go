// Package blockio implements the page cache that turns arbitrary
// (offset, size) reads of a logical partition into block-resolver lookups
// plus an LRU cache of decoded blocks, so repeated reads of the same
// region don't re-hit the underlying image file.
package blockio

import (
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/partvfs/partvfs/internal/blockimage/model"
)

// DefaultCapacity is the default number of decoded blocks kept in memory.
const DefaultCapacity = 128

// ImageSource is the minimal contract BlockIO needs from an opened image:
// a seekable reader over the underlying file, used to fetch the bytes a
// Resolver says live at a given offset.
type ImageSource interface {
	io.ReaderAt
}

// BlockIO answers arbitrary reads against a logical partition backed by a
// model.Resolver and an underlying image ImageSource. It is safe for
// concurrent use: a single mutex serializes both cache state and
// underlying-file access, matching the spec's requirement that resolver
// and source access need not be independently lock-free.
type BlockIO struct {
	mu        sync.Mutex
	src       ImageSource
	resolver  model.Resolver
	blockSize int64
	totalSize int64
	cache     *lru.Cache[int64, []byte]
}

// New builds a BlockIO over src, using resolver to locate each logical
// block and caching up to capacity decoded blocks. capacity<=0 uses
// DefaultCapacity.
func New(src ImageSource, resolver model.Resolver, blockSize, totalSize int64, capacity int) (*BlockIO, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[int64, []byte](capacity)
	if err != nil {
		return nil, fmt.Errorf("blockio: building LRU cache: %w", err)
	}
	return &BlockIO{
		src:       src,
		resolver:  resolver,
		blockSize: blockSize,
		totalSize: totalSize,
		cache:     cache,
	}, nil
}

// ReadAt satisfies io.ReaderAt over the logical partition: it decodes
// whichever blocks overlap [off, off+len(p)), zero-filling for blocks the
// resolver reports absent. It returns io.EOF when off is at or past the
// partition's end; a read that runs past the end is truncated there and
// returns the shorter count with a nil error.
func (b *BlockIO) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", model.ErrOutOfRange, off)
	}
	if off >= b.totalSize {
		return 0, io.EOF
	}

	end := off + int64(len(p))
	if end > b.totalSize {
		end = b.totalSize
		p = p[:end-off]
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var written int
	for cur := off; cur < end; {
		blockIdx := cur / b.blockSize
		blockStart := blockIdx * b.blockSize
		withinBlock := cur - blockStart

		block, err := b.blockLocked(blockIdx)
		if err != nil {
			return written, err
		}

		n := copy(p[written:], block[withinBlock:])
		written += n
		cur += int64(n)
	}

	if end == b.totalSize {
		return written, nil
	}
	return written, nil
}

// blockLocked returns the decoded contents of logical block idx, from
// cache if present, otherwise resolved and read fresh. Caller must hold
// b.mu.
func (b *BlockIO) blockLocked(idx int64) ([]byte, error) {
	if data, ok := b.cache.Get(idx); ok {
		return data, nil
	}

	res, err := b.resolver.Resolve(idx)
	if err != nil {
		return nil, fmt.Errorf("blockio: resolving block %d: %w", idx, err)
	}

	data := make([]byte, b.blockSize)
	if res.Present {
		if _, err := b.src.ReadAt(data, res.ImageByteOffset); err != nil && err != io.EOF {
			return nil, &model.IOError{Op: fmt.Sprintf("read block %d at image offset %d", idx, res.ImageByteOffset), Err: err}
		}
	}
	// Absent blocks stay zero-filled (data was allocated zeroed).

	b.cache.Add(idx, data)
	return data, nil
}

// Size returns the logical partition's total size in bytes.
func (b *BlockIO) Size() int64 { return b.totalSize }

// Invalidate drops a cached block, if present. Exposed mainly for tests
// that want to force a re-resolve.
func (b *BlockIO) Invalidate(idx int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache.Remove(idx)
}
