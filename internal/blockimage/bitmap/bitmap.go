// Package bitmap decodes PC/PI used-block bitmaps and builds the sparse
// popcount index that lets Resolve answer in O(1 + W/64) instead of
// rescanning the bitmap from the start on every lookup.
package bitmap

import (
	"fmt"
	"math/bits"

	"github.com/partvfs/partvfs/internal/blockimage/model"
)

// Encoding describes how a format lays bitmap bits out on disk before
// normalization.
type Encoding int

const (
	// EncodingBit packs 8 blocks per byte, LSB-first: bit i of byte i/8
	// tells whether block i is used.
	EncodingBit Encoding = iota
	// EncodingByte spends one whole byte per block (nonzero means used),
	// which PartClone's bitmap mode header field can select.
	EncodingByte
)

// Bitmap is the normalized, BIT-packed used-block map for one image, plus
// the sparse popcount index built over it.
type Bitmap struct {
	bits        []byte // normalized BIT encoding, LSB-first within each byte
	totalBlocks int64
	window      int64  // W: index granularity, in blocks
	cum         []int64 // cum[k] = popcount of bits [0, k*window)
}

// DefaultWindow matches the spec's default popcount index granularity.
const DefaultWindow = 1024

// Decode normalizes raw on-disk bitmap bytes (in the given encoding) to the
// internal BIT representation and builds the popcount index over it.
func Decode(raw []byte, totalBlocks int64, enc Encoding, window int64) (*Bitmap, error) {
	if window <= 0 {
		window = DefaultWindow
	}

	var packed []byte
	switch enc {
	case EncodingBit:
		want := int((totalBlocks + 7) / 8)
		if len(raw) < want {
			return nil, fmt.Errorf("%w: bitmap has %d bytes, want at least %d", model.ErrCorruptBitmap, len(raw), want)
		}
		packed = raw[:want]

	case EncodingByte:
		if int64(len(raw)) < totalBlocks {
			return nil, fmt.Errorf("%w: byte-mode bitmap has %d bytes, want %d", model.ErrCorruptBitmap, len(raw), totalBlocks)
		}
		packed = make([]byte, (totalBlocks+7)/8)
		for i := int64(0); i < totalBlocks; i++ {
			if raw[i] != 0 {
				packed[i/8] |= 1 << (uint(i) % 8)
			}
		}

	default:
		return nil, fmt.Errorf("bitmap: unknown encoding %d", enc)
	}

	b := &Bitmap{bits: packed, totalBlocks: totalBlocks, window: window}
	b.buildIndex()
	return b, nil
}

func (b *Bitmap) buildIndex() {
	windows := int(b.totalBlocks/b.window) + 1
	b.cum = make([]int64, windows+1)

	var running int64
	for w := 0; w < windows; w++ {
		b.cum[w] = running
		start := int64(w) * b.window
		end := start + b.window
		if end > b.totalBlocks {
			end = b.totalBlocks
		}
		running += b.popcountRange(start, end)
	}
	b.cum[windows] = running
}

// popcountRange counts set bits in [start, end) of the packed bitmap.
func (b *Bitmap) popcountRange(start, end int64) int64 {
	if start >= end {
		return 0
	}
	var count int64
	for i := start; i < end; i++ {
		if b.IsSet(i) {
			count++
		}
	}
	return count
}

// IsSet reports whether block index i is marked used in the bitmap.
func (b *Bitmap) IsSet(i int64) bool {
	byteIdx := i / 8
	if byteIdx < 0 || int(byteIdx) >= len(b.bits) {
		return false
	}
	return b.bits[byteIdx]&(1<<(uint(i)%8)) != 0
}

// TotalBlocks returns the number of blocks the bitmap covers.
func (b *Bitmap) TotalBlocks() int64 { return b.totalBlocks }

// UsedBlocks returns the total popcount of the bitmap, i.e. the number of
// blocks physically present in the image's blocks section.
func (b *Bitmap) UsedBlocks() int64 {
	if len(b.cum) == 0 {
		return 0
	}
	return b.cum[len(b.cum)-1]
}

// RankBefore returns the number of used blocks at index strictly less than
// i — equivalently, the zero-based position of block i among used blocks
// if block i itself is used. It consults the popcount index for the
// windows fully below i, then finishes the partial window with a direct
// bit scan, so cost is O(1 + window/64) regardless of totalBlocks.
func (b *Bitmap) RankBefore(i int64) int64 {
	if i <= 0 {
		return 0
	}
	if i > b.totalBlocks {
		i = b.totalBlocks
	}

	w := i / b.window
	rank := b.cum[w]
	windowStart := w * b.window
	rank += b.popcountWordwise(windowStart, i)
	return rank
}

// popcountWordwise counts set bits in [start, end) using 64-bit word
// popcount where alignment allows, falling back to byte/bit scans at the
// edges. This is the inner loop the window size bounds the cost of.
func (b *Bitmap) popcountWordwise(start, end int64) int64 {
	if start >= end {
		return 0
	}

	var count int64
	i := start

	for i < end && i%8 != 0 {
		if b.IsSet(i) {
			count++
		}
		i++
	}

	for end-i >= 64 {
		byteIdx := i / 8
		word := uint64(0)
		for k := 0; k < 8; k++ {
			word |= uint64(b.bits[byteIdx+int64(k)]) << (8 * k)
		}
		count += int64(bits.OnesCount64(word))
		i += 64
	}

	for i < end {
		if b.IsSet(i) {
			count++
		}
		i++
	}

	return count
}

// Resolver adapts a Bitmap plus the image's blocks-section layout into a
// model.Resolver: block i, if used, sits at
// blocksSectionOffset + rank(i)*blockSize + (rank(i)/blocksPerSum)*trailerSize.
type Resolver struct {
	bm                  *Bitmap
	blocksSectionOffset int64
	blockSize           int64
	trailerSize         int64 // checksum bytes following each block, or a group of blocks
	blocksPerSum        int64
}

// NewResolver builds a model.Resolver over bm. trailerSize and
// blocksPerSum together describe the blocks-section stride: every
// blocksPerSum consecutive used blocks are followed by one trailerSize
// checksum. Pass trailerSize=0 for formats with no checksum trailer, or
// blocksPerSum=1 for a trailer after every block; blocksPerSum<=0 is
// treated as 1.
func NewResolver(bm *Bitmap, blocksSectionOffset, blockSize, trailerSize, blocksPerSum int64) *Resolver {
	if blocksPerSum <= 0 {
		blocksPerSum = 1
	}
	return &Resolver{
		bm:                  bm,
		blocksSectionOffset: blocksSectionOffset,
		blockSize:           blockSize,
		trailerSize:         trailerSize,
		blocksPerSum:        blocksPerSum,
	}
}

func (r *Resolver) Resolve(blockIndex int64) (model.Resolution, error) {
	if blockIndex < 0 || blockIndex >= r.bm.TotalBlocks() {
		return model.Resolution{}, fmt.Errorf("%w: block %d", model.ErrOutOfRange, blockIndex)
	}
	if !r.bm.IsSet(blockIndex) {
		return model.Resolution{Present: false}, nil
	}

	rank := r.bm.RankBefore(blockIndex)
	dataOffset := rank * r.blockSize

	var trailerOffset int64
	if r.trailerSize > 0 {
		groupsBefore := rank / r.blocksPerSum
		trailerOffset = groupsBefore * r.trailerSize
	}

	return model.Resolution{
		Present:         true,
		ImageByteOffset: r.blocksSectionOffset + dataOffset + trailerOffset,
	}, nil
}
