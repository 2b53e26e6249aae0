// Package runs implements the NtfsClone run index: an ordered table of
// alternating used-data and zero-gap runs built by one sequential scan of
// the command stream, queried by binary search on partition offset.
package runs

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/partvfs/partvfs/internal/blockimage/model"
)

// Kind distinguishes a run of physically stored clusters from a run of
// implicit zero clusters that consume no space in the image.
type Kind int

const (
	KindData Kind = iota
	KindGap
)

// Run is one maximal contiguous stretch of same-kind clusters.
type Run struct {
	PartitionOffset int64 // p_off: byte offset into the logical partition
	ImageOffset     int64 // i_off: byte offset into the image file (0 for gaps)
	Len             int64 // length in bytes
	Kind            Kind
}

func (r Run) end() int64 { return r.PartitionOffset + r.Len }

const (
	cmdGap  = 0x00
	cmdData = 0x01
)

// Table is the built run index for one NC image.
type Table struct {
	runs         []Run
	clusterSize  int64
	deviceSize   int64
	usedClusters int64
}

// Build performs the single sequential scan of an NC command stream,
// starting at the image's offsetToImageData, and returns the run table.
// r must be positioned exactly at the first command byte, which must itself
// sit at absolute file offset streamBaseOffset — every data run's
// ImageOffset is recorded as a real file offset, tag and count bytes
// included, since BlockIO reads the underlying image file directly rather
// than through anything that re-parses the command stream.
func Build(r io.Reader, clusterSize, nrClusters, streamBaseOffset int64, progress model.Progress) (*Table, error) {
	br := bufio.NewReaderSize(r, 1<<20)

	t := &Table{clusterSize: clusterSize, deviceSize: nrClusters * clusterSize}

	var pOff int64
	streamPos := streamBaseOffset
	progress.Start(nrClusters)

	for pOff < t.deviceSize {
		tag, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("%w: command stream ended after %d of %d bytes", model.ErrCorruptStream, pOff, t.deviceSize)
			}
			return nil, fmt.Errorf("%w: reading command tag: %v", model.ErrCorruptStream, err)
		}
		streamPos++

		switch tag {
		case cmdGap:
			var count uint64
			if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
				return nil, fmt.Errorf("%w: reading gap count: %v", model.ErrCorruptStream, err)
			}
			streamPos += 8
			length := int64(count) * clusterSize
			t.appendRun(Run{PartitionOffset: pOff, ImageOffset: 0, Len: length, Kind: KindGap})
			pOff += length
			progress.Advance(int64(count))

		case cmdData:
			buf := make([]byte, clusterSize)
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, fmt.Errorf("%w: reading data cluster: %v", model.ErrCorruptStream, err)
			}
			t.appendRun(Run{PartitionOffset: pOff, ImageOffset: streamPos, Len: clusterSize, Kind: KindData})
			pOff += clusterSize
			streamPos += clusterSize
			t.usedClusters++
			progress.Advance(1)

		default:
			return nil, fmt.Errorf("%w: unknown command tag 0x%02x at partition offset %d", model.ErrCorruptStream, tag, pOff)
		}
	}

	progress.Finish()

	if pOff != t.deviceSize {
		return nil, fmt.Errorf("%w: command stream covers %d bytes, want %d", model.ErrCorruptStream, pOff, t.deviceSize)
	}

	return t, nil
}

// appendRun extends the previous run if it's the same kind and contiguous,
// otherwise appends a new one. Real NC streams alternate kinds almost every
// command, but adjacent same-kind runs are possible at chunk boundaries.
func (t *Table) appendRun(r Run) {
	if n := len(t.runs); n > 0 {
		prev := &t.runs[n-1]
		if prev.Kind == r.Kind && prev.end() == r.PartitionOffset &&
			(r.Kind == KindGap || prev.ImageOffset+prev.Len == r.ImageOffset) {
			prev.Len += r.Len
			return
		}
	}
	t.runs = append(t.runs, r)
}

// UsedClusters returns the number of physically stored clusters found
// during the scan.
func (t *Table) UsedClusters() int64 { return t.usedClusters }

// locate returns the index of the run containing partition byte offset
// off, via binary search over run boundaries.
func (t *Table) locate(off int64) int {
	return sort.Search(len(t.runs), func(i int) bool {
		return t.runs[i].end() > off
	})
}

// Resolve implements model.Resolver over the run table in terms of byte
// offsets into the partition, translated from a block index by the caller
// supplying blockSize; NC's natural unit is the cluster, which BlockIO
// treats the same way it treats PC/PI's block.
type Resolver struct {
	table     *Table
	blockSize int64
}

// NewResolver adapts t into a model.Resolver addressed in blockSize units.
func NewResolver(t *Table, blockSize int64) *Resolver {
	return &Resolver{table: t, blockSize: blockSize}
}

func (r *Resolver) Resolve(blockIndex int64) (model.Resolution, error) {
	off := blockIndex * r.blockSize
	if off < 0 || off >= r.table.deviceSize {
		return model.Resolution{}, fmt.Errorf("%w: block %d", model.ErrOutOfRange, blockIndex)
	}

	idx := r.table.locate(off)
	if idx == len(r.table.runs) {
		return model.Resolution{}, fmt.Errorf("%w: block %d not covered by any run", model.ErrCorruptStream, blockIndex)
	}

	run := r.table.runs[idx]
	if run.Kind == KindGap {
		return model.Resolution{Present: false}, nil
	}

	withinRun := off - run.PartitionOffset
	return model.Resolution{Present: true, ImageByteOffset: run.ImageOffset + withinRun}, nil
}
