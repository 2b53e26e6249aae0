// Package checksum verifies the grouped per-block checksums PartClone and
// PartImage interleave into their blocks sections.
package checksum

import (
	"fmt"
	"hash/crc32"
	"io"

	"github.com/partvfs/partvfs/internal/blockimage/model"
)

// Verifier checks a stream of used blocks against the grouped checksum
// layout described by a model.ChecksumSpec: every BlocksPerSum blocks is
// followed by one SizeBytes checksum, and if ReseedEachSum is set the
// running hash restarts at the start of each group instead of accumulating
// across the whole blocks section.
type Verifier struct {
	spec model.ChecksumSpec
}

func NewVerifier(spec model.ChecksumSpec) *Verifier {
	return &Verifier{spec: spec}
}

// VerifyBlocks reads usedBlocks blocks of blockSize bytes each, interleaved
// with checksum trailers per v.spec, from r. It calls onBlock for each
// block's data (onBlock may be nil if the caller only wants verification).
// It returns a *model.VerifyError for the first group whose checksum does
// not match, with AtBlock set to the index of that group's last block, or
// nil if every group's checksum matched.
func (v *Verifier) VerifyBlocks(r io.Reader, blockSize, usedBlocks int64, onBlock func(blockPos int64, data []byte) error) error {
	if !v.spec.Enabled() {
		return v.copyOnly(r, blockSize, usedBlocks, onBlock)
	}
	if v.spec.Algorithm != model.ChecksumCRC32 {
		return fmt.Errorf("checksum: unsupported algorithm %q", v.spec.Algorithm)
	}

	groupSize := int64(v.spec.BlocksPerSum)
	if groupSize <= 0 {
		groupSize = 1
	}

	buf := make([]byte, blockSize)
	trailer := make([]byte, v.spec.SizeBytes)

	h := crc32.NewIEEE()
	var pos int64
	for pos < usedBlocks {
		groupEnd := pos + groupSize
		if groupEnd > usedBlocks {
			groupEnd = usedBlocks
		}

		if v.spec.ReseedEachSum {
			h = crc32.NewIEEE()
		}
		for pos < groupEnd {
			if _, err := io.ReadFull(r, buf); err != nil {
				return &model.IOError{Op: "read block", Err: err}
			}
			if _, err := h.Write(buf); err != nil {
				return &model.IOError{Op: "hash block", Err: err}
			}
			if onBlock != nil {
				if err := onBlock(pos, buf); err != nil {
					return err
				}
			}
			pos++
		}

		if _, err := io.ReadFull(r, trailer); err != nil {
			return &model.IOError{Op: "read checksum trailer", Err: err}
		}
		want := readCRC32Trailer(trailer)
		if got := h.Sum32(); got != want {
			return &model.VerifyError{AtBlock: groupEnd - 1, Err: fmt.Errorf("crc32 mismatch: have %#08x, want %#08x", got, want)}
		}
	}

	return nil
}

func (v *Verifier) copyOnly(r io.Reader, blockSize, usedBlocks int64, onBlock func(int64, []byte) error) error {
	buf := make([]byte, blockSize)
	for pos := int64(0); pos < usedBlocks; pos++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return &model.IOError{Op: "read block", Err: err}
		}
		if onBlock != nil {
			if err := onBlock(pos, buf); err != nil {
				return err
			}
		}
	}
	return nil
}

func readCRC32Trailer(trailer []byte) uint32 {
	var v uint32
	n := len(trailer)
	if n > 4 {
		n = 4
	}
	for i := 0; i < n; i++ {
		v |= uint32(trailer[i]) << (8 * i)
	}
	return v
}

// CRC32 computes the plain CRC32/IEEE checksum of data, used for header and
// bitmap-trailer verification (which aren't grouped).
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
