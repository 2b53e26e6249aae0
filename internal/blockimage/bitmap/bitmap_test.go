package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// used blocks: 0, 1, 3, 5, 8, 13, 19 out of 20 total.
func buildTestBitmap(t *testing.T, window int64) *Bitmap {
	t.Helper()
	raw := []byte{0x2B, 0x21, 0x08} // see bitmap_test comment for bit layout
	bm, err := Decode(raw, 20, EncodingBit, window)
	require.NoError(t, err)
	return bm
}

func TestDecode_BitMode_IsSet(t *testing.T) {
	bm := buildTestBitmap(t, 4)

	used := map[int64]bool{0: true, 1: true, 3: true, 5: true, 8: true, 13: true, 19: true}
	for i := int64(0); i < 20; i++ {
		assert.Equal(t, used[i], bm.IsSet(i), "block %d", i)
	}
}

func TestDecode_BitMode_UsedBlocks(t *testing.T) {
	bm := buildTestBitmap(t, 4)
	assert.Equal(t, int64(7), bm.UsedBlocks())
}

func TestDecode_ByteMode_Normalizes(t *testing.T) {
	raw := make([]byte, 20)
	for _, i := range []int{0, 1, 3, 5, 8, 13, 19} {
		raw[i] = 1
	}
	bm, err := Decode(raw, 20, EncodingByte, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(7), bm.UsedBlocks())
	assert.True(t, bm.IsSet(13))
	assert.False(t, bm.IsSet(14))
}

func TestDecode_TooShort_IsCorrupt(t *testing.T) {
	_, err := Decode([]byte{0x01}, 20, EncodingBit, 4)
	assert.Error(t, err)
}

func TestRankBefore_MatchesLinearScan(t *testing.T) {
	bm := buildTestBitmap(t, 4)

	var running int64
	for i := int64(0); i <= 20; i++ {
		assert.Equal(t, running, bm.RankBefore(i), "rank before %d", i)
		if i < 20 && bm.IsSet(i) {
			running++
		}
	}
}

func TestRankBefore_DifferentWindowsAgree(t *testing.T) {
	small := buildTestBitmap(t, 1)
	large := buildTestBitmap(t, 1024)

	for i := int64(0); i <= 20; i++ {
		assert.Equal(t, small.RankBefore(i), large.RankBefore(i), "offset %d", i)
	}
}

func TestResolver_ResolvesPresentAndAbsentBlocks(t *testing.T) {
	bm := buildTestBitmap(t, 4)
	const blockSize = 512
	r := NewResolver(bm, 1000, blockSize, 0, 0)

	res, err := r.Resolve(0)
	require.NoError(t, err)
	assert.True(t, res.Present)
	assert.Equal(t, int64(1000), res.ImageByteOffset)

	res, err = r.Resolve(1)
	require.NoError(t, err)
	assert.True(t, res.Present)
	assert.Equal(t, int64(1000+blockSize), res.ImageByteOffset)

	res, err = r.Resolve(2)
	require.NoError(t, err)
	assert.False(t, res.Present)

	res, err = r.Resolve(19)
	require.NoError(t, err)
	assert.True(t, res.Present)
	assert.Equal(t, int64(1000+6*blockSize), res.ImageByteOffset)
}

func TestResolver_OutOfRange(t *testing.T) {
	bm := buildTestBitmap(t, 4)
	r := NewResolver(bm, 0, 512, 0, 0)

	_, err := r.Resolve(-1)
	assert.Error(t, err)
	_, err = r.Resolve(20)
	assert.Error(t, err)
}

func TestResolver_WithChecksumTrailer(t *testing.T) {
	bm := buildTestBitmap(t, 4)
	const blockSize, trailerSize, blocksPerSum = 512, 4, 2
	r := NewResolver(bm, 0, blockSize, trailerSize, blocksPerSum)

	// block 0 -> rank 0, group 0, no trailers before it
	res, err := r.Resolve(0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.ImageByteOffset)

	// block 3 -> rank 2 (0,1 used before it), group 1 (2/2), one trailer before it
	res, err = r.Resolve(3)
	require.NoError(t, err)
	assert.Equal(t, int64(2*blockSize+trailerSize), res.ImageByteOffset)
}
