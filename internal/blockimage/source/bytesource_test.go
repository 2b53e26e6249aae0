package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectContainer_RecognizesEachMagic(t *testing.T) {
	cases := []struct {
		name  string
		magic []byte
		want  Container
	}{
		{"zstd", []byte{0x28, 0xB5, 0x2F, 0xFD, 0x00}, ContainerZstd},
		{"xz", []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00, 0x00}, ContainerXZ},
		{"lzma", []byte{0x5D, 0x00, 0x00, 0x00}, ContainerLZMA},
		{"bzip2", []byte{0x42, 0x5A, 0x68, 0x39}, ContainerBzip2},
		{"gzip", []byte{0x1F, 0x8B, 0x08}, ContainerGzip},
		{"lz4", []byte{0x04, 0x22, 0x4D, 0x18}, ContainerLZ4},
		{"plain", []byte{'p', 'a', 'r', 't'}, ContainerPlain},
		{"empty", nil, ContainerPlain},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, detectContainer(c.magic))
		})
	}
}

func TestDetectContainer_PrecedenceOverShortMagic(t *testing.T) {
	// a too-short buffer never matches a longer magic.
	assert.Equal(t, ContainerPlain, detectContainer([]byte{0x28, 0xB5}))
}

func TestContainer_String(t *testing.T) {
	assert.Equal(t, "zstd", ContainerZstd.String())
	assert.Equal(t, "plain", ContainerPlain.String())
}
