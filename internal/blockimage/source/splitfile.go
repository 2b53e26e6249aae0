package source

import (
	"fmt"
	"io"
	"os"
	"sort"
)

// segment describes one file in a split-file concatenation.
type segment struct {
	offset int64 // offset into the virtual concatenated stream where this segment starts
	size   int64
	path   string
}

func (s segment) end() int64 { return s.offset + s.size }

// isSplitSuffix reports whether path ends in a "." followed by a two-letter
// lowercase suffix, e.g. "image.img.aa".
func isSplitSuffix(path string) bool {
	if len(path) < 3 {
		return false
	}
	dot, a, b := path[len(path)-3], path[len(path)-2], path[len(path)-1]
	return dot == '.' && a >= 'a' && a <= 'z' && b >= 'a' && b <= 'z'
}

// nextSuffix returns the lexical successor of a two-letter suffix: aa, ab,
// ..., az, ba, ..., zz.
func nextSuffix(suffix string) (string, bool) {
	b := []byte(suffix)
	if b[1] != 'z' {
		b[1]++
		return string(b), true
	}
	if b[0] != 'z' {
		b[0]++
		b[1] = 'a'
		return string(b), true
	}
	return "", false
}

// discoverSplitSegments probes for sibling files ab, ac, ... following the
// given first segment and returns the full ordered list, including it.
func discoverSplitSegments(path string) ([]segment, error) {
	base := path[:len(path)-2]
	suffix := path[len(path)-2:]

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat split segment %s: %w", path, err)
	}

	segs := []segment{{offset: 0, size: info.Size(), path: path}}

	for {
		next, ok := nextSuffix(suffix)
		if !ok {
			break
		}
		candidate := base + next
		fi, err := os.Stat(candidate)
		if err != nil {
			break
		}
		prev := segs[len(segs)-1]
		segs = append(segs, segment{offset: prev.end(), size: fi.Size(), path: candidate})
		suffix = next
	}

	return segs, nil
}

// concatFile is a Seekable ByteSource over an ordered, lexically-named set
// of split files, read as if they were one contiguous file.
type concatFile struct {
	segments []segment
	pos      int64 // absolute position in the virtual stream
	curIdx   int
	cur      *os.File
}

func openConcatFile(path string) (*concatFile, error) {
	segs, err := discoverSplitSegments(path)
	if err != nil {
		return nil, err
	}
	c := &concatFile{segments: segs, curIdx: -1}
	if err := c.openSegment(0); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *concatFile) totalSize() int64 {
	if len(c.segments) == 0 {
		return 0
	}
	return c.segments[len(c.segments)-1].end()
}

func (c *concatFile) Size() int64 { return c.totalSize() }

func (c *concatFile) openSegment(idx int) error {
	if c.cur != nil {
		c.cur.Close()
		c.cur = nil
	}
	f, err := os.Open(c.segments[idx].path)
	if err != nil {
		return fmt.Errorf("open split segment %s: %w", c.segments[idx].path, err)
	}
	c.cur = f
	c.curIdx = idx
	return nil
}

// segmentFor binary-searches for the segment containing offset.
func (c *concatFile) segmentFor(offset int64) int {
	return sort.Search(len(c.segments), func(i int) bool {
		return c.segments[i].end() > offset
	})
}

func (c *concatFile) Read(p []byte) (int, error) {
	total := c.totalSize()
	if c.pos >= total {
		return 0, io.EOF
	}

	seg := c.segments[c.curIdx]
	remaining := seg.end() - c.pos
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := c.cur.Read(p)
	c.pos += int64(n)

	if err != nil && n == 0 {
		return n, err
	}
	if c.pos == seg.end() && c.curIdx < len(c.segments)-1 {
		if openErr := c.openSegment(c.curIdx + 1); openErr != nil {
			return n, openErr
		}
	}
	return n, nil
}

func (c *concatFile) SeekAbs(offset int64) error {
	if offset < 0 || offset > c.totalSize() {
		return fmt.Errorf("seek offset %d out of range [0, %d]", offset, c.totalSize())
	}
	idx := c.segmentFor(offset)
	if idx == len(c.segments) {
		idx--
	}
	if idx != c.curIdx {
		if err := c.openSegment(idx); err != nil {
			return err
		}
	}
	within := offset - c.segments[idx].offset
	if _, err := c.cur.Seek(within, 0); err != nil {
		return fmt.Errorf("seek within split segment %s: %w", c.segments[idx].path, err)
	}
	c.pos = offset
	return nil
}

func (c *concatFile) Close() error {
	if c.cur != nil {
		return c.cur.Close()
	}
	return nil
}
