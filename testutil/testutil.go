// Package testutil provides helpers for building source trees and raw
// archive bytes in tests.
//
// Archive bytes are produced here without going through package wpress so
// that tests can check the codec against independently built input.
package testutil

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Header field widths, duplicated from package wpress.
const (
	nameSize   = 255
	sizeSize   = 14
	mtimeSize  = 12
	pathSize   = 4096
	headerSize = nameSize + sizeSize + mtimeSize + pathSize
)

// File describes a file to create with WriteTree.
type File struct {
	Content []byte
	MTime   int64
}

// WriteTree creates files below dir. Keys are slash-separated relative paths.
func WriteTree(tb testing.TB, dir string, files map[string]File) {
	tb.Helper()
	for rel, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(tb, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(tb, os.WriteFile(p, f.Content, 0o644))
		mtime := time.Unix(f.MTime, 0)
		require.NoError(tb, os.Chtimes(p, mtime, mtime))
	}
}

// ReadTree returns the content of every regular file below dir keyed by
// slash-separated relative path.
func ReadTree(tb testing.TB, dir string) map[string][]byte {
	tb.Helper()
	out := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = content
		return nil
	})
	require.NoError(tb, err)
	return out
}

// Entry is one entry for BuildArchive.
type Entry struct {
	Name  string
	Path  string
	MTime int64
	Data  []byte

	// Size replaces the header's size when SetSize is true, which builds
	// archives whose headers disagree with their data.
	Size    int64
	SetSize bool

	// LeftJustified writes numbers the way other encoders of the format do:
	// digits first, NUL padded.
	LeftJustified bool
}

// HeaderBlock encodes a header block with right-justified, '0' padded
// numbers.
func HeaderBlock(name string, size, mtime int64, path string) []byte {
	block := make([]byte, headerSize)
	copy(block, name)
	putRight(block[nameSize:nameSize+sizeSize], size)
	putRight(block[nameSize+sizeSize:nameSize+sizeSize+mtimeSize], mtime)
	copy(block[nameSize+sizeSize+mtimeSize:], path)
	return block
}

// LeftJustifiedHeaderBlock encodes a header block whose numbers start at the
// beginning of their field and are NUL padded.
func LeftJustifiedHeaderBlock(name string, size, mtime int64, path string) []byte {
	block := make([]byte, headerSize)
	copy(block, name)
	copy(block[nameSize:], strconv.FormatInt(size, 10))
	copy(block[nameSize+sizeSize:], strconv.FormatInt(mtime, 10))
	copy(block[nameSize+sizeSize+mtimeSize:], path)
	return block
}

func putRight(dst []byte, v int64) {
	digits := strconv.FormatInt(v, 10)
	pad := len(dst) - len(digits)
	for i := range pad {
		dst[i] = '0'
	}
	copy(dst[pad:], digits)
}

// SentinelBlock returns the all-zero end-of-archive block.
func SentinelBlock() []byte {
	return make([]byte, headerSize)
}

// BuildArchive encodes entries followed by the sentinel.
func BuildArchive(entries ...Entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.Write(EntryBytes(e))
	}
	buf.Write(SentinelBlock())
	return buf.Bytes()
}

// EntryBytes encodes one entry: its header block followed by its data.
func EntryBytes(e Entry) []byte {
	size := int64(len(e.Data))
	if e.SetSize {
		size = e.Size
	}
	var block []byte
	if e.LeftJustified {
		block = LeftJustifiedHeaderBlock(e.Name, size, e.MTime, e.Path)
	} else {
		block = HeaderBlock(e.Name, size, e.MTime, e.Path)
	}
	return append(block, e.Data...)
}

// MockByteSource implements io.ReaderAt over an in-memory archive. When
// FailAt is set, reads that touch offsets at or beyond it fail with Err.
type MockByteSource struct {
	data   []byte
	FailAt int64
	Err    error
}

// NewMockByteSource returns a byte source backed by the provided data.
func NewMockByteSource(data []byte) *MockByteSource {
	return &MockByteSource{data: data, FailAt: -1}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (m *MockByteSource) ReadAt(p []byte, off int64) (int, error) {
	if m.FailAt >= 0 && off+int64(len(p)) > m.FailAt {
		return 0, m.Err
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if off+int64(n) >= int64(len(m.data)) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (m *MockByteSource) Size() int64 {
	return int64(len(m.data))
}

// FailingReader returns data and then fails with err instead of io.EOF.
type FailingReader struct {
	R   io.Reader
	Err error
}

// Read implements io.Reader.
func (f *FailingReader) Read(p []byte) (int, error) {
	n, err := f.R.Read(p)
	if err == io.EOF {
		return n, f.Err
	}
	return n, err
}
