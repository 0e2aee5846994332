package wpress

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/wpress/testutil"
)

func buildIndex(t *testing.T, archive []byte, opts ...IndexOption) *Index {
	t.Helper()
	src := testutil.NewMockByteSource(archive)
	idx, err := BuildIndex(src, src.Size(), opts...)
	require.NoError(t, err)
	return idx
}

func TestBuildIndex_Offsets(t *testing.T) {
	t.Parallel()

	idx := buildIndex(t, workedExample())
	require.Equal(t, 2, idx.Len())

	entries := idx.Entries()
	assert.Equal(t, int64(0), entries[0].HeaderOffset)
	assert.Equal(t, int64(HeaderSize), entries[0].DataOffset)
	assert.Equal(t, int64(HeaderSize+3), entries[1].HeaderOffset)
	assert.Equal(t, int64(2*HeaderSize+3), entries[1].DataOffset)
	assert.Equal(t, "sub", entries[1].Path)
	assert.Equal(t, int64(2*HeaderSize+3), idx.End())

	content, err := io.ReadAll(idx.Open(entries[0]))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(content))
}

func TestBuildIndex_MatchesPackedTree(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	tree := sampleTree()
	testutil.WriteTree(t, src, tree)
	var buf bytes.Buffer
	_, err := Pack(context.Background(), src, &buf)
	require.NoError(t, err)

	idx := buildIndex(t, buf.Bytes())
	require.Equal(t, len(tree), idx.Len())
	for _, e := range idx.Entries() {
		assert.Equal(t, e.HeaderOffset+HeaderSize, e.DataOffset)
		content, err := io.ReadAll(idx.Open(e))
		require.NoError(t, err)
		target, err := e.Target()
		require.NoError(t, err)
		assert.Equal(t, tree[target].Content, content, target)
	}
}

func TestBuildIndex_Errors(t *testing.T) {
	t.Parallel()

	full := workedExample()
	bad := testutil.HeaderBlock("a.txt", 3, 1, "a.txt")
	copy(bad[NameSize:], "zz")

	tests := []struct {
		name    string
		archive []byte
		wantErr error
	}{
		{"empty", nil, ErrTruncatedStream},
		{"partial header", full[:HeaderSize-1], ErrTruncatedStream},
		{"data beyond end", full[:HeaderSize+2], ErrTruncatedStream},
		{"missing sentinel", full[:2*HeaderSize+3], ErrTruncatedStream},
		{"malformed", append(bad, []byte("abc")...), ErrMalformedHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := testutil.NewMockByteSource(tt.archive)
			_, err := BuildIndex(src, src.Size())
			require.ErrorIs(t, err, tt.wantErr)
			var ee *EntryError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, "index", ee.Op)
		})
	}
}

func TestBuildIndex_SourceError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	src := testutil.NewMockByteSource(workedExample())
	src.FailAt = HeaderSize + 3
	src.Err = boom

	_, err := BuildIndex(src, src.Size())
	require.ErrorIs(t, err, ErrSourceUnavailable)
	require.ErrorIs(t, err, boom)
}

func TestIndex_Lookup(t *testing.T) {
	t.Parallel()

	archive := testutil.BuildArchive(
		testutil.Entry{Name: "dup.txt", Path: "", Data: []byte("first")},
		testutil.Entry{Name: "b.txt", Path: "sub", Data: []byte("prefix form")},
		testutil.Entry{Name: "dup.txt", Path: "", Data: []byte("second")},
		testutil.Entry{Name: "evil", Path: "..", Data: []byte("x")},
	)
	idx := buildIndex(t, archive)

	e, ok := idx.Lookup("sub/b.txt")
	require.True(t, ok)
	assert.Equal(t, 1, e.Index)

	e, ok = idx.Lookup("/./dup.txt")
	require.True(t, ok)
	assert.Equal(t, 2, e.Index, "last entry wins")

	_, ok = idx.Lookup("../evil")
	assert.False(t, ok)
	_, ok = idx.Lookup("missing")
	assert.False(t, ok)
}

func TestIndex_ExtractAllMatchesSequential(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	testutil.WriteTree(t, src, sampleTree())
	var buf bytes.Buffer
	_, err := Pack(context.Background(), src, &buf)
	require.NoError(t, err)

	archive := append(buf.Bytes()[:buf.Len()-HeaderSize:buf.Len()-HeaderSize],
		testutil.BuildArchive(testutil.Entry{Name: "a.txt", Path: "", Data: []byte("overridden")})...)

	seqDest := t.TempDir()
	_, err = NewReader(bytes.NewReader(archive)).ExtractAll(context.Background(), seqDest)
	require.NoError(t, err)

	for _, workers := range []int{1, 4} {
		parDest := t.TempDir()
		var events atomic.Int32
		idx := buildIndex(t, archive, IndexWithWorkers(workers))
		stats, err := idx.ExtractAll(context.Background(), parDest, IndexWithProgress(func(ProgressEvent) {
			events.Add(1)
		}))
		require.NoError(t, err)
		assert.Equal(t, 5, stats.FileCount)
		assert.Equal(t, int32(5), events.Load())
		assert.Equal(t, testutil.ReadTree(t, seqDest), testutil.ReadTree(t, parDest))
		assert.Equal(t, "overridden", string(testutil.ReadTree(t, parDest)["a.txt"]))
	}
}

func TestIndex_ExtractAllPathEscape(t *testing.T) {
	t.Parallel()

	archive := testutil.BuildArchive(
		testutil.Entry{Name: "ok.txt", Path: "", Data: []byte("ok")},
		testutil.Entry{Name: "evil.txt", Path: "..", Data: []byte("evil")},
	)
	idx := buildIndex(t, archive)

	base := t.TempDir()
	dest := filepath.Join(base, "dest")
	_, err := idx.ExtractAll(context.Background(), dest)
	require.ErrorIs(t, err, ErrPathEscape)

	var ee *EntryError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.Index)
	assert.NoDirExists(t, dest, "nothing is written when any path escapes")
}

func TestIndex_ExtractAllMaxEntrySize(t *testing.T) {
	t.Parallel()

	idx := buildIndex(t, workedExample(), IndexWithReaderOptions(WithMaxEntrySize(1)))
	_, err := idx.ExtractAll(context.Background(), t.TempDir())
	require.ErrorIs(t, err, ErrMalformedHeader)
}

func TestIndex_ExtractAllSourceError(t *testing.T) {
	t.Parallel()

	archive := workedExample()
	src := testutil.NewMockByteSource(archive)
	idx, err := BuildIndex(src, src.Size())
	require.NoError(t, err)

	boom := errors.New("range request failed")
	src.FailAt = HeaderSize + 1
	src.Err = boom

	dest := t.TempDir()
	_, err = idx.ExtractAll(context.Background(), dest)
	require.ErrorIs(t, err, ErrSourceUnavailable)
	require.ErrorIs(t, err, boom)
	assert.NotContains(t, testutil.ReadTree(t, dest), "a.txt")
}

func TestIndex_ExtractAllCanceled(t *testing.T) {
	t.Parallel()

	idx := buildIndex(t, workedExample())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := idx.ExtractAll(ctx, t.TempDir())
	require.ErrorIs(t, err, context.Canceled)
}
