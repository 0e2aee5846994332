//go:build integration

package integration

import (
	"io"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/wpress"
	"github.com/meigma/wpress/testutil"
	"github.com/meigma/wpress/transport"
)

func writeTree(tb testing.TB, dir string, tree map[string][]byte) {
	tb.Helper()
	files := make(map[string]testutil.File, len(tree))
	for rel, content := range tree {
		files[rel] = testutil.File{Content: content, MTime: 1700000000}
	}
	testutil.WriteTree(tb, dir, files)
}

func packTo(t *testing.T, endpoint, location string, tree map[string][]byte) wpress.PackStats {
	t.Helper()
	ctx := requireContext(t)

	src := t.TempDir()
	writeTree(t, src, tree)

	w, err := transport.Create(ctx, location, transportOptions(endpoint)...)
	require.NoError(t, err)
	stats, err := wpress.Pack(ctx, src, w)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return stats
}

func TestS3StreamRoundTrip(t *testing.T) {
	endpoint := getMinIO(t)

	for _, suffix := range []string{"", ".zst"} {
		t.Run("suffix"+suffix, func(t *testing.T) {
			ctx := requireContext(t)
			location := testLocation(t.Name(), suffix)
			stats := packTo(t, endpoint, location, nestedTree)
			assert.Equal(t, len(nestedTree), stats.FileCount)

			rc, err := transport.Open(ctx, location, transportOptions(endpoint)...)
			require.NoError(t, err)
			defer rc.Close()

			dest := t.TempDir()
			got, err := wpress.NewReader(rc).ExtractAll(ctx, dest)
			require.NoError(t, err)
			assert.Equal(t, len(nestedTree), got.FileCount)
			assert.Equal(t, nestedTree, testutil.ReadTree(t, dest))
		})
	}
}

func TestS3DigestMatchesStoredObject(t *testing.T) {
	endpoint := getMinIO(t)
	ctx := requireContext(t)

	location := testLocation(t.Name(), "")
	stats := packTo(t, endpoint, location, nestedTree)

	rc, err := transport.Open(ctx, location, transportOptions(endpoint)...)
	require.NoError(t, err)
	defer rc.Close()
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)

	assert.Equal(t, stats.ArchiveBytes, uint64(len(stored)))
	assert.Equal(t, digest.FromBytes(stored), stats.Digest)
}

func TestS3IndexParallelExtract(t *testing.T) {
	endpoint := getMinIO(t)
	ctx := requireContext(t)

	location := testLocation(t.Name(), "")
	packTo(t, endpoint, location, nestedTree)

	ra, err := transport.OpenReaderAt(ctx, location, transportOptions(endpoint)...)
	require.NoError(t, err)
	defer ra.Close()

	idx, err := wpress.BuildIndex(ra, ra.Size())
	require.NoError(t, err)
	require.Equal(t, len(nestedTree), idx.Len())

	e, ok := idx.Lookup("wp-config.php")
	require.True(t, ok)
	content, err := io.ReadAll(idx.Open(e))
	require.NoError(t, err)
	assert.Equal(t, nestedTree["wp-config.php"], content)

	dest := t.TempDir()
	_, err = idx.ExtractAll(ctx, dest, wpress.IndexWithWorkers(4))
	require.NoError(t, err)
	assert.Equal(t, nestedTree, testutil.ReadTree(t, dest))
}

func TestS3MissingObject(t *testing.T) {
	endpoint := getMinIO(t)
	ctx := requireContext(t)

	_, err := transport.Open(ctx, testLocation(t.Name(), ""), transportOptions(endpoint)...)
	require.ErrorIs(t, err, wpress.ErrSourceUnavailable)
}
