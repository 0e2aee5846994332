package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/wpress/testutil"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPackListExtract(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	tree := map[string]testutil.File{
		"index.php":            {Content: []byte("<?php"), MTime: 1700000000},
		"wp-content/style.css": {Content: []byte("body{}"), MTime: 1700000001},
	}
	testutil.WriteTree(t, src, tree)

	for _, name := range []string{"site.wpress", "site.wpress.zst"} {
		archive := filepath.Join(t.TempDir(), name)

		out, err := run(t, "pack", src, "-o", archive)
		require.NoError(t, err)
		assert.Contains(t, out, "packed 2 files")
		assert.Contains(t, out, "sha256:")

		out, err = run(t, "list", archive)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 2)
		assert.Contains(t, lines[0], "index.php")
		assert.Contains(t, lines[1], "wp-content/style.css")
		assert.Contains(t, lines[1], "2023-11-14T22:13:21Z")

		dest := t.TempDir()
		_, err = run(t, "extract", archive, "-C", dest)
		require.NoError(t, err)
		got := testutil.ReadTree(t, dest)
		assert.Equal(t, "body{}", string(got["wp-content/style.css"]))
	}
}

func TestExtractParallelAndInspect(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]testutil.File{
		"a.txt":     {Content: []byte("abc")},
		"sub/b.txt": {Content: []byte("b")},
	})
	archive := filepath.Join(t.TempDir(), "site.wpress")
	_, err := run(t, "pack", src, "-o", archive)
	require.NoError(t, err)

	dest := t.TempDir()
	out, err := run(t, "extract", archive, "-C", dest, "--parallel", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "extracted 2 files")
	assert.Len(t, testutil.ReadTree(t, dest), 2)

	out, err = run(t, "inspect", archive, "--json")
	require.NoError(t, err)
	var entries []inspectEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, int64(0), entries[0].HeaderOffset)
	assert.Equal(t, int64(4377+3), entries[1].HeaderOffset)
	assert.Equal(t, "sub", entries[1].Path)
	assert.Equal(t, "sub/b.txt", entries[1].Target)
}

func TestExtractSingleFile(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]testutil.File{
		"a.txt":     {Content: []byte("abc")},
		"sub/b.txt": {Content: []byte("b")},
	})
	archive := filepath.Join(t.TempDir(), "site.wpress")
	_, err := run(t, "pack", src, "-o", archive)
	require.NoError(t, err)

	dest := t.TempDir()
	_, err = run(t, "extract", archive, "-C", dest, "--file", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"sub/b.txt": []byte("b")}, testutil.ReadTree(t, dest))

	_, err = run(t, "extract", archive, "-C", dest, "--file", "missing.txt")
	require.Error(t, err)
}

func TestBadLogFormat(t *testing.T) {
	t.Parallel()

	_, err := run(t, "list", "whatever.wpress", "--log-format", "xml")
	require.ErrorContains(t, err, "unknown log format")
}

func TestPackRequiresOutput(t *testing.T) {
	t.Parallel()

	_, err := run(t, "pack", t.TempDir())
	require.Error(t, err)
}
