package wpress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/karrick/godirwalk"
	"github.com/opencontainers/go-digest"
	"github.com/tidwall/btree"

	"github.com/meigma/wpress/internal/iox"
	"github.com/meigma/wpress/internal/pathutil"
	"github.com/meigma/wpress/internal/platform"
)

// PackStats summarizes an archive written by Pack.
type PackStats struct {
	// FileCount is the number of entries written, sentinel excluded.
	FileCount int

	// DataBytes is the sum of the entries' content sizes.
	DataBytes uint64

	// ArchiveBytes is the total number of bytes written to the destination,
	// headers and sentinel included.
	ArchiveBytes uint64

	// Digest is the sha256 digest of the archive bytes.
	Digest digest.Digest
}

// Pack writes an archive of the regular files below dir to dst.
//
// Entries are written in byte-lexicographic order of their slash-separated
// paths relative to dir, so packing the same tree twice produces identical
// bytes. Symbolic links are not followed and are skipped, as are other
// non-regular files. Empty directories are not preserved.
//
// Every name and path is checked against the header field widths before the
// first byte is written, so an overflowing path fails with ErrFieldTooLong
// without producing partial output. A file that cannot be read or that
// shrinks while it is copied fails with ErrSourceReadError.
//
// The context can be used for cancellation; dst then holds a partial archive.
func Pack(ctx context.Context, dir string, dst io.Writer, opts ...PackOption) (PackStats, error) {
	cfg := newPackConfig(opts)

	root, err := os.OpenRoot(dir)
	if err != nil {
		return PackStats{}, fmt.Errorf("%w: %w", ErrSourceReadError, err)
	}
	defer root.Close()

	p := &packer{cfg: cfg, dir: dir, root: root}
	p.log().Info("packing archive", "dir", dir)

	files, err := p.enumerate(ctx)
	if err != nil {
		return PackStats{}, err
	}
	p.log().Debug("enumerated source tree", "file_count", files.Len())

	stats, err := p.write(ctx, files, dst)
	if err != nil {
		return stats, err
	}
	p.log().Info("packed archive",
		"dir", dir,
		"file_count", stats.FileCount,
		"archive_bytes", stats.ArchiveBytes,
		"digest", stats.Digest.String(),
	)
	return stats, nil
}

// packer holds state for one Pack call.
type packer struct {
	cfg  packConfig
	dir  string
	root *os.Root
}

func (p *packer) log() *slog.Logger {
	return p.cfg.logger
}

// enumerate collects the relative paths of all regular files below the
// root, ordered by byte value.
func (p *packer) enumerate(ctx context.Context) (*btree.BTreeG[string], error) {
	files := btree.NewBTreeGOptions(func(a, b string) bool {
		return a < b
	}, btree.Options{NoLocks: true})

	p.cfg.progress.emit(ProgressEvent{Stage: StageEnumerating})

	err := godirwalk.Walk(p.dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if de.IsDir() {
				return nil
			}

			rel, err := filepath.Rel(p.dir, osPathname)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)

			if de.IsSymlink() {
				p.log().Debug("skipped symlink", "path", rel)
				return nil
			}
			if !de.IsRegular() {
				p.log().Debug("skipped non-regular file", "path", rel)
				return nil
			}

			if err := CheckFields(path.Base(rel), rel); err != nil {
				return entryError("pack", -1, rel, err)
			}
			if p.cfg.maxFiles > 0 && files.Len() >= p.cfg.maxFiles {
				return fmt.Errorf("%w: more than %d files", ErrTooManyFiles, p.cfg.maxFiles)
			}
			files.Set(rel)
			return nil
		},
	})
	if err != nil {
		var ee *EntryError
		if errors.As(err, &ee) || errors.Is(err, ErrTooManyFiles) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: walk %s: %w", ErrSourceReadError, p.dir, err)
	}
	return files, nil
}

// write emits one entry per file followed by the sentinel.
func (p *packer) write(ctx context.Context, files *btree.BTreeG[string], dst io.Writer) (PackStats, error) {
	var stats PackStats

	counter := &iox.CountingWriter{W: dst}
	digester := digest.Canonical.Digester()
	bw := bufio.NewWriterSize(io.MultiWriter(counter, digester.Hash()), fileBufferSize)
	buf := make([]byte, copyBufferSize)
	total := files.Len()

	var err error
	files.Scan(func(rel string) bool {
		var size int64
		var written bool
		size, written, err = p.writeFile(ctx, bw, buf, stats.FileCount, rel)
		if err != nil {
			return false
		}
		if !written {
			return true
		}
		stats.FileCount++
		stats.DataBytes = addBytes(stats.DataBytes, size)
		p.cfg.progress.emit(ProgressEvent{
			Stage:      StagePacking,
			Path:       rel,
			BytesDone:  stats.DataBytes,
			FilesDone:  stats.FileCount,
			FilesTotal: total,
		})
		return true
	})
	if err == nil {
		_, err = bw.Write(SentinelBlock())
	}
	if flushErr := bw.Flush(); err == nil {
		err = flushErr
	}

	stats.ArchiveBytes = counter.N
	stats.Digest = digester.Digest()
	return stats, err
}

// writeFile writes the header and content of rel. It reports written=false
// when the file turned into a symlink after enumeration.
func (p *packer) writeFile(ctx context.Context, w io.Writer, buf []byte, index int, rel string) (size int64, written bool, err error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	f, err := platform.OpenFileNoFollow(p.root, filepath.FromSlash(rel))
	if err != nil {
		if errors.Is(err, platform.ErrSymlink) {
			p.log().Debug("skipped symlink", "path", rel)
			return 0, false, nil
		}
		return 0, false, entryError("pack", index, rel, fmt.Errorf("%w: %w", ErrSourceReadError, err))
	}
	defer f.Close()

	before, err := f.Stat()
	if err != nil {
		return 0, false, entryError("pack", index, rel, fmt.Errorf("%w: %w", ErrSourceReadError, err))
	}
	if !before.Mode().IsRegular() {
		return 0, false, entryError("pack", index, rel, fmt.Errorf("%w: not a regular file", ErrSourceReadError))
	}

	hdr := Header{
		Name:  path.Base(rel),
		Size:  before.Size(),
		MTime: before.ModTime().Unix(),
		Path:  pathutil.Dir(rel),
	}
	block, err := hdr.MarshalBinary()
	if err != nil {
		return 0, false, entryError("pack", index, rel, err)
	}
	p.log().Debug("packing file", "index", index, "path", rel, "size", hdr.Size)

	if _, err := w.Write(block); err != nil {
		return 0, false, entryError("pack", index, rel, err)
	}
	src := &iox.TagReader{R: io.LimitReader(f, hdr.Size), Tag: tagSourceRead}
	n, err := iox.CopyWithContext(ctx, w, src, buf)
	if err != nil {
		return 0, false, entryError("pack", index, rel, err)
	}
	if n != hdr.Size {
		err := fmt.Errorf("%w: read %d of %d bytes", ErrSourceReadError, n, hdr.Size)
		return 0, false, entryError("pack", index, rel, err)
	}

	if p.cfg.changeDetection == ChangeDetectionStrict {
		if err := checkUnchanged(f, before); err != nil {
			return 0, false, entryError("pack", index, rel, err)
		}
	}
	return hdr.Size, true, nil
}

func tagSourceRead(err error) error {
	return fmt.Errorf("%w: %w", ErrSourceReadError, err)
}

// checkUnchanged verifies the open file still matches the metadata it was
// packed with.
func checkUnchanged(f *os.File, before fs.FileInfo) error {
	after, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceReadError, err)
	}
	if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		return fmt.Errorf("%w: file changed while packing", ErrSourceReadError)
	}
	return nil
}
