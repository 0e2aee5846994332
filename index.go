package wpress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tidwall/btree"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/wpress/internal/iox"
	"github.com/meigma/wpress/internal/pathutil"
	"github.com/meigma/wpress/internal/sink"
	"github.com/meigma/wpress/internal/sizing"
)

// IndexEntry locates one entry inside an archive.
type IndexEntry struct {
	Header

	// Index is the zero-based position of the entry in the stream.
	Index int

	// HeaderOffset is the byte offset of the entry's header.
	HeaderOffset int64

	// DataOffset is the byte offset of the entry's content. It always equals
	// HeaderOffset + HeaderSize.
	DataOffset int64
}

type targetItem struct {
	target string
	pos    int
}

// Index records where every entry of an archive starts.
//
// An Index is built by one sequential pass over the headers of an archive
// reachable through an io.ReaderAt. It does not change the format: the
// archive still carries no index of its own. An Index is safe for concurrent
// use once built.
type Index struct {
	src      io.ReaderAt
	size     int64
	cfg      indexConfig
	entries  []IndexEntry
	end      int64
	byTarget *btree.BTreeG[targetItem]
}

// BuildIndex scans the archive of size bytes read from src and records the
// offset of every entry. It fails with the same errors a Reader reports for
// the same bytes.
func BuildIndex(src io.ReaderAt, size int64, opts ...IndexOption) (*Index, error) {
	cfg := newIndexConfig(opts)
	idx := &Index{
		src:  src,
		size: size,
		cfg:  cfg,
		byTarget: btree.NewBTreeGOptions(func(a, b targetItem) bool {
			return a.target < b.target
		}, btree.Options{NoLocks: true}),
	}

	section := io.NewSectionReader(src, 0, size)
	block := make([]byte, HeaderSize)
	var offset int64
	for {
		index := len(idx.entries)
		n, err := section.ReadAt(block, offset)
		if n < HeaderSize {
			return nil, entryError("index", index, "", readAtError(err, offset))
		}

		hdr, err := DecodeHeader(block)
		if err != nil {
			return nil, entryError("index", index, "", err)
		}
		if hdr.IsSentinel() {
			idx.end = offset
			break
		}

		raw := pathutil.Join(hdr.Path, hdr.Name)
		dataOffset := offset + HeaderSize
		next, ok := sizing.AddInt64(dataOffset, hdr.Size)
		if !ok || next > size {
			err := fmt.Errorf("%w: entry data ends at %d beyond archive size %d", ErrTruncatedStream, next, size)
			return nil, entryError("index", index, raw, err)
		}

		idx.entries = append(idx.entries, IndexEntry{
			Header:       *hdr,
			Index:        index,
			HeaderOffset: offset,
			DataOffset:   dataOffset,
		})
		if target, err := hdr.Target(); err == nil {
			idx.byTarget.Set(targetItem{target: target, pos: index})
		}
		cfg.progress.emit(ProgressEvent{Stage: StageIndexing, Path: raw, FilesDone: index + 1})
		offset = next
	}

	cfg.logger.Debug("built index", "entries", len(idx.entries), "size", size)
	return idx, nil
}

func readAtError(err error, offset int64) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: stream ended inside header at offset %d", ErrTruncatedStream, offset)
	}
	return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
}

// Len returns the number of entries, sentinel excluded.
func (x *Index) Len() int {
	return len(x.entries)
}

// End returns the offset of the sentinel header.
func (x *Index) End() int64 {
	return x.end
}

// Entries returns the entries in stream order. The returned slice must not
// be modified.
func (x *Index) Entries() []IndexEntry {
	return x.entries
}

// Lookup returns the last entry whose target path equals p. Leading slashes
// and "." elements in p are ignored.
func (x *Index) Lookup(p string) (IndexEntry, bool) {
	item, ok := x.byTarget.Get(targetItem{target: pathutil.Normalize(p)})
	if !ok {
		return IndexEntry{}, false
	}
	return x.entries[item.pos], true
}

// Open returns a reader for the content of e.
func (x *Index) Open(e IndexEntry) io.Reader {
	return &iox.TagReader{
		R:   io.NewSectionReader(x.src, e.DataOffset, e.Size),
		Tag: tagSourceUnavailable,
	}
}

func tagSourceUnavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
}

// ExtractAll writes every entry below dest using concurrent workers.
//
// All target paths are validated before anything is written; a path that
// would leave dest fails with ErrPathEscape and nothing is extracted. When
// several entries share a target only the last one in stream order is
// written, which leaves dest in the same state as a sequential extraction.
// Options override those given to BuildIndex.
func (x *Index) ExtractAll(ctx context.Context, dest string, opts ...IndexOption) (ExtractStats, error) {
	cfg := x.cfg
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers <= 0 {
		cfg.workers = 1
	}
	rcfg := newReaderConfig(cfg.reader)

	targets, order, err := x.plan()
	if err != nil {
		return ExtractStats{}, err
	}
	if limit := rcfg.maxEntrySize; limit > 0 {
		for _, pos := range order {
			if e := x.entries[pos]; e.Size > limit {
				err := fmt.Errorf("%w: size %d exceeds limit %d", ErrMalformedHeader, e.Size, limit)
				return ExtractStats{}, entryError("extract", e.Index, targets[pos], err)
			}
		}
	}

	s, err := sink.Open(dest,
		sink.WithDirectWrites(!rcfg.staged),
		sink.WithPreserveTimes(rcfg.preserveTimes),
	)
	if err != nil {
		return ExtractStats{}, err
	}
	defer s.Close()

	for _, pos := range order {
		if err := s.MkdirAll(targets[pos]); err != nil {
			e := x.entries[pos]
			return ExtractStats{}, entryError("extract", e.Index, pathutil.Join(e.Path, e.Name), err)
		}
	}

	cfg.logger.Info("extracting archive", "dest", dest, "file_count", len(order), "workers", cfg.workers)

	var (
		mu    sync.Mutex
		stats ExtractStats
	)
	bufs := sync.Pool{New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	}}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers)
	for _, pos := range order {
		if gctx.Err() != nil {
			break
		}
		e := x.entries[pos]
		target := targets[pos]
		g.Go(func() error {
			buf := bufs.Get().(*[]byte) //nolint:forcetypeassert // pool only holds *[]byte
			defer bufs.Put(buf)

			cfg.logger.Debug("extracting entry", "index", e.Index, "path", target, "size", e.Size)
			if err := writeEntry(gctx, s, target, &e.Header, x.Open(e), *buf); err != nil {
				return entryError("extract", e.Index, pathutil.Join(e.Path, e.Name), err)
			}

			mu.Lock()
			stats.FileCount++
			stats.TotalBytes = addBytes(stats.TotalBytes, e.Size)
			ev := ProgressEvent{
				Stage:      StageExtracting,
				Path:       target,
				BytesDone:  stats.TotalBytes,
				FilesDone:  stats.FileCount,
				FilesTotal: len(order),
			}
			mu.Unlock()
			cfg.progress.emit(ev)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	cfg.logger.Info("extracted archive", "dest", dest, "file_count", stats.FileCount, "bytes", stats.TotalBytes)
	return stats, nil
}

// plan validates every target and returns them by entry position, together
// with the positions to extract: the last occurrence of each target, in
// stream order.
func (x *Index) plan() (targets []string, order []int, err error) {
	targets = make([]string, len(x.entries))
	last := make(map[string]int, len(x.entries))
	for i := range x.entries {
		e := &x.entries[i]
		target, err := e.Target()
		if err != nil {
			return nil, nil, entryError("extract", e.Index, pathutil.Join(e.Path, e.Name), err)
		}
		targets[i] = target
		last[target] = i
	}

	order = make([]int, 0, len(last))
	for i, target := range targets {
		if last[target] == i {
			order = append(order, i)
		}
	}
	return targets, order, nil
}
