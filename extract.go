package wpress

import (
	"context"
	"errors"
	"io"

	"github.com/meigma/wpress/internal/iox"
	"github.com/meigma/wpress/internal/pathutil"
	"github.com/meigma/wpress/internal/sink"
	"github.com/meigma/wpress/internal/sizing"
)

const copyBufferSize = 32 << 10

// ExtractStats summarizes an extraction.
type ExtractStats struct {
	// FileCount is the number of files written.
	FileCount int

	// TotalBytes is the number of content bytes written.
	TotalBytes uint64
}

// ExtractAll writes every remaining entry below dest, creating dest and any
// intermediate directories as needed. Existing files are overwritten.
//
// Each entry's path is validated before anything is written for it; an entry
// that would resolve outside dest fails with ErrPathEscape. Extraction stops
// at the first failure and files already written stay on disk. Failures are
// reported as *EntryError.
func (r *Reader) ExtractAll(ctx context.Context, dest string) (ExtractStats, error) {
	var stats ExtractStats

	s, err := r.openSink(dest)
	if err != nil {
		return stats, err
	}
	defer s.Close()

	r.cfg.logger.Info("extracting archive", "dest", dest)
	buf := make([]byte, copyBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		hdr, data, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}

		target, err := r.extractEntry(ctx, s, r.cur.index, hdr, data, buf)
		if err != nil {
			return stats, err
		}
		stats.FileCount++
		stats.TotalBytes = addBytes(stats.TotalBytes, hdr.Size)
		r.cfg.progress.emit(ProgressEvent{
			Stage:     StageExtracting,
			Path:      target,
			BytesDone: stats.TotalBytes,
			FilesDone: stats.FileCount,
		})
	}

	r.cfg.logger.Info("extracted archive", "dest", dest, "file_count", stats.FileCount, "bytes", stats.TotalBytes)
	return stats, nil
}

// ExtractFile extracts the first remaining entry whose name, recorded path,
// or normalized target path equals nameOrPath. The entry keeps its place in
// the hierarchy below dest. It reports false when no entry matched, in
// which case dest is not created.
func (r *Reader) ExtractFile(ctx context.Context, dest, nameOrPath string) (bool, error) {
	want := pathutil.Normalize(nameOrPath)
	buf := make([]byte, copyBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		hdr, data, err := r.Next()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !matchEntry(hdr, nameOrPath, want) {
			continue
		}

		s, err := r.openSink(dest)
		if err != nil {
			return false, err
		}
		target, err := r.extractEntry(ctx, s, r.cur.index, hdr, data, buf)
		closeErr := s.Close()
		if err != nil {
			return false, err
		}
		if closeErr != nil {
			return false, closeErr
		}
		r.cfg.logger.Info("extracted file", "dest", dest, "path", target, "bytes", hdr.Size)
		return true, nil
	}
}

func matchEntry(hdr *Header, raw, normalized string) bool {
	if hdr.Name == raw || pathutil.Join(hdr.Path, hdr.Name) == raw {
		return true
	}
	target, err := hdr.Target()
	return err == nil && target == normalized
}

func (r *Reader) openSink(dest string) (*sink.Sink, error) {
	return sink.Open(dest,
		sink.WithDirectWrites(!r.cfg.staged),
		sink.WithPreserveTimes(r.cfg.preserveTimes),
	)
}

// extractEntry writes one entry's content below s and returns its target.
func (r *Reader) extractEntry(ctx context.Context, s *sink.Sink, index int, hdr *Header, data io.Reader, buf []byte) (string, error) {
	raw := pathutil.Join(hdr.Path, hdr.Name)
	target, err := hdr.Target()
	if err != nil {
		return "", entryError("extract", index, raw, err)
	}
	r.cfg.logger.Debug("extracting entry", "index", index, "path", target, "size", hdr.Size)

	if err := writeEntry(ctx, s, target, hdr, data, buf); err != nil {
		return "", entryError("extract", index, raw, err)
	}
	return target, nil
}

// writeEntry copies exactly hdr.Size bytes from data into target.
func writeEntry(ctx context.Context, s *sink.Sink, target string, hdr *Header, data io.Reader, buf []byte) error {
	f, err := s.Create(target, hdr.ModTime())
	if err != nil {
		return err
	}
	n, err := iox.CopyWithContext(ctx, f, io.LimitReader(data, hdr.Size), buf)
	if err != nil {
		_ = f.Discard() //nolint:errcheck // best-effort cleanup
		return err
	}
	if n != hdr.Size {
		_ = f.Discard() //nolint:errcheck // best-effort cleanup
		return ErrTruncatedStream
	}
	return f.Commit()
}

// addBytes accumulates content sizes without wrapping.
func addBytes(total uint64, size int64) uint64 {
	n, ok := sizing.ToUint64(size)
	if !ok || total > ^uint64(0)-n {
		return ^uint64(0)
	}
	return total + n
}
