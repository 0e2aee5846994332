// Package iox holds small io helpers shared by the packer and the extractors.
package iox

import (
	"context"
	"errors"
	"io"
)

// ErrOverflow indicates a counter exceeded its maximum value.
var ErrOverflow = errors.New("counter overflow")

// CountingWriter wraps a writer and counts bytes written.
type CountingWriter struct {
	W io.Writer
	N uint64
}

// Write implements io.Writer.
func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.W.Write(p)
	if n > 0 {
		//nolint:gosec // n is guaranteed non-negative by io.Writer contract
		if cw.N > ^uint64(0)-uint64(n) {
			return n, ErrOverflow
		}
		cw.N += uint64(n) //nolint:gosec // overflow checked above
	}
	return n, err
}

// ReadErrorFunc maps a non-EOF read error to the error reported by the reader.
type ReadErrorFunc func(error) error

// TagReader wraps read errors other than io.EOF through Tag so callers can
// tell source failures apart from sink failures after a copy.
type TagReader struct {
	R   io.Reader
	Tag ReadErrorFunc
}

// Read implements io.Reader.
func (tr *TagReader) Read(p []byte) (int, error) {
	n, err := tr.R.Read(p)
	if err != nil && err != io.EOF && tr.Tag != nil {
		err = tr.Tag(err)
	}
	return n, err
}

// CopyWithContext copies from src to dst until EOF or error, checking for
// context cancellation between reads. It returns the number of bytes written.
func CopyWithContext(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if ew != nil {
				return written, ew
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if er != nil {
			if er == io.EOF {
				return written, nil
			}
			return written, er
		}
	}
}
