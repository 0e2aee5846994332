package transport

import (
	"errors"
	"io"

	"github.com/klauspost/compress/zstd"
)

type zstdReadCloser struct {
	dec *zstd.Decoder
	src io.Closer
}

func newZstdReader(rc io.ReadCloser) (*zstdReadCloser, error) {
	dec, err := zstd.NewReader(rc, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &zstdReadCloser{dec: dec, src: rc}, nil
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.src.Close()
}

type zstdWriteCloser struct {
	enc *zstd.Encoder
	dst io.WriteCloser
}

func newZstdWriter(wc io.WriteCloser, level int) (*zstdWriteCloser, error) {
	opts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
	if level != 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	enc, err := zstd.NewWriter(wc, opts...)
	if err != nil {
		return nil, err
	}
	return &zstdWriteCloser{enc: enc, dst: wc}, nil
}

func (z *zstdWriteCloser) Write(p []byte) (int, error) {
	return z.enc.Write(p)
}

// Close flushes the final frame and closes the destination.
func (z *zstdWriteCloser) Close() error {
	return errors.Join(z.enc.Close(), z.dst.Close())
}

// Abort drops buffered frames and aborts the destination.
func (z *zstdWriteCloser) Abort(cause error) error {
	z.enc.Reset(io.Discard)
	_ = z.enc.Close() //nolint:errcheck // writes go to io.Discard
	return Abort(z.dst, cause)
}
