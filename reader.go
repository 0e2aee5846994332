package wpress

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/meigma/wpress/internal/pathutil"
)

const fileBufferSize = 64 << 10

type readerState uint8

const (
	stateReading readerState = iota
	stateFinished
	stateFailed
)

// Reader decodes an archive sequentially.
//
// A Reader walks the stream without an index: it decodes a header, hands
// out exactly Size bytes of data, and expects the next header right after.
// Once the sentinel has been read, Next returns io.EOF. Any error is sticky:
// every later call returns the same error.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	src    io.Reader
	closer io.Closer
	cfg    readerConfig

	state readerState
	err   error

	block  []byte
	offset int64 // bytes consumed from src
	count  int   // headers decoded, sentinel excluded
	cur    *entryReader
}

// Entry is one archive entry as produced by Reader.All.
type Entry struct {
	Header

	// Index is the zero-based position of the entry in the stream.
	Index int

	// Offset is the byte offset of the entry's header in the stream.
	Offset int64

	// Data yields the entry's content. It is only valid until the
	// iteration advances.
	Data io.Reader
}

// NewReader returns a Reader that decodes the archive read from r.
// The caller remains responsible for closing r.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	return &Reader{
		src:   r,
		cfg:   newReaderConfig(opts),
		block: make([]byte, HeaderSize),
	}
}

// OpenFile opens the archive file name for reading. Close releases the file.
func OpenFile(name string, opts ...ReaderOption) (*Reader, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	r := NewReader(bufio.NewReaderSize(f, fileBufferSize), opts...)
	r.closer = f
	return r, nil
}

// Close releases the underlying file when the Reader was created with
// OpenFile. It is a no-op otherwise.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// Next advances to the next entry and returns its header and a reader for
// its content. Any unread content of the previous entry is discarded first.
//
// Next returns io.EOF once the sentinel has been read. A stream that ends
// before the sentinel, or inside a header or data region, fails with
// ErrTruncatedStream.
func (r *Reader) Next() (*Header, io.Reader, error) {
	switch r.state {
	case stateFinished:
		return nil, nil, io.EOF
	case stateFailed:
		return nil, nil, r.err
	}

	if r.cur != nil {
		if _, err := io.Copy(io.Discard, r.cur); err != nil {
			return nil, nil, r.fail(err)
		}
		r.cur = nil
	}

	offset := r.offset
	index := r.count
	if _, err := io.ReadFull(r.src, r.block); err != nil {
		return nil, nil, r.fail(entryError("read", index, "", r.sourceError(err, "header")))
	}
	r.offset += HeaderSize

	hdr, err := DecodeHeader(r.block)
	if err != nil {
		return nil, nil, r.fail(entryError("read", index, "", err))
	}
	if hdr.IsSentinel() {
		r.state = stateFinished
		r.cfg.logger.Debug("reached end of archive", "entries", r.count, "offset", offset)
		return nil, nil, io.EOF
	}
	if r.cfg.maxEntrySize > 0 && hdr.Size > r.cfg.maxEntrySize {
		err := fmt.Errorf("%w: size %d exceeds limit %d", ErrMalformedHeader, hdr.Size, r.cfg.maxEntrySize)
		return nil, nil, r.fail(entryError("read", index, pathutil.Join(hdr.Path, hdr.Name), err))
	}

	r.count++
	r.cur = &entryReader{r: r, hdr: hdr, index: index, offset: offset, remaining: hdr.Size}
	return hdr, r.cur, nil
}

// All returns an iterator over the remaining entries. Iteration stops at the
// sentinel or after yielding the first error.
func (r *Reader) All() iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		for {
			hdr, data, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			e := &Entry{Header: *hdr, Index: r.cur.index, Offset: r.cur.offset, Data: data}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// List decodes the remaining headers, skipping over their content.
func (r *Reader) List() ([]Header, error) {
	var headers []Header
	for e, err := range r.All() {
		if err != nil {
			return headers, err
		}
		headers = append(headers, e.Header)
	}
	return headers, nil
}

func (r *Reader) fail(err error) error {
	r.state = stateFailed
	r.err = err
	r.cur = nil
	return err
}

func (r *Reader) sourceError(err error, region string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: stream ended inside %s at offset %d", ErrTruncatedStream, region, r.offset)
	}
	return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
}

// entryReader yields the content of the current entry.
type entryReader struct {
	r         *Reader
	hdr       *Header
	index     int
	offset    int64
	remaining int64
}

func (e *entryReader) Read(p []byte) (int, error) {
	if e.r.cur != e {
		if e.r.state == stateFailed {
			return 0, e.r.err
		}
		return 0, io.EOF
	}
	if e.remaining == 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}

	n, err := e.r.src.Read(p)
	e.remaining -= int64(n)
	e.r.offset += int64(n)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF) && e.remaining == 0:
		return n, io.EOF
	default:
		wrapped := entryError("read", e.index, pathutil.Join(e.hdr.Path, e.hdr.Name), e.r.sourceError(err, "data"))
		return n, e.r.fail(wrapped)
	}
}
