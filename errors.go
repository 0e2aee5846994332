package wpress

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every error returned by this package for a failed archive
// operation matches one of these with errors.Is, except for errors coming
// from the destination filesystem and context cancellation.
var (
	// ErrSourceUnavailable is returned when the archive stream cannot be
	// opened or read.
	ErrSourceUnavailable = errors.New("wpress: source unavailable")

	// ErrTruncatedStream is returned when the stream ends before a complete
	// header or before the data length a header declares.
	ErrTruncatedStream = errors.New("wpress: truncated stream")

	// ErrMalformedHeader is returned when a header block cannot be decoded.
	ErrMalformedHeader = errors.New("wpress: malformed header")

	// ErrFieldTooLong is returned when a name, path, size or modification
	// time does not fit its fixed-width header field.
	ErrFieldTooLong = errors.New("wpress: field too long")

	// ErrPathEscape is returned when an entry path resolves outside the
	// destination root.
	ErrPathEscape = errors.New("wpress: path escapes root")

	// ErrSourceReadError is returned when a source file cannot be read while
	// packing.
	ErrSourceReadError = errors.New("wpress: source read error")

	// ErrTooManyFiles is returned when the file count exceeds the configured limit.
	ErrTooManyFiles = errors.New("wpress: too many files")
)

// EntryError records which entry an archive operation failed on.
type EntryError struct {
	// Op is the operation that failed: "read", "extract", "pack" or "index".
	Op string

	// Index is the zero-based position of the entry in the stream, or -1
	// when the failure happened before the entry was placed in the stream.
	Index int

	// Path is the entry's path, if known.
	Path string

	Err error
}

func (e *EntryError) Error() string {
	switch {
	case e.Index < 0:
		return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
	case e.Path == "":
		return fmt.Sprintf("%s entry %d: %v", e.Op, e.Index, e.Err)
	default:
		return fmt.Sprintf("%s entry %d %q: %v", e.Op, e.Index, e.Path, e.Err)
	}
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// entryError wraps err in an *EntryError unless it already is one.
func entryError(op string, index int, path string, err error) error {
	var ee *EntryError
	if errors.As(err, &ee) {
		return err
	}
	return &EntryError{Op: op, Index: index, Path: path, Err: err}
}
