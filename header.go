package wpress

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/meigma/wpress/internal/pathutil"
	"github.com/meigma/wpress/internal/sizing"
)

// Header field widths in bytes. They are fixed by the format and shared by
// every archive of the family.
const (
	NameSize  = 255
	SizeSize  = 14
	MTimeSize = 12
	PathSize  = 4096

	// HeaderSize is the size of one header block.
	HeaderSize = NameSize + SizeSize + MTimeSize + PathSize
)

// Field offsets within a header block.
const (
	nameOffset  = 0
	sizeOffset  = nameOffset + NameSize
	mtimeOffset = sizeOffset + SizeSize
	pathOffset  = mtimeOffset + MTimeSize
)

// Header describes one archive entry.
//
// On the wire a header is a HeaderSize block: the name and path are raw bytes
// padded with NULs, the size and modification time are ASCII decimal numbers
// padded on the left with '0'. A header with an empty name is the sentinel
// that ends the archive.
type Header struct {
	// Name is the entry's base file name.
	Name string

	// Size is the number of content bytes following the header.
	Size int64

	// MTime is the modification time in seconds since the Unix epoch.
	MTime int64

	// Path is the slash-separated directory holding the entry, relative to
	// the archive root. It is empty for files at the root.
	Path string
}

// IsSentinel reports whether h marks the end of the archive.
func (h *Header) IsSentinel() bool {
	return h.Name == ""
}

// ModTime returns the modification time as a time.Time.
func (h *Header) ModTime() time.Time {
	return time.Unix(h.MTime, 0)
}

// Target returns the slash-separated path the entry extracts to, relative to
// the destination root. It fails with ErrPathEscape when the path would
// resolve outside the root.
func (h *Header) Target() (string, error) {
	target, ok := pathutil.Clean(pathutil.Join(h.Path, h.Name))
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, pathutil.Join(h.Path, h.Name))
	}
	return target, nil
}

// MarshalBinary encodes h into a HeaderSize block.
func (h *Header) MarshalBinary() ([]byte, error) {
	return EncodeHeader(h)
}

// UnmarshalBinary decodes a header block into h.
func (h *Header) UnmarshalBinary(block []byte) error {
	decoded, err := DecodeHeader(block)
	if err != nil {
		return err
	}
	*h = *decoded
	return nil
}

func (h *Header) encode(block []byte) error {
	if err := putString(block[nameOffset:sizeOffset], "name", h.Name); err != nil {
		return err
	}
	if err := putDecimal(block[sizeOffset:mtimeOffset], "size", h.Size); err != nil {
		return err
	}
	if err := putDecimal(block[mtimeOffset:pathOffset], "mtime", h.MTime); err != nil {
		return err
	}
	return putString(block[pathOffset:HeaderSize], "path", h.Path)
}

// EncodeHeader encodes h into a HeaderSize block. It fails with
// ErrFieldTooLong when a field does not fit its width and with
// ErrMalformedHeader when the name or path contains a NUL byte.
func EncodeHeader(h *Header) ([]byte, error) {
	block := make([]byte, HeaderSize)
	if err := h.encode(block); err != nil {
		return nil, err
	}
	return block, nil
}

// SentinelBlock returns the block that terminates an archive.
func SentinelBlock() []byte {
	return make([]byte, HeaderSize)
}

// CheckFields reports whether name and path fit their header fields.
func CheckFields(name, path string) error {
	if err := checkString("name", name, NameSize); err != nil {
		return err
	}
	return checkString("path", path, PathSize)
}

// DecodeHeader decodes a header block.
//
// Decoding never fails for a block with an empty name: the rest of a
// sentinel block is not interpreted. Numeric fields tolerate NUL and space
// padding on either side of the digits, so both right-justified zero-padded
// numbers and left-justified NUL-terminated numbers decode.
func DecodeHeader(block []byte) (*Header, error) {
	if len(block) < HeaderSize {
		return nil, fmt.Errorf("%w: block is %d bytes, want %d", ErrMalformedHeader, len(block), HeaderSize)
	}

	h := &Header{Name: cString(block[nameOffset:sizeOffset])}
	if h.IsSentinel() {
		return h, nil
	}

	var err error
	if h.Size, err = parseDecimal(block[sizeOffset:mtimeOffset], "size"); err != nil {
		return nil, err
	}
	if h.MTime, err = parseDecimal(block[mtimeOffset:pathOffset], "mtime"); err != nil {
		return nil, err
	}
	h.Path = cString(block[pathOffset:HeaderSize])
	return h, nil
}

func checkString(field, s string, width int) error {
	if len(s) > width {
		return fmt.Errorf("%w: %s is %d bytes, max %d", ErrFieldTooLong, field, len(s), width)
	}
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%w: %s contains a NUL byte", ErrMalformedHeader, field)
	}
	return nil
}

func putString(dst []byte, field, s string) error {
	if err := checkString(field, s, len(dst)); err != nil {
		return err
	}
	n := copy(dst, s)
	clear(dst[n:])
	return nil
}

func putDecimal(dst []byte, field string, v int64) error {
	if !sizing.FitsDigits(v, len(dst)) {
		return fmt.Errorf("%w: %s %d does not fit in %d decimal digits", ErrFieldTooLong, field, v, len(dst))
	}
	digits := strconv.AppendInt(nil, v, 10)
	pad := len(dst) - len(digits)
	for i := range pad {
		dst[i] = '0'
	}
	copy(dst[pad:], digits)
	return nil
}

// cString returns the bytes of field up to the first NUL.
func cString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

// parseDecimal parses a padded decimal field. Leading NULs and spaces are
// skipped, the number ends at the first NUL, and trailing spaces are ignored.
func parseDecimal(field []byte, name string) (int64, error) {
	digits := bytes.TrimLeft(field, "\x00 ")
	if i := bytes.IndexByte(digits, 0); i >= 0 {
		digits = digits[:i]
	}
	digits = bytes.TrimRight(digits, " ")
	if len(digits) == 0 {
		return 0, fmt.Errorf("%w: %s field is empty", ErrMalformedHeader, name)
	}

	var v int64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %s field %q is not decimal", ErrMalformedHeader, name, digits)
		}
		if v > (math.MaxInt64-int64(c-'0'))/10 {
			return 0, fmt.Errorf("%w: %s field %q overflows", ErrMalformedHeader, name, digits)
		}
		v = v*10 + int64(c-'0')
	}
	return v, nil
}
