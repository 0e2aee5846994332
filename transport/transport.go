// Package transport opens and creates archive byte streams by location.
//
// A location is one of:
//
//	-                   standard input or standard output
//	http://host/path    HTTP GET, or range requests for random access
//	https://host/path
//	s3://bucket/key     S3 GetObject, or a streaming multipart upload
//	oci://reg/repo:tag  the archive layer of an OCI artifact in a registry
//	anything else       a local file path
//
// Locations ending in ".zst" are transparently zstd decoded on Open and
// encoded on Create. Compressed streams cannot be opened for random access.
//
// Writers returned by Create publish the archive on Close. Abort discards it
// instead where the backend allows, so a failed pack does not leave a
// partial object in S3 or a tag in a registry.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/registry"

	"github.com/meigma/wpress"
)

const fileBufferSize = 64 << 10

// ErrNotSeekable is returned by OpenReaderAt for locations that only support
// sequential reads.
var ErrNotSeekable = errors.New("transport: location does not support random access")

// Kind identifies the backend of a location.
type Kind uint8

const (
	KindFile Kind = iota
	KindStdio
	KindHTTP
	KindS3
	KindOCI
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindStdio:
		return "stdio"
	case KindHTTP:
		return "http"
	case KindS3:
		return "s3"
	case KindOCI:
		return "oci"
	default:
		return "unknown"
	}
}

// Location is a parsed archive location.
type Location struct {
	Kind Kind

	// Raw is the location as given.
	Raw string

	// Bucket and Key are set for KindS3.
	Bucket string
	Key    string

	// Ref is set for KindOCI.
	Ref registry.Reference

	// Compressed reports whether the stream is zstd framed.
	Compressed bool
}

// Parse parses a location string.
func Parse(raw string) (Location, error) {
	loc := Location{Raw: raw, Compressed: strings.HasSuffix(raw, ".zst")}
	switch {
	case raw == "":
		return Location{}, errors.New("transport: empty location")
	case raw == "-":
		loc.Kind = KindStdio
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		loc.Kind = KindHTTP
	case strings.HasPrefix(raw, "s3://"):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(raw, "s3://"), "/")
		if !ok || bucket == "" || key == "" {
			return Location{}, fmt.Errorf("transport: invalid s3 location %q, want s3://bucket/key", raw)
		}
		loc.Kind = KindS3
		loc.Bucket = bucket
		loc.Key = key
	case strings.HasPrefix(raw, "oci://"):
		ref, err := registry.ParseReference(strings.TrimPrefix(raw, "oci://"))
		if err != nil {
			return Location{}, fmt.Errorf("transport: invalid oci location %q: %w", raw, err)
		}
		if ref.Reference == "" {
			return Location{}, fmt.Errorf("transport: invalid oci location %q, want oci://registry/repository:tag", raw)
		}
		loc.Kind = KindOCI
		loc.Ref = ref
	default:
		loc.Kind = KindFile
	}
	return loc, nil
}

// ReaderAt is a random access archive source.
type ReaderAt interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

type config struct {
	logger     *slog.Logger
	httpClient *http.Client
	s3Client   S3API
	s3         S3Config
	zstdLevel  int

	ociTarget    oras.Target
	ociPlainHTTP bool
}

// Option configures Open, Create and OpenReaderAt.
type Option func(*config)

// WithLogger sets the logger for transport operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithHTTPClient sets the client used for http and https locations.
// Defaults to http.DefaultClient.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithS3Client sets the client used for s3 locations. When unset a client is
// built from the S3Config and the AWS default configuration chain.
func WithS3Client(client S3API) Option {
	return func(c *config) {
		c.s3Client = client
	}
}

// WithS3Config sets the region, endpoint and credentials used to build an
// S3 client.
func WithS3Config(cfg S3Config) Option {
	return func(c *config) {
		c.s3 = cfg
	}
}

// WithZstdLevel sets the zstd encoder level for ".zst" locations.
// Levels follow zstd.EncoderLevelFromZstd. Zero uses the default level.
func WithZstdLevel(level int) Option {
	return func(c *config) {
		c.zstdLevel = level
	}
}

// WithOCITarget sets the target used for every oci location in place of a
// remote repository. Tests use an in-memory store.
func WithOCITarget(target oras.Target) Option {
	return func(c *config) {
		c.ociTarget = target
	}
}

// WithOCIPlainHTTP talks to registries over plain HTTP instead of HTTPS.
func WithOCIPlainHTTP(plain bool) Option {
	return func(c *config) {
		c.ociPlainHTTP = plain
	}
}

func newConfig(opts []Option) *config {
	c := &config{}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c
}

// Open opens location for sequential reading. Failures to reach the
// location match wpress.ErrSourceUnavailable.
func Open(ctx context.Context, location string, opts ...Option) (io.ReadCloser, error) {
	loc, err := Parse(location)
	if err != nil {
		return nil, err
	}
	c := newConfig(opts)
	c.logger.Debug("opening archive", "location", location, "kind", loc.Kind.String(), "compressed", loc.Compressed)

	var rc io.ReadCloser
	switch loc.Kind {
	case KindStdio:
		rc = newBufferedReader(io.NopCloser(os.Stdin))
	case KindHTTP:
		rc, err = httpGet(ctx, c.httpClient, location)
	case KindS3:
		var client S3API
		if client, err = c.s3API(ctx); err == nil {
			rc, err = s3Get(ctx, client, loc.Bucket, loc.Key)
		}
	case KindOCI:
		var target oras.Target
		if target, err = c.resolveOCI(loc.Ref); err == nil {
			rc, err = ociGet(ctx, target, loc.Ref)
		}
	default:
		var f *os.File
		if f, err = os.Open(location); err == nil {
			rc = newBufferedReader(f)
		}
	}
	if err != nil {
		return nil, unavailable(location, err)
	}

	if !loc.Compressed {
		return rc, nil
	}
	zr, err := newZstdReader(rc)
	if err != nil {
		_ = rc.Close() //nolint:errcheck // already failing
		return nil, unavailable(location, err)
	}
	return zr, nil
}

// Create opens location for writing. Close must be called to complete the
// write; for s3 locations it waits for the upload to finish.
func Create(ctx context.Context, location string, opts ...Option) (io.WriteCloser, error) {
	loc, err := Parse(location)
	if err != nil {
		return nil, err
	}
	c := newConfig(opts)
	c.logger.Debug("creating archive", "location", location, "kind", loc.Kind.String(), "compressed", loc.Compressed)

	var wc io.WriteCloser
	switch loc.Kind {
	case KindStdio:
		wc = nopWriteCloser{os.Stdout}
	case KindHTTP:
		return nil, fmt.Errorf("transport: cannot write to %s", location)
	case KindS3:
		var client S3API
		if client, err = c.s3API(ctx); err == nil {
			wc = newS3Writer(ctx, client, loc.Bucket, loc.Key, c.logger)
		}
	case KindOCI:
		var target oras.Target
		if target, err = c.resolveOCI(loc.Ref); err == nil {
			wc, err = newOCIWriter(ctx, target, loc.Ref, loc.Compressed, c.logger)
		}
	default:
		if err = os.MkdirAll(filepath.Dir(location), 0o755); err == nil {
			wc, err = os.Create(location)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", location, err)
	}

	if !loc.Compressed {
		return wc, nil
	}
	zw, err := newZstdWriter(wc, c.zstdLevel)
	if err != nil {
		_ = wc.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("create %s: %w", location, err)
	}
	return zw, nil
}

// OpenReaderAt opens location for random access. Only local files, http(s)
// and s3 locations without compression support it.
func OpenReaderAt(ctx context.Context, location string, opts ...Option) (ReaderAt, error) {
	loc, err := Parse(location)
	if err != nil {
		return nil, err
	}
	if loc.Kind == KindStdio || loc.Kind == KindOCI || loc.Compressed {
		return nil, fmt.Errorf("%w: %s", ErrNotSeekable, location)
	}
	c := newConfig(opts)

	var ra ReaderAt
	switch loc.Kind {
	case KindHTTP:
		ra, err = NewHTTPSource(ctx, location, WithClient(c.httpClient))
	case KindS3:
		var client S3API
		if client, err = c.s3API(ctx); err == nil {
			ra, err = newS3Source(ctx, client, loc.Bucket, loc.Key)
		}
	default:
		ra, err = openFileSource(location)
	}
	if err != nil {
		return nil, unavailable(location, err)
	}
	c.logger.Debug("opened archive for random access", "location", location, "size", ra.Size())
	return ra, nil
}

// Aborter is implemented by writers from Create that can discard a partially
// written archive instead of publishing it.
type Aborter interface {
	Abort(cause error) error
}

// Abort discards w if it implements Aborter and closes it otherwise. Local
// files and standard output keep what was already written.
func Abort(w io.WriteCloser, cause error) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort(cause)
	}
	return w.Close()
}

func unavailable(location string, err error) error {
	return fmt.Errorf("%w: %s: %w", wpress.ErrSourceUnavailable, location, err)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// bufferedReader reads a local stream through a buffer.
type bufferedReader struct {
	*bufio.Reader
	io.Closer
}

func newBufferedReader(rc io.ReadCloser) *bufferedReader {
	return &bufferedReader{Reader: bufio.NewReaderSize(rc, fileBufferSize), Closer: rc}
}

type fileSource struct {
	*os.File
	size int64
}

func openFileSource(name string) (*fileSource, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close() //nolint:errcheck // already failing
		return nil, err
	}
	return &fileSource{File: f, size: info.Size()}, nil
}

func (f *fileSource) Size() int64 {
	return f.size
}
