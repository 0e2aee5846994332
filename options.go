package wpress

import "log/slog"

// ChangeDetection controls how strictly file changes are detected while
// packing.
type ChangeDetection uint8

const (
	ChangeDetectionNone ChangeDetection = iota
	ChangeDetectionStrict
)

// DefaultMaxFiles is the default limit used when no PackWithMaxFiles option
// is set.
const DefaultMaxFiles = 200_000

// DefaultWorkers is the default concurrency of Index.ExtractAll.
const DefaultWorkers = 8

type readerConfig struct {
	logger        *slog.Logger
	progress      ProgressFunc
	staged        bool
	preserveTimes bool
	maxEntrySize  int64
}

func newReaderConfig(opts []ReaderOption) readerConfig {
	cfg := readerConfig{
		staged:        true,
		preserveTimes: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	return cfg
}

// ReaderOption configures a Reader.
type ReaderOption func(*readerConfig)

// WithLogger sets the logger used by the Reader.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) ReaderOption {
	return func(cfg *readerConfig) {
		cfg.logger = logger
	}
}

// WithProgress sets a callback that receives extraction progress.
func WithProgress(fn ProgressFunc) ReaderOption {
	return func(cfg *readerConfig) {
		cfg.progress = fn
	}
}

// WithStagedWrites controls whether extracted files are written to a
// temporary file in the destination directory and renamed into place once
// complete. Enabled by default; disabling it writes directly to the final
// path and leaves partial files behind on failure.
func WithStagedWrites(enabled bool) ReaderOption {
	return func(cfg *readerConfig) {
		cfg.staged = enabled
	}
}

// WithPreserveTimes controls whether extracted files get the modification
// time recorded in their header. Enabled by default.
func WithPreserveTimes(enabled bool) ReaderOption {
	return func(cfg *readerConfig) {
		cfg.preserveTimes = enabled
	}
}

// WithMaxEntrySize rejects headers declaring more than n content bytes with
// ErrMalformedHeader. Zero means no limit.
func WithMaxEntrySize(n int64) ReaderOption {
	return func(cfg *readerConfig) {
		cfg.maxEntrySize = n
	}
}

type packConfig struct {
	logger          *slog.Logger
	progress        ProgressFunc
	changeDetection ChangeDetection
	maxFiles        int
}

func newPackConfig(opts []PackOption) packConfig {
	var cfg packConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.maxFiles == 0 {
		cfg.maxFiles = DefaultMaxFiles
	}
	return cfg
}

// PackOption configures Pack.
type PackOption func(*packConfig)

// PackWithLogger sets the logger used while packing.
// If not set, logging is disabled.
func PackWithLogger(logger *slog.Logger) PackOption {
	return func(cfg *packConfig) {
		cfg.logger = logger
	}
}

// PackWithProgress sets a callback that receives packing progress.
func PackWithProgress(fn ProgressFunc) PackOption {
	return func(cfg *packConfig) {
		cfg.progress = fn
	}
}

// PackWithChangeDetection controls whether Pack verifies files did not
// change while they were copied. The zero value disables change detection to
// reduce syscalls; enable ChangeDetectionStrict for stronger guarantees.
func PackWithChangeDetection(cd ChangeDetection) PackOption {
	return func(cfg *packConfig) {
		cfg.changeDetection = cd
	}
}

// PackWithMaxFiles limits the number of files included in the archive.
// Zero uses DefaultMaxFiles. Negative means no limit.
func PackWithMaxFiles(n int) PackOption {
	return func(cfg *packConfig) {
		cfg.maxFiles = n
	}
}

type indexConfig struct {
	logger   *slog.Logger
	progress ProgressFunc
	workers  int
	reader   []ReaderOption
}

func newIndexConfig(opts []IndexOption) indexConfig {
	cfg := indexConfig{workers: DefaultWorkers}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.workers <= 0 {
		cfg.workers = 1
	}
	return cfg
}

// IndexOption configures BuildIndex and Index.ExtractAll.
type IndexOption func(*indexConfig)

// IndexWithLogger sets the logger used by the Index.
func IndexWithLogger(logger *slog.Logger) IndexOption {
	return func(cfg *indexConfig) {
		cfg.logger = logger
	}
}

// IndexWithProgress sets a callback that receives indexing and extraction
// progress. It is called from multiple goroutines during extraction.
func IndexWithProgress(fn ProgressFunc) IndexOption {
	return func(cfg *indexConfig) {
		cfg.progress = fn
	}
}

// IndexWithWorkers sets the number of concurrent extraction workers.
// Values below one use a single worker. Default is DefaultWorkers.
func IndexWithWorkers(n int) IndexOption {
	return func(cfg *indexConfig) {
		cfg.workers = n
	}
}

// IndexWithReaderOptions applies Reader options that also make sense for
// parallel extraction: WithStagedWrites, WithPreserveTimes and
// WithMaxEntrySize.
func IndexWithReaderOptions(opts ...ReaderOption) IndexOption {
	return func(cfg *indexConfig) {
		cfg.reader = append(cfg.reader, opts...)
	}
}
