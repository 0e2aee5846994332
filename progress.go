package wpress

// ProgressEvent represents a progress update during packing, extraction or
// indexing.
type ProgressEvent struct {
	// Stage identifies the current phase of the operation.
	Stage ProgressStage

	// Path is the entry currently being processed, if applicable.
	Path string

	// BytesDone is the number of content bytes completed so far.
	BytesDone uint64

	// BytesTotal is the total content bytes for the operation.
	// Zero indicates the total is unknown.
	BytesTotal uint64

	// FilesDone is the number of entries completed.
	FilesDone int

	// FilesTotal is the total number of entries.
	// Zero indicates the total is unknown (streaming extraction, enumeration).
	FilesTotal int
}

// ProgressStage identifies the current phase of an operation.
type ProgressStage uint8

// Progress stages.
const (
	// StageEnumerating indicates Pack is walking the source tree.
	StageEnumerating ProgressStage = iota

	// StagePacking indicates file contents are being written to the archive.
	StagePacking

	// StageIndexing indicates an Index is scanning the archive headers.
	StageIndexing

	// StageExtracting indicates entries are being written to the destination.
	StageExtracting
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageEnumerating:
		return "enumerating"
	case StagePacking:
		return "packing"
	case StageIndexing:
		return "indexing"
	case StageExtracting:
		return "extracting"
	default:
		return "unknown"
	}
}

// ProgressFunc receives progress updates during operations.
// Implementations must be safe for concurrent calls.
type ProgressFunc func(ProgressEvent)

func (fn ProgressFunc) emit(ev ProgressEvent) {
	if fn != nil {
		fn(ev)
	}
}
