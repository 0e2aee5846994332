// Package sink writes extracted entries into a destination directory.
//
// All filesystem access goes through an os.Root opened on the destination,
// so no entry can create or replace anything outside of it, including through
// symbolic links that already exist in the destination.
package sink

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	tempPrefix = ".wpress-"
)

// Sink creates files below a destination root.
//
// By default, files are written to a temporary file in the same directory
// and renamed to the final path on Commit, so partially written files are
// never visible at the final path. A Sink is safe for concurrent use as long
// as callers do not write the same path from two goroutines.
type Sink struct {
	dir           string
	root          *os.Root
	directWrite   bool
	preserveTimes bool
}

// Option configures a Sink.
type Option func(*Sink)

// WithDirectWrites disables temp files and writes directly to the final path.
func WithDirectWrites(enabled bool) Option {
	return func(s *Sink) {
		s.directWrite = enabled
	}
}

// WithPreserveTimes sets the modification time passed to Create on the
// committed file. Enabled by default.
func WithPreserveTimes(preserve bool) Option {
	return func(s *Sink) {
		s.preserveTimes = preserve
	}
}

// Open creates dir if it is missing and returns a Sink rooted at it.
func Open(dir string, opts ...Option) (*Sink, error) {
	s := &Sink{
		dir:           dir,
		preserveTimes: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create destination %s: %w", dir, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open destination root %s: %w", dir, err)
	}
	s.root = root
	return s, nil
}

// Close releases the destination root.
func (s *Sink) Close() error {
	return s.root.Close()
}

// Dir returns the destination directory.
func (s *Sink) Dir() string {
	return s.dir
}

// MkdirAll creates the parent directories of the slash-separated relative
// path name. Existing directories are not an error.
func (s *Sink) MkdirAll(name string) error {
	if !fs.ValidPath(name) {
		return &fs.PathError{Op: "mkdir", Path: name, Err: fs.ErrInvalid}
	}
	parent := path.Dir(name)
	if parent == "." {
		return nil
	}
	if err := s.root.MkdirAll(filepath.FromSlash(parent), dirPerm); err != nil {
		return fmt.Errorf("create directory %s: %w", parent, err)
	}
	return nil
}

// Create returns a File for the slash-separated relative path name. Missing
// parent directories are created. Committing the File replaces any existing
// file at name and, when times are preserved, sets its modification time to
// modTime.
func (s *Sink) Create(name string, modTime time.Time) (*File, error) {
	if err := s.MkdirAll(name); err != nil {
		return nil, err
	}
	destRel := filepath.FromSlash(name)

	if s.directWrite {
		f, err := s.root.OpenFile(destRel, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
		if err != nil {
			return nil, fmt.Errorf("create file %s: %w", name, err)
		}
		return &File{sink: s, file: f, destRel: destRel, writeRel: destRel, modTime: modTime}, nil
	}

	f, tempRel, err := s.createTemp(filepath.Dir(destRel))
	if err != nil {
		return nil, fmt.Errorf("create temp file for %s: %w", name, err)
	}
	return &File{sink: s, file: f, destRel: destRel, writeRel: tempRel, modTime: modTime}, nil
}

func (s *Sink) createTemp(dir string) (*os.File, string, error) {
	const attempts = 10
	for range attempts {
		name, err := randomSuffix()
		if err != nil {
			return nil, "", err
		}
		rel := filepath.Join(dir, tempPrefix+name)
		f, err := s.root.OpenFile(rel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		if err == nil {
			return f, rel, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", errors.New("exhausted retries")
}

func randomSuffix() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// File is an entry being written. Exactly one of Commit or Discard must be
// called.
type File struct {
	sink     *Sink
	file     *os.File
	destRel  string
	writeRel string
	modTime  time.Time
}

// Write implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	return f.file.Write(p)
}

func (f *File) staged() bool {
	return f.writeRel != f.destRel
}

// Commit closes the file, applies the modification time and, for staged
// writes, renames it over the final path.
func (f *File) Commit() error {
	root := f.sink.root
	if err := f.file.Close(); err != nil {
		_ = root.Remove(f.writeRel) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("close %s: %w", f.destRel, err)
	}

	if f.sink.preserveTimes {
		if err := root.Chtimes(f.writeRel, f.modTime, f.modTime); err != nil {
			_ = root.Remove(f.writeRel) //nolint:errcheck // best-effort cleanup
			return fmt.Errorf("chtimes %s: %w", f.destRel, err)
		}
	}

	if f.staged() {
		if err := root.Rename(f.writeRel, f.destRel); err != nil {
			_ = root.Remove(f.writeRel) //nolint:errcheck // best-effort cleanup
			return fmt.Errorf("rename to %s: %w", f.destRel, err)
		}
	}
	return nil
}

// Discard closes the file and removes what was written. For direct writes
// this removes the partially written destination file.
func (f *File) Discard() error {
	_ = f.file.Close() //nolint:errcheck // we're cleaning up
	return f.sink.root.Remove(f.writeRel)
}
