// Package pathutil normalizes slash-separated entry paths read from archives.
package pathutil

import (
	"io/fs"
	"path"
	"strings"
)

// Join builds the relative target of an entry from its path field, which
// holds the entry's parent directory, and its name.
func Join(dir, name string) string {
	dir = strings.TrimLeft(dir, "/")
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// Dir returns the path field written for the slash-separated relative path
// rel: its parent directory, or "" for a file at the root.
func Dir(rel string) string {
	dir := path.Dir(rel)
	if dir == "." {
		return ""
	}
	return dir
}

// Clean normalizes p the way archive paths are resolved on extraction:
// leading slashes are dropped and "." elements and redundant separators are
// collapsed. ".." elements are resolved lexically; the result reports
// ok=false when it would leave the root or names the root itself.
func Clean(p string) (string, bool) {
	p = path.Clean(strings.TrimLeft(p, "/"))
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return p, false
	}
	return p, fs.ValidPath(p)
}

// Normalize converts a user-supplied path to the form produced by Clean
// without rejecting anything, so it can be compared with entry targets.
func Normalize(p string) string {
	return path.Clean(strings.TrimLeft(p, "/"))
}
