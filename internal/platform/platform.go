// Package platform isolates the OS-specific parts of reading source trees.
package platform

import "errors"

// ErrSymlink is returned when a path that should name a regular file turns
// out to be a symbolic link.
var ErrSymlink = errors.New("symbolic link")
